package supervisor

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the supervisor's background-job instruments, grounded on the
// shape of trust.Metrics/JobMetrics: per-job counters plus a duration
// histogram, registered against a caller-supplied registry.
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	ErrorsTotal  *prometheus.CounterVec
	RunDuration  *prometheus.HistogramVec
	SessionsEnded prometheus.Counter
	ParticipantsExpired prometheus.Counter
}

// NewMetrics registers the supervisor metrics on reg. Passing nil yields
// instruments safe to use but never exposed, useful for tests.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RunsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subcults",
			Subsystem: "supervisor",
			Name:      "job_runs_total",
			Help:      "Supervisor job executions by job name.",
		}, []string{"job"}),
		ErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "subcults",
			Subsystem: "supervisor",
			Name:      "job_errors_total",
			Help:      "Supervisor job failures by job name and error type.",
		}, []string{"job", "error_type"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "subcults",
			Subsystem: "supervisor",
			Name:      "job_duration_seconds",
			Help:      "Supervisor job execution duration by job name.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"job"}),
		SessionsEnded: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subcults",
			Subsystem: "supervisor",
			Name:      "sessions_auto_expired_total",
			Help:      "Sessions ended by the auto-expiry sweep.",
		}),
		ParticipantsExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "subcults",
			Subsystem: "supervisor",
			Name:      "participants_swept_total",
			Help:      "Participants marked inactive by the liveness sweep.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.RunsTotal, m.ErrorsTotal, m.RunDuration, m.SessionsEnded, m.ParticipantsExpired)
	}
	return m
}
