package supervisor

import (
	"context"
	"time"

	"github.com/onnwee/subcults/internal/realtime"
)

const jobExpiry = "session_expiry"

// runExpirySweep ticks at ExpirySweepInterval and ends every session whose
// DS last_activity has gone stale with no recently-seen participant.
func (s *Supervisor) runExpirySweep(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.ExpirySweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("supervisor: expiry sweep stopping", "reason", "context canceled")
			return
		case <-s.stopCh:
			s.config.Logger.Info("supervisor: expiry sweep stopping", "reason", "stop signal")
			return
		case <-ticker.C:
			s.sweepExpiry(ctx)
		}
	}
}

func (s *Supervisor) sweepExpiry(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, s.config.SweepTimeout)
	defer cancel()

	start := time.Now()
	s.config.Metrics.RunsTotal.WithLabelValues(jobExpiry).Inc()

	now := time.Now()
	cutoff := now.Add(-s.config.AutoExpireAfter)
	candidates, err := s.sessions.ListExpiryCandidates(ctx, cutoff)
	if err != nil {
		s.config.Metrics.ErrorsTotal.WithLabelValues(jobExpiry, "list_candidates").Inc()
		s.config.Logger.Error("supervisor: list expiry candidates failed", "error", err)
		return
	}

	for _, candidate := range candidates {
		select {
		case <-ctx.Done():
			s.config.Logger.Warn("supervisor: expiry sweep timed out", "timeout", s.config.SweepTimeout)
			s.config.Metrics.RunDuration.WithLabelValues(jobExpiry).Observe(time.Since(start).Seconds())
			return
		default:
		}

		recent, err := s.participants.HasRecentActivity(ctx, candidate.ID, now.Add(-s.config.ParticipantStaleAfter))
		if err != nil {
			s.config.Metrics.ErrorsTotal.WithLabelValues(jobExpiry, "check_activity").Inc()
			s.config.Logger.Error("supervisor: check participant activity failed", "error", err, "session_id", candidate.ID)
			continue
		}
		if recent {
			continue // live participants mask a stale DS last_activity column
		}

		if err := s.sessions.End(ctx, candidate.ID); err != nil {
			s.config.Metrics.ErrorsTotal.WithLabelValues(jobExpiry, "end_session").Inc()
			s.config.Logger.Error("supervisor: auto-expire session failed", "error", err, "session_id", candidate.ID)
			continue
		}
		if err := s.participants.DeactivateSession(ctx, candidate.ID, now); err != nil {
			s.config.Logger.Error("supervisor: deactivate participants failed", "error", err, "session_id", candidate.ID)
		}
		if s.notifier != nil {
			if err := s.notifier.AnnounceSessionEnded(ctx, candidate.ID, realtime.ReasonExpired); err != nil {
				s.config.Logger.Error("supervisor: announce session_ended failed", "error", err, "session_id", candidate.ID)
			}
		}
		s.config.Metrics.SessionsEnded.Inc()
		s.config.Logger.Info("supervisor: auto-expired session", "session_id", candidate.ID)
	}

	s.config.Metrics.RunDuration.WithLabelValues(jobExpiry).Observe(time.Since(start).Seconds())
}
