package supervisor

import (
	"context"
	"math/rand"
	"time"
)

const jobWatchdog = "subscriber_watchdog"

// runSubscriberWatchdog keeps exactly one presence.Subscriber connected for
// the process's lifetime, reconnecting with capped exponential backoff and
// jitter whenever the connection drops.
func (s *Supervisor) runSubscriberWatchdog(ctx context.Context) {
	defer s.wg.Done()

	backoff := s.config.MinBackoff
	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("supervisor: subscriber watchdog stopping", "reason", "context canceled")
			return
		case <-s.stopCh:
			s.config.Logger.Info("supervisor: subscriber watchdog stopping", "reason", "stop signal")
			return
		default:
		}

		sub := s.newSubscriber()
		connectCtx, cancel := context.WithTimeout(ctx, s.config.SweepTimeout)
		err := sub.Connect(connectCtx)
		cancel()
		if err != nil {
			s.config.Metrics.ErrorsTotal.WithLabelValues(jobWatchdog, "connect").Inc()
			s.config.Logger.Error("supervisor: subscriber connect failed, backing off", "error", err, "backoff", backoff)
			if !s.sleep(backoff) {
				return
			}
			backoff = nextBackoff(backoff, s.config.MaxBackoff)
			continue
		}

		s.config.Logger.Info("supervisor: subscriber connected")
		s.config.Metrics.RunsTotal.WithLabelValues(jobWatchdog).Inc()
		s.subscriberConnected.Store(true)
		backoff = s.config.MinBackoff

		// consume blocks until the subscription drops (Envelopes' channel
		// closes) or the caller stops the supervisor.
		done := make(chan struct{})
		go func() {
			s.consume(sub.Envelopes())
			close(done)
		}()

		select {
		case <-ctx.Done():
			s.subscriberConnected.Store(false)
			_ = sub.Close()
			<-done
			return
		case <-s.stopCh:
			s.subscriberConnected.Store(false)
			_ = sub.Close()
			<-done
			return
		case <-done:
			s.subscriberConnected.Store(false)
			s.config.Logger.Warn("supervisor: subscriber connection dropped, reconnecting")
		}
	}
}

// sleep waits for d or an early stop signal, reporting whether it completed
// the full wait (false means the caller should return). Context
// cancellation does not cut the wait short.
func (s *Supervisor) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-s.stopCh:
		return false
	}
}

// nextBackoff doubles d, caps it at max, and applies +/-20% jitter so a
// fleet of nodes reconnecting at once doesn't thunder in lockstep.
func nextBackoff(d, max time.Duration) time.Duration {
	d *= 2
	if d > max {
		d = max
	}
	jitter := time.Duration(float64(d) * (0.8 + 0.4*rand.Float64()))
	if jitter > max {
		jitter = max
	}
	return jitter
}
