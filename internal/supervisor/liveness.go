package supervisor

import (
	"context"
	"time"
)

const jobLiveness = "participant_liveness"

// runLivenessSweep ticks at LivenessSweepInterval and marks participants
// inactive once their LastSeen has gone stale — a fallback for clients that
// dropped without a clean close frame.
func (s *Supervisor) runLivenessSweep(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.config.LivenessSweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.config.Logger.Info("supervisor: liveness sweep stopping", "reason", "context canceled")
			return
		case <-s.stopCh:
			s.config.Logger.Info("supervisor: liveness sweep stopping", "reason", "stop signal")
			return
		case <-ticker.C:
			s.sweepLiveness(ctx)
		}
	}
}

func (s *Supervisor) sweepLiveness(parentCtx context.Context) {
	ctx, cancel := context.WithTimeout(parentCtx, s.config.SweepTimeout)
	defer cancel()

	start := time.Now()
	s.config.Metrics.RunsTotal.WithLabelValues(jobLiveness).Inc()

	cutoff := time.Now().Add(-s.config.ParticipantStaleAfter)
	transitioned, err := s.participants.SweepInactive(ctx, cutoff)
	if err != nil {
		s.config.Metrics.ErrorsTotal.WithLabelValues(jobLiveness, "sweep").Inc()
		s.config.Logger.Error("supervisor: sweep inactive participants failed", "error", err)
		s.config.Metrics.RunDuration.WithLabelValues(jobLiveness).Observe(time.Since(start).Seconds())
		return
	}

	// participant_left for a participant whose connection is still open on
	// this node is emitted by the realtime layer when its readPump exits.
	// This sweep only catches the residual case: the node holding the
	// connection crashed without unwinding it, so there is nothing local
	// left to announce from here.
	s.config.Metrics.ParticipantsExpired.Add(float64(len(transitioned)))
	s.config.Logger.Info("supervisor: liveness sweep complete", "swept", len(transitioned))
	s.config.Metrics.RunDuration.WithLabelValues(jobLiveness).Observe(time.Since(start).Seconds())
}
