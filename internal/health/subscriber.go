package health

import (
	"context"
	"errors"
)

// SubscriberStateSource reports whether the cross-node ES subscription is
// currently connected. *supervisor.Supervisor satisfies this.
type SubscriberStateSource interface {
	SubscriberConnected() bool
}

// ErrSubscriberDisconnected is returned by SubscriberChecker.HealthCheck
// while the watchdog is reconnecting, matching the degraded-mode gauge
// described in SPEC_FULL.md §4.5.
var ErrSubscriberDisconnected = errors.New("health: cross-node subscriber disconnected")

// SubscriberChecker implements health checking for the ES-subscriber
// watchdog, grounded on the same HealthChecker shape as DBChecker and
// RedisChecker.
type SubscriberChecker struct {
	source SubscriberStateSource
}

// NewSubscriberChecker wraps source as a HealthChecker.
func NewSubscriberChecker(source SubscriberStateSource) *SubscriberChecker {
	return &SubscriberChecker{source: source}
}

// HealthCheck reports an error while the subscriber is disconnected. This
// is the one readiness check the API server stays up through — the node
// still serves local clients in this state, so callers surface it as a
// degraded signal rather than failing the whole process.
func (c *SubscriberChecker) HealthCheck(ctx context.Context) error {
	if !c.source.SubscriberConnected() {
		return ErrSubscriberDisconnected
	}
	return nil
}
