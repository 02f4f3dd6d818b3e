// Package supervisor runs the background jobs that keep session and
// participant state honest without a client driving it: auto-expiry of
// stale sessions, liveness sweeps for silently-disconnected participants,
// and the ES cross-node subscription watchdog.
package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/onnwee/subcults/internal/participant"
	"github.com/onnwee/subcults/internal/presence"
	"github.com/onnwee/subcults/internal/session"
)

// Defaults, overridable per Config field. Both sweeps run every five
// minutes.
const (
	DefaultExpirySweepInterval   = 5 * time.Minute
	DefaultLivenessSweepInterval = 5 * time.Minute
	DefaultAutoExpireAfter       = 60 * time.Minute
	DefaultParticipantStaleAfter = 60 * time.Minute
	DefaultSweepTimeout          = 30 * time.Second
	DefaultMinBackoff            = 100 * time.Millisecond
	DefaultMaxBackoff            = 30 * time.Second
)

// SessionEndNotifier is the stream-layer hook invoked whenever the
// supervisor ends a session, so connected clients hear about it instead of
// silently losing updates. The liveness sweep does not call it.
// *realtime.Broker satisfies this.
type SessionEndNotifier interface {
	AnnounceSessionEnded(ctx context.Context, sessionID, reason string) error
}

// SubscriberFactory builds a fresh, unconnected presence.Subscriber. The
// watchdog calls it on every (re)connect attempt since a presence.Subscriber
// cannot be reused once its pub/sub connection has been closed.
type SubscriberFactory func() *presence.Subscriber

// CrossNodeConsumer drains a Subscriber's decoded envelopes and fans them
// out locally. *realtime.Broker.ConsumeCrossNode has this shape.
type CrossNodeConsumer func(<-chan presence.Envelope)

// Config configures the supervisor's three loops.
type Config struct {
	ExpirySweepInterval   time.Duration
	LivenessSweepInterval time.Duration
	AutoExpireAfter       time.Duration
	ParticipantStaleAfter time.Duration
	SweepTimeout          time.Duration
	MinBackoff            time.Duration
	MaxBackoff            time.Duration
	Logger                *slog.Logger
	Metrics               *Metrics
}

func (c *Config) applyDefaults() {
	if c.ExpirySweepInterval == 0 {
		c.ExpirySweepInterval = DefaultExpirySweepInterval
	}
	if c.LivenessSweepInterval == 0 {
		c.LivenessSweepInterval = DefaultLivenessSweepInterval
	}
	if c.AutoExpireAfter == 0 {
		c.AutoExpireAfter = DefaultAutoExpireAfter
	}
	if c.ParticipantStaleAfter == 0 {
		c.ParticipantStaleAfter = DefaultParticipantStaleAfter
	}
	if c.SweepTimeout == 0 {
		c.SweepTimeout = DefaultSweepTimeout
	}
	if c.MinBackoff == 0 {
		c.MinBackoff = DefaultMinBackoff
	}
	if c.MaxBackoff == 0 {
		c.MaxBackoff = DefaultMaxBackoff
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Metrics == nil {
		c.Metrics = NewMetrics(nil)
	}
}

// Supervisor owns the three background loops. It is started once and
// stopped once; Start/Stop follow the same shape as trust.RecomputeJob.
type Supervisor struct {
	config Config

	sessions      session.Repository
	participants  participant.Repository
	notifier      SessionEndNotifier
	consume       CrossNodeConsumer
	newSubscriber SubscriberFactory

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	wg      sync.WaitGroup

	subscriberConnected atomic.Bool
}

// SubscriberConnected reports whether the ES-subscriber watchdog currently
// holds a live cross-node subscription. Used by internal/health's
// subscriber checker to expose the degraded mode described in
// SPEC_FULL.md §4.5 on the readiness endpoint. Always true when the
// watchdog loop is disabled (no newSubscriber/consume configured), since
// there is nothing to be degraded.
func (s *Supervisor) SubscriberConnected() bool {
	if s.newSubscriber == nil || s.consume == nil {
		return true
	}
	return s.subscriberConnected.Load()
}

// New constructs a Supervisor. newSubscriber and consume may be nil to
// disable the ES-subscriber watchdog loop (e.g. in a single-process test
// setup with no cross-node fan-out to watch).
func New(config Config, sessions session.Repository, participants participant.Repository, notifier SessionEndNotifier, newSubscriber SubscriberFactory, consume CrossNodeConsumer) *Supervisor {
	config.applyDefaults()
	return &Supervisor{
		config:        config,
		sessions:      sessions,
		participants:  participants,
		notifier:      notifier,
		consume:       consume,
		newSubscriber: newSubscriber,
	}
}

// Start launches all configured loops in background goroutines and returns
// immediately.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = true
	s.stopCh = make(chan struct{})
	s.mu.Unlock()

	s.wg.Add(2)
	go s.runExpirySweep(ctx)
	go s.runLivenessSweep(ctx)

	if s.newSubscriber != nil && s.consume != nil {
		s.wg.Add(1)
		go s.runSubscriberWatchdog(ctx)
	}

	return nil
}

// Stop signals every loop to exit and waits for them to finish.
func (s *Supervisor) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
}
