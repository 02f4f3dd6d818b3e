package participant

import (
	"context"
	"sync"
	"time"
)

// Repository persists participant rows and supports the capacity and
// liveness queries the session coordinator and supervisor need.
type Repository interface {
	// Join creates a new participant, or reactivates an existing inactive
	// one for (sessionID, userID). Returns ErrAlreadyActive if the
	// participant is already active. No capacity check is made; use
	// JoinWithCapacity for that.
	Join(ctx context.Context, p *Participant) error

	// JoinWithCapacity atomically checks that p.SessionID's active
	// participant count is below maxParticipants and, if so, joins p in the
	// same transaction/critical section — so two concurrent joins racing at
	// the boundary cannot both succeed and push the session over capacity.
	// Returns ErrCapacityExceeded when the session is already at capacity.
	JoinWithCapacity(ctx context.Context, p *Participant, maxParticipants int) error

	// Get returns the participant for (sessionID, userID), or ErrNotFound.
	Get(ctx context.Context, sessionID, userID string) (*Participant, error)

	// Leave marks the participant inactive and stamps LastSeen=now.
	// Idempotent: leaving an already-inactive participant is not an error.
	Leave(ctx context.Context, sessionID, userID string, now time.Time) error

	// Touch updates LastSeen=now without changing Active.
	Touch(ctx context.Context, sessionID, userID string, now time.Time) error

	// ActiveCount returns the number of active participants in a session.
	ActiveCount(ctx context.Context, sessionID string) (int, error)

	// ListActive returns all active participants in a session.
	ListActive(ctx context.Context, sessionID string) ([]*Participant, error)

	// SweepInactive marks every participant with LastSeen before cutoff as
	// inactive, returning the ones it transitioned (for emitting
	// participant_left notifications). Participants already inactive are
	// not returned.
	SweepInactive(ctx context.Context, cutoff time.Time) ([]*Participant, error)

	// DeactivateSession marks every active participant in sessionID
	// inactive. Used by end() and the auto-expiry sweep.
	DeactivateSession(ctx context.Context, sessionID string, now time.Time) error

	// HasRecentActivity reports whether any participant in sessionID has
	// LastSeen after since. The auto-expiry sweep uses this to avoid
	// expiring a session with no recent DS-level session activity but
	// live, recently-seen participants.
	HasRecentActivity(ctx context.Context, sessionID string, since time.Time) (bool, error)
}

// InMemoryRepository is a process-local Repository, safe for concurrent
// use. It keeps a dual index (by composite key, and an active-only index
// per session) so capacity checks and active listings don't scan the whole
// table.
type InMemoryRepository struct {
	mu sync.RWMutex
	// byKey indexes every participant ever seen, keyed by
	// sessionID+"\x00"+userID.
	byKey map[string]*Participant
	// activeIndex[sessionID][userID] mirrors byKey for active rows only.
	activeIndex map[string]map[string]struct{}
}

// NewInMemoryRepository constructs an empty InMemoryRepository.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		byKey:       make(map[string]*Participant),
		activeIndex: make(map[string]map[string]struct{}),
	}
}

func makeKey(sessionID, userID string) string {
	return sessionID + "\x00" + userID
}

func (r *InMemoryRepository) Join(ctx context.Context, p *Participant) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(p.SessionID, p.UserID)
	if existing, ok := r.byKey[key]; ok && existing.Active {
		return ErrAlreadyActive
	}

	stored := *p
	stored.Active = true
	r.byKey[key] = &stored

	if r.activeIndex[p.SessionID] == nil {
		r.activeIndex[p.SessionID] = make(map[string]struct{})
	}
	r.activeIndex[p.SessionID][p.UserID] = struct{}{}
	return nil
}

func (r *InMemoryRepository) JoinWithCapacity(ctx context.Context, p *Participant, maxParticipants int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(p.SessionID, p.UserID)
	if existing, ok := r.byKey[key]; ok && existing.Active {
		return ErrAlreadyActive
	}
	if len(r.activeIndex[p.SessionID]) >= maxParticipants {
		return ErrCapacityExceeded
	}

	stored := *p
	stored.Active = true
	r.byKey[key] = &stored

	if r.activeIndex[p.SessionID] == nil {
		r.activeIndex[p.SessionID] = make(map[string]struct{})
	}
	r.activeIndex[p.SessionID][p.UserID] = struct{}{}
	return nil
}

func (r *InMemoryRepository) Get(ctx context.Context, sessionID, userID string) (*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.byKey[makeKey(sessionID, userID)]
	if !ok {
		return nil, ErrNotFound
	}
	copy := *p
	return &copy, nil
}

func (r *InMemoryRepository) Leave(ctx context.Context, sessionID, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := makeKey(sessionID, userID)
	p, ok := r.byKey[key]
	if !ok {
		return nil
	}
	p.Active = false
	p.LastSeen = now
	if idx := r.activeIndex[sessionID]; idx != nil {
		delete(idx, userID)
	}
	return nil
}

func (r *InMemoryRepository) Touch(ctx context.Context, sessionID, userID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.byKey[makeKey(sessionID, userID)]
	if !ok {
		return ErrNotFound
	}
	p.LastSeen = now
	return nil
}

func (r *InMemoryRepository) ActiveCount(ctx context.Context, sessionID string) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.activeIndex[sessionID]), nil
}

func (r *InMemoryRepository) ListActive(ctx context.Context, sessionID string) ([]*Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Participant, 0, len(r.activeIndex[sessionID]))
	for userID := range r.activeIndex[sessionID] {
		if p, ok := r.byKey[makeKey(sessionID, userID)]; ok {
			copy := *p
			out = append(out, &copy)
		}
	}
	return out, nil
}

func (r *InMemoryRepository) SweepInactive(ctx context.Context, cutoff time.Time) ([]*Participant, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var transitioned []*Participant
	for _, p := range r.byKey {
		if !p.Active || p.LastSeen.After(cutoff) || p.LastSeen.Equal(cutoff) {
			continue
		}
		p.Active = false
		if idx := r.activeIndex[p.SessionID]; idx != nil {
			delete(idx, p.UserID)
		}
		copy := *p
		transitioned = append(transitioned, &copy)
	}
	return transitioned, nil
}

func (r *InMemoryRepository) HasRecentActivity(ctx context.Context, sessionID string, since time.Time) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for userID := range r.activeIndex[sessionID] {
		if p, ok := r.byKey[makeKey(sessionID, userID)]; ok && p.LastSeen.After(since) {
			return true, nil
		}
	}
	return false, nil
}

func (r *InMemoryRepository) DeactivateSession(ctx context.Context, sessionID string, now time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for userID := range r.activeIndex[sessionID] {
		if p, ok := r.byKey[makeKey(sessionID, userID)]; ok {
			p.Active = false
			p.LastSeen = now
		}
	}
	delete(r.activeIndex, sessionID)
	return nil
}
