package presence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/onnwee/subcults/internal/location"
	"github.com/onnwee/subcults/internal/tracing"
	"github.com/redis/go-redis/v9"
)

// LastKnownTTL is how long a stored LocationPoint survives without a
// refresh before it is considered location-unknown.
const LastKnownTTL = 30 * time.Second

// CommandTimeout bounds every individual ES command.
const CommandTimeout = 10 * time.Second

// Store is the Ephemeral Store abstraction: last-known locations, presence
// sets, connection bindings, and session pub/sub, backed by a single
// multiplexed command connection. The dedicated pub/sub connection lives
// in Subscriber, since Redis pub/sub cannot share a connection with
// commands (see SPEC_FULL.md §5).
type Store struct {
	client *redis.Client
}

// NewStore wraps an existing *redis.Client to be used as the command
// connection, shared across the connection manager, realtime broker, and
// supervisor.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, CommandTimeout)
}

// StoreLocation writes a participant's last-known location with TTL.
func (s *Store) StoreLocation(ctx context.Context, sessionID, userID string, p location.Point) (err error) {
	ctx, end := tracing.StartESSpan(ctx, "SET", sessionID)
	defer func() { end(err) }()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("presence: marshal location: %w", err)
	}
	err = s.client.Set(ctx, locationKey(sessionID, userID), data, LastKnownTTL).Err()
	return err
}

// locationEntry pairs a user id with its decoded location, for replay.
type locationEntry struct {
	UserID string
	Point  location.Point
}

// SessionLocations returns every still-live LastKnown entry for a session,
// via SCAN rather than the blocking KEYS command production deployments
// should avoid.
func (s *Store) SessionLocations(ctx context.Context, sessionID string) ([]locationEntry, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	var entries []locationEntry
	iter := s.client.Scan(ctx, 0, locationScanPattern(sessionID), 100).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		userID := userIDFromLocationKey(key)
		if userID == "" {
			continue
		}
		raw, err := s.client.Get(ctx, key).Result()
		if err == redis.Nil {
			continue // expired between SCAN and GET
		}
		if err != nil {
			return nil, fmt.Errorf("presence: get location %s: %w", key, err)
		}
		var p location.Point
		if err := json.Unmarshal([]byte(raw), &p); err != nil {
			continue // corrupt entry, skip rather than fail the whole replay
		}
		entries = append(entries, locationEntry{UserID: userID, Point: p})
	}
	return entries, iter.Err()
}

func userIDFromLocationKey(key string) string {
	// locations:{session}:{user} — the user id is everything after the
	// second colon-delimited segment.
	first := indexByte(key, ':')
	if first < 0 {
		return ""
	}
	second := indexByte(key[first+1:], ':')
	if second < 0 {
		return ""
	}
	return key[first+1+second+1:]
}

func indexByte(s string, b byte) int {
	for i := 0; i < len(s); i++ {
		if s[i] == b {
			return i
		}
	}
	return -1
}

// AddParticipant adds userID to the session's presence set.
func (s *Store) AddParticipant(ctx context.Context, sessionID, userID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.client.SAdd(ctx, participantsKey(sessionID), userID).Err()
}

// RemoveParticipant removes userID from the session's presence set.
func (s *Store) RemoveParticipant(ctx context.Context, sessionID, userID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.client.SRem(ctx, participantsKey(sessionID), userID).Err()
}

// Participants returns the presence set for a session.
func (s *Store) Participants(ctx context.Context, sessionID string) ([]string, error) {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.client.SMembers(ctx, participantsKey(sessionID)).Result()
}

// BindConnection records the node-agnostic user→session mapping.
func (s *Store) BindConnection(ctx context.Context, userID, sessionID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, connectionKey(userID), sessionID, 0).Err()
}

// UnbindConnection removes the user→session mapping.
func (s *Store) UnbindConnection(ctx context.Context, userID string) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.client.Del(ctx, connectionKey(userID)).Err()
}

// TouchActivity records the session's last-activity unix timestamp in ES.
// This is the non-authoritative ES-side mirror of the DS last_activity
// column; failures here are logged by the caller, never fatal.
func (s *Store) TouchActivity(ctx context.Context, sessionID string, now time.Time) error {
	ctx, cancel := withTimeout(ctx)
	defer cancel()
	return s.client.Set(ctx, activityKey(sessionID), now.Unix(), 0).Err()
}

// Publish serializes and publishes an envelope on a session's channel, for
// cross-node fan-out.
func (s *Store) Publish(ctx context.Context, sessionID string, envelope []byte) (err error) {
	ctx, end := tracing.StartESSpan(ctx, "PUBLISH", sessionID)
	defer func() { end(err) }()
	ctx, cancel := withTimeout(ctx)
	defer cancel()

	err = s.client.Publish(ctx, channelName(sessionID), envelope).Err()
	return err
}

// PublishSessionEnded publishes a session_ended control envelope. It
// satisfies session.Publisher.
//
// The wire shape here must match the relayMessage wrapper internal/realtime
// uses for every other relayed frame ({"origin_user_id","envelope"}) so a
// single ConsumeCrossNode loop can handle both paths identically; presence
// can't import internal/realtime (it would be circular, since realtime
// depends on presence), so the wrapper is reproduced inline rather than
// shared as a type.
func (s *Store) PublishSessionEnded(ctx context.Context, sessionID, reason string) error {
	inner, err := json.Marshal(map[string]any{
		"type": "session_ended",
		"data": map[string]string{"reason": reason},
	})
	if err != nil {
		return err
	}
	wrapped, err := json.Marshal(struct {
		OriginUserID string          `json:"origin_user_id"`
		Envelope     json.RawMessage `json:"envelope"`
	}{OriginUserID: "", Envelope: inner})
	if err != nil {
		return err
	}
	return s.Publish(ctx, sessionID, wrapped)
}

// Stats reports operational counts for a session's admin/monitoring
// surface (the supplemented GET /api/sessions/{id}/stats endpoint).
type Stats struct {
	ActiveLocations    int
	ActiveParticipants int
}

// SessionStats scans the location keys (bounded by SCAN cursor batches, not
// the original's blocking KEYS) and reads the presence set size.
func (s *Store) SessionStats(ctx context.Context, sessionID string) (Stats, error) {
	entries, err := s.SessionLocations(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	participants, err := s.Participants(ctx, sessionID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{ActiveLocations: len(entries), ActiveParticipants: len(participants)}, nil
}

// HealthCheck satisfies api.HealthChecker.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}
