package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/onnwee/subcults/internal/location"
	"github.com/onnwee/subcults/internal/presence"
	"github.com/onnwee/subcults/internal/session"
)

// relayMessage is the wire shape published on a session's ES channel: the
// client-facing Envelope bytes plus the originating user id, so every node
// (including the one that produced the message) can apply the same
// exclusion rule when fanning out locally. This keeps exactly one delivery
// path — the cross-node subscription loop — for both same-node and
// other-node peers, rather than a same-node fast path plus a cross-node
// slow path that would have to agree on what "already delivered" means.
type relayMessage struct {
	OriginUserID string          `json:"origin_user_id"`
	Envelope     json.RawMessage `json:"envelope"`
}

// Broker is the Realtime Broker: it interprets inbound frames, updates the
// Ephemeral Store, and relays outbound frames to every node holding a
// connection for the session.
type Broker struct {
	manager  *Manager
	store    *presence.Store
	sessions session.Repository
	logger   *slog.Logger
	metrics  *Metrics
}

// NewBroker wires a Broker to the registry it fans out through and the
// stores it reads/writes.
func NewBroker(manager *Manager, store *presence.Store, sessions session.Repository, logger *slog.Logger, metrics *Metrics) *Broker {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Broker{manager: manager, store: store, sessions: sessions, logger: logger, metrics: metrics}
}

// HandleInbound decodes one client frame and acts on it. Unknown or
// malformed frames get an error envelope back on the same connection; they
// never reach other participants.
func (b *Broker) HandleInbound(ctx context.Context, c *Connection, raw []byte) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		b.metrics.InboundFrames.WithLabelValues("unknown", "malformed").Inc()
		b.sendError(c, CodeInvalidMessageFormat, "frame is not a valid envelope")
		return
	}

	switch env.Type {
	case TypeLocationUpdate:
		b.handleLocationUpdate(ctx, c, env.Data)
	case TypePing:
		b.metrics.InboundFrames.WithLabelValues(TypePing, "ok").Inc()
		if payload, err := encodeEnvelope(TypePong, nil); err == nil {
			c.enqueue(payload)
		}
	default:
		b.metrics.InboundFrames.WithLabelValues(env.Type, "unknown_type").Inc()
		b.sendError(c, CodeInvalidMessageType, "unrecognized message type: "+env.Type)
	}
}

func (b *Broker) handleLocationUpdate(ctx context.Context, c *Connection, data json.RawMessage) {
	var payload LocationUpdateData
	if err := json.Unmarshal(data, &payload); err != nil {
		b.metrics.InboundFrames.WithLabelValues(TypeLocationUpdate, "malformed").Inc()
		b.sendError(c, CodeInvalidMessageFormat, "location_update data is malformed")
		return
	}

	point := location.Point{
		Lat:       payload.Lat,
		Lng:       payload.Lng,
		Accuracy:  payload.Accuracy,
		Timestamp: payload.Timestamp,
	}
	now := time.Now()
	if err := location.Validate(point, now); err != nil {
		b.metrics.InboundFrames.WithLabelValues(TypeLocationUpdate, "invalid").Inc()
		b.sendError(c, CodeInvalidLocation, err.Error())
		return
	}

	if err := b.store.StoreLocation(ctx, c.SessionID, c.UserID, point); err != nil {
		b.metrics.InboundFrames.WithLabelValues(TypeLocationUpdate, "store_failed").Inc()
		b.logger.Error("stream: store location failed", "error", err, "session_id", c.SessionID, "user_id", c.UserID)
		b.sendError(c, CodeLocationStoreFailed, "location could not be stored")
		return
	}

	if err := b.sessions.Touch(ctx, c.SessionID, now); err != nil {
		b.logger.Warn("stream: touch session activity failed", "error", err, "session_id", c.SessionID)
	}
	if err := b.store.TouchActivity(ctx, c.SessionID, now); err != nil {
		b.logger.Warn("stream: touch ES activity failed", "error", err, "session_id", c.SessionID)
	}

	broadcast, err := encodeEnvelope(TypeLocationBroadcast, LocationBroadcastData{
		UserID:    c.UserID,
		Lat:       point.Lat,
		Lng:       point.Lng,
		Accuracy:  point.Accuracy,
		Timestamp: point.Timestamp,
	})
	if err != nil {
		return
	}
	b.metrics.InboundFrames.WithLabelValues(TypeLocationUpdate, "ok").Inc()
	b.relay(ctx, c.SessionID, c.UserID, broadcast)
}

// announceJoin relays a participant_joined frame, excluding the joiner's
// own connection (it already knows it joined).
func (b *Broker) announceJoin(ctx context.Context, c *Connection) {
	payload, err := encodeEnvelope(TypeParticipantJoined, ParticipantJoinedData{
		UserID:      c.UserID,
		DisplayName: c.DisplayName,
		AvatarColor: c.AvatarColor,
	})
	if err != nil {
		return
	}
	b.relay(ctx, c.SessionID, c.UserID, payload)
}

// announceLeave relays a participant_left frame, excluding the leaver (its
// connection is already closing by the time this fires).
func (b *Broker) announceLeave(ctx context.Context, c *Connection) {
	payload, err := encodeEnvelope(TypeParticipantLeft, ParticipantLeftData{UserID: c.UserID})
	if err != nil {
		return
	}
	b.relay(ctx, c.SessionID, c.UserID, payload)
}

// AnnounceSessionEnded relays a session_ended frame to every participant,
// including whoever ended it. Called by the supervisor's auto-expiry sweep;
// the session coordinator's end path publishes the same relay shape through
// presence.Store.PublishSessionEnded instead.
func (b *Broker) AnnounceSessionEnded(ctx context.Context, sessionID, reason string) error {
	payload, err := encodeEnvelope(TypeSessionEnded, SessionEndedData{Reason: reason})
	if err != nil {
		return err
	}
	b.relay(ctx, sessionID, "", payload)
	return nil
}

// relay publishes a wrapped envelope on the session's ES channel so every
// node's ConsumeCrossNode loop — this node included — delivers it locally
// with the given exclusion applied.
func (b *Broker) relay(ctx context.Context, sessionID, excludeUserID string, envelope []byte) {
	wrapped, err := json.Marshal(relayMessage{OriginUserID: excludeUserID, Envelope: envelope})
	if err != nil {
		return
	}
	if err := b.store.Publish(ctx, sessionID, wrapped); err != nil {
		b.logger.Error("stream: publish relay message failed", "error", err, "session_id", sessionID)
	}
}

func (b *Broker) sendError(c *Connection, code, message string) {
	payload, err := encodeEnvelope(TypeError, ErrorData{Code: code, Message: message})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

// ConsumeCrossNode drains a presence.Subscriber's decoded envelopes and
// fans each one out to this node's local connections. It runs until the
// subscriber's channel closes, which happens on disconnect; the supervisor
// owns reconnection and restarts this loop on a fresh Subscriber.
func (b *Broker) ConsumeCrossNode(envelopes <-chan presence.Envelope) {
	for env := range envelopes {
		var msg relayMessage
		if err := json.Unmarshal(env.Payload, &msg); err != nil {
			b.logger.Warn("stream: malformed relay message", "error", err, "session_id", env.SessionID)
			continue
		}
		b.manager.BroadcastLocal(env.SessionID, msg.Envelope, msg.OriginUserID)
	}
}
