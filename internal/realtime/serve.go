package realtime

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Upgrade promotes an already-authenticated HTTP request to a websocket and
// drives the connection until it closes, replaying last-known locations and
// announcing the join/leave to the rest of the session. Upgrade blocks until
// the connection ends; callers run it directly in the request goroutine,
// matching the handler pattern this was modeled on.
func (m *Manager) Upgrade(ctx context.Context, w http.ResponseWriter, r *http.Request, broker *Broker, userID, sessionID, displayName, avatarColor string, creator bool) error {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return err
	}

	c := newConnection(wsConn, userID, sessionID, displayName, avatarColor, creator)
	if evicted := m.register(c); evicted != nil {
		evicted.Close()
	}

	if err := m.store.AddParticipant(ctx, sessionID, userID); err != nil {
		m.logger.Error("stream: add participant to presence set failed", "error", err, "session_id", sessionID, "user_id", userID)
	}
	if err := m.store.BindConnection(ctx, userID, sessionID); err != nil {
		m.logger.Error("stream: bind connection failed", "error", err, "user_id", userID)
	}

	m.replayLastKnown(ctx, c)
	broker.announceJoin(ctx, c)

	done := make(chan struct{})
	go m.writePump(c, done)
	m.readPump(ctx, c, broker)
	c.Close()
	<-done

	m.unregister(c)
	if err := m.store.RemoveParticipant(ctx, sessionID, userID); err != nil {
		m.logger.Error("stream: remove participant from presence set failed", "error", err, "session_id", sessionID, "user_id", userID)
	}
	if err := m.store.UnbindConnection(ctx, userID); err != nil {
		m.logger.Error("stream: unbind connection failed", "error", err, "user_id", userID)
	}
	broker.announceLeave(ctx, c)

	return nil
}

// replayLastKnown sends every other participant's still-live LastKnown
// location to a newly joined connection, so a late joiner doesn't have to
// wait out a full location_update interval to see who's already there.
func (m *Manager) replayLastKnown(ctx context.Context, c *Connection) {
	entries, err := m.store.SessionLocations(ctx, c.SessionID)
	if err != nil {
		m.logger.Error("stream: replay last-known locations failed", "error", err, "session_id", c.SessionID)
		return
	}
	for _, entry := range entries {
		if entry.UserID == c.UserID {
			continue
		}
		payload, err := encodeEnvelope(TypeLocationBroadcast, LocationBroadcastData{
			UserID:    entry.UserID,
			Lat:       entry.Point.Lat,
			Lng:       entry.Point.Lng,
			Accuracy:  entry.Point.Accuracy,
			Timestamp: entry.Point.Timestamp,
		})
		if err != nil {
			continue
		}
		c.enqueue(payload)
	}
}

// readPump is the inbound goroutine: it owns the only reader of the
// websocket, decodes each frame, and hands it to the broker. It returns
// when the connection closes or the read fails.
func (m *Manager) readPump(ctx context.Context, c *Connection, broker *Broker) {
	c.conn.SetReadDeadline(time.Now().Add(PongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(PongWait))
		return nil
	})

	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				m.logger.Debug("stream: unexpected close", "error", err, "user_id", c.UserID)
			}
			return
		}
		broker.HandleInbound(ctx, c, raw)
	}
}

// writePump is the outbound goroutine: it owns the only writer of the
// websocket, draining c.send and sending periodic pings. It exits when
// c.closed fires or a write fails, and always leaves the connection closed.
func (m *Manager) writePump(c *Connection, done chan<- struct{}) {
	ticker := time.NewTicker(PingPeriod)
	defer func() {
		ticker.Stop()
		c.Close()
		close(done)
	}()

	for {
		select {
		case <-c.closed:
			return
		case payload, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(WriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
