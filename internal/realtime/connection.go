package realtime

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// OutboundQueueCapacity bounds the per-connection outbound buffer. A
// connection that cannot keep up with its queue is force-closed rather than
// let the buffer or the broker's send path grow unbounded.
const OutboundQueueCapacity = 256

// WriteWait bounds a single frame write.
const WriteWait = 10 * time.Second

// PongWait is how long a connection may stay silent before it is considered
// dead; PingPeriod must stay under it.
const (
	PongWait   = 60 * time.Second
	PingPeriod = (PongWait * 9) / 10
)

// Connection is a single live stream: one authenticated participant's
// websocket, bound to exactly one session for its lifetime. Reads and
// writes run on separate goroutines (readPump/writePump) communicating
// through send, matching the reader/writer split used across the stream
// handlers this was modeled on.
type Connection struct {
	UserID      string
	SessionID   string
	DisplayName string
	AvatarColor string
	Creator     bool

	conn *websocket.Conn
	send chan []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newConnection(conn *websocket.Conn, userID, sessionID, displayName, avatarColor string, creator bool) *Connection {
	return &Connection{
		UserID:      userID,
		SessionID:   sessionID,
		DisplayName: displayName,
		AvatarColor: avatarColor,
		Creator:     creator,
		conn:        conn,
		send:        make(chan []byte, OutboundQueueCapacity),
		closed:      make(chan struct{}),
	}
}

// enqueue attempts a non-blocking send. It reports false if the outbound
// queue is full, signaling the caller (the manager) that this connection is
// a slow consumer and must be force-closed.
func (c *Connection) enqueue(payload []byte) bool {
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Close marks the connection closed and unblocks both pumps. Safe to call
// more than once and from either pump or the manager.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		close(c.closed)
		_ = c.conn.Close()
	})
}

// isClosed reports whether Close has already run.
func (c *Connection) isClosed() bool {
	select {
	case <-c.closed:
		return true
	default:
		return false
	}
}
