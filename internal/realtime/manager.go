package realtime

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/onnwee/subcults/internal/presence"
)

// Manager is the Connection Manager: the per-node registry of live streams,
// keyed by user id and grouped by session, plus the replay and teardown
// bookkeeping a connection needs at the edges of its lifetime.
//
// A sync.RWMutex guards both indexes; reads (broadcast fan-out) vastly
// outnumber writes (connect/disconnect), so readers never contend with each
// other.
type Manager struct {
	mu        sync.RWMutex
	byUser    map[string]*Connection
	bySession map[string]map[string]*Connection

	store   *presence.Store
	logger  *slog.Logger
	metrics *Metrics
}

// NewManager constructs an empty registry bound to the shared Ephemeral
// Store command connection.
func NewManager(store *presence.Store, logger *slog.Logger, metrics *Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	if metrics == nil {
		metrics = NewMetrics(nil)
	}
	return &Manager{
		byUser:    make(map[string]*Connection),
		bySession: make(map[string]map[string]*Connection),
		store:     store,
		logger:    logger,
		metrics:   metrics,
	}
}

// register adds a connection to both indexes, evicting any prior connection
// the same user already held and returning it for the caller to close — a
// reconnect always wins over the stale handle per the single-binding rule in
// SPEC_FULL.md §4.
func (m *Manager) register(c *Connection) *Connection {
	m.mu.Lock()
	defer m.mu.Unlock()

	var evicted *Connection
	if prior, ok := m.byUser[c.UserID]; ok {
		evicted = prior
		m.removeLocked(prior)
		m.metrics.ConnectionsOpen.Dec()
	}

	m.byUser[c.UserID] = c
	if m.bySession[c.SessionID] == nil {
		m.bySession[c.SessionID] = make(map[string]*Connection)
	}
	m.bySession[c.SessionID][c.UserID] = c
	m.metrics.ConnectionsOpen.Inc()
	return evicted
}

func (m *Manager) unregister(c *Connection) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if current, ok := m.byUser[c.UserID]; !ok || current != c {
		return // already replaced by a newer connection for this user
	}
	m.removeLocked(c)
	m.metrics.ConnectionsOpen.Dec()
}

// removeLocked removes c from both indexes. Caller must hold mu.
func (m *Manager) removeLocked(c *Connection) {
	delete(m.byUser, c.UserID)
	if peers, ok := m.bySession[c.SessionID]; ok {
		delete(peers, c.UserID)
		if len(peers) == 0 {
			delete(m.bySession, c.SessionID)
		}
	}
}

// BroadcastLocal delivers payload to every connection currently registered
// for sessionID on this node, except excludeUserID (pass "" to exclude
// none). A slow consumer — one whose outbound queue is already full — is
// force-closed rather than block the broadcaster.
func (m *Manager) BroadcastLocal(sessionID string, payload []byte, excludeUserID string) {
	m.mu.RLock()
	peers := m.bySession[sessionID]
	targets := make([]*Connection, 0, len(peers))
	for userID, c := range peers {
		if userID == excludeUserID {
			continue
		}
		targets = append(targets, c)
	}
	m.mu.RUnlock()

	for _, c := range targets {
		if !c.enqueue(payload) {
			m.metrics.SlowConsumerDrops.Inc()
			m.logger.Warn("stream: slow consumer, force-closing",
				"user_id", c.UserID, "session_id", c.SessionID)
			c.Close()
		}
	}
}

// SendTo delivers payload to a single user's connection if one is
// registered on this node. It reports whether a local connection existed.
func (m *Manager) SendTo(userID string, payload []byte) bool {
	m.mu.RLock()
	c, ok := m.byUser[userID]
	m.mu.RUnlock()
	if !ok {
		return false
	}
	if !c.enqueue(payload) {
		m.metrics.SlowConsumerDrops.Inc()
		c.Close()
		return false
	}
	return true
}

// LocalParticipantCount reports how many of a session's participants hold
// a live connection on this node (used for metrics, not capacity checks —
// capacity is enforced in DS-backed participant counts).
func (m *Manager) LocalParticipantCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bySession[sessionID])
}

// upgrader is shared across all Serve calls. CheckOrigin is left to the
// caller's HTTP layer (CORS middleware already governs allowed origins for
// the REST surface; the stream endpoint trusts the same policy).
var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}
