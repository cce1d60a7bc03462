package events

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// SnapshotQuerier answers replay queries for (re)connecting viewers.
// Implemented by the session manager. It returns the seq-ordered events
// recorded after since, the current seq watermark, and the highest
// evicted seq (zero when nothing relevant was evicted).
type SnapshotQuerier interface {
	SnapshotEvents(sessionID string, since uint64) ([]Event, uint64, uint64, error)
}

// SendFunc delivers one encoded event record to a viewer. A returned
// error marks the connection dead.
type SendFunc func(ctx context.Context, payload []byte) error

// delivery is one queued record. seq zero marks control notices, which
// bypass duplicate suppression.
type delivery struct {
	seq     uint64
	payload []byte
}

// Connection is one viewer's subscription to one session. Owned by the
// ConnectionManager; it never outlives its underlying transport.
type Connection struct {
	ID        string
	ViewerID  string
	SessionID string

	send   chan delivery
	replay []delivery
	sendFn SendFunc
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// ConnectionManager maps sessions to live viewer connections and fans
// events out to them. Delivery to each connection runs on its own
// goroutine behind a buffered channel, so one slow or broken viewer never
// stalls broadcast to the rest.
type ConnectionManager struct {
	mu          sync.RWMutex
	connections map[string]*Connection         // connection id → connection
	sessions    map[string]map[string]struct{} // session id → connection ids
	viewers     map[string]map[string]struct{} // viewer id → connection ids

	querier      SnapshotQuerier
	writeTimeout time.Duration
	sendBuffer   int
	logger       *slog.Logger
}

// NewConnectionManager creates a connection manager. writeTimeout is the
// per-delivery grace period: a viewer unresponsive for longer is treated
// as dead and removed, the same path as a transport disconnect.
func NewConnectionManager(querier SnapshotQuerier, writeTimeout time.Duration, sendBuffer int) *ConnectionManager {
	if writeTimeout <= 0 {
		writeTimeout = 30 * time.Second
	}
	if sendBuffer <= 0 {
		sendBuffer = 256
	}
	return &ConnectionManager{
		connections:  make(map[string]*Connection),
		sessions:     make(map[string]map[string]struct{}),
		viewers:      make(map[string]map[string]struct{}),
		querier:      querier,
		writeTimeout: writeTimeout,
		sendBuffer:   sendBuffer,
		logger:       slog.Default().With("component", "connection-manager"),
	}
}

// SetSnapshotQuerier wires the replay source. Called once during startup
// after both the manager and the session manager exist.
func (m *ConnectionManager) SetSnapshotQuerier(q SnapshotQuerier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.querier = q
}

// Subscribe registers a delivery sink for a session and enqueues a replay
// of everything recorded after since, so the viewer starts consistent.
// Delivery does not begin until StartDelivery is called; published events
// queue up in the meantime.
//
// The snapshot is taken and the connection registered under the same
// exclusive lock that Publish contends on, so no event can be published
// between "read state" and "become subscribed": events recorded before
// the lock are in the replay, events recorded after it land in the live
// queue, and the replay-then-live transition neither drops nor
// duplicates.
func (m *ConnectionManager) Subscribe(sessionID, viewerID string, since uint64, send SendFunc) (*Connection, error) {
	m.mu.Lock()

	evts, _, evicted, err := m.querier.SnapshotEvents(sessionID, since)
	if err != nil {
		m.mu.Unlock()
		return nil, err
	}

	replay := make([]delivery, 0, len(evts)+1)
	if evicted > since {
		notice, mErr := json.Marshal(map[string]any{
			"type":            "catchup.gap",
			"session_id":      sessionID,
			"evicted_through": evicted,
		})
		if mErr == nil {
			replay = append(replay, delivery{payload: notice})
		}
	}
	for _, e := range evts {
		payload, mErr := Marshal(e)
		if mErr != nil {
			m.logger.Warn("Failed to marshal replay event",
				"session_id", sessionID, "seq", e.Meta().Seq, "error", mErr)
			continue
		}
		replay = append(replay, delivery{seq: e.Meta().Seq, payload: payload})
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Connection{
		ID:        uuid.New().String(),
		ViewerID:  viewerID,
		SessionID: sessionID,
		send:      make(chan delivery, m.sendBuffer),
		replay:    replay,
		sendFn:    send,
		ctx:       ctx,
		cancel:    cancel,
	}

	m.connections[c.ID] = c
	if m.sessions[sessionID] == nil {
		m.sessions[sessionID] = make(map[string]struct{})
	}
	m.sessions[sessionID][c.ID] = struct{}{}
	if m.viewers[viewerID] == nil {
		m.viewers[viewerID] = make(map[string]struct{})
	}
	m.viewers[viewerID][c.ID] = struct{}{}
	m.mu.Unlock()

	m.logger.Debug("Viewer subscribed",
		"session_id", sessionID, "viewer_id", viewerID,
		"connection_id", c.ID, "replay_events", len(evts))
	return c, nil
}

// StartDelivery begins draining the connection's replay and live queues.
// Called once per connection, after any protocol handshake the transport
// wants to finish first.
func (m *ConnectionManager) StartDelivery(c *Connection) {
	go m.deliverLoop(c)
}

// Unsubscribe removes every connection belonging to the viewer.
// Idempotent: unknown viewers are a no-op.
func (m *ConnectionManager) Unsubscribe(viewerID string) {
	m.mu.RLock()
	ids := make([]string, 0, len(m.viewers[viewerID]))
	for id := range m.viewers[viewerID] {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.mu.RLock()
		c := m.connections[id]
		m.mu.RUnlock()
		if c != nil {
			m.Remove(c)
		}
	}
}

// Publish delivers the event to every connection subscribed to the
// session. Zero subscribers is a silent no-op; late subscribers get the
// event via snapshot replay. A connection with a full queue is treated as
// unresponsive and removed — delivery to the remaining connections
// proceeds regardless.
func (m *ConnectionManager) Publish(sessionID string, e Event) {
	payload, err := Marshal(e)
	if err != nil {
		m.logger.Error("Failed to marshal event",
			"session_id", sessionID, "event_type", e.EventKind(), "error", err)
		return
	}

	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.sessions[sessionID]))
	for id := range m.sessions[sessionID] {
		if c, ok := m.connections[id]; ok {
			conns = append(conns, c)
		}
	}
	m.mu.RUnlock()

	for _, c := range conns {
		select {
		case c.send <- delivery{seq: e.Meta().Seq, payload: payload}:
		case <-c.ctx.Done():
		default:
			m.logger.Warn("Viewer queue full, disconnecting",
				"connection_id", c.ID, "viewer_id", c.ViewerID)
			m.Remove(c)
		}
	}
}

// Remove tears down a connection: the transport closed, a delivery
// failed, or the viewer unsubscribed. Safe to call more than once.
func (m *ConnectionManager) Remove(c *Connection) {
	c.once.Do(func() {
		c.cancel()

		m.mu.Lock()
		delete(m.connections, c.ID)
		if subs := m.sessions[c.SessionID]; subs != nil {
			delete(subs, c.ID)
			if len(subs) == 0 {
				delete(m.sessions, c.SessionID)
			}
		}
		if conns := m.viewers[c.ViewerID]; conns != nil {
			delete(conns, c.ID)
			if len(conns) == 0 {
				delete(m.viewers, c.ViewerID)
			}
		}
		m.mu.Unlock()

		m.logger.Debug("Connection removed",
			"connection_id", c.ID, "viewer_id", c.ViewerID, "session_id", c.SessionID)
	})
}

// ActiveConnections returns the count of live connections.
func (m *ConnectionManager) ActiveConnections() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.connections)
}

// SubscriberCount returns the number of connections subscribed to a
// session. Used by tests to poll instead of sleeping.
func (m *ConnectionManager) SubscriberCount(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions[sessionID])
}

// Shutdown removes every connection. Called at process teardown.
func (m *ConnectionManager) Shutdown() {
	m.mu.RLock()
	conns := make([]*Connection, 0, len(m.connections))
	for _, c := range m.connections {
		conns = append(conns, c)
	}
	m.mu.RUnlock()

	for _, c := range conns {
		m.Remove(c)
	}
}

// deliverLoop drains the replay, then the live queue, for one connection.
// A record published while the subscription snapshot was being taken can
// land in both the replay and the live queue; deliveries at or below the
// last delivered seq are dropped, so the viewer stream stays strictly
// seq-increasing. Any delivery error or timeout removes the connection;
// other connections are unaffected.
func (m *ConnectionManager) deliverLoop(c *Connection) {
	defer m.Remove(c)

	var lastSeq uint64
	for _, d := range c.replay {
		if err := m.deliver(c, d.payload); err != nil {
			m.logger.Warn("Replay delivery failed, removing connection",
				"connection_id", c.ID, "error", err)
			return
		}
		if d.seq > lastSeq {
			lastSeq = d.seq
		}
	}
	c.replay = nil

	for {
		select {
		case d := <-c.send:
			if d.seq > 0 && d.seq <= lastSeq {
				continue
			}
			if err := m.deliver(c, d.payload); err != nil {
				m.logger.Warn("Delivery failed, removing connection",
					"connection_id", c.ID, "error", err)
				return
			}
			if d.seq > lastSeq {
				lastSeq = d.seq
			}
		case <-c.ctx.Done():
			return
		}
	}
}

func (m *ConnectionManager) deliver(c *Connection, payload []byte) error {
	ctx, cancel := context.WithTimeout(c.ctx, m.writeTimeout)
	defer cancel()
	return c.sendFn(ctx, payload)
}
