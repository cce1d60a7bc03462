package events

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

// wsViewer serializes writes to one WebSocket. A viewer may hold several
// session subscriptions over the same socket, each with its own delivery
// goroutine, so writes must not interleave.
type wsViewer struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (w *wsViewer) send(ctx context.Context, payload []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.Write(ctx, websocket.MessageText, payload)
}

// HandleConnection manages the lifecycle of a single WebSocket viewer.
// Called by the WebSocket HTTP handler after upgrade. Blocks until the
// connection closes; all of the viewer's subscriptions are removed on the
// way out, so no explicit unsubscribe is required from the viewer side.
func (m *ConnectionManager) HandleConnection(parentCtx context.Context, conn *websocket.Conn) {
	viewerID := uuid.New().String()
	viewer := &wsViewer{conn: conn}
	logger := m.logger.With("viewer_id", viewerID)

	defer func() {
		m.Unsubscribe(viewerID)
		_ = conn.Close(websocket.StatusNormalClosure, "")
	}()

	m.sendControl(parentCtx, viewer, map[string]string{
		"type":      "connection.established",
		"viewer_id": viewerID,
	})

	// subscriptions is touched only by this read loop.
	subscriptions := make(map[string]*Connection) // session id → connection

	for {
		_, data, err := conn.Read(parentCtx)
		if err != nil {
			return
		}

		var msg ClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("Invalid WebSocket message", "error", err)
			continue
		}

		switch msg.Action {
		case "subscribe":
			if msg.SessionID == "" {
				m.sendControl(parentCtx, viewer, map[string]string{
					"type": "error", "message": "session_id is required for subscribe",
				})
				continue
			}
			if prev, dup := subscriptions[msg.SessionID]; dup {
				// Re-subscribe replaces the old subscription (e.g. with a
				// new last_acked_seq after a client-side reset).
				m.Remove(prev)
			}
			since := uint64(0)
			if msg.LastAckedSeq != nil {
				since = *msg.LastAckedSeq
			}
			c, err := m.Subscribe(msg.SessionID, viewerID, since, viewer.send)
			if err != nil {
				logger.Warn("Subscribe failed", "session_id", msg.SessionID, "error", err)
				m.sendControl(parentCtx, viewer, map[string]string{
					"type":       "subscription.error",
					"session_id": msg.SessionID,
					"message":    "failed to subscribe to session",
				})
				continue
			}
			subscriptions[msg.SessionID] = c
			// Confirm before delivery starts so the confirmation always
			// precedes replayed events on the wire.
			m.sendControl(parentCtx, viewer, map[string]string{
				"type":       "subscription.confirmed",
				"session_id": msg.SessionID,
			})
			m.StartDelivery(c)

		case "catchup":
			if msg.SessionID == "" {
				m.sendControl(parentCtx, viewer, map[string]string{
					"type": "error", "message": "session_id is required for catchup",
				})
				continue
			}
			since := uint64(0)
			if msg.LastAckedSeq != nil {
				since = *msg.LastAckedSeq
			}
			m.handleCatchup(parentCtx, viewer, msg.SessionID, since)

		case "unsubscribe":
			if msg.SessionID == "" {
				m.sendControl(parentCtx, viewer, map[string]string{
					"type": "error", "message": "session_id is required for unsubscribe",
				})
				continue
			}
			if c, ok := subscriptions[msg.SessionID]; ok {
				m.Remove(c)
				delete(subscriptions, msg.SessionID)
			}

		case "ping":
			m.sendControl(parentCtx, viewer, map[string]string{"type": "pong"})

		default:
			logger.Warn("Unknown WebSocket action", "action", msg.Action)
		}
	}
}

// handleCatchup sends a one-shot replay of events recorded after since,
// directly on the socket and outside any subscription delivery queue.
// Viewers use it to reconcile a suspected miss without resubscribing.
func (m *ConnectionManager) handleCatchup(ctx context.Context, viewer *wsViewer, sessionID string, since uint64) {
	m.mu.RLock()
	querier := m.querier
	m.mu.RUnlock()
	if querier == nil {
		return
	}

	evts, _, evicted, err := querier.SnapshotEvents(sessionID, since)
	if err != nil {
		m.sendControl(ctx, viewer, map[string]string{
			"type":       "catchup.error",
			"session_id": sessionID,
			"message":    "failed to load events",
		})
		return
	}

	if evicted > since {
		m.sendControl(ctx, viewer, map[string]any{
			"type":            "catchup.gap",
			"session_id":      sessionID,
			"evicted_through": evicted,
		})
	}
	for _, e := range evts {
		payload, mErr := Marshal(e)
		if mErr != nil {
			continue
		}
		sendCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
		sendErr := viewer.send(sendCtx, payload)
		cancel()
		if sendErr != nil {
			return
		}
	}
}

// sendControl sends a small protocol message directly on the socket,
// outside the per-subscription delivery queues.
func (m *ConnectionManager) sendControl(ctx context.Context, viewer *wsViewer, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		m.logger.Warn("Failed to marshal WebSocket control message", "error", err)
		return
	}
	sendCtx, cancel := context.WithTimeout(ctx, m.writeTimeout)
	defer cancel()
	if err := viewer.send(sendCtx, data); err != nil {
		m.logger.Warn("Failed to send WebSocket control message", "error", err)
	}
}
