package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// WSEvent is one message received on the viewer socket, control messages
// included.
type WSEvent struct {
	Type   string          `json:"type"`
	Raw    json.RawMessage // Original JSON
	Parsed map[string]any  // Parsed for assertions
}

// Seq returns the event's sequence number, or 0 for control messages.
func (e WSEvent) Seq() uint64 {
	if v, ok := e.Parsed["seq"].(float64); ok {
		return uint64(v)
	}
	return 0
}

// WSClient connects to the conductor WebSocket endpoint and collects
// everything the server sends in a background goroutine.
type WSClient struct {
	conn   *websocket.Conn
	events []WSEvent
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// WSConnect dials the viewer endpoint and waits for the
// connection.established greeting before returning.
func WSConnect(ctx context.Context, wsURL string) (*WSClient, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("WebSocket dial: %w", err)
	}

	clientCtx, cancel := context.WithCancel(ctx)
	c := &WSClient{conn: conn, ctx: clientCtx, cancel: cancel}
	go c.readLoop()

	if _, err := c.WaitForEventType("connection.established", 5*time.Second); err != nil {
		c.Close()
		return nil, err
	}
	return c, nil
}

func (c *WSClient) readLoop() {
	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}
		evt := WSEvent{Raw: data}
		if err := json.Unmarshal(data, &evt.Parsed); err != nil {
			continue
		}
		evt.Type, _ = evt.Parsed["type"].(string)
		c.mu.Lock()
		c.events = append(c.events, evt)
		c.mu.Unlock()
	}
}

// Subscribe sends a subscribe action for the session. lastAckedSeq > 0
// requests replay to start after that sequence number.
func (c *WSClient) Subscribe(sessionID string, lastAckedSeq uint64) error {
	msg := map[string]any{
		"action":     "subscribe",
		"session_id": sessionID,
	}
	if lastAckedSeq > 0 {
		msg["last_acked_seq"] = lastAckedSeq
	}
	data, _ := json.Marshal(msg)
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// Unsubscribe drops the session subscription.
func (c *WSClient) Unsubscribe(sessionID string) error {
	data, _ := json.Marshal(map[string]string{
		"action":     "unsubscribe",
		"session_id": sessionID,
	})
	return c.conn.Write(c.ctx, websocket.MessageText, data)
}

// WaitForEvent waits until an event matching the predicate is received,
// or timeout.
func (c *WSClient) WaitForEvent(predicate func(WSEvent) bool, timeout time.Duration) (*WSEvent, error) {
	deadline := time.After(timeout)
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case <-deadline:
			return nil, fmt.Errorf("timeout waiting for event (collected %d events)", len(c.Events()))
		case <-tick.C:
			c.mu.Lock()
			for i := range c.events {
				if predicate(c.events[i]) {
					evt := c.events[i]
					c.mu.Unlock()
					return &evt, nil
				}
			}
			c.mu.Unlock()
		}
	}
}

// WaitForEventType waits for an event with the given type.
func (c *WSClient) WaitForEventType(eventType string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == eventType
	}, timeout)
}

// WaitForSessionState waits for a session.status event carrying the state.
func (c *WSClient) WaitForSessionState(state string, timeout time.Duration) (*WSEvent, error) {
	return c.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "session.status" && e.Parsed["state"] == state
	}, timeout)
}

// Events returns a snapshot of all collected events.
func (c *WSClient) Events() []WSEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]WSEvent, len(c.events))
	copy(out, c.events)
	return out
}

// SessionEvents returns the sequenced events for one session, in receive
// order, control messages filtered out.
func (c *WSClient) SessionEvents(sessionID string) []WSEvent {
	var out []WSEvent
	for _, e := range c.Events() {
		if e.Parsed["session_id"] == sessionID && e.Seq() > 0 {
			out = append(out, e)
		}
	}
	return out
}

// Close tears down the connection.
func (c *WSClient) Close() {
	c.cancel()
	_ = c.conn.Close(websocket.StatusNormalClosure, "")
}
