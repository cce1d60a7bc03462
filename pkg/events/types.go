// Package events provides the analysis event model and real-time event
// delivery to WebSocket viewers.
//
// Every event delivered to a viewer is a self-describing JSON record:
//
//	{type, session_id, seq, at, ...type-specific fields}
//
// Sequence numbers are NOT assigned by the constructors in this package.
// A seq is assigned exactly once, at the moment the event is accepted
// into a session's authoritative log (pkg/session), so delivery order to
// any viewer matches the causal order of acceptance.
package events

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind discriminates the event union. It is serialized as the "type"
// field of every delivered record.
type Kind string

const (
	KindAgentStatus   Kind = "agent.status"
	KindMessage       Kind = "message"
	KindToolCall      Kind = "tool_call"
	KindReport        Kind = "report"
	KindSessionStatus Kind = "session.status"
)

// AgentStatus is the lifecycle status of a single agent within a session.
type AgentStatus string

const (
	AgentPending    AgentStatus = "pending"
	AgentInProgress AgentStatus = "in_progress"
	AgentCompleted  AgentStatus = "completed"
	AgentFailed     AgentStatus = "failed"
)

// Terminal reports whether the status is a terminal agent state.
func (s AgentStatus) Terminal() bool {
	return s == AgentCompleted || s == AgentFailed
}

// SessionState is the aggregate lifecycle state of an analysis session.
type SessionState string

const (
	SessionRunning   SessionState = "running"
	SessionCompleted SessionState = "completed"
	SessionFailed    SessionState = "failed"
	SessionCancelled SessionState = "cancelled"
)

// Terminal reports whether the session state is terminal.
func (s SessionState) Terminal() bool {
	return s == SessionCompleted || s == SessionFailed || s == SessionCancelled
}

// MessageKind classifies agent progress messages.
type MessageKind string

const (
	MessageInfo    MessageKind = "info"
	MessageSuccess MessageKind = "success"
	MessageWarning MessageKind = "warning"
	MessageError   MessageKind = "error"
)

// Header carries the fields common to every event. Seq is zero until the
// event is accepted by a session.
type Header struct {
	Type      Kind      `json:"type"`
	SessionID string    `json:"session_id"`
	Seq       uint64    `json:"seq"`
	At        time.Time `json:"at"`
}

// Meta returns the mutable header. The session uses it to assign seq on
// acceptance; everyone else treats the event as immutable.
func (h *Header) Meta() *Header { return h }

// Event is implemented by all members of the event union.
type Event interface {
	EventKind() Kind
	Meta() *Header
}

// AgentStatusEvent records an agent lifecycle transition.
type AgentStatusEvent struct {
	Header
	AgentName string      `json:"agent_name"`
	Status    AgentStatus `json:"status"`
	Reason    string      `json:"reason,omitempty"`
}

func (e *AgentStatusEvent) EventKind() Kind { return KindAgentStatus }

// MessageEvent records a progress message emitted by an agent.
type MessageEvent struct {
	Header
	AgentName string      `json:"agent_name"`
	MsgKind   MessageKind `json:"kind"`
	Content   string      `json:"content"`
}

func (e *MessageEvent) EventKind() Kind { return KindMessage }

// ToolCallEvent records a tool invocation performed by an agent.
type ToolCallEvent struct {
	Header
	AgentName string         `json:"agent_name"`
	ToolName  string         `json:"tool_name"`
	Args      map[string]any `json:"args,omitempty"`
}

func (e *ToolCallEvent) EventKind() Kind { return KindToolCall }

// ReportEvent records one section of the final report. A later event with
// the same section name overwrites the earlier one; last write wins by seq.
type ReportEvent struct {
	Header
	SectionName string `json:"section_name"`
	AgentName   string `json:"agent_name"`
	Content     string `json:"content"`
}

func (e *ReportEvent) EventKind() Kind { return KindReport }

// SessionStatusEvent records an aggregate session state transition.
type SessionStatusEvent struct {
	Header
	State  SessionState `json:"state"`
	Reason string       `json:"reason,omitempty"`
}

func (e *SessionStatusEvent) EventKind() Kind { return KindSessionStatus }

func newHeader(kind Kind, sessionID string) Header {
	return Header{
		Type:      kind,
		SessionID: sessionID,
		At:        time.Now().UTC(),
	}
}

// NewAgentStatus creates an unsequenced agent status event.
func NewAgentStatus(sessionID, agentName string, status AgentStatus) *AgentStatusEvent {
	return &AgentStatusEvent{
		Header:    newHeader(KindAgentStatus, sessionID),
		AgentName: agentName,
		Status:    status,
	}
}

// NewAgentStatusWithReason creates an unsequenced agent status event with a
// human-readable reason (used for synthesized failures on abort/cancel).
func NewAgentStatusWithReason(sessionID, agentName string, status AgentStatus, reason string) *AgentStatusEvent {
	e := NewAgentStatus(sessionID, agentName, status)
	e.Reason = reason
	return e
}

// NewMessage creates an unsequenced message event.
func NewMessage(sessionID, agentName string, kind MessageKind, content string) *MessageEvent {
	return &MessageEvent{
		Header:    newHeader(KindMessage, sessionID),
		AgentName: agentName,
		MsgKind:   kind,
		Content:   content,
	}
}

// NewToolCall creates an unsequenced tool call event.
func NewToolCall(sessionID, agentName, toolName string, args map[string]any) *ToolCallEvent {
	return &ToolCallEvent{
		Header:    newHeader(KindToolCall, sessionID),
		AgentName: agentName,
		ToolName:  toolName,
		Args:      args,
	}
}

// NewReport creates an unsequenced report section event.
func NewReport(sessionID, sectionName, agentName, content string) *ReportEvent {
	return &ReportEvent{
		Header:      newHeader(KindReport, sessionID),
		SectionName: sectionName,
		AgentName:   agentName,
		Content:     content,
	}
}

// NewSessionStatus creates an unsequenced session status event.
func NewSessionStatus(sessionID string, state SessionState, reason string) *SessionStatusEvent {
	return &SessionStatusEvent{
		Header: newHeader(KindSessionStatus, sessionID),
		State:  state,
		Reason: reason,
	}
}

// Marshal encodes an event as its self-describing JSON record.
func Marshal(e Event) ([]byte, error) {
	return json.Marshal(e)
}

// Unmarshal decodes a self-describing event record into its concrete type.
// Used by the HTTP report endpoint where external agent runners submit
// events as JSON.
func Unmarshal(data []byte) (Event, error) {
	var probe struct {
		Type Kind `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, fmt.Errorf("invalid event payload: %w", err)
	}

	var e Event
	switch probe.Type {
	case KindAgentStatus:
		e = &AgentStatusEvent{}
	case KindMessage:
		e = &MessageEvent{}
	case KindToolCall:
		e = &ToolCallEvent{}
	case KindReport:
		e = &ReportEvent{}
	case KindSessionStatus:
		e = &SessionStatusEvent{}
	default:
		return nil, fmt.Errorf("unknown event type %q", probe.Type)
	}
	if err := json.Unmarshal(data, e); err != nil {
		return nil, fmt.Errorf("invalid %s event: %w", probe.Type, err)
	}
	return e, nil
}

// AgentName returns the agent an event is attributed to, or "" for events
// that are not agent-addressed (session status).
func AgentName(e Event) string {
	switch evt := e.(type) {
	case *AgentStatusEvent:
		return evt.AgentName
	case *MessageEvent:
		return evt.AgentName
	case *ToolCallEvent:
		return evt.AgentName
	case *ReportEvent:
		return evt.AgentName
	}
	return ""
}

// ClientMessage is the JSON structure for client → server WebSocket messages.
type ClientMessage struct {
	Action       string  `json:"action"` // "subscribe", "unsubscribe", "ping"
	SessionID    string  `json:"session_id,omitempty"`
	LastAckedSeq *uint64 `json:"last_acked_seq,omitempty"` // resubscribe: replay starts after this seq
}
