// Package session owns the authoritative state for analysis sessions and
// the manager that routes agent-driven updates into them.
//
// All mutation of a session goes through its own mutex: sequence
// assignment and log application are a single atomic step, so two events
// recorded concurrently still receive a total order and no viewer ever
// observes seq gaps or duplicates from the authoritative log.
package session

import (
	"errors"
	"sort"
	"time"

	"github.com/finsight/conductor/pkg/events"
)

var (
	// ErrUnknownSession is returned for a session id not present in the
	// manager. Reports for unknown sessions are logged and dropped.
	ErrUnknownSession = errors.New("unknown session")

	// ErrUnknownAgent is returned when an event is attributed to an agent
	// name not present in the session's plan.
	ErrUnknownAgent = errors.New("unknown agent")

	// ErrAgentTerminal is returned when an event tries to move an agent
	// out of a terminal status.
	ErrAgentTerminal = errors.New("agent already terminal")

	// ErrSessionTerminal is returned when an event is recorded against a
	// session that has already reached a terminal state.
	ErrSessionTerminal = errors.New("session already terminal")

	// ErrInternalEvent is returned when an external reporter submits an
	// event kind that only the orchestrator itself may synthesize.
	ErrInternalEvent = errors.New("internally synthesized event kind")
)

// Limits bounds the session's append-only logs. Oldest entries are
// evicted past the cap; eviction never rewrites seq values of survivors.
type Limits struct {
	MessageCap  int
	ToolCallCap int
}

// DefaultLimits returns the default log caps.
func DefaultLimits() Limits {
	return Limits{
		MessageCap:  1000,
		ToolCallCap: 500,
	}
}

func (l Limits) withDefaults() Limits {
	d := DefaultLimits()
	if l.MessageCap <= 0 {
		l.MessageCap = d.MessageCap
	}
	if l.ToolCallCap <= 0 {
		l.ToolCallCap = d.ToolCallCap
	}
	return l
}

// Snapshot is a read-only view of everything recorded after a given seq,
// used to replay missed events to a (re)connecting viewer.
type Snapshot struct {
	SessionID string              `json:"session_id"`
	State     events.SessionState `json:"state"`
	// AgentStatus is the complete current status mapping, regardless of
	// the requested seq, so a viewer always renders a full agent grid.
	AgentStatus map[string]events.AgentStatus `json:"agent_status"`

	Statuses  []*events.AgentStatusEvent   `json:"statuses"`
	Messages  []*events.MessageEvent       `json:"messages"`
	ToolCalls []*events.ToolCallEvent      `json:"tool_calls"`
	Reports   []*events.ReportEvent        `json:"reports"`
	Session   []*events.SessionStatusEvent `json:"session_events"`

	// Watermark is the highest seq assigned at snapshot time. Live events
	// delivered after this snapshot carry a strictly greater seq.
	Watermark uint64 `json:"watermark"`
	// EvictedThrough is the highest seq evicted from the bounded logs, or
	// zero. When it exceeds the requested seq, entries in that range are
	// simply absent; this is a marker, never an error.
	EvictedThrough uint64 `json:"evicted_through,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Events returns the snapshot's events merged into one seq-ordered list.
func (s *Snapshot) Events() []events.Event {
	merged := make([]events.Event, 0,
		len(s.Statuses)+len(s.Messages)+len(s.ToolCalls)+len(s.Reports)+len(s.Session))
	for _, e := range s.Statuses {
		merged = append(merged, e)
	}
	for _, e := range s.Messages {
		merged = append(merged, e)
	}
	for _, e := range s.ToolCalls {
		merged = append(merged, e)
	}
	for _, e := range s.Reports {
		merged = append(merged, e)
	}
	for _, e := range s.Session {
		merged = append(merged, e)
	}
	sortEventsBySeq(merged)
	return merged
}

func sortEventsBySeq(evts []events.Event) {
	sort.Slice(evts, func(i, j int) bool {
		return evts[i].Meta().Seq < evts[j].Meta().Seq
	})
}
