package session

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/models"
)

// Session is the aggregate state for one analysis run. It owns all its
// events exclusively; no other component mutates session state directly.
type Session struct {
	ID        string
	Plan      models.Plan
	CreatedAt time.Time

	mu          sync.Mutex
	nextSeq     uint64
	state       events.SessionState
	completedAt *time.Time

	// statusLog keeps every agent status transition in seq order. It is
	// naturally bounded: at most a handful of transitions per agent.
	statusLog []*events.AgentStatusEvent
	statuses  map[string]events.AgentStatus

	// messages and toolCalls are bounded append-only logs.
	messages  []*events.MessageEvent
	toolCalls []*events.ToolCallEvent

	// reports keeps the latest event per section; last write wins by seq.
	reports map[string]*events.ReportEvent

	// sessionLog keeps the session state transition events.
	sessionLog []*events.SessionStatusEvent

	evictedThrough uint64
	limits         Limits
}

// New creates a session for a validated plan. Every agent in the plan is
// recorded as pending, and the session transitions to running, so the
// initial events are already part of the authoritative log and a viewer's
// first snapshot shows the full agent grid. The recorded events are
// returned for broadcasting.
func New(id string, plan models.Plan, limits Limits) (*Session, []events.Event, error) {
	plan.Normalize()
	if err := plan.Validate(); err != nil {
		return nil, nil, err
	}

	s := &Session{
		ID:        id,
		Plan:      plan,
		CreatedAt: time.Now().UTC(),
		state:     events.SessionRunning,
		statuses:  make(map[string]events.AgentStatus),
		reports:   make(map[string]*events.ReportEvent),
		limits:    limits.withDefaults(),
	}

	var created []events.Event
	for _, agent := range plan.AgentNames() {
		e := events.NewAgentStatus(id, agent, events.AgentPending)
		s.seal(e)
		s.statusLog = append(s.statusLog, e)
		s.statuses[agent] = events.AgentPending
		created = append(created, e)
	}
	running := events.NewSessionStatus(id, events.SessionRunning, "")
	s.seal(running)
	s.sessionLog = append(s.sessionLog, running)
	created = append(created, running)

	return s, created, nil
}

// seal assigns the next sequence number. Callers hold s.mu (or, in New,
// have exclusive access).
func (s *Session) seal(e events.Event) {
	s.nextSeq++
	e.Meta().Seq = s.nextSeq
}

// checkAgentLocked verifies an agent-addressed event names an agent the
// plan knows. A blank name is as unknown as a misspelled one; every
// agent-addressed kind must carry one.
func (s *Session) checkAgentLocked(agent string) error {
	if _, ok := s.statuses[agent]; !ok {
		return fmt.Errorf("%w: %q", ErrUnknownAgent, agent)
	}
	return nil
}

// Record accepts an event into the session: it assigns the next sequence
// number atomically with all other mutation on this session, applies the
// event to the relevant log or mapping, and returns the finalized events
// in delivery order. When the event completes the plan, a synthesized
// session status event is appended to the returned slice.
func (s *Session) Record(e events.Event) ([]events.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil, fmt.Errorf("%w: %s", ErrSessionTerminal, s.state)
	}

	finalized := []events.Event{e}

	switch evt := e.(type) {
	case *events.AgentStatusEvent:
		if err := s.checkAgentLocked(evt.AgentName); err != nil {
			return nil, err
		}
		if s.statuses[evt.AgentName].Terminal() {
			return nil, fmt.Errorf("%w: %q is %s", ErrAgentTerminal, evt.AgentName, s.statuses[evt.AgentName])
		}
		s.seal(evt)
		s.statusLog = append(s.statusLog, evt)
		s.statuses[evt.AgentName] = evt.Status
		if evt.Status.Terminal() {
			if done := s.finalizeLocked(); done != nil {
				finalized = append(finalized, done)
			}
		}

	case *events.MessageEvent:
		if err := s.checkAgentLocked(evt.AgentName); err != nil {
			return nil, err
		}
		s.seal(evt)
		s.messages = append(s.messages, evt)
		if over := len(s.messages) - s.limits.MessageCap; over > 0 {
			s.evictedThrough = s.messages[over-1].Seq
			s.messages = append([]*events.MessageEvent(nil), s.messages[over:]...)
		}

	case *events.ToolCallEvent:
		if err := s.checkAgentLocked(evt.AgentName); err != nil {
			return nil, err
		}
		s.seal(evt)
		s.toolCalls = append(s.toolCalls, evt)
		if over := len(s.toolCalls) - s.limits.ToolCallCap; over > 0 {
			if seq := s.toolCalls[over-1].Seq; seq > s.evictedThrough {
				s.evictedThrough = seq
			}
			s.toolCalls = append([]*events.ToolCallEvent(nil), s.toolCalls[over:]...)
		}

	case *events.ReportEvent:
		if err := s.checkAgentLocked(evt.AgentName); err != nil {
			return nil, err
		}
		s.seal(evt)
		s.reports[evt.SectionName] = evt

	case *events.SessionStatusEvent:
		// Session state transitions are synthesized internally, never
		// accepted from external reporters.
		return nil, fmt.Errorf("%w: session status", ErrInternalEvent)

	default:
		return nil, fmt.Errorf("unsupported event kind %q", e.EventKind())
	}

	return finalized, nil
}

// finalizeLocked transitions the session to its terminal state once every
// agent is terminal, applying the plan's failure policy. Returns the
// synthesized session status event, or nil if agents are still running.
func (s *Session) finalizeLocked() *events.SessionStatusEvent {
	completed, failed := 0, 0
	for _, st := range s.statuses {
		switch st {
		case events.AgentCompleted:
			completed++
		case events.AgentFailed:
			failed++
		default:
			return nil
		}
	}

	final := events.SessionCompleted
	reason := ""
	switch s.Plan.FailurePolicy {
	case models.FailureContinue:
		// Best effort: the session completes as long as anything did.
		if completed == 0 {
			final = events.SessionFailed
			reason = "no agent completed"
		}
	default: // abort
		if failed > 0 {
			final = events.SessionFailed
			reason = fmt.Sprintf("%d agent(s) failed", failed)
		}
	}

	return s.transitionLocked(final, reason)
}

func (s *Session) transitionLocked(state events.SessionState, reason string) *events.SessionStatusEvent {
	e := events.NewSessionStatus(s.ID, state, reason)
	s.seal(e)
	s.sessionLog = append(s.sessionLog, e)
	s.state = state
	if state.Terminal() {
		now := time.Now().UTC()
		s.completedAt = &now
	}
	return e
}

// Cancel marks the session cancelled and synthesizes a terminal failed
// status for every agent still pending or in progress, so viewer-side
// agent grids never show a permanently stuck state. It returns the
// synthesized events, or (nil, false) if the session was already
// terminal — cancellation is idempotent.
func (s *Session) Cancel(reason string) ([]events.Event, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state.Terminal() {
		return nil, false
	}
	if reason == "" {
		reason = "session cancelled"
	}

	var synthesized []events.Event
	for _, agent := range s.Plan.AgentNames() {
		if s.statuses[agent].Terminal() {
			continue
		}
		e := events.NewAgentStatusWithReason(s.ID, agent, events.AgentFailed, reason)
		s.seal(e)
		s.statusLog = append(s.statusLog, e)
		s.statuses[agent] = events.AgentFailed
		synthesized = append(synthesized, e)
	}
	synthesized = append(synthesized, s.transitionLocked(events.SessionCancelled, reason))
	return synthesized, true
}

// SnapshotSince returns everything recorded with seq > since, plus the
// complete current agent status mapping. Read-only and side-effect-free.
func (s *Session) SnapshotSince(since uint64) *Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	snap := &Snapshot{
		SessionID:   s.ID,
		State:       s.state,
		AgentStatus: make(map[string]events.AgentStatus, len(s.statuses)),
		Watermark:   s.nextSeq,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.completedAt,
	}
	for agent, st := range s.statuses {
		snap.AgentStatus[agent] = st
	}
	if s.evictedThrough > since {
		snap.EvictedThrough = s.evictedThrough
	}

	for _, e := range s.statusLog {
		if e.Seq > since {
			snap.Statuses = append(snap.Statuses, e)
		}
	}
	for _, e := range s.messages {
		if e.Seq > since {
			snap.Messages = append(snap.Messages, e)
		}
	}
	for _, e := range s.toolCalls {
		if e.Seq > since {
			snap.ToolCalls = append(snap.ToolCalls, e)
		}
	}
	for _, e := range s.reports {
		if e.Seq > since {
			snap.Reports = append(snap.Reports, e)
		}
	}
	sort.Slice(snap.Reports, func(i, j int) bool { return snap.Reports[i].Seq < snap.Reports[j].Seq })
	for _, e := range s.sessionLog {
		if e.Seq > since {
			snap.Session = append(snap.Session, e)
		}
	}
	return snap
}

// StatusSnapshot returns the session state and a copy of the per-agent
// status mapping, read under the session lock. The scheduler bases its
// advance decisions on this, so they are never made against stale state.
func (s *Session) StatusSnapshot() (events.SessionState, map[string]events.AgentStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]events.AgentStatus, len(s.statuses))
	for agent, st := range s.statuses {
		statuses[agent] = st
	}
	return s.state, statuses
}

// State returns the current aggregate state.
func (s *Session) State() events.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// IsTerminal reports whether the session reached a terminal state.
func (s *Session) IsTerminal() bool {
	return s.State().Terminal()
}

// Describe returns the session as an API response.
func (s *Session) Describe() *models.AnalysisResponse {
	s.mu.Lock()
	defer s.mu.Unlock()

	statuses := make(map[string]string, len(s.statuses))
	for agent, st := range s.statuses {
		statuses[agent] = string(st)
	}
	return &models.AnalysisResponse{
		SessionID:   s.ID,
		State:       string(s.state),
		Plan:        s.Plan,
		AgentStatus: statuses,
		CreatedAt:   s.CreatedAt,
		CompletedAt: s.completedAt,
	}
}
