package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/models"
	"github.com/finsight/conductor/pkg/runner"
	"github.com/finsight/conductor/pkg/scheduler"
)

// Publisher delivers a finalized event to every viewer subscribed to the
// session. Publishing to a session with zero subscribers is a no-op.
type Publisher interface {
	Publish(sessionID string, e events.Event)
}

// Notifier receives session lifecycle notifications (e.g. Slack).
// Implementations are fail-open; the manager never blocks on them.
type Notifier interface {
	AnalysisStarted(ctx context.Context, sessionID string)
	AnalysisFinished(ctx context.Context, sessionID string, state events.SessionState, reason string)
}

// Manager is the single entry point for starting, observing, and
// cancelling analyses, and the sole writer path for agent-driven updates.
// It enforces record-then-publish: no viewer ever sees an event before it
// is part of the session's authoritative log.
type Manager struct {
	mu         sync.RWMutex
	sessions   map[string]*Session
	schedulers map[string]*scheduler.Scheduler
	cancels    map[string]context.CancelFunc

	// pubLocks serializes record+publish per session, so events enter the
	// subscribers' delivery queues in seq order even when reporters race.
	pubLocks map[string]*sync.Mutex

	publisher Publisher
	runner    runner.Runner
	limits    Limits
	notifier  Notifier

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup
	logger     *slog.Logger
}

// NewManager creates a session manager. The publisher and runner are the
// manager's outward boundaries; sessions live in memory for the process
// lifetime.
func NewManager(publisher Publisher, run runner.Runner, limits Limits) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		sessions:   make(map[string]*Session),
		schedulers: make(map[string]*scheduler.Scheduler),
		cancels:    make(map[string]context.CancelFunc),
		pubLocks:   make(map[string]*sync.Mutex),
		publisher:  publisher,
		runner:     run,
		limits:     limits.withDefaults(),
		baseCtx:    ctx,
		baseCancel: cancel,
		logger:     slog.Default().With("component", "session-manager"),
	}
}

// SetNotifier wires an optional lifecycle notifier. Called once during
// startup, before any analysis is started.
func (m *Manager) SetNotifier(n Notifier) {
	m.notifier = n
}

// StartAnalysis validates the plan, creates the session, and begins
// driving the scheduler asynchronously. The session id is returned
// immediately; it never blocks on agent execution.
func (m *Manager) StartAnalysis(plan models.Plan) (string, error) {
	id := uuid.New().String()

	sess, created, err := New(id, plan, m.limits)
	if err != nil {
		return "", err
	}

	sched := scheduler.New(id, sess.Plan, sess, m, m.runner)
	ctx, cancel := context.WithCancel(m.baseCtx)

	pubLock := &sync.Mutex{}
	m.mu.Lock()
	m.sessions[id] = sess
	m.schedulers[id] = sched
	m.cancels[id] = cancel
	m.pubLocks[id] = pubLock
	m.mu.Unlock()

	// The initial pending grid and the running transition are already
	// part of the log; publish them for any early subscriber.
	pubLock.Lock()
	for _, e := range created {
		m.publisher.Publish(id, e)
	}
	pubLock.Unlock()

	m.logger.Info("Analysis started",
		"session_id", id,
		"teams", len(plan.Teams),
		"agents", len(sess.Plan.AgentNames()),
		"failure_policy", sess.Plan.FailurePolicy)

	if m.notifier != nil {
		go m.notifier.AnalysisStarted(m.baseCtx, id)
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		defer cancel()
		sched.Run(ctx)
	}()

	return id, nil
}

// ReportEvent is the sole path by which agent-runner code feeds updates.
// The event is recorded first, then published, in that order. Reports for
// unknown sessions or agents are logged and dropped — agent runners are
// best-effort collaborators and a malformed report must never crash the
// orchestrator.
func (m *Manager) ReportEvent(sessionID string, e events.Event) {
	sess, sched, pubLock := m.lookup(sessionID)
	if sess == nil {
		m.logger.Warn("Dropping event for unknown session",
			"session_id", sessionID, "event_type", e.EventKind())
		return
	}

	// Record and publish under the session's publish lock: a racing
	// reporter cannot push its event into the delivery queues between our
	// record and our publish, so queues stay seq-ordered.
	pubLock.Lock()
	finalized, err := sess.Record(e)
	if err != nil {
		pubLock.Unlock()
		m.logger.Warn("Dropping event",
			"session_id", sessionID,
			"event_type", e.EventKind(),
			"agent", events.AgentName(e),
			"error", err)
		return
	}

	for _, evt := range finalized {
		m.publisher.Publish(sessionID, evt)
	}
	pubLock.Unlock()

	for _, evt := range finalized {
		if sse, ok := evt.(*events.SessionStatusEvent); ok && sse.State.Terminal() {
			m.onTerminal(sessionID, sse)
		}
	}

	if sched != nil {
		sched.Notify()
	}
}

// Cancel marks the session cancelled, stops driving remaining scheduled
// agents, and publishes a terminal status for every agent still pending
// or in progress. Idempotent: cancelling a terminal session is a no-op.
func (m *Manager) Cancel(sessionID string) error {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	cancel := m.cancels[sessionID]
	pubLock := m.pubLocks[sessionID]
	m.mu.RUnlock()
	if sess == nil {
		return fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	// Stop the scheduler first so nothing new is dispatched while the
	// synthetic terminal events are recorded.
	if cancel != nil {
		cancel()
	}

	pubLock.Lock()
	synthesized, ok := sess.Cancel("analysis cancelled")
	if !ok {
		pubLock.Unlock()
		m.logger.Info("Cancel ignored, session already terminal", "session_id", sessionID)
		return nil
	}
	for _, evt := range synthesized {
		m.publisher.Publish(sessionID, evt)
	}
	pubLock.Unlock()

	for _, evt := range synthesized {
		if sse, isState := evt.(*events.SessionStatusEvent); isState && sse.State.Terminal() {
			m.onTerminal(sessionID, sse)
		}
	}

	m.logger.Info("Analysis cancelled", "session_id", sessionID)
	return nil
}

// GetStatus returns a point-in-time description of the session for
// polling clients.
func (m *Manager) GetStatus(sessionID string) (*models.AnalysisResponse, error) {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	m.mu.RUnlock()
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return sess.Describe(), nil
}

// Snapshot returns everything recorded after the given seq.
func (m *Manager) Snapshot(sessionID string, since uint64) (*Snapshot, error) {
	m.mu.RLock()
	sess := m.sessions[sessionID]
	m.mu.RUnlock()
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}
	return sess.SnapshotSince(since), nil
}

// SnapshotEvents implements the connection registry's replay query: the
// seq-ordered events recorded after since, the current watermark, and the
// eviction marker.
func (m *Manager) SnapshotEvents(sessionID string, since uint64) ([]events.Event, uint64, uint64, error) {
	snap, err := m.Snapshot(sessionID, since)
	if err != nil {
		return nil, 0, 0, err
	}
	return snap.Events(), snap.Watermark, snap.EvictedThrough, nil
}

// Close stops all schedulers and waits for them to exit. Sessions remain
// readable until the process ends.
func (m *Manager) Close() {
	m.baseCancel()
	m.wg.Wait()
}

func (m *Manager) lookup(sessionID string) (*Session, *scheduler.Scheduler, *sync.Mutex) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.sessions[sessionID], m.schedulers[sessionID], m.pubLocks[sessionID]
}

func (m *Manager) onTerminal(sessionID string, sse *events.SessionStatusEvent) {
	m.logger.Info("Analysis finished",
		"session_id", sessionID,
		"state", sse.State,
		"reason", sse.Reason)
	if m.notifier != nil {
		go m.notifier.AnalysisFinished(m.baseCtx, sessionID, sse.State, sse.Reason)
	}
}
