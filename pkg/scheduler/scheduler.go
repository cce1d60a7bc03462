// Package scheduler walks a session's plan: teams strictly in order,
// agents within a team sequentially or all at once, advancing only on
// terminal agent reports.
//
// The scheduler is a single goroutine per session. Every advance decision
// re-reads the session's status under the session lock (StatusSource), and
// only the scheduler moves agents from pending to in_progress, so a
// terminal report racing an advance is simply serialized: the scheduler
// wakes, reads a consistent snapshot, and decides once. Teams can never
// double-advance.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/models"
	"github.com/finsight/conductor/pkg/runner"
)

// StatusSource yields a consistent view of session state, read under the
// same serialization as event recording.
type StatusSource interface {
	StatusSnapshot() (events.SessionState, map[string]events.AgentStatus)
}

// Scheduler drives one session's plan to completion.
type Scheduler struct {
	sessionID string
	plan      models.Plan
	source    StatusSource
	reporter  runner.Reporter
	runner    runner.Runner

	// notify coalesces wake-ups; one buffered slot is enough because the
	// scheduler re-reads the full status snapshot on every wake.
	notify chan struct{}
	done   chan struct{}
	wg     sync.WaitGroup
	logger *slog.Logger
}

// New creates a scheduler for a validated, normalized plan.
func New(sessionID string, plan models.Plan, source StatusSource, reporter runner.Reporter, run runner.Runner) *Scheduler {
	return &Scheduler{
		sessionID: sessionID,
		plan:      plan,
		source:    source,
		reporter:  reporter,
		runner:    run,
		notify:    make(chan struct{}, 1),
		done:      make(chan struct{}),
		logger:    slog.Default().With("component", "scheduler", "session_id", sessionID),
	}
}

// Notify wakes the scheduler after an event was recorded. Non-blocking;
// concurrent notifications coalesce.
func (s *Scheduler) Notify() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// Done is closed when the scheduler goroutine has exited.
func (s *Scheduler) Done() <-chan struct{} { return s.done }

// Run drives the plan until the session reaches a terminal state or ctx
// is cancelled. It blocks; the session manager runs it in a goroutine.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	defer s.wg.Wait()

	for {
		state, statuses := s.source.StatusSnapshot()
		if state != events.SessionRunning {
			s.logger.Info("Scheduling finished", "state", state)
			return
		}

		if s.plan.FailurePolicy == models.FailureAbort {
			if failedAgent := firstFailed(s.plan, statuses); failedAgent != "" {
				s.abort(statuses, failedAgent)
				// The abort reports drive the session terminal; the next
				// snapshot read observes it and exits the loop.
				continue
			}
		}

		team, active := currentTeam(s.plan, statuses)
		if !active {
			// All agents terminal; the session finalizes itself on the
			// last terminal record.
			return
		}

		for _, agent := range dispatchable(team, statuses) {
			s.dispatch(ctx, team.Name, agent)
		}

		select {
		case <-s.notify:
		case <-ctx.Done():
			s.logger.Info("Scheduling stopped", "reason", ctx.Err())
			return
		}
	}
}

// dispatch marks the agent in progress and hands it to the runner. Only
// the scheduler performs the pending → in_progress transition, so an
// agent is never dispatched twice.
func (s *Scheduler) dispatch(ctx context.Context, teamName, agent string) {
	s.reporter.ReportEvent(s.sessionID, events.NewAgentStatus(
		s.sessionID, agent, events.AgentInProgress))
	s.logger.Info("Agent dispatched", "team", teamName, "agent", agent)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.runner.Dispatch(ctx, s.sessionID, teamName, agent); err != nil {
			// If the runner already reported a terminal status this is
			// dropped as a duplicate by the session.
			s.reporter.ReportEvent(s.sessionID, events.NewAgentStatusWithReason(
				s.sessionID, agent, events.AgentFailed, err.Error()))
		}
	}()
}

// abort synthesizes a failed status for every remaining non-terminal
// agent so no viewer ever sees a permanently pending agent after a halt.
func (s *Scheduler) abort(statuses map[string]events.AgentStatus, failedAgent string) {
	reason := fmt.Sprintf("aborted: agent %s failed", failedAgent)
	s.logger.Warn("Aborting remaining plan", "failed_agent", failedAgent)
	for _, agent := range s.plan.AgentNames() {
		if statuses[agent].Terminal() {
			continue
		}
		s.reporter.ReportEvent(s.sessionID, events.NewAgentStatusWithReason(
			s.sessionID, agent, events.AgentFailed, reason))
	}
}

// firstFailed returns the earliest failed agent in plan order, or "".
func firstFailed(plan models.Plan, statuses map[string]events.AgentStatus) string {
	for _, agent := range plan.AgentNames() {
		if statuses[agent] == events.AgentFailed {
			return agent
		}
	}
	return ""
}

// currentTeam returns the first team in plan order that still has a
// non-terminal agent. Teams execute strictly in plan order: a team only
// becomes active when every agent of every previous team is terminal.
func currentTeam(plan models.Plan, statuses map[string]events.AgentStatus) (models.TeamPlan, bool) {
	for _, team := range plan.Teams {
		for _, agent := range team.Agents {
			if !statuses[agent].Terminal() {
				return team, true
			}
		}
	}
	return models.TeamPlan{}, false
}

// dispatchable returns the agents of the active team that should start
// now: all pending agents for a parallel team, or the first non-terminal
// agent (when pending) for a sequential one.
func dispatchable(team models.TeamPlan, statuses map[string]events.AgentStatus) []string {
	if team.Concurrency == models.ConcurrencyParallel {
		var pending []string
		for _, agent := range team.Agents {
			if statuses[agent] == events.AgentPending {
				pending = append(pending, agent)
			}
		}
		return pending
	}

	for _, agent := range team.Agents {
		switch statuses[agent] {
		case events.AgentPending:
			return []string{agent}
		case events.AgentInProgress:
			return nil
		}
	}
	return nil
}
