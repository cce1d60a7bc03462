package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/finsight/conductor/pkg/events"
)

// Step is one scripted action an agent performs.
type Step struct {
	// Message, when set, emits a message event of MsgKind.
	Message string
	MsgKind events.MessageKind

	// Tool, when set, emits a tool call event with Args.
	Tool string
	Args map[string]any

	// Section/Content, when Section is set, emit a report section.
	Section string
	Content string

	// Delay pauses before the step, interruptible by ctx.
	Delay time.Duration
}

// Script is the full scripted behavior for one agent.
type Script struct {
	Steps []Step
	// Fail, when set, ends the agent failed with this reason instead of
	// completed.
	Fail string
}

// ScriptedRunner executes agents from in-memory scripts. It is the
// built-in runner for local development and tests; agents without a
// script complete immediately with a single info message.
type ScriptedRunner struct {
	reporter Reporter
	scripts  map[string]Script
	logger   *slog.Logger
}

// NewScriptedRunner creates a runner that plays back the given scripts,
// keyed by agent name.
func NewScriptedRunner(reporter Reporter, scripts map[string]Script) *ScriptedRunner {
	return &ScriptedRunner{
		reporter: reporter,
		scripts:  scripts,
		logger:   slog.Default().With("component", "scripted-runner"),
	}
}

// SetReporter wires the report sink. Called once during startup when the
// reporter is constructed after the runner.
func (r *ScriptedRunner) SetReporter(reporter Reporter) {
	r.reporter = reporter
}

// Dispatch plays the agent's script synchronously. The scheduler runs one
// Dispatch per active agent in its own goroutine.
func (r *ScriptedRunner) Dispatch(ctx context.Context, sessionID, teamName, agentName string) error {
	script, ok := r.scripts[agentName]
	if !ok {
		r.logger.Info("No script for agent, completing immediately",
			"session_id", sessionID, "team", teamName, "agent", agentName)
		r.reporter.ReportEvent(sessionID, events.NewMessage(
			sessionID, agentName, events.MessageInfo, "no work scripted"))
		r.reporter.ReportEvent(sessionID, events.NewAgentStatus(
			sessionID, agentName, events.AgentCompleted))
		return nil
	}

	for _, step := range script.Steps {
		if step.Delay > 0 {
			select {
			case <-time.After(step.Delay):
			case <-ctx.Done():
				r.reporter.ReportEvent(sessionID, events.NewAgentStatusWithReason(
					sessionID, agentName, events.AgentFailed, "dispatch cancelled"))
				return ctx.Err()
			}
		}
		if err := ctx.Err(); err != nil {
			r.reporter.ReportEvent(sessionID, events.NewAgentStatusWithReason(
				sessionID, agentName, events.AgentFailed, "dispatch cancelled"))
			return err
		}

		switch {
		case step.Message != "":
			kind := step.MsgKind
			if kind == "" {
				kind = events.MessageInfo
			}
			r.reporter.ReportEvent(sessionID, events.NewMessage(
				sessionID, agentName, kind, step.Message))
		case step.Tool != "":
			r.reporter.ReportEvent(sessionID, events.NewToolCall(
				sessionID, agentName, step.Tool, step.Args))
		case step.Section != "":
			r.reporter.ReportEvent(sessionID, events.NewReport(
				sessionID, step.Section, agentName, step.Content))
		}
	}

	if script.Fail != "" {
		r.reporter.ReportEvent(sessionID, events.NewAgentStatusWithReason(
			sessionID, agentName, events.AgentFailed, script.Fail))
		return fmt.Errorf("agent %s failed: %s", agentName, script.Fail)
	}
	r.reporter.ReportEvent(sessionID, events.NewAgentStatus(
		sessionID, agentName, events.AgentCompleted))
	return nil
}
