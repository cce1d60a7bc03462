// Package runner defines the boundary with agent execution. The
// orchestrator treats an agent as a black box: it dispatches a named
// agent and consumes the bounded set of event kinds the agent emits back
// through the Reporter. The concrete execution (LLM calls, tool use,
// backtesting) is supplied by the caller.
package runner

import (
	"context"

	"github.com/finsight/conductor/pkg/events"
)

// Reporter is the sole path by which agent-runner code feeds updates into
// the orchestrator. Implementations are best-effort consumers: malformed
// reports are logged and dropped, never surfaced back to the runner.
type Reporter interface {
	ReportEvent(sessionID string, e events.Event)
}

// Runner starts one agent's work. Dispatch returns an error only when the
// agent could not be started; the agent's terminal status arrives through
// the Reporter. Implementations must honor ctx cancellation for their own
// in-flight work — the orchestrator never forcibly kills a runner.
type Runner interface {
	Dispatch(ctx context.Context, sessionID, teamName, agentName string) error
}
