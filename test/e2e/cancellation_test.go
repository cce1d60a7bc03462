package e2e

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finsight/conductor/pkg/events"
	"github.com/finsight/conductor/pkg/runner"
)

// ────────────────────────────────────────────────────────────
// Cancellation test.
//
// Research team with two parallel agents, both blocked on long delays.
// The test cancels the session while they are in progress and verifies:
// every non-terminal agent gets a synthesized failed status, the session
// ends cancelled, the synthesized events are delivered on the live WS
// stream, and a second cancel is a harmless no-op.
// ────────────────────────────────────────────────────────────

func TestE2E_Cancellation(t *testing.T) {
	app := NewTestApp(t, WithScripts(map[string]runner.Script{
		"macro":  {Steps: []runner.Step{{Delay: time.Minute}}},
		"sector": {Steps: []runner.Step{{Delay: time.Minute}}},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created := app.StartAnalysis(`{
		"plan": {
			"teams": [
				{"team_name": "research", "agents": ["macro", "sector"], "concurrency": "parallel"},
				{"team_name": "synthesis", "agents": ["writer"]}
			]
		}
	}`)
	sid := created.SessionID

	ws, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.Subscribe(sid, 0))

	// Wait until both research agents are actually dispatched before
	// cancelling, so the synthesized statuses cover in-progress agents
	// and the never-dispatched writer alike.
	for _, agent := range []string{"macro", "sector"} {
		_, err := ws.WaitForEvent(func(e WSEvent) bool {
			return e.Type == "agent.status" &&
				e.Parsed["agent_name"] == agent &&
				e.Parsed["status"] == string(events.AgentInProgress)
		}, 5*time.Second)
		require.NoError(t, err, "agent %s never started", agent)
	}

	app.CancelAnalysis(sid)

	terminal, err := ws.WaitForSessionState(string(events.SessionCancelled), 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "analysis cancelled", terminal.Parsed["reason"])

	// Every agent ends failed with the cancellation reason.
	final := app.GetAnalysis(sid)
	assert.Equal(t, string(events.SessionCancelled), final.State)
	for _, name := range []string{"macro", "sector", "writer"} {
		assert.Equal(t, string(events.AgentFailed), final.AgentStatus[name], name)
	}

	// Each agent gets exactly one failed status. In-progress agents race
	// the runner's own cancellation report against the synthesized event,
	// so only the never-dispatched writer has a deterministic reason.
	snap := app.GetSnapshot(sid, 0)
	failedReasons := map[string]string{}
	for _, st := range snap.Statuses {
		if st.Status == events.AgentFailed {
			_, dup := failedReasons[st.AgentName]
			assert.False(t, dup, "agent %s failed twice", st.AgentName)
			assert.NotEmpty(t, st.Reason)
			failedReasons[st.AgentName] = st.Reason
		}
	}
	assert.Len(t, failedReasons, 3)
	assert.Equal(t, "analysis cancelled", failedReasons["writer"])

	// The terminal session.status is the last sequenced event.
	stream := ws.SessionEvents(sid)
	assert.Equal(t, terminal.Seq(), stream[len(stream)-1].Seq())
	assert.Equal(t, snap.Watermark, terminal.Seq())

	// Cancelling a terminal session is acknowledged but changes nothing.
	app.CancelAnalysis(sid)
	assert.Equal(t, snap.Watermark, app.GetSnapshot(sid, 0).Watermark)
}
