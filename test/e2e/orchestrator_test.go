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
// Orchestrator e2e test — comprehensive happy path.
//
// Two teams: research (macro + sector, parallel) then synthesis (writer,
// sequential). Scripts emit messages, tool calls, and report sections.
//
// Verifies: API responses, the full ordered WS event stream (gap-free
// seqs, pending grid first, teams in order), report contents via the
// snapshot endpoint, and resubscribe replay from a watermark.
// ────────────────────────────────────────────────────────────

const marketPlanBody = `{
	"plan": {
		"failure_policy": "abort",
		"teams": [
			{"team_name": "research", "agents": ["macro", "sector"], "concurrency": "parallel"},
			{"team_name": "synthesis", "agents": ["writer"]}
		]
	}
}`

func marketScripts() map[string]runner.Script {
	return map[string]runner.Script{
		"macro": {Steps: []runner.Step{
			{Message: "pulling rates data", MsgKind: events.MessageInfo},
			{Tool: "fetch_rates", Args: map[string]any{"curve": "ust"}},
			{Section: "macro", Content: "rates are rising"},
		}},
		"sector": {Steps: []runner.Step{
			{Section: "sector", Content: "tech leads the market"},
		}},
		"writer": {Steps: []runner.Step{
			{Section: "summary", Content: "overall outlook is cautious"},
		}},
	}
}

func TestE2E_Orchestrator(t *testing.T) {
	app := NewTestApp(t, WithScripts(marketScripts()))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	ws, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err)
	defer ws.Close()

	// ── Start the analysis and subscribe ──

	created := app.StartAnalysis(marketPlanBody)
	sid := created.SessionID
	assert.Equal(t, string(events.SessionRunning), created.State)
	require.Len(t, created.AgentStatus, 3)
	for _, name := range []string{"macro", "sector", "writer"} {
		assert.Contains(t, created.AgentStatus, name)
	}

	require.NoError(t, ws.Subscribe(sid, 0))
	_, err = ws.WaitForEventType("subscription.confirmed", 5*time.Second)
	require.NoError(t, err)

	terminal, err := ws.WaitForSessionState(string(events.SessionCompleted), 10*time.Second)
	require.NoError(t, err)

	// ── Stream shape ──

	stream := ws.SessionEvents(sid)
	require.NotEmpty(t, stream)

	// Seqs are strictly increasing and gap-free from 1; the replay/live
	// handover must not duplicate or drop anything.
	for i, e := range stream {
		require.Equal(t, uint64(i+1), e.Seq(), "event %d type %s", i, e.Type)
	}

	// Creation publishes the full pending grid, then the running marker.
	for i := 0; i < 3; i++ {
		require.Equal(t, "agent.status", stream[i].Type)
		assert.Equal(t, string(events.AgentPending), stream[i].Parsed["status"])
	}
	require.Equal(t, "session.status", stream[3].Type)
	assert.Equal(t, string(events.SessionRunning), stream[3].Parsed["state"])

	// The terminal event closes the stream.
	last := stream[len(stream)-1]
	assert.Equal(t, "session.status", last.Type)
	assert.Equal(t, string(events.SessionCompleted), last.Parsed["state"])
	assert.Equal(t, last.Seq(), terminal.Seq())

	// Teams run in plan order: the writer starts only after both research
	// agents have finished.
	seqOf := func(agent, status string) uint64 {
		for _, e := range stream {
			if e.Type == "agent.status" && e.Parsed["agent_name"] == agent && e.Parsed["status"] == status {
				return e.Seq()
			}
		}
		t.Fatalf("no agent.status %s/%s in stream", agent, status)
		return 0
	}
	writerStart := seqOf("writer", string(events.AgentInProgress))
	assert.Greater(t, writerStart, seqOf("macro", string(events.AgentCompleted)))
	assert.Greater(t, writerStart, seqOf("sector", string(events.AgentCompleted)))

	// ── Final state over HTTP ──

	final := app.GetAnalysis(sid)
	assert.Equal(t, string(events.SessionCompleted), final.State)
	require.NotNil(t, final.CompletedAt)
	for _, name := range []string{"macro", "sector", "writer"} {
		assert.Equal(t, string(events.AgentCompleted), final.AgentStatus[name])
	}

	snap := app.GetSnapshot(sid, 0)
	assert.Equal(t, last.Seq(), snap.Watermark)
	require.Len(t, snap.Reports, 3)
	sections := map[string]string{}
	for _, r := range snap.Reports {
		sections[r.SectionName] = r.Content
	}
	assert.Equal(t, "rates are rising", sections["macro"])
	assert.Equal(t, "tech leads the market", sections["sector"])
	assert.Equal(t, "overall outlook is cautious", sections["summary"])

	require.Len(t, snap.ToolCalls, 1)
	assert.Equal(t, "fetch_rates", snap.ToolCalls[0].ToolName)

	// ── Resubscribe from a watermark replays only the tail ──

	ws2, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err)
	defer ws2.Close()

	require.NoError(t, ws2.Subscribe(sid, last.Seq()-2))
	_, err = ws2.WaitForSessionState(string(events.SessionCompleted), 5*time.Second)
	require.NoError(t, err)

	tail := ws2.SessionEvents(sid)
	require.Len(t, tail, 2)
	assert.Equal(t, last.Seq()-1, tail[0].Seq())
	assert.Equal(t, last.Seq(), tail[1].Seq())
}

// TestE2E_ExternalEventIngestion drives the report-back endpoint while a
// scripted agent is still running and verifies the event joins the
// session's live stream.
func TestE2E_ExternalEventIngestion(t *testing.T) {
	app := NewTestApp(t, WithScripts(map[string]runner.Script{
		"macro": {Steps: []runner.Step{{Delay: 10 * time.Second}}},
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	created := app.StartAnalysis(`{"plan": {"teams": [{"team_name": "research", "agents": ["macro"]}]}}`)
	sid := created.SessionID

	ws, err := WSConnect(ctx, app.WSURL)
	require.NoError(t, err)
	defer ws.Close()
	require.NoError(t, ws.Subscribe(sid, 0))

	resp := app.ReportEvent(sid,
		`{"type": "message", "agent_name": "macro", "kind": "info", "content": "external worker heartbeat"}`)
	require.Equal(t, 202, resp.StatusCode)

	evt, err := ws.WaitForEvent(func(e WSEvent) bool {
		return e.Type == "message" && e.Parsed["content"] == "external worker heartbeat"
	}, 5*time.Second)
	require.NoError(t, err)
	assert.Equal(t, sid, evt.Parsed["session_id"])
	assert.Greater(t, evt.Seq(), uint64(0))
}
