package events

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConstructors_LeaveSeqUnassigned(t *testing.T) {
	evts := []Event{
		NewAgentStatus("s1", "macro", AgentPending),
		NewAgentStatusWithReason("s1", "macro", AgentFailed, "boom"),
		NewMessage("s1", "macro", MessageInfo, "hello"),
		NewToolCall("s1", "macro", "fetch_prices", map[string]any{"ticker": "ACME"}),
		NewReport("s1", "summary", "macro", "content"),
		NewSessionStatus("s1", SessionRunning, ""),
	}

	for _, e := range evts {
		assert.Zero(t, e.Meta().Seq, "seq is assigned at acceptance, not construction")
		assert.Equal(t, "s1", e.Meta().SessionID)
		assert.Equal(t, e.EventKind(), e.Meta().Type)
		assert.False(t, e.Meta().At.IsZero())
	}
}

func TestUnmarshal_DispatchesByType(t *testing.T) {
	status := NewAgentStatusWithReason("s1", "macro", AgentFailed, "boom")
	status.Meta().Seq = 7

	data, err := Marshal(status)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	got, ok := decoded.(*AgentStatusEvent)
	require.True(t, ok, "expected *AgentStatusEvent, got %T", decoded)
	assert.Equal(t, "macro", got.AgentName)
	assert.Equal(t, AgentFailed, got.Status)
	assert.Equal(t, "boom", got.Reason)
	assert.Equal(t, uint64(7), got.Seq)
}

func TestUnmarshal_ToolCallArgs(t *testing.T) {
	tc := NewToolCall("s1", "sector", "screen", map[string]any{"min_cap": float64(100)})

	data, err := Marshal(tc)
	require.NoError(t, err)

	decoded, err := Unmarshal(data)
	require.NoError(t, err)

	got, ok := decoded.(*ToolCallEvent)
	require.True(t, ok)
	assert.Equal(t, "screen", got.ToolName)
	assert.Equal(t, float64(100), got.Args["min_cap"])
}

func TestUnmarshal_Errors(t *testing.T) {
	t.Run("unknown type", func(t *testing.T) {
		_, err := Unmarshal([]byte(`{"type":"mystery"}`))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "unknown event type")
	})

	t.Run("not json", func(t *testing.T) {
		_, err := Unmarshal([]byte(`not json`))
		require.Error(t, err)
	})
}

func TestAgentName(t *testing.T) {
	assert.Equal(t, "macro", AgentName(NewMessage("s1", "macro", MessageInfo, "x")))
	assert.Equal(t, "", AgentName(NewSessionStatus("s1", SessionRunning, "")),
		"session status events are not agent-addressed")
}

func TestTerminalPredicates(t *testing.T) {
	assert.False(t, AgentPending.Terminal())
	assert.False(t, AgentInProgress.Terminal())
	assert.True(t, AgentCompleted.Terminal())
	assert.True(t, AgentFailed.Terminal())

	assert.False(t, SessionRunning.Terminal())
	assert.True(t, SessionCompleted.Terminal())
	assert.True(t, SessionFailed.Terminal())
	assert.True(t, SessionCancelled.Terminal())
}
