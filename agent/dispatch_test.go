package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/provider"
)

func TestDispatchTextAccumulatesIntoTurn(t *testing.T) {
	t.Parallel()
	turn := newTurnState()

	events, result := Dispatch(turn, "s1", provider.Event{Type: provider.EventTextStart})
	require.Len(t, events, 1)
	assert.Equal(t, hooks.EventMessageStart, events[0].Type)
	assert.False(t, result.Terminal)

	events, _ = Dispatch(turn, "s1", provider.Event{Type: provider.EventTextDelta, Delta: "hello "})
	require.Len(t, events, 1)
	assert.Equal(t, "hello ", events[0].Delta)

	events, _ = Dispatch(turn, "s1", provider.Event{Type: provider.EventTextDelta, Delta: "world"})
	require.Len(t, events, 1)
	assert.Equal(t, "world", events[0].Delta)

	assert.Equal(t, "hello world", turn.text.String())
}

func TestDispatchToolCallAssemblesArgumentsAcrossDeltas(t *testing.T) {
	t.Parallel()
	turn := newTurnState()

	_, result := Dispatch(turn, "s1", provider.Event{Type: provider.EventToolCallStart, CallID: "c1", Name: "read_file"})
	assert.False(t, result.Terminal)
	Dispatch(turn, "s1", provider.Event{Type: provider.EventToolCallDelta, CallID: "c1", ArgsDelta: `{"path":`})
	Dispatch(turn, "s1", provider.Event{Type: provider.EventToolCallDelta, CallID: "c1", ArgsDelta: `"a.go"}`})
	Dispatch(turn, "s1", provider.Event{Type: provider.EventToolCallDone, CallID: "c1"})

	calls := turn.finalToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].CallID)
	assert.Equal(t, "read_file", calls[0].Name)
	assert.Equal(t, "a.go", calls[0].Arguments["path"])
}

func TestDispatchToolCallFallsBackToMostRecentIncompleteWhenUnidentified(t *testing.T) {
	t.Parallel()
	turn := newTurnState()
	Dispatch(turn, "s1", provider.Event{Type: provider.EventToolCallStart, CallID: "c1", Name: "bash"})
	// a delta with no identifying field must land on the only open call
	Dispatch(turn, "s1", provider.Event{Type: provider.EventToolCallDelta, ArgsDelta: `{"cmd":"ls"}`})
	Dispatch(turn, "s1", provider.Event{Type: provider.EventToolCallDone, CallID: "c1", Arguments: json.RawMessage(`{"cmd":"ls"}`)})

	calls := turn.finalToolCalls()
	require.Len(t, calls, 1)
	assert.Equal(t, "ls", calls[0].Arguments["cmd"])
}

func TestDispatchResponseDoneIsTerminal(t *testing.T) {
	t.Parallel()
	turn := newTurnState()
	_, result := Dispatch(turn, "s1", provider.Event{Type: provider.EventResponseDone, StopReason: "end_turn"})
	assert.True(t, result.Terminal)
	assert.False(t, result.Errored)
	assert.Equal(t, "end_turn", result.StopReason)
}

func TestDispatchUsageEmitsUsageUpdateEvent(t *testing.T) {
	t.Parallel()
	turn := newTurnState()
	events, _ := Dispatch(turn, "s1", provider.Event{Type: provider.EventUsage, Usage: &provider.Usage{PromptTokens: 100, CompletionTokens: 20, TotalTokens: 120}})
	require.Len(t, events, 1)
	assert.Equal(t, hooks.EventUsageUpdate, events[0].Type)
	assert.Equal(t, 100, events[0].UsageSnapshot.PromptTokens)
}

func TestDispatchErrorIsTerminalAndErrored(t *testing.T) {
	t.Parallel()
	turn := newTurnState()
	_, result := Dispatch(turn, "s1", provider.Event{Type: provider.EventError, ErrorText: "overloaded_error"})
	assert.True(t, result.Terminal)
	assert.True(t, result.Errored)
	assert.Equal(t, "overloaded_error", result.ErrorText)
}

func TestDispatchThinkingDeltaOpensImplicitlyWithoutStart(t *testing.T) {
	t.Parallel()
	turn := newTurnState()
	events, _ := Dispatch(turn, "s1", provider.Event{Type: provider.EventThinkingDelta, Delta: "pondering"})
	require.Len(t, events, 2)
	assert.Equal(t, hooks.EventThinkingStart, events[0].Type)
	assert.Equal(t, hooks.EventThinkingDelta, events[1].Type)
	assert.Equal(t, "pondering", turn.thinking.String())
}
