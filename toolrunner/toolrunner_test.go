package toolrunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/tools"
)

type echoTool struct{ tools.Base }

func (echoTool) Name() string        { return "echo" }
func (echoTool) Description() string { return "echoes its input" }
func (echoTool) Parameters() map[string]any {
	return map[string]any{
		"type":       "object",
		"properties": map[string]any{"text": map[string]any{"type": "string"}},
		"required":   []any{"text"},
	}
}
func (echoTool) Meta(args map[string]any) string { return "echoing" }
func (echoTool) Execute(_ context.Context, args map[string]any, _ tools.Context) tools.Result {
	s, _ := args["text"].(string)
	return tools.Ok(s)
}

type panicTool struct{ tools.Base }

func (panicTool) Name() string                    { return "boom" }
func (panicTool) Description() string             { return "always panics" }
func (panicTool) Parameters() map[string]any      { return map[string]any{"type": "object"} }
func (panicTool) Meta(map[string]any) string      { return "boom" }
func (panicTool) Execute(context.Context, map[string]any, tools.Context) tools.Result {
	panic("kaboom")
}

func newSnapshot(tools_ ...tools.Tool) *tools.Snapshot {
	r := tools.NewRegistry()
	for _, t := range tools_ {
		r.RegisterBuiltin(t)
	}
	return r.Snapshot()
}

func TestRunPreservesCallOrderRegardlessOfCompletionOrder(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(echoTool{})
	schemas := tools.NewSchemaCache()
	bus := hooks.New()

	calls := []agent.ToolCall{
		{CallID: "a", Name: "echo", Arguments: map[string]any{"text": "first"}},
		{CallID: "b", Name: "echo", Arguments: map[string]any{"text": "second"}},
		{CallID: "c", Name: "echo", Arguments: map[string]any{"text": "third"}},
	}

	outcomes := Run(context.Background(), calls, snap, schemas, tools.Context{}, bus, nil)
	require.Len(t, outcomes, 3)
	assert.Equal(t, "a", outcomes[0].CallID)
	assert.Equal(t, "b", outcomes[1].CallID)
	assert.Equal(t, "c", outcomes[2].CallID)
	assert.Equal(t, "first", outcomes[0].Result.Text)
	assert.Equal(t, "third", outcomes[2].Result.Text)
}

func TestRunUnknownToolProducesErrorOutcome(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(echoTool{})
	schemas := tools.NewSchemaCache()
	bus := hooks.New()

	outcomes := Run(context.Background(), []agent.ToolCall{{CallID: "x", Name: "does_not_exist"}}, snap, schemas, tools.Context{}, bus, nil)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Result.Ok)
	assert.Contains(t, outcomes[0].Result.Error, "unknown tool")
}

func TestRunSchemaValidationFailureSkipsExecute(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(echoTool{})
	schemas := tools.NewSchemaCache()
	bus := hooks.New()

	outcomes := Run(context.Background(), []agent.ToolCall{{CallID: "x", Name: "echo", Arguments: map[string]any{}}}, snap, schemas, tools.Context{}, bus, nil)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Result.Ok)
}

func TestRunIsolatesPanickingTool(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(panicTool{})
	schemas := tools.NewSchemaCache()
	bus := hooks.New()

	outcomes := Run(context.Background(), []agent.ToolCall{{CallID: "x", Name: "boom"}}, snap, schemas, tools.Context{}, bus, nil)
	require.Len(t, outcomes, 1)
	assert.False(t, outcomes[0].Result.Ok)
	assert.Contains(t, outcomes[0].Result.Error, "panicked")
}

func TestRunInvokesDrainBetweenDispatchAndEachCompletion(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(echoTool{})
	schemas := tools.NewSchemaCache()
	bus := hooks.New()

	var drains int
	drain := func(context.Context) { drains++ }

	calls := []agent.ToolCall{
		{CallID: "a", Name: "echo", Arguments: map[string]any{"text": "1"}},
		{CallID: "b", Name: "echo", Arguments: map[string]any{"text": "2"}},
	}
	Run(context.Background(), calls, snap, schemas, tools.Context{}, bus, drain)
	// one dispatch-time drain + one per completion
	assert.Equal(t, 3, drains)
}

func TestRunEmitsToolExecStartAndEndEvents(t *testing.T) {
	t.Parallel()
	snap := newSnapshot(echoTool{})
	schemas := tools.NewSchemaCache()
	bus := hooks.New()
	events, unsub := bus.Subscribe()
	defer unsub()

	Run(context.Background(), []agent.ToolCall{{CallID: "a", Name: "echo", Arguments: map[string]any{"text": "hi"}}}, snap, schemas, tools.Context{SessionID: "s1"}, bus, nil)

	var sawStart, sawEnd bool
	for i := 0; i < 2; i++ {
		select {
		case ev := <-events:
			if ev.Type == hooks.EventToolExecStart {
				sawStart = true
				assert.Equal(t, "s1", ev.SessionID)
			}
			if ev.Type == hooks.EventToolExecEnd {
				sawEnd = true
				assert.True(t, ev.Result.Ok)
			}
		case <-time.After(time.Second):
			t.Fatal("timed out waiting for tool events")
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawEnd)
}

func TestToolResultMessagesUsesErrorTextWhenNotOK(t *testing.T) {
	t.Parallel()
	outcomes := []Outcome{
		{CallID: "a", ToolName: "echo", Result: tools.Ok("done")},
		{CallID: "b", ToolName: "boom", Result: tools.Err("failed badly")},
	}
	msgs := ToolResultMessages(outcomes)
	require.Len(t, msgs, 2)
	assert.Equal(t, "done", msgs[0].Text)
	assert.Equal(t, "failed badly", msgs[1].Text)
	assert.Equal(t, agent.RoleToolResult, msgs[0].Role)
}
