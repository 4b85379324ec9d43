package subagent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/provider/fake"
	"github.com/opal-run/opal/tools"
	"github.com/opal-run/opal/toolrunner"
)

func noopRunner(ctx context.Context, calls []agent.ToolCall, snapshot *tools.Snapshot, schemas *tools.SchemaCache, tctx tools.Context, bus hooks.Bus) []toolrunner.Outcome {
	return nil
}

func TestSubAgentExecuteReturnsFinalAssistantText(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "child done"})
	bus := hooks.New()
	reg := tools.NewRegistry()

	tool := New(Config{
		Defaults: agent.Config{
			Model:        agent.Model{Provider: "fake", ID: "m"},
			SystemPrompt: "root",
			Provider:     prov,
		},
		SessionID: "root-session",
		MaxDepth:  3,
		ParentBus: bus,
		Registry:  reg,
		Schemas:   tools.NewSchemaCache(),
		RunTools:  noopRunner,
	})

	res := tool.Execute(context.Background(), map[string]any{"prompt": "do the thing"}, tools.Context{CallID: "call-1"})
	require.True(t, res.Ok, res.Error)
	assert.Equal(t, "child done", res.Text)
}

func TestSubAgentExecuteRequiresPrompt(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "n/a"})
	tool := New(Config{
		Defaults:  agent.Config{Provider: prov},
		ParentBus: hooks.New(),
		Registry:  tools.NewRegistry(),
		Schemas:   tools.NewSchemaCache(),
		RunTools:  noopRunner,
	})

	res := tool.Execute(context.Background(), map[string]any{}, tools.Context{})
	assert.False(t, res.Ok)
	assert.Contains(t, res.Error, "prompt is required")
}

func TestSubAgentForwardsEventsWrappedAsSubAgentEvent(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "hello from child"})
	bus := hooks.New()
	events, unsub := bus.Subscribe()
	defer unsub()

	tool := New(Config{
		Defaults:  agent.Config{Provider: prov},
		SessionID: "root-session",
		MaxDepth:  3,
		ParentBus: bus,
		Registry:  tools.NewRegistry(),
		Schemas:   tools.NewSchemaCache(),
		RunTools:  noopRunner,
	})

	done := make(chan tools.Result, 1)
	go func() {
		done <- tool.Execute(context.Background(), map[string]any{"prompt": "go"}, tools.Context{CallID: "call-9"})
	}()

	var sawWrapped bool
	for i := 0; i < 50; i++ {
		select {
		case ev := <-events:
			if ev.Type == hooks.EventSubAgent {
				sawWrapped = true
				assert.Equal(t, []string{"root-session"}, ev.Lineage)
				assert.Equal(t, "call-9", ev.ParentCallID)
				require.NotNil(t, ev.Inner)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for forwarded events")
		}
		if sawWrapped {
			break
		}
	}
	assert.True(t, sawWrapped, "expected at least one sub_agent_event forwarded to the parent bus")

	select {
	case res := <-done:
		assert.True(t, res.Ok)
	case <-time.After(2 * time.Second):
		t.Fatal("sub_agent execute never returned")
	}
}

func TestChildSnapshotDropsSubAgentAtMaxDepth(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry()
	cfg := Config{
		Defaults:  agent.Config{},
		SessionID: "s0",
		Depth:     2,
		MaxDepth:  3, // childDepth = 3 >= MaxDepth 3, so the grandchild gets no sub_agent tool
		ParentBus: hooks.New(),
		Registry:  reg,
		Schemas:   tools.NewSchemaCache(),
		RunTools:  noopRunner,
	}
	tool := New(cfg).(subAgentTool)
	snap := tool.childSnapshot(nil, "child-session")
	_, ok := snap.Lookup("sub_agent")
	assert.False(t, ok)
}

func TestChildSnapshotRestrictsToAllowedToolNames(t *testing.T) {
	t.Parallel()
	reg := tools.NewRegistry()
	reg.RegisterBuiltin(stubAllowTool{name: "read_file"})
	reg.RegisterBuiltin(stubAllowTool{name: "write_file"})

	cfg := Config{
		SessionID: "s0",
		MaxDepth:  0, // childDepth 1 >= MaxDepth 0, no nested sub_agent
		ParentBus: hooks.New(),
		Registry:  reg,
		Schemas:   tools.NewSchemaCache(),
		RunTools:  noopRunner,
	}
	tool := New(cfg).(subAgentTool)
	snap := tool.childSnapshot([]string{"read_file"}, "child-session")
	_, ok := snap.Lookup("read_file")
	assert.True(t, ok)
	_, ok = snap.Lookup("write_file")
	assert.False(t, ok)
}

type stubAllowTool struct {
	tools.Base
	name string
}

func (s stubAllowTool) Name() string                                                { return s.name }
func (s stubAllowTool) Description() string                                         { return "stub" }
func (s stubAllowTool) Parameters() map[string]any                                  { return map[string]any{"type": "object"} }
func (s stubAllowTool) Meta(map[string]any) string                                  { return s.name }
func (s stubAllowTool) Execute(context.Context, map[string]any, tools.Context) tools.Result { return tools.Ok("") }
