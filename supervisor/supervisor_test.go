package supervisor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/agent"
	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/provider"
	"github.com/opal-run/opal/provider/fake"
	"github.com/opal-run/opal/session/inmem"
	"github.com/opal-run/opal/tools"
)

func newTestSession(prov provider.Provider, bus hooks.Bus, clients []MCPClient) *Session {
	return New(Config{
		SessionID:     "s1",
		Model:         agent.Model{Provider: "fake", ID: "m", MaxTokens: 1024, ContextWindow: 10_000},
		SystemPrompt:  "test",
		Provider:      prov,
		Store:         inmem.New(),
		Bus:           bus,
		ContextWindow: 10_000,
		MCPClients:    clients,
	})
}

func drainSupervisorEvent(t *testing.T, events <-chan hooks.Event, want hooks.EventType) hooks.Event {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-time.After(3 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func TestSessionPromptRunsTurnToCompletion(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "hi there"})
	bus := hooks.New()
	events, unsub := bus.Subscribe()
	defer unsub()

	sess := newTestSession(prov, bus, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess.Start(ctx)
	sess.Prompt("hello")

	drainSupervisorEvent(t, events, hooks.EventAgentEnd)
	assert.Equal(t, agent.StatusIdle, sess.GetState().Status)
	sess.Stop()
}

func TestSessionRegistersBuiltinAndSubAgentTools(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "ok"})
	sess := newTestSession(prov, hooks.New(), nil)

	snap := sess.reg.Snapshot()
	for _, name := range []string{"read_file", "write_file", "edit_file", "list_dir", "bash", "sub_agent"} {
		_, ok := snap.Lookup(name)
		assert.True(t, ok, "expected builtin %q to be registered", name)
	}
}

func TestSessionDefaultsMaxSubAgentDepthWhenUnset(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "ok"})
	sess := newTestSession(prov, hooks.New(), nil)
	assert.Equal(t, DefaultMaxSubAgentDepth, sess.cfg.MaxSubAgentDepth)
}

type fakeMCPClient struct {
	toolList  []tools.Tool
	closed    *[]string
	name      string
	toolsErr  error
}

func (c fakeMCPClient) Tools(context.Context) ([]tools.Tool, error) { return c.toolList, c.toolsErr }
func (c fakeMCPClient) Close() error {
	*c.closed = append(*c.closed, c.name)
	return nil
}

type stubMCPTool struct {
	tools.Base
	name string
}

func (s stubMCPTool) Name() string                                                          { return s.name }
func (s stubMCPTool) Description() string                                                   { return "mcp stub" }
func (s stubMCPTool) Parameters() map[string]any                                            { return map[string]any{"type": "object"} }
func (s stubMCPTool) Meta(map[string]any) string                                            { return s.name }
func (s stubMCPTool) Execute(context.Context, map[string]any, tools.Context) tools.Result { return tools.Ok("") }

func TestWatchMCPRegistersDiscoveredTools(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "ok"})
	closed := make([]string, 0)
	client := fakeMCPClient{toolList: []tools.Tool{stubMCPTool{name: "fs_read"}}, closed: &closed, name: "fs"}
	sess := newTestSession(prov, hooks.New(), []MCPClient{client})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.watchMCP(ctx, client)

	require.Eventually(t, func() bool {
		_, ok := sess.reg.Snapshot().Lookup("fs_read")
		return ok
	}, 2*time.Second, time.Millisecond)
}

func TestSessionStopClosesMCPClientsInReverseOrder(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "ok"})
	closed := make([]string, 0)
	first := fakeMCPClient{closed: &closed, name: "first"}
	second := fakeMCPClient{closed: &closed, name: "second"}
	sess := newTestSession(prov, hooks.New(), []MCPClient{first, second})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	sess.Stop()

	assert.Equal(t, []string{"second", "first"}, closed)
}

func TestWatchMCPFailureSurfacesStatusUpdateAndDoesNotCrash(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "ok"})
	bus := hooks.New()
	events, unsub := bus.Subscribe()
	defer unsub()
	closed := make([]string, 0)
	client := fakeMCPClient{toolsErr: errors.New("connection refused"), closed: &closed, name: "fs"}
	sess := newTestSession(prov, bus, []MCPClient{client})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go sess.watchMCP(ctx, client)

	ev := drainSupervisorEvent(t, events, hooks.EventStatusUpdate)
	assert.Contains(t, ev.Message, "mcp: refresh failed")
}

// panicProvider panics out of Stream, exercising the real crash path: the
// panic unwinds synchronously through agent.Run (beginRequest calls Stream
// inline while handling cmdPrompt), and runAgentOnce's recover catches it.
type panicProvider struct{}

func (panicProvider) Stream(context.Context, provider.Request) (provider.StreamHandle, error) {
	panic("provider exploded")
}
func (panicProvider) ConvertMessages(msgs []provider.Message) []provider.Message { return msgs }
func (panicProvider) ConvertTools(tools []provider.Tool) []provider.Tool         { return tools }

func TestRunAgentProcessRecoversFromPanicAndRebuildsAgent(t *testing.T) {
	t.Parallel()
	bus := hooks.New()
	events, unsub := bus.Subscribe()
	defer unsub()
	sess := newTestSession(panicProvider{}, bus, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sess.Start(ctx)
	sess.Prompt("trigger the crash")

	ev := drainSupervisorEvent(t, events, hooks.EventError)
	assert.Contains(t, ev.Reason, "agent process crashed")
	drainSupervisorEvent(t, events, hooks.EventAgentRecovered)

	sess.mu.Lock()
	rebuilt := sess.ag
	sess.mu.Unlock()
	require.NotNil(t, rebuilt)
}
