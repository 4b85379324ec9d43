package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/provider"
	"github.com/opal-run/opal/provider/fake"
	"github.com/opal-run/opal/session/inmem"
)

func drainEvent(t *testing.T, events <-chan hooks.Event, want hooks.EventType) hooks.Event {
	t.Helper()
	for {
		select {
		case ev := <-events:
			if ev.Type == want {
				return ev
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func newTestAgent(prov provider.Provider, runTools ToolExecutor) (*Agent, *inmem.Store, hooks.Bus) {
	store := inmem.New()
	bus := hooks.New()
	a := New(Config{
		SessionID:     "s1",
		Model:         Model{Provider: "fake", ID: "m", MaxTokens: 1024, ContextWindow: 10_000},
		SystemPrompt:  "you are a test agent",
		Provider:      prov,
		Store:         store,
		Bus:           bus,
		Tools:         func() []ToolSpec { return nil },
		RunTools:      runTools,
		ErrorLexicon:  DefaultErrorLexicon,
		BackoffBase:   10 * time.Millisecond,
		BackoffMax:    20 * time.Millisecond,
		ContextWindow: 10_000,
	})
	return a, store, bus
}

func TestAgentPromptToIdleRoundTrip(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "hello there"})
	a, store, bus := newTestAgent(prov, func(context.Context, []ToolCall) []ToolOutcome { return nil })
	events, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	queued := a.Prompt("hi")
	assert.False(t, queued)

	drainEvent(t, events, hooks.EventAgentEnd)

	state := a.GetState()
	assert.Equal(t, StatusIdle, state.Status)

	path, err := store.Path(context.Background())
	require.NoError(t, err)
	require.Len(t, path, 2)
	assert.Equal(t, RoleUser, path[0].Role)
	assert.Equal(t, RoleAssistant, path[1].Role)
	assert.Equal(t, "hello there", path[1].Text)
}

func TestAgentPromptWhileBusyIsQueuedAsSteer(t *testing.T) {
	t.Parallel()
	releaseTool := make(chan struct{})
	runTools := func(ctx context.Context, calls []ToolCall) []ToolOutcome {
		<-releaseTool
		return []ToolOutcome{{CallID: calls[0].CallID, ToolName: calls[0].Name, Ok: true, Text: "done"}}
	}
	prov := fake.New(
		fake.Turn{ToolCalls: []fake.ToolCall{{CallID: "c1", Name: "slow", ArgumentsJSON: `{}`}}},
		fake.Turn{Text: "second"},
	)
	a, _, bus := newTestAgent(prov, runTools)
	events, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Prompt("first message")
	require.Eventually(t, func() bool {
		return a.GetState().Status == StatusExecutingTools
	}, 2*time.Second, time.Millisecond, "agent never reached executing_tools")

	queued := a.Prompt("second message")
	assert.True(t, queued)

	close(releaseTool)
	drainEvent(t, events, hooks.EventAgentEnd)
}

func TestAgentExecutesToolCallThenContinuesTurn(t *testing.T) {
	t.Parallel()
	prov := fake.New(
		fake.Turn{ToolCalls: []fake.ToolCall{{CallID: "c1", Name: "echo", ArgumentsJSON: `{"text":"hi"}`}}},
		fake.Turn{Text: "done"},
	)
	var ranWith []ToolCall
	runTools := func(_ context.Context, calls []ToolCall) []ToolOutcome {
		ranWith = calls
		out := make([]ToolOutcome, len(calls))
		for i, c := range calls {
			out[i] = ToolOutcome{CallID: c.CallID, ToolName: c.Name, Ok: true, Text: "echoed"}
		}
		return out
	}
	a, store, bus := newTestAgent(prov, runTools)
	events, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Prompt("use the tool")
	drainEvent(t, events, hooks.EventAgentEnd)

	require.Len(t, ranWith, 1)
	assert.Equal(t, "echo", ranWith[0].Name)

	path, err := store.Path(context.Background())
	require.NoError(t, err)
	require.Len(t, path, 4)
	assert.Equal(t, RoleToolResult, path[2].Role)
	assert.Equal(t, "echoed", path[2].Text)
	assert.Equal(t, "done", path[3].Text)
}

func TestAgentRetriesTransientErrorThenSucceeds(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Err: "503 service unavailable"}, fake.Turn{Text: "recovered"})
	a, _, bus := newTestAgent(prov, func(context.Context, []ToolCall) []ToolOutcome { return nil })
	events, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Prompt("go")
	drainEvent(t, events, hooks.EventAgentEnd)

	state := a.GetState()
	assert.Equal(t, StatusIdle, state.Status)
	assert.Equal(t, 0, state.RetryAttempt, "retry attempt resets once the turn finishes")
}

func TestAgentPermanentErrorSurfacesAndReturnsToIdle(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Err: "401 unauthorized: invalid api key"})
	a, _, bus := newTestAgent(prov, func(context.Context, []ToolCall) []ToolOutcome { return nil })
	events, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Prompt("go")
	ev := drainEvent(t, events, hooks.EventError)
	assert.Contains(t, ev.Reason, "unauthorized")

	state := a.GetState()
	assert.Equal(t, StatusIdle, state.Status)
}

func TestAgentStopAbortsRunningTurn(t *testing.T) {
	t.Parallel()
	block := make(chan struct{})
	runTools := func(ctx context.Context, calls []ToolCall) []ToolOutcome {
		<-block
		return []ToolOutcome{{CallID: calls[0].CallID, ToolName: calls[0].Name, Ok: true, Text: "late"}}
	}
	prov := fake.New(fake.Turn{ToolCalls: []fake.ToolCall{{CallID: "c1", Name: "slow", ArgumentsJSON: `{}`}}})
	a, _, bus := newTestAgent(prov, runTools)
	events, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Prompt("go slow")
	require.Eventually(t, func() bool {
		return a.GetState().Status == StatusExecutingTools
	}, 2*time.Second, time.Millisecond, "agent never reached executing_tools")
	a.Stop()
	drainEvent(t, events, hooks.EventAgentAbort)

	state := a.GetState()
	assert.Equal(t, StatusIdle, state.Status)
	close(block)
}

// gatedTextProvider streams a text-only reply and then blocks before its
// response_done tuple until the test releases gate, giving a test a
// deterministic window to call Steer while the turn is still streaming.
// Only the first call is gated; later calls reply immediately.
type gatedTextProvider struct {
	mu    sync.Mutex
	calls int
	gate  chan struct{}
}

func (p *gatedTextProvider) ConvertMessages(m []provider.Message) []provider.Message { return m }
func (p *gatedTextProvider) ConvertTools(t []provider.Tool) []provider.Tool          { return t }

func (p *gatedTextProvider) Stream(ctx context.Context, req provider.Request) (provider.StreamHandle, error) {
	p.mu.Lock()
	n := p.calls
	p.calls++
	p.mu.Unlock()

	events := make(chan provider.Event, 8)
	go func() {
		defer close(events)
		text := "first reply"
		if n > 0 {
			text = "second reply"
		}
		events <- provider.Event{Type: provider.EventTextStart}
		events <- provider.Event{Type: provider.EventTextDelta, Delta: text}
		events <- provider.Event{Type: provider.EventTextDone, Text: text}
		if n == 0 {
			<-p.gate
		}
		events <- provider.Event{Type: provider.EventResponseDone, StopReason: "end_turn"}
	}()
	return &gatedHandle{events: events}, nil
}

type gatedHandle struct{ events chan provider.Event }

func (h *gatedHandle) Events() <-chan provider.Event { return h.events }
func (h *gatedHandle) Cancel()                       {}

func (p *gatedTextProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

// TestAgentSteerDuringTextOnlyTurnStartsNextTurn verifies that a Steer
// enqueued while a turn with no tool calls is still streaming is not
// stranded once that turn completes: the agent must append it as a new
// user message and issue a second request instead of going idle.
func TestAgentSteerDuringTextOnlyTurnStartsNextTurn(t *testing.T) {
	t.Parallel()
	prov := &gatedTextProvider{gate: make(chan struct{})}
	a, store, bus := newTestAgent(prov, func(context.Context, []ToolCall) []ToolOutcome { return nil })
	events, unsub := bus.Subscribe()
	defer unsub()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.Prompt("first message")
	require.Eventually(t, func() bool {
		return a.GetState().Status == StatusStreaming
	}, 2*time.Second, time.Millisecond, "agent never reached streaming")

	a.Steer("steer message")
	close(prov.gate)

	drainEvent(t, events, hooks.EventAgentEnd)

	state := a.GetState()
	assert.Equal(t, StatusIdle, state.Status)

	path, err := store.Path(context.Background())
	require.NoError(t, err)
	require.Len(t, path, 4)
	assert.Equal(t, RoleUser, path[0].Role)
	assert.Equal(t, "first message", path[0].Text)
	assert.Equal(t, RoleAssistant, path[1].Role)
	assert.Equal(t, "first reply", path[1].Text)
	assert.Equal(t, RoleUser, path[2].Role)
	assert.Equal(t, "steer message", path[2].Text)
	assert.Equal(t, RoleAssistant, path[3].Role)
	assert.Equal(t, "second reply", path[3].Text)

	assert.Equal(t, 2, prov.callCount(), "steering after a text-only turn must issue a second request")
}

func TestAgentSetModelUpdatesState(t *testing.T) {
	t.Parallel()
	prov := fake.New(fake.Turn{Text: "ok"})
	a, _, _ := newTestAgent(prov, func(context.Context, []ToolCall) []ToolOutcome { return nil })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go a.Run(ctx)

	a.SetModel(Model{Provider: "fake", ID: "new-model"})
	state := a.GetState()
	assert.Equal(t, "new-model", state.Model.ID)
}
