package fake

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opal-run/opal/provider"
)

func drain(t *testing.T, h provider.StreamHandle) []provider.Event {
	t.Helper()
	var out []provider.Event
	for {
		select {
		case ev, ok := <-h.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatal("timed out draining fake stream")
		}
	}
}

func TestStreamPlaysScriptedTextTurn(t *testing.T) {
	t.Parallel()
	p := New(Turn{Text: "hello world", Usage: provider.Usage{TotalTokens: 10}})

	h, err := p.Stream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	events := drain(t, h)
	require.NotEmpty(t, events)
	assert.Equal(t, provider.EventTextStart, events[0].Type)
	assert.Equal(t, provider.EventResponseDone, events[len(events)-1].Type)

	var text string
	for _, ev := range events {
		if ev.Type == provider.EventTextDelta {
			text += ev.Delta
		}
	}
	assert.Equal(t, "hello world", text)
}

func TestStreamPlaysScriptedToolCall(t *testing.T) {
	t.Parallel()
	p := New(Turn{ToolCalls: []ToolCall{{CallID: "c1", Name: "read_file", ArgumentsJSON: `{"path":"a.go"}`}}})

	h, err := p.Stream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	events := drain(t, h)
	var sawStart, sawDone bool
	for _, ev := range events {
		switch ev.Type {
		case provider.EventToolCallStart:
			sawStart = true
			assert.Equal(t, "c1", ev.CallID)
		case provider.EventToolCallDone:
			sawDone = true
			assert.Equal(t, []byte(`{"path":"a.go"}`), []byte(ev.Arguments))
		}
	}
	assert.True(t, sawStart)
	assert.True(t, sawDone)
}

func TestStreamTurnErrEmitsErrorEvent(t *testing.T) {
	t.Parallel()
	p := New(Turn{Err: "overloaded_error"})

	h, err := p.Stream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)

	events := drain(t, h)
	require.Len(t, events, 1)
	assert.Equal(t, provider.EventError, events[0].Type)
	assert.Equal(t, "overloaded_error", events[0].ErrorText)
}

func TestStreamStartErrFailsBeforeHandle(t *testing.T) {
	t.Parallel()
	p := New(Turn{StartErr: "connection refused"})

	h, err := p.Stream(context.Background(), provider.Request{Model: "m"})
	assert.Nil(t, h)
	assert.ErrorContains(t, err, "connection refused")
}

func TestStreamRepeatsFinalTurnOnceExhausted(t *testing.T) {
	t.Parallel()
	p := New(Turn{Text: "first"}, Turn{Text: "second"})

	for _, want := range []string{"first", "second", "second", "second"} {
		h, err := p.Stream(context.Background(), provider.Request{Model: "m"})
		require.NoError(t, err)
		var text string
		for _, ev := range drain(t, h) {
			if ev.Type == provider.EventTextDelta {
				text += ev.Delta
			}
		}
		assert.Equal(t, want, text)
	}
	assert.Len(t, p.Requests, 4)
}

func TestStreamWithNoTurnsDefaultsToOK(t *testing.T) {
	t.Parallel()
	p := New()
	h, err := p.Stream(context.Background(), provider.Request{Model: "m"})
	require.NoError(t, err)
	var text string
	for _, ev := range drain(t, h) {
		if ev.Type == provider.EventTextDelta {
			text += ev.Delta
		}
	}
	assert.Equal(t, "ok", text)
}
