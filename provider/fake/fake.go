// Package fake implements a deterministic provider.Provider test double:
// a scripted sequence of responses (text, tool calls, errors) played back
// in order, one per Stream call, with no network access. It is opal's
// equivalent of the teacher's mocked model.Client used throughout
// runtime/agent's own workflow tests.
package fake

import (
	"context"
	"fmt"
	"sync"

	"github.com/opal-run/opal/provider"
)

// Turn scripts one Stream call's worth of response.
type Turn struct {
	// Text is streamed as a sequence of text_delta tuples (split on
	// spaces, re-joined with single spaces) followed by text_done.
	Text string
	// Thinking, if non-empty, is streamed before Text the same way.
	Thinking string
	// ToolCalls, if non-empty, are streamed as tool_call_start/delta/done
	// tuples after any text/thinking.
	ToolCalls []ToolCall
	// Usage is emitted as a usage tuple before response_done.
	Usage provider.Usage
	// Err, if set, makes this turn fail: Stream succeeds but the handle's
	// event channel emits a single error tuple and closes, matching
	// spec.md §4.2's "mid-stream failures surface as an error tuple"
	// contract.
	Err string
	// StartErr, if set, makes Stream itself return an error instead of a
	// handle — the "request could not be started at all" case.
	StartErr string
}

// ToolCall scripts one assistant tool call.
type ToolCall struct {
	CallID        string
	Name          string
	ArgumentsJSON string
}

// Provider plays back a fixed script of Turns, one per Stream call, and
// records every request it was asked to serve for test assertions.
type Provider struct {
	mu       sync.Mutex
	turns    []Turn
	next     int
	Requests []provider.Request
}

// New constructs a Provider that returns turns in order, repeating the
// final turn forever once exhausted (so a test doesn't need to script
// exactly as many turns as the agent will request, e.g. during a retry
// loop it doesn't care about the outcome of).
func New(turns ...Turn) *Provider {
	return &Provider{turns: turns}
}

func (p *Provider) ConvertMessages(msgs []provider.Message) []provider.Message { return msgs }
func (p *Provider) ConvertTools(tools []provider.Tool) []provider.Tool         { return tools }

// Stream returns the next scripted turn as a StreamHandle. Thread-safe:
// concurrent callers (a parent and its sub-agents) each get the next turn
// in script order.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (provider.StreamHandle, error) {
	p.mu.Lock()
	p.Requests = append(p.Requests, req)
	turn := p.turnLocked()
	p.mu.Unlock()

	if turn.StartErr != "" {
		return nil, fmt.Errorf("fake provider: %s", turn.StartErr)
	}

	events := make(chan provider.Event, 64)
	h := &handle{events: events}
	go h.play(ctx, turn)
	return h, nil
}

func (p *Provider) turnLocked() Turn {
	if len(p.turns) == 0 {
		return Turn{Text: "ok"}
	}
	i := p.next
	if i >= len(p.turns) {
		i = len(p.turns) - 1
	} else {
		p.next++
	}
	return p.turns[i]
}

type handle struct {
	events chan provider.Event
	once   sync.Once
}

func (h *handle) Events() <-chan provider.Event { return h.events }

func (h *handle) Cancel() {
	h.once.Do(func() { close(h.events) })
}

func (h *handle) play(ctx context.Context, turn Turn) {
	defer h.once.Do(func() { close(h.events) })

	send := func(ev provider.Event) bool {
		select {
		case h.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	if turn.Err != "" {
		send(provider.Event{Type: provider.EventError, ErrorText: turn.Err})
		return
	}

	if turn.Thinking != "" {
		if !send(provider.Event{Type: provider.EventThinkingStart}) {
			return
		}
		for _, word := range splitWords(turn.Thinking) {
			if !send(provider.Event{Type: provider.EventThinkingDelta, Delta: word}) {
				return
			}
		}
		if !send(provider.Event{Type: provider.EventThinkingDone}) {
			return
		}
	}

	if turn.Text != "" {
		if !send(provider.Event{Type: provider.EventTextStart}) {
			return
		}
		for _, word := range splitWords(turn.Text) {
			if !send(provider.Event{Type: provider.EventTextDelta, Delta: word}) {
				return
			}
		}
		if !send(provider.Event{Type: provider.EventTextDone, Text: turn.Text}) {
			return
		}
	}

	for i, tc := range turn.ToolCalls {
		if !send(provider.Event{Type: provider.EventToolCallStart, CallID: tc.CallID, CallIndex: i, Name: tc.Name}) {
			return
		}
		if !send(provider.Event{Type: provider.EventToolCallDelta, CallID: tc.CallID, CallIndex: i, ArgsDelta: tc.ArgumentsJSON}) {
			return
		}
		if !send(provider.Event{Type: provider.EventToolCallDone, CallID: tc.CallID, CallIndex: i, Name: tc.Name, Arguments: []byte(tc.ArgumentsJSON)}) {
			return
		}
	}

	usage := turn.Usage
	send(provider.Event{Type: provider.EventUsage, Usage: &usage})
	send(provider.Event{Type: provider.EventResponseDone, StopReason: "end_turn"})
}

func splitWords(s string) []string {
	var out []string
	start := -1
	for i, r := range s {
		if r == ' ' {
			if start >= 0 {
				out = append(out, s[start:i]+" ")
				start = -1
			}
			continue
		}
		if start < 0 {
			start = i
		}
	}
	if start >= 0 {
		out = append(out, s[start:])
	}
	if len(out) == 0 {
		return []string{s}
	}
	return out
}
