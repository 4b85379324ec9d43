package openai

import (
	"context"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/opal-run/opal/provider"
)

// streamHandle adapts an OpenAI Chat Completions SSE stream into opal's
// provider.StreamHandle. Chat Completions has no thinking/reasoning-trace
// tuples of its own (unlike Anthropic's content blocks), so this adapter
// only ever emits text and tool-call tuples plus usage/response_done,
// following the same per-goroutine run-loop shape as
// provider/anthropic's streamHandle.
type streamHandle struct {
	events chan provider.Event
	cancel context.CancelFunc
}

func newStreamHandle(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) *streamHandle {
	cctx, cancel := context.WithCancel(ctx)
	h := &streamHandle{events: make(chan provider.Event, 32), cancel: cancel}
	go h.run(cctx, stream)
	return h
}

func (h *streamHandle) Events() <-chan provider.Event { return h.events }
func (h *streamHandle) Cancel()                       { h.cancel() }

func (h *streamHandle) run(ctx context.Context, stream *ssestream.Stream[openai.ChatCompletionChunk]) {
	defer close(h.events)
	defer stream.Close()

	send := func(ev provider.Event) bool {
		select {
		case h.events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	textOpen := false
	calls := make(map[int64]*toolCallState)
	order := make([]int64, 0, 4)

	finish := func() {
		for _, idx := range order {
			tc := calls[idx]
			send(provider.Event{Type: provider.EventToolCallDone, CallID: tc.id, CallIndex: int(idx), Name: tc.name})
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !stream.Next() {
			if err := stream.Err(); err != nil {
				send(provider.Event{Type: provider.EventError, ErrorText: err.Error()})
				return
			}
			if textOpen {
				send(provider.Event{Type: provider.EventTextDone})
			}
			finish()
			send(provider.Event{Type: provider.EventResponseDone, StopReason: "stop"})
			return
		}
		chunk := stream.Current()

		if chunk.Usage.TotalTokens != 0 {
			usage := provider.Usage{
				PromptTokens:     int(chunk.Usage.PromptTokens),
				CompletionTokens: int(chunk.Usage.CompletionTokens),
				TotalTokens:      int(chunk.Usage.TotalTokens),
			}
			if !send(provider.Event{Type: provider.EventUsage, Usage: &usage}) {
				return
			}
		}

		if len(chunk.Choices) == 0 {
			continue
		}
		choice := chunk.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			if !textOpen {
				textOpen = true
				if !send(provider.Event{Type: provider.EventTextStart}) {
					return
				}
			}
			if !send(provider.Event{Type: provider.EventTextDelta, Delta: delta.Content}) {
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			state, ok := calls[idx]
			if !ok {
				state = &toolCallState{id: tc.ID, name: tc.Function.Name}
				calls[idx] = state
				order = append(order, idx)
				if !send(provider.Event{Type: provider.EventToolCallStart, CallID: state.id, CallIndex: int(idx), Name: state.name}) {
					return
				}
			}
			if tc.Function.Arguments != "" {
				if !send(provider.Event{Type: provider.EventToolCallDelta, CallID: state.id, CallIndex: int(idx), ArgsDelta: tc.Function.Arguments}) {
					return
				}
			}
		}

		if choice.FinishReason != "" {
			if textOpen {
				textOpen = false
				if !send(provider.Event{Type: provider.EventTextDone}) {
					return
				}
			}
			finish()
			calls = make(map[int64]*toolCallState)
			order = order[:0]
			if !send(provider.Event{Type: provider.EventResponseDone, StopReason: string(choice.FinishReason)}) {
				return
			}
			return
		}
	}
}

type toolCallState struct {
	id   string
	name string
}
