package anthropic

import (
	"context"
	"strings"
	"sync"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/opal-run/opal/provider"
)

// streamHandle adapts an Anthropic Messages SSE stream into opal's
// provider.StreamHandle, running the Anthropic stream-reader loop on its
// own goroutine and translating each sdk.MessageStreamEventUnion into zero
// or more provider.Event tuples, grounded on the teacher's
// anthropicStreamer.run/anthropicChunkProcessor.Handle pair but emitting
// provider.Event directly instead of an intermediate model.Chunk.
type streamHandle struct {
	events chan provider.Event
	cancel context.CancelFunc
	once   sync.Once
}

func newStreamHandle(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) *streamHandle {
	cctx, cancel := context.WithCancel(ctx)
	h := &streamHandle{events: make(chan provider.Event, 32), cancel: cancel}
	go h.run(cctx, stream)
	return h
}

func (h *streamHandle) Events() <-chan provider.Event { return h.events }

func (h *streamHandle) Cancel() {
	h.cancel()
	h.once.Do(func() {})
}

func (h *streamHandle) run(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion]) {
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

	p := newEventTranslator()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if !stream.Next() {
			if err := stream.Err(); err != nil {
				send(provider.Event{Type: provider.EventError, ErrorText: err.Error()})
			}
			return
		}
		for _, ev := range p.handle(stream.Current()) {
			if !send(ev) {
				return
			}
		}
	}
}

// eventTranslator tracks per-content-block state (which index is text,
// thinking, or a tool_use call) across a single Anthropic message stream,
// since Anthropic multiplexes all blocks' deltas through one flat event
// sequence distinguished only by content block index.
type eventTranslator struct {
	textOpen     map[int]bool
	thinkingOpen map[int]bool
	toolCallID   map[int]string
	toolName     map[int]string
	textEmitted  map[int]*strings.Builder
}

func newEventTranslator() *eventTranslator {
	return &eventTranslator{
		textOpen:     make(map[int]bool),
		thinkingOpen: make(map[int]bool),
		toolCallID:   make(map[int]string),
		toolName:     make(map[int]string),
		textEmitted:  make(map[int]*strings.Builder),
	}
}

func (p *eventTranslator) handle(event sdk.MessageStreamEventUnion) []provider.Event {
	switch ev := event.AsAny().(type) {
	case sdk.ContentBlockStartEvent:
		idx := int(ev.Index)
		switch block := ev.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			p.toolCallID[idx] = block.ID
			p.toolName[idx] = block.Name
			return []provider.Event{{Type: provider.EventToolCallStart, CallID: block.ID, CallIndex: idx, Name: block.Name}}
		}
		return nil

	case sdk.ContentBlockDeltaEvent:
		idx := int(ev.Index)
		switch delta := ev.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if delta.Text == "" {
				return nil
			}
			var out []provider.Event
			if !p.textOpen[idx] {
				p.textOpen[idx] = true
				p.textEmitted[idx] = &strings.Builder{}
				out = append(out, provider.Event{Type: provider.EventTextStart})
			}
			p.textEmitted[idx].WriteString(delta.Text)
			out = append(out, provider.Event{Type: provider.EventTextDelta, Delta: delta.Text})
			return out
		case sdk.InputJSONDelta:
			if delta.PartialJSON == "" {
				return nil
			}
			return []provider.Event{{
				Type: provider.EventToolCallDelta, CallID: p.toolCallID[idx], CallIndex: idx,
				ArgsDelta: delta.PartialJSON,
			}}
		case sdk.ThinkingDelta:
			if delta.Thinking == "" {
				return nil
			}
			var out []provider.Event
			if !p.thinkingOpen[idx] {
				p.thinkingOpen[idx] = true
				out = append(out, provider.Event{Type: provider.EventThinkingStart})
			}
			out = append(out, provider.Event{Type: provider.EventThinkingDelta, Delta: delta.Thinking})
			return out
		}
		return nil

	case sdk.ContentBlockStopEvent:
		idx := int(ev.Index)
		var out []provider.Event
		if p.textOpen[idx] {
			delete(p.textOpen, idx)
			text := ""
			if b := p.textEmitted[idx]; b != nil {
				text = b.String()
			}
			delete(p.textEmitted, idx)
			out = append(out, provider.Event{Type: provider.EventTextDone, Text: text})
		}
		if p.thinkingOpen[idx] {
			delete(p.thinkingOpen, idx)
			out = append(out, provider.Event{Type: provider.EventThinkingDone})
		}
		if callID, ok := p.toolCallID[idx]; ok {
			name := p.toolName[idx]
			delete(p.toolCallID, idx)
			delete(p.toolName, idx)
			out = append(out, provider.Event{Type: provider.EventToolCallDone, CallID: callID, CallIndex: idx, Name: name})
		}
		return out

	case sdk.MessageDeltaEvent:
		usage := provider.Usage{
			PromptTokens:     int(ev.Usage.InputTokens),
			CompletionTokens: int(ev.Usage.OutputTokens),
			TotalTokens:      int(ev.Usage.InputTokens + ev.Usage.OutputTokens),
		}
		return []provider.Event{{Type: provider.EventUsage, Usage: &usage}}

	case sdk.MessageStopEvent:
		return []provider.Event{{Type: provider.EventResponseDone, StopReason: "end_turn"}}
	}
	return nil
}
