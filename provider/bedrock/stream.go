package bedrock

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/opal-run/opal/provider"
)

// streamHandle adapts a Bedrock ConverseStream event channel into opal's
// provider.StreamHandle, grounded on the teacher's bedrockStreamer.run —
// same read-channel-until-closed loop over the SDK's event stream — but
// emitting provider.Event tuples directly instead of an intermediate
// model.Chunk.
type streamHandle struct {
	events chan provider.Event
	cancel context.CancelFunc
}

func newStreamHandle(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) *streamHandle {
	cctx, cancel := context.WithCancel(ctx)
	h := &streamHandle{events: make(chan provider.Event, 32), cancel: cancel}
	go h.run(cctx, stream, nameMap)
	return h
}

func (h *streamHandle) Events() <-chan provider.Event { return h.events }
func (h *streamHandle) Cancel()                       { h.cancel() }

func (h *streamHandle) run(ctx context.Context, stream *bedrockruntime.ConverseStreamEventStream, nameMap map[string]string) {
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
	reasoningOpen := false
	toolNames := make(map[int]string)
	toolIDs := make(map[int]string)
	events := stream.Events()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-events:
			if !ok {
				if err := stream.Err(); err != nil {
					send(provider.Event{Type: provider.EventError, ErrorText: err.Error()})
				}
				return
			}
			switch ev := event.(type) {
			case *brtypes.ConverseStreamOutputMemberContentBlockStart:
				idx := int(ev.Value.ContentBlockIndex)
				if start, ok := ev.Value.Start.(*brtypes.ContentBlockStartMemberToolUse); ok {
					name := ""
					if start.Value.Name != nil {
						raw := *start.Value.Name
						if canonical, ok := nameMap[raw]; ok {
							name = canonical
						} else {
							name = raw
						}
					}
					id := ""
					if start.Value.ToolUseId != nil {
						id = *start.Value.ToolUseId
					}
					toolNames[idx] = name
					toolIDs[idx] = id
					if !send(provider.Event{Type: provider.EventToolCallStart, CallID: id, CallIndex: idx, Name: name}) {
						return
					}
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
				idx := int(ev.Value.ContentBlockIndex)
				switch delta := ev.Value.Delta.(type) {
				case *brtypes.ContentBlockDeltaMemberText:
					if delta.Value == "" {
						continue
					}
					if !textOpen {
						textOpen = true
						if !send(provider.Event{Type: provider.EventTextStart}) {
							return
						}
					}
					if !send(provider.Event{Type: provider.EventTextDelta, Delta: delta.Value}) {
						return
					}
				case *brtypes.ContentBlockDeltaMemberToolUse:
					if delta.Value.Input == nil || *delta.Value.Input == "" {
						continue
					}
					if !send(provider.Event{Type: provider.EventToolCallDelta, CallID: toolIDs[idx], CallIndex: idx, ArgsDelta: *delta.Value.Input}) {
						return
					}
				case *brtypes.ContentBlockDeltaMemberReasoningContent:
					text := reasoningDeltaText(delta.Value)
					if text == "" {
						continue
					}
					if !reasoningOpen {
						reasoningOpen = true
						if !send(provider.Event{Type: provider.EventThinkingStart}) {
							return
						}
					}
					if !send(provider.Event{Type: provider.EventThinkingDelta, Delta: text}) {
						return
					}
				}

			case *brtypes.ConverseStreamOutputMemberContentBlockStop:
				idx := int(ev.Value.ContentBlockIndex)
				if name, ok := toolNames[idx]; ok {
					id := toolIDs[idx]
					delete(toolNames, idx)
					delete(toolIDs, idx)
					if !send(provider.Event{Type: provider.EventToolCallDone, CallID: id, CallIndex: idx, Name: name}) {
						return
					}
				}

			case *brtypes.ConverseStreamOutputMemberMessageStop:
				if textOpen {
					textOpen = false
					if !send(provider.Event{Type: provider.EventTextDone}) {
						return
					}
				}
				if reasoningOpen {
					reasoningOpen = false
					if !send(provider.Event{Type: provider.EventThinkingDone}) {
						return
					}
				}
				if !send(provider.Event{Type: provider.EventResponseDone, StopReason: string(ev.Value.StopReason)}) {
					return
				}

			case *brtypes.ConverseStreamOutputMemberMetadata:
				if u := ev.Value.Usage; u != nil {
					usage := provider.Usage{
						PromptTokens:     int(ptrValue(u.InputTokens)),
						CompletionTokens: int(ptrValue(u.OutputTokens)),
						TotalTokens:      int(ptrValue(u.TotalTokens)),
					}
					if !send(provider.Event{Type: provider.EventUsage, Usage: &usage}) {
						return
					}
				}
			}
		}
	}
}

func reasoningDeltaText(delta brtypes.ReasoningContentBlockDelta) string {
	switch v := delta.(type) {
	case *brtypes.ReasoningContentBlockDeltaMemberText:
		return v.Value
	default:
		return ""
	}
}

func ptrValue(p *int32) int32 {
	if p == nil {
		return 0
	}
	return *p
}
