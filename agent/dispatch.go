package agent

import (
	"encoding/json"
	"strings"

	"github.com/opal-run/opal/hooks"
	"github.com/opal-run/opal/provider"
)

// turnState holds the fields spec.md §3 calls "transient" on AgentState:
// accumulated text/thinking, in-flight tool-call assembly, and the
// status-tag extractor's carry-over buffer. It is reset at every turn
// boundary (beginRequest installs a fresh newTurnState).
type turnState struct {
	text      strings.Builder
	thinking  strings.Builder
	toolCalls []*partialToolCall
	// byKey indexes toolCalls for upsert by call_id/item_id/call_index, in
	// that priority order, per spec.md §4.2's tool_call_start contract.
	byKey map[string]*partialToolCall

	statusBuf    statusTagBuffer
	thinkingOpen bool
	textOpen     bool
}

// partialToolCall is the in-flight shape of a tool call while its
// arguments are still streaming in.
type partialToolCall struct {
	CallID        string
	ItemID        string
	CallIndex     int
	Name          string
	ArgumentsJSON strings.Builder
	Arguments     map[string]any
	done          bool
}

func newTurnState() *turnState {
	return &turnState{byKey: make(map[string]*partialToolCall)}
}

func toolKey(callID, itemID string, callIndex int) string {
	switch {
	case callID != "":
		return "c:" + callID
	case itemID != "":
		return "i:" + itemID
	default:
		return "x:" + itoa(callIndex)
	}
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var b [20]byte
	i := len(b)
	for n > 0 {
		i--
		b[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		b[i] = '-'
	}
	return string(b[i:])
}

// upsertToolCall finds or creates the partial tool call identified by the
// event's call_id/item_id/call_index, falling back to the most recently
// created incomplete call when no identifying field is present at all
// (spec.md §4.2's tool_call_delta fallback rule).
func (t *turnState) upsertToolCall(ev provider.Event) *partialToolCall {
	key := toolKey(ev.CallID, ev.ItemID, ev.CallIndex)
	if pc, ok := t.byKey[key]; ok {
		return pc
	}
	if ev.CallID == "" && ev.ItemID == "" {
		for i := len(t.toolCalls) - 1; i >= 0; i-- {
			if !t.toolCalls[i].done {
				return t.toolCalls[i]
			}
		}
	}
	pc := &partialToolCall{CallID: ev.CallID, ItemID: ev.ItemID, CallIndex: ev.CallIndex, Name: ev.Name}
	t.byKey[key] = pc
	t.toolCalls = append(t.toolCalls, pc)
	return pc
}

// finalToolCalls converts every partial tool call, finished or not, into
// the public ToolCall shape. Unfinished calls (a stream that ended before
// tool_call_done, e.g. on cancellation) still get their best-effort
// arguments so callers can decide what to do with them.
func (t *turnState) finalToolCalls() []ToolCall {
	out := make([]ToolCall, 0, len(t.toolCalls))
	for _, pc := range t.toolCalls {
		out = append(out, ToolCall{
			CallID:        pc.CallID,
			Name:          pc.Name,
			Arguments:     pc.Arguments,
			ArgumentsJSON: pc.ArgumentsJSON.String(),
			ItemID:        pc.ItemID,
			CallIndex:     pc.CallIndex,
		})
	}
	return out
}

// DispatchResult reports what Dispatch observed about this event, beyond the
// hooks.Events to publish: whether the stream has terminated and, if so,
// whether it ended in error and what the error text was.
type DispatchResult struct {
	Terminal   bool
	Errored    bool
	ErrorText  string
	StopReason string
}

// Dispatch applies one provider event tuple to turn, per spec.md §4.2,
// returning any hooks.Events to broadcast and whether the stream has
// reached a terminal tuple. sessionID stamps every emitted event.
func Dispatch(turn *turnState, sessionID string, ev provider.Event) ([]hooks.Event, DispatchResult) {
	switch ev.Type {
	case provider.EventTextStart:
		turn.textOpen = true
		return []hooks.Event{{Type: hooks.EventMessageStart, SessionID: sessionID}}, DispatchResult{}

	case provider.EventTextDelta:
		clean, statuses := turn.statusBuf.feed(ev.Delta)
		var out []hooks.Event
		if clean != "" {
			turn.text.WriteString(clean)
			out = append(out, hooks.Event{Type: hooks.EventMessageDelta, SessionID: sessionID, Delta: clean})
		}
		for _, s := range statuses {
			out = append(out, hooks.Event{Type: hooks.EventStatusUpdate, SessionID: sessionID, Message: s})
		}
		return out, DispatchResult{}

	case provider.EventTextDone:
		turn.text.Reset()
		turn.text.WriteString(ev.Text)
		return nil, DispatchResult{}

	case provider.EventThinkingStart:
		turn.thinkingOpen = true
		return []hooks.Event{{Type: hooks.EventThinkingStart, SessionID: sessionID}}, DispatchResult{}

	case provider.EventThinkingDelta:
		var out []hooks.Event
		if !turn.thinkingOpen {
			turn.thinkingOpen = true
			out = append(out, hooks.Event{Type: hooks.EventThinkingStart, SessionID: sessionID})
		}
		turn.thinking.WriteString(ev.Delta)
		out = append(out, hooks.Event{Type: hooks.EventThinkingDelta, SessionID: sessionID, Delta: ev.Delta})
		return out, DispatchResult{}

	case provider.EventThinkingDone:
		return nil, DispatchResult{}

	case provider.EventToolCallStart:
		turn.upsertToolCall(ev)
		return nil, DispatchResult{}

	case provider.EventToolCallDelta:
		pc := turn.upsertToolCall(ev)
		pc.ArgumentsJSON.WriteString(ev.ArgsDelta)
		return nil, DispatchResult{}

	case provider.EventToolCallDone:
		pc := turn.upsertToolCall(ev)
		pc.done = true
		if len(ev.Arguments) > 0 {
			var args map[string]any
			if err := json.Unmarshal(ev.Arguments, &args); err == nil {
				pc.Arguments = args
			}
		} else {
			raw := pc.ArgumentsJSON.String()
			var args map[string]any
			if err := json.Unmarshal([]byte(raw), &args); err == nil {
				pc.Arguments = args
			} else {
				pc.Arguments = map[string]any{}
			}
		}
		return nil, DispatchResult{}

	case provider.EventUsage, provider.EventResponseDone:
		var out []hooks.Event
		if ev.Usage != nil {
			out = append(out, hooks.Event{
				Type:      hooks.EventUsageUpdate,
				SessionID: sessionID,
				UsageSnapshot: snapshotFrom(ev.Usage),
			})
		}
		if ev.Type == provider.EventResponseDone {
			return out, DispatchResult{Terminal: true, StopReason: ev.StopReason}
		}
		return out, DispatchResult{}

	case provider.EventError:
		return []hooks.Event{}, DispatchResult{Terminal: true, Errored: true, ErrorText: ev.ErrorText}

	default:
		return nil, DispatchResult{}
	}
}

func snapshotFrom(u *provider.Usage) Usage {
	return Usage{PromptTokens: u.PromptTokens, CompletionTokens: u.CompletionTokens, TotalTokens: u.TotalTokens}
}
