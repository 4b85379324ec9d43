// Package provider defines the interface opal's stream dispatcher consumes
// (spec.md §6's "Provider interface (consumed)"), independent of any
// specific LLM vendor's wire format. Concrete adapters for Anthropic,
// OpenAI, and Bedrock live in the provider/anthropic, provider/openai, and
// provider/bedrock subpackages; provider/fake offers a deterministic test
// double satisfying the same interface.
//
// Types grounded on goa-ai's runtime/agent/model package (typed Chunk
// union with a Type discriminator, a Client interface with
// Complete/Stream), trimmed to the subset the agent loop's dispatcher
// needs and renamed to match spec.md's "provider event tuple" vocabulary.
package provider

import (
	"context"
	"encoding/json"
)

// EventType discriminates the provider event tuple union, naming every
// tuple type enumerated in spec.md §4.2.
type EventType string

const (
	EventTextStart      EventType = "text_start"
	EventTextDelta      EventType = "text_delta"
	EventTextDone       EventType = "text_done"
	EventThinkingStart  EventType = "thinking_start"
	EventThinkingDelta  EventType = "thinking_delta"
	EventThinkingDone   EventType = "thinking_done"
	EventToolCallStart  EventType = "tool_call_start"
	EventToolCallDelta  EventType = "tool_call_delta"
	EventToolCallDone   EventType = "tool_call_done"
	EventUsage          EventType = "usage"
	EventResponseDone   EventType = "response_done"
	EventError          EventType = "error"
)

// Usage reports token consumption for a request, mirrored from the
// provider's own accounting (see agent.Usage for opal's session-level
// accumulation built on top of this).
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Event is one tuple in the stream a provider hands back from Stream. Only
// the fields relevant to Type are populated.
type Event struct {
	Type EventType

	// text_delta / thinking_delta
	Delta string

	// text_done
	Text string

	// tool_call_start / tool_call_delta / tool_call_done
	CallID    string
	ItemID    string
	CallIndex int
	Name      string
	ArgsDelta string
	Arguments json.RawMessage

	// usage / response_done (inline usage)
	Usage *Usage

	// response_done
	StopReason string

	// error
	ErrorText string
}

// Tool is the provider-agnostic shape of a tool definition offered to the
// model for a single request.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Message is the provider-agnostic shape of one transcript entry sent to
// Stream; it is produced from agent.Message by ConvertMessages.
type Message struct {
	Role      string
	Text      string
	Thinking  string
	ToolCalls []ToolCallWire
	CallID    string
	Name      string
	Content   string
}

// ToolCallWire is the wire shape of an assistant tool call within a
// Message.
type ToolCallWire struct {
	CallID    string
	Name      string
	Arguments json.RawMessage
}

// StreamHandle is the live handle to an in-flight streaming request.
// Events arrives events in provider-emission order and is closed when the
// stream terminates (after a response_done or error tuple). Cancel stops
// the underlying transport; it is safe to call multiple times and safe to
// call after the stream has already terminated.
type StreamHandle interface {
	Events() <-chan Event
	Cancel()
}

// Provider is the interface the agent loop's stream dispatcher consumes.
// Concrete adapters translate this onto a vendor SDK or raw HTTP/SSE
// transport; opal's core treats both identically once wrapped.
type Provider interface {
	// Stream begins a streaming request and returns a handle to the event
	// tuple sequence, or an error if the request could not be started at
	// all (a malformed request, say — mid-stream failures surface as an
	// EventError tuple instead).
	Stream(ctx context.Context, req Request) (StreamHandle, error)

	// ConvertMessages shape-adapts a provider-agnostic message to this
	// provider's wire format.
	ConvertMessages(msgs []Message) []Message

	// ConvertTools shape-adapts tool definitions to this provider's wire
	// format (most providers pass them through unchanged; the hook exists
	// for providers with incompatible schema dialects).
	ConvertTools(tools []Tool) []Tool
}

// Request captures one Stream invocation's inputs.
type Request struct {
	Model         string
	ThinkingLevel string
	SystemPrompt  string
	Messages      []Message
	Tools         []Tool
	MaxTokens     int
}

// ParseSSELine parses one `data: ...` line of an SSE response into zero or
// more Event tuples. Providers whose transport is SSE rather than a native
// event channel use this helper inside their StreamHandle implementation;
// it is provided here so every adapter shares one parsing contract instead
// of reimplementing ad hoc splitting.
//
// A line is expected to already have any "data: " prefix stripped. Blank
// lines (SSE frame separators) and "[DONE]" sentinels parse to zero
// events, not an error.
func ParseSSELine(line []byte) ([]Event, error) {
	trimmed := trimSpace(line)
	if len(trimmed) == 0 || string(trimmed) == "[DONE]" {
		return nil, nil
	}
	var ev Event
	if err := json.Unmarshal(trimmed, &ev); err != nil {
		return nil, err
	}
	return []Event{ev}, nil
}

func trimSpace(b []byte) []byte {
	start, end := 0, len(b)
	for start < end && isSpace(b[start]) {
		start++
	}
	for end > start && isSpace(b[end-1]) {
		end--
	}
	return b[start:end]
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\r' || c == '\n'
}
