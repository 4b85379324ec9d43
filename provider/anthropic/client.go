// Package anthropic implements provider.Provider on top of Anthropic's
// Claude Messages API via github.com/anthropics/anthropic-sdk-go. Request
// shaping (message/tool encoding, thinking budgets, tool-choice mapping)
// and the streaming adapter are grounded on the teacher's own
// features/model/anthropic package, trimmed from its two-layer
// model.Chunk/model.Streamer abstraction down to opal's single
// provider.Event tuple stream.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/opal-run/opal/provider"
)

// MessagesClient captures the subset of the Anthropic SDK client the
// adapter needs, so tests can substitute a mock in place of
// *sdk.MessageService.
type MessagesClient interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Options configures optional default behavior. Per-request values in
// provider.Request always take precedence.
type Options struct {
	// MaxTokens is the completion cap used when a Request does not set
	// MaxTokens.
	MaxTokens int
	// Temperature is used for every request; Anthropic has no per-request
	// override in provider.Request.
	Temperature float64
	// ThinkingBudgets maps agent.ThinkingLevel values ("low", "medium",
	// "high", "max") to a thinking token budget. "off" and unrecognized
	// levels disable extended thinking.
	ThinkingBudgets map[string]int64
}

// DefaultThinkingBudgets mirrors the budget tiers opal's agent loop offers
// operators, tuned so "low" clears Anthropic's 1024-token floor.
var DefaultThinkingBudgets = map[string]int64{
	"low":    2048,
	"medium": 8192,
	"high":   24576,
	"max":    61440,
}

// Provider implements provider.Provider against Anthropic Claude Messages.
type Provider struct {
	msg    MessagesClient
	maxTok int
	temp   float64
	budget map[string]int64
}

// New builds a Provider from an already-configured Anthropic client.
func New(msg MessagesClient, opts Options) (*Provider, error) {
	if msg == nil {
		return nil, errors.New("anthropic: messages client is required")
	}
	budgets := opts.ThinkingBudgets
	if budgets == nil {
		budgets = DefaultThinkingBudgets
	}
	return &Provider{msg: msg, maxTok: opts.MaxTokens, temp: opts.Temperature, budget: budgets}, nil
}

// NewFromAPIKey constructs a Provider using the default Anthropic HTTP
// client configured from an explicit API key.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(apiKey))
	return New(&ac.Messages, opts)
}

func (p *Provider) ConvertMessages(msgs []provider.Message) []provider.Message { return msgs }
func (p *Provider) ConvertTools(tools []provider.Tool) []provider.Tool         { return tools }

// Stream begins a Messages streaming request and adapts it into opal's
// provider.Event tuple sequence.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (provider.StreamHandle, error) {
	params, err := p.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := p.msg.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("anthropic: messages.new stream: %w", err)
	}
	return newStreamHandle(ctx, stream), nil
}

func (p *Provider) prepareRequest(req provider.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("anthropic: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("anthropic: model identifier is required")
	}
	msgs, err := encodeMessages(req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTok
	}
	if maxTokens <= 0 {
		return nil, errors.New("anthropic: max_tokens must be positive")
	}
	params := sdk.MessageNewParams{
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
		Model:     sdk.Model(req.Model),
	}
	if req.SystemPrompt != "" {
		params.System = []sdk.TextBlockParam{{Text: req.SystemPrompt}}
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	if p.temp > 0 {
		params.Temperature = sdk.Float(p.temp)
	}
	if budget, ok := p.budget[req.ThinkingLevel]; ok && budget > 0 {
		if budget >= int64(maxTokens) {
			return nil, fmt.Errorf("anthropic: thinking budget %d must be less than max_tokens %d", budget, maxTokens)
		}
		params.Thinking = sdk.ThinkingConfigParamOfEnabled(budget)
	}
	return &params, nil
}

// encodeMessages groups opal's per-role message sequence (system, user,
// assistant, tool_call, tool_result) into Anthropic's alternating
// user/assistant turns: a run of assistant/tool_call messages becomes one
// assistant message with a text block plus one tool_use block per call; a
// run of tool_result messages becomes one user message with one
// tool_result block per call.
func encodeMessages(msgs []provider.Message) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(msgs))

	var assistantBlocks []sdk.ContentBlockParamUnion
	var userBlocks []sdk.ContentBlockParamUnion

	flushAssistant := func() {
		if len(assistantBlocks) > 0 {
			out = append(out, sdk.NewAssistantMessage(assistantBlocks...))
			assistantBlocks = nil
		}
	}
	flushUser := func() {
		if len(userBlocks) > 0 {
			out = append(out, sdk.NewUserMessage(userBlocks...))
			userBlocks = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case "system":
			continue
		case "user":
			flushAssistant()
			if m.Text != "" {
				userBlocks = append(userBlocks, sdk.NewTextBlock(m.Text))
			}
			flushUser()
		case "assistant", "tool_call":
			flushUser()
			if m.Text != "" {
				assistantBlocks = append(assistantBlocks, sdk.NewTextBlock(m.Text))
			}
			for _, tc := range m.ToolCalls {
				if tc.CallID == "" || tc.Name == "" {
					return nil, fmt.Errorf("anthropic: assistant tool call missing id or name")
				}
				var input any = json.RawMessage(tc.Arguments)
				assistantBlocks = append(assistantBlocks, sdk.NewToolUseBlock(tc.CallID, input, tc.Name))
			}
		case "tool_result":
			flushAssistant()
			if m.CallID == "" {
				return nil, fmt.Errorf("anthropic: tool_result message missing call id")
			}
			userBlocks = append(userBlocks, sdk.NewToolResultBlock(m.CallID, m.Content, false))
		default:
			return nil, fmt.Errorf("anthropic: unsupported message role %q", m.Role)
		}
	}
	flushAssistant()
	flushUser()

	if len(out) == 0 {
		return nil, errors.New("anthropic: at least one user/assistant message is required")
	}
	return out, nil
}

func encodeTools(defs []provider.Tool) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if len(def.Parameters) > 0 {
			schema.ExtraFields = def.Parameters
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}
