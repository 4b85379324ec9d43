// Package openai implements provider.Provider on top of OpenAI's Chat
// Completions API via github.com/openai/openai-go. Request shaping is
// grounded on the teacher's own features/model/openai package (same
// ChatClient-interface-over-concrete-SDK-client shape, same
// encodeTools/translateResponse split), ported from the teacher's
// non-streaming github.com/sashabaranov/go-openai client onto the
// official streaming SDK already in go.mod, since opal's agent loop
// needs incremental tuples rather than one-shot completions.
package openai

import (
	"context"
	"errors"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/ssestream"
	"github.com/openai/openai-go/shared"

	"github.com/opal-run/opal/provider"
)

// ChatClient captures the subset of the openai-go client the adapter
// needs, so tests can substitute a mock in place of
// client.Chat.Completions.
type ChatClient interface {
	NewStreaming(ctx context.Context, body openai.ChatCompletionNewParams, opts ...option.RequestOption) *ssestream.Stream[openai.ChatCompletionChunk]
}

// Options configures default behavior; per-request values in
// provider.Request take precedence.
type Options struct {
	MaxTokens   int
	Temperature float64
}

// Provider implements provider.Provider against OpenAI Chat Completions.
type Provider struct {
	chat   ChatClient
	maxTok int
	temp   float64
}

// New builds a Provider from an already-configured chat completions
// client.
func New(chat ChatClient, opts Options) (*Provider, error) {
	if chat == nil {
		return nil, errors.New("openai: chat client is required")
	}
	return &Provider{chat: chat, maxTok: opts.MaxTokens, temp: opts.Temperature}, nil
}

// NewFromAPIKey constructs a Provider using the default openai-go HTTP
// client configured from an explicit API key.
func NewFromAPIKey(apiKey string, opts Options) (*Provider, error) {
	if apiKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	client := openai.NewClient(option.WithAPIKey(apiKey))
	return New(&client.Chat.Completions, opts)
}

func (p *Provider) ConvertMessages(msgs []provider.Message) []provider.Message { return msgs }
func (p *Provider) ConvertTools(tools []provider.Tool) []provider.Tool         { return tools }

// Stream begins a Chat Completions streaming request and adapts it into
// opal's provider.Event tuple sequence.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (provider.StreamHandle, error) {
	params, err := p.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	stream := p.chat.NewStreaming(ctx, *params)
	if err := stream.Err(); err != nil {
		return nil, fmt.Errorf("openai: chat completions stream: %w", err)
	}
	return newStreamHandle(ctx, stream), nil
}

func (p *Provider) prepareRequest(req provider.Request) (*openai.ChatCompletionNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("openai: messages are required")
	}
	if req.Model == "" {
		return nil, errors.New("openai: model identifier is required")
	}
	messages, err := encodeMessages(req.SystemPrompt, req.Messages)
	if err != nil {
		return nil, err
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTok
	}
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(req.Model),
		Messages: messages,
		StreamOptions: openai.ChatCompletionStreamOptionsParam{
			IncludeUsage: openai.Bool(true),
		},
	}
	if maxTokens > 0 {
		params.MaxTokens = openai.Int(int64(maxTokens))
	}
	if p.temp > 0 {
		params.Temperature = openai.Float(p.temp)
	}
	if len(req.Tools) > 0 {
		params.Tools = encodeTools(req.Tools)
	}
	return &params, nil
}

// encodeMessages renders opal's per-role message sequence into OpenAI's
// flat chat message list: each role maps onto its own message (unlike
// Anthropic, Chat Completions has no content-block grouping constraint),
// with each tool_call message becoming one assistant message whose
// tool_calls field carries all of that message's calls.
func encodeMessages(systemPrompt string, msgs []provider.Message) ([]openai.ChatCompletionMessageParamUnion, error) {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(msgs)+1)
	if systemPrompt != "" {
		out = append(out, openai.SystemMessage(systemPrompt))
	}
	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Text != "" {
				out = append(out, openai.SystemMessage(m.Text))
			}
		case "user":
			out = append(out, openai.UserMessage(m.Text))
		case "assistant":
			if m.Text != "" {
				out = append(out, openai.AssistantMessage(m.Text))
			}
		case "tool_call":
			if len(m.ToolCalls) == 0 {
				continue
			}
			calls := make([]openai.ChatCompletionMessageToolCallParam, 0, len(m.ToolCalls))
			for _, tc := range m.ToolCalls {
				if tc.CallID == "" || tc.Name == "" {
					return nil, fmt.Errorf("openai: assistant tool call missing id or name")
				}
				calls = append(calls, openai.ChatCompletionMessageToolCallParam{
					ID: tc.CallID,
					Function: openai.ChatCompletionMessageToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Arguments),
					},
				})
			}
			assistant := openai.AssistantMessage(m.Text)
			if assistant.OfAssistant != nil {
				assistant.OfAssistant.ToolCalls = calls
			}
			out = append(out, assistant)
		case "tool_result":
			if m.CallID == "" {
				return nil, fmt.Errorf("openai: tool_result message missing call id")
			}
			out = append(out, openai.ToolMessage(m.Content, m.CallID))
		default:
			return nil, fmt.Errorf("openai: unsupported message role %q", m.Role)
		}
	}
	if len(out) == 0 {
		return nil, errors.New("openai: at least one message is required")
	}
	return out, nil
}

func encodeTools(defs []provider.Tool) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(defs))
	for _, def := range defs {
		params := shared.FunctionParameters{}
		for k, v := range def.Parameters {
			params[k] = v
		}
		out = append(out, openai.ChatCompletionToolParam{
			Function: shared.FunctionDefinitionParam{
				Name:        def.Name,
				Description: openai.String(def.Description),
				Parameters:  params,
			},
		})
	}
	return out
}
