// Package bedrock implements provider.Provider on top of the AWS Bedrock
// Converse/ConverseStream API via github.com/aws/aws-sdk-go-v2's
// bedrockruntime service client. Request shaping (message/tool encoding,
// tool name sanitization, thinking/reasoning config) is grounded on the
// teacher's own features/model/bedrock package; this adapter keeps its
// sanitizeToolName and document-encoding helpers and drops the
// ledger-rehydration/caching/Nova-specific policy knobs the teacher's
// multi-tenant runtime needed but a single-session coding agent does not.
package bedrock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/document"
	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/opal-run/opal/provider"
)

// RuntimeClient captures the subset of the Bedrock runtime client the
// adapter needs.
type RuntimeClient interface {
	ConverseStream(ctx context.Context, params *bedrockruntime.ConverseStreamInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.ConverseStreamOutput, error)
}

// Options configures default behavior; per-request values in
// provider.Request take precedence.
type Options struct {
	MaxTokens      int
	Temperature    float32
	ThinkingBudget int
}

// Provider implements provider.Provider against AWS Bedrock Converse.
type Provider struct {
	runtime RuntimeClient
	maxTok  int
	temp    float32
	think   int
}

// New builds a Provider from an already-configured Bedrock runtime
// client.
func New(runtime RuntimeClient, opts Options) (*Provider, error) {
	if runtime == nil {
		return nil, errors.New("bedrock: runtime client is required")
	}
	return &Provider{runtime: runtime, maxTok: opts.MaxTokens, temp: opts.Temperature, think: opts.ThinkingBudget}, nil
}

func (p *Provider) ConvertMessages(msgs []provider.Message) []provider.Message { return msgs }
func (p *Provider) ConvertTools(tools []provider.Tool) []provider.Tool         { return tools }

// Stream invokes ConverseStream and adapts incremental events into opal's
// provider.Event tuple sequence.
func (p *Provider) Stream(ctx context.Context, req provider.Request) (provider.StreamHandle, error) {
	input, nameMap, err := p.prepareRequest(req)
	if err != nil {
		return nil, err
	}
	out, err := p.runtime.ConverseStream(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("bedrock: converse stream: %w", err)
	}
	stream := out.GetStream()
	if stream == nil {
		return nil, errors.New("bedrock: stream output missing event stream")
	}
	return newStreamHandle(ctx, stream, nameMap), nil
}

func (p *Provider) prepareRequest(req provider.Request) (*bedrockruntime.ConverseStreamInput, map[string]string, error) {
	if len(req.Messages) == 0 {
		return nil, nil, errors.New("bedrock: messages are required")
	}
	if req.Model == "" {
		return nil, nil, errors.New("bedrock: model identifier is required")
	}
	toolConfig, canonToSan, sanToCanon, err := encodeTools(req.Tools)
	if err != nil {
		return nil, nil, err
	}
	messages, system, err := encodeMessages(req.Messages, canonToSan)
	if err != nil {
		return nil, nil, err
	}
	input := &bedrockruntime.ConverseStreamInput{
		ModelId:  aws.String(req.Model),
		Messages: messages,
	}
	if len(system) > 0 {
		input.System = system
	}
	if toolConfig != nil {
		input.ToolConfig = toolConfig
	}
	var cfg brtypes.InferenceConfiguration
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = p.maxTok
	}
	if maxTokens > 0 {
		cfg.MaxTokens = aws.Int32(int32(maxTokens))
	}
	if p.temp > 0 {
		cfg.Temperature = aws.Float32(p.temp)
	}
	if cfg.MaxTokens != nil || cfg.Temperature != nil {
		input.InferenceConfig = &cfg
	}
	if budget := p.thinkingBudget(req.ThinkingLevel); budget > 0 {
		fields := map[string]any{
			"thinking": map[string]any{"type": "enabled", "budget_tokens": budget},
		}
		input.AdditionalModelRequestFields = document.NewLazyDocument(&fields)
	}
	return input, sanToCanon, nil
}

func (p *Provider) thinkingBudget(level string) int {
	switch level {
	case "off", "":
		return 0
	default:
		if p.think > 0 {
			return p.think
		}
		return 16384
	}
}

func encodeMessages(msgs []provider.Message, nameMap map[string]string) ([]brtypes.Message, []brtypes.SystemContentBlock, error) {
	conversation := make([]brtypes.Message, 0, len(msgs))
	system := make([]brtypes.SystemContentBlock, 0, len(msgs))

	var assistantBlocks, userBlocks []brtypes.ContentBlock
	flushAssistant := func() {
		if len(assistantBlocks) > 0 {
			conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleAssistant, Content: assistantBlocks})
			assistantBlocks = nil
		}
	}
	flushUser := func() {
		if len(userBlocks) > 0 {
			conversation = append(conversation, brtypes.Message{Role: brtypes.ConversationRoleUser, Content: userBlocks})
			userBlocks = nil
		}
	}

	for _, m := range msgs {
		switch m.Role {
		case "system":
			if m.Text != "" {
				system = append(system, &brtypes.SystemContentBlockMemberText{Value: m.Text})
			}
		case "user":
			flushAssistant()
			if m.Text != "" {
				userBlocks = append(userBlocks, &brtypes.ContentBlockMemberText{Value: m.Text})
			}
			flushUser()
		case "assistant", "tool_call":
			flushUser()
			if m.Text != "" {
				assistantBlocks = append(assistantBlocks, &brtypes.ContentBlockMemberText{Value: m.Text})
			}
			for _, tc := range m.ToolCalls {
				if tc.CallID == "" || tc.Name == "" {
					return nil, nil, fmt.Errorf("bedrock: assistant tool call missing id or name")
				}
				sanitized, ok := nameMap[tc.Name]
				if !ok {
					return nil, nil, fmt.Errorf("bedrock: tool call references %q which is not in the current tool configuration", tc.Name)
				}
				assistantBlocks = append(assistantBlocks, &brtypes.ContentBlockMemberToolUse{Value: brtypes.ToolUseBlock{
					ToolUseId: aws.String(tc.CallID),
					Name:      aws.String(sanitized),
					Input:     toDocument(tc.Arguments),
				}})
			}
		case "tool_result":
			flushAssistant()
			if m.CallID == "" {
				return nil, nil, fmt.Errorf("bedrock: tool_result message missing call id")
			}
			userBlocks = append(userBlocks, &brtypes.ContentBlockMemberToolResult{Value: brtypes.ToolResultBlock{
				ToolUseId: aws.String(m.CallID),
				Content:   []brtypes.ToolResultContentBlock{&brtypes.ToolResultContentBlockMemberText{Value: m.Content}},
			}})
		default:
			return nil, nil, fmt.Errorf("bedrock: unsupported message role %q", m.Role)
		}
	}
	flushAssistant()
	flushUser()

	if len(conversation) == 0 {
		return nil, nil, errors.New("bedrock: at least one user/assistant message is required")
	}
	return conversation, system, nil
}

func encodeTools(defs []provider.Tool) (*brtypes.ToolConfiguration, map[string]string, map[string]string, error) {
	if len(defs) == 0 {
		return nil, nil, nil, nil
	}
	toolList := make([]brtypes.Tool, 0, len(defs))
	canonToSan := make(map[string]string, len(defs))
	sanToCanon := make(map[string]string, len(defs))
	for _, def := range defs {
		sanitized := sanitizeToolName(def.Name)
		if prev, ok := sanToCanon[sanitized]; ok && prev != def.Name {
			return nil, nil, nil, fmt.Errorf("bedrock: tool name %q sanitizes to %q which collides with %q", def.Name, sanitized, prev)
		}
		sanToCanon[sanitized] = def.Name
		canonToSan[def.Name] = sanitized
		toolList = append(toolList, &brtypes.ToolMemberToolSpec{Value: brtypes.ToolSpecification{
			Name:        aws.String(sanitized),
			Description: aws.String(def.Description),
			InputSchema: &brtypes.ToolInputSchemaMemberJson{Value: toDocument(marshalParams(def.Parameters))},
		}})
	}
	return &brtypes.ToolConfiguration{Tools: toolList}, canonToSan, sanToCanon, nil
}

// sanitizeToolName maps a canonical tool identifier to Bedrock's allowed
// [a-zA-Z0-9_-]+ character set, exactly the teacher's own fast-path
// allowed-rune scan minus the 64-char hash-suffix truncation opal's
// short, flat tool names never approach.
func sanitizeToolName(in string) string {
	out := make([]rune, 0, len(in))
	for _, r := range in {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			out = append(out, r)
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}

func marshalParams(params map[string]any) json.RawMessage {
	if len(params) == 0 {
		return json.RawMessage(`{"type":"object"}`)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{"type":"object"}`)
	}
	return data
}

func toDocument(raw json.RawMessage) document.Interface {
	if len(raw) == 0 {
		v := map[string]any{"type": "object"}
		return document.NewLazyDocument(&v)
	}
	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		v := map[string]any{"type": "object"}
		return document.NewLazyDocument(&v)
	}
	return document.NewLazyDocument(&decoded)
}
