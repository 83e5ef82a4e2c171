package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/tmc/langchaingo/llms"
)

// AnthropicProvider drives the Reasoning Agent loop directly against
// Claude's native tool-calling API (spec §4.10, the default provider).
type AnthropicProvider struct {
	client anthropic.Client
	model  anthropic.Model
	maxTok int64
}

// NewAnthropicProvider constructs a Provider from an API key. model defaults
// to Claude Sonnet when empty.
func NewAnthropicProvider(apiKey string, model anthropic.Model, maxTokens int64) *AnthropicProvider {
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_5
	}
	if maxTokens == 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
		maxTok: maxTokens,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool) (Response, error) {
	anthropicMessages, err := toAnthropicMessages(messages)
	if err != nil {
		return Response{}, fmt.Errorf("anthropic: translate transcript: %w", err)
	}

	msg, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     p.model,
		MaxTokens: p.maxTok,
		Messages:  anthropicMessages,
		Tools:     toAnthropicTools(tools),
	})
	if err != nil {
		return Response{}, fmt.Errorf("anthropic: messages.new: %w", err)
	}
	return fromAnthropicMessage(msg), nil
}

func toAnthropicTools(tools []llms.Tool) []anthropic.ToolUnionParam {
	out := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		out = append(out, anthropic.ToolUnionParamOfTool(
			anthropic.ToolInputSchemaParam{Properties: t.Function.Parameters},
			t.Function.Name,
		))
	}
	return out
}

func toAnthropicMessages(messages []llms.MessageContent) ([]anthropic.MessageParam, error) {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case llms.TextContent:
				blocks = append(blocks, anthropic.NewTextBlock(v.Text))
			case llms.ToolCall:
				var input any
				if v.FunctionCall != nil {
					if err := json.Unmarshal([]byte(v.FunctionCall.Arguments), &input); err != nil {
						return nil, fmt.Errorf("unmarshal tool call arguments for %s: %w", v.FunctionCall.Name, err)
					}
					blocks = append(blocks, anthropic.NewToolUseBlock(v.ID, input, v.FunctionCall.Name))
				}
			case llms.ToolCallResponse:
				blocks = append(blocks, anthropic.NewToolResultBlock(v.ToolCallID, v.Content, false))
			}
		}
		switch m.Role {
		case llms.ChatMessageTypeHuman, llms.ChatMessageTypeTool:
			out = append(out, anthropic.NewUserMessage(blocks...))
		default:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		}
	}
	return out, nil
}

func fromAnthropicMessage(msg *anthropic.Message) Response {
	resp := Response{StopReason: string(msg.StopReason)}
	for _, block := range msg.Content {
		switch v := block.AsAny().(type) {
		case anthropic.TextBlock:
			resp.Content += v.Text
		case anthropic.ToolUseBlock:
			args, _ := json.Marshal(v.Input)
			resp.ToolCalls = append(resp.ToolCalls, llms.ToolCall{
				ID:   v.ID,
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      v.Name,
					Arguments: string(args),
				},
			})
		}
	}
	return resp
}
