package llm

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"
	"github.com/tmc/langchaingo/llms"
)

// BedrockProvider drives the Reasoning Agent loop against AWS Bedrock's
// model-agnostic Converse API, for operators who route model traffic
// through Bedrock rather than calling Anthropic directly (spec §4.10).
type BedrockProvider struct {
	client  *bedrockruntime.Client
	modelID string
}

// NewBedrockProvider constructs a Provider against an already-configured
// Bedrock runtime client.
func NewBedrockProvider(client *bedrockruntime.Client, modelID string) *BedrockProvider {
	return &BedrockProvider{client: client, modelID: modelID}
}

func (p *BedrockProvider) Complete(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool) (Response, error) {
	converseMessages, err := toConverseMessages(messages)
	if err != nil {
		return Response{}, fmt.Errorf("bedrock: translate transcript: %w", err)
	}

	out, err := p.client.Converse(ctx, &bedrockruntime.ConverseInput{
		ModelId:    aws.String(p.modelID),
		Messages:   converseMessages,
		ToolConfig: toConverseToolConfig(tools),
	})
	if err != nil {
		return Response{}, fmt.Errorf("bedrock: converse: %w", err)
	}
	return fromConverseOutput(out)
}

func toConverseToolConfig(tools []llms.Tool) *types.ToolConfiguration {
	if len(tools) == 0 {
		return nil
	}
	specs := make([]types.Tool, 0, len(tools))
	for _, t := range tools {
		if t.Function == nil {
			continue
		}
		schema, err := json.Marshal(t.Function.Parameters)
		if err != nil {
			continue
		}
		specs = append(specs, &types.ToolMemberToolSpec{
			Value: types.ToolSpecification{
				Name:        aws.String(t.Function.Name),
				Description: aws.String(t.Function.Description),
				InputSchema: &types.ToolInputSchemaMemberJson{
					Value: document(schema),
				},
			},
		})
	}
	return &types.ToolConfiguration{Tools: specs}
}

// document wraps a raw JSON schema payload as a Bedrock smithy document.
func document(raw []byte) bedrockDocument {
	return bedrockDocument{raw: raw}
}

// bedrockDocument satisfies the smithydocument.Marshaler contract the
// Bedrock SDK expects for ToolInputSchemaMemberJson's Value field.
type bedrockDocument struct{ raw []byte }

func (d bedrockDocument) MarshalSmithyDocument() ([]byte, error) { return d.raw, nil }

// UnmarshalSmithyDocument decodes the wrapped raw JSON into v. bedrockDocument
// is only ever constructed on the outgoing request path (document(), above);
// this exists so the type fully satisfies smithy-go's document.Interface, not
// because a real response value is ever a bedrockDocument — see
// fromConverseOutput, which decodes the SDK's own response document type
// instead.
func (d bedrockDocument) UnmarshalSmithyDocument(v any) error {
	return json.Unmarshal(d.raw, v)
}

// smithyDocument is the decode half of smithy-go's document.Interface
// (github.com/aws/smithy-go/document). The Bedrock SDK constructs its own
// response-side document implementation for ToolUseBlock.Input on a real
// Converse response; it is never a bedrockDocument; bedrockDocument only ever
// appears on the outgoing request path built in this file.
type smithyDocument interface {
	UnmarshalSmithyDocument(v any) error
}

func toConverseMessages(messages []llms.MessageContent) ([]types.Message, error) {
	out := make([]types.Message, 0, len(messages))
	for _, m := range messages {
		blocks := make([]types.ContentBlock, 0, len(m.Parts))
		for _, part := range m.Parts {
			switch v := part.(type) {
			case llms.TextContent:
				blocks = append(blocks, &types.ContentBlockMemberText{Value: v.Text})
			case llms.ToolCall:
				if v.FunctionCall == nil {
					continue
				}
				var input any
				if err := json.Unmarshal([]byte(v.FunctionCall.Arguments), &input); err != nil {
					return nil, fmt.Errorf("unmarshal tool call arguments for %s: %w", v.FunctionCall.Name, err)
				}
				argsRaw, _ := json.Marshal(input)
				blocks = append(blocks, &types.ContentBlockMemberToolUse{
					Value: types.ToolUseBlock{
						ToolUseId: aws.String(v.ID),
						Name:      aws.String(v.FunctionCall.Name),
						Input:     document(argsRaw),
					},
				})
			case llms.ToolCallResponse:
				blocks = append(blocks, &types.ContentBlockMemberToolResult{
					Value: types.ToolResultBlock{
						ToolUseId: aws.String(v.ToolCallID),
						Content: []types.ToolResultContentBlock{
							&types.ToolResultContentBlockMemberText{Value: v.Content},
						},
					},
				})
			}
		}
		role := types.ConversationRoleAssistant
		if m.Role == llms.ChatMessageTypeHuman || m.Role == llms.ChatMessageTypeTool {
			role = types.ConversationRoleUser
		}
		out = append(out, types.Message{Role: role, Content: blocks})
	}
	return out, nil
}

func fromConverseOutput(out *bedrockruntime.ConverseOutput) (Response, error) {
	msgOutput, ok := out.Output.(*types.ConverseOutputMemberMessage)
	if !ok {
		return Response{}, fmt.Errorf("bedrock: unexpected converse output type %T", out.Output)
	}

	resp := Response{StopReason: string(out.StopReason)}
	for _, block := range msgOutput.Value.Content {
		switch v := block.(type) {
		case *types.ContentBlockMemberText:
			resp.Content += v.Value
		case *types.ContentBlockMemberToolUse:
			doc, ok := v.Value.Input.(smithyDocument)
			if !ok {
				return Response{}, fmt.Errorf("bedrock: tool input %T does not support document decoding", v.Value.Input)
			}
			var input any
			if err := doc.UnmarshalSmithyDocument(&input); err != nil {
				return Response{}, fmt.Errorf("bedrock: unmarshal tool input: %w", err)
			}
			raw, err := json.Marshal(input)
			if err != nil {
				return Response{}, fmt.Errorf("bedrock: remarshal tool input: %w", err)
			}
			resp.ToolCalls = append(resp.ToolCalls, llms.ToolCall{
				ID:   aws.ToString(v.Value.ToolUseId),
				Type: "function",
				FunctionCall: &llms.FunctionCall{
					Name:      aws.ToString(v.Value.Name),
					Arguments: string(raw),
				},
			})
		}
	}
	return resp, nil
}
