// Package llm defines the pluggable LLM provider contract the Reasoning
// Agent drives through its tool-calling loop (spec §4.10, §6 "LLM provider").
// Transcript and tool-schema types are modeled on langchaingo's llms package
// rather than hand-rolled, so the Agent's prompt construction is provider-
// agnostic; two concrete Providers translate to/from Anthropic's native API
// and AWS Bedrock's Converse API respectively.
package llm

import (
	"context"
	"errors"

	"github.com/tmc/langchaingo/llms"
)

// ErrNoToolCall is returned by the Agent loop when a step produces neither a
// tool call nor a stop; the Agent treats this as a typed protocol error
// rather than silently looping (spec §9 "a missing/invalid tool call is a
// typed error").
var ErrNoToolCall = errors.New("llm: model turn produced no tool call and no terminal content")

// Response is one model turn: either a final text answer, or one or more
// tool calls the Agent must dispatch before continuing the transcript.
type Response struct {
	Content    string
	ToolCalls  []llms.ToolCall
	StopReason string
}

// Provider is the multi-turn tool-calling contract every model backend
// implements (spec §6 "LLM provider").
type Provider interface {
	// Complete sends the full transcript plus the available tool schemas and
	// returns the model's next turn.
	Complete(ctx context.Context, messages []llms.MessageContent, tools []llms.Tool) (Response, error)
}

// ToolDefinition builds a langchaingo llms.Tool from a name, description,
// and JSON-schema-shaped parameters, matching the Reasoning Agent's tool
// table (spec §4.10).
func ToolDefinition(name, description string, parameters map[string]any) llms.Tool {
	return llms.Tool{
		Type: "function",
		Function: &llms.FunctionDefinition{
			Name:        name,
			Description: description,
			Parameters:  parameters,
		},
	}
}
