package llm

import (
	"context"
	"encoding/json"
)

// Message roles used in completion prompts
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one turn of a completion prompt
type Message struct {
	Role    string
	Content string
}

// ChatRequest contains the parameters for a streamed chat completion
type ChatRequest struct {
	Messages    []Message
	Temperature float64
	MaxTokens   int
}

// Stream yields completion deltas in generation order. Recv returns io.EOF
// when the upstream stream is exhausted.
type Stream interface {
	Recv() (string, error)
	Close() error
}

// ToolSchema is a JSON-Schema-shaped parameter definition for a tool
type ToolSchema struct {
	Type        string                 `json:"type"`
	Description string                 `json:"description,omitempty"`
	Enum        []string               `json:"enum,omitempty"`
	Properties  map[string]*ToolSchema `json:"properties,omitempty"`
	Items       *ToolSchema            `json:"items,omitempty"`
	Required    []string               `json:"required,omitempty"`
	Minimum     *float64               `json:"minimum,omitempty"`
	Maximum     *float64               `json:"maximum,omitempty"`
}

// Tool is a function-call constraint: the model must respond by populating
// the tool's parameter structure instead of free text.
type Tool struct {
	Name        string
	Description string
	Parameters  *ToolSchema
}

// ToolRequest contains the parameters for a constrained tool-call completion
type ToolRequest struct {
	Messages    []Message
	Tool        Tool
	Temperature float64
	MaxTokens   int
}

// ToolCall is the parsed tool invocation returned by the model
type ToolCall struct {
	Name      string
	Arguments json.RawMessage
}

// ToolResponse contains the result of a constrained tool-call completion
type ToolResponse struct {
	Call       *ToolCall
	Model      string
	TokensUsed int
	LatencyMs  int64
}

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider identifier
	Name() string

	// AvailableModels returns list of supported models
	AvailableModels() []string

	// DefaultModel returns the default model
	DefaultModel() string

	// IsConfigured checks if provider has valid credentials
	IsConfigured() bool

	// StreamChat starts a streamed chat completion
	StreamChat(ctx context.Context, req ChatRequest, model string) (Stream, error)

	// CallTool issues a completion constrained to invoke exactly one tool
	CallTool(ctx context.Context, req ToolRequest, model string) (*ToolResponse, error)
}
