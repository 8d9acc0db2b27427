// Package gateway abstracts LLM providers behind one contract: chat
// completion with streaming, tool-call schemas, token accounting, rate
// limits, and capability normalization. Providers that lack structured tool
// calls or streaming are adapted so callers always see the same chunk shapes.
package gateway

import (
	"context"

	"github.com/haasonsaas/conductor/pkg/models"
)

// Message is one entry of the conversation prefix sent to a provider.
// Role values: "user", "assistant", "tool", "system".
type Message struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolReturn `json:"tool_results,omitempty"`
}

// Request contains all parameters for a completion call.
type Request struct {
	// Model overrides the descriptor's default model when set.
	Model string `json:"model,omitempty"`

	// System is the system prompt, handled separately from messages.
	System string `json:"system,omitempty"`

	// Messages is the conversation prefix in chronological order.
	Messages []Message `json:"messages"`

	// Tools is the allow-listed toolset offered to the model.
	Tools []*models.ToolDescriptor `json:"tools,omitempty"`

	// MaxTokens caps the generated response. 0 uses the provider default.
	MaxTokens int `json:"max_tokens,omitempty"`

	// Temperature adjusts sampling when > 0.
	Temperature float32 `json:"temperature,omitempty"`

	// JSONMode requests a JSON-constrained response where supported.
	JSONMode bool `json:"json_mode,omitempty"`

	// Stream requests incremental token delivery where supported.
	Stream bool `json:"stream,omitempty"`
}

// Chunk is one element of a completion stream. Text chunks carry incremental
// completion text; ToolCall chunks carry complete structured invocations;
// the final chunk has Done=true and Usage set. An Error chunk terminates the
// stream.
type Chunk struct {
	Text     string             `json:"text,omitempty"`
	ToolCall *models.ToolCall   `json:"tool_call,omitempty"`
	Done     bool               `json:"done,omitempty"`
	Usage    *models.TokenUsage `json:"usage,omitempty"`
	Error    error              `json:"-"`
}

// Provider is one LLM backend. Complete returns immediately with a channel
// that delivers chunks as they arrive; the channel closes when the stream
// completes or fails. Implementations must be safe for concurrent use.
type Provider interface {
	Complete(ctx context.Context, req *Request) (<-chan *Chunk, error)
	Name() string
}

// Factory constructs a provider from its descriptor. Registered per
// descriptor kind ("anthropic", "openai", ...).
type Factory func(desc *models.ProviderDescriptor) (Provider, error)
