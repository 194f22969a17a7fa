package service

import (
	"context"
	"net/http"
)

// LLMProvider is the generic chat-completion interface implemented by
// the provider packages under internal/service/llm.
type LLMProvider interface {
	// Chat sends messages to the LLM and returns a response. The model
	// parameter allows per-request model override; if empty, the
	// provider's default model is used.
	Chat(ctx context.Context, model string, messages []Message, tools []Tool) (*LLMResponse, error)
}

// LLMStreamProvider is optionally implemented by providers that support
// server-sent-event streaming. The runner checks for this interface via
// type assertion; providers without it fall back to Chat() and the turn
// is delivered as a single chunk.
type LLMStreamProvider interface {
	ChatStream(ctx context.Context, model string, messages []Message, tools []Tool) (<-chan StreamChunk, http.Header, error)
}

// Message is a provider-bound chat message. Assistant messages may carry
// ToolCalls; tool messages reference their request via ToolCallID.
type Message struct {
	Role      string           `json:"role"`
	Content   string           `json:"content"`
	ToolCalls []ToolCallRecord `json:"tool_calls,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	Name       string          `json:"name,omitempty"`
}

// Tool is a tool definition advertised to the LLM.
type Tool struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// Usage contains token usage statistics reported by the provider.
// Values are never estimated; a zero TotalTokens with Reported=false
// means the provider sent no usage for the call.
type Usage struct {
	PromptTokens     int  `json:"prompt_tokens"`
	CompletionTokens int  `json:"completion_tokens"`
	TotalTokens      int  `json:"total_tokens"`
	Reported         bool `json:"-"`
}

// Add accumulates usage across the calls of one turn.
func (u *Usage) Add(other Usage) {
	if !other.Reported {
		return
	}
	u.PromptTokens += other.PromptTokens
	u.CompletionTokens += other.CompletionTokens
	u.TotalTokens += other.TotalTokens
	u.Reported = true
}

// LLMResponse is the provider's reply for one call.
type LLMResponse struct {
	Content   string
	ToolCalls []ToolCall
	Finished  bool
	Usage     Usage
	Header    http.Header
}

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments map[string]any
}

// StreamChunk is a single chunk of a streaming response.
type StreamChunk struct {
	// Content is the text delta for this chunk (may be empty).
	Content string

	// ToolCalls contains tool call deltas for this chunk.
	ToolCalls []ToolCall

	// FinishReason is set on the final chunk: "stop" or "tool_calls".
	FinishReason string

	// Usage, when non-nil, contains the token usage for the entire
	// streamed response. Providers set this on the last chunk; some
	// providers never send it, in which case cost stays null.
	Usage *Usage

	// Error, if non-nil, indicates the stream encountered an error.
	Error error
}
