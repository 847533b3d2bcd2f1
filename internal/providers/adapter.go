package providers

import (
	"context"

	"github.com/cocode/cocode/pkg/models"
)

// Capabilities describes what an Adapter's underlying model supports, so the
// agent loop can gate features (thinking budgets, vision, tool calling)
// without probing the wire protocol itself.
type Capabilities struct {
	SupportsTools    bool
	SupportsVision   bool
	SupportsThinking bool

	// SupportsTokenCounting reports whether this adapter implements
	// TokenCounter for the named model. Callers doing budget accounting
	// should type-assert the Adapter against TokenCounter only when this
	// is true, and fall back to a heuristic estimate otherwise.
	SupportsTokenCounting bool

	MaxContextTokens int
	MaxOutputTokens  int
}

// TokenCounter is implemented by adapters whose wire protocol exposes a real
// tokenization endpoint. Adapters that only offer a heuristic estimate (most
// of them) leave Capabilities.SupportsTokenCounting false instead.
type TokenCounter interface {
	CountTokens(ctx context.Context, model, text string) (int, error)
}

// Request is a provider-agnostic completion request built from a Turn's
// accumulated history. Adapters translate it into their wire shape
// (Anthropic messages, chat-completions, responses, or genai contents).
type Request struct {
	Model                string
	System               string
	Messages             []*models.Message
	Tools                []ToolDefinition
	MaxTokens            int
	EnableThinking       bool
	ThinkingBudgetTokens int
}

// ToolDefinition is the wire-agnostic shape of one tool contract offered to
// the model, translated per-adapter into its native tool-schema format.
type ToolDefinition struct {
	Name        string
	Description string
	InputSchema []byte // raw JSON Schema
}

// StreamEventType discriminates the canonical event stream every Adapter
// normalizes onto, regardless of wire shape.
type StreamEventType string

const (
	StreamTextDelta     StreamEventType = "text_delta"
	StreamThinkingDelta StreamEventType = "thinking_delta"
	StreamThinkingStart StreamEventType = "thinking_start"
	StreamThinkingEnd   StreamEventType = "thinking_end"
	StreamToolUse       StreamEventType = "tool_use"
	StreamMessageDone   StreamEventType = "message_done"
	StreamError         StreamEventType = "error"
)

// StreamEvent is one unit of a streamed completion. Exactly the fields
// relevant to Type are populated.
type StreamEvent struct {
	Type StreamEventType

	TextDelta     string
	ThinkingDelta string

	ToolUseID   string
	ToolName    string
	ToolInputJSON []byte

	Usage *models.Usage
	Err   error
}

// Adapter is the uniform interface every provider implementation presents to
// the agent loop. Each concrete adapter owns translating Request/StreamEvent
// to and from its own wire shape (Anthropic messages API, OpenAI
// chat-completions, OpenAI responses, or Google genai).
type Adapter interface {
	// Name identifies the provider, e.g. "anthropic", "openai", "google".
	Name() string

	// Capabilities reports what the named model supports.
	Capabilities(model string) Capabilities

	// Stream issues a completion request and returns a channel of canonical
	// StreamEvents. The channel is closed after a StreamMessageDone or
	// StreamError event. Cancelling ctx terminates the stream promptly.
	Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error)
}
