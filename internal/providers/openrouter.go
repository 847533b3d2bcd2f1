package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenRouterAdapter implements Adapter against OpenRouter's unified,
// OpenAI-compatible proxy to 200+ models from many providers. Model IDs use
// the "provider/model-name" convention (e.g. "anthropic/claude-3-opus").
type OpenRouterAdapter struct {
	client       *openai.Client
	defaultModel string
	base         BaseProvider
}

// OpenRouterConfig configures an OpenRouterAdapter.
type OpenRouterConfig struct {
	APIKey       string
	DefaultModel string
	MaxRetries   int
	RetryDelay   time.Duration
}

// NewOpenRouterAdapter builds an adapter against the OpenRouter proxy.
func NewOpenRouterAdapter(cfg OpenRouterConfig) (*OpenRouterAdapter, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openrouter: API key is required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "openai/gpt-4o"
	}

	clientConfig := openai.DefaultConfig(cfg.APIKey)
	clientConfig.BaseURL = "https://openrouter.ai/api/v1"

	return &OpenRouterAdapter{
		client:       openai.NewClientWithConfig(clientConfig),
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("openrouter", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *OpenRouterAdapter) Name() string { return "openrouter" }

// Capabilities returns a middle-of-the-road estimate; OpenRouter fronts
// models with wildly different context windows and the API does not expose
// per-model metadata through the chat-completions surface.
func (p *OpenRouterAdapter) Capabilities(model string) Capabilities {
	return Capabilities{SupportsTools: true, SupportsVision: true, MaxContextTokens: 128000, MaxOutputTokens: 4096}
}

// Stream issues a streaming chat-completion request routed through OpenRouter.
func (p *OpenRouterAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if p.client == nil {
		return nil, NewProviderError("openrouter", req.Model, errors.New("OpenRouter client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertChatMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openrouter: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{Model: model, Messages: messages, Stream: true}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertChatTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	lastErr := p.base.Retry(ctx, func(e error) bool { return IsRetryable(p.wrapError(e, model)) }, func() error {
		var err error
		stream, err = p.client.CreateChatCompletionStream(ctx, chatReq)
		return err
	})
	if lastErr != nil {
		return nil, fmt.Errorf("openrouter: %w", p.wrapError(lastErr, model))
	}

	events := make(chan StreamEvent)
	go streamChatCompletion(ctx, stream, events, func(e error) error { return p.wrapError(e, model) })
	return events, nil
}

func (p *OpenRouterAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	return NewProviderError("openrouter", model, err)
}
