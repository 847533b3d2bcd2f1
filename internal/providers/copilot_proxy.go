package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// CopilotProxyAdapter implements Adapter against a local Copilot Proxy — a
// developer-machine process that exposes GitHub Copilot's model lineup
// through an OpenAI-compatible endpoint, letting a Copilot subscription
// stand in for a direct provider API key.
type CopilotProxyAdapter struct {
	client       *openai.Client
	baseURL      string
	defaultModel string
}

// CopilotProxyConfig configures a CopilotProxyAdapter.
type CopilotProxyConfig struct {
	BaseURL              string
	DefaultModel         string
	DefaultContextWindow int
}

// NewCopilotProxyAdapter builds an adapter against a local Copilot Proxy.
func NewCopilotProxyAdapter(cfg CopilotProxyConfig) *CopilotProxyAdapter {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = "http://localhost:3000/v1"
	}
	defaultModel := cfg.DefaultModel
	if defaultModel == "" {
		defaultModel = "gpt-5.2"
	}

	clientConfig := openai.DefaultConfig("n/a")
	clientConfig.BaseURL = baseURL

	return &CopilotProxyAdapter{
		client:       openai.NewClientWithConfig(clientConfig),
		baseURL:      baseURL,
		defaultModel: defaultModel,
	}
}

func (p *CopilotProxyAdapter) Name() string { return "copilot-proxy" }

func (p *CopilotProxyAdapter) Capabilities(model string) Capabilities {
	return Capabilities{SupportsTools: true, SupportsVision: true, MaxContextTokens: 128000, MaxOutputTokens: 4096}
}

// Stream issues a streaming chat-completion request against the proxy.
func (p *CopilotProxyAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if p.client == nil {
		return nil, NewProviderError("copilot-proxy", req.Model, errors.New("client not initialized"))
	}

	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	messages, err := convertChatMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("copilot-proxy: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{Model: model, Messages: messages, Stream: true}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertChatTools(req.Tools)
	}

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, NewProviderError("copilot-proxy", model, err)
	}

	events := make(chan StreamEvent)
	go streamChatCompletion(ctx, stream, events, func(e error) error { return NewProviderError("copilot-proxy", model, e) })
	return events, nil
}

// CheckHealth verifies connectivity to the Copilot Proxy.
func (p *CopilotProxyAdapter) CheckHealth(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.client.ListModels(ctx); err != nil {
		return NewProviderError("copilot-proxy", "", err)
	}
	return nil
}
