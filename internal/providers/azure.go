package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	openai "github.com/sashabaranov/go-openai"
)

// AzureAdapter implements Adapter against Azure OpenAI Service deployments.
// It speaks the identical chat-completions wire shape as OpenAIAdapter but
// authenticates and routes through an Azure resource endpoint, where the
// "model" is actually a deployment name.
type AzureAdapter struct {
	client       *openai.Client
	endpoint     string
	apiVersion   string
	defaultModel string
	base         BaseProvider
	tokenExpiry  *time.Time
}

// AzureConfig configures an AzureAdapter. Exactly one of APIKey or AADToken
// must be set: APIKey authenticates with a static resource key via the
// "api-key" header, AADToken authenticates with a bearer token issued by
// Azure AD for a service principal or managed identity.
type AzureConfig struct {
	Endpoint     string
	APIKey       string
	AADToken     string
	APIVersion   string
	DefaultModel string
}

// aadClaims is the subset of an Azure AD access token's claims this adapter
// inspects. cocode never validates the token's signature - it did not issue
// the token and has no AAD signing key - it only reads the expiry so an
// already-expired token fails fast with a clear error instead of a
// confusing 401 from Azure.
type aadClaims struct {
	jwt.RegisteredClaims
}

// NewAzureAdapter builds an adapter against an Azure OpenAI resource.
func NewAzureAdapter(cfg AzureConfig) (*AzureAdapter, error) {
	if cfg.Endpoint == "" {
		return nil, errors.New("azure: endpoint is required")
	}
	if cfg.APIKey == "" && cfg.AADToken == "" {
		return nil, errors.New("azure: either an API key or an Azure AD token is required")
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2024-02-15-preview"
	}

	var tokenExpiry *time.Time
	var clientConfig openai.ClientConfig
	if cfg.AADToken != "" {
		exp, err := aadTokenExpiry(cfg.AADToken)
		if err != nil {
			return nil, fmt.Errorf("azure: invalid Azure AD token: %w", err)
		}
		if exp != nil && exp.Before(time.Now()) {
			return nil, fmt.Errorf("azure: Azure AD token expired at %s", exp.Format(time.RFC3339))
		}
		tokenExpiry = exp

		clientConfig = openai.DefaultAzureConfig(cfg.AADToken, cfg.Endpoint)
		clientConfig.APIType = openai.APITypeAzureAD
	} else {
		clientConfig = openai.DefaultAzureConfig(cfg.APIKey, cfg.Endpoint)
	}
	clientConfig.APIVersion = cfg.APIVersion

	return &AzureAdapter{
		client:       openai.NewClientWithConfig(clientConfig),
		endpoint:     cfg.Endpoint,
		apiVersion:   cfg.APIVersion,
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("azure", 3, 0),
		tokenExpiry:  tokenExpiry,
	}, nil
}

// aadTokenExpiry extracts the exp claim from an Azure AD access token
// without verifying its signature.
func aadTokenExpiry(token string) (*time.Time, error) {
	var claims aadClaims
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return nil, err
	}
	if claims.ExpiresAt == nil {
		return nil, nil
	}
	t := claims.ExpiresAt.Time
	return &t, nil
}

func (p *AzureAdapter) Name() string { return "azure" }

// Capabilities reports the deployment's presumed underlying GPT family.
// Azure deployment names are operator-chosen, so context size is a
// best-effort guess from common naming conventions.
func (p *AzureAdapter) Capabilities(model string) Capabilities {
	return Capabilities{SupportsTools: true, SupportsVision: true, MaxContextTokens: 128000, MaxOutputTokens: 4096}
}

// Stream issues a streaming chat-completion request against the configured
// Azure deployment.
func (p *AzureAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if p.client == nil {
		return nil, NewProviderError("azure", req.Model, errors.New("Azure OpenAI client not initialized"))
	}
	if p.tokenExpiry != nil && p.tokenExpiry.Before(time.Now()) {
		return nil, NewProviderError("azure", req.Model, fmt.Errorf("Azure AD token expired at %s; adapter must be rebuilt with a fresh token", p.tokenExpiry.Format(time.RFC3339)))
	}
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewProviderError("azure", "", errors.New("deployment name is required"))
	}

	messages, err := convertChatMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("azure: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{Model: model, Messages: messages, Stream: true}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertChatTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	err = p.base.Retry(ctx, func(err error) bool { return IsRetryable(p.wrapError(err, model)) }, func() error {
		var streamErr error
		stream, streamErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if streamErr != nil {
			return p.wrapError(streamErr, model)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("azure: %w", err)
	}

	events := make(chan StreamEvent)
	go streamChatCompletion(ctx, stream, events, func(e error) error { return p.wrapError(e, model) })
	return events, nil
}

func (p *AzureAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}
	return NewProviderError("azure", model, err)
}
