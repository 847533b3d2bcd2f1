package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/google"
	"google.golang.org/genai"

	"github.com/cocode/cocode/pkg/models"
)

// defaultGoogleOAuthScopes is the scope requested when authenticating with a
// service account instead of a static API key.
var defaultGoogleOAuthScopes = []string{"https://www.googleapis.com/auth/generative-language"}

// GoogleAdapter implements Adapter against Google's Gemini API via the
// official Gen AI Go SDK — the fourth wire shape, distinguished from the
// other three by part-based content (not content blocks), "model" instead
// of "assistant" as the role name, and function calls/responses that carry
// no provider-issued call ID.
type GoogleAdapter struct {
	client       *genai.Client
	defaultModel string
	base         BaseProvider
}

// GoogleConfig configures a GoogleAdapter. Exactly one of APIKey or
// ServiceAccountJSON must be set: APIKey authenticates with a static
// Gemini API key, ServiceAccountJSON authenticates as a Google service
// account via OAuth2, for deployments where a long-lived static key is
// disallowed by policy.
type GoogleConfig struct {
	APIKey             string
	ServiceAccountJSON []byte
	OAuthScopes        []string
	MaxRetries         int
	RetryDelay         time.Duration
	DefaultModel       string
}

// NewGoogleAdapter builds an adapter against the Gemini API.
func NewGoogleAdapter(cfg GoogleConfig) (*GoogleAdapter, error) {
	if cfg.APIKey == "" && len(cfg.ServiceAccountJSON) == 0 {
		return nil, errors.New("google: either an API key or service account credentials are required")
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = time.Second
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = "gemini-2.0-flash"
	}

	clientConfig := &genai.ClientConfig{Backend: genai.BackendGeminiAPI}

	if len(cfg.ServiceAccountJSON) > 0 {
		scopes := cfg.OAuthScopes
		if len(scopes) == 0 {
			scopes = defaultGoogleOAuthScopes
		}
		jwtConfig, err := google.JWTConfigFromJSON(cfg.ServiceAccountJSON, scopes...)
		if err != nil {
			return nil, fmt.Errorf("google: parse service account credentials: %w", err)
		}
		clientConfig.HTTPClient = jwtConfig.Client(context.Background())
	} else {
		clientConfig.APIKey = cfg.APIKey
	}

	client, err := genai.NewClient(context.Background(), clientConfig)
	if err != nil {
		return nil, fmt.Errorf("google: failed to create client: %w", err)
	}

	return &GoogleAdapter{
		client:       client,
		defaultModel: cfg.DefaultModel,
		base:         NewBaseProvider("google", cfg.MaxRetries, cfg.RetryDelay),
	}, nil
}

func (p *GoogleAdapter) Name() string { return "google" }

func (p *GoogleAdapter) Capabilities(model string) Capabilities {
	caps := Capabilities{
		SupportsTools:         true,
		SupportsVision:        true,
		SupportsTokenCounting: true,
		MaxOutputTokens:       8192,
	}
	if strings.Contains(model, "1.5-pro") {
		caps.MaxContextTokens = 2000000
	} else {
		caps.MaxContextTokens = 1000000
	}
	return caps
}

// CountTokens calls Gemini's native countTokens endpoint, giving an exact
// count instead of the chars/4 heuristic the other adapters fall back to.
func (p *GoogleAdapter) CountTokens(ctx context.Context, model, text string) (int, error) {
	if model == "" {
		model = p.defaultModel
	}
	contents := []*genai.Content{{Role: genai.RoleUser, Parts: []*genai.Part{{Text: text}}}}

	resp, err := p.client.Models.CountTokens(ctx, model, contents, nil)
	if err != nil {
		return 0, p.wrapError(err, model)
	}
	return int(resp.TotalTokens), nil
}

// Stream issues a streaming GenerateContent request and normalizes Gemini's
// iterator-based responses onto the canonical StreamEvent sequence.
func (p *GoogleAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	contents, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("google: failed to convert messages: %w", err)
	}
	config := p.buildConfig(req)

	events := make(chan StreamEvent)
	go func() {
		defer close(events)

		retryErr := p.base.Retry(ctx, func(e error) bool { return IsRetryable(p.wrapError(e, model)) }, func() error {
			streamIter := p.client.Models.GenerateContentStream(ctx, model, contents, config)
			return p.processStream(ctx, streamIter, events)
		})
		if retryErr != nil {
			events <- StreamEvent{Type: StreamError, Err: p.wrapError(retryErr, model)}
			return
		}
		events <- StreamEvent{Type: StreamMessageDone}
	}()

	return events, nil
}

func (p *GoogleAdapter) processStream(ctx context.Context, streamIter iter.Seq2[*genai.GenerateContentResponse, error], events chan<- StreamEvent) error {
	for resp, err := range streamIter {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}

		for _, candidate := range resp.Candidates {
			if candidate == nil || candidate.Content == nil {
				continue
			}
			for _, part := range candidate.Content.Parts {
				if part == nil {
					continue
				}
				if part.Text != "" {
					events <- StreamEvent{Type: StreamTextDelta, TextDelta: part.Text}
				}
				if part.FunctionCall != nil {
					argsJSON, jsonErr := json.Marshal(part.FunctionCall.Args)
					if jsonErr != nil {
						argsJSON = []byte("{}")
					}
					events <- StreamEvent{
						Type:          StreamToolUse,
						ToolUseID:     generateToolCallID(part.FunctionCall.Name),
						ToolName:      part.FunctionCall.Name,
						ToolInputJSON: argsJSON,
					}
				}
			}
		}
	}
	return nil
}

// convertMessages maps canonical messages onto Gemini's part-based content
// array. System messages are dropped here; they travel via SystemInstruction
// on the generation config instead.
func (p *GoogleAdapter) convertMessages(messages []*models.Message) ([]*genai.Content, error) {
	var result []*genai.Content

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		content := &genai.Content{}
		switch msg.Role {
		case models.RoleAssistant:
			content.Role = genai.RoleModel
		default:
			content.Role = genai.RoleUser
		}

		if text := msg.Text(); text != "" {
			content.Parts = append(content.Parts, &genai.Part{Text: text})
		}

		for _, tu := range msg.ToolUses() {
			var args map[string]any
			if err := json.Unmarshal(tu.ToolInput, &args); err != nil {
				args = make(map[string]any)
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionCall: &genai.FunctionCall{Name: tu.ToolName, Args: args},
			})
		}

		for _, tr := range msg.ToolResults() {
			toolName := toolNameForResult(tr.ToolResultID, messages)
			var response map[string]any
			flattened := tr.ToolResultContent.FlattenToText()
			if err := json.Unmarshal([]byte(flattened), &response); err != nil {
				response = map[string]any{"result": flattened, "error": tr.ToolResultIsError}
			}
			content.Parts = append(content.Parts, &genai.Part{
				FunctionResponse: &genai.FunctionResponse{Name: toolName, Response: response},
			})
		}

		if len(content.Parts) > 0 {
			result = append(result, content)
		}
	}

	return result, nil
}

// convertTools translates wire-agnostic tool definitions into Gemini's
// function-declaration schema.
func (p *GoogleAdapter) convertTools(tools []ToolDefinition) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		var schemaMap map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schemaMap); err != nil {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  jsonSchemaToGemini(schemaMap),
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

// jsonSchemaToGemini converts a JSON Schema map into Gemini's Schema type,
// whose Type field is an uppercase enum string rather than JSON Schema's
// lowercase type names.
func jsonSchemaToGemini(schemaMap map[string]any) *genai.Schema {
	if schemaMap == nil {
		return nil
	}
	schema := &genai.Schema{}

	if t, ok := schemaMap["type"].(string); ok {
		schema.Type = genai.Type(strings.ToUpper(t))
	}
	if desc, ok := schemaMap["description"].(string); ok {
		schema.Description = desc
	}
	if enum, ok := schemaMap["enum"].([]any); ok {
		for _, e := range enum {
			if s, ok := e.(string); ok {
				schema.Enum = append(schema.Enum, s)
			}
		}
	}
	if props, ok := schemaMap["properties"].(map[string]any); ok {
		schema.Properties = make(map[string]*genai.Schema)
		for name, prop := range props {
			if propMap, ok := prop.(map[string]any); ok {
				schema.Properties[name] = jsonSchemaToGemini(propMap)
			}
		}
	}
	if required, ok := schemaMap["required"].([]any); ok {
		for _, r := range required {
			if s, ok := r.(string); ok {
				schema.Required = append(schema.Required, s)
			}
		}
	}
	if items, ok := schemaMap["items"].(map[string]any); ok {
		schema.Items = jsonSchemaToGemini(items)
	}
	return schema
}

func (p *GoogleAdapter) buildConfig(req *Request) *genai.GenerateContentConfig {
	config := &genai.GenerateContentConfig{}
	if req.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	if req.MaxTokens > 0 {
		maxTokens := min(req.MaxTokens, math.MaxInt32)
		config.MaxOutputTokens = int32(maxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = p.convertTools(req.Tools)
	}
	return config
}

func (p *GoogleAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	providerErr := NewProviderError("google", model, err)
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "401"), strings.Contains(errMsg, "unauthenticated"):
		providerErr = providerErr.WithStatus(http.StatusUnauthorized)
	case strings.Contains(errMsg, "403"), strings.Contains(errMsg, "permission denied"):
		providerErr = providerErr.WithStatus(http.StatusForbidden)
	case strings.Contains(errMsg, "404"), strings.Contains(errMsg, "not found"):
		providerErr = providerErr.WithStatus(http.StatusNotFound)
	case strings.Contains(errMsg, "429"), strings.Contains(errMsg, "resource exhausted"):
		providerErr = providerErr.WithStatus(http.StatusTooManyRequests)
	case strings.Contains(errMsg, "500"):
		providerErr = providerErr.WithStatus(http.StatusInternalServerError)
	case strings.Contains(errMsg, "503"):
		providerErr = providerErr.WithStatus(http.StatusServiceUnavailable)
	}
	return providerErr
}

// generateToolCallID synthesizes a call ID; Gemini function calls carry none.
func generateToolCallID(name string) string {
	return fmt.Sprintf("call_%s_%d", name, time.Now().UnixNano())
}

// toolNameForResult recovers the originating tool's name for a function
// response by scanning prior tool_use blocks for a matching call ID.
func toolNameForResult(toolResultID string, messages []*models.Message) string {
	for _, msg := range messages {
		for _, tu := range msg.ToolUses() {
			if tu.ToolUseID == toolResultID {
				return tu.ToolName
			}
		}
	}
	return ""
}
