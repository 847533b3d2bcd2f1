package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/cocode/cocode/pkg/models"
)

// AnthropicAdapter implements Adapter against Claude's native messages API,
// the Anthropic wire shape: content-block streaming, native tool_use blocks,
// and a first-class signed-thinking block type.
type AnthropicAdapter struct {
	client anthropic.Client

	maxRetries   int
	retryDelay   time.Duration
	defaultModel string
}

// AnthropicConfig configures an AnthropicAdapter.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	MaxRetries   int
	RetryDelay   time.Duration
	DefaultModel string
}

// NewAnthropicAdapter builds an adapter from config, applying sane retry and
// default-model fallbacks.
func NewAnthropicAdapter(config AnthropicConfig) (*AnthropicAdapter, error) {
	if config.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = time.Second
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "claude-sonnet-4-20250514"
	}

	options := []option.RequestOption{option.WithAPIKey(config.APIKey)}
	if strings.TrimSpace(config.BaseURL) != "" {
		options = append(options, option.WithBaseURL(config.BaseURL))
	}

	return &AnthropicAdapter{
		client:       anthropic.NewClient(options...),
		maxRetries:   config.MaxRetries,
		retryDelay:   config.RetryDelay,
		defaultModel: config.DefaultModel,
	}, nil
}

func (p *AnthropicAdapter) Name() string { return "anthropic" }

// Capabilities reports Claude's context window and feature set. All current
// Claude models share the same shape; the catalog only varies context size
// for older 3.x models.
func (p *AnthropicAdapter) Capabilities(model string) Capabilities {
	ctx := 200000
	return Capabilities{
		SupportsTools:    true,
		SupportsVision:   true,
		SupportsThinking: true,
		MaxContextTokens: ctx,
		MaxOutputTokens:  8192,
	}
}

// Stream issues a streaming completion against Claude's messages API and
// normalizes its SSE events onto the canonical StreamEvent sequence.
func (p *AnthropicAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	events := make(chan StreamEvent)

	go func() {
		defer close(events)

		var stream *ssestream.Stream[anthropic.MessageStreamEventUnion]
		var err error

		for attempt := 0; attempt <= p.maxRetries; attempt++ {
			stream, err = p.createStream(ctx, req)
			if err == nil {
				break
			}

			wrapped := p.wrapError(err, p.getModel(req.Model))
			if !IsRetryable(wrapped) {
				events <- StreamEvent{Type: StreamError, Err: wrapped}
				return
			}
			if attempt < p.maxRetries {
				backoff := p.retryDelay * time.Duration(math.Pow(2, float64(attempt)))
				select {
				case <-ctx.Done():
					events <- StreamEvent{Type: StreamError, Err: ctx.Err()}
					return
				case <-time.After(backoff):
				}
			}
		}
		if err != nil {
			events <- StreamEvent{Type: StreamError, Err: fmt.Errorf("anthropic: max retries exceeded: %w", p.wrapError(err, p.getModel(req.Model)))}
			return
		}

		p.processStream(stream, events, p.getModel(req.Model))
	}()

	return events, nil
}

func (p *AnthropicAdapter) createStream(ctx context.Context, req *Request) (*ssestream.Stream[anthropic.MessageStreamEventUnion], error) {
	messages, err := p.convertMessages(req.Messages)
	if err != nil {
		return nil, fmt.Errorf("anthropic: failed to convert messages: %w", err)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.getModel(req.Model)),
		Messages:  messages,
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}

	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	if len(req.Tools) > 0 {
		tools, err := p.convertTools(req.Tools)
		if err != nil {
			return nil, fmt.Errorf("anthropic: failed to convert tools: %w", err)
		}
		params.Tools = tools
	}

	if req.EnableThinking {
		budget := int64(req.ThinkingBudgetTokens)
		if budget < 1024 {
			budget = 10000
		}
		params.Thinking = anthropic.ThinkingConfigParamOfEnabled(budget)
	}

	return p.client.Messages.NewStreaming(ctx, params), nil
}

// maxEmptyStreamEvents bounds consecutive events that produce nothing
// recognizable, guarding against a stream that never reaches message_stop.
const maxEmptyStreamEvents = 300

func (p *AnthropicAdapter) processStream(stream *ssestream.Stream[anthropic.MessageStreamEventUnion], events chan<- StreamEvent, model string) {
	var currentToolID, currentToolName string
	var currentToolInput strings.Builder
	inThinking := false
	emptyCount := 0

	var usage models.Usage

	for stream.Next() {
		event := stream.Current()
		processed := false

		switch event.Type {
		case "message_start":
			start := event.AsMessageStart()
			if start.Message.Usage.InputTokens > 0 {
				usage.InputTokens = int(start.Message.Usage.InputTokens)
			}
			processed = true

		case "content_block_start":
			block := event.AsContentBlockStart().ContentBlock
			switch block.Type {
			case "thinking":
				inThinking = true
				events <- StreamEvent{Type: StreamThinkingStart}
				processed = true
			case "tool_use":
				toolUse := block.AsToolUse()
				currentToolID, currentToolName = toolUse.ID, toolUse.Name
				currentToolInput.Reset()
				processed = true
			}

		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch delta.Type {
			case "text_delta":
				if delta.Text != "" {
					events <- StreamEvent{Type: StreamTextDelta, TextDelta: delta.Text}
					processed = true
				}
			case "thinking_delta":
				if delta.Thinking != "" {
					events <- StreamEvent{Type: StreamThinkingDelta, ThinkingDelta: delta.Thinking}
					processed = true
				}
			case "input_json_delta":
				if delta.PartialJSON != "" {
					currentToolInput.WriteString(delta.PartialJSON)
					processed = true
				}
			}

		case "content_block_stop":
			if inThinking {
				events <- StreamEvent{Type: StreamThinkingEnd}
				inThinking = false
				processed = true
			} else if currentToolID != "" {
				events <- StreamEvent{
					Type:          StreamToolUse,
					ToolUseID:     currentToolID,
					ToolName:      currentToolName,
					ToolInputJSON: []byte(currentToolInput.String()),
				}
				currentToolID = ""
				processed = true
			}

		case "message_delta":
			delta := event.AsMessageDelta()
			if delta.Usage.OutputTokens > 0 {
				usage.OutputTokens = int(delta.Usage.OutputTokens)
			}
			processed = true

		case "message_stop":
			events <- StreamEvent{Type: StreamMessageDone, Usage: &usage}
			return

		case "error":
			events <- StreamEvent{Type: StreamError, Err: p.wrapError(errors.New("anthropic stream error"), model)}
			return
		}

		if processed {
			emptyCount = 0
		} else {
			emptyCount++
			if emptyCount >= maxEmptyStreamEvents {
				events <- StreamEvent{Type: StreamError, Err: p.wrapError(
					fmt.Errorf("stream appears malformed: received %d consecutive empty events", emptyCount), model)}
				return
			}
		}
	}

	if err := stream.Err(); err != nil {
		events <- StreamEvent{Type: StreamError, Err: p.wrapError(err, model)}
	}
}

// convertMessages translates history messages into Anthropic's content-block
// wire shape: text, tool_use, and tool_result blocks interleaved per message.
func (p *AnthropicAdapter) convertMessages(messages []*models.Message) ([]anthropic.MessageParam, error) {
	var result []anthropic.MessageParam

	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		for _, block := range msg.Content {
			switch block.Type {
			case models.BlockText:
				if block.Text != "" {
					content = append(content, anthropic.NewTextBlock(block.Text))
				}
			case models.BlockToolUse:
				var input map[string]any
				if len(block.ToolInput) > 0 {
					if err := json.Unmarshal(block.ToolInput, &input); err != nil {
						return nil, fmt.Errorf("invalid tool call input: %w", err)
					}
				}
				content = append(content, anthropic.NewToolUseBlock(block.ToolUseID, input, block.ToolName))
			case models.BlockToolResult:
				content = append(content, anthropic.NewToolResultBlock(
					block.ToolResultID,
					block.ToolResultContent.FlattenToText(),
					block.ToolResultIsError,
				))
			}
		}
		if len(content) == 0 {
			continue
		}

		var message anthropic.MessageParam
		if msg.Role == models.RoleAssistant {
			message = anthropic.NewAssistantMessage(content...)
		} else {
			message = anthropic.NewUserMessage(content...)
		}
		result = append(result, message)
	}

	return result, nil
}

// convertTools translates the wire-agnostic ToolDefinition set into
// Anthropic's JSON-Schema tool param shape.
func (p *AnthropicAdapter) convertTools(tools []ToolDefinition) ([]anthropic.ToolUnionParam, error) {
	var result []anthropic.ToolUnionParam
	for _, tool := range tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			return nil, fmt.Errorf("invalid tool schema for %s: %w", tool.Name, err)
		}
		param := anthropic.ToolUnionParamOfTool(schema, tool.Name)
		if param.OfTool == nil {
			return nil, fmt.Errorf("invalid tool schema for %s: missing tool definition", tool.Name)
		}
		param.OfTool.Description = anthropic.String(tool.Description)
		result = append(result, param)
	}
	return result, nil
}

func (p *AnthropicAdapter) getModel(model string) string {
	if model == "" {
		return p.defaultModel
	}
	return model
}

func (p *AnthropicAdapter) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return 4096
	}
	return maxTokens
}

type anthropicErrorPayload struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func (p *AnthropicAdapter) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if IsProviderError(err) {
		return err
	}

	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: FailoverUnknown}
		providerErr = providerErr.WithStatus(apiErr.StatusCode)

		message, code, requestID := "", "", apiErr.RequestID
		if raw := apiErr.RawJSON(); raw != "" {
			var payload anthropicErrorPayload
			if json.Unmarshal([]byte(raw), &payload) == nil {
				message = payload.Error.Message
				code = payload.Error.Type
				if payload.RequestID != "" {
					requestID = payload.RequestID
				}
			}
		}
		if message != "" {
			providerErr = providerErr.WithMessage(message)
		} else if providerErr.Message == "" {
			providerErr.Message = "anthropic request failed"
		}
		if code != "" {
			providerErr = providerErr.WithCode(code)
		}
		if requestID != "" {
			providerErr = providerErr.WithRequestID(requestID)
		}
		return providerErr
	}

	return NewProviderError("anthropic", model, err)
}
