package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cocode/cocode/pkg/models"
)

// OpenAIAdapter implements Adapter against OpenAI's chat-completions API —
// the "chat-completions" wire shape also used by Azure OpenAI, OpenRouter,
// and Ollama's OpenAI-compatible endpoint.
type OpenAIAdapter struct {
	client     *openai.Client
	apiKey     string
	maxRetries int
	retryDelay time.Duration
}

// NewOpenAIAdapter builds an adapter against the public OpenAI API.
func NewOpenAIAdapter(apiKey string) *OpenAIAdapter {
	a := &OpenAIAdapter{apiKey: apiKey, maxRetries: 3, retryDelay: time.Second}
	if apiKey != "" {
		a.client = openai.NewClient(apiKey)
	}
	return a
}

func (p *OpenAIAdapter) Name() string { return "openai" }

func (p *OpenAIAdapter) Capabilities(model string) Capabilities {
	caps := Capabilities{SupportsTools: true, SupportsVision: true, MaxOutputTokens: 4096}
	switch {
	case strings.HasPrefix(model, "gpt-3.5"):
		caps.MaxContextTokens = 16385
		caps.SupportsVision = false
	case model == "gpt-4":
		caps.MaxContextTokens = 8192
		caps.SupportsVision = false
	default:
		caps.MaxContextTokens = 128000
	}
	return caps
}

// Stream issues a streaming chat-completion request and normalizes its delta
// events onto the canonical StreamEvent sequence.
func (p *OpenAIAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if p.client == nil {
		return nil, errors.New("openai: API key not configured")
	}

	messages, err := convertChatMessages(req.Messages, req.System)
	if err != nil {
		return nil, fmt.Errorf("openai: failed to convert messages: %w", err)
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: messages,
		Stream:   true,
	}
	if req.MaxTokens > 0 {
		chatReq.MaxTokens = req.MaxTokens
	}
	if len(req.Tools) > 0 {
		chatReq.Tools = convertChatTools(req.Tools)
	}

	var stream *openai.ChatCompletionStream
	var lastErr error
	for attempt := 0; attempt < p.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(p.retryDelay * time.Duration(attempt)):
			}
		}
		stream, lastErr = p.client.CreateChatCompletionStream(ctx, chatReq)
		if lastErr == nil {
			break
		}
		if !IsRetryable(lastErr) {
			return nil, fmt.Errorf("openai: non-retryable error: %w", lastErr)
		}
	}
	if lastErr != nil {
		return nil, fmt.Errorf("openai: max retries exceeded: %w", lastErr)
	}

	events := make(chan StreamEvent)
	go streamChatCompletion(ctx, stream, events, func(err error) error { return NewProviderError("openai", "", err) })
	return events, nil
}

type partialToolCall struct {
	id, name string
	args     strings.Builder
}

// streamChatCompletion drains an OpenAI-shaped chat-completion stream and
// normalizes its deltas onto the canonical StreamEvent sequence. Shared by
// OpenAIAdapter and AzureAdapter, which consume the identical stream type.
func streamChatCompletion(ctx context.Context, stream *openai.ChatCompletionStream, events chan<- StreamEvent, wrapErr func(error) error) {
	defer close(events)
	defer stream.Close()

	toolCalls := make(map[int]*partialToolCall)
	var usage models.Usage

	flushToolCalls := func() {
		for _, tc := range toolCalls {
			if tc.id != "" && tc.name != "" {
				events <- StreamEvent{Type: StreamToolUse, ToolUseID: tc.id, ToolName: tc.name, ToolInputJSON: []byte(tc.args.String())}
			}
		}
		toolCalls = make(map[int]*partialToolCall)
	}

	for {
		select {
		case <-ctx.Done():
			events <- StreamEvent{Type: StreamError, Err: ctx.Err()}
			return
		default:
		}

		response, err := stream.Recv()
		if err != nil {
			if err == io.EOF {
				flushToolCalls()
				events <- StreamEvent{Type: StreamMessageDone, Usage: &usage}
				return
			}
			events <- StreamEvent{Type: StreamError, Err: wrapErr(err)}
			return
		}
		if response.Usage != nil {
			usage.InputTokens = response.Usage.PromptTokens
			usage.OutputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		delta := response.Choices[0].Delta
		if delta.Content != "" {
			events <- StreamEvent{Type: StreamTextDelta, TextDelta: delta.Content}
		}

		for _, tc := range delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			cur, ok := toolCalls[index]
			if !ok {
				cur = &partialToolCall{}
				toolCalls[index] = cur
			}
			if tc.ID != "" {
				cur.id = tc.ID
			}
			if tc.Function.Name != "" {
				cur.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				cur.args.WriteString(tc.Function.Arguments)
			}
		}

		if response.Choices[0].FinishReason == "tool_calls" {
			flushToolCalls()
		}
	}
}

// convertChatMessages flattens Message content blocks into chat-completions'
// role-tagged message array: tool_use blocks become an assistant message's
// ToolCalls, tool_result blocks each become a standalone "tool" message.
// Shared by OpenAIAdapter and AzureAdapter, which speak the identical shape.
func convertChatMessages(messages []*models.Message, system string) ([]openai.ChatCompletionMessage, error) {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)
	if system != "" {
		result = append(result, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleToolResult:
			for _, block := range msg.ToolResults() {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    block.ToolResultContent.FlattenToText(),
					ToolCallID: block.ToolResultID,
				})
			}

		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{Role: openai.ChatMessageRoleAssistant, Content: msg.Text()}
			for _, block := range msg.ToolUses() {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   block.ToolUseID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      block.ToolName,
						Arguments: string(block.ToolInput),
					},
				})
			}
			result = append(result, oaiMsg)

		default: // user, system
			result = append(result, convertChatUserMessage(msg))
		}
	}

	return result, nil
}

func convertChatUserMessage(msg *models.Message) openai.ChatCompletionMessage {
	role := openai.ChatMessageRoleUser
	if msg.Role == models.RoleSystem {
		role = openai.ChatMessageRoleSystem
	}

	var images []models.ContentBlock
	for _, b := range msg.Content {
		if b.Type == models.BlockImage {
			images = append(images, b)
		}
	}
	if len(images) == 0 {
		return openai.ChatCompletionMessage{Role: role, Content: msg.Text()}
	}

	var parts []openai.ChatMessagePart
	if text := msg.Text(); text != "" {
		parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: text})
	}
	for _, img := range images {
		parts = append(parts, openai.ChatMessagePart{
			Type:     openai.ChatMessagePartTypeImageURL,
			ImageURL: &openai.ChatMessageImageURL{URL: img.ImageURL, Detail: openai.ImageURLDetailAuto},
		})
	}
	return openai.ChatCompletionMessage{Role: role, MultiContent: parts}
}

// convertChatTools translates wire-agnostic tool definitions into OpenAI's
// function-calling schema. Shared by OpenAIAdapter and AzureAdapter.
func convertChatTools(tools []ToolDefinition) []openai.Tool {
	result := make([]openai.Tool, len(tools))
	for i, tool := range tools {
		var schema map[string]any
		if err := json.Unmarshal(tool.InputSchema, &schema); err != nil {
			schema = map[string]any{"type": "object", "properties": map[string]any{}}
		}
		result[i] = openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        tool.Name,
				Description: tool.Description,
				Parameters:  schema,
			},
		}
	}
	return result
}
