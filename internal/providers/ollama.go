package providers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"

	"github.com/cocode/cocode/pkg/models"
)

// OllamaConfig configures an OllamaAdapter.
type OllamaConfig struct {
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
}

// OllamaAdapter implements Adapter against a local Ollama server's
// OpenAI-compatible /api/chat endpoint — a chat-completions wire shape with
// newline-delimited JSON framing instead of SSE.
type OllamaAdapter struct {
	client       *http.Client
	baseURL      string
	defaultModel string
}

// NewOllamaAdapter builds an adapter against a local or remote Ollama server.
func NewOllamaAdapter(cfg OllamaConfig) *OllamaAdapter {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &OllamaAdapter{client: &http.Client{Timeout: timeout}, baseURL: baseURL, defaultModel: strings.TrimSpace(cfg.DefaultModel)}
}

func (p *OllamaAdapter) Name() string { return "ollama" }

// Capabilities reports a conservative default; locally hosted models vary
// widely and Ollama's API does not expose a context-window query.
func (p *OllamaAdapter) Capabilities(model string) Capabilities {
	return Capabilities{SupportsTools: true, MaxContextTokens: 8192, MaxOutputTokens: 2048}
}

// Stream issues a streaming /api/chat request and normalizes its
// newline-delimited JSON responses onto the canonical StreamEvent sequence.
func (p *OllamaAdapter) Stream(ctx context.Context, req *Request) (<-chan StreamEvent, error) {
	if req == nil {
		return nil, errors.New("ollama: request is nil")
	}

	model := strings.TrimSpace(req.Model)
	if model == "" {
		model = p.defaultModel
	}
	if model == "" {
		return nil, NewProviderError("ollama", req.Model, errors.New("model is required"))
	}

	payload := ollamaChatRequest{Model: model, Stream: true, Messages: buildOllamaMessages(req)}
	if len(req.Tools) > 0 {
		payload.Tools = convertChatTools(req.Tools)
	}
	if req.MaxTokens > 0 {
		payload.Options = map[string]any{"num_predict": req.MaxTokens}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, NewProviderError("ollama", model, fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, NewProviderError("ollama", model, err)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		defer resp.Body.Close()
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))
		return nil, NewProviderError("ollama", model, fmt.Errorf("ollama status %d: %s", resp.StatusCode, strings.TrimSpace(string(errBody)))).WithStatus(resp.StatusCode)
	}

	events := make(chan StreamEvent)
	go p.streamResponse(ctx, resp.Body, events, model)
	return events, nil
}

func (p *OllamaAdapter) streamResponse(ctx context.Context, body io.ReadCloser, out chan<- StreamEvent, model string) {
	defer close(out)
	defer body.Close()

	scanner := bufio.NewScanner(body)
	buf := make([]byte, 0, 1024*64)
	scanner.Buffer(buf, 1024*1024)

	emitted := map[string]struct{}{}
	for scanner.Scan() {
		select {
		case <-ctx.Done():
			out <- StreamEvent{Type: StreamError, Err: ctx.Err()}
			return
		default:
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		var resp ollamaChatResponse
		if err := json.Unmarshal([]byte(line), &resp); err != nil {
			out <- StreamEvent{Type: StreamError, Err: NewProviderError("ollama", model, fmt.Errorf("decode response: %w", err))}
			return
		}
		if resp.Error != "" {
			out <- StreamEvent{Type: StreamError, Err: NewProviderError("ollama", model, errors.New(resp.Error))}
			return
		}
		if resp.Message != nil {
			if resp.Message.Content != "" {
				out <- StreamEvent{Type: StreamTextDelta, TextDelta: resp.Message.Content}
			}
			for _, tc := range resp.Message.ToolCalls {
				callID := strings.TrimSpace(tc.ID)
				if callID == "" {
					callID = toolCallKey(tc)
					if callID == "" {
						callID = uuid.NewString()
					}
				}
				if _, ok := emitted[callID]; ok {
					continue
				}
				emitted[callID] = struct{}{}
				args := tc.Function.Arguments
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				out <- StreamEvent{Type: StreamToolUse, ToolUseID: callID, ToolName: strings.TrimSpace(tc.Function.Name), ToolInputJSON: args}
			}
		}
		if resp.Done {
			out <- StreamEvent{Type: StreamMessageDone, Usage: &models.Usage{InputTokens: resp.PromptEvalCount, OutputTokens: resp.EvalCount}}
			return
		}
	}

	if err := scanner.Err(); err != nil {
		out <- StreamEvent{Type: StreamError, Err: NewProviderError("ollama", model, err)}
	}
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Tools    []openai.Tool       `json:"tools,omitempty"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatMessage struct {
	Role      string           `json:"role"`
	Content   string           `json:"content,omitempty"`
	ToolCalls []ollamaToolCall `json:"tool_calls,omitempty"`
	ToolName  string           `json:"tool_name,omitempty"`
}

type ollamaChatResponse struct {
	Message         *ollamaChatMessage `json:"message"`
	Done            bool               `json:"done"`
	Error           string             `json:"error"`
	EvalCount       int                `json:"eval_count"`
	PromptEvalCount int                `json:"prompt_eval_count"`
}

type ollamaToolCall struct {
	ID       string             `json:"id,omitempty"`
	Type     string             `json:"type,omitempty"`
	Function ollamaToolFunction `json:"function"`
}

type ollamaToolFunction struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// buildOllamaMessages flattens Message content blocks into Ollama's
// role-tagged message array, mirroring chat-completions' shape.
func buildOllamaMessages(req *Request) []ollamaChatMessage {
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	toolNames := map[string]string{}
	for _, msg := range req.Messages {
		for _, block := range msg.ToolUses() {
			toolNames[block.ToolUseID] = block.ToolName
		}
	}
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: system})
	}
	for _, msg := range req.Messages {
		switch msg.Role {
		case models.RoleAssistant:
			ollamaMsg := ollamaChatMessage{Role: "assistant", Content: msg.Text()}
			for _, block := range msg.ToolUses() {
				args := block.ToolInput
				if len(args) == 0 {
					args = json.RawMessage(`{}`)
				}
				ollamaMsg.ToolCalls = append(ollamaMsg.ToolCalls, ollamaToolCall{
					ID: block.ToolUseID, Type: "function",
					Function: ollamaToolFunction{Name: block.ToolName, Arguments: args},
				})
			}
			messages = append(messages, ollamaMsg)
		case models.RoleToolResult:
			for _, block := range msg.ToolResults() {
				messages = append(messages, ollamaChatMessage{
					Role:     "tool",
					Content:  block.ToolResultContent.FlattenToText(),
					ToolName: toolNames[block.ToolResultID],
				})
			}
		case models.RoleSystem:
			messages = append(messages, ollamaChatMessage{Role: "system", Content: msg.Text()})
		default:
			messages = append(messages, ollamaChatMessage{Role: "user", Content: msg.Text()})
		}
	}
	return messages
}

func toolCallKey(tc ollamaToolCall) string {
	if strings.TrimSpace(tc.ID) != "" {
		return strings.TrimSpace(tc.ID)
	}
	name := strings.TrimSpace(tc.Function.Name)
	args := strings.TrimSpace(string(tc.Function.Arguments))
	if name == "" && args == "" {
		return ""
	}
	return name + ":" + args
}
