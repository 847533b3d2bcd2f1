package providers

import (
	"encoding/json"
	"testing"

	"github.com/cocode/cocode/pkg/models"
)

func TestOpenAIAdapter_NoAPIKey(t *testing.T) {
	p := NewOpenAIAdapter("")
	if _, err := p.Stream(nil, &Request{}); err == nil {
		t.Fatal("expected error without API key")
	}
}

func TestOpenAIAdapter_Capabilities(t *testing.T) {
	p := NewOpenAIAdapter("sk-test")
	if caps := p.Capabilities("gpt-3.5-turbo"); caps.MaxContextTokens != 16385 || caps.SupportsVision {
		t.Errorf("gpt-3.5 caps = %+v", caps)
	}
	if caps := p.Capabilities("gpt-4o"); caps.MaxContextTokens != 128000 || !caps.SupportsVision {
		t.Errorf("gpt-4o caps = %+v", caps)
	}
}

func TestOpenAIAdapter_ConvertMessages(t *testing.T) {
	msgs := []*models.Message{
		{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "hi"}}},
		{
			Role: models.RoleAssistant,
			Content: []models.ContentBlock{
				{Type: models.BlockToolUse, ToolUseID: "c1", ToolName: "glob", ToolInput: json.RawMessage(`{}`)},
			},
		},
		{
			Role: models.RoleToolResult,
			Content: []models.ContentBlock{
				{Type: models.BlockToolResult, ToolResultID: "c1", ToolResultContent: &models.ToolResultContent{Text: "ok"}},
			},
		},
	}
	converted, err := convertChatMessages(msgs, "be helpful")
	if err != nil {
		t.Fatalf("convertMessages: %v", err)
	}
	if len(converted) != 4 {
		t.Fatalf("got %d messages, want 4 (system + user + assistant + tool)", len(converted))
	}
	if converted[0].Role != "system" || converted[0].Content != "be helpful" {
		t.Errorf("system message = %+v", converted[0])
	}
	if len(converted[2].ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call on assistant message, got %+v", converted[2])
	}
	if converted[3].ToolCallID != "c1" {
		t.Errorf("tool message ToolCallID = %q", converted[3].ToolCallID)
	}
}

func TestOpenAIAdapter_ConvertTools_FallsBackOnInvalidSchema(t *testing.T) {
	tools := convertChatTools([]ToolDefinition{{Name: "bad", InputSchema: []byte("not json")}})
	if len(tools) != 1 || tools[0].Function.Name != "bad" {
		t.Fatalf("unexpected tools: %+v", tools)
	}
}
