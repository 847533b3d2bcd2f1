package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/cocode/cocode/internal/agent"
	"github.com/cocode/cocode/pkg/models"
)

// HandoffTool lets the model transfer the running conversation to another
// registered Definition directly, instead of waiting for the Router to
// notice a trigger on the next turn. It is exempt from the SYSTEM_BLOCKED
// tool-policy gate, since a handoff is how an agent escalates out of its
// own restricted tool set.
type HandoffTool struct {
	orch *Orchestrator
}

// NewHandoffTool creates a handoff tool bound to orch's registered definitions.
func NewHandoffTool(orch *Orchestrator) *HandoffTool {
	return &HandoffTool{orch: orch}
}

func (h *HandoffTool) Name() string { return "handoff" }

func (h *HandoffTool) Description() string {
	defs := h.orch.Definitions()
	var list strings.Builder
	for _, d := range defs {
		if d.CanReceiveHandoffs {
			fmt.Fprintf(&list, "\n- %s (%s): %s", d.Name, d.ID, d.Description)
		}
	}
	return "Transfer control to another specialized sub-agent when the task needs " +
		"expertise or tools outside your current scope.\n\nAvailable sub-agents:" + list.String()
}

func (h *HandoffTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type": "object",
		"properties": map[string]any{
			"to_agent": map[string]any{
				"type":        "string",
				"description": "ID or name of the sub-agent to hand off to",
			},
			"reason": map[string]any{
				"type":        "string",
				"description": "Why this handoff is needed, and what the receiving agent should do",
			},
			"context_mode": map[string]any{
				"type":        "string",
				"enum":        []string{"full", "summary", "none"},
				"description": "How much of the current conversation to carry over (default: summary)",
			},
		},
		"required": []string{"to_agent", "reason"},
	}
	raw, _ := json.Marshal(schema)
	return raw
}

func (h *HandoffTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResultContent, error) {
	var params struct {
		ToAgent     string `json:"to_agent"`
		Reason      string `json:"reason"`
		ContextMode string `json:"context_mode"`
	}
	if err := json.Unmarshal(input, &params); err != nil {
		return nil, fmt.Errorf("invalid input: %w", err)
	}
	if params.ToAgent == "" || params.Reason == "" {
		return nil, fmt.Errorf("to_agent and reason are required")
	}
	if params.ContextMode == "" {
		params.ContextMode = "summary"
	}

	session := agent.SessionFromContext(ctx)
	if session == nil {
		return nil, fmt.Errorf("handoff requires an active session")
	}

	sa, err := h.orch.Handoff(ctx, session.ID, params.ToAgent, params.Reason, params.ContextMode)
	if err != nil {
		return nil, err
	}

	return &models.ToolResultContent{
		Text: fmt.Sprintf("Handed off to %q (sub-agent %s). Reason: %s", params.ToAgent, sa.ID, params.Reason),
	}, nil
}
