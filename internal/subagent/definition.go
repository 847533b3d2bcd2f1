// Package subagent loads named sub-agent definitions and routes tasks to
// them, on top of the spawn/cancel primitives in tools/subagent.
package subagent

import (
	"encoding/json"

	"github.com/cocode/cocode/internal/tools/policy"
)

// Definition describes a named sub-agent: its prompt, model override, tool
// access, and the triggers that make the Router select it.
type Definition struct {
	ID                 string         `yaml:"id"`
	Name               string         `yaml:"name"`
	Description        string         `yaml:"description"`
	SystemPrompt       string         `yaml:"system_prompt"`
	Model              string         `yaml:"model,omitempty"`
	Provider           string         `yaml:"provider,omitempty"`
	AllowedTools       []string       `yaml:"allowed_tools,omitempty"`
	DeniedTools        []string       `yaml:"denied_tools,omitempty"`
	Triggers           []Trigger      `yaml:"triggers,omitempty"`
	CanReceiveHandoffs bool           `yaml:"can_receive_handoffs"`
	Metadata           map[string]any `yaml:"metadata,omitempty"`
}

// Trigger is a condition the Router evaluates against a message to decide
// whether this definition is a candidate handoff target.
type Trigger struct {
	Type   TriggerType `yaml:"type"`
	Value  string      `yaml:"value,omitempty"`
	Values []string    `yaml:"values,omitempty"`
}

// TriggerType names the kind of condition a Trigger evaluates.
type TriggerType string

const (
	TriggerKeyword  TriggerType = "keyword"
	TriggerPattern  TriggerType = "pattern"
	TriggerToolUse  TriggerType = "tool_use"
	TriggerFallback TriggerType = "fallback"
	TriggerAlways   TriggerType = "always"
)

// ToolPolicy builds a policy.Policy from the definition's tool allow/deny lists.
func (d *Definition) ToolPolicy() *policy.Policy {
	if len(d.AllowedTools) == 0 && len(d.DeniedTools) == 0 {
		return nil
	}
	return &policy.Policy{Allow: d.AllowedTools, Deny: d.DeniedTools}
}

// ToJSON serializes the definition, mainly for diagnostics and the
// subagent_list tool's output.
func (d *Definition) ToJSON() ([]byte, error) {
	return json.Marshal(d)
}
