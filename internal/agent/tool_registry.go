package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/cocode/cocode/internal/providers"
	"github.com/cocode/cocode/internal/tools/policy"
	"github.com/cocode/cocode/pkg/models"
)

// Tool is one executable capability offered to the model: a name, a
// description and JSON Schema advertised in the provider's tool list, and
// an Execute method invoked when the model emits a matching tool_use block.
type Tool interface {
	Name() string
	Description() string
	Schema() json.RawMessage
	Execute(ctx context.Context, args json.RawMessage) (*models.ToolResultContent, error)
}

// ToolRegistry manages available tools with thread-safe registration and lookup.
// Tools are registered by name and can be retrieved for execution during agent conversations.
type ToolRegistry struct {
	mu      sync.RWMutex
	tools   map[string]Tool
	schemas map[string]*jsonschema.Schema
	// schemaErrs holds a compile error for a tool whose Schema() did not
	// compile, keyed by tool name. Execute rejects calls to such a tool
	// rather than silently skipping validation.
	schemaErrs map[string]error
}

// NewToolRegistry creates a new empty tool registry ready for tool registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{
		tools:      make(map[string]Tool),
		schemas:    make(map[string]*jsonschema.Schema),
		schemaErrs: make(map[string]error),
	}
}

// Register adds a tool to the registry by its name, compiling its JSON
// Schema once so Execute can validate arguments against it on every call
// without recompiling. If a tool with the same name already exists, it is
// replaced.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := tool.Name()
	r.tools[name] = tool
	delete(r.schemas, name)
	delete(r.schemaErrs, name)

	schema, err := compileToolSchema(name, tool.Schema())
	if err != nil {
		r.schemaErrs[name] = fmt.Errorf("compile schema for tool %q: %w", name, err)
		return
	}
	r.schemas[name] = schema
}

// compileToolSchema compiles a tool's advertised JSON Schema. An empty or
// unset schema is treated as "accepts anything" rather than a compile
// error, since several tools (e.g. ones with no parameters) return no
// schema at all.
func compileToolSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		raw = json.RawMessage(`{}`)
	}
	return jsonschema.CompileString("tool:"+name, string(raw))
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	delete(r.schemas, name)
	delete(r.schemaErrs, name)
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Tool parameter limits to prevent resource exhaustion
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// Execute runs a tool by name with the given JSON arguments.
// Returns an error result if the tool is not found or arguments are invalid.
func (r *ToolRegistry) Execute(ctx context.Context, name string, args json.RawMessage) (*models.ToolResultContent, error) {
	if len(name) > MaxToolNameLength {
		return &models.ToolResultContent{Text: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength)}, fmt.Errorf("tool name too long")
	}
	if len(args) > MaxToolParamsSize {
		return &models.ToolResultContent{Text: fmt.Sprintf("tool arguments exceed maximum size of %d bytes", MaxToolParamsSize)}, fmt.Errorf("tool arguments too large")
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	schema := r.schemas[name]
	schemaErr := r.schemaErrs[name]
	r.mu.RUnlock()
	if !ok {
		return &models.ToolResultContent{Text: "tool not found: " + name}, ErrToolNotFound
	}
	if schemaErr != nil {
		return &models.ToolResultContent{Text: schemaErr.Error()}, schemaErr
	}
	if schema != nil {
		if err := validateToolArgs(schema, args); err != nil {
			return &models.ToolResultContent{Text: fmt.Sprintf("invalid arguments for tool %q: %v", name, err)}, fmt.Errorf("%w: %s: %v", ErrInvalidToolArgs, name, err)
		}
	}
	return tool.Execute(ctx, args)
}

// validateToolArgs decodes args generically (as jsonschema.Validate expects
// any, not raw bytes) and checks it against the tool's compiled schema.
func validateToolArgs(schema *jsonschema.Schema, args json.RawMessage) error {
	var decoded any
	if len(args) == 0 {
		decoded = map[string]any{}
	} else if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return schema.Validate(decoded)
}

// AsToolDefinitions returns every registered tool as a wire-agnostic
// ToolDefinition for passing to a provider adapter's Request.Tools.
func (r *ToolRegistry) AsToolDefinitions() []providers.ToolDefinition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]providers.ToolDefinition, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}
	return defs
}

// AsLLMTools returns all registered tools as a slice, for callers that need
// the full Tool (not just its wire definition).
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}

func filterToolsByPolicy(resolver *policy.Resolver, toolPolicy *policy.Policy, tools []Tool) []Tool {
	if resolver == nil || toolPolicy == nil {
		return tools
	}
	filtered := make([]Tool, 0, len(tools))
	for _, tool := range tools {
		if resolver.IsAllowed(toolPolicy, tool.Name()) {
			filtered = append(filtered, tool)
		}
	}
	return filtered
}

func normalizeToolName(name string, resolver *policy.Resolver) string {
	if resolver == nil {
		return policy.NormalizeTool(name)
	}
	return resolver.CanonicalName(name)
}

func matchesToolPatterns(patterns []string, toolName string, resolver *policy.Resolver) bool {
	if len(patterns) == 0 {
		return false
	}
	name := normalizeToolName(toolName, resolver)
	for _, pattern := range patterns {
		if matchToolPattern(normalizeToolName(pattern, resolver), name) {
			return true
		}
	}
	return false
}

func matchToolPattern(pattern, toolName string) bool {
	if pattern == "" || toolName == "" {
		return false
	}
	if pattern == "mcp:*" {
		return strings.HasPrefix(toolName, "mcp:")
	}
	if strings.HasSuffix(pattern, ".*") {
		prefix := strings.TrimSuffix(pattern, "*")
		return strings.HasPrefix(toolName, prefix)
	}
	return pattern == toolName
}

// guardToolResult applies a ToolResultGuard to a single tool call's output.
func guardToolResult(guard ToolResultGuard, toolName string, result *models.ToolResultContent, resolver *policy.Resolver) *models.ToolResultContent {
	return guard.Apply(toolName, result, resolver)
}

// guardToolResults applies a ToolResultGuard across a batch of completed
// tool calls in place, keyed by each call's own Name.
func guardToolResults(guard ToolResultGuard, calls []*models.ToolCall, resolver *policy.Resolver) {
	if !guard.active() {
		return
	}
	for _, tc := range calls {
		if tc == nil || tc.Output == nil {
			continue
		}
		tc.Output = guardToolResult(guard, tc.Name, tc.Output, resolver)
	}
}

type sessionLock struct {
	mu   sync.Mutex
	refs int
}
