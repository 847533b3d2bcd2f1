package subagent

import (
	"context"
	"fmt"
	"sync"

	toolsubagent "github.com/cocode/cocode/internal/tools/subagent"
	"github.com/cocode/cocode/pkg/models"
)

// Orchestrator composes a Router over loaded Definitions with the baseline
// tools/subagent.Manager spawn path. It is optional: a deployment with no
// agents/*.yaml files gets an empty Router and falls back entirely to the
// plain spawn_subagent/subagent_status/subagent_cancel tools.
type Orchestrator struct {
	mu     sync.RWMutex
	router *Router
	mgr    *toolsubagent.Manager

	// active maps a parent session ID to the definition ID currently
	// handling it, so a later handoff call knows where control came from.
	active map[string]string
}

// NewOrchestrator builds an Orchestrator from definitions loaded via
// LoadDefinitionsDir, driving spawns through mgr.
func NewOrchestrator(defs []*Definition, mgr *toolsubagent.Manager) *Orchestrator {
	return &Orchestrator{
		router: NewRouter(defs),
		mgr:    mgr,
		active: make(map[string]string),
	}
}

// Route picks a definition for msg and, if one matches with non-trivial
// confidence, spawns it as a sub-agent scoped by the definition's tool
// policy and system prompt. Returns ok=false when no definition claims the
// message, in which case the caller proceeds with its normal agent loop.
func (o *Orchestrator) Route(ctx context.Context, parentSessionID string, msg *models.Message) (*toolsubagent.SubAgent, bool, error) {
	matches := o.router.Route(msg)
	if len(matches) == 0 {
		return nil, false, nil
	}

	top := matches[0]
	task := msg.Text()
	if top.Definition.SystemPrompt != "" {
		task = top.Definition.SystemPrompt + "\n\n" + task
	}

	sa, err := o.mgr.Spawn(ctx, parentSessionID, parentSessionID, top.Definition.Name, task,
		top.Definition.AllowedTools, top.Definition.DeniedTools)
	if err != nil {
		return nil, false, err
	}

	o.mu.Lock()
	o.active[parentSessionID] = top.Definition.ID
	o.mu.Unlock()

	return sa, true, nil
}

// Handoff transfers a running conversation to another registered
// definition, spawning it the same way Route does but driven explicitly by
// the handoff tool rather than trigger matching.
func (o *Orchestrator) Handoff(ctx context.Context, parentSessionID, toAgent, reason, contextMode string) (*toolsubagent.SubAgent, error) {
	def, ok := o.router.FindByName(toAgent)
	if !ok {
		return nil, fmt.Errorf("no such sub-agent: %s", toAgent)
	}

	task := reason
	if contextMode == "full" {
		if sa, ok := o.currentSubAgent(parentSessionID); ok && sa.Task != "" {
			task = sa.Task + "\n\n" + reason
		}
	}
	if def.SystemPrompt != "" {
		task = def.SystemPrompt + "\n\n" + task
	}

	sa, err := o.mgr.Spawn(ctx, parentSessionID, parentSessionID, def.Name, task, def.AllowedTools, def.DeniedTools)
	if err != nil {
		return nil, err
	}

	o.mu.Lock()
	o.active[parentSessionID] = def.ID
	o.mu.Unlock()

	return sa, nil
}

func (o *Orchestrator) currentSubAgent(parentSessionID string) (*toolsubagent.SubAgent, bool) {
	for _, sa := range o.mgr.List(parentSessionID) {
		if sa.Status == "running" {
			return sa, true
		}
	}
	return nil, false
}

// Definitions exposes the registered definitions, for a subagent_list tool
// or diagnostics.
func (o *Orchestrator) Definitions() []*Definition {
	return o.router.Definitions()
}
