package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	ctxwindow "github.com/cocode/cocode/internal/context"
	"github.com/cocode/cocode/internal/history"
	"github.com/cocode/cocode/internal/jobs"
	"github.com/cocode/cocode/internal/providers"
	"github.com/cocode/cocode/internal/sessions"
	"github.com/cocode/cocode/internal/tools/policy"
	"github.com/cocode/cocode/pkg/models"
)

// defaultHistoryWindow bounds how many prior messages are loaded per turn.
const defaultHistoryWindow = 50

// processBufferSize is the default buffer size for the event channel Run returns.
const processBufferSize = 16

// maxConcurrentJobs limits the number of concurrent async tool jobs.
const maxConcurrentJobs = 50

// MaxResponseTextSize guards the accumulated response text against a
// malformed or adversarial stream (1MB).
const MaxResponseTextSize = 1 << 20

// MaxToolCallsPerIteration bounds how many tool_use blocks a single model
// turn may emit.
const MaxToolCallsPerIteration = 100

// ToolEventStore persists tool calls and results for audit, replay, and
// analytics. Optional: if nil, tool events are observable only through the
// run's AgentEvent stream.
type ToolEventStore interface {
	AddToolCall(ctx context.Context, sessionID, messageID string, call *models.ToolCall) error
	AddToolResult(ctx context.Context, sessionID, messageID string, call *models.ToolCall, result *models.ToolResultContent) error
}

// LoopConfig configures the agentic loop's turn limits, tool execution, and
// approval gating.
type LoopConfig struct {
	// MaxTurns limits the number of model/tool-execution turns in a run.
	// Default: 200
	MaxTurns int

	// MaxTokens is the default max output tokens for model responses.
	MaxTokens int

	// MaxToolCalls limits the total tool calls per run (0 = unlimited).
	MaxToolCalls int

	// MaxWallTime limits total run duration (0 = no limit).
	MaxWallTime time.Duration

	// ExecutorConfig configures the parallel tool executor.
	ExecutorConfig *ExecutorConfig

	// DisableToolEvents suppresses ToolStarted/ToolFinished AgentEvents.
	DisableToolEvents bool

	// RequireApproval lists tool names/patterns that require approval when
	// no ApprovalChecker is configured.
	RequireApproval []string

	// ApprovalChecker evaluates per-tool approval policy.
	ApprovalChecker *ApprovalChecker

	// PermissionMode is the session-level gate consulted ahead of
	// ApprovalChecker's per-tool policy; see ApprovalChecker.CheckMode.
	PermissionMode PermissionMode

	// SessionApprovals tracks tool+fingerprint pairs already approved this
	// session, consulted by PermissionMode's accept-edits/dont-ask modes.
	SessionApprovals *SessionApprovals

	// ElevatedTools lists tool patterns eligible for elevated full bypass.
	ElevatedTools []string

	// AsyncTools lists tool names to execute asynchronously as jobs.
	AsyncTools []string

	// JobStore receives async tool job updates.
	JobStore jobs.Store

	// ToolResultGuard redacts tool results before persistence.
	ToolResultGuard ToolResultGuard

	// ToolEvents persists tool call/result events when set.
	ToolEvents ToolEventStore

	// EnableMicroCompaction gates tier-2 compaction (replacing aging
	// compactable tool results with persistence markers) in the per-turn
	// budget consult. Tier-3 full compaction runs regardless, once
	// Compactor is set and usage crosses its full threshold.
	EnableMicroCompaction bool

	// ContextWindowTokens overrides the provider's reported context window
	// for budget accounting. 0 uses Capabilities(model).MaxContextTokens,
	// falling back to ctxwindow.DefaultContextWindow.
	ContextWindowTokens int

	// Compactor drives the per-turn context budget consult (spec step:
	// "after each turn, consult the context budget; if over threshold, run
	// compaction"). Nil disables budget consultation entirely.
	Compactor *CompactionManager
}

// DefaultLoopConfig returns the default loop configuration.
func DefaultLoopConfig() *LoopConfig {
	return &LoopConfig{
		MaxTurns:       200,
		MaxTokens:      4096,
		MaxToolCalls:   0,
		MaxWallTime:    0,
		ExecutorConfig: DefaultExecutorConfig(),
		PermissionMode: PermissionDefault,
	}
}

func sanitizeLoopConfig(config *LoopConfig) *LoopConfig {
	if config == nil {
		return DefaultLoopConfig()
	}
	cfg := *config
	defaults := DefaultLoopConfig()
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = defaults.MaxTurns
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = defaults.MaxTokens
	}
	if cfg.ExecutorConfig == nil {
		cfg.ExecutorConfig = defaults.ExecutorConfig
	}
	if cfg.MaxToolCalls < 0 {
		cfg.MaxToolCalls = 0
	}
	if cfg.MaxWallTime < 0 {
		cfg.MaxWallTime = 0
	}
	if cfg.PermissionMode == "" {
		cfg.PermissionMode = defaults.PermissionMode
	}
	if cfg.SessionApprovals == nil {
		cfg.SessionApprovals = NewSessionApprovals()
	}
	return &cfg
}

// Loop drives a multi-turn agentic conversation: stream a model response,
// execute any requested tools, feed results back, repeat until the model
// finishes without a pending tool call or a limit is reached.
//
// Each turn:
//  1. loads and repairs session history, appending the inbound message,
//  2. streams the response through the configured provider, accumulating
//     text/thinking/tool_use content blocks,
//  3. persists the assistant message,
//  4. gates each requested tool call through session and per-tool approval,
//  5. executes allowed calls concurrently via Executor,
//  6. persists a tool-result message and loops, unless the model requested
//     no tools (or queued steering says otherwise).
type Loop struct {
	provider  providers.Adapter
	executor  *Executor
	sessions  sessions.Store
	config    *LoopConfig
	plugins   *PluginRegistry
	compactor *CompactionManager

	defaultModel  string
	defaultSystem string

	jobSem chan struct{}
}

// NewLoop creates a Loop driving the given provider adapter (which may be a
// FailoverOrchestrator wrapping several), tool registry, and session store.
// If config is nil, DefaultLoopConfig is used.
func NewLoop(provider providers.Adapter, registry *ToolRegistry, store sessions.Store, config *LoopConfig) *Loop {
	config = sanitizeLoopConfig(config)
	if registry == nil {
		registry = NewToolRegistry()
	}

	return &Loop{
		provider:  provider,
		executor:  NewExecutor(registry, config.ExecutorConfig),
		sessions:  store,
		config:    config,
		plugins:   NewPluginRegistry(),
		compactor: config.Compactor,
		jobSem:    make(chan struct{}, maxConcurrentJobs),
	}
}

// SetDefaultModel sets the model used when the context carries no override.
func (l *Loop) SetDefaultModel(model string) { l.defaultModel = model }

// SetDefaultSystem sets the system prompt used when the context carries no override.
func (l *Loop) SetDefaultSystem(system string) { l.defaultSystem = system }

// ConfigureTool sets per-tool execution overrides (timeout, retry, priority).
func (l *Loop) ConfigureTool(name string, config *ToolConfig) {
	l.executor.ConfigureTool(name, config)
}

// RegisterTool adds a tool to the loop's registry.
func (l *Loop) RegisterTool(tool Tool) {
	l.executor.registry.Register(tool)
}

// Use registers a plugin that observes every AgentEvent this loop emits.
func (l *Loop) Use(p Plugin) { l.plugins.Use(p) }

// ExecutorMetrics returns a snapshot of the tool executor's metrics.
func (l *Loop) ExecutorMetrics() *ExecutorMetricsSnapshot { return l.executor.Metrics() }

// ResponseChunk is a compatibility bridge for consumers that expect a flat
// stream of text/tool/error chunks rather than the canonical AgentEvent
// stream a Loop's Run emits; see ChunkAdapterSink and eventToChunk.
type ResponseChunk struct {
	Text          string
	ThinkingStart bool
	Thinking      string
	ThinkingEnd   bool
	ToolResult    *ToolResultChunk
	Event         *models.RuntimeEvent
	Error         error
}

// ToolResultChunk is the flattened tool-result shape a ResponseChunk carries.
type ToolResultChunk struct {
	ToolCallID string
	Content    string
	IsError    bool
}

// turnState tracks one Run invocation's progress across turns.
type turnState struct {
	turn           int
	totalToolCalls int
	history        []*models.Message
	assistantMsgID string
}

// Run executes the loop against session and returns a channel of
// AgentEvents, closed when the run completes, is cancelled, or errors.
func (l *Loop) Run(ctx context.Context, session *models.Session, msg *models.Message) (<-chan models.AgentEvent, error) {
	if l.provider == nil {
		return nil, ErrNoProvider
	}
	if session == nil {
		return nil, errors.New("session is nil")
	}
	if msg == nil {
		return nil, errors.New("message is nil")
	}
	if l.sessions == nil {
		return nil, errors.New("no session store configured")
	}

	runCtx := ctx
	var cancel context.CancelFunc
	if l.config.MaxWallTime > 0 {
		runCtx, cancel = context.WithTimeout(ctx, l.config.MaxWallTime)
	}
	runCtx = WithSession(runCtx, session)

	events := make(chan models.AgentEvent, processBufferSize)
	sink := NewMultiSink(NewChanSink(events), NewPluginSink(l.plugins))
	emitter := NewEventEmitter(uuid.NewString(), sink)

	go func() {
		defer close(events)
		if cancel != nil {
			defer cancel()
		}

		emitter.RunStarted(runCtx)
		if err := l.runTurns(runCtx, session, msg, emitter); err != nil {
			switch {
			case errors.Is(err, context.DeadlineExceeded):
				emitter.RunTimedOut(runCtx, l.config.MaxWallTime)
			case errors.Is(err, context.Canceled):
				emitter.RunCancelled(runCtx)
			default:
				emitter.RunError(runCtx, err, false)
			}
			return
		}
		emitter.RunFinished(runCtx, nil)
	}()

	return events, nil
}

func (l *Loop) runTurns(ctx context.Context, session *models.Session, msg *models.Message, emitter *EventEmitter) error {
	history, err := l.sessions.GetHistory(ctx, session.ID, defaultHistoryWindow)
	if err != nil {
		return fmt.Errorf("load history: %w", err)
	}
	history = repairTranscript(history)

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Role == "" {
		msg.Role = models.RoleUser
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now()
	}
	if err := l.sessions.AppendMessage(ctx, session.ID, msg); err != nil {
		return fmt.Errorf("persist inbound message: %w", err)
	}
	history = append(history, msg)

	state := &turnState{history: history}
	steeringQueue := SteeringQueueFromContext(ctx)

	for state.turn < l.config.MaxTurns {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		emitter.SetTurn(state.turn)
		emitter.TurnStarted(ctx)
		emitter.IterStarted(ctx)

		assistantMsg, toolCalls, err := l.streamTurn(ctx, state, emitter)
		if err != nil {
			return err
		}

		if l.config.MaxToolCalls > 0 && state.totalToolCalls+len(toolCalls) > l.config.MaxToolCalls {
			return fmt.Errorf("tool calls exceed maximum of %d for run", l.config.MaxToolCalls)
		}
		state.totalToolCalls += len(toolCalls)

		if err := l.sessions.AppendMessage(ctx, session.ID, assistantMsg); err != nil {
			return fmt.Errorf("persist assistant message: %w", err)
		}
		state.history = append(state.history, assistantMsg)
		state.assistantMsgID = assistantMsg.ID

		if l.config.ToolEvents != nil {
			for _, tc := range toolCalls {
				_ = l.config.ToolEvents.AddToolCall(ctx, session.ID, assistantMsg.ID, tc)
			}
		}

		if len(toolCalls) == 0 {
			emitter.IterFinished(ctx)
			emitter.TurnFinished(ctx)
			if steeringQueue != nil {
				if followUps := steeringQueue.GetFollowUpMessages(); len(followUps) > 0 {
					for _, f := range followUps {
						if err := l.appendUserText(ctx, session, state, f.Role, f.Content); err != nil {
							return err
						}
					}
					emitter.FollowUpQueued(ctx, followUps[0].Content, len(followUps))
					if err := l.maybeCompact(ctx, session, state, emitter); err != nil {
						return err
					}
					state.turn++
					continue
				}
			}
			return nil
		}

		resolver, _, _ := toolPolicyFromContext(ctx)
		toolMsg, err := l.executeTurn(ctx, session, state, toolCalls, resolver, emitter)
		if err != nil {
			return err
		}
		if err := l.sessions.AppendMessage(ctx, session.ID, toolMsg); err != nil {
			return fmt.Errorf("persist tool result message: %w", err)
		}
		state.history = append(state.history, toolMsg)
		emitter.IterFinished(ctx)

		if steeringQueue != nil {
			if steeringMsgs := steeringQueue.GetSteeringMessages(); len(steeringMsgs) > 0 {
				for _, s := range steeringMsgs {
					if err := l.appendUserText(ctx, session, state, s.Role, s.Content); err != nil {
						return err
					}
					emitter.SteeringInjected(ctx, s.Content, s.Priority)
				}
			}
		}

		emitter.TurnFinished(ctx)

		if err := l.maybeCompact(ctx, session, state, emitter); err != nil {
			return err
		}

		state.turn++
	}

	return ErrMaxTurns
}

// maybeCompact consults the context budget after a turn and, when
// l.compactor is configured, runs whichever compaction tier the usage
// warrants. Tier-2 micro-compaction only runs when EnableMicroCompaction is
// set; tier-3 full compaction runs whenever the full threshold is crossed,
// since at that point compaction is the only way to stay within budget.
func (l *Loop) maybeCompact(ctx context.Context, session *models.Session, state *turnState, emitter *EventEmitter) error {
	if l.compactor == nil {
		return nil
	}

	budget := l.buildBudget(ctx, state.history)
	result, err := l.compactor.Evaluate(ctx, session.ID, state.history, budget, state.turn, l.config.EnableMicroCompaction)
	if err != nil {
		return fmt.Errorf("context budget compaction: %w", err)
	}
	if result.Tier == TierNone {
		return nil
	}

	state.history = result.Messages
	emitter.ContextPacked(ctx, &models.ContextEventPayload{
		Included:    len(result.Messages),
		Dropped:     result.DroppedCount,
		SummaryUsed: result.Tier == TierFull,
	})
	return nil
}

// buildBudget estimates a models.ContextBudget for the accumulated history
// so maybeCompact can decide whether compaction is due this turn.
func (l *Loop) buildBudget(ctx context.Context, msgs []*models.Message) *models.ContextBudget {
	total := l.config.ContextWindowTokens
	if total <= 0 && l.provider != nil {
		total = l.provider.Capabilities(l.defaultModel).MaxContextTokens
	}
	if total <= 0 {
		total = ctxwindow.DefaultContextWindow
	}

	budget := ctxwindow.NewBudget(total, map[models.BudgetCategory]int{
		models.BudgetOutputReserve: l.config.MaxTokens,
	})

	var sb strings.Builder
	for _, m := range msgs {
		if m == nil {
			continue
		}
		sb.WriteString(m.Text())
		for _, tr := range m.ToolResults() {
			if tr.ToolResultContent != nil {
				sb.WriteString(tr.ToolResultContent.FlattenToText())
			}
		}
	}
	budget.Used[models.BudgetConversationHistory] = ctxwindow.EstimateTokensWith(ctx, l.provider, l.defaultModel, sb.String())
	return budget
}

func (l *Loop) appendUserText(ctx context.Context, session *models.Session, state *turnState, role, content string) error {
	if role == "" {
		role = string(models.RoleUser)
	}
	m := &models.Message{
		ID:        uuid.NewString(),
		Role:      models.Role(role),
		Content:   []models.ContentBlock{{Type: models.BlockText, Text: content}},
		CreatedAt: time.Now(),
	}
	if err := l.sessions.AppendMessage(ctx, session.ID, m); err != nil {
		return fmt.Errorf("persist steering message: %w", err)
	}
	state.history = append(state.history, m)
	return nil
}

// streamTurn calls the provider with the accumulated history and collects
// the resulting assistant message and any requested tool calls.
func (l *Loop) streamTurn(ctx context.Context, state *turnState, emitter *EventEmitter) (*models.Message, []*models.ToolCall, error) {
	llmTools := l.executor.registry.AsLLMTools()
	if resolver, toolPolicy, ok := toolPolicyFromContext(ctx); ok {
		llmTools = filterToolsByPolicy(resolver, toolPolicy, llmTools)
	}
	tools := make([]providers.ToolDefinition, 0, len(llmTools))
	for _, t := range llmTools {
		tools = append(tools, providers.ToolDefinition{
			Name:        t.Name(),
			Description: t.Description(),
			InputSchema: t.Schema(),
		})
	}

	req := &providers.Request{
		Model:     l.defaultModel,
		System:    l.defaultSystem,
		Messages:  state.history,
		Tools:     tools,
		MaxTokens: l.config.MaxTokens,
	}
	if system, ok := systemPromptFromContext(ctx); ok {
		req.System = system
	}
	if model, ok := modelFromContext(ctx); ok {
		req.Model = model
	}
	if thinkingLevel := ThinkingLevelFromContext(ctx); thinkingLevel != ThinkingOff {
		if budget := GetThinkingBudget(thinkingLevel); budget > 0 {
			req.EnableThinking = true
			req.ThinkingBudgetTokens = budget
		}
	}

	streamCtx := ctx
	if resolver := APIKeyResolverFromContext(ctx); resolver != nil {
		key, err := resolver(ctx, l.provider.Name())
		if err != nil {
			return nil, nil, fmt.Errorf("API key resolution failed: %w", err)
		}
		if key != "" {
			streamCtx = WithResolvedAPIKey(ctx, key)
		}
	}

	stream, err := l.provider.Stream(streamCtx, req)
	if err != nil {
		return nil, nil, err
	}

	builder := history.NewStreamingBuilder(state.turn + 1)
	var toolCalls []*models.ToolCall
	var usage *models.Usage

	for ev := range stream {
		if ev.Err != nil {
			return nil, nil, ev.Err
		}
		switch ev.Type {
		case providers.StreamThinkingStart:
			builder.AppendThinkingDelta("")
		case providers.StreamThinkingDelta:
			emitter.ModelDelta(ctx, ev.ThinkingDelta)
			builder.AppendThinkingDelta(ev.ThinkingDelta)
		case providers.StreamTextDelta:
			if builder.TextLen()+len(ev.TextDelta) > MaxResponseTextSize {
				return nil, nil, fmt.Errorf("response text exceeds maximum size of %d bytes", MaxResponseTextSize)
			}
			emitter.ModelDelta(ctx, ev.TextDelta)
			builder.AppendTextDelta(ev.TextDelta)
		case providers.StreamToolUse:
			if len(toolCalls) >= MaxToolCallsPerIteration {
				return nil, nil, fmt.Errorf("tool calls exceed maximum of %d per iteration", MaxToolCallsPerIteration)
			}
			builder.AppendToolUse(models.ContentBlock{
				Type:      models.BlockToolUse,
				ToolUseID: ev.ToolUseID,
				ToolName:  ev.ToolName,
				ToolInput: json.RawMessage(ev.ToolInputJSON),
			})
			toolCalls = append(toolCalls, &models.ToolCall{
				ID:        ev.ToolUseID,
				Name:      ev.ToolName,
				Args:      json.RawMessage(ev.ToolInputJSON),
				Status:    models.ToolCallPending,
				CreatedAt: time.Now(),
			})
		case providers.StreamMessageDone:
			if ev.Usage != nil {
				usage = ev.Usage
			}
		}
	}

	if usage != nil {
		emitter.ModelCompleted(ctx, l.provider.Name(), req.Model, usage.InputTokens, usage.OutputTokens)
		builder.SetUsage(usage)
	}

	assistantMsg := builder.Finalize()
	return assistantMsg, toolCalls, nil
}

// executeTurn gates, executes, and persists results for one batch of
// requested tool calls, returning the tool-result message to append.
func (l *Loop) executeTurn(ctx context.Context, session *models.Session, state *turnState, toolCalls []*models.ToolCall, resolver *policy.Resolver, emitter *EventEmitter) (*models.Message, error) {
	_, toolPolicy, hasPolicy := toolPolicyFromContext(ctx)
	approvalChecker := l.config.ApprovalChecker
	elevatedMode := ElevatedFromContext(ctx)

	runnable := make([]*models.ToolCall, 0, len(toolCalls))

	for _, tc := range toolCalls {
		if hasPolicy && !resolver.IsAllowed(toolPolicy, tc.Name) {
			l.denyCall(tc, "tool not allowed: "+tc.Name)
			continue
		}

		if approvalChecker != nil {
			decision, reason := l.checkApproval(ctx, session, tc, resolver, approvalChecker, elevatedMode)
			switch decision {
			case ApprovalDenied:
				l.denyCall(tc, "tool denied by approval policy: "+reason)
				continue
			case ApprovalPending:
				var approvalID string
				if req, err := approvalChecker.CreateApprovalRequest(ctx, session.ID, session.ID, *tc, reason); err == nil && req != nil {
					approvalID = req.ID
				}
				content := "approval required for tool: " + tc.Name
				if approvalID != "" {
					content = fmt.Sprintf("%s (id: %s)", content, approvalID)
				}
				l.denyCall(tc, content)
				continue
			}
		} else if matchesToolPatterns(l.config.RequireApproval, tc.Name, resolver) {
			if !(elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.Name, resolver)) {
				l.denyCall(tc, "approval required for tool: "+tc.Name)
				continue
			}
		}

		if l.isAsyncTool(tc.Name, resolver) && l.config.JobStore != nil {
			l.queueAsyncJob(tc)
			continue
		}

		runnable = append(runnable, tc)
	}

	if !l.config.DisableToolEvents {
		for _, tc := range runnable {
			emitter.ToolStarted(ctx, tc.ID, tc.Name, tc.Args)
		}
	}

	results := l.executor.ExecuteAll(ctx, runnable, nil)
	if !l.config.DisableToolEvents {
		for i, r := range results {
			if r == nil {
				continue
			}
			tc := runnable[i]
			var resultJSON []byte
			if tc.Output != nil {
				resultJSON = []byte(tc.Output.FlattenToText())
			}
			emitter.ToolFinished(ctx, tc.ID, tc.Name, !tc.IsError, resultJSON, r.Duration)
		}
	}

	guardToolResults(l.config.ToolResultGuard, toolCalls, resolver)

	if l.config.ToolEvents != nil {
		for _, tc := range toolCalls {
			_ = l.config.ToolEvents.AddToolResult(ctx, session.ID, state.assistantMsgID, tc, tc.Output)
		}
	}

	content := make([]models.ContentBlock, 0, len(toolCalls))
	for _, tc := range toolCalls {
		content = append(content, models.ContentBlock{
			Type:              models.BlockToolResult,
			ToolResultID:      tc.ID,
			ToolResultContent: tc.Output,
			ToolResultIsError: tc.IsError,
		})
	}

	return &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleToolResult,
		Content:   content,
		Turn:      state.turn + 1,
		CreatedAt: time.Now(),
	}, nil
}

// denyCall marks a tool call as aborted before execution, recording reason
// as its output so the model sees why the call did not run.
func (l *Loop) denyCall(tc *models.ToolCall, reason string) {
	tc.Output = &models.ToolResultContent{Text: reason}
	tc.IsError = true
	_ = tc.Transition(models.ToolCallAborted)
}

func (l *Loop) checkApproval(ctx context.Context, session *models.Session, tc *models.ToolCall, resolver *policy.Resolver, checker *ApprovalChecker, elevatedMode ElevatedMode) (ApprovalDecision, string) {
	isWrite := matchesToolPatterns(l.config.RequireApproval, tc.Name, resolver)
	fingerprint := tc.Name + ":" + string(tc.Args)
	if decision, reason, fallsThrough := checker.CheckMode(l.config.PermissionMode, tc.Name, isWrite, fingerprint, l.config.SessionApprovals); !fallsThrough {
		return decision, reason
	}

	decision, reason := checker.Check(ctx, session.ID, *tc)
	if decision == ApprovalPending && elevatedMode == ElevatedFull && matchesToolPatterns(l.config.ElevatedTools, tc.Name, resolver) {
		return ApprovalAllowed, "elevated full"
	}
	return decision, reason
}

func (l *Loop) isAsyncTool(name string, resolver *policy.Resolver) bool {
	return matchesToolPatterns(l.config.AsyncTools, name, resolver)
}

// queueAsyncJob records the call as a queued job and marks the call
// succeeded with the job id as its output, since queuing (not running) is
// the synchronous outcome the model observes for an async tool.
func (l *Loop) queueAsyncJob(tc *models.ToolCall) {
	job := &jobs.Job{
		ID:         uuid.NewString(),
		ToolName:   tc.Name,
		ToolCallID: tc.ID,
		Status:     jobs.StatusQueued,
		CreatedAt:  time.Now(),
	}
	if l.config.JobStore != nil {
		_ = l.config.JobStore.Create(context.Background(), job)
	}

	payload, err := json.Marshal(map[string]any{"job_id": job.ID, "status": job.Status})
	if err != nil {
		tc.Output = &models.ToolResultContent{Text: fmt.Sprintf("failed to encode job payload: %v", err)}
		tc.IsError = true
		_ = tc.Transition(models.ToolCallAborted)
		return
	}
	tc.Output = &models.ToolResultContent{JSON: payload}
	tc.IsError = false
	_ = tc.Transition(models.ToolCallRunning)
	_ = tc.Transition(models.ToolCallSuccess)

	if l.config.JobStore == nil {
		return
	}
	select {
	case l.jobSem <- struct{}{}:
		go func() {
			defer func() { <-l.jobSem }()
			l.runToolJob(tc, job)
		}()
	default:
		go l.runToolJob(tc, job)
	}
}

func (l *Loop) runToolJob(tc *models.ToolCall, job *jobs.Job) {
	if job == nil || l.config.JobStore == nil {
		return
	}
	ctx := context.Background()
	job.Status = jobs.StatusRunning
	job.StartedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)

	jobCall := &models.ToolCall{
		ID:        tc.ID,
		Name:      tc.Name,
		Args:      tc.Args,
		Status:    models.ToolCallPending,
		CreatedAt: tc.CreatedAt,
	}
	results := l.executor.ExecuteAll(ctx, []*models.ToolCall{jobCall}, nil)
	if len(results) == 0 || results[0] == nil {
		job.Status = jobs.StatusFailed
		job.Error = "tool execution failed"
		job.FinishedAt = time.Now()
		_ = l.config.JobStore.Update(ctx, job)
		return
	}

	if jobCall.IsError {
		job.Status = jobs.StatusFailed
		if jobCall.Output != nil {
			job.Error = jobCall.Output.FlattenToText()
		}
	} else {
		job.Status = jobs.StatusSucceeded
		job.Result = jobCall.Output
	}
	job.FinishedAt = time.Now()
	_ = l.config.JobStore.Update(ctx, job)
}
