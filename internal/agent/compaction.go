package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	agentctx "github.com/cocode/cocode/internal/agent/context"
	"github.com/cocode/cocode/internal/providers"
	"github.com/cocode/cocode/pkg/models"
)

// CompactionState tracks compaction status for a session.
type CompactionState string

const (
	// CompactionIdle means context usage is under both thresholds.
	CompactionIdle CompactionState = "idle"
	// CompactionMicroDone means the last turn's evaluation ran tier-2
	// micro-compaction (marker replacement, no summarization).
	CompactionMicroDone CompactionState = "micro_done"
	// CompactionAwaitingConfirm means a full compaction was proposed and is
	// waiting for user confirmation before replacing history with a summary.
	CompactionAwaitingConfirm CompactionState = "awaiting_confirm"
	// CompactionInProgress means a full compaction is actively summarizing.
	CompactionInProgress CompactionState = "in_progress"
)

// CompactionTier identifies which tier Evaluate ran on a given turn.
type CompactionTier int

const (
	// TierNone means usage was below both thresholds; nothing changed.
	TierNone CompactionTier = iota
	// TierMicro replaced older compactable tool results with persistence
	// markers. History shrinks; no information is lost, just displaced to
	// sidecar storage.
	TierMicro
	// TierFull replaced everything before a cutoff with a single summary
	// message, attaching a RestorationAttachment for any tier-2 markers
	// that were swept up into the summarized range.
	TierFull
)

// CompactionConfig configures the three-tier compaction engine.
type CompactionConfig struct {
	// Enabled turns on automatic compaction evaluation.
	Enabled bool

	// MicroThresholdPercent is the budget usage percentage (0-100) at which
	// tier-2 micro-compaction kicks in. Default: 60.
	MicroThresholdPercent int

	// FullThresholdPercent is the budget usage percentage (0-100) at which
	// tier-3 full compaction (summarize + restoration attachment) kicks in.
	// Default: 80.
	FullThresholdPercent int

	// KeepRecentToolResults is how many of the most recent compactable tool
	// results tier-2 leaves verbatim. Default: 5.
	KeepRecentToolResults int

	// PreserveBudgetTokens is the token budget tier-3 reserves for messages
	// kept verbatim after the summary (the tail of the conversation).
	// Default: 20000.
	PreserveBudgetTokens int

	// MaxRestorationFiles caps how many sidecar refs a restoration
	// attachment lists. Default: 50.
	MaxRestorationFiles int

	// MaxRestorationBytes caps the total content size a restoration
	// attachment inlines before it starts listing refs only. Default: 65536.
	MaxRestorationBytes int

	// ConfirmationTimeout is how long Evaluate waits in
	// CompactionAwaitingConfirm before AutoCompactOnTimeout applies.
	ConfirmationTimeout time.Duration

	// AutoCompactOnTimeout runs the full compaction automatically if
	// confirmation times out instead of resetting to idle.
	AutoCompactOnTimeout bool
}

// DefaultCompactionConfig returns sensible defaults.
func DefaultCompactionConfig() *CompactionConfig {
	return &CompactionConfig{
		Enabled:               true,
		MicroThresholdPercent: 60,
		FullThresholdPercent:  80,
		KeepRecentToolResults: 5,
		PreserveBudgetTokens:  20000,
		MaxRestorationFiles:   50,
		MaxRestorationBytes:   65536,
		ConfirmationTimeout:   5 * time.Minute,
		AutoCompactOnTimeout:  true,
	}
}

// RestorationFile points at one sidecar-persisted tool result that was
// folded into a tier-3 summary, so a later turn can still fetch it verbatim.
type RestorationFile struct {
	Ref   string `json:"ref"`
	Lines int    `json:"lines"`
	Bytes int    `json:"bytes"`
}

// RestorationAttachment lists the sidecar refs a full compaction swept into
// its summarized range, capped so the attachment itself doesn't become the
// next context problem.
type RestorationAttachment struct {
	Files     []RestorationFile `json:"files"`
	Truncated bool              `json:"truncated"`
}

// CompactionResult is what Evaluate produced for one turn.
type CompactionResult struct {
	Tier         CompactionTier
	Messages     []*models.Message
	Restoration  *RestorationAttachment
	DroppedCount int
}

// CompactionManager evaluates context budget usage each turn and applies
// the tier the usage warrants: tier-2 micro-compaction replaces aging tool
// output with persistence markers, tier-3 full compaction summarizes
// everything before a cutoff into one message.
type CompactionManager struct {
	mu       sync.RWMutex
	config   *CompactionConfig
	provider providers.Adapter
	model    string
	sidecar  agentctx.SidecarWriter
	sessions map[string]*sessionCompaction

	onCompactionComplete func(ctx context.Context, sessionID string, result *CompactionResult) error
}

type sessionCompaction struct {
	state         CompactionState
	lastCheck     time.Time
	awaitingSince time.Time
	usagePercent  int
	lastTier      CompactionTier
}

// NewCompactionManager creates a compaction manager. provider is used as the
// tier-3 summarization backend and may be nil to disable tier 3; sidecar
// persists tier-2 displaced tool output and may be nil to disable tier 2.
func NewCompactionManager(config *CompactionConfig, provider providers.Adapter, model string, sidecar agentctx.SidecarWriter) *CompactionManager {
	if config == nil {
		config = DefaultCompactionConfig()
	}
	return &CompactionManager{
		config:   config,
		provider: provider,
		model:    model,
		sidecar:  sidecar,
		sessions: make(map[string]*sessionCompaction),
	}
}

// SetCompactionCallback sets the function called after a tier-3 full
// compaction completes, e.g. to emit a ContextPacked event.
func (m *CompactionManager) SetCompactionCallback(fn func(ctx context.Context, sessionID string, result *CompactionResult) error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onCompactionComplete = fn
}

// Evaluate runs the compaction pipeline for one turn. enableMicro gates
// tier 2 (LoopConfig.EnableMicroCompaction); tier 3 always runs once the
// full threshold is crossed, since it's the only remaining way to keep the
// conversation within budget. Returns a TierNone result (messages
// unchanged) if compaction is disabled, usage is under both thresholds, or
// the manager has no summarizer/sidecar to act with.
func (m *CompactionManager) Evaluate(ctx context.Context, sessionID string, messages []*models.Message, budget *models.ContextBudget, turn int, enableMicro bool) (*CompactionResult, error) {
	if !m.config.Enabled || budget == nil {
		return &CompactionResult{Tier: TierNone, Messages: messages}, nil
	}

	usagePercent := 0
	if budget.TotalTokens > 0 {
		usagePercent = (budget.UsedTotal() * 100) / budget.TotalTokens
	}

	m.mu.Lock()
	session := m.sessions[sessionID]
	if session == nil {
		session = &sessionCompaction{state: CompactionIdle}
		m.sessions[sessionID] = session
	}
	session.lastCheck = time.Now()
	session.usagePercent = usagePercent
	m.mu.Unlock()

	fullFraction := float64(m.config.FullThresholdPercent) / 100
	microFraction := float64(m.config.MicroThresholdPercent) / 100

	if budget.NeedsCompaction(fullFraction) && m.provider != nil {
		result, err := m.performFullCompact(ctx, sessionID, messages, turn)
		if err != nil {
			return nil, err
		}
		return result, nil
	}

	if enableMicro && budget.NeedsCompaction(microFraction) && m.sidecar != nil {
		compacted, err := agentctx.MicroCompact(ctx, messages, m.config.KeepRecentToolResults, m.sidecar)
		if err != nil {
			return nil, fmt.Errorf("compaction: micro-compact: %w", err)
		}
		m.mu.Lock()
		session.state = CompactionMicroDone
		session.lastTier = TierMicro
		m.mu.Unlock()
		return &CompactionResult{Tier: TierMicro, Messages: compacted}, nil
	}

	m.mu.Lock()
	session.state = CompactionIdle
	session.lastTier = TierNone
	m.mu.Unlock()
	return &CompactionResult{Tier: TierNone, Messages: messages}, nil
}

// performFullCompact summarizes everything before the cutoff into one
// models.RoleCompactionSummary message, building a RestorationAttachment
// from any tier-2 markers the summarized range swept up.
func (m *CompactionManager) performFullCompact(ctx context.Context, sessionID string, messages []*models.Message, turn int) (*CompactionResult, error) {
	m.mu.Lock()
	session := m.sessions[sessionID]
	session.state = CompactionInProgress
	m.mu.Unlock()

	keepRecent := estimateKeepCount(messages, m.config.PreserveBudgetTokens)
	currentSummary := agentctx.FindLatestSummary(messages)

	toSummarize := agentctx.GetMessagesToSummarize(messages, currentSummary, keepRecent)
	if len(toSummarize) == 0 {
		m.mu.Lock()
		session.state = CompactionIdle
		m.mu.Unlock()
		return &CompactionResult{Tier: TierNone, Messages: messages}, nil
	}
	restoration := buildRestorationAttachment(toSummarize, m.config.MaxRestorationFiles, m.config.MaxRestorationBytes)

	summarizer := agentctx.NewSummarizer(newProviderSummaryAdapter(m.provider, m.model), agentctx.SummarizationConfig{
		MaxMsgsBeforeSummary: 1,
		KeepRecentMessages:   keepRecent,
		MaxSummaryLength:     4000,
	})

	summaryMsg, err := summarizer.Summarize(ctx, messages, currentSummary, turn)
	if err != nil {
		m.mu.Lock()
		session.state = CompactionIdle
		m.mu.Unlock()
		return nil, fmt.Errorf("compaction: summarize: %w", err)
	}
	if summaryMsg == nil {
		m.mu.Lock()
		session.state = CompactionIdle
		m.mu.Unlock()
		return &CompactionResult{Tier: TierNone, Messages: messages}, nil
	}

	var kept []*models.Message
	for _, msg := range agentctx.MessagesSinceSummary(messages, currentSummary) {
		if msg != nil && msg.Role == models.RoleCompactionSummary {
			continue
		}
		kept = append(kept, msg)
	}
	if len(kept) > keepRecent {
		kept = kept[len(kept)-keepRecent:]
	}

	next := append([]*models.Message{summaryMsg}, kept...)

	result := &CompactionResult{
		Tier:         TierFull,
		Messages:     next,
		Restoration:  restoration,
		DroppedCount: len(toSummarize),
	}

	m.mu.Lock()
	session.state = CompactionIdle
	session.lastTier = TierFull
	callback := m.onCompactionComplete
	m.mu.Unlock()

	if callback != nil {
		if err := callback(ctx, sessionID, result); err != nil {
			return nil, err
		}
	}
	return result, nil
}

// estimateKeepCount picks how many trailing messages to leave verbatim
// after a full compaction, walking backward from the end until the
// heuristic char-based estimate would exceed the token budget (at ~4
// chars/token) or the whole history is kept.
func estimateKeepCount(messages []*models.Message, preserveTokens int) int {
	if len(messages) == 0 {
		return 0
	}
	budgetChars := preserveTokens * 4
	used := 0
	kept := 0
	for i := len(messages) - 1; i >= 0; i-- {
		chars := estimateMessageChars(messages[i])
		if used+chars > budgetChars && kept > 0 {
			break
		}
		used += chars
		kept++
	}
	if kept == 0 {
		kept = 1
	}
	return kept
}

// buildRestorationAttachment scans messages being folded into a summary for
// tier-2 persistence markers and lists their refs, capped at maxFiles and
// maxBytes so the attachment stays bounded. Anything beyond the cap is
// dropped with Truncated set, never silently expanded past the cap.
func buildRestorationAttachment(messages []*models.Message, maxFiles, maxBytes int) *RestorationAttachment {
	attachment := &RestorationAttachment{}
	totalBytes := 0
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, block := range msg.Content {
			if block.Type != models.BlockToolResult || block.ToolResultContent == nil {
				continue
			}
			text := block.ToolResultContent.FlattenToText()
			ref, ok := agentctx.ParseMarkerRef(text)
			if !ok {
				continue
			}
			if len(attachment.Files) >= maxFiles {
				attachment.Truncated = true
				continue
			}
			bytes := len(text)
			if totalBytes+bytes > maxBytes {
				attachment.Truncated = true
				continue
			}
			totalBytes += bytes
			attachment.Files = append(attachment.Files, RestorationFile{
				Ref:   ref,
				Lines: strings.Count(text, "\n") + 1,
				Bytes: bytes,
			})
		}
	}
	return attachment
}

// GetState returns the compaction state for a session.
func (m *CompactionManager) GetState(sessionID string) CompactionState {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session := m.sessions[sessionID]
	if session == nil {
		return CompactionIdle
	}
	return session.state
}

// GetUsage returns the last known context usage percentage.
func (m *CompactionManager) GetUsage(sessionID string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session := m.sessions[sessionID]
	if session == nil {
		return 0
	}
	return session.usagePercent
}

// Reset clears the compaction state for a session.
func (m *CompactionManager) Reset(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}

// CompactionInfo is diagnostic info about compaction state, surfaced by
// CompactionTool.
type CompactionInfo struct {
	SessionID      string          `json:"session_id"`
	State          CompactionState `json:"state"`
	UsagePercent   int             `json:"usage_percent"`
	LastCheck      time.Time       `json:"last_check"`
	LastTier       CompactionTier  `json:"last_tier"`
	MicroThreshold int             `json:"micro_threshold"`
	FullThreshold  int             `json:"full_threshold"`
}

// GetInfo returns diagnostic information for a session.
func (m *CompactionManager) GetInfo(sessionID string) *CompactionInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	session := m.sessions[sessionID]
	if session == nil {
		return &CompactionInfo{
			SessionID:      sessionID,
			State:          CompactionIdle,
			MicroThreshold: m.config.MicroThresholdPercent,
			FullThreshold:  m.config.FullThresholdPercent,
		}
	}
	return &CompactionInfo{
		SessionID:      sessionID,
		State:          session.state,
		UsagePercent:   session.usagePercent,
		LastCheck:      session.lastCheck,
		LastTier:       session.lastTier,
		MicroThreshold: m.config.MicroThresholdPercent,
		FullThreshold:  m.config.FullThresholdPercent,
	}
}

// CompactionTool reports compaction status for the current session, so the
// model (or a /status-style command) can explain why history got shorter.
type CompactionTool struct {
	manager *CompactionManager
}

// NewCompactionTool creates a tool for compaction status.
func NewCompactionTool(manager *CompactionManager) *CompactionTool {
	return &CompactionTool{manager: manager}
}

// Name returns the tool name.
func (t *CompactionTool) Name() string {
	return "compaction_status"
}

// Description returns the tool description.
func (t *CompactionTool) Description() string {
	return "Check context compaction status and usage for the current session."
}

// Schema returns the tool input schema.
func (t *CompactionTool) Schema() json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": map[string]any{},
	}
	raw, _ := json.Marshal(schema)
	return raw
}

// Execute returns compaction status.
func (t *CompactionTool) Execute(ctx context.Context, input json.RawMessage) (*models.ToolResultContent, error) {
	session := SessionFromContext(ctx)
	if session == nil {
		return &models.ToolResultContent{Text: "no session context"}, nil
	}

	info := t.manager.GetInfo(session.ID)
	return &models.ToolResultContent{Text: fmt.Sprintf("Session: %s\nState: %s\nUsage: %d%%\nMicro threshold: %d%%\nFull threshold: %d%%",
		info.SessionID, info.State, info.UsagePercent, info.MicroThreshold, info.FullThreshold)}, nil
}

// providerSummaryAdapter wraps a providers.Adapter as an
// agentctx.SummaryProvider, streaming the summarization prompt through
// whichever model the loop is already configured with.
type providerSummaryAdapter struct {
	provider providers.Adapter
	model    string
}

// newProviderSummaryAdapter builds the SummaryProvider tier-3 compaction
// asks for a summary through.
func newProviderSummaryAdapter(provider providers.Adapter, model string) *providerSummaryAdapter {
	return &providerSummaryAdapter{provider: provider, model: model}
}

// Summarize implements agentctx.SummaryProvider.
func (a *providerSummaryAdapter) Summarize(ctx context.Context, messages []*models.Message, maxLength int) (string, error) {
	prompt := agentctx.BuildSummarizationPrompt(messages, maxLength)
	req := &providers.Request{
		Model: a.model,
		Messages: []*models.Message{
			{Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: prompt}}},
		},
		MaxTokens: maxLength,
	}

	events, err := a.provider.Stream(ctx, req)
	if err != nil {
		return "", fmt.Errorf("summary provider: stream: %w", err)
	}

	var sb strings.Builder
	for ev := range events {
		switch ev.Type {
		case providers.StreamTextDelta:
			sb.WriteString(ev.TextDelta)
		case providers.StreamError:
			return "", ev.Err
		}
	}
	return sb.String(), nil
}
