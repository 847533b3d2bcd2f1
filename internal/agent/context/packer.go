// Package context selects and prepares messages for a turn's LLM request:
// which history survives into the wire request, how tool results get
// truncated, and how that packing decision is explained for diagnostics.
package context

import (
	"crypto/sha256"
	"encoding/hex"

	"github.com/cocode/cocode/pkg/models"
)

// PackOptions configures how messages are packed into context.
type PackOptions struct {
	// MaxMessages is the hard cap on number of history messages to include.
	MaxMessages int

	// MaxChars is the approximate character budget (cheap proxy for tokens).
	MaxChars int

	// MaxToolResultChars is the max chars per tool-result content block.
	// Longer results are truncated.
	MaxToolResultChars int

	// IncludeSummary controls whether to include the rolling summary.
	IncludeSummary bool
}

// DefaultPackOptions returns sensible defaults for context packing.
func DefaultPackOptions() PackOptions {
	return PackOptions{
		MaxMessages:        60,
		MaxChars:           30000,
		MaxToolResultChars: 6000,
		IncludeSummary:     true,
	}
}

// Packer selects and prepares messages for LLM context.
type Packer struct {
	opts PackOptions
}

// NewPacker creates a new context packer with the given options.
func NewPacker(opts PackOptions) *Packer {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = 60
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 30000
	}
	if opts.MaxToolResultChars <= 0 {
		opts.MaxToolResultChars = 6000
	}
	return &Packer{opts: opts}
}

// PackResult is the outcome of a packing decision plus the diagnostics
// explaining it, suitable for an AgentEventContextPacked event.
type PackResult struct {
	Messages    []*models.Message
	Diagnostics *models.ContextEventPayload
}

// Pack selects messages from history to fit within budget. The packed
// result is, in order: the summary (if enabled and present), recent history
// messages (newest-first selection, reversed back to chronological order),
// and the incoming message.
func (p *Packer) Pack(history []*models.Message, incoming *models.Message, summary *models.Message) ([]*models.Message, error) {
	return p.PackWithDiagnostics(history, incoming, summary).Messages, nil
}

// PackWithDiagnostics runs Pack while recording per-item inclusion/exclusion
// reasons, so a caller (or the compaction monitor) can see why the budget
// was or wasn't met without recomputing the packing decision.
func (p *Packer) PackWithDiagnostics(history []*models.Message, incoming *models.Message, summary *models.Message) *PackResult {
	diag := &models.ContextEventPayload{
		BudgetChars:    p.opts.MaxChars,
		BudgetMessages: p.opts.MaxMessages,
	}

	totalChars := 0
	totalMsgs := 0
	var result []*models.Message

	if p.opts.IncludeSummary && summary != nil {
		chars := estimateMessageChars(summary)
		diag.SummaryUsed = true
		diag.SummaryChars = chars
		totalChars += chars
		totalMsgs++
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID: itemID(summary), Kind: models.ContextItemSummary,
			Chars: chars, Included: true, Reason: models.ContextReasonReserved,
		})
		result = append(result, summary)
	}

	if incoming != nil {
		chars := estimateMessageChars(incoming)
		totalChars += chars
		totalMsgs++
		diag.Items = append(diag.Items, models.ContextPackItem{
			ID: itemID(incoming), Kind: models.ContextItemIncoming,
			Chars: chars, Included: true, Reason: models.ContextReasonReserved,
		})
	}

	filtered := make([]*models.Message, 0, len(history))
	for _, m := range history {
		if m == nil || m.Role == models.RoleCompactionSummary {
			continue
		}
		filtered = append(filtered, m)
	}
	diag.Candidates = len(filtered)

	selectedReverse := make([]*models.Message, 0)
	historyItemsReverse := make([]models.ContextPackItem, 0, len(filtered))
	for i := len(filtered) - 1; i >= 0; i-- {
		m := filtered[i]
		chars := estimateMessageChars(m)
		item := models.ContextPackItem{ID: itemID(m), Kind: classifyItem(m), Chars: chars}

		if totalMsgs+1 > p.opts.MaxMessages || totalChars+chars > p.opts.MaxChars {
			item.Included = false
			item.Reason = models.ContextReasonOverBudget
			historyItemsReverse = append(historyItemsReverse, item)
			break
		}

		item.Included = true
		item.Reason = models.ContextReasonIncluded
		historyItemsReverse = append(historyItemsReverse, item)
		selectedReverse = append(selectedReverse, m)
		totalMsgs++
		totalChars += chars
	}
	diag.Included = len(selectedReverse)
	diag.Dropped = diag.Candidates - diag.Included

	// historyItemsReverse is newest-first; append in that order after the
	// reserved items so the diagnostic list still reads newest-to-oldest
	// for the scanned portion.
	diag.Items = append(diag.Items, historyItemsReverse...)

	for i := len(selectedReverse) - 1; i >= 0; i-- {
		result = append(result, p.truncateToolResults(selectedReverse[i]))
	}

	if incoming != nil {
		result = append(result, incoming)
	}

	diag.UsedChars = totalChars
	diag.UsedMessages = totalMsgs

	return &PackResult{Messages: result, Diagnostics: diag}
}

// classifyItem reports whether a message carries tool activity (a tool_use
// or tool_result content block) or is plain conversational history.
func classifyItem(m *models.Message) models.ContextItemKind {
	for _, b := range m.Content {
		if b.Type == models.BlockToolUse || b.Type == models.BlockToolResult {
			return models.ContextItemTool
		}
	}
	return models.ContextItemHistory
}

// itemID derives a short, stable identifier for diagnostics without leaking
// message content into logs.
func itemID(m *models.Message) string {
	if m == nil {
		return ""
	}
	sum := sha256.Sum256([]byte(m.ID))
	return hex.EncodeToString(sum[:])[:12]
}

// truncateToolResults returns a copy of m with any tool_result content
// block longer than MaxToolResultChars clipped, or m itself if nothing
// needs clipping.
func (p *Packer) truncateToolResults(m *models.Message) *models.Message {
	needsTruncation := false
	for _, b := range m.Content {
		if b.Type == models.BlockToolResult && len(b.ToolResultContent.FlattenToText()) > p.opts.MaxToolResultChars {
			needsTruncation = true
			break
		}
	}
	if !needsTruncation {
		return m
	}

	clone := copyMessageWithContent(m)
	for i, b := range clone.Content {
		if b.Type != models.BlockToolResult {
			continue
		}
		content := b.ToolResultContent.FlattenToText()
		if len(content) > p.opts.MaxToolResultChars {
			clone.Content[i].ToolResultContent = &models.ToolResultContent{
				Text: content[:p.opts.MaxToolResultChars] + "\n...[truncated]",
			}
		}
	}
	return clone
}
