package context

import (
	"github.com/cocode/cocode/pkg/models"
)

// FindLatestSummary finds the most recent compaction-summary message in
// history. Returns nil if no summary exists.
func FindLatestSummary(history []*models.Message) *models.Message {
	for i := len(history) - 1; i >= 0; i-- {
		m := history[i]
		if m != nil && m.Role == models.RoleCompactionSummary {
			return m
		}
	}
	return nil
}

// MessagesSinceSummary returns messages that came after the given summary.
// If summary is nil, returns all messages.
func MessagesSinceSummary(history []*models.Message, summary *models.Message) []*models.Message {
	if summary == nil {
		return history
	}

	summaryIdx := -1
	for i, m := range history {
		if m != nil && m.ID == summary.ID {
			summaryIdx = i
			break
		}
	}

	if summaryIdx < 0 {
		return history
	}
	if summaryIdx+1 >= len(history) {
		return nil
	}
	return history[summaryIdx+1:]
}

// NeedsSummarization checks if the history needs summarization based on thresholds.
func NeedsSummarization(history []*models.Message, summary *models.Message, maxMsgsBeforeSummary int) bool {
	messagesSince := MessagesSinceSummary(history, summary)
	return len(messagesSince) > maxMsgsBeforeSummary
}

// CreateSummaryMessage builds a compaction-summary message replacing the
// messages it covers, tagged by role rather than metadata so downstream
// code (packing, transcript repair) can recognize it without a side-channel.
func CreateSummaryMessage(summaryText string, turn int) *models.Message {
	return &models.Message{
		Role:      models.RoleCompactionSummary,
		Content:   []models.ContentBlock{{Type: models.BlockText, Text: summaryText}},
		Turn:      turn,
		Compacted: true,
	}
}

// GetMessagesToSummarize returns older messages that should be summarized.
// It keeps the most recent keepRecent messages and returns the rest.
func GetMessagesToSummarize(history []*models.Message, summary *models.Message, keepRecent int) []*models.Message {
	messages := MessagesSinceSummary(history, summary)

	filtered := make([]*models.Message, 0, len(messages))
	for _, m := range messages {
		if m == nil || m.Role == models.RoleCompactionSummary {
			continue
		}
		filtered = append(filtered, m)
	}

	if len(filtered) <= keepRecent {
		return nil
	}
	return filtered[:len(filtered)-keepRecent]
}
