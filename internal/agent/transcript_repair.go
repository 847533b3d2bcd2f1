package agent

import "github.com/cocode/cocode/pkg/models"

// repairTranscript drops orphaned tool-result blocks from a history slice:
// results whose call ID was never opened by a preceding assistant message's
// tool-use blocks, or that arrive after a later assistant message has moved
// on. This guards against a history truncated mid-turn (crash, forced
// compaction) leaving a tool-result block with nothing to match it —
// providers reject that shape outright.
func repairTranscript(history []*models.Message) []*models.Message {
	if len(history) == 0 {
		return history
	}

	pending := make(map[string]struct{})
	pendingOrder := make([]string, 0)
	repaired := make([]*models.Message, 0, len(history))

	clearPending := func() {
		for k := range pending {
			delete(pending, k)
		}
		pendingOrder = pendingOrder[:0]
	}

	for _, msg := range history {
		if msg == nil {
			continue
		}

		switch msg.Role {
		case models.RoleAssistant:
			clearPending()
			for _, tu := range msg.ToolUses() {
				if tu.ToolUseID == "" {
					continue
				}
				pending[tu.ToolUseID] = struct{}{}
				pendingOrder = append(pendingOrder, tu.ToolUseID)
			}
			repaired = append(repaired, msg)
		case models.RoleToolResult:
			results := msg.ToolResults()
			if len(results) == 0 {
				continue
			}
			fixed := make([]models.ContentBlock, 0, len(results))
			for _, block := range results {
				id := block.ToolResultID
				if id == "" && len(pendingOrder) > 0 {
					id = pendingOrder[0]
					block.ToolResultID = id
				}
				if id == "" {
					continue
				}
				if _, ok := pending[id]; ok {
					delete(pending, id)
					pendingOrder = removeID(pendingOrder, id)
					fixed = append(fixed, block)
				}
			}
			if len(fixed) == 0 {
				continue
			}
			copied := *msg
			copied.Content = fixed
			repaired = append(repaired, &copied)
		default:
			repaired = append(repaired, msg)
		}
	}

	return repaired
}

func removeID(ids []string, target string) []string {
	for i, id := range ids {
		if id == target {
			copy(ids[i:], ids[i+1:])
			return ids[:len(ids)-1]
		}
	}
	return ids
}
