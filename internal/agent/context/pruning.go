package context

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/cocode/cocode/pkg/models"
)

// CompactableTools is the set of tool names whose results may be replaced by
// a persistence marker during micro-compaction. A tool not in this set (for
// example an interactive approval prompt) always stays verbatim regardless
// of age.
var CompactableTools = map[string]bool{
	"read":       true,
	"bash":       true,
	"grep":       true,
	"glob":       true,
	"web-fetch":  true,
	"web-search": true,
	"edit":       true,
	"write":      true,
}

// SidecarWriter persists tool output displaced by micro-compaction and
// returns a ref a marker can cite. Implemented by internal/sidecar.Store.
type SidecarWriter interface {
	Put(ctx context.Context, content string) (ref string, err error)
}

var markerPattern = regexp.MustCompile(`^\[tool output persisted: (\d+) lines, (\d+) bytes, ref: (\S+)\]$`)

// formatMarker renders the tier-2 micro-compaction marker for a displaced
// tool result.
func formatMarker(lines, bytes int, ref string) string {
	return fmt.Sprintf("[tool output persisted: %d lines, %d bytes, ref: %s]", lines, bytes, ref)
}

// ParseMarkerRef extracts the sidecar ref from a micro-compaction marker.
// Returns false if text isn't a marker.
func ParseMarkerRef(text string) (string, bool) {
	m := markerPattern.FindStringSubmatch(strings.TrimSpace(text))
	if m == nil {
		return "", false
	}
	return m[3], true
}

// toolResultRef locates one BlockToolResult content block within a message.
type toolResultRef struct {
	msgIndex     int
	contentIndex int
	toolName     string
}

// MicroCompact replaces all but the most recent keepRecent compactable tool
// results with a `[tool output persisted: N lines, N bytes, ref: ...]`
// marker, writing the displaced content to sidecar first so the marker's
// ref resolves to something. "Most recent" is counted across the
// compactable sequence in document order, not wall-clock time: the last
// keepRecent compactable results stay verbatim, everything earlier that is
// still compactable gets replaced.
//
// Returns the original slice unchanged if there are keepRecent or fewer
// compactable results, or if keepRecent <= 0 disables compaction.
func MicroCompact(ctx context.Context, messages []*models.Message, keepRecent int, sidecar SidecarWriter) ([]*models.Message, error) {
	if keepRecent <= 0 || len(messages) == 0 || sidecar == nil {
		return messages, nil
	}

	toolNames := buildToolCallNameMap(messages)

	var refs []toolResultRef
	for i, msg := range messages {
		if msg == nil {
			continue
		}
		for j := range msg.Content {
			if msg.Content[j].Type != models.BlockToolResult {
				continue
			}
			name := toolNames[msg.Content[j].ToolResultID]
			if !CompactableTools[name] {
				continue
			}
			if _, already := ParseMarkerRef(msg.Content[j].ToolResultContent.FlattenToText()); already {
				continue
			}
			refs = append(refs, toolResultRef{msgIndex: i, contentIndex: j, toolName: name})
		}
	}

	if len(refs) <= keepRecent {
		return messages, nil
	}
	toReplace := refs[:len(refs)-keepRecent]

	next := make([]*models.Message, len(messages))
	copy(next, messages)
	touched := make(map[int]bool)

	for _, ref := range toReplace {
		msg := next[ref.msgIndex]
		if !touched[ref.msgIndex] {
			msg = copyMessageWithContent(msg)
			next[ref.msgIndex] = msg
			touched[ref.msgIndex] = true
		}

		content := msg.Content[ref.contentIndex].ToolResultContent.FlattenToText()
		lines := strings.Count(content, "\n") + 1
		bytes := len(content)

		sidecarRef, err := sidecar.Put(ctx, content)
		if err != nil {
			return nil, fmt.Errorf("micro-compact: persist tool output: %w", err)
		}

		msg.Content[ref.contentIndex].ToolResultContent = &models.ToolResultContent{
			Text: formatMarker(lines, bytes, sidecarRef),
		}
	}

	return next, nil
}

// buildToolCallNameMap maps a tool_use block's ID to its tool name, so a
// later tool_result block (which carries only the ID) can be matched
// against the compactable-tool set by name.
func buildToolCallNameMap(messages []*models.Message) map[string]string {
	names := make(map[string]string)
	for _, msg := range messages {
		if msg == nil {
			continue
		}
		for _, block := range msg.Content {
			if block.Type == models.BlockToolUse && block.ToolUseID != "" && block.ToolName != "" {
				names[block.ToolUseID] = block.ToolName
			}
		}
	}
	return names
}

func copyMessageWithContent(msg *models.Message) *models.Message {
	if msg == nil {
		return nil
	}
	clone := *msg
	clone.Content = append([]models.ContentBlock(nil), msg.Content...)
	return &clone
}

// estimateMessageChars gives a cheap, token-agnostic size estimate for a
// message used by the packer's budget accounting.
func estimateMessageChars(msg *models.Message) int {
	if msg == nil {
		return 0
	}
	total := 0
	for _, c := range msg.Content {
		total += len(c.Text) + len(c.Thinking)
		if c.ToolResultContent != nil {
			total += len(c.ToolResultContent.FlattenToText())
		}
		total += len(c.ToolInput)
	}
	return total
}
