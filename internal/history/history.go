// Package history implements the append-only message sequence a turn is
// built against: completed messages plus, at most, one in-flight streaming
// assistant message.
package history

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/cocode/cocode/pkg/models"
)

// ErrBuilderInFlight is returned by Append when a streaming assistant
// message was started via StartStreamingAssistant but never finalized.
// History holds at most one builder at a time (Go's nil *StreamingBuilder
// models "no builder in flight"), so a second writer must finalize or
// discard the first before appending anything else.
var ErrBuilderInFlight = errors.New("history: streaming assistant message still in flight")

// History is the append-only message sequence for one session turn loop.
type History struct {
	messages []*models.Message
	builder  *StreamingBuilder
}

// New builds a History seeded with existing messages (e.g. loaded from a
// session store).
func New(seed []*models.Message) *History {
	return &History{messages: append([]*models.Message(nil), seed...)}
}

// Append adds a completed message. Returns ErrBuilderInFlight if a streaming
// assistant message was started but not yet finalized or discarded.
func (h *History) Append(msg *models.Message) error {
	if h.builder != nil {
		return ErrBuilderInFlight
	}
	h.messages = append(h.messages, msg)
	return nil
}

// Messages returns the full message sequence so far (not including any
// in-flight streaming builder).
func (h *History) Messages() []*models.Message {
	return h.messages
}

// CurrentTurn returns the turn index of the most recent message, or 0 if
// history is empty.
func (h *History) CurrentTurn() int {
	if len(h.messages) == 0 {
		return 0
	}
	return h.messages[len(h.messages)-1].Turn
}

// IterSince returns messages with Turn strictly greater than turn, in
// order.
func (h *History) IterSince(turn int) []*models.Message {
	var out []*models.Message
	for _, m := range h.messages {
		if m.Turn > turn {
			out = append(out, m)
		}
	}
	return out
}

// StartStreamingAssistant begins a new in-flight assistant message for the
// given turn. Panics if a builder is already in flight — callers must
// Finalize or Discard first, same as Append's ErrBuilderInFlight guard.
func (h *History) StartStreamingAssistant(turn int) *StreamingBuilder {
	if h.builder != nil {
		panic("history: StartStreamingAssistant called with a builder already in flight")
	}
	h.builder = &StreamingBuilder{turn: turn}
	return h.builder
}

// Builder returns the in-flight streaming builder, or nil if none.
func (h *History) Builder() *StreamingBuilder {
	return h.builder
}

// Finalize completes the in-flight streaming assistant message, appends it
// to history, clears the builder, and returns the finished message. Returns
// nil if no builder is in flight.
func (h *History) Finalize() *models.Message {
	if h.builder == nil {
		return nil
	}
	msg := h.builder.Finalize()
	h.messages = append(h.messages, msg)
	h.builder = nil
	return msg
}

// Discard drops the in-flight streaming builder without appending anything,
// per the "MUST finalize... or the in-progress assistant is discarded"
// rule's other branch — used when a turn errors out mid-stream.
func (h *History) Discard() {
	h.builder = nil
}

// StreamingBuilder accumulates content blocks for one in-flight assistant
// message as a provider streams deltas.
type StreamingBuilder struct {
	turn      int
	content   []models.ContentBlock
	textBlock *models.ContentBlock
	usage     *models.Usage
}

// NewStreamingBuilder creates a builder directly, for callers that manage
// their own message slice rather than going through a History.
func NewStreamingBuilder(turn int) *StreamingBuilder {
	return &StreamingBuilder{turn: turn}
}

// AppendThinkingDelta starts (on first call) or extends the current
// thinking block.
func (b *StreamingBuilder) AppendThinkingDelta(delta string) {
	if n := len(b.content); n == 0 || b.content[n-1].Type != models.BlockThinking {
		b.content = append(b.content, models.ContentBlock{Type: models.BlockThinking})
	}
	b.content[len(b.content)-1].Thinking += delta
}

// AppendTextDelta starts (on first call) or extends the current text block.
func (b *StreamingBuilder) AppendTextDelta(delta string) {
	if b.textBlock == nil {
		b.content = append(b.content, models.ContentBlock{Type: models.BlockText})
		b.textBlock = &b.content[len(b.content)-1]
	}
	b.textBlock.Text += delta
}

// AppendToolUse records a complete tool-use block (tool calls arrive as a
// single event, not incremental deltas). Ends the current text block's run,
// so a later text delta starts a fresh block instead of extending this one.
func (b *StreamingBuilder) AppendToolUse(block models.ContentBlock) {
	b.content = append(b.content, block)
	b.textBlock = nil
}

// SetUsage records token usage once the provider reports it.
func (b *StreamingBuilder) SetUsage(usage *models.Usage) {
	b.usage = usage
}

// TextLen returns the total accumulated text length, for response-size
// limit enforcement while streaming.
func (b *StreamingBuilder) TextLen() int {
	total := 0
	for _, c := range b.content {
		if c.Type == models.BlockText {
			total += len(c.Text)
		}
	}
	return total
}

// Finalize builds the completed assistant message from accumulated content.
// Safe to call directly when the builder isn't owned by a History (e.g. a
// caller managing its own message slice still wants the single-builder
// accumulation logic).
func (b *StreamingBuilder) Finalize() *models.Message {
	return &models.Message{
		ID:        uuid.NewString(),
		Role:      models.RoleAssistant,
		Content:   b.content,
		Turn:      b.turn,
		Usage:     b.usage,
		CreatedAt: time.Now(),
	}
}
