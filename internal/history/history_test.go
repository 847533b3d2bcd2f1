package history

import (
	"testing"

	"github.com/cocode/cocode/pkg/models"
)

func TestHistory_AppendWithoutBuilder(t *testing.T) {
	h := New(nil)
	msg := &models.Message{Role: models.RoleUser, Turn: 1}
	if err := h.Append(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(h.Messages()) != 1 {
		t.Fatalf("expected 1 message, got %d", len(h.Messages()))
	}
}

func TestHistory_AppendWhileBuilderInFlight(t *testing.T) {
	h := New(nil)
	h.StartStreamingAssistant(1)

	err := h.Append(&models.Message{Role: models.RoleUser})
	if err != ErrBuilderInFlight {
		t.Fatalf("expected ErrBuilderInFlight, got %v", err)
	}
}

func TestHistory_FinalizeClearsBuilder(t *testing.T) {
	h := New(nil)
	b := h.StartStreamingAssistant(2)
	b.AppendTextDelta("hello ")
	b.AppendTextDelta("world")

	msg := h.Finalize()
	if msg == nil {
		t.Fatal("expected finalized message")
	}
	if msg.Text() != "hello world" {
		t.Fatalf("unexpected text: %q", msg.Text())
	}
	if msg.Turn != 2 {
		t.Fatalf("expected turn 2, got %d", msg.Turn)
	}
	if h.Builder() != nil {
		t.Fatal("expected builder cleared after Finalize")
	}

	// Append now succeeds since the builder is gone.
	if err := h.Append(&models.Message{Role: models.RoleUser}); err != nil {
		t.Fatalf("unexpected error after finalize: %v", err)
	}
}

func TestHistory_DiscardDropsInFlightBuilder(t *testing.T) {
	h := New(nil)
	b := h.StartStreamingAssistant(1)
	b.AppendTextDelta("partial")

	h.Discard()

	if h.Builder() != nil {
		t.Fatal("expected builder cleared after Discard")
	}
	if len(h.Messages()) != 0 {
		t.Fatalf("discarded builder should not have been appended, got %d messages", len(h.Messages()))
	}
}

func TestHistory_IterSince(t *testing.T) {
	h := New([]*models.Message{
		{Role: models.RoleUser, Turn: 1},
		{Role: models.RoleAssistant, Turn: 1},
		{Role: models.RoleUser, Turn: 2},
	})

	since := h.IterSince(1)
	if len(since) != 1 || since[0].Turn != 2 {
		t.Fatalf("expected 1 message from turn 2, got %+v", since)
	}
}

func TestHistory_CurrentTurn(t *testing.T) {
	h := New(nil)
	if h.CurrentTurn() != 0 {
		t.Fatalf("expected 0 for empty history, got %d", h.CurrentTurn())
	}

	h.Append(&models.Message{Role: models.RoleUser, Turn: 3})
	if h.CurrentTurn() != 3 {
		t.Fatalf("expected 3, got %d", h.CurrentTurn())
	}
}

func TestStreamingBuilder_ToolUseEndsTextRun(t *testing.T) {
	b := NewStreamingBuilder(1)
	b.AppendTextDelta("before ")
	b.AppendToolUse(models.ContentBlock{Type: models.BlockToolUse, ToolUseID: "tc-1", ToolName: "read"})
	b.AppendTextDelta("after")

	msg := b.Finalize()
	textBlocks := 0
	for _, c := range msg.Content {
		if c.Type == models.BlockText {
			textBlocks++
		}
	}
	if textBlocks != 2 {
		t.Fatalf("expected 2 separate text blocks around the tool use, got %d", textBlocks)
	}
}
