package sessions

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/cocode/cocode/pkg/models"
)

func TestMemoryLoggerAppend(t *testing.T) {
	dir := t.TempDir()
	logger := NewMemoryLogger(dir)

	ts := time.Date(2026, 1, 21, 12, 0, 1, 0, time.UTC)
	msg := &models.Message{
		Role:      models.RoleUser,
		Content:   []models.ContentBlock{{Type: models.BlockText, Text: "hello\nworld"}},
		CreatedAt: ts,
	}

	if err := logger.Append("session-1", msg); err != nil {
		t.Fatalf("Append() error = %v", err)
	}

	path := filepath.Join(dir, "2026-01-21.md")
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	text := string(data)
	if !strings.Contains(text, "user") {
		t.Fatalf("expected log to contain role, got %q", text)
	}
	if !strings.Contains(text, "session-1") {
		t.Fatalf("expected session id in log, got %q", text)
	}
	if !strings.Contains(text, "hello world") {
		t.Fatalf("expected flattened content, got %q", text)
	}
}

func TestMemoryLoggerReadRecentAt(t *testing.T) {
	dir := t.TempDir()
	logger := NewMemoryLogger(dir)

	day1 := time.Date(2026, 1, 20, 9, 0, 0, 0, time.UTC)
	day2 := time.Date(2026, 1, 21, 9, 0, 0, 0, time.UTC)

	_ = logger.Append("session-1", &models.Message{
		Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "day one"}}, CreatedAt: day1,
	})
	_ = logger.Append("session-2", &models.Message{
		Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "day two, other session"}}, CreatedAt: day2,
	})
	_ = logger.Append("session-1", &models.Message{
		Role: models.RoleAssistant, Content: []models.ContentBlock{{Type: models.BlockText, Text: "day two, mine"}}, CreatedAt: day2,
	})

	lines, err := logger.ReadRecentAt(day2, "session-1", 2, 10)
	if err != nil {
		t.Fatalf("ReadRecentAt() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	for _, l := range lines {
		if !strings.Contains(l, "session-1") {
			t.Errorf("line from other session leaked through: %q", l)
		}
	}
}

func TestMemoryLoggerReadRecentAt_MaxLines(t *testing.T) {
	dir := t.TempDir()
	logger := NewMemoryLogger(dir)
	now := time.Date(2026, 1, 21, 9, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		_ = logger.Append("session-1", &models.Message{
			Role: models.RoleUser, Content: []models.ContentBlock{{Type: models.BlockText, Text: "msg"}}, CreatedAt: now.Add(time.Duration(i) * time.Minute),
		})
	}

	lines, err := logger.ReadRecentAt(now, "session-1", 1, 2)
	if err != nil {
		t.Fatalf("ReadRecentAt() error = %v", err)
	}
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2", len(lines))
	}
}

func TestMemoryLoggerReadRecentAt_NoDays(t *testing.T) {
	logger := NewMemoryLogger(t.TempDir())
	lines, err := logger.ReadRecentAt(time.Now(), "session-1", 0, 10)
	if err != nil {
		t.Fatalf("ReadRecentAt() error = %v", err)
	}
	if lines != nil {
		t.Fatalf("expected nil lines for days<=0, got %v", lines)
	}
}
