// Package sidecar persists content displaced from the conversation by
// micro-compaction (internal/agent/context.MicroCompact) so a
// `[tool output persisted: ...]` marker's ref can be resolved back to the
// original tool output later, e.g. by the restoration attachment a full
// compaction builds.
package sidecar

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
)

// Store writes sidecar content under $COCODE_HOME/sidecars, one file per
// ref, using a write-to-temp-then-rename so a reader never observes a
// partially written file.
type Store struct {
	dir string
	mu  sync.Mutex
}

// NewStore creates a Store rooted at dir (created on first Put if it
// doesn't exist).
func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

// Put persists content and returns a ref that Get can resolve later.
func (s *Store) Put(ctx context.Context, content string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return "", fmt.Errorf("sidecar: create dir: %w", err)
	}

	ref := uuid.NewString()
	final := filepath.Join(s.dir, ref+".txt")
	tmp := final + ".tmp"

	if err := os.WriteFile(tmp, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("sidecar: write temp file: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return "", fmt.Errorf("sidecar: rename into place: %w", err)
	}

	return ref, nil
}

// Get reads back the content for ref. Returns os.ErrNotExist (wrapped) if
// the ref is unknown, e.g. because the sidecar directory was cleared.
func (s *Store) Get(ctx context.Context, ref string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path := filepath.Join(s.dir, ref+".txt")
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("sidecar: read %s: %w", ref, err)
	}
	return string(data), nil
}
