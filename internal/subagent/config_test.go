package subagent

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadDefinitionsDir_MissingDirIsEmpty(t *testing.T) {
	defs, err := LoadDefinitionsDir(filepath.Join(t.TempDir(), "does-not-exist"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 0 {
		t.Fatalf("expected no definitions, got %d", len(defs))
	}
}

func TestLoadDefinitionsDir_ParsesYAMLFiles(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, filepath.Join(dir, "reviewer.yaml"), `
id: reviewer
name: Reviewer
description: Reviews code changes for bugs and style issues
system_prompt: You are a meticulous code reviewer.
can_receive_handoffs: true
allowed_tools: ["read", "grep"]
triggers:
  - type: keyword
    values: ["review", "lint"]
`)
	writeFile(t, filepath.Join(dir, "ignored.txt"), "not yaml")

	defs, err := LoadDefinitionsDir(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(defs) != 1 {
		t.Fatalf("expected 1 definition, got %d", len(defs))
	}
	got := defs[0]
	if got.ID != "reviewer" || got.Name != "Reviewer" {
		t.Fatalf("unexpected definition: %+v", got)
	}
	if len(got.Triggers) != 1 || got.Triggers[0].Type != TriggerKeyword {
		t.Fatalf("expected one keyword trigger, got %+v", got.Triggers)
	}
}

func TestLoadDefinitionFile_DefaultsIDFromFilename(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "helper.yaml")
	writeFile(t, path, "description: no explicit id or name\n")

	def, err := LoadDefinitionFile(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if def.ID != "helper" || def.Name != "helper" {
		t.Fatalf("expected id/name defaulted to 'helper', got %+v", def)
	}
}

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}
