package msgcat

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestEmbeddedDefaults(t *testing.T) {
	c := MustDefault()
	got, err := c.Render("match.found", map[string]any{"Opponent": "opp42"})
	if err != nil {
		t.Fatalf("Render: %v", err)
	}
	if got != "Opponent found: opp42" {
		t.Fatalf("unexpected text %q", got)
	}
	if !c.Has("outcome.win.opponent_forfeit") {
		t.Fatalf("nested key missing")
	}
}

func TestMissingKeyAndField(t *testing.T) {
	c := MustDefault()
	if _, err := c.Render("nope.nothing", nil); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := c.Render("match.found", map[string]any{}); err == nil {
		t.Fatalf("expected missing field error")
	}
	if got := c.RenderOr("match.found", map[string]any{}, "fallback"); got != "fallback" {
		t.Fatalf("RenderOr: %q", got)
	}
	var nilCat *Catalog
	if got := nilCat.RenderOr("match.go", nil, "GO"); got != "GO" {
		t.Fatalf("nil catalog RenderOr: %q", got)
	}
}

func TestOverrideDir(t *testing.T) {
	dir := t.TempDir()
	write := func(name, body string) {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	write("a.yaml", "match:\n  go: \"START!\"\n")
	write("notes.txt", "ignored")
	c, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if got, _ := c.Render("match.go", nil); got != "START!" {
		t.Fatalf("override not applied: %q", got)
	}
	if got, _ := c.Render("search.cancelled", nil); got != "Search cancelled." {
		t.Fatalf("default lost: %q", got)
	}

	write("b.yml", "match:\n  go: \"again\"\n")
	if _, err := New(dir); err == nil || !strings.Contains(err.Error(), "duplicate") {
		t.Fatalf("expected duplicate key error, got %v", err)
	}
}

func TestNonStringLeafRejected(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "bad.yaml"), []byte("match:\n  go: 3\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := New(dir); err == nil {
		t.Fatalf("expected error for numeric leaf")
	}
}
