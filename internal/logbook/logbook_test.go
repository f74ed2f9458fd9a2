package logbook

import (
	"path/filepath"
	"strings"
	"testing"
)

func TestTailReturnsRecentLines(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "events.log")
	book, err := New(path)
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	for i := 0; i < 5; i++ {
		book.Info("entry-%d", i)
	}
	lines := book.Tail(3)
	if len(lines) != 3 {
		t.Fatalf("len(lines) = %d, want 3", len(lines))
	}
	for idx, want := range []string{"entry-2", "entry-3", "entry-4"} {
		if !strings.Contains(lines[idx], want) {
			t.Fatalf("line %d = %q, missing %s", idx, lines[idx], want)
		}
	}
}

func TestWorkerEntriesCarryIDs(t *testing.T) {
	book, err := New(filepath.Join(t.TempDir(), "events.log"))
	if err != nil {
		t.Fatalf("new logbook: %v", err)
	}
	book.Worker(LevelWarn, "agent-7", "2.1", "spawn refused")
	lines := book.Tail(1)
	if len(lines) != 1 {
		t.Fatalf("len(lines) = %d, want 1", len(lines))
	}
	for _, want := range []string{"WARN", "[agent-7]", "(2.1)", "spawn refused"} {
		if !strings.Contains(lines[0], want) {
			t.Fatalf("line %q missing %s", lines[0], want)
		}
	}
}
