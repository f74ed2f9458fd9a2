package backlog

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeBacklog(t *testing.T, content string) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "BACKLOG.md")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write backlog: %v", err)
	}
	return NewStore(path)
}

func TestPrioritizedItemsOrdersBootstrapFirst(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.2: Later work
**Status**: Not Started

### Phase 1.1: Early work
**Status**: Not Started

## Batch 2

### Phase 2.1: Unblock everything ⭐ BOOTSTRAP
**Status**: Not Started

### Phase 2.2: Claimed already
**Status**: In Progress 🔄
**Assigned To**: agent-9
`)
	items, err := store.PrioritizedItems()
	if err != nil {
		t.Fatalf("PrioritizedItems: %v", err)
	}
	var ids []string
	for _, item := range items {
		ids = append(ids, item.ID)
	}
	want := []string{"2.1", "1.1", "1.2"}
	if len(ids) != len(want) {
		t.Fatalf("expected %v, got %v", want, ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, ids)
		}
	}
}

func TestItemsCachesUntilFileChanges(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.1: Original
**Status**: Not Started
`)
	items, err := store.Items()
	if err != nil {
		t.Fatalf("Items: %v", err)
	}
	if len(items) != 1 || items[0].Name != "Original" {
		t.Fatalf("unexpected parse: %+v", items)
	}

	// A rewrite with a newer mtime must be observed on the next read.
	updated := `## Batch 1

### Phase 1.1: Renamed
**Status**: Not Started
`
	if err := os.WriteFile(store.Path(), []byte(updated), 0644); err != nil {
		t.Fatalf("rewrite: %v", err)
	}
	now := time.Now().Add(2 * time.Second)
	if err := os.Chtimes(store.Path(), now, now); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	items, err = store.Items()
	if err != nil {
		t.Fatalf("Items after rewrite: %v", err)
	}
	if items[0].Name != "Renamed" {
		t.Fatalf("stale cache served after mtime change: %+v", items[0])
	}
}

func TestRewriteStatusTouchesOnlyTargetSection(t *testing.T) {
	original := `# Backlog

## Batch 1

### Phase 1.1: Done work
**Status**: Complete ✅
**Tasks**:
- [x] Everything

### Phase 1.2: Waiting work
**Status**: Blocked ⛔
**Depends On**: Phase 1.1
**Tasks**:
- [ ] Something
`
	store := writeBacklog(t, original)
	if err := store.RewriteStatus("1.2", StatusNotStarted); err != nil {
		t.Fatalf("RewriteStatus: %v", err)
	}
	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	want := `# Backlog

## Batch 1

### Phase 1.1: Done work
**Status**: Complete ✅
**Tasks**:
- [x] Everything

### Phase 1.2: Waiting work
**Status**: Not Started
**Depends On**: Phase 1.1
**Tasks**:
- [ ] Something
`
	if string(data) != want {
		t.Fatalf("rewrite altered bytes outside the status line:\n%s", string(data))
	}
}

func TestRewriteStatusPreservesTrailingAnnotation(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.1: Annotated work
**Status**: Blocked ⛔ (waiting on infra)
**Tasks**:
- [ ] Something
`)
	if err := store.RewriteStatus("1.1", StatusNotStarted); err != nil {
		t.Fatalf("RewriteStatus: %v", err)
	}
	data, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read back: %v", err)
	}
	if !strings.Contains(string(data), "**Status**: Not Started (waiting on infra)") {
		t.Fatalf("annotation lost in rewrite:\n%s", string(data))
	}
}

func TestRewriteStatusUnknownItem(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.1: Only item
**Status**: Not Started
`)
	if err := store.RewriteStatus("9.9", StatusNotStarted); err == nil {
		t.Fatal("expected error for missing item")
	}
}
