package backlog

import (
	"os"
	"testing"
)

func TestGardenUnblocksSatisfiedDependencies(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.1: Foundations
**Status**: Complete ✅

### Phase 1.2: Build on it
**Status**: Blocked ⛔
**Depends On**: Phase 1.1 ✅

### Phase 1.3: Needs more
**Status**: Blocked ⛔
**Depends On**: 1.1, 1.4
`)
	gardener := NewGardener(store)

	report, err := gardener.Garden()
	if err != nil {
		t.Fatalf("Garden: %v", err)
	}
	if len(report.Unblocked) != 1 {
		t.Fatalf("expected one promotion, got %+v", report.Unblocked)
	}
	got := report.Unblocked[0]
	if got.ID != "1.2" || got.Reason != "All dependencies completed" {
		t.Fatalf("unexpected promotion: %+v", got)
	}
	if len(report.StillBlocked) != 1 || report.StillBlocked[0].ID != "1.3" {
		t.Fatalf("expected 1.3 still blocked, got %+v", report.StillBlocked)
	}
	if missing := report.StillBlocked[0].Missing; len(missing) != 1 || missing[0] != "1.4" {
		t.Fatalf("unexpected missing deps: %v", missing)
	}

	// The promoted stream must now be claimable through the store.
	item, ok, err := store.Item("1.2")
	if err != nil || !ok {
		t.Fatalf("Item(1.2): ok=%v err=%v", ok, err)
	}
	if item.Status != StatusNotStarted || !item.IsClaimable() {
		t.Fatalf("promotion not visible after Garden: %+v", item)
	}
}

func TestGardenUnblocksEmptyDependencyList(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.1: Tangled
**Status**: Blocked ⛔
**Depends On**:
`)
	report, err := NewGardener(store).Garden()
	if err != nil {
		t.Fatalf("Garden: %v", err)
	}
	if len(report.Unblocked) != 1 || report.Unblocked[0].Reason != "No dependencies listed" {
		t.Fatalf("unexpected report: %+v", report)
	}
}

func TestGardenIsIdempotent(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.1: Foundations
**Status**: Complete ✅

### Phase 1.2: Build on it
**Status**: Blocked ⛔
**Depends On**: Phase 1.1
`)
	gardener := NewGardener(store)
	if _, err := gardener.Garden(); err != nil {
		t.Fatalf("first Garden: %v", err)
	}
	after, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}

	report, err := gardener.Garden()
	if err != nil {
		t.Fatalf("second Garden: %v", err)
	}
	if len(report.Unblocked) != 0 || len(report.Errors) != 0 {
		t.Fatalf("second pass should be a no-op: %+v", report)
	}
	again, err := os.ReadFile(store.Path())
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(after) != string(again) {
		t.Fatal("second Garden modified the backlog")
	}
}

func TestCheckHealthReportsIssues(t *testing.T) {
	store := writeBacklog(t, `## Batch 1

### Phase 1.1: Done
**Status**: Complete ✅

### Phase 1.2: Open
**Status**: Not Started

### Phase 1.3: Odd blocker
**Status**: Blocked ⛔

### Phase 1.4: Stale blocker
**Status**: Blocked ⛔
**Depends On**: 1.1
`)
	report, err := NewGardener(store).CheckHealth()
	if err != nil {
		t.Fatalf("CheckHealth: %v", err)
	}
	if report.Total != 4 {
		t.Fatalf("expected 4 items, got %d", report.Total)
	}
	if report.ByStatus[StatusBlocked] != 2 || report.ByStatus[StatusComplete] != 1 {
		t.Fatalf("unexpected counts: %+v", report.ByStatus)
	}
	if report.Available != 1 {
		t.Fatalf("expected one claimable item, got %d", report.Available)
	}
	if len(report.Issues) != 2 {
		t.Fatalf("expected two advisory issues, got %v", report.Issues)
	}
}
