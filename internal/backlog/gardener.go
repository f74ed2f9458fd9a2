package backlog

import (
	"fmt"
	"sort"
)

// Gardener tends the dependency graph: it audits the backlog for
// inconsistencies and promotes blocked work streams whose dependencies have
// all completed. Both operations are read-mostly and idempotent; a second
// Garden over an already-tended backlog changes nothing.
type Gardener struct {
	store *Store
}

// NewGardener creates a gardener over the given backlog store.
func NewGardener(store *Store) *Gardener {
	return &Gardener{store: store}
}

// HealthReport summarizes the backlog without modifying it.
type HealthReport struct {
	Total     int
	ByStatus  map[Status]int
	Available int
	Issues    []string
}

// Unblocked records one promotion performed by Garden.
type Unblocked struct {
	ID     string
	Name   string
	Reason string
}

// StillBlocked records a blocked stream Garden could not promote and the
// dependency ids still outstanding.
type StillBlocked struct {
	ID      string
	Missing []string
}

// GardenReport is the outcome of one Garden pass.
type GardenReport struct {
	Unblocked    []Unblocked
	StillBlocked []StillBlocked
	Errors       []string
}

// CheckHealth audits the backlog: status counts, claimable count, and
// advisory issues such as blocked streams with no listed dependencies or
// blocked streams whose dependencies are already satisfied.
func (g *Gardener) CheckHealth() (HealthReport, error) {
	items, err := g.store.Items()
	if err != nil {
		return HealthReport{}, err
	}

	report := HealthReport{
		Total:    len(items),
		ByStatus: make(map[Status]int),
	}
	completed := completedIDs(items)
	for _, item := range items {
		report.ByStatus[item.Status]++
		if item.IsClaimable() {
			report.Available++
		}
		if item.Status != StatusBlocked {
			continue
		}
		deps := ParseDependencyIDs(item.DependsOn)
		if len(deps) == 0 {
			report.Issues = append(report.Issues, fmt.Sprintf("%s is blocked but lists no dependencies", item.ID))
			continue
		}
		if allSatisfied(deps, completed) {
			report.Issues = append(report.Issues, fmt.Sprintf("%s is blocked but all dependencies are complete", item.ID))
		}
	}
	return report, nil
}

// Garden promotes every blocked stream whose dependencies are all complete
// (or that lists none) to Not Started, rewriting only the status line of
// each promoted section. Rewrite failures are collected, not fatal; the
// remaining promotions still proceed.
func (g *Gardener) Garden() (GardenReport, error) {
	items, err := g.store.Items()
	if err != nil {
		return GardenReport{}, err
	}

	var report GardenReport
	completed := completedIDs(items)
	for _, item := range items {
		if item.Status != StatusBlocked {
			continue
		}
		deps := ParseDependencyIDs(item.DependsOn)
		if len(deps) == 0 {
			if err := g.store.RewriteStatus(item.ID, StatusNotStarted); err != nil {
				report.Errors = append(report.Errors, err.Error())
				continue
			}
			report.Unblocked = append(report.Unblocked, Unblocked{
				ID:     item.ID,
				Name:   item.Name,
				Reason: "No dependencies listed",
			})
			continue
		}
		missing := missingDeps(deps, completed)
		if len(missing) > 0 {
			report.StillBlocked = append(report.StillBlocked, StillBlocked{ID: item.ID, Missing: missing})
			continue
		}
		if err := g.store.RewriteStatus(item.ID, StatusNotStarted); err != nil {
			report.Errors = append(report.Errors, err.Error())
			continue
		}
		report.Unblocked = append(report.Unblocked, Unblocked{
			ID:     item.ID,
			Name:   item.Name,
			Reason: "All dependencies completed",
		})
	}
	if len(report.Unblocked) > 0 {
		g.store.ClearCache()
	}
	return report, nil
}

func completedIDs(items []Item) map[string]bool {
	done := make(map[string]bool, len(items))
	for _, item := range items {
		if item.Status == StatusComplete {
			done[item.ID] = true
		}
	}
	return done
}

func allSatisfied(deps []string, completed map[string]bool) bool {
	for _, dep := range deps {
		if !completed[dep] {
			return false
		}
	}
	return true
}

func missingDeps(deps []string, completed map[string]bool) []string {
	var missing []string
	for _, dep := range deps {
		if !completed[dep] {
			missing = append(missing, dep)
		}
	}
	sort.Strings(missing)
	return missing
}
