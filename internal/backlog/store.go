package backlog

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"
)

// statusTokenRe matches the leading status word and glyphs of a status value
// so a rewrite can swap them without touching whatever annotation follows.
var statusTokenRe = regexp.MustCompile(`(?i)^(?:not\s+started|in\s+progress|completed?|blocked)?[\s✅🔄⛔🚫]*`)

// Store is the single serializer for the backlog file: every read parses
// through it and every status rewrite flows back through it, so the textual
// backlog stays the system of record without ad hoc edits elsewhere.
//
// Parses are cached by file modification time; ClearCache forces the next
// read to hit the disk again.
type Store struct {
	path string

	mu       sync.Mutex
	cached   []Item
	cachedAt time.Time
}

// NewStore creates a store for the backlog at path.
func NewStore(path string) *Store {
	return &Store{path: path}
}

// Path returns the backlog file location.
func (s *Store) Path() string {
	return s.path
}

// Items parses the backlog, reusing the cached parse when the file has not
// been modified since.
func (s *Store) Items() ([]Item, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		return nil, fmt.Errorf("backlog: stat %s: %w", s.path, err)
	}
	if s.cached != nil && info.ModTime().Equal(s.cachedAt) {
		return append([]Item(nil), s.cached...), nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("backlog: read %s: %w", s.path, err)
	}
	items := Parse(string(data))
	s.cached = items
	s.cachedAt = info.ModTime()
	return append([]Item(nil), items...), nil
}

// ClearCache drops the cached parse. The gardener calls this after rewriting
// the backlog so the next read observes the new statuses.
func (s *Store) ClearCache() {
	s.mu.Lock()
	s.cached = nil
	s.cachedAt = time.Time{}
	s.mu.Unlock()
}

// Item returns the work stream with the given id.
func (s *Store) Item(id string) (Item, bool, error) {
	items, err := s.Items()
	if err != nil {
		return Item{}, false, err
	}
	for _, item := range items {
		if item.ID == id {
			return item, true, nil
		}
	}
	return Item{}, false, nil
}

// PrioritizedItems returns the claimable work streams ordered bootstrap
// first, then by batch, then by id. Bootstrap streams exist to unblock
// everything else and must always be offered before normal work.
func (s *Store) PrioritizedItems() ([]Item, error) {
	items, err := s.Items()
	if err != nil {
		return nil, err
	}
	claimable := make([]Item, 0, len(items))
	for _, item := range items {
		if item.IsClaimable() {
			claimable = append(claimable, item)
		}
	}
	sort.SliceStable(claimable, func(i, j int) bool {
		a, b := claimable[i], claimable[j]
		if a.IsBootstrap() != b.IsBootstrap() {
			return a.IsBootstrap()
		}
		if a.Batch != b.Batch {
			return a.Batch < b.Batch
		}
		return a.ID < b.ID
	})
	return claimable, nil
}

// RewriteStatus performs a targeted substitution of the status line inside
// one item's section, leaving every other byte of the backlog untouched.
// The section spans the item header up to the next item or batch header.
func (s *Store) RewriteStatus(id string, status Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("backlog: read %s: %w", s.path, err)
	}
	lines := strings.Split(string(data), "\n")

	inSection := false
	rewritten := false
	for i, raw := range lines {
		line := strings.TrimSpace(raw)
		if m := itemHeaderRe.FindStringSubmatch(line); m != nil {
			inSection = m[1] == id
			continue
		}
		if batchHeaderRe.MatchString(line) {
			inSection = false
			continue
		}
		if !inSection {
			continue
		}
		if m := fieldLineRe.FindStringSubmatch(line); m != nil && strings.EqualFold(strings.TrimSpace(m[1]), "Status") {
			indent := raw[:len(raw)-len(strings.TrimLeft(raw, " \t"))]
			value := statusText(status)
			// Only the status token is substituted. Trailing annotations on
			// the line, like a parenthetical reason, survive the rewrite.
			if rest := strings.TrimSpace(statusTokenRe.ReplaceAllString(strings.TrimSpace(m[2]), "")); rest != "" {
				value += " " + rest
			}
			lines[i] = indent + "**Status**: " + value
			rewritten = true
			break
		}
	}
	if !rewritten {
		return fmt.Errorf("backlog: no status line found for item %s", id)
	}

	if err := os.WriteFile(s.path, []byte(strings.Join(lines, "\n")), 0644); err != nil {
		return fmt.Errorf("backlog: write %s: %w", s.path, err)
	}
	s.cached = nil
	s.cachedAt = time.Time{}
	return nil
}

func statusText(status Status) string {
	switch status {
	case StatusComplete:
		return "Complete ✅"
	case StatusInProgress:
		return "In Progress 🔄"
	case StatusBlocked:
		return "Blocked ⛔"
	default:
		return "Not Started"
	}
}
