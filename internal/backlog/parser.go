package backlog

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"
)

var (
	batchHeaderRe = regexp.MustCompile(`^##\s+Batch\s+(\d+)\s*$`)
	itemHeaderRe  = regexp.MustCompile(`^###\s+Phase\s+(\d+\.\d+):\s*(.*)$`)
	fieldLineRe   = regexp.MustCompile(`^\*\*([A-Za-z ]+?)\s*:?\*\*\s*:?\s*(.*)$`)
	taskLineRe    = regexp.MustCompile(`^-\s+\[[ xX]\]\s*(.*)$`)
	dottedIDRe    = regexp.MustCompile(`\d+\.\d+`)
	depSplitRe    = regexp.MustCompile(`[,;]`)
)

// Parse turns backlog text into an ordered list of work items. Items are
// grouped under the most recent `## Batch N` marker; each begins with a
// `### Phase <id>: <name>` header and continues until the next header.
// Lines that match no known marker are ignored.
func Parse(source string) []Item {
	lines := strings.Split(source, "\n")
	var items []Item
	batch := 0
	cur := -1
	inTasks := false

	for _, raw := range lines {
		line := strings.TrimSpace(raw)

		if m := batchHeaderRe.FindStringSubmatch(line); m != nil {
			batch, _ = strconv.Atoi(m[1])
			cur = -1
			inTasks = false
			continue
		}
		if m := itemHeaderRe.FindStringSubmatch(line); m != nil {
			name, priority := splitPriorityTag(m[2])
			items = append(items, Item{
				ID:       m[1],
				Name:     name,
				Status:   StatusNotStarted,
				Batch:    batch,
				Priority: priority,
			})
			cur = len(items) - 1
			inTasks = false
			continue
		}
		if cur < 0 {
			continue
		}
		if m := fieldLineRe.FindStringSubmatch(line); m != nil {
			field := strings.ToLower(strings.TrimSpace(m[1]))
			value := strings.TrimSpace(m[2])
			inTasks = false
			switch field {
			case "status":
				items[cur].Status = parseStatus(value)
			case "assigned to":
				items[cur].AssignedTo = value
			case "depends on":
				items[cur].DependsOn = value
			case "effort":
				items[cur].Effort = value
			case "done when":
				items[cur].DoneWhen = value
			case "tasks":
				inTasks = true
			}
			continue
		}
		if inTasks {
			if m := taskLineRe.FindStringSubmatch(line); m != nil {
				items[cur].Tasks = append(items[cur].Tasks, strings.TrimSpace(m[1]))
			}
		}
	}
	return items
}

// splitPriorityTag strips an optional trailing star-glyph tag from an item
// name, e.g. "Wire the bus ⭐ BOOTSTRAP". The bare word after the glyph
// becomes the priority; anything else defaults to normal.
func splitPriorityTag(name string) (string, string) {
	idx := strings.IndexAny(name, "⭐★")
	if idx < 0 {
		return strings.TrimSpace(name), PriorityNormal
	}
	rest := name[idx:]
	_, size := utf8.DecodeRuneInString(rest)
	tag := strings.TrimSpace(rest[size:])
	priority := PriorityNormal
	if fields := strings.Fields(tag); len(fields) > 0 {
		priority = strings.ToLower(fields[0])
	}
	return strings.TrimSpace(name[:idx]), priority
}

// parseStatus maps a status field value onto a Status. Checks run in
// precedence order so "Blocked (was complete)" still reads as complete.
func parseStatus(value string) Status {
	v := strings.ToLower(value)
	switch {
	case strings.Contains(v, "✅") || strings.Contains(v, "complete"):
		return StatusComplete
	case strings.Contains(v, "🔄") || strings.Contains(v, "in progress"):
		return StatusInProgress
	case strings.Contains(v, "⛔") || strings.Contains(v, "🚫") || strings.Contains(v, "blocked"):
		return StatusBlocked
	default:
		return StatusNotStarted
	}
}

// ParseDependencyIDs extracts the dotted work-stream ids from a dependency
// expression. Tokens are separated by commas or semicolons, may carry a
// "Phase" prefix, and may end with a completion glyph; only the dotted id
// matters. Tokens without one are skipped.
func ParseDependencyIDs(expr string) []string {
	if strings.TrimSpace(expr) == "" {
		return nil
	}
	var ids []string
	for _, token := range depSplitRe.Split(expr, -1) {
		if id := dottedIDRe.FindString(token); id != "" {
			ids = append(ids, id)
		}
	}
	return ids
}
