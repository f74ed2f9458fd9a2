package worker

import (
	"regexp"
	"sync"
)

// Retention defaults. A long-running worker can emit far more output than
// is worth keeping, so only the head, a sliding tail, and flagged important
// lines survive.
const (
	DefaultHeadLines      = 100
	DefaultTailLines      = 100
	DefaultImportantLines = 50
)

var importantLineRe = regexp.MustCompile(`(?i)\b(error|fail(ed|ure)?|fatal|panic|warn(ing)?|exception)\b`)

// OutputBuffer retains a bounded view of a worker's combined output in
// three tiers: the first lines verbatim, the most recent lines as a sliding
// window, and lines matching the important pattern up to a cap. Everything
// else is counted and dropped.
type OutputBuffer struct {
	mu sync.Mutex

	headLimit      int
	tailLimit      int
	importantLimit int

	head      []string
	tail      []string
	important []string
	total     int
}

// NewOutputBuffer creates a buffer with the default tier limits.
func NewOutputBuffer() *OutputBuffer {
	return NewOutputBufferWithLimits(DefaultHeadLines, DefaultTailLines, DefaultImportantLines)
}

// NewOutputBufferWithLimits creates a buffer with explicit tier limits.
func NewOutputBufferWithLimits(head, tail, important int) *OutputBuffer {
	return &OutputBuffer{
		headLimit:      head,
		tailLimit:      tail,
		importantLimit: important,
	}
}

// Append records one output line into whichever tiers apply.
func (b *OutputBuffer) Append(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.total++

	if len(b.head) < b.headLimit {
		b.head = append(b.head, line)
	} else {
		b.tail = append(b.tail, line)
		if len(b.tail) > b.tailLimit {
			b.tail = b.tail[1:]
		}
	}
	if importantLineRe.MatchString(line) && len(b.important) < b.importantLimit {
		b.important = append(b.important, line)
	}
}

// Head returns the first retained lines.
func (b *OutputBuffer) Head() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.head...)
}

// Tail returns the sliding window of most recent lines past the head.
func (b *OutputBuffer) Tail() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.tail...)
}

// Important returns the retained lines that matched the important pattern.
func (b *OutputBuffer) Important() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.important...)
}

// TotalLines returns how many lines were appended, retained or not.
func (b *OutputBuffer) TotalLines() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Dropped returns how many lines fell out of every tier.
func (b *OutputBuffer) Dropped() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total - len(b.head) - len(b.tail)
}
