// Package worker holds the bookkeeping for one supervised worker process:
// its lifecycle state machine and the retained slice of its output.
package worker

import (
	"sync"
	"time"
)

// State is a worker's lifecycle position. Running is the only state with
// outgoing transitions once started; every terminal state is absorbing.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateTimedOut  State = "timed_out"
	StateKilled    State = "killed"
)

// IsTerminal reports whether the state admits no further transitions.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateKilled:
		return true
	}
	return false
}

// Record tracks one worker process across its lifetime. All mutation goes
// through methods holding the record's own lock, so the supervisor and a
// monitor goroutine can touch the same record concurrently.
type Record struct {
	mu sync.Mutex

	id           string
	itemID       string
	personalName string
	state        State
	startedAt    time.Time
	completedAt  time.Time
	exitCode     int
	output       *OutputBuffer
}

// NewRecord creates a pending record for a worker assigned to a stream.
func NewRecord(id, itemID string) *Record {
	return &Record{
		id:     id,
		itemID: itemID,
		state:  StatePending,
		output: NewOutputBuffer(),
	}
}

func (r *Record) ID() string     { return r.id }
func (r *Record) ItemID() string { return r.itemID }

// Output returns the record's retention buffer.
func (r *Record) Output() *OutputBuffer { return r.output }

// State returns the current lifecycle state.
func (r *Record) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// PersonalName returns the name the worker announced for itself, if any.
func (r *Record) PersonalName() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.personalName
}

// SetPersonalName records the worker's self-announced name. The first
// announcement wins; later ones are ignored.
func (r *Record) SetPersonalName(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.personalName == "" && name != "" {
		r.personalName = name
	}
}

// MarkRunning moves a pending record to running and stamps the start time.
// Any other starting state is left untouched.
func (r *Record) MarkRunning(now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state != StatePending {
		return false
	}
	r.state = StateRunning
	r.startedAt = now
	return true
}

// Finish moves the record into a terminal state with the process exit code.
// A record already terminal keeps its first outcome, so a late exit cannot
// overwrite a timeout or kill verdict.
func (r *Record) Finish(state State, exitCode int, now time.Time) bool {
	if !state.IsTerminal() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state.IsTerminal() {
		return false
	}
	r.state = state
	r.exitCode = exitCode
	r.completedAt = now
	return true
}

// StartedAt returns when the worker began running, zero if it never did.
func (r *Record) StartedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.startedAt
}

// CompletedAt returns when the worker reached a terminal state.
func (r *Record) CompletedAt() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedAt
}

// ExitCode returns the recorded process exit code. Meaningful only once the
// record is terminal.
func (r *Record) ExitCode() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitCode
}

// Runtime reports how long the worker has been (or was) running.
func (r *Record) Runtime(now time.Time) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startedAt.IsZero() {
		return 0
	}
	if !r.completedAt.IsZero() {
		return r.completedAt.Sub(r.startedAt)
	}
	return now.Sub(r.startedAt)
}

// Snapshot is a point-in-time copy of a record for status surfaces.
type Snapshot struct {
	ID           string    `json:"id"`
	ItemID       string    `json:"item_id"`
	PersonalName string    `json:"personal_name,omitempty"`
	State        State     `json:"state"`
	StartedAt    time.Time `json:"started_at,omitempty"`
	CompletedAt  time.Time `json:"completed_at,omitempty"`
	ExitCode     int       `json:"exit_code"`
	OutputLines  int       `json:"output_lines"`
}

// Snapshot copies the record's current state without holding its lock for
// the caller.
func (r *Record) Snapshot() Snapshot {
	r.mu.Lock()
	defer r.mu.Unlock()
	return Snapshot{
		ID:           r.id,
		ItemID:       r.itemID,
		PersonalName: r.personalName,
		State:        r.state,
		StartedAt:    r.startedAt,
		CompletedAt:  r.completedAt,
		ExitCode:     r.exitCode,
		OutputLines:  r.output.TotalLines(),
	}
}
