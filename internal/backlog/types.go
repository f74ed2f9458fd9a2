package backlog

import "strings"

// Status enumerates the lifecycle states a work stream moves through inside
// the backlog text.
type Status string

const (
	StatusNotStarted Status = "not_started"
	StatusInProgress Status = "in_progress"
	StatusComplete   Status = "complete"
	StatusBlocked    Status = "blocked"
)

// Priority tags. Bootstrap streams are force multipliers that unblock the
// rest of the backlog and are always offered before normal work.
const (
	PriorityBootstrap = "bootstrap"
	PriorityNormal    = "normal"
)

// Item is one claimable work stream parsed from the backlog text. The id is
// a dotted batch.sequence string such as "2.1".
type Item struct {
	ID         string   `json:"id"`
	Name       string   `json:"name"`
	Status     Status   `json:"status"`
	Tasks      []string `json:"tasks,omitempty"`
	AssignedTo string   `json:"assigned_to,omitempty"`
	DependsOn  string   `json:"depends_on,omitempty"`
	Effort     string   `json:"effort,omitempty"`
	DoneWhen   string   `json:"done_when,omitempty"`
	Batch      int      `json:"batch"`
	Priority   string   `json:"priority"`
}

// IsClaimable reports whether a worker may take ownership of this stream:
// either nobody started it, or it is in progress with no assignee.
func (i Item) IsClaimable() bool {
	switch i.Status {
	case StatusNotStarted:
		return true
	case StatusInProgress:
		return strings.TrimSpace(i.AssignedTo) == ""
	}
	return false
}

// IsBootstrap reports whether the stream carries the bootstrap priority tag.
func (i Item) IsBootstrap() bool {
	return i.Priority == PriorityBootstrap
}
