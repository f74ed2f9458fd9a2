package scheduler

import (
	"fmt"
	"os/exec"
	"strings"

	"github.com/kingrea/the-loom/internal/backlog"
	"github.com/kingrea/the-loom/internal/worker"
)

// Check is one independent completion check.
type Check struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Note   string `json:"note,omitempty"`
}

// Verification aggregates the completion checks for one finished worker.
// Passed is the conjunction of every check; a nonzero exit code fails the
// whole verification regardless of the other checks.
type Verification struct {
	Passed bool    `json:"passed"`
	Checks []Check `json:"checks"`
}

// VerifyCompletion runs the four completion checks for a finished worker:
// process exit code, the configured test command, the backlog status of the
// stream, and working-tree cleanliness. Every check runs even after one
// fails so the report stays complete.
func (s *Scheduler) VerifyCompletion(record *worker.Record, itemID string) Verification {
	var v Verification

	exitOK := record.State() == worker.StateCompleted && record.ExitCode() == 0
	v.Checks = append(v.Checks, Check{
		Name:   "exit_code",
		Passed: exitOK,
		Note:   fmt.Sprintf("state %s, exit %d", record.State(), record.ExitCode()),
	})

	v.Checks = append(v.Checks, s.checkTestCommand())
	v.Checks = append(v.Checks, s.checkBacklogStatus(itemID))
	v.Checks = append(v.Checks, s.checkWorkingTree())

	v.Passed = true
	for _, c := range v.Checks {
		if !c.Passed {
			v.Passed = false
			break
		}
	}
	if !exitOK {
		v.Passed = false
	}
	return v
}

func (s *Scheduler) checkTestCommand() Check {
	command := strings.TrimSpace(s.cfg.Project.Scheduler.TestCommand)
	if command == "" {
		return Check{Name: "tests", Passed: true, Note: "no test command configured"}
	}
	cmd := exec.Command("sh", "-c", command)
	cmd.Dir = s.cfg.ProjectDir
	if err := cmd.Run(); err != nil {
		return Check{Name: "tests", Passed: false, Note: err.Error()}
	}
	return Check{Name: "tests", Passed: true}
}

// checkBacklogStatus accepts Complete and In Progress: a worker may finish a
// real slice of work without closing out the whole stream.
func (s *Scheduler) checkBacklogStatus(itemID string) Check {
	item, ok, err := s.store.Item(itemID)
	if err != nil {
		return Check{Name: "backlog_status", Passed: false, Note: err.Error()}
	}
	if !ok {
		return Check{Name: "backlog_status", Passed: false, Note: "stream not found in backlog"}
	}
	switch item.Status {
	case backlog.StatusComplete, backlog.StatusInProgress:
		return Check{Name: "backlog_status", Passed: true, Note: string(item.Status)}
	}
	return Check{Name: "backlog_status", Passed: false, Note: string(item.Status)}
}

func (s *Scheduler) checkWorkingTree() Check {
	cmd := exec.Command("git", "status", "--porcelain")
	cmd.Dir = s.cfg.ProjectDir
	out, err := cmd.Output()
	if err != nil {
		return Check{Name: "working_tree", Passed: true, Note: "not a git repository"}
	}
	if len(strings.TrimSpace(string(out))) > 0 {
		return Check{Name: "working_tree", Passed: false, Note: "uncommitted changes"}
	}
	return Check{Name: "working_tree", Passed: true}
}
