package supervisor

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kingrea/the-loom/internal/backlog"
	"github.com/kingrea/the-loom/internal/claims"
	"github.com/kingrea/the-loom/internal/config"
	"github.com/kingrea/the-loom/internal/worker"
)

func testConfig(t *testing.T, command string, args []string, maxConcurrent, timeoutSeconds int) *config.Config {
	t.Helper()
	return &config.Config{
		ProjectDir: t.TempDir(),
		Project: config.ProjectConfig{
			Worker: config.WorkerConfig{
				Command:         command,
				Args:            args,
				TimeoutSeconds:  timeoutSeconds,
				MaxContextBytes: 4000,
			},
			Scheduler: config.SchedulerConfig{MaxConcurrent: maxConcurrent},
		},
	}
}

func newTestSupervisor(t *testing.T, cfg *config.Config) (*Supervisor, *claims.Coordinator) {
	t.Helper()
	coordinator := claims.NewCoordinator(nil, nil)
	sup := New(cfg, coordinator, nil, nil, nil)
	return sup, coordinator
}

func TestSpawnRunsWorkerToCompletion(t *testing.T) {
	t.Parallel()
	sup, coordinator := newTestSupervisor(t, testConfig(t, "true", nil, 2, 30))
	item := backlog.Item{ID: "1.1", Name: "Quick win", Batch: 1}

	record, err := sup.Spawn(item)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := sup.Wait(record.ID()); err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if record.State() != worker.StateCompleted || record.ExitCode() != 0 {
		t.Fatalf("expected completed/0, got %q/%d", record.State(), record.ExitCode())
	}
	if record.CompletedAt().IsZero() {
		t.Fatal("completion time not stamped")
	}
	if _, held := coordinator.Owner("1.1"); held {
		t.Fatal("claim should be released after completion")
	}
	if sup.ExperienceCount(record.ID()) != 1 {
		t.Fatal("completion should be recorded as experience")
	}
}

func TestNonzeroExitIsFailure(t *testing.T) {
	t.Parallel()
	sup, coordinator := newTestSupervisor(t, testConfig(t, "false", nil, 2, 30))
	item := backlog.Item{ID: "1.2", Batch: 1}

	record, err := sup.Spawn(item)
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sup.Wait(record.ID())
	if record.State() != worker.StateFailed {
		t.Fatalf("expected failed, got %q", record.State())
	}
	if record.ExitCode() == 0 {
		t.Fatal("exit code should be nonzero")
	}
	if _, held := coordinator.Owner("1.2"); held {
		t.Fatal("claim should be released after failure")
	}
	if sup.ExperienceCount(record.ID()) != 0 {
		t.Fatal("failures must not count as experience")
	}
}

func TestSpawnRefusedAtCapacity(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t, testConfig(t, "sleep", []string{"100"}, 1, 300))

	record, err := sup.Spawn(backlog.Item{ID: "2.1", Batch: 2})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if _, err := sup.Spawn(backlog.Item{ID: "2.2", Batch: 2}); err != ErrCapacity {
		t.Fatalf("expected ErrCapacity, got %v", err)
	}

	if err := sup.KillAll(); err != nil {
		t.Fatalf("KillAll: %v", err)
	}
	sup.Wait(record.ID())
	if record.State() != worker.StateKilled {
		t.Fatalf("expected killed, got %q", record.State())
	}

	// The slot must come back once the worker is terminal.
	record2, err := sup.Spawn(backlog.Item{ID: "2.2", Batch: 2})
	if err != nil {
		t.Fatalf("slot not released: %v", err)
	}
	sup.KillWorker(record2.ID())
	sup.Wait(record2.ID())
}

func TestSpawnFailsWhenStreamAlreadyClaimed(t *testing.T) {
	t.Parallel()
	sup, coordinator := newTestSupervisor(t, testConfig(t, "true", nil, 2, 30))
	coordinator.Claim("3.1", "someone-else")

	record, err := sup.Spawn(backlog.Item{ID: "3.1", Batch: 3})
	if err == nil {
		t.Fatal("expected claim conflict error")
	}
	if record.State() != worker.StateFailed {
		t.Fatalf("conflicted spawn should yield a failed record, got %q", record.State())
	}
	if sup.Running() != 0 {
		t.Fatal("no process should have launched")
	}
	if owner, _ := coordinator.Owner("3.1"); owner != "someone-else" {
		t.Fatal("existing claim must be untouched")
	}
}

func TestTimeoutKillsWorker(t *testing.T) {
	t.Parallel()
	sup, coordinator := newTestSupervisor(t, testConfig(t, "sleep", []string{"100"}, 1, 1))

	record, err := sup.Spawn(backlog.Item{ID: "4.1", Batch: 4})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sup.Wait(record.ID())
	if record.State() != worker.StateTimedOut {
		t.Fatalf("expected timed_out, got %q", record.State())
	}
	if _, held := coordinator.Owner("4.1"); held {
		t.Fatal("claim should be released after timeout")
	}
}

func TestMonitorCapturesOutputAndName(t *testing.T) {
	t.Parallel()
	script := `echo starting up; echo "My name is Ada"; echo "ERROR: transient glitch"; echo done`
	sup, _ := newTestSupervisor(t, testConfig(t, "sh", []string{"-c", script}, 1, 30))

	record, err := sup.Spawn(backlog.Item{ID: "5.1", Batch: 5})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	sup.Wait(record.ID())

	if record.PersonalName() != "Ada" {
		t.Fatalf("name announcement not captured: %q", record.PersonalName())
	}
	head := strings.Join(record.Output().Head(), "\n")
	if !strings.Contains(head, "starting up") || !strings.Contains(head, "done") {
		t.Fatalf("output not retained: %q", head)
	}
	important := record.Output().Important()
	if len(important) != 1 || !strings.Contains(important[0], "transient glitch") {
		t.Fatalf("important tier missed the error line: %v", important)
	}
}

func TestWaitAllRespectsContext(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t, testConfig(t, "sleep", []string{"100"}, 1, 300))
	record, err := sup.Spawn(backlog.Item{ID: "6.1", Batch: 6})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := sup.WaitAll(ctx); err == nil {
		t.Fatal("WaitAll should observe context expiry")
	}

	sup.KillWorker(record.ID())
	sup.Wait(record.ID())
}

func TestFindWorkerForItemPrefersSameBatch(t *testing.T) {
	sup, _ := newTestSupervisor(t, testConfig(t, "true", nil, 2, 30))

	sup.history["veteran"] = []experience{
		{itemID: "7.1", batch: 7, contextBytes: 512},
		{itemID: "7.2", batch: 7, contextBytes: 512},
	}
	sup.history["generalist"] = []experience{
		{itemID: "1.1", batch: 1, contextBytes: 4096},
		{itemID: "2.1", batch: 2, contextBytes: 4096},
		{itemID: "3.1", batch: 3, contextBytes: 4096},
	}

	id, ok := sup.FindWorkerForItem(backlog.Item{ID: "7.3", Batch: 7})
	if !ok || id != "veteran" {
		t.Fatalf("expected veteran, got %q ok=%v", id, ok)
	}

	if _, ok := New(testConfig(t, "true", nil, 2, 30), claims.NewCoordinator(nil, nil), nil, nil, nil).FindWorkerForItem(backlog.Item{Batch: 9}); ok {
		t.Fatal("empty history should yield no candidate")
	}
}

func TestSpawnReusesIdleVeteran(t *testing.T) {
	script := `echo "hello from $AGENT_PERSONAL_NAME"; echo "$AGENT_CONTEXT"`
	sup, _ := newTestSupervisor(t, testConfig(t, "sh", []string{"-c", script}, 2, 30))

	sup.history["agent-veteran"] = []experience{
		{itemID: "7.1", batch: 7, contextBytes: 512},
		{itemID: "7.2", batch: 7, contextBytes: 512},
	}
	sup.names["agent-veteran"] = "Ada"

	record, err := sup.Spawn(backlog.Item{ID: "7.3", Name: "Third act", Batch: 7})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if record.ID() != "agent-veteran" {
		t.Fatalf("batch-7 stream should go to the batch-7 veteran, got %q", record.ID())
	}
	if record.PersonalName() != "Ada" {
		t.Fatalf("recorded name should carry over, got %q", record.PersonalName())
	}
	sup.Wait(record.ID())

	out := strings.Join(record.Output().Head(), "\n")
	if !strings.Contains(out, "hello from Ada") {
		t.Fatalf("personal name not passed through the environment: %q", out)
	}
	if !strings.Contains(out, "Previously completed: 7.1, 7.2") {
		t.Fatalf("accumulated history not passed through the environment: %q", out)
	}
	if sup.ExperienceCount("agent-veteran") != 3 {
		t.Fatalf("veteran should now have three completions, got %d", sup.ExperienceCount("agent-veteran"))
	}
}

func TestSpawnSkipsLiveVeteran(t *testing.T) {
	sup, _ := newTestSupervisor(t, testConfig(t, "true", nil, 2, 30))

	sup.history["agent-busy"] = []experience{
		{itemID: "8.1", batch: 8, contextBytes: 512},
	}
	busy := worker.NewRecord("agent-busy", "8.2")
	busy.MarkRunning(time.Now())
	sup.entries["agent-busy"] = &entry{record: busy, done: make(chan struct{})}

	record, err := sup.Spawn(backlog.Item{ID: "8.3", Batch: 8})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if record.ID() == "agent-busy" {
		t.Fatal("a live worker id must not be reused")
	}
	sup.Wait(record.ID())
}

func TestSendPingReportsLiveness(t *testing.T) {
	t.Parallel()
	sup, _ := newTestSupervisor(t, testConfig(t, "sleep", []string{"100"}, 2, 300))

	live, err := sup.Spawn(backlog.Item{ID: "9.1", Batch: 9})
	if err != nil {
		t.Fatalf("Spawn: %v", err)
	}
	if err := sup.SendPing(live.ID()); err != nil {
		t.Fatalf("ping of a live worker should succeed: %v", err)
	}

	sup.KillWorker(live.ID())
	sup.Wait(live.ID())
	if err := sup.SendPing(live.ID()); !errors.Is(err, ErrWorkerNotAlive) {
		t.Fatalf("ping of a terminal worker should report not-alive, got %v", err)
	}

	if err := sup.SendPing("nobody"); !errors.Is(err, ErrUnknownWorker) {
		t.Fatalf("ping of an unknown id should report unknown, got %v", err)
	}
}
