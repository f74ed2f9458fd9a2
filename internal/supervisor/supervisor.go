// Package supervisor launches worker processes against claimed work streams
// and tracks them until they reach a terminal state.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/kingrea/the-loom/internal/backlog"
	"github.com/kingrea/the-loom/internal/bus"
	"github.com/kingrea/the-loom/internal/claims"
	"github.com/kingrea/the-loom/internal/config"
	"github.com/kingrea/the-loom/internal/logbook"
	"github.com/kingrea/the-loom/internal/worker"
)

// ErrCapacity is returned by Spawn when every concurrency slot is taken.
var ErrCapacity = errors.New("supervisor: worker capacity reached")

// ErrUnknownWorker is returned by operations that reference a worker id the
// registry has never seen.
var ErrUnknownWorker = errors.New("supervisor: unknown worker")

// ErrWorkerNotAlive is returned by SendPing when the worker exists but its
// process is no longer running.
var ErrWorkerNotAlive = errors.New("supervisor: worker process not alive")

// Environment variables exposed to every worker process.
const (
	EnvWorkerID     = "AGENT_ID"
	EnvStreamID     = "WORK_STREAM_ID"
	EnvPersonalName = "AGENT_PERSONAL_NAME"
	EnvContext      = "AGENT_CONTEXT"
)

// timeoutPollInterval is how often a monitor re-checks the wall clock while
// its process runs.
const timeoutPollInterval = 250 * time.Millisecond

var nameAnnounceRe = regexp.MustCompile(`(?i)^\s*(?:my name is|agent name|name)[:\s]+(\S.*?)\s*$`)

// Logger matches the Printf surface of the logging package.
type Logger interface {
	Printf(format string, args ...interface{})
}

type entry struct {
	record *worker.Record
	cmd    *exec.Cmd
	done   chan struct{}
}

// Supervisor owns the worker registry. Spawning follows a fixed protocol:
// claim the stream, mark the record running, launch the process, monitor it
// to a terminal state, then release the claim exactly once.
type Supervisor struct {
	cfg         *config.Config
	coordinator *claims.Coordinator
	publisher   bus.Publisher
	journal     *logbook.Logbook
	log         Logger

	slots   *semaphore.Weighted
	timeout time.Duration

	mu      sync.Mutex
	entries map[string]*entry
	history map[string][]experience
	names   map[string]string
}

// New creates a supervisor bounded by the configured concurrency limit.
func New(cfg *config.Config, coordinator *claims.Coordinator, publisher bus.Publisher, journal *logbook.Logbook, log Logger) *Supervisor {
	if publisher == nil {
		publisher = bus.Discard
	}
	return &Supervisor{
		cfg:         cfg,
		coordinator: coordinator,
		publisher:   publisher,
		journal:     journal,
		log:         log,
		slots:       semaphore.NewWeighted(int64(cfg.Project.Scheduler.MaxConcurrent)),
		timeout:     time.Duration(cfg.Project.Worker.TimeoutSeconds) * time.Second,
		entries:     make(map[string]*entry),
		history:     make(map[string][]experience),
		names:       make(map[string]string),
	}
}

// Spawn claims a work stream and launches a worker process for it. An idle
// worker whose completion history fits the stream is reused: its identity,
// announced name, and completed-stream history carry into the new process
// through the env contract. The returned record is already registered;
// callers observe the outcome through it or through Wait. A claim that
// cannot be taken, or a launch that fails, yields a failed record and an
// error, with the claim released if it was ever held.
func (s *Supervisor) Spawn(item backlog.Item) (*worker.Record, error) {
	if !s.slots.TryAcquire(1) {
		return nil, ErrCapacity
	}

	workerID, personalName, prior := s.pickIdentity(item)
	record := worker.NewRecord(workerID, item.ID)
	if personalName != "" {
		record.SetPersonalName(personalName)
	}

	if !s.coordinator.Claim(item.ID, workerID) {
		s.slots.Release(1)
		record.Finish(worker.StateFailed, -1, time.Now())
		return record, fmt.Errorf("supervisor: stream %s already claimed", item.ID)
	}

	cmd := s.buildCommand(workerID, personalName, prior, item)
	stdout, err := cmd.StdoutPipe()
	if err == nil {
		cmd.Stderr = cmd.Stdout
		err = cmd.Start()
	}
	if err != nil {
		s.coordinator.Release(item.ID, workerID)
		s.slots.Release(1)
		record.Finish(worker.StateFailed, -1, time.Now())
		return record, fmt.Errorf("supervisor: launch worker for %s: %w", item.ID, err)
	}

	record.MarkRunning(time.Now())
	e := &entry{record: record, cmd: cmd, done: make(chan struct{})}
	s.mu.Lock()
	s.entries[workerID] = e
	s.mu.Unlock()

	s.journalf(logbook.LevelInfo, workerID, item.ID, "worker started (pid %d)", cmd.Process.Pid)
	s.publish(bus.TypeStarted, workerID, item.ID, item.Name)

	go s.monitor(e, stdout, item)
	return record, nil
}

func (s *Supervisor) buildCommand(workerID, personalName string, prior []string, item backlog.Item) *exec.Cmd {
	wc := s.cfg.Project.Worker
	cmd := exec.Command(wc.Command, wc.Args...)
	cmd.Dir = s.cfg.ProjectDir
	cmd.Env = append(os.Environ(),
		EnvWorkerID+"="+workerID,
		EnvStreamID+"="+item.ID,
		EnvPersonalName+"="+personalName,
		EnvContext+"="+buildContext(item, prior, wc.MaxContextBytes),
	)
	return cmd
}

// pickIdentity chooses who runs the stream: an idle worker whose history
// fits, or a fresh identity when nobody scores.
func (s *Supervisor) pickIdentity(item backlog.Item) (string, string, []string) {
	if id, ok := s.FindWorkerForItem(item); ok {
		s.mu.Lock()
		name := s.names[id]
		var prior []string
		for _, exp := range s.history[id] {
			prior = append(prior, exp.itemID)
		}
		s.mu.Unlock()
		return id, name, prior
	}
	return "agent-" + uuid.NewString()[:8], "", nil
}

// buildContext renders the stream briefing handed to a worker, including the
// streams it completed before, truncated to the configured byte budget on a
// rune boundary.
func buildContext(item backlog.Item, prior []string, maxBytes int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Work stream %s: %s\n", item.ID, item.Name)
	if len(prior) > 0 {
		fmt.Fprintf(&b, "Previously completed: %s\n", strings.Join(prior, ", "))
	}
	if item.DoneWhen != "" {
		fmt.Fprintf(&b, "Done when: %s\n", item.DoneWhen)
	}
	if item.Effort != "" {
		fmt.Fprintf(&b, "Effort: %s\n", item.Effort)
	}
	for _, task := range item.Tasks {
		fmt.Fprintf(&b, "- %s\n", task)
	}
	out := b.String()
	if maxBytes <= 0 || len(out) <= maxBytes {
		return out
	}
	for maxBytes > 0 && !utf8RuneStart(out[maxBytes]) {
		maxBytes--
	}
	return out[:maxBytes]
}

func utf8RuneStart(b byte) bool {
	return b&0xC0 != 0x80
}

// monitor reads the worker's combined output to EOF, enforces the wall-clock
// timeout, and drives the record to its terminal state.
func (s *Supervisor) monitor(e *entry, stdout io.Reader, item backlog.Item) {
	timedOut := make(chan struct{})
	stopTimer := make(chan struct{})
	if s.timeout > 0 {
		go func() {
			ticker := time.NewTicker(timeoutPollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-stopTimer:
					return
				case now := <-ticker.C:
					if e.record.Runtime(now) >= s.timeout {
						close(timedOut)
						e.cmd.Process.Kill()
						return
					}
				}
			}
		}()
	}

	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		e.record.Output().Append(line)
		if m := nameAnnounceRe.FindStringSubmatch(line); m != nil {
			e.record.SetPersonalName(m[1])
		}
	}

	err := e.cmd.Wait()
	close(stopTimer)

	state := worker.StateCompleted
	exitCode := 0
	select {
	case <-timedOut:
		state = worker.StateTimedOut
		exitCode = -1
	default:
		if err != nil {
			state = worker.StateFailed
			exitCode = -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
			}
		}
	}
	s.finalize(e, item, state, exitCode)
}

// finalize records the outcome and tears down the worker's claim and slot.
// Finish is absorbing, so a record already killed or timed out keeps its
// verdict and teardown still runs exactly once via the done channel.
func (s *Supervisor) finalize(e *entry, item backlog.Item, state worker.State, exitCode int) {
	e.record.Finish(state, exitCode, time.Now())

	final := e.record.State()
	workerID := e.record.ID()
	s.coordinator.Release(item.ID, workerID)

	switch final {
	case worker.StateCompleted:
		s.recordExperience(workerID, e.record.PersonalName(), item)
		s.publish(bus.TypeCompleted, workerID, item.ID, "")
		s.journalf(logbook.LevelInfo, workerID, item.ID, "worker completed")
	default:
		s.publish(bus.TypeFailed, workerID, item.ID, string(final))
		s.journalf(logbook.LevelWarn, workerID, item.ID, "worker finished %s (exit %d)", final, e.record.ExitCode())
	}

	s.slots.Release(1)
	close(e.done)
}

// Wait blocks until the given worker reaches a terminal state.
func (s *Supervisor) Wait(workerID string) (*worker.Record, error) {
	s.mu.Lock()
	e, ok := s.entries[workerID]
	s.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	<-e.done
	return e.record, nil
}

// WaitAll blocks until every registered worker is terminal or the context
// is canceled.
func (s *Supervisor) WaitAll(ctx context.Context) error {
	s.mu.Lock()
	pending := make([]*entry, 0, len(s.entries))
	for _, e := range s.entries {
		pending = append(pending, e)
	}
	s.mu.Unlock()
	for _, e := range pending {
		select {
		case <-e.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// Record returns the record for a worker id.
func (s *Supervisor) Record(workerID string) (*worker.Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[workerID]
	if !ok {
		return nil, false
	}
	return e.record, true
}

// Running returns how many workers are not yet terminal.
func (s *Supervisor) Running() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, e := range s.entries {
		if !e.record.State().IsTerminal() {
			n++
		}
	}
	return n
}

// Snapshot returns a copy of every registered record for status surfaces.
func (s *Supervisor) Snapshot() []worker.Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]worker.Snapshot, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e.record.Snapshot())
	}
	return out
}

func (s *Supervisor) publish(msgType, workerID, itemID, detail string) {
	evt := bus.Event{Type: msgType, WorkerID: workerID, StreamID: itemID, Detail: detail}
	if err := s.publisher.Publish(bus.BroadcastTopic(msgType), evt); err != nil && s.log != nil {
		s.log.Printf("supervisor: broadcast %s for %s failed: %v", msgType, itemID, err)
	}
}

func (s *Supervisor) journalf(level logbook.Level, workerID, itemID, format string, args ...interface{}) {
	if s.journal != nil {
		s.journal.Worker(level, workerID, itemID, fmt.Sprintf(format, args...))
	}
}
