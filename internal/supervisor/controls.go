package supervisor

import (
	"encoding/json"
	"fmt"
	"syscall"
	"time"

	"github.com/kingrea/the-loom/internal/bus"
	"github.com/kingrea/the-loom/internal/worker"
)

// KillWorker force-terminates a worker process. The Killed verdict is
// recorded first so the monitor's exit handling cannot reinterpret the
// death as an ordinary failure.
func (s *Supervisor) KillWorker(workerID string) error {
	s.mu.Lock()
	e, ok := s.entries[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if e.record.State().IsTerminal() {
		return nil
	}
	e.record.Finish(worker.StateKilled, -1, time.Now())
	if e.cmd.Process != nil {
		return e.cmd.Process.Kill()
	}
	return nil
}

// KillAll force-terminates every live worker and returns the first error.
func (s *Supervisor) KillAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id, e := range s.entries {
		if !e.record.State().IsTerminal() {
			ids = append(ids, id)
		}
	}
	s.mu.Unlock()

	var first error
	for _, id := range ids {
		if err := s.KillWorker(id); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// SendStop asks a worker to wind down gracefully via its direct topic. The
// process keeps running until it exits on its own or is killed.
func (s *Supervisor) SendStop(workerID string) error {
	return s.sendControl(bus.TypeStop, workerID, nil)
}

// SendUpdateGoal replaces a worker's goal mid-flight.
func (s *Supervisor) SendUpdateGoal(workerID, goal string) error {
	payload, err := json.Marshal(map[string]string{"goal": goal})
	if err != nil {
		return err
	}
	return s.sendControl(bus.TypeUpdateGoal, workerID, payload)
}

// SendPing checks that a worker process is still alive and, if so, pings it
// on its direct topic. A worker in a terminal state, or whose process no
// longer answers signal 0, yields ErrWorkerNotAlive.
func (s *Supervisor) SendPing(workerID string) error {
	s.mu.Lock()
	e, ok := s.entries[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	if e.record.State().IsTerminal() {
		return fmt.Errorf("%w: %s is %s", ErrWorkerNotAlive, workerID, e.record.State())
	}
	if e.cmd == nil || e.cmd.Process == nil {
		return fmt.Errorf("%w: %s has no process", ErrWorkerNotAlive, workerID)
	}
	if err := e.cmd.Process.Signal(syscall.Signal(0)); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrWorkerNotAlive, workerID, err)
	}
	return s.sendControl(bus.TypePing, workerID, nil)
}

func (s *Supervisor) sendControl(msgType, workerID string, payload json.RawMessage) error {
	s.mu.Lock()
	e, ok := s.entries[workerID]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownWorker, workerID)
	}
	evt := bus.Event{
		Type:     msgType,
		WorkerID: workerID,
		StreamID: e.record.ItemID(),
		Payload:  payload,
	}
	return s.publisher.Publish(bus.WorkerTopic(workerID), evt)
}
