// Package scheduler decides which work streams run and in what order. It
// sits above the supervisor: garden the backlog, pick claimable streams by
// priority, hand them to the supervisor, and verify what comes back.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kingrea/the-loom/internal/backlog"
	"github.com/kingrea/the-loom/internal/config"
	"github.com/kingrea/the-loom/internal/logbook"
	"github.com/kingrea/the-loom/internal/supervisor"
	"github.com/kingrea/the-loom/internal/worker"
)

// ErrNoWork is returned when the backlog has no claimable streams.
var ErrNoWork = errors.New("scheduler: no claimable work streams")

// Logger matches the Printf surface of the logging package.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Result pairs a finished worker with its completion verification.
type Result struct {
	Worker       worker.Snapshot `json:"worker"`
	Verification Verification    `json:"verification"`
}

// Scheduler drives the three run modes over one supervisor.
type Scheduler struct {
	cfg      *config.Config
	store    *backlog.Store
	gardener *backlog.Gardener
	sup      *supervisor.Supervisor
	journal  *logbook.Logbook
	log      Logger

	events eventLog
}

// New creates a scheduler over the given collaborators.
func New(cfg *config.Config, store *backlog.Store, gardener *backlog.Gardener, sup *supervisor.Supervisor, journal *logbook.Logbook, log Logger) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		store:    store,
		gardener: gardener,
		sup:      sup,
		journal:  journal,
		log:      log,
	}
}

// OnEvent registers a callback for every scheduler event.
func (s *Scheduler) OnEvent(cb Callback) {
	s.events.subscribe(cb)
}

// Events returns the append-only event history so far.
func (s *Scheduler) Events() []Event {
	return s.events.snapshot()
}

// RunSingle gardens the backlog, then runs exactly one worker to a terminal
// state. With an empty itemID the highest-priority claimable stream is
// chosen; otherwise the named stream must exist and be claimable.
func (s *Scheduler) RunSingle(ctx context.Context, itemID string) (Result, error) {
	s.garden()

	item, err := s.pick(itemID)
	if err != nil {
		return Result{}, err
	}
	record, err := s.spawn(item)
	if err != nil {
		return Result{}, err
	}
	if _, err := s.sup.Wait(record.ID()); err != nil {
		return Result{}, err
	}
	return s.conclude(record, item), nil
}

// RunParallel gardens the backlog and launches up to the concurrency limit
// of distinct streams, then waits for all of them. A spawn failure stops the
// launch pass; workers already running are left to finish.
func (s *Scheduler) RunParallel(ctx context.Context) ([]Result, error) {
	s.garden()

	items, err := s.store.PrioritizedItems()
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, ErrNoWork
	}

	var records []*worker.Record
	var launched []backlog.Item
	for _, item := range items {
		record, err := s.spawn(item)
		if err != nil {
			if errors.Is(err, supervisor.ErrCapacity) {
				break
			}
			s.events.emit(Event{Type: EventSpawnFailed, ItemID: item.ID, Message: err.Error()})
			break
		}
		records = append(records, record)
		launched = append(launched, item)
	}
	if len(records) == 0 {
		return nil, ErrNoWork
	}

	if err := s.sup.WaitAll(ctx); err != nil {
		return nil, err
	}
	results := make([]Result, 0, len(records))
	for i, record := range records {
		results = append(results, s.conclude(record, launched[i]))
	}
	return results, nil
}

// RunBatch keeps the pipeline full until the backlog is exhausted: garden,
// launch everything claimable up to capacity, poll, repeat. It returns when
// no claimable work remains and every worker is terminal, or when the
// context is canceled.
func (s *Scheduler) RunBatch(ctx context.Context) ([]Result, error) {
	poll := time.Duration(s.cfg.Project.Scheduler.PollIntervalMS) * time.Millisecond
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}

	var results []Result
	inFlight := make(map[string]backlog.Item)

	for {
		select {
		case <-ctx.Done():
			return results, ctx.Err()
		default:
		}

		s.garden()
		items, err := s.store.PrioritizedItems()
		if err != nil {
			return results, err
		}

		for _, item := range items {
			if _, busy := inFlight[item.ID]; busy {
				continue
			}
			if _, err := s.spawn(item); err != nil {
				if errors.Is(err, supervisor.ErrCapacity) {
					break
				}
				s.events.emit(Event{Type: EventSpawnFailed, ItemID: item.ID, Message: err.Error()})
				continue
			}
			inFlight[item.ID] = item
		}

		for _, snap := range s.sup.Snapshot() {
			item, tracked := inFlight[snap.ItemID]
			if !tracked || !snap.State.IsTerminal() {
				continue
			}
			record, ok := s.sup.Record(snap.ID)
			if !ok {
				continue
			}
			results = append(results, s.conclude(record, item))
			delete(inFlight, snap.ItemID)
		}

		if len(inFlight) == 0 && s.sup.Running() == 0 {
			remaining, err := s.store.PrioritizedItems()
			if err != nil {
				return results, err
			}
			if len(remaining) == 0 {
				s.events.emit(Event{Type: EventIdle, Message: "backlog exhausted"})
				return results, nil
			}
		}

		select {
		case <-ctx.Done():
			return results, ctx.Err()
		case <-time.After(poll):
		}
	}
}

func (s *Scheduler) garden() {
	report, err := s.gardener.Garden()
	if err != nil {
		s.logf("scheduler: garden failed: %v", err)
		return
	}
	for _, u := range report.Unblocked {
		s.events.emit(Event{Type: EventGardened, ItemID: u.ID, Message: u.Reason})
		if s.journal != nil {
			s.journal.Info("unblocked %s: %s", u.ID, u.Reason)
		}
	}
}

func (s *Scheduler) pick(itemID string) (backlog.Item, error) {
	if itemID == "" {
		items, err := s.store.PrioritizedItems()
		if err != nil {
			return backlog.Item{}, err
		}
		if len(items) == 0 {
			return backlog.Item{}, ErrNoWork
		}
		return items[0], nil
	}
	item, ok, err := s.store.Item(itemID)
	if err != nil {
		return backlog.Item{}, err
	}
	if !ok {
		return backlog.Item{}, fmt.Errorf("scheduler: stream %s not in backlog", itemID)
	}
	if !item.IsClaimable() {
		return backlog.Item{}, fmt.Errorf("scheduler: stream %s is not claimable (%s)", itemID, item.Status)
	}
	return item, nil
}

func (s *Scheduler) spawn(item backlog.Item) (*worker.Record, error) {
	record, err := s.sup.Spawn(item)
	if err != nil {
		return nil, err
	}
	s.events.emit(Event{Type: EventSpawned, WorkerID: record.ID(), ItemID: item.ID, Message: item.Name})
	return record, nil
}

func (s *Scheduler) conclude(record *worker.Record, item backlog.Item) Result {
	snap := record.Snapshot()
	s.events.emit(Event{
		Type:     EventFinished,
		WorkerID: snap.ID,
		ItemID:   item.ID,
		Message:  string(snap.State),
	})

	verification := s.VerifyCompletion(record, item.ID)
	s.events.emit(Event{
		Type:     EventVerified,
		WorkerID: snap.ID,
		ItemID:   item.ID,
		Message:  fmt.Sprintf("passed=%v", verification.Passed),
	})
	if s.journal != nil {
		level := logbook.LevelInfo
		if !verification.Passed {
			level = logbook.LevelWarn
		}
		s.journal.Worker(level, snap.ID, item.ID, fmt.Sprintf("finished %s, verification passed=%v", snap.State, verification.Passed))
	}
	return Result{Worker: snap, Verification: verification}
}

func (s *Scheduler) logf(format string, args ...interface{}) {
	if s.log != nil {
		s.log.Printf(format, args...)
	}
}
