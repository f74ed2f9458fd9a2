package scheduler

import (
	"sync"
	"time"
)

// Event types emitted by the scheduler.
const (
	EventGardened    = "gardened"
	EventSpawned     = "spawned"
	EventSpawnFailed = "spawn_failed"
	EventFinished    = "finished"
	EventVerified    = "verified"
	EventIdle        = "idle"
)

// Event is one entry in the scheduler's append-only history.
type Event struct {
	Time     time.Time `json:"time"`
	Type     string    `json:"type"`
	Message  string    `json:"message"`
	WorkerID string    `json:"worker_id,omitempty"`
	ItemID   string    `json:"item_id,omitempty"`
}

// Callback receives every emitted event. Callbacks run inline on the
// scheduling goroutine; a panicking callback is recovered so it cannot take
// the scheduler down with it.
type Callback func(Event)

type eventLog struct {
	mu        sync.Mutex
	events    []Event
	callbacks []Callback
}

func (l *eventLog) subscribe(cb Callback) {
	l.mu.Lock()
	l.callbacks = append(l.callbacks, cb)
	l.mu.Unlock()
}

func (l *eventLog) emit(evt Event) {
	evt.Time = time.Now()
	l.mu.Lock()
	l.events = append(l.events, evt)
	callbacks := append([]Callback(nil), l.callbacks...)
	l.mu.Unlock()

	for _, cb := range callbacks {
		func() {
			defer func() { recover() }()
			cb(evt)
		}()
	}
}

func (l *eventLog) snapshot() []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Event(nil), l.events...)
}
