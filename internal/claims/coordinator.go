// Package claims arbitrates exclusive ownership of work streams. All claim
// state lives in memory under one mutex; the backlog file is never consulted
// here, so arbitration stays race-free even while the backlog is rewritten.
package claims

import (
	"sync"

	"github.com/kingrea/the-loom/internal/bus"
)

// Logger matches the Printf surface of the logging package.
type Logger interface {
	Printf(format string, args ...interface{})
}

// Coordinator tracks which worker owns which work stream. Claims are
// exclusive: at most one worker holds any stream at a time.
type Coordinator struct {
	mu     sync.Mutex
	owners map[string]string

	publisher bus.Publisher
	log       Logger
}

// NewCoordinator creates a coordinator that announces ownership changes on
// the given publisher. Broadcasts are best effort; a publish failure never
// affects the claim outcome.
func NewCoordinator(publisher bus.Publisher, log Logger) *Coordinator {
	if publisher == nil {
		publisher = bus.Discard
	}
	return &Coordinator{
		owners:    make(map[string]string),
		publisher: publisher,
		log:       log,
	}
}

// Claim attempts to take ownership of a work stream for a worker. Reclaiming
// a stream the worker already owns succeeds and changes nothing; a stream
// owned by anyone else is refused.
func (c *Coordinator) Claim(itemID, workerID string) bool {
	c.mu.Lock()
	owner, held := c.owners[itemID]
	if held && owner != workerID {
		c.mu.Unlock()
		return false
	}
	if held {
		c.mu.Unlock()
		return true
	}
	c.owners[itemID] = workerID
	c.mu.Unlock()

	c.broadcast(bus.TypeClaim, workerID, itemID, "")
	return true
}

// Release gives up ownership of a work stream. Releasing an unclaimed
// stream is a harmless no-op; releasing a stream owned by another worker is
// refused so a stale worker cannot strip a live one of its claim.
func (c *Coordinator) Release(itemID, workerID string) bool {
	c.mu.Lock()
	owner, held := c.owners[itemID]
	if !held {
		c.mu.Unlock()
		return true
	}
	if owner != workerID {
		c.mu.Unlock()
		return false
	}
	delete(c.owners, itemID)
	c.mu.Unlock()

	c.broadcast(bus.TypeRelease, workerID, itemID, "")
	return true
}

// Owner returns the worker currently holding a stream, if any.
func (c *Coordinator) Owner(itemID string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	owner, held := c.owners[itemID]
	return owner, held
}

// Claims returns a snapshot of every held claim keyed by work-stream id.
func (c *Coordinator) Claims() map[string]string {
	c.mu.Lock()
	defer c.mu.Unlock()
	snapshot := make(map[string]string, len(c.owners))
	for item, worker := range c.owners {
		snapshot[item] = worker
	}
	return snapshot
}

// BroadcastStatus announces a worker's free-form status to every listener.
func (c *Coordinator) BroadcastStatus(workerID, itemID, detail string) {
	c.broadcast(bus.TypeStatus, workerID, itemID, detail)
}

func (c *Coordinator) broadcast(msgType, workerID, itemID, detail string) {
	evt := bus.Event{
		Type:     msgType,
		WorkerID: workerID,
		StreamID: itemID,
		Detail:   detail,
	}
	if err := c.publisher.Publish(bus.BroadcastTopic(msgType), evt); err != nil && c.log != nil {
		c.log.Printf("claims: broadcast %s for %s failed: %v", msgType, itemID, err)
	}
}
