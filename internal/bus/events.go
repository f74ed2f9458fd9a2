package bus

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// ProtocolVersion identifies the bus contract version exposed via /health.
	ProtocolVersion = "1.0.0"
	// EventSchemaVersion is the currently supported inbound event version.
	EventSchemaVersion = 1
)

// Message types carried over the bus. Broadcast types describe ownership and
// lifecycle changes; the remainder are direct-to-worker control messages.
const (
	TypeStatus     = "status"
	TypeClaim      = "claim"
	TypeRelease    = "release"
	TypeStarted    = "started"
	TypeCompleted  = "completed"
	TypeFailed     = "failed"
	TypeOutput     = "output"
	TypeStop       = "stop"
	TypeUpdateGoal = "update_goal"
	TypePing       = "ping"
)

// BroadcastTopic returns the broadcast channel for a message type.
func BroadcastTopic(msgType string) string {
	return "broadcast." + strings.TrimSpace(strings.ToLower(msgType))
}

// WorkerTopic returns the direct-control channel for one worker.
func WorkerTopic(workerID string) string {
	return "worker." + strings.TrimSpace(workerID)
}

// Event captures a single notification exchanged between the supervisor and
// its workers.
type Event struct {
	Version    int             `json:"version"`
	EventID    string          `json:"event_id"`
	Type       string          `json:"type"`
	WorkerID   string          `json:"worker_id,omitempty"`
	StreamID   string          `json:"stream_id,omitempty"`
	Detail     string          `json:"detail,omitempty"`
	ClientTime time.Time       `json:"client_time,omitempty"`
	ServerTime time.Time       `json:"server_time,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Normalize applies defaults and canonical formatting before validation.
// Events without an id get one so deduplication stays meaningful.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	if e.Version == 0 {
		e.Version = EventSchemaVersion
	}
	e.EventID = strings.TrimSpace(e.EventID)
	if e.EventID == "" {
		e.EventID = uuid.NewString()
	}
	e.Type = strings.TrimSpace(strings.ToLower(e.Type))
	e.WorkerID = strings.TrimSpace(e.WorkerID)
	e.StreamID = strings.TrimSpace(e.StreamID)
}

// StampServerTime overwrites ServerTime with the supplied clock reading (UTC).
func (e *Event) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// Validate enforces baseline schema requirements for incoming events.
func (e Event) Validate() error {
	if e.Version != EventSchemaVersion {
		return fmt.Errorf("version %d not supported", e.Version)
	}
	if e.EventID == "" {
		return errors.New("event_id is required")
	}
	if e.Type == "" {
		return errors.New("type is required")
	}
	return nil
}

// DeriveTopic picks the channel an event belongs on: control messages go to
// the addressed worker's channel, everything else to the broadcast channel
// for its type.
func (e Event) DeriveTopic() string {
	switch e.Type {
	case TypeStop, TypeUpdateGoal, TypePing:
		if e.WorkerID != "" {
			return WorkerTopic(e.WorkerID)
		}
	}
	return BroadcastTopic(e.Type)
}

// Publisher is a fire-and-forget event sink. Delivery is at most once with no
// guarantee: callers must never let a scheduling decision depend on an event
// arriving. A nil error only means the event was handed to the sink.
type Publisher interface {
	Publish(topic string, event Event) error
}

// PublisherFunc adapts a function into a Publisher.
type PublisherFunc func(topic string, event Event) error

// Publish executes f(topic, event).
func (f PublisherFunc) Publish(topic string, event Event) error {
	if f == nil {
		return nil
	}
	return f(topic, event)
}

// Discard is a Publisher that drops every event. Used when the bus is
// disabled so callers never need a nil check.
var Discard Publisher = PublisherFunc(func(string, Event) error { return nil })

// Logger records bus status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RouterReady   bool   `json:"router_ready"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type eventResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}
