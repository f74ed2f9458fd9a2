package bus

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/kingrea/the-loom/internal/config"
)

func TestSettingsFromConfigUsesProjectValues(t *testing.T) {
	disabled := false
	cfg := &config.Config{}
	cfg.Project.Bus.Host = "0.0.0.0"
	cfg.Project.Bus.Port = 9001
	cfg.Project.Bus.Enabled = &disabled
	settings := SettingsFromConfig(cfg)
	if settings.Port != 9001 {
		t.Fatalf("expected port 9001, got %d", settings.Port)
	}
	if settings.Host != "0.0.0.0" {
		t.Fatalf("expected host override, got %s", settings.Host)
	}
	if settings.Enabled {
		t.Fatalf("expected enabled=false from config")
	}
}

func TestEventValidate(t *testing.T) {
	evt := Event{
		Version: EventSchemaVersion,
		EventID: "abc",
		Type:    TypeStatus,
	}
	if err := evt.Validate(); err != nil {
		t.Fatalf("expected valid event, got %v", err)
	}
	evt.Version = 99
	if err := evt.Validate(); err == nil {
		t.Fatalf("expected version error")
	}
}

func TestDeriveTopicRoutesControlMessagesToWorker(t *testing.T) {
	control := Event{Type: TypeStop, WorkerID: "agent-3"}
	if got := control.DeriveTopic(); got != WorkerTopic("agent-3") {
		t.Fatalf("stop topic = %s", got)
	}
	broadcast := Event{Type: TypeClaim, WorkerID: "agent-3"}
	if got := broadcast.DeriveTopic(); got != BroadcastTopic(TypeClaim) {
		t.Fatalf("claim topic = %s", got)
	}
}

func TestServerAcceptsEvents(t *testing.T) {
	t.Parallel()
	fixed := time.Unix(1730000000, 0).UTC()
	recorded := make(chan Event, 1)
	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: 1024, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	srv := NewServer(settings,
		WithClock(func() time.Time { return fixed }),
		WithSink(PublisherFunc(func(topic string, e Event) error {
			recorded <- e
			return nil
		})))
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	base := srv.BaseURL()
	resp, err := http.Get(base + "/health")
	if err != nil {
		t.Fatalf("health request failed: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 health, got %d", resp.StatusCode)
	}
	payload := Event{
		Version:  EventSchemaVersion,
		EventID:  "evt-1",
		Type:     TypeStatus,
		WorkerID: "agent-1",
		StreamID: "1.2",
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	resp, err = http.Post(base+"/events", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post event: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", resp.StatusCode)
	}
	select {
	case evt := <-recorded:
		if !evt.ServerTime.Equal(fixed) {
			t.Fatalf("expected server time %s, got %s", fixed, evt.ServerTime)
		}
	default:
		t.Fatalf("event not forwarded to sink")
	}
}

func TestServerEnforcesPayloadLimit(t *testing.T) {
	t.Parallel()
	settings := Settings{Enabled: true, Host: "127.0.0.1", Port: 0, MaxBodyBytes: 64, ReadTimeout: time.Second, WriteTimeout: time.Second, IdleTimeout: time.Second}
	srv := NewServer(settings)
	t.Cleanup(func() {
		_ = srv.Shutdown(context.Background())
	})
	if err := srv.Start(context.Background()); err != nil {
		t.Fatalf("start server: %v", err)
	}
	base := srv.BaseURL()
	tooLarge := bytes.Repeat([]byte("a"), 512)
	payload := map[string]any{
		"version":  EventSchemaVersion,
		"event_id": "evt",
		"type":     TypeStatus,
		"payload":  string(tooLarge),
	}
	buf, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(base+"/events", "application/json", bytes.NewReader(buf))
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413, got %d", resp.StatusCode)
	}
}
