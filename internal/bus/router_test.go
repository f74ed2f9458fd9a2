package bus

import (
	"testing"
)

func TestRouterBuffersAndFlushes(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(4))
	first := Event{EventID: "evt-1", Type: TypeOutput}
	second := Event{EventID: "evt-2", Type: TypeStatus}
	topic := BroadcastTopic(TypeStatus)
	_ = router.Publish(topic, first)
	_ = router.Publish(topic, second)
	sub := router.Subscribe(topic)
	defer sub.Close()
	got1 := <-sub.Events
	if got1.EventID != first.EventID {
		t.Fatalf("expected first buffered event, got %s", got1.EventID)
	}
	got2 := <-sub.Events
	if got2.EventID != second.EventID {
		t.Fatalf("expected second buffered event, got %s", got2.EventID)
	}
}

func TestRouterDedupeByEventID(t *testing.T) {
	router := NewRouter()
	topic := BroadcastTopic(TypeClaim)
	sub := router.Subscribe(topic)
	defer sub.Close()
	event := Event{EventID: "evt-1", Type: TypeClaim}
	_ = router.Publish(topic, event)
	_ = router.Publish(topic, event)
	select {
	case got := <-sub.Events:
		if got.EventID != event.EventID {
			t.Fatalf("unexpected event: %s", got.EventID)
		}
	default:
		t.Fatalf("expected first delivery")
	}
	select {
	case <-sub.Events:
		t.Fatalf("duplicate event delivered")
	default:
	}
}

func TestRouterDropsOldestPreferredEventOnOverflow(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	topic := WorkerTopic("agent-1")
	sub := router.Subscribe(topic)
	defer sub.Close()
	oldest := Event{EventID: "evt-1", Type: TypeOutput}
	critical := Event{EventID: "evt-2", Type: TypeFailed}
	_ = router.Publish(topic, oldest)
	_ = router.Publish(topic, critical)
	if got := <-sub.Events; got.EventID != critical.EventID {
		t.Fatalf("expected critical event to replace oldest, got %s", got.EventID)
	}
}

func TestRouterDropsIncomingWhenOldestCritical(t *testing.T) {
	router := NewRouter(RouterWithSubscriberCapacity(1))
	topic := WorkerTopic("agent-1")
	sub := router.Subscribe(topic)
	defer sub.Close()
	oldest := Event{EventID: "evt-1", Type: TypeCompleted}
	droppable := Event{EventID: "evt-2", Type: TypeOutput}
	_ = router.Publish(topic, oldest)
	_ = router.Publish(topic, droppable)
	if got := <-sub.Events; got.EventID != oldest.EventID {
		t.Fatalf("expected oldest critical event to remain, got %s", got.EventID)
	}
	select {
	case <-sub.Events:
		t.Fatalf("unexpected extra event")
	default:
	}
}

func TestPublishDerivesTopicWhenBlank(t *testing.T) {
	router := NewRouter()
	sub := router.Subscribe(WorkerTopic("agent-9"))
	defer sub.Close()
	event := Event{EventID: "evt-1", Type: TypePing, WorkerID: "agent-9"}
	_ = router.Publish("", event)
	select {
	case got := <-sub.Events:
		if got.Type != TypePing {
			t.Fatalf("unexpected type %s", got.Type)
		}
	default:
		t.Fatalf("ping was not routed to the worker topic")
	}
}
