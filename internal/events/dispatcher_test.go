package events

import (
	"context"
	"testing"
	"time"
)

func TestDispatcherPublishesToSubscriber(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stream, cleanup := dispatcher.Subscribe(ctx, "tenant-1")
	defer cleanup()

	dispatcher.Publish(Message{
		TenantID:   "tenant-1",
		EventType:  EventMappingChanged,
		EntityType: "contact",
		InternalID: "c-1",
		ExternalID: "x-1",
	})

	select {
	case received := <-stream:
		if received.EventType != EventMappingChanged {
			t.Fatalf("expected event type %s, got %s", EventMappingChanged, received.EventType)
		}
		if received.ExternalID != "x-1" {
			t.Fatalf("expected external id x-1, got %s", received.ExternalID)
		}
		if received.Timestamp.IsZero() {
			t.Fatalf("expected publish to stamp the message")
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message within deadline")
	}
}

func TestDispatcherIsolatedByTenant(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tenantStream, cleanup := dispatcher.Subscribe(ctx, "tenant-2")
	defer cleanup()
	otherStream, otherCleanup := dispatcher.Subscribe(ctx, "tenant-3")
	defer otherCleanup()

	dispatcher.Publish(Message{TenantID: "tenant-3", EventType: EventMappingChanged})

	select {
	case <-tenantStream:
		t.Fatal("did not expect message for unrelated tenant")
	case <-time.After(200 * time.Millisecond):
	}

	select {
	case msg := <-otherStream:
		if msg.TenantID != "tenant-3" {
			t.Fatalf("expected tenant-3, received %s", msg.TenantID)
		}
	case <-time.After(500 * time.Millisecond):
		t.Fatal("expected message for subscribed tenant")
	}
}

func TestDispatcherUnsubscribesWhenContextEnds(t *testing.T) {
	dispatcher := NewDispatcher()
	ctx, cancel := context.WithCancel(context.Background())

	_, cleanup := dispatcher.Subscribe(ctx, "tenant-4")
	defer cleanup()
	if dispatcher.SubscriberCount("tenant-4") != 1 {
		t.Fatalf("expected one subscriber")
	}

	cancel()
	deadline := time.Now().Add(time.Second)
	for dispatcher.SubscriberCount("tenant-4") != 0 {
		if time.Now().After(deadline) {
			t.Fatal("expected subscriber to be removed after cancellation")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
