// Package events fans out per-tenant change notifications to in-process subscribers.
package events

import (
	"context"
	"sync"
	"time"
)

const (
	// EventMappingChanged is published after every entity mapping write.
	EventMappingChanged = "mapping-changed"
	// EventWebhookProcessed is published after a webhook event reaches a terminal status.
	EventWebhookProcessed = "webhook-processed"
	// EventHeartbeat keeps idle streams open.
	EventHeartbeat = "heartbeat"

	defaultBufferSize = 16
)

// Message describes one change for a tenant.
type Message struct {
	TenantID   string    `json:"tenant_id"`
	EventType  string    `json:"event_type"`
	EntityType string    `json:"entity_type,omitempty"`
	InternalID string    `json:"internal_id,omitempty"`
	ExternalID string    `json:"external_id,omitempty"`
	Status     string    `json:"status,omitempty"`
	Timestamp  time.Time `json:"timestamp"`
}

// Publisher is implemented by Dispatcher and accepted by writers.
type Publisher interface {
	Publish(message Message)
}

// Dispatcher delivers messages to subscribers of the same tenant. Slow subscribers drop messages.
type Dispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*subscriber
	nextID      int64
	bufferSize  int
}

type subscriber struct {
	id     int64
	stream chan Message
}

// NewDispatcher constructs an empty Dispatcher.
func NewDispatcher() *Dispatcher {
	return &Dispatcher{
		subscribers: make(map[string]map[int64]*subscriber),
		bufferSize:  defaultBufferSize,
	}
}

// Subscribe registers a stream for tenantID until ctx is done or cleanup is called.
func (d *Dispatcher) Subscribe(ctx context.Context, tenantID string) (<-chan Message, func()) {
	if tenantID == "" {
		ch := make(chan Message)
		close(ch)
		return ch, func() {}
	}
	sub := &subscriber{
		id:     d.nextSequence(),
		stream: make(chan Message, d.bufferSize),
	}
	d.register(tenantID, sub)
	var once sync.Once
	cleanup := func() {
		once.Do(func() { d.unregister(tenantID, sub.id) })
	}
	go func() {
		<-ctx.Done()
		cleanup()
	}()
	return sub.stream, cleanup
}

// Publish delivers message to every subscriber of its tenant without blocking.
func (d *Dispatcher) Publish(message Message) {
	if message.TenantID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	subscribers := d.subscribers[message.TenantID]
	if len(subscribers) == 0 {
		d.mu.RUnlock()
		return
	}
	copies := make([]*subscriber, 0, len(subscribers))
	for _, sub := range subscribers {
		copies = append(copies, sub)
	}
	d.mu.RUnlock()
	for _, sub := range copies {
		select {
		case sub.stream <- message:
		default:
		}
	}
}

// SubscriberCount reports the number of open streams for tenantID.
func (d *Dispatcher) SubscriberCount(tenantID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[tenantID])
}

func (d *Dispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *Dispatcher) register(tenantID string, sub *subscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[tenantID]; !ok {
		d.subscribers[tenantID] = make(map[int64]*subscriber)
	}
	d.subscribers[tenantID][sub.id] = sub
}

func (d *Dispatcher) unregister(tenantID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[tenantID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, tenantID)
		}
	}
	d.mu.Unlock()
}
