package engine

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a domain event emitted by the sync engine. Side
// effects that the original storage schema wired through database triggers
// (metric rollups, status cascades) are driven by these events instead, so
// control flow stays visible and testable.
type EventType string

const (
	EventItemCompleted    EventType = "sync.item.completed"
	EventItemFailed       EventType = "sync.item.failed"
	EventWebhookReceived  EventType = "webhook.received"
	EventWebhookProcessed EventType = "webhook.processed"
	EventWebhookFailed    EventType = "webhook.failed"
	EventConflictDetected EventType = "conflict.detected"
	EventConflictResolved EventType = "conflict.resolved"
)

// Event carries the facts consumers need without referencing engine state
type Event struct {
	Type       EventType      `json:"type"`
	TenantID   uuid.UUID      `json:"tenant_id"`
	EntityType string         `json:"entity_type"`
	OccurredAt time.Time      `json:"occurred_at"`
	LatencyMs  int64          `json:"latency_ms,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Publisher is the emission side of the dispatcher. Services hold this
// narrow interface so tests can swap in a recording fake.
type Publisher interface {
	Publish(event Event)
}

// Consumer receives every published event. Consumers must be fast and must
// not panic; dispatch is synchronous in publish order.
type Consumer interface {
	Handle(event Event)
}

// Dispatcher fans published events out to registered consumers.
// It is thread-safe for concurrent publish and subscribe.
type Dispatcher struct {
	mu        sync.RWMutex
	consumers []Consumer
}

// NewDispatcher creates a new empty dispatcher
func NewDispatcher() *Dispatcher {
	return &Dispatcher{}
}

// Subscribe registers a consumer for all subsequent events
func (d *Dispatcher) Subscribe(c Consumer) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers = append(d.consumers, c)
}

// Publish delivers the event to every consumer in subscription order
func (d *Dispatcher) Publish(event Event) {
	if event.OccurredAt.IsZero() {
		event.OccurredAt = time.Now().UTC()
	}

	d.mu.RLock()
	consumers := make([]Consumer, len(d.consumers))
	copy(consumers, d.consumers)
	d.mu.RUnlock()

	for _, c := range consumers {
		c.Handle(event)
	}
}
