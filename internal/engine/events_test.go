package engine

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingConsumer struct {
	events []Event
}

func (c *recordingConsumer) Handle(event Event) {
	c.events = append(c.events, event)
}

func TestDispatcher_FansOutInOrder(t *testing.T) {
	d := NewDispatcher()
	first := &recordingConsumer{}
	second := &recordingConsumer{}
	d.Subscribe(first)
	d.Subscribe(second)

	tenantID := uuid.New()
	d.Publish(Event{Type: EventItemCompleted, TenantID: tenantID, EntityType: "contact"})
	d.Publish(Event{Type: EventItemFailed, TenantID: tenantID, EntityType: "contact"})

	require.Len(t, first.events, 2)
	require.Len(t, second.events, 2)
	assert.Equal(t, EventItemCompleted, first.events[0].Type)
	assert.Equal(t, EventItemFailed, first.events[1].Type)
}

func TestDispatcher_StampsOccurredAt(t *testing.T) {
	d := NewDispatcher()
	consumer := &recordingConsumer{}
	d.Subscribe(consumer)

	d.Publish(Event{Type: EventWebhookReceived})

	require.Len(t, consumer.events, 1)
	assert.False(t, consumer.events[0].OccurredAt.IsZero())
}

func TestDispatcher_NoConsumers(t *testing.T) {
	d := NewDispatcher()
	assert.NotPanics(t, func() {
		d.Publish(Event{Type: EventConflictDetected})
	})
}
