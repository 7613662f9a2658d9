package service

import (
	"context"
	"fmt"
	"time"

	"outreach-sync/internal/engine"
	"outreach-sync/internal/logger"
	"outreach-sync/internal/repository"

	"github.com/google/uuid"
)

// MetricsService folds domain events into the daily metric rollups and
// serves metric queries. It subscribes to the dispatcher as a consumer, so
// every counter moves through the same event stream the rest of the engine
// observes rather than through scattered direct writes.
type MetricsService struct {
	metrics MetricStore
}

// NewMetricsService creates a new metrics service
func NewMetricsService(metrics MetricStore) *MetricsService {
	return &MetricsService{metrics: metrics}
}

// Handle implements engine.Consumer. Metric writes are best-effort: a failed
// increment is logged and dropped rather than failing the sync work that
// emitted the event.
func (s *MetricsService) Handle(event engine.Event) {
	delta, ok := deltaFor(event)
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.metrics.Increment(ctx, event.TenantID, event.OccurredAt, event.EntityType, delta); err != nil {
		logger.Warn().
			Err(err).
			Str("event_type", string(event.Type)).
			Str("tenant_id", event.TenantID.String()).
			Msg("failed to record sync metric")
	}
}

// Range retrieves metric rows for a tenant within [from, to]
func (s *MetricsService) Range(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]repository.SyncMetric, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if to.Before(from) {
		return nil, fmt.Errorf("%w: range end precedes start", ErrInvalidRequest)
	}
	return s.metrics.GetRange(ctx, tenantID, from, to)
}

func deltaFor(event engine.Event) (repository.MetricDelta, bool) {
	switch event.Type {
	case engine.EventWebhookReceived:
		return repository.MetricDelta{EventsReceived: 1}, true
	case engine.EventWebhookProcessed:
		return repository.MetricDelta{EventsProcessed: 1, LatencyMs: event.LatencyMs}, true
	case engine.EventWebhookFailed:
		return repository.MetricDelta{EventsFailed: 1}, true
	case engine.EventItemCompleted:
		return repository.MetricDelta{SyncCompleted: 1, LatencyMs: event.LatencyMs}, true
	case engine.EventItemFailed:
		return repository.MetricDelta{SyncFailed: 1}, true
	case engine.EventConflictDetected:
		return repository.MetricDelta{ConflictsDetected: 1}, true
	case engine.EventConflictResolved:
		return repository.MetricDelta{ConflictsResolved: 1}, true
	}
	return repository.MetricDelta{}, false
}
