// Package service orchestrates the sync engine: it binds the durable queue,
// lock manager, identity mappings, and CRM adapters into the outbound and
// inbound sync flows. Services hold narrow store interfaces rather than
// concrete repositories so the flow logic is testable without a database.
package service

import (
	"context"
	"time"

	"outreach-sync/internal/repository"

	"github.com/google/uuid"
)

// QueueStore is the durable sync queue surface services depend on.
// *repository.QueueRepository satisfies it.
type QueueStore interface {
	Enqueue(ctx context.Context, req repository.EnqueueRequest) (*repository.QueueItem, error)
	Claim(ctx context.Context, workerID string, batchSize int, leaseTimeout time.Duration) ([]repository.QueueItem, error)
	Complete(ctx context.Context, id uuid.UUID, result map[string]any) (*repository.QueueItem, error)
	Fail(ctx context.Context, id uuid.UUID, failure string, backoffBase, backoffCap time.Duration) (*repository.QueueItem, error)
	FailPermanently(ctx context.Context, id uuid.UUID, failure string) (*repository.QueueItem, error)
	Defer(ctx context.Context, id uuid.UUID, delay time.Duration) (*repository.QueueItem, error)
	Cancel(ctx context.Context, id uuid.UUID) (*repository.QueueItem, error)
	Get(ctx context.Context, id uuid.UUID) (*repository.QueueItem, error)
	ListByStatus(ctx context.Context, tenantID uuid.UUID, status repository.QueueStatus, limit, offset int32) ([]repository.QueueItem, error)
}

// LockStore is the per-entity lock surface. *repository.LockRepository
// satisfies it.
type LockStore interface {
	Acquire(ctx context.Context, tenantID uuid.UUID, entityType, entityID string, lockType repository.LockType, ownerToken string, ttl time.Duration) (*repository.Lock, bool, error)
	Release(ctx context.Context, tenantID uuid.UUID, entityType, entityID, ownerToken string) (bool, error)
	Refresh(ctx context.Context, tenantID uuid.UUID, entityType, entityID, ownerToken string, ttl time.Duration) (bool, error)
}

// MappingStore is the object identity mapping surface.
// *repository.ObjectMappingRepository satisfies it.
type MappingStore interface {
	Link(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, remoteType, remoteID string, status repository.SyncStatus) (*repository.ObjectMapping, error)
	ResolveLocal(ctx context.Context, tenantID uuid.UUID, remoteType, remoteID string) (*repository.ObjectMapping, error)
	ResolveRemote(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID) (*repository.ObjectMapping, error)
	BumpVersion(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, side repository.VersionSide, newVersion int64) (*repository.ObjectMapping, error)
	UpdateSyncStatus(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, status repository.SyncStatus, syncError *string) (*repository.ObjectMapping, error)
	MarkSynced(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, side repository.VersionSide, newVersion int64) (*repository.ObjectMapping, error)
	MarkDeleted(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID) (*repository.ObjectMapping, error)
	ListByStatus(ctx context.Context, tenantID uuid.UUID, status repository.SyncStatus, limit, offset int32) ([]repository.ObjectMapping, error)
}

// FieldMappingStore is the field mapping configuration surface.
// *repository.FieldMappingRepository satisfies it.
type FieldMappingStore interface {
	Upsert(ctx context.Context, req repository.UpsertFieldMappingRequest) (*repository.FieldMapping, error)
	ListByObjectType(ctx context.Context, tenantID uuid.UUID, objectType string) ([]repository.FieldMapping, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// WebhookStore is the inbound webhook event surface.
// *repository.WebhookEventRepository satisfies it.
type WebhookStore interface {
	Insert(ctx context.Context, req repository.IngestRequest) (*repository.WebhookEvent, error)
	ClaimPending(ctx context.Context, workerID string, batchSize int) ([]repository.WebhookEvent, error)
	Complete(ctx context.Context, id uuid.UUID) (*repository.WebhookEvent, error)
	MarkSkipped(ctx context.Context, id uuid.UUID) (*repository.WebhookEvent, error)
	Fail(ctx context.Context, id uuid.UUID, failure string, backoffBase, backoffCap time.Duration) (*repository.WebhookEvent, error)
	Defer(ctx context.Context, id uuid.UUID, delay time.Duration) (*repository.WebhookEvent, error)
	Get(ctx context.Context, id uuid.UUID) (*repository.WebhookEvent, error)
}

// AuditStore is the conflict audit surface.
// *repository.ConflictAuditRepository satisfies it.
type AuditStore interface {
	Record(ctx context.Context, req repository.RecordConflictRequest) (*repository.ConflictAudit, error)
	Resolve(ctx context.Context, id uuid.UUID, resolution, resolvedBy string) (*repository.ConflictAudit, error)
	Get(ctx context.Context, id uuid.UUID) (*repository.ConflictAudit, error)
	ListOpen(ctx context.Context, tenantID uuid.UUID, limit, offset int32) ([]repository.ConflictAudit, error)
}

// MetricStore is the daily metric rollup surface.
// *repository.SyncMetricRepository satisfies it.
type MetricStore interface {
	Increment(ctx context.Context, tenantID uuid.UUID, day time.Time, entityType string, delta repository.MetricDelta) error
	GetRange(ctx context.Context, tenantID uuid.UUID, from, to time.Time) ([]repository.SyncMetric, error)
}
