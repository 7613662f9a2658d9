package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach-sync/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// EventStatus represents the processing state of a webhook event
type EventStatus string

const (
	EventStatusPending    EventStatus = "pending"
	EventStatusProcessing EventStatus = "processing"
	EventStatusCompleted  EventStatus = "completed"
	EventStatusFailed     EventStatus = "failed"
	EventStatusSkipped    EventStatus = "skipped"
)

// ChangeType represents the kind of change a provider notified us about
type ChangeType string

const (
	ChangeTypeCreated ChangeType = "created"
	ChangeTypeUpdated ChangeType = "updated"
	ChangeTypeDeleted ChangeType = "deleted"
	ChangeTypeMerged  ChangeType = "merged"
)

// ErrDuplicateEvent is returned when a provider event id has already been
// ingested. At-least-once webhook delivery makes this a routine, non-error
// outcome for callers.
var ErrDuplicateEvent = errors.New("webhook event already ingested")

// WebhookEvent represents an inbound change notification from a provider
type WebhookEvent struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        uuid.UUID      `json:"tenant_id"`
	Provider        string         `json:"provider"`
	ProviderEventID string         `json:"provider_event_id"`
	ObjectType      string         `json:"object_type"`
	ObjectID        string         `json:"object_id"`
	ChangeType      ChangeType     `json:"change_type"`
	Payload         map[string]any `json:"payload"`
	PreviousPayload map[string]any `json:"previous_payload,omitempty"`
	OccurredAt      time.Time      `json:"occurred_at"`
	ReceivedAt      time.Time      `json:"received_at"`
	Status          EventStatus    `json:"processing_status"`
	RetryCount      int32          `json:"retry_count"`
	MaxAttempts     int32          `json:"max_attempts"`
	NextRetryAt     *time.Time     `json:"next_retry_at,omitempty"`
	ClaimedBy       *string        `json:"claimed_by,omitempty"`
	ClaimedAt       *time.Time     `json:"claimed_at,omitempty"`
	LastError       *string        `json:"last_error,omitempty"`
}

// IngestRequest holds parameters for storing an inbound webhook event
type IngestRequest struct {
	TenantID        uuid.UUID
	Provider        string
	ProviderEventID string
	ObjectType      string
	ObjectID        string
	ChangeType      ChangeType
	Payload         map[string]any
	PreviousPayload map[string]any
	OccurredAt      time.Time
	MaxAttempts     int32
}

// WebhookEventRepository handles inbound webhook event persistence
type WebhookEventRepository struct {
	db db.DBTX
}

// NewWebhookEventRepository creates a new webhook event repository
func NewWebhookEventRepository(dbtx db.DBTX) *WebhookEventRepository {
	return &WebhookEventRepository{db: dbtx}
}

const webhookColumns = `id, tenant_id, provider, provider_event_id, object_type, object_id,
	change_type, payload, previous_payload, occurred_at, received_at,
	processing_status, retry_count, max_attempts, next_retry_at,
	claimed_by, claimed_at, last_error`

// Insert stores an event, deduplicating on (provider, provider_event_id).
// Duplicate deliveries return ErrDuplicateEvent; the unique index makes the
// check-and-insert a single atomic operation.
func (r *WebhookEventRepository) Insert(ctx context.Context, req IngestRequest) (*WebhookEvent, error) {
	if req.MaxAttempts < 1 {
		req.MaxAttempts = 5
	}

	payloadBytes, err := mapToJSON(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	var prevBytes []byte
	if req.PreviousPayload != nil {
		prevBytes, err = mapToJSON(req.PreviousPayload)
		if err != nil {
			return nil, fmt.Errorf("marshal previous payload: %w", err)
		}
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO webhook_events (
			tenant_id, provider, provider_event_id, object_type, object_id,
			change_type, payload, previous_payload, occurred_at, max_attempts
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+webhookColumns,
		uuidToPgUUID(req.TenantID), req.Provider, req.ProviderEventID,
		req.ObjectType, req.ObjectID, string(req.ChangeType),
		payloadBytes, prevBytes,
		pgtype.Timestamptz{Time: req.OccurredAt, Valid: true},
		req.MaxAttempts,
	)

	event, err := scanWebhookEvent(row)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrDuplicateEvent
		}
		return nil, err
	}
	return event, nil
}

// ClaimPending atomically claims up to batchSize pending events for a
// worker, ordered by receipt time. Same claim-and-mark shape as the sync
// queue: one statement, SKIP LOCKED, no double delivery.
func (r *WebhookEventRepository) ClaimPending(ctx context.Context, workerID string, batchSize int) ([]WebhookEvent, error) {
	rows, err := r.db.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM webhook_events
			WHERE processing_status = 'pending'
				AND (next_retry_at IS NULL OR next_retry_at <= now())
			ORDER BY received_at ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE webhook_events w
		SET processing_status = 'processing',
			claimed_by = $2,
			claimed_at = now()
		FROM eligible e
		WHERE w.id = e.id
		RETURNING `+prefixColumns("w", webhookColumns),
		batchSize, workerID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []WebhookEvent
	for rows.Next() {
		event, err := scanWebhookEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// Complete marks a processing event as completed
func (r *WebhookEventRepository) Complete(ctx context.Context, id uuid.UUID) (*WebhookEvent, error) {
	return r.finish(ctx, id, EventStatusCompleted)
}

// MarkSkipped marks a processing event as skipped (e.g. no mapping and no
// policy to create one). Skipped events are retained for inspection.
func (r *WebhookEventRepository) MarkSkipped(ctx context.Context, id uuid.UUID) (*WebhookEvent, error) {
	return r.finish(ctx, id, EventStatusSkipped)
}

func (r *WebhookEventRepository) finish(ctx context.Context, id uuid.UUID, status EventStatus) (*WebhookEvent, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET processing_status = $2,
			claimed_by = NULL,
			claimed_at = NULL,
			last_error = NULL
		WHERE id = $1 AND processing_status = 'processing'
		RETURNING `+webhookColumns,
		uuidToPgUUID(id), string(status),
	)
	return webhookOrNotFound(row)
}

// Fail records a processing failure. With retry budget remaining the event
// returns to pending with exponential backoff; exhausted events become
// terminally failed but are retained for manual inspection, never deleted.
func (r *WebhookEventRepository) Fail(ctx context.Context, id uuid.UUID, failure string, backoffBase, backoffCap time.Duration) (*WebhookEvent, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET retry_count = retry_count + 1,
			processing_status = CASE WHEN retry_count + 1 >= max_attempts THEN 'failed' ELSE 'pending' END,
			next_retry_at = CASE WHEN retry_count + 1 >= max_attempts THEN NULL
				ELSE now() + make_interval(secs => LEAST($3 * power(2, retry_count + 1), $4)) END,
			claimed_by = NULL,
			claimed_at = NULL,
			last_error = $2
		WHERE id = $1 AND processing_status = 'processing'
		RETURNING `+webhookColumns,
		uuidToPgUUID(id), failure, backoffBase.Seconds(), backoffCap.Seconds(),
	)
	return webhookOrNotFound(row)
}

// Defer returns a processing event to pending without consuming retry
// budget, rescheduled after delay. Used when the entity lock is contended.
func (r *WebhookEventRepository) Defer(ctx context.Context, id uuid.UUID, delay time.Duration) (*WebhookEvent, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE webhook_events
		SET processing_status = 'pending',
			next_retry_at = now() + $2,
			claimed_by = NULL,
			claimed_at = NULL
		WHERE id = $1 AND processing_status = 'processing'
		RETURNING `+webhookColumns,
		uuidToPgUUID(id), delay,
	)
	return webhookOrNotFound(row)
}

// RequeueStale returns events stuck in processing longer than leaseTimeout
// back to pending. Covers workers that died between claim and completion.
func (r *WebhookEventRepository) RequeueStale(ctx context.Context, leaseTimeout time.Duration) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE webhook_events
		SET processing_status = 'pending',
			claimed_by = NULL,
			claimed_at = NULL
		WHERE processing_status = 'processing' AND claimed_at < now() - $1`,
		leaseTimeout,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get retrieves a webhook event by ID
func (r *WebhookEventRepository) Get(ctx context.Context, id uuid.UUID) (*WebhookEvent, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+webhookColumns+` FROM webhook_events WHERE id = $1`,
		uuidToPgUUID(id),
	)
	return webhookOrNotFound(row)
}

func webhookOrNotFound(row rowScanner) (*WebhookEvent, error) {
	event, err := scanWebhookEvent(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return event, nil
}

func scanWebhookEvent(row rowScanner) (*WebhookEvent, error) {
	var (
		id, tenantID              pgtype.UUID
		provider, providerEventID string
		objectType, objectID      string
		changeType                string
		payload, prevPayload      []byte
		occurredAt, receivedAt    pgtype.Timestamptz
		status                    string
		retryCount, maxAttempts   int32
		nextRetryAt               pgtype.Timestamptz
		claimedBy                 pgtype.Text
		claimedAt                 pgtype.Timestamptz
		lastError                 pgtype.Text
	)

	err := row.Scan(&id, &tenantID, &provider, &providerEventID, &objectType, &objectID,
		&changeType, &payload, &prevPayload, &occurredAt, &receivedAt,
		&status, &retryCount, &maxAttempts, &nextRetryAt,
		&claimedBy, &claimedAt, &lastError)
	if err != nil {
		return nil, err
	}

	return &WebhookEvent{
		ID:              uuid.UUID(id.Bytes),
		TenantID:        uuid.UUID(tenantID.Bytes),
		Provider:        provider,
		ProviderEventID: providerEventID,
		ObjectType:      objectType,
		ObjectID:        objectID,
		ChangeType:      ChangeType(changeType),
		Payload:         jsonToMap(payload),
		PreviousPayload: jsonToMap(prevPayload),
		OccurredAt:      occurredAt.Time,
		ReceivedAt:      receivedAt.Time,
		Status:          EventStatus(status),
		RetryCount:      retryCount,
		MaxAttempts:     maxAttempts,
		NextRetryAt:     pgTimestamptzToPtr(nextRetryAt),
		ClaimedBy:       pgTextToPtr(claimedBy),
		ClaimedAt:       pgTimestamptzToPtr(claimedAt),
		LastError:       pgTextToPtr(lastError),
	}, nil
}
