package repository

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"outreach-sync/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// QueueStatus represents the lifecycle state of a queue item
type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
	QueueStatusCancelled  QueueStatus = "cancelled"
)

// Operation represents the mutation a queue item carries
type Operation string

const (
	OperationCreate Operation = "create"
	OperationUpdate Operation = "update"
	OperationDelete Operation = "delete"
	OperationUpsert Operation = "upsert"
)

// Direction indicates which side of the boundary a mutation targets
type Direction string

const (
	DirectionOutbound Direction = "outbound" // local change pushed to the external CRM
	DirectionInbound  Direction = "inbound"  // remote change applied to the local store
)

// QueueItem represents one pending mutation in the durable sync queue
type QueueItem struct {
	ID             uuid.UUID      `json:"id"`
	TenantID       uuid.UUID      `json:"tenant_id"`
	Operation      Operation      `json:"operation"`
	Direction      Direction      `json:"direction"`
	EntityType     string         `json:"entity_type"`
	LocalID        *uuid.UUID     `json:"local_id,omitempty"`
	RemoteID       *string        `json:"remote_id,omitempty"`
	Payload        map[string]any `json:"payload"`
	PayloadDigest  string         `json:"payload_digest"`
	Priority       int32          `json:"priority"`
	Status         QueueStatus    `json:"status"`
	Attempts       int32          `json:"attempts"`
	MaxAttempts    int32          `json:"max_attempts"`
	ScheduledFor   time.Time      `json:"scheduled_for"`
	NextRetryAt    *time.Time     `json:"next_retry_at,omitempty"`
	ClaimedBy      *string        `json:"claimed_by,omitempty"`
	ClaimedAt      *time.Time     `json:"claimed_at,omitempty"`
	LeaseExpiresAt *time.Time     `json:"lease_expires_at,omitempty"`
	LastError      *string        `json:"last_error,omitempty"`
	Result         map[string]any `json:"result,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// EnqueueRequest holds parameters for enqueueing a sync mutation
type EnqueueRequest struct {
	TenantID     uuid.UUID
	Operation    Operation
	Direction    Direction
	EntityType   string
	LocalID      *uuid.UUID
	RemoteID     *string
	Payload      map[string]any
	Priority     int32
	MaxAttempts  int32
	ScheduledFor *time.Time
}

// QueueRepository handles durable sync queue persistence
type QueueRepository struct {
	db          db.DBTX
	dedupWindow time.Duration
}

// NewQueueRepository creates a new queue repository. dedupWindow bounds the
// period within which identical enqueue requests collapse into one item.
func NewQueueRepository(dbtx db.DBTX, dedupWindow time.Duration) *QueueRepository {
	if dedupWindow <= 0 {
		dedupWindow = 2 * time.Minute
	}
	return &QueueRepository{db: dbtx, dedupWindow: dedupWindow}
}

// PayloadDigest computes the dedup digest for an enqueue request. The digest
// covers the payload (json.Marshal sorts map keys, so it is canonical) plus a
// time bucket, so a local change and its own webhook echo collapse into one
// pending item while a genuinely repeated change later gets a fresh one.
func PayloadDigest(payload map[string]any, at time.Time, window time.Duration) string {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", payload))
	}
	bucket := at.UnixNano() / int64(window)
	h := sha256.New()
	h.Write(raw)
	fmt.Fprintf(h, "|%d", bucket)
	return hex.EncodeToString(h.Sum(nil))
}

const queueColumns = `id, tenant_id, operation, direction, entity_type, local_id, remote_id,
	payload, payload_digest, priority, status, attempts, max_attempts,
	scheduled_for, next_retry_at, claimed_by, claimed_at, lease_expires_at,
	last_error, result, created_at, updated_at`

// Enqueue inserts a queue item, collapsing duplicates: if a pending item with
// the same (tenant, entity_type, operation, payload digest) already exists,
// its id is returned instead of creating a second one. The upsert keys on the
// partial unique index over pending rows, so the whole operation is a single
// atomic statement.
func (r *QueueRepository) Enqueue(ctx context.Context, req EnqueueRequest) (*QueueItem, error) {
	if req.Priority < 1 || req.Priority > 10 {
		req.Priority = 5
	}
	if req.MaxAttempts < 1 {
		req.MaxAttempts = 5
	}
	if req.Direction == "" {
		req.Direction = DirectionOutbound
	}

	payloadBytes, err := mapToJSON(req.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	now := time.Now().UTC()
	scheduledFor := now
	if req.ScheduledFor != nil {
		scheduledFor = *req.ScheduledFor
	}
	digest := PayloadDigest(req.Payload, now, r.dedupWindow)

	row := r.db.QueryRow(ctx, `
		INSERT INTO sync_queue_items (
			tenant_id, operation, direction, entity_type, local_id, remote_id,
			payload, payload_digest, priority, max_attempts, scheduled_for
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (tenant_id, entity_type, operation, payload_digest)
			WHERE status = 'pending'
		DO UPDATE SET updated_at = now()
		RETURNING `+queueColumns,
		uuidToPgUUID(req.TenantID),
		string(req.Operation),
		string(req.Direction),
		req.EntityType,
		uuidPtrToPgUUID(req.LocalID),
		stringToPgText(req.RemoteID),
		payloadBytes,
		digest,
		req.Priority,
		req.MaxAttempts,
		pgtype.Timestamptz{Time: scheduledFor, Valid: true},
	)

	return scanQueueItem(row)
}

// Claim atomically marks up to batchSize eligible pending items as
// processing and returns them. The select and the status flip happen in one
// statement with row-level SKIP LOCKED exclusion, so concurrent workers
// never receive overlapping batches.
func (r *QueueRepository) Claim(ctx context.Context, workerID string, batchSize int, leaseTimeout time.Duration) ([]QueueItem, error) {
	rows, err := r.db.Query(ctx, `
		WITH eligible AS (
			SELECT id FROM sync_queue_items
			WHERE status = 'pending' AND scheduled_for <= now()
			ORDER BY priority ASC, scheduled_for ASC
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		UPDATE sync_queue_items q
		SET status = 'processing',
			claimed_by = $2,
			claimed_at = now(),
			lease_expires_at = now() + $3,
			attempts = q.attempts + 1,
			updated_at = now()
		FROM eligible e
		WHERE q.id = e.id
		RETURNING `+prefixColumns("q", queueColumns),
		batchSize, workerID, leaseTimeout,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItemFromRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// Complete marks a processing item as completed with an optional result
func (r *QueueRepository) Complete(ctx context.Context, id uuid.UUID, result map[string]any) (*QueueItem, error) {
	resultBytes, err := mapToJSON(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		UPDATE sync_queue_items
		SET status = 'completed',
			result = $2,
			last_error = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+queueColumns,
		uuidToPgUUID(id), resultBytes,
	)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// Fail records a failure against a processing item. While retry budget
// remains it is rescheduled with exponential backoff (base * 2^attempts,
// capped); once attempts reach max_attempts it becomes terminally failed.
// The branch is decided inside the statement so a concurrent sweep cannot
// observe a half-updated row.
func (r *QueueRepository) Fail(ctx context.Context, id uuid.UUID, failure string, backoffBase, backoffCap time.Duration) (*QueueItem, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE sync_queue_items
		SET status = CASE WHEN attempts >= max_attempts THEN 'failed' ELSE 'pending' END,
			next_retry_at = CASE WHEN attempts >= max_attempts THEN NULL
				ELSE now() + make_interval(secs => LEAST($3 * power(2, attempts), $4)) END,
			scheduled_for = CASE WHEN attempts >= max_attempts THEN scheduled_for
				ELSE now() + make_interval(secs => LEAST($3 * power(2, attempts), $4)) END,
			claimed_by = NULL,
			claimed_at = NULL,
			lease_expires_at = NULL,
			last_error = $2,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+queueColumns,
		uuidToPgUUID(id), failure, backoffBase.Seconds(), backoffCap.Seconds(),
	)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// FailPermanently marks a processing item terminally failed regardless of
// remaining retry budget. Used for validation-class failures where retrying
// cannot help.
func (r *QueueRepository) FailPermanently(ctx context.Context, id uuid.UUID, failure string) (*QueueItem, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE sync_queue_items
		SET status = 'failed',
			next_retry_at = NULL,
			claimed_by = NULL,
			claimed_at = NULL,
			lease_expires_at = NULL,
			last_error = $2,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+queueColumns,
		uuidToPgUUID(id), failure,
	)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// Defer returns a processing item to pending without consuming retry
// budget, rescheduled after delay. Used for lock contention, which is a
// "try again later", not a failure.
func (r *QueueRepository) Defer(ctx context.Context, id uuid.UUID, delay time.Duration) (*QueueItem, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE sync_queue_items
		SET status = 'pending',
			attempts = GREATEST(attempts - 1, 0),
			scheduled_for = now() + $2,
			claimed_by = NULL,
			claimed_at = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE id = $1 AND status = 'processing'
		RETURNING `+queueColumns,
		uuidToPgUUID(id), delay,
	)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// Cancel administratively cancels a pending item
func (r *QueueRepository) Cancel(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE sync_queue_items
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = 'pending'
		RETURNING `+queueColumns,
		uuidToPgUUID(id),
	)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// RequeueExpiredLeases returns items whose worker disappeared mid-processing
// back to pending. Run periodically by the maintenance scheduler.
func (r *QueueRepository) RequeueExpiredLeases(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_queue_items
		SET status = 'pending',
			claimed_by = NULL,
			claimed_at = NULL,
			lease_expires_at = NULL,
			updated_at = now()
		WHERE status = 'processing' AND lease_expires_at < now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get retrieves a queue item by ID
func (r *QueueRepository) Get(ctx context.Context, id uuid.UUID) (*QueueItem, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+queueColumns+` FROM sync_queue_items WHERE id = $1`,
		uuidToPgUUID(id),
	)

	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return item, nil
}

// ListByStatus retrieves queue items for a tenant filtered by status
func (r *QueueRepository) ListByStatus(ctx context.Context, tenantID uuid.UUID, status QueueStatus, limit, offset int32) ([]QueueItem, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+queueColumns+`
		FROM sync_queue_items
		WHERE tenant_id = $1 AND status = $2
		ORDER BY priority ASC, scheduled_for ASC
		LIMIT $3 OFFSET $4`,
		uuidToPgUUID(tenantID), string(status), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []QueueItem
	for rows.Next() {
		item, err := scanQueueItemFromRows(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, *item)
	}
	return items, rows.Err()
}

// prefixColumns qualifies a comma-separated column list with a table alias
func prefixColumns(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanQueueItem(row rowScanner) (*QueueItem, error) {
	var (
		id, tenantID                     pgtype.UUID
		operation, direction, entityType string
		localID                          pgtype.UUID
		remoteID                         pgtype.Text
		payload, result                  []byte
		digest                           string
		priority, attempts, maxAttempts  int32
		status                           string
		scheduledFor                     pgtype.Timestamptz
		nextRetryAt                      pgtype.Timestamptz
		claimedBy                        pgtype.Text
		claimedAt, leaseExpiresAt        pgtype.Timestamptz
		lastError                        pgtype.Text
		createdAt, updatedAt             pgtype.Timestamptz
	)

	err := row.Scan(
		&id, &tenantID, &operation, &direction, &entityType, &localID, &remoteID,
		&payload, &digest, &priority, &status, &attempts, &maxAttempts,
		&scheduledFor, &nextRetryAt, &claimedBy, &claimedAt, &leaseExpiresAt,
		&lastError, &result, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	item := &QueueItem{
		ID:             uuid.UUID(id.Bytes),
		TenantID:       uuid.UUID(tenantID.Bytes),
		Operation:      Operation(operation),
		Direction:      Direction(direction),
		EntityType:     entityType,
		LocalID:        pgUUIDToPtr(localID),
		RemoteID:       pgTextToPtr(remoteID),
		Payload:        jsonToMap(payload),
		PayloadDigest:  digest,
		Priority:       priority,
		Status:         QueueStatus(status),
		Attempts:       attempts,
		MaxAttempts:    maxAttempts,
		ScheduledFor:   scheduledFor.Time,
		NextRetryAt:    pgTimestamptzToPtr(nextRetryAt),
		ClaimedBy:      pgTextToPtr(claimedBy),
		ClaimedAt:      pgTimestamptzToPtr(claimedAt),
		LeaseExpiresAt: pgTimestamptzToPtr(leaseExpiresAt),
		LastError:      pgTextToPtr(lastError),
		Result:         jsonToMap(result),
		CreatedAt:      createdAt.Time,
		UpdatedAt:      updatedAt.Time,
	}
	return item, nil
}

func scanQueueItemFromRows(rows pgx.Rows) (*QueueItem, error) {
	return scanQueueItem(rows)
}
