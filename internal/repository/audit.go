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

// ConflictAudit records one detected conflict with both payloads retained
// for audit, regardless of how (or whether) it was resolved. Open rows
// (resolved_at IS NULL) are the work queue for manual-policy review.
type ConflictAudit struct {
	ID              uuid.UUID      `json:"id"`
	TenantID        uuid.UUID      `json:"tenant_id"`
	EntityType      string         `json:"entity_type"`
	LocalID         uuid.UUID      `json:"local_id"`
	RemoteID        *string        `json:"remote_id,omitempty"`
	Policy          string         `json:"policy"`
	Resolution      *string        `json:"resolution,omitempty"`
	LocalPayload    map[string]any `json:"local_payload"`
	RemotePayload   map[string]any `json:"remote_payload"`
	LocalUpdatedAt  *time.Time     `json:"local_updated_at,omitempty"`
	RemoteUpdatedAt *time.Time     `json:"remote_updated_at,omitempty"`
	DetectedAt      time.Time      `json:"detected_at"`
	ResolvedAt      *time.Time     `json:"resolved_at,omitempty"`
	ResolvedBy      *string        `json:"resolved_by,omitempty"`
}

// RecordConflictRequest holds parameters for recording a conflict
type RecordConflictRequest struct {
	TenantID        uuid.UUID
	EntityType      string
	LocalID         uuid.UUID
	RemoteID        *string
	Policy          string
	Resolution      *string // nil for manual policy (left open)
	LocalPayload    map[string]any
	RemotePayload   map[string]any
	LocalUpdatedAt  *time.Time
	RemoteUpdatedAt *time.Time
	ResolvedBy      *string
}

// ConflictAuditRepository handles conflict audit persistence
type ConflictAuditRepository struct {
	db db.DBTX
}

// NewConflictAuditRepository creates a new conflict audit repository
func NewConflictAuditRepository(dbtx db.DBTX) *ConflictAuditRepository {
	return &ConflictAuditRepository{db: dbtx}
}

const auditColumns = `id, tenant_id, entity_type, local_id, remote_id, policy, resolution,
	local_payload, remote_payload, local_updated_at, remote_updated_at,
	detected_at, resolved_at, resolved_by`

// Record stores a conflict. Auto-resolved conflicts (non-manual policies)
// arrive with Resolution set and are stamped resolved immediately; manual
// ones stay open for review.
func (r *ConflictAuditRepository) Record(ctx context.Context, req RecordConflictRequest) (*ConflictAudit, error) {
	localBytes, err := mapToJSON(req.LocalPayload)
	if err != nil {
		return nil, fmt.Errorf("marshal local payload: %w", err)
	}
	remoteBytes, err := mapToJSON(req.RemotePayload)
	if err != nil {
		return nil, fmt.Errorf("marshal remote payload: %w", err)
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO conflict_audits (
			tenant_id, entity_type, local_id, remote_id, policy, resolution,
			local_payload, remote_payload, local_updated_at, remote_updated_at,
			resolved_at, resolved_by
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10,
			CASE WHEN $6::text IS NULL THEN NULL ELSE now() END, $11)
		RETURNING `+auditColumns,
		uuidToPgUUID(req.TenantID), req.EntityType, uuidToPgUUID(req.LocalID),
		stringToPgText(req.RemoteID), req.Policy, stringToPgText(req.Resolution),
		localBytes, remoteBytes,
		timeToPgTimestamptz(req.LocalUpdatedAt), timeToPgTimestamptz(req.RemoteUpdatedAt),
		stringToPgText(req.ResolvedBy),
	)
	return auditOrNotFound(row)
}

// Resolve closes an open conflict with the chosen winner ("local" or
// "remote"). Returns db.ErrNotFound when the conflict does not exist or was
// already resolved.
func (r *ConflictAuditRepository) Resolve(ctx context.Context, id uuid.UUID, resolution, resolvedBy string) (*ConflictAudit, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE conflict_audits
		SET resolution = $2,
			resolved_at = now(),
			resolved_by = $3
		WHERE id = $1 AND resolved_at IS NULL
		RETURNING `+auditColumns,
		uuidToPgUUID(id), resolution, resolvedBy,
	)
	return auditOrNotFound(row)
}

// Get retrieves a conflict audit by ID
func (r *ConflictAuditRepository) Get(ctx context.Context, id uuid.UUID) (*ConflictAudit, error) {
	row := r.db.QueryRow(ctx,
		`SELECT `+auditColumns+` FROM conflict_audits WHERE id = $1`,
		uuidToPgUUID(id),
	)
	return auditOrNotFound(row)
}

// ListOpen retrieves unresolved conflicts for a tenant, oldest first
func (r *ConflictAuditRepository) ListOpen(ctx context.Context, tenantID uuid.UUID, limit, offset int32) ([]ConflictAudit, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+auditColumns+`
		FROM conflict_audits
		WHERE tenant_id = $1 AND resolved_at IS NULL
		ORDER BY detected_at ASC
		LIMIT $2 OFFSET $3`,
		uuidToPgUUID(tenantID), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []ConflictAudit
	for rows.Next() {
		a, err := scanAudit(rows)
		if err != nil {
			return nil, err
		}
		audits = append(audits, *a)
	}
	return audits, rows.Err()
}

// DeleteResolvedBefore removes resolved audit rows older than the cutoff.
// Retention is a deployment decision; open conflicts are never deleted.
func (r *ConflictAuditRepository) DeleteResolvedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		DELETE FROM conflict_audits
		WHERE resolved_at IS NOT NULL AND resolved_at < $1`,
		pgtype.Timestamptz{Time: cutoff, Valid: true},
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func auditOrNotFound(row rowScanner) (*ConflictAudit, error) {
	audit, err := scanAudit(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return audit, nil
}

func scanAudit(row rowScanner) (*ConflictAudit, error) {
	var (
		id, tenantID, localID           pgtype.UUID
		entityType                      string
		remoteID                        pgtype.Text
		policy                          string
		resolution                      pgtype.Text
		localPayload, remotePayload     []byte
		localUpdatedAt, remoteUpdatedAt pgtype.Timestamptz
		detectedAt, resolvedAt          pgtype.Timestamptz
		resolvedBy                      pgtype.Text
	)

	err := row.Scan(&id, &tenantID, &entityType, &localID, &remoteID, &policy, &resolution,
		&localPayload, &remotePayload, &localUpdatedAt, &remoteUpdatedAt,
		&detectedAt, &resolvedAt, &resolvedBy)
	if err != nil {
		return nil, err
	}

	return &ConflictAudit{
		ID:              uuid.UUID(id.Bytes),
		TenantID:        uuid.UUID(tenantID.Bytes),
		EntityType:      entityType,
		LocalID:         uuid.UUID(localID.Bytes),
		RemoteID:        pgTextToPtr(remoteID),
		Policy:          policy,
		Resolution:      pgTextToPtr(resolution),
		LocalPayload:    jsonToMap(localPayload),
		RemotePayload:   jsonToMap(remotePayload),
		LocalUpdatedAt:  pgTimestamptzToPtr(localUpdatedAt),
		RemoteUpdatedAt: pgTimestamptzToPtr(remoteUpdatedAt),
		DetectedAt:      detectedAt.Time,
		ResolvedAt:      pgTimestamptzToPtr(resolvedAt),
		ResolvedBy:      pgTextToPtr(resolvedBy),
	}, nil
}
