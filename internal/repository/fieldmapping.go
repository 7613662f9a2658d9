package repository

import (
	"context"
	"errors"
	"time"

	"outreach-sync/internal/db"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// FieldDirection restricts which sync direction a field participates in
type FieldDirection string

const (
	FieldOutbound      FieldDirection = "outbound"
	FieldInbound       FieldDirection = "inbound"
	FieldBidirectional FieldDirection = "bidirectional"
)

// ErrFieldAlreadyMapped is returned when a local or remote field is already
// mapped for the same (tenant, object type). No field may be double-mapped.
var ErrFieldAlreadyMapped = errors.New("field already mapped for this object type")

// FieldMapping describes how one field translates between local and remote
// representations of an object type.
type FieldMapping struct {
	ID           uuid.UUID      `json:"id"`
	TenantID     uuid.UUID      `json:"tenant_id"`
	ObjectType   string         `json:"object_type"`
	LocalField   string         `json:"local_field"`
	RemoteField  string         `json:"remote_field"`
	Direction    FieldDirection `json:"direction"`
	Required     bool           `json:"required"`
	Transform    *string        `json:"transform,omitempty"`
	SyncPriority int32          `json:"sync_priority"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// UpsertFieldMappingRequest holds parameters for creating a field mapping
type UpsertFieldMappingRequest struct {
	TenantID     uuid.UUID
	ObjectType   string
	LocalField   string
	RemoteField  string
	Direction    FieldDirection
	Required     bool
	Transform    *string
	SyncPriority int32
}

// FieldMappingRepository handles per-tenant field mapping configuration
type FieldMappingRepository struct {
	db db.DBTX
}

// NewFieldMappingRepository creates a new field mapping repository
func NewFieldMappingRepository(dbtx db.DBTX) *FieldMappingRepository {
	return &FieldMappingRepository{db: dbtx}
}

const fieldMappingColumns = `id, tenant_id, object_type, local_field, remote_field,
	direction, required, transform, sync_priority, created_at, updated_at`

// Upsert creates or updates the mapping for (tenant, object_type,
// local_field). A remote field already claimed by a different local field
// surfaces as ErrFieldAlreadyMapped via the remote-side unique constraint.
func (r *FieldMappingRepository) Upsert(ctx context.Context, req UpsertFieldMappingRequest) (*FieldMapping, error) {
	if req.Direction == "" {
		req.Direction = FieldBidirectional
	}
	if req.SyncPriority == 0 {
		req.SyncPriority = 100
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO field_mappings (
			tenant_id, object_type, local_field, remote_field,
			direction, required, transform, sync_priority
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (tenant_id, object_type, local_field)
		DO UPDATE SET
			remote_field = EXCLUDED.remote_field,
			direction = EXCLUDED.direction,
			required = EXCLUDED.required,
			transform = EXCLUDED.transform,
			sync_priority = EXCLUDED.sync_priority,
			updated_at = now()
		RETURNING `+fieldMappingColumns,
		uuidToPgUUID(req.TenantID), req.ObjectType, req.LocalField, req.RemoteField,
		string(req.Direction), req.Required, stringToPgText(req.Transform), req.SyncPriority,
	)

	mapping, err := scanFieldMapping(row)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrFieldAlreadyMapped
		}
		return nil, err
	}
	return mapping, nil
}

// ListByObjectType retrieves field mappings for a tenant and object type,
// ordered by sync priority then local field for deterministic payloads.
func (r *FieldMappingRepository) ListByObjectType(ctx context.Context, tenantID uuid.UUID, objectType string) ([]FieldMapping, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+fieldMappingColumns+`
		FROM field_mappings
		WHERE tenant_id = $1 AND object_type = $2
		ORDER BY sync_priority ASC, local_field ASC`,
		uuidToPgUUID(tenantID), objectType,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []FieldMapping
	for rows.Next() {
		m, err := scanFieldMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

// Delete removes a field mapping
func (r *FieldMappingRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, `DELETE FROM field_mappings WHERE id = $1`, uuidToPgUUID(id))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return db.ErrNotFound
	}
	return nil
}

func scanFieldMapping(row rowScanner) (*FieldMapping, error) {
	var (
		id, tenantID            pgtype.UUID
		objectType              string
		localField, remoteField string
		direction               string
		required                bool
		transform               pgtype.Text
		syncPriority            int32
		createdAt, updatedAt    pgtype.Timestamptz
	)

	err := row.Scan(&id, &tenantID, &objectType, &localField, &remoteField,
		&direction, &required, &transform, &syncPriority, &createdAt, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}

	return &FieldMapping{
		ID:           uuid.UUID(id.Bytes),
		TenantID:     uuid.UUID(tenantID.Bytes),
		ObjectType:   objectType,
		LocalField:   localField,
		RemoteField:  remoteField,
		Direction:    FieldDirection(direction),
		Required:     required,
		Transform:    pgTextToPtr(transform),
		SyncPriority: syncPriority,
		CreatedAt:    createdAt.Time,
		UpdatedAt:    updatedAt.Time,
	}, nil
}
