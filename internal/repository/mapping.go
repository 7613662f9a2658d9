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

// SyncStatus represents the sync state of a mapped entity
type SyncStatus string

const (
	SyncStatusSynced   SyncStatus = "synced"
	SyncStatusPending  SyncStatus = "pending"
	SyncStatusError    SyncStatus = "error"
	SyncStatusConflict SyncStatus = "conflict"
)

// VersionSide selects which side's version counter an operation targets
type VersionSide string

const (
	SideLocal  VersionSide = "local"
	SideRemote VersionSide = "remote"
)

// Mapping errors
var (
	// ErrAlreadyMapped is returned when either side of a requested link is
	// already linked to a different counterpart. Silent re-parenting of a
	// mapping is never allowed.
	ErrAlreadyMapped = errors.New("entity already mapped to a different counterpart")

	// ErrStaleVersion is returned when a version bump does not exceed the
	// stored version. Guards against out-of-order webhook delivery
	// overwriting newer state.
	ErrStaleVersion = errors.New("version bump is not newer than stored version")
)

// ObjectMapping bridges a local entity and its remote CRM object. It is the
// only authoritative translation between the two identity spaces.
type ObjectMapping struct {
	ID               uuid.UUID  `json:"id"`
	TenantID         uuid.UUID  `json:"tenant_id"`
	LocalEntityType  string     `json:"local_entity_type"`
	LocalID          uuid.UUID  `json:"local_id"`
	RemoteObjectType string     `json:"remote_object_type"`
	RemoteID         string     `json:"remote_id"`
	LocalVersion     int64      `json:"local_version"`
	RemoteVersion    int64      `json:"remote_version"`
	LastSyncedAt     *time.Time `json:"last_synced_at,omitempty"`
	SyncStatus       SyncStatus `json:"sync_status"`
	SyncError        *string    `json:"sync_error,omitempty"`
	DeletedAt        *time.Time `json:"deleted_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// ObjectMappingRepository handles local-remote identity mapping persistence
type ObjectMappingRepository struct {
	db db.DBTX
}

// NewObjectMappingRepository creates a new object mapping repository
func NewObjectMappingRepository(dbtx db.DBTX) *ObjectMappingRepository {
	return &ObjectMappingRepository{db: dbtx}
}

const mappingColumns = `id, tenant_id, local_entity_type, local_id, remote_object_type, remote_id,
	local_version, remote_version, last_synced_at, sync_status, sync_error,
	deleted_at, created_at, updated_at`

// Link creates a mapping between a local entity and a remote object.
// Returns ErrAlreadyMapped when either side is linked to a different
// counterpart; the existing mapping is left untouched.
func (r *ObjectMappingRepository) Link(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, remoteType, remoteID string, status SyncStatus) (*ObjectMapping, error) {
	if status == "" {
		status = SyncStatusPending
	}

	row := r.db.QueryRow(ctx, `
		INSERT INTO object_mappings (
			tenant_id, local_entity_type, local_id, remote_object_type, remote_id, sync_status
		)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING `+mappingColumns,
		uuidToPgUUID(tenantID), localType, uuidToPgUUID(localID), remoteType, remoteID, string(status),
	)

	mapping, err := scanMapping(row)
	if err != nil {
		if db.IsUniqueViolation(err, "") {
			return nil, ErrAlreadyMapped
		}
		return nil, err
	}
	return mapping, nil
}

// ResolveLocal translates a remote object identity into the local id
func (r *ObjectMappingRepository) ResolveLocal(ctx context.Context, tenantID uuid.UUID, remoteType, remoteID string) (*ObjectMapping, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM object_mappings
		WHERE tenant_id = $1 AND remote_object_type = $2 AND remote_id = $3`,
		uuidToPgUUID(tenantID), remoteType, remoteID,
	)
	return mappingOrNotFound(row)
}

// ResolveRemote translates a local entity identity into the remote id
func (r *ObjectMappingRepository) ResolveRemote(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID) (*ObjectMapping, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+mappingColumns+`
		FROM object_mappings
		WHERE tenant_id = $1 AND local_entity_type = $2 AND local_id = $3`,
		uuidToPgUUID(tenantID), localType, uuidToPgUUID(localID),
	)
	return mappingOrNotFound(row)
}

// BumpVersion advances one side's version counter. Strictly monotonic: a
// bump that is not greater than the stored version returns ErrStaleVersion
// and leaves the row unchanged. The comparison happens inside the UPDATE's
// WHERE clause so concurrent bumps serialize on the row lock.
func (r *ObjectMappingRepository) BumpVersion(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, side VersionSide, newVersion int64) (*ObjectMapping, error) {
	column := "local_version"
	if side == SideRemote {
		column = "remote_version"
	}

	row := r.db.QueryRow(ctx, `
		UPDATE object_mappings
		SET `+column+` = $4,
			updated_at = now()
		WHERE tenant_id = $1 AND local_entity_type = $2 AND local_id = $3
			AND `+column+` < $4
		RETURNING `+mappingColumns,
		uuidToPgUUID(tenantID), localType, uuidToPgUUID(localID), newVersion,
	)

	mapping, err := scanMapping(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Distinguish a missing mapping from a stale bump.
			if _, lookupErr := r.ResolveRemote(ctx, tenantID, localType, localID); lookupErr != nil {
				return nil, lookupErr
			}
			return nil, ErrStaleVersion
		}
		return nil, err
	}
	return mapping, nil
}

// UpdateSyncStatus sets the sync status and error message for a mapping
func (r *ObjectMappingRepository) UpdateSyncStatus(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, status SyncStatus, syncError *string) (*ObjectMapping, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE object_mappings
		SET sync_status = $4,
			sync_error = $5,
			updated_at = now()
		WHERE tenant_id = $1 AND local_entity_type = $2 AND local_id = $3
		RETURNING `+mappingColumns,
		uuidToPgUUID(tenantID), localType, uuidToPgUUID(localID), string(status), stringToPgText(syncError),
	)
	return mappingOrNotFound(row)
}

// MarkSynced records a successful sync in either direction: advances the
// given side's version (GREATEST, so replays are harmless), stamps
// last_synced_at, and clears any error. One statement so a crash cannot
// leave the version bumped but the sync point unstamped.
func (r *ObjectMappingRepository) MarkSynced(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, side VersionSide, newVersion int64) (*ObjectMapping, error) {
	column := "local_version"
	if side == SideRemote {
		column = "remote_version"
	}

	row := r.db.QueryRow(ctx, `
		UPDATE object_mappings
		SET `+column+` = GREATEST(`+column+`, $4),
			last_synced_at = now(),
			sync_status = 'synced',
			sync_error = NULL,
			updated_at = now()
		WHERE tenant_id = $1 AND local_entity_type = $2 AND local_id = $3
		RETURNING `+mappingColumns,
		uuidToPgUUID(tenantID), localType, uuidToPgUUID(localID), newVersion,
	)
	return mappingOrNotFound(row)
}

// MarkDeleted soft-marks a mapping whose local entity was deleted. Mappings
// are never hard-deleted while history may still reference them.
func (r *ObjectMappingRepository) MarkDeleted(ctx context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID) (*ObjectMapping, error) {
	row := r.db.QueryRow(ctx, `
		UPDATE object_mappings
		SET deleted_at = now(),
			sync_status = 'error',
			sync_error = 'local entity deleted; remote counterpart pending deletion policy',
			updated_at = now()
		WHERE tenant_id = $1 AND local_entity_type = $2 AND local_id = $3 AND deleted_at IS NULL
		RETURNING `+mappingColumns,
		uuidToPgUUID(tenantID), localType, uuidToPgUUID(localID),
	)
	return mappingOrNotFound(row)
}

// ListByStatus retrieves mappings for a tenant filtered by sync status
func (r *ObjectMappingRepository) ListByStatus(ctx context.Context, tenantID uuid.UUID, status SyncStatus, limit, offset int32) ([]ObjectMapping, error) {
	rows, err := r.db.Query(ctx, `
		SELECT `+mappingColumns+`
		FROM object_mappings
		WHERE tenant_id = $1 AND sync_status = $2
		ORDER BY updated_at DESC
		LIMIT $3 OFFSET $4`,
		uuidToPgUUID(tenantID), string(status), limit, offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var mappings []ObjectMapping
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		mappings = append(mappings, *m)
	}
	return mappings, rows.Err()
}

func mappingOrNotFound(row rowScanner) (*ObjectMapping, error) {
	mapping, err := scanMapping(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return mapping, nil
}

func scanMapping(row rowScanner) (*ObjectMapping, error) {
	var (
		id, tenantID, localID       pgtype.UUID
		localType, remoteType       string
		remoteID                    string
		localVersion, remoteVersion int64
		lastSyncedAt                pgtype.Timestamptz
		syncStatus                  string
		syncError                   pgtype.Text
		deletedAt                   pgtype.Timestamptz
		createdAt, updatedAt        pgtype.Timestamptz
	)

	err := row.Scan(&id, &tenantID, &localType, &localID, &remoteType, &remoteID,
		&localVersion, &remoteVersion, &lastSyncedAt, &syncStatus, &syncError,
		&deletedAt, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}

	return &ObjectMapping{
		ID:               uuid.UUID(id.Bytes),
		TenantID:         uuid.UUID(tenantID.Bytes),
		LocalEntityType:  localType,
		LocalID:          uuid.UUID(localID.Bytes),
		RemoteObjectType: remoteType,
		RemoteID:         remoteID,
		LocalVersion:     localVersion,
		RemoteVersion:    remoteVersion,
		LastSyncedAt:     pgTimestamptzToPtr(lastSyncedAt),
		SyncStatus:       SyncStatus(syncStatus),
		SyncError:        pgTextToPtr(syncError),
		DeletedAt:        pgTimestamptzToPtr(deletedAt),
		CreatedAt:        createdAt.Time,
		UpdatedAt:        updatedAt.Time,
	}, nil
}
