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

// LockType represents the exclusivity mode of a lock
type LockType string

const (
	LockTypeExclusive LockType = "exclusive"
	LockTypeShared    LockType = "shared"
)

// Lock represents a short-lived per-entity mutual-exclusion record
type Lock struct {
	ID         uuid.UUID  `json:"id"`
	TenantID   uuid.UUID  `json:"tenant_id"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	LockType   LockType   `json:"lock_type"`
	OwnerToken string     `json:"owner_token"`
	AcquiredAt time.Time  `json:"acquired_at"`
	ExpiresAt  time.Time  `json:"expires_at"`
	ReleasedAt *time.Time `json:"released_at,omitempty"`
}

// LockRepository handles per-entity lock persistence. Correctness relies on
// a partial unique index over live (un-released) lock rows: acquisition is a
// single insert-or-takeover statement, never a select followed by an insert.
type LockRepository struct {
	db db.DBTX
}

// NewLockRepository creates a new lock repository
func NewLockRepository(dbtx db.DBTX) *LockRepository {
	return &LockRepository{db: dbtx}
}

const lockColumns = `id, tenant_id, entity_type, entity_id, lock_type, owner_token,
	acquired_at, expires_at, released_at`

// Acquire attempts to take the lock for (tenant, entity_type, entity_id).
// It never blocks: the return is (lock, true) on success and (nil, false)
// when another live holder exists. An expired-but-unreleased lock is taken
// over in the same statement, which is what makes crashed holders harmless.
func (r *LockRepository) Acquire(ctx context.Context, tenantID uuid.UUID, entityType, entityID string, lockType LockType, ownerToken string, ttl time.Duration) (*Lock, bool, error) {
	row := r.db.QueryRow(ctx, `
		INSERT INTO sync_locks (tenant_id, entity_type, entity_id, lock_type, owner_token, expires_at)
		VALUES ($1, $2, $3, $4, $5, now() + $6)
		ON CONFLICT (tenant_id, entity_type, entity_id, lock_type)
			WHERE released_at IS NULL
		DO UPDATE SET
			owner_token = EXCLUDED.owner_token,
			acquired_at = now(),
			expires_at = EXCLUDED.expires_at
		WHERE sync_locks.expires_at <= now()
		RETURNING `+lockColumns,
		uuidToPgUUID(tenantID), entityType, entityID, string(lockType), ownerToken, ttl,
	)

	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			// Live holder exists; caller should skip this cycle.
			return nil, false, nil
		}
		return nil, false, err
	}
	return lock, true, nil
}

// Release marks the lock released, but only when ownerToken still matches
// the current holder. A false return means the caller lost the lock (its
// lease expired and someone else took over) and must not assume exclusion.
func (r *LockRepository) Release(ctx context.Context, tenantID uuid.UUID, entityType, entityID, ownerToken string) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_locks
		SET released_at = now()
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
			AND owner_token = $4 AND released_at IS NULL`,
		uuidToPgUUID(tenantID), entityType, entityID, ownerToken,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Refresh extends the expiry of a held lock. Workers call this when an
// adapter round-trip risks outliving the original TTL.
func (r *LockRepository) Refresh(ctx context.Context, tenantID uuid.UUID, entityType, entityID, ownerToken string, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_locks
		SET expires_at = now() + $5
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
			AND owner_token = $4 AND released_at IS NULL AND expires_at > now()`,
		uuidToPgUUID(tenantID), entityType, entityID, ownerToken, ttl,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SweepExpired marks as released every lock past its expiry that was never
// explicitly released. Idempotent; run periodically. Expiry enforcement is
// advisory between sweeps because Acquire already takes over expired rows.
func (r *LockRepository) SweepExpired(ctx context.Context) (int64, error) {
	tag, err := r.db.Exec(ctx, `
		UPDATE sync_locks
		SET released_at = now()
		WHERE released_at IS NULL AND expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// Get retrieves the live lock for an entity, if any
func (r *LockRepository) Get(ctx context.Context, tenantID uuid.UUID, entityType, entityID string, lockType LockType) (*Lock, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+lockColumns+`
		FROM sync_locks
		WHERE tenant_id = $1 AND entity_type = $2 AND entity_id = $3
			AND lock_type = $4 AND released_at IS NULL`,
		uuidToPgUUID(tenantID), entityType, entityID, string(lockType),
	)

	lock, err := scanLock(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, db.ErrNotFound
		}
		return nil, err
	}
	return lock, nil
}

func scanLock(row rowScanner) (*Lock, error) {
	var (
		id, tenantID          pgtype.UUID
		entityType, entityID  string
		lockType, ownerToken  string
		acquiredAt, expiresAt pgtype.Timestamptz
		releasedAt            pgtype.Timestamptz
	)

	err := row.Scan(&id, &tenantID, &entityType, &entityID, &lockType, &ownerToken,
		&acquiredAt, &expiresAt, &releasedAt)
	if err != nil {
		return nil, err
	}

	return &Lock{
		ID:         uuid.UUID(id.Bytes),
		TenantID:   uuid.UUID(tenantID.Bytes),
		EntityType: entityType,
		EntityID:   entityID,
		LockType:   LockType(lockType),
		OwnerToken: ownerToken,
		AcquiredAt: acquiredAt.Time,
		ExpiresAt:  expiresAt.Time,
		ReleasedAt: pgTimestamptzToPtr(releasedAt),
	}, nil
}
