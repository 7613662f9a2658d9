// Package localstore is a document-backed implementation of the engine's
// local entity boundary. Applications with their own entity tables supply
// their own service.LocalStore; this one stores entities as versioned JSON
// documents and is what the reference binary wires in.
package localstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"outreach-sync/internal/db"
	"outreach-sync/internal/repository"
	"outreach-sync/internal/service"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// Store persists local entities as versioned JSON documents
type Store struct {
	db db.DBTX
}

// NewStore creates a new document-backed local entity store
func NewStore(dbtx db.DBTX) *Store {
	return &Store{db: dbtx}
}

// Get returns the current snapshot of a local entity
func (s *Store) Get(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID) (*service.LocalRecord, error) {
	var (
		payload   []byte
		version   int64
		updatedAt pgtype.Timestamptz
	)
	err := s.db.QueryRow(ctx, `
		SELECT payload, version, updated_at
		FROM local_entities
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3 AND deleted_at IS NULL`,
		pgtype.UUID{Bytes: tenantID, Valid: true}, entityType, pgtype.UUID{Bytes: localID, Valid: true},
	).Scan(&payload, &version, &updatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, service.ErrLocalNotFound
		}
		return nil, err
	}

	var doc map[string]any
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &doc); err != nil {
			return nil, fmt.Errorf("unmarshal entity payload: %w", err)
		}
	}

	return &service.LocalRecord{
		Payload:   doc,
		Version:   version,
		UpdatedAt: updatedAt.Time,
	}, nil
}

// Apply writes an inbound change and returns the entity's new version.
// Creates and updates are one upsert that merges the incoming fields over
// the stored document and bumps the version, so redelivered queue items
// converge instead of erroring.
func (s *Store) Apply(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID, op repository.Operation, payload map[string]any) (int64, error) {
	if op == repository.OperationDelete {
		return s.applyDelete(ctx, tenantID, entityType, localID)
	}

	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal entity payload: %w", err)
	}

	var version int64
	err = s.db.QueryRow(ctx, `
		INSERT INTO local_entities (tenant_id, entity_type, id, payload, version)
		VALUES ($1, $2, $3, $4, 1)
		ON CONFLICT (tenant_id, entity_type, id)
		DO UPDATE SET
			payload = local_entities.payload || EXCLUDED.payload,
			version = local_entities.version + 1,
			deleted_at = NULL,
			updated_at = now()
		RETURNING version`,
		pgtype.UUID{Bytes: tenantID, Valid: true}, entityType, pgtype.UUID{Bytes: localID, Valid: true}, payloadBytes,
	).Scan(&version)
	if err != nil {
		return 0, err
	}
	return version, nil
}

func (s *Store) applyDelete(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID) (int64, error) {
	var version int64
	err := s.db.QueryRow(ctx, `
		UPDATE local_entities
		SET deleted_at = now(),
			version = version + 1,
			updated_at = now()
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3 AND deleted_at IS NULL
		RETURNING version`,
		pgtype.UUID{Bytes: tenantID, Valid: true}, entityType, pgtype.UUID{Bytes: localID, Valid: true},
	).Scan(&version)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, service.ErrLocalNotFound
		}
		return 0, err
	}
	return version, nil
}

// Touch bumps an entity's version and updated_at without changing its
// payload. Useful for tests and for marking host-side edits.
func (s *Store) Touch(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID, at time.Time) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE local_entities
		SET version = version + 1, updated_at = $4
		WHERE tenant_id = $1 AND entity_type = $2 AND id = $3`,
		pgtype.UUID{Bytes: tenantID, Valid: true}, entityType, pgtype.UUID{Bytes: localID, Valid: true},
		pgtype.Timestamptz{Time: at, Valid: true},
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return service.ErrLocalNotFound
	}
	return nil
}
