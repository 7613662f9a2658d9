package service

import (
	"context"
	"errors"
	"time"

	"outreach-sync/internal/repository"

	"github.com/google/uuid"
)

// ErrLocalNotFound is returned by LocalStore implementations when the
// requested local entity does not exist.
var ErrLocalNotFound = errors.New("local entity not found")

// LocalRecord is a snapshot of a local entity for sync purposes
type LocalRecord struct {
	Payload   map[string]any
	Version   int64
	UpdatedAt time.Time
}

// LocalStore is the engine's boundary to the application's own entity
// storage. The engine treats local entities as opaque documents: it reads
// snapshots for conflict detection and applies inbound changes, and the
// host application owns everything else about them.
type LocalStore interface {
	// Get returns the current snapshot of a local entity
	Get(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID) (*LocalRecord, error)

	// Apply writes an inbound change to the local entity and returns its
	// new version. For creates the engine supplies the id; implementations
	// must upsert on (tenant, entity_type, id) so redelivered items are
	// harmless.
	Apply(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID, op repository.Operation, payload map[string]any) (int64, error)
}
