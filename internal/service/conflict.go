package service

import (
	"context"
	"fmt"

	"outreach-sync/internal/config"
	"outreach-sync/internal/engine"
	"outreach-sync/internal/logger"
	"outreach-sync/internal/repository"

	"github.com/google/uuid"
)

// ConflictService serves the manual-resolution workflow: listing open
// conflicts and applying a reviewer's decision by enqueueing the winning
// side for sync.
type ConflictService struct {
	audits    AuditStore
	queue     QueueStore
	mappings  MappingStore
	publisher engine.Publisher
	cfg       config.WorkerConfig
}

// NewConflictService creates a new conflict service
func NewConflictService(cfg config.WorkerConfig, audits AuditStore, queue QueueStore, mappings MappingStore, publisher engine.Publisher) *ConflictService {
	return &ConflictService{
		audits:    audits,
		queue:     queue,
		mappings:  mappings,
		publisher: publisher,
		cfg:       cfg,
	}
}

// ListOpen retrieves unresolved conflicts for a tenant, oldest first
func (s *ConflictService) ListOpen(ctx context.Context, tenantID uuid.UUID, limit, offset int32) ([]repository.ConflictAudit, error) {
	if tenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	return s.audits.ListOpen(ctx, tenantID, limit, offset)
}

// Get retrieves a conflict audit by id
func (s *ConflictService) Get(ctx context.Context, id uuid.UUID) (*repository.ConflictAudit, error) {
	return s.audits.Get(ctx, id)
}

// Resolve closes an open conflict with the reviewer's chosen winner and
// enqueues the winning payload so both sides converge on it. Returns
// db.ErrNotFound when the conflict does not exist or was already resolved.
func (s *ConflictService) Resolve(ctx context.Context, id uuid.UUID, winner engine.Winner, resolvedBy string) (*repository.ConflictAudit, error) {
	if winner != engine.WinnerLocal && winner != engine.WinnerRemote {
		return nil, fmt.Errorf("%w: winner must be %q or %q", ErrInvalidRequest, engine.WinnerLocal, engine.WinnerRemote)
	}
	if resolvedBy == "" {
		return nil, fmt.Errorf("%w: resolved_by is required", ErrInvalidRequest)
	}

	audit, err := s.audits.Resolve(ctx, id, string(winner), resolvedBy)
	if err != nil {
		return nil, err
	}

	localID := audit.LocalID
	req := repository.EnqueueRequest{
		TenantID:    audit.TenantID,
		Operation:   repository.OperationUpdate,
		EntityType:  audit.EntityType,
		LocalID:     &localID,
		RemoteID:    audit.RemoteID,
		MaxAttempts: int32(s.cfg.DefaultMaxAttempts),
	}
	switch winner {
	case engine.WinnerLocal:
		req.Direction = repository.DirectionOutbound
		req.Payload = audit.LocalPayload
	case engine.WinnerRemote:
		req.Direction = repository.DirectionInbound
		req.Payload = audit.RemotePayload
	}
	if _, err := s.queue.Enqueue(ctx, req); err != nil {
		return nil, fmt.Errorf("enqueue resolution: %w", err)
	}

	if _, err := s.mappings.UpdateSyncStatus(ctx, audit.TenantID, audit.EntityType, audit.LocalID, repository.SyncStatusPending, nil); err != nil {
		logger.Warn().Err(err).Str("conflict_id", id.String()).Msg("failed to clear conflict status on mapping")
	}

	s.publisher.Publish(engine.Event{
		Type:       engine.EventConflictResolved,
		TenantID:   audit.TenantID,
		EntityType: audit.EntityType,
		Metadata:   map[string]any{"conflict_id": id.String(), "winner": string(winner), "resolved_by": resolvedBy},
	})

	logger.Info().
		Str("conflict_id", id.String()).
		Str("winner", string(winner)).
		Str("resolved_by", resolvedBy).
		Msg("conflict resolved manually")
	return audit, nil
}
