package service

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"outreach-sync/internal/config"
	"outreach-sync/internal/db"
	"outreach-sync/internal/engine"
	"outreach-sync/internal/logger"
	"outreach-sync/internal/repository"

	"github.com/google/uuid"
)

// ErrInvalidRequest is returned for malformed enqueue and lookup requests
var ErrInvalidRequest = errors.New("invalid request")

// SyncServiceDeps bundles the collaborators a SyncService needs
type SyncServiceDeps struct {
	Queue       QueueStore
	Locks       LockStore
	Mappings    MappingStore
	Fields      FieldMappingStore
	Audits      AuditStore
	Adapters    *engine.AdapterRegistry
	Routes      *engine.RouteTable
	Transformer *engine.Transformer
	Local       LocalStore
	Publisher   engine.Publisher
}

// SyncService drives queue items through the full sync cycle: per-entity
// locking, field transformation, adapter I/O, identity mapping upkeep, and
// outcome reporting. One call to ProcessItem handles one claimed item.
type SyncService struct {
	queue       QueueStore
	locks       LockStore
	mappings    MappingStore
	fields      FieldMappingStore
	audits      AuditStore
	adapters    *engine.AdapterRegistry
	routes      *engine.RouteTable
	transformer *engine.Transformer
	local       LocalStore
	publisher   engine.Publisher
	cfg         config.WorkerConfig
}

// NewSyncService creates a new sync service
func NewSyncService(cfg config.WorkerConfig, deps SyncServiceDeps) *SyncService {
	return &SyncService{
		queue:       deps.Queue,
		locks:       deps.Locks,
		mappings:    deps.Mappings,
		fields:      deps.Fields,
		audits:      deps.Audits,
		adapters:    deps.Adapters,
		routes:      deps.Routes,
		transformer: deps.Transformer,
		local:       deps.Local,
		publisher:   deps.Publisher,
		cfg:         cfg,
	}
}

// EnqueueSyncRequest holds parameters for requesting an outbound sync
type EnqueueSyncRequest struct {
	TenantID   uuid.UUID
	EntityType string
	Operation  repository.Operation
	LocalID    uuid.UUID
	Payload    map[string]any
	Priority   int32
}

// EnqueueSync validates and enqueues an outbound sync mutation. Duplicate
// requests within the dedup window collapse into the existing pending item.
func (s *SyncService) EnqueueSync(ctx context.Context, req EnqueueSyncRequest) (*repository.QueueItem, error) {
	if req.TenantID == uuid.Nil {
		return nil, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if req.LocalID == uuid.Nil {
		return nil, fmt.Errorf("%w: local id is required", ErrInvalidRequest)
	}
	switch req.Operation {
	case repository.OperationCreate, repository.OperationUpdate, repository.OperationDelete, repository.OperationUpsert:
	default:
		return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation)
	}
	if _, err := s.routes.RouteFor(req.EntityType); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if req.Operation != repository.OperationDelete && len(req.Payload) == 0 {
		return nil, fmt.Errorf("%w: payload is required for %s", ErrInvalidRequest, req.Operation)
	}

	localID := req.LocalID
	item, err := s.queue.Enqueue(ctx, repository.EnqueueRequest{
		TenantID:    req.TenantID,
		Operation:   req.Operation,
		Direction:   repository.DirectionOutbound,
		EntityType:  req.EntityType,
		LocalID:     &localID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		MaxAttempts: int32(s.cfg.DefaultMaxAttempts),
	})
	if err != nil {
		return nil, fmt.Errorf("enqueue sync: %w", err)
	}

	logger.Debug().
		Str("item_id", item.ID.String()).
		Str("tenant_id", req.TenantID.String()).
		Str("entity_type", req.EntityType).
		Str("operation", string(req.Operation)).
		Msg("sync item enqueued")
	return item, nil
}

// ClaimBatch claims the next batch of eligible queue items for a worker
func (s *SyncService) ClaimBatch(ctx context.Context, workerID string) ([]repository.QueueItem, error) {
	return s.queue.Claim(ctx, workerID, s.cfg.BatchSize, s.cfg.LeaseTimeout)
}

// GetItem retrieves a queue item by id
func (s *SyncService) GetItem(ctx context.Context, id uuid.UUID) (*repository.QueueItem, error) {
	return s.queue.Get(ctx, id)
}

// CancelItem cancels a pending queue item
func (s *SyncService) CancelItem(ctx context.Context, id uuid.UUID) (*repository.QueueItem, error) {
	return s.queue.Cancel(ctx, id)
}

// ListItems lists a tenant's queue items by status
func (s *SyncService) ListItems(ctx context.Context, tenantID uuid.UUID, status repository.QueueStatus, limit, offset int32) ([]repository.QueueItem, error) {
	return s.queue.ListByStatus(ctx, tenantID, status, limit, offset)
}

// EntityStatus returns the mapping (and therefore the sync state) of a
// local entity.
func (s *SyncService) EntityStatus(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID) (*repository.ObjectMapping, error) {
	return s.mappings.ResolveRemote(ctx, tenantID, entityType, localID)
}

// ProcessItem runs one claimed queue item to an outcome. It never returns an
// error: every path ends in Complete, Fail, or Defer on the item itself, and
// a panic in adapter or transform code is confined to this item.
func (s *SyncService) ProcessItem(ctx context.Context, item repository.QueueItem) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("item_id", item.ID.String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic while processing sync item")
			s.failItem(ctx, item, fmt.Errorf("panic: %v", r))
		}
	}()

	lockKey := s.lockKey(item)
	ownerToken := s.ownerToken(item)

	_, acquired, err := s.locks.Acquire(ctx, item.TenantID, item.EntityType, lockKey, repository.LockTypeExclusive, ownerToken, s.cfg.LockTTL)
	if err != nil {
		s.failItem(ctx, item, fmt.Errorf("acquire lock: %w", err))
		return
	}
	if !acquired {
		// Another worker holds this entity; try again later without
		// spending retry budget.
		if _, err := s.queue.Defer(ctx, item.ID, s.cfg.PollInterval); err != nil {
			logger.Warn().Err(err).Str("item_id", item.ID.String()).Msg("failed to defer contended item")
		}
		return
	}
	defer func() {
		if _, err := s.locks.Release(ctx, item.TenantID, item.EntityType, lockKey, ownerToken); err != nil {
			logger.Warn().Err(err).Str("item_id", item.ID.String()).Msg("failed to release entity lock")
		}
	}()

	var result map[string]any
	switch item.Direction {
	case repository.DirectionOutbound:
		result, err = s.processOutbound(ctx, &item)
	case repository.DirectionInbound:
		result, err = s.processInbound(ctx, &item)
	default:
		err = engine.Permanent(fmt.Errorf("unknown sync direction %q", item.Direction))
	}

	if err != nil {
		s.failItem(ctx, item, err)
		return
	}

	latency := time.Since(start).Milliseconds()
	if _, err := s.queue.Complete(ctx, item.ID, result); err != nil {
		logger.Error().Err(err).Str("item_id", item.ID.String()).Msg("failed to complete sync item")
		return
	}

	s.publisher.Publish(engine.Event{
		Type:       engine.EventItemCompleted,
		TenantID:   item.TenantID,
		EntityType: item.EntityType,
		LatencyMs:  latency,
		Metadata:   map[string]any{"item_id": item.ID.String(), "operation": string(item.Operation)},
	})

	logger.Info().
		Str("item_id", item.ID.String()).
		Str("entity_type", item.EntityType).
		Str("operation", string(item.Operation)).
		Str("direction", string(item.Direction)).
		Int64("latency_ms", latency).
		Msg("sync item completed")
}

func (s *SyncService) processOutbound(ctx context.Context, item *repository.QueueItem) (map[string]any, error) {
	route, err := s.routes.RouteFor(item.EntityType)
	if err != nil {
		return nil, err
	}
	adapter, ok := s.adapters.Get(route.Adapter)
	if !ok {
		return nil, engine.Permanent(fmt.Errorf("adapter %q is not registered", route.Adapter))
	}
	if item.LocalID == nil {
		return nil, engine.Permanent(errors.New("outbound item has no local id"))
	}
	localID := *item.LocalID

	if item.Operation == repository.OperationDelete {
		return s.pushDelete(ctx, adapter, route, item, localID)
	}

	fields, err := s.fields.ListByObjectType(ctx, item.TenantID, item.EntityType)
	if err != nil {
		return nil, fmt.Errorf("load field mappings: %w", err)
	}
	outPayload, err := s.transformer.Apply(fields, repository.DirectionOutbound, item.Payload)
	if err != nil {
		return nil, err
	}

	mapping, err := s.mappings.ResolveRemote(ctx, item.TenantID, item.EntityType, localID)
	if err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("resolve mapping: %w", err)
	}

	if mapping == nil {
		return s.pushCreate(ctx, adapter, route, item, localID, outPayload)
	}
	return s.pushUpdate(ctx, adapter, route, item, mapping, outPayload)
}

func (s *SyncService) pushCreate(ctx context.Context, adapter engine.Adapter, route engine.Route, item *repository.QueueItem, localID uuid.UUID, payload map[string]any) (map[string]any, error) {
	res, err := adapter.Push(ctx, route.RemoteType, nil, payload)
	if err != nil {
		return nil, fmt.Errorf("push create to %s: %w", route.Adapter, err)
	}

	if _, err := s.mappings.Link(ctx, item.TenantID, item.EntityType, localID, route.RemoteType, res.RemoteID, repository.SyncStatusSynced); err != nil {
		if errors.Is(err, repository.ErrAlreadyMapped) {
			// Another path linked this entity first; the push above may
			// have created a stray remote object that needs review.
			return nil, engine.Permanent(fmt.Errorf("link after create: %w", err))
		}
		return nil, fmt.Errorf("link after create: %w", err)
	}
	if _, err := s.mappings.MarkSynced(ctx, item.TenantID, item.EntityType, localID, repository.SideRemote, res.RemoteVersion); err != nil {
		return nil, fmt.Errorf("mark synced: %w", err)
	}

	return map[string]any{"remote_id": res.RemoteID, "remote_version": res.RemoteVersion}, nil
}

func (s *SyncService) pushUpdate(ctx context.Context, adapter engine.Adapter, route engine.Route, item *repository.QueueItem, mapping *repository.ObjectMapping, payload map[string]any) (map[string]any, error) {
	// Check for remote drift before overwriting: a remote version ahead of
	// the mapping means both sides changed since the last sync.
	pull, err := adapter.Pull(ctx, route.RemoteType, mapping.RemoteID)
	if err != nil {
		return nil, fmt.Errorf("pull before update: %w", err)
	}
	if pull.RemoteVersion > mapping.RemoteVersion {
		return s.resolveOutboundConflict(ctx, adapter, route, item, mapping, payload, pull)
	}

	remoteID := mapping.RemoteID
	res, err := adapter.Push(ctx, route.RemoteType, &remoteID, payload)
	if err != nil {
		return nil, fmt.Errorf("push update to %s: %w", route.Adapter, err)
	}
	if _, err := s.mappings.MarkSynced(ctx, item.TenantID, item.EntityType, mapping.LocalID, repository.SideRemote, res.RemoteVersion); err != nil {
		return nil, fmt.Errorf("mark synced: %w", err)
	}

	return map[string]any{"remote_id": res.RemoteID, "remote_version": res.RemoteVersion}, nil
}

func (s *SyncService) pushDelete(ctx context.Context, adapter engine.Adapter, route engine.Route, item *repository.QueueItem, localID uuid.UUID) (map[string]any, error) {
	mapping, err := s.mappings.ResolveRemote(ctx, item.TenantID, item.EntityType, localID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			// Never synced; nothing to delete remotely.
			return map[string]any{"skipped": "entity was never mapped"}, nil
		}
		return nil, fmt.Errorf("resolve mapping: %w", err)
	}

	if err := adapter.Delete(ctx, route.RemoteType, mapping.RemoteID); err != nil {
		return nil, fmt.Errorf("delete on %s: %w", route.Adapter, err)
	}
	if _, err := s.mappings.MarkDeleted(ctx, item.TenantID, item.EntityType, localID); err != nil && !errors.Is(err, db.ErrNotFound) {
		return nil, fmt.Errorf("mark mapping deleted: %w", err)
	}

	return map[string]any{"remote_id": mapping.RemoteID, "deleted": true}, nil
}

// resolveOutboundConflict handles the push-time divergence case: the item
// carries a local change but the remote object moved since the last sync.
func (s *SyncService) resolveOutboundConflict(ctx context.Context, adapter engine.Adapter, route engine.Route, item *repository.QueueItem, mapping *repository.ObjectMapping, payload map[string]any, pull *engine.PullResult) (map[string]any, error) {
	localState := engine.ChangeState{Payload: item.Payload, Version: mapping.LocalVersion, UpdatedAt: item.CreatedAt}
	if rec, err := s.local.Get(ctx, item.TenantID, item.EntityType, mapping.LocalID); err == nil {
		localState.Payload = rec.Payload
		localState.Version = rec.Version
		localState.UpdatedAt = rec.UpdatedAt
	}
	remoteState := engine.ChangeState{
		Payload:   pull.Payload,
		Version:   pull.RemoteVersion,
		UpdatedAt: payloadUpdatedAt(pull.Payload),
	}

	policy := s.policy()
	winner, err := engine.Resolve(policy, localState, remoteState)
	if err != nil {
		return nil, engine.Permanent(err)
	}

	if err := s.recordConflict(ctx, item.TenantID, item.EntityType, mapping.LocalID, mapping.RemoteID, policy, winner, localState, remoteState); err != nil {
		return nil, fmt.Errorf("record conflict: %w", err)
	}

	switch winner {
	case engine.WinnerLocal:
		remoteID := mapping.RemoteID
		res, err := adapter.Push(ctx, route.RemoteType, &remoteID, payload)
		if err != nil {
			return nil, fmt.Errorf("push resolved update to %s: %w", route.Adapter, err)
		}
		if _, err := s.mappings.MarkSynced(ctx, item.TenantID, item.EntityType, mapping.LocalID, repository.SideRemote, res.RemoteVersion); err != nil {
			return nil, fmt.Errorf("mark synced: %w", err)
		}
		return map[string]any{"conflict": "resolved", "winner": "local", "remote_version": res.RemoteVersion}, nil

	case engine.WinnerRemote:
		if err := s.applyInbound(ctx, item.TenantID, item.EntityType, mapping.LocalID, repository.OperationUpdate, pull.Payload, pull.RemoteVersion); err != nil {
			return nil, err
		}
		return map[string]any{"conflict": "resolved", "winner": "remote"}, nil

	default:
		msg := "conflict requires manual resolution"
		if _, err := s.mappings.UpdateSyncStatus(ctx, item.TenantID, item.EntityType, mapping.LocalID, repository.SyncStatusConflict, &msg); err != nil {
			return nil, fmt.Errorf("mark conflict: %w", err)
		}
		return map[string]any{"conflict": "open"}, nil
	}
}

func (s *SyncService) processInbound(ctx context.Context, item *repository.QueueItem) (map[string]any, error) {
	if item.LocalID == nil {
		return nil, engine.Permanent(errors.New("inbound item has no local id"))
	}
	localID := *item.LocalID

	remoteVersion := payloadVersion(item.Payload)
	if err := s.applyInbound(ctx, item.TenantID, item.EntityType, localID, item.Operation, item.Payload, remoteVersion); err != nil {
		return nil, err
	}
	return map[string]any{"local_id": localID.String()}, nil
}

// applyInbound transforms a remote payload into local shape, writes it to
// the local store, and records the sync point on the mapping.
func (s *SyncService) applyInbound(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID, op repository.Operation, remotePayload map[string]any, remoteVersion int64) error {
	fields, err := s.fields.ListByObjectType(ctx, tenantID, entityType)
	if err != nil {
		return fmt.Errorf("load field mappings: %w", err)
	}
	localPayload, err := s.transformer.Apply(fields, repository.DirectionInbound, remotePayload)
	if err != nil {
		return err
	}

	newVersion, err := s.local.Apply(ctx, tenantID, entityType, localID, op, localPayload)
	if err != nil {
		if errors.Is(err, ErrLocalNotFound) {
			return engine.Permanent(fmt.Errorf("apply inbound change: %w", err))
		}
		return fmt.Errorf("apply inbound change: %w", err)
	}

	if _, err := s.mappings.MarkSynced(ctx, tenantID, entityType, localID, repository.SideLocal, newVersion); err != nil && !errors.Is(err, db.ErrNotFound) {
		return fmt.Errorf("mark synced: %w", err)
	}
	if remoteVersion > 0 {
		if _, err := s.mappings.BumpVersion(ctx, tenantID, entityType, localID, repository.SideRemote, remoteVersion); err != nil &&
			!errors.Is(err, repository.ErrStaleVersion) && !errors.Is(err, db.ErrNotFound) {
			return fmt.Errorf("bump remote version: %w", err)
		}
	}
	return nil
}

func (s *SyncService) recordConflict(ctx context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID, remoteID string, policy engine.ConflictPolicy, winner engine.Winner, local, remote engine.ChangeState) error {
	var resolution *string
	if winner != engine.WinnerNone {
		res := string(winner)
		resolution = &res
	}
	localAt, remoteAt := local.UpdatedAt, remote.UpdatedAt

	_, err := s.audits.Record(ctx, repository.RecordConflictRequest{
		TenantID:        tenantID,
		EntityType:      entityType,
		LocalID:         localID,
		RemoteID:        &remoteID,
		Policy:          string(policy),
		Resolution:      resolution,
		LocalPayload:    local.Payload,
		RemotePayload:   remote.Payload,
		LocalUpdatedAt:  &localAt,
		RemoteUpdatedAt: &remoteAt,
	})
	if err != nil {
		return err
	}

	s.publisher.Publish(engine.Event{
		Type:       engine.EventConflictDetected,
		TenantID:   tenantID,
		EntityType: entityType,
		Metadata:   map[string]any{"local_id": localID.String(), "policy": string(policy)},
	})
	if winner != engine.WinnerNone {
		s.publisher.Publish(engine.Event{
			Type:       engine.EventConflictResolved,
			TenantID:   tenantID,
			EntityType: entityType,
			Metadata:   map[string]any{"local_id": localID.String(), "winner": string(winner)},
		})
	}
	return nil
}

// failItem routes a processing failure to the right terminal: permanent
// failures burn no further attempts, everything else goes through the
// backoff schedule.
func (s *SyncService) failItem(ctx context.Context, item repository.QueueItem, cause error) {
	var (
		failed *repository.QueueItem
		err    error
	)
	switch engine.Classify(cause) {
	case engine.ClassPermanent:
		failed, err = s.queue.FailPermanently(ctx, item.ID, cause.Error())
	default:
		failed, err = s.queue.Fail(ctx, item.ID, cause.Error(), s.cfg.BackoffBase, s.cfg.BackoffCap)
	}
	if err != nil {
		logger.Error().Err(err).Str("item_id", item.ID.String()).Msg("failed to record sync item failure")
		return
	}

	if failed.Status == repository.QueueStatusFailed {
		s.publisher.Publish(engine.Event{
			Type:       engine.EventItemFailed,
			TenantID:   item.TenantID,
			EntityType: item.EntityType,
			Metadata:   map[string]any{"item_id": item.ID.String(), "error": cause.Error()},
		})
	}

	logger.Warn().
		Err(cause).
		Str("item_id", item.ID.String()).
		Str("entity_type", item.EntityType).
		Str("status", string(failed.Status)).
		Int32("attempts", failed.Attempts).
		Msg("sync item failed")
}

func (s *SyncService) policy() engine.ConflictPolicy {
	p := engine.ConflictPolicy(s.cfg.ConflictPolicy)
	if !engine.ValidPolicy(p) {
		return engine.PolicyNewestWins
	}
	return p
}

func (s *SyncService) lockKey(item repository.QueueItem) string {
	if item.LocalID != nil {
		return item.LocalID.String()
	}
	if item.RemoteID != nil {
		return *item.RemoteID
	}
	return item.ID.String()
}

func (s *SyncService) ownerToken(item repository.QueueItem) string {
	worker := "worker"
	if item.ClaimedBy != nil {
		worker = *item.ClaimedBy
	}
	return worker + ":" + uuid.New().String()
}

// payloadVersion extracts a numeric "version" field from a remote payload,
// 0 when absent. Providers that do not expose version counters fall back to
// timestamp-derived versions assigned at webhook ingestion.
func payloadVersion(payload map[string]any) int64 {
	switch v := payload["version"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// payloadUpdatedAt extracts an RFC3339 "updated_at" field from a remote
// payload. The zero time means unknown, which biases newest_wins toward the
// local side, the deterministic tie break.
func payloadUpdatedAt(payload map[string]any) time.Time {
	for _, key := range []string{"updated_at", "updatedAt", "modified_at"} {
		if s, ok := payload[key].(string); ok {
			if ts, err := time.Parse(time.RFC3339, s); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}
