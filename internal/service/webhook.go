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

// WebhookServiceDeps bundles the collaborators a WebhookService needs
type WebhookServiceDeps struct {
	Events    WebhookStore
	Queue     QueueStore
	Locks     LockStore
	Mappings  MappingStore
	Audits    AuditStore
	Routes    *engine.RouteTable
	Local     LocalStore
	Publisher engine.Publisher
}

// WebhookService ingests provider change notifications and turns them into
// inbound sync work: dedup at ingestion, then identity resolution, stale
// detection, and conflict handling when the event is processed.
type WebhookService struct {
	events    WebhookStore
	queue     QueueStore
	locks     LockStore
	mappings  MappingStore
	audits    AuditStore
	routes    *engine.RouteTable
	local     LocalStore
	publisher engine.Publisher
	cfg       config.WorkerConfig
}

// NewWebhookService creates a new webhook service
func NewWebhookService(cfg config.WorkerConfig, deps WebhookServiceDeps) *WebhookService {
	return &WebhookService{
		events:    deps.Events,
		queue:     deps.Queue,
		locks:     deps.Locks,
		mappings:  deps.Mappings,
		audits:    deps.Audits,
		routes:    deps.Routes,
		local:     deps.Local,
		publisher: deps.Publisher,
		cfg:       cfg,
	}
}

// Ingest validates and stores an inbound webhook event. The bool result is
// true when the event was a duplicate delivery; duplicates are acknowledged
// without being stored so providers stop retrying.
func (s *WebhookService) Ingest(ctx context.Context, req repository.IngestRequest) (*repository.WebhookEvent, bool, error) {
	if req.TenantID == uuid.Nil {
		return nil, false, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	if req.Provider == "" || req.ProviderEventID == "" {
		return nil, false, fmt.Errorf("%w: provider and provider event id are required", ErrInvalidRequest)
	}
	if req.ObjectType == "" || req.ObjectID == "" {
		return nil, false, fmt.Errorf("%w: object type and object id are required", ErrInvalidRequest)
	}
	switch req.ChangeType {
	case repository.ChangeTypeCreated, repository.ChangeTypeUpdated, repository.ChangeTypeDeleted, repository.ChangeTypeMerged:
	default:
		return nil, false, fmt.Errorf("%w: unknown change type %q", ErrInvalidRequest, req.ChangeType)
	}
	if req.OccurredAt.IsZero() {
		req.OccurredAt = time.Now().UTC()
	}
	if req.MaxAttempts < 1 {
		req.MaxAttempts = int32(s.cfg.DefaultMaxAttempts)
	}

	event, err := s.events.Insert(ctx, req)
	if err != nil {
		if errors.Is(err, repository.ErrDuplicateEvent) {
			logger.Debug().
				Str("provider", req.Provider).
				Str("provider_event_id", req.ProviderEventID).
				Msg("duplicate webhook delivery absorbed")
			return nil, true, nil
		}
		return nil, false, fmt.Errorf("ingest webhook: %w", err)
	}

	s.publisher.Publish(engine.Event{
		Type:       engine.EventWebhookReceived,
		TenantID:   event.TenantID,
		EntityType: event.ObjectType,
		Metadata:   map[string]any{"provider": event.Provider, "change_type": string(event.ChangeType)},
	})
	return event, false, nil
}

// ClaimBatch claims the next batch of pending webhook events for a worker
func (s *WebhookService) ClaimBatch(ctx context.Context, workerID string) ([]repository.WebhookEvent, error) {
	return s.events.ClaimPending(ctx, workerID, s.cfg.BatchSize)
}

// GetEvent retrieves a webhook event by id
func (s *WebhookService) GetEvent(ctx context.Context, id uuid.UUID) (*repository.WebhookEvent, error) {
	return s.events.Get(ctx, id)
}

// ProcessEvent runs one claimed webhook event to an outcome. Like queue
// processing it never returns an error: every path ends in Complete,
// MarkSkipped, Fail, or Defer on the event itself.
func (s *WebhookService) ProcessEvent(ctx context.Context, event repository.WebhookEvent) {
	start := time.Now()

	defer func() {
		if r := recover(); r != nil {
			logger.Error().
				Str("event_id", event.ID.String()).
				Interface("panic", r).
				Bytes("stack", debug.Stack()).
				Msg("panic while processing webhook event")
			s.failEvent(ctx, event, fmt.Errorf("panic: %v", r))
		}
	}()

	mapping, err := s.mappings.ResolveLocal(ctx, event.TenantID, event.ObjectType, event.ObjectID)
	if err != nil {
		if errors.Is(err, db.ErrNotFound) {
			s.processUnmapped(ctx, event, start)
			return
		}
		s.failEvent(ctx, event, fmt.Errorf("resolve mapping: %w", err))
		return
	}

	if event.ChangeType == repository.ChangeTypeDeleted {
		// Remote deletions never cascade into local deletions; the mapping
		// is flagged and a human (or the host application) decides.
		msg := "remote object deleted; local entity retained pending deletion policy"
		if _, err := s.mappings.UpdateSyncStatus(ctx, event.TenantID, mapping.LocalEntityType, mapping.LocalID, repository.SyncStatusError, &msg); err != nil {
			s.failEvent(ctx, event, fmt.Errorf("flag deleted mapping: %w", err))
			return
		}
		s.completeEvent(ctx, event, start)
		return
	}

	s.processMapped(ctx, event, mapping, start)
}

// processUnmapped handles changes to remote objects this engine has never
// seen. Creates (and updates whose create we missed) provision a local
// identity and enqueue a local-create; deletes of unknown objects are noise.
func (s *WebhookService) processUnmapped(ctx context.Context, event repository.WebhookEvent, start time.Time) {
	if event.ChangeType == repository.ChangeTypeDeleted {
		s.skipEvent(ctx, event, start, "deletion of unmapped remote object")
		return
	}

	entityType, err := s.routes.EntityTypeFor(event.Provider, event.ObjectType)
	if err != nil {
		s.skipEvent(ctx, event, start, fmt.Sprintf("unroutable object type %q", event.ObjectType))
		return
	}

	localID := uuid.New()
	if _, err := s.mappings.Link(ctx, event.TenantID, entityType, localID, event.ObjectType, event.ObjectID, repository.SyncStatusPending); err != nil {
		if errors.Is(err, repository.ErrAlreadyMapped) {
			// Lost a race with a concurrent event for the same object; the
			// retry will resolve the mapping normally.
			s.failEvent(ctx, event, engine.Transient(err))
			return
		}
		s.failEvent(ctx, event, fmt.Errorf("provision mapping: %w", err))
		return
	}

	remoteID := event.ObjectID
	if _, err := s.queue.Enqueue(ctx, repository.EnqueueRequest{
		TenantID:    event.TenantID,
		Operation:   repository.OperationCreate,
		Direction:   repository.DirectionInbound,
		EntityType:  entityType,
		LocalID:     &localID,
		RemoteID:    &remoteID,
		Payload:     withVersion(event.Payload, s.remoteVersion(event)),
		MaxAttempts: int32(s.cfg.DefaultMaxAttempts),
	}); err != nil {
		s.failEvent(ctx, event, fmt.Errorf("enqueue local create: %w", err))
		return
	}

	logger.Info().
		Str("event_id", event.ID.String()).
		Str("entity_type", entityType).
		Str("local_id", localID.String()).
		Msg("provisioned mapping for unseen remote object")
	s.completeEvent(ctx, event, start)
}

func (s *WebhookService) processMapped(ctx context.Context, event repository.WebhookEvent, mapping *repository.ObjectMapping, start time.Time) {
	ownerToken := "webhook:" + uuid.New().String()
	lockKey := mapping.LocalID.String()

	_, acquired, err := s.locks.Acquire(ctx, event.TenantID, mapping.LocalEntityType, lockKey, repository.LockTypeExclusive, ownerToken, s.cfg.LockTTL)
	if err != nil {
		s.failEvent(ctx, event, fmt.Errorf("acquire lock: %w", err))
		return
	}
	if !acquired {
		if _, err := s.events.Defer(ctx, event.ID, s.cfg.PollInterval); err != nil {
			logger.Warn().Err(err).Str("event_id", event.ID.String()).Msg("failed to defer contended webhook event")
		}
		return
	}
	defer func() {
		if _, err := s.locks.Release(ctx, event.TenantID, mapping.LocalEntityType, lockKey, ownerToken); err != nil {
			logger.Warn().Err(err).Str("event_id", event.ID.String()).Msg("failed to release entity lock")
		}
	}()

	// Out-of-order and echo absorption: advancing the observed remote
	// version is strictly monotonic, so an event older than (or equal to)
	// what we already know about, including echoes of our own pushes, is
	// skipped before any local work happens.
	remoteVersion := s.remoteVersion(event)
	if _, err := s.mappings.BumpVersion(ctx, event.TenantID, mapping.LocalEntityType, mapping.LocalID, repository.SideRemote, remoteVersion); err != nil {
		if errors.Is(err, repository.ErrStaleVersion) {
			s.skipEvent(ctx, event, start, "stale remote version")
			return
		}
		s.failEvent(ctx, event, fmt.Errorf("advance remote version: %w", err))
		return
	}

	remoteState := engine.ChangeState{Payload: event.Payload, Version: remoteVersion, UpdatedAt: event.OccurredAt}
	localState := engine.ChangeState{}
	if rec, err := s.local.Get(ctx, event.TenantID, mapping.LocalEntityType, mapping.LocalID); err == nil {
		localState = engine.ChangeState{Payload: rec.Payload, Version: rec.Version, UpdatedAt: rec.UpdatedAt}
	} else if !errors.Is(err, ErrLocalNotFound) {
		s.failEvent(ctx, event, fmt.Errorf("read local entity: %w", err))
		return
	}

	lastSynced := time.Time{}
	if mapping.LastSyncedAt != nil {
		lastSynced = *mapping.LastSyncedAt
	}

	if !engine.DetectConflict(localState, remoteState, lastSynced) {
		if err := s.enqueueInboundApply(ctx, event, mapping, remoteVersion); err != nil {
			s.failEvent(ctx, event, err)
			return
		}
		s.completeEvent(ctx, event, start)
		return
	}

	s.resolveInboundConflict(ctx, event, mapping, localState, remoteState, remoteVersion, start)
}

func (s *WebhookService) resolveInboundConflict(ctx context.Context, event repository.WebhookEvent, mapping *repository.ObjectMapping, localState, remoteState engine.ChangeState, remoteVersion int64, start time.Time) {
	policy := s.policy()
	winner, err := engine.Resolve(policy, localState, remoteState)
	if err != nil {
		s.failEvent(ctx, event, engine.Permanent(err))
		return
	}

	var resolution *string
	if winner != engine.WinnerNone {
		res := string(winner)
		resolution = &res
	}
	remoteID := event.ObjectID
	localAt, remoteAt := localState.UpdatedAt, remoteState.UpdatedAt
	if _, err := s.audits.Record(ctx, repository.RecordConflictRequest{
		TenantID:        event.TenantID,
		EntityType:      mapping.LocalEntityType,
		LocalID:         mapping.LocalID,
		RemoteID:        &remoteID,
		Policy:          string(policy),
		Resolution:      resolution,
		LocalPayload:    localState.Payload,
		RemotePayload:   remoteState.Payload,
		LocalUpdatedAt:  &localAt,
		RemoteUpdatedAt: &remoteAt,
	}); err != nil {
		s.failEvent(ctx, event, fmt.Errorf("record conflict: %w", err))
		return
	}

	s.publisher.Publish(engine.Event{
		Type:       engine.EventConflictDetected,
		TenantID:   event.TenantID,
		EntityType: mapping.LocalEntityType,
		Metadata:   map[string]any{"local_id": mapping.LocalID.String(), "policy": string(policy)},
	})
	if winner != engine.WinnerNone {
		s.publisher.Publish(engine.Event{
			Type:       engine.EventConflictResolved,
			TenantID:   event.TenantID,
			EntityType: mapping.LocalEntityType,
			Metadata:   map[string]any{"local_id": mapping.LocalID.String(), "winner": string(winner)},
		})
	}

	switch winner {
	case engine.WinnerRemote:
		if err := s.enqueueInboundApply(ctx, event, mapping, remoteVersion); err != nil {
			s.failEvent(ctx, event, err)
			return
		}

	case engine.WinnerLocal:
		// Re-assert the local state: push it back out so the remote side
		// converges on the winning payload.
		localID := mapping.LocalID
		if _, err := s.queue.Enqueue(ctx, repository.EnqueueRequest{
			TenantID:    event.TenantID,
			Operation:   repository.OperationUpdate,
			Direction:   repository.DirectionOutbound,
			EntityType:  mapping.LocalEntityType,
			LocalID:     &localID,
			RemoteID:    &remoteID,
			Payload:     localState.Payload,
			MaxAttempts: int32(s.cfg.DefaultMaxAttempts),
		}); err != nil {
			s.failEvent(ctx, event, fmt.Errorf("enqueue local reassert: %w", err))
			return
		}

	default:
		msg := "conflict requires manual resolution"
		if _, err := s.mappings.UpdateSyncStatus(ctx, event.TenantID, mapping.LocalEntityType, mapping.LocalID, repository.SyncStatusConflict, &msg); err != nil {
			s.failEvent(ctx, event, fmt.Errorf("mark conflict: %w", err))
			return
		}
	}

	s.completeEvent(ctx, event, start)
}

func (s *WebhookService) enqueueInboundApply(ctx context.Context, event repository.WebhookEvent, mapping *repository.ObjectMapping, remoteVersion int64) error {
	localID := mapping.LocalID
	remoteID := event.ObjectID
	if _, err := s.mappings.UpdateSyncStatus(ctx, event.TenantID, mapping.LocalEntityType, mapping.LocalID, repository.SyncStatusPending, nil); err != nil {
		return fmt.Errorf("mark mapping pending: %w", err)
	}
	if _, err := s.queue.Enqueue(ctx, repository.EnqueueRequest{
		TenantID:    event.TenantID,
		Operation:   repository.OperationUpdate,
		Direction:   repository.DirectionInbound,
		EntityType:  mapping.LocalEntityType,
		LocalID:     &localID,
		RemoteID:    &remoteID,
		Payload:     withVersion(event.Payload, remoteVersion),
		MaxAttempts: int32(s.cfg.DefaultMaxAttempts),
	}); err != nil {
		return fmt.Errorf("enqueue inbound apply: %w", err)
	}
	return nil
}

func (s *WebhookService) completeEvent(ctx context.Context, event repository.WebhookEvent, start time.Time) {
	latency := time.Since(start).Milliseconds()
	if _, err := s.events.Complete(ctx, event.ID); err != nil {
		logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to complete webhook event")
		return
	}
	s.publisher.Publish(engine.Event{
		Type:       engine.EventWebhookProcessed,
		TenantID:   event.TenantID,
		EntityType: event.ObjectType,
		LatencyMs:  latency,
		Metadata:   map[string]any{"event_id": event.ID.String(), "change_type": string(event.ChangeType)},
	})
}

func (s *WebhookService) skipEvent(ctx context.Context, event repository.WebhookEvent, start time.Time, reason string) {
	if _, err := s.events.MarkSkipped(ctx, event.ID); err != nil {
		logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to skip webhook event")
		return
	}
	logger.Debug().
		Str("event_id", event.ID.String()).
		Str("reason", reason).
		Msg("webhook event skipped")
	s.publisher.Publish(engine.Event{
		Type:       engine.EventWebhookProcessed,
		TenantID:   event.TenantID,
		EntityType: event.ObjectType,
		LatencyMs:  time.Since(start).Milliseconds(),
		Metadata:   map[string]any{"event_id": event.ID.String(), "skipped": reason},
	})
}

func (s *WebhookService) failEvent(ctx context.Context, event repository.WebhookEvent, cause error) {
	failed, err := s.events.Fail(ctx, event.ID, cause.Error(), s.cfg.BackoffBase, s.cfg.BackoffCap)
	if err != nil {
		logger.Error().Err(err).Str("event_id", event.ID.String()).Msg("failed to record webhook event failure")
		return
	}

	if failed.Status == repository.EventStatusFailed {
		s.publisher.Publish(engine.Event{
			Type:       engine.EventWebhookFailed,
			TenantID:   event.TenantID,
			EntityType: event.ObjectType,
			Metadata:   map[string]any{"event_id": event.ID.String(), "error": cause.Error()},
		})
	}

	logger.Warn().
		Err(cause).
		Str("event_id", event.ID.String()).
		Str("status", string(failed.Status)).
		Int32("retry_count", failed.RetryCount).
		Msg("webhook event failed")
}

func (s *WebhookService) policy() engine.ConflictPolicy {
	p := engine.ConflictPolicy(s.cfg.ConflictPolicy)
	if !engine.ValidPolicy(p) {
		return engine.PolicyNewestWins
	}
	return p
}

// remoteVersion derives a monotonic version for an event. Providers that
// publish a numeric version field win; otherwise the event timestamp in
// milliseconds serves, which preserves ordering for any provider whose
// events carry occurrence times.
func (s *WebhookService) remoteVersion(event repository.WebhookEvent) int64 {
	if v := payloadVersion(event.Payload); v > 0 {
		return v
	}
	return event.OccurredAt.UnixMilli()
}

// withVersion returns a copy of payload carrying the derived version so the
// downstream queue item can record it on the mapping.
func withVersion(payload map[string]any, version int64) map[string]any {
	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["version"] = version
	return out
}
