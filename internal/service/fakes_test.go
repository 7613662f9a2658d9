package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"outreach-sync/internal/db"
	"outreach-sync/internal/engine"
	"outreach-sync/internal/repository"

	"github.com/google/uuid"
)

// In-memory fakes for the store interfaces. Single-goroutine use only.

type fakeQueue struct {
	items    map[uuid.UUID]*repository.QueueItem
	enqueued []repository.EnqueueRequest
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{items: make(map[uuid.UUID]*repository.QueueItem)}
}

func (q *fakeQueue) Enqueue(_ context.Context, req repository.EnqueueRequest) (*repository.QueueItem, error) {
	q.enqueued = append(q.enqueued, req)
	item := &repository.QueueItem{
		ID:          uuid.New(),
		TenantID:    req.TenantID,
		Operation:   req.Operation,
		Direction:   req.Direction,
		EntityType:  req.EntityType,
		LocalID:     req.LocalID,
		RemoteID:    req.RemoteID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Status:      repository.QueueStatusPending,
		MaxAttempts: req.MaxAttempts,
		CreatedAt:   time.Now(),
	}
	q.items[item.ID] = item
	return item, nil
}

func (q *fakeQueue) Claim(_ context.Context, workerID string, batchSize int, leaseTimeout time.Duration) ([]repository.QueueItem, error) {
	var claimed []repository.QueueItem
	for _, item := range q.items {
		if len(claimed) >= batchSize {
			break
		}
		if item.Status == repository.QueueStatusPending {
			item.Status = repository.QueueStatusProcessing
			item.Attempts++
			item.ClaimedBy = &workerID
			claimed = append(claimed, *item)
		}
	}
	return claimed, nil
}

func (q *fakeQueue) Complete(_ context.Context, id uuid.UUID, result map[string]any) (*repository.QueueItem, error) {
	item, ok := q.items[id]
	if !ok || item.Status != repository.QueueStatusProcessing {
		return nil, db.ErrNotFound
	}
	item.Status = repository.QueueStatusCompleted
	item.Result = result
	return item, nil
}

func (q *fakeQueue) Fail(_ context.Context, id uuid.UUID, failure string, _, _ time.Duration) (*repository.QueueItem, error) {
	item, ok := q.items[id]
	if !ok || item.Status != repository.QueueStatusProcessing {
		return nil, db.ErrNotFound
	}
	if item.Attempts >= item.MaxAttempts {
		item.Status = repository.QueueStatusFailed
	} else {
		item.Status = repository.QueueStatusPending
	}
	item.LastError = &failure
	return item, nil
}

func (q *fakeQueue) FailPermanently(_ context.Context, id uuid.UUID, failure string) (*repository.QueueItem, error) {
	item, ok := q.items[id]
	if !ok || item.Status != repository.QueueStatusProcessing {
		return nil, db.ErrNotFound
	}
	item.Status = repository.QueueStatusFailed
	item.LastError = &failure
	return item, nil
}

func (q *fakeQueue) Defer(_ context.Context, id uuid.UUID, _ time.Duration) (*repository.QueueItem, error) {
	item, ok := q.items[id]
	if !ok || item.Status != repository.QueueStatusProcessing {
		return nil, db.ErrNotFound
	}
	item.Status = repository.QueueStatusPending
	if item.Attempts > 0 {
		item.Attempts--
	}
	return item, nil
}

func (q *fakeQueue) Cancel(_ context.Context, id uuid.UUID) (*repository.QueueItem, error) {
	item, ok := q.items[id]
	if !ok || item.Status != repository.QueueStatusPending {
		return nil, db.ErrNotFound
	}
	item.Status = repository.QueueStatusCancelled
	return item, nil
}

func (q *fakeQueue) Get(_ context.Context, id uuid.UUID) (*repository.QueueItem, error) {
	item, ok := q.items[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return item, nil
}

func (q *fakeQueue) ListByStatus(_ context.Context, tenantID uuid.UUID, status repository.QueueStatus, _, _ int32) ([]repository.QueueItem, error) {
	var out []repository.QueueItem
	for _, item := range q.items {
		if item.TenantID == tenantID && item.Status == status {
			out = append(out, *item)
		}
	}
	return out, nil
}

type fakeLocks struct {
	held      map[string]string // key -> owner token
	contended map[string]bool
	acquired  int
	released  int
}

func newFakeLocks() *fakeLocks {
	return &fakeLocks{held: make(map[string]string), contended: make(map[string]bool)}
}

func lockKeyOf(tenantID uuid.UUID, entityType, entityID string) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, entityType, entityID)
}

func (l *fakeLocks) Acquire(_ context.Context, tenantID uuid.UUID, entityType, entityID string, _ repository.LockType, ownerToken string, _ time.Duration) (*repository.Lock, bool, error) {
	key := lockKeyOf(tenantID, entityType, entityID)
	if l.contended[key] {
		return nil, false, nil
	}
	if _, taken := l.held[key]; taken {
		return nil, false, nil
	}
	l.held[key] = ownerToken
	l.acquired++
	return &repository.Lock{TenantID: tenantID, EntityType: entityType, EntityID: entityID, OwnerToken: ownerToken}, true, nil
}

func (l *fakeLocks) Release(_ context.Context, tenantID uuid.UUID, entityType, entityID, ownerToken string) (bool, error) {
	key := lockKeyOf(tenantID, entityType, entityID)
	if l.held[key] != ownerToken {
		return false, nil
	}
	delete(l.held, key)
	l.released++
	return true, nil
}

func (l *fakeLocks) Refresh(_ context.Context, tenantID uuid.UUID, entityType, entityID, ownerToken string, _ time.Duration) (bool, error) {
	key := lockKeyOf(tenantID, entityType, entityID)
	return l.held[key] == ownerToken, nil
}

type fakeMappings struct {
	byLocal map[string]*repository.ObjectMapping
}

func newFakeMappings() *fakeMappings {
	return &fakeMappings{byLocal: make(map[string]*repository.ObjectMapping)}
}

func localKeyOf(tenantID uuid.UUID, localType string, localID uuid.UUID) string {
	return fmt.Sprintf("%s|%s|%s", tenantID, localType, localID)
}

func (m *fakeMappings) add(mapping *repository.ObjectMapping) {
	m.byLocal[localKeyOf(mapping.TenantID, mapping.LocalEntityType, mapping.LocalID)] = mapping
}

func (m *fakeMappings) Link(_ context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, remoteType, remoteID string, status repository.SyncStatus) (*repository.ObjectMapping, error) {
	if _, exists := m.byLocal[localKeyOf(tenantID, localType, localID)]; exists {
		return nil, repository.ErrAlreadyMapped
	}
	for _, existing := range m.byLocal {
		if existing.TenantID == tenantID && existing.RemoteObjectType == remoteType && existing.RemoteID == remoteID {
			return nil, repository.ErrAlreadyMapped
		}
	}
	if status == "" {
		status = repository.SyncStatusPending
	}
	mapping := &repository.ObjectMapping{
		ID:               uuid.New(),
		TenantID:         tenantID,
		LocalEntityType:  localType,
		LocalID:          localID,
		RemoteObjectType: remoteType,
		RemoteID:         remoteID,
		SyncStatus:       status,
		CreatedAt:        time.Now(),
	}
	m.add(mapping)
	return mapping, nil
}

func (m *fakeMappings) ResolveLocal(_ context.Context, tenantID uuid.UUID, remoteType, remoteID string) (*repository.ObjectMapping, error) {
	for _, mapping := range m.byLocal {
		if mapping.TenantID == tenantID && mapping.RemoteObjectType == remoteType && mapping.RemoteID == remoteID {
			return mapping, nil
		}
	}
	return nil, db.ErrNotFound
}

func (m *fakeMappings) ResolveRemote(_ context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID) (*repository.ObjectMapping, error) {
	mapping, ok := m.byLocal[localKeyOf(tenantID, localType, localID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	return mapping, nil
}

func (m *fakeMappings) BumpVersion(_ context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, side repository.VersionSide, newVersion int64) (*repository.ObjectMapping, error) {
	mapping, ok := m.byLocal[localKeyOf(tenantID, localType, localID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	current := mapping.LocalVersion
	if side == repository.SideRemote {
		current = mapping.RemoteVersion
	}
	if newVersion <= current {
		return nil, repository.ErrStaleVersion
	}
	if side == repository.SideRemote {
		mapping.RemoteVersion = newVersion
	} else {
		mapping.LocalVersion = newVersion
	}
	return mapping, nil
}

func (m *fakeMappings) UpdateSyncStatus(_ context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, status repository.SyncStatus, syncError *string) (*repository.ObjectMapping, error) {
	mapping, ok := m.byLocal[localKeyOf(tenantID, localType, localID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	mapping.SyncStatus = status
	mapping.SyncError = syncError
	return mapping, nil
}

func (m *fakeMappings) MarkSynced(_ context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID, side repository.VersionSide, newVersion int64) (*repository.ObjectMapping, error) {
	mapping, ok := m.byLocal[localKeyOf(tenantID, localType, localID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	if side == repository.SideRemote {
		if newVersion > mapping.RemoteVersion {
			mapping.RemoteVersion = newVersion
		}
	} else {
		if newVersion > mapping.LocalVersion {
			mapping.LocalVersion = newVersion
		}
	}
	now := time.Now()
	mapping.LastSyncedAt = &now
	mapping.SyncStatus = repository.SyncStatusSynced
	mapping.SyncError = nil
	return mapping, nil
}

func (m *fakeMappings) MarkDeleted(_ context.Context, tenantID uuid.UUID, localType string, localID uuid.UUID) (*repository.ObjectMapping, error) {
	mapping, ok := m.byLocal[localKeyOf(tenantID, localType, localID)]
	if !ok {
		return nil, db.ErrNotFound
	}
	now := time.Now()
	mapping.DeletedAt = &now
	mapping.SyncStatus = repository.SyncStatusError
	return mapping, nil
}

func (m *fakeMappings) ListByStatus(_ context.Context, tenantID uuid.UUID, status repository.SyncStatus, _, _ int32) ([]repository.ObjectMapping, error) {
	var out []repository.ObjectMapping
	for _, mapping := range m.byLocal {
		if mapping.TenantID == tenantID && mapping.SyncStatus == status {
			out = append(out, *mapping)
		}
	}
	return out, nil
}

type fakeFields struct {
	mappings []repository.FieldMapping
}

func (f *fakeFields) Upsert(_ context.Context, req repository.UpsertFieldMappingRequest) (*repository.FieldMapping, error) {
	mapping := repository.FieldMapping{
		ID: uuid.New(), TenantID: req.TenantID, ObjectType: req.ObjectType,
		LocalField: req.LocalField, RemoteField: req.RemoteField,
		Direction: req.Direction, Required: req.Required, Transform: req.Transform,
	}
	f.mappings = append(f.mappings, mapping)
	return &mapping, nil
}

func (f *fakeFields) ListByObjectType(_ context.Context, _ uuid.UUID, objectType string) ([]repository.FieldMapping, error) {
	var out []repository.FieldMapping
	for _, m := range f.mappings {
		if m.ObjectType == objectType {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeFields) Delete(context.Context, uuid.UUID) error { return nil }

type fakeWebhooks struct {
	events map[uuid.UUID]*repository.WebhookEvent
	seen   map[string]bool // provider|event id
}

func newFakeWebhooks() *fakeWebhooks {
	return &fakeWebhooks{events: make(map[uuid.UUID]*repository.WebhookEvent), seen: make(map[string]bool)}
}

func (w *fakeWebhooks) Insert(_ context.Context, req repository.IngestRequest) (*repository.WebhookEvent, error) {
	key := req.Provider + "|" + req.ProviderEventID
	if w.seen[key] {
		return nil, repository.ErrDuplicateEvent
	}
	w.seen[key] = true
	event := &repository.WebhookEvent{
		ID:              uuid.New(),
		TenantID:        req.TenantID,
		Provider:        req.Provider,
		ProviderEventID: req.ProviderEventID,
		ObjectType:      req.ObjectType,
		ObjectID:        req.ObjectID,
		ChangeType:      req.ChangeType,
		Payload:         req.Payload,
		OccurredAt:      req.OccurredAt,
		ReceivedAt:      time.Now(),
		Status:          repository.EventStatusPending,
		MaxAttempts:     req.MaxAttempts,
	}
	w.events[event.ID] = event
	return event, nil
}

func (w *fakeWebhooks) ClaimPending(_ context.Context, workerID string, batchSize int) ([]repository.WebhookEvent, error) {
	var claimed []repository.WebhookEvent
	for _, event := range w.events {
		if len(claimed) >= batchSize {
			break
		}
		if event.Status == repository.EventStatusPending {
			event.Status = repository.EventStatusProcessing
			event.ClaimedBy = &workerID
			claimed = append(claimed, *event)
		}
	}
	return claimed, nil
}

func (w *fakeWebhooks) Complete(_ context.Context, id uuid.UUID) (*repository.WebhookEvent, error) {
	return w.finish(id, repository.EventStatusCompleted)
}

func (w *fakeWebhooks) MarkSkipped(_ context.Context, id uuid.UUID) (*repository.WebhookEvent, error) {
	return w.finish(id, repository.EventStatusSkipped)
}

func (w *fakeWebhooks) finish(id uuid.UUID, status repository.EventStatus) (*repository.WebhookEvent, error) {
	event, ok := w.events[id]
	if !ok || event.Status != repository.EventStatusProcessing {
		return nil, db.ErrNotFound
	}
	event.Status = status
	return event, nil
}

func (w *fakeWebhooks) Fail(_ context.Context, id uuid.UUID, failure string, _, _ time.Duration) (*repository.WebhookEvent, error) {
	event, ok := w.events[id]
	if !ok || event.Status != repository.EventStatusProcessing {
		return nil, db.ErrNotFound
	}
	event.RetryCount++
	if event.RetryCount >= event.MaxAttempts {
		event.Status = repository.EventStatusFailed
	} else {
		event.Status = repository.EventStatusPending
	}
	event.LastError = &failure
	return event, nil
}

func (w *fakeWebhooks) Defer(_ context.Context, id uuid.UUID, _ time.Duration) (*repository.WebhookEvent, error) {
	event, ok := w.events[id]
	if !ok || event.Status != repository.EventStatusProcessing {
		return nil, db.ErrNotFound
	}
	event.Status = repository.EventStatusPending
	return event, nil
}

func (w *fakeWebhooks) Get(_ context.Context, id uuid.UUID) (*repository.WebhookEvent, error) {
	event, ok := w.events[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return event, nil
}

type fakeAudits struct {
	records map[uuid.UUID]*repository.ConflictAudit
}

func newFakeAudits() *fakeAudits {
	return &fakeAudits{records: make(map[uuid.UUID]*repository.ConflictAudit)}
}

func (a *fakeAudits) Record(_ context.Context, req repository.RecordConflictRequest) (*repository.ConflictAudit, error) {
	audit := &repository.ConflictAudit{
		ID:            uuid.New(),
		TenantID:      req.TenantID,
		EntityType:    req.EntityType,
		LocalID:       req.LocalID,
		RemoteID:      req.RemoteID,
		Policy:        req.Policy,
		Resolution:    req.Resolution,
		LocalPayload:  req.LocalPayload,
		RemotePayload: req.RemotePayload,
		DetectedAt:    time.Now(),
	}
	if req.Resolution != nil {
		now := time.Now()
		audit.ResolvedAt = &now
	}
	a.records[audit.ID] = audit
	return audit, nil
}

func (a *fakeAudits) Resolve(_ context.Context, id uuid.UUID, resolution, resolvedBy string) (*repository.ConflictAudit, error) {
	audit, ok := a.records[id]
	if !ok || audit.ResolvedAt != nil {
		return nil, db.ErrNotFound
	}
	now := time.Now()
	audit.Resolution = &resolution
	audit.ResolvedAt = &now
	audit.ResolvedBy = &resolvedBy
	return audit, nil
}

func (a *fakeAudits) Get(_ context.Context, id uuid.UUID) (*repository.ConflictAudit, error) {
	audit, ok := a.records[id]
	if !ok {
		return nil, db.ErrNotFound
	}
	return audit, nil
}

func (a *fakeAudits) ListOpen(_ context.Context, tenantID uuid.UUID, _, _ int32) ([]repository.ConflictAudit, error) {
	var out []repository.ConflictAudit
	for _, audit := range a.records {
		if audit.TenantID == tenantID && audit.ResolvedAt == nil {
			out = append(out, *audit)
		}
	}
	return out, nil
}

func (a *fakeAudits) open() []*repository.ConflictAudit {
	var out []*repository.ConflictAudit
	for _, audit := range a.records {
		if audit.ResolvedAt == nil {
			out = append(out, audit)
		}
	}
	return out
}

type metricCall struct {
	tenantID   uuid.UUID
	entityType string
	delta      repository.MetricDelta
}

type fakeMetrics struct {
	calls []metricCall
	rows  []repository.SyncMetric
}

func (m *fakeMetrics) Increment(_ context.Context, tenantID uuid.UUID, _ time.Time, entityType string, delta repository.MetricDelta) error {
	m.calls = append(m.calls, metricCall{tenantID: tenantID, entityType: entityType, delta: delta})
	return nil
}

func (m *fakeMetrics) GetRange(context.Context, uuid.UUID, time.Time, time.Time) ([]repository.SyncMetric, error) {
	return m.rows, nil
}

type fakeLocal struct {
	records map[string]*LocalRecord
	applied []string // entity ids applied, in order
}

func newFakeLocal() *fakeLocal {
	return &fakeLocal{records: make(map[string]*LocalRecord)}
}

func (l *fakeLocal) set(tenantID uuid.UUID, entityType string, localID uuid.UUID, rec LocalRecord) {
	l.records[localKeyOf(tenantID, entityType, localID)] = &rec
}

func (l *fakeLocal) Get(_ context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID) (*LocalRecord, error) {
	rec, ok := l.records[localKeyOf(tenantID, entityType, localID)]
	if !ok {
		return nil, ErrLocalNotFound
	}
	return rec, nil
}

func (l *fakeLocal) Apply(_ context.Context, tenantID uuid.UUID, entityType string, localID uuid.UUID, _ repository.Operation, payload map[string]any) (int64, error) {
	key := localKeyOf(tenantID, entityType, localID)
	rec, ok := l.records[key]
	if !ok {
		rec = &LocalRecord{Payload: make(map[string]any)}
		l.records[key] = rec
	}
	for k, v := range payload {
		if rec.Payload == nil {
			rec.Payload = make(map[string]any)
		}
		rec.Payload[k] = v
	}
	rec.Version++
	rec.UpdatedAt = time.Now()
	l.applied = append(l.applied, localID.String())
	return rec.Version, nil
}

// fakeAdapter is a scripted CRM adapter recording its calls
type fakeAdapter struct {
	name        string
	pushResult  *engine.PushResult
	pushErr     error
	pullResult  *engine.PullResult
	pullErr     error
	deleteErr   error
	pushCalls   []map[string]any
	pushIDs     []*string
	deleteCalls []string
}

func (a *fakeAdapter) Config() engine.AdapterConfig {
	return engine.AdapterConfig{Name: a.name, DisplayName: a.name, SupportsWebhook: true}
}

func (a *fakeAdapter) Push(_ context.Context, _ string, remoteID *string, payload map[string]any) (*engine.PushResult, error) {
	a.pushCalls = append(a.pushCalls, payload)
	a.pushIDs = append(a.pushIDs, remoteID)
	if a.pushErr != nil {
		return nil, a.pushErr
	}
	if a.pushResult != nil {
		return a.pushResult, nil
	}
	return &engine.PushResult{RemoteID: "r-1", RemoteVersion: 1}, nil
}

func (a *fakeAdapter) Pull(context.Context, string, string) (*engine.PullResult, error) {
	if a.pullErr != nil {
		return nil, a.pullErr
	}
	if a.pullResult != nil {
		return a.pullResult, nil
	}
	return &engine.PullResult{Payload: map[string]any{}, RemoteVersion: 0}, nil
}

func (a *fakeAdapter) Delete(_ context.Context, _ string, remoteID string) error {
	a.deleteCalls = append(a.deleteCalls, remoteID)
	return a.deleteErr
}

// recordingPublisher captures published events for assertions
type recordingPublisher struct {
	events []engine.Event
}

func (p *recordingPublisher) Publish(event engine.Event) {
	p.events = append(p.events, event)
}

func (p *recordingPublisher) ofType(t engine.EventType) []engine.Event {
	var out []engine.Event
	for _, e := range p.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

var errRemoteDown = errors.New("remote CRM unavailable")
