package service

import (
	"context"
	"testing"

	"outreach-sync/internal/config"
	"outreach-sync/internal/engine"
	"outreach-sync/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type conflictEnv struct {
	audits   *fakeAudits
	queue    *fakeQueue
	mappings *fakeMappings
	pub      *recordingPublisher
	tenantID uuid.UUID
}

func newConflictEnv(t *testing.T) (*ConflictService, *conflictEnv) {
	t.Helper()

	env := &conflictEnv{
		audits:   newFakeAudits(),
		queue:    newFakeQueue(),
		mappings: newFakeMappings(),
		pub:      &recordingPublisher{},
		tenantID: uuid.New(),
	}
	svc := NewConflictService(config.TestConfig().Worker, env.audits, env.queue, env.mappings, env.pub)
	return svc, env
}

func (env *conflictEnv) openConflict(t *testing.T) *repository.ConflictAudit {
	t.Helper()

	localID := uuid.New()
	remoteID := "hs-42"
	env.mappings.add(&repository.ObjectMapping{
		TenantID: env.tenantID, LocalEntityType: "contact", LocalID: localID,
		RemoteObjectType: "contacts", RemoteID: remoteID,
		SyncStatus: repository.SyncStatusConflict,
	})

	audit, err := env.audits.Record(context.Background(), repository.RecordConflictRequest{
		TenantID:      env.tenantID,
		EntityType:    "contact",
		LocalID:       localID,
		RemoteID:      &remoteID,
		Policy:        "manual",
		LocalPayload:  map[string]any{"name": "Ada Local"},
		RemotePayload: map[string]any{"firstname": "Ada Remote"},
	})
	require.NoError(t, err)
	return audit
}

func TestResolve_Validation(t *testing.T) {
	svc, env := newConflictEnv(t)
	audit := env.openConflict(t)
	ctx := context.Background()

	_, err := svc.Resolve(ctx, audit.ID, engine.WinnerNone, "alice")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Resolve(ctx, audit.ID, "both", "alice")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	_, err = svc.Resolve(ctx, audit.ID, engine.WinnerLocal, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	assert.Empty(t, env.queue.enqueued)
}

func TestResolve_LocalWinnerEnqueuesOutbound(t *testing.T) {
	svc, env := newConflictEnv(t)
	audit := env.openConflict(t)

	resolved, err := svc.Resolve(context.Background(), audit.ID, engine.WinnerLocal, "alice")
	require.NoError(t, err)

	require.NotNil(t, resolved.ResolvedAt)
	require.NotNil(t, resolved.Resolution)
	assert.Equal(t, "local", *resolved.Resolution)
	require.NotNil(t, resolved.ResolvedBy)
	assert.Equal(t, "alice", *resolved.ResolvedBy)

	require.Len(t, env.queue.enqueued, 1)
	enq := env.queue.enqueued[0]
	assert.Equal(t, repository.DirectionOutbound, enq.Direction)
	assert.Equal(t, repository.OperationUpdate, enq.Operation)
	assert.Equal(t, map[string]any{"name": "Ada Local"}, enq.Payload)

	mapping, _ := env.mappings.ResolveRemote(context.Background(), env.tenantID, "contact", audit.LocalID)
	assert.Equal(t, repository.SyncStatusPending, mapping.SyncStatus)

	assert.Len(t, env.pub.ofType(engine.EventConflictResolved), 1)
}

func TestResolve_RemoteWinnerEnqueuesInbound(t *testing.T) {
	svc, env := newConflictEnv(t)
	audit := env.openConflict(t)

	_, err := svc.Resolve(context.Background(), audit.ID, engine.WinnerRemote, "alice")
	require.NoError(t, err)

	require.Len(t, env.queue.enqueued, 1)
	enq := env.queue.enqueued[0]
	assert.Equal(t, repository.DirectionInbound, enq.Direction)
	assert.Equal(t, map[string]any{"firstname": "Ada Remote"}, enq.Payload)
}

func TestResolve_AlreadyResolvedConflict(t *testing.T) {
	svc, env := newConflictEnv(t)
	audit := env.openConflict(t)

	_, err := svc.Resolve(context.Background(), audit.ID, engine.WinnerLocal, "alice")
	require.NoError(t, err)

	_, err = svc.Resolve(context.Background(), audit.ID, engine.WinnerRemote, "bob")
	assert.Error(t, err)
	assert.Len(t, env.queue.enqueued, 1)
}

func TestListOpen_RequiresTenant(t *testing.T) {
	svc, env := newConflictEnv(t)
	env.openConflict(t)

	_, err := svc.ListOpen(context.Background(), uuid.Nil, 50, 0)
	assert.ErrorIs(t, err, ErrInvalidRequest)

	open, err := svc.ListOpen(context.Background(), env.tenantID, 50, 0)
	require.NoError(t, err)
	assert.Len(t, open, 1)
}
