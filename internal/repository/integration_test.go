package repository_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"outreach-sync/internal/config"
	"outreach-sync/internal/db"
	"outreach-sync/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setupTestDB connects to the database named by DATABASE_URL and runs
// migrations. Tests are skipped when no database is available, so the suite
// is safe to run anywhere and exercises the real SQL when it can.
func setupTestDB(t *testing.T) *db.Database {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set, skipping integration test")
	}

	cfg := config.TestConfig()
	cfg.Database.URL = databaseURL
	cfg.Database.MigrationsPath = migrationsPath(t)

	if err := db.RunMigrations(databaseURL, cfg.Database.MigrationsPath); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	ctx := context.Background()
	database, err := db.NewDatabase(ctx, cfg.Database)
	if err != nil {
		t.Skipf("Could not connect to database: %v", err)
	}
	t.Cleanup(database.Close)

	return database
}

func migrationsPath(t *testing.T) string {
	t.Helper()
	_, filename, _, ok := runtime.Caller(0)
	require.True(t, ok, "could not determine caller path")
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// freshEnqueue builds an enqueue request with a payload unique to this run,
// so rows left behind by earlier runs can never collide with it.
func freshEnqueue(tenantID uuid.UUID, seq int) repository.EnqueueRequest {
	localID := uuid.New()
	return repository.EnqueueRequest{
		TenantID:   tenantID,
		Operation:  repository.OperationUpdate,
		Direction:  repository.DirectionOutbound,
		EntityType: "contact",
		LocalID:    &localID,
		Payload:    map[string]any{"run": uuid.NewString(), "seq": seq},
		Priority:   1,
	}
}

func TestQueueRepository_ClaimIsExclusive(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	queue := repository.NewQueueRepository(database.Pool, time.Hour)

	tenantID := uuid.New()
	ours := make(map[uuid.UUID]bool)
	for i := 0; i < 6; i++ {
		item, err := queue.Enqueue(ctx, freshEnqueue(tenantID, i))
		require.NoError(t, err)
		ours[item.ID] = true
	}

	// Priority 1 sorts ahead of anything enqueued at the default, so two
	// claims large enough between them must drain all six.
	batchA, err := queue.Claim(ctx, "worker-a", 3, time.Minute)
	require.NoError(t, err)
	batchB, err := queue.Claim(ctx, "worker-b", 50, time.Minute)
	require.NoError(t, err)

	claimedBy := make(map[uuid.UUID]string)
	for _, item := range batchA {
		assert.NotContains(t, claimedBy, item.ID, "item claimed twice")
		claimedBy[item.ID] = "worker-a"
		assert.Equal(t, repository.QueueStatusProcessing, item.Status)
		require.NotNil(t, item.ClaimedBy)
		assert.Equal(t, "worker-a", *item.ClaimedBy)
		assert.NotNil(t, item.LeaseExpiresAt)
	}
	for _, item := range batchB {
		assert.NotContains(t, claimedBy, item.ID, "item claimed by both workers")
		claimedBy[item.ID] = "worker-b"
	}

	for id := range ours {
		assert.Contains(t, claimedBy, id, "enqueued item never claimed")
	}
}

func TestQueueRepository_EnqueueCollapsesDuplicates(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	queue := repository.NewQueueRepository(database.Pool, time.Hour)

	req := freshEnqueue(uuid.New(), 0)

	first, err := queue.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, repository.QueueStatusPending, first.Status)

	second, err := queue.Enqueue(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID, "identical pending request should collapse into the existing item")

	other := req
	other.Payload = map[string]any{"run": uuid.NewString(), "seq": 1}
	third, err := queue.Enqueue(ctx, other)
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, third.ID, "distinct payload should get its own item")
}

func TestQueueRepository_FailBacksOffThenFailsTerminally(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	queue := repository.NewQueueRepository(database.Pool, time.Hour)

	req := freshEnqueue(uuid.New(), 0)
	req.MaxAttempts = 2
	item, err := queue.Enqueue(ctx, req)
	require.NoError(t, err)

	claimed := claimByID(t, queue, item.ID)
	assert.Equal(t, int32(1), claimed.Attempts)

	failed, err := queue.Fail(ctx, item.ID, "remote unavailable", 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, repository.QueueStatusPending, failed.Status, "budget remains, item should be rescheduled")
	assert.NotNil(t, failed.NextRetryAt)
	require.NotNil(t, failed.LastError)
	assert.Equal(t, "remote unavailable", *failed.LastError)
	assert.Nil(t, failed.ClaimedBy)

	// Backoff at this base is tens of milliseconds; wait it out and reclaim.
	time.Sleep(200 * time.Millisecond)

	claimed = claimByID(t, queue, item.ID)
	assert.Equal(t, int32(2), claimed.Attempts)

	failed, err = queue.Fail(ctx, item.ID, "remote unavailable", 10*time.Millisecond, time.Second)
	require.NoError(t, err)
	assert.Equal(t, repository.QueueStatusFailed, failed.Status, "attempts reached max, item should be terminal")
	assert.Nil(t, failed.NextRetryAt)
}

// claimByID claims a batch and returns the target item, failing the test if
// the item was not eligible. Claims are global, so the batch may carry other
// tests' leftovers; those are ignored.
func claimByID(t *testing.T, queue *repository.QueueRepository, id uuid.UUID) repository.QueueItem {
	t.Helper()
	batch, err := queue.Claim(context.Background(), "worker-test", 50, time.Minute)
	require.NoError(t, err)
	for _, item := range batch {
		if item.ID == id {
			return item
		}
	}
	t.Fatalf("item %s was not claimable", id)
	return repository.QueueItem{}
}

func TestLockRepository_AcquireIsMutuallyExclusive(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	locks := repository.NewLockRepository(database.Pool)

	tenantID := uuid.New()
	entityID := uuid.NewString()

	lock, ok, err := locks.Acquire(ctx, tenantID, "contact", entityID, repository.LockTypeExclusive, "owner-a", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "owner-a", lock.OwnerToken)

	contended, ok, err := locks.Acquire(ctx, tenantID, "contact", entityID, repository.LockTypeExclusive, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "second owner must not acquire a live lock")
	assert.Nil(t, contended)

	released, err := locks.Release(ctx, tenantID, "contact", entityID, "owner-b")
	require.NoError(t, err)
	assert.False(t, released, "release with a non-holder token must not release")

	released, err = locks.Release(ctx, tenantID, "contact", entityID, "owner-a")
	require.NoError(t, err)
	assert.True(t, released)

	_, ok, err = locks.Acquire(ctx, tenantID, "contact", entityID, repository.LockTypeExclusive, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "released lock should be acquirable again")
}

func TestLockRepository_AcquireTakesOverExpiredLock(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	locks := repository.NewLockRepository(database.Pool)

	tenantID := uuid.New()
	entityID := uuid.NewString()

	_, ok, err := locks.Acquire(ctx, tenantID, "contact", entityID, repository.LockTypeExclusive, "owner-a", 50*time.Millisecond)
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(120 * time.Millisecond)

	lock, ok, err := locks.Acquire(ctx, tenantID, "contact", entityID, repository.LockTypeExclusive, "owner-b", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be taken over in the same statement")
	require.NotNil(t, lock)
	assert.Equal(t, "owner-b", lock.OwnerToken)
}

func TestWebhookEventRepository_InsertRejectsDuplicateDelivery(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	webhooks := repository.NewWebhookEventRepository(database.Pool)

	req := repository.IngestRequest{
		TenantID:        uuid.New(),
		Provider:        "hubspot",
		ProviderEventID: "evt-" + uuid.NewString(),
		ObjectType:      "contacts",
		ObjectID:        "hs-1001",
		ChangeType:      repository.ChangeTypeUpdated,
		Payload:         map[string]any{"firstname": "Ada"},
		OccurredAt:      time.Now().UTC(),
	}

	event, err := webhooks.Insert(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, repository.EventStatusPending, event.Status)

	_, err = webhooks.Insert(ctx, req)
	assert.ErrorIs(t, err, repository.ErrDuplicateEvent)
}

func TestObjectMappingRepository_BumpVersionIsMonotonic(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	mappings := repository.NewObjectMappingRepository(database.Pool)

	tenantID := uuid.New()
	localID := uuid.New()
	remoteID := "hs-" + uuid.NewString()

	_, err := mappings.Link(ctx, tenantID, "contact", localID, "contacts", remoteID, repository.SyncStatusPending)
	require.NoError(t, err)

	mapping, err := mappings.BumpVersion(ctx, tenantID, "contact", localID, repository.SideRemote, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(5), mapping.RemoteVersion)

	_, err = mappings.BumpVersion(ctx, tenantID, "contact", localID, repository.SideRemote, 5)
	assert.ErrorIs(t, err, repository.ErrStaleVersion, "equal version is stale")

	_, err = mappings.BumpVersion(ctx, tenantID, "contact", localID, repository.SideRemote, 4)
	assert.ErrorIs(t, err, repository.ErrStaleVersion, "lower version is stale")

	mapping, err = mappings.BumpVersion(ctx, tenantID, "contact", localID, repository.SideRemote, 6)
	require.NoError(t, err)
	assert.Equal(t, int64(6), mapping.RemoteVersion)
}

func TestObjectMappingRepository_MarkSyncedStampsSyncPoint(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()
	mappings := repository.NewObjectMappingRepository(database.Pool)

	tenantID := uuid.New()
	localID := uuid.New()

	_, err := mappings.Link(ctx, tenantID, "contact", localID, "contacts", "hs-"+uuid.NewString(), repository.SyncStatusPending)
	require.NoError(t, err)

	mapping, err := mappings.MarkSynced(ctx, tenantID, "contact", localID, repository.SideLocal, 3)
	require.NoError(t, err)
	assert.Equal(t, int64(3), mapping.LocalVersion)
	assert.Equal(t, repository.SyncStatusSynced, mapping.SyncStatus)
	assert.NotNil(t, mapping.LastSyncedAt)

	// Replays carry older versions; GREATEST keeps the counter in place.
	mapping, err = mappings.MarkSynced(ctx, tenantID, "contact", localID, repository.SideLocal, 2)
	require.NoError(t, err)
	assert.Equal(t, int64(3), mapping.LocalVersion)
}
