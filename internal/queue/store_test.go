package queue

import (
	"context"
	"fmt"
	"os"
	"testing"

	"fieldsync/internal/models"
	"fieldsync/internal/storage"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type rejectingStore struct {
	*storage.MemoryStore
	reject bool
}

func (s *rejectingStore) Save(ctx context.Context, data []byte) error {
	if s.reject {
		return fmt.Errorf("%w: disk full", storage.ErrQuotaExceeded)
	}
	return s.MemoryStore.Save(ctx, data)
}

func testLogger() *zerolog.Logger {
	l := zerolog.New(os.Stdout).Level(zerolog.Disabled)
	return &l
}

func newTestStore(t *testing.T) (*Store, *storage.MemoryStore) {
	t.Helper()
	backend := storage.NewMemoryStore()
	store, err := NewStore(context.Background(), backend, Limits{}, testLogger())
	require.NoError(t, err)
	return store, backend
}

func boolUpdate(entity, field string) NewUpdate {
	return NewUpdate{EntityID: entity, FieldName: field, Value: models.BoolValue(true)}
}

func TestEnqueueAndPersist(t *testing.T) {
	store, backend := newTestStore(t)
	ctx := context.Background()

	stored, err := store.Enqueue(ctx, NewUpdate{EntityID: "c1", FieldName: "Receive", Value: models.BoolValue(true)})
	require.NoError(t, err)
	assert.NotEmpty(t, stored.ID)
	assert.NotZero(t, stored.EnqueuedAt)
	assert.Equal(t, 0, stored.RetryCount)

	// A fresh store over the same backend sees the persisted entry.
	reloaded, err := NewStore(ctx, backend, Limits{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	snap := reloaded.Snapshot()
	assert.Equal(t, "c1", snap.Updates[0].EntityID)
}

func TestEnqueueValidation(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, NewUpdate{FieldName: "Receive", Value: models.BoolValue(true)})
	assert.Error(t, err)

	_, err = store.Enqueue(ctx, NewUpdate{EntityID: "c1", Value: models.BoolValue(true)})
	assert.Error(t, err)

	_, err = store.Enqueue(ctx, NewUpdate{EntityID: "c1", FieldName: "Receive"})
	assert.Error(t, err)
}

func TestEnqueueDeduplicates(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, NewUpdate{EntityID: "c1", FieldName: "Install", Value: models.PercentValue(25)})
	require.NoError(t, err)

	second, err := store.Enqueue(ctx, NewUpdate{EntityID: "c1", FieldName: "Install", Value: models.PercentValue(80)})
	require.NoError(t, err)

	assert.Equal(t, 1, store.Len())
	assert.Equal(t, first.ID, second.ID, "duplicate enqueue keeps the entry id")
	assert.GreaterOrEqual(t, second.EnqueuedAt, first.EnqueuedAt)

	snap := store.Snapshot()
	p, ok := snap.Updates[0].Value.Percent()
	require.True(t, ok)
	assert.Equal(t, 80, p, "the second value wins")
}

func TestEnqueueCapacity(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		_, err := store.Enqueue(ctx, boolUpdate(fmt.Sprintf("c%d", i), "Receive"))
		require.NoError(t, err)
	}
	require.Equal(t, 50, store.Len())

	// The 51st distinct pair is rejected and the queue is unchanged.
	_, err := store.Enqueue(ctx, boolUpdate("c50", "Receive"))
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, 50, store.Len())

	// A duplicate of an existing pair still overwrites at capacity.
	_, err = store.Enqueue(ctx, NewUpdate{EntityID: "c0", FieldName: "Receive", Value: models.BoolValue(false)})
	assert.NoError(t, err)
	assert.Equal(t, 50, store.Len())
}

func TestIncrementRetryBound(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := store.Enqueue(ctx, boolUpdate("c1", "Receive"))
	require.NoError(t, err)

	for i := 1; i <= 3; i++ {
		moved, err := store.IncrementRetry(ctx, stored.ID, "boom")
		require.NoError(t, err)
		assert.False(t, moved, "failure %d keeps the entry queued", i)
		snap := store.Snapshot()
		assert.Equal(t, i, snap.Updates[0].RetryCount)
	}

	// The fourth failure moves the entry to the failed list.
	moved, err := store.IncrementRetry(ctx, stored.ID, "still down")
	require.NoError(t, err)
	assert.True(t, moved)

	snap := store.Snapshot()
	assert.Empty(t, snap.Updates)
	require.Len(t, snap.FailedUpdates, 1)
	assert.Equal(t, stored.ID, snap.FailedUpdates[0].ID)
	assert.Equal(t, 3, snap.FailedUpdates[0].RetryCount)
	assert.Equal(t, "still down", snap.FailedUpdates[0].ErrorMessage)
	assert.NotZero(t, snap.FailedUpdates[0].FailedAt)
}

func TestFailedUpdatesFIFOEviction(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	exhaust := func(entity string) {
		stored, err := store.Enqueue(ctx, boolUpdate(entity, "Receive"))
		require.NoError(t, err)
		for i := 0; i < 3; i++ {
			_, err := store.IncrementRetry(ctx, stored.ID, "boom")
			require.NoError(t, err)
		}
		moved, err := store.IncrementRetry(ctx, stored.ID, "boom")
		require.NoError(t, err)
		require.True(t, moved)
	}

	for i := 0; i < 11; i++ {
		exhaust(fmt.Sprintf("c%d", i))
	}

	snap := store.Snapshot()
	require.Len(t, snap.FailedUpdates, 10)
	assert.Equal(t, "c1", snap.FailedUpdates[0].EntityID, "oldest failed entry was evicted")
	assert.Equal(t, "c10", snap.FailedUpdates[9].EntityID)
}

func TestDequeue(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	stored, err := store.Enqueue(ctx, boolUpdate("c1", "Receive"))
	require.NoError(t, err)

	require.NoError(t, store.Dequeue(ctx, stored.ID, stored.EnqueuedAt))
	assert.Equal(t, 0, store.Len())

	// Dequeue of a missing id is idempotent.
	require.NoError(t, store.Dequeue(ctx, stored.ID, stored.EnqueuedAt))
}

func TestDequeueKeepsOverwrittenEntry(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, NewUpdate{EntityID: "c1", FieldName: "Install", Value: models.PercentValue(25)})
	require.NoError(t, err)

	// The pair is overwritten while the first value is being applied.
	second, err := store.Enqueue(ctx, NewUpdate{EntityID: "c1", FieldName: "Install", Value: models.PercentValue(80)})
	require.NoError(t, err)
	require.NotEqual(t, first.EnqueuedAt, second.EnqueuedAt, "overwrite must refresh the stamp")

	// A dequeue carrying the stale stamp leaves the newer value queued.
	require.NoError(t, store.Dequeue(ctx, first.ID, first.EnqueuedAt))
	require.Equal(t, 1, store.Len())
	p, ok := store.Snapshot().Updates[0].Value.Percent()
	require.True(t, ok)
	assert.Equal(t, 80, p)

	// The current stamp removes it.
	require.NoError(t, store.Dequeue(ctx, second.ID, second.EnqueuedAt))
	assert.Equal(t, 0, store.Len())
}

func TestStorageQuotaSurfacedAndRolledBack(t *testing.T) {
	backend := &rejectingStore{MemoryStore: storage.NewMemoryStore()}
	ctx := context.Background()

	store, err := NewStore(ctx, backend, Limits{}, testLogger())
	require.NoError(t, err)

	_, err = store.Enqueue(ctx, boolUpdate("c1", "Receive"))
	require.NoError(t, err)

	backend.reject = true
	_, err = store.Enqueue(ctx, boolUpdate("c2", "Receive"))
	assert.ErrorIs(t, err, ErrStorageQuota)

	// Memory did not advance past the durable state.
	assert.Equal(t, 1, store.Len())

	// The previously persisted queue is still readable and unchanged.
	backend.reject = false
	reloaded, err := NewStore(ctx, backend, Limits{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, 1, reloaded.Len())
	assert.Equal(t, "c1", reloaded.Snapshot().Updates[0].EntityID)
}

func TestCorruptStorageStartsEmpty(t *testing.T) {
	backend := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, backend.Save(ctx, []byte("{not json")))

	store, err := NewStore(ctx, backend, Limits{}, testLogger())
	require.NoError(t, err, "corruption must not be an error")
	assert.Equal(t, 0, store.Len())
	assert.Equal(t, models.SyncStatusIdle, store.Snapshot().SyncStatus)
}

func TestLoadResetsStaleSyncing(t *testing.T) {
	backend := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, backend.Save(ctx, []byte(`{"updates":[],"lastSyncAttempt":null,"syncStatus":"syncing","failedUpdates":[]}`)))

	store, err := NewStore(ctx, backend, Limits{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusIdle, store.Snapshot().SyncStatus)
}

func TestLoadKeepsErrorState(t *testing.T) {
	backend := storage.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, backend.Save(ctx, []byte(`{"updates":[],"lastSyncAttempt":null,"syncStatus":"error","failedUpdates":[]}`)))

	store, err := NewStore(ctx, backend, Limits{}, testLogger())
	require.NoError(t, err)
	assert.Equal(t, models.SyncStatusError, store.Snapshot().SyncStatus)
}

func TestOldestOrder(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	a, err := store.Enqueue(ctx, boolUpdate("c1", "Receive"))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, boolUpdate("c2", "Receive"))
	require.NoError(t, err)

	oldest, ok := store.Oldest()
	require.True(t, ok)
	assert.Equal(t, a.ID, oldest.ID)

	require.NoError(t, store.Dequeue(ctx, a.ID, a.EnqueuedAt))
	oldest, ok = store.Oldest()
	require.True(t, ok)
	assert.Equal(t, "c2", oldest.EntityID)
}

func TestMarkSyncStarted(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.MarkSyncStarted(ctx))
	snap := store.Snapshot()
	assert.Equal(t, models.SyncStatusSyncing, snap.SyncStatus)
	require.NotNil(t, snap.LastSyncAttempt)
	assert.NotZero(t, *snap.LastSyncAttempt)
}

func TestOnChange(t *testing.T) {
	store, _ := newTestStore(t)
	ctx := context.Background()

	var depths []int
	store.OnChange(func(q models.Queue) {
		depths = append(depths, len(q.Updates))
	})

	_, err := store.Enqueue(ctx, boolUpdate("c1", "Receive"))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, boolUpdate("c2", "Receive"))
	require.NoError(t, err)

	assert.Equal(t, []int{1, 2}, depths)
}

func TestIncrementRetryUnknownID(t *testing.T) {
	store, _ := newTestStore(t)

	moved, err := store.IncrementRetry(context.Background(), "missing", "boom")
	require.NoError(t, err)
	assert.False(t, moved)
}
