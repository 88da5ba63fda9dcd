//go:build integration

package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// newTestStore starts a disposable Postgres container and returns a
// GORMStore connected to it, with AutoMigrate already applied.
func newTestStore(t *testing.T) *GORMStore {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("dms_test"),
		postgres.WithUsername("dms_test"),
		postgres.WithPassword("dms_test"),
		testcontainers.WithWaitStrategyAndDeadline(2*time.Minute,
			wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432")
	require.NoError(t, err)

	store, err := New(&Config{
		Host:     host,
		Port:     port.Int(),
		Database: "dms_test",
		User:     "dms_test",
		Password: "dms_test",
	})
	require.NoError(t, err)
	return store
}

func TestUpsertPendingCreatesThenReuses(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}

	id1, err := store.UpsertPending(ctx, key, `{"job_id":1001}`)
	require.NoError(t, err)
	assert.NotZero(t, id1)

	id2, err := store.UpsertPending(ctx, key, `{"job_id":1001,"retry":true}`)
	require.NoError(t, err)
	assert.Equal(t, id1, id2)

	entry, err := store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, entry.StatusLast)
	assert.Equal(t, `{"job_id":1001,"retry":true}`, entry.RequestBlob)
}

func TestMarkSuccessThenCountActive(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}

	_, err := store.UpsertPending(ctx, key, `{}`)
	require.NoError(t, err)

	require.NoError(t, store.MarkSuccess(ctx, key, "/m/A", `{"status":"success"}`, true))

	count, err := store.CountActive(ctx, "tgt-A", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)

	entry, err := store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.True(t, entry.Mounted)
	require.NotNil(t, entry.MountPath)
	assert.Equal(t, "/m/A", *entry.MountPath)
}

func TestMarkErrorLeavesMountedUnchanged(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}

	_, err := store.UpsertPending(ctx, key, `{}`)
	require.NoError(t, err)
	require.NoError(t, store.MarkError(ctx, key, "broker unreachable", `{}`))

	entry, err := store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, entry.Mounted)
	assert.Equal(t, StatusError, entry.StatusLast)
	assert.Equal(t, "broker unreachable", entry.ErrorMsg)
}

func TestSharedMountReferenceCounting(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, jobID := range []int64{1001, 1002, 1003} {
		key := Key{JobID: jobID, BackupTargetID: "tgt-A", Host: "h1"}
		_, err := store.UpsertPending(ctx, key, `{}`)
		require.NoError(t, err)
		require.NoError(t, store.MarkSuccess(ctx, key, "/m/A", `{}`, true))
	}

	count, err := store.CountActive(ctx, "tgt-A", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), count)

	key1001 := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}
	require.NoError(t, store.MarkSuccess(ctx, key1001, "", `{}`, false))

	count, err = store.CountActive(ctx, "tgt-A", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)
}

func TestSoftDeleteExcludesFromCountAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}

	_, err := store.UpsertPending(ctx, key, `{}`)
	require.NoError(t, err)
	require.NoError(t, store.MarkSuccess(ctx, key, "/m/A", `{}`, true))

	ok, err := store.SoftDelete(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = store.GetByKey(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)

	count, err := store.CountActive(ctx, "tgt-A", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)

	history, err := store.HistoryByTarget(ctx, "tgt-A", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Deleted)
}

func TestListActiveFiltersByHostAndTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	keyA := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}
	keyB := Key{JobID: 1002, BackupTargetID: "tgt-B", Host: "h2"}
	for _, k := range []Key{keyA, keyB} {
		_, err := store.UpsertPending(ctx, k, `{}`)
		require.NoError(t, err)
		require.NoError(t, store.MarkSuccess(ctx, k, "/m", `{}`, true))
	}

	entries, err := store.ListActive(ctx, "h1", "")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "tgt-A", entries[0].BackupTargetID)
}

func TestListLiveForHostIncludesUnmountedRows(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mounted := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}
	pending := Key{JobID: 1002, BackupTargetID: "tgt-B", Host: "h1"}
	otherHost := Key{JobID: 1003, BackupTargetID: "tgt-C", Host: "h2"}

	_, err := store.UpsertPending(ctx, mounted, `{}`)
	require.NoError(t, err)
	require.NoError(t, store.MarkSuccess(ctx, mounted, "/m/A", `{}`, true))

	_, err = store.UpsertPending(ctx, pending, `{}`)
	require.NoError(t, err)

	_, err = store.UpsertPending(ctx, otherHost, `{}`)
	require.NoError(t, err)

	entries, err := store.ListLiveForHost(ctx, "h1")
	require.NoError(t, err)
	require.Len(t, entries, 2)

	seen := map[string]bool{}
	for _, e := range entries {
		seen[e.BackupTargetID] = true
	}
	assert.True(t, seen["tgt-A"])
	assert.True(t, seen["tgt-B"])
}

func TestSetMountedForTargetUpdatesEveryRowForTarget(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	for _, jobID := range []int64{1001, 1002} {
		key := Key{JobID: jobID, BackupTargetID: "tgt-A", Host: "h1"}
		_, err := store.UpsertPending(ctx, key, `{}`)
		require.NoError(t, err)
		require.NoError(t, store.MarkSuccess(ctx, key, "/m/A", `{}`, true))
	}

	n, err := store.SetMountedForTarget(ctx, "tgt-A", "h1", false)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	count, err := store.CountActive(ctx, "tgt-A", "h1")
	require.NoError(t, err)
	assert.Equal(t, int64(0), count)
}

func TestUpsertPendingAfterSoftDeleteCreatesNewRow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	key := Key{JobID: 1001, BackupTargetID: "tgt-A", Host: "h1"}

	_, err := store.UpsertPending(ctx, key, `{}`)
	require.NoError(t, err)
	ok, err := store.SoftDelete(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)

	id, err := store.UpsertPending(ctx, key, `{"second":true}`)
	require.NoError(t, err)
	assert.NotZero(t, id)

	entry, err := store.GetByKey(ctx, key)
	require.NoError(t, err)
	assert.False(t, entry.Deleted)
	assert.Equal(t, `{"second":true}`, entry.RequestBlob)
}
