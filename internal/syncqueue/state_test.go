package syncqueue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pitabwire/afya/model"
)

func testRecord(id string) model.SyncRecord {
	return model.SyncRecord{
		InstanceID:     id,
		TriagePriority: model.PriorityRed,
		CompletedAt:    time.Date(2026, 8, 1, 9, 0, 0, 0, time.UTC),
		Attempts:       2,
		LastError:      "connection refused",
	}
}

func stateStores(t *testing.T) map[string]SyncStateStore {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	return map[string]SyncStateStore{
		"memory": NewMemorySyncStateStore(),
		"redis":  NewRedisSyncStateStore(client),
	}
}

func TestSyncStateStore_round_trip(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			_, found, err := store.Get(ctx, "missing")
			require.NoError(t, err)
			assert.False(t, found)

			rec := testRecord("a")
			require.NoError(t, store.Save(ctx, rec))

			got, found, err := store.Get(ctx, "a")
			require.NoError(t, err)
			require.True(t, found)
			assert.Equal(t, rec.TriagePriority, got.TriagePriority)
			assert.Equal(t, rec.Attempts, got.Attempts)
			assert.Equal(t, rec.LastError, got.LastError)
			assert.True(t, rec.CompletedAt.Equal(got.CompletedAt))
		})
	}
}

func TestSyncStateStore_save_overwrites(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := testRecord("a")
			require.NoError(t, store.Save(ctx, rec))

			rec.Attempts = 5
			rec.LastError = "timeout"
			require.NoError(t, store.Save(ctx, rec))

			got, _, err := store.Get(ctx, "a")
			require.NoError(t, err)
			assert.Equal(t, 5, got.Attempts)
			assert.Equal(t, "timeout", got.LastError)
		})
	}
}

func TestSyncStateStore_remove_and_list(t *testing.T) {
	for name, store := range stateStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Save(ctx, testRecord("a")))
			require.NoError(t, store.Save(ctx, testRecord("b")))

			recs, err := store.List(ctx)
			require.NoError(t, err)
			assert.Len(t, recs, 2)

			require.NoError(t, store.Remove(ctx, "a"))
			recs, err = store.List(ctx)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "b", recs[0].InstanceID)

			// Removing an absent record is not an error.
			require.NoError(t, store.Remove(ctx, "ghost"))
		})
	}
}
