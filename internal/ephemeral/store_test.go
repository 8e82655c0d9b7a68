package ephemeral_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/rueidis"
	"github.com/robalyx/herald/internal/ephemeral"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*ephemeral.Redis, *miniredis.Miniredis) {
	t.Helper()

	mr, err := miniredis.Run()
	require.NoError(t, err)

	client, err := rueidis.NewClient(rueidis.ClientOption{
		InitAddress:  []string{mr.Addr()},
		DisableCache: true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		client.Close()
		mr.Close()
	})

	return ephemeral.NewRedis(client, "test:"), mr
}

func TestStores(t *testing.T) {
	t.Parallel()

	stores := map[string]func(t *testing.T) ephemeral.Store{
		"redis": func(t *testing.T) ephemeral.Store {
			t.Helper()
			store, _ := setupRedis(t)
			return store
		},
		"memory": func(t *testing.T) ephemeral.Store {
			t.Helper()
			return ephemeral.NewMemory(0)
		},
	}

	for name, newStore := range stores {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			store := newStore(t)
			ctx := t.Context()

			// Missing keys report ErrNotFound
			_, err := store.Get(ctx, "missing")
			require.ErrorIs(t, err, ephemeral.ErrNotFound)

			// Values round trip
			require.NoError(t, store.Set(ctx, "k", []byte("v1"), time.Minute))
			value, err := store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v1"), value)

			// Overwrites replace the value
			require.NoError(t, store.Set(ctx, "k", []byte("v2"), time.Minute))
			value, err = store.Get(ctx, "k")
			require.NoError(t, err)
			assert.Equal(t, []byte("v2"), value)

			// Counters start at one and increase
			for want := int64(1); want <= 5; want++ {
				count, err := store.Incr(ctx, "counter", 2*time.Second)
				require.NoError(t, err)
				assert.Equal(t, want, count)
			}

			value, err = store.Get(ctx, "counter")
			require.NoError(t, err)
			assert.Equal(t, []byte("5"), value)
		})
	}
}

func TestRedisExpiry(t *testing.T) {
	t.Parallel()

	store, mr := setupRedis(t)
	ctx := t.Context()

	require.NoError(t, store.Set(ctx, "short", []byte("x"), 500*time.Millisecond))
	_, err := store.Incr(ctx, "window", time.Second)
	require.NoError(t, err)

	// Counter expiry is set once, on creation
	_, err = store.Incr(ctx, "window", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, time.Second, mr.TTL("test:window"))

	mr.FastForward(2 * time.Second)

	_, err = store.Get(ctx, "short")
	require.ErrorIs(t, err, ephemeral.ErrNotFound)

	count, err := store.Incr(ctx, "window", time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}

func TestRedisUnavailable(t *testing.T) {
	t.Parallel()

	store, mr := setupRedis(t)
	mr.Close()

	ctx, cancel := context.WithTimeout(t.Context(), time.Second)
	defer cancel()

	_, err := store.Get(ctx, "k")
	require.Error(t, err)
	require.NotErrorIs(t, err, ephemeral.ErrNotFound)

	require.Error(t, store.Set(ctx, "k", []byte("v"), time.Second))

	_, err = store.Incr(ctx, "c", time.Second)
	require.Error(t, err)
}
