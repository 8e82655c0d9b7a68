package ingest_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/broadcast/broadcasttest"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/ephemeral"
	"github.com/robalyx/herald/internal/friend"
	"github.com/robalyx/herald/internal/guard"
	"github.com/robalyx/herald/internal/ingest"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/internal/presence"
	"github.com/robalyx/herald/internal/shard"
	"github.com/robalyx/herald/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errStoreDown = errors.New("ephemeral store down")

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }

func (failingStore) Set(context.Context, string, []byte, time.Duration) error { return errStoreDown }

func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}

// expiringStore lets a test expire keys of an in-memory store early.
type expiringStore struct {
	ephemeral.Store

	mu      sync.Mutex
	expired map[string]bool
}

func newExpiringStore() *expiringStore {
	return &expiringStore{Store: ephemeral.NewMemory(0), expired: make(map[string]bool)}
}

func (s *expiringStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	gone := s.expired[key]
	s.mu.Unlock()

	if gone {
		return nil, ephemeral.ErrNotFound
	}
	return s.Store.Get(ctx, key)
}

func (s *expiringStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	delete(s.expired, key)
	s.mu.Unlock()

	return s.Store.Set(ctx, key, value, ttl)
}

func (s *expiringStore) expire(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.expired[key] = true
}

type testEnv struct {
	pipeline *ingest.Pipeline
	meta     *metadata.Memory
	presence *presence.Store
	bus      *broadcasttest.Bus
	reg      *prometheus.Registry
}

func setupTest(t *testing.T, store ephemeral.Store, cfg guard.Config) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	env := &testEnv{
		meta: metadata.NewMemory(),
		bus:  broadcasttest.New(),
		reg:  prometheus.NewRegistry(),
	}
	recorder := metrics.New(env.reg)

	env.presence = presence.NewStore(env.meta, shard.NewRegistry(4), 0, logger)
	g := guard.New(store, cfg, recorder, logger)
	n := notifier.New(env.bus, recorder, utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxRetries:      1,
	}, logger)

	env.pipeline = ingest.NewPipeline(env.presence, g, n, recorder, logger)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = env.pipeline.Stop(ctx)
	})

	return env
}

func (e *testEnv) counter(t *testing.T, name, label, value string) float64 {
	t.Helper()

	families, err := e.reg.Gather()
	require.NoError(t, err)

	total := 0.0
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			for _, pair := range m.GetLabel() {
				if pair.GetName() == label && pair.GetValue() == value {
					total += m.GetCounter().GetValue()
				}
			}
		}
	}

	return total
}

func decode(t *testing.T, payload []byte) notifier.Message {
	t.Helper()

	var msg notifier.Message
	require.NoError(t, sonic.Unmarshal(payload, &msg))
	return msg
}

func event(action guard.Action, userID string, ts int64) guard.Event {
	return guard.Event{Action: action, UserID: userID, ShardID: shard.For(userID, 4), Timestamp: ts}
}

func TestUnrecognizedActionIsIgnored(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{})
	ctx := t.Context()

	require.NoError(t, env.pipeline.Handle(ctx, event("wave", "alice", 1000)))

	_, err := env.presence.GetState(ctx, "alice")
	require.ErrorIs(t, err, types.ErrUserNotFound)
	assert.Zero(t, env.pipeline.Flusher().Pending())
	assert.InDelta(t, 1.0, env.counter(t, "herald_events_total", "outcome", metrics.OutcomeIgnored), 0)
}

func TestUnknownUserIsRegistered(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{})
	ctx := t.Context()

	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", 1000)))

	state, err := env.presence.GetState(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, state.Online)
	assert.Equal(t, shard.For("alice", 4), state.ShardID)
	assert.Equal(t, 1, env.pipeline.Flusher().Pending())
}

func TestStaleEventIsDiscarded(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{})
	ctx := t.Context()

	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", 2000)))
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionLeave, "alice", 1000)))

	state, err := env.presence.GetState(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, state.Online)
	assert.Equal(t, int64(2000), state.LastSeen)
	assert.InDelta(t, 1.0, env.counter(t, "herald_events_total", "outcome", metrics.OutcomeStale), 0)
}

func TestDebouncedBurstPublishesFinalState(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{DebounceWindow: 200 * time.Millisecond})
	ctx := t.Context()

	base := time.Now().UnixMilli()
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", base)))
	time.Sleep(80 * time.Millisecond)
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionLeave, "alice", base+80)))

	// Nothing is published while the window is active
	assert.Empty(t, env.bus.PublishedTo("status.alice"))

	require.Eventually(t, func() bool {
		return len(env.bus.PublishedTo("status.alice")) == 1
	}, 2*time.Second, 10*time.Millisecond)

	msg := decode(t, env.bus.PublishedTo("status.alice")[0])
	assert.Equal(t, notifier.TypeFriendOffline, msg.Type)
	assert.Equal(t, base+80, msg.LastSeen)

	time.Sleep(300 * time.Millisecond)
	assert.Len(t, env.bus.PublishedTo("status.alice"), 1)
	assert.Zero(t, env.pipeline.Flusher().Pending())
}

func TestWindowWithNoNetChangeIsSilent(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{DebounceWindow: 50 * time.Millisecond})
	ctx := t.Context()

	base := time.Now().UnixMilli()
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", base)))
	require.Eventually(t, func() bool {
		return len(env.bus.PublishedTo("status.alice")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionLeave, "alice", base+100)))
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", base+101)))

	require.Eventually(t, func() bool {
		return env.pipeline.Flusher().Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	assert.Len(t, env.bus.PublishedTo("status.alice"), 1, "online again is not re-announced")
}

func TestStormSuppressesButUpdatesState(t *testing.T) {
	t.Parallel()

	// A frozen guard clock keeps every event inside one storm bucket
	frozen := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{
		StormThreshold: 100,
		Now:            func() time.Time { return frozen },
	})
	ctx := t.Context()

	for i := range 150 {
		userID := fmt.Sprintf("user%03d", i)
		ev := guard.Event{Action: guard.ActionJoin, UserID: userID, ShardID: 0, Timestamp: 1000}
		require.NoError(t, env.pipeline.Handle(ctx, ev))
	}

	assert.Equal(t, 100, env.pipeline.Flusher().Pending())
	assert.InDelta(t, 50.0, env.counter(t, "herald_suppressed_total", "reason", metrics.ReasonStorm), 0)

	for i := range 150 {
		state, err := env.presence.GetState(ctx, fmt.Sprintf("user%03d", i))
		require.NoError(t, err)
		assert.True(t, state.Online)
	}
}

func TestFailOpenPublishesImmediately(t *testing.T) {
	t.Parallel()

	env := setupTest(t, failingStore{}, guard.Config{})
	ctx := t.Context()

	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", 1000)))
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionLeave, "alice", 1001)))

	payloads := env.bus.PublishedTo("status.alice")
	require.Len(t, payloads, 2)
	assert.Equal(t, notifier.TypeFriendOnline, decode(t, payloads[0]).Type)
	assert.Equal(t, notifier.TypeFriendOffline, decode(t, payloads[1]).Type)
	assert.Zero(t, env.pipeline.Flusher().Pending())
}

func TestFanOutIsOnePublish(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{DebounceWindow: 20 * time.Millisecond})
	ctx := t.Context()
	logger := zaptest.NewLogger(t)

	manager := friend.NewManager(env.meta, metadata.NewMemoryGroups(), env.presence, env.bus, nil,
		metrics.Nop{}, friend.Config{}, logger)

	_, err := env.presence.Register(ctx, "alice", "Alice", "https://cdn/alice.png")
	require.NoError(t, err)

	feeds := make([]*broadcast.Subscription, 0, 500)
	for i := range 500 {
		friendID := fmt.Sprintf("friend%03d", i)
		_, err := env.presence.Register(ctx, friendID, "", "")
		require.NoError(t, err)
		require.NoError(t, manager.Establish(ctx, "alice", friendID))

		feed := env.bus.Subscribe(broadcast.GroupName(friendID, 0))
		t.Cleanup(feed.Close)
		feeds = append(feeds, feed)
	}

	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", time.Now().UnixMilli())))

	require.Eventually(t, func() bool {
		return len(env.bus.PublishedTo("status.alice")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	for _, feed := range feeds {
		select {
		case msg := <-feed.C:
			got := decode(t, msg.Payload)
			assert.Equal(t, notifier.TypeFriendOnline, got.Type)
			assert.Equal(t, "Alice", got.DisplayName)
		case <-time.After(time.Second):
			t.Fatal("friend did not receive the notification")
		}
	}

	assert.Len(t, env.bus.Published(), 1, "the broker fans out a single publish")
}

func TestRepeatedStateAfterRecordExpiryIsSilent(t *testing.T) {
	t.Parallel()

	store := newExpiringStore()
	env := setupTest(t, store, guard.Config{DebounceWindow: 20 * time.Millisecond})
	ctx := t.Context()

	base := time.Now().UnixMilli()
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", base)))
	require.Eventually(t, func() bool {
		profile, err := env.presence.GetProfile(ctx, "alice")
		return err == nil && profile.LastPublished == guard.StateOnline
	}, 2*time.Second, 5*time.Millisecond)
	require.Len(t, env.bus.PublishedTo("status.alice"), 1)

	// The debounce record lapses while the user stays online
	store.expire("debounce:alice")
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", base+61000)))

	require.Eventually(t, func() bool {
		return env.pipeline.Flusher().Pending() == 0
	}, 2*time.Second, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)

	assert.Len(t, env.bus.PublishedTo("status.alice"), 1, "online is announced once")
}

func TestStopDeliversPendingNotifications(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{DebounceWindow: time.Hour})
	ctx := t.Context()

	base := time.Now().UnixMilli()
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", base)))
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "bob", base)))
	require.Equal(t, 2, env.pipeline.Flusher().Pending())
	assert.Empty(t, env.bus.Published())

	stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, env.pipeline.Stop(stopCtx))

	assert.Zero(t, env.pipeline.Flusher().Pending())
	for _, userID := range []string{"alice", "bob"} {
		payloads := env.bus.PublishedTo(broadcast.StatusChannel(userID))
		require.Len(t, payloads, 1)
		assert.Equal(t, notifier.TypeFriendOnline, decode(t, payloads[0]).Type)
	}

	// Events after Stop still commit state but arm nothing
	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionLeave, "carol", base)))
	assert.Zero(t, env.pipeline.Flusher().Pending())
}

func TestStopGivesUpWhenContextIsDone(t *testing.T) {
	t.Parallel()

	env := setupTest(t, ephemeral.NewMemory(0), guard.Config{DebounceWindow: time.Hour})
	ctx := t.Context()

	require.NoError(t, env.pipeline.Handle(ctx, event(guard.ActionJoin, "alice", time.Now().UnixMilli())))
	require.Equal(t, 1, env.pipeline.Flusher().Pending())

	stopCtx, cancel := context.WithCancel(ctx)
	cancel()

	require.ErrorIs(t, env.pipeline.Stop(stopCtx), context.Canceled)
	assert.Zero(t, env.pipeline.Flusher().Pending())
	assert.Empty(t, env.bus.PublishedTo("status.alice"))
}
