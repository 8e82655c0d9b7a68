package notifier_test

import (
	"strings"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robalyx/herald/internal/broadcast/broadcasttest"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func testRetry() utils.RetryOptions {
	return utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      2,
	}
}

func setupTest(t *testing.T) (*notifier.Notifier, *broadcasttest.Bus, *prometheus.Registry) {
	t.Helper()

	reg := prometheus.NewRegistry()
	bus := broadcasttest.New()
	n := notifier.New(bus, metrics.New(reg), testRetry(), zaptest.NewLogger(t))

	return n, bus, reg
}

func decode(t *testing.T, payload []byte) notifier.Message {
	t.Helper()

	var msg notifier.Message
	require.NoError(t, sonic.Unmarshal(payload, &msg))
	return msg
}

func TestNotifyTransition(t *testing.T) {
	t.Parallel()

	n, bus, _ := setupTest(t)
	ctx := t.Context()

	profile := &types.UserProfile{UserID: "alice", DisplayName: "Alice", AvatarURL: "https://cdn/a.png"}

	online := types.UserPresence{UserID: "alice", Online: true, LastSeen: 1000, LastOnline: 1000}
	require.NoError(t, n.NotifyTransition(ctx, online, profile))

	offline := types.UserPresence{UserID: "alice", Online: false, LastSeen: 5000, LastOnline: 1000, LastOffline: 5000}
	require.NoError(t, n.NotifyTransition(ctx, offline, profile))

	payloads := bus.PublishedTo("status.alice")
	require.Len(t, payloads, 2)

	msg := decode(t, payloads[0])
	assert.Equal(t, notifier.TypeFriendOnline, msg.Type)
	assert.Equal(t, "Alice", msg.DisplayName)
	assert.Equal(t, "https://cdn/a.png", msg.AvatarURL)
	assert.Equal(t, int64(1000), msg.Timestamp)
	assert.True(t, strings.HasPrefix(msg.EventID, "alice-1000-"))

	msg = decode(t, payloads[1])
	assert.Equal(t, notifier.TypeFriendOffline, msg.Type)
	assert.Equal(t, int64(5000), msg.LastSeen)
	assert.Empty(t, msg.DisplayName)
}

func TestEventIDsAreUnique(t *testing.T) {
	t.Parallel()

	seen := make(map[string]struct{})
	for range 1000 {
		id := notifier.NewEventID("alice", 1000)
		_, dup := seen[id]
		require.False(t, dup)
		seen[id] = struct{}{}
	}
}

func TestFriendNotices(t *testing.T) {
	t.Parallel()

	n, bus, _ := setupTest(t)
	ctx := t.Context()

	require.NoError(t, n.NotifyFriendAdded(ctx, "alice", &types.UserProfile{UserID: "bob", DisplayName: "Bob"}))
	require.NoError(t, n.NotifyFriendRemoved(ctx, "alice", "bob"))

	payloads := bus.PublishedTo("status.alice")
	require.Len(t, payloads, 2)

	added := decode(t, payloads[0])
	assert.Equal(t, notifier.TypeFriendAdded, added.Type)
	assert.Equal(t, "bob", added.FriendID)
	assert.Equal(t, "Bob", added.DisplayName)

	removed := decode(t, payloads[1])
	assert.Equal(t, notifier.TypeFriendRemoved, removed.Type)
	assert.Equal(t, "bob", removed.FriendID)
}

func TestPublishRetries(t *testing.T) {
	t.Parallel()

	t.Run("transient failure is retried", func(t *testing.T) {
		t.Parallel()

		n, bus, reg := setupTest(t)
		bus.FailPublishes(2)

		presence := types.UserPresence{UserID: "bob", Online: true, LastSeen: 1, LastOnline: 1}
		require.NoError(t, n.NotifyTransition(t.Context(), presence, nil))
		assert.Len(t, bus.PublishedTo("status.bob"), 1)

		count, err := testutil.GatherAndCount(reg, "herald_publish_failures_total")
		require.NoError(t, err)
		assert.Zero(t, count)
	})

	t.Run("exhausted retries are counted", func(t *testing.T) {
		t.Parallel()

		n, bus, reg := setupTest(t)
		bus.FailPublishes(10)

		presence := types.UserPresence{UserID: "bob", Online: false, LastSeen: 1, LastOffline: 1}
		err := n.NotifyTransition(t.Context(), presence, nil)
		require.ErrorIs(t, err, broadcasttest.ErrInjected)
		assert.Empty(t, bus.PublishedTo("status.bob"))

		count, err := testutil.GatherAndCount(reg, "herald_publish_failures_total")
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})
}
