package friend_test

import (
	"fmt"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/broadcast/broadcasttest"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/friend"
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

type testEnv struct {
	manager  *friend.Manager
	meta     *metadata.Memory
	groups   *metadata.MemoryGroups
	presence *presence.Store
	bus      *broadcasttest.Bus
}

func testRetry() utils.RetryOptions {
	return utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     2 * time.Millisecond,
		MaxRetries:      1,
	}
}

func setupTest(t *testing.T, perGroup, maxGroups int, users ...string) *testEnv {
	t.Helper()

	logger := zaptest.NewLogger(t)
	env := &testEnv{
		meta:   metadata.NewMemory(),
		groups: metadata.NewMemoryGroups(),
		bus:    broadcasttest.New(),
	}
	env.presence = presence.NewStore(env.meta, shard.NewRegistry(8), 0, logger)

	n := notifier.New(env.bus, metrics.Nop{}, testRetry(), logger)
	env.manager = friend.NewManager(env.meta, env.groups, env.presence, env.bus, n, metrics.Nop{}, friend.Config{
		MaxChannelsPerGroup:    perGroup,
		MaxGroupsPerSubscriber: maxGroups,
		Retry:                  testRetry(),
	}, logger)

	for _, user := range users {
		_, err := env.presence.Register(t.Context(), user, user+" name", "")
		require.NoError(t, err)
	}

	return env
}

func (e *testEnv) friendCount(t *testing.T, userID string) int {
	t.Helper()

	state, err := e.presence.GetState(t.Context(), userID)
	require.NoError(t, err)
	return state.FriendCount
}

func (e *testEnv) brokerGroup(t *testing.T, owner string, idx int) []string {
	t.Helper()

	channels, err := e.bus.ListGroupChannels(t.Context(), broadcast.GroupName(owner, idx))
	require.NoError(t, err)
	return channels
}

func TestEstablish(t *testing.T) {
	t.Parallel()

	env := setupTest(t, 0, 0, "alice", "bob")
	ctx := t.Context()

	require.ErrorIs(t, env.manager.Establish(ctx, "alice", "alice"), friend.ErrSelfFriendship)
	require.ErrorIs(t, env.manager.Establish(ctx, "alice", "ghost"), types.ErrUserNotFound)

	require.NoError(t, env.manager.Establish(ctx, "alice", "bob"))

	ab, err := env.meta.GetMember(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.True(t, ab.Accepted())

	ba, err := env.meta.GetMember(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.True(t, ba.Accepted())

	assert.Equal(t, []string{"status.bob"}, env.brokerGroup(t, "alice", 0))
	assert.Equal(t, []string{"status.alice"}, env.brokerGroup(t, "bob", 0))
	assert.Equal(t, 1, env.friendCount(t, "alice"))
	assert.Equal(t, 1, env.friendCount(t, "bob"))

	notices := env.bus.PublishedTo("status.alice")
	require.Len(t, notices, 1)

	var msg notifier.Message
	require.NoError(t, sonic.Unmarshal(notices[0], &msg))
	assert.Equal(t, notifier.TypeFriendAdded, msg.Type)
	assert.Equal(t, "bob", msg.FriendID)
	assert.Equal(t, "bob name", msg.DisplayName)

	// Establishing again changes nothing
	require.NoError(t, env.manager.Establish(ctx, "bob", "alice"))
	assert.Equal(t, 1, env.friendCount(t, "alice"))
	assert.Len(t, env.bus.PublishedTo("status.alice"), 1)

	groups, err := env.manager.Groups(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, groups, 1)
	assert.Equal(t, []string{"status.bob"}, groups[0].MemberChannels)
}

func TestEstablishDelivers(t *testing.T) {
	t.Parallel()

	env := setupTest(t, 0, 0, "alice", "bob")
	ctx := t.Context()

	require.NoError(t, env.manager.Establish(ctx, "alice", "bob"))

	feed := env.bus.Subscribe(broadcast.GroupName("alice", 0))
	defer feed.Close()

	require.NoError(t, env.bus.Publish(ctx, broadcast.StatusChannel("bob"), []byte("online")))

	msg := <-feed.C
	assert.Equal(t, "status.bob", msg.Channel)
	assert.Equal(t, []byte("online"), msg.Payload)
}

func TestRemoveRoundTrip(t *testing.T) {
	t.Parallel()

	env := setupTest(t, 0, 0, "alice", "bob")
	ctx := t.Context()

	// Removing a friendship that does not exist is a no-op
	require.NoError(t, env.manager.Remove(ctx, "alice", "bob"))
	require.ErrorIs(t, env.manager.Remove(ctx, "bob", "bob"), friend.ErrSelfFriendship)

	require.NoError(t, env.manager.Establish(ctx, "alice", "bob"))
	require.NoError(t, env.manager.Remove(ctx, "bob", "alice"))

	_, err := env.meta.GetMember(ctx, "alice", "bob")
	require.ErrorIs(t, err, metadata.ErrNotFound)
	_, err = env.meta.GetMember(ctx, "bob", "alice")
	require.ErrorIs(t, err, metadata.ErrNotFound)

	assert.Empty(t, env.brokerGroup(t, "alice", 0))
	assert.Empty(t, env.brokerGroup(t, "bob", 0))
	assert.Zero(t, env.friendCount(t, "alice"))
	assert.Zero(t, env.friendCount(t, "bob"))

	groups, err := env.manager.Groups(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, groups)

	var msg notifier.Message
	notices := env.bus.PublishedTo("status.bob")
	require.Len(t, notices, 2)
	require.NoError(t, sonic.Unmarshal(notices[1], &msg))
	assert.Equal(t, notifier.TypeFriendRemoved, msg.Type)
	assert.Equal(t, "alice", msg.FriendID)

	require.NoError(t, env.manager.Remove(ctx, "alice", "bob"))
}

func TestGroupBoundary(t *testing.T) {
	t.Parallel()

	env := setupTest(t, 0, 0, "alice")
	ctx := t.Context()

	for i := range friend.DefaultMaxChannelsPerGroup + 1 {
		userID := fmt.Sprintf("user%04d", i)
		_, err := env.presence.Register(ctx, userID, "", "")
		require.NoError(t, err)
		require.NoError(t, env.manager.Establish(ctx, "alice", userID))
	}

	groups, err := env.manager.Groups(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, groups, 2)
	assert.Len(t, groups[0].MemberChannels, friend.DefaultMaxChannelsPerGroup)
	assert.Equal(t, []string{"status.user2000"}, groups[1].MemberChannels)
	assert.Equal(t, []string{"status.user2000"}, env.brokerGroup(t, "alice", 1))
	assert.Equal(t, friend.DefaultMaxChannelsPerGroup+1, env.friendCount(t, "alice"))
}

func TestCapacityExceeded(t *testing.T) {
	t.Parallel()

	env := setupTest(t, 2, 2, "alice", "u0", "u1", "u2", "u3", "u4")
	ctx := t.Context()

	for i := range 4 {
		require.NoError(t, env.manager.Establish(ctx, "alice", fmt.Sprintf("u%d", i)))
	}
	assert.Equal(t, 4, env.manager.Capacity())

	err := env.manager.Establish(ctx, "alice", "u4")
	require.ErrorIs(t, err, friend.ErrCapacityExceeded)
	require.NotErrorIs(t, err, friend.ErrPartialFailure)

	// The full side is checked regardless of argument order
	require.ErrorIs(t, env.manager.Establish(ctx, "u4", "alice"), friend.ErrCapacityExceeded)

	_, err = env.meta.GetMember(ctx, "u4", "alice")
	require.ErrorIs(t, err, metadata.ErrNotFound)
	assert.Zero(t, env.friendCount(t, "u4"))

	// An existing friendship is not blocked by a full list
	require.NoError(t, env.manager.Establish(ctx, "u0", "alice"))
}

func TestPartialFailureIsRepaired(t *testing.T) {
	t.Parallel()

	env := setupTest(t, 0, 0, "alice", "bob")
	ctx := t.Context()

	env.bus.FailAdds(10)
	err := env.manager.Establish(ctx, "alice", "bob")
	require.ErrorIs(t, err, friend.ErrPartialFailure)
	require.ErrorIs(t, err, broadcasttest.ErrInjected)
	assert.Empty(t, env.brokerGroup(t, "alice", 0))

	env.bus.FailAdds(0)
	report, err := env.manager.ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, report.Repairs[friend.RepairBrokerAdd])
	assert.Equal(t, 1, report.Repairs[friend.RepairCount])
	assert.Equal(t, []string{"status.bob"}, env.brokerGroup(t, "alice", 0))
	assert.Equal(t, 1, env.friendCount(t, "alice"))

	report, err = env.manager.ReconcileUser(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"status.alice"}, env.brokerGroup(t, "bob", 0))
	assert.Equal(t, 1, env.friendCount(t, "bob"))

	// A clean user needs no repairs
	report, err = env.manager.ReconcileUser(ctx, "alice")
	require.NoError(t, err)
	assert.Zero(t, report.Total())
}
