package metadata_test

import (
	"fmt"
	"sync"
	"testing"

	"github.com/robalyx/herald/internal/metadata"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryGroupsAssign(t *testing.T) {
	t.Parallel()

	groups := metadata.NewMemoryGroups()
	ctx := t.Context()

	for i := range 4 {
		idx, created, err := groups.Assign(ctx, "alice", fmt.Sprintf("status.u%d", i), 2, 3)
		require.NoError(t, err)
		assert.True(t, created)
		assert.Equal(t, i/2, idx)
	}

	// Re-assigning keeps the existing placement
	idx, created, err := groups.Assign(ctx, "alice", "status.u3", 2, 3)
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, 1, idx)

	// Freed slots are reused before higher groups
	idx, released, err := groups.Release(ctx, "alice", "status.u0")
	require.NoError(t, err)
	assert.True(t, released)
	assert.Equal(t, 0, idx)

	idx, _, err = groups.Assign(ctx, "alice", "status.u4", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, idx)

	idx, _, err = groups.Assign(ctx, "alice", "status.u5", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	idx, _, err = groups.Assign(ctx, "alice", "status.u6", 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 2, idx)

	_, _, err = groups.Assign(ctx, "alice", "status.u7", 2, 3)
	require.ErrorIs(t, err, metadata.ErrGroupsFull)

	_, released, err = groups.Release(ctx, "alice", "status.unknown")
	require.NoError(t, err)
	assert.False(t, released)

	count, err := groups.Count(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, 6, count)

	channels, err := groups.Channels(ctx, "alice")
	require.NoError(t, err)

	folded := metadata.Groups("alice", channels)
	require.Len(t, folded, 3)
	assert.Equal(t, []string{"status.u1", "status.u4"}, folded[0].MemberChannels)
	assert.Equal(t, 2, folded[2].GroupIndex)
}

func TestMemoryGroupsConcurrentAssign(t *testing.T) {
	t.Parallel()

	groups := metadata.NewMemoryGroups()
	ctx := t.Context()

	var wg sync.WaitGroup
	for i := range 100 {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _, err := groups.Assign(ctx, "alice", fmt.Sprintf("status.u%d", i), 10, 10)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	channels, err := groups.Channels(ctx, "alice")
	require.NoError(t, err)

	for _, g := range metadata.Groups("alice", channels) {
		assert.Len(t, g.MemberChannels, 10, "group %d", g.GroupIndex)
	}
}

func TestPickGroup(t *testing.T) {
	t.Parallel()

	idx, ok := metadata.PickGroup(map[int]int{0: 2000}, 2000, 10)
	assert.True(t, ok)
	assert.Equal(t, 1, idx)

	idx, ok = metadata.PickGroup(map[int]int{0: 1999, 1: 5}, 2000, 10)
	assert.True(t, ok)
	assert.Equal(t, 0, idx)

	_, ok = metadata.PickGroup(map[int]int{0: 1, 1: 1}, 1, 2)
	assert.False(t, ok)
}
