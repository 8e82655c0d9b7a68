package guard_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/robalyx/herald/internal/ephemeral"
	"github.com/robalyx/herald/internal/guard"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errStoreDown = errors.New("store down")

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingRecorder struct {
	metrics.Nop
	storm    atomic.Int64
	debounce atomic.Int64
	failOpen atomic.Int64
}

func (r *countingRecorder) IncSuppressed(reason string) {
	switch reason {
	case metrics.ReasonStorm:
		r.storm.Add(1)
	case metrics.ReasonDebounce:
		r.debounce.Add(1)
	}
}

func (r *countingRecorder) IncFailOpen() {
	r.failOpen.Add(1)
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) ([]byte, error) { return nil, errStoreDown }
func (failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return errStoreDown
}
func (failingStore) Incr(context.Context, string, time.Duration) (int64, error) {
	return 0, errStoreDown
}

func setupTest(t *testing.T, store ephemeral.Store) (*guard.Guard, *clock, *countingRecorder) {
	t.Helper()

	c := &clock{now: time.Unix(1_700_000_000, 0)}
	recorder := &countingRecorder{}

	g := guard.New(store, guard.Config{
		DebounceWindow: 5 * time.Second,
		StormThreshold: 100,
		Now:            c.Now,
	}, recorder, zaptest.NewLogger(t))

	return g, c, recorder
}

func TestEvaluateDebounce(t *testing.T) {
	t.Parallel()

	g, c, recorder := setupTest(t, ephemeral.NewMemory(0))
	ctx := t.Context()

	actions := []guard.Action{guard.ActionJoin, guard.ActionLeave, guard.ActionJoin, guard.ActionTimeout}

	publishes := 0
	for i, action := range actions {
		d, err := g.Evaluate(ctx, guard.Event{Action: action, UserID: "u1", ShardID: 1})
		require.NoError(t, err)

		if d.Publish {
			publishes++
			assert.Equal(t, 0, i, "only the opening event is publish-worthy")
		} else {
			assert.True(t, d.Debounced)
		}

		c.Advance(time.Second)
	}

	assert.Equal(t, 1, publishes)
	assert.Equal(t, int64(3), recorder.debounce.Load())

	// Each suppressed event extends the window
	c.Advance(3 * time.Second)
	d, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: "u1", ShardID: 1})
	require.NoError(t, err)
	assert.False(t, d.Publish)

	// A quiet window reopens publishing
	c.Advance(5 * time.Second)
	d, err = g.Evaluate(ctx, guard.Event{Action: guard.ActionLeave, UserID: "u1", ShardID: 1})
	require.NoError(t, err)
	assert.True(t, d.Publish)

	// Other users are independent
	d, err = g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: "u2", ShardID: 1})
	require.NoError(t, err)
	assert.True(t, d.Publish)
}

func TestEvaluateUnrecognizedAction(t *testing.T) {
	t.Parallel()

	store := ephemeral.NewMemory(0)
	g, c, _ := setupTest(t, store)
	ctx := t.Context()

	_, err := g.Evaluate(ctx, guard.Event{Action: "state-change", UserID: "u1", ShardID: 2})
	require.ErrorIs(t, err, guard.ErrUnrecognizedAction)

	// Neither counter was touched
	_, err = store.Get(ctx, fmt.Sprintf("storm:2:%d", c.Now().Unix()))
	require.ErrorIs(t, err, ephemeral.ErrNotFound)
	_, err = store.Get(ctx, "debounce:u1")
	require.ErrorIs(t, err, ephemeral.ErrNotFound)

	// The next real event is still the first of its window
	d, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: "u1", ShardID: 2})
	require.NoError(t, err)
	assert.True(t, d.Publish)
}

func TestEvaluateStorm(t *testing.T) {
	t.Parallel()

	g, _, recorder := setupTest(t, ephemeral.NewMemory(0))
	ctx := t.Context()

	publishes := 0
	for i := range 150 {
		d, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: fmt.Sprintf("user-%d", i), ShardID: 7})
		require.NoError(t, err)

		if i < 100 {
			assert.True(t, d.Publish, "event %d should publish", i+1)
		} else {
			assert.True(t, d.Storm, "event %d should be in storm", i+1)
			assert.False(t, d.Publish)
		}

		if d.Publish {
			publishes++
		}
	}

	assert.Equal(t, 100, publishes)
	assert.Equal(t, int64(50), recorder.storm.Load())

	// Other shards are unaffected
	d, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: "elsewhere", ShardID: 8})
	require.NoError(t, err)
	assert.True(t, d.Publish)
}

func TestEvaluateStormSlidingWindow(t *testing.T) {
	t.Parallel()

	g, c, _ := setupTest(t, ephemeral.NewMemory(0))
	ctx := t.Context()

	for i := range 80 {
		_, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: fmt.Sprintf("a-%d", i), ShardID: 1})
		require.NoError(t, err)
	}

	// Halfway into the next second the previous bucket still weighs 40
	c.Advance(1500 * time.Millisecond)

	for i := range 60 {
		d, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: fmt.Sprintf("b-%d", i), ShardID: 1})
		require.NoError(t, err)
		assert.False(t, d.Storm, "event %d", i+1)
	}

	d, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: "b-60", ShardID: 1})
	require.NoError(t, err)
	assert.True(t, d.Storm)
	assert.InDelta(t, 101.0, d.StormRate, 0.001)
}

func TestEvaluateFailOpen(t *testing.T) {
	t.Parallel()

	g, _, recorder := setupTest(t, failingStore{})
	ctx := t.Context()

	for range 3 {
		d, err := g.Evaluate(ctx, guard.Event{Action: guard.ActionLeave, UserID: "u1", ShardID: 0})
		require.NoError(t, err)
		assert.True(t, d.Publish)
		assert.True(t, d.FailOpen)
	}

	assert.Equal(t, int64(3), recorder.failOpen.Load())

	_, _, err := g.Settle(ctx, "u1")
	require.ErrorIs(t, err, errStoreDown)
}

func TestSettleAndPublishedState(t *testing.T) {
	t.Parallel()

	g, c, _ := setupTest(t, ephemeral.NewMemory(0))
	ctx := t.Context()

	// Unknown users are settled with no published state
	_, settled, err := g.Settle(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, settled)

	state, err := g.LastPublished(ctx, "u1")
	require.NoError(t, err)
	assert.Empty(t, state)

	start := c.Now()
	_, err = g.Evaluate(ctx, guard.Event{Action: guard.ActionJoin, UserID: "u1", ShardID: 0})
	require.NoError(t, err)

	quietAt, settled, err := g.Settle(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, settled)
	assert.Equal(t, start.Add(5*time.Second).UnixMilli(), quietAt.UnixMilli())

	c.Advance(5 * time.Second)
	_, settled, err = g.Settle(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, settled)

	require.NoError(t, g.MarkPublished(ctx, "u1", true))
	state, err = g.LastPublished(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, guard.StateOnline, state)

	// Marking keeps the window position
	quietAfterMark, _, err := g.Settle(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, quietAt.UnixMilli(), quietAfterMark.UnixMilli())
}
