package aggregator_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robalyx/herald/internal/aggregator"
	"github.com/robalyx/herald/internal/broadcast/broadcasttest"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/internal/shard"
	"github.com/robalyx/herald/pkg/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var errShardDown = errors.New("shard unavailable")

func setupTest(t *testing.T, shards int) (*aggregator.Aggregator, *broadcasttest.Bus, *prometheus.Registry) {
	t.Helper()

	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	recorder := metrics.New(reg)
	bus := broadcasttest.New()

	n := notifier.New(bus, recorder, utils.RetryOptions{
		MaxElapsedTime:  time.Second,
		InitialInterval: time.Millisecond,
		MaxInterval:     time.Millisecond,
		MaxRetries:      1,
	}, logger)

	agg := aggregator.New(bus, shard.NewRegistry(shards), n, recorder, aggregator.Config{
		QueryTimeout: 100 * time.Millisecond,
	}, logger)

	return agg, bus, reg
}

func gaugeValue(t *testing.T, reg *prometheus.Registry, name string) float64 {
	t.Helper()

	families, err := reg.Gather()
	require.NoError(t, err)

	for _, family := range families {
		if family.GetName() == name {
			return family.GetMetric()[0].GetGauge().GetValue()
		}
	}

	t.Fatalf("metric %s not found", name)
	return 0
}

func TestTickExcludesFailedShards(t *testing.T) {
	t.Parallel()

	agg, bus, reg := setupTest(t, 100)
	for id := range 100 {
		bus.SetOccupancy(shard.Channel(id), 10)
	}
	for _, id := range []int{7, 42, 99} {
		bus.FailOccupancy(shard.Channel(id), errShardDown)
	}

	summary := agg.Tick(t.Context(), time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	assert.Equal(t, 97, summary.ShardsCounted)
	assert.Equal(t, 100, summary.ShardCount)
	assert.Equal(t, 970, summary.Total)
	assert.Zero(t, summary.Delta, "first sample has no delta")
	assert.Equal(t, 970, summary.Peak)
	assert.Equal(t, "2026-03-01", summary.PeakDay)

	assert.InDelta(t, 970.0, gaugeValue(t, reg, "herald_global_online"), 0)
	assert.InDelta(t, 97.0, gaugeValue(t, reg, "herald_global_shards_counted"), 0)

	payloads := bus.PublishedTo(aggregator.DefaultGlobalChannel)
	require.Len(t, payloads, 1)

	var published notifier.GlobalSummary
	require.NoError(t, sonic.Unmarshal(payloads[0], &published))
	assert.Equal(t, notifier.TypeGlobalSummary, published.Type)
	assert.Equal(t, 97, published.ShardsCounted)
}

func TestTickDeltaAndPeak(t *testing.T) {
	t.Parallel()

	agg, bus, _ := setupTest(t, 2)
	day := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)

	bus.SetOccupancy(shard.Channel(0), 50)
	bus.SetOccupancy(shard.Channel(1), 50)
	agg.Tick(t.Context(), day)

	bus.SetOccupancy(shard.Channel(1), 20)
	summary := agg.Tick(t.Context(), day.Add(10*time.Second))
	assert.Equal(t, 70, summary.Total)
	assert.Equal(t, -30, summary.Delta)
	assert.Equal(t, 100, summary.Peak)

	// The peak resets at the UTC day boundary
	summary = agg.Tick(t.Context(), day.Add(2*time.Minute))
	assert.Equal(t, 70, summary.Peak)
	assert.Equal(t, "2026-03-02", summary.PeakDay)
	assert.Zero(t, summary.Delta)
}

func TestTickSurvivesPublishFailure(t *testing.T) {
	t.Parallel()

	agg, bus, reg := setupTest(t, 1)
	bus.SetOccupancy(shard.Channel(0), 3)
	bus.FailPublishes(5)

	summary := agg.Tick(t.Context(), time.Now())
	assert.Equal(t, 3, summary.Total)
	assert.Empty(t, bus.PublishedTo(aggregator.DefaultGlobalChannel))

	count, err := testutil.GatherAndCount(reg, "herald_publish_failures_total")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	bus.FailPublishes(0)
	agg.Tick(t.Context(), time.Now())
	assert.Len(t, bus.PublishedTo(aggregator.DefaultGlobalChannel), 1)
}

func TestStartStopsOnCancel(t *testing.T) {
	t.Parallel()

	logger := zaptest.NewLogger(t)
	bus := broadcasttest.New()
	n := notifier.New(bus, metrics.Nop{}, utils.GetPublishRetryOptions(), logger)
	agg := aggregator.New(bus, shard.NewRegistry(4), n, metrics.Nop{}, aggregator.Config{
		Interval: 5 * time.Millisecond,
	}, logger)

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		agg.Start(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		return len(bus.PublishedTo(aggregator.DefaultGlobalChannel)) >= 2
	}, time.Second, 5*time.Millisecond)

	cancel()
	<-done
}
