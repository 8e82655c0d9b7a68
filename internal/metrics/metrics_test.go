package metrics_test

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProvider(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	p := metrics.New(reg)

	p.IncEvent("join", metrics.OutcomeApplied)
	p.IncEvent("join", metrics.OutcomeApplied)
	p.IncSuppressed(metrics.ReasonStorm)
	p.IncFailOpen()
	p.IncPublish("friend.online")
	p.IncPublishFailure("friend.offline")
	p.ObservePublishDuration(10 * time.Millisecond)
	p.SetGlobalOnline(42, 97)
	p.IncRepair("membership")
	p.IncDropped()

	count, err := testutil.GatherAndCount(reg)
	require.NoError(t, err)
	assert.Equal(t, 10, count)

	families, err := reg.Gather()
	require.NoError(t, err)

	values := make(map[string]float64)
	for _, family := range families {
		for _, m := range family.GetMetric() {
			switch {
			case m.GetCounter() != nil:
				values[family.GetName()] += m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				values[family.GetName()] = m.GetGauge().GetValue()
			}
		}
	}

	assert.InDelta(t, 2.0, values["herald_events_total"], 0)
	assert.InDelta(t, 1.0, values["herald_publish_failures_total"], 0)
	assert.InDelta(t, 42.0, values["herald_global_online"], 0)
	assert.InDelta(t, 97.0, values["herald_global_shards_counted"], 0)
}

func TestNopSatisfiesRecorder(t *testing.T) {
	t.Parallel()

	var r metrics.Recorder = metrics.Nop{}
	r.IncEvent("leave", metrics.OutcomeStale)
	r.SetGlobalOnline(1, 1)
}
