package aggregator

import (
	"context"
	"sync"
	"time"

	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/internal/shard"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	// DefaultInterval is the time between two samples.
	DefaultInterval = 10 * time.Second
	// DefaultQueryTimeout bounds each shard occupancy query.
	DefaultQueryTimeout = 2 * time.Second
	// DefaultGlobalChannel receives the published summaries.
	DefaultGlobalChannel = "presence.global"
	// DefaultConcurrency caps parallel occupancy queries.
	DefaultConcurrency = 32

	dayLayout = "2006-01-02"
)

// Config holds the aggregator's tunables.
type Config struct {
	Interval      time.Duration
	QueryTimeout  time.Duration
	GlobalChannel string
	Concurrency   int
}

// Aggregator periodically sums shard occupancy into a platform-wide online count.
// The count is approximate and never derived from per-user state.
type Aggregator struct {
	bus      broadcast.Broadcaster
	registry *shard.Registry
	notifier *notifier.Notifier
	recorder metrics.Recorder
	logger   *zap.Logger
	cfg      Config

	sampled   bool
	lastTotal int
	peak      int
	peakDay   string
	mu        sync.Mutex
}

// New creates an aggregator.
func New(
	bus broadcast.Broadcaster, registry *shard.Registry, n *notifier.Notifier,
	recorder metrics.Recorder, cfg Config, logger *zap.Logger,
) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}

	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}

	if cfg.GlobalChannel == "" {
		cfg.GlobalChannel = DefaultGlobalChannel
	}

	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}

	return &Aggregator{
		bus:      bus,
		registry: registry,
		notifier: n,
		recorder: recorder,
		logger:   logger.Named("aggregator"),
		cfg:      cfg,
	}
}

// Start samples on every interval until ctx is cancelled.
func (a *Aggregator) Start(ctx context.Context) {
	a.logger.Info("Aggregator started",
		zap.Duration("interval", a.cfg.Interval),
		zap.Int("shards", a.registry.Count()))

	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("Aggregator stopped")
			return
		case now := <-ticker.C:
			a.Tick(ctx, now)
		}
	}
}

// Tick runs one sample and publishes the summary. Publish failures are
// logged and counted by the notifier; the summary is returned regardless.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) *notifier.GlobalSummary {
	total, counted := a.sample(ctx)
	summary := a.record(now, total, counted)

	a.recorder.SetGlobalOnline(total, counted)

	if counted < a.registry.Count() {
		a.logger.Warn("Some shards did not answer occupancy queries",
			zap.Int("counted", counted),
			zap.Int("shards", a.registry.Count()))
	}

	if err := a.notifier.PublishSummary(ctx, a.cfg.GlobalChannel, summary); err != nil {
		a.logger.Error("Failed to publish global summary", zap.Error(err))
	}

	return summary
}

// sample sums occupancy across shards, skipping shards whose query failed.
func (a *Aggregator) sample(ctx context.Context) (int, int) {
	var (
		p       = pool.New().WithMaxGoroutines(a.cfg.Concurrency)
		mu      sync.Mutex
		total   int
		counted int
	)

	for _, shardID := range a.registry.All() {
		p.Go(func() {
			queryCtx, cancel := context.WithTimeout(ctx, a.cfg.QueryTimeout)
			defer cancel()

			n, err := a.bus.Occupancy(queryCtx, shard.Channel(shardID))
			if err != nil {
				a.logger.Debug("Occupancy query failed",
					zap.Int("shardID", shardID),
					zap.Error(err))
				return
			}

			mu.Lock()
			total += n
			counted++
			mu.Unlock()
		})
	}
	p.Wait()

	return total, counted
}

// record folds a sample into the running delta and daily peak.
func (a *Aggregator) record(now time.Time, total, counted int) *notifier.GlobalSummary {
	a.mu.Lock()
	defer a.mu.Unlock()

	delta := 0
	if a.sampled {
		delta = total - a.lastTotal
	}

	day := now.UTC().Format(dayLayout)
	if day != a.peakDay {
		a.peak = total
		a.peakDay = day
	} else {
		a.peak = max(a.peak, total)
	}

	a.sampled = true
	a.lastTotal = total

	return &notifier.GlobalSummary{
		Type:          notifier.TypeGlobalSummary,
		Timestamp:     now.UnixMilli(),
		Total:         total,
		Delta:         delta,
		Peak:          a.peak,
		PeakDay:       a.peakDay,
		ShardsCounted: counted,
		ShardCount:    a.registry.Count(),
	}
}
