package guard

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robalyx/herald/internal/ephemeral"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/shard"
	"go.uber.org/zap"
)

const (
	// DefaultDebounceWindow is the quiet period that separates two publishable transitions.
	DefaultDebounceWindow = 5 * time.Second
	// DefaultStormThreshold is the per-shard event rate above which publishes are suppressed.
	DefaultStormThreshold = 100
	// DefaultTimeout bounds each ephemeral store call.
	DefaultTimeout = time.Second

	// MinRecordTTL is the shortest lifetime of a debounce record.
	MinRecordTTL = 60 * time.Second

	stormBucketTTL = 2 * time.Second
	lockStripes    = 256
)

// Published states stored in a debounce record and on the user's profile.
const (
	StateOnline  = "online"
	StateOffline = "offline"
)

// Record is the per-user debounce state kept in the ephemeral store.
type Record struct {
	UserID             string `json:"userId"`
	LastChange         int64  `json:"lastChangeTimestamp"` // epoch milliseconds
	LastPublishedState string `json:"lastPublishedState,omitempty"`
}

// Decision is the outcome of evaluating one event.
type Decision struct {
	Publish   bool    // Transition opens a new publish window
	Debounced bool    // Suppressed because the user changed within the window
	Storm     bool    // Suppressed because the shard exceeded the storm threshold
	FailOpen  bool    // Ephemeral store failed so the event passes through
	StormRate float64 // Sliding-window event rate of the shard
}

// Config holds the guard's tunables. Zero values fall back to the defaults.
type Config struct {
	DebounceWindow time.Duration
	StormThreshold int
	Timeout        time.Duration
	Now            func() time.Time
}

// Guard decides which presence events may produce a notification.
// It never decides presence truth.
type Guard struct {
	store     ephemeral.Store
	recorder  metrics.Recorder
	logger    *zap.Logger
	now       func() time.Time
	window    time.Duration
	recordTTL time.Duration
	timeout   time.Duration
	threshold int
	locks     [lockStripes]sync.Mutex
}

// New creates a guard backed by the given ephemeral store.
func New(store ephemeral.Store, cfg Config, recorder metrics.Recorder, logger *zap.Logger) *Guard {
	if cfg.DebounceWindow <= 0 {
		cfg.DebounceWindow = DefaultDebounceWindow
	}

	if cfg.StormThreshold <= 0 {
		cfg.StormThreshold = DefaultStormThreshold
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Guard{
		store:     store,
		recorder:  recorder,
		logger:    logger.Named("guard"),
		now:       cfg.Now,
		window:    cfg.DebounceWindow,
		recordTTL: max(cfg.DebounceWindow, MinRecordTTL),
		timeout:   cfg.Timeout,
		threshold: cfg.StormThreshold,
	}
}

// Window returns the debounce window.
func (g *Guard) Window() time.Duration {
	return g.window
}

// Evaluate records an event and decides whether it is publish-worthy.
// Store failures never produce an error; the event passes through instead.
func (g *Guard) Evaluate(ctx context.Context, ev Event) (Decision, error) {
	if !ev.Action.Valid() {
		return Decision{}, fmt.Errorf("%w: %q", ErrUnrecognizedAction, ev.Action)
	}

	now := g.now()

	rate, err := g.countStorm(ctx, ev.ShardID, now)
	if err != nil {
		return g.failOpen(ev, err), nil
	}

	fresh, err := g.touch(ctx, ev.UserID, now)
	if err != nil {
		return g.failOpen(ev, err), nil
	}

	decision := Decision{
		Publish:   fresh,
		Debounced: !fresh,
		StormRate: rate,
	}

	if decision.Debounced {
		g.recorder.IncSuppressed(metrics.ReasonDebounce)
	}

	if rate > float64(g.threshold) {
		decision.Storm = true

		if decision.Publish {
			decision.Publish = false
			g.recorder.IncSuppressed(metrics.ReasonStorm)
		}
	}

	return decision, nil
}

// Settle reports when the user's debounce window goes quiet and whether it already has.
// A missing record is treated as settled.
func (g *Guard) Settle(ctx context.Context, userID string) (time.Time, bool, error) {
	now := g.now()

	record, err := g.load(ctx, userID)
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return now, true, nil
		}
		return time.Time{}, false, err
	}

	quietAt := time.UnixMilli(record.LastChange).Add(g.window)
	return quietAt, !now.Before(quietAt), nil
}

// LastPublished returns the last state published for a user, or "" if unknown.
// The record expires with the window, so callers treat "" as unknown rather than offline.
func (g *Guard) LastPublished(ctx context.Context, userID string) (string, error) {
	record, err := g.load(ctx, userID)
	if err != nil {
		if errors.Is(err, ephemeral.ErrNotFound) {
			return "", nil
		}
		return "", err
	}

	return record.LastPublishedState, nil
}

// MarkPublished records the state carried by the latest notification for a user.
func (g *Guard) MarkPublished(ctx context.Context, userID string, online bool) error {
	mu := g.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	record, err := g.load(ctx, userID)
	if err != nil {
		if !errors.Is(err, ephemeral.ErrNotFound) {
			return err
		}
		record = &Record{UserID: userID}
	}

	record.LastPublishedState = StateFor(online)
	return g.save(ctx, record)
}

// StateFor converts a presence flag to its published state name.
func StateFor(online bool) string {
	if online {
		return StateOnline
	}
	return StateOffline
}

// touch refreshes the user's last change and reports whether the window had gone quiet.
func (g *Guard) touch(ctx context.Context, userID string, now time.Time) (bool, error) {
	mu := g.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	record, err := g.load(ctx, userID)
	if err != nil {
		if !errors.Is(err, ephemeral.ErrNotFound) {
			return false, err
		}
		record = &Record{UserID: userID}
	}

	nowMs := now.UnixMilli()
	fresh := record.LastChange == 0 || nowMs-record.LastChange >= g.window.Milliseconds()
	record.LastChange = nowMs

	if err := g.save(ctx, record); err != nil {
		return false, err
	}

	return fresh, nil
}

// countStorm increments the shard's current bucket and returns the sliding-window rate.
func (g *Guard) countStorm(ctx context.Context, shardID int, now time.Time) (float64, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	second := now.Unix()
	current, err := g.store.Incr(ctx, stormKey(shardID, second), stormBucketTTL)
	if err != nil {
		return 0, err
	}

	var previous int64

	value, err := g.store.Get(ctx, stormKey(shardID, second-1))
	switch {
	case err == nil:
		previous, _ = strconv.ParseInt(string(value), 10, 64)
	case errors.Is(err, ephemeral.ErrNotFound):
	default:
		return 0, err
	}

	// Weight the previous bucket by the part of it still inside the window
	elapsed := float64(now.Nanosecond()) / float64(time.Second)
	return float64(current) + float64(previous)*(1-elapsed), nil
}

func (g *Guard) load(ctx context.Context, userID string) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	value, err := g.store.Get(ctx, debounceKey(userID))
	if err != nil {
		return nil, err
	}

	var record Record
	if err := sonic.Unmarshal(value, &record); err != nil {
		return nil, fmt.Errorf("failed to decode debounce record: %w", err)
	}

	return &record, nil
}

func (g *Guard) save(ctx context.Context, record *Record) error {
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	value, err := sonic.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to encode debounce record: %w", err)
	}

	return g.store.Set(ctx, debounceKey(record.UserID), value, g.recordTTL)
}

func (g *Guard) failOpen(ev Event, err error) Decision {
	g.recorder.IncFailOpen()
	g.logger.Warn("Ephemeral store unavailable, passing event through",
		zap.String("userID", ev.UserID),
		zap.Int("shardID", ev.ShardID),
		zap.Error(err))

	return Decision{Publish: true, FailOpen: true}
}

func (g *Guard) lock(userID string) *sync.Mutex {
	return &g.locks[shard.For(userID, lockStripes)]
}

func debounceKey(userID string) string {
	return "debounce:" + userID
}

func stormKey(shardID int, second int64) string {
	return "storm:" + strconv.Itoa(shardID) + ":" + strconv.FormatInt(second, 10)
}
