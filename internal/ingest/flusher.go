package ingest

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/guard"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/internal/presence"
	"github.com/robalyx/herald/internal/shard"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

const (
	flushStripes = 256
	drainWorkers = 16
)

// Flusher emits the notification for a debounce window once it has gone quiet.
// It publishes the state committed at that moment, and only when it differs
// from the state last published for the user.
type Flusher struct {
	guard    *guard.Guard
	presence *presence.Store
	notifier *notifier.Notifier
	logger   *zap.Logger

	ctx     context.Context
	cancel  context.CancelFunc
	timers  map[string]*time.Timer
	stopped bool
	mu      sync.Mutex
	wg      sync.WaitGroup
	flushMu [flushStripes]sync.Mutex
}

// NewFlusher creates a flusher.
func NewFlusher(g *guard.Guard, p *presence.Store, n *notifier.Notifier, logger *zap.Logger) *Flusher {
	ctx, cancel := context.WithCancel(context.Background())

	return &Flusher{
		guard:    g,
		presence: p,
		notifier: n,
		logger:   logger.Named("flusher"),
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[string]*time.Timer),
	}
}

// Schedule arms a flush for userID at the end of the current window.
// A user with a pending flush keeps it; the flush re-arms itself while the
// window is still active.
func (f *Flusher) Schedule(userID string) {
	f.scheduleAt(userID, time.Now().Add(f.guard.Window()))
}

// scheduleAt arms a flush unless one is pending. It reports false once the
// flusher is stopping.
func (f *Flusher) scheduleAt(userID string, at time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.stopped {
		return false
	}
	if _, ok := f.timers[userID]; ok {
		return true
	}

	f.wg.Add(1)
	f.timers[userID] = time.AfterFunc(time.Until(at), func() {
		defer f.wg.Done()

		f.mu.Lock()
		delete(f.timers, userID)
		f.mu.Unlock()

		f.flush(f.ctx, userID)
	})

	return true
}

// Pending returns the number of users with an armed flush.
func (f *Flusher) Pending() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.timers)
}

// PublishNow notifies the profile's current state immediately.
func (f *Flusher) PublishNow(ctx context.Context, profile *types.UserProfile) error {
	mu := f.lock(profile.UserID)
	mu.Lock()
	defer mu.Unlock()

	return f.publish(ctx, profile)
}

// Stop delivers every pending flush without waiting for its window and
// waits for running ones. Flushes still undelivered when ctx is done are
// dropped and ctx's error is returned.
func (f *Flusher) Stop(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	pending := make([]string, 0, len(f.timers))
	for userID, timer := range f.timers {
		if timer.Stop() {
			f.wg.Done()
			pending = append(pending, userID)
		}
		delete(f.timers, userID)
	}
	f.mu.Unlock()

	if len(pending) > 0 {
		f.logger.Info("Draining pending notifications", zap.Int("count", len(pending)))
	}

	var dropped atomic.Int64

	p := pool.New().WithMaxGoroutines(drainWorkers)
	for _, userID := range pending {
		p.Go(func() {
			if ctx.Err() != nil {
				dropped.Add(1)
				return
			}
			f.flush(ctx, userID)
		})
	}
	p.Wait()

	done := make(chan struct{})
	go func() {
		f.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		f.cancel()
		<-done
	}
	f.cancel()

	if n := dropped.Load(); n > 0 {
		f.logger.Warn("Dropped pending notifications on shutdown", zap.Int64("count", n))
	}

	return ctx.Err()
}

func (f *Flusher) flush(ctx context.Context, userID string) {
	mu := f.lock(userID)
	mu.Lock()
	defer mu.Unlock()

	quietAt, settled, err := f.guard.Settle(ctx, userID)
	switch {
	case err != nil:
		f.logger.Warn("Failed to read debounce record, flushing anyway",
			zap.String("userID", userID),
			zap.Error(err))
	case !settled:
		if f.scheduleAt(userID, quietAt) {
			return
		}
	}

	profile, err := f.presence.GetProfile(ctx, userID)
	if err != nil {
		f.logger.Error("Failed to load presence for flush",
			zap.String("userID", userID),
			zap.Error(err))
		return
	}

	last := f.lastPublished(ctx, profile)
	if last == guard.StateFor(profile.Online) {
		f.logger.Debug("State unchanged since last notification",
			zap.String("userID", userID),
			zap.String("state", last))
		return
	}

	if err := f.publish(ctx, profile); err != nil {
		f.logger.Error("Failed to notify transition",
			zap.String("userID", userID),
			zap.Error(err))
	}
}

// publish sends the transition and records it. The caller holds the user's flush lock.
func (f *Flusher) publish(ctx context.Context, profile *types.UserProfile) error {
	if err := f.notifier.NotifyTransition(ctx, profile.Presence(), profile); err != nil {
		return err
	}

	if err := f.presence.MarkPublished(ctx, profile.UserID, guard.StateFor(profile.Online)); err != nil {
		f.logger.Warn("Failed to record published state",
			zap.String("userID", profile.UserID),
			zap.Error(err))
	}

	if err := f.guard.MarkPublished(ctx, profile.UserID, profile.Online); err != nil {
		f.logger.Debug("Failed to record published state in debounce record",
			zap.String("userID", profile.UserID),
			zap.Error(err))
	}

	return nil
}

// lastPublished prefers the profile's durable state. Profiles that predate it
// fall back to the debounce record while it lives.
func (f *Flusher) lastPublished(ctx context.Context, profile *types.UserProfile) string {
	if profile.LastPublished != "" {
		return profile.LastPublished
	}

	last, err := f.guard.LastPublished(ctx, profile.UserID)
	if err != nil {
		f.logger.Warn("Failed to read last published state",
			zap.String("userID", profile.UserID),
			zap.Error(err))
	}

	return last
}

func (f *Flusher) lock(userID string) *sync.Mutex {
	return &f.flushMu[shard.For(userID, flushStripes)]
}
