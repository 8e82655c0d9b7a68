package ingest

import (
	"context"
	"fmt"
	"sync"

	"github.com/bytedance/sonic"
	"github.com/nats-io/nats.go"
	"github.com/robalyx/herald/internal/guard"
	"github.com/robalyx/herald/internal/shard"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"
)

const (
	// DefaultQueueGroup load-balances detector subjects across instances.
	DefaultQueueGroup = "herald-ingest"
	// DefaultLanes is the number of concurrent event handlers.
	DefaultLanes = 64
	// DefaultLaneBuffer is the number of events queued per lane.
	DefaultLaneBuffer = 1024
)

// FeedConfig holds the feed's tunables.
type FeedConfig struct {
	QueueGroup string
	Lanes      int
	LaneBuffer int
}

// Feed consumes detector events and hands them to a Handler. Events for one
// user always land on the same lane so they are handled in arrival order.
type Feed struct {
	nc       *nats.Conn
	handler  Handler
	registry *shard.Registry
	logger   *zap.Logger
	cfg      FeedConfig

	lanes   []chan guard.Event
	wg      conc.WaitGroup
	running bool
	mu      sync.RWMutex
}

// NewFeed creates a feed. nc may be nil when events are delivered with Deliver.
func NewFeed(nc *nats.Conn, handler Handler, registry *shard.Registry, cfg FeedConfig, logger *zap.Logger) *Feed {
	if cfg.QueueGroup == "" {
		cfg.QueueGroup = DefaultQueueGroup
	}

	if cfg.Lanes <= 0 {
		cfg.Lanes = DefaultLanes
	}

	if cfg.LaneBuffer <= 0 {
		cfg.LaneBuffer = DefaultLaneBuffer
	}

	return &Feed{
		nc:       nc,
		handler:  handler,
		registry: registry,
		logger:   logger.Named("feed"),
		cfg:      cfg,
	}
}

// Run subscribes to every shard's detector subject and handles events until ctx is cancelled.
func (f *Feed) Run(ctx context.Context) error {
	f.Start(ctx)
	defer f.Stop()

	subs := make([]*nats.Subscription, 0, f.registry.Count())
	defer func() {
		for _, sub := range subs {
			if err := sub.Drain(); err != nil {
				f.logger.Warn("Failed to drain subscription",
					zap.String("subject", sub.Subject),
					zap.Error(err))
			}
		}
	}()

	for _, shardID := range f.registry.All() {
		subject := shard.DetectorSubject(shardID)

		sub, err := f.nc.QueueSubscribe(subject, f.cfg.QueueGroup, func(msg *nats.Msg) {
			f.Deliver(ctx, msg.Data)
		})
		if err != nil {
			return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
		}
		subs = append(subs, sub)
	}

	f.logger.Info("Ingest feed started",
		zap.Int("shards", f.registry.Count()),
		zap.Int("lanes", f.cfg.Lanes),
		zap.String("queueGroup", f.cfg.QueueGroup))

	<-ctx.Done()
	f.logger.Info("Ingest feed stopping")

	return nil
}

// Start launches the lanes.
func (f *Feed) Start(ctx context.Context) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.running {
		return
	}

	f.lanes = make([]chan guard.Event, f.cfg.Lanes)
	for i := range f.lanes {
		lane := make(chan guard.Event, f.cfg.LaneBuffer)
		f.lanes[i] = lane
		f.wg.Go(func() {
			for ev := range lane {
				f.handle(ctx, ev)
			}
		})
	}
	f.running = true
}

// Stop closes the lanes and waits for queued events to be handled.
func (f *Feed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	for _, lane := range f.lanes {
		close(lane)
	}
	f.mu.Unlock()

	f.wg.Wait()
}

// Deliver decodes one detector payload and queues it on its user's lane.
// Malformed payloads are logged and dropped.
func (f *Feed) Deliver(ctx context.Context, data []byte) {
	var ev guard.Event
	if err := sonic.Unmarshal(data, &ev); err != nil {
		f.logger.Warn("Dropping malformed detector payload",
			zap.ByteString("payload", data),
			zap.Error(err))
		return
	}

	f.mu.RLock()
	defer f.mu.RUnlock()

	if !f.running {
		f.logger.Warn("Dropping event delivered while stopped", zap.String("userID", ev.UserID))
		return
	}

	lane := f.lanes[shard.For(ev.UserID, len(f.lanes))]
	select {
	case lane <- ev:
	case <-ctx.Done():
	}
}

// handle runs the handler for one event, recovering from panics.
func (f *Feed) handle(ctx context.Context, ev guard.Event) {
	var pc panics.Catcher
	pc.Try(func() {
		if err := f.handler.Handle(ctx, ev); err != nil {
			f.logger.Error("Failed to handle presence event",
				zap.String("action", string(ev.Action)),
				zap.String("userID", ev.UserID),
				zap.Int("shardID", ev.ShardID),
				zap.Error(err))
		}
	})

	if r := pc.Recovered(); r != nil {
		f.logger.Error("Recovered from panic while handling presence event",
			zap.String("action", string(ev.Action)),
			zap.String("userID", ev.UserID),
			zap.Any("panic", r.Value),
			zap.String("stack", string(r.Stack)))
	}
}
