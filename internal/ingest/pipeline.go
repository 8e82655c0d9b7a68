package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/guard"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/internal/presence"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Handler processes one detector event.
type Handler interface {
	Handle(ctx context.Context, ev guard.Event) error
}

// Pipeline applies detector events to presence state and decides which of
// them produce notifications. State is always committed, even when the
// notification is suppressed.
type Pipeline struct {
	presence *presence.Store
	guard    *guard.Guard
	flusher  *Flusher
	recorder metrics.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	now      func() time.Time
}

// NewPipeline creates an ingest pipeline.
func NewPipeline(
	p *presence.Store, g *guard.Guard, n *notifier.Notifier, recorder metrics.Recorder, logger *zap.Logger,
) *Pipeline {
	logger = logger.Named("pipeline")

	return &Pipeline{
		presence: p,
		guard:    g,
		flusher:  NewFlusher(g, p, n, logger),
		recorder: recorder,
		logger:   logger,
		tracer:   otel.Tracer("herald/ingest"),
		now:      time.Now,
	}
}

// Flusher returns the pipeline's flusher.
func (p *Pipeline) Flusher() *Flusher {
	return p.flusher
}

// Handle implements Handler.
func (p *Pipeline) Handle(ctx context.Context, ev guard.Event) (err error) {
	ctx, span := p.tracer.Start(ctx, "ingest.Handle", trace.WithAttributes(
		attribute.String("action", string(ev.Action)),
		attribute.String("userID", ev.UserID),
		attribute.Int("shardID", ev.ShardID),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.End()
	}()

	if !ev.Action.Valid() {
		p.logger.Debug("Ignoring unrecognized action",
			zap.String("action", string(ev.Action)),
			zap.String("userID", ev.UserID))
		p.recorder.IncEvent(string(ev.Action), metrics.OutcomeIgnored)
		return nil
	}

	if ev.UserID == "" {
		p.recorder.IncEvent(string(ev.Action), metrics.OutcomeIgnored)
		return fmt.Errorf("%w: empty user ID", types.ErrInvalidUserID)
	}

	if ev.Timestamp == 0 {
		ev.Timestamp = p.now().UnixMilli()
	}

	update, err := p.apply(ctx, ev)
	if err != nil {
		p.recorder.IncEvent(string(ev.Action), metrics.OutcomeFailed)
		return err
	}

	if update.Stale {
		p.logger.Debug("Discarding stale event",
			zap.String("userID", ev.UserID),
			zap.Int64("timestamp", ev.Timestamp),
			zap.Int64("lastSeen", update.Profile.LastSeen))
		p.recorder.IncEvent(string(ev.Action), metrics.OutcomeStale)
		return nil
	}

	p.recorder.IncEvent(string(ev.Action), metrics.OutcomeApplied)

	decision, err := p.guard.Evaluate(ctx, ev)
	if err != nil {
		return err
	}

	span.SetAttributes(
		attribute.Bool("publish", decision.Publish),
		attribute.Bool("storm", decision.Storm),
		attribute.Bool("failOpen", decision.FailOpen),
	)

	switch {
	case decision.FailOpen:
		if err := p.flusher.PublishNow(ctx, update.Profile); err != nil {
			return fmt.Errorf("failed to publish transition: %w", err)
		}
		p.recorder.IncEvent(string(ev.Action), metrics.OutcomeNotified)
	case decision.Publish:
		p.flusher.Schedule(ev.UserID)
	case decision.Storm:
		p.logger.Debug("Notification suppressed by storm guard",
			zap.String("userID", ev.UserID),
			zap.Int("shardID", ev.ShardID),
			zap.Float64("rate", decision.StormRate))
	}

	return nil
}

// Stop delivers pending notifications, giving up when ctx is done.
func (p *Pipeline) Stop(ctx context.Context) error {
	return p.flusher.Stop(ctx)
}

// apply commits the event to presence state, registering unknown users once.
func (p *Pipeline) apply(ctx context.Context, ev guard.Event) (*presence.Update, error) {
	online := ev.Action.Online()

	update, err := p.presence.SetState(ctx, ev.UserID, online, ev.Timestamp)
	if errors.Is(err, types.ErrUserNotFound) {
		if _, err := p.presence.Register(ctx, ev.UserID, "", ""); err != nil {
			return nil, fmt.Errorf("failed to register unknown user: %w", err)
		}
		update, err = p.presence.SetState(ctx, ev.UserID, online, ev.Timestamp)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to set presence: %w", err)
	}

	return update, nil
}
