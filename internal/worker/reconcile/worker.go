// Package reconcile runs the periodic friendship repair sweep.
package reconcile

import (
	"context"
	"fmt"
	"time"

	"github.com/robalyx/herald/internal/friend"
	"github.com/robalyx/herald/internal/worker/core"
	"github.com/robalyx/herald/pkg/utils"
	"go.uber.org/zap"
)

const (
	// DefaultInterval separates the end of one sweep from the start of the next.
	DefaultInterval = 10 * time.Minute
	// ErrorBackoff is how long the worker waits after a failed sweep.
	ErrorBackoff = time.Minute
)

// Sweeper repairs every user's relationships in one pass.
type Sweeper interface {
	Sweep(ctx context.Context, batchSize, workers int) (friend.Report, error)
}

// Config holds the worker settings.
type Config struct {
	Interval     time.Duration
	ErrorBackoff time.Duration
	BatchSize    int
	Workers      int
}

// Worker sweeps relationships on an interval.
type Worker struct {
	sweeper  Sweeper
	reporter *core.StatusReporter
	config   Config
	logger   *zap.Logger
}

// New creates a reconcile worker. The reporter may be nil.
func New(sweeper Sweeper, reporter *core.StatusReporter, config Config, logger *zap.Logger) *Worker {
	if config.Interval <= 0 {
		config.Interval = DefaultInterval
	}
	if config.ErrorBackoff <= 0 {
		config.ErrorBackoff = ErrorBackoff
	}

	return &Worker{
		sweeper:  sweeper,
		reporter: reporter,
		config:   config,
		logger:   logger.Named("reconcile_worker"),
	}
}

// Start runs sweeps until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	if w.reporter != nil {
		w.logger.Info("Reconcile Worker started", zap.String("workerID", w.reporter.GetWorkerID()))
		w.reporter.Start(ctx)
		defer w.reporter.Stop()
	} else {
		w.logger.Info("Reconcile Worker started")
	}

	for {
		if utils.ContextGuard(ctx) {
			w.logger.Info("Context cancelled, stopping reconcile worker")
			w.status("Shutting down", 100)
			return
		}

		w.status("Sweeping relationships", 0)

		start := time.Now()
		report, err := w.sweeper.Sweep(ctx, w.config.BatchSize, w.config.Workers)
		if err != nil {
			if ctx.Err() != nil {
				continue
			}

			w.logger.Error("Reconciliation sweep failed", zap.Error(err))
			w.healthy(false)

			if !utils.ErrorSleep(ctx, w.config.ErrorBackoff, w.logger, "reconcile worker") {
				return
			}
			continue
		}

		w.healthy(report.Failures == 0)
		w.status(fmt.Sprintf("Idle - %d repairs in last sweep", report.Total()), 100)
		w.logger.Debug("Sweep cycle complete",
			zap.Duration("duration", time.Since(start)),
			zap.Int("repairs", report.Total()))

		if utils.ContextSleep(ctx, w.config.Interval) == utils.SleepCancelled {
			w.logger.Info("Context cancelled during interval wait, stopping reconcile worker")
			return
		}
	}
}

func (w *Worker) status(task string, progress int) {
	if w.reporter != nil {
		w.reporter.UpdateStatus(task, progress)
	}
}

func (w *Worker) healthy(healthy bool) {
	if w.reporter != nil {
		w.reporter.SetHealthy(healthy)
	}
}
