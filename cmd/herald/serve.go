package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robalyx/herald/internal/aggregator"
	"github.com/robalyx/herald/internal/ingest"
	"github.com/robalyx/herald/internal/setup"
	"github.com/robalyx/herald/internal/worker/core"
	"github.com/robalyx/herald/internal/worker/reconcile"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "Consume the detector feed and fan out presence notifications",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "migrate",
				Usage: "Apply pending database migrations on startup",
			},
			&cli.BoolFlag{
				Name:  "no-reconcile",
				Usage: "Do not run the reconciliation worker in this instance",
			},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, "serve", c.Bool("migrate"), func(ctx context.Context, app *setup.App) error {
				return serve(ctx, app, !c.Bool("no-reconcile"))
			})
		},
	}
}

func serve(ctx context.Context, app *setup.App, runReconcile bool) error {
	cfg := app.Config

	pipeline := ingest.NewPipeline(app.Presence, app.Guard, app.Notifier, app.Metrics,
		app.LogManager.GetWorkerLogger("ingest"))
	defer func() {
		drainCtx, cancel := context.WithTimeout(context.Background(),
			time.Duration(cfg.Ingest.DrainTimeoutMs)*time.Millisecond)
		defer cancel()

		if err := pipeline.Stop(drainCtx); err != nil {
			app.Logger.Warn("Shutdown drain incomplete", zap.Error(err))
		}
	}()

	feed := ingest.NewFeed(app.NATS, pipeline, app.Shards, ingest.FeedConfig{
		QueueGroup: cfg.Ingest.QueueGroup,
		Lanes:      cfg.Ingest.MaxInFlight,
		LaneBuffer: cfg.Ingest.LaneBuffer,
	}, app.Logger)

	agg := aggregator.New(app.Bus, app.Shards, app.Notifier, app.Metrics, aggregator.Config{
		Interval:      time.Duration(cfg.Aggregator.IntervalMs) * time.Millisecond,
		QueryTimeout:  time.Duration(cfg.Aggregator.QueryTimeoutMs) * time.Millisecond,
		GlobalChannel: cfg.Aggregator.GlobalChannel,
		Concurrency:   cfg.Aggregator.Concurrency,
	}, app.LogManager.GetWorkerLogger("aggregator"))

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return feed.Run(ctx)
	})

	g.Go(func() error {
		agg.Start(ctx)
		return nil
	})

	if runReconcile {
		workerLogger := app.LogManager.GetWorkerLogger("reconcile")
		worker := reconcile.New(app.Friends,
			core.NewStatusReporter(app.StatusClient, "reconcile", workerLogger),
			reconcile.Config{
				Interval:  time.Duration(cfg.Friends.ReconcileIntervalSeconds) * time.Second,
				BatchSize: cfg.Friends.ReconcileBatchSize,
				Workers:   cfg.Friends.ReconcileWorkers,
			}, workerLogger)

		g.Go(func() error {
			worker.Start(ctx)
			return nil
		})
	}

	if cfg.Metrics.Enabled {
		g.Go(func() error {
			return app.ServeMetrics(ctx)
		})
	}

	// Announce this instance alongside its workers
	reporter := core.NewStatusReporter(app.StatusClient, "serve", app.Logger)
	reporter.SetProbe(func(status *core.Status) {
		status.CurrentTask = fmt.Sprintf("Serving %d shards, %d pending flushes",
			app.Shards.Count(), pipeline.Flusher().Pending())
	})
	reporter.Start(ctx)
	defer reporter.Stop()

	app.Logger.Info("Herald serving",
		zap.Int("shards", app.Shards.Count()),
		zap.String("ephemeralBackend", cfg.Presence.EphemeralBackend),
		zap.Bool("reconcile", runReconcile))

	err := g.Wait()

	app.Logger.Info("Herald stopping",
		zap.Int("pendingFlushes", pipeline.Flusher().Pending()))

	return err
}
