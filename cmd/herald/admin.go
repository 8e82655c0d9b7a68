package main

import (
	"context"
	"fmt"
	"time"

	"github.com/robalyx/herald/internal/friend"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/robalyx/herald/internal/presence"
	"github.com/robalyx/herald/internal/setup"
	"github.com/robalyx/herald/internal/shard"
	"github.com/robalyx/herald/internal/worker/core"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

func registerCommand() *cli.Command {
	return &cli.Command{
		Name:  "register",
		Usage: "Create a user profile",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "User ID", Required: true},
			&cli.StringFlag{Name: "name", Usage: "Display name"},
			&cli.StringFlag{Name: "avatar", Usage: "Avatar URL"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, "register", false, func(ctx context.Context, app *setup.App) error {
				profile, err := app.Presence.Register(ctx, c.String("user"), c.String("name"), c.String("avatar"))
				if err != nil {
					return err
				}

				return printJSON(profile)
			})
		},
	}
}

func reconcileCommand() *cli.Command {
	return &cli.Command{
		Name:  "reconcile",
		Usage: "Repair relationships for one user or sweep every user",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "user", Usage: "Only reconcile this user"},
			&cli.IntFlag{Name: "batch-size", Value: metadata.DefaultPageSize, Usage: "Profiles per page"},
			&cli.IntFlag{Name: "workers", Value: friend.DefaultSweepWorkers, Usage: "Users reconciled concurrently"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, "reconcile", false, func(ctx context.Context, app *setup.App) error {
				var (
					report friend.Report
					err    error
				)

				if userID := c.String("user"); userID != "" {
					report, err = app.Friends.ReconcileUser(ctx, userID)
				} else {
					report, err = app.Friends.Sweep(ctx, int(c.Int("batch-size")), int(c.Int("workers")))
				}
				if err != nil {
					return err
				}

				return printJSON(report)
			})
		},
	}
}

func reshardCommand() *cli.Command {
	return &cli.Command{
		Name:  "reshard",
		Usage: "Move every user to the shard a new shard count assigns",
		Description: "Resharding is not atomic. Run it with serve stopped, then update " +
			"presence.shard_count to the same value before starting serve again.",
		Flags: []cli.Flag{
			&cli.IntFlag{Name: "shards", Usage: "New shard count", Required: true},
			&cli.IntFlag{Name: "batch-size", Value: metadata.DefaultPageSize, Usage: "Profiles per page"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, "reshard", false, func(ctx context.Context, app *setup.App) error {
				count := int(c.Int("shards"))
				if count < 1 {
					return fmt.Errorf("shard count must be positive, got %d", count)
				}

				return reshard(ctx, app, count, int(c.Int("batch-size")))
			})
		},
	}
}

func reshard(ctx context.Context, app *setup.App, count, batchSize int) error {
	target := presence.NewStore(app.DB.Model(), shard.NewRegistry(count),
		time.Duration(app.Config.Presence.StateTimeoutMs)*time.Millisecond, app.Logger)

	var (
		cursor  string
		scanned int
		moved   int
	)

	for {
		page, err := app.DB.Model().ListProfiles(ctx, cursor, batchSize)
		if err != nil {
			return err
		}

		for _, profile := range page.Profiles {
			_, changed, err := target.Reassign(ctx, profile.UserID)
			if err != nil {
				return fmt.Errorf("failed to reassign %s: %w", profile.UserID, err)
			}

			scanned++
			if changed {
				moved++
			}
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	distribution, err := app.DB.Model().Profile().CountByShard(ctx)
	if err != nil {
		return err
	}

	app.Logger.Info("Reshard complete",
		zap.Int("shards", count),
		zap.Int("users", scanned),
		zap.Int("moved", moved))

	return printJSON(map[string]any{
		"shards":       count,
		"users":        scanned,
		"moved":        moved,
		"distribution": distribution,
	})
}

func workersCommand() *cli.Command {
	return &cli.Command{
		Name:  "workers",
		Usage: "List running instances and workers",
		Action: func(ctx context.Context, c *cli.Command) error {
			return withApp(ctx, c, "workers", false, func(ctx context.Context, app *setup.App) error {
				statuses, err := core.NewMonitor(app.StatusClient, app.Logger).GetAllStatuses(ctx)
				if err != nil {
					return err
				}

				now := time.Now()
				out := make([]map[string]any, 0, len(statuses))
				for _, status := range statuses {
					out = append(out, map[string]any{
						"status": status,
						"stale":  status.Stale(now),
					})
				}

				return printJSON(out)
			})
		},
	}
}
