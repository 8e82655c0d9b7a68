package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"slices"
	"syscall"

	"github.com/robalyx/herald/internal/database"
	"github.com/robalyx/herald/internal/setup/config"
	"github.com/uptrace/bun/migrate"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

var ErrNameRequired = errors.New("NAME argument required")

func main() {
	if err := run(); err != nil {
		log.Printf("Error: %v", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, migrator, logger, err := setupMigrator(ctx)
	if err != nil {
		return fmt.Errorf("failed to setup migrator: %w", err)
	}
	defer db.Close()

	app := &cli.Command{
		Name:  "db",
		Usage: "Database management tool",
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "Initialize migration tables",
				Action: func(ctx context.Context, _ *cli.Command) error {
					return migrator.Init(ctx)
				},
			},
			{
				Name:  "migrate",
				Usage: "Run pending migrations",
				Action: func(ctx context.Context, _ *cli.Command) error {
					if err := migrator.Lock(ctx); err != nil {
						return err
					}
					defer migrator.Unlock(ctx) //nolint:errcheck

					group, err := migrator.Migrate(ctx)
					if err != nil {
						return err
					}

					if group.IsZero() {
						logger.Info("Database is up to date")
						return nil
					}

					logger.Info("Migrated", zap.String("group", group.String()))
					return nil
				},
			},
			{
				Name:  "rollback",
				Usage: "Roll back the last migration group",
				Action: func(ctx context.Context, _ *cli.Command) error {
					if err := migrator.Lock(ctx); err != nil {
						return err
					}
					defer migrator.Unlock(ctx) //nolint:errcheck

					group, err := migrator.Rollback(ctx)
					if err != nil {
						return err
					}

					if group.IsZero() {
						logger.Info("No groups to roll back")
						return nil
					}

					logger.Info("Rolled back", zap.String("group", group.String()))
					return nil
				},
			},
			{
				Name:  "status",
				Usage: "Show migration status",
				Action: func(ctx context.Context, _ *cli.Command) error {
					ms, err := migrator.MigrationsWithStatus(ctx)
					if err != nil {
						return err
					}

					logger.Info("Migration status",
						zap.String("migrations", ms.String()),
						zap.String("unapplied", ms.Unapplied().String()),
						zap.String("lastGroup", ms.LastGroup().String()))
					return nil
				},
			},
			{
				Name:      "create_go",
				Usage:     "Create a new Go migration file",
				ArgsUsage: "NAME",
				Action: func(ctx context.Context, c *cli.Command) error {
					if c.Args().Len() != 1 {
						return ErrNameRequired
					}

					mf, err := migrator.CreateGoMigration(ctx, c.Args().First())
					if err != nil {
						return err
					}

					logger.Info("Created Go migration",
						zap.String("name", mf.Name),
						zap.String("path", mf.Path))
					return nil
				},
			},
			{
				Name:  "shards",
				Usage: "Show how profiles are spread across shards",
				Action: func(ctx context.Context, _ *cli.Command) error {
					counts, err := db.Model().Profile().CountByShard(ctx)
					if err != nil {
						return err
					}

					ids := make([]int, 0, len(counts))
					for id := range counts {
						ids = append(ids, id)
					}
					slices.Sort(ids)

					for _, id := range ids {
						logger.Info("Shard", zap.Int("shardID", id), zap.Int("profiles", counts[id]))
					}
					return nil
				},
			},
		},
	}

	return app.Run(ctx, os.Args)
}

// setupMigrator initializes the database connection and migrator.
func setupMigrator(ctx context.Context) (database.Client, *migrate.Migrator, *zap.Logger, error) {
	cfg, _, err := config.LoadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := zap.NewDevelopment()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("failed to create logger: %w", err)
	}

	db, err := database.NewConnection(ctx, &cfg.PostgreSQL, logger)
	if err != nil {
		return nil, nil, logger, fmt.Errorf("failed to connect to database: %w", err)
	}

	return db, database.NewMigrator(db), logger, nil
}
