package database

import (
	"context"
	"errors"
	"fmt"

	"github.com/robalyx/herald/internal/database/migrations"
	"github.com/uptrace/bun/migrate"
	"go.uber.org/zap"
)

// ErrPendingMigrations is returned when the schema is behind and migrating was not allowed.
var ErrPendingMigrations = errors.New("database migrations are pending")

// NewMigrator returns a migrator over the service's migrations.
func NewMigrator(c Client) *migrate.Migrator {
	return migrate.NewMigrator(c.DB(), migrations.Migrations)
}

// EnsureSchema brings the schema up to date when autoMigrate is set and
// otherwise fails with ErrPendingMigrations while any migration is unapplied.
func EnsureSchema(ctx context.Context, c Client, autoMigrate bool, logger *zap.Logger) error {
	migrator := NewMigrator(c)

	if err := migrator.Init(ctx); err != nil {
		return fmt.Errorf("failed to initialize migrations: %w", err)
	}

	ms, err := migrator.MigrationsWithStatus(ctx)
	if err != nil {
		return fmt.Errorf("failed to check migration status: %w", err)
	}

	unapplied := ms.Unapplied()
	if len(unapplied) == 0 {
		return nil
	}

	if !autoMigrate {
		return fmt.Errorf("%w: %d unapplied, run `db migrate` or pass --migrate", ErrPendingMigrations, len(unapplied))
	}

	if err := migrator.Lock(ctx); err != nil {
		return fmt.Errorf("failed to lock migrations: %w", err)
	}
	defer migrator.Unlock(ctx) //nolint:errcheck

	group, err := migrator.Migrate(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	logger.Info("Applied pending migrations",
		zap.String("group", group.String()),
		zap.Int("count", len(unapplied)))

	return nil
}
