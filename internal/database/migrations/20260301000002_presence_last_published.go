package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`
			ALTER TABLE user_profiles
			ADD COLUMN IF NOT EXISTS last_published VARCHAR NOT NULL DEFAULT '';
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to add last published column: %w", err)
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`
			ALTER TABLE user_profiles
			DROP COLUMN IF EXISTS last_published;
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop last published column: %w", err)
		}

		return nil
	})
}
