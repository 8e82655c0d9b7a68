package migrations

import (
	"context"
	"fmt"

	"github.com/robalyx/herald/internal/database/types"
	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		models := []any{
			(*types.UserProfile)(nil),
			(*types.FriendRelationship)(nil),
			(*types.SubscriptionChannel)(nil),
		}

		for _, model := range models {
			_, err := db.NewCreateTable().
				Model(model).
				IfNotExists().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to create table for %T: %w", model, err)
			}
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		models := []any{
			(*types.SubscriptionChannel)(nil),
			(*types.FriendRelationship)(nil),
			(*types.UserProfile)(nil),
		}

		for _, model := range models {
			_, err := db.NewDropTable().
				Model(model).
				IfExists().
				Cascade().
				Exec(ctx)
			if err != nil {
				return fmt.Errorf("failed to drop table for %T: %w", model, err)
			}
		}

		return nil
	})
}
