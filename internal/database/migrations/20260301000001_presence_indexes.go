package migrations

import (
	"context"
	"fmt"

	"github.com/uptrace/bun"
)

func init() {
	Migrations.MustRegister(func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`
			-- Shard membership lookups for resharding
			CREATE INDEX IF NOT EXISTS idx_user_profiles_shard
			ON user_profiles (shard_id);

			-- Reverse lookups during reconciliation
			CREATE INDEX IF NOT EXISTS idx_friend_relationships_friend
			ON friend_relationships (friend_id, owner_id);

			-- Group size counts during slot assignment
			CREATE INDEX IF NOT EXISTS idx_subscription_channels_group
			ON subscription_channels (owner_id, group_index);
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to create indexes: %w", err)
		}

		return nil
	}, func(ctx context.Context, db *bun.DB) error {
		_, err := db.NewRaw(`
			DROP INDEX IF EXISTS idx_user_profiles_shard;
			DROP INDEX IF EXISTS idx_friend_relationships_friend;
			DROP INDEX IF EXISTS idx_subscription_channels_group;
		`).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to drop indexes: %w", err)
		}

		return nil
	})
}
