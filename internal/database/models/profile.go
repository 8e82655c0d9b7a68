package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/robalyx/herald/internal/database/dbretry"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// ProfileModel handles database operations for user profiles.
type ProfileModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewProfile creates a ProfileModel with database access.
func NewProfile(db *bun.DB, logger *zap.Logger) *ProfileModel {
	return &ProfileModel{
		db:     db,
		logger: logger.Named("db_profile"),
	}
}

// Get retrieves one profile by user ID.
func (m *ProfileModel) Get(ctx context.Context, userID string) (*types.UserProfile, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.UserProfile, error) {
		profile := &types.UserProfile{UserID: userID}

		err := m.db.NewSelect().Model(profile).
			WherePK().
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, metadata.ErrNotFound
			}
			return nil, fmt.Errorf("failed to get profile: %w (userID=%s)", err, userID)
		}

		return profile, nil
	})
}

// Set writes a profile guarded by its revision. Creation uses an insert that
// loses to any concurrent creator, updates only match the expected revision.
func (m *ProfileModel) Set(
	ctx context.Context, profile *types.UserProfile, expectedRevision int64,
) (*types.UserProfile, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.UserProfile, error) {
		stored := profile.Clone()
		stored.Revision = expectedRevision + 1
		stored.UpdatedAt = time.Now()

		var (
			result sql.Result
			err    error
		)
		if expectedRevision == 0 {
			result, err = m.db.NewInsert().Model(stored).
				On("CONFLICT (user_id) DO NOTHING").
				Exec(ctx)
		} else {
			result, err = m.db.NewUpdate().Model(stored).
				WherePK().
				Where("revision = ?", expectedRevision).
				Exec(ctx)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to save profile: %w (userID=%s)", err, profile.UserID)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("failed to read affected rows: %w", err)
		}
		if affected == 0 {
			return nil, metadata.ErrRevisionConflict
		}

		return stored, nil
	})
}

// List pages through profiles ordered by user ID.
func (m *ProfileModel) List(ctx context.Context, cursor string, limit int) (*types.ProfilePage, error) {
	if limit <= 0 {
		limit = metadata.DefaultPageSize
	}

	return dbretry.Operation(ctx, func(ctx context.Context) (*types.ProfilePage, error) {
		var profiles []*types.UserProfile

		err := m.db.NewSelect().Model(&profiles).
			Where("user_id > ?", cursor).
			Order("user_id ASC").
			Limit(limit + 1).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list profiles: %w (cursor=%s)", err, cursor)
		}

		page := &types.ProfilePage{Profiles: profiles}
		if len(profiles) > limit {
			page.Profiles = profiles[:limit]
			page.NextCursor = profiles[limit-1].UserID
		}

		return page, nil
	})
}

// CountByShard returns how many profiles are assigned to each shard.
func (m *ProfileModel) CountByShard(ctx context.Context) (map[int]int, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (map[int]int, error) {
		var rows []struct {
			ShardID int `bun:"shard_id"`
			Count   int `bun:"count"`
		}

		err := m.db.NewSelect().
			Model((*types.UserProfile)(nil)).
			Column("shard_id").
			ColumnExpr("COUNT(*) AS count").
			Group("shard_id").
			Scan(ctx, &rows)
		if err != nil {
			return nil, fmt.Errorf("failed to count profiles by shard: %w", err)
		}

		counts := make(map[int]int, len(rows))
		for _, row := range rows {
			counts[row.ShardID] = row.Count
		}

		return counts, nil
	})
}
