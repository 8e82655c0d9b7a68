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

// SubscriptionModel mirrors subscription group placements in Postgres.
// Placement for one owner is serialized with a transaction-scoped advisory
// lock so concurrent assignments never overfill a group.
type SubscriptionModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewSubscription creates a SubscriptionModel with database access.
func NewSubscription(db *bun.DB, logger *zap.Logger) *SubscriptionModel {
	return &SubscriptionModel{
		db:     db,
		logger: logger.Named("db_subscription"),
	}
}

// Assign implements metadata.GroupStore.
func (m *SubscriptionModel) Assign(
	ctx context.Context, ownerID, channel string, capacity, maxGroups int,
) (int, bool, error) {
	var (
		index   int
		created bool
	)

	err := dbretry.Transaction(ctx, m.db, func(ctx context.Context, tx bun.Tx) error {
		created = false

		if _, err := tx.NewRaw("SELECT pg_advisory_xact_lock(hashtext(?))", ownerID).Exec(ctx); err != nil {
			return fmt.Errorf("failed to lock owner: %w (owner=%s)", err, ownerID)
		}

		existing := &types.SubscriptionChannel{OwnerID: ownerID, Channel: channel}
		err := tx.NewSelect().Model(existing).WherePK().Scan(ctx)
		if err == nil {
			index = existing.GroupIndex
			return nil
		}
		if !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("failed to get placement: %w (owner=%s, channel=%s)", err, ownerID, channel)
		}

		var rows []struct {
			GroupIndex int `bun:"group_index"`
			Count      int `bun:"count"`
		}
		err = tx.NewSelect().
			Model((*types.SubscriptionChannel)(nil)).
			Column("group_index").
			ColumnExpr("COUNT(*) AS count").
			Where("owner_id = ?", ownerID).
			Group("group_index").
			Scan(ctx, &rows)
		if err != nil {
			return fmt.Errorf("failed to count group sizes: %w (owner=%s)", err, ownerID)
		}

		sizes := make(map[int]int, len(rows))
		for _, row := range rows {
			sizes[row.GroupIndex] = row.Count
		}

		idx, ok := metadata.PickGroup(sizes, capacity, maxGroups)
		if !ok {
			return metadata.ErrGroupsFull
		}

		_, err = tx.NewInsert().Model(&types.SubscriptionChannel{
			OwnerID:    ownerID,
			Channel:    channel,
			GroupIndex: idx,
			AddedAt:    time.Now(),
		}).Exec(ctx)
		if err != nil {
			return fmt.Errorf("failed to place channel: %w (owner=%s, channel=%s)", err, ownerID, channel)
		}

		index = idx
		created = true
		return nil
	})
	if err != nil {
		return 0, false, err
	}

	return index, created, nil
}

// Release implements metadata.GroupStore.
func (m *SubscriptionModel) Release(ctx context.Context, ownerID, channel string) (int, bool, error) {
	type released struct {
		index int
		ok    bool
	}

	r, err := dbretry.Operation(ctx, func(ctx context.Context) (released, error) {
		var index int

		err := m.db.NewDelete().
			Model((*types.SubscriptionChannel)(nil)).
			Where("owner_id = ?", ownerID).
			Where("channel = ?", channel).
			Returning("group_index").
			Scan(ctx, &index)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return released{}, nil
			}
			return released{}, fmt.Errorf("failed to release channel: %w (owner=%s, channel=%s)",
				err, ownerID, channel)
		}

		return released{index: index, ok: true}, nil
	})
	if err != nil {
		return 0, false, err
	}

	return r.index, r.ok, nil
}

// Channels implements metadata.GroupStore.
func (m *SubscriptionModel) Channels(ctx context.Context, ownerID string) ([]*types.SubscriptionChannel, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) ([]*types.SubscriptionChannel, error) {
		var channels []*types.SubscriptionChannel

		err := m.db.NewSelect().Model(&channels).
			Where("owner_id = ?", ownerID).
			Order("channel ASC").
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list placements: %w (owner=%s)", err, ownerID)
		}

		return channels, nil
	})
}

// Count implements metadata.GroupStore.
func (m *SubscriptionModel) Count(ctx context.Context, ownerID string) (int, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (int, error) {
		count, err := m.db.NewSelect().
			Model((*types.SubscriptionChannel)(nil)).
			Where("owner_id = ?", ownerID).
			Count(ctx)
		if err != nil {
			return 0, fmt.Errorf("failed to count placements: %w (owner=%s)", err, ownerID)
		}

		return count, nil
	})
}

var _ metadata.GroupStore = (*SubscriptionModel)(nil)
