package models

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/robalyx/herald/internal/database/dbretry"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// RelationshipModel handles database operations for friendship halves.
type RelationshipModel struct {
	db     *bun.DB
	logger *zap.Logger
}

// NewRelationship creates a RelationshipModel with database access.
func NewRelationship(db *bun.DB, logger *zap.Logger) *RelationshipModel {
	return &RelationshipModel{
		db:     db,
		logger: logger.Named("db_relationship"),
	}
}

// Get retrieves the half owned by ownerID pointing at friendID.
func (m *RelationshipModel) Get(ctx context.Context, ownerID, friendID string) (*types.FriendRelationship, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (*types.FriendRelationship, error) {
		member := &types.FriendRelationship{OwnerID: ownerID, FriendID: friendID}

		err := m.db.NewSelect().Model(member).
			WherePK().
			Scan(ctx)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil, metadata.ErrNotFound
			}
			return nil, fmt.Errorf("failed to get relationship: %w (owner=%s, friend=%s)", err, ownerID, friendID)
		}

		return member, nil
	})
}

// List pages through an owner's halves ordered by friend ID.
func (m *RelationshipModel) List(
	ctx context.Context, ownerID, cursor string, limit int,
) (*types.MemberPage, error) {
	if limit <= 0 {
		limit = metadata.DefaultPageSize
	}

	return dbretry.Operation(ctx, func(ctx context.Context) (*types.MemberPage, error) {
		var members []*types.FriendRelationship

		err := m.db.NewSelect().Model(&members).
			Where("owner_id = ?", ownerID).
			Where("friend_id > ?", cursor).
			Order("friend_id ASC").
			Limit(limit + 1).
			Scan(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list relationships: %w (owner=%s)", err, ownerID)
		}

		page := &types.MemberPage{Members: members}
		if len(members) > limit {
			page.Members = members[:limit]
			page.NextCursor = members[limit-1].FriendID
		}

		return page, nil
	})
}

// Upsert writes a half and reports whether the row is new.
func (m *RelationshipModel) Upsert(ctx context.Context, member *types.FriendRelationship) (bool, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (bool, error) {
		var inserted bool

		// xmax is zero only for rows created by this statement
		err := m.db.NewInsert().Model(member).
			On("CONFLICT (owner_id, friend_id) DO UPDATE").
			Set("status = EXCLUDED.status").
			Set("added_at = EXCLUDED.added_at").
			Returning("(xmax = 0) AS inserted").
			Scan(ctx, &inserted)
		if err != nil {
			return false, fmt.Errorf("failed to save relationship: %w (owner=%s, friend=%s)",
				err, member.OwnerID, member.FriendID)
		}

		return inserted, nil
	})
}

// Delete removes a half and reports whether it existed.
func (m *RelationshipModel) Delete(ctx context.Context, ownerID, friendID string) (bool, error) {
	return dbretry.Operation(ctx, func(ctx context.Context) (bool, error) {
		result, err := m.db.NewDelete().
			Model((*types.FriendRelationship)(nil)).
			Where("owner_id = ?", ownerID).
			Where("friend_id = ?", friendID).
			Exec(ctx)
		if err != nil {
			return false, fmt.Errorf("failed to delete relationship: %w (owner=%s, friend=%s)",
				err, ownerID, friendID)
		}

		affected, err := result.RowsAffected()
		if err != nil {
			return false, fmt.Errorf("failed to read affected rows: %w", err)
		}

		return affected > 0, nil
	})
}
