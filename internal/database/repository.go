package database

import (
	"context"

	"github.com/robalyx/herald/internal/database/models"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/uptrace/bun"
	"go.uber.org/zap"
)

// Repository provides access to all database models and serves them as
// the durable metadata store.
type Repository struct {
	profile      *models.ProfileModel
	relationship *models.RelationshipModel
	subscription *models.SubscriptionModel
}

// NewRepository creates a new repository instance with all models.
func NewRepository(db *bun.DB, logger *zap.Logger) *Repository {
	return &Repository{
		profile:      models.NewProfile(db, logger),
		relationship: models.NewRelationship(db, logger),
		subscription: models.NewSubscription(db, logger),
	}
}

// Profile returns the profile model repository.
func (r *Repository) Profile() *models.ProfileModel {
	return r.profile
}

// Relationship returns the relationship model repository.
func (r *Repository) Relationship() *models.RelationshipModel {
	return r.relationship
}

// Subscription returns the subscription group mirror.
func (r *Repository) Subscription() *models.SubscriptionModel {
	return r.subscription
}

// Get implements metadata.Store.
func (r *Repository) Get(ctx context.Context, userID string) (*types.UserProfile, error) {
	return r.profile.Get(ctx, userID)
}

// Set implements metadata.Store.
func (r *Repository) Set(
	ctx context.Context, profile *types.UserProfile, expectedRevision int64,
) (*types.UserProfile, error) {
	return r.profile.Set(ctx, profile, expectedRevision)
}

// ListProfiles implements metadata.Store.
func (r *Repository) ListProfiles(ctx context.Context, cursor string, limit int) (*types.ProfilePage, error) {
	return r.profile.List(ctx, cursor, limit)
}

// GetMember implements metadata.Store.
func (r *Repository) GetMember(ctx context.Context, ownerID, friendID string) (*types.FriendRelationship, error) {
	return r.relationship.Get(ctx, ownerID, friendID)
}

// ListMembers implements metadata.Store.
func (r *Repository) ListMembers(
	ctx context.Context, ownerID, cursor string, limit int,
) (*types.MemberPage, error) {
	return r.relationship.List(ctx, ownerID, cursor, limit)
}

// SetMember implements metadata.Store.
func (r *Repository) SetMember(ctx context.Context, member *types.FriendRelationship) (bool, error) {
	return r.relationship.Upsert(ctx, member)
}

// RemoveMember implements metadata.Store.
func (r *Repository) RemoveMember(ctx context.Context, ownerID, friendID string) (bool, error) {
	return r.relationship.Delete(ctx, ownerID, friendID)
}

var _ metadata.Store = (*Repository)(nil)
