package metadata

import (
	"context"
	"errors"

	"github.com/robalyx/herald/internal/database/types"
)

var (
	// ErrNotFound is returned when a profile or member record does not exist.
	ErrNotFound = errors.New("metadata record not found")
	// ErrRevisionConflict is returned when a conditional write lost a race.
	ErrRevisionConflict = errors.New("metadata revision conflict")
)

// DefaultPageSize is used when a listing is requested with a non-positive limit.
const DefaultPageSize = 100

// Store is the durable profile and membership store.
// Reads observe every write this service has committed.
type Store interface {
	// Get returns a user's profile or ErrNotFound.
	Get(ctx context.Context, userID string) (*types.UserProfile, error)
	// Set writes a profile if its stored revision equals expectedRevision.
	// An expectedRevision of 0 creates the profile. The stored copy is returned
	// with its new revision; a lost race returns ErrRevisionConflict.
	Set(ctx context.Context, profile *types.UserProfile, expectedRevision int64) (*types.UserProfile, error)
	// ListProfiles pages through all profiles ordered by user ID.
	ListProfiles(ctx context.Context, cursor string, limit int) (*types.ProfilePage, error)

	// GetMember returns one membership record or ErrNotFound.
	GetMember(ctx context.Context, ownerID, friendID string) (*types.FriendRelationship, error)
	// ListMembers pages through an owner's membership records ordered by friend ID.
	ListMembers(ctx context.Context, ownerID, cursor string, limit int) (*types.MemberPage, error)
	// SetMember upserts a membership record and reports whether it was created.
	SetMember(ctx context.Context, member *types.FriendRelationship) (bool, error)
	// RemoveMember deletes a membership record and reports whether it existed.
	RemoveMember(ctx context.Context, ownerID, friendID string) (bool, error)
}

// ListAllMembers collects every membership record of an owner.
func ListAllMembers(ctx context.Context, store Store, ownerID string) ([]*types.FriendRelationship, error) {
	var (
		members []*types.FriendRelationship
		cursor  string
	)

	for {
		page, err := store.ListMembers(ctx, ownerID, cursor, DefaultPageSize)
		if err != nil {
			return nil, err
		}

		members = append(members, page.Members...)

		if page.NextCursor == "" {
			return members, nil
		}
		cursor = page.NextCursor
	}
}
