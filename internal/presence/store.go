package presence

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/robalyx/herald/internal/shard"
	"go.uber.org/zap"
)

// DefaultTimeout bounds each metadata store call.
const DefaultTimeout = 2 * time.Second

var (
	conflictInitialInterval = 5 * time.Millisecond
	conflictMaxInterval     = 200 * time.Millisecond
	conflictMaxRetries      = uint64(32)
)

// Update is the result of applying a presence event.
type Update struct {
	Profile *types.UserProfile
	Changed bool // Online flag flipped
	Stale   bool // Event was older than the stored state and was discarded
}

// Presence returns the presence fields of the updated profile.
func (u *Update) Presence() types.UserPresence {
	return u.Profile.Presence()
}

// Store is the authoritative presence state of every user.
// Writes for one user serialize through conditional writes on the profile revision.
type Store struct {
	meta     metadata.Store
	registry *shard.Registry
	timeout  time.Duration
	logger   *zap.Logger
}

// NewStore creates a presence store on top of a metadata store.
func NewStore(meta metadata.Store, registry *shard.Registry, timeout time.Duration, logger *zap.Logger) *Store {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	return &Store{
		meta:     meta,
		registry: registry,
		timeout:  timeout,
		logger:   logger.Named("presence_store"),
	}
}

// Registry returns the shard registry used for assignment.
func (s *Store) Registry() *shard.Registry {
	return s.registry
}

// GetProfile returns a user's full profile.
func (s *Store) GetProfile(ctx context.Context, userID string) (*types.UserProfile, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	profile, err := s.meta.Get(ctx, userID)
	if err != nil {
		if errors.Is(err, metadata.ErrNotFound) {
			return nil, fmt.Errorf("%w: %s", types.ErrUserNotFound, userID)
		}
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}

	return profile, nil
}

// GetState returns a user's current presence.
func (s *Store) GetState(ctx context.Context, userID string) (*types.UserPresence, error) {
	profile, err := s.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}

	p := profile.Presence()
	return &p, nil
}

// Register creates a user's profile, offline and assigned to a shard.
// Registering an existing user returns the stored profile unchanged.
func (s *Store) Register(ctx context.Context, userID, displayName, avatarURL string) (*types.UserProfile, error) {
	if userID == "" {
		return nil, types.ErrInvalidUserID
	}

	profile := &types.UserProfile{
		UserID:      userID,
		DisplayName: displayName,
		AvatarURL:   avatarURL,
		ShardID:     s.registry.Assign(userID),
	}

	createCtx, cancel := context.WithTimeout(ctx, s.timeout)
	created, err := s.meta.Set(createCtx, profile, 0)
	cancel()

	switch {
	case err == nil:
		s.logger.Debug("Registered user",
			zap.String("userID", userID),
			zap.Int("shardID", created.ShardID))
		return created, nil
	case errors.Is(err, metadata.ErrRevisionConflict):
		return s.GetProfile(ctx, userID)
	default:
		return nil, fmt.Errorf("failed to register user: %w", err)
	}
}

// AssignShard returns the user's persisted shard, registering the user if needed.
func (s *Store) AssignShard(ctx context.Context, userID string) (int, error) {
	profile, err := s.GetProfile(ctx, userID)
	if errors.Is(err, types.ErrUserNotFound) {
		profile, err = s.Register(ctx, userID, "", "")
	}
	if err != nil {
		return 0, err
	}

	return profile.ShardID, nil
}

// SetState applies a presence event observed at timestamp (epoch milliseconds).
// Events older than the stored lastSeen are discarded. Repeating the current
// state only advances lastSeen. Equal timestamps apply in arrival order.
func (s *Store) SetState(ctx context.Context, userID string, online bool, timestamp int64) (*Update, error) {
	update := &Update{}

	profile, err := s.mutate(ctx, userID, func(p *types.UserProfile) bool {
		update.Changed = false
		update.Stale = false

		if timestamp < p.LastSeen {
			update.Stale = true
			return false
		}

		if p.Online == online && p.LastSeen == timestamp {
			return false
		}

		if p.Online != online {
			update.Changed = true
			p.Online = online

			if online {
				p.LastOnline = timestamp
			} else {
				p.LastOffline = timestamp
			}
		}

		p.LastSeen = timestamp
		return true
	})
	if err != nil {
		return nil, err
	}

	update.Profile = profile
	return update, nil
}

// MarkPublished records the state carried by the latest notification for a user.
func (s *Store) MarkPublished(ctx context.Context, userID, state string) error {
	_, err := s.mutate(ctx, userID, func(p *types.UserProfile) bool {
		if p.LastPublished == state {
			return false
		}
		p.LastPublished = state
		return true
	})

	return err
}

// AdjustFriendCount adds delta to the cached friend count, never going below zero.
func (s *Store) AdjustFriendCount(ctx context.Context, userID string, delta int) (*types.UserPresence, error) {
	profile, err := s.mutate(ctx, userID, func(p *types.UserProfile) bool {
		p.FriendCount = max(p.FriendCount+delta, 0)
		return delta != 0
	})
	if err != nil {
		return nil, err
	}

	presence := profile.Presence()
	return &presence, nil
}

// SetFriendCount overwrites the cached friend count.
func (s *Store) SetFriendCount(ctx context.Context, userID string, count int) (bool, error) {
	changed := false

	_, err := s.mutate(ctx, userID, func(p *types.UserProfile) bool {
		changed = p.FriendCount != count
		p.FriendCount = count
		return changed
	})

	return changed, err
}

// Reassign moves a user to the shard the current registry computes.
// Returns the previous shard and whether it changed.
func (s *Store) Reassign(ctx context.Context, userID string) (int, bool, error) {
	var previous int

	target := s.registry.Assign(userID)

	_, err := s.mutate(ctx, userID, func(p *types.UserProfile) bool {
		previous = p.ShardID
		p.ShardID = target
		return previous != target
	})
	if err != nil {
		return 0, false, err
	}

	return previous, previous != target, nil
}

// mutate applies fn to the latest profile and writes it conditionally,
// re-reading and re-applying when another writer won the race.
// fn returns false when nothing needs to be written.
func (s *Store) mutate(
	ctx context.Context, userID string, fn func(p *types.UserProfile) bool,
) (*types.UserProfile, error) {
	var result *types.UserProfile

	b := backoff.WithMaxRetries(backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(conflictInitialInterval),
		backoff.WithMaxInterval(conflictMaxInterval),
		backoff.WithMaxElapsedTime(0),
	), conflictMaxRetries)

	err := backoff.Retry(func() error {
		profile, err := s.GetProfile(ctx, userID)
		if err != nil {
			return backoff.Permanent(err)
		}

		expected := profile.Revision
		if !fn(profile) {
			result = profile
			return nil
		}

		writeCtx, cancel := context.WithTimeout(ctx, s.timeout)
		defer cancel()

		stored, err := s.meta.Set(writeCtx, profile, expected)
		if err != nil {
			if errors.Is(err, metadata.ErrRevisionConflict) {
				return err
			}
			return backoff.Permanent(fmt.Errorf("failed to write profile: %w", err))
		}

		result = stored
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return nil, err
	}

	return result, nil
}
