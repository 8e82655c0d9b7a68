package friend

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/internal/notifier"
	"github.com/robalyx/herald/internal/presence"
	"github.com/robalyx/herald/internal/shard"
	"github.com/robalyx/herald/pkg/utils"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

var (
	// ErrSelfFriendship is returned when both parties are the same user.
	ErrSelfFriendship = errors.New("a user cannot befriend themselves")
	// ErrCapacityExceeded is returned when a user's subscription groups are all full.
	ErrCapacityExceeded = errors.New("friend capacity exceeded")
	// ErrPartialFailure is returned when a command failed after committing a durable step.
	// Reconciliation completes the command.
	ErrPartialFailure = errors.New("relationship command partially applied")
)

const (
	// DefaultMaxChannelsPerGroup is the broker's limit on channels in one group.
	DefaultMaxChannelsPerGroup = 2000
	// DefaultMaxGroupsPerSubscriber is the number of groups a client may consume.
	DefaultMaxGroupsPerSubscriber = 10

	pairLockStripes = 256
)

// Config holds the friend manager's limits.
type Config struct {
	MaxChannelsPerGroup    int
	MaxGroupsPerSubscriber int
	Retry                  utils.RetryOptions
}

// Manager keeps friend relationships bidirectional and the broker's
// subscription groups in step with them.
type Manager struct {
	meta     metadata.Store
	groups   metadata.GroupStore
	presence *presence.Store
	bus      broadcast.Broadcaster
	notifier *notifier.Notifier
	recorder metrics.Recorder
	logger   *zap.Logger
	tracer   trace.Tracer
	cfg      Config
	locks    [pairLockStripes]sync.Mutex
}

// NewManager creates a friend relationship manager.
func NewManager(
	meta metadata.Store, groups metadata.GroupStore, presenceStore *presence.Store,
	bus broadcast.Broadcaster, n *notifier.Notifier, recorder metrics.Recorder,
	cfg Config, logger *zap.Logger,
) *Manager {
	if cfg.MaxChannelsPerGroup <= 0 {
		cfg.MaxChannelsPerGroup = DefaultMaxChannelsPerGroup
	}

	if cfg.MaxGroupsPerSubscriber <= 0 {
		cfg.MaxGroupsPerSubscriber = DefaultMaxGroupsPerSubscriber
	}

	if cfg.Retry.MaxRetries == 0 {
		cfg.Retry = utils.GetRelationshipRetryOptions()
	}

	return &Manager{
		meta:     meta,
		groups:   groups,
		presence: presenceStore,
		bus:      bus,
		notifier: n,
		recorder: recorder,
		logger:   logger.Named("friend_manager"),
		tracer:   otel.Tracer("herald/friend"),
		cfg:      cfg,
	}
}

// Capacity returns the maximum number of friends a user can have.
func (m *Manager) Capacity() int {
	return m.cfg.MaxChannelsPerGroup * m.cfg.MaxGroupsPerSubscriber
}

// Establish makes a and b mutual friends and subscribes each to the other's status.
// It is idempotent.
func (m *Manager) Establish(ctx context.Context, a, b string) (err error) {
	ctx, span := m.tracer.Start(ctx, "friend.Establish",
		trace.WithAttributes(attribute.String("a", a), attribute.String("b", b)))
	defer func() { endSpan(span, err) }()

	if a == "" || b == "" {
		return types.ErrInvalidUserID
	}
	if a == b {
		return ErrSelfFriendship
	}

	mu := m.pairLock(a, b)
	mu.Lock()
	defer mu.Unlock()

	profileA, err := m.presence.GetProfile(ctx, a)
	if err != nil {
		return err
	}
	profileB, err := m.presence.GetProfile(ctx, b)
	if err != nil {
		return err
	}

	halfAB, err := m.getMember(ctx, a, b)
	if err != nil {
		return err
	}
	halfBA, err := m.getMember(ctx, b, a)
	if err != nil {
		return err
	}

	if halfAB.Accepted() && halfBA.Accepted() {
		return nil
	}

	if err := m.checkCapacity(ctx, a, b); err != nil {
		return err
	}
	if err := m.checkCapacity(ctx, b, a); err != nil {
		return err
	}

	now := time.Now()
	durable := false

	// Each party's half is written, then wired to the broker
	for _, side := range []struct {
		owner, friend string
		previous      *types.FriendRelationship
	}{
		{a, b, halfAB},
		{b, a, halfBA},
	} {
		if err := m.acceptHalf(ctx, side.owner, side.friend, side.previous, now); err != nil {
			return m.partial(durable, "accept half", err, a, b)
		}
		durable = true
	}

	for _, side := range [][2]string{{a, b}, {b, a}} {
		if err := m.subscribe(ctx, side[0], side[1]); err != nil {
			return m.partial(durable, "subscribe", err, a, b)
		}
	}

	if !halfAB.Accepted() {
		if err := m.adjustCount(ctx, a, 1); err != nil {
			return m.partial(durable, "adjust friend count", err, a, b)
		}
	}
	if !halfBA.Accepted() {
		if err := m.adjustCount(ctx, b, 1); err != nil {
			return m.partial(durable, "adjust friend count", err, a, b)
		}
	}

	m.logger.Info("Established friendship", zap.String("a", a), zap.String("b", b))

	m.notifyAdded(ctx, a, profileB)
	m.notifyAdded(ctx, b, profileA)

	return nil
}

// Remove ends the friendship between a and b and unsubscribes both sides.
// Removing a non-existent friendship is a no-op.
func (m *Manager) Remove(ctx context.Context, a, b string) (err error) {
	ctx, span := m.tracer.Start(ctx, "friend.Remove",
		trace.WithAttributes(attribute.String("a", a), attribute.String("b", b)))
	defer func() { endSpan(span, err) }()

	if a == "" || b == "" {
		return types.ErrInvalidUserID
	}
	if a == b {
		return ErrSelfFriendship
	}

	mu := m.pairLock(a, b)
	mu.Lock()
	defer mu.Unlock()

	return m.remove(ctx, a, b)
}

// remove runs the removal steps. The caller holds the pair lock.
func (m *Manager) remove(ctx context.Context, a, b string) error {
	halfAB, err := m.getMember(ctx, a, b)
	if err != nil {
		return err
	}
	halfBA, err := m.getMember(ctx, b, a)
	if err != nil {
		return err
	}

	if halfAB == nil && halfBA == nil {
		return nil
	}

	durable := false

	for _, half := range []*types.FriendRelationship{halfAB, halfBA} {
		if half == nil || half.Status == types.RelationshipRemoved {
			continue
		}

		marked := *half
		marked.Status = types.RelationshipRemoved
		if err := m.step(ctx, "mark half removed", func(ctx context.Context) error {
			_, err := m.meta.SetMember(ctx, &marked)
			return err
		}); err != nil {
			return m.partial(durable, "mark half removed", err, a, b)
		}
		durable = true
	}

	for _, side := range [][2]string{{a, b}, {b, a}} {
		if err := m.unsubscribe(ctx, side[0], side[1]); err != nil {
			return m.partial(true, "unsubscribe", err, a, b)
		}
	}

	for _, side := range [][2]string{{a, b}, {b, a}} {
		owner, friend := side[0], side[1]
		if err := m.step(ctx, "delete half", func(ctx context.Context) error {
			_, err := m.meta.RemoveMember(ctx, owner, friend)
			return err
		}); err != nil {
			return m.partial(true, "delete half", err, a, b)
		}
	}

	if halfAB.Accepted() {
		if err := m.adjustCount(ctx, a, -1); err != nil {
			return m.partial(true, "adjust friend count", err, a, b)
		}
	}
	if halfBA.Accepted() {
		if err := m.adjustCount(ctx, b, -1); err != nil {
			return m.partial(true, "adjust friend count", err, a, b)
		}
	}

	m.logger.Info("Removed friendship", zap.String("a", a), zap.String("b", b))

	if halfAB != nil {
		m.notifyRemoved(ctx, a, b)
	}
	if halfBA != nil {
		m.notifyRemoved(ctx, b, a)
	}

	return nil
}

// Friends returns the IDs of owner's accepted friends.
func (m *Manager) Friends(ctx context.Context, ownerID string) ([]string, error) {
	members, err := metadata.ListAllMembers(ctx, m.meta, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list members: %w", err)
	}

	friends := make([]string, 0, len(members))
	for _, member := range members {
		if member.Accepted() {
			friends = append(friends, member.FriendID)
		}
	}

	return friends, nil
}

// Groups returns owner's subscription groups as mirrored by the service.
func (m *Manager) Groups(ctx context.Context, ownerID string) ([]*types.SubscriptionGroup, error) {
	channels, err := m.groups.Channels(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list group channels: %w", err)
	}

	return metadata.Groups(ownerID, channels), nil
}

// checkCapacity rejects owner gaining friend when owner's groups are full.
func (m *Manager) checkCapacity(ctx context.Context, owner, friend string) error {
	channels, err := m.groups.Channels(ctx, owner)
	if err != nil {
		return fmt.Errorf("failed to read group mirror: %w", err)
	}

	target := broadcast.StatusChannel(friend)
	for _, c := range channels {
		if c.Channel == target {
			return nil
		}
	}

	if len(channels) >= m.Capacity() {
		return fmt.Errorf("%w: %s has %d friends", ErrCapacityExceeded, owner, len(channels))
	}

	return nil
}

func (m *Manager) acceptHalf(
	ctx context.Context, owner, friend string, previous *types.FriendRelationship, now time.Time,
) error {
	if previous.Accepted() {
		return nil
	}

	half := &types.FriendRelationship{
		OwnerID:  owner,
		FriendID: friend,
		Status:   types.RelationshipAccepted,
		AddedAt:  now,
	}

	return m.step(ctx, "accept half", func(ctx context.Context) error {
		_, err := m.meta.SetMember(ctx, half)
		return err
	})
}

// subscribe places friend's status channel in one of owner's groups on the broker.
func (m *Manager) subscribe(ctx context.Context, owner, friend string) error {
	channel := broadcast.StatusChannel(friend)

	var idx int
	err := m.step(ctx, "assign group", func(ctx context.Context) error {
		var err error
		idx, _, err = m.groups.Assign(ctx, owner, channel, m.cfg.MaxChannelsPerGroup, m.cfg.MaxGroupsPerSubscriber)
		if errors.Is(err, metadata.ErrGroupsFull) {
			return backoff.Permanent(fmt.Errorf("%w: %w", ErrCapacityExceeded, err))
		}
		return err
	})
	if err != nil {
		return err
	}

	return m.step(ctx, "add to group", func(ctx context.Context) error {
		return m.bus.AddChannelsToGroup(ctx, broadcast.GroupName(owner, idx), []string{channel})
	})
}

// unsubscribe releases friend's status channel from owner's groups on the broker.
func (m *Manager) unsubscribe(ctx context.Context, owner, friend string) error {
	channel := broadcast.StatusChannel(friend)

	var (
		idx      int
		released bool
	)
	err := m.step(ctx, "release group", func(ctx context.Context) error {
		var err error
		idx, released, err = m.groups.Release(ctx, owner, channel)
		return err
	})
	if err != nil || !released {
		return err
	}

	return m.step(ctx, "remove from group", func(ctx context.Context) error {
		return m.bus.RemoveChannelsFromGroup(ctx, broadcast.GroupName(owner, idx), []string{channel})
	})
}

func (m *Manager) adjustCount(ctx context.Context, userID string, delta int) error {
	return m.step(ctx, "adjust friend count", func(ctx context.Context) error {
		_, err := m.presence.AdjustFriendCount(ctx, userID, delta)
		if delta < 0 && errors.Is(err, types.ErrUserNotFound) {
			return nil
		}
		return err
	})
}

func (m *Manager) getMember(ctx context.Context, owner, friend string) (*types.FriendRelationship, error) {
	var member *types.FriendRelationship

	err := m.step(ctx, "get member", func(ctx context.Context) error {
		var err error
		member, err = m.meta.GetMember(ctx, owner, friend)
		if errors.Is(err, metadata.ErrNotFound) {
			member = nil
			return nil
		}
		return err
	})

	return member, err
}

func (m *Manager) notifyAdded(ctx context.Context, owner string, friend *types.UserProfile) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyFriendAdded(ctx, owner, friend); err != nil {
		m.logger.Warn("Failed to send friend added notice",
			zap.String("owner", owner),
			zap.String("friend", friend.UserID),
			zap.Error(err))
	}
}

func (m *Manager) notifyRemoved(ctx context.Context, owner, friend string) {
	if m.notifier == nil {
		return
	}
	if err := m.notifier.NotifyFriendRemoved(ctx, owner, friend); err != nil {
		m.logger.Warn("Failed to send friend removed notice",
			zap.String("owner", owner),
			zap.String("friend", friend),
			zap.Error(err))
	}
}

// step runs one idempotent command step, retrying transient failures.
func (m *Manager) step(ctx context.Context, name string, fn func(ctx context.Context) error) error {
	_, err := utils.WithRetryNotify(ctx, func(ctx context.Context) (struct{}, error) {
		err := fn(ctx)
		if err != nil && isPermanent(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, m.cfg.Retry, func(err error, next time.Duration) {
		m.logger.Warn("Relationship step failed, retrying",
			zap.String("step", name),
			zap.Duration("next", next),
			zap.Error(err))
	})
	if err != nil {
		return fmt.Errorf("failed to %s: %w", name, err)
	}

	return nil
}

// partial wraps err with ErrPartialFailure once a durable step has committed.
func (m *Manager) partial(durable bool, step string, err error, a, b string) error {
	if !durable {
		return err
	}

	m.logger.Error("Relationship command partially applied, reconciliation will repair it",
		zap.String("step", step),
		zap.String("a", a),
		zap.String("b", b),
		zap.Error(err))

	return fmt.Errorf("%w: %w", ErrPartialFailure, err)
}

func (m *Manager) pairLock(a, b string) *sync.Mutex {
	if b < a {
		a, b = b, a
	}
	return &m.locks[shard.For(a+"\x00"+b, pairLockStripes)]
}

func isPermanent(err error) bool {
	return errors.Is(err, types.ErrUserNotFound) ||
		errors.Is(err, types.ErrInvalidUserID) ||
		errors.Is(err, ErrCapacityExceeded) ||
		errors.Is(err, context.Canceled)
}

func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
