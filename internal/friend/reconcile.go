package friend

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metadata"
	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
)

// Repair kinds recorded by reconciliation.
const (
	RepairReciprocal = "reciprocal"
	RepairRemoval    = "removal"
	RepairMirrorAdd  = "mirror_add"
	RepairMirrorDrop = "mirror_drop"
	RepairBrokerAdd  = "broker_add"
	RepairBrokerDrop = "broker_drop"
	RepairCount      = "friend_count"
)

// DefaultSweepWorkers is the number of users reconciled concurrently.
const DefaultSweepWorkers = 8

// Report summarizes the drift found and repaired.
type Report struct {
	UsersScanned int            `json:"usersScanned"`
	Failures     int            `json:"failures"`
	Repairs      map[string]int `json:"repairs"`
}

// Total returns the number of repairs made.
func (r *Report) Total() int {
	total := 0
	for _, n := range r.Repairs {
		total += n
	}
	return total
}

func (r *Report) add(kind string, n int) {
	if n == 0 {
		return
	}
	if r.Repairs == nil {
		r.Repairs = make(map[string]int)
	}
	r.Repairs[kind] += n
}

func (r *Report) merge(other Report) {
	r.UsersScanned += other.UsersScanned
	r.Failures += other.Failures
	for kind, n := range other.Repairs {
		r.add(kind, n)
	}
}

// ReconcileUser repairs drift between a user's relationships, the group
// mirror and the broker, then resets the cached friend count.
func (m *Manager) ReconcileUser(ctx context.Context, userID string) (Report, error) {
	report := Report{UsersScanned: 1}

	if _, err := m.presence.GetProfile(ctx, userID); err != nil {
		return report, err
	}

	members, err := metadata.ListAllMembers(ctx, m.meta, userID)
	if err != nil {
		return report, fmt.Errorf("failed to list members: %w", err)
	}

	// Roll half-finished commands forward
	for _, member := range members {
		if err := m.reconcileHalf(ctx, member, &report); err != nil {
			return report, err
		}
	}

	friends, err := m.Friends(ctx, userID)
	if err != nil {
		return report, err
	}

	accepted := make(map[string]struct{}, len(friends))
	for _, friend := range friends {
		accepted[broadcast.StatusChannel(friend)] = struct{}{}
	}

	if err := m.reconcileMirror(ctx, userID, accepted, &report); err != nil {
		return report, err
	}

	if err := m.reconcileBroker(ctx, userID, &report); err != nil {
		return report, err
	}

	// Relist so relationships changed during the repairs are counted
	friends, err = m.Friends(ctx, userID)
	if err != nil {
		return report, err
	}

	changed, err := m.presence.SetFriendCount(ctx, userID, len(friends))
	if err != nil {
		return report, fmt.Errorf("failed to set friend count: %w", err)
	}
	if changed {
		m.repaired(userID, RepairCount, 1, &report)
	}

	return report, nil
}

func (m *Manager) reconcileHalf(ctx context.Context, member *types.FriendRelationship, report *Report) error {
	owner, friend := member.OwnerID, member.FriendID

	switch member.Status {
	case types.RelationshipRemoved:
		if err := m.Remove(ctx, owner, friend); err != nil {
			return err
		}
		m.repaired(owner, RepairRemoval, 1, report)

	case types.RelationshipAccepted:
		reciprocal, err := m.getMember(ctx, friend, owner)
		if err != nil {
			return err
		}

		switch {
		case reciprocal.Accepted():
			return nil
		case reciprocal != nil && reciprocal.Status == types.RelationshipRemoved:
			if err := m.Remove(ctx, owner, friend); err != nil {
				return err
			}
			m.repaired(owner, RepairRemoval, 1, report)
		default:
			err := m.Establish(ctx, owner, friend)
			switch {
			case errors.Is(err, types.ErrUserNotFound):
				// The friend no longer exists; drop the orphaned half
				if err := m.Remove(ctx, owner, friend); err != nil {
					return err
				}
				m.repaired(owner, RepairRemoval, 1, report)
			case errors.Is(err, ErrCapacityExceeded):
				m.logger.Warn("Cannot complete friendship over capacity, removing it",
					zap.String("owner", owner),
					zap.String("friend", friend))
				if err := m.Remove(ctx, owner, friend); err != nil {
					return err
				}
				m.repaired(owner, RepairRemoval, 1, report)
			case err != nil:
				return err
			default:
				m.repaired(owner, RepairReciprocal, 1, report)
			}
		}

	case types.RelationshipPending:
		// Owned by the request workflow
	}

	return nil
}

func (m *Manager) reconcileMirror(
	ctx context.Context, userID string, accepted map[string]struct{}, report *Report,
) error {
	channels, err := m.groups.Channels(ctx, userID)
	if err != nil {
		return fmt.Errorf("failed to read group mirror: %w", err)
	}

	mirrored := make(map[string]struct{}, len(channels))
	for _, c := range channels {
		mirrored[c.Channel] = struct{}{}

		if _, ok := accepted[c.Channel]; ok {
			continue
		}

		friend, _ := broadcast.UserFromStatusChannel(c.Channel)
		repaired, err := m.repairPlacement(ctx, userID, friend, false)
		if err != nil {
			return err
		}
		if repaired {
			m.repaired(userID, RepairMirrorDrop, 1, report)
		}
	}

	for channel := range accepted {
		if _, ok := mirrored[channel]; ok {
			continue
		}

		friend, _ := broadcast.UserFromStatusChannel(channel)
		repaired, err := m.repairPlacement(ctx, userID, friend, true)
		if err != nil {
			return err
		}
		if repaired {
			m.repaired(userID, RepairMirrorAdd, 1, report)
		}
	}

	return nil
}

// repairPlacement subscribes or unsubscribes owner to friend under the pair
// lock, after confirming the relationship still calls for it. It reports
// false when a concurrent command already changed the relationship.
func (m *Manager) repairPlacement(ctx context.Context, owner, friend string, subscribe bool) (bool, error) {
	mu := m.pairLock(owner, friend)
	mu.Lock()
	defer mu.Unlock()

	member, err := m.getMember(ctx, owner, friend)
	if err != nil {
		return false, err
	}

	if member.Accepted() != subscribe {
		m.logger.Debug("Relationship changed during reconciliation, skipping repair",
			zap.String("owner", owner),
			zap.String("friend", friend),
			zap.Bool("subscribe", subscribe))
		return false, nil
	}

	if subscribe {
		return true, m.subscribe(ctx, owner, friend)
	}
	return true, m.unsubscribe(ctx, owner, friend)
}

// reconcileBroker makes the broker's groups match the mirror. Without a
// GroupLister the idempotent additions are re-issued instead.
func (m *Manager) reconcileBroker(ctx context.Context, userID string, report *Report) error {
	groups, err := m.Groups(ctx, userID)
	if err != nil {
		return err
	}

	lister, ok := m.bus.(broadcast.GroupLister)
	if !ok {
		for _, g := range groups {
			name := broadcast.GroupName(userID, g.GroupIndex)
			if err := m.step(ctx, "re-add group channels", func(ctx context.Context) error {
				return m.bus.AddChannelsToGroup(ctx, name, g.MemberChannels)
			}); err != nil {
				return err
			}
		}
		return nil
	}

	byIndex := make(map[int][]string, len(groups))
	for _, g := range groups {
		byIndex[g.GroupIndex] = g.MemberChannels
	}

	for idx := range m.cfg.MaxGroupsPerSubscriber {
		name := broadcast.GroupName(userID, idx)

		actual, err := lister.ListGroupChannels(ctx, name)
		if err != nil {
			return fmt.Errorf("failed to list broker group %s: %w", name, err)
		}

		missing, extra := diff(byIndex[idx], actual)

		if len(missing) > 0 {
			if err := m.step(ctx, "add missing channels", func(ctx context.Context) error {
				return m.bus.AddChannelsToGroup(ctx, name, missing)
			}); err != nil {
				return err
			}
			m.repaired(userID, RepairBrokerAdd, len(missing), report)
		}

		if len(extra) > 0 {
			if err := m.step(ctx, "remove stale channels", func(ctx context.Context) error {
				return m.bus.RemoveChannelsFromGroup(ctx, name, extra)
			}); err != nil {
				return err
			}
			m.repaired(userID, RepairBrokerDrop, len(extra), report)
		}
	}

	return nil
}

// Sweep reconciles every user, a page at a time.
// A failing user is logged and counted without stopping the sweep.
func (m *Manager) Sweep(ctx context.Context, batchSize, workers int) (Report, error) {
	if batchSize <= 0 {
		batchSize = metadata.DefaultPageSize
	}
	if workers <= 0 {
		workers = DefaultSweepWorkers
	}

	var (
		total  Report
		cursor string
	)

	for {
		page, err := m.meta.ListProfiles(ctx, cursor, batchSize)
		if err != nil {
			return total, fmt.Errorf("failed to list profiles: %w", err)
		}

		var (
			p  = pool.New().WithMaxGoroutines(workers)
			mu sync.Mutex
		)

		for _, profile := range page.Profiles {
			userID := profile.UserID
			p.Go(func() {
				report, err := m.ReconcileUser(ctx, userID)
				if err != nil {
					report.Failures++
					m.logger.Error("Failed to reconcile user",
						zap.String("userID", userID),
						zap.Error(err))
				}

				mu.Lock()
				total.merge(report)
				mu.Unlock()
			})
		}
		p.Wait()

		if err := ctx.Err(); err != nil {
			return total, err
		}

		if page.NextCursor == "" {
			break
		}
		cursor = page.NextCursor
	}

	m.logger.Info("Reconciliation sweep finished",
		zap.Int("users", total.UsersScanned),
		zap.Int("repairs", total.Total()),
		zap.Int("failures", total.Failures))

	return total, nil
}

func (m *Manager) repaired(userID, kind string, n int, report *Report) {
	report.add(kind, n)
	for range n {
		m.recorder.IncRepair(kind)
	}

	m.logger.Info("Repaired drift",
		zap.String("userID", userID),
		zap.String("kind", kind),
		zap.Int("count", n))
}

// diff returns the channels of want missing from have and the channels of have not in want.
func diff(want, have []string) ([]string, []string) {
	wantSet := make(map[string]struct{}, len(want))
	for _, c := range want {
		wantSet[c] = struct{}{}
	}

	haveSet := make(map[string]struct{}, len(have))
	var extra []string
	for _, c := range have {
		haveSet[c] = struct{}{}
		if _, ok := wantSet[c]; !ok {
			extra = append(extra, c)
		}
	}

	var missing []string
	for _, c := range want {
		if _, ok := haveSet[c]; !ok {
			missing = append(missing, c)
		}
	}

	return missing, extra
}
