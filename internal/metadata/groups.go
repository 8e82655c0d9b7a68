package metadata

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/robalyx/herald/internal/database/types"
)

// ErrGroupsFull is returned when every allowed group of an owner is at capacity.
var ErrGroupsFull = errors.New("all subscription groups are full")

// GroupStore mirrors which subscription group holds each channel of an owner.
// Slot assignment is atomic per owner so a channel lands in exactly one group
// and no group exceeds its capacity.
type GroupStore interface {
	// Assign places channel in the lowest-indexed group with spare capacity.
	// A channel already placed keeps its group and created is false.
	Assign(ctx context.Context, ownerID, channel string, capacity, maxGroups int) (index int, created bool, err error)
	// Release removes channel from whichever group holds it.
	Release(ctx context.Context, ownerID, channel string) (index int, released bool, err error)
	// Channels returns every placed channel of an owner ordered by channel.
	Channels(ctx context.Context, ownerID string) ([]*types.SubscriptionChannel, error)
	// Count returns the number of placed channels of an owner.
	Count(ctx context.Context, ownerID string) (int, error)
}

// Groups folds placed channels into their groups ordered by index.
func Groups(ownerID string, channels []*types.SubscriptionChannel) []*types.SubscriptionGroup {
	byIndex := make(map[int]*types.SubscriptionGroup)
	for _, c := range channels {
		g, ok := byIndex[c.GroupIndex]
		if !ok {
			g = &types.SubscriptionGroup{OwnerID: ownerID, GroupIndex: c.GroupIndex}
			byIndex[c.GroupIndex] = g
		}
		g.MemberChannels = append(g.MemberChannels, c.Channel)
	}

	groups := make([]*types.SubscriptionGroup, 0, len(byIndex))
	for _, g := range byIndex {
		slices.Sort(g.MemberChannels)
		groups = append(groups, g)
	}
	slices.SortFunc(groups, func(a, b *types.SubscriptionGroup) int {
		return a.GroupIndex - b.GroupIndex
	})

	return groups
}

// PickGroup returns the lowest group index with fewer than capacity channels
// given the current per-index sizes, or false if all maxGroups are full.
func PickGroup(sizes map[int]int, capacity, maxGroups int) (int, bool) {
	for idx := range maxGroups {
		if sizes[idx] < capacity {
			return idx, true
		}
	}
	return 0, false
}

// MemoryGroups is an in-process GroupStore.
type MemoryGroups struct {
	owners map[string]map[string]*types.SubscriptionChannel // owner -> channel -> placement
	mu     sync.Mutex
}

// NewMemoryGroups creates an empty in-process group mirror.
func NewMemoryGroups() *MemoryGroups {
	return &MemoryGroups{
		owners: make(map[string]map[string]*types.SubscriptionChannel),
	}
}

// Assign implements GroupStore.
func (g *MemoryGroups) Assign(
	_ context.Context, ownerID, channel string, capacity, maxGroups int,
) (int, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	placed, ok := g.owners[ownerID]
	if !ok {
		placed = make(map[string]*types.SubscriptionChannel)
		g.owners[ownerID] = placed
	}

	if existing, ok := placed[channel]; ok {
		return existing.GroupIndex, false, nil
	}

	sizes := make(map[int]int)
	for _, c := range placed {
		sizes[c.GroupIndex]++
	}

	idx, ok := PickGroup(sizes, capacity, maxGroups)
	if !ok {
		return 0, false, ErrGroupsFull
	}

	placed[channel] = &types.SubscriptionChannel{
		OwnerID:    ownerID,
		Channel:    channel,
		GroupIndex: idx,
		AddedAt:    time.Now(),
	}

	return idx, true, nil
}

// Release implements GroupStore.
func (g *MemoryGroups) Release(_ context.Context, ownerID, channel string) (int, bool, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	placed := g.owners[ownerID]
	existing, ok := placed[channel]
	if !ok {
		return 0, false, nil
	}

	delete(placed, channel)
	if len(placed) == 0 {
		delete(g.owners, ownerID)
	}

	return existing.GroupIndex, true, nil
}

// Channels implements GroupStore.
func (g *MemoryGroups) Channels(_ context.Context, ownerID string) ([]*types.SubscriptionChannel, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	channels := make([]*types.SubscriptionChannel, 0, len(g.owners[ownerID]))
	for _, c := range g.owners[ownerID] {
		cp := *c
		channels = append(channels, &cp)
	}
	slices.SortFunc(channels, func(a, b *types.SubscriptionChannel) int {
		switch {
		case a.Channel < b.Channel:
			return -1
		case a.Channel > b.Channel:
			return 1
		default:
			return 0
		}
	})

	return channels, nil
}

// Count implements GroupStore.
func (g *MemoryGroups) Count(_ context.Context, ownerID string) (int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.owners[ownerID]), nil
}
