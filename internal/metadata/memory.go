package metadata

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/robalyx/herald/internal/database/types"
)

// Memory is an in-process Store. Records are copied on the way in and out.
type Memory struct {
	profiles map[string]*types.UserProfile
	members  map[string]map[string]*types.FriendRelationship
	mu       sync.RWMutex
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		profiles: make(map[string]*types.UserProfile),
		members:  make(map[string]map[string]*types.FriendRelationship),
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, userID string) (*types.UserProfile, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	profile, ok := m.profiles[userID]
	if !ok {
		return nil, ErrNotFound
	}

	return profile.Clone(), nil
}

// Set implements Store.
func (m *Memory) Set(
	_ context.Context, profile *types.UserProfile, expectedRevision int64,
) (*types.UserProfile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, exists := m.profiles[profile.UserID]
	switch {
	case expectedRevision == 0 && exists:
		return nil, ErrRevisionConflict
	case expectedRevision != 0 && (!exists || current.Revision != expectedRevision):
		return nil, ErrRevisionConflict
	}

	stored := profile.Clone()
	stored.Revision = expectedRevision + 1
	stored.UpdatedAt = time.Now()
	m.profiles[stored.UserID] = stored

	return stored.Clone(), nil
}

// ListProfiles implements Store.
func (m *Memory) ListProfiles(_ context.Context, cursor string, limit int) (*types.ProfilePage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	ids := make([]string, 0, len(m.profiles))
	for id := range m.profiles {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	ids, next := page(ids, limit)

	profiles := make([]*types.UserProfile, 0, len(ids))
	for _, id := range ids {
		profiles = append(profiles, m.profiles[id].Clone())
	}

	return &types.ProfilePage{Profiles: profiles, NextCursor: next}, nil
}

// GetMember implements Store.
func (m *Memory) GetMember(_ context.Context, ownerID, friendID string) (*types.FriendRelationship, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	member, ok := m.members[ownerID][friendID]
	if !ok {
		return nil, ErrNotFound
	}

	c := *member
	return &c, nil
}

// ListMembers implements Store.
func (m *Memory) ListMembers(_ context.Context, ownerID, cursor string, limit int) (*types.MemberPage, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	owned := m.members[ownerID]

	ids := make([]string, 0, len(owned))
	for id := range owned {
		if id > cursor {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	ids, next := page(ids, limit)

	members := make([]*types.FriendRelationship, 0, len(ids))
	for _, id := range ids {
		c := *owned[id]
		members = append(members, &c)
	}

	return &types.MemberPage{Members: members, NextCursor: next}, nil
}

// SetMember implements Store.
func (m *Memory) SetMember(_ context.Context, member *types.FriendRelationship) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.members[member.OwnerID]
	if !ok {
		owned = make(map[string]*types.FriendRelationship)
		m.members[member.OwnerID] = owned
	}

	_, exists := owned[member.FriendID]

	c := *member
	owned[member.FriendID] = &c

	return !exists, nil
}

// RemoveMember implements Store.
func (m *Memory) RemoveMember(_ context.Context, ownerID, friendID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	owned, ok := m.members[ownerID]
	if !ok {
		return false, nil
	}

	if _, exists := owned[friendID]; !exists {
		return false, nil
	}

	delete(owned, friendID)
	if len(owned) == 0 {
		delete(m.members, ownerID)
	}

	return true, nil
}

// page trims sorted ids to limit and returns the cursor of the next page.
func page(ids []string, limit int) ([]string, string) {
	if limit <= 0 {
		limit = DefaultPageSize
	}

	if len(ids) <= limit {
		return ids, ""
	}

	ids = ids[:limit]
	return ids, ids[len(ids)-1]
}
