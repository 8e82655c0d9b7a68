package shard

import (
	"strconv"
)

const (
	// ChannelPrefix is the occupancy channel prefix for presence shards.
	ChannelPrefix = "presence.shard."

	// DetectorPrefix is the subject prefix presence detectors publish events to.
	DetectorPrefix = "presence.detector."
)

// For maps a user identifier to one of shardCount partitions.
// The hash is a 32-bit polynomial hash so the result is stable across restarts.
func For(userID string, shardCount int) int {
	if shardCount <= 0 {
		return 0
	}

	var h int32
	for i := range len(userID) {
		h = h*31 + int32(userID[i])
	}

	shardID := int(h) % shardCount
	if shardID < 0 {
		shardID = -shardID
	}

	return shardID
}

// Registry describes the set of presence shards.
type Registry struct {
	count int
}

// NewRegistry creates a registry for the given number of shards.
func NewRegistry(count int) *Registry {
	if count <= 0 {
		count = 1
	}

	return &Registry{count: count}
}

// Count returns the number of shards.
func (r *Registry) Count() int {
	return r.count
}

// All returns every shard identifier in ascending order.
func (r *Registry) All() []int {
	ids := make([]int, r.count)
	for i := range ids {
		ids[i] = i
	}

	return ids
}

// Assign returns the shard for a user in this registry.
func (r *Registry) Assign(userID string) int {
	return For(userID, r.count)
}

// Channel returns the occupancy channel of a shard.
func Channel(shardID int) string {
	return ChannelPrefix + strconv.Itoa(shardID)
}

// DetectorSubject returns the subject a shard's presence detector publishes to.
func DetectorSubject(shardID int) string {
	return DetectorPrefix + strconv.Itoa(shardID)
}
