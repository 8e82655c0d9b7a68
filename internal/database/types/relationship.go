package types

import (
	"time"
)

// RelationshipStatus is the state of one directed half of a friendship.
type RelationshipStatus string

const (
	// RelationshipPending is written by the request workflow before acceptance.
	RelationshipPending RelationshipStatus = "pending"
	// RelationshipAccepted marks a live half of an accepted friendship.
	RelationshipAccepted RelationshipStatus = "accepted"
	// RelationshipRemoved marks a half whose removal has started but not finished.
	RelationshipRemoved RelationshipStatus = "removed"
)

// FriendRelationship is a directed membership record. Accepted friendships
// always exist as two records, one owned by each party.
type FriendRelationship struct {
	OwnerID  string             `bun:",pk"      json:"ownerId"`
	FriendID string             `bun:",pk"      json:"friendId"`
	Status   RelationshipStatus `bun:",notnull" json:"status"`
	AddedAt  time.Time          `bun:",notnull" json:"addedAt"`
}

// Accepted reports whether the record is a live friendship half.
func (r *FriendRelationship) Accepted() bool {
	return r != nil && r.Status == RelationshipAccepted
}

// MemberPage is one page of an owner's membership listing.
type MemberPage struct {
	Members    []*FriendRelationship
	NextCursor string // Empty when there are no more pages
}

// SubscriptionChannel is one status channel placed into one of an owner's
// subscription groups. The (owner, channel) key keeps every channel in a single group.
type SubscriptionChannel struct {
	OwnerID    string    `bun:",pk"      json:"ownerId"`
	Channel    string    `bun:",pk"      json:"channel"`
	GroupIndex int       `bun:",notnull" json:"groupIndex"`
	AddedAt    time.Time `bun:",notnull" json:"addedAt"`
}

// SubscriptionGroup is the set of status channels an owner consumes as one feed.
type SubscriptionGroup struct {
	OwnerID        string   `json:"ownerId"`
	GroupIndex     int      `json:"groupIndex"`
	MemberChannels []string `json:"memberChannels"`
}
