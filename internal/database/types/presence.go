package types

import (
	"errors"
	"time"
)

var (
	ErrUserNotFound    = errors.New("user not found")
	ErrInvalidUserID   = errors.New("invalid user ID")
	ErrInvalidPresence = errors.New("presence record violates an invariant")
)

// UserPresence is the authoritative online state of a user.
type UserPresence struct {
	UserID      string `json:"userId"`
	Online      bool   `json:"online"`
	LastSeen    int64  `json:"lastSeen"`              // epoch milliseconds
	LastOnline  int64  `json:"lastOnline,omitempty"`  // epoch milliseconds
	LastOffline int64  `json:"lastOffline,omitempty"` // epoch milliseconds
	ShardID     int    `json:"shardId"`
	FriendCount int    `json:"friendCount"`
}

// UserProfile is a user's metadata record. The presence fields are the
// custom fields this service owns; the rest belongs to the profile owner.
type UserProfile struct {
	UserID      string    `bun:",pk"                    json:"userId"`
	DisplayName string    `bun:",notnull"               json:"displayName"`
	AvatarURL   string    `bun:",notnull"               json:"avatarUrl"`
	Online      bool      `bun:",notnull,default:false" json:"online"`
	LastSeen    int64     `bun:",notnull,default:0"     json:"lastSeen"`
	LastOnline  int64     `bun:",notnull,default:0"     json:"lastOnline"`
	LastOffline int64     `bun:",notnull,default:0"     json:"lastOffline"`
	ShardID     int       `bun:",notnull"               json:"shardId"`
	FriendCount int       `bun:",notnull,default:0"     json:"friendCount"`
	// State carried by the latest notification, "" before the first one
	LastPublished string    `bun:",notnull,default:''"    json:"lastPublished,omitempty"`
	Revision      int64     `bun:",notnull"               json:"revision"`
	UpdatedAt     time.Time `bun:",notnull"               json:"updatedAt"`
}

// Presence projects the presence fields of the profile.
func (p *UserProfile) Presence() UserPresence {
	return UserPresence{
		UserID:      p.UserID,
		Online:      p.Online,
		LastSeen:    p.LastSeen,
		LastOnline:  p.LastOnline,
		LastOffline: p.LastOffline,
		ShardID:     p.ShardID,
		FriendCount: p.FriendCount,
	}
}

// ApplyPresence copies presence fields back into the profile.
func (p *UserProfile) ApplyPresence(presence UserPresence) {
	p.Online = presence.Online
	p.LastSeen = presence.LastSeen
	p.LastOnline = presence.LastOnline
	p.LastOffline = presence.LastOffline
	p.ShardID = presence.ShardID
	p.FriendCount = presence.FriendCount
}

// Clone returns a copy of the profile.
func (p *UserProfile) Clone() *UserProfile {
	c := *p
	return &c
}

// ProfilePage is one page of a profile listing.
type ProfilePage struct {
	Profiles   []*UserProfile
	NextCursor string // Empty when there are no more pages
}
