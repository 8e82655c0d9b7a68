package notifier

import (
	"strconv"
	"sync/atomic"
)

// Message types published to status channels.
const (
	TypeFriendOnline  = "friend.online"
	TypeFriendOffline = "friend.offline"
	TypeFriendAdded   = "friend.added"
	TypeFriendRemoved = "friend.removed"
	TypeGlobalSummary = "presence.global"
)

// Message is the JSON payload delivered to subscribers of a status channel.
type Message struct {
	Type        string `json:"type"`
	EventID     string `json:"eventId"`
	UserID      string `json:"userId"`
	Timestamp   int64  `json:"timestamp"`
	DisplayName string `json:"displayName,omitempty"`
	AvatarURL   string `json:"avatarUrl,omitempty"`
	LastSeen    int64  `json:"lastSeen,omitempty"`
	FriendID    string `json:"friendId,omitempty"`
}

// GlobalSummary is the periodic platform-wide online count.
type GlobalSummary struct {
	Type          string `json:"type"`
	Timestamp     int64  `json:"timestamp"`
	Total         int    `json:"total"`
	Delta         int    `json:"delta"`
	Peak          int    `json:"peak"`
	PeakDay       string `json:"peakDay"`
	ShardsCounted int    `json:"shardsCounted"`
	ShardCount    int    `json:"shardCount"`
}

var eventCounter atomic.Uint64

// NewEventID returns an identifier unique within the process for an event
// about userID at timestamp (epoch milliseconds).
func NewEventID(userID string, timestamp int64) string {
	return userID + "-" + strconv.FormatInt(timestamp, 10) + "-" + strconv.FormatUint(eventCounter.Add(1), 10)
}
