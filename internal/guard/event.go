package guard

import "errors"

// ErrUnrecognizedAction is returned for detector actions other than join, leave and timeout.
var ErrUnrecognizedAction = errors.New("unrecognized presence action")

// Action is the kind of transition reported by a presence detector.
type Action string

const (
	ActionJoin    Action = "join"
	ActionLeave   Action = "leave"
	ActionTimeout Action = "timeout"
)

// Valid reports whether the action is a recognized transition trigger.
func (a Action) Valid() bool {
	switch a {
	case ActionJoin, ActionLeave, ActionTimeout:
		return true
	default:
		return false
	}
}

// Online reports the presence state the action implies.
func (a Action) Online() bool {
	return a == ActionJoin
}

// Event is a raw presence transition delivered by a shard's detector.
type Event struct {
	Action    Action `json:"action"`
	UserID    string `json:"userId"`
	ShardID   int    `json:"shardId"`
	Timestamp int64  `json:"timestamp"` // epoch milliseconds
}
