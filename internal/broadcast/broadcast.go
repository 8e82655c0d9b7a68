package broadcast

import (
	"context"
	"strconv"
)

const (
	// StatusChannelPrefix prefixes every user's own status channel.
	StatusChannelPrefix = "status."
	// GroupPrefix prefixes every friend subscription group.
	GroupPrefix = "friends."
)

// Broadcaster is the fan-out primitive of the pub/sub transport.
// AddChannelsToGroup and RemoveChannelsFromGroup must be idempotent and
// commutative so concurrent calls for one group need no application lock.
type Broadcaster interface {
	// Publish delivers payload to subscribers of channel and of every group containing it.
	Publish(ctx context.Context, channel string, payload []byte) error
	// AddChannelsToGroup puts channels into a subscription group.
	AddChannelsToGroup(ctx context.Context, group string, channels []string) error
	// RemoveChannelsFromGroup takes channels out of a subscription group.
	RemoveChannelsFromGroup(ctx context.Context, group string, channels []string) error
	// Occupancy returns the number of subscribers currently present on channel.
	Occupancy(ctx context.Context, channel string) (int, error)
}

// GroupLister is implemented by broadcasters that can report group contents.
type GroupLister interface {
	ListGroupChannels(ctx context.Context, group string) ([]string, error)
}

// StatusChannel returns the channel a user's presence notifications are published to.
func StatusChannel(userID string) string {
	return StatusChannelPrefix + userID
}

// UserFromStatusChannel extracts the user ID from a status channel name.
func UserFromStatusChannel(channel string) (string, bool) {
	if len(channel) <= len(StatusChannelPrefix) || channel[:len(StatusChannelPrefix)] != StatusChannelPrefix {
		return "", false
	}
	return channel[len(StatusChannelPrefix):], true
}

// GroupName returns the name of one of an owner's subscription groups.
func GroupName(ownerID string, index int) string {
	return GroupPrefix + ownerID + "." + strconv.Itoa(index)
}
