package notifier

import (
	"context"
	"fmt"
	"time"

	"github.com/bytedance/sonic"
	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/database/types"
	"github.com/robalyx/herald/internal/metrics"
	"github.com/robalyx/herald/pkg/utils"
	"go.uber.org/zap"
)

// Notifier publishes presence notifications to status channels.
// Each notification is a single publish; the broker fans it out to
// every subscription group containing the channel.
type Notifier struct {
	bus      broadcast.Broadcaster
	recorder metrics.Recorder
	retry    utils.RetryOptions
	logger   *zap.Logger
	now      func() time.Time
}

// New creates a notifier.
func New(bus broadcast.Broadcaster, recorder metrics.Recorder, retry utils.RetryOptions, logger *zap.Logger) *Notifier {
	return &Notifier{
		bus:      bus,
		recorder: recorder,
		retry:    retry,
		logger:   logger.Named("notifier"),
		now:      time.Now,
	}
}

// NotifyTransition announces a user's online or offline transition to their friends.
// profile supplies the display fields and may be nil.
func (n *Notifier) NotifyTransition(ctx context.Context, presence types.UserPresence, profile *types.UserProfile) error {
	msg := Message{
		UserID: presence.UserID,
	}

	if presence.Online {
		msg.Type = TypeFriendOnline
		msg.Timestamp = presence.LastOnline
		if profile != nil {
			msg.DisplayName = profile.DisplayName
			msg.AvatarURL = profile.AvatarURL
		}
	} else {
		msg.Type = TypeFriendOffline
		msg.Timestamp = presence.LastOffline
		msg.LastSeen = presence.LastSeen
	}

	if msg.Timestamp == 0 {
		msg.Timestamp = presence.LastSeen
	}
	msg.EventID = NewEventID(presence.UserID, msg.Timestamp)

	return n.send(ctx, broadcast.StatusChannel(presence.UserID), msg.Type, &msg)
}

// NotifyFriendAdded tells owner that friend joined their friend list.
func (n *Notifier) NotifyFriendAdded(ctx context.Context, ownerID string, friend *types.UserProfile) error {
	ts := n.now().UnixMilli()
	msg := Message{
		Type:        TypeFriendAdded,
		EventID:     NewEventID(ownerID, ts),
		UserID:      ownerID,
		Timestamp:   ts,
		FriendID:    friend.UserID,
		DisplayName: friend.DisplayName,
		AvatarURL:   friend.AvatarURL,
	}

	return n.send(ctx, broadcast.StatusChannel(ownerID), msg.Type, &msg)
}

// NotifyFriendRemoved tells owner that friendID left their friend list.
func (n *Notifier) NotifyFriendRemoved(ctx context.Context, ownerID, friendID string) error {
	ts := n.now().UnixMilli()
	msg := Message{
		Type:      TypeFriendRemoved,
		EventID:   NewEventID(ownerID, ts),
		UserID:    ownerID,
		Timestamp: ts,
		FriendID:  friendID,
	}

	return n.send(ctx, broadcast.StatusChannel(ownerID), msg.Type, &msg)
}

// PublishSummary publishes the global online count to channel.
func (n *Notifier) PublishSummary(ctx context.Context, channel string, summary *GlobalSummary) error {
	return n.send(ctx, channel, TypeGlobalSummary, summary)
}

func (n *Notifier) send(ctx context.Context, channel, msgType string, msg any) error {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode %s message: %w", msgType, err)
	}

	start := time.Now()
	_, err = utils.WithRetryNotify(ctx, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, n.bus.Publish(ctx, channel, payload)
	}, n.retry, func(err error, next time.Duration) {
		n.logger.Warn("Publish failed, retrying",
			zap.String("channel", channel),
			zap.String("type", msgType),
			zap.Duration("next", next),
			zap.Error(err))
	})
	n.recorder.ObservePublishDuration(time.Since(start))

	if err != nil {
		n.recorder.IncPublishFailure(msgType)
		n.logger.Error("Publish failed after retries",
			zap.String("channel", channel),
			zap.String("type", msgType),
			zap.Error(err))
		return fmt.Errorf("failed to publish %s to %s: %w", msgType, channel, err)
	}

	n.recorder.IncPublish(msgType)
	return nil
}
