// Package natsbus binds the broadcaster to NATS. Payloads travel over core
// NATS subjects and group membership lives in a JetStream key-value bucket
// shared by every instance.
package natsbus

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robalyx/herald/internal/broadcast"
	"go.uber.org/zap"
)

const (
	// GroupsBucket stores group membership as <b64(group)>.<b64(channel)> keys.
	GroupsBucket = "HERALD_GROUPS"
	// OccupancyBucket stores one <b64(channel)>.<subscriber> key per live subscriber.
	OccupancyBucket = "HERALD_OCCUPANCY"

	// DefaultOccupancyTTL expires subscribers that stopped heartbeating.
	DefaultOccupancyTTL = 30 * time.Second
)

var encoding = base64.RawURLEncoding

// Options configures the connection.
type Options struct {
	URL           string
	Name          string
	User          string
	Password      string
	ReconnectWait time.Duration
	OccupancyTTL  time.Duration
	MemoryStorage bool
}

// Connect dials NATS with reconnect-forever settings.
func Connect(opts Options, logger *zap.Logger) (*nats.Conn, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}

	natsOpts := []nats.Option{
		nats.Name(opts.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("Disconnected from NATS", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("Reconnected to NATS", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if opts.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(opts.User, opts.Password))
	}

	nc, err := nats.Connect(opts.URL, natsOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS: %w", err)
	}

	return nc, nil
}

// Bus is a broadcast.Broadcaster on NATS.
type Bus struct {
	nc        *nats.Conn
	groups    nats.KeyValue
	occupancy nats.KeyValue
	watcher   nats.KeyWatcher
	logger    *zap.Logger

	channelGroups map[string]map[string]struct{} // channel -> groups
	mu            sync.RWMutex
	done          chan struct{}
}

// New binds the key-value buckets and hydrates the membership index.
// It returns once every existing membership entry has been loaded.
func New(ctx context.Context, nc *nats.Conn, opts Options, logger *zap.Logger) (*Bus, error) {
	js, err := nc.JetStream()
	if err != nil {
		return nil, fmt.Errorf("failed to get JetStream context: %w", err)
	}

	storage := nats.FileStorage
	if opts.MemoryStorage {
		storage = nats.MemoryStorage
	}

	ttl := opts.OccupancyTTL
	if ttl <= 0 {
		ttl = DefaultOccupancyTTL
	}

	groups, err := bindBucket(js, &nats.KeyValueConfig{
		Bucket:  GroupsBucket,
		History: 1,
		Storage: storage,
	})
	if err != nil {
		return nil, err
	}

	occupancy, err := bindBucket(js, &nats.KeyValueConfig{
		Bucket:  OccupancyBucket,
		History: 1,
		TTL:     ttl,
		Storage: storage,
	})
	if err != nil {
		return nil, err
	}

	watcher, err := groups.WatchAll()
	if err != nil {
		return nil, fmt.Errorf("failed to watch %s: %w", GroupsBucket, err)
	}

	b := &Bus{
		nc:            nc,
		groups:        groups,
		occupancy:     occupancy,
		watcher:       watcher,
		logger:        logger.Named("natsbus"),
		channelGroups: make(map[string]map[string]struct{}),
		done:          make(chan struct{}),
	}

	// Initial values end with a nil entry
	count := 0
	for {
		select {
		case <-ctx.Done():
			_ = watcher.Stop()
			return nil, ctx.Err()
		case entry, ok := <-watcher.Updates():
			if !ok {
				return nil, fmt.Errorf("%s watcher closed during hydration", GroupsBucket)
			}
			if entry == nil {
				b.logger.Info("Hydrated group membership", zap.Int("entries", count))
				go b.follow()
				return b, nil
			}
			b.apply(entry)
			count++
		}
	}
}

func bindBucket(js nats.JetStreamContext, cfg *nats.KeyValueConfig) (nats.KeyValue, error) {
	kv, err := js.CreateKeyValue(cfg)
	if err == nil {
		return kv, nil
	}

	// Another instance may have created it with a different config
	kv, bindErr := js.KeyValue(cfg.Bucket)
	if bindErr != nil {
		return nil, fmt.Errorf("failed to bind bucket %s: %w", cfg.Bucket, errors.Join(err, bindErr))
	}

	return kv, nil
}

// follow applies membership changes made by other instances.
func (b *Bus) follow() {
	defer close(b.done)

	for entry := range b.watcher.Updates() {
		if entry == nil {
			continue
		}
		b.apply(entry)
	}
}

func (b *Bus) apply(entry nats.KeyValueEntry) {
	group, channel, ok := decodeKey(entry.Key())
	if !ok {
		b.logger.Warn("Skipping malformed membership key", zap.String("key", entry.Key()))
		return
	}

	switch entry.Operation() {
	case nats.KeyValuePut:
		b.index(group, channel)
	case nats.KeyValueDelete, nats.KeyValuePurge:
		b.unindex(group, channel)
	}
}

func (b *Bus) index(group, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	groups, ok := b.channelGroups[channel]
	if !ok {
		groups = make(map[string]struct{})
		b.channelGroups[channel] = groups
	}
	groups[group] = struct{}{}
}

func (b *Bus) unindex(group, channel string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if groups, ok := b.channelGroups[channel]; ok {
		delete(groups, group)
		if len(groups) == 0 {
			delete(b.channelGroups, channel)
		}
	}
}

// Publish sends payload on the channel subject and on every group subject containing it.
// A retry after a failed group publish resends to the groups already reached.
func (b *Bus) Publish(_ context.Context, channel string, payload []byte) error {
	if err := b.nc.Publish(channel, payload); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", channel, err)
	}

	b.mu.RLock()
	groups := make([]string, 0, len(b.channelGroups[channel]))
	for group := range b.channelGroups[channel] {
		groups = append(groups, group)
	}
	b.mu.RUnlock()

	for _, group := range groups {
		if err := b.nc.Publish(group, payload); err != nil {
			return fmt.Errorf("failed to publish to group %s: %w", group, err)
		}
	}

	return nil
}

// AddChannelsToGroup implements broadcast.Broadcaster.
func (b *Bus) AddChannelsToGroup(ctx context.Context, group string, channels []string) error {
	for _, channel := range channels {
		if err := ctx.Err(); err != nil {
			return err
		}

		if _, err := b.groups.Put(encodeKey(group, channel), []byte(channel)); err != nil {
			return fmt.Errorf("failed to add %s to %s: %w", channel, group, err)
		}
		b.index(group, channel)
	}

	return nil
}

// RemoveChannelsFromGroup implements broadcast.Broadcaster.
func (b *Bus) RemoveChannelsFromGroup(ctx context.Context, group string, channels []string) error {
	for _, channel := range channels {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := b.groups.Delete(encodeKey(group, channel))
		if err != nil && !errors.Is(err, nats.ErrKeyNotFound) {
			return fmt.Errorf("failed to remove %s from %s: %w", channel, group, err)
		}
		b.unindex(group, channel)
	}

	return nil
}

// Occupancy counts live subscriber keys for channel.
func (b *Bus) Occupancy(ctx context.Context, channel string) (int, error) {
	return countKeys(ctx, b.occupancy, encoding.EncodeToString([]byte(channel))+".*")
}

// Heartbeat records a subscriber on channel until the bucket TTL expires.
func (b *Bus) Heartbeat(_ context.Context, channel, subscriberID string) error {
	key := encoding.EncodeToString([]byte(channel)) + "." + encoding.EncodeToString([]byte(subscriberID))
	if _, err := b.occupancy.Put(key, []byte(subscriberID)); err != nil {
		return fmt.Errorf("failed to heartbeat %s: %w", channel, err)
	}
	return nil
}

// ListGroupChannels implements broadcast.GroupLister from the shared bucket.
func (b *Bus) ListGroupChannels(ctx context.Context, group string) ([]string, error) {
	watcher, err := b.groups.Watch(encoding.EncodeToString([]byte(group))+".*",
		nats.IgnoreDeletes(), nats.Context(ctx))
	if err != nil {
		if errors.Is(err, nats.ErrKeyNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to watch group %s: %w", group, err)
	}
	defer func() { _ = watcher.Stop() }()

	var channels []string
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		channels = append(channels, string(entry.Value()))
	}

	return channels, ctx.Err()
}

// Close stops following membership changes.
func (b *Bus) Close() error {
	err := b.watcher.Stop()
	<-b.done
	return err
}

func countKeys(ctx context.Context, kv nats.KeyValue, filter string) (int, error) {
	watcher, err := kv.Watch(filter, nats.IgnoreDeletes(), nats.MetaOnly(), nats.Context(ctx))
	if err != nil {
		return 0, fmt.Errorf("failed to watch %s: %w", filter, err)
	}
	defer func() { _ = watcher.Stop() }()

	count := 0
	for entry := range watcher.Updates() {
		if entry == nil {
			break
		}
		count++
	}

	return count, ctx.Err()
}

func encodeKey(group, channel string) string {
	return encoding.EncodeToString([]byte(group)) + "." + encoding.EncodeToString([]byte(channel))
}

func decodeKey(key string) (string, string, bool) {
	rawGroup, rawChannel, ok := strings.Cut(key, ".")
	if !ok {
		return "", "", false
	}

	group, err := encoding.DecodeString(rawGroup)
	if err != nil {
		return "", "", false
	}
	channel, err := encoding.DecodeString(rawChannel)
	if err != nil {
		return "", "", false
	}

	return string(group), string(channel), true
}

var _ broadcast.Broadcaster = (*Bus)(nil)
var _ broadcast.GroupLister = (*Bus)(nil)
