// Package broadcasttest provides a broadcaster for tests that records every
// publish and can inject failures.
package broadcasttest

import (
	"context"
	"errors"
	"sync"

	"github.com/robalyx/herald/internal/broadcast"
	"github.com/robalyx/herald/internal/metrics"
)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected broadcaster failure")

// Published is one recorded publish.
type Published struct {
	Channel string
	Payload []byte
}

// Bus wraps an in-process bus and records calls.
type Bus struct {
	*broadcast.Memory

	published     []Published
	publishFails  int
	addFails      int
	occupancyErrs map[string]error
	occupancy     map[string]int
	mu            sync.Mutex
}

// New creates a recording bus.
func New() *Bus {
	return &Bus{
		Memory:        broadcast.NewMemory(0, metrics.Nop{}),
		occupancyErrs: make(map[string]error),
		occupancy:     make(map[string]int),
	}
}

// FailPublishes makes the next n publishes fail.
func (b *Bus) FailPublishes(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.publishFails = n
}

// FailAdds makes the next n group additions fail.
func (b *Bus) FailAdds(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.addFails = n
}

// SetOccupancy overrides the occupancy reported for channel.
func (b *Bus) SetOccupancy(channel string, n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.occupancy[channel] = n
}

// FailOccupancy makes occupancy queries for channel return err.
func (b *Bus) FailOccupancy(channel string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.occupancyErrs[channel] = err
}

// Publish records the call and delivers through the in-process bus.
func (b *Bus) Publish(ctx context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	if b.publishFails > 0 {
		b.publishFails--
		b.mu.Unlock()
		return ErrInjected
	}
	b.published = append(b.published, Published{Channel: channel, Payload: payload})
	b.mu.Unlock()

	return b.Memory.Publish(ctx, channel, payload)
}

// AddChannelsToGroup fails when configured to, otherwise delegates.
func (b *Bus) AddChannelsToGroup(ctx context.Context, group string, channels []string) error {
	b.mu.Lock()
	if b.addFails > 0 {
		b.addFails--
		b.mu.Unlock()
		return ErrInjected
	}
	b.mu.Unlock()

	return b.Memory.AddChannelsToGroup(ctx, group, channels)
}

// Occupancy returns the configured value or error, falling back to subscriber counts.
func (b *Bus) Occupancy(ctx context.Context, channel string) (int, error) {
	b.mu.Lock()
	err, failing := b.occupancyErrs[channel]
	n, overridden := b.occupancy[channel]
	b.mu.Unlock()

	switch {
	case failing:
		return 0, err
	case overridden:
		return n, nil
	default:
		return b.Memory.Occupancy(ctx, channel)
	}
}

// Published returns a copy of every successful publish.
func (b *Bus) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// PublishedTo returns the payloads published to channel.
func (b *Bus) PublishedTo(channel string) [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	var payloads [][]byte
	for _, p := range b.published {
		if p.Channel == channel {
			payloads = append(payloads, p.Payload)
		}
	}
	return payloads
}

var _ broadcast.Broadcaster = (*Bus)(nil)
