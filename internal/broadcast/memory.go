package broadcast

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/robalyx/herald/internal/metrics"
)

// DefaultSubscriberBuffer is the number of messages a slow subscriber may fall behind.
const DefaultSubscriberBuffer = 256

// Message is a payload delivered by the in-process bus.
type Message struct {
	Channel string // Channel the payload was published to
	Topic   string // Channel or group the subscription matched
	Payload []byte
}

// Subscription receives messages for one channel or group.
type Subscription struct {
	C     <-chan Message
	id    int64
	topic string
	bus   *Memory
}

// Close stops delivery and closes C.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.topic, s.id)
}

// Memory is an in-process Broadcaster. Sends never block: a subscriber
// whose buffer is full misses the message.
type Memory struct {
	subscribers   map[string]map[int64]chan Message // topic -> subscribers
	groups        map[string]map[string]struct{}    // group -> channels
	channelGroups map[string]map[string]struct{}    // channel -> groups
	recorder      metrics.Recorder
	buffer        int
	nextID        atomic.Int64
	mu            sync.RWMutex
}

// NewMemory creates an in-process bus.
func NewMemory(buffer int, recorder metrics.Recorder) *Memory {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}

	return &Memory{
		subscribers:   make(map[string]map[int64]chan Message),
		groups:        make(map[string]map[string]struct{}),
		channelGroups: make(map[string]map[string]struct{}),
		recorder:      recorder,
		buffer:        buffer,
	}
}

// Subscribe registers a subscriber for a channel or a group.
func (m *Memory) Subscribe(topic string) *Subscription {
	id := m.nextID.Add(1)
	ch := make(chan Message, m.buffer)

	m.mu.Lock()
	subs, ok := m.subscribers[topic]
	if !ok {
		subs = make(map[int64]chan Message)
		m.subscribers[topic] = subs
	}
	subs[id] = ch
	m.mu.Unlock()

	return &Subscription{C: ch, id: id, topic: topic, bus: m}
}

func (m *Memory) unsubscribe(topic string, id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	subs := m.subscribers[topic]
	if ch, ok := subs[id]; ok {
		delete(subs, id)
		close(ch)
	}

	if len(subs) == 0 {
		delete(m.subscribers, topic)
	}
}

// Publish implements Broadcaster.
func (m *Memory) Publish(_ context.Context, channel string, payload []byte) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	m.deliver(channel, channel, payload)
	for group := range m.channelGroups[channel] {
		m.deliver(group, channel, payload)
	}

	return nil
}

func (m *Memory) deliver(topic, channel string, payload []byte) {
	for _, ch := range m.subscribers[topic] {
		select {
		case ch <- Message{Channel: channel, Topic: topic, Payload: payload}:
		default:
			m.recorder.IncDropped()
		}
	}
}

// AddChannelsToGroup implements Broadcaster.
func (m *Memory) AddChannelsToGroup(_ context.Context, group string, channels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members, ok := m.groups[group]
	if !ok {
		members = make(map[string]struct{})
		m.groups[group] = members
	}

	for _, channel := range channels {
		members[channel] = struct{}{}

		groups, ok := m.channelGroups[channel]
		if !ok {
			groups = make(map[string]struct{})
			m.channelGroups[channel] = groups
		}
		groups[group] = struct{}{}
	}

	return nil
}

// RemoveChannelsFromGroup implements Broadcaster.
func (m *Memory) RemoveChannelsFromGroup(_ context.Context, group string, channels []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	members := m.groups[group]
	for _, channel := range channels {
		delete(members, channel)

		if groups, ok := m.channelGroups[channel]; ok {
			delete(groups, group)
			if len(groups) == 0 {
				delete(m.channelGroups, channel)
			}
		}
	}

	if len(members) == 0 {
		delete(m.groups, group)
	}

	return nil
}

// Occupancy implements Broadcaster.
func (m *Memory) Occupancy(_ context.Context, channel string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return len(m.subscribers[channel]), nil
}

// ListGroupChannels implements GroupLister.
func (m *Memory) ListGroupChannels(_ context.Context, group string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	channels := make([]string, 0, len(m.groups[group]))
	for channel := range m.groups[group] {
		channels = append(channels, channel)
	}
	slices.Sort(channels)

	return channels, nil
}
