package ephemeral

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/coocood/freecache"
)

// MinMemorySize is the smallest cache size freecache accepts.
const MinMemorySize = 512 * 1024

// Memory is an in-process Store for single-node runs and tests.
// Expiry has one second granularity.
type Memory struct {
	cache *freecache.Cache
	mu    sync.Mutex // Serializes read-modify-write in Incr
}

// NewMemory creates an in-process store with the given capacity in bytes.
func NewMemory(sizeBytes int) *Memory {
	return &Memory{
		cache: freecache.NewCache(max(sizeBytes, MinMemorySize)),
	}
}

// Get implements Store.
func (m *Memory) Get(_ context.Context, key string) ([]byte, error) {
	value, err := m.cache.Get([]byte(key))
	if err != nil {
		if errors.Is(err, freecache.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return value, nil
}

// Set implements Store.
func (m *Memory) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	if err := m.cache.Set([]byte(key), value, ttlSeconds(ttl)); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

// Incr implements Store.
func (m *Memory) Incr(_ context.Context, key string, ttl time.Duration) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	k := []byte(key)
	expire := ttlSeconds(ttl)

	var count int64

	value, err := m.cache.Get(k)
	switch {
	case err == nil:
		count, err = strconv.ParseInt(string(value), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("key %s does not hold a counter: %w", key, err)
		}

		// Keep the expiry set at creation
		if left, err := m.cache.TTL(k); err == nil && left > 0 {
			expire = int(left)
		}
	case errors.Is(err, freecache.ErrNotFound):
	default:
		return 0, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	count++
	if err := m.cache.Set(k, []byte(strconv.FormatInt(count, 10)), expire); err != nil {
		return 0, fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return count, nil
}

// ttlSeconds rounds a TTL up to whole seconds, never returning 0 (which freecache treats as no expiry).
func ttlSeconds(ttl time.Duration) int {
	return max(int(math.Ceil(ttl.Seconds())), 1)
}
