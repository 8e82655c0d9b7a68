package ephemeral

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key does not exist or has expired.
var ErrNotFound = errors.New("ephemeral key not found")

// Store is a key-value store whose entries expire after a TTL.
// Absence of a key carries no meaning beyond "nothing recent".
type Store interface {
	// Get returns the value of a key or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores a value that expires after ttl.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Incr atomically increments a counter, setting ttl when the counter is created.
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}
