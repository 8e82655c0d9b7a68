package ephemeral

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/rueidis"
)

// incrScript increments a counter and attaches the expiry only on creation
// so the window length is fixed by the first event in it.
const incrScript = `
	local count = redis.call('INCR', KEYS[1])
	if count == 1 then
		redis.call('PEXPIRE', KEYS[1], ARGV[1])
	end
	return count
`

// Redis is a Store backed by a Redis database.
type Redis struct {
	client rueidis.Client
	prefix string
}

// NewRedis creates a Redis-backed store. All keys are namespaced by prefix.
func NewRedis(client rueidis.Client, prefix string) *Redis {
	return &Redis{
		client: client,
		prefix: prefix,
	}
}

// Get implements Store.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	value, err := r.client.Do(ctx, r.client.B().Get().Key(r.prefix+key).Build()).AsBytes()
	if err != nil {
		if rueidis.IsRedisNil(err) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get key %s: %w", key, err)
	}

	return value, nil
}

// Set implements Store.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	cmd := r.client.B().Set().Key(r.prefix + key).Value(rueidis.BinaryString(value)).Px(ttl).Build()
	if err := r.client.Do(ctx, cmd).Error(); err != nil {
		return fmt.Errorf("failed to set key %s: %w", key, err)
	}

	return nil
}

// Incr implements Store.
func (r *Redis) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	count, err := r.client.Do(ctx, r.client.B().Eval().
		Script(incrScript).
		Numkeys(1).
		Key(r.prefix+key).
		Arg(strconv.FormatInt(ttl.Milliseconds(), 10)).
		Build()).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to increment key %s: %w", key, err)
	}

	return count, nil
}
