// Package cache keeps the latest state of every device pin in Redis so
// dashboards can read current andon lights without parsing device files.
//
// Layout: one hash per device at "andon:last:<device>", field = pin label,
// value = JSON {"state","timestamp","time_diff_sec"}. Keys expire after TTL
// so retired devices disappear.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sweeney/andon/internal/event"
)

// DefaultTTL is applied when Options.TTL is zero.
const DefaultTTL = 24 * time.Hour

// KeyPrefix namespaces every key written by the cache.
const KeyPrefix = "andon:last:"

// client is the subset of *redis.Client the cache uses.
type client interface {
	HSet(ctx context.Context, key string, values ...interface{}) *redis.IntCmd
	HGetAll(ctx context.Context, key string) *redis.MapStringStringCmd
	Expire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Ping(ctx context.Context) *redis.StatusCmd
	Close() error
}

// PinState is the cached value for one pin.
type PinState struct {
	State       string  `json:"state"`
	Timestamp   string  `json:"timestamp"`
	TimeDiffSec float64 `json:"time_diff_sec"`
}

// Cache writes last-known pin states.
type Cache struct {
	rdb client
	ttl time.Duration
}

// Options configures New.
type Options struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
}

// New connects to Redis and verifies it with a ping.
func New(ctx context.Context, opts Options) (*Cache, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("redis %s unavailable: %w", opts.Addr, err)
	}
	return newWithClient(rdb, opts.TTL), nil
}

func newWithClient(rdb client, ttl time.Duration) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Cache{rdb: rdb, ttl: ttl}
}

// Key returns the hash key for device.
func Key(device string) string {
	return KeyPrefix + device
}

// Forward stores item as the device's latest state for its pin. It
// satisfies worker.Forwarder.
func (c *Cache) Forward(ctx context.Context, item event.Item) error {
	value, err := json.Marshal(PinState{
		State:       item.Record.State,
		Timestamp:   item.Record.Timestamp,
		TimeDiffSec: item.Record.TimeDiffSec,
	})
	if err != nil {
		return fmt.Errorf("encode pin state: %w", err)
	}

	key := Key(item.Device)
	if err := c.rdb.HSet(ctx, key, event.PinLabel(item.Record.Pin), value).Err(); err != nil {
		return fmt.Errorf("redis hset %s: %w", key, err)
	}
	if err := c.rdb.Expire(ctx, key, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis expire %s: %w", key, err)
	}
	return nil
}

// Last returns the cached pin states for device, keyed by pin label.
func (c *Cache) Last(ctx context.Context, device string) (map[string]PinState, error) {
	raw, err := c.rdb.HGetAll(ctx, Key(device)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis hgetall: %w", err)
	}
	out := make(map[string]PinState, len(raw))
	for pin, v := range raw {
		var ps PinState
		if err := json.Unmarshal([]byte(v), &ps); err != nil {
			return nil, fmt.Errorf("decode %s/%s: %w", device, pin, err)
		}
		out[pin] = ps
	}
	return out, nil
}

// Close closes the Redis client.
func (c *Cache) Close() error {
	return c.rdb.Close()
}
