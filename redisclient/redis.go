package redisclient

import (
	"context"
	"fmt"
	"time"

	"github.com/watchllm/gateway/config"
	"github.com/redis/go-redis/v9"
)

// Client wraps the KV backend used by rate limiting, quota, and the exact
// cache. All callers must be ready for it to be unreachable — every caller
// in this gateway fails open on a KV error except auth, which never uses it.
type Client struct {
	c *redis.Client
}

// New creates a KV client from the provided config.
func New(cfg *config.Config) (*Client, error) {
	opt, err := redis.ParseURL(cfg.KVURL)
	if err != nil {
		return nil, fmt.Errorf("invalid KV_URL: %w", err)
	}
	if cfg.KVToken != "" {
		opt.Password = cfg.KVToken
	}
	return &Client{c: redis.NewClient(opt)}, nil
}

func (r *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return r.c.Ping(ctx).Err()
}

// IncrWithExpire increments key by 1 and, only the first time the key is
// created (result == 1), sets its TTL. This is the sliding-minute-window
// and monthly-quota primitive: a single atomic INCR, no read-modify-write.
func (r *Client) IncrWithExpire(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	n, err := r.c.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		r.c.Expire(ctx, key, ttl)
	}
	return n, nil
}

// GetInt returns the integer value at key, or 0 if absent.
func (r *Client) GetInt(ctx context.Context, key string) (int64, error) {
	v, err := r.c.Get(ctx, key).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return v, err
}

// ExpireAt sets an absolute expiry on key, extending it if already set.
func (r *Client) ExpireAt(ctx context.Context, key string, at time.Time) error {
	return r.c.ExpireAt(ctx, key, at).Err()
}

// Get returns the raw string value at key.
func (r *Client) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := r.c.Get(ctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return v, true, nil
}

// Set stores a value with a TTL (0 = no expiry).
func (r *Client) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.c.Set(ctx, key, value, ttl).Err()
}

// Del removes one or more keys.
func (r *Client) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return r.c.Del(ctx, keys...).Err()
}

// Keys returns all keys matching a glob pattern. No code path in this
// gateway calls it.
func (r *Client) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.c.Keys(ctx, pattern).Result()
}
