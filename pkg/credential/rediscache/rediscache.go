// Package rediscache stores the Qianfan access token in Redis so that
// several processes using the same client id share one credential.
package rediscache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/knoguchi/ernie/pkg/credential"
)

// DefaultKeyPrefix is prepended to the client id to form the hash key.
const DefaultKeyPrefix = "ernie:access_token:"

const (
	fieldToken    = "token"
	fieldIssuedAt = "issued_at"
)

// Config describes the Redis connection and key layout.
type Config struct {
	// URL is a redis:// or rediss:// connection URL.
	URL string

	// ClientID scopes the key so credentials of different applications
	// do not collide.
	ClientID string

	// KeyPrefix overrides DefaultKeyPrefix.
	KeyPrefix string

	// TTL is applied as key expiry so abandoned credentials disappear.
	TTL time.Duration
}

// Cache implements credential.Cache on a Redis hash.
type Cache struct {
	client redis.UniversalClient
	key    string
	ttl    time.Duration
}

// Dial connects to Redis and verifies the connection.
func Dial(ctx context.Context, cfg Config) (*Cache, error) {
	if cfg.URL == "" {
		return nil, errors.New("redis url is required")
	}
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return New(client, cfg), nil
}

// New wraps an existing client.
func New(client redis.UniversalClient, cfg Config) *Cache {
	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = credential.DefaultTTL
	}
	return &Cache{
		client: client,
		key:    prefix + cfg.ClientID,
		ttl:    ttl,
	}
}

// Key returns the Redis key holding the credential.
func (c *Cache) Key() string {
	return c.key
}

// Load implements credential.Cache. issued_at is only ever written by Store,
// so a value that does not parse panics.
func (c *Cache) Load(ctx context.Context) (credential.Credential, bool, error) {
	values, err := c.client.HGetAll(ctx, c.key).Result()
	if err != nil {
		return credential.Credential{}, false, fmt.Errorf("failed to read %s: %w", c.key, err)
	}

	token, hasToken := values[fieldToken]
	raw, hasTime := values[fieldIssuedAt]
	if !hasToken || !hasTime {
		return credential.Credential{}, false, nil
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("rediscache: corrupt %s.%s value %q: %v", c.key, fieldIssuedAt, raw, err))
	}

	return credential.Credential{Token: token, IssuedAt: time.Unix(secs, 0)}, true, nil
}

// Store implements credential.Cache.
func (c *Cache) Store(ctx context.Context, cred credential.Credential) error {
	_, err := c.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, c.key,
			fieldToken, cred.Token,
			fieldIssuedAt, strconv.FormatInt(cred.IssuedAt.Unix(), 10),
		)
		pipe.Expire(ctx, c.key, c.ttl)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write %s: %w", c.key, err)
	}
	return nil
}

// Close closes the underlying client.
func (c *Cache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

var _ credential.Cache = (*Cache)(nil)
