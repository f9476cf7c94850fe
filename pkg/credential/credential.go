// Package credential manages the short-lived access token required by the
// Qianfan API.
//
// A [Store] hands out tokens. It reads the current [Credential] from a
// [Cache], and when the cached value is absent or older than the TTL it asks
// a [Refresher] for a new token and writes it back. Caches are pluggable:
// [MemoryCache] for a single process, [EnvCache] for the legacy
// environment-variable slots, and the rediscache and pgcache subpackages for
// caches shared between processes.
package credential

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// DefaultTTL is how long an issued token is trusted.
const DefaultTTL = 24 * time.Hour

var (
	// ErrMissingConfig is returned when the client id or client secret is not configured.
	ErrMissingConfig = errors.New("client id or client secret not configured")

	// ErrTransport is returned when the authorization endpoint could not be
	// reached or answered with something other than a token response.
	ErrTransport = errors.New("authorization transport failure")
)

// RejectedError is returned when the authorization endpoint answers with an
// explicit error object.
type RejectedError struct {
	Code        string
	Description string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("authorization rejected: %s: %s", e.Code, e.Description)
}

// Credential is a token together with the time it was issued.
type Credential struct {
	Token    string
	IssuedAt time.Time
}

// Fresh reports whether the credential may still be used at now. Ages are
// compared in whole seconds; a credential exactly ttl old is still fresh.
func (c Credential) Fresh(now time.Time, ttl time.Duration) bool {
	if c.Token == "" {
		return false
	}
	age := now.Unix() - c.IssuedAt.Unix()
	return age <= int64(ttl/time.Second)
}

// Cache persists the current credential.
type Cache interface {
	// Load returns the cached credential. ok is false when nothing is cached.
	Load(ctx context.Context) (cred Credential, ok bool, err error)

	// Store overwrites the cached credential.
	Store(ctx context.Context, cred Credential) error
}

// MemoryCache keeps the credential in process memory.
type MemoryCache struct {
	mu   sync.RWMutex
	cred Credential
	set  bool
}

// NewMemoryCache creates an empty in-memory cache.
func NewMemoryCache() *MemoryCache {
	return &MemoryCache{}
}

// Load implements Cache.
func (c *MemoryCache) Load(_ context.Context) (Credential, bool, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cred, c.set, nil
}

// Store implements Cache.
func (c *MemoryCache) Store(_ context.Context, cred Credential) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cred = cred
	c.set = true
	return nil
}

var _ Cache = (*MemoryCache)(nil)
