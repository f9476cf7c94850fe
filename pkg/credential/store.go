package credential

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"
)

// refreshKey is the single singleflight key; a Store manages one credential.
const refreshKey = "access_token"

// Store hands out access tokens, refreshing them through a Refresher when
// the cached credential is absent or stale. Concurrent callers that observe
// a stale credential share one refresh call.
type Store struct {
	cache     Cache
	refresher Refresher
	ttl       time.Duration
	now       func() time.Time
	logger    *slog.Logger
	flight    singleflight.Group
}

// StoreOption is a functional option for configuring Store.
type StoreOption func(*Store)

// WithCache sets the cache backing the store (default: a MemoryCache).
func WithCache(cache Cache) StoreOption {
	return func(s *Store) {
		s.cache = cache
	}
}

// WithTTL sets how long a token is trusted after it was issued.
func WithTTL(ttl time.Duration) StoreOption {
	return func(s *Store) {
		if ttl > 0 {
			s.ttl = ttl
		}
	}
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) StoreOption {
	return func(s *Store) {
		s.now = now
	}
}

// WithLogger sets the logger used for cache and refresh events.
func WithLogger(logger *slog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a Store that refreshes through refresher.
func NewStore(refresher Refresher, opts ...StoreOption) *Store {
	s := &Store{
		cache:     NewMemoryCache(),
		refresher: refresher,
		ttl:       DefaultTTL,
		now:       time.Now,
		logger:    slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Token returns a token that the store considers fresh. It never returns a
// token whose age exceeds the TTL.
func (s *Store) Token(ctx context.Context) (string, error) {
	if cred, ok := s.fresh(ctx); ok {
		return cred.Token, nil
	}

	// The refresh runs detached from any one caller's cancellation so that a
	// caller giving up does not fail the others sharing the flight.
	flightCtx := context.WithoutCancel(ctx)
	ch := s.flight.DoChan(refreshKey, func() (interface{}, error) {
		// Another flight may have completed between our check and this one.
		if cred, ok := s.fresh(flightCtx); ok {
			return cred.Token, nil
		}
		return s.refresh(flightCtx)
	})

	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// TTL returns the validity window applied to cached credentials.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

// fresh loads the cached credential and reports whether it can be used.
// Cache read failures are logged and treated as a miss.
func (s *Store) fresh(ctx context.Context) (Credential, bool) {
	cred, ok, err := s.cache.Load(ctx)
	if err != nil {
		s.logger.Warn("failed to load cached access token", "error", err)
		return Credential{}, false
	}
	if !ok {
		return Credential{}, false
	}
	if !cred.Fresh(s.now(), s.ttl) {
		s.logger.Debug("cached access token is stale", "issued_at", cred.IssuedAt)
		return Credential{}, false
	}
	return cred, true
}

func (s *Store) refresh(ctx context.Context) (string, error) {
	issuedAt := s.now()

	token, err := s.refresher.Refresh(ctx)
	if err != nil {
		s.logger.Error("access token refresh failed", "error", err)
		return "", err
	}

	cred := Credential{Token: token, IssuedAt: issuedAt}
	if err := s.cache.Store(ctx, cred); err != nil {
		// The token is valid; only later callers lose the cached copy.
		s.logger.Warn("failed to cache access token", "error", err)
	}

	s.logger.Info("refreshed access token", "issued_at", issuedAt)
	return token, nil
}
