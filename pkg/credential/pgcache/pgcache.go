// Package pgcache stores the Qianfan access token in PostgreSQL, one row per
// client id.
package pgcache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/knoguchi/ernie/pkg/credential"
)

const schema = `
	CREATE TABLE IF NOT EXISTS qianfan_access_tokens (
		client_id  TEXT PRIMARY KEY,
		token      TEXT NOT NULL,
		issued_at  TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
	)
`

// Cache implements credential.Cache on the qianfan_access_tokens table.
type Cache struct {
	pool     *pgxpool.Pool
	clientID string
	owned    bool
}

// Connect creates a connection pool for databaseURL and verifies it.
func Connect(ctx context.Context, databaseURL, clientID string) (*Cache, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	c := New(pool, clientID)
	c.owned = true
	return c, nil
}

// New wraps an existing pool. Close does not close a pool passed in here.
func New(pool *pgxpool.Pool, clientID string) *Cache {
	return &Cache{pool: pool, clientID: clientID}
}

// EnsureSchema creates the token table if it does not exist.
func (c *Cache) EnsureSchema(ctx context.Context) error {
	if _, err := c.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to create qianfan_access_tokens: %w", err)
	}
	return nil
}

// Load implements credential.Cache.
func (c *Cache) Load(ctx context.Context) (credential.Credential, bool, error) {
	query := `
		SELECT token, issued_at
		FROM qianfan_access_tokens
		WHERE client_id = $1
	`
	var cred credential.Credential
	err := c.pool.QueryRow(ctx, query, c.clientID).Scan(&cred.Token, &cred.IssuedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return credential.Credential{}, false, nil
		}
		return credential.Credential{}, false, fmt.Errorf("failed to load access token: %w", err)
	}
	return cred, true, nil
}

// Store implements credential.Cache.
func (c *Cache) Store(ctx context.Context, cred credential.Credential) error {
	query := `
		INSERT INTO qianfan_access_tokens (client_id, token, issued_at, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (client_id) DO UPDATE
		SET token = EXCLUDED.token, issued_at = EXCLUDED.issued_at, updated_at = EXCLUDED.updated_at
	`
	_, err := c.pool.Exec(ctx, query, c.clientID, cred.Token, cred.IssuedAt.UTC(), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to store access token: %w", err)
	}
	return nil
}

// Close releases the pool if Connect created it.
func (c *Cache) Close() {
	if c.owned {
		c.pool.Close()
	}
}

var _ credential.Cache = (*Cache)(nil)
