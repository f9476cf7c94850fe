package credential

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"
)

const (
	// EnvToken holds the cached token.
	EnvToken = "QIANFAN_TOKEN"

	// EnvTokenSetTime holds the issue time of the cached token in unix seconds.
	EnvTokenSetTime = "QIANFAN_TOKEN_SET_TIME"
)

// EnvCache stores the credential in two process environment variables,
// making it visible to every component of the process and to child
// processes started afterwards.
type EnvCache struct {
	tokenKey string
	timeKey  string
}

// NewEnvCache creates a cache over the default QIANFAN_TOKEN slots.
func NewEnvCache() *EnvCache {
	return &EnvCache{tokenKey: EnvToken, timeKey: EnvTokenSetTime}
}

// Load implements Cache. The cache writes the timestamp itself, so a value
// that does not parse means the slot was corrupted and Load panics.
func (c *EnvCache) Load(_ context.Context) (Credential, bool, error) {
	token, tokenSet := os.LookupEnv(c.tokenKey)
	raw, timeSet := os.LookupEnv(c.timeKey)
	if !tokenSet || !timeSet {
		return Credential{}, false, nil
	}

	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		panic(fmt.Sprintf("credential: corrupt %s value %q: %v", c.timeKey, raw, err))
	}

	return Credential{Token: token, IssuedAt: time.Unix(secs, 0)}, true, nil
}

// Store implements Cache.
func (c *EnvCache) Store(_ context.Context, cred Credential) error {
	if err := os.Setenv(c.tokenKey, cred.Token); err != nil {
		return fmt.Errorf("setting %s: %w", c.tokenKey, err)
	}
	if err := os.Setenv(c.timeKey, strconv.FormatInt(cred.IssuedAt.Unix(), 10)); err != nil {
		return fmt.Errorf("setting %s: %w", c.timeKey, err)
	}
	return nil
}

var _ Cache = (*EnvCache)(nil)
