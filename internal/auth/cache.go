package auth

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"relaybot/internal/domain"
)

const (
	defaultExpiryMargin    = time.Minute
	defaultExchangeTimeout = 10 * time.Second
)

// TokenCache wraps a TokenSource with a cached credential. Concurrent
// callers that observe an expired or absent token share one in-flight
// exchange; a failed exchange leaves the cache unset so the next call
// retries. The exchange itself runs under its own deadline so a hung
// identity provider cannot eat the whole stage budget of the caller.
type TokenCache struct {
	source  domain.TokenSource
	margin  time.Duration
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger

	mu     sync.RWMutex
	cached domain.AccessToken
	group  singleflight.Group
}

type TokenCacheConfig struct {
	Source  domain.TokenSource
	Margin  time.Duration // expiry safety margin (default: 1 minute)
	Timeout time.Duration // deadline for one exchange (default: 10 seconds)
	Logger  *slog.Logger
	Now     func() time.Time
}

func NewTokenCache(cfg TokenCacheConfig) *TokenCache {
	margin := cfg.Margin
	if margin <= 0 {
		margin = defaultExpiryMargin
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultExchangeTimeout
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &TokenCache{
		source:  cfg.Source,
		margin:  margin,
		timeout: timeout,
		now:     now,
		logger:  cfg.Logger,
	}
}

// Token returns the cached token while it is within its validity window,
// refreshing it through the underlying source otherwise.
func (c *TokenCache) Token(ctx context.Context) (domain.AccessToken, error) {
	c.mu.RLock()
	cached := c.cached
	c.mu.RUnlock()

	if cached.Valid(c.now(), c.margin) {
		return cached, nil
	}

	v, err, _ := c.group.Do("token", func() (any, error) {
		// Double-check under the flight: another caller may have
		// refreshed between the read above and entering the group.
		c.mu.RLock()
		cached := c.cached
		c.mu.RUnlock()
		if cached.Valid(c.now(), c.margin) {
			return cached, nil
		}

		exchangeCtx, cancel := context.WithTimeout(ctx, c.timeout)
		defer cancel()

		tok, err := c.source.Token(exchangeCtx)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		c.cached = tok
		c.mu.Unlock()

		c.logger.Debug("token cache refreshed", "expires_at", tok.ExpiresAt)
		return tok, nil
	})
	if err != nil {
		return domain.AccessToken{}, err
	}
	return v.(domain.AccessToken), nil
}
