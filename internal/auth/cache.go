package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"edge-gateway/internal/kv"
	"edge-gateway/internal/metrics"
)

// DefaultCacheTTL is how long a verified claim set is reused.
const DefaultCacheTTL = 300 * time.Second

// ErrStore is returned when the cache backend cannot be read or written.
var ErrStore = errors.New("credential cache unavailable")

// CachedVerifier is a write-through cache around another Verifier, keyed by
// the raw token. Failed verifications are not cached, and concurrent misses
// for the same token each call the underlying verifier.
type CachedVerifier struct {
	store  kv.Store
	next   Verifier
	ttl    time.Duration
	logger zerolog.Logger
}

// NewCachedVerifier wraps next with a cache in store.
func NewCachedVerifier(store kv.Store, next Verifier, ttl time.Duration, logger zerolog.Logger) *CachedVerifier {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &CachedVerifier{
		store:  store,
		next:   next,
		ttl:    ttl,
		logger: logger.With().Str("component", "auth_cache").Logger(),
	}
}

// Verify implements Verifier.
func (c *CachedVerifier) Verify(ctx context.Context, token string) (*Claims, error) {
	raw, ok, err := c.store.Get(ctx, token)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	if ok {
		var claims Claims
		if err := json.Unmarshal([]byte(raw), &claims); err == nil {
			metrics.AuthCacheLookups.WithLabelValues("hit").Inc()
			return &claims, nil
		}
		c.logger.Warn().Msg("discarding undecodable cache entry")
	}
	metrics.AuthCacheLookups.WithLabelValues("miss").Inc()

	claims, err := c.next.Verify(ctx, token)
	if err != nil {
		return nil, err
	}
	b, err := json.Marshal(claims)
	if err != nil {
		return nil, err
	}
	if err := c.store.Set(ctx, token, string(b), c.ttl); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStore, err)
	}
	return claims, nil
}
