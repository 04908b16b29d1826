// Package keys fetches and caches the identity provider's JSON Web Key Set so
// bearer token signatures can be checked without a network call per request.
package keys

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"
)

// FirebaseJWKSURL publishes the signing keys for Firebase ID tokens.
const FirebaseJWKSURL = "https://www.googleapis.com/service_accounts/v1/jwk/securetoken@system.gserviceaccount.com"

// DefaultCacheTTL is how long a fetched key set is trusted when the endpoint
// does not send a max-age.
const DefaultCacheTTL = 5 * time.Minute

const (
	refreshTimeout = 1200 * time.Millisecond

	// minRefreshInterval bounds how often an unknown kid can force a refetch.
	minRefreshInterval = 10 * time.Second
)

// Cache holds the issuer's public keys indexed by key ID.
//
// A fetched set is trusted for the max-age the JWKS endpoint advertises in
// Cache-Control, falling back to the configured TTL. Concurrent refreshes
// collapse into one request.
type Cache struct {
	url         string
	http        *http.Client
	fallbackTTL time.Duration
	group       singleflight.Group

	mu        sync.RWMutex
	keysByKID map[string]interface{}
	fetchedAt time.Time
	expiresAt time.Time
}

// NewCache creates a key cache for the JWKS document at url. cacheTTL applies
// when the response carries no usable max-age.
func NewCache(url string, httpClient *http.Client, cacheTTL time.Duration) *Cache {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 1500 * time.Millisecond}
	}
	if cacheTTL <= 0 {
		cacheTTL = DefaultCacheTTL
	}
	return &Cache{
		url:         url,
		http:        httpClient,
		fallbackTTL: cacheTTL,
		keysByKID:   map[string]interface{}{},
	}
}

// Refresh downloads the key set and replaces the cached keys. Callers that
// arrive while a download is in flight share its result. The download keeps
// ctx's values but not its cancellation, so one departing caller does not
// fail the others; each caller still stops waiting when its own ctx ends.
func (c *Cache) Refresh(ctx context.Context) error {
	ch := c.group.DoChan("jwks", func() (interface{}, error) {
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), refreshTimeout)
		defer cancel()
		return nil, c.fetch(fetchCtx)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Cache) fetch(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("jwks status %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}

	var set jose.JSONWebKeySet
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return fmt.Errorf("decode jwks: %w", err)
	}
	keys := make(map[string]interface{}, len(set.Keys))
	for _, k := range set.Keys {
		if k.KeyID == "" || !k.Valid() || !k.IsPublic() {
			continue
		}
		if k.Use != "" && k.Use != "sig" {
			continue
		}
		keys[k.KeyID] = k.Key
	}
	if len(keys) == 0 {
		return errors.New("jwks contained no usable signing keys")
	}

	ttl := c.fallbackTTL
	if maxAge, ok := parseMaxAge(resp.Header.Get("Cache-Control")); ok {
		ttl = maxAge
	}
	now := time.Now()
	c.mu.Lock()
	c.keysByKID = keys
	c.fetchedAt = now
	c.expiresAt = now.Add(ttl)
	c.mu.Unlock()
	return nil
}

// parseMaxAge extracts a positive max-age directive. no-cache and no-store
// yield no value so the fallback TTL applies.
func parseMaxAge(header string) (time.Duration, bool) {
	var (
		maxAge time.Duration
		found  bool
	)
	for _, directive := range strings.Split(header, ",") {
		name, value, _ := strings.Cut(strings.TrimSpace(directive), "=")
		switch strings.ToLower(name) {
		case "no-cache", "no-store":
			return 0, false
		case "max-age":
			secs, err := strconv.ParseInt(strings.Trim(value, `"`), 10, 64)
			if err != nil || secs <= 0 {
				continue
			}
			maxAge, found = time.Duration(secs)*time.Second, true
		}
	}
	return maxAge, found
}

// Get returns the public key for kid. The set is refreshed when it has
// expired, or when kid is unknown and the set is older than
// minRefreshInterval. A stale key is served if the refresh fails.
func (c *Cache) Get(ctx context.Context, kid string) (interface{}, error) {
	if kid == "" {
		return nil, errors.New("missing kid")
	}
	c.mu.RLock()
	key, ok := c.keysByKID[kid]
	fetchedAt, expiresAt := c.fetchedAt, c.expiresAt
	c.mu.RUnlock()

	now := time.Now()
	fresh := now.Before(expiresAt)
	switch {
	case ok && fresh:
		return key, nil
	case !ok && fresh && now.Sub(fetchedAt) < minRefreshInterval:
		return nil, fmt.Errorf("kid not found: %s", kid)
	}

	if err := c.Refresh(ctx); err != nil {
		if ok {
			return key, nil
		}
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if key, ok = c.keysByKID[kid]; !ok {
		return nil, fmt.Errorf("kid not found: %s", kid)
	}
	return key, nil
}

// KeyfuncContext returns a jwt.Keyfunc that resolves keys by the token's kid
// header, doing any refresh under ctx.
func (c *Cache) KeyfuncContext(ctx context.Context) jwt.Keyfunc {
	return func(t *jwt.Token) (interface{}, error) {
		kid, _ := t.Header["kid"].(string)
		return c.Get(ctx, kid)
	}
}
