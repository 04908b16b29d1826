// Package kv provides the TTL key-value stores shared by the credential cache
// and the rate limiter.
package kv

import (
	"context"
	"time"
)

// Store defines the interface for TTL key-value backends.
//
// Get reports whether the key was present; a missing or expired key is not an
// error. Set always overwrites the value and restarts the TTL.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
}

// Incrementer is implemented by stores that can increment a counter in a
// single operation. The TTL is (re)applied on every increment.
type Incrementer interface {
	Incr(ctx context.Context, key string, ttl time.Duration) (int64, error)
}

// Pinger is implemented by stores that can report their availability.
type Pinger interface {
	Ping(ctx context.Context) error
}
