package kv

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
)

// DefaultCleanupInterval is how often expired entries are purged from a
// MemoryStore.
const DefaultCleanupInterval = time.Minute

// MemoryStore implements an in-process Store on top of go-cache. Entries are
// private to one gateway process.
type MemoryStore struct {
	// incrMu serializes Incr so read-modify-write is atomic across callers.
	incrMu sync.Mutex
	items  *cache.Cache
}

// NewMemoryStore creates a new in-memory store. A non-positive cleanup
// interval disables the background janitor; expired entries are still never
// returned by Get.
func NewMemoryStore(cleanupInterval time.Duration) *MemoryStore {
	return &MemoryStore{
		items: cache.New(cache.NoExpiration, cleanupInterval),
	}
}

// Get returns the value stored under key.
func (s *MemoryStore) Get(_ context.Context, key string) (string, bool, error) {
	v, ok := s.items.Get(key)
	if !ok {
		return "", false, nil
	}
	str, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("kv: unexpected value type %T for key %q", v, key)
	}
	return str, true, nil
}

// Set stores value under key for ttl.
func (s *MemoryStore) Set(_ context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("kv: ttl must be positive, got %s", ttl)
	}
	s.items.Set(key, value, ttl)
	return nil
}

// Incr increments the integer stored under key, creating it at 1. Counters
// are stored as decimal strings, the same encoding the read-then-write rate
// limiter uses, so go-cache's typed IncrementInt64 cannot be used here. The
// TTL is re-applied on every increment.
func (s *MemoryStore) Incr(ctx context.Context, key string, ttl time.Duration) (int64, error) {
	s.incrMu.Lock()
	defer s.incrMu.Unlock()

	raw, ok, err := s.Get(ctx, key)
	if err != nil {
		return 0, err
	}
	var n int64
	if ok {
		n, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return 0, fmt.Errorf("kv: value for key %q is not an integer: %w", key, err)
		}
	}
	n++
	if err := s.Set(ctx, key, strconv.FormatInt(n, 10), ttl); err != nil {
		return 0, err
	}
	return n, nil
}

// Ping always succeeds.
func (s *MemoryStore) Ping(context.Context) error {
	return nil
}

// Len returns the number of entries, including expired ones not yet purged.
func (s *MemoryStore) Len() int {
	return s.items.ItemCount()
}

// Cleanup removes expired entries immediately.
func (s *MemoryStore) Cleanup() {
	s.items.DeleteExpired()
}
