// Package ratelimit implements a per-subject fixed-window request quota.
package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"edge-gateway/internal/kv"
)

const (
	DefaultLimit  = 100
	DefaultWindow = 60 * time.Second
)

// Decision is the outcome of one quota check.
type Decision struct {
	Allowed   bool
	Limit     int64
	Remaining int64
	ResetAt   time.Time
}

// RetryAfter returns the time left until the window resets, rounded up to a
// whole second.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	left := d.ResetAt.Sub(now)
	if left <= 0 {
		return time.Second
	}
	return (left + time.Second - 1).Truncate(time.Second)
}

// FixedWindow counts requests per subject in disjoint windows. Counters are
// independent per window and expire with it.
//
// By default the counter is read and then written as two store operations, so
// concurrent requests can both observe a count below the limit and the quota
// can be exceeded slightly. WithAtomicIncrement tightens this when the store
// supports it.
type FixedWindow struct {
	store  kv.Store
	incr   kv.Incrementer
	limit  int64
	window time.Duration
	now    func() time.Time
}

// Option configures a FixedWindow.
type Option func(*FixedWindow)

// WithClock overrides the time source used to pick the window.
func WithClock(now func() time.Time) Option {
	return func(l *FixedWindow) { l.now = now }
}

// WithAtomicIncrement counts with the store's atomic increment instead of
// read-then-write. It has no effect if the store is not a kv.Incrementer.
func WithAtomicIncrement() Option {
	return func(l *FixedWindow) {
		if inc, ok := l.store.(kv.Incrementer); ok {
			l.incr = inc
		}
	}
}

// New creates a limiter allowing limit requests per window for each subject.
func New(store kv.Store, limit int64, window time.Duration, opts ...Option) *FixedWindow {
	if limit <= 0 {
		limit = DefaultLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	l := &FixedWindow{
		store:  store,
		limit:  limit,
		window: window,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Key returns the counter key for subject in the window containing t.
func (l *FixedWindow) Key(subject string, t time.Time) string {
	return fmt.Sprintf("rl:%s:%d", subject, l.windowIndex(t))
}

func (l *FixedWindow) windowIndex(t time.Time) int64 {
	return t.UnixMilli() / l.window.Milliseconds()
}

// Allow checks the subject's quota and counts the request if it is allowed.
func (l *FixedWindow) Allow(ctx context.Context, subject string) (Decision, error) {
	now := l.now()
	key := l.Key(subject, now)
	d := Decision{
		Limit:   l.limit,
		ResetAt: time.UnixMilli((l.windowIndex(now) + 1) * l.window.Milliseconds()),
	}

	if l.incr != nil {
		n, err := l.incr.Incr(ctx, key, l.window)
		if err != nil {
			return Decision{}, err
		}
		d.Allowed = n <= l.limit
		d.Remaining = max(l.limit-n, 0)
		return d, nil
	}

	raw, ok, err := l.store.Get(ctx, key)
	if err != nil {
		return Decision{}, err
	}
	var count int64
	if ok {
		count, err = strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return Decision{}, fmt.Errorf("rate counter %q: %w", key, err)
		}
	}
	if count >= l.limit {
		return d, nil
	}
	if err := l.store.Set(ctx, key, strconv.FormatInt(count+1, 10), l.window); err != nil {
		return Decision{}, err
	}
	d.Allowed = true
	d.Remaining = l.limit - count - 1
	return d, nil
}
