package auth

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"edge-gateway/internal/kv"
)

type countingVerifier struct {
	calls  atomic.Int32
	claims *Claims
	err    error
}

func (v *countingVerifier) Verify(context.Context, string) (*Claims, error) {
	v.calls.Add(1)
	if v.err != nil {
		return nil, v.err
	}
	c := *v.claims
	return &c, nil
}

type failingStore struct{}

func (failingStore) Get(context.Context, string) (string, bool, error) {
	return "", false, errors.New("connection refused")
}

func (failingStore) Set(context.Context, string, string, time.Duration) error {
	return errors.New("connection refused")
}

func TestCachedVerifier_HitSkipsVerifier(t *testing.T) {
	inner := &countingVerifier{claims: &Claims{Subject: "user-1", Email: "a@b.c", ExpiresAt: 42}}
	v := NewCachedVerifier(kv.NewMemoryStore(0), inner, DefaultCacheTTL, zerolog.Nop())

	first, err := v.Verify(context.Background(), "tok")
	require.NoError(t, err)
	second, err := v.Verify(context.Background(), "tok")
	require.NoError(t, err)

	require.Equal(t, int32(1), inner.calls.Load())
	require.Equal(t, first, second)
}

func TestCachedVerifier_FailuresAreNotCached(t *testing.T) {
	inner := &countingVerifier{err: invalid("expired")}
	store := kv.NewMemoryStore(0)
	v := NewCachedVerifier(store, inner, DefaultCacheTTL, zerolog.Nop())

	for i := 0; i < 3; i++ {
		_, err := v.Verify(context.Background(), "bad")
		require.ErrorIs(t, err, ErrInvalidToken)
	}
	require.Equal(t, int32(3), inner.calls.Load())
	require.Equal(t, 0, store.Len())
}

func TestCachedVerifier_EntryExpires(t *testing.T) {
	inner := &countingVerifier{claims: &Claims{Subject: "user-1"}}
	v := NewCachedVerifier(kv.NewMemoryStore(0), inner, 20*time.Millisecond, zerolog.Nop())

	_, err := v.Verify(context.Background(), "tok")
	require.NoError(t, err)
	time.Sleep(40 * time.Millisecond)
	_, err = v.Verify(context.Background(), "tok")
	require.NoError(t, err)

	require.Equal(t, int32(2), inner.calls.Load())
}

func TestCachedVerifier_UndecodableEntryIsAMiss(t *testing.T) {
	store := kv.NewMemoryStore(0)
	require.NoError(t, store.Set(context.Background(), "tok", "{not json", time.Minute))

	inner := &countingVerifier{claims: &Claims{Subject: "user-1"}}
	v := NewCachedVerifier(store, inner, DefaultCacheTTL, zerolog.Nop())

	got, err := v.Verify(context.Background(), "tok")
	require.NoError(t, err)
	require.Equal(t, "user-1", got.Subject)
	require.Equal(t, int32(1), inner.calls.Load())
}

func TestCachedVerifier_StoreFailure(t *testing.T) {
	inner := &countingVerifier{claims: &Claims{Subject: "user-1"}}
	v := NewCachedVerifier(failingStore{}, inner, DefaultCacheTTL, zerolog.Nop())

	_, err := v.Verify(context.Background(), "tok")
	require.ErrorIs(t, err, ErrStore)
	require.False(t, errors.Is(err, ErrInvalidToken))
}
