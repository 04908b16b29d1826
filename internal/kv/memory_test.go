package kv

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func TestMemoryStore_SetAndGet(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	_, ok, err := store.Get(ctx, "token-abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if ok {
		t.Error("key should be absent initially")
	}

	if err := store.Set(ctx, "token-abc", `{"sub":"user-1"}`, time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}

	v, ok, err := store.Get(ctx, "token-abc")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !ok {
		t.Fatal("key should be present after Set")
	}
	if v != `{"sub":"user-1"}` {
		t.Errorf("Get = %q, want the stored value", v)
	}
}

func TestMemoryStore_Expiry(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	if err := store.Set(ctx, "short", "1", 20*time.Millisecond); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	time.Sleep(40 * time.Millisecond)

	if _, ok, _ := store.Get(ctx, "short"); ok {
		t.Error("key should have expired")
	}

	if store.Len() != 1 {
		t.Errorf("expected expired entry to linger until cleanup, got %d entries", store.Len())
	}
	store.Cleanup()
	if store.Len() != 0 {
		t.Errorf("expected 0 entries after cleanup, got %d", store.Len())
	}
}

func TestMemoryStore_SetRejectsNonPositiveTTL(t *testing.T) {
	store := NewMemoryStore(0)
	if err := store.Set(context.Background(), "k", "v", 0); err == nil {
		t.Error("expected error for zero ttl")
	}
}

func TestMemoryStore_Incr(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := store.Incr(ctx, "rl:user-1:0", time.Minute)
		if err != nil {
			t.Fatalf("Incr failed: %v", err)
		}
		if got != want {
			t.Errorf("Incr = %d, want %d", got, want)
		}
	}

	if err := store.Set(ctx, "bad", "not-a-number", time.Minute); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	if _, err := store.Incr(ctx, "bad", time.Minute); err == nil {
		t.Error("expected error incrementing a non-integer value")
	}
}

func TestMemoryStore_ConcurrentIncr(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			store.Incr(ctx, "counter", time.Minute)
		}()
	}
	wg.Wait()

	v, _, _ := store.Get(ctx, "counter")
	if v != "100" {
		t.Errorf("expected counter 100, got %s", v)
	}
}

func TestMemoryStore_ConcurrentAccess(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	done := make(chan bool)
	for i := 0; i < 100; i++ {
		go func(id int) {
			key := fmt.Sprintf("token-%d", id)
			store.Set(ctx, key, "v", time.Hour)
			store.Get(ctx, key)
			done <- true
		}(i)
	}

	for i := 0; i < 100; i++ {
		<-done
	}

	if store.Len() != 100 {
		t.Errorf("Expected 100 entries, got %d", store.Len())
	}
}
