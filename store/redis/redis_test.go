//go:build integration

package redis_test

import (
	"context"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"

	storeredis "github.com/ineyio/neutralgate/store/redis"
)

func newTestClient(t *testing.T) *goredis.Client {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Fatalf("redis not available at %s: %v", addr, err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func newTestStore(t *testing.T, client *goredis.Client) *storeredis.Store {
	t.Helper()
	// Use a unique prefix per test to avoid collisions.
	prefix := "test:" + t.Name() + ":"
	s := storeredis.New(client, storeredis.WithKeyPrefix(prefix))
	t.Cleanup(func() {
		ctx := context.Background()
		iter := client.Scan(ctx, 0, prefix+"*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
	})
	return s
}

func TestIncrementSaturates(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	expireAt := time.Now().Add(time.Hour)

	for i := int64(1); i <= 3; i++ {
		v, ok, err := store.Increment(ctx, "k", 3, expireAt)
		if err != nil {
			t.Fatalf("increment: %v", err)
		}
		if !ok || v != i {
			t.Fatalf("expected (%d, true), got (%d, %v)", i, v, ok)
		}
	}

	v, ok, err := store.Increment(ctx, "k", 3, expireAt)
	if err != nil {
		t.Fatalf("increment: %v", err)
	}
	if ok || v != 3 {
		t.Fatalf("expected saturated (3, false), got (%d, %v)", v, ok)
	}

	got, err := store.Get(ctx, "k")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got != 3 {
		t.Fatalf("expected 3, got %d", got)
	}
}

func TestGetMissingKey(t *testing.T) {
	store := newTestStore(t, newTestClient(t))

	v, err := store.Get(context.Background(), "missing")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}

func TestIncrementConcurrent(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()
	expireAt := time.Now().Add(time.Hour)

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, ok, err := store.Increment(ctx, "race", 10, expireAt)
			if err == nil && ok {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if allowed.Load() != 10 {
		t.Fatalf("expected exactly 10 increments, got %d", allowed.Load())
	}
}

func TestAddBounded(t *testing.T) {
	store := newTestStore(t, newTestClient(t))
	ctx := context.Background()

	for _, d := range []string{"a", "b"} {
		ok, err := store.AddBounded(ctx, "lic", d, 2)
		if err != nil || !ok {
			t.Fatalf("add %s: ok=%v err=%v", d, ok, err)
		}
	}

	ok, err := store.AddBounded(ctx, "lic", "c", 2)
	if err != nil {
		t.Fatalf("add c: %v", err)
	}
	if ok {
		t.Fatal("expected third device to be rejected")
	}

	ok, err = store.AddBounded(ctx, "lic", "a", 2)
	if err != nil || !ok {
		t.Fatalf("re-add a: ok=%v err=%v", ok, err)
	}

	members, err := store.Members(ctx, "lic")
	if err != nil {
		t.Fatalf("members: %v", err)
	}
	if len(members) != 2 {
		t.Fatalf("expected 2 members, got %v", members)
	}
}
