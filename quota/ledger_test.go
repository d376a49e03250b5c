package quota_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	ng "github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/quota"
	"github.com/ineyio/neutralgate/store/memory"
)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func newLedger(t *testing.T, limit int64, now time.Time, opts ...quota.Option) (*quota.Ledger, *memory.Store, *clock) {
	t.Helper()
	c := &clock{t: now}
	store := memory.New(memory.WithClock(c.Now))
	opts = append([]quota.Option{quota.WithClock(c.Now)}, opts...)
	return quota.New(store, limit, opts...), store, c
}

// Test 1: FREE_DAILY_LIMIT=2 gives remaining 1, then 0, then denied.
func TestConsume_FreeLimitTwo(t *testing.T) {
	l, _, _ := newLedger(t, 2, time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC))
	ctx := context.Background()

	d, err := l.Consume(ctx, "anon:1", ng.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(1), d.Remaining)

	d, err = l.Consume(ctx, "anon:1", ng.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)

	d, err = l.Consume(ctx, "anon:1", ng.TierFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, int64(2), d.Used, "counter saturates at the limit")
}

// Test 2: Bucket rolls over at UTC midnight.
func TestConsume_RolloverAtUTCMidnight(t *testing.T) {
	start := time.Date(2025, 3, 10, 23, 59, 0, 0, time.UTC)
	l, _, c := newLedger(t, 1, start)
	ctx := context.Background()

	d, err := l.Consume(ctx, "u", ng.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), d.ResetAt)

	d, err = l.Consume(ctx, "u", ng.TierFree)
	require.NoError(t, err)
	assert.False(t, d.Allowed)

	c.Set(time.Date(2025, 3, 11, 0, 0, 1, 0, time.UTC))

	d, err = l.Consume(ctx, "u", ng.TierFree)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, int64(0), d.Remaining)
	assert.Equal(t, time.Date(2025, 3, 12, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

// Test 3: Day key uses UTC even when the clock is in another zone.
func TestConsume_NonUTCClock(t *testing.T) {
	tz := time.FixedZone("UTC+9", 9*3600)
	// 2025-03-11 01:00 in UTC+9 is 2025-03-10 16:00 UTC.
	l, _, _ := newLedger(t, 5, time.Date(2025, 3, 11, 1, 0, 0, 0, tz))

	d, err := l.Consume(context.Background(), "u", ng.TierFree)
	require.NoError(t, err)
	assert.Equal(t, time.Date(2025, 3, 11, 0, 0, 0, 0, time.UTC), d.ResetAt)
}

// Test 4: Peek does not mutate.
func TestPeek_DoesNotConsume(t *testing.T) {
	l, _, _ := newLedger(t, 3, time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := l.Peek(ctx, "u", ng.TierFree)
		require.NoError(t, err)
		assert.Equal(t, int64(3), d.Remaining)
	}

	_, err := l.Consume(ctx, "u", ng.TierFree)
	require.NoError(t, err)

	d, err := l.Peek(ctx, "u", ng.TierFree)
	require.NoError(t, err)
	assert.Equal(t, int64(2), d.Remaining)
	assert.True(t, d.Allowed)
}

// Test 5: Pro with zero pro limit is unlimited; admin is always unlimited.
func TestConsume_Unlimited(t *testing.T) {
	l, store, _ := newLedger(t, 1, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		d, err := l.Consume(ctx, "pro-user", ng.TierPro)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.True(t, d.Unlimited)

		d, err = l.Consume(ctx, "admin", ng.TierAdmin)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	assert.Equal(t, 0, store.Len())
}

// Test 6: Pro limit applies when configured.
func TestConsume_ProLimit(t *testing.T) {
	l, _, _ := newLedger(t, 1, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), quota.WithProLimit(2))
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		d, err := l.Consume(ctx, "p", ng.TierPro)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
	}
	d, err := l.Consume(ctx, "p", ng.TierPro)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
}

// Test 7: Bypass precedence.
func TestBypass_Precedence(t *testing.T) {
	l, _, _ := newLedger(t, 1, time.Now(),
		quota.WithAllowList([]string{"friend"}),
		quota.WithDebugSecret("s3cret"),
	)

	verifiedPro := ng.Identity{
		ID:       "lic_abc",
		Tier:     ng.TierPro,
		Verified: &ng.VerifiedIdentity{Claims: ng.LicenseClaims{LicenseID: "lic_abc", Plan: ng.TierPro}},
	}

	tests := []struct {
		name string
		req  quota.BypassRequest
		want quota.BypassReason
	}{
		{"admin wins over everything", quota.BypassRequest{
			Identity: ng.Identity{ID: "friend", Tier: ng.TierAdmin}, DebugSecret: "s3cret",
		}, quota.BypassAdmin},
		{"debug secret before allow list", quota.BypassRequest{
			Identity: ng.Identity{ID: "friend", Tier: ng.TierFree}, DebugSecret: "s3cret",
		}, quota.BypassDebug},
		{"wrong debug secret", quota.BypassRequest{
			Identity: ng.Identity{ID: "x", Tier: ng.TierFree}, DebugSecret: "nope",
		}, quota.BypassNone},
		{"allow list", quota.BypassRequest{
			Identity: ng.Identity{ID: "friend", Tier: ng.TierFree},
		}, quota.BypassAllowList},
		{"verified pro in real mode", quota.BypassRequest{
			Identity: verifiedPro, EffectiveMode: ng.ModeReal,
		}, quota.BypassProReal},
		{"verified pro in simulated mode", quota.BypassRequest{
			Identity: verifiedPro, EffectiveMode: ng.ModeSimulated,
		}, quota.BypassNone},
		{"unverified pro tier in real mode", quota.BypassRequest{
			Identity: ng.Identity{ID: "app", Tier: ng.TierPro}, EffectiveMode: ng.ModeReal,
		}, quota.BypassNone},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, l.Bypass(tt.req))
		})
	}
}

// Test 8: Empty debug secret never matches.
func TestBypass_EmptySecretDisabled(t *testing.T) {
	l, _, _ := newLedger(t, 1, time.Now())
	got := l.Bypass(quota.BypassRequest{Identity: ng.Identity{ID: "x"}, DebugSecret: ""})
	assert.Equal(t, quota.BypassNone, got)
}

// Test 9: Hot reload of allow list and secret.
func TestBypass_Reload(t *testing.T) {
	l, _, _ := newLedger(t, 1, time.Now())
	id := ng.Identity{ID: "late"}

	assert.Equal(t, quota.BypassNone, l.Bypass(quota.BypassRequest{Identity: id}))
	l.SetAllowList([]string{"late"})
	assert.Equal(t, quota.BypassAllowList, l.Bypass(quota.BypassRequest{Identity: id}))

	l.SetDebugSecret("k")
	assert.Equal(t, quota.BypassDebug, l.Bypass(quota.BypassRequest{Identity: id, DebugSecret: "k"}))
}

// Test 10: Bypassed decisions leave the store untouched.
func TestBypassed_NoMutation(t *testing.T) {
	l, store, _ := newLedger(t, 1, time.Now())
	d := l.Bypassed(quota.BypassAdmin)
	assert.True(t, d.Allowed)
	assert.Equal(t, quota.BypassAdmin, d.Bypass)
	assert.Equal(t, 0, store.Len())
}

// Test 11: Concurrent consumes never exceed the limit.
func TestConsume_Concurrent(t *testing.T) {
	l, _, _ := newLedger(t, 10, time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC))
	ctx := context.Background()

	var wg sync.WaitGroup
	var allowed atomic.Int64
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Consume(ctx, "shared", ng.TierFree)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(10), allowed.Load())
}

// Test 12: Run sweeps expired buckets and stops with the context.
func TestRun_Sweeps(t *testing.T) {
	l, store, c := newLedger(t, 5, time.Date(2025, 1, 1, 10, 0, 0, 0, time.UTC))
	ctx, cancel := context.WithCancel(context.Background())

	_, err := l.Consume(ctx, "u", ng.TierFree)
	require.NoError(t, err)
	require.Equal(t, 1, store.Len())

	c.Set(time.Date(2025, 1, 2, 0, 0, 1, 0, time.UTC))

	done := make(chan struct{})
	go func() {
		l.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	assert.Eventually(t, func() bool { return store.Len() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}

// Saturation: allowed count is min(n, limit), and remaining never goes negative.
func TestConsumeSaturationProperty(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		limit := rapid.Int64Range(0, 20).Draw(t, "limit")
		n := rapid.IntRange(0, 40).Draw(t, "n")

		c := &clock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
		store := memory.New(memory.WithClock(c.Now))
		l := quota.New(store, limit, quota.WithClock(c.Now))
		ctx := context.Background()

		var allowed int64
		for i := 0; i < n; i++ {
			d, err := l.Consume(ctx, "k", ng.TierFree)
			if err != nil {
				t.Fatalf("consume: %v", err)
			}
			if d.Remaining < 0 {
				t.Fatalf("negative remaining %d", d.Remaining)
			}
			if d.Used > limit {
				t.Fatalf("used %d exceeds limit %d", d.Used, limit)
			}
			if d.Allowed {
				allowed++
			}
		}

		want := int64(n)
		if limit < want {
			want = limit
		}
		if allowed != want {
			t.Fatalf("allowed %d, want %d", allowed, want)
		}
	})
}
