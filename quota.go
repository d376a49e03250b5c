package neutralgate

import (
	"context"
	"time"
)

// CounterStore holds expiring integer counters. The default is an in-process map;
// Redis and Postgres implementations live under store/.
type CounterStore interface {
	// Get returns the current value of key, or 0 if it is absent or expired.
	Get(ctx context.Context, key string) (int64, error)

	// Increment adds one to key unless the current value is already >= ceiling.
	// It returns the value after the call and whether the increment happened.
	// A rejected increment leaves the counter unchanged.
	Increment(ctx context.Context, key string, ceiling int64, expireAt time.Time) (int64, bool, error)

	// ExpireAt sets the time after which key is discarded.
	ExpireAt(ctx context.Context, key string, at time.Time) error
}

// SetStore holds bounded string sets.
type SetStore interface {
	// AddBounded adds member to the set at key if it is already present or the set
	// has fewer than max members. It reports whether member is in the set afterwards.
	AddBounded(ctx context.Context, key, member string, max int) (bool, error)

	// Members returns the members of the set at key.
	Members(ctx context.Context, key string) ([]string, error)
}

// Sweeper is implemented by stores that need periodic removal of expired entries.
type Sweeper interface {
	// Sweep removes entries whose expiry is at or before now and returns how many.
	Sweep(ctx context.Context, now time.Time) (int, error)
}

// DayKey returns the canonical UTC calendar day for t.
func DayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// NextMidnightUTC returns the start of the UTC day after t.
func NextMidnightUTC(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day()+1, 0, 0, 0, 0, time.UTC)
}
