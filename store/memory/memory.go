// Package memory provides the in-process CounterStore and SetStore used by default.
// State lives in this process only and is lost on restart.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/ineyio/neutralgate"
)

// Store is an in-memory CounterStore and SetStore with lazy and swept expiry.
type Store struct {
	mu       sync.Mutex
	counters map[string]*counter
	sets     map[string]map[string]struct{}
	now      func() time.Time
}

type counter struct {
	value    int64
	expireAt time.Time // zero means never
}

var (
	_ neutralgate.CounterStore = (*Store)(nil)
	_ neutralgate.SetStore     = (*Store)(nil)
	_ neutralgate.Sweeper      = (*Store)(nil)
)

// Option configures Store.
type Option func(*Store)

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New creates a new in-memory store.
func New(opts ...Option) *Store {
	s := &Store{
		counters: make(map[string]*counter),
		sets:     make(map[string]map[string]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Get returns the counter value, treating expired entries as absent.
func (s *Store) Get(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.live(key)
	if c == nil {
		return 0, nil
	}
	return c.value, nil
}

// Increment adds one to key unless it already reached ceiling.
func (s *Store) Increment(_ context.Context, key string, ceiling int64, expireAt time.Time) (int64, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.live(key)
	if c == nil {
		c = &counter{expireAt: expireAt}
		s.counters[key] = c
	}

	if c.value >= ceiling {
		return c.value, false, nil
	}

	c.value++
	if !expireAt.IsZero() {
		c.expireAt = expireAt
	}
	return c.value, true, nil
}

// ExpireAt sets the expiry of an existing counter.
func (s *Store) ExpireAt(_ context.Context, key string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c := s.live(key); c != nil {
		c.expireAt = at
	}
	return nil
}

// AddBounded adds member to the set at key if present already or below max.
func (s *Store) AddBounded(_ context.Context, key, member string, max int) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	set, ok := s.sets[key]
	if !ok {
		set = make(map[string]struct{})
		s.sets[key] = set
	}

	if _, seen := set[member]; seen {
		return true, nil
	}
	if len(set) >= max {
		return false, nil
	}
	set[member] = struct{}{}
	return true, nil
}

// Members returns the members of the set at key in no particular order.
func (s *Store) Members(_ context.Context, key string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]string, 0, len(s.sets[key]))
	for m := range s.sets[key] {
		out = append(out, m)
	}
	return out, nil
}

// Sweep removes counters whose expiry is at or before now. Sets never expire.
func (s *Store) Sweep(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, c := range s.counters {
		if expired(c, now) {
			delete(s.counters, key)
			removed++
		}
	}
	return removed, nil
}

// Len returns the number of counters held, including expired ones not yet swept.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.counters)
}

// live returns the counter for key, dropping it if expired. Must be called with lock held.
func (s *Store) live(key string) *counter {
	c, ok := s.counters[key]
	if !ok {
		return nil
	}
	if expired(c, s.now()) {
		delete(s.counters, key)
		return nil
	}
	return c
}

func expired(c *counter, now time.Time) bool {
	return !c.expireAt.IsZero() && !now.Before(c.expireAt)
}
