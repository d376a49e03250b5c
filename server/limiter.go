package server

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const (
	limiterIdleTTL      = 10 * time.Minute
	limiterCleanupEvery = time.Minute
)

type identityLimiter struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// burstLimiter is a per-identity token bucket that smooths request bursts. It is
// independent of the daily quota.
type burstLimiter struct {
	mu          sync.RWMutex
	limiters    map[string]*identityLimiter
	rps         rate.Limit
	burst       int
	lastCleanup time.Time
	now         func() time.Time
}

func newBurstLimiter(rps float64, burst int) *burstLimiter {
	l := &burstLimiter{
		limiters: make(map[string]*identityLimiter),
		now:      time.Now,
	}
	l.configure(rps, burst)
	return l
}

// configure replaces the rate. Existing buckets are dropped.
func (l *burstLimiter) configure(rps float64, burst int) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if burst <= 0 {
		burst = 1
	}
	l.rps = rate.Limit(rps)
	l.burst = burst
	l.limiters = make(map[string]*identityLimiter)
}

// allow reports whether id may proceed and, when not, how long to wait.
// A non-positive rate disables limiting.
func (l *burstLimiter) allow(id string) (bool, time.Duration) {
	l.mu.RLock()
	disabled := l.rps <= 0
	l.mu.RUnlock()
	if disabled {
		return true, 0
	}

	lim := l.get(id)
	res := lim.Reserve()
	if !res.OK() {
		return false, time.Second
	}
	if d := res.Delay(); d > 0 {
		res.Cancel()
		return false, d
	}
	return true, 0
}

func (l *burstLimiter) get(id string) *rate.Limiter {
	now := l.now()

	l.mu.RLock()
	entry, ok := l.limiters[id]
	l.mu.RUnlock()
	if ok {
		l.mu.Lock()
		entry.lastSeen = now
		l.mu.Unlock()
		return entry.limiter
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if entry, ok := l.limiters[id]; ok {
		entry.lastSeen = now
		return entry.limiter
	}

	if now.Sub(l.lastCleanup) > limiterCleanupEvery {
		for key, e := range l.limiters {
			if now.Sub(e.lastSeen) > limiterIdleTTL {
				delete(l.limiters, key)
			}
		}
		l.lastCleanup = now
	}

	entry = &identityLimiter{limiter: rate.NewLimiter(l.rps, l.burst), lastSeen: now}
	l.limiters[id] = entry
	return entry.limiter
}

func (l *burstLimiter) size() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.limiters)
}
