// Package quota meters callers against a daily request allowance.
//
// Buckets are keyed by identity and UTC calendar day and reset at the next UTC
// midnight. State lives behind neutralgate.CounterStore so the same ledger runs on
// memory, Redis or Postgres.
package quota

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ineyio/neutralgate"
)

// BypassReason names why a request skipped metering.
type BypassReason string

const (
	BypassNone      BypassReason = ""
	BypassAdmin     BypassReason = "admin"
	BypassDebug     BypassReason = "debug_secret"
	BypassAllowList BypassReason = "allow_list"
	BypassProReal   BypassReason = "pro_real"
)

// Decision is the outcome of a Consume or Peek.
type Decision struct {
	Allowed   bool
	Bypass    BypassReason
	Unlimited bool
	Limit     int64
	Used      int64
	Remaining int64
	ResetAt   time.Time
}

// BypassRequest carries what Bypass needs to decide.
type BypassRequest struct {
	Identity      neutralgate.Identity
	DebugSecret   string
	EffectiveMode neutralgate.Mode
}

// Ledger is the daily request ledger.
type Ledger struct {
	store  neutralgate.CounterStore
	now    func() time.Time
	logger *slog.Logger

	mu          sync.RWMutex
	freeLimit   int64
	proLimit    int64
	allowList   map[string]struct{}
	debugSecret string
}

// Option configures Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// WithLogger sets the logger used by Run.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Ledger) { l.logger = logger }
}

// WithProLimit sets the daily allowance for pro callers that are not bypassed.
// Zero means unlimited.
func WithProLimit(n int64) Option {
	return func(l *Ledger) { l.proLimit = n }
}

// WithAllowList sets identity ids that are never metered.
func WithAllowList(ids []string) Option {
	return func(l *Ledger) { l.allowList = toSet(ids) }
}

// WithDebugSecret sets the header secret that disables metering.
func WithDebugSecret(secret string) Option {
	return func(l *Ledger) { l.debugSecret = secret }
}

// New creates a ledger over store with the given daily allowance for free callers.
func New(store neutralgate.CounterStore, freeLimit int64, opts ...Option) *Ledger {
	l := &Ledger{
		store:     store,
		now:       time.Now,
		logger:    slog.Default(),
		freeLimit: freeLimit,
		allowList: map[string]struct{}{},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// SetLimits replaces the daily allowances.
func (l *Ledger) SetLimits(free, pro int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.freeLimit = free
	l.proLimit = pro
}

// SetAllowList replaces the allow-list.
func (l *Ledger) SetAllowList(ids []string) {
	set := toSet(ids)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.allowList = set
}

// SetDebugSecret replaces the debug secret. An empty secret disables the bypass.
func (l *Ledger) SetDebugSecret(secret string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.debugSecret = secret
}

// Bypass reports whether the request skips metering, checking in order:
// admin, debug secret, allow-listed id, verified pro in real mode.
func (l *Ledger) Bypass(req BypassRequest) BypassReason {
	l.mu.RLock()
	secret := l.debugSecret
	_, listed := l.allowList[req.Identity.ID]
	l.mu.RUnlock()

	switch {
	case req.Identity.IsAdmin():
		return BypassAdmin
	case secret != "" && req.DebugSecret != "" &&
		subtle.ConstantTimeCompare([]byte(secret), []byte(req.DebugSecret)) == 1:
		return BypassDebug
	case req.Identity.ID != "" && listed:
		return BypassAllowList
	case req.Identity.Verified != nil && req.Identity.Tier.AtLeastPro() &&
		req.EffectiveMode == neutralgate.ModeReal:
		return BypassProReal
	default:
		return BypassNone
	}
}

// Limit returns the daily allowance for tier and whether it is unlimited.
func (l *Ledger) Limit(tier neutralgate.Tier) (int64, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	switch tier {
	case neutralgate.TierAdmin:
		return 0, true
	case neutralgate.TierPro:
		return l.proLimit, l.proLimit <= 0
	default:
		return l.freeLimit, false
	}
}

// Consume takes one unit from key's bucket for today. When the allowance is spent
// the decision is not allowed and the counter is left at the limit.
func (l *Ledger) Consume(ctx context.Context, key string, tier neutralgate.Tier) (Decision, error) {
	now := l.now()
	limit, unlimited := l.Limit(tier)
	resetAt := neutralgate.NextMidnightUTC(now)

	if unlimited {
		return Decision{Allowed: true, Unlimited: true, Remaining: -1, ResetAt: resetAt}, nil
	}

	used, ok, err := l.store.Increment(ctx, bucketKey(key, now), limit, resetAt)
	if err != nil {
		return Decision{}, fmt.Errorf("neutralgate/quota: consume: %w", err)
	}

	return Decision{
		Allowed:   ok,
		Limit:     limit,
		Used:      used,
		Remaining: remaining(limit, used),
		ResetAt:   resetAt,
	}, nil
}

// Peek returns today's standing for key without consuming.
func (l *Ledger) Peek(ctx context.Context, key string, tier neutralgate.Tier) (Decision, error) {
	now := l.now()
	limit, unlimited := l.Limit(tier)
	resetAt := neutralgate.NextMidnightUTC(now)

	if unlimited {
		return Decision{Allowed: true, Unlimited: true, Remaining: -1, ResetAt: resetAt}, nil
	}

	used, err := l.store.Get(ctx, bucketKey(key, now))
	if err != nil {
		return Decision{}, fmt.Errorf("neutralgate/quota: peek: %w", err)
	}

	return Decision{
		Allowed:   used < limit,
		Limit:     limit,
		Used:      used,
		Remaining: remaining(limit, used),
		ResetAt:   resetAt,
	}, nil
}

// Bypassed returns the decision reported for a bypassed request. The store is not touched.
func (l *Ledger) Bypassed(reason BypassReason) Decision {
	return Decision{
		Allowed:   true,
		Bypass:    reason,
		Unlimited: true,
		Remaining: -1,
		ResetAt:   neutralgate.NextMidnightUTC(l.now()),
	}
}

// Run sweeps expired buckets every interval until ctx is done. Stores that
// expire keys themselves (Redis) are left alone.
func (l *Ledger) Run(ctx context.Context, interval time.Duration) {
	sweeper, ok := l.store.(neutralgate.Sweeper)
	if !ok || interval <= 0 {
		return
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := sweeper.Sweep(ctx, l.now())
			if err != nil {
				l.logger.Warn("quota sweep failed", "error", err)
				continue
			}
			if n > 0 {
				l.logger.Debug("quota sweep", "removed", n)
			}
		}
	}
}

func bucketKey(key string, now time.Time) string {
	return "quota:" + neutralgate.DayKey(now) + ":" + key
}

func remaining(limit, used int64) int64 {
	if used >= limit {
		return 0
	}
	return limit - used
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		if id != "" {
			set[id] = struct{}{}
		}
	}
	return set
}
