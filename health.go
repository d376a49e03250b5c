package neutralgate

import (
	"sync"
	"time"
)

const (
	healthFailureThreshold = 3
	healthFailureWindow    = 5 * time.Minute
	healthUnhealthyPeriod  = 30 * time.Second
)

// HealthState describes the observed health of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthUnhealthy
	HealthHalfOpen
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthUnhealthy:
		return "unhealthy"
	case HealthHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-provider health using a circuit breaker pattern.
// It is informational: the executor still calls unhealthy providers so every
// requested provider gets a result slot.
type HealthTracker struct {
	mu        sync.Mutex
	providers map[ProviderID]*providerHealth
	now       func() time.Time
}

type providerHealth struct {
	state       HealthState
	failures    []time.Time // sliding window of failure timestamps
	unhealthyAt time.Time
}

// NewHealthTracker creates a new HealthTracker.
func NewHealthTracker() *HealthTracker {
	return &HealthTracker{
		providers: make(map[ProviderID]*providerHealth),
		now:       time.Now,
	}
}

// GetHealth returns the current health state for a provider.
func (h *HealthTracker) GetHealth(id ProviderID) HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph, ok := h.providers[id]
	if !ok {
		return HealthHealthy
	}

	// Unhealthy period elapsed → half-open.
	if ph.state == HealthUnhealthy && h.now().Sub(ph.unhealthyAt) >= healthUnhealthyPeriod {
		ph.state = HealthHalfOpen
	}

	return ph.state
}

// Snapshot returns the health of every known provider.
func (h *HealthTracker) Snapshot() map[ProviderID]string {
	out := make(map[ProviderID]string, len(KnownProviders))
	for _, id := range KnownProviders {
		out[id] = h.GetHealth(id).String()
	}
	return out
}

// RecordSuccess records a successful call for a provider.
func (h *HealthTracker) RecordSuccess(id ProviderID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(id)
	ph.state = HealthHealthy
	ph.failures = ph.failures[:0]
}

// RecordFailure records a failed call for a provider.
func (h *HealthTracker) RecordFailure(id ProviderID) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(id)
	if ph.state == HealthUnhealthy {
		return
	}

	now := h.now()

	cutoff := now.Add(-healthFailureWindow)
	valid := ph.failures[:0]
	for _, t := range ph.failures {
		if t.After(cutoff) {
			valid = append(valid, t)
		}
	}
	ph.failures = append(valid, now)

	if len(ph.failures) >= healthFailureThreshold {
		ph.state = HealthUnhealthy
		ph.unhealthyAt = now
	}
}

func (h *HealthTracker) getOrCreate(id ProviderID) *providerHealth {
	ph, ok := h.providers[id]
	if !ok {
		ph = &providerHealth{state: HealthHealthy}
		h.providers[id] = ph
	}
	return ph
}
