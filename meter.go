package neutralgate

import "time"

// Meter observes fan-out events for monitoring/logging.
type Meter interface {
	// OnFanout is called once per comparison, before any provider is called.
	OnFanout(event FanoutEvent)

	// OnResult is called when a provider returns a result.
	OnResult(event ResultEvent)
}

// FanoutEvent describes a dispatch decision.
type FanoutEvent struct {
	RequestID string
	Providers []ProviderID
	Mode      Mode
	Tier      Tier
}

// ResultEvent describes the outcome of a provider call.
type ResultEvent struct {
	RequestID string
	Provider  ProviderID
	Model     string
	Simulated bool
	Success   bool
	Duration  time.Duration
	Tokens    int64
	Error     error
}
