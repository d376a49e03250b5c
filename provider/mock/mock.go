package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ineyio/neutralgate"
)

// Provider is a mock LLM provider for testing.
type Provider struct {
	name         neutralgate.ProviderID
	latency      time.Duration
	failAfter    int
	callCount    atomic.Int64
	staticErr    error
	content      string
	usage        neutralgate.Usage
	responseFunc func(neutralgate.ProviderRequest) (neutralgate.ProviderResponse, error)

	mu       sync.Mutex
	requests []neutralgate.ProviderRequest
}

var _ neutralgate.Provider = (*Provider)(nil)

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:    neutralgate.ProviderOpenAI,
		content: "Hello from mock provider",
		usage: neutralgate.Usage{
			PromptTokens:     10,
			CompletionTokens: 20,
			TotalTokens:      30,
		},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name neutralgate.ProviderID) Option {
	return func(p *Provider) { p.name = name }
}

// WithContent sets the text returned on success.
func WithContent(s string) Option {
	return func(p *Provider) { p.content = s }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithFailAfter makes the provider fail after N successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(neutralgate.ProviderRequest) (neutralgate.ProviderResponse, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() neutralgate.ProviderID { return p.name }

func (p *Provider) ChatCompletion(ctx context.Context, req neutralgate.ProviderRequest) (neutralgate.ProviderResponse, error) {
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()

	if p.latency > 0 {
		select {
		case <-time.After(p.latency):
		case <-ctx.Done():
			return neutralgate.ProviderResponse{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if p.staticErr != nil {
		return neutralgate.ProviderResponse{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return neutralgate.ProviderResponse{}, neutralgate.ErrProviderUnavailable
	}

	if p.responseFunc != nil {
		return p.responseFunc(req)
	}

	return neutralgate.ProviderResponse{
		ID:           "mock-response-id",
		Content:      p.content,
		FinishReason: "stop",
		Usage:        p.usage,
		Model:        req.Model,
	}, nil
}

// CallCount returns the number of completed calls made to the provider.
func (p *Provider) CallCount() int64 { return p.callCount.Load() }

// Requests returns a copy of every request the provider received.
func (p *Provider) Requests() []neutralgate.ProviderRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]neutralgate.ProviderRequest, len(p.requests))
	copy(out, p.requests)
	return out
}
