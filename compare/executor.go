// Package compare fans one prompt out to several providers and aggregates the
// answers.
package compare

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ineyio/neutralgate"
)

// DefaultTimeout bounds a provider call when its config sets none.
const DefaultTimeout = 30 * time.Second

// Request is one comparison.
type Request struct {
	RequestID string
	Prompt    string
	System    string
	Providers []neutralgate.ProviderID

	// Models overrides the configured model per provider.
	Models map[neutralgate.ProviderID]string
	// Temperature applies to every provider without an entry in Temperatures.
	Temperature  *float64
	Temperatures map[neutralgate.ProviderID]float64
	// UserKeys are caller-supplied credentials; they take priority over server keys.
	UserKeys map[neutralgate.ProviderID]string

	Mode       neutralgate.Mode
	ServerKeys bool
	Tier       neutralgate.Tier
}

// Executor runs comparisons.
type Executor struct {
	providers map[neutralgate.ProviderID]neutralgate.Provider
	health    *neutralgate.HealthTracker
	meter     neutralgate.Meter

	mu      sync.RWMutex
	configs map[neutralgate.ProviderID]neutralgate.ProviderConfig
}

// Option configures an Executor.
type Option func(*Executor)

// WithHealthTracker sets the health tracker fed by provider outcomes.
func WithHealthTracker(h *neutralgate.HealthTracker) Option {
	return func(e *Executor) { e.health = h }
}

// WithMeter sets the meter.
func WithMeter(m neutralgate.Meter) Option {
	return func(e *Executor) { e.meter = m }
}

// WithProviderConfigs sets per-provider model, key, temperature and timeout.
func WithProviderConfigs(cfgs map[neutralgate.ProviderID]neutralgate.ProviderConfig) Option {
	return func(e *Executor) { e.configs = cfgs }
}

// NewExecutor creates an Executor over the given provider adapters.
func NewExecutor(providers []neutralgate.Provider, opts ...Option) *Executor {
	provMap := make(map[neutralgate.ProviderID]neutralgate.Provider, len(providers))
	for _, p := range providers {
		provMap[p.Name()] = p
	}

	e := &Executor{
		providers: provMap,
		configs:   map[neutralgate.ProviderID]neutralgate.ProviderConfig{},
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.health == nil {
		e.health = neutralgate.NewHealthTracker()
	}
	if e.meter == nil {
		e.meter = noopMeter{}
	}
	return e
}

// SetProviderConfigs replaces the per-provider settings.
func (e *Executor) SetProviderConfigs(cfgs map[neutralgate.ProviderID]neutralgate.ProviderConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.configs = cfgs
}

// Health returns the tracker fed by this executor.
func (e *Executor) Health() *neutralgate.HealthTracker { return e.health }

// Run calls every selected provider concurrently and waits for all of them. Each
// provider gets its own timeout; a failure is recorded in that provider's result and
// never affects the others.
func (e *Executor) Run(ctx context.Context, req Request) neutralgate.Comparison {
	start := time.Now()

	ids := req.Providers
	if len(ids) == 0 {
		ids = SelectProviders(nil)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}
	if req.Mode != neutralgate.ModeReal {
		req.Mode = neutralgate.ModeSimulated
	}

	e.meter.OnFanout(neutralgate.FanoutEvent{
		RequestID: req.RequestID,
		Providers: ids,
		Mode:      req.Mode,
		Tier:      req.Tier,
	})

	results := make(map[neutralgate.ProviderID]neutralgate.Result, len(ids))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id neutralgate.ProviderID) {
			defer wg.Done()
			res := e.call(ctx, req, id)
			mu.Lock()
			results[id] = res
			mu.Unlock()
		}(id)
	}
	wg.Wait()

	return neutralgate.Comparison{
		ID:        req.RequestID,
		Mode:      req.Mode,
		Results:   results,
		Order:     ids,
		LatencyMs: time.Since(start).Milliseconds(),
	}
}

func (e *Executor) call(ctx context.Context, req Request, id neutralgate.ProviderID) neutralgate.Result {
	cfg := e.config(id)
	model := cfg.Model
	if m := req.Models[id]; m != "" {
		model = m
	}
	temp := temperatureFor(req, id, cfg)

	res := neutralgate.Result{Provider: id, Model: model}
	start := time.Now()

	if req.Mode == neutralgate.ModeSimulated {
		res.OK = true
		res.Simulated = true
		res.Output = Simulate(id, model, req.Prompt, temp)
		res.Tokens = neutralgate.EstimateTokens(res.Output)
		res.LatencyMs = time.Since(start).Milliseconds()
		e.meter.OnResult(neutralgate.ResultEvent{
			RequestID: req.RequestID,
			Provider:  id,
			Model:     model,
			Simulated: true,
			Success:   true,
			Duration:  time.Since(start),
			Tokens:    res.Tokens,
		})
		return res
	}

	resp, err := e.invoke(ctx, req, id, model, temp, cfg)
	duration := time.Since(start)
	res.LatencyMs = duration.Milliseconds()

	if err != nil {
		perr := &neutralgate.ProviderError{Err: err, Provider: id, Model: model}
		if !neutralgate.IsFatal(err) && !errors.Is(err, context.Canceled) {
			e.health.RecordFailure(id)
		}
		e.meter.OnResult(neutralgate.ResultEvent{
			RequestID: req.RequestID,
			Provider:  id,
			Model:     model,
			Success:   false,
			Duration:  duration,
			Error:     perr,
		})
		res.Error = neutralgate.PublicMessage(err)
		return res
	}

	e.health.RecordSuccess(id)
	if resp.Model != "" {
		res.Model = resp.Model
	}
	res.OK = true
	res.Output = resp.Content
	res.Tokens = resp.Usage.TotalTokens
	if res.Tokens == 0 {
		res.Tokens = neutralgate.EstimateTokens(req.Prompt) + neutralgate.EstimateTokens(resp.Content)
	}
	e.meter.OnResult(neutralgate.ResultEvent{
		RequestID: req.RequestID,
		Provider:  id,
		Model:     res.Model,
		Success:   true,
		Duration:  duration,
		Tokens:    res.Tokens,
	})
	return res
}

func (e *Executor) invoke(ctx context.Context, req Request, id neutralgate.ProviderID, model string, temp *float64, cfg neutralgate.ProviderConfig) (neutralgate.ProviderResponse, error) {
	p, ok := e.providers[id]
	if !ok {
		return neutralgate.ProviderResponse{}, fmt.Errorf("%w: no adapter for %s", neutralgate.ErrProviderUnavailable, id)
	}

	key := e.credential(req, id)
	if key == "" {
		return neutralgate.ProviderResponse{}, neutralgate.ErrMissingCredentials
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var maxTokens *int
	if cfg.MaxTokens > 0 {
		maxTokens = neutralgate.IntPtr(cfg.MaxTokens)
	}

	resp, err := safeComplete(cctx, p, neutralgate.ProviderRequest{
		Auth:        neutralgate.Auth{APIKey: key},
		Model:       model,
		Prompt:      req.Prompt,
		System:      req.System,
		Temperature: temp,
		MaxTokens:   maxTokens,
	})
	if err != nil {
		if errors.Is(cctx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return neutralgate.ProviderResponse{}, fmt.Errorf("%w: %v", neutralgate.ErrTimeout, err)
		}
		return neutralgate.ProviderResponse{}, err
	}
	if resp.Content == "" {
		return neutralgate.ProviderResponse{}, neutralgate.ErrEmptyResponse
	}
	return resp, nil
}

// safeComplete turns an adapter panic into a provider error so it stays in that
// provider's slot.
func safeComplete(ctx context.Context, p neutralgate.Provider, req neutralgate.ProviderRequest) (resp neutralgate.ProviderResponse, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: adapter panic: %v", neutralgate.ErrProviderUnavailable, r)
		}
	}()
	return p.ChatCompletion(ctx, req)
}

// credential picks the caller's key, then the server key when permitted.
func (e *Executor) credential(req Request, id neutralgate.ProviderID) string {
	if k := req.UserKeys[id]; k != "" {
		return k
	}
	if req.ServerKeys {
		return e.config(id).APIKey
	}
	return ""
}

func (e *Executor) config(id neutralgate.ProviderID) neutralgate.ProviderConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.configs[id]
}

func temperatureFor(req Request, id neutralgate.ProviderID, cfg neutralgate.ProviderConfig) *float64 {
	if t, ok := req.Temperatures[id]; ok {
		return neutralgate.Float64Ptr(t)
	}
	if req.Temperature != nil {
		return req.Temperature
	}
	return cfg.Temperature
}

type noopMeter struct{}

func (noopMeter) OnFanout(neutralgate.FanoutEvent) {}
func (noopMeter) OnResult(neutralgate.ResultEvent) {}
