// Package server exposes the comparison service over HTTP.
package server

import (
	"log/slog"
	"net/http"
	"net/netip"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/access"
	"github.com/ineyio/neutralgate/compare"
	"github.com/ineyio/neutralgate/device"
	"github.com/ineyio/neutralgate/identity"
	"github.com/ineyio/neutralgate/license"
	"github.com/ineyio/neutralgate/meter"
	"github.com/ineyio/neutralgate/quota"
	"github.com/ineyio/neutralgate/usage"
)

// maxPromptRunes bounds the prompt accepted by the compare endpoints.
const maxPromptRunes = 32000

// Components are the collaborators behind the HTTP surface.
type Components struct {
	Resolver   *identity.Resolver
	Verifier   *license.Verifier
	Ledger     *quota.Ledger
	Engine     *access.Engine
	Guard      *device.Guard
	Executor   *compare.Executor
	Summarizer *compare.Summarizer
	Usage      *usage.Mirror
}

// NewComponents wires the collaborators from cfg. counters backs the quota ledger and
// sets backs the device guard.
func NewComponents(
	cfg neutralgate.Config,
	providers []neutralgate.Provider,
	counters neutralgate.CounterStore,
	sets neutralgate.SetStore,
	m neutralgate.Meter,
	logger *slog.Logger,
) Components {
	if logger == nil {
		logger = slog.Default()
	}

	guard := device.New(sets, cfg.Access.DeviceMax)
	engine := access.New(guard, access.WithDeviceBinding(cfg.Access.DeviceBinding))

	verifier := license.NewVerifier(cfg.License.Secret,
		license.WithIssuer(cfg.License.Issuer),
		license.WithTTL(cfg.License.TTL),
		license.WithKeys(cfg.License.Keys),
		license.WithHashedKeys(cfg.License.HashSecret, cfg.License.HashedKeys),
		license.WithAdmitter(engine),
	)

	ledger := quota.New(counters, cfg.Quota.FreeDailyLimit,
		quota.WithProLimit(cfg.Quota.ProDailyLimit),
		quota.WithAllowList(cfg.Quota.AllowList),
		quota.WithDebugSecret(cfg.Quota.DebugSecret),
		quota.WithLogger(logger),
	)

	opts := []compare.Option{
		compare.WithHealthTracker(neutralgate.NewHealthTracker()),
		compare.WithProviderConfigs(cfg.Providers),
	}
	if m != nil {
		opts = append(opts, compare.WithMeter(m))
	}
	exec := compare.NewExecutor(providers, opts...)

	return Components{
		Resolver:   identity.New(verifier, identity.WithConfig(cfg.Identity)),
		Verifier:   verifier,
		Ledger:     ledger,
		Engine:     engine,
		Guard:      guard,
		Executor:   exec,
		Summarizer: compare.NewSummarizer(exec, cfg.Summary.Provider, cfg.Summary.Timeout, logger),
		Usage:      usage.NewMirror(),
	}
}

// Server serves the HTTP API.
type Server struct {
	Components

	logger  *slog.Logger
	prom    *meter.PromMeter
	limiter *burstLimiter
	maxBody int64
	now     func() time.Time

	allowFreeSummary atomic.Bool
	trustedProxies   atomic.Pointer[[]netip.Prefix]
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithPromMeter enables HTTP metrics and the /metrics route.
func WithPromMeter(m *meter.PromMeter) Option {
	return func(s *Server) { s.prom = m }
}

// WithClock overrides the time source used for retry hints.
func WithClock(now func() time.Time) Option {
	return func(s *Server) { s.now = now }
}

// New creates a Server.
func New(cfg neutralgate.Config, c Components, opts ...Option) *Server {
	s := &Server{
		Components: c,
		logger:     slog.Default(),
		limiter:    newBurstLimiter(cfg.RateLimit.RPS, cfg.RateLimit.Burst),
		maxBody:    cfg.Server.MaxBodyBytes,
		now:        time.Now,
	}
	if s.maxBody <= 0 {
		s.maxBody = 1 << 20
	}
	s.allowFreeSummary.Store(cfg.Summary.AllowFree)
	s.setTrustedProxies(cfg.Server.TrustedProxies)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Reload applies the reloadable parts of cfg: allow-lists, secrets, limits and
// provider settings. Listener and store settings need a restart.
func (s *Server) Reload(cfg neutralgate.Config) {
	s.Verifier.SetKeys(cfg.License.Keys, cfg.License.HashSecret, cfg.License.HashedKeys)
	s.Resolver.Update(cfg.Identity)
	s.Ledger.SetLimits(cfg.Quota.FreeDailyLimit, cfg.Quota.ProDailyLimit)
	s.Ledger.SetAllowList(cfg.Quota.AllowList)
	s.Ledger.SetDebugSecret(cfg.Quota.DebugSecret)
	s.Engine.SetDeviceBinding(cfg.Access.DeviceBinding)
	s.Guard.SetMax(cfg.Access.DeviceMax)
	s.Executor.SetProviderConfigs(cfg.Providers)
	s.Summarizer.Configure(cfg.Summary.Provider, cfg.Summary.Timeout)
	s.allowFreeSummary.Store(cfg.Summary.AllowFree)
	s.setTrustedProxies(cfg.Server.TrustedProxies)
	s.limiter.configure(cfg.RateLimit.RPS, cfg.RateLimit.Burst)

	s.logger.Info("config reloaded",
		"free_daily_limit", cfg.Quota.FreeDailyLimit,
		"device_max", cfg.Access.DeviceMax,
		"activation_keys", len(cfg.License.Keys)+len(cfg.License.HashedKeys),
	)
}

// setTrustedProxies stores the parsed proxy list. Invalid entries are rejected by
// Config.Validate and skipped here.
func (s *Server) setTrustedProxies(entries []string) {
	var prefixes []netip.Prefix
	for _, e := range entries {
		if p, err := neutralgate.ParseTrustedProxies([]string{e}); err == nil {
			prefixes = append(prefixes, p...)
		}
	}
	s.trustedProxies.Store(&prefixes)
}

// Routes returns the chi router without the tracing wrapper.
func (s *Server) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.realIP)
	r.Use(s.accessLog)
	r.Use(s.recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/me", s.handleMe)
	r.Post("/compare", s.handleCompare)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/compare-multi", s.handleCompareMulti)
		r.Route("/auth", func(r chi.Router) {
			r.Post("/activate", s.handleActivate)
			r.Get("/status", s.handleStatus)
		})
		r.Post("/usage/increment", s.handleUsageIncrement)
	})

	if s.prom != nil {
		r.Method(http.MethodGet, "/metrics", s.prom.Handler())
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, errorBody{Code: CodeNotFound, Error: "not found"})
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusMethodNotAllowed, errorBody{Code: CodeNotAllowed, Error: "method not allowed"})
	})
	return r
}

// Handler returns the full HTTP handler, traced with otelhttp.
func (s *Server) Handler() http.Handler {
	return otelhttp.NewHandler(s.Routes(), "neutralgate")
}
