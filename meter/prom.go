package meter

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ineyio/neutralgate"
)

// PromMeter exports fan-out, quota and HTTP metrics to Prometheus.
type PromMeter struct {
	fanoutsTotal    *prometheus.CounterVec
	resultsTotal    *prometheus.CounterVec
	resultDuration  *prometheus.HistogramVec
	tokensTotal     *prometheus.CounterVec
	quotaDecisions  *prometheus.CounterVec
	configReloads   *prometheus.CounterVec
	httpRequests    *prometheus.CounterVec
	httpDuration    *prometheus.HistogramVec
	providerHealthy *prometheus.GaugeVec

	registry *prometheus.Registry
}

var _ neutralgate.Meter = (*PromMeter)(nil)

// NewPromMeter creates a PromMeter with its own registry.
func NewPromMeter() *PromMeter {
	registry := prometheus.NewRegistry()

	m := &PromMeter{
		fanoutsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neutralgate_fanouts_total",
				Help: "Total number of comparisons dispatched by mode and tier",
			},
			[]string{"mode", "tier"},
		),
		resultsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neutralgate_provider_results_total",
				Help: "Total number of provider results by outcome",
			},
			[]string{"provider", "status", "simulated"},
		),
		resultDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "neutralgate_provider_duration_seconds",
				Help:    "Provider call latency in seconds",
				Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
			},
			[]string{"provider"},
		),
		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neutralgate_provider_tokens_total",
				Help: "Total tokens reported or estimated per provider",
			},
			[]string{"provider"},
		),
		quotaDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neutralgate_quota_decisions_total",
				Help: "Quota ledger outcomes by result",
			},
			[]string{"result"},
		),
		configReloads: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neutralgate_config_reloads_total",
				Help: "Configuration reload attempts by status",
			},
			[]string{"status"},
		),
		httpRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "neutralgate_http_requests_total",
				Help: "HTTP requests by route and status code",
			},
			[]string{"method", "route", "code"},
		),
		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "neutralgate_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		providerHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "neutralgate_provider_healthy",
				Help: "1 when the provider's last outcome was healthy",
			},
			[]string{"provider"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.fanoutsTotal,
		m.resultsTotal,
		m.resultDuration,
		m.tokensTotal,
		m.quotaDecisions,
		m.configReloads,
		m.httpRequests,
		m.httpDuration,
		m.providerHealthy,
	)

	return m
}

func (m *PromMeter) OnFanout(e neutralgate.FanoutEvent) {
	m.fanoutsTotal.WithLabelValues(string(e.Mode), string(e.Tier)).Inc()
}

func (m *PromMeter) OnResult(e neutralgate.ResultEvent) {
	status := "ok"
	if !e.Success {
		status = "error"
	}
	provider := string(e.Provider)
	m.resultsTotal.WithLabelValues(provider, status, strconv.FormatBool(e.Simulated)).Inc()
	if e.Simulated {
		return
	}
	m.resultDuration.WithLabelValues(provider).Observe(e.Duration.Seconds())
	if e.Tokens > 0 {
		m.tokensTotal.WithLabelValues(provider).Add(float64(e.Tokens))
	}
	healthy := 0.0
	if e.Success {
		healthy = 1
	}
	m.providerHealthy.WithLabelValues(provider).Set(healthy)
}

// RecordQuota counts a ledger outcome: "allowed", "denied" or a bypass reason.
func (m *PromMeter) RecordQuota(result string) {
	m.quotaDecisions.WithLabelValues(result).Inc()
}

// RecordConfigReload counts a reload attempt.
func (m *PromMeter) RecordConfigReload(ok bool) {
	status := "success"
	if !ok {
		status = "failure"
	}
	m.configReloads.WithLabelValues(status).Inc()
}

// RecordHTTPRequest records one served request.
func (m *PromMeter) RecordHTTPRequest(method, route string, code int, duration time.Duration) {
	m.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	m.httpDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}

// Handler returns the Prometheus metrics HTTP handler.
func (m *PromMeter) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *PromMeter) Registry() *prometheus.Registry {
	return m.registry
}
