package compare

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ineyio/neutralgate"
)

// FallbackSummary replaces the summary whenever it cannot be produced.
const FallbackSummary = "Summary unavailable."

const summaryInstruction = `You are given one question and the answers several AI assistants gave to it.
Write a neutral summary of at most five sentences. Say where the answers agree and where they differ.
Do not pick a winner. Answers marked [error] failed and should only be mentioned as missing.`

// Summarizer asks one designated provider to summarize a comparison.
type Summarizer struct {
	exec   *Executor
	logger *slog.Logger

	mu       sync.RWMutex
	provider neutralgate.ProviderID
	timeout  time.Duration
}

// NewSummarizer creates a Summarizer that calls provider through exec's adapters,
// settings and credential rules.
func NewSummarizer(exec *Executor, provider neutralgate.ProviderID, timeout time.Duration, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Summarizer{exec: exec, logger: logger}
	s.Configure(provider, timeout)
	return s
}

// Configure replaces the designated provider and timeout.
func (s *Summarizer) Configure(provider neutralgate.ProviderID, timeout time.Duration) {
	if provider == "" {
		provider = neutralgate.ProviderOpenAI
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.provider = provider
	s.timeout = timeout
}

// Summarize returns a summary of cmp, or FallbackSummary on any failure. It never
// returns an error.
func (s *Summarizer) Summarize(ctx context.Context, req Request, cmp neutralgate.Comparison) string {
	s.mu.RLock()
	provider, timeout := s.provider, s.timeout
	s.mu.RUnlock()

	results := cmp.Ordered()
	if len(results) == 0 {
		return FallbackSummary
	}

	prompt := BuildSummaryPrompt(req.Prompt, results)

	if cmp.Mode != neutralgate.ModeReal {
		return Simulate(provider, "summary", prompt, nil)
	}

	cfg := s.exec.config(provider)
	model := cfg.Model
	if m := req.Models[provider]; m != "" {
		model = m
	}
	cfg.Timeout = timeout

	sreq := req
	sreq.Prompt = prompt
	sreq.System = summaryInstruction

	resp, err := s.exec.invoke(ctx, sreq, provider, model, neutralgate.Float64Ptr(0.2), cfg)
	if err != nil {
		s.logger.Warn("summary failed",
			"request_id", cmp.ID,
			"provider", provider,
			"error", err,
		)
		return FallbackSummary
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return FallbackSummary
	}
	return text
}

// BuildSummaryPrompt lays out the question and every answer, failed ones as their
// error text.
func BuildSummaryPrompt(question string, results []neutralgate.Result) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Question:\n%s\n", strings.TrimSpace(question))
	for _, r := range results {
		fmt.Fprintf(&b, "\n### %s (%s)\n%s\n", r.Provider, r.Model, r.Text())
	}
	return b.String()
}
