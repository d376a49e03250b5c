package compare_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ng "github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/compare"
	"github.com/ineyio/neutralgate/provider/mock"
)

func TestSummarize_UsesDesignatedProvider(t *testing.T) {
	byID, list := mocks(nil)
	e := compare.NewExecutor(list, compare.WithProviderConfigs(configs(time.Second)))
	s := compare.NewSummarizer(e, ng.ProviderGemini, time.Second, nil)

	req := compare.Request{Prompt: "What is Go?", Mode: ng.ModeReal, ServerKeys: true}
	cmp := e.Run(context.Background(), req)
	got := s.Summarize(context.Background(), req, cmp)

	assert.Equal(t, "answer from gemini", got)

	reqs := byID[ng.ProviderGemini].Requests()
	require.Len(t, reqs, 2)
	summaryReq := reqs[1]
	assert.Contains(t, summaryReq.Prompt, "What is Go?")
	assert.Contains(t, summaryReq.Prompt, "answer from openai")
	assert.Contains(t, summaryReq.Prompt, "answer from claude")
	assert.NotEmpty(t, summaryReq.System)
}

func TestSummarize_IncludesFailedResults(t *testing.T) {
	results := []ng.Result{
		{Provider: ng.ProviderOpenAI, Model: "a", OK: true, Output: "fine"},
		{Provider: ng.ProviderClaude, Model: "b", Error: "timeout"},
	}
	prompt := compare.BuildSummaryPrompt("q", results)
	assert.Contains(t, prompt, "fine")
	assert.Contains(t, prompt, "[error] timeout")
}

func TestSummarize_FailureFallsBack(t *testing.T) {
	_, list := mocks(map[ng.ProviderID][]mock.Option{
		ng.ProviderOpenAI: {mock.WithFailAfter(1)},
	})
	e := compare.NewExecutor(list, compare.WithProviderConfigs(configs(time.Second)))
	s := compare.NewSummarizer(e, ng.ProviderOpenAI, time.Second, nil)

	req := compare.Request{Prompt: "q", Mode: ng.ModeReal, ServerKeys: true}
	cmp := e.Run(context.Background(), req)
	require.True(t, cmp.Results[ng.ProviderOpenAI].OK)

	assert.Equal(t, compare.FallbackSummary, s.Summarize(context.Background(), req, cmp))
}

func TestSummarize_NoCredentialFallsBack(t *testing.T) {
	_, list := mocks(nil)
	e := compare.NewExecutor(list, compare.WithProviderConfigs(configs(time.Second)))
	s := compare.NewSummarizer(e, ng.ProviderOpenAI, time.Second, nil)

	req := compare.Request{Prompt: "q", Mode: ng.ModeReal}
	cmp := e.Run(context.Background(), req)

	assert.Equal(t, compare.FallbackSummary, s.Summarize(context.Background(), req, cmp))
}

func TestSummarize_Timeout(t *testing.T) {
	_, list := mocks(map[ng.ProviderID][]mock.Option{
		ng.ProviderOpenAI: {mock.WithResponseFunc(func(r ng.ProviderRequest) (ng.ProviderResponse, error) {
			return ng.ProviderResponse{Content: "ok"}, nil
		})},
	})
	e := compare.NewExecutor(list, compare.WithProviderConfigs(configs(time.Second)))
	req := compare.Request{Prompt: "q", Mode: ng.ModeReal, ServerKeys: true}
	cmp := e.Run(context.Background(), req)

	slow := mock.New(mock.WithName(ng.ProviderOpenAI), mock.WithLatency(time.Second))
	se := compare.NewExecutor([]ng.Provider{slow}, compare.WithProviderConfigs(configs(time.Second)))
	s := compare.NewSummarizer(se, ng.ProviderOpenAI, 20*time.Millisecond, nil)

	start := time.Now()
	assert.Equal(t, compare.FallbackSummary, s.Summarize(context.Background(), req, cmp))
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestSummarize_SimulatedMode(t *testing.T) {
	byID, list := mocks(nil)
	e := compare.NewExecutor(list, compare.WithProviderConfigs(configs(time.Second)))
	s := compare.NewSummarizer(e, ng.ProviderOpenAI, time.Second, nil)

	req := compare.Request{Prompt: "q", Mode: ng.ModeSimulated}
	cmp := e.Run(context.Background(), req)
	got := s.Summarize(context.Background(), req, cmp)

	assert.Contains(t, got, "[simulated openai")
	assert.Zero(t, byID[ng.ProviderOpenAI].CallCount())
}

func TestSummarize_EmptyComparison(t *testing.T) {
	_, list := mocks(nil)
	e := compare.NewExecutor(list)
	s := compare.NewSummarizer(e, "", 0, nil)
	assert.Equal(t, compare.FallbackSummary, s.Summarize(context.Background(), compare.Request{}, ng.Comparison{}))
}
