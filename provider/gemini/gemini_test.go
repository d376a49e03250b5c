package gemini_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ng "github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/provider/gemini"
)

func TestChatCompletion(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/models/gemini-test:generateContent", r.URL.Path)
		assert.Equal(t, "g-key", r.URL.Query().Get("key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		_, _ = w.Write([]byte(`{
			"candidates": [{"content": {"parts": [{"text": "Hello "}, {"text": "world"}]}, "finishReason": "STOP"}],
			"usageMetadata": {"promptTokenCount": 3, "candidatesTokenCount": 2, "totalTokenCount": 5}
		}`))
	}))
	defer srv.Close()

	p := gemini.New(gemini.WithBaseURL(srv.URL))
	assert.Equal(t, ng.ProviderGemini, p.Name())

	resp, err := p.ChatCompletion(context.Background(), ng.ProviderRequest{
		Auth:      ng.Auth{APIKey: "g-key"},
		Model:     "gemini-test",
		Prompt:    "hi",
		System:    "sys",
		MaxTokens: ng.IntPtr(64),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hello world", resp.Content)
	assert.Equal(t, "stop", resp.FinishReason)
	assert.Equal(t, int64(5), resp.Usage.TotalTokens)

	assert.Contains(t, got, "systemInstruction")
	cfg := got["generationConfig"].(map[string]any)
	assert.Equal(t, float64(64), cfg["maxOutputTokens"])
	assert.NotContains(t, cfg, "temperature")
}

func TestChatCompletion_Errors(t *testing.T) {
	tests := []struct {
		name string
		h    http.HandlerFunc
		want error
	}{
		{"forbidden", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusForbidden) }, ng.ErrAuthFailed},
		{"rate limited", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusTooManyRequests) }, ng.ErrProviderRateLimited},
		{"no candidates", func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte(`{"candidates": []}`)) }, ng.ErrEmptyResponse},
		{"server error", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusInternalServerError) }, ng.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(tt.h)
			defer srv.Close()

			p := gemini.New(gemini.WithBaseURL(srv.URL))
			_, err := p.ChatCompletion(context.Background(), ng.ProviderRequest{Auth: ng.Auth{APIKey: "k"}, Model: "m", Prompt: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChatCompletion_TransportErrorHidesKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()

	p := gemini.New(gemini.WithBaseURL(base))
	_, err := p.ChatCompletion(context.Background(), ng.ProviderRequest{Auth: ng.Auth{APIKey: "secret-gemini-key"}, Model: "m", Prompt: "x"})
	require.Error(t, err)
	assert.ErrorIs(t, err, ng.ErrProviderUnavailable)
	assert.NotContains(t, err.Error(), "secret-gemini-key")
}
