package openaicompat_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	ng "github.com/ineyio/neutralgate"
	"github.com/ineyio/neutralgate/provider/openaicompat"
)

func TestChatCompletion(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"id": "chatcmpl-1",
			"model": "gpt-test-0125",
			"choices": [{"message": {"role": "assistant", "content": "Hi there"}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 5, "completion_tokens": 2, "total_tokens": 7}
		}`))
	}))
	defer srv.Close()

	p := openaicompat.NewOpenAI(openaicompat.WithBaseURL(srv.URL + "/"))
	assert.Equal(t, ng.ProviderOpenAI, p.Name())

	resp, err := p.ChatCompletion(context.Background(), ng.ProviderRequest{
		Auth:        ng.Auth{APIKey: "sk-test"},
		Model:       "gpt-test",
		Prompt:      "hello",
		System:      "be brief",
		Temperature: ng.Float64Ptr(0.3),
	})
	require.NoError(t, err)
	assert.Equal(t, "Hi there", resp.Content)
	assert.Equal(t, "gpt-test-0125", resp.Model)
	assert.Equal(t, int64(7), resp.Usage.TotalTokens)

	assert.Equal(t, "gpt-test", got["model"])
	assert.InDelta(t, 0.3, got["temperature"], 1e-9)
	msgs := got["messages"].([]any)
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
	assert.Equal(t, "hello", msgs[1].(map[string]any)["content"])
	assert.NotContains(t, got, "max_tokens")
}

func TestChatCompletion_ErrorMapping(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusUnauthorized, ng.ErrAuthFailed},
		{http.StatusTooManyRequests, ng.ErrProviderRateLimited},
		{http.StatusBadRequest, ng.ErrInvalidRequest},
		{http.StatusBadGateway, ng.ErrProviderUnavailable},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
			}))
			defer srv.Close()

			p := openaicompat.NewOpenAI(openaicompat.WithBaseURL(srv.URL))
			_, err := p.ChatCompletion(context.Background(), ng.ProviderRequest{Auth: ng.Auth{APIKey: "k"}, Prompt: "x"})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestChatCompletion_EmptyAndMissingKey(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"choices": []}`))
	}))
	defer srv.Close()

	p := openaicompat.NewOpenAI(openaicompat.WithBaseURL(srv.URL))
	_, err := p.ChatCompletion(context.Background(), ng.ProviderRequest{Auth: ng.Auth{APIKey: "k"}, Prompt: "x"})
	assert.ErrorIs(t, err, ng.ErrEmptyResponse)

	_, err = p.ChatCompletion(context.Background(), ng.ProviderRequest{Prompt: "x"})
	assert.ErrorIs(t, err, ng.ErrMissingCredentials)
}

func TestChatCompletion_Canceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(50*time.Millisecond, cancel)

	p := openaicompat.NewOpenAI(openaicompat.WithBaseURL(srv.URL))
	_, err := p.ChatCompletion(ctx, ng.ProviderRequest{Auth: ng.Auth{APIKey: "k"}, Prompt: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.NotErrorIs(t, err, ng.ErrProviderUnavailable)
}
