package anthropic

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/ineyio/neutralgate"
)

const (
	defaultBaseURL   = "https://api.anthropic.com/v1"
	apiVersion       = "2023-06-01"
	defaultMaxTokens = 1024
)

// Provider is the Anthropic messages API adapter, exposed as "claude".
type Provider struct {
	baseURL    string
	httpClient *http.Client
}

var _ neutralgate.Provider = (*Provider)(nil)

// Option configures the provider.
type Option func(*Provider)

// WithBaseURL sets a custom base URL.
func WithBaseURL(u string) Option {
	return func(p *Provider) {
		if u != "" {
			p.baseURL = strings.TrimRight(u, "/")
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// New creates a new Anthropic provider.
func New(opts ...Option) *Provider {
	p := &Provider{
		baseURL:    defaultBaseURL,
		httpClient: http.DefaultClient,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Provider) Name() neutralgate.ProviderID { return neutralgate.ProviderClaude }

type messagesRequest struct {
	Model       string    `json:"model"`
	System      string    `json:"system,omitempty"`
	Messages    []message `json:"messages"`
	MaxTokens   int       `json:"max_tokens"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type messagesResponse struct {
	ID      string `json:"id"`
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	StopReason string `json:"stop_reason"`
	Usage      struct {
		InputTokens  int64 `json:"input_tokens"`
		OutputTokens int64 `json:"output_tokens"`
	} `json:"usage"`
}

func (p *Provider) ChatCompletion(ctx context.Context, req neutralgate.ProviderRequest) (neutralgate.ProviderResponse, error) {
	if req.Auth.APIKey == "" {
		return neutralgate.ProviderResponse{}, neutralgate.ErrMissingCredentials
	}

	maxTokens := defaultMaxTokens
	if req.MaxTokens != nil && *req.MaxTokens > 0 {
		maxTokens = *req.MaxTokens
	}
	body := messagesRequest{
		Model:       req.Model,
		System:      req.System,
		Messages:    []message{{Role: "user", Content: req.Prompt}},
		MaxTokens:   maxTokens,
		Temperature: req.Temperature,
	}

	jsonBody, err := json.Marshal(body)
	if err != nil {
		return neutralgate.ProviderResponse{}, fmt.Errorf("neutralgate: marshal anthropic request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/messages", bytes.NewReader(jsonBody))
	if err != nil {
		return neutralgate.ProviderResponse{}, fmt.Errorf("neutralgate: create anthropic request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", req.Auth.APIKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	httpResp, err := p.httpClient.Do(httpReq)
	if err != nil {
		return neutralgate.ProviderResponse{}, neutralgate.TransportError(ctx, err)
	}
	defer httpResp.Body.Close()

	if err := mapHTTPError(httpResp); err != nil {
		return neutralgate.ProviderResponse{}, err
	}

	var resp messagesResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return neutralgate.ProviderResponse{}, fmt.Errorf("neutralgate: decode anthropic response: %w", err)
	}

	var text strings.Builder
	for _, c := range resp.Content {
		if c.Type == "" || c.Type == "text" {
			text.WriteString(c.Text)
		}
	}
	if strings.TrimSpace(text.String()) == "" {
		return neutralgate.ProviderResponse{}, neutralgate.ErrEmptyResponse
	}

	return neutralgate.ProviderResponse{
		ID:           resp.ID,
		Content:      text.String(),
		FinishReason: resp.StopReason,
		Model:        resp.Model,
		Usage: neutralgate.Usage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		},
	}, nil
}

func mapHTTPError(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))

	switch resp.StatusCode {
	case http.StatusTooManyRequests, 529:
		return neutralgate.ErrProviderRateLimited
	case http.StatusUnauthorized, http.StatusForbidden:
		return neutralgate.ErrAuthFailed
	case http.StatusBadRequest, http.StatusNotFound:
		return fmt.Errorf("%w: %s", neutralgate.ErrInvalidRequest, string(body))
	default:
		return neutralgate.ErrProviderUnavailable
	}
}
