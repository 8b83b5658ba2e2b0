// Package llm is the generation-service client for the narrative pipeline,
// plus the prompt builders and response decoding its jobs use. Every
// generation has a deterministic fallback so the pipeline keeps moving when
// the API is down or unconfigured.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

const (
	defaultBaseURL = "https://api.anthropic.com/v1/messages"
	apiVersion     = "2023-06-01"
	defaultModel   = "claude-3-5-haiku-latest"
)

// ErrDisabled means no API key is configured. Callers fall back to
// deterministic text instead of failing their job.
var ErrDisabled = errors.New("llm client not configured")

// RequestError is a non-2xx reply from the generation API.
type RequestError struct {
	Status int
	Body   string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("api error %d: %s", e.Status, e.Body)
}

// Retryable reports whether a later attempt may succeed.
func (e *RequestError) Retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

// Client wraps the Anthropic Messages API. A process-wide rate limiter and
// an in-flight cap sit in front of every call; transient failures retry
// with linear backoff.
type Client struct {
	apiKey      string
	baseURL     string
	model       string
	httpClient  *http.Client
	limiter     *rate.Limiter
	inflight    *semaphore.Weighted
	maxRetries  int
	temperature float64
	logger      *slog.Logger
}

// Option customizes client behavior.
type Option func(*Client)

// WithBaseURL points the client at a different endpoint (tests use an
// httptest server).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		if url != "" {
			c.baseURL = url
		}
	}
}

// WithModel overrides the model name.
func WithModel(model string) Option {
	return func(c *Client) {
		if model != "" {
			c.model = model
		}
	}
}

// WithHTTPClient substitutes the underlying HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.httpClient = h
		}
	}
}

// WithRateLimit caps calls per minute with the given burst.
func WithRateLimit(perMinute, burst int) Option {
	return func(c *Client) {
		if perMinute > 0 && burst > 0 {
			c.limiter = rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst)
		}
	}
}

// WithMaxInFlight caps concurrent requests.
func WithMaxInFlight(n int64) Option {
	return func(c *Client) {
		if n > 0 {
			c.inflight = semaphore.NewWeighted(n)
		}
	}
}

// WithRetries sets how many times a transient failure is retried.
func WithRetries(n int) Option {
	return func(c *Client) {
		if n >= 0 {
			c.maxRetries = n
		}
	}
}

// WithTemperature sets the default sampling temperature.
func WithTemperature(t float64) Option {
	return func(c *Client) {
		if t > 0 {
			c.temperature = t
		}
	}
}

// WithClientLogger overrides the client's logger.
func WithClientLogger(l *slog.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClient creates the API client. Returns nil when apiKey is empty:
// generation runs disabled and every call reports ErrDisabled.
func NewClient(apiKey string, opts ...Option) *Client {
	if apiKey == "" {
		return nil
	}
	c := &Client{
		apiKey:     apiKey,
		baseURL:    defaultBaseURL,
		model:      defaultModel,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		limiter:    rate.NewLimiter(rate.Limit(0.5), 2),
		inflight:   semaphore.NewWeighted(4),
		maxRetries: 2,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Enabled reports whether the client can make API calls.
func (c *Client) Enabled() bool {
	return c != nil && c.apiKey != ""
}

// Request is one completion call.
type Request struct {
	System    string
	Prompt    string
	MaxTokens int
	// Temperature overrides the client default when set above zero.
	Temperature float64
}

type wireMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	MaxTokens   int           `json:"max_tokens"`
	System      string        `json:"system,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
	Messages    []wireMessage `json:"messages"`
}

type wireResponse struct {
	Content []struct {
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

// Complete sends one prompt and returns the response text. It blocks on the
// rate limiter and the in-flight cap, and retries transient failures until
// the retry budget runs out.
func (c *Client) Complete(ctx context.Context, req Request) (string, error) {
	if !c.Enabled() {
		return "", ErrDisabled
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("rate limit wait: %w", err)
	}
	if err := c.inflight.Acquire(ctx, 1); err != nil {
		return "", fmt.Errorf("in-flight cap: %w", err)
	}
	defer c.inflight.Release(1)

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(time.Duration(attempt) * time.Second):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}

		text, err := c.do(ctx, req)
		if err == nil {
			return text, nil
		}
		lastErr = err

		var reqErr *RequestError
		if errors.As(err, &reqErr) && !reqErr.Retryable() {
			return "", err
		}
		if ctx.Err() != nil {
			return "", err
		}
		c.logger.Warn("generation attempt failed",
			"attempt", attempt, "error", err)
	}
	return "", fmt.Errorf("retries exhausted: %w", lastErr)
}

func (c *Client) do(ctx context.Context, req Request) (string, error) {
	temperature := c.temperature
	if req.Temperature > 0 {
		temperature = req.Temperature
	}
	body, err := json.Marshal(wireRequest{
		Model:       c.model,
		MaxTokens:   req.MaxTokens,
		System:      req.System,
		Temperature: temperature,
		Messages:    []wireMessage{{Role: "user", Content: req.Prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("x-api-key", c.apiKey)
	httpReq.Header.Set("anthropic-version", apiVersion)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("api call: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", &RequestError{Status: resp.StatusCode, Body: string(respBody)}
	}

	var apiResp wireResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return "", fmt.Errorf("unmarshal response: %w", err)
	}
	if len(apiResp.Content) == 0 {
		return "", fmt.Errorf("empty response")
	}

	c.logger.Debug("generation call",
		"model", c.model,
		"input_tokens", apiResp.Usage.InputTokens,
		"output_tokens", apiResp.Usage.OutputTokens,
	)
	return apiResp.Content[0].Text, nil
}
