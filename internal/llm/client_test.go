package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

func fakeAPI(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func apiReply(w http.ResponseWriter, text string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"content": []map[string]string{{"text": text}},
		"usage":   map[string]int{"input_tokens": 10, "output_tokens": 5},
	})
}

func TestCompleteRoundTrip(t *testing.T) {
	var got struct {
		Model     string  `json:"model"`
		MaxTokens int     `json:"max_tokens"`
		System    string  `json:"system"`
		Temp      float64 `json:"temperature"`
		Messages  []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("x-api-key") != "test-key" {
			t.Errorf("x-api-key = %q", r.Header.Get("x-api-key"))
		}
		if r.Header.Get("anthropic-version") == "" {
			t.Error("anthropic-version header missing")
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode request: %v", err)
		}
		apiReply(w, "The road fell quiet.")
	})

	c := NewClient("test-key",
		WithBaseURL(srv.URL),
		WithModel("test-model"),
		WithTemperature(0.8),
		WithRateLimit(600, 10),
	)
	text, err := c.Complete(context.Background(), Request{
		System:    "you narrate",
		Prompt:    "write one line",
		MaxTokens: 150,
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "The road fell quiet." {
		t.Errorf("text = %q", text)
	}
	if got.Model != "test-model" || got.MaxTokens != 150 || got.System != "you narrate" {
		t.Errorf("request body wrong: %+v", got)
	}
	if got.Temp != 0.8 {
		t.Errorf("temperature = %v, want client default", got.Temp)
	}
	if len(got.Messages) != 1 || got.Messages[0].Role != "user" || got.Messages[0].Content != "write one line" {
		t.Errorf("messages wrong: %+v", got.Messages)
	}
}

func TestCompleteRetriesRateLimited(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			http.Error(w, `{"error":"rate_limited"}`, http.StatusTooManyRequests)
			return
		}
		apiReply(w, "second try")
	})

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRetries(2), WithRateLimit(600, 10))
	text, err := c.Complete(context.Background(), Request{Prompt: "p", MaxTokens: 50})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if text != "second try" {
		t.Errorf("text = %q", text)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
}

func TestCompleteDoesNotRetryBadRequest(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		http.Error(w, `{"error":"bad prompt"}`, http.StatusBadRequest)
	})

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRetries(3), WithRateLimit(600, 10))
	_, err := c.Complete(context.Background(), Request{Prompt: "p", MaxTokens: 50})
	if err == nil {
		t.Fatal("expected error")
	}
	var reqErr *RequestError
	if !errors.As(err, &reqErr) {
		t.Fatalf("error type %T", err)
	}
	if reqErr.Status != http.StatusBadRequest || reqErr.Retryable() {
		t.Errorf("reqErr = %+v", reqErr)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retries on 4xx)", calls)
	}
}

func TestDisabledClient(t *testing.T) {
	c := NewClient("")
	if c.Enabled() {
		t.Fatal("empty key must disable the client")
	}
	if _, err := c.Complete(context.Background(), Request{Prompt: "p"}); !errors.Is(err, ErrDisabled) {
		t.Fatalf("want ErrDisabled, got %v", err)
	}
}

func TestCompleteHonorsCancellation(t *testing.T) {
	srv := fakeAPI(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "busy", http.StatusServiceUnavailable)
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithRateLimit(600, 10))
	if _, err := c.Complete(ctx, Request{Prompt: "p"}); err == nil {
		t.Fatal("expected error from canceled context")
	}
}
