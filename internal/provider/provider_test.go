package provider

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/verdantops/conduit/pkg/models"
)

func testClient(p models.LLMProvider, serverURL string) *HTTPClient {
	c := NewHTTPClient(Keys{
		OpenAI:    "sk-test",
		Anthropic: "sk-ant-test",
		Gemini:    "goog-test",
		DeepSeek:  "sk-ds-test",
	})
	c.baseURLs[p] = serverURL
	return c
}

func queuedRequest(p models.LLMProvider, model string) *models.QueuedRequest {
	return &models.QueuedRequest{
		ID:       "req-1",
		Provider: p,
		Model:    model,
		Messages: []models.Message{{Role: "user", Content: "hello"}},
	}
}

func TestComplete_OpenAI(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %s, want /v1/chat/completions", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer sk-test" {
			t.Errorf("auth header = %q", got)
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"choices": []map[string]interface{}{
				{"message": map[string]string{"role": "assistant", "content": "hi there"}},
			},
			"usage": map[string]int{"prompt_tokens": 12, "completion_tokens": 7},
		})
	}))
	defer srv.Close()

	c := testClient(models.ProviderOpenAI, srv.URL)
	resp, err := c.Complete(context.Background(), queuedRequest(models.ProviderOpenAI, "gpt-4o"))
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "hi there" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.PromptTokens != 12 || resp.Usage.CompletionTokens != 7 || resp.Usage.TotalTokens != 19 {
		t.Errorf("usage = %+v, want 12/7/19", resp.Usage)
	}
}

func TestComplete_AnthropicSystemPrompt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-API-Key"); got != "sk-ant-test" {
			t.Errorf("auth header = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got == "" {
			t.Error("anthropic-version header missing")
		}
		var body map[string]interface{}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decoding body: %v", err)
		}
		if body["system"] != "be terse" {
			t.Errorf("system = %v, want the system message lifted out", body["system"])
		}
		msgs := body["messages"].([]interface{})
		if len(msgs) != 1 {
			t.Errorf("messages = %d, want 1 after removing system", len(msgs))
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"content": []map[string]string{{"type": "text", "text": "ok"}},
			"usage":   map[string]int{"input_tokens": 20, "output_tokens": 5},
		})
	}))
	defer srv.Close()

	req := queuedRequest(models.ProviderAnthropic, "claude-3-5-sonnet-20241022")
	req.Messages = []models.Message{
		{Role: "system", Content: "be terse"},
		{Role: "user", Content: "hello"},
	}
	c := testClient(models.ProviderAnthropic, srv.URL)
	resp, err := c.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if resp.Content != "ok" {
		t.Errorf("content = %q", resp.Content)
	}
	if resp.Usage.TotalTokens != 25 {
		t.Errorf("total tokens = %d, want 25", resp.Usage.TotalTokens)
	}
}

func TestComplete_ErrorClassification(t *testing.T) {
	cases := []struct {
		status    int
		retryable bool
	}{
		{http.StatusTooManyRequests, true},
		{http.StatusInternalServerError, true},
		{http.StatusBadGateway, true},
		{http.StatusBadRequest, false},
		{http.StatusUnauthorized, false},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
			json.NewEncoder(w).Encode(map[string]interface{}{
				"error": map[string]string{"message": "nope"},
			})
		}))

		c := testClient(models.ProviderOpenAI, srv.URL)
		_, err := c.Complete(context.Background(), queuedRequest(models.ProviderOpenAI, "gpt-4o"))
		srv.Close()
		if err == nil {
			t.Fatalf("status %d: expected error", tc.status)
		}
		var pe *Error
		if !errors.As(err, &pe) {
			t.Fatalf("status %d: error type %T", tc.status, err)
		}
		if pe.StatusCode != tc.status {
			t.Errorf("status code = %d, want %d", pe.StatusCode, tc.status)
		}
		if IsRetryable(err) != tc.retryable {
			t.Errorf("status %d: retryable = %v, want %v", tc.status, IsRetryable(err), tc.retryable)
		}
		if pe.Message != "nope" {
			t.Errorf("status %d: message = %q", tc.status, pe.Message)
		}
	}
}

func TestComplete_MissingKeyIsNotRetryable(t *testing.T) {
	c := NewHTTPClient(Keys{})
	_, err := c.Complete(context.Background(), queuedRequest(models.ProviderOpenAI, "gpt-4o"))
	if err == nil {
		t.Fatal("expected error without an API key")
	}
	if IsRetryable(err) {
		t.Error("missing key must not be retryable")
	}
}

func TestBreaker_OpensAndRecovers(t *testing.T) {
	b := NewBreaker(3, 30*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		if !b.Allow(models.ProviderOpenAI) {
			t.Fatalf("circuit opened after %d failures, threshold is 3", i)
		}
		b.RecordFailure(models.ProviderOpenAI)
	}
	if b.Allow(models.ProviderOpenAI) {
		t.Fatal("circuit should be open at the threshold")
	}
	if !b.Allow(models.ProviderAnthropic) {
		t.Fatal("circuits are per provider")
	}

	// After the cooldown exactly one probe gets through.
	now = now.Add(31 * time.Second)
	if !b.Allow(models.ProviderOpenAI) {
		t.Fatal("expected a half-open probe after cooldown")
	}
	if b.Allow(models.ProviderOpenAI) {
		t.Fatal("only one probe may run while half-open")
	}

	b.RecordSuccess(models.ProviderOpenAI)
	if !b.Allow(models.ProviderOpenAI) {
		t.Fatal("a successful probe should close the circuit")
	}
}

func TestBreaker_FailedProbeReopens(t *testing.T) {
	b := NewBreaker(2, 10*time.Second)
	now := time.Now()
	b.now = func() time.Time { return now }

	b.RecordFailure(models.ProviderGemini)
	b.RecordFailure(models.ProviderGemini)
	if b.Allow(models.ProviderGemini) {
		t.Fatal("circuit should be open")
	}

	now = now.Add(11 * time.Second)
	if !b.Allow(models.ProviderGemini) {
		t.Fatal("expected a probe after cooldown")
	}
	b.RecordFailure(models.ProviderGemini)
	if b.Allow(models.ProviderGemini) {
		t.Fatal("failed probe should reopen the circuit")
	}
}
