// Package provider implements direct clients for LLM API providers.
//
// Unlike a pass-through proxy, the worker owns the upstream call: it shapes
// the request body per provider, sets auth headers from configured keys, and
// extracts token usage from the response so cost tracking never depends on
// the caller. API keys are held in memory only.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/verdantops/conduit/pkg/models"
)

// Response bodies are capped to keep a misbehaving upstream from exhausting
// worker memory.
const maxResponseBodySize = 10 << 20 // 10 MB

// providerBaseURLs maps providers to their API base URLs.
var providerBaseURLs = map[models.LLMProvider]string{
	models.ProviderOpenAI:    "https://api.openai.com",
	models.ProviderAnthropic: "https://api.anthropic.com",
	models.ProviderGemini:    "https://generativelanguage.googleapis.com",
	models.ProviderDeepSeek:  "https://api.deepseek.com",
}

// Error is a failed provider call. Retryable distinguishes transient
// failures (rate limits, upstream outages) from permanent ones (bad
// request, auth): only the former should be re-attempted.
type Error struct {
	Provider   models.LLMProvider
	StatusCode int
	Message    string
	Retryable  bool
}

func (e *Error) Error() string {
	return fmt.Sprintf("provider %s: status %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsRetryable reports whether err represents a transient provider failure.
// Unknown errors (network, context) count as retryable.
func IsRetryable(err error) bool {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return true
}

// Client issues a completion call against one AI provider.
type Client interface {
	Complete(ctx context.Context, req *models.QueuedRequest) (*models.CompletionResponse, error)
}

// Keys holds per-provider API keys. Empty keys disable the provider.
type Keys struct {
	OpenAI    string
	Anthropic string
	Gemini    string
	DeepSeek  string
}

func (k Keys) forProvider(p models.LLMProvider) string {
	switch p {
	case models.ProviderOpenAI:
		return k.OpenAI
	case models.ProviderAnthropic:
		return k.Anthropic
	case models.ProviderGemini:
		return k.Gemini
	case models.ProviderDeepSeek:
		return k.DeepSeek
	}
	return ""
}

// HTTPClient is the production Client backed by net/http.
type HTTPClient struct {
	client   *http.Client
	keys     Keys
	baseURLs map[models.LLMProvider]string
}

// NewHTTPClient creates an HTTPClient with the given keys.
func NewHTTPClient(keys Keys) *HTTPClient {
	urls := make(map[models.LLMProvider]string, len(providerBaseURLs))
	for p, u := range providerBaseURLs {
		urls[p] = u
	}
	return &HTTPClient{
		client:   &http.Client{Timeout: 5 * time.Minute},
		keys:     keys,
		baseURLs: urls,
	}
}

// Complete sends the request to its provider and returns the parsed
// response. The context bounds the whole call; the queue's per-request
// timeout is applied by the worker.
func (c *HTTPClient) Complete(ctx context.Context, req *models.QueuedRequest) (*models.CompletionResponse, error) {
	key := c.keys.forProvider(req.Provider)
	if key == "" {
		return nil, &Error{Provider: req.Provider, Message: "no API key configured", Retryable: false}
	}

	endpoint, body, err := c.buildRequest(req, key)
	if err != nil {
		return nil, err
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, &Error{Provider: req.Provider, Message: err.Error(), Retryable: false}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	setProviderAuth(httpReq, req.Provider, key)

	start := time.Now()
	resp, err := c.client.Do(httpReq)
	if err != nil {
		return nil, &Error{Provider: req.Provider, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize+1))
	if err != nil {
		return nil, &Error{Provider: req.Provider, StatusCode: resp.StatusCode, Message: "reading response body", Retryable: true}
	}
	if int64(len(respBody)) > maxResponseBodySize {
		return nil, &Error{Provider: req.Provider, StatusCode: resp.StatusCode, Message: "response too large", Retryable: false}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(req.Provider, resp.StatusCode, respBody)
	}

	parsed, err := parseResponse(req.Provider, respBody)
	if err != nil {
		return nil, err
	}
	parsed.LatencyMs = time.Since(start).Milliseconds()
	return parsed, nil
}

// classifyStatus maps an upstream error status to a retry decision. Rate
// limits and server errors are transient; everything else is the caller's
// fault and retrying would just burn attempts.
func classifyStatus(provider models.LLMProvider, status int, body []byte) *Error {
	msg := extractErrorMessage(body)
	retryable := status == http.StatusTooManyRequests || status >= 500
	return &Error{Provider: provider, StatusCode: status, Message: msg, Retryable: retryable}
}

func extractErrorMessage(body []byte) string {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err == nil {
		if e, ok := parsed["error"].(map[string]interface{}); ok {
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
	}
	if len(body) > 200 {
		body = body[:200]
	}
	return strings.TrimSpace(string(body))
}

// buildRequest shapes the provider-specific endpoint and JSON body.
func (c *HTTPClient) buildRequest(req *models.QueuedRequest, key string) (string, []byte, error) {
	base := c.baseURLs[req.Provider]
	switch req.Provider {
	case models.ProviderOpenAI, models.ProviderDeepSeek:
		body, err := json.Marshal(map[string]interface{}{
			"model":    req.Model,
			"messages": req.Messages,
		})
		return base + "/v1/chat/completions", body, err

	case models.ProviderAnthropic:
		// Anthropic takes the system prompt out of band.
		var system string
		msgs := make([]models.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			if m.Role == "system" && system == "" {
				system = m.Content
				continue
			}
			msgs = append(msgs, m)
		}
		payload := map[string]interface{}{
			"model":      req.Model,
			"max_tokens": 4096,
			"messages":   msgs,
		}
		if system != "" {
			payload["system"] = system
		}
		body, err := json.Marshal(payload)
		return base + "/v1/messages", body, err

	case models.ProviderGemini:
		contents := make([]map[string]interface{}, 0, len(req.Messages))
		for _, m := range req.Messages {
			role := m.Role
			if role == "assistant" {
				role = "model"
			}
			contents = append(contents, map[string]interface{}{
				"role":  role,
				"parts": []map[string]string{{"text": m.Content}},
			})
		}
		body, err := json.Marshal(map[string]interface{}{"contents": contents})
		endpoint := fmt.Sprintf("%s/v1beta/models/%s:generateContent", base, req.Model)
		return endpoint, body, err
	}
	return "", nil, &Error{Provider: req.Provider, Message: "unsupported provider", Retryable: false}
}

// setProviderAuth sets the appropriate authentication header for each provider.
func setProviderAuth(req *http.Request, provider models.LLMProvider, key string) {
	switch provider {
	case models.ProviderOpenAI, models.ProviderDeepSeek:
		req.Header.Set("Authorization", "Bearer "+key)
	case models.ProviderAnthropic:
		req.Header.Set("X-API-Key", key)
		req.Header.Set("anthropic-version", "2023-06-01")
	case models.ProviderGemini:
		req.Header.Set("X-Goog-Api-Key", key)
	}
}

// parseResponse extracts the completion text and token usage.
func parseResponse(provider models.LLMProvider, body []byte) (*models.CompletionResponse, error) {
	var parsed map[string]interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, &Error{Provider: provider, Message: "malformed response body", Retryable: true}
	}

	resp := &models.CompletionResponse{}
	switch provider {
	case models.ProviderOpenAI, models.ProviderDeepSeek:
		if choices, ok := parsed["choices"].([]interface{}); ok && len(choices) > 0 {
			if choice, ok := choices[0].(map[string]interface{}); ok {
				if msg, ok := choice["message"].(map[string]interface{}); ok {
					resp.Content, _ = msg["content"].(string)
				}
			}
		}
		if usage, ok := parsed["usage"].(map[string]interface{}); ok {
			resp.Usage.PromptTokens = int64(toFloat(usage["prompt_tokens"]))
			resp.Usage.CompletionTokens = int64(toFloat(usage["completion_tokens"]))
		}

	case models.ProviderAnthropic:
		if content, ok := parsed["content"].([]interface{}); ok && len(content) > 0 {
			if block, ok := content[0].(map[string]interface{}); ok {
				resp.Content, _ = block["text"].(string)
			}
		}
		if usage, ok := parsed["usage"].(map[string]interface{}); ok {
			resp.Usage.PromptTokens = int64(toFloat(usage["input_tokens"]))
			resp.Usage.CompletionTokens = int64(toFloat(usage["output_tokens"]))
		}

	case models.ProviderGemini:
		if cands, ok := parsed["candidates"].([]interface{}); ok && len(cands) > 0 {
			if cand, ok := cands[0].(map[string]interface{}); ok {
				if content, ok := cand["content"].(map[string]interface{}); ok {
					if parts, ok := content["parts"].([]interface{}); ok && len(parts) > 0 {
						if part, ok := parts[0].(map[string]interface{}); ok {
							resp.Content, _ = part["text"].(string)
						}
					}
				}
			}
		}
		if meta, ok := parsed["usageMetadata"].(map[string]interface{}); ok {
			resp.Usage.PromptTokens = int64(toFloat(meta["promptTokenCount"]))
			resp.Usage.CompletionTokens = int64(toFloat(meta["candidatesTokenCount"]))
		}
	}

	resp.Usage.TotalTokens = resp.Usage.PromptTokens + resp.Usage.CompletionTokens
	return resp, nil
}

func toFloat(v interface{}) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	case int64:
		return float64(n)
	default:
		return 0
	}
}
