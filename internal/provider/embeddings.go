package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/verdantops/conduit/pkg/models"
)

const defaultEmbeddingModel = "text-embedding-3-small"

// OpenAIEmbedder produces embeddings via the OpenAI embeddings API. It
// satisfies the semantic cache's EmbeddingProvider.
type OpenAIEmbedder struct {
	client  *http.Client
	baseURL string
	key     string
	model   string
}

// NewOpenAIEmbedder creates an embedder with the default embedding model.
func NewOpenAIEmbedder(key string) *OpenAIEmbedder {
	return &OpenAIEmbedder{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: providerBaseURLs[models.ProviderOpenAI],
		key:     key,
		model:   defaultEmbeddingModel,
	}
}

// Embed returns the embedding vector for a text.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(map[string]interface{}{
		"model": e.model,
		"input": text,
	})
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.key)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, &Error{Provider: models.ProviderOpenAI, Message: err.Error(), Retryable: true}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBodySize))
	if err != nil {
		return nil, &Error{Provider: models.ProviderOpenAI, StatusCode: resp.StatusCode, Message: "reading embedding response", Retryable: true}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, classifyStatus(models.ProviderOpenAI, resp.StatusCode, respBody)
	}

	var parsed struct {
		Data []struct {
			Embedding []float64 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return nil, &Error{Provider: models.ProviderOpenAI, Message: "malformed embedding response", Retryable: true}
	}
	if len(parsed.Data) == 0 {
		return nil, &Error{Provider: models.ProviderOpenAI, Message: "empty embedding response", Retryable: true}
	}
	return parsed.Data[0].Embedding, nil
}
