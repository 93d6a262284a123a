package worker

import (
	"context"
	"net/http"
	"testing"

	"github.com/verdantops/conduit/internal/cost"
	"github.com/verdantops/conduit/internal/provider"
	"github.com/verdantops/conduit/internal/queue"
	"github.com/verdantops/conduit/internal/semcache"
	"github.com/verdantops/conduit/pkg/kv"
	"github.com/verdantops/conduit/pkg/models"
)

type fakeClient struct {
	fn func(ctx context.Context, req *models.QueuedRequest) (*models.CompletionResponse, error)
}

func (f *fakeClient) Complete(ctx context.Context, req *models.QueuedRequest) (*models.CompletionResponse, error) {
	return f.fn(ctx, req)
}

type flatEmbedder struct{}

func (flatEmbedder) Embed(context.Context, string) ([]float64, error) {
	return []float64{1, 0, 0}, nil
}

func okResponse() *models.CompletionResponse {
	return &models.CompletionResponse{
		Content: "answer",
		Usage:   models.TokenUsage{PromptTokens: 100, CompletionTokens: 50, TotalTokens: 150},
	}
}

type fixture struct {
	queue  *queue.Queue
	cache  *semcache.Cache
	costs  *cost.Optimizer
	worker *Worker
}

func newFixture(t *testing.T, client provider.Client) *fixture {
	t.Helper()
	store := kv.NewMemoryStore()
	q := queue.New(store, queue.DefaultOptions())
	c := semcache.New(store, flatEmbedder{}, semcache.DefaultOptions())
	o := cost.New(store, nil, nil, cost.DefaultOptions())
	return &fixture{
		queue:  q,
		cache:  c,
		costs:  o,
		worker: New(q, c, o, client, nil, DefaultOptions()),
	}
}

func enqueueAndClaim(t *testing.T, f *fixture) *models.QueuedRequest {
	t.Helper()
	ctx := context.Background()
	_, err := f.queue.Enqueue(ctx, queue.EnqueueOptions{
		Provider:       models.ProviderOpenAI,
		Model:          "gpt-4o",
		Messages:       []models.Message{{Role: "user", Content: "hello"}},
		OrganizationID: "org-a",
	})
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	req, err := f.queue.Dequeue(ctx)
	if err != nil {
		t.Fatalf("Dequeue: %v", err)
	}
	if req == nil {
		t.Fatal("expected a claimed request")
	}
	return req
}

func TestProcess_SuccessCompletesCachesAndTracks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{fn: func(_ context.Context, _ *models.QueuedRequest) (*models.CompletionResponse, error) {
		return okResponse(), nil
	}})

	req := enqueueAndClaim(t, f)
	f.worker.Process(ctx, req)

	got, err := f.queue.GetStatus(ctx, "org-a", req.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	if got.Response == nil || got.Response.Content != "answer" {
		t.Error("completed request should carry the response")
	}
	if got.ServedBy != models.ProviderOpenAI {
		t.Errorf("served by = %s, want openai", got.ServedBy)
	}

	match, err := f.cache.Get(ctx, "org-a", models.ProviderOpenAI, "gpt-4o",
		[]models.Message{{Role: "user", Content: "hello"}}, semcache.GetOptions{})
	if err != nil {
		t.Fatalf("cache Get: %v", err)
	}
	if match == nil {
		t.Error("the response should have been cached")
	}

	ms, err := f.costs.GetCostMetrics(ctx, "org-a", models.PeriodHourly, 1)
	if err != nil {
		t.Fatalf("GetCostMetrics: %v", err)
	}
	m := ms[0]
	if m.TotalRequests != 1 || m.TotalTokens != 150 {
		t.Errorf("cost metrics = %d requests / %d tokens, want 1/150", m.TotalRequests, m.TotalTokens)
	}
	if m.TotalCost <= 0 {
		t.Error("a non-cached gpt-4o call must cost more than zero")
	}
}

func TestProcess_RetryableFailureRequeues(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{fn: func(_ context.Context, _ *models.QueuedRequest) (*models.CompletionResponse, error) {
		return nil, &provider.Error{Provider: models.ProviderOpenAI, StatusCode: http.StatusTooManyRequests, Message: "rate limited", Retryable: true}
	}})
	// No fallbacks, so the failure surfaces immediately.
	f.worker.opts.Fallbacks = map[models.LLMProvider][]models.LLMProvider{}

	req := enqueueAndClaim(t, f)
	f.worker.Process(ctx, req)

	got, err := f.queue.GetStatus(ctx, "org-a", req.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != models.StatusPending {
		t.Errorf("status = %s, want pending for a retryable failure", got.Status)
	}
	if got.Attempt != 1 {
		t.Errorf("attempt = %d, want 1", got.Attempt)
	}
	if got.LastError == "" {
		t.Error("last error should be recorded on retry")
	}
}

func TestProcess_NonRetryableFailsTerminally(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{fn: func(_ context.Context, _ *models.QueuedRequest) (*models.CompletionResponse, error) {
		return nil, &provider.Error{Provider: models.ProviderOpenAI, StatusCode: http.StatusBadRequest, Message: "bad request", Retryable: false}
	}})

	req := enqueueAndClaim(t, f)
	f.worker.Process(ctx, req)

	got, err := f.queue.GetStatus(ctx, "org-a", req.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != models.StatusFailed {
		t.Errorf("status = %s, want failed", got.Status)
	}
}

func TestProcess_FallbackServesEquivalentTier(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{fn: func(_ context.Context, req *models.QueuedRequest) (*models.CompletionResponse, error) {
		if req.Provider == models.ProviderOpenAI {
			return nil, &provider.Error{Provider: req.Provider, StatusCode: http.StatusServiceUnavailable, Message: "down", Retryable: true}
		}
		return okResponse(), nil
	}})

	req := enqueueAndClaim(t, f)
	f.worker.Process(ctx, req)

	got, err := f.queue.GetStatus(ctx, "org-a", req.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Fatalf("status = %s, want completed via fallback", got.Status)
	}
	if got.ServedBy != models.ProviderAnthropic {
		t.Errorf("served by = %s, want the anthropic fallback", got.ServedBy)
	}
	// gpt-4o is standard tier; the anthropic standard-tier model serves it.
	if got.Model != "claude-3-5-sonnet-20241022" {
		t.Errorf("model = %s, want the equivalent-tier fallback model", got.Model)
	}
}

func TestProcess_CancelledInFlightDiscardsResult(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{fn: func(_ context.Context, _ *models.QueuedRequest) (*models.CompletionResponse, error) {
		return okResponse(), nil
	}})

	req := enqueueAndClaim(t, f)
	// The client gives up while the call is in flight.
	if err := f.queue.Cancel(ctx, "org-a", req.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.worker.Process(ctx, req)

	got, err := f.queue.GetStatus(ctx, "org-a", req.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", got.Status)
	}
	if got.Response != nil {
		t.Error("a cancelled request must not carry the response")
	}

	// The provider call was still paid for, so the spend is metered.
	ms, err := f.costs.GetCostMetrics(ctx, "org-a", models.PeriodHourly, 1)
	if err != nil {
		t.Fatalf("GetCostMetrics: %v", err)
	}
	if ms[0].TotalCost <= 0 {
		t.Error("the discarded call should still be metered")
	}
}

func TestProcess_CancelledInFlightFailureDoesNotRequeue(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, &fakeClient{fn: func(_ context.Context, _ *models.QueuedRequest) (*models.CompletionResponse, error) {
		return nil, &provider.Error{Provider: models.ProviderOpenAI, StatusCode: http.StatusServiceUnavailable, Message: "down", Retryable: true}
	}})
	f.worker.opts.Fallbacks = map[models.LLMProvider][]models.LLMProvider{}

	req := enqueueAndClaim(t, f)
	if err := f.queue.Cancel(ctx, "org-a", req.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	f.worker.Process(ctx, req)

	got, err := f.queue.GetStatus(ctx, "org-a", req.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != models.StatusCancelled {
		t.Errorf("status = %s, want cancelled instead of a retry", got.Status)
	}
}

func TestProcess_NonRetryableErrorSkipsFallbacks(t *testing.T) {
	ctx := context.Background()
	calls := 0
	f := newFixture(t, &fakeClient{fn: func(_ context.Context, _ *models.QueuedRequest) (*models.CompletionResponse, error) {
		calls++
		return nil, &provider.Error{Provider: models.ProviderOpenAI, StatusCode: http.StatusUnauthorized, Message: "bad key", Retryable: false}
	}})

	req := enqueueAndClaim(t, f)
	f.worker.Process(ctx, req)

	if calls != 1 {
		t.Errorf("provider calls = %d, want 1: non-retryable errors must not walk the chain", calls)
	}
}

func TestProcess_CacheFailureDoesNotBlockCompletion(t *testing.T) {
	ctx := context.Background()
	store := kv.NewMemoryStore()
	q := queue.New(store, queue.DefaultOptions())
	brokenCache := semcache.New(store, failingEmbedder{}, semcache.DefaultOptions())
	o := cost.New(store, nil, nil, cost.DefaultOptions())
	client := &fakeClient{fn: func(_ context.Context, _ *models.QueuedRequest) (*models.CompletionResponse, error) {
		return okResponse(), nil
	}}
	f := &fixture{queue: q, cache: brokenCache, costs: o,
		worker: New(q, brokenCache, o, client, nil, DefaultOptions())}

	req := enqueueAndClaim(t, f)
	f.worker.Process(ctx, req)

	got, err := q.GetStatus(ctx, "org-a", req.ID)
	if err != nil {
		t.Fatalf("GetStatus: %v", err)
	}
	if got.Status != models.StatusCompleted {
		t.Errorf("status = %s, want completed despite the cache outage", got.Status)
	}
}

type failingEmbedder struct{}

func (failingEmbedder) Embed(context.Context, string) ([]float64, error) {
	return nil, &provider.Error{Provider: models.ProviderOpenAI, Message: "embeddings down", Retryable: true}
}

func TestFallbackModel_MatchesTier(t *testing.T) {
	f := newFixture(t, &fakeClient{})

	req := &models.QueuedRequest{Provider: models.ProviderOpenAI, Model: "gpt-4o-mini"}
	model, ok := f.worker.fallbackModel(req, models.ProviderGemini)
	if !ok {
		t.Fatal("expected an economy-tier gemini model")
	}
	if model != "gemini-1.5-flash" {
		t.Errorf("model = %s, want gemini-1.5-flash", model)
	}

	// Unknown source model cannot be tier-matched.
	req = &models.QueuedRequest{Provider: models.ProviderOpenAI, Model: "gpt-99"}
	if _, ok := f.worker.fallbackModel(req, models.ProviderGemini); ok {
		t.Error("unknown model should not produce a fallback")
	}
}
