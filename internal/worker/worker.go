// Package worker runs the dequeue-execute-complete loop.
//
// Each worker claims one request at a time, calls the provider (walking the
// fallback chain on transient failures), then performs side effects in a
// fixed order: cache write, cost tracking, completion. The first two are
// fail-open so a cache or tracking outage never loses a paid-for response.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/verdantops/conduit/internal/cost"
	"github.com/verdantops/conduit/internal/metrics"
	"github.com/verdantops/conduit/internal/pricing"
	"github.com/verdantops/conduit/internal/provider"
	"github.com/verdantops/conduit/internal/queue"
	"github.com/verdantops/conduit/internal/semcache"
	"github.com/verdantops/conduit/pkg/models"
)

// ErrAllProvidersExhausted means every provider in the fallback chain was
// unavailable or failed.
var ErrAllProvidersExhausted = errors.New("worker: all providers exhausted")

// Options configures a Worker.
type Options struct {
	// PollInterval is the sleep between dequeue attempts on an empty queue.
	PollInterval time.Duration
	// SweepInterval paces the stale-claim and retention sweeps.
	SweepInterval time.Duration
	// Fallbacks maps a provider to the providers tried after it fails with
	// a retryable error. The fallback serves an equivalent-tier model.
	Fallbacks map[models.LLMProvider][]models.LLMProvider
}

// DefaultOptions are the production defaults.
func DefaultOptions() Options {
	return Options{
		PollInterval:  250 * time.Millisecond,
		SweepInterval: 10 * time.Second,
		Fallbacks: map[models.LLMProvider][]models.LLMProvider{
			models.ProviderOpenAI:    {models.ProviderAnthropic},
			models.ProviderAnthropic: {models.ProviderOpenAI},
			models.ProviderGemini:    {models.ProviderOpenAI},
			models.ProviderDeepSeek:  {models.ProviderGemini},
		},
	}
}

// Worker processes queued requests. The cache and optimizer may be nil;
// their side effects are then skipped.
type Worker struct {
	queue   *queue.Queue
	cache   *semcache.Cache
	costs   *cost.Optimizer
	client  provider.Client
	breaker *provider.Breaker
	pricing *pricing.Table
	opts    Options
}

// New creates a Worker.
func New(q *queue.Queue, cache *semcache.Cache, costs *cost.Optimizer, client provider.Client, table *pricing.Table, opts Options) *Worker {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultOptions().PollInterval
	}
	if opts.SweepInterval <= 0 {
		opts.SweepInterval = DefaultOptions().SweepInterval
	}
	if opts.Fallbacks == nil {
		opts.Fallbacks = DefaultOptions().Fallbacks
	}
	if table == nil {
		table = pricing.Default()
	}
	return &Worker{
		queue:   q,
		cache:   cache,
		costs:   costs,
		client:  client,
		breaker: provider.NewBreaker(5, 30*time.Second),
		pricing: table,
		opts:    opts,
	}
}

// Run processes requests until the context is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			log.Printf("worker: dequeue: %v", err)
			req = nil
		}
		if req == nil {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(w.opts.PollInterval):
			}
			continue
		}
		w.Process(ctx, req)
	}
}

// RunSweeper periodically reclaims stale claims, promotes due retries, and
// enforces retention. Run one sweeper per deployment; the operations are
// safe to run concurrently, just wasteful.
func (w *Worker) RunSweeper(ctx context.Context) error {
	ticker := time.NewTicker(w.opts.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if n, err := w.queue.ReleaseStale(ctx); err != nil {
				log.Printf("worker: releasing stale claims: %v", err)
			} else if n > 0 {
				metrics.StaleClaimsReleased.Add(float64(n))
				log.Printf("worker: released %d stale claims", n)
			}
			if _, err := w.queue.Cleanup(ctx); err != nil {
				log.Printf("worker: retention cleanup: %v", err)
			}
			if w.cache != nil {
				if _, err := w.cache.Cleanup(ctx); err != nil {
					log.Printf("worker: cache cleanup: %v", err)
				}
			}
		}
	}
}

// Process executes one claimed request end to end.
func (w *Worker) Process(ctx context.Context, req *models.QueuedRequest) {
	attemptCtx := ctx
	if req.TimeoutMs > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(req.TimeoutMs)*time.Millisecond)
		defer cancel()
	}

	resp, servedBy, err := w.callWithFallbacks(attemptCtx, req)

	// Cancellation can land while the call is in flight; the claimed copy
	// predates it, so re-read the record before deciding the outcome.
	if cur, loadErr := w.queue.GetStatus(ctx, req.OrganizationID, req.ID); loadErr == nil {
		req.CancelRequested = cur.CancelRequested
	}
	if req.CancelRequested {
		if err == nil && w.costs != nil {
			// The response is discarded, but the provider call happened and
			// was paid for; meter the spend anyway.
			rec := w.buildCostRecord(req, resp, servedBy)
			if trackErr := w.costs.TrackRequest(ctx, rec); trackErr != nil {
				metrics.CostRecordsDropped.Inc()
				log.Printf("worker: [%s] cost tracking failed: %v", req.ID, trackErr)
			}
		}
		if _, failErr := w.queue.Fail(ctx, req, "cancelled while in flight", false); failErr != nil {
			log.Printf("worker: [%s] recording cancellation: %v", req.ID, failErr)
			return
		}
		metrics.RequestsCompleted.WithLabelValues(string(req.Status)).Inc()
		log.Printf("worker: [%s] cancelled while in flight, result discarded", req.ID)
		return
	}

	if err != nil {
		retryable := provider.IsRetryable(err)
		requeued, failErr := w.queue.Fail(ctx, req, err.Error(), retryable)
		if failErr != nil {
			log.Printf("worker: [%s] recording failure: %v", req.ID, failErr)
			return
		}
		if requeued {
			log.Printf("worker: [%s] attempt %d failed, retrying: %v", req.ID, req.Attempt, err)
		} else {
			metrics.RequestsCompleted.WithLabelValues(string(req.Status)).Inc()
			log.Printf("worker: [%s] failed terminally after %d attempts: %v", req.ID, req.Attempt, err)
		}
		return
	}

	// Side effects run in a fixed order so a crash is always recoverable:
	// the cache write and cost tracking are idempotent, and completion is
	// the commit point.
	if w.cache != nil {
		if _, cacheErr := w.cache.Set(ctx, req.OrganizationID, servedBy, req.Model, req.Messages, resp, semcache.SetOptions{}); cacheErr != nil {
			metrics.CacheWriteFailures.Inc()
			log.Printf("worker: [%s] cache write failed: %v", req.ID, cacheErr)
		}
	}
	if w.costs != nil {
		rec := w.buildCostRecord(req, resp, servedBy)
		if trackErr := w.costs.TrackRequest(ctx, rec); trackErr != nil {
			metrics.CostRecordsDropped.Inc()
			log.Printf("worker: [%s] cost tracking failed: %v", req.ID, trackErr)
		}
	}

	if err := w.queue.Complete(ctx, req, resp, servedBy); err != nil {
		log.Printf("worker: [%s] completing: %v", req.ID, err)
		return
	}
	metrics.RequestsCompleted.WithLabelValues(string(models.StatusCompleted)).Inc()
}

// callWithFallbacks tries the request's provider, then its fallback chain.
// Non-retryable errors stop the walk immediately, retrying a malformed
// request elsewhere cannot succeed.
func (w *Worker) callWithFallbacks(ctx context.Context, req *models.QueuedRequest) (*models.CompletionResponse, models.LLMProvider, error) {
	chain := append([]models.LLMProvider{req.Provider}, w.opts.Fallbacks[req.Provider]...)

	var lastErr error
	for _, p := range chain {
		if !w.breaker.Allow(p) {
			continue
		}

		attempt := *req
		attempt.Provider = p
		if p != req.Provider {
			model, ok := w.fallbackModel(req, p)
			if !ok {
				continue
			}
			attempt.Model = model
		}

		start := time.Now()
		resp, err := w.client.Complete(ctx, &attempt)
		metrics.ProviderLatency.WithLabelValues(string(p)).Observe(time.Since(start).Seconds())
		if err == nil {
			w.breaker.RecordSuccess(p)
			metrics.ProviderCalls.WithLabelValues(string(p), "success").Inc()
			req.Model = attempt.Model
			return resp, p, nil
		}

		w.breaker.RecordFailure(p)
		metrics.ProviderCalls.WithLabelValues(string(p), "failure").Inc()
		lastErr = err
		if !provider.IsRetryable(err) {
			return nil, "", err
		}
	}

	if lastErr == nil {
		return nil, "", fmt.Errorf("%w: all circuits open for %s", ErrAllProvidersExhausted, req.Provider)
	}
	return nil, "", fmt.Errorf("%w: last error: %w", ErrAllProvidersExhausted, lastErr)
}

// fallbackModel picks an equivalent-tier model on the fallback provider.
func (w *Worker) fallbackModel(req *models.QueuedRequest, p models.LLMProvider) (string, bool) {
	current, err := w.pricing.Lookup(req.Provider, req.Model)
	if err != nil {
		return "", false
	}
	var best string
	var bestQuality float64
	for _, cand := range w.pricing.Models() {
		if cand.Provider != p || cand.Tier != current.Tier {
			continue
		}
		if best == "" || cand.QualityScore > bestQuality {
			best = cand.Model
			bestQuality = cand.QualityScore
		}
	}
	return best, best != ""
}

func (w *Worker) buildCostRecord(req *models.QueuedRequest, resp *models.CompletionResponse, servedBy models.LLMProvider) *models.CostRecord {
	costUSD, err := w.pricing.Cost(servedBy, req.Model, resp.Usage.PromptTokens, resp.Usage.CompletionTokens)
	if err != nil {
		// Unknown models are rejected at enqueue, so this only happens for
		// work injected outside the API. Record it at zero rather than
		// guess, and make the gap visible to monitoring.
		metrics.CostRecordsDropped.Inc()
		log.Printf("worker: [%s] %v", req.ID, err)
		costUSD = 0
	}
	return &models.CostRecord{
		RequestID:        req.ID,
		OrganizationID:   req.OrganizationID,
		Provider:         servedBy,
		Model:            req.Model,
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		CostUSD:          costUSD,
		LatencyMs:        resp.LatencyMs,
		Success:          true,
		Timestamp:        time.Now().UTC(),
	}
}
