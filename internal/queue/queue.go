// Package queue implements the priority queue for outbound AI provider
// calls. Queue order, request records, and stats counters all live in the
// shared store, so any number of worker instances can claim work
// concurrently: a claim is a single atomic pop, never a read followed by a
// write.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdantops/conduit/pkg/kv"
	"github.com/verdantops/conduit/pkg/models"
)

var (
	// ErrQueueFull is returned when the configured max depth is exceeded.
	ErrQueueFull = errors.New("queue: max depth exceeded")
	// ErrRequestNotFound is returned for unknown or expired request ids.
	ErrRequestNotFound = errors.New("queue: request not found")
	// ErrNotCancellable is returned when cancelling a request that already
	// reached a terminal state.
	ErrNotCancellable = errors.New("queue: request already terminal")
)

const (
	pendingKey    = "queue:pending"
	delayedKey    = "queue:delayed"
	processingKey = "queue:processing"
	seqKey        = "queue:seq"

	statProcessedKey = "queue:stats:processed"
	statFailedKey    = "queue:stats:failed"
	statWaitMsKey    = "queue:stats:wait_ms_total"
	statWaitCountKey = "queue:stats:wait_count"

	// priorityStride separates priority bands in the dequeue score. The
	// sequence counter occupies the low range, so any critical request
	// scores below any high request regardless of arrival order.
	priorityStride = 1e13

	// claimGrace pads the stale-claim deadline beyond the request timeout,
	// giving the owning worker time to persist the outcome.
	claimGrace = 5 * time.Second
)

// Options configures a Queue.
type Options struct {
	MaxDepth       int64         // reject enqueues beyond this many pending requests
	RetentionTTL   time.Duration // how long terminal records stay queryable
	BaseRetryDelay time.Duration // first backoff step
	MaxRetryDelay  time.Duration // backoff cap
}

// DefaultOptions are the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxDepth:       10_000,
		RetentionTTL:   time.Hour,
		BaseRetryDelay: time.Second,
		MaxRetryDelay:  60 * time.Second,
	}
}

// EnqueueOptions describes one request to enqueue.
type EnqueueOptions struct {
	Provider       models.LLMProvider
	Model          string
	Messages       []models.Message
	Priority       models.Priority
	OrganizationID string
	UserID         string
	ConversationID string
	MaxRetries     int   // default 3
	TimeoutMs      int64 // default 30000
}

// Queue is the store-backed priority queue.
type Queue struct {
	store kv.Store
	opts  Options
	now   func() time.Time
}

// New creates a Queue on the given store.
func New(store kv.Store, opts Options) *Queue {
	if opts.MaxDepth <= 0 {
		opts.MaxDepth = DefaultOptions().MaxDepth
	}
	if opts.RetentionTTL <= 0 {
		opts.RetentionTTL = DefaultOptions().RetentionTTL
	}
	if opts.BaseRetryDelay <= 0 {
		opts.BaseRetryDelay = DefaultOptions().BaseRetryDelay
	}
	if opts.MaxRetryDelay <= 0 {
		opts.MaxRetryDelay = DefaultOptions().MaxRetryDelay
	}
	return &Queue{store: store, opts: opts, now: time.Now}
}

// terminalTTL is the store-expiry backstop on terminal records. It is double
// the retention window so the Cleanup sweep normally reclaims records first
// and the TTL only covers stores where the sweep never runs.
func (q *Queue) terminalTTL() time.Duration {
	return 2 * q.opts.RetentionTTL
}

func member(orgID, id string) string {
	return orgID + ":" + id
}

func splitMember(m string) (orgID, id string) {
	// Request ids are UUIDs and never contain a colon; organization ids are
	// opaque and might.
	i := strings.LastIndex(m, ":")
	if i < 0 {
		return "", m
	}
	return m[:i], m[i+1:]
}

func requestKey(orgID, id string) string {
	return "queue:request:" + orgID + ":" + id
}

func score(p models.Priority, seq int64) float64 {
	return float64(p.Rank())*priorityStride + float64(seq)
}

// Enqueue validates and stores a new pending request, returning its id.
func (q *Queue) Enqueue(ctx context.Context, opts EnqueueOptions) (string, error) {
	if opts.OrganizationID == "" {
		return "", fmt.Errorf("queue: organization id is required")
	}
	if opts.Provider == "" || opts.Model == "" {
		return "", fmt.Errorf("queue: provider and model are required")
	}
	if len(opts.Messages) == 0 {
		return "", fmt.Errorf("queue: at least one message is required")
	}
	if opts.Priority == "" {
		opts.Priority = models.PriorityNormal
	}
	if !opts.Priority.Valid() {
		return "", fmt.Errorf("queue: invalid priority %q", opts.Priority)
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.TimeoutMs <= 0 {
		opts.TimeoutMs = 30_000
	}

	seq, err := q.store.IncrBy(ctx, seqKey, 1, 0)
	if err != nil {
		return "", fmt.Errorf("queue: allocating sequence: %w", err)
	}

	req := &models.QueuedRequest{
		ID:             uuid.New().String(),
		Provider:       opts.Provider,
		Model:          opts.Model,
		Messages:       opts.Messages,
		Priority:       opts.Priority,
		OrganizationID: opts.OrganizationID,
		UserID:         opts.UserID,
		ConversationID: opts.ConversationID,
		MaxRetries:     opts.MaxRetries,
		TimeoutMs:      opts.TimeoutMs,
		EnqueuedAt:     q.now().UTC(),
		Status:         models.StatusPending,
		Seq:            seq,
	}

	if err := q.saveRequest(ctx, req, 0); err != nil {
		return "", err
	}

	m := member(req.OrganizationID, req.ID)
	ok, err := q.store.ZAddCapped(ctx, pendingKey, m, score(req.Priority, seq), q.opts.MaxDepth)
	if err != nil {
		return "", fmt.Errorf("queue: enqueue %s: %w", req.ID, err)
	}
	if !ok {
		// Drop the record we just wrote; the enqueue never happened.
		_ = q.store.Delete(ctx, requestKey(req.OrganizationID, req.ID))
		return "", ErrQueueFull
	}
	return req.ID, nil
}

// Dequeue atomically claims the highest-priority eligible request. It
// returns nil when the queue is empty. Claimed requests transition to
// processing and are tracked with a deadline so crashed workers cannot
// strand them.
func (q *Queue) Dequeue(ctx context.Context) (*models.QueuedRequest, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	// A popped member can reference a cancelled or expired record; skip
	// those and keep popping.
	for i := 0; i < 16; i++ {
		m, ok, err := q.store.ZPopMin(ctx, pendingKey)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}

		orgID, id := splitMember(m)
		req, err := q.loadRequest(ctx, orgID, id)
		if errors.Is(err, ErrRequestNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.CancelRequested {
			req.Status = models.StatusCancelled
			if err := q.saveRequest(ctx, req, q.terminalTTL()); err != nil {
				return nil, err
			}
			continue
		}

		if req.Attempt == 0 {
			waitMs := q.now().Sub(req.EnqueuedAt).Milliseconds()
			if waitMs < 0 {
				waitMs = 0
			}
			_, _ = q.store.IncrBy(ctx, statWaitMsKey, waitMs, 0)
			_, _ = q.store.IncrBy(ctx, statWaitCountKey, 1, 0)
		}

		req.Status = models.StatusProcessing
		req.Attempt++
		if err := q.saveRequest(ctx, req, 0); err != nil {
			return nil, err
		}

		deadline := q.now().Add(time.Duration(req.TimeoutMs)*time.Millisecond + claimGrace)
		if err := q.store.ZAdd(ctx, processingKey, m, float64(deadline.UnixMilli())); err != nil {
			return nil, err
		}
		return req, nil
	}
	return nil, nil
}

// Complete marks a claimed request successful and records its response.
// The caller must have performed the cache write and cost tracking first;
// completion is the last side effect of an attempt.
func (q *Queue) Complete(ctx context.Context, req *models.QueuedRequest, resp *models.CompletionResponse, servedBy models.LLMProvider) error {
	req.Status = models.StatusCompleted
	req.Response = resp
	req.ServedBy = servedBy
	req.LastError = ""
	if err := q.saveRequest(ctx, req, q.terminalTTL()); err != nil {
		return err
	}
	if _, err := q.store.ZRem(ctx, processingKey, member(req.OrganizationID, req.ID)); err != nil {
		return err
	}
	_, err := q.store.IncrBy(ctx, statProcessedKey, 1, 0)
	return err
}

// Fail records a failed attempt. Retryable failures below the retry budget
// are re-enqueued with exponential backoff; everything else is terminal.
// It reports whether the request was re-queued.
func (q *Queue) Fail(ctx context.Context, req *models.QueuedRequest, cause string, retryable bool) (bool, error) {
	req.LastError = cause
	m := member(req.OrganizationID, req.ID)

	if _, err := q.store.ZRem(ctx, processingKey, m); err != nil {
		return false, err
	}

	if retryable && req.Attempt < req.MaxRetries && !req.CancelRequested {
		req.Status = models.StatusPending
		if err := q.saveRequest(ctx, req, 0); err != nil {
			return false, err
		}
		delay := q.backoff(req.Attempt)
		readyAt := q.now().Add(delay)
		if err := q.store.ZAdd(ctx, delayedKey, m, float64(readyAt.UnixMilli())); err != nil {
			return false, err
		}
		return true, nil
	}

	req.Status = models.StatusFailed
	if req.CancelRequested {
		req.Status = models.StatusCancelled
	}
	if err := q.saveRequest(ctx, req, q.terminalTTL()); err != nil {
		return false, err
	}
	_, err := q.store.IncrBy(ctx, statFailedKey, 1, 0)
	return false, err
}

// backoff returns base * 2^attempt capped at the configured maximum.
func (q *Queue) backoff(attempt int) time.Duration {
	d := q.opts.BaseRetryDelay
	for i := 0; i < attempt && d < q.opts.MaxRetryDelay; i++ {
		d *= 2
	}
	if d > q.opts.MaxRetryDelay {
		d = q.opts.MaxRetryDelay
	}
	return d
}

// Cancel cancels a request. Pending requests are removed from the queue
// outright; claimed requests get a best-effort flag the worker honors when
// the in-flight call returns. Terminal requests cannot be cancelled.
func (q *Queue) Cancel(ctx context.Context, orgID, id string) error {
	req, err := q.loadRequest(ctx, orgID, id)
	if err != nil {
		return err
	}
	if req.Status.Terminal() {
		return ErrNotCancellable
	}

	m := member(orgID, id)
	removedPending, err := q.store.ZRem(ctx, pendingKey, m)
	if err != nil {
		return err
	}
	removedDelayed, err := q.store.ZRem(ctx, delayedKey, m)
	if err != nil {
		return err
	}

	if removedPending+removedDelayed > 0 {
		req.Status = models.StatusCancelled
		return q.saveRequest(ctx, req, q.terminalTTL())
	}

	// Already claimed: the worker discards the result on return.
	req.CancelRequested = true
	return q.saveRequest(ctx, req, 0)
}

// GetStatus returns the current record for a request id.
func (q *Queue) GetStatus(ctx context.Context, orgID, id string) (*models.QueuedRequest, error) {
	return q.loadRequest(ctx, orgID, id)
}

// GetStats derives queue statistics from live state.
func (q *Queue) GetStats(ctx context.Context) (models.QueueStats, error) {
	var stats models.QueueStats

	pending, err := q.store.ZCard(ctx, pendingKey)
	if err != nil {
		return stats, err
	}
	delayed, err := q.store.ZCard(ctx, delayedKey)
	if err != nil {
		return stats, err
	}
	processing, err := q.store.ZCard(ctx, processingKey)
	if err != nil {
		return stats, err
	}
	stats.QueueSize = pending + delayed
	stats.Processing = processing

	stats.TotalProcessed = q.counter(ctx, statProcessedKey)
	stats.TotalFailed = q.counter(ctx, statFailedKey)

	waitTotal := q.counter(ctx, statWaitMsKey)
	waitCount := q.counter(ctx, statWaitCountKey)
	if waitCount > 0 {
		stats.AvgWaitMs = float64(waitTotal) / float64(waitCount)
	}
	return stats, nil
}

func (q *Queue) counter(ctx context.Context, key string) int64 {
	val, ok, err := q.store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(val, "%d", &n)
	return n
}

// Cleanup removes terminal request records older than the retention window.
// Records also carry a store TTL, so this sweep is a backstop for stores
// without native expiry.
func (q *Queue) Cleanup(ctx context.Context) (int, error) {
	keys, err := q.store.Keys(ctx, "queue:request:*")
	if err != nil {
		return 0, err
	}
	cutoff := q.now().Add(-q.opts.RetentionTTL)
	removed := 0
	for _, key := range keys {
		val, ok, err := q.store.Get(ctx, key)
		if err != nil || !ok {
			continue
		}
		var req models.QueuedRequest
		if err := json.Unmarshal([]byte(val), &req); err != nil {
			continue
		}
		if req.Status.Terminal() && req.EnqueuedAt.Before(cutoff) {
			if err := q.store.Delete(ctx, key); err == nil {
				removed++
			}
		}
	}
	return removed, nil
}

// ReleaseStale sweeps processing entries whose deadline has passed — the
// owning worker crashed or stalled. Requests with retry budget left go back
// to pending; the rest are failed. This is what guarantees every accepted
// request eventually reaches a terminal state.
func (q *Queue) ReleaseStale(ctx context.Context) (int, error) {
	due, err := q.store.ZPopByScore(ctx, processingKey, float64(q.now().UnixMilli()), 100)
	if err != nil {
		return 0, err
	}
	released := 0
	for _, m := range due {
		orgID, id := splitMember(m)
		req, err := q.loadRequest(ctx, orgID, id)
		if errors.Is(err, ErrRequestNotFound) {
			continue
		}
		if err != nil {
			return released, err
		}
		if req.Status != models.StatusProcessing {
			continue
		}

		req.LastError = "processing deadline exceeded"
		if req.Attempt < req.MaxRetries && !req.CancelRequested {
			req.Status = models.StatusPending
			if err := q.saveRequest(ctx, req, 0); err != nil {
				return released, err
			}
			if err := q.store.ZAdd(ctx, pendingKey, m, score(req.Priority, req.Seq)); err != nil {
				return released, err
			}
		} else {
			req.Status = models.StatusFailed
			if req.CancelRequested {
				req.Status = models.StatusCancelled
			}
			if err := q.saveRequest(ctx, req, q.terminalTTL()); err != nil {
				return released, err
			}
			_, _ = q.store.IncrBy(ctx, statFailedKey, 1, 0)
		}
		released++
	}
	return released, nil
}

// promoteDue moves delayed retries whose backoff has elapsed back into the
// pending set at their original priority score.
func (q *Queue) promoteDue(ctx context.Context) error {
	due, err := q.store.ZPopByScore(ctx, delayedKey, float64(q.now().UnixMilli()), 100)
	if err != nil {
		return err
	}
	for _, m := range due {
		orgID, id := splitMember(m)
		req, err := q.loadRequest(ctx, orgID, id)
		if errors.Is(err, ErrRequestNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if err := q.store.ZAdd(ctx, pendingKey, m, score(req.Priority, req.Seq)); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) saveRequest(ctx context.Context, req *models.QueuedRequest, ttl time.Duration) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("queue: marshal request %s: %w", req.ID, err)
	}
	return q.store.Set(ctx, requestKey(req.OrganizationID, req.ID), string(data), ttl)
}

func (q *Queue) loadRequest(ctx context.Context, orgID, id string) (*models.QueuedRequest, error) {
	val, ok, err := q.store.Get(ctx, requestKey(orgID, id))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRequestNotFound, id)
	}
	var req models.QueuedRequest
	if err := json.Unmarshal([]byte(val), &req); err != nil {
		return nil, fmt.Errorf("queue: unmarshal request %s: %w", id, err)
	}
	return &req, nil
}
