// Package semcache implements the embedding-similarity response cache.
//
// Lookups embed the normalized request text and cosine-match it against
// entries in the same organization namespace. The cache is a performance
// layer, not a correctness layer: embedding failures are reported as errors
// so callers can fail open and treat them as misses, and a failed write
// never blocks a caller that already holds a valid response.
package semcache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/verdantops/conduit/pkg/kv"
	"github.com/verdantops/conduit/pkg/models"
)

// EmbeddingProvider produces a fixed-length vector for a text. It is an
// external vendor call and may fail or block.
type EmbeddingProvider interface {
	Embed(ctx context.Context, text string) ([]float64, error)
}

// Options configures a Cache.
type Options struct {
	SimilarityThreshold float64       // default 0.85
	DefaultTTL          time.Duration // default 24h
}

// DefaultOptions are the production defaults.
func DefaultOptions() Options {
	return Options{
		SimilarityThreshold: 0.85,
		DefaultTTL:          24 * time.Hour,
	}
}

// GetOptions tunes a single lookup.
type GetOptions struct {
	// ContextualMatch restricts candidates to entries whose message role
	// sequence matches, so a system-prompt-only request cannot hit an entry
	// written for a full conversation.
	ContextualMatch bool
	// AllowCrossModel widens matching beyond the exact provider+model pair.
	AllowCrossModel bool
	// Threshold overrides the configured similarity threshold when > 0.
	Threshold float64
}

// SetOptions tunes a single write.
type SetOptions struct {
	TTL  time.Duration // 0 = default TTL
	Tags []string
}

// Cache is the store-backed semantic cache.
type Cache struct {
	store    kv.Store
	embedder EmbeddingProvider
	opts     Options
	now      func() time.Time
}

// New creates a Cache.
func New(store kv.Store, embedder EmbeddingProvider, opts Options) *Cache {
	if opts.SimilarityThreshold <= 0 {
		opts.SimilarityThreshold = DefaultOptions().SimilarityThreshold
	}
	if opts.DefaultTTL <= 0 {
		opts.DefaultTTL = DefaultOptions().DefaultTTL
	}
	return &Cache{store: store, embedder: embedder, opts: opts, now: time.Now}
}

func entryKey(orgID, id string) string  { return "cache:entry:" + orgID + ":" + id }
func indexKey(orgID string) string      { return "cache:index:" + orgID }
func fpKey(orgID, fp string) string     { return "cache:fp:" + orgID + ":" + fp }
func tagKey(orgID, tag string) string   { return "cache:tag:" + orgID + ":" + tag }
func statKey(orgID, name string) string { return "cache:stats:" + orgID + ":" + name }

// normalize flattens messages into the text that gets embedded.
func normalize(messages []models.Message) string {
	var b strings.Builder
	for _, m := range messages {
		b.WriteString(strings.ToLower(strings.TrimSpace(m.Role)))
		b.WriteString(": ")
		b.WriteString(strings.TrimSpace(m.Content))
		b.WriteString("\n")
	}
	return b.String()
}

// Fingerprint hashes the normalized messages plus provider and model; it
// detects identical requests so duplicate writes collapse to one entry.
func Fingerprint(provider models.LLMProvider, model string, messages []models.Message) string {
	h := sha256.Sum256([]byte(string(provider) + "\x00" + model + "\x00" + normalize(messages)))
	return hex.EncodeToString(h[:])
}

func roleSequence(messages []models.Message) []string {
	roles := make([]string, len(messages))
	for i, m := range messages {
		roles[i] = m.Role
	}
	return roles
}

func sameRoles(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// cosineSimilarity returns the cosine of the angle between two vectors, or
// 0 for mismatched or zero-length vectors.
func cosineSimilarity(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += a[i] * b[i]
		normA += a[i] * a[i]
		normB += b[i] * b[i]
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Get looks up a semantically similar cached response. It returns nil for a
// miss. An error means the lookup itself could not run (embedding or store
// failure); callers treat that as a miss but must not confuse the two.
func (c *Cache) Get(ctx context.Context, orgID string, provider models.LLMProvider, model string, messages []models.Message, opts GetOptions) (*models.CacheMatch, error) {
	if orgID == "" {
		return nil, fmt.Errorf("semcache: organization id is required")
	}
	threshold := opts.Threshold
	if threshold <= 0 {
		threshold = c.opts.SimilarityThreshold
	}

	embedding, err := c.embedder.Embed(ctx, normalize(messages))
	if err != nil {
		return nil, fmt.Errorf("semcache: embedding lookup text: %w", err)
	}

	ids, err := c.store.SMembers(ctx, indexKey(orgID))
	if err != nil {
		return nil, fmt.Errorf("semcache: reading index: %w", err)
	}

	roles := roleSequence(messages)
	var best *models.CacheEntry
	var bestScore float64
	for _, id := range ids {
		entry, ok := c.loadEntry(ctx, orgID, id)
		if !ok {
			// Expired record; drop the dangling index member.
			_ = c.store.SRem(ctx, indexKey(orgID), id)
			continue
		}
		if !opts.AllowCrossModel && (entry.Provider != provider || entry.Model != model) {
			continue
		}
		if opts.ContextualMatch && !sameRoles(entry.RoleSequence, roles) {
			continue
		}
		score := cosineSimilarity(embedding, entry.Embedding)
		if score < threshold {
			continue
		}
		// Ties on score break to the most recent entry; the source behavior
		// is unspecified here, so the tie-break must be deterministic.
		if best == nil || score > bestScore ||
			(score == bestScore && entry.CreatedAt.After(best.CreatedAt)) {
			best = entry
			bestScore = score
		}
	}

	if best == nil {
		_, _ = c.store.IncrBy(ctx, statKey(orgID, "misses"), 1, 0)
		return nil, nil
	}
	_, _ = c.store.IncrBy(ctx, statKey(orgID, "hits"), 1, 0)
	return &models.CacheMatch{Entry: best, Similarity: bestScore}, nil
}

// Set stores a response for later similarity lookups and returns the entry
// id. Writes with an identical fingerprint overwrite the existing entry
// instead of accumulating duplicates.
func (c *Cache) Set(ctx context.Context, orgID string, provider models.LLMProvider, model string, messages []models.Message, response *models.CompletionResponse, opts SetOptions) (string, error) {
	if orgID == "" {
		return "", fmt.Errorf("semcache: organization id is required")
	}
	if response == nil {
		return "", fmt.Errorf("semcache: response is required")
	}
	ttl := opts.TTL
	if ttl <= 0 {
		ttl = c.opts.DefaultTTL
	}

	embedding, err := c.embedder.Embed(ctx, normalize(messages))
	if err != nil {
		return "", fmt.Errorf("semcache: embedding entry text: %w", err)
	}

	fp := Fingerprint(provider, model, messages)
	id := uuid.New().String()
	if existing, ok, _ := c.store.Get(ctx, fpKey(orgID, fp)); ok {
		id = existing
	}

	now := c.now().UTC()
	entry := &models.CacheEntry{
		ID:             id,
		OrganizationID: orgID,
		Provider:       provider,
		Model:          model,
		Embedding:      embedding,
		Fingerprint:    fp,
		RoleSequence:   roleSequence(messages),
		Response:       response,
		Tags:           opts.Tags,
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return "", fmt.Errorf("semcache: marshal entry: %w", err)
	}
	if err := c.store.Set(ctx, entryKey(orgID, id), string(data), ttl); err != nil {
		return "", err
	}
	if err := c.store.SAdd(ctx, indexKey(orgID), id); err != nil {
		return "", err
	}
	if err := c.store.Set(ctx, fpKey(orgID, fp), id, ttl); err != nil {
		return "", err
	}
	for _, tag := range opts.Tags {
		if err := c.store.SAdd(ctx, tagKey(orgID, tag), id); err != nil {
			return "", err
		}
	}
	return id, nil
}

// GetStats reports per-organization hit/miss counters and live entry count.
func (c *Cache) GetStats(ctx context.Context, orgID string) (models.CacheStats, error) {
	stats := models.CacheStats{OrganizationID: orgID}

	stats.Hits = c.counter(ctx, statKey(orgID, "hits"))
	stats.Misses = c.counter(ctx, statKey(orgID, "misses"))
	if total := stats.Hits + stats.Misses; total > 0 {
		stats.HitRate = float64(stats.Hits) / float64(total)
	}

	ids, err := c.store.SMembers(ctx, indexKey(orgID))
	if err != nil {
		return stats, err
	}
	for _, id := range ids {
		if _, ok := c.loadEntry(ctx, orgID, id); ok {
			stats.Entries++
		}
	}
	return stats, nil
}

// ClearByTags removes every entry carrying any of the given tags and
// returns how many were removed.
func (c *Cache) ClearByTags(ctx context.Context, orgID string, tags []string) (int, error) {
	seen := make(map[string]struct{})
	removed := 0
	for _, tag := range tags {
		ids, err := c.store.SMembers(ctx, tagKey(orgID, tag))
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			if _, dup := seen[id]; dup {
				continue
			}
			seen[id] = struct{}{}
			if entry, ok := c.loadEntry(ctx, orgID, id); ok {
				_ = c.store.Delete(ctx, fpKey(orgID, entry.Fingerprint))
				removed++
			}
			_ = c.store.Delete(ctx, entryKey(orgID, id))
			_ = c.store.SRem(ctx, indexKey(orgID), id)
		}
		_ = c.store.Delete(ctx, tagKey(orgID, tag))
	}
	return removed, nil
}

// Cleanup drops index members whose entries have expired, across all
// organizations. Entry records expire via store TTL; this reclaims the
// indexes that point at them.
func (c *Cache) Cleanup(ctx context.Context) (int, error) {
	indexKeys, err := c.store.Keys(ctx, "cache:index:*")
	if err != nil {
		return 0, err
	}
	sort.Strings(indexKeys)
	removed := 0
	for _, key := range indexKeys {
		orgID := strings.TrimPrefix(key, "cache:index:")
		ids, err := c.store.SMembers(ctx, key)
		if err != nil {
			return removed, err
		}
		for _, id := range ids {
			if _, ok := c.loadEntry(ctx, orgID, id); !ok {
				_ = c.store.SRem(ctx, key, id)
				removed++
			}
		}
	}
	return removed, nil
}

func (c *Cache) loadEntry(ctx context.Context, orgID, id string) (*models.CacheEntry, bool) {
	val, ok, err := c.store.Get(ctx, entryKey(orgID, id))
	if err != nil || !ok {
		return nil, false
	}
	var entry models.CacheEntry
	if err := json.Unmarshal([]byte(val), &entry); err != nil {
		return nil, false
	}
	// TTL is authoritative in the store; the timestamp check covers stores
	// that returned a not-yet-reaped record.
	if c.now().After(entry.ExpiresAt) {
		return nil, false
	}
	return &entry, true
}

func (c *Cache) counter(ctx context.Context, key string) int64 {
	val, ok, err := c.store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	var n int64
	fmt.Sscanf(val, "%d", &n)
	return n
}
