package provider

import (
	"sync"
	"time"

	"github.com/verdantops/conduit/pkg/models"
)

// Breaker is a per-provider circuit breaker. After a run of consecutive
// failures the circuit opens and Allow rejects calls until the cooldown
// elapses; the first call after that probes the provider, and a success
// closes the circuit again.
type Breaker struct {
	mu        sync.Mutex
	threshold int
	cooldown  time.Duration
	states    map[models.LLMProvider]*breakerState
	now       func() time.Time
}

type breakerState struct {
	failures  int
	openUntil time.Time
	probing   bool
}

// NewBreaker creates a Breaker. threshold is the consecutive failure count
// that opens the circuit; cooldown is how long it stays open.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		threshold: threshold,
		cooldown:  cooldown,
		states:    make(map[models.LLMProvider]*breakerState),
		now:       time.Now,
	}
}

// Allow reports whether a call to the provider may proceed.
func (b *Breaker) Allow(p models.LLMProvider) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[p]
	if !ok || st.failures < b.threshold {
		return true
	}
	if b.now().Before(st.openUntil) {
		return false
	}
	// Half-open: let one probe through, hold the rest back until it
	// reports success or failure.
	if st.probing {
		return false
	}
	st.probing = true
	return true
}

// RecordSuccess closes the circuit for the provider.
func (b *Breaker) RecordSuccess(p models.LLMProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.states, p)
}

// RecordFailure counts a failure, opening the circuit at the threshold.
func (b *Breaker) RecordFailure(p models.LLMProvider) {
	b.mu.Lock()
	defer b.mu.Unlock()

	st, ok := b.states[p]
	if !ok {
		st = &breakerState{}
		b.states[p] = st
	}
	st.failures++
	st.probing = false
	if st.failures >= b.threshold {
		st.openUntil = b.now().Add(b.cooldown)
	}
}
