// Package models defines the core data structures used across Conduit.
package models

import "time"

// LLMProvider represents a supported LLM API provider.
type LLMProvider string

const (
	ProviderOpenAI    LLMProvider = "openai"
	ProviderAnthropic LLMProvider = "anthropic"
	ProviderGemini    LLMProvider = "gemini"
	ProviderDeepSeek  LLMProvider = "deepseek"
)

// Priority determines dequeue order for queued requests.
type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// Rank returns the numeric rank of a priority; lower ranks dequeue first.
// Unknown priorities rank as normal.
func (p Priority) Rank() int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityLow:
		return 3
	default:
		return 2
	}
}

// Valid reports whether p is one of the four defined priority levels.
func (p Priority) Valid() bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// RequestStatus tracks the lifecycle of a queued request.
//
// Transitions: pending -> processing -> {completed | failed | cancelled};
// processing -> pending is permitted on retry while attempt < maxRetries.
type RequestStatus string

const (
	StatusPending    RequestStatus = "pending"
	StatusProcessing RequestStatus = "processing"
	StatusCompleted  RequestStatus = "completed"
	StatusFailed     RequestStatus = "failed"
	StatusCancelled  RequestStatus = "cancelled"
)

// Terminal reports whether the status is a final state.
func (s RequestStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Message is a single role/content pair in a chat-style request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// QueuedRequest is a pending or in-flight AI provider call.
type QueuedRequest struct {
	ID              string        `json:"id"`
	Provider        LLMProvider   `json:"provider"`
	Model           string        `json:"model"`
	Messages        []Message     `json:"messages"`
	Priority        Priority      `json:"priority"`
	OrganizationID  string        `json:"organization_id"`
	UserID          string        `json:"user_id,omitempty"`
	ConversationID  string        `json:"conversation_id,omitempty"`
	MaxRetries      int           `json:"max_retries"`
	TimeoutMs       int64         `json:"timeout_ms"`
	EnqueuedAt      time.Time     `json:"enqueued_at"`
	Status          RequestStatus `json:"status"`
	Attempt         int           `json:"attempt"`
	LastError       string        `json:"last_error,omitempty"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`

	// Seq is the monotonic enqueue sequence number; together with the
	// priority rank it forms the dequeue score, so FIFO order within a
	// priority level survives re-enqueues.
	Seq int64 `json:"seq"`

	// ServedBy records which provider ultimately answered; it differs from
	// Provider when the fallback chain was used.
	ServedBy LLMProvider         `json:"served_by,omitempty"`
	Response *CompletionResponse `json:"response,omitempty"`
}

// TokenUsage is the token accounting reported by a provider.
type TokenUsage struct {
	PromptTokens     int64 `json:"prompt_tokens"`
	CompletionTokens int64 `json:"completion_tokens"`
	TotalTokens      int64 `json:"total_tokens"`
}

// CompletionResponse is the payload returned by an AI provider call.
type CompletionResponse struct {
	Content   string     `json:"content"`
	Usage     TokenUsage `json:"usage"`
	LatencyMs int64      `json:"latency_ms"`
}

// QueueStats is derived from live queue state; it is never persisted as a
// source of truth.
type QueueStats struct {
	QueueSize      int64   `json:"queue_size"`
	Processing     int64   `json:"processing"`
	TotalProcessed int64   `json:"total_processed"`
	TotalFailed    int64   `json:"total_failed"`
	AvgWaitMs      float64 `json:"avg_wait_ms"`
}

// CacheEntry is a stored AI response keyed by request embedding.
// Entries are namespaced per organization; lookups never cross tenants.
type CacheEntry struct {
	ID             string              `json:"id"`
	OrganizationID string              `json:"organization_id"`
	Provider       LLMProvider         `json:"provider"`
	Model          string              `json:"model"`
	Embedding      []float64           `json:"embedding"`
	Fingerprint    string              `json:"fingerprint"`
	RoleSequence   []string            `json:"role_sequence"`
	Response       *CompletionResponse `json:"response"`
	Tags           []string            `json:"tags,omitempty"`
	CreatedAt      time.Time           `json:"created_at"`
	ExpiresAt      time.Time           `json:"expires_at"`
}

// CacheMatch is a successful semantic cache lookup.
type CacheMatch struct {
	Entry      *CacheEntry `json:"entry"`
	Similarity float64     `json:"similarity"`
}

// CacheStats reports per-organization cache performance.
type CacheStats struct {
	OrganizationID string  `json:"organization_id"`
	Hits           int64   `json:"hits"`
	Misses         int64   `json:"misses"`
	HitRate        float64 `json:"hit_rate"`
	Entries        int64   `json:"entries"`
}

// CostRecord captures one completed (success or failure) request.
type CostRecord struct {
	RequestID        string      `json:"request_id"`
	OrganizationID   string      `json:"organization_id"`
	Provider         LLMProvider `json:"provider"`
	Model            string      `json:"model"`
	PromptTokens     int64       `json:"prompt_tokens"`
	CompletionTokens int64       `json:"completion_tokens"`
	TotalTokens      int64       `json:"total_tokens"`
	CostUSD          float64     `json:"cost_usd"`
	LatencyMs        int64       `json:"latency_ms"`
	Cached           bool        `json:"cached"`
	Success          bool        `json:"success"`
	Timestamp        time.Time   `json:"timestamp"`
}

// Period is a cost aggregation granularity.
type Period string

const (
	PeriodHourly  Period = "hourly"
	PeriodDaily   Period = "daily"
	PeriodWeekly  Period = "weekly"
	PeriodMonthly Period = "monthly"
)

// Valid reports whether p is a known aggregation period.
func (p Period) Valid() bool {
	switch p {
	case PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly:
		return true
	}
	return false
}

// AllPeriods lists every aggregation granularity a record contributes to.
var AllPeriods = []Period{PeriodHourly, PeriodDaily, PeriodWeekly, PeriodMonthly}

// CostMetrics is one aggregation bucket for an organization.
type CostMetrics struct {
	OrganizationID string    `json:"organization_id"`
	Period         Period    `json:"period"`
	PeriodStart    time.Time `json:"period_start"`
	TotalCost      float64   `json:"total_cost"`
	TotalRequests  int64     `json:"total_requests"`
	TotalTokens    int64     `json:"total_tokens"`
	CacheHitRate   float64   `json:"cache_hit_rate"`
	CostPerRequest float64   `json:"cost_per_request"`
}

// Budget is a per-organization spending limit for one period granularity.
type Budget struct {
	ID                  string  `json:"id"`
	OrganizationID      string  `json:"organization_id"`
	Period              Period  `json:"period"`
	LimitUSD            float64 `json:"limit_usd"`
	WarningThresholdPct float64 `json:"warning_threshold_pct"`
	AlertThresholdPct   float64 `json:"alert_threshold_pct"`
	RolloverUnused      bool    `json:"rollover_unused"`

	// HardBlock rejects new enqueues once AlertThresholdPct is breached;
	// when false the budget is alert-only and requests proceed.
	HardBlock bool      `json:"hard_block"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AlertType categorizes a budget alert.
type AlertType string

const (
	AlertBudgetWarning  AlertType = "budget_warning"
	AlertBudgetExceeded AlertType = "budget_exceeded"
	AlertCostSpike      AlertType = "cost_spike"
	AlertUnusualUsage   AlertType = "unusual_usage"
)

// AlertSeverity indicates the urgency of an alert.
type AlertSeverity string

const (
	SeverityLow      AlertSeverity = "low"
	SeverityMedium   AlertSeverity = "medium"
	SeverityHigh     AlertSeverity = "high"
	SeverityCritical AlertSeverity = "critical"
)

// BudgetAlert is an append-only alert event, deduplicated per
// (organization, type) within a cooldown window.
type BudgetAlert struct {
	ID             string        `json:"id"`
	OrganizationID string        `json:"organization_id"`
	Type           AlertType     `json:"type"`
	Severity       AlertSeverity `json:"severity"`
	Message        string        `json:"message"`
	CurrentSpend   float64       `json:"current_spend"`
	LimitUSD       float64       `json:"limit_usd"`
	Acknowledged   bool          `json:"acknowledged"`
	CreatedAt      time.Time     `json:"created_at"`
}

// RequestType is a coarse classification used for provider selection.
type RequestType string

const (
	RequestSimple   RequestType = "simple"
	RequestComplex  RequestType = "complex"
	RequestCreative RequestType = "creative"
)

// Recommendation suggests a provider/model switch with estimated savings.
type Recommendation struct {
	ID                         string      `json:"id"`
	OrganizationID             string      `json:"organization_id"`
	CurrentProvider            LLMProvider `json:"current_provider"`
	CurrentModel               string      `json:"current_model"`
	SuggestedProvider          LLMProvider `json:"suggested_provider"`
	SuggestedModel             string      `json:"suggested_model"`
	EstimatedMonthlySavingsUSD float64     `json:"estimated_monthly_savings_usd"`
	SavingsPct                 float64     `json:"savings_pct"`
	Difficulty                 string      `json:"difficulty"` // easy | moderate | involved
	Reason                     string      `json:"reason"`
	CreatedAt                  time.Time   `json:"created_at"`
}

// ProviderRecommendation is the output of the optimal-provider heuristic.
type ProviderRecommendation struct {
	Provider                      LLMProvider `json:"provider"`
	Model                         string      `json:"model"`
	EstimatedCostPer1KRequestsUSD float64     `json:"estimated_cost_per_1k_requests_usd"`
	AvgLatencyMs                  int64       `json:"avg_latency_ms"`
	Reason                        string      `json:"reason"`
}
