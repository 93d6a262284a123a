// Package cost implements token cost tracking, budget alerting, and
// provider recommendations.
//
// Live aggregation buckets live in the key-value store so the hot path
// never touches PostgreSQL; the database keeps per-request history for
// recommendations and reporting. Tracking failures never block request
// completion, the caller logs and moves on.
package cost

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/verdantops/conduit/internal/database"
	"github.com/verdantops/conduit/internal/pricing"
	"github.com/verdantops/conduit/pkg/kv"
	"github.com/verdantops/conduit/pkg/models"
)

// Options configures an Optimizer.
type Options struct {
	// AlertCooldown suppresses duplicate alerts for the same budget and
	// alert type. Default 5m.
	AlertCooldown time.Duration
	// AlertRetention bounds how long raised alerts stay queryable.
	// Default 7 days.
	AlertRetention time.Duration
}

// DefaultOptions are the production defaults.
func DefaultOptions() Options {
	return Options{
		AlertCooldown:  5 * time.Minute,
		AlertRetention: 7 * 24 * time.Hour,
	}
}

// Optimizer tracks spend and enforces budgets. The database handle may be
// nil; recommendations then degrade to empty results and archival is
// skipped, but live tracking keeps working.
type Optimizer struct {
	store   kv.Store
	db      *database.DB
	pricing *pricing.Table
	opts    Options
	now     func() time.Time
}

// New creates an Optimizer.
func New(store kv.Store, db *database.DB, table *pricing.Table, opts Options) *Optimizer {
	if opts.AlertCooldown <= 0 {
		opts.AlertCooldown = DefaultOptions().AlertCooldown
	}
	if opts.AlertRetention <= 0 {
		opts.AlertRetention = DefaultOptions().AlertRetention
	}
	if table == nil {
		table = pricing.Default()
	}
	return &Optimizer{store: store, db: db, pricing: table, opts: opts, now: time.Now}
}

// periodStart truncates t to the start of the bucket containing it.
// Weekly buckets start on Monday. All buckets are UTC.
func periodStart(p models.Period, t time.Time) time.Time {
	t = t.UTC()
	switch p {
	case models.PeriodHourly:
		return t.Truncate(time.Hour)
	case models.PeriodDaily:
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	case models.PeriodWeekly:
		day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
		offset := (int(day.Weekday()) + 6) % 7
		return day.AddDate(0, 0, -offset)
	case models.PeriodMonthly:
		return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
	}
	return t
}

// prevPeriodStart steps one bucket back from a bucket start.
func prevPeriodStart(p models.Period, start time.Time) time.Time {
	switch p {
	case models.PeriodHourly:
		return start.Add(-time.Hour)
	case models.PeriodDaily:
		return start.AddDate(0, 0, -1)
	case models.PeriodWeekly:
		return start.AddDate(0, 0, -7)
	default:
		return start.AddDate(0, -1, 0)
	}
}

// bucketTTL keeps a couple of completed buckets around per granularity so
// period-over-period comparisons stay possible.
func bucketTTL(p models.Period) time.Duration {
	switch p {
	case models.PeriodHourly:
		return 48 * time.Hour
	case models.PeriodDaily:
		return 40 * 24 * time.Hour
	case models.PeriodWeekly:
		return 16 * 7 * 24 * time.Hour
	default:
		return 400 * 24 * time.Hour
	}
}

func bucketKey(orgID string, p models.Period, start time.Time, field string) string {
	return fmt.Sprintf("cost:bucket:%s:%s:%d:%s", orgID, p, start.Unix(), field)
}

func seenKey(orgID, requestID string) string { return "cost:seen:" + orgID + ":" + requestID }

func budgetKey(orgID string, p models.Period) string {
	return "budget:" + orgID + ":" + string(p)
}

func alertKey(orgID, id string) string  { return "alert:item:" + orgID + ":" + id }
func alertIndexKey(orgID string) string { return "alert:index:" + orgID }

func cooldownKey(orgID string, p models.Period, t models.AlertType) string {
	return fmt.Sprintf("alert:cooldown:%s:%s:%s", orgID, p, t)
}

// TrackRequest records one completed request into every aggregation bucket
// and evaluates budgets. Replays of the same request id are no-ops, so a
// worker crash between completion and tracking cannot double-count.
func (o *Optimizer) TrackRequest(ctx context.Context, rec *models.CostRecord) error {
	if rec == nil || rec.OrganizationID == "" || rec.RequestID == "" {
		return fmt.Errorf("cost: record needs organization and request ids")
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = o.now().UTC()
	}

	fresh, err := o.store.SetNX(ctx, seenKey(rec.OrganizationID, rec.RequestID), "1", 48*time.Hour)
	if err != nil {
		return fmt.Errorf("cost: dedup marker: %w", err)
	}
	if !fresh {
		return nil
	}

	for _, p := range models.AllPeriods {
		start := periodStart(p, rec.Timestamp)
		ttl := bucketTTL(p)
		if _, err := o.store.IncrByFloat(ctx, bucketKey(rec.OrganizationID, p, start, "cost"), rec.CostUSD, ttl); err != nil {
			return fmt.Errorf("cost: incrementing %s cost bucket: %w", p, err)
		}
		if _, err := o.store.IncrBy(ctx, bucketKey(rec.OrganizationID, p, start, "requests"), 1, ttl); err != nil {
			return fmt.Errorf("cost: incrementing %s request bucket: %w", p, err)
		}
		if _, err := o.store.IncrBy(ctx, bucketKey(rec.OrganizationID, p, start, "tokens"), rec.TotalTokens, ttl); err != nil {
			return fmt.Errorf("cost: incrementing %s token bucket: %w", p, err)
		}
		if rec.Cached {
			if _, err := o.store.IncrBy(ctx, bucketKey(rec.OrganizationID, p, start, "cached"), 1, ttl); err != nil {
				return fmt.Errorf("cost: incrementing %s cached bucket: %w", p, err)
			}
		}
	}

	if o.db != nil {
		if err := o.db.InsertCostRecord(ctx, rec); err != nil {
			// The archive is for history, not enforcement.
			log.Printf("cost: archiving record %s: %v", rec.RequestID, err)
		}
	}

	o.evaluateBudgets(ctx, rec.OrganizationID)
	return nil
}

// GetCostMetrics returns per-bucket aggregates for one granularity, newest
// first. limit bounds how many buckets to walk back from the current one;
// values below 1 return only the current bucket. Retained prior buckets
// make period-over-period comparisons possible; buckets past their TTL
// read as zero.
func (o *Optimizer) GetCostMetrics(ctx context.Context, orgID string, p models.Period, limit int) ([]models.CostMetrics, error) {
	if !p.Valid() {
		return nil, fmt.Errorf("cost: invalid period %q", p)
	}
	if limit < 1 {
		limit = 1
	}
	start := periodStart(p, o.now())
	out := make([]models.CostMetrics, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, o.bucketMetrics(ctx, orgID, p, start))
		start = prevPeriodStart(p, start)
	}
	return out, nil
}

func (o *Optimizer) bucketMetrics(ctx context.Context, orgID string, p models.Period, start time.Time) models.CostMetrics {
	m := models.CostMetrics{
		OrganizationID: orgID,
		Period:         p,
		PeriodStart:    start,
	}
	m.TotalCost = o.floatCounter(ctx, bucketKey(orgID, p, start, "cost"))
	m.TotalRequests = o.intCounter(ctx, bucketKey(orgID, p, start, "requests"))
	m.TotalTokens = o.intCounter(ctx, bucketKey(orgID, p, start, "tokens"))
	cached := o.intCounter(ctx, bucketKey(orgID, p, start, "cached"))
	if m.TotalRequests > 0 {
		m.CacheHitRate = float64(cached) / float64(m.TotalRequests)
		m.CostPerRequest = m.TotalCost / float64(m.TotalRequests)
	}
	return m
}

// SetBudget stores or replaces the budget for one organization and period.
func (o *Optimizer) SetBudget(ctx context.Context, b *models.Budget) error {
	if b == nil || b.OrganizationID == "" {
		return fmt.Errorf("cost: budget needs an organization id")
	}
	if !b.Period.Valid() {
		return fmt.Errorf("cost: invalid budget period %q", b.Period)
	}
	if b.LimitUSD <= 0 {
		return fmt.Errorf("cost: budget limit must be positive")
	}
	if b.WarningThresholdPct <= 0 {
		b.WarningThresholdPct = 80
	}
	if b.AlertThresholdPct <= 0 {
		b.AlertThresholdPct = 100
	}
	now := o.now().UTC()
	if b.ID == "" {
		b.ID = uuid.New().String()
		b.CreatedAt = now
	}
	b.UpdatedAt = now

	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("cost: marshal budget: %w", err)
	}
	if err := o.store.Set(ctx, budgetKey(b.OrganizationID, b.Period), string(data), 0); err != nil {
		return err
	}
	if o.db != nil {
		if err := o.db.UpsertBudget(ctx, b); err != nil {
			log.Printf("cost: persisting budget %s/%s: %v", b.OrganizationID, b.Period, err)
		}
	}
	return nil
}

// GetBudget returns the budget for one period, or nil when none is set.
func (o *Optimizer) GetBudget(ctx context.Context, orgID string, p models.Period) (*models.Budget, error) {
	val, ok, err := o.store.Get(ctx, budgetKey(orgID, p))
	if err != nil || !ok {
		return nil, err
	}
	var b models.Budget
	if err := json.Unmarshal([]byte(val), &b); err != nil {
		return nil, fmt.Errorf("cost: unmarshal budget: %w", err)
	}
	return &b, nil
}

// GetAlerts returns raised alerts for an organization, newest first.
// Acknowledged alerts are excluded unless includeAcked is set.
func (o *Optimizer) GetAlerts(ctx context.Context, orgID string, includeAcked bool) ([]models.BudgetAlert, error) {
	ids, err := o.store.SMembers(ctx, alertIndexKey(orgID))
	if err != nil {
		return nil, err
	}
	var alerts []models.BudgetAlert
	for _, id := range ids {
		val, ok, err := o.store.Get(ctx, alertKey(orgID, id))
		if err != nil {
			return nil, err
		}
		if !ok {
			// Expired alert; drop the index member.
			_ = o.store.SRem(ctx, alertIndexKey(orgID), id)
			continue
		}
		var a models.BudgetAlert
		if err := json.Unmarshal([]byte(val), &a); err != nil {
			continue
		}
		if a.Acknowledged && !includeAcked {
			continue
		}
		alerts = append(alerts, a)
	}
	sort.Slice(alerts, func(i, j int) bool {
		return alerts[i].CreatedAt.After(alerts[j].CreatedAt)
	})
	return alerts, nil
}

// AcknowledgeAlert marks an alert as handled.
func (o *Optimizer) AcknowledgeAlert(ctx context.Context, orgID, alertID string) error {
	val, ok, err := o.store.Get(ctx, alertKey(orgID, alertID))
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("cost: alert %s not found", alertID)
	}
	var a models.BudgetAlert
	if err := json.Unmarshal([]byte(val), &a); err != nil {
		return fmt.Errorf("cost: unmarshal alert: %w", err)
	}
	a.Acknowledged = true
	data, err := json.Marshal(&a)
	if err != nil {
		return err
	}
	return o.store.Set(ctx, alertKey(orgID, alertID), string(data), o.opts.AlertRetention)
}

// CheckAdmission reports whether new work may be enqueued for an
// organization. Only budgets marked HardBlock reject work; alert-only
// budgets never do. Missing budgets admit everything.
func (o *Optimizer) CheckAdmission(ctx context.Context, orgID string) (bool, string, error) {
	for _, p := range models.AllPeriods {
		b, err := o.GetBudget(ctx, orgID, p)
		if err != nil {
			return false, "", err
		}
		if b == nil || !b.HardBlock {
			continue
		}
		spend := o.floatCounter(ctx, bucketKey(orgID, p, periodStart(p, o.now()), "cost"))
		if spend >= b.LimitUSD*b.AlertThresholdPct/100 {
			reason := fmt.Sprintf("%s budget exhausted: $%.4f of $%.2f", p, spend, b.LimitUSD)
			return false, reason, nil
		}
	}
	return true, "", nil
}

// OptimalProvider recommends the cheapest provider/model that satisfies the
// request class and priority.
func (o *Optimizer) OptimalProvider(rt models.RequestType, priority models.Priority) (models.ProviderRecommendation, error) {
	return o.pricing.OptimalProvider(rt, priority)
}

// GetRecommendations derives model-switch suggestions from the last 30 days
// of archived usage. Without a database handle it returns nothing.
func (o *Optimizer) GetRecommendations(ctx context.Context, orgID string) ([]models.Recommendation, error) {
	if o.db == nil {
		return nil, nil
	}
	const windowDays = 30
	since := o.now().UTC().AddDate(0, 0, -windowDays)
	usage, err := o.db.GetModelUsage(ctx, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("cost: reading usage history: %w", err)
	}

	var recs []models.Recommendation
	for _, u := range usage {
		current, err := o.pricing.Lookup(u.Provider, u.Model)
		if err != nil {
			continue
		}
		currentPerReq := current.RequestCost(u.AvgPromptTok, u.AvgComplTok)
		if currentPerReq <= 0 {
			continue
		}

		// Candidates must stay close on quality; a cheaper model that
		// answers worse is not a saving.
		var best *pricing.ModelInfo
		var bestPerReq float64
		for _, cand := range o.pricing.Models() {
			if cand.Provider == current.Provider && cand.Model == current.Model {
				continue
			}
			if cand.QualityScore < current.QualityScore-0.15 {
				continue
			}
			perReq := cand.RequestCost(u.AvgPromptTok, u.AvgComplTok)
			if perReq >= currentPerReq {
				continue
			}
			if best == nil || perReq < bestPerReq {
				c := cand
				best = &c
				bestPerReq = perReq
			}
		}
		if best == nil {
			continue
		}

		savingsPerReq := currentPerReq - bestPerReq
		monthly := savingsPerReq * float64(u.Requests)
		difficulty := "moderate"
		if best.Provider == current.Provider {
			difficulty = "easy"
		}
		rec := models.Recommendation{
			ID:                fmt.Sprintf("switch-%s-%s-%s", orgID, current.Provider, current.Model),
			OrganizationID:    orgID,
			CurrentProvider:   current.Provider,
			CurrentModel:      current.Model,
			SuggestedProvider: best.Provider,
			SuggestedModel:    best.Model,
			SavingsPct:        savingsPerReq / currentPerReq * 100,
			Difficulty:        difficulty,
			CreatedAt:         o.now().UTC(),
		}
		rec.EstimatedMonthlySavingsUSD = monthly
		rec.Reason = fmt.Sprintf(
			"%d requests averaged %.0f prompt and %.0f completion tokens on %s; %s delivers comparable quality at $%.6f/request instead of $%.6f.",
			u.Requests, u.AvgPromptTok, u.AvgComplTok, current.Model, best.Model, bestPerReq, currentPerReq,
		)
		recs = append(recs, rec)
	}
	return recs, nil
}

// evaluateBudgets raises warning and exceeded alerts for any period whose
// budget thresholds the current spend has crossed.
func (o *Optimizer) evaluateBudgets(ctx context.Context, orgID string) {
	for _, p := range models.AllPeriods {
		b, err := o.GetBudget(ctx, orgID, p)
		if err != nil || b == nil {
			continue
		}
		spend := o.floatCounter(ctx, bucketKey(orgID, p, periodStart(p, o.now()), "cost"))
		pct := spend / b.LimitUSD * 100

		switch {
		case pct >= b.AlertThresholdPct:
			msg := fmt.Sprintf("%s budget exceeded: $%.4f of $%.2f (%.0f%%)", p, spend, b.LimitUSD, pct)
			o.raiseAlert(ctx, orgID, p, models.AlertBudgetExceeded, models.SeverityCritical, msg, spend, b.LimitUSD)
		case pct >= b.WarningThresholdPct:
			msg := fmt.Sprintf("%s budget warning: $%.4f of $%.2f (%.0f%%)", p, spend, b.LimitUSD, pct)
			o.raiseAlert(ctx, orgID, p, models.AlertBudgetWarning, models.SeverityMedium, msg, spend, b.LimitUSD)
		}
	}
}

func (o *Optimizer) raiseAlert(ctx context.Context, orgID string, p models.Period, typ models.AlertType, sev models.AlertSeverity, msg string, spend, limit float64) {
	fresh, err := o.store.SetNX(ctx, cooldownKey(orgID, p, typ), "1", o.opts.AlertCooldown)
	if err != nil || !fresh {
		return
	}
	alert := models.BudgetAlert{
		ID:             uuid.New().String(),
		OrganizationID: orgID,
		Type:           typ,
		Severity:       sev,
		Message:        msg,
		CurrentSpend:   spend,
		LimitUSD:       limit,
		CreatedAt:      o.now().UTC(),
	}
	data, err := json.Marshal(&alert)
	if err != nil {
		return
	}
	if err := o.store.Set(ctx, alertKey(orgID, alert.ID), string(data), o.opts.AlertRetention); err != nil {
		return
	}
	_ = o.store.SAdd(ctx, alertIndexKey(orgID), alert.ID)
}

func (o *Optimizer) floatCounter(ctx context.Context, key string) float64 {
	val, ok, err := o.store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0
	}
	return f
}

func (o *Optimizer) intCounter(ctx context.Context, key string) int64 {
	val, ok, err := o.store.Get(ctx, key)
	if err != nil || !ok {
		return 0
	}
	n, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0
	}
	return n
}
