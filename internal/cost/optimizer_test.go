package cost

import (
	"context"
	"testing"
	"time"

	"github.com/verdantops/conduit/pkg/kv"
	"github.com/verdantops/conduit/pkg/models"
)

func newTestOptimizer() *Optimizer {
	o := New(kv.NewMemoryStore(), nil, nil, DefaultOptions())
	// Pin the clock so every operation lands in the same buckets.
	fixed := time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC)
	o.now = func() time.Time { return fixed }
	return o
}

func record(id string, costUSD float64, cached bool) *models.CostRecord {
	return &models.CostRecord{
		RequestID:        id,
		OrganizationID:   "org-a",
		Provider:         models.ProviderOpenAI,
		Model:            "gpt-4o",
		PromptTokens:     1000,
		CompletionTokens: 500,
		TotalTokens:      1500,
		CostUSD:          costUSD,
		Cached:           cached,
		Success:          true,
	}
}

func TestTrackRequest_Idempotent(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	rec := record("req-1", 0.25, false)
	if err := o.TrackRequest(ctx, rec); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	if err := o.TrackRequest(ctx, rec); err != nil {
		t.Fatalf("TrackRequest replay: %v", err)
	}

	ms, err := o.GetCostMetrics(ctx, "org-a", models.PeriodHourly, 1)
	if err != nil {
		t.Fatalf("GetCostMetrics: %v", err)
	}
	m := ms[0]
	if m.TotalRequests != 1 {
		t.Errorf("requests = %d, want 1 after replay", m.TotalRequests)
	}
	if m.TotalCost != 0.25 {
		t.Errorf("cost = %v, want 0.25", m.TotalCost)
	}
}

func TestTrackRequest_AggregatesEveryPeriod(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	if err := o.TrackRequest(ctx, record("req-1", 0.10, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	if err := o.TrackRequest(ctx, record("req-2", 0.30, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}

	for _, p := range models.AllPeriods {
		ms, err := o.GetCostMetrics(ctx, "org-a", p, 1)
		if err != nil {
			t.Fatalf("GetCostMetrics(%s): %v", p, err)
		}
		m := ms[0]
		if m.TotalRequests != 2 {
			t.Errorf("%s requests = %d, want 2", p, m.TotalRequests)
		}
		if diff := m.TotalCost - 0.40; diff > 1e-9 || diff < -1e-9 {
			t.Errorf("%s cost = %v, want 0.40", p, m.TotalCost)
		}
		if m.TotalTokens != 3000 {
			t.Errorf("%s tokens = %d, want 3000", p, m.TotalTokens)
		}
	}
}

func TestGetCostMetrics_CacheHitRate(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	if err := o.TrackRequest(ctx, record("req-1", 0.20, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	cached := record("req-2", 0, true)
	if err := o.TrackRequest(ctx, cached); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}

	ms, err := o.GetCostMetrics(ctx, "org-a", models.PeriodDaily, 1)
	if err != nil {
		t.Fatalf("GetCostMetrics: %v", err)
	}
	m := ms[0]
	if m.CacheHitRate != 0.5 {
		t.Errorf("cache hit rate = %v, want 0.5", m.CacheHitRate)
	}
	if m.CostPerRequest != 0.10 {
		t.Errorf("cost per request = %v, want 0.10", m.CostPerRequest)
	}
}

func TestGetCostMetrics_WalksBackPriorBuckets(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	clock := time.Date(2026, 3, 11, 14, 30, 0, 0, time.UTC)
	o.now = func() time.Time { return clock }

	if err := o.TrackRequest(ctx, record("req-1", 0.25, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	clock = clock.Add(time.Hour)
	if err := o.TrackRequest(ctx, record("req-2", 0.30, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}

	ms, err := o.GetCostMetrics(ctx, "org-a", models.PeriodHourly, 3)
	if err != nil {
		t.Fatalf("GetCostMetrics: %v", err)
	}
	if len(ms) != 3 {
		t.Fatalf("buckets = %d, want 3", len(ms))
	}
	// Newest first: the current hour, then the prior hour, then an empty one.
	if ms[0].TotalCost != 0.30 || ms[0].TotalRequests != 1 {
		t.Errorf("current bucket = $%v / %d requests, want $0.30 / 1", ms[0].TotalCost, ms[0].TotalRequests)
	}
	if ms[1].TotalCost != 0.25 || ms[1].TotalRequests != 1 {
		t.Errorf("prior bucket = $%v / %d requests, want $0.25 / 1", ms[1].TotalCost, ms[1].TotalRequests)
	}
	if ms[2].TotalRequests != 0 {
		t.Errorf("empty bucket reports %d requests, want 0", ms[2].TotalRequests)
	}
	if !ms[1].PeriodStart.Before(ms[0].PeriodStart) {
		t.Error("bucket starts should descend")
	}

	if _, err := o.GetCostMetrics(ctx, "org-a", "fortnightly", 1); err == nil {
		t.Error("expected error for invalid period")
	}
}

func TestSetBudget_Validation(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	if err := o.SetBudget(ctx, &models.Budget{Period: models.PeriodDaily, LimitUSD: 5}); err == nil {
		t.Error("expected error for missing organization")
	}
	if err := o.SetBudget(ctx, &models.Budget{OrganizationID: "org-a", Period: "fortnightly", LimitUSD: 5}); err == nil {
		t.Error("expected error for invalid period")
	}
	if err := o.SetBudget(ctx, &models.Budget{OrganizationID: "org-a", Period: models.PeriodDaily, LimitUSD: 0}); err == nil {
		t.Error("expected error for non-positive limit")
	}

	b := &models.Budget{OrganizationID: "org-a", Period: models.PeriodDaily, LimitUSD: 5}
	if err := o.SetBudget(ctx, b); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}
	if b.ID == "" {
		t.Error("budget id should be assigned")
	}
	if b.WarningThresholdPct != 80 || b.AlertThresholdPct != 100 {
		t.Errorf("thresholds = %v/%v, want defaults 80/100", b.WarningThresholdPct, b.AlertThresholdPct)
	}

	got, err := o.GetBudget(ctx, "org-a", models.PeriodDaily)
	if err != nil {
		t.Fatalf("GetBudget: %v", err)
	}
	if got == nil || got.LimitUSD != 5 {
		t.Fatalf("stored budget = %+v, want limit 5", got)
	}
}

func TestBudgetAlerts_WarningAndExceeded(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	budget := &models.Budget{
		OrganizationID:      "org-a",
		Period:              models.PeriodDaily,
		LimitUSD:            1.0,
		WarningThresholdPct: 80,
		AlertThresholdPct:   100,
	}
	if err := o.SetBudget(ctx, budget); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	if err := o.TrackRequest(ctx, record("req-1", 0.85, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	alerts, err := o.GetAlerts(ctx, "org-a", false)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Fatalf("alerts = %d, want 1 warning", len(alerts))
	}
	if alerts[0].Type != models.AlertBudgetWarning || alerts[0].Severity != models.SeverityMedium {
		t.Errorf("alert = %s/%s, want budget_warning/medium", alerts[0].Type, alerts[0].Severity)
	}

	// Advance the clock within the same bucket so alert ordering is stable.
	later := o.now().Add(time.Minute)
	o.now = func() time.Time { return later }
	if err := o.TrackRequest(ctx, record("req-2", 0.30, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	alerts, err = o.GetAlerts(ctx, "org-a", false)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 2 {
		t.Fatalf("alerts = %d, want warning plus exceeded", len(alerts))
	}
	// Newest first.
	if alerts[0].Type != models.AlertBudgetExceeded || alerts[0].Severity != models.SeverityCritical {
		t.Errorf("alert = %s/%s, want budget_exceeded/critical", alerts[0].Type, alerts[0].Severity)
	}
}

func TestBudgetAlerts_CooldownSuppressesDuplicates(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	if err := o.SetBudget(ctx, &models.Budget{
		OrganizationID: "org-a", Period: models.PeriodDaily, LimitUSD: 1.0,
	}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}

	if err := o.TrackRequest(ctx, record("req-1", 1.5, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	if err := o.TrackRequest(ctx, record("req-2", 0.5, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}

	alerts, err := o.GetAlerts(ctx, "org-a", false)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 1 {
		t.Errorf("alerts = %d, want 1 inside the cooldown window", len(alerts))
	}
}

func TestAcknowledgeAlert(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	if err := o.SetBudget(ctx, &models.Budget{
		OrganizationID: "org-a", Period: models.PeriodDaily, LimitUSD: 1.0,
	}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}
	if err := o.TrackRequest(ctx, record("req-1", 2.0, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}

	alerts, err := o.GetAlerts(ctx, "org-a", false)
	if err != nil || len(alerts) != 1 {
		t.Fatalf("GetAlerts = %d alerts, err %v; want 1", len(alerts), err)
	}
	if err := o.AcknowledgeAlert(ctx, "org-a", alerts[0].ID); err != nil {
		t.Fatalf("AcknowledgeAlert: %v", err)
	}

	alerts, err = o.GetAlerts(ctx, "org-a", false)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 0 {
		t.Errorf("unacked alerts = %d, want 0", len(alerts))
	}
	alerts, err = o.GetAlerts(ctx, "org-a", true)
	if err != nil {
		t.Fatalf("GetAlerts: %v", err)
	}
	if len(alerts) != 1 || !alerts[0].Acknowledged {
		t.Error("acknowledged alert should remain queryable with includeAcked")
	}
}

func TestCheckAdmission_HardBlock(t *testing.T) {
	ctx := context.Background()
	o := newTestOptimizer()

	// Alert-only budget never blocks, even over the limit.
	if err := o.SetBudget(ctx, &models.Budget{
		OrganizationID: "org-a", Period: models.PeriodDaily, LimitUSD: 1.0,
	}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}
	if err := o.TrackRequest(ctx, record("req-1", 2.0, false)); err != nil {
		t.Fatalf("TrackRequest: %v", err)
	}
	allowed, _, err := o.CheckAdmission(ctx, "org-a")
	if err != nil {
		t.Fatalf("CheckAdmission: %v", err)
	}
	if !allowed {
		t.Fatal("alert-only budget must not block admission")
	}

	if err := o.SetBudget(ctx, &models.Budget{
		OrganizationID: "org-a", Period: models.PeriodDaily, LimitUSD: 1.0, HardBlock: true,
	}); err != nil {
		t.Fatalf("SetBudget: %v", err)
	}
	allowed, reason, err := o.CheckAdmission(ctx, "org-a")
	if err != nil {
		t.Fatalf("CheckAdmission: %v", err)
	}
	if allowed {
		t.Fatal("hard-block budget over its limit must block admission")
	}
	if reason == "" {
		t.Error("blocked admission should carry a reason")
	}

	// Other organizations are unaffected.
	allowed, _, err = o.CheckAdmission(ctx, "org-b")
	if err != nil {
		t.Fatalf("CheckAdmission: %v", err)
	}
	if !allowed {
		t.Error("org-b has no budget and must be admitted")
	}
}

func TestGetRecommendations_NilDatabase(t *testing.T) {
	o := newTestOptimizer()
	recs, err := o.GetRecommendations(context.Background(), "org-a")
	if err != nil {
		t.Fatalf("GetRecommendations: %v", err)
	}
	if recs != nil {
		t.Errorf("expected no recommendations without a database, got %d", len(recs))
	}
}

func TestPeriodStart(t *testing.T) {
	// Wednesday 2026-03-11 14:30 UTC.
	at := time.Date(2026, 3, 11, 14, 30, 45, 0, time.UTC)

	cases := []struct {
		period models.Period
		want   time.Time
	}{
		{models.PeriodHourly, time.Date(2026, 3, 11, 14, 0, 0, 0, time.UTC)},
		{models.PeriodDaily, time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)},
		{models.PeriodWeekly, time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC)}, // Monday
		{models.PeriodMonthly, time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)},
	}
	for _, tc := range cases {
		if got := periodStart(tc.period, at); !got.Equal(tc.want) {
			t.Errorf("periodStart(%s) = %v, want %v", tc.period, got, tc.want)
		}
	}
}
