package database

import (
	"context"
	"fmt"
	"time"

	"github.com/verdantops/conduit/pkg/models"
)

// InsertCostRecord archives one completed request. Conflicts on request_id
// are ignored so replayed completions stay idempotent.
func (db *DB) InsertCostRecord(ctx context.Context, rec *models.CostRecord) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO cost_records (
			request_id, org_id, provider, model,
			prompt_tokens, completion_tokens, total_tokens,
			cost_usd, latency_ms, cached, success, timestamp
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (request_id) DO NOTHING
	`, rec.RequestID, rec.OrganizationID, rec.Provider, rec.Model,
		rec.PromptTokens, rec.CompletionTokens, rec.TotalTokens,
		rec.CostUSD, rec.LatencyMs, rec.Cached, rec.Success, rec.Timestamp)
	if err != nil {
		return fmt.Errorf("inserting cost record: %w", err)
	}
	return nil
}

// ModelUsage aggregates an organization's spend on one provider/model pair
// over a window. Recommendations are derived from these rows.
type ModelUsage struct {
	Provider     models.LLMProvider
	Model        string
	Requests     int64
	TotalCostUSD float64
	AvgPromptTok float64
	AvgComplTok  float64
	AvgLatencyMs float64
}

// GetModelUsage returns per-model usage for an organization since the given
// time, most expensive first. Cached responses are excluded since they cost
// nothing to serve.
func (db *DB) GetModelUsage(ctx context.Context, orgID string, since time.Time) ([]ModelUsage, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT
			provider,
			model,
			COUNT(*) AS requests,
			COALESCE(SUM(cost_usd), 0) AS total_cost_usd,
			COALESCE(AVG(prompt_tokens), 0) AS avg_prompt_tokens,
			COALESCE(AVG(completion_tokens), 0) AS avg_completion_tokens,
			COALESCE(AVG(latency_ms), 0) AS avg_latency_ms
		FROM cost_records
		WHERE org_id = $1 AND timestamp >= $2 AND cached = FALSE AND success = TRUE
		GROUP BY provider, model
		ORDER BY total_cost_usd DESC
	`, orgID, since)
	if err != nil {
		return nil, fmt.Errorf("querying model usage: %w", err)
	}
	defer rows.Close()

	var results []ModelUsage
	for rows.Next() {
		var u ModelUsage
		if err := rows.Scan(
			&u.Provider, &u.Model, &u.Requests, &u.TotalCostUSD,
			&u.AvgPromptTok, &u.AvgComplTok, &u.AvgLatencyMs,
		); err != nil {
			return nil, fmt.Errorf("scanning model usage: %w", err)
		}
		results = append(results, u)
	}
	return results, rows.Err()
}

// GetRecentCostRecords returns the most recent N records for an organization.
func (db *DB) GetRecentCostRecords(ctx context.Context, orgID string, limit int) ([]models.CostRecord, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT request_id, org_id, provider, model,
		       prompt_tokens, completion_tokens, total_tokens,
		       cost_usd, latency_ms, cached, success, timestamp
		FROM cost_records WHERE org_id = $1 ORDER BY timestamp DESC LIMIT $2
	`, orgID, limit)
	if err != nil {
		return nil, fmt.Errorf("querying recent cost records: %w", err)
	}
	defer rows.Close()

	var results []models.CostRecord
	for rows.Next() {
		var r models.CostRecord
		if err := rows.Scan(
			&r.RequestID, &r.OrganizationID, &r.Provider, &r.Model,
			&r.PromptTokens, &r.CompletionTokens, &r.TotalTokens,
			&r.CostUSD, &r.LatencyMs, &r.Cached, &r.Success, &r.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scanning cost record: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// UpsertBudget persists a budget definition for durability; the live copy
// consulted on the hot path lives in the key-value store.
func (db *DB) UpsertBudget(ctx context.Context, b *models.Budget) error {
	_, err := db.Pool.Exec(ctx, `
		INSERT INTO budgets (id, org_id, period, limit_usd, warning_pct, alert_pct, rollover, hard_block)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (org_id, period) DO UPDATE
		SET limit_usd = EXCLUDED.limit_usd,
		    warning_pct = EXCLUDED.warning_pct,
		    alert_pct = EXCLUDED.alert_pct,
		    rollover = EXCLUDED.rollover,
		    hard_block = EXCLUDED.hard_block,
		    updated_at = NOW()
	`, b.ID, b.OrganizationID, string(b.Period), b.LimitUSD,
		b.WarningThresholdPct, b.AlertThresholdPct, b.RolloverUnused, b.HardBlock)
	return err
}

// ListBudgets returns all budgets for an organization.
func (db *DB) ListBudgets(ctx context.Context, orgID string) ([]models.Budget, error) {
	rows, err := db.Pool.Query(ctx, `
		SELECT id, org_id, period, limit_usd, warning_pct, alert_pct, rollover, hard_block, created_at, updated_at
		FROM budgets WHERE org_id = $1 ORDER BY period
	`, orgID)
	if err != nil {
		return nil, fmt.Errorf("querying budgets: %w", err)
	}
	defer rows.Close()

	var results []models.Budget
	for rows.Next() {
		var b models.Budget
		if err := rows.Scan(
			&b.ID, &b.OrganizationID, &b.Period, &b.LimitUSD,
			&b.WarningThresholdPct, &b.AlertThresholdPct,
			&b.RolloverUnused, &b.HardBlock, &b.CreatedAt, &b.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning budget: %w", err)
		}
		results = append(results, b)
	}
	return results, rows.Err()
}
