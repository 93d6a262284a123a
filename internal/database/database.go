// Package database manages PostgreSQL connections for the durable cost
// archive. Redis holds the live aggregation buckets; Postgres keeps the
// per-request history that recommendations are computed from.
package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool and provides query methods.
type DB struct {
	Pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}

	config.MaxConns = 20
	config.MinConns = 2
	config.MaxConnLifetime = 30 * time.Minute
	config.MaxConnIdleTime = 5 * time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	return &DB{Pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.Pool.Close()
}

// Migrate runs database schema migrations.
// An advisory lock prevents concurrent replicas from racing on DDL statements.
func (db *DB) Migrate(ctx context.Context) error {
	// Acquire a dedicated connection for the advisory lock.
	conn, err := db.Pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring connection for migration: %w", err)
	}
	defer conn.Release()

	// Application-specific lock ID to avoid collisions with other apps on
	// the same PostgreSQL instance.
	const migrationLockID int64 = 0x434E_4401 // "CND" prefix + 01
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock($1)", migrationLockID); err != nil {
		return fmt.Errorf("acquiring migration lock: %w", err)
	}
	defer conn.Exec(ctx, "SELECT pg_advisory_unlock($1)", migrationLockID)

	schema := `
	CREATE TABLE IF NOT EXISTS cost_records (
		request_id        TEXT PRIMARY KEY,
		org_id            TEXT NOT NULL,
		provider          TEXT NOT NULL,
		model             TEXT NOT NULL,
		prompt_tokens     BIGINT NOT NULL DEFAULT 0,
		completion_tokens BIGINT NOT NULL DEFAULT 0,
		total_tokens      BIGINT NOT NULL DEFAULT 0,
		cost_usd          DOUBLE PRECISION NOT NULL DEFAULT 0,
		latency_ms        BIGINT NOT NULL DEFAULT 0,
		cached            BOOLEAN NOT NULL DEFAULT FALSE,
		success           BOOLEAN NOT NULL DEFAULT TRUE,
		timestamp         TIMESTAMPTZ NOT NULL DEFAULT NOW()
	);

	CREATE TABLE IF NOT EXISTS budgets (
		id            TEXT PRIMARY KEY,
		org_id        TEXT NOT NULL,
		period        TEXT NOT NULL,
		limit_usd     DOUBLE PRECISION NOT NULL,
		warning_pct   DOUBLE PRECISION NOT NULL DEFAULT 80,
		alert_pct     DOUBLE PRECISION NOT NULL DEFAULT 100,
		rollover      BOOLEAN NOT NULL DEFAULT FALSE,
		hard_block    BOOLEAN NOT NULL DEFAULT FALSE,
		created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		UNIQUE (org_id, period)
	);

	CREATE INDEX IF NOT EXISTS idx_cost_records_org_id ON cost_records(org_id);
	CREATE INDEX IF NOT EXISTS idx_cost_records_timestamp ON cost_records(timestamp);
	CREATE INDEX IF NOT EXISTS idx_cost_records_provider ON cost_records(provider);
	CREATE INDEX IF NOT EXISTS idx_cost_records_model ON cost_records(model);
	`

	_, err = conn.Exec(ctx, schema)
	if err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	return nil
}
