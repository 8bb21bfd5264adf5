// Package store persists prediction states, bot runtimes and calendar
// events in PostgreSQL.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"mm-control-plane/config"
)

// DB wraps the PostgreSQL connection pool.
type DB struct {
	Pool *pgxpool.Pool
	log  zerolog.Logger
}

// NewDB opens the pool and verifies connectivity.
func NewDB(cfg config.DatabaseConfig, log zerolog.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = int32(cfg.MaxConns)
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	dbLog := log.With().Str("component", "store").Logger()
	dbLog.Info().Msg("connected to PostgreSQL")
	return &DB{Pool: pool, log: dbLog}, nil
}

// Close releases the pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		db.log.Info().Msg("database connection closed")
	}
}

// RunMigrations applies the schema idempotently.
func (db *DB) RunMigrations(ctx context.Context) error {
	db.log.Info().Msg("running database migrations")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS prediction_states (
			id BIGSERIAL PRIMARY KEY,
			unique_key TEXT NOT NULL UNIQUE,
			signal VARCHAR(10) NOT NULL,
			confidence DECIMAL(6, 2) NOT NULL DEFAULT 0,
			expected_move_pct DECIMAL(6, 2) NOT NULL DEFAULT 0,
			tags JSONB,
			key_drivers JSONB,
			explanation TEXT,
			feature_snapshot JSONB,
			model_version VARCHAR(100),
			ts_updated TIMESTAMPTZ NOT NULL,
			last_ai_explained_at TIMESTAMPTZ,
			unstable BOOLEAN NOT NULL DEFAULT FALSE,
			flip_times_ms JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_prediction_states_ts_updated ON prediction_states(ts_updated)`,

		`CREATE TABLE IF NOT EXISTS bots (
			id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			exchange VARCHAR(20) NOT NULL,
			symbol VARCHAR(30) NOT NULL,
			strategy_id VARCHAR(100),
			config JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bots_user_id ON bots(user_id)`,

		`CREATE TABLE IF NOT EXISTS bot_runtimes (
			bot_id TEXT PRIMARY KEY,
			status VARCHAR(10) NOT NULL,
			reason TEXT,
			updated_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bot_runtimes_status ON bot_runtimes(status)`,

		`CREATE TABLE IF NOT EXISTS economic_events (
			source VARCHAR(30) NOT NULL,
			source_id TEXT NOT NULL,
			ts TIMESTAMPTZ NOT NULL,
			currency VARCHAR(10) NOT NULL,
			country VARCHAR(50),
			title TEXT NOT NULL,
			impact VARCHAR(10) NOT NULL,
			forecast TEXT,
			previous TEXT,
			actual TEXT,
			PRIMARY KEY (source, source_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_economic_events_currency_ts ON economic_events(currency, ts)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d: %w", i+1, err)
		}
	}
	db.log.Info().Int("statements", len(migrations)).Msg("migrations complete")
	return nil
}
