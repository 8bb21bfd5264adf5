package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"mm-control-plane/internal/news"
	"mm-control-plane/internal/orchestrator"
	"mm-control-plane/internal/prediction"
)

// Repository provides data access for the control plane.
type Repository struct {
	db *DB
}

func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// ============================================================================
// PREDICTION STATES
// ============================================================================

// GetPredictionState loads the latest state for a unique key. A missing
// row returns (nil, nil).
func (r *Repository) GetPredictionState(ctx context.Context, uniqueKey string) (*prediction.State, error) {
	query := `
		SELECT unique_key, signal, confidence, expected_move_pct, tags, key_drivers,
		       explanation, feature_snapshot, model_version, ts_updated,
		       last_ai_explained_at, unstable, flip_times_ms
		FROM prediction_states
		WHERE unique_key = $1
	`
	var (
		state        prediction.State
		tags         []byte
		keyDrivers   []byte
		snapshot     []byte
		flipTimes    []byte
		explanation  *string
		modelVersion *string
	)
	err := r.db.Pool.QueryRow(ctx, query, uniqueKey).Scan(
		&state.UniqueKey, &state.Signal, &state.Confidence, &state.ExpectedMovePct,
		&tags, &keyDrivers, &explanation, &snapshot, &modelVersion,
		&state.TsUpdated, &state.LastAiExplainedAt, &state.Unstable, &flipTimes,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prediction state: %w", err)
	}

	if explanation != nil {
		state.Explanation = *explanation
	}
	if modelVersion != nil {
		state.ModelVersion = *modelVersion
	}
	for _, pair := range []struct {
		raw  []byte
		dest any
	}{
		{tags, &state.Tags},
		{keyDrivers, &state.KeyDrivers},
		{snapshot, &state.FeatureSnapshot},
		{flipTimes, &state.FlipTimesMs},
	} {
		if len(pair.raw) == 0 {
			continue
		}
		if err := json.Unmarshal(pair.raw, pair.dest); err != nil {
			return nil, fmt.Errorf("decode prediction state %s: %w", uniqueKey, err)
		}
	}
	return &state, nil
}

// UpsertPredictionState writes the state keyed by unique_key and
// returns the row id.
func (r *Repository) UpsertPredictionState(ctx context.Context, state *prediction.State) (int64, error) {
	tags, err := json.Marshal(state.Tags)
	if err != nil {
		return 0, fmt.Errorf("encode tags: %w", err)
	}
	keyDrivers, err := json.Marshal(state.KeyDrivers)
	if err != nil {
		return 0, fmt.Errorf("encode key drivers: %w", err)
	}
	snapshot, err := json.Marshal(state.FeatureSnapshot)
	if err != nil {
		return 0, fmt.Errorf("encode feature snapshot: %w", err)
	}
	flipTimes, err := json.Marshal(state.FlipTimesMs)
	if err != nil {
		return 0, fmt.Errorf("encode flip times: %w", err)
	}

	query := `
		INSERT INTO prediction_states (
			unique_key, signal, confidence, expected_move_pct, tags, key_drivers,
			explanation, feature_snapshot, model_version, ts_updated,
			last_ai_explained_at, unstable, flip_times_ms
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (unique_key) DO UPDATE SET
			signal = EXCLUDED.signal,
			confidence = EXCLUDED.confidence,
			expected_move_pct = EXCLUDED.expected_move_pct,
			tags = EXCLUDED.tags,
			key_drivers = EXCLUDED.key_drivers,
			explanation = EXCLUDED.explanation,
			feature_snapshot = EXCLUDED.feature_snapshot,
			model_version = EXCLUDED.model_version,
			ts_updated = EXCLUDED.ts_updated,
			last_ai_explained_at = EXCLUDED.last_ai_explained_at,
			unstable = EXCLUDED.unstable,
			flip_times_ms = EXCLUDED.flip_times_ms
		RETURNING id
	`
	var id int64
	err = r.db.Pool.QueryRow(ctx, query,
		state.UniqueKey, state.Signal, state.Confidence, state.ExpectedMovePct,
		tags, keyDrivers, state.Explanation, snapshot, state.ModelVersion,
		state.TsUpdated, state.LastAiExplainedAt, state.Unstable, flipTimes,
	).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("upsert prediction state: %w", err)
	}
	return id, nil
}

// ============================================================================
// BOTS
// ============================================================================

// Bot is one configured market-making bot.
type Bot struct {
	ID         string          `json:"id"`
	UserID     string          `json:"userId"`
	Exchange   string          `json:"exchange"`
	Symbol     string          `json:"symbol"`
	StrategyID string          `json:"strategyId,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// CreateBot registers a bot row.
func (r *Repository) CreateBot(ctx context.Context, bot *Bot) error {
	query := `
		INSERT INTO bots (id, user_id, exchange, symbol, strategy_id, config)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`
	return r.db.Pool.QueryRow(ctx, query,
		bot.ID, bot.UserID, bot.Exchange, bot.Symbol, bot.StrategyID, bot.Config,
	).Scan(&bot.CreatedAt)
}

// GetBot loads one bot; a missing row returns (nil, nil).
func (r *Repository) GetBot(ctx context.Context, botID string) (*Bot, error) {
	query := `
		SELECT id, user_id, exchange, symbol, strategy_id, config, created_at
		FROM bots WHERE id = $1
	`
	var (
		bot        Bot
		strategyID *string
	)
	err := r.db.Pool.QueryRow(ctx, query, botID).Scan(
		&bot.ID, &bot.UserID, &bot.Exchange, &bot.Symbol, &strategyID, &bot.Config, &bot.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot: %w", err)
	}
	if strategyID != nil {
		bot.StrategyID = *strategyID
	}
	return &bot, nil
}

// ListBotsByUser returns the user's bots, newest first.
func (r *Repository) ListBotsByUser(ctx context.Context, userID string) ([]Bot, error) {
	query := `
		SELECT id, user_id, exchange, symbol, strategy_id, config, created_at
		FROM bots WHERE user_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.db.Pool.Query(ctx, query, userID)
	if err != nil {
		return nil, fmt.Errorf("list bots: %w", err)
	}
	defer rows.Close()

	var bots []Bot
	for rows.Next() {
		var (
			bot        Bot
			strategyID *string
		)
		if err := rows.Scan(&bot.ID, &bot.UserID, &bot.Exchange, &bot.Symbol, &strategyID, &bot.Config, &bot.CreatedAt); err != nil {
			return nil, err
		}
		if strategyID != nil {
			bot.StrategyID = *strategyID
		}
		bots = append(bots, bot)
	}
	return bots, rows.Err()
}

// ============================================================================
// BOT RUNTIMES
// ============================================================================

// GetBotRuntime loads the runtime row; missing rows return (nil, nil)
// so the orchestrator defaults to STOPPED.
func (r *Repository) GetBotRuntime(ctx context.Context, botID string) (*orchestrator.BotRuntime, error) {
	query := `SELECT bot_id, status, COALESCE(reason, ''), updated_at FROM bot_runtimes WHERE bot_id = $1`
	var rt orchestrator.BotRuntime
	err := r.db.Pool.QueryRow(ctx, query, botID).Scan(&rt.BotID, &rt.Status, &rt.Reason, &rt.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get bot runtime: %w", err)
	}
	return &rt, nil
}

// UpsertBotRuntime writes the single runtime row per bot.
func (r *Repository) UpsertBotRuntime(ctx context.Context, rt *orchestrator.BotRuntime) error {
	query := `
		INSERT INTO bot_runtimes (bot_id, status, reason, updated_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (bot_id) DO UPDATE SET
			status = EXCLUDED.status,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at
	`
	_, err := r.db.Pool.Exec(ctx, query, rt.BotID, rt.Status, rt.Reason, rt.UpdatedAt)
	if err != nil {
		return fmt.Errorf("upsert bot runtime: %w", err)
	}
	return nil
}

// CountBots returns the user's total bots and how many are RUNNING.
func (r *Repository) CountBots(ctx context.Context, userID string) (int, int, error) {
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE rt.status = 'RUNNING')
		FROM bots b
		LEFT JOIN bot_runtimes rt ON rt.bot_id = b.id
		WHERE b.user_id = $1
	`
	var total, running int
	if err := r.db.Pool.QueryRow(ctx, query, userID).Scan(&total, &running); err != nil {
		return 0, 0, fmt.Errorf("count bots: %w", err)
	}
	return total, running, nil
}

// ============================================================================
// ECONOMIC EVENTS
// ============================================================================

// UpsertEconomicEvents writes calendar events keyed by (source,
// source_id) in one batch.
func (r *Repository) UpsertEconomicEvents(ctx context.Context, events []news.EconomicEvent) error {
	if len(events) == 0 {
		return nil
	}
	query := `
		INSERT INTO economic_events (source, source_id, ts, currency, country, title, impact, forecast, previous, actual)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (source, source_id) DO UPDATE SET
			ts = EXCLUDED.ts,
			currency = EXCLUDED.currency,
			country = EXCLUDED.country,
			title = EXCLUDED.title,
			impact = EXCLUDED.impact,
			forecast = EXCLUDED.forecast,
			previous = EXCLUDED.previous,
			actual = EXCLUDED.actual
	`
	batch := &pgx.Batch{}
	for _, ev := range events {
		batch.Queue(query,
			ev.Source, ev.SourceID, ev.Ts, ev.Currency, ev.Country,
			ev.Title, ev.Impact, ev.Forecast, ev.Previous, ev.Actual,
		)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range events {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("upsert economic events: %w", err)
		}
	}
	return nil
}

// ListEconomicEvents returns events for one currency inside [from, to),
// ascending by time.
func (r *Repository) ListEconomicEvents(ctx context.Context, currency string, from, to time.Time) ([]news.EconomicEvent, error) {
	query := `
		SELECT source, source_id, ts, currency, COALESCE(country, ''), title, impact,
		       COALESCE(forecast, ''), COALESCE(previous, ''), COALESCE(actual, '')
		FROM economic_events
		WHERE currency = $1 AND ts >= $2 AND ts < $3
		ORDER BY ts ASC
	`
	rows, err := r.db.Pool.Query(ctx, query, currency, from, to)
	if err != nil {
		return nil, fmt.Errorf("list economic events: %w", err)
	}
	defer rows.Close()

	var events []news.EconomicEvent
	for rows.Next() {
		var ev news.EconomicEvent
		if err := rows.Scan(&ev.Source, &ev.SourceID, &ev.Ts, &ev.Currency, &ev.Country,
			&ev.Title, &ev.Impact, &ev.Forecast, &ev.Previous, &ev.Actual); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}
