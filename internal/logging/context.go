package logging

import (
	"context"

	"github.com/rs/zerolog"
)

// NewContext returns a context carrying the logger.
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// FromContext returns the logger carried by ctx, falling back to the
// default root when none was attached.
func FromContext(ctx context.Context) zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return Default()
	}
	return *l
}

// PredictionContext derives the signal-pipeline logger for one state
// change, so downstream sinks log with the prediction's identity.
func PredictionContext(uniqueKey, timeframe, signal string, confidence float64) zerolog.Logger {
	return Default().With().
		Str("component", "prediction").
		Str("unique_key", uniqueKey).
		Str("timeframe", timeframe).
		Str("signal", signal).
		Float64("confidence", confidence).
		Logger()
}

// BotContext derives the per-bot runtime logger.
func BotContext(botID, exchange, symbol string) zerolog.Logger {
	return Default().With().
		Str("component", "bot").
		Str("bot_id", botID).
		Str("exchange", exchange).
		Str("symbol", symbol).
		Logger()
}
