// Package metrics exposes Prometheus instrumentation for the control plane.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// ExchangeRequests counts gateway requests by venue and outcome
	// (ok, retried, rate_limited, auth, error).
	ExchangeRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmcp_exchange_requests_total",
		Help: "Exchange REST requests by venue and outcome",
	}, []string{"venue", "outcome"})

	// ExchangeRequestSeconds observes request latency per venue.
	ExchangeRequestSeconds = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "mmcp_exchange_request_seconds",
		Help:    "Exchange REST request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue"})

	// PredictionRefreshes counts refresh decisions by reason code.
	PredictionRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmcp_prediction_refreshes_total",
		Help: "Prediction refreshes by trigger reason",
	}, []string{"reason"})

	// AiGateDecisions counts AI quality-gate outcomes (allow, blocked).
	AiGateDecisions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmcp_ai_gate_decisions_total",
		Help: "AI quality gate decisions",
	}, []string{"decision"})

	// AiGuardResults counts cache/limiter outcomes in the AI guard
	// (hit, computed, rate_limited, fallback).
	AiGuardResults = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmcp_ai_guard_results_total",
		Help: "AI guard cache and limiter outcomes",
	}, []string{"result"})

	// BotTicks counts per-bot runner executions by result.
	BotTicks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "mmcp_bot_ticks_total",
		Help: "Bot runner ticks by result",
	}, []string{"result"})

	// QueueDepth tracks the number of queued bot jobs.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "mmcp_bot_queue_depth",
		Help: "Bot jobs currently queued",
	})
)

// Handler returns the /metrics HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
