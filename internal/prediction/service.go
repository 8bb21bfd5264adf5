package prediction

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/aiguard"
	"mm-control-plane/internal/logging"
	"mm-control-plane/internal/metrics"
	"mm-control-plane/internal/trigger"
)

// Event kinds the refresh service emits.
const (
	EventSignalFlip     = "signal_flip"
	EventConfidenceJump = "confidence_jump"
	EventTagsChanged    = "tags_changed"
	EventRegimeChange   = "regime_change"
)

// Store persists prediction rows.
type Store interface {
	GetPredictionState(ctx context.Context, uniqueKey string) (*State, error)
	UpsertPredictionState(ctx context.Context, state *State) (int64, error)
}

// Explainer produces an AI explanation of a prediction.
type Explainer interface {
	Explain(ctx context.Context, state State, prev *State) (*AiInsight, error)
	Tag() string
}

// EventSink receives prediction lifecycle events, typically the
// notification dispatcher.
type EventSink interface {
	Emit(ctx context.Context, ev Event)
}

// Throttle suppresses repeated events per (bot, timeframe, reason).
// The Redis-backed implementation uses SET NX with the throttle TTL.
type Throttle interface {
	Acquire(ctx context.Context, botID, timeframe, reasonCode string, ttl time.Duration) bool
}

// Event is one emitted prediction change.
type Event struct {
	Kind       string
	BotID      string
	Timeframe  string
	UniqueKey  string
	Signal     Signal
	Confidence float64
	Message    string
}

// Config tunes the refresh service.
type Config struct {
	BaseModelVersion string // e.g. "smc-v2"
	AiCooldown       time.Duration
	EventThrottle    time.Duration
	AiCacheTTLSec    int
	AiRatePerMin     int
	Trigger          trigger.Config
	Gate             GateConfig
}

func (c Config) withDefaults() Config {
	if c.BaseModelVersion == "" {
		c.BaseModelVersion = "smc-v2"
	}
	if c.AiCooldown <= 0 {
		c.AiCooldown = 300 * time.Second
	}
	if c.EventThrottle <= 0 {
		c.EventThrottle = 180 * time.Second
	}
	if c.AiCacheTTLSec <= 0 {
		c.AiCacheTTLSec = 300
	}
	if c.AiRatePerMin <= 0 {
		c.AiRatePerMin = 60
	}
	return c
}

// perKeyState is the in-process bookkeeping per unique key.
type perKeyState struct {
	triggerState trigger.DebounceState
	buckets      trigger.Buckets
	gateState    GateState
	budgetMisses int
}

// Service is the prediction refresh service. One instance per process,
// shared across bot runners.
type Service struct {
	store     Store
	explainer Explainer
	guard     *aiguard.Guard
	events    EventSink
	throttle  Throttle
	cfg       Config
	log       zerolog.Logger
	now       func() time.Time

	mu   sync.Mutex
	keys map[string]*perKeyState
}

// NewService wires the refresh service. The explainer and event sink
// may be nil; the service then works local-only and silent.
func NewService(store Store, explainer Explainer, guard *aiguard.Guard, events EventSink, throttle Throttle, cfg Config, log zerolog.Logger) *Service {
	return &Service{
		store:     store,
		explainer: explainer,
		guard:     guard,
		events:    events,
		throttle:  throttle,
		cfg:       cfg.withDefaults(),
		log:       log.With().Str("component", "prediction").Logger(),
		now:       time.Now,
		keys:      make(map[string]*perKeyState),
	}
}

// Input is one refresh evaluation for a (bot, timeframe).
type Input struct {
	BotID      string `json:"botId"`
	Exchange   string `json:"exchange"`
	AccountID  string `json:"accountId"`
	Symbol     string `json:"symbol"`
	MarketType string `json:"marketType"`
	Timeframe  string `json:"timeframe"`
	// Candidate carries the freshly computed signal, confidence, tags,
	// drivers, explanation and the frozen feature snapshot.
	Candidate State `json:"candidate"`
}

// Outcome reports what the tick did.
type Outcome struct {
	Refreshed       bool     `json:"refreshed"`
	Reasons         []string `json:"reasons,omitempty"`
	Persisted       bool     `json:"persisted"`
	Prediction      *State   `json:"prediction,omitempty"`
	SignalSource    string   `json:"signalSource,omitempty"` // local or ai
	Explanation     string   `json:"explanation,omitempty"`
	FeatureSnapshot Snapshot `json:"featureSnapshot,omitempty"`
	ModelVersion    string   `json:"modelVersion,omitempty"`
	RowID           int64    `json:"rowId,omitempty"`
}

// GenerateAndPersistPrediction runs one refresh evaluation end to end:
// trigger pass, significance, AI gating, persistence and events. A
// persistence failure still returns the in-memory result with
// Persisted=false.
func (s *Service) GenerateAndPersistPrediction(ctx context.Context, in Input) (Outcome, error) {
	now := s.now()
	uniqueKey := BuildUniqueKey(in.Exchange, in.AccountID, in.Symbol, in.MarketType, in.Timeframe)
	log := s.log.With().Str("uniqueKey", uniqueKey).Str("timeframe", in.Timeframe).Logger()

	prev, err := s.store.GetPredictionState(ctx, uniqueKey)
	if err != nil {
		log.Warn().Err(err).Msg("prediction state lookup failed, treating as first run")
		prev = nil
	}

	ks := s.keyState(uniqueKey)
	lastUpdated := time.Time{}
	if prev != nil {
		lastUpdated = prev.TsUpdated
	}

	trigRes := trigger.ShouldRefreshTF(trigger.Input{
		Timeframe:   in.Timeframe,
		Now:         now,
		LastUpdated: lastUpdated,
		Features:    snapshotFeatures(in.Candidate.FeatureSnapshot),
		PrevBuckets: ks.buckets,
		State:       ks.triggerState,
		Config:      s.cfg.Trigger,
	})
	s.saveKeyState(uniqueKey, func(k *perKeyState) {
		k.triggerState = trigRes.State
		if trigRes.Refresh {
			k.buckets = trigRes.Buckets
		}
	})
	if !trigRes.Refresh {
		return Outcome{Refreshed: false}, nil
	}
	for _, r := range trigRes.Reasons {
		metrics.PredictionRefreshes.WithLabelValues(r).Inc()
	}

	next := in.Candidate
	next.UniqueKey = uniqueKey
	next.Tags = capStrings(next.Tags, maxTags)
	next.KeyDrivers = capStrings(next.KeyDrivers, maxKeyDrivers)
	next.TsUpdated = now

	significant, sigReasons := Significance(prev, next)
	if !significant {
		// Touch the timestamp only, the standing prediction remains.
		kept := *prev
		kept.TsUpdated = now
		rowID, perr := s.store.UpsertPredictionState(ctx, &kept)
		return Outcome{
			Refreshed:  true,
			Reasons:    trigRes.Reasons,
			Persisted:  perr == nil,
			Prediction: &kept,
			RowID:      rowID,
		}, nil
	}

	next.ModelVersion = ModelVersion(s.cfg.BaseModelVersion, ExplainerTagLocal)
	source := "local"
	if prev != nil {
		next.LastAiExplainedAt = prev.LastAiExplainedAt
		next.FlipTimesMs = prev.FlipTimesMs
		next.Unstable = prev.Unstable
	}

	if aiOK, aiReason := ShouldCallAi(prev, sigReasons, now, s.cfg.AiCooldown); aiOK && s.explainer != nil {
		if insight, gated := s.explainWithGate(ctx, in, prev, &next, now); insight != nil {
			next.Explanation = insight.Explanation
			if insight.Confidence > 0 {
				next.Confidence = insight.Confidence
			}
			if len(insight.Evidence) > 0 {
				next.KeyDrivers = capStrings(insight.Evidence, maxKeyDrivers)
			}
			next.ModelVersion = ModelVersion(s.cfg.BaseModelVersion, s.explainer.Tag())
			next.LastAiExplainedAt = &now
			source = "ai"
		} else if gated != "" {
			log.Debug().Str("reason", gated).Msg("ai explain gated")
		}
	} else if !aiOK {
		metrics.AiGateDecisions.WithLabelValues(aiReason).Inc()
	}

	if prev != nil && next.Signal != prev.Signal {
		flips, unstable := recordFlip(next.FlipTimesMs, now.UnixMilli())
		next.FlipTimesMs = flips
		next.Unstable = unstable
	}

	rowID, perr := s.store.UpsertPredictionState(ctx, &next)
	if perr != nil {
		log.Error().Err(perr).Msg("prediction persist failed")
	}

	s.emitEvents(ctx, in, prev, &next)

	log.Info().
		Str("signal", string(next.Signal)).
		Float64("confidence", next.Confidence).
		Str("source", source).
		Strs("reasons", trigRes.Reasons).
		Msg("prediction refreshed")

	return Outcome{
		Refreshed:       true,
		Reasons:         trigRes.Reasons,
		Persisted:       perr == nil,
		Prediction:      &next,
		SignalSource:    source,
		Explanation:     next.Explanation,
		FeatureSnapshot: next.FeatureSnapshot,
		ModelVersion:    next.ModelVersion,
		RowID:           rowID,
	}, nil
}

// explainWithGate pushes the call through the quality gate and the AI
// guard. Returns the insight, or an empty insight with the gate reason.
func (s *Service) explainWithGate(ctx context.Context, in Input, prev *State, next *State, now time.Time) (*AiInsight, string) {
	uniqueKey := next.UniqueKey
	ks := s.keyState(uniqueKey)

	decision := ShouldInvokeAiExplain(GateInput{
		Timeframe:                 in.Timeframe,
		Prediction:                *next,
		Prev:                      prev,
		GateState:                 ks.gateState,
		Config:                    s.cfg.Gate,
		BudgetPressureConsecutive: ks.budgetMisses,
		Now:                       now,
	})
	for _, code := range decision.ReasonCodes {
		metrics.AiGateDecisions.WithLabelValues(code).Inc()
	}
	if !decision.Allow {
		s.saveKeyState(uniqueKey, func(k *perKeyState) {
			if len(decision.ReasonCodes) > 0 && decision.ReasonCodes[0] == GateReasonBudgetExhausted {
				k.budgetMisses++
			}
		})
		if len(decision.ReasonCodes) > 0 {
			return nil, decision.ReasonCodes[0]
		}
		return nil, "gated"
	}
	s.saveKeyState(uniqueKey, func(k *perKeyState) {
		k.gateState = decision.State
		k.budgetMisses = 0
	})

	res := s.guard.Analyze(ctx, aiguard.Request{
		CacheKey:        decision.DecisionHash,
		TTLSec:          s.cfg.AiCacheTTLSec,
		RateLimitPerMin: s.cfg.AiRatePerMin,
		Compute: func(ctx context.Context) (interface{}, error) {
			return s.explainer.Explain(ctx, *next, prev)
		},
		Fallback: func(ctx context.Context) interface{} {
			return nil
		},
	})
	insight, _ := res.Value.(*AiInsight)
	if insight == nil {
		return nil, "ai_unavailable"
	}
	return insight, ""
}

// emitEvents fires the change events, each throttled per
// (bot, timeframe, reason).
func (s *Service) emitEvents(ctx context.Context, in Input, prev *State, next *State) {
	if s.events == nil {
		return
	}
	var kinds []string
	if prev == nil || next.Signal != prev.Signal {
		kinds = append(kinds, EventSignalFlip)
	}
	if prev != nil {
		if delta := next.Confidence - prev.Confidence; delta >= confidenceJumpMin || delta <= -confidenceJumpMin {
			kinds = append(kinds, EventConfidenceJump)
		}
		if !sameTagSet(prev.Tags, next.Tags) {
			kinds = append(kinds, EventTagsChanged)
		}
		prevReg, _ := prev.FeatureSnapshot.String("historyContext.reg.state")
		nextReg, _ := next.FeatureSnapshot.String("historyContext.reg.state")
		if prevReg != nextReg {
			kinds = append(kinds, EventRegimeChange)
		}
	}
	for _, kind := range kinds {
		if s.throttle != nil && !s.throttle.Acquire(ctx, in.BotID, in.Timeframe, kind, s.cfg.EventThrottle) {
			continue
		}
		s.events.Emit(logging.NewContext(ctx, logging.PredictionContext(next.UniqueKey, in.Timeframe, string(next.Signal), next.Confidence)), Event{
			Kind:       kind,
			BotID:      in.BotID,
			Timeframe:  in.Timeframe,
			UniqueKey:  next.UniqueKey,
			Signal:     next.Signal,
			Confidence: next.Confidence,
		})
	}
}

func (s *Service) keyState(uniqueKey string) perKeyState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ks, ok := s.keys[uniqueKey]; ok {
		return *ks
	}
	return perKeyState{}
}

func (s *Service) saveKeyState(uniqueKey string, mutate func(*perKeyState)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ks, ok := s.keys[uniqueKey]
	if !ok {
		ks = &perKeyState{}
		s.keys[uniqueKey] = ks
	}
	mutate(ks)
}

// snapshotFeatures adapts the reserved snapshot paths to the trigger
// engine inputs.
func snapshotFeatures(snap Snapshot) trigger.Features {
	ema, _ := snap.Float("emaSpread")
	trendRank, _ := snap.Float("ema_spread_abs_rank_0_100")
	volRank, _ := snap.Float("atr_pct_rank_0_100")
	rsi, ok := snap.Float("rsi")
	if !ok {
		rsi, _ = snap.Float("indicators.rsi_14")
	}
	breakout, _ := snap.Float("breakout_score")
	funding, _ := snap.Float("fundingRate")
	basis, _ := snap.Float("basisBps")
	return trigger.Features{
		EmaSpread:     ema,
		TrendRank:     trendRank,
		RSI:           rsi,
		VolRank:       volRank,
		BreakoutScore: breakout,
		FundingRate:   funding,
		BasisBps:      basis,
		DataGap:       snap.Bool("dataGap"),
	}
}
