package prediction

import (
	"time"

	"mm-control-plane/internal/hashutil"
)

// Gate reason codes and priorities.
const (
	GateReasonBudgetExhausted   = "ai_hourly_budget_exhausted"
	GateReasonDuplicateDecision = "duplicate_decision"
	GateReasonBudgetPressure    = "budget_pressure_high_only"
	GateReasonOK                = "ok"

	PriorityHigh   = "high"
	PriorityMedium = "medium"
	PriorityLow    = "low"
)

const (
	defaultMaxCallsPerHour = 20
	defaultBudgetPressureK = 3
	flipRecencyForHigh     = 10 * time.Minute
	confidenceJumpForMed   = 15.0
)

// GateState is the rolling bookkeeping the quality gate persists
// between decisions.
type GateState struct {
	WindowStartedAt             time.Time  `json:"windowStartedAt"`
	AiCallsLastHour             int        `json:"aiCallsLastHour"`
	HighPriorityCallsLastHour   int        `json:"highPriorityCallsLastHour"`
	LastAiCallTs                *time.Time `json:"lastAiCallTs,omitempty"`
	LastExplainedPredictionHash string     `json:"lastExplainedPredictionHash,omitempty"`
	LastExplainedHistoryHash    string     `json:"lastExplainedHistoryHash,omitempty"`
	LastExplainedDecisionHash   string     `json:"lastExplainedDecisionHash,omitempty"`
}

// GateConfig tunes the quality gate. Zero values use the defaults.
type GateConfig struct {
	MaxCallsPerHour int
	BudgetPressureK int
}

// GateInput is one admission request.
type GateInput struct {
	Timeframe                 string
	Prediction                State
	Prev                      *State
	GateState                 GateState
	Config                    GateConfig
	BudgetPressureConsecutive int
	Now                       time.Time
}

// GateDecision reports whether the AI explainer may run, with the
// updated state to persist when it does.
type GateDecision struct {
	Allow          bool
	ReasonCodes    []string
	Priority       string
	State          GateState
	PredictionHash string
	HistoryHash    string
	DecisionHash   string
}

// ShouldInvokeAiExplain is the AI-call admission controller: hourly
// budget, decision dedup, and budget-pressure back-off.
func ShouldInvokeAiExplain(in GateInput) GateDecision {
	cfg := in.Config
	if cfg.MaxCallsPerHour <= 0 {
		cfg.MaxCallsPerHour = defaultMaxCallsPerHour
	}
	if cfg.BudgetPressureK <= 0 {
		cfg.BudgetPressureK = defaultBudgetPressureK
	}

	st := in.GateState
	if st.WindowStartedAt.IsZero() || in.Now.Sub(st.WindowStartedAt) >= time.Hour {
		st.WindowStartedAt = in.Now
		st.AiCallsLastHour = 0
		st.HighPriorityCallsLastHour = 0
	}

	predHash := hashutil.HashStableObject(map[string]any{
		"signal":          string(in.Prediction.Signal),
		"confidence":      in.Prediction.Confidence,
		"expectedMovePct": in.Prediction.ExpectedMovePct,
		"tags":            in.Prediction.Tags,
	})
	histHash := historyHash(in.Prediction.FeatureSnapshot)
	decisionHash := hashutil.HashString(predHash + ":" + histHash)

	d := GateDecision{
		Priority:       priorityFor(in),
		State:          st,
		PredictionHash: predHash,
		HistoryHash:    histHash,
		DecisionHash:   decisionHash,
	}

	if st.AiCallsLastHour >= cfg.MaxCallsPerHour {
		d.ReasonCodes = []string{GateReasonBudgetExhausted}
		return d
	}
	if decisionHash == st.LastExplainedDecisionHash && st.LastExplainedDecisionHash != "" {
		d.ReasonCodes = []string{GateReasonDuplicateDecision}
		return d
	}
	if in.BudgetPressureConsecutive >= cfg.BudgetPressureK && d.Priority != PriorityHigh {
		d.ReasonCodes = []string{GateReasonBudgetPressure}
		return d
	}

	st.AiCallsLastHour++
	if d.Priority == PriorityHigh {
		st.HighPriorityCallsLastHour++
	}
	now := in.Now
	st.LastAiCallTs = &now
	st.LastExplainedPredictionHash = predHash
	st.LastExplainedHistoryHash = histHash
	st.LastExplainedDecisionHash = decisionHash

	d.Allow = true
	d.ReasonCodes = []string{GateReasonOK}
	d.State = st
	return d
}

// priorityFor ranks the call: high for a fresh signal flip, medium for
// a large confidence jump, low otherwise.
func priorityFor(in GateInput) string {
	if in.Prev != nil && in.Prediction.Signal != in.Prev.Signal &&
		in.Now.Sub(in.Prev.TsUpdated) <= flipRecencyForHigh {
		return PriorityHigh
	}
	if in.Prev != nil {
		if delta := in.Prediction.Confidence - in.Prev.Confidence; delta >= confidenceJumpForMed || delta <= -confidenceJumpForMed {
			return PriorityMedium
		}
	}
	return PriorityLow
}

func historyHash(snap Snapshot) string {
	if hc, ok := snap["historyContext"]; ok {
		return hashutil.HashStableObject(hc)
	}
	return hashutil.HashStableObject(snap)
}
