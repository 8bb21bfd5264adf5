package strategy

import (
	"context"
	"fmt"
	"math"

	"mm-control-plane/internal/prediction"
)

// regime_gate reason codes.
const (
	ReasonRegimeUnknown       = "regime_unknown"
	ReasonRegimeNotAllowed    = "regime_state_not_allowed"
	ReasonRegimeConfidenceLow = "regime_confidence_low"
	ReasonEmaStackConflict    = "ema_stack_conflict"
	ReasonSignalStackConflict = "signal_stack_conflict"
)

// signal_filter reason codes.
const (
	ReasonTagBlocked     = "tag_blocked"
	ReasonTagNotAllowed  = "tag_not_allowed"
	ReasonVolZExceeded   = "vol_z_exceeded"
	ReasonRangeBlocked   = "range_state_blocked"
)

// RegimeGate blocks a signal unless the market regime agrees with it:
// regime state on the allowlist, regime confidence above the floor, and
// the EMA stack aligned with both the regime and the current signal.
func RegimeGate(_ context.Context, rc RunContext) Decision {
	regState, ok := rc.Snapshot.String("historyContext.reg.state")
	if !ok || regState == "" {
		return blocked(ReasonRegimeUnknown, "regime state missing from snapshot")
	}

	allowStates := stringSlice(rc.Config, "allowStates", []string{"trend_up", "trend_down"})
	if !contains(allowStates, regState) {
		return blocked(ReasonRegimeNotAllowed, fmt.Sprintf("regime %s not in allowed states", regState))
	}

	minConf := floatOr(rc.Config, "minConfidence", 55)
	regConf, _ := rc.Snapshot.Float("historyContext.reg.confidence")
	if regConf < minConf {
		return blocked(ReasonRegimeConfidenceLow, fmt.Sprintf("regime confidence %.0f below %.0f", regConf, minConf))
	}

	emaStack, _ := rc.Snapshot.String("historyContext.ema.stack")
	if !stackMatchesRegime(emaStack, regState) {
		return blocked(ReasonEmaStackConflict, fmt.Sprintf("ema stack %s conflicts with regime %s", emaStack, regState))
	}
	if !stackMatchesSignal(emaStack, rc.Signal) {
		return blocked(ReasonSignalStackConflict, fmt.Sprintf("ema stack %s conflicts with signal %s", emaStack, rc.Signal))
	}

	return Decision{
		Allow:       true,
		Score:       regConf,
		Explanation: fmt.Sprintf("regime %s aligned with %s signal", regState, rc.Signal),
	}
}

// SignalFilter applies tag allow/block lists and a volatility z-score
// cap. Allowed score is 70 - 10*max(0, |volZ|-1); blocked scores clamp
// to the 0..30 band.
func SignalFilter(_ context.Context, rc RunContext) Decision {
	volZ, _ := rc.Snapshot.Float("historyContext.vol.z")
	if volZ == 0 {
		volZ, _ = rc.Snapshot.Float("volZ")
	}
	score := 70 - 10*math.Max(0, math.Abs(volZ)-1)

	block := func(reason, why string) Decision {
		d := blocked(reason, why)
		d.Score = math.Min(30, math.Max(0, score))
		return d
	}

	tags := rc.Snapshot.Tags()
	for _, t := range stringSlice(rc.Config, "blockTags", nil) {
		if contains(tags, t) {
			return block(ReasonTagBlocked, "tag "+t+" is blocked")
		}
	}
	if allow := stringSlice(rc.Config, "allowTags", nil); len(allow) > 0 {
		found := false
		for _, t := range allow {
			if contains(tags, t) {
				found = true
				break
			}
		}
		if !found {
			return block(ReasonTagNotAllowed, "no allowed tag present")
		}
	}

	maxVolZ := floatOr(rc.Config, "maxVolZ", 3)
	if math.Abs(volZ) > maxVolZ {
		return block(ReasonVolZExceeded, fmt.Sprintf("|volZ| %.2f above %.2f", math.Abs(volZ), maxVolZ))
	}

	if regState, _ := rc.Snapshot.String("historyContext.reg.state"); regState == "range" {
		allowRange := boolOr(rc.Config, "allowRangeWhenTrendTag", false)
		if !allowRange || !contains(tags, "trend") {
			return block(ReasonRangeBlocked, "range regime blocked")
		}
	}

	return Decision{Allow: true, Score: score, Explanation: "signal passed filters"}
}

func blocked(reason, explanation string) Decision {
	return Decision{Allow: false, ReasonCodes: []string{reason}, Explanation: explanation}
}

func stackMatchesRegime(stack, regState string) bool {
	switch regState {
	case "trend_up":
		return stack == "up"
	case "trend_down":
		return stack == "down"
	}
	return stack != ""
}

func stackMatchesSignal(stack string, sig prediction.Signal) bool {
	switch sig {
	case prediction.SignalUp:
		return stack == "up"
	case prediction.SignalDown:
		return stack == "down"
	}
	return true
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func stringSlice(cfg map[string]any, key string, def []string) []string {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return def
}

func floatOr(cfg map[string]any, key string, def float64) float64 {
	v, ok := cfg[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return def
}

func boolOr(cfg map[string]any, key string, def bool) bool {
	if v, ok := cfg[key]; ok {
		if b, ok := v.(bool); ok {
			return b
		}
	}
	return def
}
