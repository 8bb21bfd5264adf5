package prediction

import "time"

// Significance reason codes.
const (
	SigSignalChanged     = "signal_changed"
	SigConfidenceJump    = "confidence_jump"
	SigTagsChanged       = "tags_changed"
	SigRankBucketChanged = "rank_bucket_changed"
	SigBreakoutCrossUp   = "breakout_cross_up"
)

const (
	confidenceJumpMin = 10.0
	rankBucketEnter   = 70.0
	breakoutLine      = 0.8
)

// Significance compares a candidate state against the previous one and
// lists every rule that fired. A nil previous state is always
// significant.
func Significance(prev *State, next State) (bool, []string) {
	if prev == nil {
		return true, []string{SigSignalChanged}
	}
	var reasons []string
	if next.Signal != prev.Signal {
		reasons = append(reasons, SigSignalChanged)
	}
	if delta := next.Confidence - prev.Confidence; delta >= confidenceJumpMin || delta <= -confidenceJumpMin {
		reasons = append(reasons, SigConfidenceJump)
	}
	if !sameTagSet(prev.Tags, next.Tags) {
		reasons = append(reasons, SigTagsChanged)
	}
	if rankBucketChanged(prev.FeatureSnapshot, next.FeatureSnapshot) {
		reasons = append(reasons, SigRankBucketChanged)
	}
	if crossedBreakout(prev.FeatureSnapshot, next.FeatureSnapshot) {
		reasons = append(reasons, SigBreakoutCrossUp)
	}
	return len(reasons) > 0, reasons
}

// ShouldCallAi applies the eligibility rules on top of significance:
// at least one strong reason, plus the cooldown since the last AI
// explanation.
func ShouldCallAi(prev *State, sigReasons []string, now time.Time, cooldown time.Duration) (bool, string) {
	strong := false
	for _, r := range sigReasons {
		if r == SigSignalChanged || r == SigConfidenceJump || r == SigTagsChanged {
			strong = true
			break
		}
	}
	if !strong {
		return false, "gating_no_strong_reason"
	}
	if prev != nil && prev.LastAiExplainedAt != nil && now.Sub(*prev.LastAiExplainedAt) < cooldown {
		return false, "gating_ai_cooldown"
	}
	return true, ""
}

func sameTagSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	set := make(map[string]int, len(a))
	for _, t := range a {
		set[t]++
	}
	for _, t := range b {
		set[t]--
		if set[t] < 0 {
			return false
		}
	}
	return true
}

func rankBucketChanged(prev, next Snapshot) bool {
	for _, path := range []string{"atr_pct_rank_0_100", "ema_spread_abs_rank_0_100"} {
		pv, pok := prev.Float(path)
		nv, nok := next.Float(path)
		if !pok || !nok {
			continue
		}
		if (pv >= rankBucketEnter) != (nv >= rankBucketEnter) {
			return true
		}
	}
	return false
}

func crossedBreakout(prev, next Snapshot) bool {
	pv, pok := prev.Float("breakout_score")
	nv, nok := next.Float("breakout_score")
	if !nok {
		return false
	}
	if !pok {
		pv = 0
	}
	return pv < breakoutLine && nv >= breakoutLine
}
