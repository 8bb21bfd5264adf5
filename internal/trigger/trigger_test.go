package trigger

import (
	"testing"
	"time"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// baseInput returns an evaluation with a fresh prediction and quiet
// features so only the mutation under test can fire.
func baseInput(tf string) Input {
	return Input{
		Timeframe:   tf,
		Now:         t0,
		LastUpdated: t0.Add(-30 * time.Second),
		Features:    Features{RSI: 50},
		PrevBuckets: Buckets{Trend: "neutral", TrendRank: "low", RSI: "neutral", VolRank: "low"},
		Config:      Config{DebounceSec: 90, HysteresisRatio: 0.6},
	}
}

// TestScheduledDueFires verifies the scheduled interval fires and
// resets the debounce state.
func TestScheduledDueFires(t *testing.T) {
	in := baseInput("5m")
	in.LastUpdated = t0.Add(-181 * time.Second)
	in.State = DebounceState{CandidateReason: ReasonRSIBucketChange, CandidateCount: 1}

	res := ShouldRefreshTF(in)
	if !res.Refresh {
		t.Fatalf("Expected refresh after interval elapsed")
	}
	if len(res.Reasons) != 1 || res.Reasons[0] != ReasonScheduledDue {
		t.Errorf("Expected reasons [scheduled_due], got %v", res.Reasons)
	}
	if res.State.CandidateReason != "" || res.State.CandidateCount != 0 {
		t.Errorf("Expected debounce state reset on refresh, got %+v", res.State)
	}
}

// TestScheduledNotDueYet verifies no refresh inside the interval with
// quiet features.
func TestScheduledNotDueYet(t *testing.T) {
	in := baseInput("5m")
	in.LastUpdated = t0.Add(-179 * time.Second)
	res := ShouldRefreshTF(in)
	if res.Refresh {
		t.Errorf("Expected no refresh at 179s for the 5m interval")
	}
}

// TestDebounceSingleTransient verifies a trigger that fires once and
// disappears never causes a refresh.
func TestDebounceSingleTransient(t *testing.T) {
	in := baseInput("1h")
	in.Features.RSI = 75 // neutral -> overbought

	res := ShouldRefreshTF(in)
	if res.Refresh {
		t.Fatalf("Expected first trigger occurrence to be debounced")
	}
	if res.State.CandidateReason != ReasonRSIBucketChange {
		t.Errorf("Expected candidate rsi_bucket_change, got %q", res.State.CandidateReason)
	}
	if res.State.CandidateCount != 1 {
		t.Errorf("Expected candidate count 1, got %d", res.State.CandidateCount)
	}

	// Trigger gone on the next evaluation: candidate must not fire and
	// the state clears.
	next := baseInput("1h")
	next.Now = t0.Add(10 * time.Second)
	next.PrevBuckets = res.Buckets
	next.Features.RSI = 75 // same bucket, no change
	next.State = res.State
	res2 := ShouldRefreshTF(next)
	if res2.Refresh {
		t.Errorf("Expected no refresh when the trigger does not repeat")
	}
	if res2.State.CandidateReason != "" {
		t.Errorf("Expected candidate cleared when nothing fires, got %q", res2.State.CandidateReason)
	}
}

// TestDebounceRepeatFiresOnSecond verifies the same reason on two
// consecutive evaluations fires on the second.
func TestDebounceRepeatFiresOnSecond(t *testing.T) {
	in := baseInput("1h")
	in.Features.BreakoutScore = 0.85

	res := ShouldRefreshTF(in)
	if res.Refresh {
		t.Fatalf("Expected first breakout crossing to be debounced")
	}

	// The bucket flipped but PrevBuckets is persisted only on refresh,
	// so the same crossing is observed again.
	in2 := baseInput("1h")
	in2.Now = t0.Add(10 * time.Second)
	in2.Features.BreakoutScore = 0.85
	in2.State = res.State
	res2 := ShouldRefreshTF(in2)
	if !res2.Refresh {
		t.Fatalf("Expected refresh on repeated trigger")
	}
	if res2.Reasons[0] != ReasonBreakoutCross {
		t.Errorf("Expected breakout_cross, got %v", res2.Reasons)
	}
	if res2.State.CandidateCount != 0 {
		t.Errorf("Expected debounce state reset after firing")
	}
}

// TestDebounceHoldFires verifies a candidate held past the debounce
// window fires even without a repeat count.
func TestDebounceHoldFires(t *testing.T) {
	in := baseInput("1h")
	in.Features.FundingRate = 0.0007
	in.State = DebounceState{
		CandidateReason:  ReasonFundingCross,
		CandidateCount:   0,
		CandidateSinceMs: t0.Add(-91 * time.Second).UnixMilli(),
	}
	res := ShouldRefreshTF(in)
	if !res.Refresh {
		t.Fatalf("Expected refresh after candidate held past debounce window")
	}
	if res.Reasons[0] != ReasonFundingCross {
		t.Errorf("Expected funding_cross, got %v", res.Reasons)
	}
}

// TestHysteresisNoFlipInsideBand verifies a value oscillating inside
// [exit, enter) never flips the bucket.
func TestHysteresisNoFlipInsideBand(t *testing.T) {
	prev := Buckets{Trend: "neutral", TrendRank: "high", RSI: "neutral", VolRank: "low"}
	// enter=70, ratio=0.6 so exit=42; oscillate between 45 and 69.
	for _, v := range []float64{45, 69, 50, 68, 43, 69.9} {
		in := baseInput("1h")
		in.Features.TrendRank = v
		in.PrevBuckets = prev
		res := ShouldRefreshTF(in)
		if res.Buckets.TrendRank != "high" {
			t.Fatalf("Expected trend rank to hold high at %v, got %q", v, res.Buckets.TrendRank)
		}
		if res.Refresh {
			t.Errorf("Expected no refresh while bucket holds at %v", v)
		}
		prev = res.Buckets
	}
}

// TestHysteresisExitBelowBand verifies the bucket drops once the value
// falls under enter x ratio.
func TestHysteresisExitBelowBand(t *testing.T) {
	in := baseInput("1h")
	in.PrevBuckets.VolRank = "high"
	in.Features.VolRank = 41.9

	res := ShouldRefreshTF(in)
	if res.Buckets.VolRank != "low" {
		t.Errorf("Expected vol rank to exit below 42, got %q", res.Buckets.VolRank)
	}
	if res.State.CandidateReason != ReasonVolRankChange {
		t.Errorf("Expected vol_rank_change candidate, got %q", res.State.CandidateReason)
	}
}

// TestTrendFlipOrderedFirst verifies trend flip outranks all other
// simultaneous triggers.
func TestTrendFlipOrderedFirst(t *testing.T) {
	in := baseInput("1h")
	in.Features = Features{
		EmaSpread:     0.002, // neutral -> up (enter 0.001 for 1h)
		RSI:           80,
		BreakoutScore: 0.9,
		DataGap:       true,
	}
	res := ShouldRefreshTF(in)
	if res.State.CandidateReason != ReasonTrendFlip {
		t.Errorf("Expected trend_flip to be picked first, got %q", res.State.CandidateReason)
	}
}

// TestDataGapTrigger verifies an explicit data gap is a trigger of
// last resort.
func TestDataGapTrigger(t *testing.T) {
	in := baseInput("1h")
	in.Features.DataGap = true

	res := ShouldRefreshTF(in)
	if res.State.CandidateReason != ReasonDataGap {
		t.Errorf("Expected data_gap candidate, got %q", res.State.CandidateReason)
	}
	in.State = res.State
	in.Now = t0.Add(5 * time.Second)
	res2 := ShouldRefreshTF(in)
	if !res2.Refresh || res2.Reasons[0] != ReasonDataGap {
		t.Errorf("Expected data_gap refresh on repeat, got %+v", res2)
	}
}

// TestPerTimeframeIntervals verifies each timeframe uses its own
// scheduled interval.
func TestPerTimeframeIntervals(t *testing.T) {
	intervals := map[string]time.Duration{
		"5m":  180 * time.Second,
		"15m": 300 * time.Second,
		"1h":  600 * time.Second,
		"4h":  1800 * time.Second,
		"1d":  10800 * time.Second,
	}
	for tf, want := range intervals {
		in := baseInput(tf)
		in.LastUpdated = t0.Add(-want)
		if res := ShouldRefreshTF(in); !res.Refresh {
			t.Errorf("Expected %s to refresh at exactly %v", tf, want)
		}
		in.LastUpdated = t0.Add(-want + time.Second)
		if res := ShouldRefreshTF(in); res.Refresh {
			t.Errorf("Expected %s not to refresh one second early", tf)
		}
	}
}
