package prediction

import (
	"math"
	"testing"

	"mm-control-plane/internal/smc"
)

// trendingCandles builds an oscillating uptrend long enough for the
// structure engine and the slow EMA.
func trendingCandles(n int) []smc.Candle {
	out := make([]smc.Candle, n)
	price := 100.0
	for i := 0; i < n; i++ {
		drift := 0.4
		wave := 1.5 * math.Sin(float64(i)/4)
		open := price
		price += drift
		cl := price + wave*0.2
		hi := math.Max(open, cl) + 0.8 + wave*0.1
		lo := math.Min(open, cl) - 0.8
		out[i] = smc.Candle{
			Time:   int64(i) * 60_000,
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  cl,
			Volume: 1000 + float64(i%7)*50,
		}
	}
	return out
}

// TestBuildCandidateDataGap verifies that too few candles yields a
// neutral zero-confidence placeholder flagged as a gap.
func TestBuildCandidateDataGap(t *testing.T) {
	st := BuildCandidate(trendingCandles(10), smc.Options{}, nil)
	if st.Signal != SignalNeutral {
		t.Errorf("Expected neutral signal, got %s", st.Signal)
	}
	if st.Confidence != 0 {
		t.Errorf("Expected zero confidence, got %f", st.Confidence)
	}
	if !st.FeatureSnapshot.Bool("dataGap") {
		t.Error("Expected dataGap in the snapshot")
	}
}

// TestBuildCandidateFeaturePaths verifies the reserved snapshot paths
// the trigger engine reads are all populated.
func TestBuildCandidateFeaturePaths(t *testing.T) {
	st := BuildCandidate(trendingCandles(120), smc.Options{}, nil)

	for _, path := range []string{
		"emaSpread",
		"ema_spread_abs_rank_0_100",
		"atr_pct_rank_0_100",
		"breakout_score",
		"indicators.rsi_14",
	} {
		if _, ok := st.FeatureSnapshot.Float(path); !ok {
			t.Errorf("Expected snapshot path %s to be set", path)
		}
	}
	if st.Signal == SignalDown {
		t.Errorf("Expected uptrend not to read as down, got %s", st.Signal)
	}
	if st.Confidence < 5 || st.Confidence > 95 {
		t.Errorf("Expected confidence in [5,95], got %f", st.Confidence)
	}
	if len(st.Tags) > 5 {
		t.Errorf("Expected at most 5 tags, got %d", len(st.Tags))
	}
	if st.ExpectedMovePct < 0 || st.ExpectedMovePct > 25 {
		t.Errorf("Expected move pct in [0,25], got %f", st.ExpectedMovePct)
	}
}

// TestBuildCandidateMergesExtra verifies caller-supplied paths land in
// the snapshot without clobbering computed features.
func TestBuildCandidateMergesExtra(t *testing.T) {
	extra := Snapshot{
		"fundingRate": 0.0004,
		"emaSpread":   999.0,
	}
	st := BuildCandidate(trendingCandles(120), smc.Options{}, extra)

	if v, ok := st.FeatureSnapshot.Float("fundingRate"); !ok || v != 0.0004 {
		t.Errorf("Expected fundingRate 0.0004, got %f", v)
	}
	if v, _ := st.FeatureSnapshot.Float("emaSpread"); v == 999.0 {
		t.Error("Expected computed emaSpread to win over the caller value")
	}
}

// TestBreakoutScore verifies the prior-range-high mapping.
func TestBreakoutScore(t *testing.T) {
	candles := trendingCandles(60)
	atr := 2.0

	last := &candles[len(candles)-1]
	priorHigh := 0.0
	for _, c := range candles[len(candles)-1-breakoutBars : len(candles)-1] {
		if c.High > priorHigh {
			priorHigh = c.High
		}
	}

	last.Close = priorHigh
	if got := breakoutScore(candles, atr); math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Expected 0.5 at the prior high, got %f", got)
	}

	last.Close = priorHigh + breakoutScale*atr
	if got := breakoutScore(candles, atr); got != 1 {
		t.Errorf("Expected saturated score 1, got %f", got)
	}

	if got := breakoutScore(candles, 0); got != 0 {
		t.Errorf("Expected 0 with no ATR, got %f", got)
	}
}
