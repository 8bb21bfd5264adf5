package smc

import (
	"math"
	"testing"
)

// mkCandles builds ascending bars from close prices with a fixed range
// around each close and 1-minute spacing.
func mkCandles(closes []float64, spread float64) []Candle {
	out := make([]Candle, len(closes))
	for i, c := range closes {
		open := c
		if i > 0 {
			open = closes[i-1]
		}
		hi := math.Max(open, c) + spread
		lo := math.Min(open, c) - spread
		out[i] = Candle{
			Time:   int64(i) * 60_000,
			Open:   open,
			High:   hi,
			Low:    lo,
			Close:  c,
			Volume: 100,
		}
	}
	return out
}

// flat returns n copies of price.
func flat(price float64, n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		out[i] = price
	}
	return out
}

// TestDataGapBelowMinimum verifies fewer than 30 candles reports a data
// gap and nothing else.
func TestDataGapBelowMinimum(t *testing.T) {
	snap := Compute(mkCandles(flat(100, 29), 0.5), Options{})
	if !snap.DataGap {
		t.Errorf("Expected DataGap true for 29 candles, got false")
	}
	if len(snap.Events) != 0 || snap.Zones != nil {
		t.Errorf("Expected empty snapshot on data gap")
	}

	snap = Compute(mkCandles(flat(100, 30), 0.5), Options{})
	if snap.DataGap {
		t.Errorf("Expected DataGap false for 30 candles, got true")
	}
}

// TestBullishBreakEmitsCHoCHThenBOS walks price through two pivot highs.
// The first break against no standing trend registers a change of
// character, the second break continues it as a break of structure.
func TestBullishBreakEmitsCHoCHThenBOS(t *testing.T) {
	var closes []float64
	closes = append(closes, flat(100, 10)...)
	closes = append(closes, 101, 102, 103, 102, 101) // pivot high at 103
	closes = append(closes, flat(100, 8)...)
	closes = append(closes, 104, 105) // break the 103 pivot
	closes = append(closes, 106, 107, 108, 107, 106) // new pivot at 108
	closes = append(closes, flat(105, 8)...)
	closes = append(closes, 109, 110) // break the 108 pivot

	snap := Compute(mkCandles(closes, 0.2), Options{InternalLength: 3, SwingLength: 30})
	if snap.DataGap {
		t.Fatalf("Expected analyzed snapshot, got data gap")
	}

	var internal []StructureEvent
	for _, ev := range snap.Events {
		if ev.Scale == ScaleInternal && ev.Bias == Bullish {
			internal = append(internal, ev)
		}
	}
	if len(internal) < 2 {
		t.Fatalf("Expected at least 2 bullish internal events, got %d", len(internal))
	}
	if internal[0].Kind != CHoCH {
		t.Errorf("Expected first break to be CHoCH, got %s", internal[0].Kind)
	}
	if internal[1].Kind != BOS {
		t.Errorf("Expected second break to be BOS, got %s", internal[1].Kind)
	}
	if snap.InternalTrend != Bullish {
		t.Errorf("Expected bullish internal trend, got %s", snap.InternalTrend)
	}
}

// TestTrendFlipIsCHoCH verifies a break against the standing trend is
// classified as a change of character.
func TestTrendFlipIsCHoCH(t *testing.T) {
	var closes []float64
	closes = append(closes, flat(100, 10)...)
	closes = append(closes, 101, 102, 103, 102, 101) // pivot high 103
	closes = append(closes, flat(100, 8)...)
	closes = append(closes, 104, 105) // bullish break, trend up
	closes = append(closes, 104, 103, 102, 103, 104) // pivot low 102
	closes = append(closes, flat(103, 8)...)
	closes = append(closes, 100, 99) // break the 102 low against the trend

	snap := Compute(mkCandles(closes, 0.2), Options{InternalLength: 3, SwingLength: 40})
	var last *StructureEvent
	for i := range snap.Events {
		if snap.Events[i].Scale == ScaleInternal && snap.Events[i].Bias == Bearish {
			last = &snap.Events[i]
		}
	}
	if last == nil {
		t.Fatalf("Expected a bearish internal event")
	}
	if last.Kind != CHoCH {
		t.Errorf("Expected trend flip to be CHoCH, got %s", last.Kind)
	}
	if snap.InternalTrend != Bearish {
		t.Errorf("Expected bearish internal trend after flip, got %s", snap.InternalTrend)
	}
}

// TestOrderBlockFromExtremeVolume verifies the order block is the
// highest-volume bar between the pivot and the breaking bar.
func TestOrderBlockFromExtremeVolume(t *testing.T) {
	var closes []float64
	closes = append(closes, flat(100, 10)...)
	closes = append(closes, 101, 102, 103, 102, 101)
	closes = append(closes, flat(100, 8)...)
	closes = append(closes, 104, 105)
	closes = append(closes, flat(105, 6)...)

	candles := mkCandles(closes, 0.2)
	spike := 15 // inside the pivot-to-break window
	candles[spike].Volume = 5000

	snap := Compute(candles, Options{InternalLength: 3, SwingLength: 30})
	if len(snap.OrderBlocks) == 0 {
		t.Fatalf("Expected at least one order block")
	}
	ob := snap.OrderBlocks[0]
	if ob.BarIndex != spike {
		t.Errorf("Expected order block at volume spike bar %d, got %d", spike, ob.BarIndex)
	}
	if ob.Bias != Bullish {
		t.Errorf("Expected bullish order block, got %s", ob.Bias)
	}
	if ob.Volume != 5000 {
		t.Errorf("Expected order block volume 5000, got %v", ob.Volume)
	}
}

// TestMitigatedOrderBlockDropped verifies a bullish block disappears
// from the snapshot once a later candle closes below its bottom.
func TestMitigatedOrderBlockDropped(t *testing.T) {
	var closes []float64
	closes = append(closes, flat(100, 10)...)
	closes = append(closes, 101, 102, 103, 102, 101)
	closes = append(closes, flat(100, 8)...)
	closes = append(closes, 104, 105)
	closes = append(closes, flat(105, 6)...)
	// Crash far below the block's bottom.
	closes = append(closes, 60, 60, 60)

	candles := mkCandles(closes, 0.2)
	spike := 15
	candles[spike].Volume = 5000

	snap := Compute(candles, Options{InternalLength: 3, SwingLength: 30})
	for _, ob := range snap.OrderBlocks {
		if ob.BarIndex == spike {
			t.Errorf("Expected order block at bar %d to be dropped after mitigation", spike)
		}
	}
}

// TestFairValueGapDetectionAndMitigation verifies a three-bar imbalance
// is captured and later flagged once price trades back through it.
func TestFairValueGapDetectionAndMitigation(t *testing.T) {
	candles := mkCandles(flat(100, 40), 0.1)
	// Carve a bullish gap: bar 31 low far above bar 29 high.
	candles[30] = Candle{Time: candles[30].Time, Open: 100, High: 106, Low: 100, Close: 106, Volume: 100}
	candles[31] = Candle{Time: candles[31].Time, Open: 106, High: 108, Low: 105, Close: 107, Volume: 100}
	for i := 32; i < 36; i++ {
		candles[i] = Candle{Time: candles[i].Time, Open: 107, High: 107.5, Low: 106.5, Close: 107, Volume: 100}
	}
	// Bar 36 trades back below the gap bottom.
	candles[36] = Candle{Time: candles[36].Time, Open: 107, High: 107, Low: 99, Close: 100, Volume: 100}
	for i := 37; i < 40; i++ {
		candles[i] = Candle{Time: candles[i].Time, Open: 100, High: 100.5, Low: 99.5, Close: 100, Volume: 100}
	}

	snap := Compute(candles, Options{})
	var gap *FairValueGap
	for i := range snap.FairValueGaps {
		if snap.FairValueGaps[i].Bias == Bullish {
			gap = &snap.FairValueGaps[i]
		}
	}
	if gap == nil {
		t.Fatalf("Expected a bullish fair value gap")
	}
	if gap.Bottom != 100.1 || gap.Top != 105 {
		t.Errorf("Expected gap [100.1, 105], got [%v, %v]", gap.Bottom, gap.Top)
	}
	if !gap.Mitigated {
		t.Errorf("Expected gap mitigated after price traded back through it")
	}
}

// TestZonesFromTrailingExtremes verifies the 95/50/5 premium, discount
// and equilibrium bands.
func TestZonesFromTrailingExtremes(t *testing.T) {
	candles := mkCandles(flat(100, 40), 0)
	candles[5].High = 200
	candles[10].Low = 100

	snap := Compute(candles, Options{})
	if snap.Zones == nil {
		t.Fatalf("Expected zones to be present")
	}
	z := snap.Zones
	if z.PremiumTop != 200 || z.DiscountBottom != 100 {
		t.Errorf("Expected band [100, 200], got [%v, %v]", z.DiscountBottom, z.PremiumTop)
	}
	if math.Abs(z.PremiumBottom-195) > 1e-9 {
		t.Errorf("Expected premium bottom 195, got %v", z.PremiumBottom)
	}
	if math.Abs(z.DiscountTop-105) > 1e-9 {
		t.Errorf("Expected discount top 105, got %v", z.DiscountTop)
	}
	mid := (z.EquilibriumTop + z.EquilibriumBottom) / 2
	if math.Abs(mid-150) > 1e-9 {
		t.Errorf("Expected equilibrium centered at 150, got %v", mid)
	}
}

// TestEqualHighsGrouping verifies two swing pivots within the ATR
// tolerance collapse into one equal-highs level.
func TestEqualHighsGrouping(t *testing.T) {
	var closes []float64
	closes = append(closes, flat(100, 10)...)
	closes = append(closes, 104, 107, 104) // first pivot near 107
	closes = append(closes, flat(100, 10)...)
	closes = append(closes, 104, 107.05, 104) // second pivot near 107
	closes = append(closes, flat(100, 10)...)

	snap := Compute(mkCandles(closes, 0.2), Options{InternalLength: 2, SwingLength: 2, EqualThreshold: 0.5})
	if len(snap.EqualHighs) == 0 {
		t.Fatalf("Expected an equal-highs level")
	}
	lvl := snap.EqualHighs[0]
	if len(lvl.Bars) != 2 {
		t.Errorf("Expected 2 bars in the level, got %d", len(lvl.Bars))
	}
	if math.Abs(lvl.Price-107.225) > 0.2 {
		t.Errorf("Expected level price near 107.2, got %v", lvl.Price)
	}
}

// TestParsedExtremesSwapOutliers verifies a bar with range over twice
// the ATR has its high and low roles swapped for pivot detection.
func TestParsedExtremesSwapOutliers(t *testing.T) {
	candles := mkCandles(flat(100, 35), 0.5)
	candles[20].High = 130
	candles[20].Low = 70

	atr := rollingATR(candles, 200)
	highs, lows := parsedExtremes(candles, atr)
	if highs[20] != 70 || lows[20] != 130 {
		t.Errorf("Expected swapped extremes for outlier bar, got high=%v low=%v", highs[20], lows[20])
	}
	if highs[5] != candles[5].High {
		t.Errorf("Expected normal bar extremes untouched")
	}
}
