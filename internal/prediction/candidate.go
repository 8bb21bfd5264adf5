package prediction

import (
	"fmt"
	"math"

	"mm-control-plane/internal/smc"
)

const (
	emaFast       = 20
	emaSlow       = 50
	rsiPeriod     = 14
	atrPeriod     = 14
	breakoutBars  = 20
	breakoutScale = 4.0
)

// BuildCandidate runs the structure engine over ascending candles and
// folds the result plus the derived indicator features into a candidate
// state. extra carries caller-supplied snapshot paths (funding, basis,
// history context) and never overwrites a computed path.
func BuildCandidate(candles []smc.Candle, opts smc.Options, extra Snapshot) State {
	structure := smc.Compute(candles, opts)
	if structure.DataGap {
		snap := Snapshot{"dataGap": true}
		mergeExtra(snap, extra)
		return State{
			Signal:          SignalNeutral,
			Confidence:      0,
			FeatureSnapshot: snap,
			Tags:            []string{"data_gap"},
		}
	}

	closes := make([]float64, len(candles))
	for i, c := range candles {
		closes[i] = c.Close
	}

	fast := ema(closes, emaFast)
	slow := ema(closes, emaSlow)
	spreads := make([]float64, 0, len(closes))
	for i := range closes {
		if i < emaSlow-1 || slow[i] == 0 {
			continue
		}
		spreads = append(spreads, (fast[i]-slow[i])/slow[i])
	}
	var emaSpread float64
	if len(spreads) > 0 {
		emaSpread = spreads[len(spreads)-1]
	}
	trendRank := percentileRank(absAll(spreads), math.Abs(emaSpread))

	atrPcts := atrPctSeries(candles)
	var atrPct float64
	if len(atrPcts) > 0 {
		atrPct = atrPcts[len(atrPcts)-1]
	}
	volRank := percentileRank(atrPcts, atrPct)

	rsi := rsi14(closes)
	breakout := breakoutScore(candles, structure.ATR)

	signal := SignalNeutral
	aligned := structure.Trend == structure.InternalTrend
	switch {
	case structure.Trend == smc.Bullish && aligned:
		signal = SignalUp
	case structure.Trend == smc.Bearish && aligned:
		signal = SignalDown
	}

	confidence := 50.0
	if aligned && signal != SignalNeutral {
		confidence += 15
	}
	confidence += trendRank / 100 * 20
	if breakout >= 0.8 {
		confidence += 10
	}
	confidence = clamp(confidence, 5, 95)
	if signal == SignalNeutral {
		confidence = clamp(confidence-20, 5, 95)
	}

	expectedMove := clamp(atrPct*100*2, 0, 25)

	tags, drivers := structureTags(structure, breakout)

	snap := Snapshot{
		"emaSpread":                 emaSpread,
		"ema_spread_abs_rank_0_100": trendRank,
		"atr_pct_rank_0_100":        volRank,
		"breakout_score":            breakout,
		"indicators":                map[string]any{"rsi_14": rsi},
		"tags":                      tags,
		"structure.trend":           string(structure.Trend),
		"structure.internalTrend":   string(structure.InternalTrend),
		"structure.openFvgCount":    float64(openFVGs(structure.FairValueGaps)),
		"structure.orderBlockCount": float64(len(structure.OrderBlocks)),
		"structure.equalHighCount":  float64(len(structure.EqualHighs)),
		"structure.equalLowCount":   float64(len(structure.EqualLows)),
	}
	if structure.Zones != nil {
		snap["structure.zone"] = zoneName(structure.LastClose, structure.Zones)
	}
	mergeExtra(snap, extra)

	return State{
		Signal:          signal,
		Confidence:      confidence,
		ExpectedMovePct: expectedMove,
		Tags:            tags,
		KeyDrivers:      drivers,
		FeatureSnapshot: snap,
	}
}

func structureTags(s smc.Snapshot, breakout float64) (tags, drivers []string) {
	switch s.Trend {
	case smc.Bullish:
		tags = append(tags, "trend_up")
	case smc.Bearish:
		tags = append(tags, "trend_down")
	}
	if breakout >= 0.8 {
		tags = append(tags, "breakout")
	}
	if openFVGs(s.FairValueGaps) > 0 {
		tags = append(tags, "fvg_open")
	}
	if len(s.EqualHighs) > 0 {
		tags = append(tags, "eq_highs")
	}
	if len(s.EqualLows) > 0 && len(tags) < maxTags {
		tags = append(tags, "eq_lows")
	}
	if len(tags) > maxTags {
		tags = tags[:maxTags]
	}

	if len(s.Events) > 0 {
		last := s.Events[len(s.Events)-1]
		drivers = append(drivers, fmt.Sprintf("%s %s %s", last.Kind, last.Scale, last.Bias))
	}
	if s.Zones != nil {
		drivers = append(drivers, "zone "+zoneName(s.LastClose, s.Zones))
	}
	if len(drivers) > maxKeyDrivers {
		drivers = drivers[:maxKeyDrivers]
	}
	return tags, drivers
}

func zoneName(price float64, z *smc.Zones) string {
	switch {
	case price >= z.PremiumBottom:
		return "premium"
	case price <= z.DiscountTop:
		return "discount"
	default:
		return "equilibrium"
	}
}

func openFVGs(gaps []smc.FairValueGap) int {
	n := 0
	for _, g := range gaps {
		if !g.Mitigated {
			n++
		}
	}
	return n
}

// breakoutScore maps the close's position against the prior range high
// onto 0..1. Sitting exactly at the prior high scores 0.5; a close one
// ATR above it scores 0.75.
func breakoutScore(candles []smc.Candle, atr float64) float64 {
	if atr <= 0 || len(candles) < breakoutBars+1 {
		return 0
	}
	last := candles[len(candles)-1]
	priorHigh := 0.0
	for _, c := range candles[len(candles)-1-breakoutBars : len(candles)-1] {
		if c.High > priorHigh {
			priorHigh = c.High
		}
	}
	if priorHigh <= 0 {
		return 0
	}
	return clamp(0.5+(last.Close-priorHigh)/(breakoutScale*atr), 0, 1)
}

func ema(values []float64, period int) []float64 {
	out := make([]float64, len(values))
	if len(values) == 0 || period <= 0 {
		return out
	}
	k := 2.0 / (float64(period) + 1)
	out[0] = values[0]
	for i := 1; i < len(values); i++ {
		out[i] = values[i]*k + out[i-1]*(1-k)
	}
	return out
}

func rsi14(closes []float64) float64 {
	if len(closes) <= rsiPeriod {
		return 50
	}
	var gain, loss float64
	for i := 1; i <= rsiPeriod; i++ {
		d := closes[i] - closes[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / rsiPeriod
	avgLoss := loss / rsiPeriod
	for i := rsiPeriod + 1; i < len(closes); i++ {
		d := closes[i] - closes[i-1]
		g, l := 0.0, 0.0
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*(rsiPeriod-1) + g) / rsiPeriod
		avgLoss = (avgLoss*(rsiPeriod-1) + l) / rsiPeriod
	}
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

func atrPctSeries(candles []smc.Candle) []float64 {
	if len(candles) < 2 {
		return nil
	}
	trs := make([]float64, 0, len(candles)-1)
	for i := 1; i < len(candles); i++ {
		c, p := candles[i], candles[i-1]
		tr := math.Max(c.High-c.Low, math.Max(math.Abs(c.High-p.Close), math.Abs(c.Low-p.Close)))
		trs = append(trs, tr)
	}
	out := make([]float64, 0, len(trs))
	var atr float64
	for i, tr := range trs {
		if i < atrPeriod {
			atr = (atr*float64(i) + tr) / float64(i+1)
		} else {
			atr = (atr*(atrPeriod-1) + tr) / atrPeriod
		}
		if px := candles[i+1].Close; px > 0 {
			out = append(out, atr/px)
		}
	}
	return out
}

// percentileRank places v within history on a 0..100 scale.
func percentileRank(history []float64, v float64) float64 {
	if len(history) == 0 {
		return 0
	}
	below := 0
	for _, h := range history {
		if h <= v {
			below++
		}
	}
	return float64(below) / float64(len(history)) * 100
}

func absAll(values []float64) []float64 {
	out := make([]float64, len(values))
	for i, v := range values {
		out[i] = math.Abs(v)
	}
	return out
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mergeExtra(snap, extra Snapshot) {
	for k, v := range extra {
		if _, exists := snap[k]; !exists {
			snap[k] = v
		}
	}
}
