package smc

import (
	"math"
	"sort"
)

// Compute runs the full structure analysis over ascending candles and
// returns the state at the last bar. Fewer than 30 candles yields a
// snapshot with DataGap set and nothing else.
func Compute(candles []Candle, opts Options) Snapshot {
	if len(candles) < minCandles {
		return Snapshot{DataGap: true}
	}
	opts = opts.withDefaults()

	if !sort.SliceIsSorted(candles, func(i, j int) bool { return candles[i].Time < candles[j].Time }) {
		sorted := make([]Candle, len(candles))
		copy(sorted, candles)
		sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })
		candles = sorted
	}

	atr := rollingATR(candles, 200)
	parsedHigh, parsedLow := parsedExtremes(candles, atr)

	e := &engine{
		candles:    candles,
		atr:        atr,
		parsedHigh: parsedHigh,
		parsedLow:  parsedLow,
		opts:       opts,
	}
	e.run()

	last := candles[len(candles)-1]
	snap := Snapshot{
		Trend:         e.swing.trend,
		InternalTrend: e.internal.trend,
		Events:        e.events,
		OrderBlocks:   trimOrderBlocks(e.orderBlocks, opts.OrderBlocks),
		FairValueGaps: e.fvgs,
		EqualHighs:    e.equalHighs,
		EqualLows:     e.equalLows,
		ATR:           atr[len(atr)-1],
		MeanRange:     e.meanRange,
		LastClose:     last.Close,
		LastTime:      last.Time,
	}
	if e.trailingMax > e.trailingMin {
		snap.Zones = buildZones(e.trailingMax, e.trailingMin)
	}
	return snap
}

// structureState tracks one pivot scale.
type structureState struct {
	length    int
	scale     Scale
	trend     Bias
	highLevel float64
	highBar   int
	highSet   bool
	highBroke bool
	lowLevel  float64
	lowBar    int
	lowSet    bool
	lowBroke  bool
}

type engine struct {
	candles    []Candle
	atr        []float64
	parsedHigh []float64
	parsedLow  []float64
	opts       Options

	internal structureState
	swing    structureState

	events      []StructureEvent
	orderBlocks []OrderBlock
	fvgs        []FairValueGap
	equalHighs  []EqualLevel
	equalLows   []EqualLevel

	// running mean of candle body size, drives the auto FVG threshold
	meanRange float64
	rangeN    int

	trailingMax float64
	trailingMin float64

	lastSwingHighs []pivot
	lastSwingLows  []pivot
}

type pivot struct {
	bar   int
	price float64
}

func (e *engine) run() {
	e.internal = structureState{length: e.opts.InternalLength, scale: ScaleInternal}
	e.swing = structureState{length: e.opts.SwingLength, scale: ScaleSwing}
	e.trailingMax = math.Inf(-1)
	e.trailingMin = math.Inf(1)

	for i := range e.candles {
		c := e.candles[i]
		if c.High > e.trailingMax {
			e.trailingMax = c.High
		}
		if c.Low < e.trailingMin {
			e.trailingMin = c.Low
		}

		body := math.Abs(c.Close - c.Open)
		e.rangeN++
		e.meanRange += (body - e.meanRange) / float64(e.rangeN)

		e.detectPivots(&e.internal, i)
		e.detectPivots(&e.swing, i)
		e.checkBreaks(&e.internal, i)
		e.checkBreaks(&e.swing, i)
		e.detectFVG(i)
		e.mitigate(i)
	}
}

// detectPivots confirms a pivot at bar i-length once length bars on each
// side are available.
func (e *engine) detectPivots(st *structureState, i int) {
	n := st.length
	center := i - n
	if center < n {
		return
	}
	if isPivotHigh(e.parsedHigh, center, n) {
		price := e.parsedHigh[center]
		if st.scale == ScaleSwing {
			e.recordEqual(&e.equalHighs, e.lastSwingHighs, center, price, i)
			e.lastSwingHighs = append(e.lastSwingHighs, pivot{bar: center, price: price})
		}
		st.highLevel = price
		st.highBar = center
		st.highSet = true
		st.highBroke = false
	}
	if isPivotLow(e.parsedLow, center, n) {
		price := e.parsedLow[center]
		if st.scale == ScaleSwing {
			e.recordEqual(&e.equalLows, e.lastSwingLows, center, price, i)
			e.lastSwingLows = append(e.lastSwingLows, pivot{bar: center, price: price})
		}
		st.lowLevel = price
		st.lowBar = center
		st.lowSet = true
		st.lowBroke = false
	}
}

// checkBreaks emits BOS/CHoCH when the close crosses a standing pivot and
// carves the order block from the pivot-to-break window.
func (e *engine) checkBreaks(st *structureState, i int) {
	c := e.candles[i]
	if st.highSet && !st.highBroke && c.Close > st.highLevel {
		kind := BOS
		if st.trend == Bearish || st.trend == "" {
			kind = CHoCH
		}
		st.trend = Bullish
		st.highBroke = true
		e.events = append(e.events, StructureEvent{
			Kind:     kind,
			Scale:    st.scale,
			Bias:     Bullish,
			Level:    st.highLevel,
			PivotBar: st.highBar,
			BreakBar: i,
			Time:     c.Time,
		})
		e.addOrderBlock(st.highBar, i, Bullish)
	}
	if st.lowSet && !st.lowBroke && c.Close < st.lowLevel {
		kind := BOS
		if st.trend == Bullish || st.trend == "" {
			kind = CHoCH
		}
		st.trend = Bearish
		st.lowBroke = true
		e.events = append(e.events, StructureEvent{
			Kind:     kind,
			Scale:    st.scale,
			Bias:     Bearish,
			Level:    st.lowLevel,
			PivotBar: st.lowBar,
			BreakBar: i,
			Time:     c.Time,
		})
		e.addOrderBlock(st.lowBar, i, Bearish)
	}
}

// addOrderBlock picks the extreme-volume bar between pivot and break.
func (e *engine) addOrderBlock(from, to int, bias Bias) {
	if to <= from {
		return
	}
	best := from
	for j := from; j < to; j++ {
		if e.candles[j].Volume > e.candles[best].Volume {
			best = j
		}
	}
	c := e.candles[best]
	e.orderBlocks = append(e.orderBlocks, OrderBlock{
		Top:      c.High,
		Bottom:   c.Low,
		Bias:     bias,
		Volume:   c.Volume,
		BarIndex: best,
		Time:     c.Time,
	})
	if len(e.orderBlocks) > keptOrderBlocks {
		e.orderBlocks = e.orderBlocks[len(e.orderBlocks)-keptOrderBlocks:]
	}
}

// detectFVG finds three-bar imbalances at bar i.
func (e *engine) detectFVG(i int) {
	if i < 2 {
		return
	}
	cur, prev2 := e.candles[i], e.candles[i-2]
	threshold := e.opts.FVGThreshold
	if threshold <= 0 {
		threshold = e.meanRange * 2
	}
	if cur.Low > prev2.High {
		if gap := cur.Low - prev2.High; gap > threshold {
			e.fvgs = append(e.fvgs, FairValueGap{
				Top: cur.Low, Bottom: prev2.High, Bias: Bullish,
				BarIndex: i, Time: cur.Time,
			})
		}
	}
	if cur.High < prev2.Low {
		if gap := prev2.Low - cur.High; gap > threshold {
			e.fvgs = append(e.fvgs, FairValueGap{
				Top: prev2.Low, Bottom: cur.High, Bias: Bearish,
				BarIndex: i, Time: cur.Time,
			})
		}
	}
}

// mitigate drops order blocks whose opposite edge bar i closes through
// and flags gaps bar i trades back into.
func (e *engine) mitigate(i int) {
	c := e.candles[i]
	kept := e.orderBlocks[:0]
	for _, ob := range e.orderBlocks {
		if i > ob.BarIndex {
			if ob.Bias == Bullish && c.Close < ob.Bottom {
				continue
			}
			if ob.Bias == Bearish && c.Close > ob.Top {
				continue
			}
		}
		kept = append(kept, ob)
	}
	e.orderBlocks = kept
	for k := range e.fvgs {
		g := &e.fvgs[k]
		if g.Mitigated || i <= g.BarIndex {
			continue
		}
		if g.Bias == Bullish && c.Low < g.Bottom {
			g.Mitigated = true
		}
		if g.Bias == Bearish && c.High > g.Top {
			g.Mitigated = true
		}
	}
}

// recordEqual groups a new swing pivot with the prior one when they sit
// within threshold x ATR of each other.
func (e *engine) recordEqual(dst *[]EqualLevel, prior []pivot, bar int, price float64, atBar int) {
	if len(prior) == 0 {
		return
	}
	last := prior[len(prior)-1]
	tol := e.opts.EqualThreshold * e.atr[atBar]
	if tol <= 0 || math.Abs(price-last.price) > tol {
		return
	}
	if n := len(*dst); n > 0 {
		lvl := &(*dst)[n-1]
		if len(lvl.Bars) > 0 && lvl.Bars[len(lvl.Bars)-1] == last.bar {
			lvl.Bars = append(lvl.Bars, bar)
			return
		}
	}
	*dst = append(*dst, EqualLevel{
		Price: (price + last.price) / 2,
		Bars:  []int{last.bar, bar},
	})
}

// rollingATR is a simple moving average of true range over the window,
// shrinking at the head while fewer bars are available.
func rollingATR(candles []Candle, window int) []float64 {
	tr := make([]float64, len(candles))
	for i, c := range candles {
		if i == 0 {
			tr[i] = c.High - c.Low
			continue
		}
		prevClose := candles[i-1].Close
		tr[i] = math.Max(c.High-c.Low, math.Max(math.Abs(c.High-prevClose), math.Abs(c.Low-prevClose)))
	}
	out := make([]float64, len(candles))
	var sum float64
	for i := range tr {
		sum += tr[i]
		n := i + 1
		if n > window {
			sum -= tr[i-window]
			n = window
		}
		out[i] = sum / float64(n)
	}
	return out
}

// parsedExtremes swaps high and low roles on bars whose range reaches
// 2 x ATR so that single outlier candles do not dominate pivots.
func parsedExtremes(candles []Candle, atr []float64) (highs, lows []float64) {
	highs = make([]float64, len(candles))
	lows = make([]float64, len(candles))
	for i, c := range candles {
		if c.High-c.Low >= 2*atr[i] {
			highs[i] = c.Low
			lows[i] = c.High
		} else {
			highs[i] = c.High
			lows[i] = c.Low
		}
	}
	return highs, lows
}

func isPivotHigh(highs []float64, center, length int) bool {
	for j := center - length; j <= center+length; j++ {
		if j == center {
			continue
		}
		if highs[j] >= highs[center] {
			return false
		}
	}
	return true
}

func isPivotLow(lows []float64, center, length int) bool {
	for j := center - length; j <= center+length; j++ {
		if j == center {
			continue
		}
		if lows[j] <= lows[center] {
			return false
		}
	}
	return true
}

func trimOrderBlocks(blocks []OrderBlock, keep int) []OrderBlock {
	if len(blocks) <= keep {
		return blocks
	}
	return blocks[len(blocks)-keep:]
}

func buildZones(max, min float64) *Zones {
	span := max - min
	return &Zones{
		PremiumTop:        max,
		PremiumBottom:     min + 0.95*span,
		EquilibriumTop:    min + 0.525*span,
		EquilibriumBottom: min + 0.475*span,
		DiscountTop:       min + 0.05*span,
		DiscountBottom:    min,
	}
}
