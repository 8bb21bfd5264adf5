// Package smc computes Smart Money Concepts structure from OHLCV candles:
// dual-scale pivots, BOS/CHoCH events, order blocks, fair-value gaps, equal
// highs/lows and premium/discount zones. All functions are pure.
package smc

// Candle is one OHLCV bar, open time in ms, sorted ascending on input.
type Candle struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

// Bias marks the direction of a structure element.
type Bias string

const (
	Bullish Bias = "bullish"
	Bearish Bias = "bearish"
)

// Scale distinguishes the two pivot detection lengths.
type Scale string

const (
	ScaleInternal Scale = "internal"
	ScaleSwing    Scale = "swing"
)

// EventKind is a structure-break classification.
type EventKind string

const (
	// BOS continues the standing trend through a pivot.
	BOS EventKind = "BOS"
	// CHoCH breaks a pivot against the standing trend.
	CHoCH EventKind = "CHoCH"
)

// StructureEvent is one confirmed pivot break.
type StructureEvent struct {
	Kind     EventKind `json:"kind"`
	Scale    Scale     `json:"scale"`
	Bias     Bias      `json:"bias"`
	Level    float64   `json:"level"`
	PivotBar int       `json:"pivotBar"`
	BreakBar int       `json:"breakBar"`
	Time     int64     `json:"time"`
}

// OrderBlock is the extreme-volume bar inside a pivot-to-break window.
// Blocks are dropped once a later candle closes through the opposite
// edge, so an exposed block is always unmitigated.
type OrderBlock struct {
	Top      float64 `json:"top"`
	Bottom   float64 `json:"bottom"`
	Bias     Bias    `json:"bias"`
	Volume   float64 `json:"volume"`
	BarIndex int     `json:"barIndex"`
	Time     int64   `json:"time"`
}

// FairValueGap is a three-bar imbalance.
type FairValueGap struct {
	Top       float64 `json:"top"`
	Bottom    float64 `json:"bottom"`
	Bias      Bias    `json:"bias"`
	BarIndex  int     `json:"barIndex"`
	Time      int64   `json:"time"`
	Mitigated bool    `json:"mitigated"`
}

// EqualLevel is a run of same-scale pivots within threshold x ATR.
type EqualLevel struct {
	Price float64 `json:"price"`
	Bars  []int   `json:"bars"`
}

// Zones are the trailing premium/discount bands from the latest swing
// extrema (95/50/5 splits).
type Zones struct {
	PremiumTop        float64 `json:"premiumTop"`
	PremiumBottom     float64 `json:"premiumBottom"`
	EquilibriumTop    float64 `json:"equilibriumTop"`
	EquilibriumBottom float64 `json:"equilibriumBottom"`
	DiscountTop       float64 `json:"discountTop"`
	DiscountBottom    float64 `json:"discountBottom"`
}

// Snapshot is the full SMC state at the last candle.
type Snapshot struct {
	DataGap        bool             `json:"dataGap"`
	Trend          Bias             `json:"trend,omitempty"`
	InternalTrend  Bias             `json:"internalTrend,omitempty"`
	Events         []StructureEvent `json:"events,omitempty"`
	OrderBlocks    []OrderBlock     `json:"orderBlocks,omitempty"`
	FairValueGaps  []FairValueGap   `json:"fairValueGaps,omitempty"`
	EqualHighs     []EqualLevel     `json:"equalHighs,omitempty"`
	EqualLows      []EqualLevel     `json:"equalLows,omitempty"`
	Zones          *Zones           `json:"zones,omitempty"`
	ATR            float64          `json:"atr"`
	MeanRange      float64          `json:"meanRange"`
	LastClose      float64          `json:"lastClose"`
	LastTime       int64            `json:"lastTime"`
}

// Options tune the engine. Zero values use the defaults.
type Options struct {
	InternalLength int     // pivot window, default 5
	SwingLength    int     // pivot window, default 50
	OrderBlocks    int     // exposed count, default 20
	EqualThreshold float64 // multiple of ATR, default 0.1
	FVGThreshold   float64 // min gap height; 0 means auto (running mean x2)
}

func (o Options) withDefaults() Options {
	if o.InternalLength <= 0 {
		o.InternalLength = 5
	}
	if o.SwingLength <= 0 {
		o.SwingLength = 50
	}
	if o.OrderBlocks <= 0 {
		o.OrderBlocks = 20
	}
	if o.EqualThreshold <= 0 {
		o.EqualThreshold = 0.1
	}
	return o
}

// minCandles is the floor below which the engine reports a data gap.
const minCandles = 30

// keptOrderBlocks is the internal retention limit before trimming to the
// exposed count.
const keptOrderBlocks = 100
