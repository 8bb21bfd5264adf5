// Package trigger decides when a prediction for one (bot, timeframe)
// pair must be refreshed: either on schedule or on a debounced feature
// trigger with hysteresis bucketing.
package trigger

import (
	"math"
	"time"
)

// Refresh reason codes, stable across releases.
const (
	ReasonScheduledDue    = "scheduled_due"
	ReasonTrendFlip       = "trend_flip"
	ReasonTrendRankChange = "trend_rank_change"
	ReasonRSIBucketChange = "rsi_bucket_change"
	ReasonVolRankChange   = "vol_rank_change"
	ReasonBreakoutCross   = "breakout_cross"
	ReasonFundingCross    = "funding_cross"
	ReasonBasisCross      = "basis_cross"
	ReasonDataGap         = "data_gap"
)

// Fixed trigger thresholds.
const (
	breakoutEnter    = 0.8
	fundingEnter     = 0.0005
	basisEnterBps    = 8.0
	rankEnter        = 70.0
	rsiOverbought    = 70.0
	rsiOversold      = 30.0
	defaultHysteresis = 0.6
)

// trendEnterEps is the per-timeframe EMA-spread threshold for a trend
// flip. Exit epsilon is enter multiplied by the hysteresis ratio.
var trendEnterEps = map[string]float64{
	"5m":  0.0005,
	"15m": 0.0008,
	"1h":  0.001,
	"4h":  0.0015,
	"1d":  0.002,
}

// Features are the inputs the trigger engine reads from a feature
// snapshot. Rank values run 0..100.
type Features struct {
	EmaSpread     float64
	TrendRank     float64
	RSI           float64
	VolRank       float64
	BreakoutScore float64
	FundingRate   float64
	BasisBps      float64
	DataGap       bool
}

// Buckets is the hysteresis-classified view of the features. It is
// persisted between evaluations so classifiers can hold their state
// inside the enter/exit band.
type Buckets struct {
	Trend     string `json:"trend"`     // up, down, neutral
	TrendRank string `json:"trendRank"` // high, low
	RSI       string `json:"rsi"`       // overbought, oversold, neutral
	VolRank   string `json:"volRank"`   // high, low
	Breakout  bool   `json:"breakout"`
	Funding   bool   `json:"funding"`
	Basis     bool   `json:"basis"`
}

// DebounceState carries the pending trigger candidate. Reset whenever a
// refresh fires.
type DebounceState struct {
	CandidateReason  string `json:"candidateReason,omitempty"`
	CandidateCount   int    `json:"candidateCount"`
	CandidateSinceMs int64  `json:"candidateSinceMs,omitempty"`
}

// Config tunes the engine. Zero values fall back to the defaults.
type Config struct {
	RefreshIntervals map[string]time.Duration // per timeframe
	DebounceSec      int
	HysteresisRatio  float64
}

// DefaultRefreshIntervals are the scheduled refresh periods per
// timeframe.
var DefaultRefreshIntervals = map[string]time.Duration{
	"5m":  180 * time.Second,
	"15m": 300 * time.Second,
	"1h":  600 * time.Second,
	"4h":  1800 * time.Second,
	"1d":  10800 * time.Second,
}

func (c Config) interval(tf string) time.Duration {
	if c.RefreshIntervals != nil {
		if d, ok := c.RefreshIntervals[tf]; ok && d > 0 {
			return d
		}
	}
	if d, ok := DefaultRefreshIntervals[tf]; ok {
		return d
	}
	return DefaultRefreshIntervals["1h"]
}

func (c Config) ratio() float64 {
	if c.HysteresisRatio > 0 {
		return c.HysteresisRatio
	}
	return defaultHysteresis
}

func (c Config) debounce() time.Duration {
	if c.DebounceSec > 0 {
		return time.Duration(c.DebounceSec) * time.Second
	}
	return 90 * time.Second
}

// Input is one evaluation of the engine.
type Input struct {
	Timeframe   string
	Now         time.Time
	LastUpdated time.Time
	Features    Features
	PrevBuckets Buckets
	State       DebounceState
	Config      Config
}

// Result reports the decision plus the state to persist.
type Result struct {
	Refresh bool
	Reasons []string
	Buckets Buckets
	State   DebounceState
}

// ShouldRefreshTF evaluates one tick. The scheduled interval always
// wins; feature triggers pass through debounce before firing.
func ShouldRefreshTF(in Input) Result {
	buckets := classify(in.Features, in.PrevBuckets, in.Timeframe, in.Config.ratio())

	if in.Now.Sub(in.LastUpdated) >= in.Config.interval(in.Timeframe) {
		return Result{
			Refresh: true,
			Reasons: []string{ReasonScheduledDue},
			Buckets: buckets,
			State:   DebounceState{},
		}
	}

	reason := firstTrigger(in.Features, in.PrevBuckets, buckets)
	if reason == "" {
		return Result{Buckets: buckets, State: DebounceState{}}
	}

	st := in.State
	nowMs := in.Now.UnixMilli()
	if st.CandidateReason == reason {
		st.CandidateCount++
	} else {
		st = DebounceState{CandidateReason: reason, CandidateCount: 1, CandidateSinceMs: nowMs}
	}

	held := st.CandidateSinceMs > 0 && nowMs-st.CandidateSinceMs >= in.Config.debounce().Milliseconds()
	if st.CandidateCount >= 2 || held {
		return Result{
			Refresh: true,
			Reasons: []string{reason},
			Buckets: buckets,
			State:   DebounceState{},
		}
	}
	return Result{Buckets: buckets, State: st}
}

// firstTrigger walks the triggers in priority order and returns the
// first bucket change, or empty when nothing moved.
func firstTrigger(f Features, prev, cur Buckets) string {
	switch {
	case cur.Trend != prev.Trend && prev.Trend != "":
		return ReasonTrendFlip
	case cur.TrendRank != prev.TrendRank && prev.TrendRank != "":
		return ReasonTrendRankChange
	case cur.RSI != prev.RSI && prev.RSI != "":
		return ReasonRSIBucketChange
	case cur.VolRank != prev.VolRank && prev.VolRank != "":
		return ReasonVolRankChange
	case cur.Breakout != prev.Breakout:
		return ReasonBreakoutCross
	case cur.Funding != prev.Funding:
		return ReasonFundingCross
	case cur.Basis != prev.Basis:
		return ReasonBasisCross
	case f.DataGap:
		return ReasonDataGap
	}
	return ""
}

// classify buckets every feature with hysteresis against the previous
// bucket.
func classify(f Features, prev Buckets, tf string, ratio float64) Buckets {
	enter := trendEnterEps["1h"]
	if eps, ok := trendEnterEps[tf]; ok {
		enter = eps
	}
	return Buckets{
		Trend:     trendBucket(f.EmaSpread, prev.Trend, enter, enter*ratio),
		TrendRank: highLowBucket(f.TrendRank, prev.TrendRank, rankEnter, ratio),
		RSI:       rsiBucket(f.RSI, prev.RSI, ratio),
		VolRank:   highLowBucket(f.VolRank, prev.VolRank, rankEnter, ratio),
		Breakout:  boolBucket(f.BreakoutScore, prev.Breakout, breakoutEnter, ratio),
		Funding:   boolBucket(math.Abs(f.FundingRate), prev.Funding, fundingEnter, ratio),
		Basis:     boolBucket(math.Abs(f.BasisBps), prev.Basis, basisEnterBps, ratio),
	}
}

// trendBucket flips to up/down only past enter and falls back to
// neutral only below exit.
func trendBucket(spread float64, prev string, enter, exit float64) string {
	switch prev {
	case "up":
		if spread < -enter {
			return "down"
		}
		if spread < exit {
			return "neutral"
		}
		return "up"
	case "down":
		if spread > enter {
			return "up"
		}
		if spread > -exit {
			return "neutral"
		}
		return "down"
	default:
		if spread > enter {
			return "up"
		}
		if spread < -enter {
			return "down"
		}
		return "neutral"
	}
}

// highLowBucket enters high above enter, exits below enter x ratio.
func highLowBucket(v float64, prev string, enter, ratio float64) string {
	if prev == "high" {
		if v < enter*ratio {
			return "low"
		}
		return "high"
	}
	if v >= enter {
		return "high"
	}
	return "low"
}

// rsiBucket classifies overbought/oversold with hysteresis at both
// boundaries.
func rsiBucket(v float64, prev string, ratio float64) string {
	switch prev {
	case "overbought":
		if v >= rsiOverbought*ratio {
			return "overbought"
		}
	case "oversold":
		// exit band widens symmetrically above the oversold line
		if v <= rsiOversold+(rsiOverbought-rsiOversold)*(1-ratio) {
			return "oversold"
		}
	}
	if v >= rsiOverbought {
		return "overbought"
	}
	if v <= rsiOversold {
		return "oversold"
	}
	return "neutral"
}

// boolBucket enters above enter and exits below enter x ratio.
func boolBucket(v float64, prev bool, enter, ratio float64) bool {
	if prev {
		return v >= enter*ratio
	}
	return v >= enter
}
