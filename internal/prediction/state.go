// Package prediction owns per-(bot,timeframe) prediction state: the
// refresh service that composes the indicator and trigger passes, the
// significance rules, and the AI quality gate.
package prediction

import (
	"fmt"
	"strings"
	"time"
)

// Signal is the direction of a prediction.
type Signal string

const (
	SignalUp      Signal = "up"
	SignalDown    Signal = "down"
	SignalNeutral Signal = "neutral"
)

// Explainer tags appended to the model version.
const (
	ExplainerTagLocal  = "local-explain-v1"
	ExplainerTagOpenAI = "openai-explain-v1"
)

const (
	maxTags       = 5
	maxKeyDrivers = 5
	// unstable when this many flips land inside the window
	unstableFlips  = 4
	unstableWindow = 30 * time.Minute
)

// Snapshot is the frozen feature map a prediction was computed from.
// Reserved paths use dotted keys (historyContext.reg.state, mtf.*).
type Snapshot map[string]any

// Float reads a numeric value at a dotted path, tolerating both nested
// maps and flat dotted keys.
func (s Snapshot) Float(path string) (float64, bool) {
	v, ok := s.lookup(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// String reads a string value at a dotted path.
func (s Snapshot) String(path string) (string, bool) {
	v, ok := s.lookup(path)
	if !ok {
		return "", false
	}
	str, ok := v.(string)
	return str, ok
}

// Bool reads a boolean value at a dotted path.
func (s Snapshot) Bool(path string) bool {
	v, ok := s.lookup(path)
	if !ok {
		return false
	}
	b, _ := v.(bool)
	return b
}

// Tags returns the tags slice, empty when absent.
func (s Snapshot) Tags() []string {
	v, ok := s["tags"]
	if !ok {
		return nil
	}
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	}
	return nil
}

// SetTags replaces the tags slice.
func (s Snapshot) SetTags(tags []string) {
	s["tags"] = tags
}

func (s Snapshot) lookup(path string) (any, bool) {
	if v, ok := s[path]; ok {
		return v, true
	}
	parts := strings.Split(path, ".")
	var cur any = map[string]any(s)
	for _, p := range parts {
		m, ok := cur.(map[string]any)
		if !ok {
			if snap, ok2 := cur.(Snapshot); ok2 {
				m = map[string]any(snap)
			} else {
				return nil, false
			}
		}
		cur, ok = m[p]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Clone produces a shallow copy with its own tags slice, enough to
// freeze a snapshot before mutation by the news overlay.
func (s Snapshot) Clone() Snapshot {
	out := make(Snapshot, len(s))
	for k, v := range s {
		out[k] = v
	}
	if tags := s.Tags(); tags != nil {
		copied := make([]string, len(tags))
		copy(copied, tags)
		out["tags"] = copied
	}
	return out
}

// State is one persisted prediction row.
type State struct {
	UniqueKey         string     `json:"uniqueKey"`
	Signal            Signal     `json:"signal"`
	Confidence        float64    `json:"confidence"`      // 0..100
	ExpectedMovePct   float64    `json:"expectedMovePct"` // 0..25
	Tags              []string   `json:"tags,omitempty"`
	KeyDrivers        []string   `json:"keyDrivers,omitempty"`
	Explanation       string     `json:"explanation,omitempty"`
	FeatureSnapshot   Snapshot   `json:"featureSnapshot,omitempty"`
	ModelVersion      string     `json:"modelVersion"`
	TsUpdated         time.Time  `json:"tsUpdated"`
	LastAiExplainedAt *time.Time `json:"lastAiExplainedAt,omitempty"`
	Unstable          bool       `json:"unstable,omitempty"`
	FlipTimesMs       []int64    `json:"flipTimesMs,omitempty"`
}

// BuildUniqueKey produces the canonical row key.
func BuildUniqueKey(exchange, accountID, symbol, marketType, timeframe string) string {
	return fmt.Sprintf("%s:%s:%s:%s:%s",
		strings.ToLower(exchange), accountID, strings.ToUpper(symbol), marketType, timeframe)
}

// ModelVersion combines the base engine version with the explainer tag.
func ModelVersion(base, explainerTag string) string {
	return base + " + " + explainerTag
}

// AiInsight is the explainer contract.
type AiInsight struct {
	Confidence      float64        `json:"confidence"`
	Evidence        []string       `json:"evidence"`
	SuggestedConfig map[string]any `json:"suggestedConfig,omitempty"`
	Explanation     string         `json:"explanation"`
}

// capStrings dedups in order and truncates to limit.
func capStrings(in []string, limit int) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
		if len(out) == limit {
			break
		}
	}
	return out
}

// recordFlip appends a flip timestamp and reports instability when the
// window holds enough of them.
func recordFlip(times []int64, nowMs int64) ([]int64, bool) {
	cutoff := nowMs - unstableWindow.Milliseconds()
	kept := times[:0:0]
	for _, ts := range times {
		if ts >= cutoff {
			kept = append(kept, ts)
		}
	}
	kept = append(kept, nowMs)
	return kept, len(kept) >= unstableFlips
}
