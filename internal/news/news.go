// Package news ingests an economic calendar and evaluates pre/post
// event blackout windows that feed a news_risk tag into the signal
// pipeline.
package news

import (
	"sort"
	"strings"
	"time"
)

// Impact levels in ascending severity.
const (
	ImpactLow    = "low"
	ImpactMedium = "medium"
	ImpactHigh   = "high"
)

// TagNewsRisk is prepended to a feature snapshot during a blackout.
const TagNewsRisk = "news_risk"

const maxSnapshotTags = 5

// EconomicEvent is one calendar entry, keyed by (source, sourceId).
type EconomicEvent struct {
	SourceID string    `json:"sourceId"`
	Ts       time.Time `json:"ts"`
	Currency string    `json:"currency"`
	Country  string    `json:"country,omitempty"`
	Title    string    `json:"title"`
	Impact   string    `json:"impact"`
	Forecast string    `json:"forecast,omitempty"`
	Previous string    `json:"previous,omitempty"`
	Actual   string    `json:"actual,omitempty"`
	Source   string    `json:"source"`
}

// BlackoutWindow is the active window around a qualifying event.
type BlackoutWindow struct {
	From  time.Time     `json:"from"`
	To    time.Time     `json:"to"`
	Event EconomicEvent `json:"event"`
}

// BlackoutResult is the outcome of a blackout evaluation.
type BlackoutResult struct {
	NewsRisk     bool            `json:"newsRisk"`
	Currency     string          `json:"currency"`
	ActiveWindow *BlackoutWindow `json:"activeWindow,omitempty"`
	NextEvent    *EconomicEvent  `json:"nextEvent,omitempty"`
}

// BlackoutConfig bounds the window around each event.
type BlackoutConfig struct {
	ImpactMin   string
	PreMinutes  int
	PostMinutes int
}

func (c BlackoutConfig) withDefaults() BlackoutConfig {
	if c.ImpactMin == "" {
		c.ImpactMin = ImpactHigh
	}
	if c.PreMinutes <= 0 {
		c.PreMinutes = 30
	}
	if c.PostMinutes <= 0 {
		c.PostMinutes = 30
	}
	return c
}

// impactRank maps impact labels to a comparable severity. Unknown
// labels (holidays, tentative) rank below low and never qualify.
func impactRank(impact string) int {
	switch strings.ToLower(impact) {
	case ImpactLow:
		return 1
	case ImpactMedium:
		return 2
	case ImpactHigh:
		return 3
	default:
		return 0
	}
}

// EvaluateNewsBlackout reports a blackout when any event with impact at
// least cfg.ImpactMin and matching currency lies inside
// [ts - PreMinutes, ts + PostMinutes]. Among active windows the one
// with the highest impact wins, ties broken by the earlier event. The
// next qualifying future event is reported either way.
func EvaluateNewsBlackout(now time.Time, currency string, events []EconomicEvent, cfg BlackoutConfig) BlackoutResult {
	cfg = cfg.withDefaults()
	minRank := impactRank(cfg.ImpactMin)
	currency = strings.ToUpper(currency)

	res := BlackoutResult{Currency: currency}
	qualifying := make([]EconomicEvent, 0, len(events))
	for _, ev := range events {
		if impactRank(ev.Impact) < minRank {
			continue
		}
		if currency != "" && strings.ToUpper(ev.Currency) != currency {
			continue
		}
		qualifying = append(qualifying, ev)
	}
	sort.Slice(qualifying, func(i, j int) bool {
		return qualifying[i].Ts.Before(qualifying[j].Ts)
	})

	for _, ev := range qualifying {
		from := ev.Ts.Add(-time.Duration(cfg.PreMinutes) * time.Minute)
		to := ev.Ts.Add(time.Duration(cfg.PostMinutes) * time.Minute)
		if now.Before(from) || now.After(to) {
			continue
		}
		if res.ActiveWindow == nil || impactRank(ev.Impact) > impactRank(res.ActiveWindow.Event.Impact) {
			window := BlackoutWindow{From: from, To: to, Event: ev}
			res.ActiveWindow = &window
			res.NewsRisk = true
		}
	}
	for _, ev := range qualifying {
		if ev.Ts.After(now) {
			next := ev
			res.NextEvent = &next
			break
		}
	}
	return res
}

// ApplyNewsRiskToFeatureSnapshot rewrites the snapshot in place from a
// blackout result. Tags are deduplicated, news_risk is prepended when
// active and removed otherwise, and a newsBlackout summary is attached.
// The tag list stays capped at five. Applying the same result twice is
// a no-op.
func ApplyNewsRiskToFeatureSnapshot(snapshot map[string]any, res BlackoutResult) {
	if snapshot == nil {
		return
	}
	tags := snapshotTags(snapshot)
	deduped := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, tag := range tags {
		if tag == TagNewsRisk || seen[tag] {
			continue
		}
		seen[tag] = true
		deduped = append(deduped, tag)
	}

	if res.NewsRisk {
		deduped = append([]string{TagNewsRisk}, deduped...)
		summary := map[string]any{
			"currency": res.Currency,
			"newsRisk": true,
		}
		if res.ActiveWindow != nil {
			summary["from"] = res.ActiveWindow.From.UTC().Format(time.RFC3339)
			summary["to"] = res.ActiveWindow.To.UTC().Format(time.RFC3339)
			summary["event"] = res.ActiveWindow.Event.Title
			summary["impact"] = res.ActiveWindow.Event.Impact
		}
		snapshot["newsBlackout"] = summary
	} else {
		delete(snapshot, "newsBlackout")
	}
	if len(deduped) > maxSnapshotTags {
		deduped = deduped[:maxSnapshotTags]
	}
	snapshot["tags"] = deduped
}

func snapshotTags(snapshot map[string]any) []string {
	switch v := snapshot["tags"].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// quoteCurrencies maps canonical quote assets to the fiat currency
// whose calendar governs them. Stablecoins track USD.
var quoteCurrencies = map[string]string{
	"USDT":  "USD",
	"USDC":  "USD",
	"BUSD":  "USD",
	"FDUSD": "USD",
	"USD":   "USD",
	"EUR":   "EUR",
	"GBP":   "GBP",
	"JPY":   "JPY",
}

// CurrencyForSymbol resolves the calendar currency for a canonical
// BASE/QUOTE symbol. Unknown quotes default to USD.
func CurrencyForSymbol(symbol string) string {
	parts := strings.Split(strings.ToUpper(symbol), "/")
	quote := parts[len(parts)-1]
	if cur, ok := quoteCurrencies[quote]; ok {
		return cur
	}
	return "USD"
}
