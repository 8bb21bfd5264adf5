package news

import (
	"reflect"
	"testing"
	"time"
)

func mkEvent(ts time.Time, currency, impact, title string) EconomicEvent {
	return EconomicEvent{
		SourceID: title,
		Ts:       ts,
		Currency: currency,
		Title:    title,
		Impact:   impact,
		Source:   "calendar",
	}
}

// TestBlackoutWindowBounds verifies the pre/post window around a high
// impact USD event.
func TestBlackoutWindowBounds(t *testing.T) {
	eventTs := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	events := []EconomicEvent{mkEvent(eventTs, "USD", ImpactHigh, "CPI")}
	cfg := BlackoutConfig{ImpactMin: ImpactHigh, PreMinutes: 30, PostMinutes: 30}

	inside := EvaluateNewsBlackout(eventTs.Add(-20*time.Minute), "USD", events, cfg)
	if !inside.NewsRisk {
		t.Fatalf("Expected newsRisk at 11:40Z, got %+v", inside)
	}
	if inside.ActiveWindow == nil || inside.ActiveWindow.Event.Title != "CPI" {
		t.Errorf("Expected CPI active window, got %+v", inside.ActiveWindow)
	}
	if got := inside.ActiveWindow.From; !got.Equal(eventTs.Add(-30 * time.Minute)) {
		t.Errorf("Expected window from 11:30Z, got %v", got)
	}

	after := EvaluateNewsBlackout(eventTs.Add(time.Hour), "USD", events, cfg)
	if after.NewsRisk {
		t.Errorf("Expected no newsRisk at 13:00Z, got %+v", after)
	}
}

// TestBlackoutFiltersImpactAndCurrency verifies events below the
// impact floor or for another currency never trigger.
func TestBlackoutFiltersImpactAndCurrency(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	events := []EconomicEvent{
		mkEvent(now, "USD", ImpactMedium, "PMI"),
		mkEvent(now, "EUR", ImpactHigh, "ECB Rate"),
		mkEvent(now, "USD", "holiday", "Bank Holiday"),
	}
	cfg := BlackoutConfig{ImpactMin: ImpactHigh, PreMinutes: 30, PostMinutes: 30}

	res := EvaluateNewsBlackout(now, "USD", events, cfg)
	if res.NewsRisk {
		t.Errorf("Expected no USD blackout, got %+v", res)
	}

	res = EvaluateNewsBlackout(now, "EUR", events, cfg)
	if !res.NewsRisk || res.ActiveWindow.Event.Title != "ECB Rate" {
		t.Errorf("Expected EUR blackout on ECB Rate, got %+v", res)
	}
}

// TestBlackoutPicksHighestImpact verifies the active window prefers the
// most severe overlapping event.
func TestBlackoutPicksHighestImpact(t *testing.T) {
	now := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	events := []EconomicEvent{
		mkEvent(now.Add(5*time.Minute), "USD", ImpactMedium, "PMI"),
		mkEvent(now.Add(10*time.Minute), "USD", ImpactHigh, "NFP"),
	}
	cfg := BlackoutConfig{ImpactMin: ImpactMedium, PreMinutes: 30, PostMinutes: 30}

	res := EvaluateNewsBlackout(now, "USD", events, cfg)
	if !res.NewsRisk || res.ActiveWindow.Event.Title != "NFP" {
		t.Errorf("Expected NFP window, got %+v", res.ActiveWindow)
	}
}

// TestBlackoutNextEvent verifies the next qualifying future event is
// reported even outside any window.
func TestBlackoutNextEvent(t *testing.T) {
	now := time.Date(2026, 8, 26, 8, 0, 0, 0, time.UTC)
	events := []EconomicEvent{
		mkEvent(now.Add(-2*time.Hour), "USD", ImpactHigh, "Past"),
		mkEvent(now.Add(4*time.Hour), "USD", ImpactHigh, "CPI"),
	}
	cfg := BlackoutConfig{ImpactMin: ImpactHigh, PreMinutes: 30, PostMinutes: 30}

	res := EvaluateNewsBlackout(now, "USD", events, cfg)
	if res.NewsRisk {
		t.Fatalf("Expected no active window, got %+v", res)
	}
	if res.NextEvent == nil || res.NextEvent.Title != "CPI" {
		t.Errorf("Expected CPI as next event, got %+v", res.NextEvent)
	}
}

// TestApplySnapshotPrependsAndRemoves verifies the news_risk tag is
// prepended during a blackout and removed afterwards.
func TestApplySnapshotPrependsAndRemoves(t *testing.T) {
	eventTs := time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC)
	window := BlackoutWindow{
		From:  eventTs.Add(-30 * time.Minute),
		To:    eventTs.Add(30 * time.Minute),
		Event: mkEvent(eventTs, "USD", ImpactHigh, "CPI"),
	}
	active := BlackoutResult{NewsRisk: true, Currency: "USD", ActiveWindow: &window}

	snapshot := map[string]any{"tags": []string{"trend", "breakout"}}
	ApplyNewsRiskToFeatureSnapshot(snapshot, active)

	tags, _ := snapshot["tags"].([]string)
	want := []string{"news_risk", "trend", "breakout"}
	if !reflect.DeepEqual(tags, want) {
		t.Fatalf("Expected %v, got %v", want, tags)
	}
	if snapshot["newsBlackout"] == nil {
		t.Errorf("Expected newsBlackout summary attached")
	}

	ApplyNewsRiskToFeatureSnapshot(snapshot, BlackoutResult{Currency: "USD"})
	tags, _ = snapshot["tags"].([]string)
	if !reflect.DeepEqual(tags, []string{"trend", "breakout"}) {
		t.Errorf("Expected news_risk removed, got %v", tags)
	}
	if _, ok := snapshot["newsBlackout"]; ok {
		t.Errorf("Expected newsBlackout summary removed")
	}
}

// TestApplySnapshotIdempotent verifies applying the same result twice
// is a no-op.
func TestApplySnapshotIdempotent(t *testing.T) {
	active := BlackoutResult{NewsRisk: true, Currency: "USD"}
	snapshot := map[string]any{"tags": []string{"trend", "trend", "breakout"}}

	ApplyNewsRiskToFeatureSnapshot(snapshot, active)
	first, _ := snapshot["tags"].([]string)
	firstCopy := append([]string(nil), first...)

	ApplyNewsRiskToFeatureSnapshot(snapshot, active)
	second, _ := snapshot["tags"].([]string)
	if !reflect.DeepEqual(firstCopy, second) {
		t.Errorf("Expected stable tags across re-apply, got %v then %v", firstCopy, second)
	}
	if second[0] != TagNewsRisk {
		t.Errorf("Expected news_risk first, got %v", second)
	}
}

// TestApplySnapshotCapsTags verifies the five-tag cap survives the
// prepend.
func TestApplySnapshotCapsTags(t *testing.T) {
	snapshot := map[string]any{"tags": []string{"a", "b", "c", "d", "e"}}
	ApplyNewsRiskToFeatureSnapshot(snapshot, BlackoutResult{NewsRisk: true, Currency: "USD"})

	tags, _ := snapshot["tags"].([]string)
	if len(tags) != 5 {
		t.Fatalf("Expected 5 tags, got %d: %v", len(tags), tags)
	}
	if tags[0] != TagNewsRisk || tags[4] != "d" {
		t.Errorf("Expected [news_risk a b c d], got %v", tags)
	}
}

// TestCurrencyForSymbol verifies quote-asset to calendar-currency
// resolution.
func TestCurrencyForSymbol(t *testing.T) {
	cases := []struct {
		symbol string
		want   string
	}{
		{"BTC/USDT", "USD"},
		{"ETH/USDC", "USD"},
		{"BTC/EUR", "EUR"},
		{"XRP/JPY", "JPY"},
		{"BTC/DOGE", "USD"},
	}
	for _, tc := range cases {
		if got := CurrencyForSymbol(tc.symbol); got != tc.want {
			t.Errorf("CurrencyForSymbol(%s) = %s, want %s", tc.symbol, got, tc.want)
		}
	}
}
