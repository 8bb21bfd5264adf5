package news

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/config"
)

type memEventStore struct {
	events map[string]EconomicEvent // keyed by source:sourceId
}

func newMemEventStore() *memEventStore {
	return &memEventStore{events: make(map[string]EconomicEvent)}
}

func (s *memEventStore) UpsertEconomicEvents(_ context.Context, events []EconomicEvent) error {
	for _, ev := range events {
		s.events[ev.Source+":"+ev.SourceID] = ev
	}
	return nil
}

func (s *memEventStore) ListEconomicEvents(_ context.Context, currency string, from, to time.Time) ([]EconomicEvent, error) {
	var out []EconomicEvent
	for _, ev := range s.events {
		if ev.Currency != currency {
			continue
		}
		if ev.Ts.Before(from) || !ev.Ts.Before(to) {
			continue
		}
		out = append(out, ev)
	}
	return out, nil
}

func calendarServer(t *testing.T, items []calendarItem) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("from") == "" || r.URL.Query().Get("to") == "" {
			t.Errorf("Expected from/to query params, got %q", r.URL.RawQuery)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(items)
	}))
}

func testService(cfg config.NewsConfig, store EventStore) *Service {
	svc := NewService(cfg, store, nil, zerolog.Nop())
	svc.now = func() time.Time {
		return time.Date(2026, 8, 26, 11, 40, 0, 0, time.UTC)
	}
	return svc
}

// TestRefreshFiltersAndUpserts verifies the refresh keeps only the
// configured currencies and is idempotent on the (source, sourceId)
// key.
func TestRefreshFiltersAndUpserts(t *testing.T) {
	server := calendarServer(t, []calendarItem{
		{ID: "1", Date: "2026-08-26 12:00:00", Currency: "USD", Title: "CPI", Impact: "High"},
		{ID: "2", Date: "2026-08-27T09:00:00", Currency: "EUR", Title: "ECB Rate", Impact: "high"},
		{ID: "3", Date: "2026-08-26 14:00:00", Currency: "GBP", Title: "BoE Minutes", Impact: "medium"},
		{ID: "4", Date: "not-a-date", Currency: "USD", Title: "Broken", Impact: "high"},
	})
	defer server.Close()

	store := newMemEventStore()
	svc := testService(config.NewsConfig{
		Enabled:     true,
		CalendarURL: server.URL,
		Currencies:  []string{"USD", "EUR"},
		ImpactMin:   "high",
		PreMinutes:  30,
		PostMinutes: 30,
	}, store)

	n, err := svc.RefreshEconomicCalendar(context.Background())
	if err != nil {
		t.Fatalf("Expected refresh ok, got %v", err)
	}
	if n != 2 {
		t.Errorf("Expected 2 events kept, got %d", n)
	}
	if _, ok := store.events["calendar:1"]; !ok {
		t.Errorf("Expected USD CPI stored")
	}
	if _, ok := store.events["calendar:3"]; ok {
		t.Errorf("Expected GBP event filtered out")
	}

	// Second refresh with the same payload must not duplicate.
	if _, err := svc.RefreshEconomicCalendar(context.Background()); err != nil {
		t.Fatalf("Expected second refresh ok, got %v", err)
	}
	if len(store.events) != 2 {
		t.Errorf("Expected 2 events after re-refresh, got %d", len(store.events))
	}
}

// TestRefreshDisabled verifies a disabled overlay is a no-op.
func TestRefreshDisabled(t *testing.T) {
	svc := testService(config.NewsConfig{Enabled: false}, newMemEventStore())
	n, err := svc.RefreshEconomicCalendar(context.Background())
	if err != nil || n != 0 {
		t.Errorf("Expected (0, nil), got (%d, %v)", n, err)
	}
}

// TestEvaluateNewsRiskForSymbol verifies the stored-event path flags a
// USDT pair inside the USD window.
func TestEvaluateNewsRiskForSymbol(t *testing.T) {
	store := newMemEventStore()
	store.events["calendar:1"] = EconomicEvent{
		SourceID: "1",
		Ts:       time.Date(2026, 8, 26, 12, 0, 0, 0, time.UTC),
		Currency: "USD",
		Title:    "CPI",
		Impact:   ImpactHigh,
		Source:   "calendar",
	}
	svc := testService(config.NewsConfig{
		Enabled:     true,
		Currencies:  []string{"USD"},
		ImpactMin:   "high",
		PreMinutes:  30,
		PostMinutes: 30,
	}, store)

	res, err := svc.EvaluateNewsRiskForSymbol(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !res.NewsRisk || res.Currency != "USD" {
		t.Errorf("Expected USD newsRisk at 11:40Z, got %+v", res)
	}

	blocked, err := svc.Blackout(context.Background(), "BTC/USDT")
	if err != nil || !blocked {
		t.Errorf("Expected blackout true, got (%v, %v)", blocked, err)
	}
}

// TestBlackoutDegradesOpen verifies a store failure does not block
// quoting.
func TestBlackoutDegradesOpen(t *testing.T) {
	svc := testService(config.NewsConfig{Enabled: true, ImpactMin: "high"}, failingStore{})
	blocked, err := svc.Blackout(context.Background(), "BTC/USDT")
	if err != nil {
		t.Fatalf("Expected degraded-open nil error, got %v", err)
	}
	if blocked {
		t.Errorf("Expected blackout false on store failure")
	}
}

type failingStore struct{}

func (failingStore) UpsertEconomicEvents(_ context.Context, _ []EconomicEvent) error {
	return context.DeadlineExceeded
}

func (failingStore) ListEconomicEvents(_ context.Context, _ string, _, _ time.Time) ([]EconomicEvent, error) {
	return nil, context.DeadlineExceeded
}
