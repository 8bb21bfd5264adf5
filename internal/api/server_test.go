package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/config"
	"mm-control-plane/internal/composite"
	"mm-control-plane/internal/license"
	"mm-control-plane/internal/news"
	"mm-control-plane/internal/orchestrator"
	"mm-control-plane/internal/prediction"
	"mm-control-plane/internal/strategy"
)

type apiQueue struct{ jobs map[string]*orchestrator.Job }

func (q *apiQueue) Poll() bool { return false }

func (q *apiQueue) GetJob(_ context.Context, id string) (*orchestrator.Job, error) {
	if j, ok := q.jobs[id]; ok {
		return j, nil
	}
	return nil, nil
}

func (q *apiQueue) Add(_ context.Context, id, payload string) error {
	if _, ok := q.jobs[id]; ok {
		return orchestrator.ErrDuplicateID
	}
	q.jobs[id] = &orchestrator.Job{ID: id, State: orchestrator.JobWaiting, Payload: payload}
	return nil
}

func (q *apiQueue) Remove(_ context.Context, id string) error { delete(q.jobs, id); return nil }

func (q *apiQueue) SetState(_ context.Context, id, state string) error {
	if j, ok := q.jobs[id]; ok {
		j.State = state
	}
	return nil
}

func (q *apiQueue) Next(_ context.Context) (*orchestrator.Job, error) { return nil, nil }

type apiBotStore struct{ runtimes map[string]*orchestrator.BotRuntime }

func (s *apiBotStore) GetBotRuntime(_ context.Context, botID string) (*orchestrator.BotRuntime, error) {
	return s.runtimes[botID], nil
}

func (s *apiBotStore) UpsertBotRuntime(_ context.Context, rt *orchestrator.BotRuntime) error {
	s.runtimes[rt.BotID] = rt
	return nil
}

func (s *apiBotStore) CountBots(_ context.Context, _ string) (int, int, error) { return 1, 0, nil }

type apiGate struct{ decision license.Decision }

func (g *apiGate) EnforceBotStart(_ context.Context, _ license.StartRequest) license.Decision {
	return g.decision
}

type apiEventStore struct{ events []news.EconomicEvent }

func (s *apiEventStore) UpsertEconomicEvents(_ context.Context, events []news.EconomicEvent) error {
	s.events = append(s.events, events...)
	return nil
}

func (s *apiEventStore) ListEconomicEvents(_ context.Context, currency string, _, _ time.Time) ([]news.EconomicEvent, error) {
	var out []news.EconomicEvent
	for _, ev := range s.events {
		if ev.Currency == currency {
			out = append(out, ev)
		}
	}
	return out, nil
}

func testServer(t *testing.T, orch *orchestrator.Orchestrator, newsSvc *news.Service, runComposite CompositeRunner) *Server {
	t.Helper()
	return NewServer(
		config.ServerConfig{Host: "127.0.0.1", Port: 0, AllowedOrigins: "*"},
		nil, orch, nil, strategy.NewRegistry(nil, zerolog.Nop()), newsSvc, nil,
		runComposite, zerolog.Nop(),
	)
}

func doJSON(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

// TestHealthWithoutStore verifies /health answers ok when no database
// is wired.
func TestHealthWithoutStore(t *testing.T) {
	s := testServer(t, nil, nil, nil)
	w := doJSON(s, http.MethodGet, "/health", "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected 200, got %d", w.Code)
	}
}

// TestStartBotDenied verifies a license denial surfaces as 403 with
// the decision payload.
func TestStartBotDenied(t *testing.T) {
	orch := orchestrator.New(
		&apiBotStore{runtimes: map[string]*orchestrator.BotRuntime{}},
		&apiQueue{jobs: map[string]*orchestrator.Job{}},
		&apiGate{decision: license.Decision{Allowed: false, Reason: license.DecisionExchangeNotAllowed}},
		zerolog.Nop(),
	)
	s := testServer(t, orch, nil, nil)

	w := doJSON(s, http.MethodPost, "/api/bots/bot1/start", `{"userId":"u1","exchange":"p2b"}`)
	if w.Code != http.StatusForbidden {
		t.Fatalf("Expected 403, got %d: %s", w.Code, w.Body.String())
	}
	var res orchestrator.StartResult
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatalf("Expected decision payload, got %v", err)
	}
	if res.Reason != license.DecisionExchangeNotAllowed {
		t.Errorf("Expected exchange_not_allowed, got %q", res.Reason)
	}
}

// TestEnqueueRunEndpoint verifies the idempotent enqueue result shape.
func TestEnqueueRunEndpoint(t *testing.T) {
	orch := orchestrator.New(
		&apiBotStore{runtimes: map[string]*orchestrator.BotRuntime{}},
		&apiQueue{jobs: map[string]*orchestrator.Job{}},
		&apiGate{decision: license.Decision{Allowed: true, Reason: license.DecisionOK}},
		zerolog.Nop(),
	)
	s := testServer(t, orch, nil, nil)

	w := doJSON(s, http.MethodPost, "/api/bots/bot1/enqueue", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", w.Code)
	}
	var res orchestrator.EnqueueResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.JobID != "bot-bot1" || !res.Queued {
		t.Errorf("Expected {bot-bot1, queued}, got %+v", res)
	}

	w = doJSON(s, http.MethodPost, "/api/bots/bot1/enqueue", "")
	json.Unmarshal(w.Body.Bytes(), &res)
	if res.Queued {
		t.Errorf("Expected queued=false on second enqueue")
	}
}

// TestRunStrategyEndpoint verifies a built-in strategy executes over
// the wire shape.
func TestRunStrategyEndpoint(t *testing.T) {
	s := testServer(t, nil, nil, nil)

	body := `{
		"strategyId": "regime_gate",
		"signal": "up",
		"confidence": 70,
		"snapshot": {
			"historyContext": {
				"reg": {"state": "trend_up", "confidence": 80},
				"ema": {"stack": "bullish"}
			}
		}
	}`
	w := doJSON(s, http.MethodPost, "/api/strategies/run", body)
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var decision strategy.Decision
	if err := json.Unmarshal(w.Body.Bytes(), &decision); err != nil {
		t.Fatalf("Expected decision, got %v", err)
	}
	if !decision.Allow {
		t.Errorf("Expected allow for aligned regime, got %+v", decision)
	}
}

// TestRunStrategyUnknown verifies unknown strategy ids answer 404.
func TestRunStrategyUnknown(t *testing.T) {
	s := testServer(t, nil, nil, nil)
	w := doJSON(s, http.MethodPost, "/api/strategies/run", `{"strategyId":"nope"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("Expected 404, got %d", w.Code)
	}
}

// TestRunCompositeInvalidGraph verifies validation failures answer 422
// with the validation payload.
func TestRunCompositeInvalidGraph(t *testing.T) {
	runner := func(ctx context.Context, in composite.Input) composite.Result {
		return composite.Result{Validation: composite.Validation{Valid: false, Errors: []string{"cycle"}}}
	}
	s := testServer(t, nil, nil, runner)

	w := doJSON(s, http.MethodPost, "/api/strategies/composite/run", `{"nodes":[{"id":"a","kind":"local","refId":"x"}]}`)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d: %s", w.Code, w.Body.String())
	}
}

// TestNewsBlackoutEndpoint verifies the blackout surface end to end
// with a stored event.
func TestNewsBlackoutEndpoint(t *testing.T) {
	eventStore := &apiEventStore{events: []news.EconomicEvent{{
		SourceID: "1",
		Ts:       time.Now().UTC().Add(10 * time.Minute),
		Currency: "USD",
		Title:    "CPI",
		Impact:   news.ImpactHigh,
		Source:   "calendar",
	}}}
	newsSvc := news.NewService(config.NewsConfig{
		Enabled:     true,
		Currencies:  []string{"USD"},
		ImpactMin:   "high",
		PreMinutes:  30,
		PostMinutes: 30,
	}, eventStore, nil, zerolog.Nop())
	s := testServer(t, nil, newsSvc, nil)

	w := doJSON(s, http.MethodGet, "/api/news/blackout?symbol=BTC/USDT", "")
	if w.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", w.Code, w.Body.String())
	}
	var res news.BlackoutResult
	json.Unmarshal(w.Body.Bytes(), &res)
	if !res.NewsRisk {
		t.Errorf("Expected newsRisk true, got %+v", res)
	}
}

// TestNilCollaborators verifies unwired surfaces answer 503 instead of
// panicking.
func TestNilCollaborators(t *testing.T) {
	s := testServer(t, nil, nil, nil)
	cases := []struct {
		method, path, body string
	}{
		{http.MethodPost, "/api/bots/bot1/start", `{"userId":"u","exchange":"binance"}`},
		{http.MethodPost, "/api/bots/bot1/enqueue", ""},
		{http.MethodPost, "/api/predictions/refresh", `{"exchange":"binance","symbol":"BTC/USDT","timeframe":"1h"}`},
		{http.MethodPost, "/api/strategies/composite/run", `{"nodes":[]}`},
		{http.MethodGet, "/api/news/blackout?symbol=BTC/USDT", ""},
		{http.MethodGet, "/api/license/u1", ""},
	}
	for _, tc := range cases {
		w := doJSON(s, tc.method, tc.path, tc.body)
		if w.Code != http.StatusServiceUnavailable {
			t.Errorf("%s %s: expected 503, got %d", tc.method, tc.path, w.Code)
		}
	}
}

// TestHubBroadcastEncodes verifies the sink adapter frames prediction
// events as JSON broadcasts.
func TestHubBroadcastEncodes(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	hub.Emit(context.Background(), prediction.Event{Kind: prediction.EventSignalFlip, UniqueKey: "k"})
	select {
	case raw := <-hub.broadcast:
		var msg map[string]any
		if err := json.Unmarshal(raw, &msg); err != nil {
			t.Fatalf("Expected JSON frame, got %v", err)
		}
		if msg["type"] != "prediction_event" {
			t.Errorf("Expected prediction_event frame, got %v", msg["type"])
		}
	default:
		t.Fatalf("Expected a buffered broadcast frame")
	}
}

// TestHubShutdownReleasesClients verifies register and unregister
// callers are released once the hub loop has exited.
func TestHubShutdownReleasesClients(t *testing.T) {
	hub := NewWSHub(zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	client := &wsClient{send: make(chan []byte, 1), hub: hub}
	accepted := make(chan bool, 1)
	go func() { accepted <- hub.addClient(client) }()
	select {
	case ok := <-accepted:
		if ok {
			t.Error("Expected registration to be refused after shutdown")
		}
	case <-time.After(time.Second):
		t.Fatal("addClient blocked after hub shutdown")
	}

	released := make(chan struct{})
	go func() {
		hub.removeClient(client)
		close(released)
	}()
	select {
	case <-released:
	case <-time.After(time.Second):
		t.Fatal("removeClient blocked after hub shutdown")
	}
}
