package prediction

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/aiguard"
)

type fakeStore struct {
	states  map[string]*State
	failPut bool
	puts    int
}

func newFakeStore() *fakeStore {
	return &fakeStore{states: make(map[string]*State)}
}

func (f *fakeStore) GetPredictionState(_ context.Context, key string) (*State, error) {
	if st, ok := f.states[key]; ok {
		copied := *st
		return &copied, nil
	}
	return nil, nil
}

func (f *fakeStore) UpsertPredictionState(_ context.Context, st *State) (int64, error) {
	f.puts++
	if f.failPut {
		return 0, errors.New("connection reset")
	}
	copied := *st
	f.states[st.UniqueKey] = &copied
	return int64(f.puts), nil
}

type fakeExplainer struct {
	calls int
	fail  bool
}

func (f *fakeExplainer) Explain(_ context.Context, _ State, _ *State) (*AiInsight, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("model timeout")
	}
	return &AiInsight{
		Confidence:  72,
		Evidence:    []string{"bos_confirmed", "volume_expansion"},
		Explanation: "structure break with expanding volume",
	}, nil
}

func (f *fakeExplainer) Tag() string { return ExplainerTagOpenAI }

type fakeSink struct{ events []Event }

func (f *fakeSink) Emit(_ context.Context, ev Event) { f.events = append(f.events, ev) }

type fakeThrottle struct {
	taken map[string]bool
}

func (f *fakeThrottle) Acquire(_ context.Context, botID, tf, reason string, _ time.Duration) bool {
	if f.taken == nil {
		f.taken = make(map[string]bool)
	}
	key := botID + ":" + tf + ":" + reason
	if f.taken[key] {
		return false
	}
	f.taken[key] = true
	return true
}

func testService(store *fakeStore, exp *fakeExplainer, sink *fakeSink) *Service {
	s := NewService(store, exp, aiguard.New(), sink, &fakeThrottle{}, Config{
		BaseModelVersion: "smc-v2",
	}, zerolog.Nop())
	return s
}

func testInput() Input {
	return Input{
		BotID:      "bot1",
		Exchange:   "binance",
		AccountID:  "acc1",
		Symbol:     "BTC/USDT",
		MarketType: "spot",
		Timeframe:  "1h",
		Candidate: State{
			Signal:          SignalUp,
			Confidence:      64,
			ExpectedMovePct: 2.5,
			Tags:            []string{"trend", "breakout"},
			KeyDrivers:      []string{"ema_stack"},
			Explanation:     "ema stack aligned up",
			FeatureSnapshot: Snapshot{"emaSpread": 0.002, "rsi": 55.0},
		},
	}
}

// TestFirstRunPersistsWithAiExplanation verifies a first evaluation
// refreshes, calls the explainer and persists the AI-tagged state.
func TestFirstRunPersistsWithAiExplanation(t *testing.T) {
	store, exp, sink := newFakeStore(), &fakeExplainer{}, &fakeSink{}
	svc := testService(store, exp, sink)
	svc.now = func() time.Time { return g0 }

	out, err := svc.GenerateAndPersistPrediction(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !out.Refreshed || !out.Persisted {
		t.Fatalf("Expected refreshed and persisted, got %+v", out)
	}
	if out.Reasons[0] != "scheduled_due" {
		t.Errorf("Expected scheduled_due on first run, got %v", out.Reasons)
	}
	if out.SignalSource != "ai" {
		t.Errorf("Expected ai signal source, got %q", out.SignalSource)
	}
	if exp.calls != 1 {
		t.Errorf("Expected 1 explainer call, got %d", exp.calls)
	}
	if out.ModelVersion != "smc-v2 + openai-explain-v1" {
		t.Errorf("Expected openai-tagged model version, got %q", out.ModelVersion)
	}
	st := store.states[out.Prediction.UniqueKey]
	if st == nil || st.LastAiExplainedAt == nil {
		t.Fatalf("Expected persisted state with lastAiExplainedAt set")
	}
	if len(sink.events) == 0 || sink.events[0].Kind != EventSignalFlip {
		t.Errorf("Expected a signal_flip event, got %+v", sink.events)
	}
}

// TestNoRefreshInsideInterval verifies a quiet tick shortly after the
// last update does nothing.
func TestNoRefreshInsideInterval(t *testing.T) {
	store, exp, sink := newFakeStore(), &fakeExplainer{}, &fakeSink{}
	svc := testService(store, exp, sink)
	svc.now = func() time.Time { return g0 }

	in := testInput()
	key := BuildUniqueKey(in.Exchange, in.AccountID, in.Symbol, in.MarketType, in.Timeframe)
	prev := in.Candidate
	prev.UniqueKey = key
	prev.TsUpdated = g0.Add(-time.Minute)
	store.states[key] = &prev

	out, err := svc.GenerateAndPersistPrediction(context.Background(), in)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if out.Refreshed {
		t.Errorf("Expected no refresh one minute after the last update")
	}
	if store.puts != 0 {
		t.Errorf("Expected no writes, got %d", store.puts)
	}
	if exp.calls != 0 {
		t.Errorf("Expected no explainer calls, got %d", exp.calls)
	}
}

// TestInsignificantRefreshTouchesTimestampOnly verifies a scheduled
// refresh with an unchanged state keeps the standing prediction.
func TestInsignificantRefreshTouchesTimestampOnly(t *testing.T) {
	store, exp, sink := newFakeStore(), &fakeExplainer{}, &fakeSink{}
	svc := testService(store, exp, sink)
	svc.now = func() time.Time { return g0 }

	in := testInput()
	key := BuildUniqueKey(in.Exchange, in.AccountID, in.Symbol, in.MarketType, in.Timeframe)
	prev := in.Candidate
	prev.UniqueKey = key
	prev.Explanation = "standing explanation"
	prev.TsUpdated = g0.Add(-11 * time.Minute) // past the 1h interval of 600s
	store.states[key] = &prev

	out, err := svc.GenerateAndPersistPrediction(context.Background(), in)
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if !out.Refreshed || !out.Persisted {
		t.Fatalf("Expected refreshed and persisted, got %+v", out)
	}
	if exp.calls != 0 {
		t.Errorf("Expected no explainer call for insignificant refresh, got %d", exp.calls)
	}
	st := store.states[key]
	if st.Explanation != "standing explanation" {
		t.Errorf("Expected standing prediction untouched, got %q", st.Explanation)
	}
	if !st.TsUpdated.Equal(g0) {
		t.Errorf("Expected timestamp touched to now")
	}
}

// TestPersistFailureStillReturnsResult verifies a write failure
// surfaces persisted=false with the in-memory prediction intact.
func TestPersistFailureStillReturnsResult(t *testing.T) {
	store, exp, sink := newFakeStore(), &fakeExplainer{}, &fakeSink{}
	store.failPut = true
	svc := testService(store, exp, sink)
	svc.now = func() time.Time { return g0 }

	out, err := svc.GenerateAndPersistPrediction(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Expected no error from persist failure, got %v", err)
	}
	if out.Persisted {
		t.Errorf("Expected persisted false")
	}
	if out.Prediction == nil || out.Prediction.Signal != SignalUp {
		t.Errorf("Expected in-memory prediction returned")
	}
}

// TestExplainerFailureFallsBackToLocal verifies the local explanation
// and tag survive an AI failure.
func TestExplainerFailureFallsBackToLocal(t *testing.T) {
	store, exp, sink := newFakeStore(), &fakeExplainer{fail: true}, &fakeSink{}
	svc := testService(store, exp, sink)
	svc.now = func() time.Time { return g0 }

	out, err := svc.GenerateAndPersistPrediction(context.Background(), testInput())
	if err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	if out.SignalSource != "local" {
		t.Errorf("Expected local signal source on AI failure, got %q", out.SignalSource)
	}
	if out.ModelVersion != "smc-v2 + local-explain-v1" {
		t.Errorf("Expected local-tagged model version, got %q", out.ModelVersion)
	}
	if out.Explanation != "ema stack aligned up" {
		t.Errorf("Expected local explanation kept, got %q", out.Explanation)
	}
}

// TestEventThrottleSuppressesRepeat verifies the second identical event
// within the throttle window is dropped.
func TestEventThrottleSuppressesRepeat(t *testing.T) {
	store, exp, sink := newFakeStore(), &fakeExplainer{}, &fakeSink{}
	svc := testService(store, exp, sink)
	tick := g0
	svc.now = func() time.Time { return tick }

	if _, err := svc.GenerateAndPersistPrediction(context.Background(), testInput()); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	flips := len(sink.events)

	// Flip the signal past the interval so the next run refreshes and
	// would emit signal_flip again.
	tick = g0.Add(11 * time.Minute)
	in := testInput()
	in.Candidate.Signal = SignalDown
	if _, err := svc.GenerateAndPersistPrediction(context.Background(), in); err != nil {
		t.Fatalf("Expected no error, got %v", err)
	}
	for _, ev := range sink.events[flips:] {
		if ev.Kind == EventSignalFlip {
			t.Errorf("Expected repeated signal_flip suppressed by throttle")
		}
	}
}
