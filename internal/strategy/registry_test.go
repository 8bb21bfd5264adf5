package strategy

import (
	"context"
	"net/http"
	"net/http/httptest"
	"reflect"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/prediction"
)

func trendSnapshot() prediction.Snapshot {
	return prediction.Snapshot{
		"tags": []string{"trend"},
		"historyContext": map[string]any{
			"reg": map[string]any{"state": "trend_up", "confidence": 70.0},
			"ema": map[string]any{"stack": "up"},
			"vol": map[string]any{"z": 0.5},
		},
	}
}

func upContext() RunContext {
	return RunContext{Signal: prediction.SignalUp, Confidence: 60, Snapshot: trendSnapshot()}
}

// TestRegimeGateAllowsAlignedSignal verifies an up signal in an up
// regime with an aligned EMA stack passes.
func TestRegimeGateAllowsAlignedSignal(t *testing.T) {
	d := RegimeGate(context.Background(), upContext())
	if !d.Allow {
		t.Fatalf("Expected allow, got %v", d.ReasonCodes)
	}
	if d.Score != 70 {
		t.Errorf("Expected score from regime confidence 70, got %v", d.Score)
	}
}

// TestRegimeGateBlockReasons walks the coded block reasons in order.
func TestRegimeGateBlockReasons(t *testing.T) {
	cases := []struct {
		name   string
		mutate func(rc *RunContext)
		want   string
	}{
		{"missing regime", func(rc *RunContext) {
			rc.Snapshot = prediction.Snapshot{}
		}, ReasonRegimeUnknown},
		{"state not allowed", func(rc *RunContext) {
			rc.Config = map[string]any{"allowStates": []string{"trend_down"}}
		}, ReasonRegimeNotAllowed},
		{"low confidence", func(rc *RunContext) {
			rc.Config = map[string]any{"minConfidence": 80.0}
		}, ReasonRegimeConfidenceLow},
		{"ema conflict", func(rc *RunContext) {
			rc.Snapshot["historyContext"].(map[string]any)["ema"] = map[string]any{"stack": "down"}
		}, ReasonEmaStackConflict},
		{"signal conflict", func(rc *RunContext) {
			rc.Signal = prediction.SignalDown
			rc.Snapshot["historyContext"].(map[string]any)["reg"] = map[string]any{"state": "trend_down", "confidence": 70.0}
			rc.Config = map[string]any{"allowStates": []string{"trend_down"}}
			rc.Snapshot["historyContext"].(map[string]any)["ema"] = map[string]any{"stack": "up"}
		}, ReasonSignalStackConflict},
	}
	for _, tc := range cases {
		rc := upContext()
		tc.mutate(&rc)
		d := RegimeGate(context.Background(), rc)
		if d.Allow {
			t.Errorf("%s: expected block", tc.name)
			continue
		}
		if len(d.ReasonCodes) == 0 || d.ReasonCodes[0] != tc.want {
			t.Errorf("%s: expected reason %s, got %v", tc.name, tc.want, d.ReasonCodes)
		}
	}
}

// TestSignalFilterScoreFormula verifies score = 70 - 10*max(0,|volZ|-1)
// and the 0..30 clamp when blocked.
func TestSignalFilterScoreFormula(t *testing.T) {
	rc := upContext()
	rc.Snapshot["historyContext"].(map[string]any)["vol"] = map[string]any{"z": 2.5}
	d := SignalFilter(context.Background(), rc)
	if !d.Allow {
		t.Fatalf("Expected allow, got %v", d.ReasonCodes)
	}
	if d.Score != 55 {
		t.Errorf("Expected score 55 at volZ 2.5, got %v", d.Score)
	}

	rc.Snapshot["historyContext"].(map[string]any)["vol"] = map[string]any{"z": 6.0}
	d = SignalFilter(context.Background(), rc)
	if d.Allow {
		t.Fatalf("Expected block at volZ 6")
	}
	if d.ReasonCodes[0] != ReasonVolZExceeded {
		t.Errorf("Expected vol_z_exceeded, got %v", d.ReasonCodes)
	}
	if d.Score != 20 {
		t.Errorf("Expected blocked score clamped to 20, got %v", d.Score)
	}
}

// TestSignalFilterRangeHandling verifies the range regime blocks unless
// the trend-tag exception is configured.
func TestSignalFilterRangeHandling(t *testing.T) {
	rc := upContext()
	rc.Snapshot["historyContext"].(map[string]any)["reg"] = map[string]any{"state": "range"}

	d := SignalFilter(context.Background(), rc)
	if d.Allow || d.ReasonCodes[0] != ReasonRangeBlocked {
		t.Errorf("Expected range_state_blocked, got %+v", d)
	}

	rc.Config = map[string]any{"allowRangeWhenTrendTag": true}
	d = SignalFilter(context.Background(), rc)
	if !d.Allow {
		t.Errorf("Expected range allowed with trend tag, got %v", d.ReasonCodes)
	}
}

// TestRunDeterminism verifies identical inputs produce identical
// decisions and hashes.
func TestRunDeterminism(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	def := Definition{ID: "gate1", Type: "regime_gate", Engine: EngineLocal, Config: map[string]any{"minConfidence": 60.0}}

	a := reg.Run(context.Background(), def, upContext())
	b := reg.Run(context.Background(), def, upContext())
	if !reflect.DeepEqual(a, b) {
		t.Errorf("Expected identical decisions, got %+v vs %+v", a, b)
	}
	if a.Meta["configHash"] == "" || a.Meta["configHash"] != b.Meta["configHash"] {
		t.Errorf("Expected stable config hash")
	}
	if a.Meta["snapshotHash"] != b.Meta["snapshotHash"] {
		t.Errorf("Expected stable snapshot hash")
	}
}

// TestPythonShadowModeEnforcesFallback verifies a successful python run
// in shadow mode returns the fallback decision with the python output
// recorded in meta.
func TestPythonShadowModeEnforcesFallback(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/strategies/run" {
			t.Errorf("Expected /v1/strategies/run, got %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"allow":false,"score":10,"reasonCodes":["py_blocked"],"explanation":"python says no"}`))
	}))
	defer server.Close()

	sidecar := NewSidecarClient(SidecarConfig{Enabled: true, URL: server.URL, Timeout: time.Second}, zerolog.Nop())
	reg := NewRegistry(sidecar, zerolog.Nop())
	def := Definition{ID: "py1", Type: "signal_filter", Engine: EnginePython, ShadowMode: true}

	d := reg.Run(context.Background(), def, upContext())
	if !d.Allow {
		t.Fatalf("Expected the local fallback decision to be enforced, got %v", d.ReasonCodes)
	}
	if !contains(d.ReasonCodes, ReasonShadowNotEnforced) {
		t.Errorf("Expected shadow_mode_not_enforced appended, got %v", d.ReasonCodes)
	}
	py, ok := d.Meta["pythonDecision"].(Decision)
	if !ok {
		t.Fatalf("Expected pythonDecision recorded in meta")
	}
	if py.Allow || py.ReasonCodes[0] != "py_blocked" {
		t.Errorf("Expected recorded python output, got %+v", py)
	}
}

// TestPythonFailureFallsBackToLocal verifies a sidecar failure runs the
// same-type local handler with the failure reason appended.
func TestPythonFailureFallsBackToLocal(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	sidecar := NewSidecarClient(SidecarConfig{Enabled: true, URL: server.URL, Timeout: time.Second}, zerolog.Nop())
	reg := NewRegistry(sidecar, zerolog.Nop())
	def := Definition{ID: "py2", Type: "signal_filter", Engine: EnginePython}

	d := reg.Run(context.Background(), def, upContext())
	if !d.Allow {
		t.Fatalf("Expected local fallback to allow, got %v", d.ReasonCodes)
	}
	if !contains(d.ReasonCodes, ReasonPythonCallFailed) {
		t.Errorf("Expected python_call_failed appended, got %v", d.ReasonCodes)
	}
}

// TestPythonNoFallbackBlocks verifies an unregistered python type with
// no fallback yields the deterministic blocked decision.
func TestPythonNoFallbackBlocks(t *testing.T) {
	reg := NewRegistry(nil, zerolog.Nop())
	def := Definition{ID: "py3", Type: "exotic_py_only", Engine: EnginePython}

	d := reg.Run(context.Background(), def, upContext())
	if d.Allow {
		t.Fatalf("Expected block without fallback")
	}
	if !contains(d.ReasonCodes, ReasonPythonNoFallback) {
		t.Errorf("Expected python_unavailable_no_fallback, got %v", d.ReasonCodes)
	}
}

// TestCircuitBreakerOpensAfterConsecutiveFailures verifies repeated
// failures open the breaker and later calls skip the wire entirely.
func TestCircuitBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits++
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	sidecar := NewSidecarClient(SidecarConfig{
		Enabled: true, URL: server.URL, Timeout: time.Second,
		ConsecutiveFailures: 2, CooldownMs: 60_000,
	}, zerolog.Nop())
	reg := NewRegistry(sidecar, zerolog.Nop())
	def := Definition{ID: "py4", Type: "signal_filter", Engine: EnginePython}

	for i := 0; i < 4; i++ {
		reg.Run(context.Background(), def, upContext())
	}
	if hits != 2 {
		t.Errorf("Expected breaker to stop traffic after 2 failures, server saw %d", hits)
	}

	d := reg.Run(context.Background(), def, upContext())
	if !contains(d.ReasonCodes, ReasonPythonCircuitOpen) {
		t.Errorf("Expected python_circuit_open while breaker is open, got %v", d.ReasonCodes)
	}
}
