package license

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

const testKey = "test-signing-key"

// licenseServer issues signed entitlement tokens for the given plan.
func licenseServer(t *testing.T, ent Entitlements) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/entitlements" {
			t.Errorf("Expected /v1/entitlements, got %s", r.URL.Path)
		}
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, licenseClaims{
			Entitlements: ent,
			RegisteredClaims: jwt.RegisteredClaims{
				ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			},
		})
		signed, err := token.SignedString([]byte(testKey))
		if err != nil {
			t.Fatalf("sign token: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": signed})
	}))
}

func testGate(serverURL string) *Gate {
	return NewGate(Config{
		Enforcement: true,
		ServerURL:   serverURL,
		SigningKey:  testKey,
		Timeout:     2 * time.Second,
	}, nil, zerolog.Nop())
}

// TestEnforcementOff verifies the master switch short-circuits every
// check.
func TestEnforcementOff(t *testing.T) {
	g := NewGate(Config{Enforcement: false}, nil, zerolog.Nop())
	d := g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "kraken", TotalBots: 999})
	if !d.Allowed || d.Reason != DecisionEnforcementOff {
		t.Errorf("Expected enforcement_off allow, got %+v", d)
	}
}

// TestServerUnreachable verifies a dead license server denies with the
// stable reason.
func TestServerUnreachable(t *testing.T) {
	g := testGate("http://127.0.0.1:1")
	d := g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "binance"})
	if d.Allowed || d.Reason != DecisionServerUnreachable {
		t.Errorf("Expected license_server_unreachable, got %+v", d)
	}
}

// TestBotLimits verifies the total and running caps.
func TestBotLimits(t *testing.T) {
	server := licenseServer(t, Entitlements{Plan: "pro", MaxBotsTotal: 5, MaxRunningBots: 2, AllowedExchanges: []string{"*"}})
	defer server.Close()
	g := testGate(server.URL)

	d := g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "binance", TotalBots: 6, RunningBots: 0})
	if d.Allowed || d.Reason != DecisionMaxBotsTotal {
		t.Errorf("Expected max_bots_total_exceeded, got %+v", d)
	}

	d = g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "binance", TotalBots: 3, RunningBots: 2})
	if d.Allowed || d.Reason != DecisionMaxRunningBots {
		t.Errorf("Expected max_running_bots_exceeded, got %+v", d)
	}

	// An already-running bot does not consume a new running slot.
	d = g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "binance", TotalBots: 3, RunningBots: 2, IsAlreadyRunning: true})
	if !d.Allowed {
		t.Errorf("Expected already-running bot admitted, got %+v", d)
	}

	d = g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "binance", TotalBots: 3, RunningBots: 1})
	if !d.Allowed || d.Reason != DecisionOK {
		t.Errorf("Expected ok, got %+v", d)
	}
}

// TestExchangeAllowlist verifies exact matching and the wildcard.
func TestExchangeAllowlist(t *testing.T) {
	server := licenseServer(t, Entitlements{Plan: "free", AllowedExchanges: []string{"binance", "kucoin"}})
	defer server.Close()
	g := testGate(server.URL)

	d := g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "bitget", TotalBots: 1})
	if d.Allowed || d.Reason != DecisionExchangeNotAllowed {
		t.Errorf("Expected exchange_not_allowed, got %+v", d)
	}

	d = g.EnforceBotStart(context.Background(), StartRequest{UserID: "u1", Exchange: "kucoin", TotalBots: 1})
	if !d.Allowed {
		t.Errorf("Expected kucoin allowed, got %+v", d)
	}

	wild := licenseServer(t, Entitlements{Plan: "enterprise", AllowedExchanges: []string{"*"}})
	defer wild.Close()
	g2 := testGate(wild.URL)
	d = g2.EnforceBotStart(context.Background(), StartRequest{UserID: "u2", Exchange: "pionex", TotalBots: 100})
	if !d.Allowed {
		t.Errorf("Expected wildcard to admit any exchange, got %+v", d)
	}
}

// TestPlanDefaults verifies empty entitlement fields fall back to the
// plan defaults.
func TestPlanDefaults(t *testing.T) {
	server := licenseServer(t, Entitlements{Plan: "free"})
	defer server.Close()
	g := testGate(server.URL)

	ent, err := g.Entitlements(context.Background(), "u1")
	if err != nil {
		t.Fatalf("Expected entitlements, got %v", err)
	}
	if ent.MaxBotsTotal != 2 || ent.MaxRunningBots != 1 {
		t.Errorf("Expected free plan caps 2/1, got %d/%d", ent.MaxBotsTotal, ent.MaxRunningBots)
	}
	if len(ent.AllowedExchanges) != 1 || ent.AllowedExchanges[0] != "binance" {
		t.Errorf("Expected free plan limited to binance, got %v", ent.AllowedExchanges)
	}

	if !matchAllowlist(ent.AllowedStrategyKinds, "ts") {
		t.Errorf("Expected ts strategies allowed on free plan")
	}
	if matchAllowlist(ent.AllowedStrategyKinds, "python") {
		t.Errorf("Expected python strategies blocked on free plan")
	}
}

// TestTamperedTokenRejected verifies a token signed with the wrong key
// is refused.
func TestTamperedTokenRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := jwt.NewWithClaims(jwt.SigningMethodHS256, licenseClaims{
			Entitlements: Entitlements{Plan: "enterprise"},
		})
		signed, _ := token.SignedString([]byte("wrong-key"))
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"token": signed})
	}))
	defer server.Close()

	g := testGate(server.URL)
	if _, err := g.Entitlements(context.Background(), "u1"); err == nil {
		t.Errorf("Expected verification failure for tampered token")
	}
}
