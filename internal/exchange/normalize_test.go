package exchange

import (
	"math"
	"strings"
	"testing"
)

// TestNormalizeRoundsDown tests that prices and quantities floor to the step.
func TestNormalizeRoundsDown(t *testing.T) {
	meta := &SymbolMeta{PriceStep: 0.01, QtyStep: 0.001}

	if got := NormalizePrice(10.567, meta); math.Abs(got-10.56) > 1e-9 {
		t.Errorf("Expected 10.56, got %v", got)
	}
	if got := NormalizeQty(0.12345, meta); math.Abs(got-0.123) > 1e-9 {
		t.Errorf("Expected 0.123, got %v", got)
	}
}

// TestNormalizeMonotonicityAndIdempotence tests invariant 2: normalized
// values never exceed the input and re-normalizing is a no-op.
func TestNormalizeMonotonicityAndIdempotence(t *testing.T) {
	meta := &SymbolMeta{PriceStep: 0.05, QtyStep: 0.1}
	inputs := []float64{0, 0.049, 0.05, 0.07, 1.234567, 99.999, 12345.678}

	for _, x := range inputs {
		p := NormalizePrice(x, meta)
		if p > x+1e-12 {
			t.Errorf("NormalizePrice(%v) = %v exceeds input", x, p)
		}
		if again := NormalizePrice(p, meta); math.Abs(again-p) > 1e-12 {
			t.Errorf("NormalizePrice not idempotent: %v -> %v -> %v", x, p, again)
		}

		q := NormalizeQty(x, meta)
		if q > x+1e-12 {
			t.Errorf("NormalizeQty(%v) = %v exceeds input", x, q)
		}
		if again := NormalizeQty(q, meta); math.Abs(again-q) > 1e-12 {
			t.Errorf("NormalizeQty not idempotent: %v -> %v -> %v", x, q, again)
		}
	}
}

// TestNormalizeEpsilonGuard tests that float residue does not lose a tick.
func TestNormalizeEpsilonGuard(t *testing.T) {
	meta := &SymbolMeta{PriceStep: 0.01}
	// 0.07/0.01 is 6.999999... in binary; the epsilon must keep 7 ticks.
	if got := NormalizePrice(0.07, meta); math.Abs(got-0.07) > 1e-12 {
		t.Errorf("Expected 0.07, got %v", got)
	}
}

// TestNormalizeNoConstraint tests that missing steps pass values through.
func TestNormalizeNoConstraint(t *testing.T) {
	if got := NormalizePrice(10.567, nil); got != 10.567 {
		t.Errorf("Expected passthrough, got %v", got)
	}
	if got := NormalizeQty(0.12345, &SymbolMeta{}); got != 0.12345 {
		t.Errorf("Expected passthrough, got %v", got)
	}
}

// TestCheckMinsRejection tests the S2 scenario: qty below minQty is rejected
// with a reason naming both values.
func TestCheckMinsRejection(t *testing.T) {
	meta := &SymbolMeta{QtyStep: 0.001, MinQty: 0.01, MinNotional: 5}

	check := CheckMins(10, 0.005, meta)
	if check.OK {
		t.Fatal("Expected rejection for qty below minQty")
	}
	if check.Reason != "qty 0.005 < minQty 0.01" {
		t.Errorf("Unexpected reason: %s", check.Reason)
	}
}

// TestCheckMinsNotional tests min-notional enforcement.
func TestCheckMinsNotional(t *testing.T) {
	meta := &SymbolMeta{MinNotional: 5}

	check := CheckMins(10, 0.4, meta)
	if check.OK {
		t.Fatal("Expected rejection for notional 4 < 5")
	}
	if !strings.Contains(check.Reason, "minNotional") {
		t.Errorf("Reason should mention minNotional: %s", check.Reason)
	}

	if check := CheckMins(10, 0.6, meta); !check.OK {
		t.Errorf("Expected notional 6 >= 5 to pass, got %s", check.Reason)
	}
}

// TestValidateQuote tests the intent invariants.
func TestValidateQuote(t *testing.T) {
	if err := ValidateQuote(Quote{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeLimit, Qty: 1}); err == nil {
		t.Error("Expected limit order without price to fail")
	}
	if err := ValidateQuote(Quote{Symbol: "BTC/USDT", Side: SideBuy, Type: TypeMarket, QuoteQty: 100}); err != nil {
		t.Errorf("Market buy by quoteQty should validate: %v", err)
	}
	if err := ValidateQuote(Quote{Symbol: "BTC/USDT", Side: "hold", Type: TypeLimit, Price: 1, Qty: 1}); err == nil {
		t.Error("Expected invalid side to fail")
	}
}

// TestBoundClientOrderID tests hashing of over-long client order ids.
func TestBoundClientOrderID(t *testing.T) {
	short := "mmbot-1"
	if got := BoundClientOrderID(short, 32); got != short {
		t.Errorf("Short id should pass through, got %s", got)
	}

	long := "mmbot-" + strings.Repeat("x", 64)
	got := BoundClientOrderID(long, 32)
	if len(got) != 32 {
		t.Errorf("Expected 32 chars, got %d", len(got))
	}
	if !strings.HasPrefix(got, "mmbot") {
		t.Errorf("Known prefix should survive hashing, got %s", got)
	}
	// Deterministic for the same input.
	if again := BoundClientOrderID(long, 32); again != got {
		t.Error("Bounded id not deterministic")
	}
}
