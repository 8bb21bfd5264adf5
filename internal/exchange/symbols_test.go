package exchange

import (
	"testing"
)

// TestSymbolRoundTrip tests that fromVenue(toVenue(S)) == S for all venues.
func TestSymbolRoundTrip(t *testing.T) {
	canonicals := []string{"BTC/USDT", "ETH/USDC", "DOGE/BTC", "SOL/USDT"}
	for _, venue := range SupportedVenues {
		for _, canonical := range canonicals {
			venueSym, err := ToVenueSymbol(venue, canonical)
			if err != nil {
				t.Fatalf("%s: toVenue(%s) failed: %v", venue, canonical, err)
			}
			back, err := FromVenueSymbol(venue, venueSym)
			if err != nil {
				t.Fatalf("%s: fromVenue(%s) failed: %v", venue, venueSym, err)
			}
			if back != canonical {
				t.Errorf("%s: round trip %s -> %s -> %s", venue, canonical, venueSym, back)
			}
		}
	}
}

// TestBitmartMapping tests the S1 scenario literally.
func TestBitmartMapping(t *testing.T) {
	got, err := ToVenueSymbol("bitmart", "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if got != "BTC_USDT" {
		t.Errorf("Expected BTC_USDT, got %s", got)
	}

	back, err := FromVenueSymbol("bitmart", "BTC_USDT")
	if err != nil {
		t.Fatal(err)
	}
	if back != "BTC/USDT" {
		t.Errorf("Expected BTC/USDT, got %s", back)
	}
}

// TestVenueDelimiters tests each venue's native symbol format.
func TestVenueDelimiters(t *testing.T) {
	cases := []struct {
		venue string
		want  string
	}{
		{"bitmart", "BTC_USDT"},
		{"mexc", "BTC_USDT"},
		{"p2b", "BTC_USDT"},
		{"pionex", "BTC_USDT"},
		{"binance", "BTCUSDT"},
		{"bingx", "BTCUSDT"},
		{"bitget", "BTCUSDT"},
		{"coinstore", "BTCUSDT"},
		{"kucoin", "BTC-USDT"},
	}
	for _, c := range cases {
		got, err := ToVenueSymbol(c.venue, "BTC/USDT")
		if err != nil {
			t.Fatalf("%s: %v", c.venue, err)
		}
		if got != c.want {
			t.Errorf("%s: expected %s, got %s", c.venue, c.want, got)
		}
	}
}

// TestPionexSuffixFallback tests the suffix split for undelimited Pionex
// symbols.
func TestPionexSuffixFallback(t *testing.T) {
	got, err := FromVenueSymbol("pionex", "BTCUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if got != "BTC/USDT" {
		t.Errorf("Expected BTC/USDT, got %s", got)
	}
}

// TestUnknownVenueIdentity tests the underscore fallback for unknown venues.
func TestUnknownVenueIdentity(t *testing.T) {
	got, err := ToVenueSymbol("somefutureexchange", "BTC/USDT")
	if err != nil {
		t.Fatal(err)
	}
	if got != "BTC_USDT" {
		t.Errorf("Expected BTC_USDT, got %s", got)
	}
}

// TestInvalidCanonicalRejected tests that symbols without the delimiter fail.
func TestInvalidCanonicalRejected(t *testing.T) {
	if _, err := ToVenueSymbol("binance", "BTCUSDT"); err == nil {
		t.Error("Expected error for canonical symbol without /")
	}
	if _, err := ToVenueSymbol("binance", "/USDT"); err == nil {
		t.Error("Expected error for empty base")
	}
}

// TestConcatenatedQuoteInference tests that USDT wins over USD when
// splitting concatenated symbols.
func TestConcatenatedQuoteInference(t *testing.T) {
	got, err := FromVenueSymbol("binance", "ETHUSDT")
	if err != nil {
		t.Fatal(err)
	}
	if got != "ETH/USDT" {
		t.Errorf("Expected ETH/USDT, got %s", got)
	}
}
