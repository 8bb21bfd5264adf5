package exchange

import (
	"fmt"
	"strings"
)

// Canonical symbols are BASE/QUOTE uppercase. Round-tripping through any
// venue mapper yields the same canonical form.

// venueDelimiters maps a venue to the separator its spot symbols use.
// Venues absent from the map concatenate base and quote with no separator.
var venueDelimiters = map[string]string{
	"bitmart":   "_",
	"mexc":      "_",
	"p2b":       "_",
	"pionex":    "_",
	"kucoin":    "-",
	"binance":   "",
	"bingx":     "",
	"bitget":    "",
	"coinstore": "",
}

// pionexQuotes is the suffix-split fallback for Pionex symbols that arrive
// without a delimiter, longest suffix first.
var pionexQuotes = []string{"USDT", "USDC", "BTC", "ETH", "USD"}

// SplitCanonical parses BASE/QUOTE, rejecting symbols without the delimiter.
func SplitCanonical(canonical string) (base, quote string, err error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(canonical)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("invalid canonical symbol %q, expected BASE/QUOTE", canonical)
	}
	return parts[0], parts[1], nil
}

// ToVenueSymbol converts BASE/QUOTE into the venue's native spot symbol.
// Unknown venues get identity mapping with "_" normalization.
func ToVenueSymbol(venue, canonical string) (string, error) {
	base, quote, err := SplitCanonical(canonical)
	if err != nil {
		return "", err
	}
	delim, known := venueDelimiters[strings.ToLower(venue)]
	if !known {
		delim = "_"
	}
	return base + delim + quote, nil
}

// FromVenueSymbol converts a venue-native symbol back to BASE/QUOTE.
func FromVenueSymbol(venue, venueSym string) (string, error) {
	v := strings.ToLower(venue)
	s := strings.ToUpper(strings.TrimSpace(venueSym))
	if s == "" {
		return "", fmt.Errorf("empty venue symbol")
	}

	delim, known := venueDelimiters[v]
	if !known {
		delim = "_"
	}

	if delim != "" {
		parts := strings.Split(s, delim)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			return parts[0] + "/" + parts[1], nil
		}
		if v == "pionex" {
			// Pionex occasionally reports undelimited symbols; fall through
			// to the suffix split.
			return suffixSplit(s, pionexQuotes)
		}
		return "", fmt.Errorf("cannot parse %s symbol %q", venue, venueSym)
	}

	return suffixSplit(s, knownQuotes)
}

// knownQuotes covers the concatenated-symbol venues, longest first so
// USDT wins over USD and BTC never splits a TBTC base.
var knownQuotes = []string{"USDT", "USDC", "TUSD", "FDUSD", "BUSD", "BTC", "ETH", "BNB", "EUR", "TRY", "USD"}

func suffixSplit(s string, quotes []string) (string, error) {
	for _, q := range quotes {
		if strings.HasSuffix(s, q) && len(s) > len(q) {
			return s[:len(s)-len(q)] + "/" + q, nil
		}
	}
	return "", fmt.Errorf("cannot infer quote currency for symbol %q", s)
}
