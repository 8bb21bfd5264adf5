package exchange

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// SupportedVenues lists every venue the gateway can speak to.
var SupportedVenues = []string{
	"binance", "bingx", "bitget", "bitmart", "coinstore",
	"kucoin", "mexc", "p2b", "pionex",
}

// NewAdapter constructs the adapter for a venue. baseURL overrides the
// production endpoint (used by tests); minGap <= 0 uses the default.
func NewAdapter(venue string, creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) (Adapter, error) {
	switch strings.ToLower(venue) {
	case "binance":
		return NewBinanceAdapter(creds, baseURL, minGap, log), nil
	case "bingx":
		return NewBingxAdapter(creds, baseURL, minGap, log), nil
	case "bitget":
		return NewBitgetAdapter(creds, baseURL, minGap, log), nil
	case "bitmart":
		return NewBitmartAdapter(creds, baseURL, minGap, log), nil
	case "coinstore":
		return NewCoinstoreAdapter(creds, baseURL, minGap, log), nil
	case "kucoin":
		return NewKucoinAdapter(creds, baseURL, minGap, log), nil
	case "mexc":
		return NewMexcAdapter(creds, baseURL, minGap, log), nil
	case "p2b":
		return NewP2bAdapter(creds, baseURL, minGap, log), nil
	case "pionex":
		return NewPionexAdapter(creds, baseURL, minGap, log), nil
	}
	return nil, fmt.Errorf("unsupported venue %q", venue)
}

// IsSupportedVenue reports whether the gateway has an adapter for venue.
func IsSupportedVenue(venue string) bool {
	v := strings.ToLower(venue)
	for _, s := range SupportedVenues {
		if s == v {
			return true
		}
	}
	return false
}
