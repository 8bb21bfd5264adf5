package exchange

import (
	"errors"
	"fmt"
)

// Stable reason codes surfaced to callers. Infrastructure failures map to
// one of these at the gateway boundary; venue payload details stay in the
// message, never in the code.
const (
	CodeWAFBlock        = "IP_NOT_WHITELISTED_OR_WAF_BLOCK"
	CodeBadBasePath     = "BASE_URL_OR_PATH_INVALID"
	CodeAuthOrWAF       = "AUTH_OR_WAF"
	CodeVenueUnavail    = "venue_unavailable"
	CodeMissingPrices   = "missing_prices"
	CodeAuthFailed      = "auth_failed"
	CodeBelowMinimums   = "below_minimums"
	CodeUnsupportedType = "unsupported_type"
	CodeNotFound        = "not_found"
	CodeUnknownMarket   = "unknown_market"
)

// Error is the typed gateway error. Retriable marks transient failures the
// transport already retried; callers should not retry non-retriable errors.
type Error struct {
	Venue     string
	Code      string
	Message   string
	Status    int
	Retriable bool
}

func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %s", e.Venue, e.Code)
	}
	return fmt.Sprintf("%s: %s: %s", e.Venue, e.Code, e.Message)
}

// NewError builds a non-retriable gateway error.
func NewError(venue, code, message string) *Error {
	return &Error{Venue: venue, Code: code, Message: message}
}

// CodeOf extracts the reason code from any error, empty when the error is
// not a gateway error.
func CodeOf(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound reports whether err is a tolerated cancel-miss.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}

// IsAuthError reports whether err is a non-retriable auth/WAF failure.
func IsAuthError(err error) bool {
	switch CodeOf(err) {
	case CodeAuthOrWAF, CodeAuthFailed, CodeWAFBlock:
		return true
	}
	return false
}
