package exchange

import (
	"sort"
	"strconv"
	"strings"
)

func parseF(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func lower(s string) string { return strings.ToLower(s) }
func upper(s string) string { return strings.ToUpper(s) }

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}

// tolerateNotFound swallows cancel misses: the order already left the book.
func tolerateNotFound(venue string, err error) error {
	if err == nil {
		return nil
	}
	if IsNotFound(err) {
		return nil
	}
	var ge *Error
	if asError(err, &ge) {
		msg := strings.ToLower(ge.Message)
		if strings.Contains(msg, "unknown order") || strings.Contains(msg, "order not exist") ||
			strings.Contains(msg, "order does not exist") || strings.Contains(msg, "not found") {
			return nil
		}
	}
	return err
}

// newestFirst sorts trades by timestamp descending.
func newestFirst(trades []MyTrade) []MyTrade {
	sort.SliceStable(trades, func(i, j int) bool {
		return trades[i].Timestamp > trades[j].Timestamp
	})
	return trades
}

// precisionFromStep derives decimal places from a step like 0.001.
func precisionFromStep(step float64) int {
	if step <= 0 {
		return 0
	}
	s := strconv.FormatFloat(step, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return len(s) - i - 1
	}
	return 0
}
