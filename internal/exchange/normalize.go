package exchange

import (
	"fmt"
	"math"
	"strconv"

	"github.com/shopspring/decimal"
)

// NormalizePrice rounds a price down to the venue price step. Steps at or
// below zero mean "no constraint". The small epsilon absorbs binary float
// noise so 0.07/0.01 does not floor to 6 ticks.
func NormalizePrice(price float64, meta *SymbolMeta) float64 {
	if meta == nil || meta.PriceStep <= 0 {
		return price
	}
	return floorToStep(price, meta.PriceStep)
}

// NormalizeQty rounds a quantity down to the venue quantity step.
func NormalizeQty(qty float64, meta *SymbolMeta) float64 {
	if meta == nil || meta.QtyStep <= 0 {
		return qty
	}
	return floorToStep(qty, meta.QtyStep)
}

func floorToStep(x, step float64) float64 {
	steps := math.Floor(x/step + 1e-12)
	if steps < 0 {
		steps = 0
	}
	// Re-quantize through decimal so 0.1+0.2 style residue never reaches
	// the wire.
	d := decimal.NewFromFloat(step).Mul(decimal.NewFromFloat(steps))
	out, _ := d.Float64()
	return out
}

// MinCheck is the result of a minimum-constraint check.
type MinCheck struct {
	OK     bool   `json:"ok"`
	Reason string `json:"reason,omitempty"`
}

// CheckMins validates an order against min-qty and min-notional. A failed
// check is a non-retriable domain rejection surfaced to the caller.
func CheckMins(price, qty float64, meta *SymbolMeta) MinCheck {
	if meta == nil {
		return MinCheck{OK: true}
	}
	if meta.MinQty > 0 && qty < meta.MinQty {
		return MinCheck{OK: false, Reason: fmt.Sprintf("qty %s < minQty %s", trimFloat(qty), trimFloat(meta.MinQty))}
	}
	if meta.MinNotional > 0 && price*qty < meta.MinNotional {
		return MinCheck{OK: false, Reason: fmt.Sprintf("notional %s < minNotional %s", trimFloat(price*qty), trimFloat(meta.MinNotional))}
	}
	return MinCheck{OK: true}
}

// FormatPrice renders a normalized price for the wire, honoring the venue
// precision when declared and trimming trailing zeros otherwise.
func FormatPrice(price float64, meta *SymbolMeta) string {
	if meta != nil && meta.PricePrecision > 0 {
		return decimal.NewFromFloat(price).Round(int32(meta.PricePrecision)).String()
	}
	return trimFloat(price)
}

// FormatQty renders a normalized quantity for the wire.
func FormatQty(qty float64, meta *SymbolMeta) string {
	if meta != nil && meta.QtyPrecision > 0 {
		return decimal.NewFromFloat(qty).Round(int32(meta.QtyPrecision)).String()
	}
	return trimFloat(qty)
}

func trimFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// ValidateQuote applies the intent invariants shared by every venue:
// limit orders need a positive price, market orders need qty or quoteQty.
func ValidateQuote(q Quote) error {
	if q.Side != SideBuy && q.Side != SideSell {
		return fmt.Errorf("invalid side %q", q.Side)
	}
	switch q.Type {
	case TypeLimit:
		if q.Price <= 0 {
			return fmt.Errorf("limit order requires price > 0")
		}
		if q.Qty <= 0 {
			return fmt.Errorf("limit order requires qty > 0")
		}
	case TypeMarket:
		if q.Qty <= 0 && q.QuoteQty <= 0 {
			return fmt.Errorf("market order requires qty or quoteQty")
		}
	default:
		return fmt.Errorf("invalid order type %q", q.Type)
	}
	return nil
}
