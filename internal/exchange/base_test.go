package exchange

import (
	"context"
	"errors"
	"testing"
)

func metaFetcher(meta *SymbolMeta) func(context.Context) (*SymbolMeta, error) {
	return func(context.Context) (*SymbolMeta, error) { return meta, nil }
}

// TestPrepareOrderLimitBelowNotional tests that a limit order under the
// venue notional floor is rejected as non-retriable.
func TestPrepareOrderLimitBelowNotional(t *testing.T) {
	b := newBaseAdapter("binance", nil, Credentials{})
	meta := &SymbolMeta{PriceStep: 0.01, QtyStep: 0.001, MinQty: 0.001, MinNotional: 10}

	_, err := b.prepareOrder(context.Background(), Quote{
		Symbol: "BTC/USDT",
		Side:   SideBuy,
		Type:   TypeLimit,
		Price:  100,
		Qty:    0.05,
	}, 32, metaFetcher(meta))

	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("Expected a gateway error, got %v", err)
	}
	if xerr.Code != CodeBelowMinimums {
		t.Errorf("Expected %s, got %s", CodeBelowMinimums, xerr.Code)
	}
}

// TestPrepareOrderMarketSkipsNotional tests that a market order without
// a limit price only enforces the qty minimum; the notional floor is
// left to the venue.
func TestPrepareOrderMarketSkipsNotional(t *testing.T) {
	b := newBaseAdapter("binance", nil, Credentials{})
	meta := &SymbolMeta{QtyStep: 0.001, MinQty: 0.001, MinNotional: 1000000}

	prep, err := b.prepareOrder(context.Background(), Quote{
		Symbol: "BTC/USDT",
		Side:   SideSell,
		Type:   TypeMarket,
		Qty:    0.05,
	}, 32, metaFetcher(meta))
	if err != nil {
		t.Fatalf("Expected market order to pass, got %v", err)
	}
	if prep.Qty != 0.05 {
		t.Errorf("Expected qty 0.05, got %v", prep.Qty)
	}

	_, err = b.prepareOrder(context.Background(), Quote{
		Symbol: "BTC/USDT",
		Side:   SideSell,
		Type:   TypeMarket,
		Qty:    0.0004,
	}, 32, metaFetcher(meta))
	var xerr *Error
	if !errors.As(err, &xerr) || xerr.Code != CodeBelowMinimums {
		t.Errorf("Expected %s for sub-minimum market qty, got %v", CodeBelowMinimums, err)
	}
}
