// Package exchange normalizes heterogeneous exchange REST APIs behind one
// canonical operation surface: ticker, balances, open orders, place/cancel
// and my-trades. Venue-specific payload fields never leave this package.
package exchange

import (
	"context"
	"time"
)

// Side is a normalized order side.
type Side string

const (
	SideBuy  Side = "buy"
	SideSell Side = "sell"
)

// OrderType is a normalized order type.
type OrderType string

const (
	TypeLimit  OrderType = "limit"
	TypeMarket OrderType = "market"
)

// OrderStatus is a normalized order status.
type OrderStatus string

const (
	StatusOpen     OrderStatus = "open"
	StatusFilled   OrderStatus = "filled"
	StatusCanceled OrderStatus = "canceled"
	StatusUnknown  OrderStatus = "unknown"
)

// Candle is one OHLCV bar, open time in ms.
type Candle struct {
	OpenTime int64   `json:"openTime"`
	Open     float64 `json:"open"`
	High     float64 `json:"high"`
	Low      float64 `json:"low"`
	Close    float64 `json:"close"`
	Volume   float64 `json:"volume"`
}

// MidPrice is the normalized ticker snapshot. Mid falls back to the last
// trade price when bid/ask are missing.
type MidPrice struct {
	Bid  float64 `json:"bid"`
	Ask  float64 `json:"ask"`
	Mid  float64 `json:"mid"`
	Last float64 `json:"last"`
	Ts   int64   `json:"ts"`
}

// Balance is one asset balance.
type Balance struct {
	Asset  string  `json:"asset"`
	Free   float64 `json:"free"`
	Locked float64 `json:"locked"`
}

// Quote is an order intent. Limit orders require Price > 0; market buys may
// carry QuoteQty instead of Qty on venues that support it.
type Quote struct {
	Symbol        string    `json:"symbol"` // canonical BASE/QUOTE
	Side          Side      `json:"side"`
	Type          OrderType `json:"type"`
	Price         float64   `json:"price,omitempty"`
	Qty           float64   `json:"qty"`
	QuoteQty      float64   `json:"quoteQty,omitempty"`
	PostOnly      bool      `json:"postOnly,omitempty"`
	ClientOrderID string    `json:"clientOrderId,omitempty"`
}

// Order is a normalized order with a canonical symbol.
type Order struct {
	ID            string      `json:"id"`
	Symbol        string      `json:"symbol"`
	Side          Side        `json:"side"`
	Price         float64     `json:"price"`
	Qty           float64     `json:"qty"`
	Status        OrderStatus `json:"status"`
	ClientOrderID string      `json:"clientOrderId,omitempty"`
}

// MyTrade is one fill, newest-first in listings.
type MyTrade struct {
	ID        string  `json:"id"`
	OrderID   string  `json:"orderId,omitempty"`
	Side      Side    `json:"side"`
	Price     float64 `json:"price"`
	Qty       float64 `json:"qty"`
	Notional  float64 `json:"notional"`
	Timestamp int64   `json:"timestamp"` // ms
}

// SymbolMeta carries precision and minimum constraints for one market.
// Zero values mean "no constraint".
type SymbolMeta struct {
	PriceStep      float64 `json:"priceStep"`
	QtyStep        float64 `json:"qtyStep"`
	PricePrecision int     `json:"pricePrecision"`
	QtyPrecision   int     `json:"qtyPrecision"`
	MinQty         float64 `json:"minQty"`
	MinNotional    float64 `json:"minNotional"`
}

// TradeQuery filters a my-trades listing.
type TradeQuery struct {
	StartMs int64
	Limit   int
}

// openOrderWindow is the minimum server-side lookback for open-order
// queries so recently placed orders stay visible past default venue windows.
const openOrderWindow = 24 * time.Hour

// Adapter is the uniform per-venue contract.
type Adapter interface {
	Name() string

	ToExchangeSymbol(canonical string) (string, error)
	FromExchangeSymbol(venueSym string) (string, error)

	GetTicker(ctx context.Context, symbol string) (*MidPrice, error)
	GetBalances(ctx context.Context) ([]Balance, error)
	GetOpenOrders(ctx context.Context, symbol string) ([]Order, error)
	PlaceOrder(ctx context.Context, q Quote) (*Order, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	CancelAll(ctx context.Context, symbol string) error
	GetMyTrades(ctx context.Context, symbol string, q TradeQuery) ([]MyTrade, error)
	GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error)
}

// Credentials are the per-account API keys. Passphrase is only used by
// venues that require one (Bitget, KuCoin, Coinstore).
type Credentials struct {
	APIKey     string
	SecretKey  string
	Passphrase string
}

// fillMid populates Mid using bid/ask when present, else the last price.
func (m *MidPrice) fillMid() {
	if m.Bid > 0 && m.Ask > 0 {
		m.Mid = (m.Bid + m.Ask) / 2
		return
	}
	m.Mid = m.Last
}

// dedupeTrades drops duplicate trade ids, preserving first occurrence, and
// derives price from notional/qty when the venue omits the average price.
func dedupeTrades(trades []MyTrade) []MyTrade {
	seen := make(map[string]bool, len(trades))
	out := make([]MyTrade, 0, len(trades))
	for _, tr := range trades {
		if tr.ID != "" && seen[tr.ID] {
			continue
		}
		seen[tr.ID] = true
		if tr.Price == 0 && tr.Qty > 0 && tr.Notional > 0 {
			tr.Price = tr.Notional / tr.Qty
		}
		if tr.Notional == 0 {
			tr.Notional = tr.Price * tr.Qty
		}
		out = append(out, tr)
	}
	return out
}
