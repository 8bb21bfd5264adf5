package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const bitmartMaxClientOrderID = 32

// BitmartAdapter implements the normalized contract for Bitmart spot.
// Signed requests carry X-BM-KEY / X-BM-TIMESTAMP / X-BM-SIGN where the
// signature is HMAC-SHA256 over "timestamp#memo#body".
type BitmartAdapter struct {
	baseAdapter
}

func NewBitmartAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *BitmartAdapter {
	if baseURL == "" {
		baseURL = "https://api-cloud.bitmart.com"
	}
	tr := NewTransport("bitmart", baseURL, minGap, log)
	return &BitmartAdapter{baseAdapter: newBaseAdapter("bitmart", tr, creds)}
}

func (a *BitmartAdapter) signedHeaders(body string) map[string]string {
	ts := NowMs()
	prehash := fmt.Sprintf("%s#%s#%s", ts, a.creds.Passphrase, body)
	return map[string]string{
		"X-BM-KEY":       a.creds.APIKey,
		"X-BM-TIMESTAMP": ts,
		"X-BM-SIGN":      SignHMACSHA256Hex(a.creds.SecretKey, prehash),
	}
}

// bitmartEnvelope is the {code, message, data} wrapper every response uses.
type bitmartEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *BitmartAdapter) call(ctx context.Context, req *Request, out interface{}) error {
	var env bitmartEnvelope
	if err := a.tr.DoJSON(ctx, req, &env); err != nil {
		return err
	}
	if env.Code != 1000 {
		if env.Code == 30010 || env.Code == 30011 || env.Code == 30012 {
			return NewError(a.name, CodeAuthFailed, env.Message)
		}
		return NewError(a.name, CodeVenueUnavail, fmt.Sprintf("code %d: %s", env.Code, env.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return NewError(a.name, CodeVenueUnavail, "unexpected data shape: "+err.Error())
	}
	return nil
}

type bitmartTicker struct {
	LastPrice string `json:"last"`
	BidPrice  string `json:"bid_px"`
	AskPrice  string `json:"ask_px"`
	Ts        int64  `json:"ts,string"`
}

func (a *BitmartAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var t bitmartTicker
	if err := a.call(ctx, &Request{Method: "GET", Path: "/spot/quotation/v3/ticker", Query: q}, &t); err != nil {
		return nil, err
	}
	mp := &MidPrice{Bid: parseF(t.BidPrice), Ask: parseF(t.AskPrice), Last: parseF(t.LastPrice), Ts: t.Ts}
	if mp.Ts == 0 {
		mp.Ts = time.Now().UnixMilli()
	}
	if mp.Bid == 0 && mp.Ask == 0 && mp.Last == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
	}
	mp.fillMid()
	return mp, nil
}

type bitmartWallet struct {
	Wallet []struct {
		Currency  string `json:"currency"`
		Available string `json:"available"`
		Frozen    string `json:"frozen"`
	} `json:"wallet"`
}

func (a *BitmartAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	var w bitmartWallet
	err := a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/account/v1/wallet",
		Headers: a.signedHeaders(""),
	}, &w)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}
	out := make([]Balance, 0, len(w.Wallet))
	for _, b := range w.Wallet {
		free, locked := parseF(b.Available), parseF(b.Frozen)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: b.Currency, Free: free, Locked: locked})
	}
	return out, nil
}

type bitmartOrder struct {
	OrderID       string `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	State         string `json:"state"`
}

func (a *BitmartAdapter) normalizeOrder(o bitmartOrder, canonical string) Order {
	status := StatusUnknown
	switch o.State {
	case "new", "partially_filled":
		status = StatusOpen
	case "filled":
		status = StatusFilled
	case "canceled", "partially_canceled":
		status = StatusCanceled
	}
	return Order{
		ID:            o.OrderID,
		Symbol:        canonical,
		Side:          Side(lower(o.Side)),
		Price:         parseF(o.Price),
		Qty:           parseF(o.Size),
		Status:        status,
		ClientOrderID: o.ClientOrderID,
	}
}

func (a *BitmartAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	body, _ := json.Marshal(map[string]interface{}{
		"symbol":    venueSym,
		"orderMode": "spot",
		// Default window is 2h; widen so resting ladder orders stay visible.
		"startTime": time.Now().Add(-openOrderWindow).UnixMilli(),
		"limit":     200,
	})

	var raw []bitmartOrder
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/spot/v4/query/open-orders",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, &raw)
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		n := a.normalizeOrder(o, symbol)
		if n.Status == StatusOpen {
			orders = append(orders, n)
		}
	}
	return orders, nil
}

type bitmartSymbolDetail struct {
	Symbols []struct {
		Symbol          string `json:"symbol"`
		PriceMaxPrecision int  `json:"price_max_precision"`
		QuoteIncrement  string `json:"quote_increment"`
		BaseMinSize     string `json:"base_min_size"`
		MinBuyAmount    string `json:"min_buy_amount"`
	} `json:"symbols"`
}

func (a *BitmartAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *BitmartAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}

	var detail bitmartSymbolDetail
	if err := a.call(ctx, &Request{Method: "GET", Path: "/spot/v1/symbols/details"}, &detail); err != nil {
		return nil, err
	}
	for _, s := range detail.Symbols {
		if s.Symbol != venueSym {
			continue
		}
		meta := &SymbolMeta{
			PricePrecision: s.PriceMaxPrecision,
			QtyStep:        parseF(s.QuoteIncrement),
			MinQty:         parseF(s.BaseMinSize),
			MinNotional:    parseF(s.MinBuyAmount),
		}
		if s.PriceMaxPrecision > 0 {
			meta.PriceStep = stepFromPrecision(s.PriceMaxPrecision)
		}
		if meta.QtyStep > 0 {
			meta.QtyPrecision = precisionFromStep(meta.QtyStep)
		}
		return meta, nil
	}
	return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
}

func (a *BitmartAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, bitmartMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, q.Symbol)
	})
	if err != nil {
		return nil, err
	}
	if q.PostOnly {
		return nil, NewError(a.name, CodeUnsupportedType, "post-only not supported on this venue")
	}

	payload := map[string]interface{}{
		"symbol": prep.VenueSymbol,
		"side":   string(q.Side),
	}
	if q.Type == TypeLimit {
		payload["type"] = "limit"
		payload["price"] = prep.PriceStr
		payload["size"] = prep.QtyStr
	} else {
		payload["type"] = "market"
		if q.Side == SideBuy && q.QuoteQty > 0 {
			payload["notional"] = trimFloat(q.QuoteQty)
		} else {
			payload["size"] = prep.QtyStr
		}
	}
	if prep.ClientID != "" {
		payload["client_order_id"] = prep.ClientID
	}
	body, _ := json.Marshal(payload)

	var resp struct {
		OrderID string `json:"order_id"`
	}
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/spot/v2/submit_order",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:            resp.OrderID,
		Symbol:        q.Symbol,
		Side:          q.Side,
		Price:         prep.Price,
		Qty:           prep.Qty,
		Status:        StatusOpen,
		ClientOrderID: prep.ClientID,
	}, nil
}

func (a *BitmartAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	body, _ := json.Marshal(map[string]string{"symbol": venueSym, "order_id": orderID})
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/spot/v3/cancel_order",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, nil)
	return tolerateNotFound(a.name, err)
}

func (a *BitmartAdapter) CancelAll(ctx context.Context, symbol string) error {
	payload := map[string]string{}
	if symbol != "" {
		venueSym, err := a.ToExchangeSymbol(symbol)
		if err != nil {
			return NewError(a.name, CodeUnknownMarket, err.Error())
		}
		payload["symbol"] = venueSym
	}
	body, _ := json.Marshal(payload)
	err := a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/spot/v4/cancel_all",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, nil)
	return tolerateNotFound(a.name, err)
}

type bitmartTrade struct {
	TradeID string `json:"tradeId"`
	OrderID string `json:"orderId"`
	Side    string `json:"side"`
	Price   string `json:"price"`
	Size    string `json:"size"`
	Notional string `json:"notional"`
	CreateTime int64 `json:"createTime"`
}

func (a *BitmartAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	payload := map[string]interface{}{"symbol": venueSym, "orderMode": "spot"}
	if tq.StartMs > 0 {
		payload["startTime"] = tq.StartMs
	}
	if tq.Limit > 0 {
		payload["limit"] = tq.Limit
	}
	body, _ := json.Marshal(payload)

	var raw []bitmartTrade
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/spot/v4/query/trades",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, &raw)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(raw))
	for _, t := range raw {
		trades = append(trades, MyTrade{
			ID:        t.TradeID,
			OrderID:   t.OrderID,
			Side:      Side(lower(t.Side)),
			Price:     parseF(t.Price),
			Qty:       parseF(t.Size),
			Notional:  parseF(t.Notional),
			Timestamp: t.CreateTime,
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}

func stepFromPrecision(p int) float64 {
	step := 1.0
	for i := 0; i < p; i++ {
		step /= 10
	}
	return step
}
