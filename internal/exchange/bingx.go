package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const bingxMaxClientOrderID = 40

// BingxAdapter implements the normalized contract for BingX spot. Signing
// follows the Binance family: hex HMAC-SHA256 over the canonical query
// string, API key in the X-BX-APIKEY header.
type BingxAdapter struct {
	baseAdapter
}

func NewBingxAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *BingxAdapter {
	if baseURL == "" {
		baseURL = "https://open-api.bingx.com"
	}
	tr := NewTransport("bingx", baseURL, minGap, log)
	return &BingxAdapter{baseAdapter: newBaseAdapter("bingx", tr, creds)}
}

func (a *BingxAdapter) signedQuery(params url.Values) url.Values {
	params.Set("timestamp", NowMs())
	params.Set("signature", SignHMACSHA256Hex(a.creds.SecretKey, CanonicalQuery(params)))
	return params
}

func (a *BingxAdapter) authHeaders() map[string]string {
	return map[string]string{"X-BX-APIKEY": a.creds.APIKey}
}

// bingxEnvelope wraps every response in {code, msg, data}; code 0 is success.
type bingxEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (a *BingxAdapter) call(ctx context.Context, req *Request, out interface{}) error {
	var env bingxEnvelope
	if err := a.tr.DoJSON(ctx, req, &env); err != nil {
		return err
	}
	if env.Code != 0 {
		if env.Code == 100413 || env.Code == 100419 || env.Code == 100001 {
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

type bingxTicker struct {
	LastPrice float64 `json:"lastPrice,string"`
	BidPrice  float64 `json:"bidPrice"`
	AskPrice  float64 `json:"askPrice"`
	CloseTime int64   `json:"closeTime"`
}

func (a *BingxAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	// BingX returns the 24h ticker as a one-element array.
	var tickers []bingxTicker
	if err := a.call(ctx, &Request{Method: "GET", Path: "/openApi/spot/v1/ticker/24hr", Query: q}, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "empty ticker payload")
	}
	t := tickers[0]
	if t.BidPrice == 0 && t.AskPrice == 0 && t.LastPrice == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
	}
	mp := &MidPrice{Bid: t.BidPrice, Ask: t.AskPrice, Last: t.LastPrice, Ts: t.CloseTime}
	if mp.Ts == 0 {
		mp.Ts = time.Now().UnixMilli()
	}
	mp.fillMid()
	return mp, nil
}

type bingxBalances struct {
	Balances []struct {
		Asset  string `json:"asset"`
		Free   string `json:"free"`
		Locked string `json:"locked"`
	} `json:"balances"`
}

func (a *BingxAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	var data bingxBalances
	err := a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/openApi/spot/v1/account/balance",
		Query:   a.signedQuery(url.Values{}),
		Headers: a.authHeaders(),
	}, &data)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}
	out := make([]Balance, 0, len(data.Balances))
	for _, b := range data.Balances {
		free, locked := parseF(b.Free), parseF(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: b.Asset, Free: free, Locked: locked})
	}
	return out, nil
}

type bingxOrder struct {
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderID"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
}

func (a *BingxAdapter) normalizeOrder(o bingxOrder, canonical string) Order {
	status := StatusUnknown
	switch o.Status {
	case "NEW", "PENDING", "PARTIALLY_FILLED":
		status = StatusOpen
	case "FILLED":
		status = StatusFilled
	case "CANCELED", "CANCELLED":
		status = StatusCanceled
	}
	return Order{
		ID:            strconv.FormatInt(o.OrderID, 10),
		Symbol:        canonical,
		Side:          Side(lower(o.Side)),
		Price:         o.Price,
		Qty:           o.OrigQty,
		Status:        status,
		ClientOrderID: o.ClientOrderID,
	}
}

type bingxOrderList struct {
	Orders []bingxOrder `json:"orders"`
}

func (a *BingxAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)

	var data bingxOrderList
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/openApi/spot/v1/trade/openOrders",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, &data)
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(data.Orders))
	for _, o := range data.Orders {
		n := a.normalizeOrder(o, symbol)
		if n.Status == StatusOpen {
			orders = append(orders, n)
		}
	}
	return orders, nil
}

type bingxSymbols struct {
	Symbols []struct {
		Symbol       string  `json:"symbol"`
		TickSize     float64 `json:"tickSize"`
		StepSize     float64 `json:"stepSize"`
		MinQty       float64 `json:"minQty"`
		MinNotional  float64 `json:"minNotional"`
	} `json:"symbols"`
}

func (a *BingxAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *BingxAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var data bingxSymbols
	if err := a.call(ctx, &Request{Method: "GET", Path: "/openApi/spot/v1/common/symbols", Query: q}, &data); err != nil {
		return nil, err
	}
	for _, s := range data.Symbols {
		if s.Symbol != venueSym {
			continue
		}
		return &SymbolMeta{
			PriceStep:      s.TickSize,
			QtyStep:        s.StepSize,
			PricePrecision: precisionFromStep(s.TickSize),
			QtyPrecision:   precisionFromStep(s.StepSize),
			MinQty:         s.MinQty,
			MinNotional:    s.MinNotional,
		}, nil
	}
	return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
}

func (a *BingxAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, bingxMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, q.Symbol)
	})
	if err != nil {
		return nil, err
	}
	if q.PostOnly {
		return nil, NewError(a.name, CodeUnsupportedType, "post-only not supported on this venue")
	}

	params := url.Values{}
	params.Set("symbol", prep.VenueSymbol)
	params.Set("side", upper(string(q.Side)))
	if q.Type == TypeLimit {
		params.Set("type", "LIMIT")
		params.Set("price", prep.PriceStr)
		params.Set("quantity", prep.QtyStr)
	} else {
		params.Set("type", "MARKET")
		if q.Side == SideBuy && q.QuoteQty > 0 {
			params.Set("quoteOrderQty", trimFloat(q.QuoteQty))
		} else {
			params.Set("quantity", prep.QtyStr)
		}
	}
	if prep.ClientID != "" {
		params.Set("newClientOrderId", prep.ClientID)
	}

	var resp bingxOrder
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/openApi/spot/v1/trade/order",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:            strconv.FormatInt(resp.OrderID, 10),
		Symbol:        q.Symbol,
		Side:          q.Side,
		Price:         prep.Price,
		Qty:           prep.Qty,
		Status:        StatusOpen,
		ClientOrderID: prep.ClientID,
	}, nil
}

func (a *BingxAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)
	params.Set("orderId", orderID)
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/openApi/spot/v1/trade/cancel",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, nil)
	return tolerateNotFound(a.name, err)
}

func (a *BingxAdapter) CancelAll(ctx context.Context, symbol string) error {
	params := url.Values{}
	if symbol != "" {
		venueSym, err := a.ToExchangeSymbol(symbol)
		if err != nil {
			return NewError(a.name, CodeUnknownMarket, err.Error())
		}
		params.Set("symbol", venueSym)
	}
	err := a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/openApi/spot/v1/trade/cancelOpenOrders",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, nil)
	return tolerateNotFound(a.name, err)
}

type bingxFill struct {
	ID       int64   `json:"id"`
	OrderID  int64   `json:"orderId"`
	Price    float64 `json:"price,string"`
	Qty      float64 `json:"qty,string"`
	QuoteQty float64 `json:"quoteQty,string"`
	Time     int64   `json:"time"`
	IsBuyer  bool    `json:"isBuyer"`
}

func (a *BingxAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)
	if tq.StartMs > 0 {
		params.Set("startTime", strconv.FormatInt(tq.StartMs, 10))
	}
	if tq.Limit > 0 {
		params.Set("limit", strconv.Itoa(tq.Limit))
	}

	var data struct {
		Fills []bingxFill `json:"fills"`
	}
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/openApi/spot/v1/trade/myTrades",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, &data)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(data.Fills))
	for _, f := range data.Fills {
		side := SideSell
		if f.IsBuyer {
			side = SideBuy
		}
		trades = append(trades, MyTrade{
			ID:        strconv.FormatInt(f.ID, 10),
			OrderID:   strconv.FormatInt(f.OrderID, 10),
			Side:      side,
			Price:     f.Price,
			Qty:       f.Qty,
			Notional:  f.QuoteQty,
			Timestamp: f.Time,
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
