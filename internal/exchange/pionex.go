package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const pionexMaxClientOrderID = 32

// PionexAdapter implements the normalized contract for Pionex spot. Signing
// is hex HMAC-SHA256 over "METHOD/path?sorted-query" plus the body, sent in
// PIONEX-SIGNATURE alongside PIONEX-KEY.
type PionexAdapter struct {
	baseAdapter
}

func NewPionexAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *PionexAdapter {
	if baseURL == "" {
		baseURL = "https://api.pionex.com"
	}
	tr := NewTransport("pionex", baseURL, minGap, log)
	return &PionexAdapter{baseAdapter: newBaseAdapter("pionex", tr, creds)}
}

// signedRequest adds the timestamp to the query and signs method, path,
// query and body together.
func (a *PionexAdapter) signedRequest(method, path string, query url.Values, body []byte) *Request {
	if query == nil {
		query = url.Values{}
	}
	query.Set("timestamp", NowMs())
	prehash := method + path + "?" + CanonicalQuery(query) + string(body)
	return &Request{
		Method: method,
		Path:   path,
		Query:  query,
		Body:   body,
		Headers: map[string]string{
			"PIONEX-KEY":       a.creds.APIKey,
			"PIONEX-SIGNATURE": SignHMACSHA256Hex(a.creds.SecretKey, prehash),
		},
	}
}

// pionexEnvelope wraps every response in {result, code, message, data}.
type pionexEnvelope struct {
	Result  bool            `json:"result"`
	Code    string          `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *PionexAdapter) call(ctx context.Context, req *Request, out interface{}) error {
	var env pionexEnvelope
	if err := a.tr.DoJSON(ctx, req, &env); err != nil {
		return err
	}
	if !env.Result {
		switch env.Code {
		case "APIKEY_LOST", "APIKEY_UNKNOWN", "SIGNATURE_ERROR", "IP_NOT_IN_WHITELIST":
			return NewError(a.name, CodeAuthFailed, env.Message)
		case "TRADE_ORDER_NOT_FOUND":
			return NewError(a.name, CodeNotFound, env.Message)
		}
		return NewError(a.name, CodeVenueUnavail, fmt.Sprintf("code %s: %s", env.Code, env.Message))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return NewError(a.name, CodeVenueUnavail, "unexpected data shape: "+err.Error())
	}
	return nil
}

type pionexTicker struct {
	Symbol string `json:"symbol"`
	Close  string `json:"close"`
	Time   int64  `json:"time"`
}

type pionexBookTicker struct {
	Bids [][]string `json:"bids"`
	Asks [][]string `json:"asks"`
}

func (a *PionexAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var data struct {
		Tickers []pionexTicker `json:"tickers"`
	}
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v1/market/tickers", Query: q}, &data); err != nil {
		return nil, err
	}
	if len(data.Tickers) == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "empty ticker payload")
	}
	t := data.Tickers[0]
	mp := &MidPrice{Last: parseF(t.Close), Ts: t.Time}

	// Best bid/ask come from the shallow depth endpoint.
	dq := url.Values{}
	dq.Set("symbol", venueSym)
	dq.Set("limit", "1")
	var depth pionexBookTicker
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v1/market/depth", Query: dq}, &depth); err == nil {
		if len(depth.Bids) > 0 && len(depth.Bids[0]) > 0 {
			mp.Bid = parseF(depth.Bids[0][0])
		}
		if len(depth.Asks) > 0 && len(depth.Asks[0]) > 0 {
			mp.Ask = parseF(depth.Asks[0][0])
		}
	}
	if mp.Bid == 0 && mp.Ask == 0 && mp.Last == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
	}
	if mp.Ts == 0 {
		mp.Ts = time.Now().UnixMilli()
	}
	mp.fillMid()
	return mp, nil
}

type pionexBalance struct {
	Coin   string `json:"coin"`
	Free   string `json:"free"`
	Frozen string `json:"frozen"`
}

func (a *PionexAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	var data struct {
		Balances []pionexBalance `json:"balances"`
	}
	err := a.call(ctx, a.signedRequest("GET", "/api/v1/account/balances", nil, nil), &data)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}
	out := make([]Balance, 0, len(data.Balances))
	for _, b := range data.Balances {
		free, locked := parseF(b.Free), parseF(b.Frozen)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: b.Coin, Free: free, Locked: locked})
	}
	return out, nil
}

type pionexOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Side          string `json:"side"`
	Price         string `json:"price"`
	Size          string `json:"size"`
	Status        string `json:"status"`
}

func (a *PionexAdapter) normalizeOrder(o pionexOrder, canonical string) Order {
	status := StatusUnknown
	switch o.Status {
	case "OPEN", "NEW", "PARTIALLY_FILLED":
		status = StatusOpen
	case "CLOSED", "FILLED":
		status = StatusFilled
	case "CANCELED":
		status = StatusCanceled
	}
	return Order{
		ID:            fmt.Sprintf("%d", o.OrderID),
		Symbol:        canonical,
		Side:          Side(lower(o.Side)),
		Price:         parseF(o.Price),
		Qty:           parseF(o.Size),
		Status:        status,
		ClientOrderID: o.ClientOrderID,
	}
}

func (a *PionexAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)

	var data struct {
		Orders []pionexOrder `json:"orders"`
	}
	err = a.call(ctx, a.signedRequest("GET", "/api/v1/trade/openOrders", params, nil), &data)
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

type pionexSymbolInfo struct {
	Symbol         string `json:"symbol"`
	BasePrecision  int    `json:"basePrecision"`
	QuotePrecision int    `json:"quotePrecision"`
	MinTradeSize   string `json:"minTradeSize"`
	MinAmount      string `json:"minAmount"`
}

func (a *PionexAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *PionexAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbols", venueSym)

	var data struct {
		Symbols []pionexSymbolInfo `json:"symbols"`
	}
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v1/common/symbols", Query: q}, &data); err != nil {
		return nil, err
	}
	for _, s := range data.Symbols {
		if s.Symbol != venueSym {
			continue
		}
		meta := &SymbolMeta{
			PricePrecision: s.QuotePrecision,
			QtyPrecision:   s.BasePrecision,
			MinQty:         parseF(s.MinTradeSize),
			MinNotional:    parseF(s.MinAmount),
		}
		if s.QuotePrecision > 0 {
			meta.PriceStep = stepFromPrecision(s.QuotePrecision)
		}
		if s.BasePrecision > 0 {
			meta.QtyStep = stepFromPrecision(s.BasePrecision)
		}
		return meta, nil
	}
	return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
}

func (a *PionexAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, pionexMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
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
		"side":   upper(string(q.Side)),
	}
	if q.Type == TypeLimit {
		payload["type"] = "LIMIT"
		payload["price"] = prep.PriceStr
		payload["size"] = prep.QtyStr
	} else {
		payload["type"] = "MARKET"
		if q.Side == SideBuy && q.QuoteQty > 0 {
			payload["amount"] = trimFloat(q.QuoteQty)
		} else {
			payload["size"] = prep.QtyStr
		}
	}
	if prep.ClientID != "" {
		payload["clientOrderId"] = prep.ClientID
	}
	body, _ := json.Marshal(payload)

	var resp struct {
		OrderID int64 `json:"orderId"`
	}
	err = a.call(ctx, a.signedRequest("POST", "/api/v1/trade/order", nil, body), &resp)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:            fmt.Sprintf("%d", resp.OrderID),
		Symbol:        q.Symbol,
		Side:          q.Side,
		Price:         prep.Price,
		Qty:           prep.Qty,
		Status:        StatusOpen,
		ClientOrderID: prep.ClientID,
	}, nil
}

func (a *PionexAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	body, _ := json.Marshal(map[string]interface{}{"symbol": venueSym, "orderId": parseF(orderID)})
	cErr := a.call(ctx, a.signedRequest("DELETE", "/api/v1/trade/order", nil, body), nil)
	return tolerateNotFound(a.name, cErr)
}

func (a *PionexAdapter) CancelAll(ctx context.Context, symbol string) error {
	if symbol == "" {
		return NewError(a.name, CodeUnsupportedType, "venue requires a symbol for bulk cancel")
	}
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	body, _ := json.Marshal(map[string]string{"symbol": venueSym})
	cErr := a.call(ctx, a.signedRequest("DELETE", "/api/v1/trade/allOrders", nil, body), nil)
	return tolerateNotFound(a.name, cErr)
}

type pionexFill struct {
	ID        int64  `json:"id"`
	OrderID   int64  `json:"orderId"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Timestamp int64  `json:"timestamp"`
}

func (a *PionexAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)
	if tq.StartMs > 0 {
		params.Set("startTime", fmt.Sprintf("%d", tq.StartMs))
	}
	if tq.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", tq.Limit))
	}

	var data struct {
		Fills []pionexFill `json:"fills"`
	}
	err = a.call(ctx, a.signedRequest("GET", "/api/v1/trade/fills", params, nil), &data)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(data.Fills))
	for _, f := range data.Fills {
		trades = append(trades, MyTrade{
			ID:        fmt.Sprintf("%d", f.ID),
			OrderID:   fmt.Sprintf("%d", f.OrderID),
			Side:      Side(lower(f.Side)),
			Price:     parseF(f.Price),
			Qty:       parseF(f.Size),
			Timestamp: f.Timestamp,
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
