package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const kucoinMaxClientOrderID = 40

// KucoinAdapter implements the normalized contract for KuCoin spot. Signing
// is base64(HMAC-SHA256) over "timestamp + method + endpoint + body" with a
// v2 key, where the passphrase header is itself HMAC-signed.
type KucoinAdapter struct {
	baseAdapter
}

func NewKucoinAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *KucoinAdapter {
	if baseURL == "" {
		baseURL = "https://api.kucoin.com"
	}
	tr := NewTransport("kucoin", baseURL, minGap, log)
	return &KucoinAdapter{baseAdapter: newBaseAdapter("kucoin", tr, creds)}
}

func (a *KucoinAdapter) signedHeaders(method, endpoint, body string) map[string]string {
	ts := NowMs()
	return map[string]string{
		"KC-API-KEY":         a.creds.APIKey,
		"KC-API-SIGN":        SignHMACSHA256Base64(a.creds.SecretKey, ts+method+endpoint+body),
		"KC-API-TIMESTAMP":   ts,
		"KC-API-PASSPHRASE":  SignHMACSHA256Base64(a.creds.SecretKey, a.creds.Passphrase),
		"KC-API-KEY-VERSION": "2",
	}
}

// kucoinEnvelope wraps every response; code "200000" is success.
type kucoinEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (a *KucoinAdapter) call(ctx context.Context, req *Request, out interface{}) error {
	var env kucoinEnvelope
	if err := a.tr.DoJSON(ctx, req, &env); err != nil {
		return err
	}
	if env.Code != "200000" {
		switch env.Code {
		case "400003", "400004", "400005", "400006", "400007", "411100":
			return NewError(a.name, CodeAuthFailed, env.Message)
		case "400100":
			// Parameter errors include "order not exist" cancel misses.
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

// endpointWithQuery is the signed form KuCoin expects: path plus encoded query.
func endpointWithQuery(path string, q url.Values) string {
	if len(q) == 0 {
		return path
	}
	return path + "?" + q.Encode()
}

type kucoinLevel1 struct {
	Price   string `json:"price"`
	BestBid string `json:"bestBid"`
	BestAsk string `json:"bestAsk"`
	Time    int64  `json:"time"`
}

func (a *KucoinAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var t kucoinLevel1
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v1/market/orderbook/level1", Query: q}, &t); err != nil {
		return nil, err
	}
	mp := &MidPrice{Bid: parseF(t.BestBid), Ask: parseF(t.BestAsk), Last: parseF(t.Price), Ts: t.Time}
	if mp.Bid == 0 && mp.Ask == 0 && mp.Last == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
	}
	if mp.Ts == 0 {
		mp.Ts = time.Now().UnixMilli()
	}
	mp.fillMid()
	return mp, nil
}

type kucoinAccount struct {
	Currency  string `json:"currency"`
	Type      string `json:"type"`
	Available string `json:"available"`
	Holds     string `json:"holds"`
}

func (a *KucoinAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	endpoint := "/api/v1/accounts"
	var accounts []kucoinAccount
	err := a.call(ctx, &Request{
		Method:  "GET",
		Path:    endpoint,
		Headers: a.signedHeaders("GET", endpoint, ""),
	}, &accounts)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}

	// Trade accounts only; main/margin balances are not quotable inventory.
	out := make([]Balance, 0, len(accounts))
	for _, acct := range accounts {
		if acct.Type != "trade" {
			continue
		}
		free, locked := parseF(acct.Available), parseF(acct.Holds)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: acct.Currency, Free: free, Locked: locked})
	}
	return out, nil
}

type kucoinOrder struct {
	ID        string `json:"id"`
	ClientOid string `json:"clientOid"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	IsActive  bool   `json:"isActive"`
	CancelExist bool `json:"cancelExist"`
}

func (a *KucoinAdapter) normalizeOrder(o kucoinOrder, canonical string) Order {
	status := StatusUnknown
	switch {
	case o.IsActive:
		status = StatusOpen
	case o.CancelExist:
		status = StatusCanceled
	default:
		status = StatusFilled
	}
	return Order{
		ID:            o.ID,
		Symbol:        canonical,
		Side:          Side(lower(o.Side)),
		Price:         parseF(o.Price),
		Qty:           parseF(o.Size),
		Status:        status,
		ClientOrderID: o.ClientOid,
	}
}

func (a *KucoinAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)
	params.Set("status", "active")
	// Active listings default to the last 7 days on KuCoin; pin the window
	// explicitly so the contract stays uniform across venues.
	params.Set("startAt", fmt.Sprintf("%d", time.Now().Add(-openOrderWindow).UnixMilli()))
	endpoint := endpointWithQuery("/api/v1/orders", params)

	var page struct {
		Items []kucoinOrder `json:"items"`
	}
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/api/v1/orders",
		Query:   params,
		Headers: a.signedHeaders("GET", endpoint, ""),
	}, &page)
	if err != nil {
		return nil, err
	}
	orders := make([]Order, 0, len(page.Items))
	for _, o := range page.Items {
		n := a.normalizeOrder(o, symbol)
		if n.Status == StatusOpen {
			orders = append(orders, n)
		}
	}
	return orders, nil
}

type kucoinSymbolInfo struct {
	Symbol        string `json:"symbol"`
	BaseIncrement string `json:"baseIncrement"`
	PriceIncrement string `json:"priceIncrement"`
	BaseMinSize   string `json:"baseMinSize"`
	MinFunds      string `json:"minFunds"`
}

func (a *KucoinAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *KucoinAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}

	var info kucoinSymbolInfo
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v2/symbols/" + venueSym}, &info); err != nil {
		return nil, err
	}
	if info.Symbol == "" {
		return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
	}
	meta := &SymbolMeta{
		PriceStep:   parseF(info.PriceIncrement),
		QtyStep:     parseF(info.BaseIncrement),
		MinQty:      parseF(info.BaseMinSize),
		MinNotional: parseF(info.MinFunds),
	}
	meta.PricePrecision = precisionFromStep(meta.PriceStep)
	meta.QtyPrecision = precisionFromStep(meta.QtyStep)
	return meta, nil
}

func (a *KucoinAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, kucoinMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, q.Symbol)
	})
	if err != nil {
		return nil, err
	}

	clientOid := prep.ClientID
	if clientOid == "" {
		// KuCoin requires clientOid on every order.
		clientOid = fmt.Sprintf("mmbot%d", time.Now().UnixNano())
	}

	payload := map[string]interface{}{
		"clientOid": clientOid,
		"symbol":    prep.VenueSymbol,
		"side":      string(q.Side),
	}
	if q.Type == TypeLimit {
		payload["type"] = "limit"
		payload["price"] = prep.PriceStr
		payload["size"] = prep.QtyStr
		if q.PostOnly {
			payload["postOnly"] = true
		}
	} else {
		payload["type"] = "market"
		if q.Side == SideBuy && q.QuoteQty > 0 {
			payload["funds"] = trimFloat(q.QuoteQty)
		} else {
			payload["size"] = prep.QtyStr
		}
	}
	body, _ := json.Marshal(payload)

	endpoint := "/api/v1/orders"
	var resp struct {
		OrderID string `json:"orderId"`
	}
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    endpoint,
		Body:    body,
		Headers: a.signedHeaders("POST", endpoint, string(body)),
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
		ClientOrderID: clientOid,
	}, nil
}

func (a *KucoinAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	endpoint := "/api/v1/orders/" + orderID
	err := a.call(ctx, &Request{
		Method:  "DELETE",
		Path:    endpoint,
		Headers: a.signedHeaders("DELETE", endpoint, ""),
	}, nil)
	return tolerateNotFound(a.name, err)
}

func (a *KucoinAdapter) CancelAll(ctx context.Context, symbol string) error {
	params := url.Values{}
	if symbol != "" {
		venueSym, err := a.ToExchangeSymbol(symbol)
		if err != nil {
			return NewError(a.name, CodeUnknownMarket, err.Error())
		}
		params.Set("symbol", venueSym)
	}
	endpoint := endpointWithQuery("/api/v1/orders", params)
	err := a.call(ctx, &Request{
		Method:  "DELETE",
		Path:    "/api/v1/orders",
		Query:   params,
		Headers: a.signedHeaders("DELETE", endpoint, ""),
	}, nil)
	return tolerateNotFound(a.name, err)
}

type kucoinFill struct {
	TradeID   string `json:"tradeId"`
	OrderID   string `json:"orderId"`
	Side      string `json:"side"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Funds     string `json:"funds"`
	CreatedAt int64  `json:"createdAt"`
}

func (a *KucoinAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)
	if tq.StartMs > 0 {
		params.Set("startAt", fmt.Sprintf("%d", tq.StartMs))
	}
	if tq.Limit > 0 {
		params.Set("pageSize", fmt.Sprintf("%d", tq.Limit))
	}
	endpoint := endpointWithQuery("/api/v1/fills", params)

	var page struct {
		Items []kucoinFill `json:"items"`
	}
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/api/v1/fills",
		Query:   params,
		Headers: a.signedHeaders("GET", endpoint, ""),
	}, &page)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(page.Items))
	for _, f := range page.Items {
		trades = append(trades, MyTrade{
			ID:        f.TradeID,
			OrderID:   f.OrderID,
			Side:      Side(lower(f.Side)),
			Price:     parseF(f.Price),
			Qty:       parseF(f.Size),
			Notional:  parseF(f.Funds),
			Timestamp: f.CreatedAt,
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
