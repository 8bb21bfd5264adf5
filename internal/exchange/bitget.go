package exchange

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

const bitgetMaxClientOrderID = 40

// BitgetAdapter implements the normalized contract for Bitget spot v2.
// Signatures are base64(HMAC-SHA256) over "timestamp + method + path +
// query + body"; the passphrase travels in its own header.
type BitgetAdapter struct {
	baseAdapter
}

func NewBitgetAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *BitgetAdapter {
	if baseURL == "" {
		baseURL = "https://api.bitget.com"
	}
	tr := NewTransport("bitget", baseURL, minGap, log)
	return &BitgetAdapter{baseAdapter: newBaseAdapter("bitget", tr, creds)}
}

func (a *BitgetAdapter) signedHeaders(method, path string, query url.Values, body string) map[string]string {
	ts := NowMs()
	prehash := ts + method + path
	if len(query) > 0 {
		prehash += "?" + CanonicalQuery(query)
	}
	prehash += body
	return map[string]string{
		"ACCESS-KEY":        a.creds.APIKey,
		"ACCESS-SIGN":       SignHMACSHA256Base64(a.creds.SecretKey, prehash),
		"ACCESS-TIMESTAMP":  ts,
		"ACCESS-PASSPHRASE": a.creds.Passphrase,
	}
}

// bitgetEnvelope wraps every response; code "00000" is success.
type bitgetEnvelope struct {
	Code    string          `json:"code"`
	Message string          `json:"msg"`
	Data    json.RawMessage `json:"data"`
}

func (a *BitgetAdapter) call(ctx context.Context, req *Request, out interface{}) error {
	var env bitgetEnvelope
	if err := a.tr.DoJSON(ctx, req, &env); err != nil {
		return err
	}
	if env.Code != "00000" {
		switch env.Code {
		case "40001", "40002", "40003", "40006", "40037":
			return NewError(a.name, CodeAuthFailed, env.Message)
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

type bitgetTicker struct {
	LastPr string `json:"lastPr"`
	BidPr  string `json:"bidPr"`
	AskPr  string `json:"askPr"`
	Ts     string `json:"ts"`
}

func (a *BitgetAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var tickers []bitgetTicker
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v2/spot/market/tickers", Query: q}, &tickers); err != nil {
		return nil, err
	}
	if len(tickers) == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "empty ticker payload")
	}
	t := tickers[0]
	mp := &MidPrice{Bid: parseF(t.BidPr), Ask: parseF(t.AskPr), Last: parseF(t.LastPr), Ts: int64(parseF(t.Ts))}
	if mp.Bid == 0 && mp.Ask == 0 && mp.Last == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
	}
	if mp.Ts == 0 {
		mp.Ts = time.Now().UnixMilli()
	}
	mp.fillMid()
	return mp, nil
}

type bitgetAsset struct {
	Coin      string `json:"coin"`
	Available string `json:"available"`
	Frozen    string `json:"frozen"`
	Locked    string `json:"locked"`
}

func (a *BitgetAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	path := "/api/v2/spot/account/assets"
	var assets []bitgetAsset
	err := a.call(ctx, &Request{
		Method:  "GET",
		Path:    path,
		Headers: a.signedHeaders("GET", path, nil, ""),
	}, &assets)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}
	out := make([]Balance, 0, len(assets))
	for _, b := range assets {
		free := parseF(b.Available)
		locked := parseF(b.Frozen) + parseF(b.Locked)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: b.Coin, Free: free, Locked: locked})
	}
	return out, nil
}

type bitgetOrder struct {
	OrderID   string `json:"orderId"`
	ClientOid string `json:"clientOid"`
	Side      string `json:"side"`
	PriceAvg  string `json:"priceAvg"`
	Price     string `json:"price"`
	Size      string `json:"size"`
	Status    string `json:"status"`
}

func (a *BitgetAdapter) normalizeOrder(o bitgetOrder, canonical string) Order {
	status := StatusUnknown
	switch o.Status {
	case "live", "new", "partially_filled", "init":
		status = StatusOpen
	case "filled":
		status = StatusFilled
	case "cancelled", "canceled":
		status = StatusCanceled
	}
	price := parseF(o.Price)
	if price == 0 {
		price = parseF(o.PriceAvg)
	}
	return Order{
		ID:            o.OrderID,
		Symbol:        canonical,
		Side:          Side(lower(o.Side)),
		Price:         price,
		Qty:           parseF(o.Size),
		Status:        status,
		ClientOrderID: o.ClientOid,
	}
}

func (a *BitgetAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	path := "/api/v2/spot/trade/unfilled-orders"
	params := url.Values{}
	params.Set("symbol", venueSym)
	// Default lookback is short; widen so ladder orders stay visible.
	params.Set("startTime", fmt.Sprintf("%d", time.Now().Add(-openOrderWindow).UnixMilli()))
	params.Set("limit", "100")

	var raw []bitgetOrder
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    path,
		Query:   params,
		Headers: a.signedHeaders("GET", path, params, ""),
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

type bitgetSymbolInfo struct {
	Symbol         string `json:"symbol"`
	PricePrecision string `json:"pricePrecision"`
	QuantityPrecision string `json:"quantityPrecision"`
	MinTradeAmount string `json:"minTradeAmount"`
	MinTradeUSDT   string `json:"minTradeUSDT"`
}

func (a *BitgetAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *BitgetAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var infos []bitgetSymbolInfo
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v2/spot/public/symbols", Query: q}, &infos); err != nil {
		return nil, err
	}
	for _, s := range infos {
		if s.Symbol != venueSym {
			continue
		}
		pricePrec := int(parseF(s.PricePrecision))
		qtyPrec := int(parseF(s.QuantityPrecision))
		meta := &SymbolMeta{
			PricePrecision: pricePrec,
			QtyPrecision:   qtyPrec,
			MinQty:         parseF(s.MinTradeAmount),
			MinNotional:    parseF(s.MinTradeUSDT),
		}
		if pricePrec > 0 {
			meta.PriceStep = stepFromPrecision(pricePrec)
		}
		if qtyPrec > 0 {
			meta.QtyStep = stepFromPrecision(qtyPrec)
		}
		return meta, nil
	}
	return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
}

func (a *BitgetAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, bitgetMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, q.Symbol)
	})
	if err != nil {
		return nil, err
	}

	payload := map[string]interface{}{
		"symbol": prep.VenueSymbol,
		"side":   string(q.Side),
		"force":  "gtc",
	}
	if q.PostOnly {
		payload["force"] = "post_only"
	}
	if q.Type == TypeLimit {
		payload["orderType"] = "limit"
		payload["price"] = prep.PriceStr
		payload["size"] = prep.QtyStr
	} else {
		payload["orderType"] = "market"
		// Bitget sizes market buys in quote currency.
		if q.Side == SideBuy && q.QuoteQty > 0 {
			payload["size"] = trimFloat(q.QuoteQty)
		} else {
			payload["size"] = prep.QtyStr
		}
	}
	if prep.ClientID != "" {
		payload["clientOid"] = prep.ClientID
	}
	body, _ := json.Marshal(payload)

	path := "/api/v2/spot/trade/place-order"
	var resp struct {
		OrderID   string `json:"orderId"`
		ClientOid string `json:"clientOid"`
	}
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    path,
		Body:    body,
		Headers: a.signedHeaders("POST", path, nil, string(body)),
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

func (a *BitgetAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	body, _ := json.Marshal(map[string]string{"symbol": venueSym, "orderId": orderID})
	path := "/api/v2/spot/trade/cancel-order"
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    path,
		Body:    body,
		Headers: a.signedHeaders("POST", path, nil, string(body)),
	}, nil)
	return tolerateNotFound(a.name, err)
}

func (a *BitgetAdapter) CancelAll(ctx context.Context, symbol string) error {
	payload := map[string]string{}
	if symbol != "" {
		venueSym, err := a.ToExchangeSymbol(symbol)
		if err != nil {
			return NewError(a.name, CodeUnknownMarket, err.Error())
		}
		payload["symbol"] = venueSym
	}
	body, _ := json.Marshal(payload)
	path := "/api/v2/spot/trade/cancel-symbol-order"
	err := a.call(ctx, &Request{
		Method:  "POST",
		Path:    path,
		Body:    body,
		Headers: a.signedHeaders("POST", path, nil, string(body)),
	}, nil)
	return tolerateNotFound(a.name, err)
}

type bitgetFill struct {
	TradeID  string `json:"tradeId"`
	OrderID  string `json:"orderId"`
	Side     string `json:"side"`
	PriceAvg string `json:"priceAvg"`
	Size     string `json:"size"`
	Amount   string `json:"amount"`
	CTime    string `json:"cTime"`
}

func (a *BitgetAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	path := "/api/v2/spot/trade/fills"
	params := url.Values{}
	params.Set("symbol", venueSym)
	if tq.StartMs > 0 {
		params.Set("startTime", fmt.Sprintf("%d", tq.StartMs))
	}
	if tq.Limit > 0 {
		params.Set("limit", fmt.Sprintf("%d", tq.Limit))
	}

	var fills []bitgetFill
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    path,
		Query:   params,
		Headers: a.signedHeaders("GET", path, params, ""),
	}, &fills)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(fills))
	for _, f := range fills {
		trades = append(trades, MyTrade{
			ID:        f.TradeID,
			OrderID:   f.OrderID,
			Side:      Side(lower(f.Side)),
			Price:     parseF(f.PriceAvg),
			Qty:       parseF(f.Size),
			Notional:  parseF(f.Amount),
			Timestamp: int64(parseF(f.CTime)),
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
