package exchange

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const p2bMaxClientOrderID = 32

// P2bAdapter implements the normalized contract for P2B spot. Every private
// call is a POST whose JSON body travels base64-encoded in X-TXC-PAYLOAD,
// signed hex HMAC-SHA512 into X-TXC-SIGNATURE.
type P2bAdapter struct {
	baseAdapter
}

func NewP2bAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *P2bAdapter {
	if baseURL == "" {
		baseURL = "https://api.p2pb2b.com"
	}
	tr := NewTransport("p2b", baseURL, minGap, log)
	return &P2bAdapter{baseAdapter: newBaseAdapter("p2b", tr, creds)}
}

// privateRequest builds a signed POST. The request path and a nonce must be
// part of the signed body.
func (a *P2bAdapter) privateRequest(path string, payload map[string]interface{}) *Request {
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["request"] = path
	payload["nonce"] = time.Now().UnixMilli()
	body, _ := json.Marshal(payload)
	encoded := base64.StdEncoding.EncodeToString(body)
	return &Request{
		Method: "POST",
		Path:   path,
		Body:   body,
		Headers: map[string]string{
			"X-TXC-APIKEY":    a.creds.APIKey,
			"X-TXC-PAYLOAD":   encoded,
			"X-TXC-SIGNATURE": SignHMACSHA512Hex(a.creds.SecretKey, encoded),
		},
	}
}

// p2bEnvelope wraps every response in {success, message, result}.
type p2bEnvelope struct {
	Success bool            `json:"success"`
	Message json.RawMessage `json:"message"`
	Result  json.RawMessage `json:"result"`
}

func (a *P2bAdapter) call(ctx context.Context, req *Request, out interface{}) error {
	var env p2bEnvelope
	if err := a.tr.DoJSON(ctx, req, &env); err != nil {
		return err
	}
	if !env.Success {
		msg := string(env.Message)
		if containsFold(msg, "unauthorized") || containsFold(msg, "api key") || containsFold(msg, "signature") {
			return NewError(a.name, CodeAuthFailed, msg)
		}
		return NewError(a.name, CodeVenueUnavail, msg)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return NewError(a.name, CodeVenueUnavail, "unexpected result shape: "+err.Error())
	}
	return nil
}

type p2bTicker struct {
	Bid  string `json:"bid"`
	Ask  string `json:"ask"`
	Last string `json:"last"`
}

func (a *P2bAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("market", venueSym)

	var t p2bTicker
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v2/public/ticker", Query: q}, &t); err != nil {
		return nil, err
	}
	mp := &MidPrice{Bid: parseF(t.Bid), Ask: parseF(t.Ask), Last: parseF(t.Last), Ts: time.Now().UnixMilli()}
	if mp.Bid == 0 && mp.Ask == 0 && mp.Last == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
	}
	mp.fillMid()
	return mp, nil
}

func (a *P2bAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	// Balances come back keyed by currency.
	var result map[string]struct {
		Available string `json:"available"`
		Freeze    string `json:"freeze"`
	}
	err := a.call(ctx, a.privateRequest("/api/v2/account/balances", nil), &result)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}
	out := make([]Balance, 0, len(result))
	for asset, b := range result {
		free, locked := parseF(b.Available), parseF(b.Freeze)
		if free == 0 && locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: upper(asset), Free: free, Locked: locked})
	}
	return out, nil
}

type p2bOrder struct {
	OrderID int64   `json:"orderId"`
	Side    string  `json:"side"`
	Price   string  `json:"price"`
	Amount  string  `json:"amount"`
	Left    string  `json:"left"`
}

func (a *P2bAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	var raw []p2bOrder
	err = a.call(ctx, a.privateRequest("/api/v2/orders", map[string]interface{}{
		"market": venueSym,
		"offset": 0,
		"limit":  100,
	}), &raw)
	if err != nil {
		return nil, err
	}
	// The endpoint only lists resting orders, so everything here is open.
	orders := make([]Order, 0, len(raw))
	for _, o := range raw {
		orders = append(orders, Order{
			ID:     strconv.FormatInt(o.OrderID, 10),
			Symbol: symbol,
			Side:   Side(lower(o.Side)),
			Price:  parseF(o.Price),
			Qty:    parseF(o.Amount),
			Status: StatusOpen,
		})
	}
	return orders, nil
}

type p2bMarket struct {
	Name      string `json:"name"`
	Precision struct {
		Money string `json:"money"`
		Stock string `json:"stock"`
	} `json:"precision"`
	Limits struct {
		MinAmount string `json:"min_amount"`
		MinTotal  string `json:"min_total"`
	} `json:"limits"`
}

func (a *P2bAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *P2bAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	var result struct {
		Markets []p2bMarket `json:"markets"`
	}
	if err := a.call(ctx, &Request{Method: "GET", Path: "/api/v2/public/markets"}, &result); err != nil {
		return nil, err
	}
	for _, m := range result.Markets {
		if m.Name != venueSym {
			continue
		}
		pricePrec := int(parseF(m.Precision.Money))
		qtyPrec := int(parseF(m.Precision.Stock))
		meta := &SymbolMeta{
			PricePrecision: pricePrec,
			QtyPrecision:   qtyPrec,
			MinQty:         parseF(m.Limits.MinAmount),
			MinNotional:    parseF(m.Limits.MinTotal),
		}
		if pricePrec > 0 {
			meta.PriceStep = stepFromPrecision(pricePrec)
		}
		if qtyPrec > 0 {
			meta.QtyStep = stepFromPrecision(qtyPrec)
		}
		return meta, nil
	}
	return nil, NewError(a.name, CodeUnknownMarket, "market not listed: "+venueSym)
}

func (a *P2bAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	// P2B only supports limit orders on its trade API.
	if q.Type != TypeLimit {
		return nil, NewError(a.name, CodeUnsupportedType, "market orders not supported on this venue")
	}
	prep, err := a.prepareOrder(ctx, q, p2bMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, q.Symbol)
	})
	if err != nil {
		return nil, err
	}
	if q.PostOnly {
		return nil, NewError(a.name, CodeUnsupportedType, "post-only not supported on this venue")
	}

	var resp p2bOrder
	err = a.call(ctx, a.privateRequest("/api/v2/order/new", map[string]interface{}{
		"market": prep.VenueSymbol,
		"side":   string(q.Side),
		"amount": prep.QtyStr,
		"price":  prep.PriceStr,
	}), &resp)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:     strconv.FormatInt(resp.OrderID, 10),
		Symbol: q.Symbol,
		Side:   q.Side,
		Price:  prep.Price,
		Qty:    prep.Qty,
		Status: StatusOpen,
	}, nil
}

func (a *P2bAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return NewError(a.name, CodeNotFound, "invalid order id "+orderID)
	}
	cErr := a.call(ctx, a.privateRequest("/api/v2/order/cancel", map[string]interface{}{
		"market":  venueSym,
		"orderId": id,
	}), nil)
	return tolerateNotFound(a.name, cErr)
}

func (a *P2bAdapter) CancelAll(ctx context.Context, symbol string) error {
	// No bulk-cancel endpoint; walk the open orders.
	orders, err := a.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range orders {
		if err := a.CancelOrder(ctx, symbol, o.ID); err != nil {
			return err
		}
	}
	return nil
}

type p2bDeal struct {
	ID     int64   `json:"id"`
	DealOrderID int64 `json:"dealOrderId"`
	Price  string  `json:"price"`
	Amount string  `json:"amount"`
	Deal   string  `json:"deal"`
	Side   string  `json:"side"`
	Time   float64 `json:"time"`
}

func (a *P2bAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	limit := tq.Limit
	if limit <= 0 {
		limit = 100
	}
	var result struct {
		Deals []p2bDeal `json:"deals"`
	}
	err = a.call(ctx, a.privateRequest("/api/v2/account/executed_history", map[string]interface{}{
		"market": venueSym,
		"offset": 0,
		"limit":  limit,
	}), &result)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(result.Deals))
	for _, d := range result.Deals {
		ts := int64(d.Time * 1000)
		if tq.StartMs > 0 && ts < tq.StartMs {
			continue
		}
		trades = append(trades, MyTrade{
			ID:        strconv.FormatInt(d.ID, 10),
			OrderID:   strconv.FormatInt(d.DealOrderID, 10),
			Side:      Side(lower(d.Side)),
			Price:     parseF(d.Price),
			Qty:       parseF(d.Amount),
			Notional:  parseF(d.Deal),
			Timestamp: ts,
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
