package exchange

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const coinstoreMaxClientOrderID = 32

// CoinstoreAdapter implements the normalized contract for Coinstore spot.
// Signatures use a two-stage HMAC: the signing key is HMAC-SHA256(secret,
// floor(expires/30000)) and the payload (query or body) is signed with that
// derived key.
type CoinstoreAdapter struct {
	baseAdapter
}

func NewCoinstoreAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *CoinstoreAdapter {
	if baseURL == "" {
		baseURL = "https://api.coinstore.com/api"
	}
	tr := NewTransport("coinstore", baseURL, minGap, log)
	return &CoinstoreAdapter{baseAdapter: newBaseAdapter("coinstore", tr, creds)}
}

func (a *CoinstoreAdapter) signedHeaders(payload string) map[string]string {
	expires := time.Now().UnixMilli()
	window := strconv.FormatInt(expires/30000, 10)

	keyMac := hmac.New(sha256.New, []byte(a.creds.SecretKey))
	keyMac.Write([]byte(window))
	derived := hex.EncodeToString(keyMac.Sum(nil))

	sigMac := hmac.New(sha256.New, []byte(derived))
	sigMac.Write([]byte(payload))

	return map[string]string{
		"X-CS-APIKEY":  a.creds.APIKey,
		"X-CS-EXPIRES": strconv.FormatInt(expires, 10),
		"X-CS-SIGN":    hex.EncodeToString(sigMac.Sum(nil)),
		"Content-Type": "application/json",
	}
}

// coinstoreEnvelope wraps every response; code 0 is success.
type coinstoreEnvelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func (a *CoinstoreAdapter) call(ctx context.Context, req *Request, out interface{}) error {
	var env coinstoreEnvelope
	if err := a.tr.DoJSON(ctx, req, &env); err != nil {
		return err
	}
	if env.Code != 0 {
		if env.Code == 401 || env.Code == 1401 || env.Code == 3001 {
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

type coinstoreTicker struct {
	Symbol string `json:"symbol"`
	Close  string `json:"close"`
	Bid    string `json:"bid"`
	Ask    string `json:"ask"`
}

func (a *CoinstoreAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var tickers []coinstoreTicker
	if err := a.call(ctx, &Request{Method: "GET", Path: "/v1/market/tickers", Query: q}, &tickers); err != nil {
		return nil, err
	}
	for _, t := range tickers {
		if t.Symbol != venueSym {
			continue
		}
		mp := &MidPrice{Bid: parseF(t.Bid), Ask: parseF(t.Ask), Last: parseF(t.Close), Ts: time.Now().UnixMilli()}
		if mp.Bid == 0 && mp.Ask == 0 && mp.Last == 0 {
			return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
		}
		mp.fillMid()
		return mp, nil
	}
	return nil, NewError(a.name, CodeMissingPrices, "no ticker for "+venueSym)
}

type coinstoreBalance struct {
	Currency string `json:"currency"`
	Balance  string `json:"balance"`
	Type     int    `json:"type"` // 1 frozen, 4 available
}

func (a *CoinstoreAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	body := "{}"
	var rows []coinstoreBalance
	err := a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/spot/accountList",
		Body:    []byte(body),
		Headers: a.signedHeaders(body),
	}, &rows)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}

	// Available and frozen arrive as separate rows per currency.
	byAsset := map[string]*Balance{}
	for _, r := range rows {
		asset := upper(r.Currency)
		b, ok := byAsset[asset]
		if !ok {
			b = &Balance{Asset: asset}
			byAsset[asset] = b
		}
		switch r.Type {
		case 4:
			b.Free += parseF(r.Balance)
		case 1:
			b.Locked += parseF(r.Balance)
		}
	}
	out := make([]Balance, 0, len(byAsset))
	for _, b := range byAsset {
		if b.Free == 0 && b.Locked == 0 {
			continue
		}
		out = append(out, *b)
	}
	return out, nil
}

type coinstoreOrder struct {
	OrdID     int64  `json:"ordId"`
	ClOrdID   string `json:"clOrdId"`
	Side      string `json:"side"`
	OrdPrice  string `json:"ordPrice"`
	OrdQty    string `json:"ordQty"`
	OrdStatus string `json:"ordStatus"`
}

func (a *CoinstoreAdapter) normalizeOrder(o coinstoreOrder, canonical string) Order {
	status := StatusUnknown
	switch o.OrdStatus {
	case "SUBMITTED", "SUBMITTING", "PARTIAL_FILLED":
		status = StatusOpen
	case "FILLED":
		status = StatusFilled
	case "CANCELED", "CANCELING":
		status = StatusCanceled
	}
	return Order{
		ID:            strconv.FormatInt(o.OrdID, 10),
		Symbol:        canonical,
		Side:          Side(lower(o.Side)),
		Price:         parseF(o.OrdPrice),
		Qty:           parseF(o.OrdQty),
		Status:        status,
		ClientOrderID: o.ClOrdID,
	}
}

func (a *CoinstoreAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var raw []coinstoreOrder
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/trade/order/active",
		Query:   q,
		Headers: a.signedHeaders(CanonicalQuery(q)),
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

type coinstoreSymbolInfo struct {
	SymbolCode    string `json:"symbolCode"`
	TickSz        int    `json:"tickSz"`
	LotSz         int    `json:"lotSz"`
	MinLmtSz      string `json:"minLmtSz"`
	MinLmtPr      string `json:"minLmtPr"`
}

func (a *CoinstoreAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *CoinstoreAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	body, _ := json.Marshal(map[string]interface{}{"symbolCodes": []string{venueSym}})

	var infos []coinstoreSymbolInfo
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/v2/public/config/spot/symbols",
		Body:    body,
		Headers: map[string]string{"Content-Type": "application/json"},
	}, &infos)
	if err != nil {
		return nil, err
	}
	for _, s := range infos {
		if s.SymbolCode != venueSym {
			continue
		}
		meta := &SymbolMeta{
			PricePrecision: s.TickSz,
			QtyPrecision:   s.LotSz,
			MinQty:         parseF(s.MinLmtSz),
			MinNotional:    parseF(s.MinLmtPr),
		}
		if s.TickSz > 0 {
			meta.PriceStep = stepFromPrecision(s.TickSz)
		}
		if s.LotSz > 0 {
			meta.QtyStep = stepFromPrecision(s.LotSz)
		}
		return meta, nil
	}
	return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
}

func (a *CoinstoreAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, coinstoreMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
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
		payload["ordType"] = "LIMIT"
		payload["ordPrice"] = prep.PriceStr
		payload["ordQty"] = prep.QtyStr
	} else {
		payload["ordType"] = "MARKET"
		if q.Side == SideBuy && q.QuoteQty > 0 {
			payload["ordAmt"] = trimFloat(q.QuoteQty)
		} else {
			payload["ordQty"] = prep.QtyStr
		}
	}
	if prep.ClientID != "" {
		payload["clOrdId"] = prep.ClientID
	}
	body, _ := json.Marshal(payload)

	var resp struct {
		OrdID int64 `json:"ordId"`
	}
	err = a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/trade/order/place",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, &resp)
	if err != nil {
		return nil, err
	}
	return &Order{
		ID:            strconv.FormatInt(resp.OrdID, 10),
		Symbol:        q.Symbol,
		Side:          q.Side,
		Price:         prep.Price,
		Qty:           prep.Qty,
		Status:        StatusOpen,
		ClientOrderID: prep.ClientID,
	}, nil
}

func (a *CoinstoreAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return NewError(a.name, CodeNotFound, "invalid order id "+orderID)
	}
	body, _ := json.Marshal(map[string]interface{}{"symbol": venueSym, "ordId": id})
	cErr := a.call(ctx, &Request{
		Method:  "POST",
		Path:    "/trade/order/cancel",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, nil)
	return tolerateNotFound(a.name, cErr)
}

func (a *CoinstoreAdapter) CancelAll(ctx context.Context, symbol string) error {
	payload := map[string]interface{}{}
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
		Path:    "/trade/order/cancelAll",
		Body:    body,
		Headers: a.signedHeaders(string(body)),
	}, nil)
	return tolerateNotFound(a.name, err)
}

type coinstoreMatch struct {
	ID         int64  `json:"id"`
	OrderID    int64  `json:"orderId"`
	Side       int    `json:"side"` // 1 buy, -1 sell
	ExecAmt    string `json:"execAmt"`
	ExecQty    string `json:"execQty"`
	MatchTime  int64  `json:"matchTime"`
}

func (a *CoinstoreAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)
	if tq.Limit > 0 {
		q.Set("pageSize", strconv.Itoa(tq.Limit))
	}

	var matches []coinstoreMatch
	err = a.call(ctx, &Request{
		Method:  "GET",
		Path:    "/trade/match/accountMatches",
		Query:   q,
		Headers: a.signedHeaders(CanonicalQuery(q)),
	}, &matches)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(matches))
	for _, m := range matches {
		ts := m.MatchTime
		if ts < 1e12 {
			ts *= 1000 // seconds to ms
		}
		if tq.StartMs > 0 && ts < tq.StartMs {
			continue
		}
		side := SideSell
		if m.Side > 0 {
			side = SideBuy
		}
		qty := parseF(m.ExecQty)
		notional := parseF(m.ExecAmt)
		trades = append(trades, MyTrade{
			ID:        strconv.FormatInt(m.ID, 10),
			OrderID:   strconv.FormatInt(m.OrderID, 10),
			Side:      side,
			Qty:       qty,
			Notional:  notional,
			Timestamp: ts,
			// Price derived from notional/qty by dedupeTrades.
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
