package exchange

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const mexcMaxClientOrderID = 32

// MexcAdapter implements the normalized contract for MEXC spot. The wire
// protocol mirrors Binance's signed-query style with underscore symbols.
type MexcAdapter struct {
	baseAdapter
}

func NewMexcAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *MexcAdapter {
	if baseURL == "" {
		baseURL = "https://api.mexc.com"
	}
	tr := NewTransport("mexc", baseURL, minGap, log)
	return &MexcAdapter{baseAdapter: newBaseAdapter("mexc", tr, creds)}
}

func (a *MexcAdapter) signedQuery(params url.Values) url.Values {
	params.Set("timestamp", NowMs())
	params.Set("signature", SignHMACSHA256Hex(a.creds.SecretKey, CanonicalQuery(params)))
	return params
}

func (a *MexcAdapter) authHeaders() map[string]string {
	return map[string]string{"X-MEXC-APIKEY": a.creds.APIKey}
}

type mexcBookTicker struct {
	BidPrice  float64 `json:"bidPrice,string"`
	AskPrice  float64 `json:"askPrice,string"`
	LastPrice float64 `json:"lastPrice,string"`
}

func (a *MexcAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var t mexcBookTicker
	if err := a.tr.DoJSON(ctx, &Request{Method: "GET", Path: "/api/v3/ticker/24hr", Query: q}, &t); err != nil {
		return nil, err
	}
	if t.BidPrice == 0 && t.AskPrice == 0 && t.LastPrice == 0 {
		return nil, NewError(a.name, CodeMissingPrices, "ticker carried no prices")
	}
	mp := &MidPrice{Bid: t.BidPrice, Ask: t.AskPrice, Last: t.LastPrice, Ts: time.Now().UnixMilli()}
	mp.fillMid()
	return mp, nil
}

type mexcAccount struct {
	Balances []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free,string"`
		Locked float64 `json:"locked,string"`
	} `json:"balances"`
}

func (a *MexcAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	var acct mexcAccount
	err := a.tr.DoJSON(ctx, &Request{
		Method:  "GET",
		Path:    "/api/v3/account",
		Query:   a.signedQuery(url.Values{}),
		Headers: a.authHeaders(),
	}, &acct)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}
	out := make([]Balance, 0, len(acct.Balances))
	for _, b := range acct.Balances {
		if b.Free == 0 && b.Locked == 0 {
			continue
		}
		out = append(out, Balance{Asset: b.Asset, Free: b.Free, Locked: b.Locked})
	}
	return out, nil
}

type mexcOrder struct {
	OrderID       string  `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
}

func (a *MexcAdapter) normalizeOrder(o mexcOrder, canonical string) Order {
	status := StatusUnknown
	switch o.Status {
	case "NEW", "PARTIALLY_FILLED":
		status = StatusOpen
	case "FILLED":
		status = StatusFilled
	case "CANCELED", "PARTIALLY_CANCELED":
		status = StatusCanceled
	}
	return Order{
		ID:            o.OrderID,
		Symbol:        canonical,
		Side:          Side(lower(o.Side)),
		Price:         o.Price,
		Qty:           o.OrigQty,
		Status:        status,
		ClientOrderID: o.ClientOrderID,
	}
}

func (a *MexcAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)
	// Widen past the venue's default recent-orders window.
	params.Set("startTime", strconv.FormatInt(time.Now().Add(-openOrderWindow).UnixMilli(), 10))

	var raw []mexcOrder
	err = a.tr.DoJSON(ctx, &Request{
		Method:  "GET",
		Path:    "/api/v3/openOrders",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
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

type mexcSymbolInfo struct {
	Symbols []struct {
		Symbol           string `json:"symbol"`
		QuotePrecision   int    `json:"quotePrecision"`
		BaseSizePrecision string `json:"baseSizePrecision"`
		QuoteAmountPrecision string `json:"quoteAmountPrecision"`
	} `json:"symbols"`
}

func (a *MexcAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

func (a *MexcAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var info mexcSymbolInfo
	if err := a.tr.DoJSON(ctx, &Request{Method: "GET", Path: "/api/v3/exchangeInfo", Query: q}, &info); err != nil {
		return nil, err
	}
	if len(info.Symbols) == 0 {
		return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
	}
	s := info.Symbols[0]
	meta := &SymbolMeta{
		PricePrecision: s.QuotePrecision,
		QtyStep:        parseF(s.BaseSizePrecision),
		MinQty:         parseF(s.BaseSizePrecision),
		MinNotional:    parseF(s.QuoteAmountPrecision),
	}
	if meta.QtyStep > 0 {
		meta.QtyPrecision = precisionFromStep(meta.QtyStep)
	}
	return meta, nil
}

func (a *MexcAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, mexcMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, q.Symbol)
	})
	if err != nil {
		return nil, err
	}
	if q.Type == TypeLimit && q.PostOnly {
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

	var raw mexcOrder
	err = a.tr.DoJSON(ctx, &Request{
		Method:  "POST",
		Path:    "/api/v3/order",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, &raw)
	if err != nil {
		if IsAuthError(err) {
			return nil, NewError(a.name, CodeAuthFailed, err.Error())
		}
		return nil, err
	}
	out := a.normalizeOrder(raw, q.Symbol)
	if out.Status == StatusUnknown {
		out.Status = StatusOpen
	}
	if out.Price == 0 {
		out.Price = prep.Price
	}
	if out.Qty == 0 {
		out.Qty = prep.Qty
	}
	return &out, nil
}

func (a *MexcAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)
	params.Set("orderId", orderID)

	err = a.tr.DoJSON(ctx, &Request{
		Method:  "DELETE",
		Path:    "/api/v3/order",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, nil)
	return tolerateNotFound(a.name, err)
}

func (a *MexcAdapter) CancelAll(ctx context.Context, symbol string) error {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)

	err = a.tr.DoJSON(ctx, &Request{
		Method:  "DELETE",
		Path:    "/api/v3/openOrders",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, nil)
	return tolerateNotFound(a.name, err)
}

type mexcTrade struct {
	ID       string  `json:"id"`
	OrderID  string  `json:"orderId"`
	Price    float64 `json:"price,string"`
	Qty      float64 `json:"qty,string"`
	QuoteQty float64 `json:"quoteQty,string"`
	IsBuyer  bool    `json:"isBuyer"`
	Time     int64   `json:"time"`
}

func (a *MexcAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
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

	var raw []mexcTrade
	err = a.tr.DoJSON(ctx, &Request{
		Method:  "GET",
		Path:    "/api/v3/myTrades",
		Query:   a.signedQuery(params),
		Headers: a.authHeaders(),
	}, &raw)
	if err != nil {
		return nil, err
	}

	trades := make([]MyTrade, 0, len(raw))
	for _, t := range raw {
		side := SideSell
		if t.IsBuyer {
			side = SideBuy
		}
		trades = append(trades, MyTrade{
			ID:        t.ID,
			OrderID:   t.OrderID,
			Side:      side,
			Price:     t.Price,
			Qty:       t.Qty,
			Notional:  t.QuoteQty,
			Timestamp: t.Time,
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
