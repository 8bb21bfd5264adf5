package exchange

import (
	"context"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

const binanceMaxClientOrderID = 36

// BinanceAdapter implements the normalized contract for Binance spot.
type BinanceAdapter struct {
	baseAdapter
}

// NewBinanceAdapter wires a Binance adapter onto its own serialized
// transport. baseURL defaults to the public production endpoint.
func NewBinanceAdapter(creds Credentials, baseURL string, minGap time.Duration, log zerolog.Logger) *BinanceAdapter {
	if baseURL == "" {
		baseURL = "https://api.binance.com"
	}
	tr := NewTransport("binance", baseURL, minGap, log)
	return &BinanceAdapter{baseAdapter: newBaseAdapter("binance", tr, creds)}
}

// signedQuery appends timestamp and signature to params, Binance-style:
// hex HMAC-SHA256 over the canonical query string.
func (a *BinanceAdapter) signedQuery(params url.Values) url.Values {
	params.Set("timestamp", NowMs())
	params.Set("recvWindow", "5000")
	params.Set("signature", SignHMACSHA256Hex(a.creds.SecretKey, CanonicalQuery(params)))
	return params
}

func (a *BinanceAdapter) authHeaders() map[string]string {
	return map[string]string{"X-MBX-APIKEY": a.creds.APIKey}
}

type binanceTicker struct {
	Symbol   string  `json:"symbol"`
	BidPrice float64 `json:"bidPrice,string"`
	AskPrice float64 `json:"askPrice,string"`
	LastPrice float64 `json:"lastPrice,string"`
	CloseTime int64  `json:"closeTime"`
}

func (a *BinanceAdapter) GetTicker(ctx context.Context, symbol string) (*MidPrice, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var t binanceTicker
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

type binanceAccount struct {
	Balances []struct {
		Asset  string  `json:"asset"`
		Free   float64 `json:"free,string"`
		Locked float64 `json:"locked,string"`
	} `json:"balances"`
}

func (a *BinanceAdapter) GetBalances(ctx context.Context) ([]Balance, error) {
	var acct binanceAccount
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

type binanceOrder struct {
	Symbol        string  `json:"symbol"`
	OrderID       int64   `json:"orderId"`
	ClientOrderID string  `json:"clientOrderId"`
	Price         float64 `json:"price,string"`
	OrigQty       float64 `json:"origQty,string"`
	ExecutedQty   float64 `json:"executedQty,string"`
	Status        string  `json:"status"`
	Side          string  `json:"side"`
}

func (a *BinanceAdapter) GetOpenOrders(ctx context.Context, symbol string) ([]Order, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	params := url.Values{}
	params.Set("symbol", venueSym)

	var raw []binanceOrder
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
		orders = append(orders, a.normalizeOrder(o, symbol))
	}
	return orders, nil
}

func (a *BinanceAdapter) normalizeOrder(o binanceOrder, canonical string) Order {
	status := StatusUnknown
	switch o.Status {
	case "NEW", "PARTIALLY_FILLED":
		status = StatusOpen
	case "FILLED":
		status = StatusFilled
	case "CANCELED", "EXPIRED", "REJECTED":
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

func (a *BinanceAdapter) GetSymbolMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	return a.cachedMeta(ctx, symbol, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, symbol)
	})
}

type binanceExchangeInfo struct {
	Symbols []struct {
		Symbol  string `json:"symbol"`
		Filters []struct {
			FilterType  string `json:"filterType"`
			TickSize    string `json:"tickSize"`
			StepSize    string `json:"stepSize"`
			MinQty      string `json:"minQty"`
			MinNotional string `json:"minNotional"`
		} `json:"filters"`
	} `json:"symbols"`
}

func (a *BinanceAdapter) fetchMeta(ctx context.Context, symbol string) (*SymbolMeta, error) {
	venueSym, err := a.ToExchangeSymbol(symbol)
	if err != nil {
		return nil, NewError(a.name, CodeUnknownMarket, err.Error())
	}
	q := url.Values{}
	q.Set("symbol", venueSym)

	var info binanceExchangeInfo
	if err := a.tr.DoJSON(ctx, &Request{Method: "GET", Path: "/api/v3/exchangeInfo", Query: q}, &info); err != nil {
		return nil, err
	}
	if len(info.Symbols) == 0 {
		return nil, NewError(a.name, CodeUnknownMarket, "symbol not listed: "+venueSym)
	}

	meta := &SymbolMeta{}
	for _, f := range info.Symbols[0].Filters {
		switch f.FilterType {
		case "PRICE_FILTER":
			meta.PriceStep = parseF(f.TickSize)
		case "LOT_SIZE":
			meta.QtyStep = parseF(f.StepSize)
			meta.MinQty = parseF(f.MinQty)
		case "NOTIONAL", "MIN_NOTIONAL":
			meta.MinNotional = parseF(f.MinNotional)
		}
	}
	return meta, nil
}

func (a *BinanceAdapter) PlaceOrder(ctx context.Context, q Quote) (*Order, error) {
	prep, err := a.prepareOrder(ctx, q, binanceMaxClientOrderID, func(ctx context.Context) (*SymbolMeta, error) {
		return a.fetchMeta(ctx, q.Symbol)
	})
	if err != nil {
		return nil, err
	}

	params := url.Values{}
	params.Set("symbol", prep.VenueSymbol)
	params.Set("side", upper(string(q.Side)))
	if q.Type == TypeLimit {
		if q.PostOnly {
			params.Set("type", "LIMIT_MAKER")
		} else {
			params.Set("type", "LIMIT")
			params.Set("timeInForce", "GTC")
		}
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

	var raw binanceOrder
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
	return &out, nil
}

func (a *BinanceAdapter) CancelOrder(ctx context.Context, symbol, orderID string) error {
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

func (a *BinanceAdapter) CancelAll(ctx context.Context, symbol string) error {
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

type binanceTrade struct {
	ID       int64   `json:"id"`
	OrderID  int64   `json:"orderId"`
	Price    float64 `json:"price,string"`
	Qty      float64 `json:"qty,string"`
	QuoteQty float64 `json:"quoteQty,string"`
	IsBuyer  bool    `json:"isBuyer"`
	Time     int64   `json:"time"`
}

func (a *BinanceAdapter) GetMyTrades(ctx context.Context, symbol string, tq TradeQuery) ([]MyTrade, error) {
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

	var raw []binanceTrade
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
			ID:        strconv.FormatInt(t.ID, 10),
			OrderID:   strconv.FormatInt(t.OrderID, 10),
			Side:      side,
			Price:     t.Price,
			Qty:       t.Qty,
			Notional:  t.QuoteQty,
			Timestamp: t.Time,
		})
	}
	return newestFirst(dedupeTrades(trades)), nil
}
