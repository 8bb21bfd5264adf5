package exchange

import (
	"context"
	"fmt"
)

// baseAdapter carries the pieces every venue adapter shares: the serialized
// transport, credentials, the catalog cache and symbol mapping.
type baseAdapter struct {
	name    string
	tr      *Transport
	creds   Credentials
	catalog *catalogCache
}

func newBaseAdapter(name string, tr *Transport, creds Credentials) baseAdapter {
	return baseAdapter{name: name, tr: tr, creds: creds, catalog: newCatalogCache()}
}

func (b *baseAdapter) Name() string { return b.name }

func (b *baseAdapter) ToExchangeSymbol(canonical string) (string, error) {
	return ToVenueSymbol(b.name, canonical)
}

func (b *baseAdapter) FromExchangeSymbol(venueSym string) (string, error) {
	return FromVenueSymbol(b.name, venueSym)
}

// cachedMeta resolves symbol meta through the 10-minute cache.
func (b *baseAdapter) cachedMeta(ctx context.Context, symbol string, fetch func(context.Context) (*SymbolMeta, error)) (*SymbolMeta, error) {
	v, err := b.catalog.cachedFetch(ctx, "meta:"+symbol, symbolMetaTTL, func(ctx context.Context) (interface{}, error) {
		return fetch(ctx)
	})
	if err != nil {
		return nil, err
	}
	meta, ok := v.(*SymbolMeta)
	if !ok || meta == nil {
		return nil, NewError(b.name, CodeUnknownMarket, fmt.Sprintf("no market meta for %s", symbol))
	}
	cp := *meta
	return &cp, nil
}

// preparedOrder is a quote after validation, normalization and minimum
// checks, ready for venue-specific encoding.
type preparedOrder struct {
	VenueSymbol string
	Price       float64
	Qty         float64
	PriceStr    string
	QtyStr      string
	ClientID    string
	Meta        *SymbolMeta
}

// prepareOrder applies the shared place-order pipeline: intent validation,
// symbol translation, round-down normalization, minimum enforcement and
// client-order-id bounding.
func (b *baseAdapter) prepareOrder(ctx context.Context, q Quote, maxIDLen int, metaFetch func(context.Context) (*SymbolMeta, error)) (*preparedOrder, error) {
	if err := ValidateQuote(q); err != nil {
		return nil, NewError(b.name, CodeUnsupportedType, err.Error())
	}
	venueSym, err := b.ToExchangeSymbol(q.Symbol)
	if err != nil {
		return nil, NewError(b.name, CodeUnknownMarket, err.Error())
	}

	meta, err := b.cachedMeta(ctx, q.Symbol, metaFetch)
	if err != nil {
		return nil, err
	}

	price := NormalizePrice(q.Price, meta)
	qty := NormalizeQty(q.Qty, meta)

	// Market buys by quote amount skip the qty minimums; the venue sizes
	// the fill.
	if !(q.Type == TypeMarket && q.Side == SideBuy && q.QuoteQty > 0) {
		var check MinCheck
		if q.Type == TypeLimit {
			check = CheckMins(price, qty, meta)
		} else {
			// Without a limit price the notional floor cannot be
			// enforced locally; check only the qty minimum and let the
			// venue reject notional violations.
			check = CheckMins(0, qty, &SymbolMeta{MinQty: meta.MinQty})
		}
		if !check.OK {
			return nil, NewError(b.name, CodeBelowMinimums, check.Reason)
		}
	}

	return &preparedOrder{
		VenueSymbol: venueSym,
		Price:       price,
		Qty:         qty,
		PriceStr:    FormatPrice(price, meta),
		QtyStr:      FormatQty(qty, meta),
		ClientID:    BoundClientOrderID(q.ClientOrderID, maxIDLen),
		Meta:        meta,
	}, nil
}
