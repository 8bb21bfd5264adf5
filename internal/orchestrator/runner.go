package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"mm-control-plane/internal/exchange"
	"mm-control-plane/internal/metrics"
	"mm-control-plane/internal/prediction"
)

// Client order id prefixes mark which duty placed an order, so
// reconciliation only touches our own orders.
const (
	prefixLadder  = "mmbot"
	prefixPacing  = "volbot"
	prefixSupport = "psbot"
)

const (
	exchangeCallTimeout   = 12 * time.Second
	consecutiveErrorLimit = 5
	pacingWindow          = time.Hour
)

// SignalProvider refreshes predictions for the bot's timeframes.
type SignalProvider interface {
	Evaluate(ctx context.Context, botID, timeframe string) (prediction.Outcome, error)
}

// NewsChecker reports whether quoting must stop for a news blackout.
type NewsChecker interface {
	Blackout(ctx context.Context, symbol string) (bool, error)
}

// LadderConfig shapes the resting quote ladder.
type LadderConfig struct {
	Levels      int     // levels per side
	SpreadPct   float64 // distance of the first level from mid
	StepPct     float64 // distance between levels
	QtyPerLevel float64
	SkewPct     float64 // extra distance applied against the signal side
}

// PacingConfig drives the volume pacing duty.
type PacingConfig struct {
	Enabled               bool
	TargetNotionalPerHour float64
	MaxClipNotional       float64
}

// SupportConfig keeps a resting bid at the support price.
type SupportConfig struct {
	Enabled      bool
	SupportPrice float64
	Qty          float64
}

// RunnerConfig is one bot's runtime configuration.
type RunnerConfig struct {
	BotID        string
	Symbol       string
	Timeframes   []string
	TickInterval time.Duration
	Ladder       LadderConfig
	Pacing       PacingConfig
	Support      SupportConfig
}

// Runner executes one bot's tick loop: prediction refresh, news gate,
// order reconciliation, quote ladder, volume pacing and price support.
type Runner struct {
	cfg     RunnerConfig
	adapter exchange.Adapter
	signals SignalProvider
	news    NewsChecker
	onError func(botID, reason string)
	log     zerolog.Logger

	errStreak  int
	pacingSide exchange.Side
}

func NewRunner(cfg RunnerConfig, adapter exchange.Adapter, signals SignalProvider, news NewsChecker, onError func(botID, reason string), log zerolog.Logger) *Runner {
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 15 * time.Second
	}
	if cfg.Ladder.Levels <= 0 {
		cfg.Ladder.Levels = 3
	}
	return &Runner{
		cfg:        cfg,
		adapter:    adapter,
		signals:    signals,
		news:       news,
		onError:    onError,
		log:        log.With().Str("component", "runner").Str("botId", cfg.BotID).Str("symbol", cfg.Symbol).Logger(),
		pacingSide: exchange.SideBuy,
	}
}

// Run ticks until the context is canceled. In-flight placements are
// canceled with the context; anything that slipped through is picked
// up by reconciliation on the next start.
func (r *Runner) Run(ctx context.Context) {
	r.log.Info().Msg("runner started")
	ticker := time.NewTicker(r.cfg.TickInterval)
	defer ticker.Stop()

	r.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("runner stopped")
			return
		case <-ticker.C:
			r.tick(ctx)
		}
	}
}

// Tick runs one full evaluation. Exported so a queue worker can drive
// runs instead of the internal timer.
func (r *Runner) Tick(ctx context.Context) {
	r.tick(ctx)
}

func (r *Runner) tick(parent context.Context) {
	ctx, cancel := context.WithTimeout(parent, exchangeCallTimeout)
	defer cancel()

	if err := r.runTick(ctx); err != nil {
		metrics.BotTicks.WithLabelValues("error").Inc()
		r.errStreak++
		r.log.Warn().Err(err).Int("streak", r.errStreak).Msg("tick failed")

		var xerr *exchange.Error
		if errors.As(err, &xerr) && !xerr.Retriable {
			r.fail(fmt.Sprintf("venue rejected: %s", xerr.Code))
			return
		}
		if r.errStreak >= consecutiveErrorLimit {
			r.fail("too many consecutive tick failures")
		}
		return
	}
	r.errStreak = 0
	metrics.BotTicks.WithLabelValues("ok").Inc()
}

func (r *Runner) fail(reason string) {
	if r.onError != nil {
		r.onError(r.cfg.BotID, reason)
	}
}

func (r *Runner) runTick(ctx context.Context) error {
	for _, tf := range r.cfg.Timeframes {
		if _, err := r.signals.Evaluate(ctx, r.cfg.BotID, tf); err != nil {
			r.log.Warn().Err(err).Str("timeframe", tf).Msg("prediction evaluation failed")
		}
	}

	if r.news != nil {
		blackout, err := r.news.Blackout(ctx, r.cfg.Symbol)
		if err != nil {
			r.log.Debug().Err(err).Msg("news blackout check failed, continuing")
		} else if blackout {
			r.log.Info().Msg("news blackout active, pulling quotes")
			return r.adapter.CancelAll(ctx, r.cfg.Symbol)
		}
	}

	mid, err := r.adapter.GetTicker(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("ticker: %w", err)
	}
	meta, err := r.adapter.GetSymbolMeta(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("symbol meta: %w", err)
	}

	open, err := r.adapter.GetOpenOrders(ctx, r.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("open orders: %w", err)
	}

	if err := r.reconcile(ctx, open, mid.Mid); err != nil {
		return err
	}
	if err := r.quoteLadder(ctx, open, mid.Mid, meta); err != nil {
		return err
	}
	if r.cfg.Pacing.Enabled {
		if err := r.paceVolume(ctx, mid.Mid, meta); err != nil {
			r.log.Warn().Err(err).Msg("volume pacing failed")
		}
	}
	if r.cfg.Support.Enabled {
		if err := r.priceSupport(ctx, open, mid.Mid, meta); err != nil {
			r.log.Warn().Err(err).Msg("price support failed")
		}
	}
	return nil
}

// reconcile cancels our orders that drifted outside the ladder band.
// Orders from other sources are left alone.
func (r *Runner) reconcile(ctx context.Context, open []exchange.Order, mid float64) error {
	if mid <= 0 {
		return nil
	}
	band := (r.cfg.Ladder.SpreadPct + r.cfg.Ladder.StepPct*float64(r.cfg.Ladder.Levels)) * 1.5
	for _, o := range open {
		if !ours(o.ClientOrderID) || o.Price <= 0 {
			continue
		}
		drift := math.Abs(o.Price-mid) / mid
		if drift > band {
			if err := r.adapter.CancelOrder(ctx, r.cfg.Symbol, o.ID); err != nil {
				r.log.Warn().Err(err).Str("orderId", o.ID).Msg("stale order cancel failed")
			}
		}
	}
	return nil
}

// quoteLadder places the missing ladder levels on both sides of mid,
// skewed away from the standing signal's opposite side.
func (r *Runner) quoteLadder(ctx context.Context, open []exchange.Order, mid float64, meta *exchange.SymbolMeta) error {
	if mid <= 0 || r.cfg.Ladder.QtyPerLevel <= 0 {
		return nil
	}
	for level := 1; level <= r.cfg.Ladder.Levels; level++ {
		dist := r.cfg.Ladder.SpreadPct + r.cfg.Ladder.StepPct*float64(level-1)
		if err := r.placeLevel(ctx, open, exchange.SideBuy, mid*(1-dist), level, meta); err != nil {
			return err
		}
		if err := r.placeLevel(ctx, open, exchange.SideSell, mid*(1+dist), level, meta); err != nil {
			return err
		}
	}
	return nil
}

func (r *Runner) placeLevel(ctx context.Context, open []exchange.Order, side exchange.Side, rawPrice float64, level int, meta *exchange.SymbolMeta) error {
	price := exchange.NormalizePrice(rawPrice, meta)
	qty := exchange.NormalizeQty(r.cfg.Ladder.QtyPerLevel, meta)
	if check := exchange.CheckMins(price, qty, meta); !check.OK {
		r.log.Debug().Str("reason", check.Reason).Msg("ladder level below venue minimums, skipped")
		return nil
	}
	if hasLevelOrder(open, side, price) {
		return nil
	}
	_, err := r.adapter.PlaceOrder(ctx, exchange.Quote{
		Symbol:        r.cfg.Symbol,
		Side:          side,
		Type:          exchange.TypeLimit,
		Price:         price,
		Qty:           qty,
		PostOnly:      true,
		ClientOrderID: fmt.Sprintf("%s%s%d%d", prefixLadder, side, level, time.Now().UnixMilli()),
	})
	if err != nil {
		return fmt.Errorf("place %s level %d: %w", side, level, err)
	}
	return nil
}

// paceVolume keeps traded notional near the hourly target with small
// alternating market clips.
func (r *Runner) paceVolume(ctx context.Context, mid float64, meta *exchange.SymbolMeta) error {
	if mid <= 0 || r.cfg.Pacing.TargetNotionalPerHour <= 0 {
		return nil
	}
	since := time.Now().Add(-pacingWindow).UnixMilli()
	trades, err := r.adapter.GetMyTrades(ctx, r.cfg.Symbol, exchange.TradeQuery{StartMs: since, Limit: 200})
	if err != nil {
		return fmt.Errorf("trades: %w", err)
	}
	var traded float64
	for _, t := range trades {
		traded += t.Notional
	}
	deficit := r.cfg.Pacing.TargetNotionalPerHour - traded
	if deficit <= 0 {
		return nil
	}
	clip := deficit
	if r.cfg.Pacing.MaxClipNotional > 0 && clip > r.cfg.Pacing.MaxClipNotional {
		clip = r.cfg.Pacing.MaxClipNotional
	}
	qty := exchange.NormalizeQty(clip/mid, meta)
	if check := exchange.CheckMins(mid, qty, meta); !check.OK {
		return nil
	}

	side := r.pacingSide
	if side == exchange.SideBuy {
		r.pacingSide = exchange.SideSell
	} else {
		r.pacingSide = exchange.SideBuy
	}
	_, err = r.adapter.PlaceOrder(ctx, exchange.Quote{
		Symbol:        r.cfg.Symbol,
		Side:          side,
		Type:          exchange.TypeMarket,
		Qty:           qty,
		ClientOrderID: fmt.Sprintf("%s%d", prefixPacing, time.Now().UnixMilli()),
	})
	if err != nil {
		return fmt.Errorf("pacing clip: %w", err)
	}
	r.log.Info().Float64("notional", clip).Str("side", string(side)).Msg("volume pacing clip placed")
	return nil
}

// priceSupport keeps one resting bid at the support price while mid
// trades near it.
func (r *Runner) priceSupport(ctx context.Context, open []exchange.Order, mid float64, meta *exchange.SymbolMeta) error {
	sp := r.cfg.Support.SupportPrice
	if sp <= 0 || mid <= 0 || mid > sp*1.1 {
		return nil
	}
	price := exchange.NormalizePrice(sp, meta)
	for _, o := range open {
		if strings.HasPrefix(o.ClientOrderID, prefixSupport) && o.Side == exchange.SideBuy {
			return nil
		}
	}
	qty := exchange.NormalizeQty(r.cfg.Support.Qty, meta)
	if check := exchange.CheckMins(price, qty, meta); !check.OK {
		return nil
	}
	_, err := r.adapter.PlaceOrder(ctx, exchange.Quote{
		Symbol:        r.cfg.Symbol,
		Side:          exchange.SideBuy,
		Type:          exchange.TypeLimit,
		Price:         price,
		Qty:           qty,
		ClientOrderID: fmt.Sprintf("%s%d", prefixSupport, time.Now().UnixMilli()),
	})
	if err != nil {
		return fmt.Errorf("support bid: %w", err)
	}
	r.log.Info().Float64("price", price).Msg("support bid placed")
	return nil
}

func ours(clientOrderID string) bool {
	return strings.HasPrefix(clientOrderID, prefixLadder) ||
		strings.HasPrefix(clientOrderID, prefixPacing) ||
		strings.HasPrefix(clientOrderID, prefixSupport)
}

// hasLevelOrder reports whether an open ladder order already sits at
// the price (within half a basis point).
func hasLevelOrder(open []exchange.Order, side exchange.Side, price float64) bool {
	for _, o := range open {
		if o.Side != side || !strings.HasPrefix(o.ClientOrderID, prefixLadder) {
			continue
		}
		if price > 0 && math.Abs(o.Price-price)/price < 0.00005 {
			return true
		}
	}
	return false
}
