package engine

import (
	"context"
	"time"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/filter"
	"futures-trading-engine/internal/store"
	"futures-trading-engine/internal/trigger"
)

// runInstance is one scheduled filter-and-open cycle: fetch this cycle's
// signal snapshots, try averaging into losing positions, then select and
// open new positions if the circuit breaker allows.
func (e *Engine) runInstance(ctx context.Context) {
	longs, shorts, err := e.signals.Snapshots(ctx)
	if err != nil {
		e.log.Warn("signal snapshot fetch failed", "error", err)
		return
	}
	mood := filter.DeriveMood(len(longs), len(shorts))

	e.runAveraging(ctx, longs, shorts, mood)

	if ok, reason := e.breaker.CanTrade(); !ok {
		e.log.Warn("open cycle skipped, circuit breaker engaged", "reason", reason)
		return
	}

	selections := e.filter.Select(filter.Input{
		Longs:             longs,
		Shorts:            shorts,
		Options:           e.store.Options(),
		OpenPositions:     e.store.Positions(),
		ExchangePositions: e.store.ExchangePositions(),
	})

	for _, sel := range selections {
		if ctx.Err() != nil {
			return
		}
		e.openPosition(ctx, sel.Symbol, sel.Side)
	}

	e.bus.Publish(events.Event{
		Type:      events.EventCycleCompleted,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"longs":    len(longs),
			"shorts":   len(shorts),
			"selected": len(selections),
			"mood":     string(mood),
		},
	})
}

func (e *Engine) openPosition(ctx context.Context, symbol string, side binance.PositionSide) {
	outcome := e.orch.Open(ctx, symbol, side)
	if !outcome.OK() {
		e.log.Warn("open failed", "symbol", symbol, "side", string(side), "status", string(outcome.Status), "error", outcome.Err)
		e.bus.PublishOrderFailed(symbol, string(side), "open", errString(outcome.Err))
		return
	}

	qty, avgPrice := fillTotals(outcome.Orders)
	if qty <= 0 {
		e.log.Warn("open reported success with no executed quantity", "symbol", symbol, "side", string(side))
		return
	}

	opts := e.store.Options()
	pos := store.Position{
		Symbol:     symbol,
		QuoteAsset: opts.QuoteAsset,
		Side:       side,
		EntryPrice: avgPrice,
		Quantity:   qty,
		Leverage:   opts.Leverage,
		MarginType: binance.MarginType(opts.MarginType),
		OpenedAt:   time.Now(),
		UpdatedAt:  time.Now(),
	}
	if f, ok := e.store.Filters(symbol); ok {
		pos.BaseAsset = f.BaseAsset
		pos.QuoteAsset = f.QuoteAsset
	}

	if err := e.lifecycle.Register(ctx, pos); err != nil {
		e.log.Error("position registration failed", "symbol", symbol, "side", string(side), "error", err)
		return
	}

	e.bus.PublishPositionOpened(symbol, string(side), avgPrice, qty, pos.Leverage)
	e.auditPosition(ctx, database.PositionEventOpened, pos, avgPrice, 0, "")
	e.log.Info("position opened", "symbol", symbol, "side", string(side), "quantity", qty, "entry_price", avgPrice)
}

// runAveraging walks the open positions and averages into any whose
// matching signal passes the eligibility predicate.
func (e *Engine) runAveraging(ctx context.Context, longs, shorts []filter.SymbolMarketInfo, mood filter.MarketMood) {
	opts := e.store.Options()
	if !opts.AveragingEnabled {
		return
	}

	for _, pos := range e.store.Positions() {
		if ctx.Err() != nil {
			return
		}

		sig := findSignal(longs, shorts, pos.Symbol, pos.Side)
		exch, ok := e.store.ExchangePosition(pos.Symbol, pos.Side)
		if !ok || exch.MarkPrice <= 0 {
			continue
		}
		lastPrice := exch.MarkPrice

		if !e.evaluator.ShouldAverage(trigger.AveragingInput{
			Position:  pos,
			Signal:    sig,
			LastPrice: lastPrice,
			Mood:      mood,
		}) {
			continue
		}

		key := pos.Key()
		if !e.tryAcquire(key) {
			continue
		}
		outcome := e.orch.Average(ctx, pos, lastPrice)
		e.release(key)

		if !outcome.OK() {
			e.log.Warn("averaging failed", "symbol", pos.Symbol, "side", string(pos.Side), "error", outcome.Err)
			e.bus.PublishOrderFailed(pos.Symbol, string(pos.Side), "average", errString(outcome.Err))
			continue
		}

		qty, avgPrice := fillTotals(outcome.Orders)
		if qty > 0 {
			if err := e.lifecycle.ApplyFill(ctx, pos.Symbol, pos.Side, binance.EntrySide(pos.Side), qty, avgPrice); err != nil {
				e.log.Warn("averaging fill apply failed", "symbol", pos.Symbol, "error", err)
			}
		}
		e.bus.PublishPositionAveraged(pos.Symbol, string(pos.Side), qty, avgPrice)
		e.auditPosition(ctx, database.PositionEventAveraged, pos, lastPrice, 0, "")
		e.log.Info("position averaged", "symbol", pos.Symbol, "side", string(pos.Side), "added_quantity", qty)
	}
}

// findSignal locates this cycle's snapshot for a symbol/side, nil when the
// cycle produced none.
func findSignal(longs, shorts []filter.SymbolMarketInfo, symbol string, side binance.PositionSide) *filter.SymbolMarketInfo {
	list := longs
	if side == binance.PositionSideShort {
		list = shorts
	}
	for i := range list {
		if list[i].Symbol == symbol {
			return &list[i]
		}
	}
	return nil
}

// fillTotals sums executed quantity across chunk responses and derives the
// volume-weighted average fill price.
func fillTotals(responses []binance.FuturesOrderResponse) (qty, avgPrice float64) {
	var notional float64
	for _, r := range responses {
		filled := r.ExecutedQty
		price := r.AvgPrice
		if filled <= 0 {
			filled = r.OrigQty
		}
		qty += filled
		notional += filled * price
	}
	if qty > 0 {
		avgPrice = notional / qty
	}
	return qty, avgPrice
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
