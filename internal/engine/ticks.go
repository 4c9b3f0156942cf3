package engine

import (
	"context"
	"time"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/calculator"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/store"
	"futures-trading-engine/internal/trigger"
)

// Close reasons recorded on the event bus and in the audit log.
const (
	reasonTrailingCallback = "trailing_callback"
	reasonMarketStop       = "market_stop"
)

// handleTick is the per-symbol mark-price stream callback. Both sides of
// the symbol are evaluated against the new price; at most one decision per
// (symbol, side) is in flight at a time.
func (e *Engine) handleTick(symbol string, price float64) {
	defer e.recoverPanic("ticker")
	if price <= 0 {
		return
	}
	for _, side := range []binance.PositionSide{binance.PositionSideLong, binance.PositionSideShort} {
		pos, ok := e.store.GetPosition(symbol, side)
		if !ok {
			continue
		}

		decision := e.evaluator.Evaluate(pos, price)
		if decision.Type == trigger.DecisionNone {
			continue
		}

		key := pos.Key()
		if !e.tryAcquire(key) {
			continue
		}
		go func(pos store.Position, decision trigger.Decision, price float64) {
			defer e.release(key)
			defer e.recoverPanic("dispatch")
			e.dispatch(e.sessionCtx, pos, decision, price)
		}(pos, decision, price)
	}
}

// dispatch turns a trigger decision into orchestrator calls and store
// updates.
func (e *Engine) dispatch(ctx context.Context, pos store.Position, decision trigger.Decision, price float64) {
	switch decision.Type {
	case trigger.DecisionMarketClose:
		e.closePosition(ctx, pos, price, decision.Roe, reasonTrailingCallback)

	case trigger.DecisionMarketStopToClose:
		e.placeStop(ctx, pos, price, decision.Roe, e.store.Options().MarketStopOffsetPercent, reasonMarketStop)

	case trigger.DecisionMarketStopToSafe:
		// The safe stop is anchored at the entry price, limiting the
		// worst case to the configured offset.
		e.placeStop(ctx, pos, pos.EntryPrice, decision.Roe, e.store.Options().SafeStopOffsetPercent, "safe_stop")
	}
}

func (e *Engine) closePosition(ctx context.Context, pos store.Position, price, roe float64, reason string) {
	outcome := e.orch.Close(ctx, pos)
	if !outcome.OK() {
		e.log.Error("close failed", "symbol", pos.Symbol, "side", string(pos.Side), "reason", reason, "error", outcome.Err)
		e.bus.PublishOrderFailed(pos.Symbol, string(pos.Side), "close", errString(outcome.Err))
		return
	}

	exitQty, exitPrice := fillTotals(outcome.Orders)
	if exitPrice <= 0 {
		exitPrice = price
	}
	e.finishClose(ctx, pos, exitQty, exitPrice, roe, reason)
}

// placeStop puts a reduce-only stop behind refPrice. The orchestrator
// falls back to an immediate market close when the stop would trigger at
// once; the response order type tells the two apart.
func (e *Engine) placeStop(ctx context.Context, pos store.Position, refPrice, roe, offsetPercent float64, reason string) {
	outcome := e.orch.Stop(ctx, pos, refPrice, offsetPercent)
	if !outcome.OK() {
		e.log.Error("stop placement failed", "symbol", pos.Symbol, "side", string(pos.Side), "reason", reason, "error", outcome.Err)
		e.bus.PublishOrderFailed(pos.Symbol, string(pos.Side), "stop", errString(outcome.Err))
		return
	}

	if len(outcome.Orders) > 0 && outcome.Orders[0].Type != binance.OrderTypeStopMarket {
		// Fallback path: the position was market-closed instead.
		exitQty, exitPrice := fillTotals(outcome.Orders)
		e.finishClose(ctx, pos, exitQty, exitPrice, roe, reason)
		return
	}

	e.store.UpdateRuntime(pos.Symbol, pos.Side, func(r *store.RuntimeInfo) {
		r.NeedsMarketStop = false
	})

	var stopPrice float64
	if len(outcome.Orders) > 0 {
		stopPrice = outcome.Orders[0].AvgPrice
	}
	e.bus.PublishStopPlaced(pos.Symbol, string(pos.Side), stopPrice)
	e.auditPosition(ctx, database.PositionEventStopPlaced, pos, refPrice, roe, reason)
	e.log.Info("protective stop placed", "symbol", pos.Symbol, "side", string(pos.Side), "reason", reason)
}

// finishClose records a completed round trip: store removal, circuit
// breaker accounting, event bus, and the audit log.
func (e *Engine) finishClose(ctx context.Context, pos store.Position, exitQty, exitPrice, roe float64, reason string) {
	if err := e.lifecycle.Remove(ctx, pos.Symbol, pos.Side); err != nil {
		e.log.Warn("close cleanup failed", "symbol", pos.Symbol, "side", string(pos.Side), "error", err)
	}

	e.breaker.RecordTrade(roe)
	e.bus.PublishPositionClosed(pos.Symbol, string(pos.Side), reason, pos.Quantity, roe)
	e.auditPosition(ctx, database.PositionEventClosed, pos, exitPrice, roe, reason)

	if e.db != nil {
		qty := exitQty
		if qty <= 0 {
			qty = pos.Quantity
		}
		pnl := calculator.CalculatePnl(pos.Side, exitPrice, pos.EntryPrice, qty)
		summary := &database.TradeSummary{
			SessionID:   e.sessionID,
			Symbol:      pos.Symbol,
			Side:        string(pos.Side),
			EntryPrice:  pos.EntryPrice,
			ExitPrice:   exitPrice,
			Quantity:    qty,
			Leverage:    pos.Leverage,
			PnL:         pnl,
			Roe:         roe,
			CloseReason: reason,
			OpenedAt:    pos.OpenedAt,
			ClosedAt:    time.Now(),
		}
		if err := e.db.RecordTradeSummary(ctx, summary); err != nil {
			e.log.Warn("trade summary audit write failed", "symbol", pos.Symbol, "error", err)
		}
	}

	e.log.Info("position closed", "symbol", pos.Symbol, "side", string(pos.Side), "roe", roe, "reason", reason)
}

// auditPosition writes one lifecycle transition to the audit database.
// A nil database or a write failure never disturbs trading.
func (e *Engine) auditPosition(ctx context.Context, eventType string, pos store.Position, lastPrice, roe float64, reason string) {
	if e.db == nil {
		return
	}
	event := &database.PositionEvent{
		SessionID:  e.sessionID,
		Symbol:     pos.Symbol,
		Side:       string(pos.Side),
		EventType:  eventType,
		EntryPrice: pos.EntryPrice,
		LastPrice:  lastPrice,
		Quantity:   pos.Quantity,
		Leverage:   pos.Leverage,
		Roe:        roe,
		Reason:     reason,
		EventTime:  time.Now(),
	}
	if err := e.db.RecordPositionEvent(ctx, event); err != nil {
		e.log.Warn("position event audit write failed", "symbol", pos.Symbol, "event", eventType, "error", err)
	}
}

// ==================== USER DATA STREAM CALLBACKS ====================

// onOrderUpdate applies ORDER_TRADE_UPDATE fills to tracked positions.
// Entry fills from the instance run are registered directly; this path
// keeps quantities honest on partial fills and stop executions.
func (e *Engine) onOrderUpdate(ctx context.Context) func(*binance.OrderUpdateEvent) {
	return func(ev *binance.OrderUpdateEvent) {
		defer e.recoverPanic("order_update")
		o := ev.Order
		if o.ExecutionType != "TRADE" || o.LastFilledQty <= 0 {
			return
		}
		if !e.store.HasPosition(o.Symbol, o.PositionSide) {
			return
		}
		if err := e.lifecycle.ApplyFill(ctx, o.Symbol, o.PositionSide, o.Side, o.LastFilledQty, o.LastFilledPrice); err != nil {
			e.log.Warn("order fill apply failed", "symbol", o.Symbol, "side", string(o.PositionSide), "error", err)
		}
	}
}

// onAccountUpdate treats ACCOUNT_UPDATE pushes as authoritative for
// balances and position quantities/entry prices.
func (e *Engine) onAccountUpdate(ctx context.Context) func(*binance.AccountUpdateEvent) {
	return func(ev *binance.AccountUpdateEvent) {
		defer e.recoverPanic("account_update")
		for _, b := range ev.AccountUpdate.Balances {
			if b.Asset != e.cfg.TradeLogicConfig.QuoteAsset {
				continue
			}
			prev := e.store.Account()
			e.store.ReplaceAccount(store.AccountSnapshot{
				WalletBalance:    b.WalletBalance,
				AvailableBalance: prev.AvailableBalance + b.BalanceChange,
				UpdatedAt:        time.Now(),
			})
		}

		if len(ev.AccountUpdate.Positions) == 0 {
			return
		}
		updates := make([]binance.AccountPosition, 0, len(ev.AccountUpdate.Positions))
		for _, p := range ev.AccountUpdate.Positions {
			updates = append(updates, binance.AccountPosition{
				Symbol:       p.Symbol,
				PositionSide: p.PositionSide,
				PositionAmt:  p.PositionAmount,
				EntryPrice:   p.EntryPrice,
			})
		}
		e.lifecycle.ApplyAccountUpdate(ctx, updates)
	}
}

// onConfigUpdate mirrors ACCOUNT_CONFIG_UPDATE leverage pushes into the
// store.
func (e *Engine) onConfigUpdate(ev *binance.ConfigUpdateEvent) {
	defer e.recoverPanic("config_update")
	if ev.Config.Symbol == "" || ev.Config.Leverage <= 0 {
		return
	}
	e.lifecycle.ApplyLeverageChange(ev.Config.Symbol, ev.Config.Leverage)
}
