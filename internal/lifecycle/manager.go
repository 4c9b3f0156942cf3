// Package lifecycle manages position creation, update, and removal in the
// session store, including ticker-stream subscribe/unsubscribe bookkeeping.
package lifecycle

import (
	"context"
	"fmt"
	"time"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/store"
)

// StreamFactory opens a price stream for one symbol. The lifecycle manager
// owns the returned handle and stops it when the last position on the
// symbol closes.
type StreamFactory func(symbol string) (store.StreamHandle, error)

// Manager is the single writer of position records. Stream callbacks and
// the instance cycle both mutate the store through it.
type Manager struct {
	store     *store.Store
	client    binance.FuturesClient
	subscribe StreamFactory
	log       *logging.Logger
}

// NewManager creates a lifecycle manager over the session store.
func NewManager(st *store.Store, client binance.FuturesClient, subscribe StreamFactory, log *logging.Logger) *Manager {
	if log == nil {
		log = logging.WithComponent("lifecycle")
	}
	return &Manager{store: st, client: client, subscribe: subscribe, log: log}
}

// Register inserts a freshly-opened position and subscribes the symbol's
// ticker stream when it is the first position on that symbol. The position
// and its runtime record are created atomically; a failed stream subscribe
// rolls the insert back so the store never tracks an unwatched position.
func (m *Manager) Register(ctx context.Context, pos store.Position) error {
	if pos.Quantity <= 0 {
		return fmt.Errorf("register %s %s: quantity must be positive", pos.Symbol, pos.Side)
	}
	if pos.OpenedAt.IsZero() {
		pos.OpenedAt = time.Now()
	}

	if err := m.store.AddPosition(&pos); err != nil {
		return fmt.Errorf("register %s %s: %w", pos.Symbol, pos.Side, err)
	}

	if !m.store.HasStream(pos.Symbol) {
		handle, err := m.subscribe(pos.Symbol)
		if err != nil {
			m.store.RemovePosition(pos.Symbol, pos.Side)
			return fmt.Errorf("subscribe ticker for %s: %w", pos.Symbol, err)
		}
		if !m.store.RegisterStream(pos.Symbol, handle) {
			// Lost the race to another register; this handle is surplus.
			handle.Stop()
		}
	}

	// A stop may already rest on the exchange, for example on a position
	// adopted after a restart. Placing a second one would double the exit.
	if m.hasRestingStop(ctx, pos.Symbol, pos.Side) {
		m.store.UpdateRuntime(pos.Symbol, pos.Side, func(r *store.RuntimeInfo) {
			r.NeedsMarketStop = false
		})
	}

	m.log.Info("position registered",
		"symbol", pos.Symbol, "side", string(pos.Side),
		"quantity", pos.Quantity, "entry_price", pos.EntryPrice)
	return nil
}

// ApplyFill folds an executed order into the tracked position: exits
// reduce the quantity, entries increase it and carry the new blended entry
// price reported by the exchange. A position whose quantity reaches zero
// is closed out.
func (m *Manager) ApplyFill(ctx context.Context, symbol string, side binance.PositionSide, orderSide binance.OrderSide, executedQty, avgPrice float64) error {
	if executedQty <= 0 {
		return nil
	}

	delta := executedQty
	if orderSide == binance.ExitSide(side) {
		delta = -executedQty
	}

	remaining, err := m.store.AdjustPositionQuantity(symbol, side, delta)
	if err != nil {
		return err
	}

	if delta > 0 && avgPrice > 0 {
		// The exchange reports the fill price; the blended entry comes from
		// the next ACCOUNT_UPDATE, but the fill price is a good interim value
		// for a brand-new or averaged position.
		if pos, ok := m.store.GetPosition(symbol, side); ok && pos.EntryPrice == 0 {
			if err := m.store.SetPositionEntryPrice(symbol, side, avgPrice); err != nil {
				return err
			}
		}
	}

	if remaining == 0 {
		m.log.Info("position quantity reached zero after fill",
			"symbol", symbol, "side", string(side))
		return m.Remove(ctx, symbol, side)
	}
	return nil
}

// ApplyAccountUpdate reconciles tracked positions against an account
// stream event's position payload: entry price and quantity are
// authoritative there, and a zero amount closes the position.
func (m *Manager) ApplyAccountUpdate(ctx context.Context, positions []binance.AccountPosition) {
	for _, ep := range positions {
		side := ep.PositionSide
		if side != binance.PositionSideLong && side != binance.PositionSideShort {
			continue
		}

		tracked, ok := m.store.GetPosition(ep.Symbol, side)
		if !ok {
			continue
		}

		qty := ep.PositionAmt
		if qty < 0 {
			qty = -qty
		}
		if qty == 0 {
			if err := m.Remove(ctx, ep.Symbol, side); err != nil {
				m.log.Warn("failed to remove closed position",
					"symbol", ep.Symbol, "side", string(side), "error", err.Error())
			}
			continue
		}

		if qty != tracked.Quantity {
			if _, err := m.store.AdjustPositionQuantity(ep.Symbol, side, qty-tracked.Quantity); err != nil {
				m.log.Warn("failed to reconcile position quantity",
					"symbol", ep.Symbol, "side", string(side), "error", err.Error())
			}
		}
		if ep.EntryPrice > 0 && ep.EntryPrice != tracked.EntryPrice {
			if err := m.store.SetPositionEntryPrice(ep.Symbol, side, ep.EntryPrice); err != nil {
				m.log.Warn("failed to reconcile entry price",
					"symbol", ep.Symbol, "side", string(side), "error", err.Error())
			}
		}
	}
}

// ApplyLeverageChange folds an account-config stream event into the store.
func (m *Manager) ApplyLeverageChange(symbol string, leverage int) {
	m.store.SetSymbolLeverage(symbol, leverage)
	m.log.Info("symbol leverage updated from config event",
		"symbol", symbol, "leverage", leverage)
}

// Remove deletes a position, stops the symbol's ticker stream when no
// position on the symbol remains, and cancels the side's resting orders
// so no orphaned stop can fire later.
func (m *Manager) Remove(ctx context.Context, symbol string, side binance.PositionSide) error {
	removed, symbolStillOpen := m.store.RemovePosition(symbol, side)
	if removed == nil {
		return store.ErrPositionNotFound
	}

	if !symbolStillOpen {
		if handle, ok := m.store.UnregisterStream(symbol); ok {
			handle.Stop()
		}
	}

	if err := m.cancelRestingOrders(ctx, symbol, side); err != nil {
		m.log.Warn("failed to cancel resting orders",
			"symbol", symbol, "side", string(side), "error", err.Error())
	}

	m.log.Info("position removed",
		"symbol", symbol, "side", string(side), "quantity", removed.Quantity)
	return nil
}

// cancelRestingOrders cancels the open orders belonging to one position
// side. Cancellation is per-order because the symbol's other side may
// still hold a live stop.
func (m *Manager) cancelRestingOrders(ctx context.Context, symbol string, side binance.PositionSide) error {
	open, err := m.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		return err
	}
	for _, o := range open {
		if o.PositionSide != side {
			continue
		}
		if err := m.client.CancelOrder(ctx, symbol, o.OrderID); err != nil {
			return err
		}
	}
	return nil
}

// Reconcile aligns the store with the exchange's REST position report in
// both directions: tracked positions the exchange no longer reports are
// dropped, and live exchange positions the store does not know (positions
// opened before a restart) are adopted so they get managed instead of
// traded on top of. Stream gaps make the drop side necessary: a close that
// happened while the user data stream was reconnecting would otherwise
// leave a phantom position behind.
func (m *Manager) Reconcile(ctx context.Context) error {
	exchangePositions, err := m.client.GetPositions(ctx)
	if err != nil {
		return err
	}
	m.store.ReplaceExchangePositions(exchangePositions)

	live := make(map[store.PositionKey]bool, len(exchangePositions))
	for _, ep := range exchangePositions {
		if ep.PositionAmt != 0 {
			live[store.PositionKey{Symbol: ep.Symbol, Side: ep.PositionSide}] = true
		}
	}

	for _, pos := range m.store.Positions() {
		if live[pos.Key()] {
			continue
		}
		m.log.Warn("tracked position missing on the exchange, removing",
			"symbol", pos.Symbol, "side", string(pos.Side))
		if err := m.Remove(ctx, pos.Symbol, pos.Side); err != nil {
			m.log.Warn("failed to remove phantom position",
				"symbol", pos.Symbol, "side", string(pos.Side), "error", err.Error())
		}
	}

	for _, ep := range exchangePositions {
		if ep.PositionAmt == 0 {
			continue
		}
		side := ep.PositionSide
		if side != binance.PositionSideLong && side != binance.PositionSideShort {
			continue
		}
		if m.store.HasPosition(ep.Symbol, side) {
			continue
		}
		if err := m.adopt(ctx, ep); err != nil {
			m.log.Warn("failed to adopt exchange position",
				"symbol", ep.Symbol, "side", string(side), "error", err.Error())
		}
	}
	return nil
}

// adopt registers an exchange position the store does not track yet.
func (m *Manager) adopt(ctx context.Context, ep binance.FuturesPosition) error {
	qty := ep.PositionAmt
	if qty < 0 {
		qty = -qty
	}

	openedAt := time.Now()
	if ep.UpdateTime > 0 {
		openedAt = time.UnixMilli(ep.UpdateTime)
	}

	pos := store.Position{
		Symbol:     ep.Symbol,
		Side:       ep.PositionSide,
		EntryPrice: ep.EntryPrice,
		Quantity:   qty,
		Leverage:   ep.Leverage,
		MarginType: marginTypeFromExchange(ep.MarginType),
		OpenedAt:   openedAt,
	}
	if f, ok := m.store.Filters(ep.Symbol); ok {
		pos.BaseAsset = f.BaseAsset
		pos.QuoteAsset = f.QuoteAsset
	}

	if err := m.Register(ctx, pos); err != nil {
		return err
	}
	m.log.Info("adopted untracked exchange position",
		"symbol", pos.Symbol, "side", string(pos.Side),
		"quantity", pos.Quantity, "entry_price", pos.EntryPrice)
	return nil
}

// hasRestingStop reports whether a reduce-only stop already rests on the
// given position side. An open-orders query failure counts as no stop;
// the trigger path then owes the position one, which is the safe default.
func (m *Manager) hasRestingStop(ctx context.Context, symbol string, side binance.PositionSide) bool {
	open, err := m.client.GetOpenOrders(ctx, symbol)
	if err != nil {
		m.log.Warn("open orders query failed during register",
			"symbol", symbol, "side", string(side), "error", err.Error())
		return false
	}
	for _, o := range open {
		if o.PositionSide == side && o.Type == binance.OrderTypeStopMarket && (o.ReduceOnly || o.ClosePosition) {
			return true
		}
	}
	return false
}

// marginTypeFromExchange maps the position-risk report's lowercase margin
// mode onto the order-path constant.
func marginTypeFromExchange(mode string) binance.MarginType {
	if mode == "isolated" || mode == string(binance.MarginTypeIsolated) {
		return binance.MarginTypeIsolated
	}
	return binance.MarginTypeCrossed
}
