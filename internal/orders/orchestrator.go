package orders

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/calculator"
	"futures-trading-engine/internal/store"
)

// Orchestrator turns trigger decisions and filter selections into exchange
// orders. Every public operation returns an Outcome and never panics;
// retries are bounded and interrupted by context cancellation.
type Orchestrator struct {
	client  binance.FuturesClient
	store   *store.Store
	ids     *ClientOrderIDGenerator
	logger  zerolog.Logger
	primary Policy
	nested  Policy
}

// NewOrchestrator wires an orchestrator over the session store and
// exchange client.
func NewOrchestrator(client binance.FuturesClient, st *store.Store, ids *ClientOrderIDGenerator, logger zerolog.Logger) *Orchestrator {
	return &Orchestrator{
		client:  client,
		store:   st,
		ids:     ids,
		logger:  logger.With().Str("component", "OrderOrchestrator").Logger(),
		primary: PrimaryPolicy(),
		nested:  NestedPolicy(),
	}
}

// SetPolicies overrides the retry bounds, used by tests and by strategy
// configurations that want tighter loops.
func (o *Orchestrator) SetPolicies(primary, nested Policy) {
	o.primary = primary
	o.nested = nested
}

// ==================== OPEN ====================

// Open sizes and places the market orders for a new position. The margin
// budget is the configured percent of the wallet, raised to the exchange
// minimum notional when the percentage lands below it. Oversized
// quantities are split by the exchange max order size.
func (o *Orchestrator) Open(ctx context.Context, symbol string, side binance.PositionSide) Outcome {
	opts := o.store.Options()
	account := o.store.Account()

	if account.WalletBalance <= 0 {
		return clientError(fmt.Errorf("wallet balance is zero, cannot open %s %s", symbol, side), nil)
	}

	filters, ok := o.store.Filters(symbol)
	if !ok {
		return systemError(fmt.Errorf("no exchange filters for %s", symbol))
	}

	margin := account.WalletBalance * opts.PercentOfDeposit / 100

	price, err := o.fetchPrice(ctx, symbol)
	if err != nil {
		return o.failure(err, nil)
	}

	// The order notional is margin * leverage; raise it to the exchange
	// floor when the percent-of-deposit sizing lands below min notional.
	notional := margin * float64(opts.Leverage)
	if notional < filters.MinNotional {
		notional = filters.MinNotional
		margin = notional / float64(opts.Leverage)
	}

	if !o.balanceAllows(account, margin, opts.AvailableDepositPercent) {
		return clientError(fmt.Errorf("opening %s %s would exceed the available deposit limit", symbol, side), nil)
	}

	qty := calculator.GetOrderQuantity(price, notional, filters.StepSize)
	if qty <= 0 {
		return clientError(fmt.Errorf("budget %.8f too small for one lot of %s", notional, symbol), nil)
	}

	return o.placeEntryChunks(ctx, symbol, side, qty, price, filters, KindOpen)
}

// ==================== AVERAGE ====================

// Average adds quantity to a losing position so the blended entry price
// satisfies the configured post-average ROE. On a max-leverage rejection
// the symbol's leverage is lowered to the exchange-reported maximum and
// the placement retried.
func (o *Orchestrator) Average(ctx context.Context, pos store.Position, lastPrice float64) Outcome {
	opts := o.store.Options()
	account := o.store.Account()

	if account.WalletBalance <= 0 {
		return clientError(fmt.Errorf("wallet balance is zero, cannot average %s %s", pos.Symbol, pos.Side), nil)
	}

	filters, ok := o.store.Filters(pos.Symbol)
	if !ok {
		return systemError(fmt.Errorf("no exchange filters for %s", pos.Symbol))
	}

	qty, err := calculator.CalculateAverageOrderQuantity(
		pos.Side, pos.EntryPrice, lastPrice, pos.Quantity,
		pos.Leverage, filters.StepSize, filters.MinNotional,
		opts.AveragingMinRoe, opts.AveragingMaxIterations,
	)
	if err != nil {
		return clientError(fmt.Errorf("averaging quantity for %s %s: %w", pos.Symbol, pos.Side, err), nil)
	}

	margin := qty * lastPrice / float64(pos.Leverage)
	if !o.balanceAllows(account, margin, opts.AvailableDepositPercent) {
		return clientError(fmt.Errorf("averaging %s %s would exceed the available deposit limit", pos.Symbol, pos.Side), nil)
	}

	return o.placeEntryChunks(ctx, pos.Symbol, pos.Side, qty, lastPrice, filters, KindAverage)
}

// ==================== STOP ====================

// Stop places a reduce-only stop-market order offset from the last price.
// The offset sign follows the position side: a long's stop sits below the
// price, a short's above. A would-trigger-immediately rejection falls back
// to an immediate market close.
func (o *Orchestrator) Stop(ctx context.Context, pos store.Position, lastPrice, offsetPercent float64) Outcome {
	filters, found := o.store.Filters(pos.Symbol)
	if !found {
		return systemError(fmt.Errorf("no exchange filters for %s", pos.Symbol))
	}

	offset := -offsetPercent
	if pos.Side == binance.PositionSideShort {
		offset = offsetPercent
	}
	stopPrice := calculator.RoundToSize(calculator.GetPriceFromPercent(lastPrice, offset), filters.TickSize)

	id, err := o.ids.Generate(ctx, KindStop)
	if err != nil {
		return systemError(err)
	}

	params := binance.FuturesOrderParams{
		Symbol:           pos.Symbol,
		Side:             binance.ExitSide(pos.Side),
		PositionSide:     pos.Side,
		Type:             binance.OrderTypeStopMarket,
		StopPrice:        stopPrice,
		ClosePosition:    true,
		WorkingType:      binance.WorkingTypeMarkPrice,
		NewClientOrderID: id,
	}

	resp, err := o.placeWithConfirm(ctx, o.primary, &params)
	if err == nil {
		return ok([]binance.FuturesOrderResponse{*resp})
	}
	if binance.IsCode(err, binance.CodeOrderWouldTrigger) {
		o.logger.Warn().
			Str("symbol", pos.Symbol).
			Str("side", string(pos.Side)).
			Float64("stop_price", stopPrice).
			Msg("stop would trigger immediately, closing at market instead")
		return o.Close(ctx, pos)
	}
	return o.failure(err, nil)
}

// ==================== CLOSE ====================

// Close market-closes the full position, split by the exchange max order
// size. A zero quantity short-circuits as already done.
func (o *Orchestrator) Close(ctx context.Context, pos store.Position) Outcome {
	if pos.Quantity <= 0 {
		return ok(nil)
	}

	filters, found := o.store.Filters(pos.Symbol)
	if !found {
		return systemError(fmt.Errorf("no exchange filters for %s", pos.Symbol))
	}

	baseID, err := o.ids.Generate(ctx, KindClose)
	if err != nil {
		return systemError(err)
	}

	var placed []binance.FuturesOrderResponse
	for i, chunk := range calculator.SplitPositionQuantity(pos.Quantity, filters.MaxQty) {
		params := binance.FuturesOrderParams{
			Symbol:           pos.Symbol,
			Side:             binance.ExitSide(pos.Side),
			PositionSide:     pos.Side,
			Type:             binance.OrderTypeMarket,
			Quantity:         chunk,
			ReduceOnly:       true,
			NewClientOrderID: ChunkID(baseID, i),
		}
		resp, err := o.placeWithConfirm(ctx, o.primary, &params)
		if err != nil {
			return o.failure(err, placed)
		}
		placed = append(placed, *resp)
	}
	return ok(placed)
}

// ==================== PLACEMENT CORE ====================

// placeEntryChunks splits an entry quantity by the exchange max order size
// and places each chunk with the price-refresh retry hook: on a
// would-trigger or min-notional rejection the live price is re-fetched so
// the next attempt carries an up-to-date quantity.
func (o *Orchestrator) placeEntryChunks(ctx context.Context, symbol string, side binance.PositionSide, qty, refPrice float64, filters binance.SymbolFilters, kind OrderKind) Outcome {
	baseID, err := o.ids.Generate(ctx, kind)
	if err != nil {
		return systemError(err)
	}

	var placed []binance.FuturesOrderResponse
	for i, chunk := range calculator.SplitPositionQuantity(qty, filters.MaxQty) {
		params := binance.FuturesOrderParams{
			Symbol:           symbol,
			Side:             binance.EntrySide(side),
			PositionSide:     side,
			Type:             binance.OrderTypeMarket,
			Quantity:         chunk,
			NewClientOrderID: ChunkID(baseID, i),
		}

		policy := o.primary
		policy.OnRetry = o.entryRetryHook(symbol, &params, chunk*refPrice, filters)

		resp, err := o.placeWithConfirm(ctx, policy, &params)
		if err != nil {
			return o.failure(err, placed)
		}
		placed = append(placed, *resp)
	}
	return ok(placed)
}

// entryRetryHook reacts to recoverable entry rejections between attempts:
// re-fetches the price and recomputes the chunk quantity on would-trigger
// and min-notional errors, lowers the symbol leverage on a max-leverage
// rejection.
func (o *Orchestrator) entryRetryHook(symbol string, params *binance.FuturesOrderParams, notional float64, filters binance.SymbolFilters) func(ctx context.Context, attempt int, err error) error {
	return func(ctx context.Context, attempt int, err error) error {
		switch {
		case binance.IsCode(err, binance.CodeOrderWouldTrigger) || binance.IsCode(err, binance.CodeMinNotional):
			price, ferr := o.fetchPrice(ctx, symbol)
			if ferr != nil {
				return ferr
			}
			if notional < filters.MinNotional {
				notional = filters.MinNotional
			}
			requoted := calculator.GetOrderQuantity(price, notional, filters.StepSize)
			if requoted <= 0 {
				return fmt.Errorf("requoted quantity for %s collapsed to zero", symbol)
			}
			o.logger.Info().
				Str("symbol", symbol).
				Float64("price", price).
				Float64("quantity", requoted).
				Msg("requoted entry after exchange rejection")
			params.Quantity = requoted
			return nil

		case binance.IsCode(err, binance.CodeMaxLeverageExceeded) || binance.IsCode(err, binance.CodeInvalidLeverage):
			return o.lowerLeverage(ctx, symbol)
		}
		return nil
	}
}

// lowerLeverage drops the symbol to the exchange-reported maximum and
// records the change in the store so sizing stays consistent.
func (o *Orchestrator) lowerLeverage(ctx context.Context, symbol string) error {
	var brackets []binance.SymbolLeverageBrackets
	err := o.nested.Run(ctx, o.logger, "leverage brackets", func(ctx context.Context, _ int) error {
		var err error
		brackets, err = o.client.GetLeverageBrackets(ctx, symbol)
		return err
	})
	if err != nil {
		return err
	}
	if len(brackets) == 0 {
		return fmt.Errorf("no leverage brackets for %s", symbol)
	}

	max := brackets[0].MaxLeverage()
	if max <= 0 {
		return fmt.Errorf("exchange reports no usable leverage for %s", symbol)
	}

	err = o.nested.Run(ctx, o.logger, "set leverage", func(ctx context.Context, _ int) error {
		_, err := o.client.SetLeverage(ctx, symbol, max)
		return err
	})
	if err != nil {
		return err
	}

	o.store.SetSymbolLeverage(symbol, max)
	o.logger.Info().Str("symbol", symbol).Int("leverage", max).Msg("lowered symbol leverage to exchange maximum")
	return nil
}

// placeWithConfirm places one order under the given policy. Before any
// retry that follows an ambiguous failure (no exchange rejection code),
// the client order ID is looked up: a placement whose acknowledgement was
// lost counts as success instead of being doubled.
func (o *Orchestrator) placeWithConfirm(ctx context.Context, policy Policy, params *binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
	var resp *binance.FuturesOrderResponse

	err := policy.Run(ctx, o.logger, "place order", func(ctx context.Context, attempt int) error {
		if attempt > 1 {
			if confirmed := o.confirmPlacement(ctx, *params); confirmed != nil {
				resp = confirmed
				return nil
			}
		}
		r, err := o.client.PlaceOrder(ctx, *params)
		if err != nil {
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resp, nil
}

// confirmPlacement checks whether a previously-sent order actually reached
// the exchange. Returns nil when the order is unknown or the lookup fails.
func (o *Orchestrator) confirmPlacement(ctx context.Context, params binance.FuturesOrderParams) *binance.FuturesOrderResponse {
	if params.NewClientOrderID == "" {
		return nil
	}
	order, err := o.client.GetOrderByClientID(ctx, params.Symbol, params.NewClientOrderID)
	if err != nil || order == nil {
		return nil
	}
	o.logger.Info().
		Str("symbol", params.Symbol).
		Str("client_order_id", params.NewClientOrderID).
		Msg("unacknowledged order confirmed on the exchange, skipping re-send")
	return &binance.FuturesOrderResponse{
		Symbol:        order.Symbol,
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Side:          order.Side,
		PositionSide:  order.PositionSide,
		Type:          order.Type,
		Status:        order.Status,
		AvgPrice:      order.AvgPrice,
		OrigQty:       order.OrigQty,
		ExecutedQty:   order.ExecutedQty,
		UpdateTime:    order.UpdateTime,
	}
}

// fetchPrice retrieves the live mark price under the nested policy.
func (o *Orchestrator) fetchPrice(ctx context.Context, symbol string) (float64, error) {
	var price float64
	err := o.nested.Run(ctx, o.logger, "mark price", func(ctx context.Context, _ int) error {
		mp, err := o.client.GetMarkPrice(ctx, symbol)
		if err != nil {
			return err
		}
		price = mp.MarkPrice
		return nil
	})
	if err != nil {
		return 0, err
	}
	if price <= 0 {
		return 0, fmt.Errorf("exchange returned non-positive mark price for %s", symbol)
	}
	return price, nil
}

// balanceAllows checks that committing extra margin keeps the free balance
// share above the configured available-deposit floor.
func (o *Orchestrator) balanceAllows(account store.AccountSnapshot, extraMargin, availableDepositPercent float64) bool {
	if availableDepositPercent <= 0 {
		return true
	}
	free := calculator.GetAvailableBalancePercentWithFutureMargin(
		account.WalletBalance, account.AvailableBalance, extraMargin)
	return free >= 100-availableDepositPercent
}

// failure maps an error from a placement path onto an Outcome.
func (o *Orchestrator) failure(err error, placed []binance.FuturesOrderResponse) Outcome {
	if err == nil {
		return ok(placed)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return cancelled(err, placed)
	}
	return clientError(err, placed)
}
