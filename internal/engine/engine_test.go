package engine

import (
	"context"
	"testing"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/circuit"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/filter"
	"futures-trading-engine/internal/lifecycle"
	"futures-trading-engine/internal/store"

	"github.com/rs/zerolog"
)

type fakeSignals struct {
	longs  []filter.SymbolMarketInfo
	shorts []filter.SymbolMarketInfo
	err    error
}

func (f *fakeSignals) Snapshots(ctx context.Context) ([]filter.SymbolMarketInfo, []filter.SymbolMarketInfo, error) {
	return f.longs, f.shorts, f.err
}

type fakeStream struct{}

func (f *fakeStream) Stop() {}

func testConfig() *config.Config {
	return &config.Config{
		TradeLogicConfig: config.TradeLogicConfig{
			Leverage:                 10,
			MarginType:               "CROSSED",
			MaxPositions:             6,
			MaxPositionsPerIteration: 4,
			PercentOfDeposit:         10,
			AvailableDepositPercent:  100,
			MinTrades:                100,
			MinQuoteVolume:           50,
			KlineActionSignal:        "MIDDLE",
			KlinePowerSignal:         "ANY",
			RunIntervalSeconds:       60,
			QuoteAsset:               "USDT",
			TrailingStopEnabled:      true,
			TrailingStopActivationRoe: 50,
			TrailingStopCallbackRate:  1,
		},
		CircuitBreakerConfig: config.CircuitBreakerConfig{
			Enabled:              true,
			MaxConsecutiveLosses: 3,
			MaxTradesPerMinute:   100,
			MaxDailyLoss:         100,
			CooldownMinutes:      30,
		},
	}
}

func longSignal(symbol string) filter.SymbolMarketInfo {
	return filter.SymbolMarketInfo{
		Symbol:               symbol,
		Side:                 binance.PositionSideLong,
		KlineAction:          filter.ActionStrongPushBull,
		KlinePower:           filter.PowerBull,
		PocPlacement:         filter.PocInWick,
		AsksDepth:            100,
		BidsDepth:            200,
		TradeCount:           500,
		AvgTradeQuoteVolume:  120,
		AsksBidsCoefficient:  2,
		PocTradesCoefficient: 1,
	}
}

func newTestEngine(t *testing.T, cfg *config.Config, client *binance.MockFuturesClient, sigs *fakeSignals) *Engine {
	t.Helper()
	e, err := New(Deps{
		Config:  cfg,
		Client:  client,
		Signals: sigs,
		Orders:  zerolog.Nop(),
		Bus:     events.NewEventBus(),
		Breaker: circuit.NewCircuitBreaker(cfg.CircuitBreakerConfig, nil),
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	// Tests never open real websocket streams.
	e.lifecycle = lifecycle.NewManager(e.store, client, func(symbol string) (store.StreamHandle, error) {
		return &fakeStream{}, nil
	}, nil)
	e.sessionCtx = context.Background()

	e.store.ReplaceAccount(store.AccountSnapshot{
		WalletBalance:    1000,
		AvailableBalance: 1000,
		UpdatedAt:        time.Now(),
	})
	e.store.ReplaceFilters(map[string]binance.SymbolFilters{
		"BTCUSDT": {Symbol: "BTCUSDT", BaseAsset: "BTC", QuoteAsset: "USDT", StepSize: 0.1, MaxQty: 1000, TickSize: 0.01, MinNotional: 5},
		"ETHUSDT": {Symbol: "ETHUSDT", BaseAsset: "ETH", QuoteAsset: "USDT", StepSize: 0.1, MaxQty: 1000, TickSize: 0.01, MinNotional: 5},
	})
	return e
}

func filledMarketOrder(params binance.FuturesOrderParams, price float64) (*binance.FuturesOrderResponse, error) {
	return &binance.FuturesOrderResponse{
		Symbol:        params.Symbol,
		Side:          params.Side,
		PositionSide:  params.PositionSide,
		Type:          params.Type,
		Status:        binance.OrderStatusFilled,
		AvgPrice:      price,
		OrigQty:       params.Quantity,
		ExecutedQty:   params.Quantity,
		ClientOrderID: params.NewClientOrderID,
	}, nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestInstanceRunOpensAndRegistersSelection(t *testing.T) {
	client := &binance.MockFuturesClient{
		GetMarkPriceFn: func(ctx context.Context, symbol string) (*binance.MarkPrice, error) {
			return &binance.MarkPrice{Symbol: symbol, MarkPrice: 100}, nil
		},
		PlaceOrderFn: func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
			return filledMarketOrder(params, 100)
		},
	}
	sigs := &fakeSignals{longs: []filter.SymbolMarketInfo{longSignal("BTCUSDT")}}
	e := newTestEngine(t, testConfig(), client, sigs)

	e.runInstance(context.Background())

	pos, ok := e.store.GetPosition("BTCUSDT", binance.PositionSideLong)
	if !ok {
		t.Fatal("expected BTCUSDT long to be registered")
	}
	// 10% of a 1000 wallet at 10x leverage is a 1000 notional, 10 units at 100.
	if pos.Quantity != 10 {
		t.Errorf("quantity = %v, want 10", pos.Quantity)
	}
	if pos.EntryPrice != 100 {
		t.Errorf("entry price = %v, want 100", pos.EntryPrice)
	}
	if pos.BaseAsset != "BTC" {
		t.Errorf("base asset = %q, want BTC", pos.BaseAsset)
	}
	if !e.store.HasStream("BTCUSDT") {
		t.Error("expected a ticker stream registered for BTCUSDT")
	}
	if _, ok := e.store.GetRuntime("BTCUSDT", binance.PositionSideLong); !ok {
		t.Error("expected runtime info for the new position")
	}
}

func TestInstanceRunSkipsOpenWhenBreakerTripped(t *testing.T) {
	cfg := testConfig()
	cfg.CircuitBreakerConfig.MaxConsecutiveLosses = 1

	client := &binance.MockFuturesClient{
		GetMarkPriceFn: func(ctx context.Context, symbol string) (*binance.MarkPrice, error) {
			return &binance.MarkPrice{Symbol: symbol, MarkPrice: 100}, nil
		},
	}
	sigs := &fakeSignals{longs: []filter.SymbolMarketInfo{longSignal("BTCUSDT")}}
	e := newTestEngine(t, cfg, client, sigs)

	e.breaker.RecordTrade(-5)
	if ok, _ := e.breaker.CanTrade(); ok {
		t.Fatal("breaker should be open after the configured loss streak")
	}

	e.runInstance(context.Background())

	if client.PlaceCalls != 0 {
		t.Errorf("expected no orders with an open breaker, got %d", client.PlaceCalls)
	}
	if e.store.PositionCount() != 0 {
		t.Errorf("expected no positions, got %d", e.store.PositionCount())
	}
}

func TestInstanceRunSignalErrorIsNonFatal(t *testing.T) {
	client := &binance.MockFuturesClient{}
	sigs := &fakeSignals{err: context.DeadlineExceeded}
	e := newTestEngine(t, testConfig(), client, sigs)

	e.runInstance(context.Background())

	if client.PlaceCalls != 0 {
		t.Errorf("expected no orders on a failed snapshot fetch, got %d", client.PlaceCalls)
	}
}

func TestTickClosesOnTrailingCallback(t *testing.T) {
	client := &binance.MockFuturesClient{
		PlaceOrderFn: func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
			return filledMarketOrder(params, 100)
		},
	}
	e := newTestEngine(t, testConfig(), client, &fakeSignals{})

	pos := store.Position{
		Symbol:     "BTCUSDT",
		Side:       binance.PositionSideLong,
		EntryPrice: 100,
		Quantity:   1,
		Leverage:   10,
		MarginType: binance.MarginTypeCrossed,
		OpenedAt:   time.Now(),
	}
	if err := e.lifecycle.Register(context.Background(), pos); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// 106 arms the trailing stop at ROE 60; the pullback to 100 breaches
	// the callback threshold of 50 and closes at market.
	e.handleTick("BTCUSDT", 106)
	waitFor(t, "trailing to arm", func() bool {
		r, ok := e.store.GetRuntime("BTCUSDT", binance.PositionSideLong)
		return ok && r.TrailingActivated
	})

	e.handleTick("BTCUSDT", 100)
	waitFor(t, "position to close", func() bool {
		return !e.store.HasPosition("BTCUSDT", binance.PositionSideLong)
	})

	if e.store.HasStream("BTCUSDT") {
		t.Error("ticker stream should be released with the last position")
	}
	last := client.PlacedOrders[len(client.PlacedOrders)-1]
	if last.Type != binance.OrderTypeMarket || !last.ReduceOnly {
		t.Errorf("expected a reduce-only market close, got %+v", last)
	}
	if last.Side != binance.OrderSideSell {
		t.Errorf("long close should sell, got %s", last.Side)
	}
}

func TestTickPlacesSafeStopWhenArming(t *testing.T) {
	cfg := testConfig()
	cfg.TradeLogicConfig.SafeStopOffsetPercent = 1

	client := &binance.MockFuturesClient{
		PlaceOrderFn: func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
			return filledMarketOrder(params, 0)
		},
	}
	e := newTestEngine(t, cfg, client, &fakeSignals{})

	pos := store.Position{
		Symbol:     "BTCUSDT",
		Side:       binance.PositionSideLong,
		EntryPrice: 100,
		Quantity:   1,
		Leverage:   10,
		MarginType: binance.MarginTypeCrossed,
		OpenedAt:   time.Now(),
	}
	if err := e.lifecycle.Register(context.Background(), pos); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e.handleTick("BTCUSDT", 106)
	waitFor(t, "safe stop placement", func() bool {
		r, ok := e.store.GetRuntime("BTCUSDT", binance.PositionSideLong)
		return ok && !r.NeedsMarketStop
	})

	last := client.PlacedOrders[len(client.PlacedOrders)-1]
	if last.Type != binance.OrderTypeStopMarket {
		t.Fatalf("expected a stop-market order, got %s", last.Type)
	}
	// Anchored 1% below the 100 entry.
	if last.StopPrice != 99 {
		t.Errorf("stop price = %v, want 99", last.StopPrice)
	}
	if e.store.HasPosition("BTCUSDT", binance.PositionSideLong) != true {
		t.Error("safe stop must not remove the position")
	}
}

func TestFillTotalsWeightsByQuantity(t *testing.T) {
	qty, avg := fillTotals([]binance.FuturesOrderResponse{
		{ExecutedQty: 2, AvgPrice: 100},
		{ExecutedQty: 1, AvgPrice: 130},
	})
	if qty != 3 {
		t.Errorf("qty = %v, want 3", qty)
	}
	if avg != 110 {
		t.Errorf("avg = %v, want 110", avg)
	}
}

func TestFindSignalMatchesSymbolAndSide(t *testing.T) {
	longs := []filter.SymbolMarketInfo{longSignal("BTCUSDT"), longSignal("ETHUSDT")}
	if sig := findSignal(longs, nil, "ETHUSDT", binance.PositionSideLong); sig == nil || sig.Symbol != "ETHUSDT" {
		t.Errorf("expected the ETHUSDT long signal, got %+v", sig)
	}
	if sig := findSignal(longs, nil, "ETHUSDT", binance.PositionSideShort); sig != nil {
		t.Errorf("short lookup should miss, got %+v", sig)
	}
}

func TestTickDispatchSurvivesOrderPanic(t *testing.T) {
	var calls int
	client := &binance.MockFuturesClient{}
	client.PlaceOrderFn = func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
		calls++
		if calls == 1 {
			panic("order path blew up")
		}
		return filledMarketOrder(params, 100)
	}
	e := newTestEngine(t, testConfig(), client, &fakeSignals{})

	pos := store.Position{
		Symbol:     "BTCUSDT",
		Side:       binance.PositionSideLong,
		EntryPrice: 100,
		Quantity:   1,
		Leverage:   10,
		MarginType: binance.MarginTypeCrossed,
		OpenedAt:   time.Now(),
	}
	if err := e.lifecycle.Register(context.Background(), pos); err != nil {
		t.Fatalf("Register: %v", err)
	}

	e.handleTick("BTCUSDT", 106)
	waitFor(t, "trailing to arm", func() bool {
		r, ok := e.store.GetRuntime("BTCUSDT", binance.PositionSideLong)
		return ok && r.TrailingActivated
	})

	// The first close attempt panics inside the dispatch goroutine. The
	// session must survive, keep the position tracked, and free the
	// in-flight slot for the next tick.
	e.handleTick("BTCUSDT", 100)
	waitFor(t, "in-flight slot to release", func() bool {
		key := store.PositionKey{Symbol: "BTCUSDT", Side: binance.PositionSideLong}
		if !e.tryAcquire(key) {
			return false
		}
		e.release(key)
		return true
	})
	if !e.store.HasPosition("BTCUSDT", binance.PositionSideLong) {
		t.Fatal("position lost after a panicking close attempt")
	}

	e.handleTick("BTCUSDT", 100)
	waitFor(t, "position to close on retry", func() bool {
		return !e.store.HasPosition("BTCUSDT", binance.PositionSideLong)
	})
}
