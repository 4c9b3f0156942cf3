package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/store"
)

func testOpts() *config.TradeLogicConfig {
	return &config.TradeLogicConfig{
		Leverage:                10,
		PercentOfDeposit:        10,
		AvailableDepositPercent: 100,
		AveragingMinRoe:         -50,
		AveragingMaxIterations:  1000,
	}
}

func testFilters() binance.SymbolFilters {
	return binance.SymbolFilters{
		Symbol:      "BTCUSDT",
		StepSize:    0.1,
		MinQty:      0.1,
		MaxQty:      1000,
		TickSize:    0.01,
		MinNotional: 5,
	}
}

func newTestOrchestrator(t *testing.T, client binance.FuturesClient, opts *config.TradeLogicConfig) (*Orchestrator, *store.Store) {
	t.Helper()
	st := store.New(opts)
	st.ReplaceFilters(map[string]binance.SymbolFilters{"BTCUSDT": testFilters()})
	st.ReplaceAccount(store.AccountSnapshot{WalletBalance: 1000, AvailableBalance: 1000})

	ids, err := NewClientOrderIDGenerator(nil, "test-session", zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClientOrderIDGenerator: %v", err)
	}
	o := NewOrchestrator(client, st, ids, zerolog.Nop())
	o.SetPolicies(Policy{MaxAttempts: 3}, Policy{MaxAttempts: 2})
	return o, st
}

func markPriceAt(price float64) func(ctx context.Context, symbol string) (*binance.MarkPrice, error) {
	return func(ctx context.Context, symbol string) (*binance.MarkPrice, error) {
		return &binance.MarkPrice{Symbol: symbol, MarkPrice: price}, nil
	}
}

func longPosition(qty float64) store.Position {
	return store.Position{
		Symbol:     "BTCUSDT",
		Side:       binance.PositionSideLong,
		EntryPrice: 100,
		Quantity:   qty,
		Leverage:   10,
		OpenedAt:   time.Now(),
	}
}

func TestOpenPlacesSizedMarketOrder(t *testing.T) {
	mock := &binance.MockFuturesClient{GetMarkPriceFn: markPriceAt(100)}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Open(context.Background(), "BTCUSDT", binance.PositionSideLong)
	if !out.OK() {
		t.Fatalf("open failed: %v", out.Err)
	}
	if mock.PlaceCalls != 1 {
		t.Fatalf("got %d place calls, want 1", mock.PlaceCalls)
	}

	// 10% of 1000 wallet at 10x is a 1000 notional, 10 units at price 100.
	p := mock.PlacedOrders[0]
	if p.Side != binance.OrderSideBuy || p.Type != binance.OrderTypeMarket {
		t.Fatalf("unexpected order shape: %+v", p)
	}
	if p.Quantity != 10 {
		t.Fatalf("got quantity %.4f, want 10", p.Quantity)
	}
	if p.NewClientOrderID == "" {
		t.Fatal("order placed without a client order ID")
	}
}

func TestOpenSplitsByMaxOrderSize(t *testing.T) {
	mock := &binance.MockFuturesClient{GetMarkPriceFn: markPriceAt(100)}
	o, st := newTestOrchestrator(t, mock, testOpts())

	f := testFilters()
	f.MaxQty = 4
	st.ReplaceFilters(map[string]binance.SymbolFilters{"BTCUSDT": f})

	out := o.Open(context.Background(), "BTCUSDT", binance.PositionSideLong)
	if !out.OK() {
		t.Fatalf("open failed: %v", out.Err)
	}
	if mock.PlaceCalls != 4 {
		t.Fatalf("got %d chunks, want 4", mock.PlaceCalls)
	}
	sum := 0.0
	for _, p := range mock.PlacedOrders {
		if p.Quantity > f.MaxQty {
			t.Fatalf("chunk %.4f exceeds max order size %.4f", p.Quantity, f.MaxQty)
		}
		sum += p.Quantity
	}
	if sum != 10 {
		t.Fatalf("chunks sum to %.4f, want 10", sum)
	}
}

func TestOpenRejectsZeroWallet(t *testing.T) {
	mock := &binance.MockFuturesClient{GetMarkPriceFn: markPriceAt(100)}
	o, st := newTestOrchestrator(t, mock, testOpts())
	st.ReplaceAccount(store.AccountSnapshot{})

	out := o.Open(context.Background(), "BTCUSDT", binance.PositionSideLong)
	if out.Status != StatusClientError {
		t.Fatalf("got %s, want %s", out.Status, StatusClientError)
	}
	if mock.PlaceCalls != 0 {
		t.Fatal("no order should be placed with a zero wallet")
	}
}

func TestOpenRespectsAvailableDepositLimit(t *testing.T) {
	mock := &binance.MockFuturesClient{GetMarkPriceFn: markPriceAt(100)}
	opts := testOpts()
	opts.AvailableDepositPercent = 20
	o, st := newTestOrchestrator(t, mock, opts)

	// 150 of 1000 free: below the required 80% floor even before margin.
	st.ReplaceAccount(store.AccountSnapshot{WalletBalance: 1000, AvailableBalance: 150})

	out := o.Open(context.Background(), "BTCUSDT", binance.PositionSideLong)
	if out.Status != StatusClientError {
		t.Fatalf("got %s, want %s", out.Status, StatusClientError)
	}
	if mock.PlaceCalls != 0 {
		t.Fatal("order placed past the deposit limit")
	}
}

// An always-failing exchange must produce a client error after exactly the
// configured number of attempts.
func TestRetryExhaustionIsExact(t *testing.T) {
	mock := &binance.MockFuturesClient{
		GetMarkPriceFn: markPriceAt(100),
		PlaceOrderFn: func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
			return nil, &binance.APIError{Code: binance.CodeTooManyRequests, Message: "Too many requests."}
		},
	}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Open(context.Background(), "BTCUSDT", binance.PositionSideLong)
	if out.Status != StatusClientError {
		t.Fatalf("got %s, want %s", out.Status, StatusClientError)
	}
	if mock.PlaceCalls != 3 {
		t.Fatalf("got %d attempts, want exactly 3", mock.PlaceCalls)
	}
	if !errors.Is(out.Err, ErrRetriesExhausted) {
		t.Fatalf("got %v, want ErrRetriesExhausted", out.Err)
	}
}

func TestOpenRequotesOnWouldTrigger(t *testing.T) {
	price := 100.0
	mock := &binance.MockFuturesClient{}
	mock.GetMarkPriceFn = func(ctx context.Context, symbol string) (*binance.MarkPrice, error) {
		return &binance.MarkPrice{Symbol: symbol, MarkPrice: price}, nil
	}
	mock.PlaceOrderFn = func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
		if mock.PlaceCalls == 1 {
			price = 200 // market moved between sizing and placement
			return nil, &binance.APIError{Code: binance.CodeOrderWouldTrigger, Message: "Order would immediately trigger."}
		}
		return &binance.FuturesOrderResponse{Status: binance.OrderStatusFilled, ExecutedQty: params.Quantity}, nil
	}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Open(context.Background(), "BTCUSDT", binance.PositionSideLong)
	if !out.OK() {
		t.Fatalf("open failed: %v", out.Err)
	}
	if mock.PlaceCalls != 2 {
		t.Fatalf("got %d place calls, want 2", mock.PlaceCalls)
	}
	// Same 1000 notional re-quoted at the doubled price.
	if got := mock.PlacedOrders[1].Quantity; got != 5 {
		t.Fatalf("requoted quantity %.4f, want 5", got)
	}
}

func TestAveragePlacesSolvedQuantity(t *testing.T) {
	mock := &binance.MockFuturesClient{GetMarkPriceFn: markPriceAt(90)}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Average(context.Background(), longPosition(1), 90)
	if !out.OK() {
		t.Fatalf("average failed: %v", out.Err)
	}
	if mock.PlaceCalls != 1 {
		t.Fatalf("got %d place calls, want 1", mock.PlaceCalls)
	}
	// Entry 100, last 90, qty 1 at 10x: 1.2 more units brings the blended
	// ROE back above -50.
	if got := mock.PlacedOrders[0].Quantity; got != 1.2 {
		t.Fatalf("got quantity %.4f, want 1.2", got)
	}
	if mock.PlacedOrders[0].Side != binance.OrderSideBuy {
		t.Fatalf("averaging a long must buy, got %s", mock.PlacedOrders[0].Side)
	}
}

func TestAverageLowersLeverageOnRejection(t *testing.T) {
	var setLeverage int
	mock := &binance.MockFuturesClient{
		GetMarkPriceFn: markPriceAt(90),
		GetLeverageBracketsFn: func(ctx context.Context, symbol string) ([]binance.SymbolLeverageBrackets, error) {
			return []binance.SymbolLeverageBrackets{{
				Symbol:   symbol,
				Brackets: []binance.LeverageBracket{{Bracket: 1, InitialLeverage: 20}},
			}}, nil
		},
		SetLeverageFn: func(ctx context.Context, symbol string, leverage int) (*binance.LeverageResponse, error) {
			setLeverage = leverage
			return &binance.LeverageResponse{Symbol: symbol, Leverage: leverage}, nil
		},
	}
	mock.PlaceOrderFn = func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
		if mock.PlaceCalls == 1 {
			return nil, &binance.APIError{Code: binance.CodeMaxLeverageExceeded, Message: "Exceeded the maximum allowable position."}
		}
		return &binance.FuturesOrderResponse{Status: binance.OrderStatusFilled}, nil
	}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Average(context.Background(), longPosition(1), 90)
	if !out.OK() {
		t.Fatalf("average failed: %v", out.Err)
	}
	if setLeverage != 20 {
		t.Fatalf("leverage lowered to %d, want the bracket maximum 20", setLeverage)
	}
}

func TestStopPlacesReduceOnlyStopMarket(t *testing.T) {
	mock := &binance.MockFuturesClient{}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Stop(context.Background(), longPosition(1), 100, 0.5)
	if !out.OK() {
		t.Fatalf("stop failed: %v", out.Err)
	}
	p := mock.PlacedOrders[0]
	if p.Type != binance.OrderTypeStopMarket || !p.ClosePosition {
		t.Fatalf("unexpected stop shape: %+v", p)
	}
	if p.Side != binance.OrderSideSell {
		t.Fatalf("a long's stop must sell, got %s", p.Side)
	}
	// Long: stop sits 0.5% below the last price.
	if p.StopPrice != 99.5 {
		t.Fatalf("stop price %.4f, want 99.5", p.StopPrice)
	}
}

func TestStopAboveLastPriceForShort(t *testing.T) {
	mock := &binance.MockFuturesClient{}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	pos := longPosition(1)
	pos.Side = binance.PositionSideShort

	out := o.Stop(context.Background(), pos, 100, 0.5)
	if !out.OK() {
		t.Fatalf("stop failed: %v", out.Err)
	}
	if got := mock.PlacedOrders[0].StopPrice; got != 100.5 {
		t.Fatalf("stop price %.4f, want 100.5", got)
	}
}

func TestStopFallsBackToMarketClose(t *testing.T) {
	mock := &binance.MockFuturesClient{}
	mock.PlaceOrderFn = func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
		if params.Type == binance.OrderTypeStopMarket {
			return nil, &binance.APIError{Code: binance.CodeOrderWouldTrigger, Message: "Order would immediately trigger."}
		}
		return &binance.FuturesOrderResponse{Status: binance.OrderStatusFilled, ExecutedQty: params.Quantity}, nil
	}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Stop(context.Background(), longPosition(1), 100, 0.5)
	if !out.OK() {
		t.Fatalf("expected market-close fallback to succeed: %v", out.Err)
	}
	last := mock.PlacedOrders[len(mock.PlacedOrders)-1]
	if last.Type != binance.OrderTypeMarket || !last.ReduceOnly {
		t.Fatalf("fallback order shape: %+v", last)
	}
	if last.Quantity != 1 {
		t.Fatalf("fallback closed %.4f, want the full quantity 1", last.Quantity)
	}
}

func TestCloseZeroQuantityIsSuccess(t *testing.T) {
	mock := &binance.MockFuturesClient{}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Close(context.Background(), longPosition(0))
	if !out.OK() {
		t.Fatalf("got %s, want OK", out.Status)
	}
	if mock.PlaceCalls != 0 {
		t.Fatal("zero quantity must not reach the exchange")
	}
}

func TestCloseSplitsAndReduces(t *testing.T) {
	mock := &binance.MockFuturesClient{}
	o, st := newTestOrchestrator(t, mock, testOpts())

	f := testFilters()
	f.MaxQty = 3
	st.ReplaceFilters(map[string]binance.SymbolFilters{"BTCUSDT": f})

	out := o.Close(context.Background(), longPosition(10))
	if !out.OK() {
		t.Fatalf("close failed: %v", out.Err)
	}
	sum := 0.0
	for _, p := range mock.PlacedOrders {
		if !p.ReduceOnly || p.Type != binance.OrderTypeMarket {
			t.Fatalf("close chunk shape: %+v", p)
		}
		if p.Side != binance.OrderSideSell {
			t.Fatalf("closing a long must sell, got %s", p.Side)
		}
		sum += p.Quantity
	}
	if sum != 10 {
		t.Fatalf("chunks sum to %.4f, want 10", sum)
	}
}

func TestCancelledContextShortCircuits(t *testing.T) {
	mock := &binance.MockFuturesClient{GetMarkPriceFn: markPriceAt(100)}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := o.Open(ctx, "BTCUSDT", binance.PositionSideLong)
	if out.Status != StatusCancelled {
		t.Fatalf("got %s, want %s", out.Status, StatusCancelled)
	}
	if mock.PlaceCalls != 0 {
		t.Fatal("cancelled context still placed an order")
	}
}

// A placement whose acknowledgement was lost must be confirmed by client
// order ID instead of re-sent.
func TestUnacknowledgedOrderIsNotResent(t *testing.T) {
	mock := &binance.MockFuturesClient{GetMarkPriceFn: markPriceAt(100)}
	mock.PlaceOrderFn = func(ctx context.Context, params binance.FuturesOrderParams) (*binance.FuturesOrderResponse, error) {
		return nil, errors.New("read tcp: i/o timeout")
	}
	mock.GetOrderByClientIDFn = func(ctx context.Context, symbol, clientOrderID string) (*binance.FuturesOrder, error) {
		return &binance.FuturesOrder{
			Symbol:        symbol,
			OrderID:       42,
			ClientOrderID: clientOrderID,
			Status:        binance.OrderStatusFilled,
			ExecutedQty:   10,
		}, nil
	}
	o, _ := newTestOrchestrator(t, mock, testOpts())

	out := o.Open(context.Background(), "BTCUSDT", binance.PositionSideLong)
	if !out.OK() {
		t.Fatalf("open failed: %v", out.Err)
	}
	if mock.PlaceCalls != 1 {
		t.Fatalf("order re-sent %d times despite being confirmed", mock.PlaceCalls)
	}
	if out.Orders[0].OrderID != 42 {
		t.Fatalf("confirmed order not reported: %+v", out.Orders[0])
	}
}
