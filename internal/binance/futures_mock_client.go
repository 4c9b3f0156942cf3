package binance

import (
	"context"
	"sync"
)

// MockFuturesClient is a scriptable FuturesClient for tests. Behavior is
// overridden per-call via the function fields; unset fields return zero
// values and no error.
type MockFuturesClient struct {
	mu sync.Mutex

	GetAccountInfoFn      func(ctx context.Context) (*FuturesAccountInfo, error)
	GetPositionsFn        func(ctx context.Context) ([]FuturesPosition, error)
	GetExchangeInfoFn     func(ctx context.Context) (*FuturesExchangeInfo, error)
	GetMarkPriceFn        func(ctx context.Context, symbol string) (*MarkPrice, error)
	SetLeverageFn         func(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)
	SetMarginTypeFn       func(ctx context.Context, symbol string, marginType MarginType) error
	GetLeverageBracketsFn func(ctx context.Context, symbol string) ([]SymbolLeverageBrackets, error)
	PlaceOrderFn          func(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)
	CancelOrderFn         func(ctx context.Context, symbol string, orderID int64) error
	CancelAllOrdersFn     func(ctx context.Context, symbol string) error
	GetOpenOrdersFn       func(ctx context.Context, symbol string) ([]FuturesOrder, error)
	GetOrderByClientIDFn  func(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error)

	// Recorded calls
	PlacedOrders []FuturesOrderParams
	PlaceCalls   int
}

var _ FuturesClient = (*MockFuturesClient)(nil)

func (m *MockFuturesClient) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	if m.GetAccountInfoFn != nil {
		return m.GetAccountInfoFn(ctx)
	}
	return &FuturesAccountInfo{}, nil
}

func (m *MockFuturesClient) GetPositions(ctx context.Context) ([]FuturesPosition, error) {
	if m.GetPositionsFn != nil {
		return m.GetPositionsFn(ctx)
	}
	return nil, nil
}

func (m *MockFuturesClient) GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	if m.GetExchangeInfoFn != nil {
		return m.GetExchangeInfoFn(ctx)
	}
	return &FuturesExchangeInfo{}, nil
}

func (m *MockFuturesClient) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	if m.GetMarkPriceFn != nil {
		return m.GetMarkPriceFn(ctx, symbol)
	}
	return &MarkPrice{Symbol: symbol}, nil
}

func (m *MockFuturesClient) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	if m.SetLeverageFn != nil {
		return m.SetLeverageFn(ctx, symbol, leverage)
	}
	return &LeverageResponse{Symbol: symbol, Leverage: leverage}, nil
}

func (m *MockFuturesClient) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	if m.SetMarginTypeFn != nil {
		return m.SetMarginTypeFn(ctx, symbol, marginType)
	}
	return nil
}

func (m *MockFuturesClient) GetLeverageBrackets(ctx context.Context, symbol string) ([]SymbolLeverageBrackets, error) {
	if m.GetLeverageBracketsFn != nil {
		return m.GetLeverageBracketsFn(ctx, symbol)
	}
	return nil, nil
}

func (m *MockFuturesClient) PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error) {
	m.mu.Lock()
	m.PlaceCalls++
	m.PlacedOrders = append(m.PlacedOrders, params)
	m.mu.Unlock()

	if m.PlaceOrderFn != nil {
		return m.PlaceOrderFn(ctx, params)
	}
	return &FuturesOrderResponse{
		Symbol:        params.Symbol,
		Side:          params.Side,
		PositionSide:  params.PositionSide,
		Type:          params.Type,
		Status:        OrderStatusFilled,
		OrigQty:       params.Quantity,
		ExecutedQty:   params.Quantity,
		ClientOrderID: params.NewClientOrderID,
	}, nil
}

func (m *MockFuturesClient) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	if m.CancelOrderFn != nil {
		return m.CancelOrderFn(ctx, symbol, orderID)
	}
	return nil
}

func (m *MockFuturesClient) CancelAllOrders(ctx context.Context, symbol string) error {
	if m.CancelAllOrdersFn != nil {
		return m.CancelAllOrdersFn(ctx, symbol)
	}
	return nil
}

func (m *MockFuturesClient) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	if m.GetOpenOrdersFn != nil {
		return m.GetOpenOrdersFn(ctx, symbol)
	}
	return nil, nil
}

func (m *MockFuturesClient) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error) {
	if m.GetOrderByClientIDFn != nil {
		return m.GetOrderByClientIDFn(ctx, symbol, clientOrderID)
	}
	return nil, &APIError{Code: -2013, Message: "Order does not exist."}
}

func (m *MockFuturesClient) StartUserDataStream(ctx context.Context) (string, error) {
	return "mock-listen-key", nil
}

func (m *MockFuturesClient) KeepAliveUserDataStream(ctx context.Context, listenKey string) error {
	return nil
}

func (m *MockFuturesClient) CloseUserDataStream(ctx context.Context, listenKey string) error {
	return nil
}
