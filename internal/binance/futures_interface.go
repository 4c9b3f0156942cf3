package binance

import "context"

// FuturesClient defines the exchange REST operations the trading engine needs.
// Every method returns business failures as errors (typed *APIError where the
// exchange supplied a code); methods never panic for ordinary failures.
type FuturesClient interface {
	// ==================== ACCOUNT ====================

	// GetAccountInfo retrieves balances and account positions
	GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error)

	// GetPositions retrieves all position-risk records
	GetPositions(ctx context.Context) ([]FuturesPosition, error)

	// ==================== MARKET DATA ====================

	// GetExchangeInfo retrieves symbol filters for all trading symbols
	GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error)

	// GetMarkPrice retrieves the current mark price for a symbol
	GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error)

	// ==================== LEVERAGE & MARGIN ====================

	// SetLeverage sets the leverage for a symbol (1-125x)
	SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error)

	// SetMarginType sets the margin type (ISOLATED or CROSSED)
	SetMarginType(ctx context.Context, symbol string, marginType MarginType) error

	// GetLeverageBrackets retrieves the leverage brackets for a symbol
	GetLeverageBrackets(ctx context.Context, symbol string) ([]SymbolLeverageBrackets, error)

	// ==================== TRADING ====================

	// PlaceOrder places a new futures order
	PlaceOrder(ctx context.Context, params FuturesOrderParams) (*FuturesOrderResponse, error)

	// CancelOrder cancels an existing order
	CancelOrder(ctx context.Context, symbol string, orderID int64) error

	// CancelAllOrders cancels all open orders for a symbol
	CancelAllOrders(ctx context.Context, symbol string) error

	// GetOpenOrders retrieves open orders (empty symbol for all symbols)
	GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error)

	// GetOrderByClientID looks up an order by its client order ID.
	// Used to confirm whether an unacknowledged placement actually executed.
	GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error)

	// ==================== USER DATA STREAM ====================

	// StartUserDataStream obtains a listen key
	StartUserDataStream(ctx context.Context) (string, error)

	// KeepAliveUserDataStream renews a listen key
	KeepAliveUserDataStream(ctx context.Context, listenKey string) error

	// CloseUserDataStream closes a listen key
	CloseUserDataStream(ctx context.Context, listenKey string) error
}
