package binance

import "strconv"

// MarginType represents the margin mode of a symbol
type MarginType string

const (
	MarginTypeCrossed  MarginType = "CROSSED"
	MarginTypeIsolated MarginType = "ISOLATED"
)

// PositionSide represents the direction of a futures position
type PositionSide string

const (
	PositionSideLong  PositionSide = "LONG"
	PositionSideShort PositionSide = "SHORT"
)

// Opposite returns the other side.
func (p PositionSide) Opposite() PositionSide {
	if p == PositionSideLong {
		return PositionSideShort
	}
	return PositionSideLong
}

// OrderSide represents the order direction
type OrderSide string

const (
	OrderSideBuy  OrderSide = "BUY"
	OrderSideSell OrderSide = "SELL"
)

// EntrySide returns the order side that increases a position on the given position side.
func EntrySide(side PositionSide) OrderSide {
	if side == PositionSideLong {
		return OrderSideBuy
	}
	return OrderSideSell
}

// ExitSide returns the order side that reduces a position on the given position side.
func ExitSide(side PositionSide) OrderSide {
	if side == PositionSideLong {
		return OrderSideSell
	}
	return OrderSideBuy
}

// FuturesOrderType represents the order type
type FuturesOrderType string

const (
	OrderTypeMarket     FuturesOrderType = "MARKET"
	OrderTypeStopMarket FuturesOrderType = "STOP_MARKET"
)

// TimeInForce controls order lifetime
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
)

// FuturesOrderStatus represents the order state reported by the exchange
type FuturesOrderStatus string

const (
	OrderStatusNew             FuturesOrderStatus = "NEW"
	OrderStatusPartiallyFilled FuturesOrderStatus = "PARTIALLY_FILLED"
	OrderStatusFilled          FuturesOrderStatus = "FILLED"
	OrderStatusCanceled        FuturesOrderStatus = "CANCELED"
	OrderStatusExpired         FuturesOrderStatus = "EXPIRED"
)

// WorkingType selects the price a stop order triggers against
type WorkingType string

const (
	WorkingTypeMarkPrice     WorkingType = "MARK_PRICE"
	WorkingTypeContractPrice WorkingType = "CONTRACT_PRICE"
)

// FuturesAccountInfo holds account balances and open positions
type FuturesAccountInfo struct {
	TotalWalletBalance    float64          `json:"totalWalletBalance,string"`
	TotalUnrealizedProfit float64          `json:"totalUnrealizedProfit,string"`
	TotalMarginBalance    float64          `json:"totalMarginBalance,string"`
	AvailableBalance      float64          `json:"availableBalance,string"`
	Assets                []FuturesAsset   `json:"assets"`
	Positions             []AccountPosition `json:"positions"`
}

// FuturesAsset is one asset's balance inside the account
type FuturesAsset struct {
	Asset                  string  `json:"asset"`
	WalletBalance          float64 `json:"walletBalance,string"`
	UnrealizedProfit       float64 `json:"unrealizedProfit,string"`
	MarginBalance          float64 `json:"marginBalance,string"`
	AvailableBalance       float64 `json:"availableBalance,string"`
	MaxWithdrawAmount      float64 `json:"maxWithdrawAmount,string"`
	CrossUnrealizedPnl     float64 `json:"crossUnPnl,string"`
	InitialMargin          float64 `json:"initialMargin,string"`
	MaintenanceMargin      float64 `json:"maintMargin,string"`
	PositionInitialMargin  float64 `json:"positionInitialMargin,string"`
	OpenOrderInitialMargin float64 `json:"openOrderInitialMargin,string"`
}

// AccountPosition is a position record inside account info
type AccountPosition struct {
	Symbol           string       `json:"symbol"`
	PositionSide     PositionSide `json:"positionSide"`
	PositionAmt      float64      `json:"positionAmt,string"`
	EntryPrice       float64      `json:"entryPrice,string"`
	UnrealizedProfit float64      `json:"unrealizedProfit,string"`
	InitialMargin    float64      `json:"initialMargin,string"`
	Leverage         int          `json:"leverage,string"`
	Isolated         bool         `json:"isolated"`
	UpdateTime       int64        `json:"updateTime"`
}

// MarginType reports the margin mode of the account position.
func (p AccountPosition) MarginType() MarginType {
	if p.Isolated {
		return MarginTypeIsolated
	}
	return MarginTypeCrossed
}

// FuturesPosition is a /positionRisk record
type FuturesPosition struct {
	Symbol           string       `json:"symbol"`
	PositionSide     PositionSide `json:"positionSide"`
	PositionAmt      float64      `json:"positionAmt,string"`
	EntryPrice       float64      `json:"entryPrice,string"`
	MarkPrice        float64      `json:"markPrice,string"`
	UnrealizedProfit float64      `json:"unRealizedProfit,string"`
	LiquidationPrice float64      `json:"liquidationPrice,string"`
	Leverage         int          `json:"leverage,string"`
	MarginType       string       `json:"marginType"` // "cross" or "isolated"
	IsolatedMargin   float64      `json:"isolatedMargin,string"`
	UpdateTime       int64        `json:"updateTime"`
}

// FuturesOrderParams are the parameters for placing an order
type FuturesOrderParams struct {
	Symbol           string
	Side             OrderSide
	PositionSide     PositionSide
	Type             FuturesOrderType
	Quantity         float64
	StopPrice        float64
	ReduceOnly       bool
	ClosePosition    bool
	TimeInForce      TimeInForce
	WorkingType      WorkingType
	NewClientOrderID string
}

// FuturesOrder is an order record from open-orders / all-orders queries
type FuturesOrder struct {
	Symbol        string             `json:"symbol"`
	OrderID       int64              `json:"orderId"`
	ClientOrderID string             `json:"clientOrderId"`
	Side          OrderSide          `json:"side"`
	PositionSide  PositionSide       `json:"positionSide"`
	Type          FuturesOrderType   `json:"type"`
	Status        FuturesOrderStatus `json:"status"`
	Price         float64            `json:"price,string"`
	AvgPrice      float64            `json:"avgPrice,string"`
	StopPrice     float64            `json:"stopPrice,string"`
	OrigQty       float64            `json:"origQty,string"`
	ExecutedQty   float64            `json:"executedQty,string"`
	ReduceOnly    bool               `json:"reduceOnly"`
	ClosePosition bool               `json:"closePosition"`
	UpdateTime    int64              `json:"updateTime"`
}

// FuturesOrderResponse is the response to a new-order request
type FuturesOrderResponse struct {
	Symbol        string             `json:"symbol"`
	OrderID       int64              `json:"orderId"`
	ClientOrderID string             `json:"clientOrderId"`
	Side          OrderSide          `json:"side"`
	PositionSide  PositionSide       `json:"positionSide"`
	Type          FuturesOrderType   `json:"type"`
	Status        FuturesOrderStatus `json:"status"`
	AvgPrice      float64            `json:"avgPrice,string"`
	OrigQty       float64            `json:"origQty,string"`
	ExecutedQty   float64            `json:"executedQty,string"`
	UpdateTime    int64              `json:"updateTime"`
}

// MarkPrice is a premium-index record
type MarkPrice struct {
	Symbol          string  `json:"symbol"`
	MarkPrice       float64 `json:"markPrice,string"`
	IndexPrice      float64 `json:"indexPrice,string"`
	LastFundingRate float64 `json:"lastFundingRate,string"`
	NextFundingTime int64   `json:"nextFundingTime"`
	Time            int64   `json:"time"`
}

// LeverageResponse is the response to a change-leverage request
type LeverageResponse struct {
	Symbol           string `json:"symbol"`
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
}

// LeverageBracket describes one notional bracket for a symbol
type LeverageBracket struct {
	Bracket          int     `json:"bracket"`
	InitialLeverage  int     `json:"initialLeverage"`
	NotionalCap      float64 `json:"notionalCap"`
	NotionalFloor    float64 `json:"notionalFloor"`
	MaintMarginRatio float64 `json:"maintMarginRatio"`
}

// SymbolLeverageBrackets groups the brackets of one symbol
type SymbolLeverageBrackets struct {
	Symbol   string            `json:"symbol"`
	Brackets []LeverageBracket `json:"brackets"`
}

// MaxLeverage returns the highest initial leverage across brackets.
func (s SymbolLeverageBrackets) MaxLeverage() int {
	max := 0
	for _, b := range s.Brackets {
		if b.InitialLeverage > max {
			max = b.InitialLeverage
		}
	}
	return max
}

// RawSymbolFilter is an exchange-info filter entry before parsing
type RawSymbolFilter struct {
	FilterType string `json:"filterType"`
	StepSize   string `json:"stepSize"`
	TickSize   string `json:"tickSize"`
	Notional   string `json:"notional"`
	MaxQty     string `json:"maxQty"`
	MinQty     string `json:"minQty"`
}

// FuturesSymbolInfo is one symbol's exchange-info record
type FuturesSymbolInfo struct {
	Symbol            string            `json:"symbol"`
	Status            string            `json:"status"`
	BaseAsset         string            `json:"baseAsset"`
	QuoteAsset        string            `json:"quoteAsset"`
	PricePrecision    int               `json:"pricePrecision"`
	QuantityPrecision int               `json:"quantityPrecision"`
	Filters           []RawSymbolFilter `json:"filters"`
}

// SymbolFilters are the parsed trading constraints of one symbol
type SymbolFilters struct {
	Symbol      string
	BaseAsset   string
	QuoteAsset  string
	StepSize    float64 // LOT_SIZE step
	MinQty      float64
	MaxQty      float64 // MARKET_LOT_SIZE max single-order quantity
	TickSize    float64 // PRICE_FILTER tick
	MinNotional float64
}

// ParseFilters extracts the numeric constraints the trading engine needs.
func (s FuturesSymbolInfo) ParseFilters() SymbolFilters {
	f := SymbolFilters{
		Symbol:     s.Symbol,
		BaseAsset:  s.BaseAsset,
		QuoteAsset: s.QuoteAsset,
	}
	for _, raw := range s.Filters {
		switch raw.FilterType {
		case "LOT_SIZE":
			f.StepSize = parseFloat(raw.StepSize)
			f.MinQty = parseFloat(raw.MinQty)
		case "MARKET_LOT_SIZE":
			f.MaxQty = parseFloat(raw.MaxQty)
		case "PRICE_FILTER":
			f.TickSize = parseFloat(raw.TickSize)
		case "MIN_NOTIONAL":
			f.MinNotional = parseFloat(raw.Notional)
		}
	}
	return f
}

// FuturesExchangeInfo is the /exchangeInfo response
type FuturesExchangeInfo struct {
	Symbols []FuturesSymbolInfo `json:"symbols"`
}

// ListenKeyResponse is the user-data-stream key response
type ListenKeyResponse struct {
	ListenKey string `json:"listenKey"`
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
