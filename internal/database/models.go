package database

import "time"

// Position event types
const (
	PositionEventOpened     = "OPENED"
	PositionEventAveraged   = "AVERAGED"
	PositionEventStopPlaced = "STOP_PLACED"
	PositionEventClosed     = "CLOSED"
	PositionEventRemoved    = "REMOVED"
)

// PositionEvent records one transition in a position's lifecycle
type PositionEvent struct {
	ID         int64     `json:"id"`
	SessionID  string    `json:"session_id"`
	Symbol     string    `json:"symbol"`
	Side       string    `json:"side"`
	EventType  string    `json:"event_type"`
	EntryPrice float64   `json:"entry_price"`
	LastPrice  float64   `json:"last_price"`
	Quantity   float64   `json:"quantity"`
	Leverage   int       `json:"leverage"`
	Roe        float64   `json:"roe"`
	Reason     string    `json:"reason"`
	EventTime  time.Time `json:"event_time"`
	CreatedAt  time.Time `json:"created_at"`
}

// OrderEvent records one order placement attempt against the exchange
type OrderEvent struct {
	ID              int64     `json:"id"`
	SessionID       string    `json:"session_id"`
	ClientOrderID   string    `json:"client_order_id"`
	ExchangeOrderID int64     `json:"exchange_order_id"`
	Symbol          string    `json:"symbol"`
	Side            string    `json:"side"`
	PositionSide    string    `json:"position_side"`
	OrderType       string    `json:"order_type"`
	Price           float64   `json:"price"`
	StopPrice       float64   `json:"stop_price"`
	Quantity        float64   `json:"quantity"`
	Status          string    `json:"status"`
	ErrorCode       int       `json:"error_code"`
	ErrorMessage    string    `json:"error_message"`
	EventTime       time.Time `json:"event_time"`
	CreatedAt       time.Time `json:"created_at"`
}

// TradeSummary is one completed round trip
type TradeSummary struct {
	ID          int64     `json:"id"`
	SessionID   string    `json:"session_id"`
	Symbol      string    `json:"symbol"`
	Side        string    `json:"side"`
	EntryPrice  float64   `json:"entry_price"`
	ExitPrice   float64   `json:"exit_price"`
	Quantity    float64   `json:"quantity"`
	Leverage    int       `json:"leverage"`
	PnL         float64   `json:"pnl"`
	Roe         float64   `json:"roe"`
	CloseReason string    `json:"close_reason"`
	OpenedAt    time.Time `json:"opened_at"`
	ClosedAt    time.Time `json:"closed_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// SessionStats aggregates a session's closed trades
type SessionStats struct {
	SessionID   string  `json:"session_id"`
	TotalTrades int     `json:"total_trades"`
	WinTrades   int     `json:"win_trades"`
	LossTrades  int     `json:"loss_trades"`
	TotalPnL    float64 `json:"total_pnl"`
	AvgRoe      float64 `json:"avg_roe"`
}
