package database

import (
	"context"
	"fmt"
	"time"
)

// ==================== POSITION EVENTS ====================

// RecordPositionEvent inserts a position lifecycle transition
func (db *DB) RecordPositionEvent(ctx context.Context, event *PositionEvent) error {
	query := `
		INSERT INTO position_events (
			session_id, symbol, side, event_type, entry_price, last_price,
			quantity, leverage, roe, reason, event_time, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12
		) RETURNING id`

	now := time.Now()
	if event.EventTime.IsZero() {
		event.EventTime = now
	}
	err := db.Pool.QueryRow(ctx, query,
		event.SessionID,
		event.Symbol,
		event.Side,
		event.EventType,
		event.EntryPrice,
		event.LastPrice,
		event.Quantity,
		event.Leverage,
		event.Roe,
		event.Reason,
		event.EventTime,
		now,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to record position event: %w", err)
	}

	event.CreatedAt = now
	return nil
}

// GetPositionEvents retrieves the lifecycle of one symbol/side, oldest first
func (db *DB) GetPositionEvents(ctx context.Context, symbol, side string, limit int) ([]PositionEvent, error) {
	query := `
		SELECT id, session_id, symbol, side, event_type, entry_price, last_price,
			quantity, leverage, roe, reason, event_time, created_at
		FROM position_events
		WHERE symbol = $1 AND side = $2
		ORDER BY event_time ASC
		LIMIT $3`

	rows, err := db.Pool.Query(ctx, query, symbol, side, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get position events: %w", err)
	}
	defer rows.Close()

	var events []PositionEvent
	for rows.Next() {
		var e PositionEvent
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.Symbol, &e.Side, &e.EventType, &e.EntryPrice,
			&e.LastPrice, &e.Quantity, &e.Leverage, &e.Roe, &e.Reason,
			&e.EventTime, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan position event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// ==================== ORDER EVENTS ====================

// RecordOrderEvent inserts an order placement attempt
func (db *DB) RecordOrderEvent(ctx context.Context, event *OrderEvent) error {
	query := `
		INSERT INTO order_events (
			session_id, client_order_id, exchange_order_id, symbol, side,
			position_side, order_type, price, stop_price, quantity, status,
			error_code, error_message, event_time, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15
		) RETURNING id`

	now := time.Now()
	if event.EventTime.IsZero() {
		event.EventTime = now
	}
	err := db.Pool.QueryRow(ctx, query,
		event.SessionID,
		event.ClientOrderID,
		event.ExchangeOrderID,
		event.Symbol,
		event.Side,
		event.PositionSide,
		event.OrderType,
		event.Price,
		event.StopPrice,
		event.Quantity,
		event.Status,
		event.ErrorCode,
		event.ErrorMessage,
		event.EventTime,
		now,
	).Scan(&event.ID)

	if err != nil {
		return fmt.Errorf("failed to record order event: %w", err)
	}

	event.CreatedAt = now
	return nil
}

// GetOrderEventsByClientID retrieves all attempts for one client order ID
func (db *DB) GetOrderEventsByClientID(ctx context.Context, clientOrderID string) ([]OrderEvent, error) {
	query := `
		SELECT id, session_id, client_order_id, exchange_order_id, symbol, side,
			position_side, order_type, price, stop_price, quantity, status,
			error_code, error_message, event_time, created_at
		FROM order_events
		WHERE client_order_id = $1
		ORDER BY event_time ASC`

	rows, err := db.Pool.Query(ctx, query, clientOrderID)
	if err != nil {
		return nil, fmt.Errorf("failed to get order events: %w", err)
	}
	defer rows.Close()

	var events []OrderEvent
	for rows.Next() {
		var e OrderEvent
		if err := rows.Scan(
			&e.ID, &e.SessionID, &e.ClientOrderID, &e.ExchangeOrderID, &e.Symbol,
			&e.Side, &e.PositionSide, &e.OrderType, &e.Price, &e.StopPrice,
			&e.Quantity, &e.Status, &e.ErrorCode, &e.ErrorMessage,
			&e.EventTime, &e.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan order event: %w", err)
		}
		events = append(events, e)
	}

	return events, rows.Err()
}

// ==================== TRADE SUMMARIES ====================

// RecordTradeSummary inserts a completed round trip
func (db *DB) RecordTradeSummary(ctx context.Context, summary *TradeSummary) error {
	query := `
		INSERT INTO trade_summaries (
			session_id, symbol, side, entry_price, exit_price, quantity,
			leverage, pnl, roe, close_reason, opened_at, closed_at, created_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13
		) RETURNING id`

	now := time.Now()
	err := db.Pool.QueryRow(ctx, query,
		summary.SessionID,
		summary.Symbol,
		summary.Side,
		summary.EntryPrice,
		summary.ExitPrice,
		summary.Quantity,
		summary.Leverage,
		summary.PnL,
		summary.Roe,
		summary.CloseReason,
		summary.OpenedAt,
		summary.ClosedAt,
		now,
	).Scan(&summary.ID)

	if err != nil {
		return fmt.Errorf("failed to record trade summary: %w", err)
	}

	summary.CreatedAt = now
	return nil
}

// GetRecentTrades retrieves the most recent closed trades, newest first
func (db *DB) GetRecentTrades(ctx context.Context, limit int) ([]TradeSummary, error) {
	query := `
		SELECT id, session_id, symbol, side, entry_price, exit_price, quantity,
			leverage, pnl, roe, close_reason, opened_at, closed_at, created_at
		FROM trade_summaries
		ORDER BY closed_at DESC
		LIMIT $1`

	rows, err := db.Pool.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get recent trades: %w", err)
	}
	defer rows.Close()

	var trades []TradeSummary
	for rows.Next() {
		var t TradeSummary
		if err := rows.Scan(
			&t.ID, &t.SessionID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice,
			&t.Quantity, &t.Leverage, &t.PnL, &t.Roe, &t.CloseReason,
			&t.OpenedAt, &t.ClosedAt, &t.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan trade summary: %w", err)
		}
		trades = append(trades, t)
	}

	return trades, rows.Err()
}

// GetSessionStats aggregates closed trades for one session
func (db *DB) GetSessionStats(ctx context.Context, sessionID string) (*SessionStats, error) {
	query := `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE pnl > 0),
			COUNT(*) FILTER (WHERE pnl < 0),
			COALESCE(SUM(pnl), 0),
			COALESCE(AVG(roe), 0)
		FROM trade_summaries
		WHERE session_id = $1`

	stats := &SessionStats{SessionID: sessionID}
	err := db.Pool.QueryRow(ctx, query, sessionID).Scan(
		&stats.TotalTrades,
		&stats.WinTrades,
		&stats.LossTrades,
		&stats.TotalPnL,
		&stats.AvgRoe,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get session stats: %w", err)
	}

	return stats, nil
}
