// Package database is the PostgreSQL audit log for the engine. Every order
// placement attempt and every position lifecycle transition is recorded so a
// session can be reconstructed after the fact.
package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"futures-trading-engine/config"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// NewDB creates a new database connection
func NewDB(cfg config.PostgresConfig) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("[DB] Connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("[DB] Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("[DB] Running database migrations...")

	migrations := []string{
		// Position lifecycle transitions: open, average, stop placed, close
		`CREATE TABLE IF NOT EXISTS position_events (
			id SERIAL PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			event_type VARCHAR(30) NOT NULL,
			entry_price DECIMAL(20, 8),
			last_price DECIMAL(20, 8),
			quantity DECIMAL(20, 8),
			leverage INTEGER,
			roe DECIMAL(10, 4),
			reason VARCHAR(100),
			event_time TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_position_events_symbol ON position_events(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_position_events_session ON position_events(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_position_events_time ON position_events(event_time)`,

		// Every order placement attempt, including retries and failures
		`CREATE TABLE IF NOT EXISTS order_events (
			id SERIAL PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			client_order_id VARCHAR(36) NOT NULL,
			exchange_order_id BIGINT,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			position_side VARCHAR(5) NOT NULL,
			order_type VARCHAR(20) NOT NULL,
			price DECIMAL(20, 8),
			stop_price DECIMAL(20, 8),
			quantity DECIMAL(20, 8) NOT NULL,
			status VARCHAR(20) NOT NULL,
			error_code INTEGER,
			error_message TEXT,
			event_time TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_symbol ON order_events(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_client_id ON order_events(client_order_id)`,
		`CREATE INDEX IF NOT EXISTS idx_order_events_session ON order_events(session_id)`,

		// One row per completed round trip, written when a position closes
		`CREATE TABLE IF NOT EXISTS trade_summaries (
			id SERIAL PRIMARY KEY,
			session_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			leverage INTEGER NOT NULL,
			pnl DECIMAL(20, 8),
			roe DECIMAL(10, 4),
			close_reason VARCHAR(100),
			opened_at TIMESTAMP NOT NULL,
			closed_at TIMESTAMP NOT NULL,
			created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_summaries_symbol ON trade_summaries(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trade_summaries_closed ON trade_summaries(closed_at)`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("[DB] Database migrations completed")
	return nil
}
