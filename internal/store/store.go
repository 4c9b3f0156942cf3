// Package store holds the shared mutable state of one trading session:
// open positions, per-position runtime trigger state, ticker stream
// handles, and the latest account/exchange snapshots. All mutations go
// through one mutex so the collections always update together.
package store

import (
	"errors"
	"sync"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/binance"
)

var (
	// ErrPositionExists is returned when adding a position for a
	// (symbol, side) key that is already open.
	ErrPositionExists = errors.New("position already exists for symbol and side")

	// ErrPositionNotFound is returned when mutating a position that is
	// not in the store.
	ErrPositionNotFound = errors.New("position not found")
)

// PositionKey identifies one open exposure.
type PositionKey struct {
	Symbol string
	Side   binance.PositionSide
}

// Position is an open leveraged exposure on one symbol and side.
type Position struct {
	Symbol     string
	BaseAsset  string
	QuoteAsset string
	Side       binance.PositionSide
	EntryPrice float64
	Quantity   float64 // absolute, > 0 while open
	Leverage   int
	MarginType binance.MarginType
	OpenedAt   time.Time
	UpdatedAt  time.Time
}

// Key returns the store key of the position.
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Side: p.Side}
}

// InitialMargin derives the margin committed to the position.
func (p *Position) InitialMargin() float64 {
	if p.Leverage == 0 {
		return 0
	}
	return p.EntryPrice * p.Quantity / float64(p.Leverage)
}

// RuntimeInfo is the mutable per-position trigger state.
type RuntimeInfo struct {
	NeedsMarketStop    bool    // a protective stop has not been placed yet
	TrailingActivated  bool
	HighestRoe         float64 // watermark, only meaningful while trailing
	NeedsPositionCheck bool
}

// AccountSnapshot is the last known balance state, replaced wholesale by
// the background refresh job.
type AccountSnapshot struct {
	WalletBalance    float64
	AvailableBalance float64
	UpdatedAt        time.Time
}

// StreamHandle is the part of a ticker stream the store tracks.
type StreamHandle interface {
	Stop()
}

// Store is the session ledger. One instance per running trade-logic
// session; torn down completely on stop.
type Store struct {
	mu sync.RWMutex

	positions         map[PositionKey]*Position
	runtime           map[PositionKey]*RuntimeInfo
	streams           map[string]StreamHandle
	account           AccountSnapshot
	filters           map[string]binance.SymbolFilters
	exchangePositions []binance.FuturesPosition
	options           *config.TradeLogicConfig
}

// New creates an empty store with the given options.
func New(options *config.TradeLogicConfig) *Store {
	return &Store{
		positions: make(map[PositionKey]*Position),
		runtime:   make(map[PositionKey]*RuntimeInfo),
		streams:   make(map[string]StreamHandle),
		filters:   make(map[string]binance.SymbolFilters),
		options:   options,
	}
}

// ==================== POSITIONS ====================

// AddPosition inserts a position and its runtime info atomically.
func (s *Store) AddPosition(p *Position) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := p.Key()
	if _, exists := s.positions[key]; exists {
		return ErrPositionExists
	}
	s.positions[key] = p
	s.runtime[key] = &RuntimeInfo{NeedsMarketStop: true}
	return nil
}

// RemovePosition deletes a position and its runtime info atomically.
// The second return reports whether any position remains on the symbol,
// which decides whether the ticker stream may be unsubscribed.
func (s *Store) RemovePosition(symbol string, side binance.PositionSide) (removed *Position, symbolStillOpen bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := PositionKey{Symbol: symbol, Side: side}
	p, ok := s.positions[key]
	if !ok {
		return nil, s.symbolHasPositionsLocked(symbol)
	}
	delete(s.positions, key)
	delete(s.runtime, key)
	return p, s.symbolHasPositionsLocked(symbol)
}

// GetPosition returns a copy of the position for the key.
func (s *Store) GetPosition(symbol string, side binance.PositionSide) (Position, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.positions[PositionKey{Symbol: symbol, Side: side}]
	if !ok {
		return Position{}, false
	}
	return *p, true
}

// HasPosition reports whether a position is open for the key.
func (s *Store) HasPosition(symbol string, side binance.PositionSide) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.positions[PositionKey{Symbol: symbol, Side: side}]
	return ok
}

// Positions returns copies of all open positions.
func (s *Store) Positions() []Position {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, *p)
	}
	return out
}

// PositionCount returns the number of open positions.
func (s *Store) PositionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.positions)
}

// SymbolHasPositions reports whether any side of a symbol is open.
func (s *Store) SymbolHasPositions(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.symbolHasPositionsLocked(symbol)
}

func (s *Store) symbolHasPositionsLocked(symbol string) bool {
	for key := range s.positions {
		if key.Symbol == symbol {
			return true
		}
	}
	return false
}

// AdjustPositionQuantity adds delta (negative for reductions) to the
// position's quantity and returns the remaining quantity.
func (s *Store) AdjustPositionQuantity(symbol string, side binance.PositionSide, delta float64) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[PositionKey{Symbol: symbol, Side: side}]
	if !ok {
		return 0, ErrPositionNotFound
	}
	p.Quantity += delta
	if p.Quantity < 0 {
		p.Quantity = 0
	}
	p.UpdatedAt = time.Now()
	return p.Quantity, nil
}

// SetPositionEntryPrice overwrites the entry price (account-stream correction).
func (s *Store) SetPositionEntryPrice(symbol string, side binance.PositionSide, entryPrice float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.positions[PositionKey{Symbol: symbol, Side: side}]
	if !ok {
		return ErrPositionNotFound
	}
	p.EntryPrice = entryPrice
	p.UpdatedAt = time.Now()
	return nil
}

// SetSymbolLeverage overwrites the leverage on every open position of the
// symbol (leverage config-update events are not side-specific).
func (s *Store) SetSymbolLeverage(symbol string, leverage int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, p := range s.positions {
		if key.Symbol == symbol {
			p.Leverage = leverage
			p.UpdatedAt = time.Now()
		}
	}
}

// ==================== RUNTIME INFO ====================

// GetRuntime returns a copy of the runtime info for the key.
func (s *Store) GetRuntime(symbol string, side binance.PositionSide) (RuntimeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.runtime[PositionKey{Symbol: symbol, Side: side}]
	if !ok {
		return RuntimeInfo{}, false
	}
	return *r, true
}

// UpdateRuntime mutates the runtime info under the store lock so
// multi-field transitions are atomic. Returns false when the position is
// no longer open.
func (s *Store) UpdateRuntime(symbol string, side binance.PositionSide, fn func(*RuntimeInfo)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.runtime[PositionKey{Symbol: symbol, Side: side}]
	if !ok {
		return false
	}
	fn(r)
	return true
}

// ==================== TICKER STREAMS ====================

// RegisterStream records the ticker stream handle for a symbol. Returns
// false when a stream is already registered, so a symbol is never
// subscribed twice.
func (s *Store) RegisterStream(symbol string, h StreamHandle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.streams[symbol]; exists {
		return false
	}
	s.streams[symbol] = h
	return true
}

// UnregisterStream removes and returns the stream handle for a symbol.
func (s *Store) UnregisterStream(symbol string) (StreamHandle, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.streams[symbol]
	if !ok {
		return nil, false
	}
	delete(s.streams, symbol)
	return h, true
}

// HasStream reports whether a ticker stream is registered for the symbol.
func (s *Store) HasStream(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.streams[symbol]
	return ok
}

// StreamCount returns the number of registered ticker streams.
func (s *Store) StreamCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.streams)
}

// ==================== SNAPSHOTS ====================

// ReplaceAccount swaps in a fresh account snapshot.
func (s *Store) ReplaceAccount(snapshot AccountSnapshot) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.account = snapshot
}

// Account returns the last known account snapshot.
func (s *Store) Account() AccountSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.account
}

// ReplaceFilters swaps in a freshly built symbol-filter map. The map must
// not be mutated by the caller afterwards.
func (s *Store) ReplaceFilters(filters map[string]binance.SymbolFilters) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.filters = filters
}

// Filters returns the trading constraints of one symbol.
func (s *Store) Filters(symbol string) (binance.SymbolFilters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.filters[symbol]
	return f, ok
}

// ReplaceExchangePositions swaps in the latest position-risk records.
func (s *Store) ReplaceExchangePositions(positions []binance.FuturesPosition) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.exchangePositions = positions
}

// ExchangePositions returns the last reconciled position-risk records.
func (s *Store) ExchangePositions() []binance.FuturesPosition {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]binance.FuturesPosition, len(s.exchangePositions))
	copy(out, s.exchangePositions)
	return out
}

// ExchangePosition finds a position-risk record by symbol and side.
func (s *Store) ExchangePosition(symbol string, side binance.PositionSide) (binance.FuturesPosition, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, p := range s.exchangePositions {
		if p.Symbol == symbol && p.PositionSide == side {
			return p, true
		}
	}
	return binance.FuturesPosition{}, false
}

// ==================== OPTIONS & TEARDOWN ====================

// Options returns the session's trade-logic configuration.
func (s *Store) Options() *config.TradeLogicConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.options
}

// ReplaceOptions swaps the configuration; callers must have drained
// in-flight jobs first.
func (s *Store) ReplaceOptions(options *config.TradeLogicConfig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.options = options
}

// Clear empties every collection and returns the stream handles that were
// still registered so the caller can stop them.
func (s *Store) Clear() []StreamHandle {
	s.mu.Lock()
	defer s.mu.Unlock()

	handles := make([]StreamHandle, 0, len(s.streams))
	for _, h := range s.streams {
		handles = append(handles, h)
	}
	s.positions = make(map[PositionKey]*Position)
	s.runtime = make(map[PositionKey]*RuntimeInfo)
	s.streams = make(map[string]StreamHandle)
	s.filters = make(map[string]binance.SymbolFilters)
	s.exchangePositions = nil
	s.account = AccountSnapshot{}
	return handles
}
