// Package engine glues the trading components into one running session:
// the scheduler drives signal cycles, streams feed price and account
// updates, and trigger decisions flow back out through the orchestrator.
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/cache"
	"futures-trading-engine/internal/circuit"
	"futures-trading-engine/internal/database"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/filter"
	"futures-trading-engine/internal/lifecycle"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/orders"
	"futures-trading-engine/internal/scheduler"
	"futures-trading-engine/internal/store"
	"futures-trading-engine/internal/trigger"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Background job cadences. The instance-run interval comes from config.
const (
	balanceRefreshInterval  = 15 * time.Second
	positionRefreshInterval = 3 * time.Minute
	filterRefreshInterval   = 5 * time.Minute
	keepAliveInterval       = 20 * time.Minute
)

// SignalSource produces one cycle's signal snapshots. The engine treats
// signal generation as an external collaborator.
type SignalSource interface {
	Snapshots(ctx context.Context) (longs, shorts []filter.SymbolMarketInfo, err error)
}

// Deps are the collaborators a session needs. Cache and DB may be nil;
// the engine degrades to running without sequence counters or audit rows.
type Deps struct {
	Config  *config.Config
	Client  binance.FuturesClient
	Signals SignalSource
	Cache   *cache.CacheService
	DB      *database.DB
	Bus     *events.EventBus
	Breaker *circuit.CircuitBreaker
	Orders  zerolog.Logger
}

// Engine is one trade-logic session.
type Engine struct {
	cfg       *config.Config
	client    binance.FuturesClient
	signals   SignalSource
	cache     *cache.CacheService
	db        *database.DB
	bus       *events.EventBus
	breaker   *circuit.CircuitBreaker
	store     *store.Store
	filter    *filter.Filter
	evaluator *trigger.Evaluator
	lifecycle *lifecycle.Manager
	orch      *orders.Orchestrator
	log       *logging.Logger
	sessionID string

	mu         sync.Mutex
	running    bool
	startedAt  time.Time
	sessionCtx context.Context
	cancel     context.CancelFunc
	sched      *scheduler.Scheduler
	userStream *binance.UserDataStream

	inflightMu sync.Mutex
	inflight   map[store.PositionKey]bool
}

// New assembles an engine session from its collaborators.
func New(deps Deps) (*Engine, error) {
	if deps.Config == nil || deps.Client == nil || deps.Signals == nil {
		return nil, fmt.Errorf("engine requires config, client and signal source")
	}
	if deps.Bus == nil {
		deps.Bus = events.NewEventBus()
	}
	if deps.Breaker == nil {
		deps.Breaker = circuit.NewCircuitBreaker(deps.Config.CircuitBreakerConfig, deps.Bus)
	}

	sessionID := uuid.NewString()[:8]
	st := store.New(&deps.Config.TradeLogicConfig)
	log := logging.WithComponent("engine").WithField("session", sessionID)

	ids, err := orders.NewClientOrderIDGenerator(deps.Cache, sessionID, deps.Orders)
	if err != nil {
		return nil, fmt.Errorf("client order id generator: %w", err)
	}

	e := &Engine{
		cfg:       deps.Config,
		client:    deps.Client,
		signals:   deps.Signals,
		cache:     deps.Cache,
		db:        deps.DB,
		bus:       deps.Bus,
		breaker:   deps.Breaker,
		store:     st,
		filter:    filter.New(nil, filter.NewAudit(deps.Config.LoggingConfig.SignalAuditDir, nil)),
		evaluator: trigger.NewEvaluator(st, nil),
		orch:      orders.NewOrchestrator(deps.Client, st, ids, deps.Orders),
		log:       log,
		sessionID: sessionID,
		inflight:  make(map[store.PositionKey]bool),
	}
	e.lifecycle = lifecycle.NewManager(st, deps.Client, e.openTickerStream, nil)
	return e, nil
}

// Store exposes the session ledger for read-only consumers (status API).
func (e *Engine) Store() *store.Store { return e.store }

// Bus exposes the event bus.
func (e *Engine) Bus() *events.EventBus { return e.bus }

// Breaker exposes the circuit breaker.
func (e *Engine) Breaker() *circuit.CircuitBreaker { return e.breaker }

// SessionID returns the session identifier used in client order IDs.
func (e *Engine) SessionID() string { return e.sessionID }

// IsRunning reports whether the session is active.
func (e *Engine) IsRunning() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Start brings the session up: initial account/filter snapshots, REST
// reconciliation, user data stream, then the background jobs.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return fmt.Errorf("engine already running")
	}

	sessionCtx, cancel := context.WithCancel(ctx)

	if err := e.refreshAccount(sessionCtx); err != nil {
		cancel()
		return fmt.Errorf("initial account refresh: %w", err)
	}
	if err := e.refreshFilters(sessionCtx); err != nil {
		cancel()
		return fmt.Errorf("initial filter refresh: %w", err)
	}
	if err := e.lifecycle.Reconcile(sessionCtx); err != nil {
		e.log.Warn("initial reconciliation failed", "error", err)
	}

	stream := binance.NewUserDataStream(e.client, e.cfg.BinanceConfig.TestNet)
	stream.OnAccountUpdate(e.onAccountUpdate(sessionCtx))
	stream.OnOrderUpdate(e.onOrderUpdate(sessionCtx))
	stream.OnConfigUpdate(e.onConfigUpdate)
	stream.OnListenKeyExpired(func() {
		e.log.Warn("listen key expired, stream reconnecting")
	})
	if err := stream.Start(sessionCtx); err != nil {
		cancel()
		return fmt.Errorf("user data stream: %w", err)
	}

	sched := scheduler.New(nil)
	jobs := []struct {
		key      string
		interval time.Duration
		runNow   bool
		fn       scheduler.JobFunc
	}{
		{"balance-refresh", balanceRefreshInterval, false, func(c context.Context) {
			if err := e.refreshAccount(c); err != nil {
				e.log.Warn("balance refresh failed", "error", err)
			}
		}},
		{"position-refresh", positionRefreshInterval, false, func(c context.Context) {
			if err := e.lifecycle.Reconcile(c); err != nil {
				e.log.Warn("position reconciliation failed", "error", err)
			}
		}},
		{"filter-refresh", filterRefreshInterval, false, func(c context.Context) {
			if err := e.refreshFilters(c); err != nil {
				e.log.Warn("filter refresh failed", "error", err)
			}
		}},
		{"stream-keepalive", keepAliveInterval, false, func(c context.Context) {
			if err := stream.KeepAlive(c); err != nil {
				e.log.Warn("listen key keepalive failed", "error", err)
			}
		}},
		{"instance-run", e.cfg.TradeLogicConfig.RunInterval(), true, e.runInstance},
	}
	for _, j := range jobs {
		if err := sched.Add(j.key, j.interval, j.runNow, j.fn); err != nil {
			sched.Stop()
			stream.Stop()
			cancel()
			return fmt.Errorf("register job %s: %w", j.key, err)
		}
	}

	e.sessionCtx = sessionCtx
	e.cancel = cancel
	e.sched = sched
	e.userStream = stream
	e.running = true
	e.startedAt = time.Now()

	e.bus.Publish(events.Event{
		Type:      events.EventEngineStarted,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"session_id": e.sessionID},
	})
	e.log.Info("engine session started",
		"leverage", e.cfg.TradeLogicConfig.Leverage,
		"max_positions", e.cfg.TradeLogicConfig.MaxPositions,
		"run_interval", e.cfg.TradeLogicConfig.RunInterval().String())
	return nil
}

// Stop tears the session down. Order matters: cancel jobs first, then the
// push streams, then clear the store so no job can write into a cleared
// ledger.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running {
		return
	}

	e.sched.Stop()
	e.userStream.Stop()
	e.cancel()

	handles := e.store.Clear()
	for _, h := range handles {
		h.Stop()
	}

	e.running = false
	e.sched = nil
	e.userStream = nil

	e.bus.Publish(events.Event{
		Type:      events.EventEngineStopped,
		Timestamp: time.Now(),
		Data:      map[string]interface{}{"session_id": e.sessionID},
	})
	e.log.Info("engine session stopped", "ticker_streams_closed", len(handles))
}

// Status is the snapshot the status API serves.
type Status struct {
	Running       bool      `json:"running"`
	SessionID     string    `json:"session_id"`
	StartedAt     time.Time `json:"started_at,omitempty"`
	OpenPositions int       `json:"open_positions"`
	TickerStreams int       `json:"ticker_streams"`
	WalletBalance float64   `json:"wallet_balance"`
	AvailableBalance float64 `json:"available_balance"`
	BreakerState  string    `json:"breaker_state"`
}

// Status reports the current session state.
func (e *Engine) Status() Status {
	e.mu.Lock()
	running := e.running
	startedAt := e.startedAt
	e.mu.Unlock()

	account := e.store.Account()
	s := Status{
		Running:          running,
		SessionID:        e.sessionID,
		OpenPositions:    e.store.PositionCount(),
		TickerStreams:    e.store.StreamCount(),
		WalletBalance:    account.WalletBalance,
		AvailableBalance: account.AvailableBalance,
		BreakerState:     string(e.breaker.GetState()),
	}
	if running {
		s.StartedAt = startedAt
	}
	return s
}

// openTickerStream is the lifecycle manager's stream factory: one
// mark-price stream per symbol, feeding the trigger evaluator.
func (e *Engine) openTickerStream(symbol string) (store.StreamHandle, error) {
	ts := binance.NewTickerStream(symbol, e.cfg.BinanceConfig.TestNet, e.handleTick)
	ts.Start()
	return ts, nil
}

// refreshAccount replaces the account snapshot wholesale.
func (e *Engine) refreshAccount(ctx context.Context) error {
	info, err := e.client.GetAccountInfo(ctx)
	if err != nil {
		return err
	}
	e.store.ReplaceAccount(store.AccountSnapshot{
		WalletBalance:    info.TotalWalletBalance,
		AvailableBalance: info.AvailableBalance,
		UpdatedAt:        time.Now(),
	})
	e.bus.Publish(events.Event{
		Type:      events.EventBalanceUpdate,
		Timestamp: time.Now(),
		Data: map[string]interface{}{
			"wallet_balance":    info.TotalWalletBalance,
			"available_balance": info.AvailableBalance,
		},
	})
	return nil
}

// refreshFilters replaces the exchange-filter snapshot wholesale.
func (e *Engine) refreshFilters(ctx context.Context) error {
	info, err := e.client.GetExchangeInfo(ctx)
	if err != nil {
		return err
	}
	filters := make(map[string]binance.SymbolFilters, len(info.Symbols))
	for _, s := range info.Symbols {
		filters[s.Symbol] = s.ParseFilters()
	}
	e.store.ReplaceFilters(filters)
	return nil
}

// tryAcquire claims the in-flight slot for a position so one trigger
// decision at a time runs per (symbol, side).
func (e *Engine) tryAcquire(key store.PositionKey) bool {
	e.inflightMu.Lock()
	defer e.inflightMu.Unlock()
	if e.inflight[key] {
		return false
	}
	e.inflight[key] = true
	return true
}

func (e *Engine) release(key store.PositionKey) {
	e.inflightMu.Lock()
	delete(e.inflight, key)
	e.inflightMu.Unlock()
}

// recoverPanic contains a panic from one stream callback or dispatch
// goroutine. The crashed invocation is lost; the session keeps running.
func (e *Engine) recoverPanic(source string) {
	if r := recover(); r != nil {
		e.log.Error("recovered panic", "source", source, "panic", fmt.Sprintf("%v", r))
		e.bus.PublishError(source, fmt.Sprintf("recovered panic: %v", r))
	}
}
