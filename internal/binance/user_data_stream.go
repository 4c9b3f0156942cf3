package binance

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Futures stream endpoints
const (
	FuturesStreamURL        = "wss://fstream.binance.com"
	FuturesTestnetStreamURL = "wss://stream.binancefuture.com"
)

// AccountUpdateEvent is an ACCOUNT_UPDATE push event
type AccountUpdateEvent struct {
	EventType       string            `json:"e"`
	EventTime       int64             `json:"E"`
	TransactionTime int64             `json:"T"`
	AccountUpdate   AccountUpdateData `json:"a"`
}

type AccountUpdateData struct {
	EventReason string                `json:"m"` // DEPOSIT, WITHDRAW, ORDER, FUNDING_FEE, ...
	Balances    []StreamBalanceUpdate `json:"B"`
	Positions   []StreamPositionData  `json:"P"`
}

type StreamBalanceUpdate struct {
	Asset              string  `json:"a"`
	WalletBalance      float64 `json:"wb,string"`
	CrossWalletBalance float64 `json:"cw,string"`
	BalanceChange      float64 `json:"bc,string"`
}

type StreamPositionData struct {
	Symbol         string       `json:"s"`
	PositionAmount float64      `json:"pa,string"`
	EntryPrice     float64      `json:"ep,string"`
	RealizedPnL    float64      `json:"cr,string"`
	UnrealizedPnL  float64      `json:"up,string"`
	MarginType     string       `json:"mt"` // isolated, cross
	PositionSide   PositionSide `json:"ps"` // BOTH, LONG, SHORT
}

// OrderUpdateEvent is an ORDER_TRADE_UPDATE push event
type OrderUpdateEvent struct {
	EventType       string          `json:"e"`
	EventTime       int64           `json:"E"`
	TransactionTime int64           `json:"T"`
	Order           OrderUpdateData `json:"o"`
}

type OrderUpdateData struct {
	Symbol              string             `json:"s"`
	ClientOrderID       string             `json:"c"`
	Side                OrderSide          `json:"S"`
	OrderType           FuturesOrderType   `json:"o"`
	TimeInForce         TimeInForce        `json:"f"`
	OriginalQuantity    float64            `json:"q,string"`
	OriginalPrice       float64            `json:"p,string"`
	AveragePrice        float64            `json:"ap,string"`
	StopPrice           float64            `json:"sp,string"`
	ExecutionType       string             `json:"x"` // NEW, TRADE, CANCELED, EXPIRED
	OrderStatus         FuturesOrderStatus `json:"X"`
	OrderID             int64              `json:"i"`
	LastFilledQty       float64            `json:"l,string"`
	CumulativeFilledQty float64            `json:"z,string"`
	LastFilledPrice     float64            `json:"L,string"`
	PositionSide        PositionSide       `json:"ps"`
	ReduceOnly          bool               `json:"R"`
	RealizedProfit      float64            `json:"rp,string"`
}

// ConfigUpdateEvent is an ACCOUNT_CONFIG_UPDATE push event (leverage / margin changes)
type ConfigUpdateEvent struct {
	EventType string           `json:"e"`
	EventTime int64            `json:"E"`
	Config    ConfigUpdateData `json:"ac"`
}

type ConfigUpdateData struct {
	Symbol   string `json:"s"`
	Leverage int    `json:"l"`
}

// UserDataStream consumes the futures user data WebSocket stream and
// dispatches account, order and config events to registered callbacks.
type UserDataStream struct {
	mu sync.RWMutex

	client    FuturesClient
	listenKey string
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}

	onAccountUpdate    func(*AccountUpdateEvent)
	onOrderUpdate      func(*OrderUpdateEvent)
	onConfigUpdate     func(*ConfigUpdateEvent)
	onListenKeyExpired func()

	baseURL    string
	reconnects int
}

// NewUserDataStream creates a user data stream consumer.
func NewUserDataStream(client FuturesClient, testnet bool) *UserDataStream {
	baseURL := FuturesStreamURL
	if testnet {
		baseURL = FuturesTestnetStreamURL
	}
	return &UserDataStream{
		client:   client,
		baseURL:  baseURL,
		stopChan: make(chan struct{}),
	}
}

// OnAccountUpdate registers the account-update callback.
func (s *UserDataStream) OnAccountUpdate(cb func(*AccountUpdateEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onAccountUpdate = cb
}

// OnOrderUpdate registers the order-update callback.
func (s *UserDataStream) OnOrderUpdate(cb func(*OrderUpdateEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onOrderUpdate = cb
}

// OnConfigUpdate registers the leverage/margin config-update callback.
func (s *UserDataStream) OnConfigUpdate(cb func(*ConfigUpdateEvent)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onConfigUpdate = cb
}

// OnListenKeyExpired registers the listen-key-expired callback. The stream
// re-acquires a key and reconnects on its own; the callback is informational.
func (s *UserDataStream) OnListenKeyExpired(cb func()) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onListenKeyExpired = cb
}

// Start obtains a listen key and begins consuming the stream.
func (s *UserDataStream) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return nil
	}
	s.isRunning = true
	s.stopChan = make(chan struct{})
	s.mu.Unlock()

	listenKey, err := s.client.StartUserDataStream(ctx)
	if err != nil {
		s.mu.Lock()
		s.isRunning = false
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	s.listenKey = listenKey
	s.mu.Unlock()

	go s.connectLoop()

	log.Printf("[USER-DATA-STREAM] Started")
	return nil
}

// Stop closes the connection and releases the listen key.
func (s *UserDataStream) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	close(s.stopChan)
	conn := s.wsConn
	listenKey := s.listenKey
	s.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if listenKey != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.client.CloseUserDataStream(ctx, listenKey)
		cancel()
	}

	log.Printf("[USER-DATA-STREAM] Stopped")
}

// IsRunning reports whether the stream is active.
func (s *UserDataStream) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// KeepAlive renews the listen key. Intended to be called from a
// scheduled job roughly every 20 minutes.
func (s *UserDataStream) KeepAlive(ctx context.Context) error {
	s.mu.RLock()
	listenKey := s.listenKey
	running := s.isRunning
	s.mu.RUnlock()

	if !running || listenKey == "" {
		return nil
	}
	return s.client.KeepAliveUserDataStream(ctx, listenKey)
}

func (s *UserDataStream) connectLoop() {
	for {
		s.mu.RLock()
		running := s.isRunning
		listenKey := s.listenKey
		baseURL := s.baseURL
		s.mu.RUnlock()

		if !running {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(baseURL+"/ws/"+listenKey, nil)
		if err != nil {
			log.Printf("[USER-DATA-STREAM] Connection failed: %v, retrying in 5s", err)
			s.mu.Lock()
			s.reconnects++
			s.mu.Unlock()
			if !s.sleep(5 * time.Second) {
				return
			}
			continue
		}

		s.mu.Lock()
		s.wsConn = conn
		s.reconnects = 0
		s.mu.Unlock()

		log.Printf("[USER-DATA-STREAM] Connected")

		s.readLoop(conn)

		s.mu.RLock()
		running = s.isRunning
		s.mu.RUnlock()
		if !running {
			return
		}

		log.Printf("[USER-DATA-STREAM] Connection lost, reconnecting in 3s")
		if !s.sleep(3 * time.Second) {
			return
		}
	}
}

func (s *UserDataStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			s.mu.RLock()
			running := s.isRunning
			s.mu.RUnlock()
			if running {
				log.Printf("[USER-DATA-STREAM] Read error: %v", err)
			}
			return
		}
		s.dispatch(message)
	}
}

func (s *UserDataStream) dispatch(message []byte) {
	var header struct {
		EventType string `json:"e"`
	}
	if err := json.Unmarshal(message, &header); err != nil {
		log.Printf("[USER-DATA-STREAM] Unparseable message: %v", err)
		return
	}

	switch header.EventType {
	case "ACCOUNT_UPDATE":
		var event AccountUpdateEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("[USER-DATA-STREAM] Bad ACCOUNT_UPDATE: %v", err)
			return
		}
		s.mu.RLock()
		cb := s.onAccountUpdate
		s.mu.RUnlock()
		if cb != nil {
			cb(&event)
		}
	case "ORDER_TRADE_UPDATE":
		var event OrderUpdateEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("[USER-DATA-STREAM] Bad ORDER_TRADE_UPDATE: %v", err)
			return
		}
		s.mu.RLock()
		cb := s.onOrderUpdate
		s.mu.RUnlock()
		if cb != nil {
			cb(&event)
		}
	case "ACCOUNT_CONFIG_UPDATE":
		var event ConfigUpdateEvent
		if err := json.Unmarshal(message, &event); err != nil {
			log.Printf("[USER-DATA-STREAM] Bad ACCOUNT_CONFIG_UPDATE: %v", err)
			return
		}
		s.mu.RLock()
		cb := s.onConfigUpdate
		s.mu.RUnlock()
		if cb != nil {
			cb(&event)
		}
	case "listenKeyExpired":
		log.Printf("[USER-DATA-STREAM] Listen key expired, renewing")
		s.renewListenKey()
	}
}

// renewListenKey fetches a fresh key so the next reconnect uses it.
func (s *UserDataStream) renewListenKey() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listenKey, err := s.client.StartUserDataStream(ctx)
	if err != nil {
		log.Printf("[USER-DATA-STREAM] Listen key renewal failed: %v", err)
		return
	}

	s.mu.Lock()
	s.listenKey = listenKey
	conn := s.wsConn
	cb := s.onListenKeyExpired
	s.mu.Unlock()

	// Force a reconnect with the new key.
	if conn != nil {
		conn.Close()
	}
	if cb != nil {
		cb()
	}
}

// sleep waits d or until Stop, returning false when stopped.
func (s *UserDataStream) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-s.stopChan:
		return false
	case <-timer.C:
		return true
	}
}
