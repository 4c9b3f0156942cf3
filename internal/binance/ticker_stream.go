package binance

import (
	"encoding/json"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// MarkPriceUpdate is one markPriceUpdate stream event
type MarkPriceUpdate struct {
	EventType   string  `json:"e"`
	EventTime   int64   `json:"E"`
	Symbol      string  `json:"s"`
	MarkPrice   float64 `json:"p,string"`
	IndexPrice  float64 `json:"i,string"`
	FundingRate float64 `json:"r,string"`
}

// PriceHandler receives price ticks from a ticker stream.
type PriceHandler func(symbol string, price float64)

// TickerStream consumes one symbol's mark-price WebSocket stream.
// The same stream serves both position sides of the symbol; the caller
// is responsible for opening at most one stream per symbol.
type TickerStream struct {
	mu sync.RWMutex

	symbol    string
	baseURL   string
	handler   PriceHandler
	wsConn    *websocket.Conn
	isRunning bool
	stopChan  chan struct{}
}

// NewTickerStream creates a mark-price stream for one symbol.
func NewTickerStream(symbol string, testnet bool, handler PriceHandler) *TickerStream {
	baseURL := FuturesStreamURL
	if testnet {
		baseURL = FuturesTestnetStreamURL
	}
	return &TickerStream{
		symbol:   symbol,
		baseURL:  baseURL,
		handler:  handler,
		stopChan: make(chan struct{}),
	}
}

// Symbol returns the subscribed symbol.
func (t *TickerStream) Symbol() string {
	return t.symbol
}

// Start begins consuming price updates.
func (t *TickerStream) Start() {
	t.mu.Lock()
	if t.isRunning {
		t.mu.Unlock()
		return
	}
	t.isRunning = true
	t.stopChan = make(chan struct{})
	t.mu.Unlock()

	go t.connectLoop()
}

// Stop closes the stream.
func (t *TickerStream) Stop() {
	t.mu.Lock()
	if !t.isRunning {
		t.mu.Unlock()
		return
	}
	t.isRunning = false
	close(t.stopChan)
	conn := t.wsConn
	t.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	log.Printf("[TICKER-STREAM] %s stopped", t.symbol)
}

// IsRunning reports whether the stream is active.
func (t *TickerStream) IsRunning() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.isRunning
}

func (t *TickerStream) connectLoop() {
	streamURL := t.baseURL + "/ws/" + strings.ToLower(t.symbol) + "@markPrice@1s"

	for {
		t.mu.RLock()
		running := t.isRunning
		t.mu.RUnlock()
		if !running {
			return
		}

		conn, _, err := websocket.DefaultDialer.Dial(streamURL, nil)
		if err != nil {
			log.Printf("[TICKER-STREAM] %s connection failed: %v, retrying in 5s", t.symbol, err)
			if !t.sleep(5 * time.Second) {
				return
			}
			continue
		}

		t.mu.Lock()
		t.wsConn = conn
		t.mu.Unlock()

		t.readLoop(conn)

		t.mu.RLock()
		running = t.isRunning
		t.mu.RUnlock()
		if !running {
			return
		}

		log.Printf("[TICKER-STREAM] %s connection lost, reconnecting in 3s", t.symbol)
		if !t.sleep(3 * time.Second) {
			return
		}
	}
}

func (t *TickerStream) readLoop(conn *websocket.Conn) {
	defer conn.Close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			t.mu.RLock()
			running := t.isRunning
			t.mu.RUnlock()
			if running {
				log.Printf("[TICKER-STREAM] %s read error: %v", t.symbol, err)
			}
			return
		}

		var update MarkPriceUpdate
		if err := json.Unmarshal(message, &update); err != nil {
			continue
		}
		if update.EventType != "markPriceUpdate" || update.MarkPrice <= 0 {
			continue
		}
		t.handler(update.Symbol, update.MarkPrice)
	}
}

func (t *TickerStream) sleep(d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-t.stopChan:
		return false
	case <-timer.C:
		return true
	}
}
