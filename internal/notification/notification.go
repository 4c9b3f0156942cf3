// Package notification delivers trading events to external channels.
package notification

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/events"
)

// NotificationType represents the type of notification
type NotificationType string

const (
	NotifyPositionOpen  NotificationType = "position_open"
	NotifyPositionClose NotificationType = "position_close"
	NotifyAveraging     NotificationType = "averaging"
	NotifyStop          NotificationType = "stop"
	NotifyError         NotificationType = "error"
	NotifyInfo          NotificationType = "info"
)

// Notification represents a notification message
type Notification struct {
	Type       NotificationType
	Title      string
	Message    string
	Symbol     string
	Price      float64
	PnL        float64
	PnLPercent float64
	Timestamp  time.Time
	Extra      map[string]interface{}
}

// Notifier interface for different notification providers
type Notifier interface {
	Send(notification *Notification) error
	Name() string
	IsEnabled() bool
}

// Manager manages multiple notification providers
type Manager struct {
	notifiers []Notifier
	enabled   bool
}

// NewManager creates a notification manager from configuration, wiring the
// providers the config enables.
func NewManager(cfg config.NotificationConfig) *Manager {
	m := &Manager{enabled: cfg.Enabled}
	if cfg.Telegram.Enabled {
		m.AddNotifier(NewTelegramNotifier(cfg.Telegram))
	}
	return m
}

// AddNotifier adds a notification provider
func (m *Manager) AddNotifier(n Notifier) {
	m.notifiers = append(m.notifiers, n)
}

// Send sends a notification to all enabled providers
func (m *Manager) Send(notification *Notification) error {
	if !m.enabled {
		return nil
	}

	var lastErr error
	for _, n := range m.notifiers {
		if n.IsEnabled() {
			if err := n.Send(notification); err != nil {
				lastErr = err
			}
		}
	}
	return lastErr
}

// SendPositionOpened sends a position opened notification
func (m *Manager) SendPositionOpened(symbol, side string, price, quantity float64, leverage int) error {
	return m.Send(&Notification{
		Type:      NotifyPositionOpen,
		Title:     fmt.Sprintf("Position opened: %s", symbol),
		Message:   fmt.Sprintf("%s %s @ %.4f\nQuantity: %.8f\nLeverage: %dx", side, symbol, price, quantity, leverage),
		Symbol:    symbol,
		Price:     price,
		Timestamp: time.Now(),
	})
}

// SendPositionClosed sends a position closed notification
func (m *Manager) SendPositionClosed(symbol, side, reason string, roe float64) error {
	return m.Send(&Notification{
		Type:       NotifyPositionClose,
		Title:      fmt.Sprintf("Position closed: %s", symbol),
		Message:    fmt.Sprintf("%s %s\nROE: %.2f%%\nReason: %s", side, symbol, roe, reason),
		Symbol:     symbol,
		PnLPercent: roe,
		Timestamp:  time.Now(),
	})
}

// SendAveraged sends an averaging notification
func (m *Manager) SendAveraged(symbol, side string, addedQuantity, newEntryPrice float64) error {
	return m.Send(&Notification{
		Type:      NotifyAveraging,
		Title:     fmt.Sprintf("Position averaged: %s", symbol),
		Message:   fmt.Sprintf("%s %s\nAdded: %.8f\nNew entry: %.4f", side, symbol, addedQuantity, newEntryPrice),
		Symbol:    symbol,
		Price:     newEntryPrice,
		Timestamp: time.Now(),
	})
}

// SendError sends an error notification
func (m *Manager) SendError(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyError,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// SendInfo sends an informational notification
func (m *Manager) SendInfo(title, message string) error {
	return m.Send(&Notification{
		Type:      NotifyInfo,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
	})
}

// SubscribeToBus forwards trading events from the bus to the configured
// providers. Failures are swallowed; notifications never disturb trading.
func (m *Manager) SubscribeToBus(bus *events.EventBus) {
	bus.Subscribe(events.EventPositionOpened, func(e events.Event) {
		_ = m.SendPositionOpened(
			str(e.Data, "symbol"), str(e.Data, "side"),
			num(e.Data, "entry_price"), num(e.Data, "quantity"), intval(e.Data, "leverage"))
	})
	bus.Subscribe(events.EventPositionClosed, func(e events.Event) {
		_ = m.SendPositionClosed(
			str(e.Data, "symbol"), str(e.Data, "side"), str(e.Data, "reason"), num(e.Data, "roe"))
	})
	bus.Subscribe(events.EventPositionAveraged, func(e events.Event) {
		_ = m.SendAveraged(
			str(e.Data, "symbol"), str(e.Data, "side"),
			num(e.Data, "added_quantity"), num(e.Data, "new_entry_price"))
	})
	bus.Subscribe(events.EventError, func(e events.Event) {
		_ = m.SendError("Engine error", fmt.Sprintf("%s: %s", str(e.Data, "source"), str(e.Data, "message")))
	})
}

func str(data map[string]interface{}, key string) string {
	if v, ok := data[key].(string); ok {
		return v
	}
	return ""
}

func num(data map[string]interface{}, key string) float64 {
	if v, ok := data[key].(float64); ok {
		return v
	}
	return 0
}

func intval(data map[string]interface{}, key string) int {
	if v, ok := data[key].(int); ok {
		return v
	}
	return 0
}

// =============================================================================
// TELEGRAM NOTIFIER
// =============================================================================

// TelegramNotifier sends notifications via Telegram
type TelegramNotifier struct {
	botToken string
	chatID   string
	enabled  bool
	client   *http.Client
}

// NewTelegramNotifier creates a new Telegram notifier
func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	return &TelegramNotifier{
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		enabled:  cfg.Enabled && cfg.BotToken != "" && cfg.ChatID != "",
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) Name() string {
	return "telegram"
}

func (t *TelegramNotifier) IsEnabled() bool {
	return t.enabled
}

func (t *TelegramNotifier) Send(notification *Notification) error {
	if !t.enabled {
		return nil
	}

	message := fmt.Sprintf("*%s*\n\n%s", notification.Title, notification.Message)

	payload := map[string]interface{}{
		"chat_id":    t.chatID,
		"text":       message,
		"parse_mode": "Markdown",
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("https://api.telegram.org/bot%s/sendMessage", t.botToken)
	resp, err := t.client.Post(url, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return fmt.Errorf("failed to send telegram message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}

	return nil
}
