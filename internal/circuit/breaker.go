// Package circuit halts new position entries after sustained losses.
package circuit

import (
	"fmt"
	"math"
	"sync"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/events"
)

// BreakerState represents the circuit breaker state
type BreakerState string

const (
	StateClosed   BreakerState = "closed"    // Normal operation
	StateOpen     BreakerState = "open"      // Entries halted
	StateHalfOpen BreakerState = "half_open" // Testing recovery
)

// DefaultConfig returns safe defaults.
func DefaultConfig() config.CircuitBreakerConfig {
	return config.CircuitBreakerConfig{
		Enabled:              true,
		MaxConsecutiveLosses: 5,
		MaxTradesPerMinute:   10,
		MaxDailyLoss:         5.0,
		CooldownMinutes:      30,
	}
}

// CircuitBreaker tracks realized trade results and blocks new entries when
// the session is losing too fast. Only the open path consults it; exits
// and stops always go through.
type CircuitBreaker struct {
	config            config.CircuitBreakerConfig
	state             BreakerState
	consecutiveLosses int
	dailyLoss         float64
	tradesLastMinute  int
	lastTripTime      time.Time
	minuteResetTime   time.Time
	dailyResetTime    time.Time
	tripReason        string
	mu                sync.RWMutex
	bus               *events.EventBus
}

// NewCircuitBreaker creates a breaker. The bus may be nil to skip event
// publication.
func NewCircuitBreaker(cfg config.CircuitBreakerConfig, bus *events.EventBus) *CircuitBreaker {
	now := time.Now()
	return &CircuitBreaker{
		config:          cfg,
		state:           StateClosed,
		minuteResetTime: now.Add(time.Minute),
		dailyResetTime:  now.Truncate(24 * time.Hour).Add(24 * time.Hour),
		bus:             bus,
	}
}

// CanTrade checks whether a new entry is allowed. The returned reason is
// empty when trading is permitted.
func (cb *CircuitBreaker) CanTrade() (bool, string) {
	if !cb.config.Enabled {
		return true, ""
	}

	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.resetCountersIfNeeded()

	if cb.state == StateOpen {
		elapsed := time.Since(cb.lastTripTime)
		cooldown := time.Duration(cb.config.CooldownMinutes) * time.Minute
		if elapsed < cooldown {
			remaining := cooldown - elapsed
			return false, fmt.Sprintf("circuit breaker open, cooldown remaining: %v (reason: %s)",
				remaining.Round(time.Second), cb.tripReason)
		}
		cb.state = StateHalfOpen
	}

	if cb.dailyLoss >= cb.config.MaxDailyLoss {
		return false, fmt.Sprintf("daily loss limit reached: %.2f%% >= %.2f%%",
			cb.dailyLoss, cb.config.MaxDailyLoss)
	}
	if cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses {
		return false, fmt.Sprintf("max consecutive losses reached: %d", cb.consecutiveLosses)
	}
	if cb.tradesLastMinute >= cb.config.MaxTradesPerMinute {
		return false, fmt.Sprintf("rate limit reached: %d trades/minute", cb.tradesLastMinute)
	}

	return true, ""
}

// RecordTrade folds one realized trade result (PnL as percent of wallet)
// into the breaker's counters.
func (cb *CircuitBreaker) RecordTrade(pnlPercent float64) {
	if !cb.config.Enabled {
		return
	}
	if math.IsNaN(pnlPercent) || math.IsInf(pnlPercent, 0) {
		return
	}

	cb.mu.Lock()
	cb.resetCountersIfNeeded()
	cb.tradesLastMinute++

	if pnlPercent < 0 {
		cb.consecutiveLosses++
		cb.dailyLoss += -pnlPercent
	} else {
		cb.consecutiveLosses = 0
		if cb.state == StateHalfOpen {
			cb.state = StateClosed
			cb.publishLocked("recovered", "winning trade after cooldown")
		}
	}

	cb.checkAndTripLocked()
	cb.mu.Unlock()
}

func (cb *CircuitBreaker) checkAndTripLocked() {
	if cb.state == StateOpen {
		return
	}

	var reason string
	switch {
	case cb.consecutiveLosses >= cb.config.MaxConsecutiveLosses:
		reason = fmt.Sprintf("consecutive losses: %d", cb.consecutiveLosses)
	case cb.dailyLoss >= cb.config.MaxDailyLoss:
		reason = fmt.Sprintf("daily loss: %.2f%%", cb.dailyLoss)
	}
	if reason == "" {
		return
	}

	cb.state = StateOpen
	cb.lastTripTime = time.Now()
	cb.tripReason = reason
	cb.publishLocked("tripped", reason)
}

func (cb *CircuitBreaker) publishLocked(action, reason string) {
	if cb.bus == nil {
		return
	}
	cb.bus.Publish(events.Event{
		Type: events.EventError,
		Data: map[string]interface{}{
			"source":  "circuit_breaker",
			"action":  action,
			"state":   string(cb.state),
			"message": reason,
		},
	})
}

func (cb *CircuitBreaker) resetCountersIfNeeded() {
	now := time.Now()
	if now.After(cb.minuteResetTime) {
		cb.tradesLastMinute = 0
		cb.minuteResetTime = now.Add(time.Minute)
	}
	if now.After(cb.dailyResetTime) {
		cb.dailyLoss = 0
		cb.dailyResetTime = now.Truncate(24 * time.Hour).Add(24 * time.Hour)
	}
}

// ForceReset manually closes the breaker.
func (cb *CircuitBreaker) ForceReset() {
	cb.mu.Lock()
	cb.state = StateClosed
	cb.consecutiveLosses = 0
	cb.tripReason = ""
	cb.publishLocked("reset", "manual reset")
	cb.mu.Unlock()
}

// GetState returns the current breaker state.
func (cb *CircuitBreaker) GetState() BreakerState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// GetStats returns current statistics for the status API.
func (cb *CircuitBreaker) GetStats() map[string]interface{} {
	cb.mu.RLock()
	defer cb.mu.RUnlock()

	return map[string]interface{}{
		"state":              string(cb.state),
		"consecutive_losses": cb.consecutiveLosses,
		"daily_loss":         cb.dailyLoss,
		"trades_last_minute": cb.tradesLastMinute,
		"trip_reason":        cb.tripReason,
		"last_trip_time":     cb.lastTripTime,
	}
}

// IsEnabled reports whether the breaker is active.
func (cb *CircuitBreaker) IsEnabled() bool {
	return cb.config.Enabled
}
