package binance

import (
	"context"
	"sync"
	"time"
)

// RequestPriority defines priority levels for API requests.
// Higher priority requests get a larger share of the weight budget,
// so order placement keeps working while background refreshes throttle first.
type RequestPriority int

const (
	// PriorityCritical - order placement, cancellation, position closure
	PriorityCritical RequestPriority = iota

	// PriorityHigh - account info, position checks, leverage changes
	PriorityHigh

	// PriorityNormal - market data needed for active decisions
	PriorityNormal

	// PriorityLow - background refreshes
	PriorityLow
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "CRITICAL"
	case PriorityHigh:
		return "HIGH"
	case PriorityNormal:
		return "NORMAL"
	case PriorityLow:
		return "LOW"
	default:
		return "UNKNOWN"
	}
}

// budgetFraction is the share of the per-minute weight budget a priority
// class may consume before it is throttled.
func (p RequestPriority) budgetFraction() float64 {
	switch p {
	case PriorityCritical:
		return 0.95
	case PriorityHigh:
		return 0.80
	case PriorityNormal:
		return 0.60
	default:
		return 0.40
	}
}

// RateLimiter tracks the request-weight budget of the futures API
// (2400 weight per rolling minute) and gates requests by priority.
type RateLimiter struct {
	mu          sync.Mutex
	weightLimit int
	usedWeight  int
	windowStart time.Time
	bannedUntil time.Time
}

// NewRateLimiter creates a limiter for the standard futures weight budget.
func NewRateLimiter() *RateLimiter {
	return &RateLimiter{
		weightLimit: 2400,
		windowStart: time.Now(),
	}
}

// Acquire blocks until the request may proceed, the context is cancelled,
// or a ban window is in effect longer than the context allows.
func (rl *RateLimiter) Acquire(ctx context.Context, priority RequestPriority, weight int) error {
	for {
		wait := rl.tryAcquire(priority, weight)
		if wait == 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// tryAcquire reserves weight if the priority's budget allows it and
// returns 0, or returns the suggested wait time.
func (rl *RateLimiter) tryAcquire(priority RequestPriority, weight int) time.Duration {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := time.Now()
	if now.Before(rl.bannedUntil) {
		return rl.bannedUntil.Sub(now)
	}
	if now.Sub(rl.windowStart) >= time.Minute {
		rl.windowStart = now
		rl.usedWeight = 0
	}

	budget := int(float64(rl.weightLimit) * priority.budgetFraction())
	if rl.usedWeight+weight > budget {
		remaining := time.Minute - now.Sub(rl.windowStart)
		if remaining < 100*time.Millisecond {
			remaining = 100 * time.Millisecond
		}
		return remaining
	}

	rl.usedWeight += weight
	return 0
}

// UpdateUsedWeight syncs the window with the X-MBX-USED-WEIGHT-1M header.
func (rl *RateLimiter) UpdateUsedWeight(used int) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if used > rl.usedWeight {
		rl.usedWeight = used
	}
}

// RecordBan marks the API as banned until the given time (IP ban / -1003).
func (rl *RateLimiter) RecordBan(until time.Time) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	if until.After(rl.bannedUntil) {
		rl.bannedUntil = until
	}
}
