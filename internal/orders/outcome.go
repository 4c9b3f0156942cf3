// Package orders places and retries exchange orders for the trading engine.
package orders

import "futures-trading-engine/internal/binance"

// Status classifies how an order operation ended. Operations never panic
// and never propagate past this layer as anything but an Outcome.
type Status string

const (
	// StatusOK - the operation completed, all orders placed
	StatusOK Status = "OK"

	// StatusCancelled - the session's context was cancelled before completion
	StatusCancelled Status = "CANCELLED"

	// StatusClientError - the exchange rejected the request and retries are
	// exhausted, or a precondition (balance, quantity) failed locally
	StatusClientError Status = "CLIENT_ERROR"

	// StatusSystemError - a local defect: bad arguments, missing filters
	StatusSystemError Status = "SYSTEM_ERROR"
)

// Outcome is the result of one orchestrator operation.
type Outcome struct {
	Status Status
	Err    error

	// Orders placed before the operation ended, in placement order.
	// Partially-completed operations report what did go through.
	Orders []binance.FuturesOrderResponse
}

// OK reports whether the operation fully succeeded.
func (o Outcome) OK() bool {
	return o.Status == StatusOK
}

func ok(placed []binance.FuturesOrderResponse) Outcome {
	return Outcome{Status: StatusOK, Orders: placed}
}

func cancelled(err error, placed []binance.FuturesOrderResponse) Outcome {
	return Outcome{Status: StatusCancelled, Err: err, Orders: placed}
}

func clientError(err error, placed []binance.FuturesOrderResponse) Outcome {
	return Outcome{Status: StatusClientError, Err: err, Orders: placed}
}

func systemError(err error) Outcome {
	return Outcome{Status: StatusSystemError, Err: err}
}
