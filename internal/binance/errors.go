package binance

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Binance futures API error codes the trading engine reacts to specifically.
const (
	CodeDisconnected            = -1001
	CodeTooManyRequests         = -1003
	CodeServiceShuttingDown     = -1016
	CodeMarginInsufficient      = -2019
	CodeOrderWouldTrigger       = -2021 // Order would immediately trigger
	CodeMaxLeverageExceeded     = -2027 // Exceeded the maximum allowable position at current leverage
	CodeInvalidLeverage         = -4028
	CodeMinNotional             = -4164 // Order's notional must be no smaller than the minimum
	CodeReduceOnlyReject        = -2022
)

// APIError is a business error returned by the Binance REST API.
type APIError struct {
	Code       int    `json:"code"`
	Message    string `json:"msg"`
	StatusCode int    `json:"-"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance api error %d: %s", e.Code, e.Message)
}

// ParseAPIError extracts a typed error from a non-200 response body.
// Falls back to a generic APIError when the body is not the usual shape.
func ParseAPIError(statusCode int, body []byte) *APIError {
	apiErr := &APIError{StatusCode: statusCode}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Code == 0 {
		apiErr.Code = -statusCode
		apiErr.Message = string(body)
	}
	return apiErr
}

// AsAPIError unwraps err into an *APIError if possible.
func AsAPIError(err error) (*APIError, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr, true
	}
	return nil, false
}

// IsCode reports whether err is an API error with the given code.
func IsCode(err error, code int) bool {
	if apiErr, ok := AsAPIError(err); ok {
		return apiErr.Code == code
	}
	return false
}

// IsRetryable reports whether err is a transient failure worth retrying
// with the same parameters.
func IsRetryable(err error) bool {
	apiErr, ok := AsAPIError(err)
	if !ok {
		// Network-level failures are assumed transient.
		return true
	}
	switch apiErr.Code {
	case CodeDisconnected, CodeTooManyRequests, CodeServiceShuttingDown:
		return true
	}
	return apiErr.StatusCode == 429 || apiErr.StatusCode >= 500
}
