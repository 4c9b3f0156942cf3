package binance

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Transport-level retry for network failures; business retries belong to the
// order orchestrator.
const (
	transportRetries = 2
	baseRetryDelay   = 500 * time.Millisecond
	maxRetryDelay    = 5 * time.Second
)

const (
	// FuturesBaseURL is the production Binance Futures API URL
	FuturesBaseURL = "https://fapi.binance.com"
	// FuturesTestnetURL is the testnet Binance Futures API URL
	FuturesTestnetURL = "https://testnet.binancefuture.com"
)

// FuturesClientImpl implements the FuturesClient interface
type FuturesClientImpl struct {
	apiKey      string
	secretKey   string
	baseURL     string
	httpClient  *http.Client
	rateLimiter *RateLimiter
}

// NewFuturesClient creates a new FuturesClient instance
func NewFuturesClient(apiKey, secretKey string, testnet bool) *FuturesClientImpl {
	baseURL := FuturesBaseURL
	if testnet {
		baseURL = FuturesTestnetURL
	}

	// Trim whitespace from keys, it breaks signature generation otherwise
	return &FuturesClientImpl{
		apiKey:      strings.TrimSpace(apiKey),
		secretKey:   strings.TrimSpace(secretKey),
		baseURL:     baseURL,
		httpClient:  &http.Client{Timeout: 15 * time.Second},
		rateLimiter: NewRateLimiter(),
	}
}

// ==================== ACCOUNT ====================

// GetAccountInfo retrieves futures account information
func (c *FuturesClientImpl) GetAccountInfo(ctx context.Context) (*FuturesAccountInfo, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/account", nil, PriorityHigh, 5)
	if err != nil {
		return nil, fmt.Errorf("fetching account info: %w", err)
	}

	var info FuturesAccountInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("parsing account info: %w", err)
	}
	return &info, nil
}

// GetPositions retrieves all position-risk records
func (c *FuturesClientImpl) GetPositions(ctx context.Context) ([]FuturesPosition, error) {
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v2/positionRisk", nil, PriorityHigh, 5)
	if err != nil {
		return nil, fmt.Errorf("fetching positions: %w", err)
	}

	var positions []FuturesPosition
	if err := json.Unmarshal(resp, &positions); err != nil {
		return nil, fmt.Errorf("parsing positions: %w", err)
	}
	return positions, nil
}

// ==================== MARKET DATA ====================

// GetExchangeInfo retrieves exchange trading rules and symbol filters
func (c *FuturesClientImpl) GetExchangeInfo(ctx context.Context) (*FuturesExchangeInfo, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/exchangeInfo", nil, PriorityLow, 1)
	if err != nil {
		return nil, fmt.Errorf("fetching exchange info: %w", err)
	}

	var info FuturesExchangeInfo
	if err := json.Unmarshal(resp, &info); err != nil {
		return nil, fmt.Errorf("parsing exchange info: %w", err)
	}
	return &info, nil
}

// GetMarkPrice retrieves the current mark price for a symbol
func (c *FuturesClientImpl) GetMarkPrice(ctx context.Context, symbol string) (*MarkPrice, error) {
	resp, err := c.publicGet(ctx, "/fapi/v1/premiumIndex", map[string]string{"symbol": symbol}, PriorityNormal, 1)
	if err != nil {
		return nil, fmt.Errorf("fetching mark price for %s: %w", symbol, err)
	}

	var mp MarkPrice
	if err := json.Unmarshal(resp, &mp); err != nil {
		return nil, fmt.Errorf("parsing mark price: %w", err)
	}
	return &mp, nil
}

// ==================== LEVERAGE & MARGIN ====================

// SetLeverage sets the leverage for a symbol
func (c *FuturesClientImpl) SetLeverage(ctx context.Context, symbol string, leverage int) (*LeverageResponse, error) {
	params := map[string]string{
		"symbol":   symbol,
		"leverage": strconv.Itoa(leverage),
	}
	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/leverage", params, PriorityHigh, 1)
	if err != nil {
		return nil, err
	}

	var lr LeverageResponse
	if err := json.Unmarshal(resp, &lr); err != nil {
		return nil, fmt.Errorf("parsing leverage response: %w", err)
	}
	return &lr, nil
}

// SetMarginType sets the margin type for a symbol
func (c *FuturesClientImpl) SetMarginType(ctx context.Context, symbol string, marginType MarginType) error {
	params := map[string]string{
		"symbol":     symbol,
		"marginType": string(marginType),
	}
	_, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/marginType", params, PriorityHigh, 1)
	// "No need to change margin type" is success in practice
	if IsCode(err, -4046) {
		return nil
	}
	return err
}

// GetLeverageBrackets retrieves leverage brackets for a symbol
func (c *FuturesClientImpl) GetLeverageBrackets(ctx context.Context, symbol string) ([]SymbolLeverageBrackets, error) {
	params := map[string]string{"symbol": symbol}
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/leverageBracket", params, PriorityHigh, 1)
	if err != nil {
		return nil, fmt.Errorf("fetching leverage brackets for %s: %w", symbol, err)
	}

	var brackets []SymbolLeverageBrackets
	if err := json.Unmarshal(resp, &brackets); err != nil {
		return nil, fmt.Errorf("parsing leverage brackets: %w", err)
	}
	return brackets, nil
}

// ==================== TRADING ====================

// PlaceOrder places a new futures order
func (c *FuturesClientImpl) PlaceOrder(ctx context.Context, p FuturesOrderParams) (*FuturesOrderResponse, error) {
	params := map[string]string{
		"symbol":       p.Symbol,
		"side":         string(p.Side),
		"positionSide": string(p.PositionSide),
		"type":         string(p.Type),
	}
	if p.Quantity > 0 {
		params["quantity"] = strconv.FormatFloat(p.Quantity, 'f', -1, 64)
	}
	if p.StopPrice > 0 {
		params["stopPrice"] = strconv.FormatFloat(p.StopPrice, 'f', -1, 64)
	}
	if p.ReduceOnly {
		params["reduceOnly"] = "true"
	}
	if p.ClosePosition {
		params["closePosition"] = "true"
	}
	if p.TimeInForce != "" {
		params["timeInForce"] = string(p.TimeInForce)
	}
	if p.WorkingType != "" {
		params["workingType"] = string(p.WorkingType)
	}
	if p.NewClientOrderID != "" {
		params["newClientOrderId"] = p.NewClientOrderID
	}

	resp, err := c.signedRequest(ctx, http.MethodPost, "/fapi/v1/order", params, PriorityCritical, 1)
	if err != nil {
		return nil, err
	}

	var or FuturesOrderResponse
	if err := json.Unmarshal(resp, &or); err != nil {
		return nil, fmt.Errorf("parsing order response: %w", err)
	}
	return &or, nil
}

// CancelOrder cancels an existing order
func (c *FuturesClientImpl) CancelOrder(ctx context.Context, symbol string, orderID int64) error {
	params := map[string]string{
		"symbol":  symbol,
		"orderId": strconv.FormatInt(orderID, 10),
	}
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/order", params, PriorityCritical, 1)
	return err
}

// CancelAllOrders cancels all open orders for a symbol
func (c *FuturesClientImpl) CancelAllOrders(ctx context.Context, symbol string) error {
	params := map[string]string{"symbol": symbol}
	_, err := c.signedRequest(ctx, http.MethodDelete, "/fapi/v1/allOpenOrders", params, PriorityCritical, 1)
	return err
}

// GetOpenOrders retrieves open orders, all symbols when symbol is empty
func (c *FuturesClientImpl) GetOpenOrders(ctx context.Context, symbol string) ([]FuturesOrder, error) {
	params := map[string]string{}
	weight := 40
	if symbol != "" {
		params["symbol"] = symbol
		weight = 1
	}
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/openOrders", params, PriorityHigh, weight)
	if err != nil {
		return nil, fmt.Errorf("fetching open orders: %w", err)
	}

	var orders []FuturesOrder
	if err := json.Unmarshal(resp, &orders); err != nil {
		return nil, fmt.Errorf("parsing open orders: %w", err)
	}
	return orders, nil
}

// GetOrderByClientID looks up an order by client order ID
func (c *FuturesClientImpl) GetOrderByClientID(ctx context.Context, symbol, clientOrderID string) (*FuturesOrder, error) {
	params := map[string]string{
		"symbol":            symbol,
		"origClientOrderId": clientOrderID,
	}
	resp, err := c.signedRequest(ctx, http.MethodGet, "/fapi/v1/order", params, PriorityCritical, 1)
	if err != nil {
		return nil, err
	}

	var order FuturesOrder
	if err := json.Unmarshal(resp, &order); err != nil {
		return nil, fmt.Errorf("parsing order: %w", err)
	}
	return &order, nil
}

// ==================== USER DATA STREAM ====================

// StartUserDataStream obtains a listen key for the user data stream
func (c *FuturesClientImpl) StartUserDataStream(ctx context.Context) (string, error) {
	resp, err := c.keyedRequest(ctx, http.MethodPost, "/fapi/v1/listenKey", nil)
	if err != nil {
		return "", fmt.Errorf("starting user data stream: %w", err)
	}

	var lk ListenKeyResponse
	if err := json.Unmarshal(resp, &lk); err != nil {
		return "", fmt.Errorf("parsing listen key: %w", err)
	}
	return lk.ListenKey, nil
}

// KeepAliveUserDataStream renews the listen key
func (c *FuturesClientImpl) KeepAliveUserDataStream(ctx context.Context, listenKey string) error {
	_, err := c.keyedRequest(ctx, http.MethodPut, "/fapi/v1/listenKey", map[string]string{"listenKey": listenKey})
	return err
}

// CloseUserDataStream closes the listen key
func (c *FuturesClientImpl) CloseUserDataStream(ctx context.Context, listenKey string) error {
	_, err := c.keyedRequest(ctx, http.MethodDelete, "/fapi/v1/listenKey", map[string]string{"listenKey": listenKey})
	return err
}

// ==================== REQUEST PLUMBING ====================

func (c *FuturesClientImpl) buildQuery(params map[string]string) string {
	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}
	return values.Encode()
}

// sign creates an HMAC-SHA256 signature for the given query string
func (c *FuturesClientImpl) sign(query string) string {
	mac := hmac.New(sha256.New, []byte(c.secretKey))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

// publicGet performs an unauthenticated GET with rate limiting and transport retry
func (c *FuturesClientImpl) publicGet(ctx context.Context, endpoint string, params map[string]string, priority RequestPriority, weight int) ([]byte, error) {
	return c.do(ctx, priority, weight, func() (*http.Request, error) {
		reqURL := c.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + c.buildQuery(params)
		}
		return http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	})
}

// signedRequest performs an authenticated request, re-signing the timestamp
// on every transport attempt.
func (c *FuturesClientImpl) signedRequest(ctx context.Context, method, endpoint string, params map[string]string, priority RequestPriority, weight int) ([]byte, error) {
	return c.do(ctx, priority, weight, func() (*http.Request, error) {
		all := make(map[string]string, len(params)+2)
		for k, v := range params {
			all[k] = v
		}
		all["timestamp"] = strconv.FormatInt(time.Now().UnixMilli(), 10)
		all["recvWindow"] = "10000" // clock-skew tolerance

		query := c.buildQuery(all)
		query += "&signature=" + c.sign(query)

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+endpoint+"?"+query, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return req, nil
	})
}

// keyedRequest performs an API-key-only request (listen key endpoints are not signed)
func (c *FuturesClientImpl) keyedRequest(ctx context.Context, method, endpoint string, params map[string]string) ([]byte, error) {
	return c.do(ctx, PriorityHigh, 1, func() (*http.Request, error) {
		reqURL := c.baseURL + endpoint
		if len(params) > 0 {
			reqURL += "?" + c.buildQuery(params)
		}
		req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("X-MBX-APIKEY", c.apiKey)
		return req, nil
	})
}

func (c *FuturesClientImpl) do(ctx context.Context, priority RequestPriority, weight int, build func() (*http.Request, error)) ([]byte, error) {
	var lastErr error

	for attempt := 0; attempt <= transportRetries; attempt++ {
		if err := c.rateLimiter.Acquire(ctx, priority, weight); err != nil {
			return nil, err
		}

		req, err := build()
		if err != nil {
			return nil, err
		}

		resp, err := c.httpClient.Do(req)
		if err != nil {
			lastErr = err
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if attempt < transportRetries {
				delay := retryDelay(attempt)
				log.Printf("[BINANCE] %s %s failed (attempt %d/%d): %v, retrying in %v",
					req.Method, req.URL.Path, attempt+1, transportRetries+1, err, delay)
				sleepCtx(ctx, delay)
				continue
			}
			return nil, err
		}

		body, err := io.ReadAll(resp.Body)
		resp.Body.Close()
		if err != nil {
			return nil, err
		}

		if usedWeight := resp.Header.Get("X-MBX-USED-WEIGHT-1M"); usedWeight != "" {
			if w, err := strconv.Atoi(usedWeight); err == nil {
				c.rateLimiter.UpdateUsedWeight(w)
			}
		}

		if resp.StatusCode != http.StatusOK {
			apiErr := ParseAPIError(resp.StatusCode, body)
			lastErr = apiErr

			if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 418 || apiErr.Code == CodeTooManyRequests {
				until := retryAfter(resp)
				c.rateLimiter.RecordBan(until)
			}

			if IsRetryable(apiErr) && attempt < transportRetries {
				delay := retryDelay(attempt)
				log.Printf("[BINANCE] %s %s returned %d (attempt %d/%d): %s, retrying in %v",
					req.Method, req.URL.Path, resp.StatusCode, attempt+1, transportRetries+1, apiErr.Message, delay)
				sleepCtx(ctx, delay)
				continue
			}
			return nil, apiErr
		}

		return body, nil
	}

	return nil, lastErr
}

// retryDelay returns delay with exponential backoff and jitter
func retryDelay(attempt int) time.Duration {
	delay := baseRetryDelay * time.Duration(1<<uint(attempt))
	if delay > maxRetryDelay {
		delay = maxRetryDelay
	}
	jitter := time.Duration(rand.Int63n(int64(delay) / 2))
	return delay + jitter - (delay / 4)
}

func retryAfter(resp *http.Response) time.Time {
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, err := strconv.Atoi(ra); err == nil {
			return time.Now().Add(time.Duration(secs) * time.Second)
		}
	}
	return time.Now().Add(time.Minute)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}
