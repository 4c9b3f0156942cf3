package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/auth"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/engine"
	"futures-trading-engine/internal/filter"
	"futures-trading-engine/internal/store"

	"github.com/rs/zerolog"
)

type staticSignals struct{}

func (staticSignals) Snapshots(ctx context.Context) ([]filter.SymbolMarketInfo, []filter.SymbolMarketInfo, error) {
	return nil, nil, nil
}

func testEngine(t *testing.T) *engine.Engine {
	t.Helper()
	cfg := &config.Config{
		TradeLogicConfig: config.TradeLogicConfig{
			Leverage:           10,
			PercentOfDeposit:   10,
			QuoteAsset:         "USDT",
			RunIntervalSeconds: 60,
		},
	}
	eng, err := engine.New(engine.Deps{
		Config:  cfg,
		Client:  &binance.MockFuturesClient{},
		Signals: staticSignals{},
		Orders:  zerolog.Nop(),
	})
	if err != nil {
		t.Fatalf("engine.New: %v", err)
	}
	return eng
}

func testServer(t *testing.T, authCfg config.AuthConfig) (*Server, *engine.Engine) {
	t.Helper()
	eng := testEngine(t)
	authSvc, err := auth.NewService(authCfg)
	if err != nil {
		t.Fatalf("auth.NewService: %v", err)
	}
	return NewServer(config.ServerConfig{}, eng, nil, authSvc), eng
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealthIsPublic(t *testing.T) {
	srv, _ := testServer(t, config.AuthConfig{Enabled: false})

	rec := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp map[string]interface{}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "ok" {
		t.Errorf("status = %v, want ok", resp["status"])
	}
	if resp["running"] != false {
		t.Errorf("running = %v, want false", resp["running"])
	}
}

func TestStatusRequiresToken(t *testing.T) {
	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	srv, _ := testServer(t, config.AuthConfig{
		Enabled:              true,
		JWTSecret:            "secret",
		OperatorPasswordHash: hash,
	})

	if rec := doRequest(t, srv, http.MethodGet, "/api/status", "", nil); rec.Code != http.StatusUnauthorized {
		t.Errorf("without token: status = %d, want 401", rec.Code)
	}

	body, _ := json.Marshal(map[string]string{"password": "pw"})
	rec := doRequest(t, srv, http.MethodPost, "/api/auth/login", "", body)
	if rec.Code != http.StatusOK {
		t.Fatalf("login: status = %d, body %s", rec.Code, rec.Body.String())
	}
	var login map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &login); err != nil {
		t.Fatalf("decode: %v", err)
	}

	if rec := doRequest(t, srv, http.MethodGet, "/api/status", login["token"], nil); rec.Code != http.StatusOK {
		t.Errorf("with token: status = %d, want 200", rec.Code)
	}
}

func TestLoginRejectsBadPassword(t *testing.T) {
	hash, err := auth.HashPassword("pw")
	if err != nil {
		t.Fatalf("HashPassword: %v", err)
	}
	srv, _ := testServer(t, config.AuthConfig{
		Enabled:              true,
		JWTSecret:            "secret",
		OperatorPasswordHash: hash,
	})

	body, _ := json.Marshal(map[string]string{"password": "nope"})
	if rec := doRequest(t, srv, http.MethodPost, "/api/auth/login", "", body); rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestPositionsIncludeRuntimeState(t *testing.T) {
	srv, eng := testServer(t, config.AuthConfig{Enabled: false})

	if err := eng.Store().AddPosition(&store.Position{
		Symbol:     "BTCUSDT",
		Side:       binance.PositionSideLong,
		EntryPrice: 100,
		Quantity:   2,
		Leverage:   10,
		MarginType: binance.MarginTypeCrossed,
		OpenedAt:   time.Now().UTC(),
	}); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	eng.Store().UpdateRuntime("BTCUSDT", binance.PositionSideLong, func(r *store.RuntimeInfo) {
		r.TrailingActivated = true
		r.HighestRoe = 42.5
	})

	rec := doRequest(t, srv, http.MethodGet, "/api/positions", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	var resp struct {
		Count     int `json:"count"`
		Positions []struct {
			Symbol        string  `json:"symbol"`
			TrailingArmed bool    `json:"trailing_armed"`
			HighestRoe    float64 `json:"highest_roe"`
		} `json:"positions"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Count != 1 {
		t.Fatalf("count = %d, want 1", resp.Count)
	}
	p := resp.Positions[0]
	if p.Symbol != "BTCUSDT" || !p.TrailingArmed || p.HighestRoe != 42.5 {
		t.Errorf("unexpected position payload: %+v", p)
	}
}

func TestRecentTradesUnavailableWithoutDatabase(t *testing.T) {
	srv, _ := testServer(t, config.AuthConfig{Enabled: false})

	if rec := doRequest(t, srv, http.MethodGet, "/api/trades/recent", "", nil); rec.Code != http.StatusServiceUnavailable {
		t.Errorf("status = %d, want 503", rec.Code)
	}
}

func TestBreakerEndpoints(t *testing.T) {
	srv, _ := testServer(t, config.AuthConfig{Enabled: false})

	if rec := doRequest(t, srv, http.MethodGet, "/api/breaker", "", nil); rec.Code != http.StatusOK {
		t.Errorf("get breaker: status = %d, want 200", rec.Code)
	}
	rec := doRequest(t, srv, http.MethodPost, "/api/breaker/reset", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("reset: status = %d, want 200", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["state"] == "" {
		t.Error("expected a breaker state in the response")
	}
}
