package signals

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"futures-trading-engine/config"
)

func TestSnapshotsDecodesBatch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"longs": [
				{"symbol": "BTCUSDT", "side": "LONG", "kline_action": "MIDDLE_PUSH_BULL", "trade_count": 500}
			],
			"shorts": [
				{"symbol": "ETHUSDT", "side": "SHORT", "trade_count": 300},
				{"symbol": "BNBUSDT", "side": "SHORT", "trade_count": 200}
			]
		}`))
	}))
	defer ts.Close()

	src, err := NewHTTPSource(config.SignalsConfig{Endpoint: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}

	longs, shorts, err := src.Snapshots(context.Background())
	if err != nil {
		t.Fatalf("Snapshots: %v", err)
	}
	if len(longs) != 1 || len(shorts) != 2 {
		t.Fatalf("got %d longs, %d shorts, want 1 and 2", len(longs), len(shorts))
	}
	if longs[0].Symbol != "BTCUSDT" || longs[0].TradeCount != 500 {
		t.Errorf("unexpected long snapshot: %+v", longs[0])
	}
	if shorts[0].Symbol != "ETHUSDT" {
		t.Errorf("unexpected short snapshot: %+v", shorts[0])
	}
}

func TestSnapshotsRejectsErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
	}))
	defer ts.Close()

	src, err := NewHTTPSource(config.SignalsConfig{Endpoint: ts.URL})
	if err != nil {
		t.Fatalf("NewHTTPSource: %v", err)
	}
	if _, _, err := src.Snapshots(context.Background()); err == nil {
		t.Error("expected an error for a 503 response")
	}
}

func TestNewHTTPSourceRequiresEndpoint(t *testing.T) {
	if _, err := NewHTTPSource(config.SignalsConfig{}); err == nil {
		t.Error("expected an error for an empty endpoint")
	}
}
