// Package signals fetches per-cycle market snapshots from the external
// signal-generation service.
package signals

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/filter"
)

// HTTPSource pulls one snapshot batch per call from a JSON endpoint.
type HTTPSource struct {
	endpoint string
	client   *http.Client
}

// NewHTTPSource creates a source from configuration.
func NewHTTPSource(cfg config.SignalsConfig) (*HTTPSource, error) {
	if cfg.Endpoint == "" {
		return nil, fmt.Errorf("signals endpoint is not configured")
	}
	timeout := time.Duration(cfg.TimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPSource{
		endpoint: cfg.Endpoint,
		client:   &http.Client{Timeout: timeout},
	}, nil
}

type snapshotBatch struct {
	Longs  []filter.SymbolMarketInfo `json:"longs"`
	Shorts []filter.SymbolMarketInfo `json:"shorts"`
}

// Snapshots fetches this cycle's long/short candidate lists.
func (s *HTTPSource) Snapshots(ctx context.Context) ([]filter.SymbolMarketInfo, []filter.SymbolMarketInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.endpoint, nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build signals request: %w", err)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("fetch signals: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("signals endpoint returned status %d", resp.StatusCode)
	}

	var batch snapshotBatch
	if err := json.NewDecoder(resp.Body).Decode(&batch); err != nil {
		return nil, nil, fmt.Errorf("decode signals payload: %w", err)
	}
	return batch.Longs, batch.Shorts, nil
}
