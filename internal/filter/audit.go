package filter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"futures-trading-engine/internal/logging"
)

// Audit persists each cycle's pre- and post-filter signal sets to a
// timestamped file for offline review. Failures are logged and swallowed;
// the dump is diagnostic, not load-bearing.
type Audit struct {
	dir string
	log *logging.Logger
}

// NewAudit creates an audit writer rooted at dir. The directory is
// created on first write.
func NewAudit(dir string, log *logging.Logger) *Audit {
	if log == nil {
		log = logging.WithComponent("filter-audit")
	}
	return &Audit{dir: dir, log: log}
}

type auditRecord struct {
	Timestamp      string             `json:"timestamp"`
	RawLongs       []SymbolMarketInfo `json:"raw_longs"`
	RawShorts      []SymbolMarketInfo `json:"raw_shorts"`
	FilteredLongs  []SymbolMarketInfo `json:"filtered_longs"`
	FilteredShorts []SymbolMarketInfo `json:"filtered_shorts"`
}

// Write dumps one cycle's signal sets.
func (a *Audit) Write(rawLongs, rawShorts, filteredLongs, filteredShorts []SymbolMarketInfo) {
	if a.dir == "" {
		return
	}
	if err := os.MkdirAll(a.dir, 0755); err != nil {
		a.log.Warn("audit directory unavailable", "dir", a.dir, "error", err)
		return
	}

	now := time.Now().UTC()
	record := auditRecord{
		Timestamp:      now.Format(time.RFC3339),
		RawLongs:       rawLongs,
		RawShorts:      rawShorts,
		FilteredLongs:  filteredLongs,
		FilteredShorts: filteredShorts,
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		a.log.Warn("audit marshal failed", "error", err)
		return
	}

	name := filepath.Join(a.dir, "signals-"+now.Format("20060102-150405")+".json")
	if err := os.WriteFile(name, data, 0644); err != nil {
		a.log.Warn("audit write failed", "file", name, "error", err)
	}
}
