package filter

import (
	"sort"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/store"
)

// Selection is one (symbol, side) the engine should open this cycle.
type Selection struct {
	Symbol string
	Side   binance.PositionSide
}

// Input carries everything one filter pass needs.
type Input struct {
	Longs             []SymbolMarketInfo
	Shorts            []SymbolMarketInfo
	Options           *config.TradeLogicConfig
	OpenPositions     []store.Position
	ExchangePositions []binance.FuturesPosition
}

// Filter ranks signal snapshots and allocates the open-position budget.
type Filter struct {
	log   *logging.Logger
	audit *Audit
}

// New creates a filter. The audit writer may be nil to skip signal dumps.
func New(log *logging.Logger, audit *Audit) *Filter {
	if log == nil {
		log = logging.WithComponent("filter")
	}
	return &Filter{log: log, audit: audit}
}

// Select runs one filter pass: per-side filtering and ranking, budget
// allocation by market mood, and open-position/leverage exclusion. The
// returned selections are long entries followed by short entries.
func (f *Filter) Select(in Input) []Selection {
	mood := DeriveMood(len(in.Longs), len(in.Shorts))

	longs := f.filterSide(in.Longs, binance.PositionSideLong, in.Options)
	shorts := f.filterSide(in.Shorts, binance.PositionSideShort, in.Options)
	rank(longs)
	rank(shorts)

	if f.audit != nil {
		f.audit.Write(in.Longs, in.Shorts, longs, shorts)
	}

	budget := in.Options.MaxPositionsPerIteration
	if remaining := in.Options.MaxPositions - len(in.OpenPositions); remaining < budget {
		budget = remaining
	}
	if budget <= 0 {
		f.log.Debug("no position budget this cycle",
			"open", len(in.OpenPositions), "max", in.Options.MaxPositions)
		return nil
	}

	longBudget, shortBudget := splitBudget(budget, mood, len(in.Longs), len(in.Shorts))
	f.log.Info("filter pass complete",
		"mood", string(mood),
		"long_candidates", len(longs), "short_candidates", len(shorts),
		"long_budget", longBudget, "short_budget", shortBudget)

	out := f.take(longs, binance.PositionSideLong, longBudget, in)
	out = append(out, f.take(shorts, binance.PositionSideShort, shortBudget, in)...)
	return out
}

// filterSide applies the entry thresholds to one side's candidates.
func (f *Filter) filterSide(candidates []SymbolMarketInfo, side binance.PositionSide, opts *config.TradeLogicConfig) []SymbolMarketInfo {
	actions := ActionsForSide(SignalStrength(opts.KlineActionSignal), side)
	powers := PowersForSide(PowerMode(opts.KlinePowerSignal), side)

	survivors := make([]SymbolMarketInfo, 0, len(candidates))
	for _, c := range candidates {
		if !actions[c.KlineAction] {
			continue
		}
		if !powers[c.KlinePower] {
			continue
		}
		if c.TradeCount < opts.MinTrades {
			continue
		}
		if c.AvgTradeQuoteVolume < opts.MinQuoteVolume {
			continue
		}
		if !DepthFavors(c, side) {
			continue
		}
		survivors = append(survivors, c)
	}
	return survivors
}

// DepthFavors checks the directional depth imbalance: shorts want sellers
// stacked above, longs want buyers stacked below.
func DepthFavors(c SymbolMarketInfo, side binance.PositionSide) bool {
	if side == binance.PositionSideShort {
		return c.AsksDepth > c.BidsDepth
	}
	return c.BidsDepth > c.AsksDepth
}

// rank sorts by descending asks/bids coefficient, then descending
// POC-trades coefficient. Ties keep insertion order.
func rank(list []SymbolMarketInfo) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].AsksBidsCoefficient != list[j].AsksBidsCoefficient {
			return list[i].AsksBidsCoefficient > list[j].AsksBidsCoefficient
		}
		return list[i].PocTradesCoefficient > list[j].PocTradesCoefficient
	})
}

// splitBudget divides the cycle's budget between the sides. A directional
// mood takes everything; balanced splits evenly with the odd slot going to
// the side with more raw candidates.
func splitBudget(budget int, mood MarketMood, rawLongs, rawShorts int) (longBudget, shortBudget int) {
	switch mood {
	case MoodLong:
		return budget, 0
	case MoodShort:
		return 0, budget
	}
	longBudget = budget / 2
	shortBudget = budget / 2
	if budget%2 == 1 {
		if rawShorts > rawLongs {
			shortBudget++
		} else {
			longBudget++
		}
	}
	return longBudget, shortBudget
}

// take walks a ranked list collecting up to limit selections, skipping
// symbols that already hold a position on the side and symbols whose
// exchange leverage or margin type does not match the configuration.
func (f *Filter) take(ranked []SymbolMarketInfo, side binance.PositionSide, limit int, in Input) []Selection {
	if limit <= 0 {
		return nil
	}
	open := make(map[store.PositionKey]bool, len(in.OpenPositions))
	for _, p := range in.OpenPositions {
		open[p.Key()] = true
	}

	out := make([]Selection, 0, limit)
	for _, c := range ranked {
		if len(out) == limit {
			break
		}
		if open[store.PositionKey{Symbol: c.Symbol, Side: side}] {
			continue
		}
		if !f.exchangeConfigMatches(c.Symbol, side, in) {
			continue
		}
		out = append(out, Selection{Symbol: c.Symbol, Side: side})
	}
	return out
}

// exchangeConfigMatches verifies the symbol's exchange-side leverage and
// margin type agree with the strategy configuration. Mismatches are logged
// and skipped; a separate leverage-change step makes the symbol eligible
// again later.
func (f *Filter) exchangeConfigMatches(symbol string, side binance.PositionSide, in Input) bool {
	for _, ep := range in.ExchangePositions {
		if ep.Symbol != symbol || ep.PositionSide != side {
			continue
		}
		if ep.Leverage != in.Options.Leverage {
			f.log.Warn("skipping symbol with mismatched leverage",
				"symbol", symbol, "exchange_leverage", ep.Leverage, "configured", in.Options.Leverage)
			return false
		}
		exchangeMargin := binance.MarginTypeCrossed
		if ep.MarginType == "isolated" {
			exchangeMargin = binance.MarginTypeIsolated
		}
		if string(exchangeMargin) != in.Options.MarginType {
			f.log.Warn("skipping symbol with mismatched margin type",
				"symbol", symbol, "exchange_margin", string(exchangeMargin), "configured", in.Options.MarginType)
			return false
		}
	}
	return true
}
