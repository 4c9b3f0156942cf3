package trigger

import (
	"futures-trading-engine/internal/calculator"
	"futures-trading-engine/internal/filter"
	"futures-trading-engine/internal/store"
)

// AveragingInput carries everything the eligibility check needs for one
// losing position against the current cycle's signal data.
type AveragingInput struct {
	Position  store.Position
	Signal    *filter.SymbolMarketInfo // this cycle's signal for the symbol/side, nil when absent
	LastPrice float64
	Mood      filter.MarketMood
}

// ShouldAverage reports whether a market averaging order is warranted.
// Every criterion must hold; the first failing one is logged at info level
// so operators can see why a drawdown was left alone.
func (e *Evaluator) ShouldAverage(in AveragingInput) bool {
	opts := e.store.Options()
	pos := in.Position

	if !opts.AveragingEnabled {
		return false
	}
	if in.Signal == nil {
		e.skipAverage(pos, "no signal for symbol this cycle")
		return false
	}
	sig := *in.Signal
	if sig.Side != pos.Side {
		e.skipAverage(pos, "signal side does not match position")
		return false
	}

	roe := calculator.CalculateRoe(pos.Side, pos.EntryPrice, in.LastPrice, pos.Leverage)
	if roe > opts.AverageFromRoe {
		e.skipAverage(pos, "roe above averaging floor", "roe", roe, "floor", opts.AverageFromRoe)
		return false
	}

	if opts.AveragingRequirePoc && sig.PocPlacement != filter.PocInWick {
		e.skipAverage(pos, "point of control not in wick")
		return false
	}
	if sig.AvgTradeQuoteVolume < opts.AveragingMinQuoteVol {
		e.skipAverage(pos, "quote volume below averaging floor",
			"volume", sig.AvgTradeQuoteVolume, "floor", opts.AveragingMinQuoteVol)
		return false
	}

	actions := filter.ActionsForSide(filter.SignalStrength(opts.KlineActionSignal), pos.Side)
	if !actions[sig.KlineAction] {
		e.skipAverage(pos, "kline action outside accepted set", "action", string(sig.KlineAction))
		return false
	}
	powers := filter.PowersForSide(filter.PowerMode(opts.KlinePowerSignal), pos.Side)
	if !powers[sig.KlinePower] {
		e.skipAverage(pos, "kline power outside accepted set", "power", string(sig.KlinePower))
		return false
	}
	if !filter.DepthFavors(sig, pos.Side) {
		e.skipAverage(pos, "order book depth against position side")
		return false
	}
	if !filter.MoodSupports(in.Mood, pos.Side) {
		e.skipAverage(pos, "market mood does not back position side", "mood", string(in.Mood))
		return false
	}

	e.log.Info("averaging criteria satisfied",
		"symbol", pos.Symbol, "side", string(pos.Side), "roe", roe)
	return true
}

func (e *Evaluator) skipAverage(pos store.Position, reason string, kv ...any) {
	args := append([]any{"symbol", pos.Symbol, "side", string(pos.Side), "reason", reason}, kv...)
	e.log.Info("averaging skipped", args...)
}
