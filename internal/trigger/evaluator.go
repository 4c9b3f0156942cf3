// Package trigger evaluates exit and averaging rules for open positions.
package trigger

import (
	"time"

	"futures-trading-engine/internal/calculator"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/store"
)

// DecisionType is what the evaluator wants done for a position.
type DecisionType string

const (
	// DecisionNone - nothing to do this tick
	DecisionNone DecisionType = "NONE"

	// DecisionMarketClose - close the full position at market now
	DecisionMarketClose DecisionType = "MARKET_CLOSE"

	// DecisionMarketStopToClose - place a protective stop that locks in the
	// current level, triggered by balance pressure or position age
	DecisionMarketStopToClose DecisionType = "MARKET_STOP_TO_CLOSE"

	// DecisionMarketStopToSafe - place a safe stop offset from the current
	// price when the trailing stop arms
	DecisionMarketStopToSafe DecisionType = "MARKET_STOP_TO_SAFE"
)

// Decision is the outcome of one tick evaluation.
type Decision struct {
	Type DecisionType
	Roe  float64
}

// Evaluator runs the per-position trigger state machine. State lives in
// the store's RuntimeInfo; the evaluator itself is stateless and safe to
// share across ticker callbacks.
type Evaluator struct {
	store *store.Store
	log   *logging.Logger
	now   func() time.Time
}

// NewEvaluator creates an evaluator over the session store.
func NewEvaluator(s *store.Store, log *logging.Logger) *Evaluator {
	if log == nil {
		log = logging.WithComponent("trigger")
	}
	return &Evaluator{store: s, log: log, now: time.Now}
}

// Evaluate advances the position's trigger state for one price tick and
// returns the action the orchestrator should take. The watermark update
// and state transition happen atomically under the store lock.
func (e *Evaluator) Evaluate(pos store.Position, lastPrice float64) Decision {
	opts := e.store.Options()
	roe := calculator.CalculateRoe(pos.Side, pos.EntryPrice, lastPrice, pos.Leverage)

	decision := Decision{Type: DecisionNone, Roe: roe}

	e.store.UpdateRuntime(pos.Symbol, pos.Side, func(r *store.RuntimeInfo) {
		if r.TrailingActivated {
			decision.Type = e.evaluateTrailing(r, roe, opts.TrailingStopCallbackRate, pos.Leverage)
			return
		}

		if opts.MarketStopEnabled && r.NeedsMarketStop && roe >= opts.MarketStopActivationRoe {
			if e.marketStopTriggered(pos, opts.MarketStopBalancePercentLimit, opts.MarketStopActivationDuration()) {
				decision.Type = DecisionMarketStopToClose
				return
			}
		}

		if opts.TrailingStopEnabled && roe >= opts.TrailingStopActivationRoe {
			r.TrailingActivated = true
			r.HighestRoe = roe
			e.log.Info("trailing stop armed",
				"symbol", pos.Symbol, "side", string(pos.Side), "roe", roe)
			if opts.SafeStopOffsetPercent > 0 && r.NeedsMarketStop {
				decision.Type = DecisionMarketStopToSafe
			}
			return
		}
	})

	return decision
}

// evaluateTrailing advances an armed trailing stop: raise the watermark on
// new highs, close when the pullback from the watermark reaches the
// callback rate scaled by leverage.
func (e *Evaluator) evaluateTrailing(r *store.RuntimeInfo, roe, callbackRate float64, leverage int) DecisionType {
	if roe > r.HighestRoe {
		r.HighestRoe = roe
		return DecisionNone
	}
	if roe <= r.HighestRoe-callbackRate*float64(leverage) {
		return DecisionMarketClose
	}
	return DecisionNone
}

// marketStopTriggered checks the two market-stop conditions. The balance
// check takes priority when both apply within the same tick; the outcome
// is the same decision either way, only the logged reason differs.
func (e *Evaluator) marketStopTriggered(pos store.Position, balanceLimit float64, activationAge time.Duration) bool {
	account := e.store.Account()
	if balanceLimit > 0 && account.WalletBalance > 0 {
		freePercent := calculator.GetAvailableBalancePercentWithFutureMargin(
			account.WalletBalance, account.AvailableBalance, 0)
		if freePercent <= balanceLimit {
			e.log.Info("market stop triggered by balance pressure",
				"symbol", pos.Symbol, "side", string(pos.Side), "free_percent", freePercent)
			return true
		}
	}
	if activationAge > 0 && e.now().Sub(pos.OpenedAt) >= activationAge {
		e.log.Info("market stop triggered by position age",
			"symbol", pos.Symbol, "side", string(pos.Side), "age", e.now().Sub(pos.OpenedAt).String())
		return true
	}
	return false
}
