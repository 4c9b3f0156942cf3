package trigger

import (
	"testing"
	"time"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/filter"
	"futures-trading-engine/internal/logging"
	"futures-trading-engine/internal/store"
)

func trailingOpts() *config.TradeLogicConfig {
	return &config.TradeLogicConfig{
		Leverage:                  10,
		TrailingStopEnabled:       true,
		TrailingStopActivationRoe: 5,
		TrailingStopCallbackRate:  1,
	}
}

func newTestEvaluator(opts *config.TradeLogicConfig) (*Evaluator, *store.Store) {
	s := store.New(opts)
	return NewEvaluator(s, logging.WithComponent("trigger-test")), s
}

func openLong(t *testing.T, s *store.Store, entry float64, leverage int) store.Position {
	t.Helper()
	pos := store.Position{
		Symbol:     "BTCUSDT",
		BaseAsset:  "BTC",
		QuoteAsset: "USDT",
		Side:       binance.PositionSideLong,
		EntryPrice: entry,
		Quantity:   1,
		Leverage:   leverage,
		OpenedAt:   time.Now(),
	}
	if err := s.AddPosition(&pos); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}
	return pos
}

// Long, entry=100, 10x, activation ROE 5, callback 1%: a tick above the
// activation arms the trail, higher ticks raise the watermark without an
// order, and a pullback of callback*leverage ROE points closes at market.
func TestTrailingArmsRaisesAndCloses(t *testing.T) {
	ev, s := newTestEvaluator(trailingOpts())
	pos := openLong(t, s, 100, 10)

	d := ev.Evaluate(pos, 106)
	if d.Type != DecisionNone {
		t.Fatalf("arm tick: got %s, want %s", d.Type, DecisionNone)
	}
	r, _ := s.GetRuntime(pos.Symbol, pos.Side)
	if !r.TrailingActivated || r.HighestRoe != 60 {
		t.Fatalf("after arm: activated=%v watermark=%.2f, want true/60", r.TrailingActivated, r.HighestRoe)
	}

	d = ev.Evaluate(pos, 108)
	if d.Type != DecisionNone {
		t.Fatalf("raise tick: got %s, want %s", d.Type, DecisionNone)
	}
	r, _ = s.GetRuntime(pos.Symbol, pos.Side)
	if r.HighestRoe != 80 {
		t.Fatalf("after raise: watermark=%.2f, want 80", r.HighestRoe)
	}

	// ROE 0 is below watermark 80 minus callback*leverage = 70.
	d = ev.Evaluate(pos, 100)
	if d.Type != DecisionMarketClose {
		t.Fatalf("pullback tick: got %s, want %s", d.Type, DecisionMarketClose)
	}
}

// The watermark never moves down while armed, whatever the tick order.
func TestWatermarkMonotonic(t *testing.T) {
	ev, s := newTestEvaluator(trailingOpts())
	pos := openLong(t, s, 100, 10)

	prev := 0.0
	for _, last := range []float64{106, 105, 107, 106.5, 107, 108} {
		ev.Evaluate(pos, last)
		r, ok := s.GetRuntime(pos.Symbol, pos.Side)
		if !ok {
			t.Fatal("runtime missing")
		}
		if r.HighestRoe < prev {
			t.Fatalf("watermark dropped from %.2f to %.2f at last=%.2f", prev, r.HighestRoe, last)
		}
		prev = r.HighestRoe
	}
}

func TestPullbackWithinCallbackDoesNotClose(t *testing.T) {
	ev, s := newTestEvaluator(trailingOpts())
	pos := openLong(t, s, 100, 10)

	ev.Evaluate(pos, 108) // arm, watermark 80
	d := ev.Evaluate(pos, 107.5)
	if d.Type != DecisionNone {
		t.Fatalf("got %s, want %s: ROE 75 is above threshold 70", d.Type, DecisionNone)
	}
}

func TestShortTrailing(t *testing.T) {
	ev, s := newTestEvaluator(trailingOpts())
	pos := store.Position{
		Symbol:     "ETHUSDT",
		Side:       binance.PositionSideShort,
		EntryPrice: 100,
		Quantity:   1,
		Leverage:   10,
		OpenedAt:   time.Now(),
	}
	if err := s.AddPosition(&pos); err != nil {
		t.Fatalf("AddPosition: %v", err)
	}

	ev.Evaluate(pos, 94) // short ROE 60, arms
	r, _ := s.GetRuntime(pos.Symbol, pos.Side)
	if !r.TrailingActivated || r.HighestRoe != 60 {
		t.Fatalf("short arm: activated=%v watermark=%.2f", r.TrailingActivated, r.HighestRoe)
	}

	d := ev.Evaluate(pos, 100) // ROE 0 <= 60-10
	if d.Type != DecisionMarketClose {
		t.Fatalf("short pullback: got %s, want %s", d.Type, DecisionMarketClose)
	}
}

func TestBelowActivationStaysIdle(t *testing.T) {
	ev, s := newTestEvaluator(trailingOpts())
	pos := openLong(t, s, 100, 10)

	d := ev.Evaluate(pos, 100.2) // ROE 2 < activation 5
	if d.Type != DecisionNone {
		t.Fatalf("got %s, want %s", d.Type, DecisionNone)
	}
	r, _ := s.GetRuntime(pos.Symbol, pos.Side)
	if r.TrailingActivated {
		t.Fatal("trailing armed below activation ROE")
	}
}

func TestSafeStopEmittedWhenArming(t *testing.T) {
	opts := trailingOpts()
	opts.SafeStopOffsetPercent = 0.5
	ev, s := newTestEvaluator(opts)
	pos := openLong(t, s, 100, 10)

	d := ev.Evaluate(pos, 106)
	if d.Type != DecisionMarketStopToSafe {
		t.Fatalf("got %s, want %s", d.Type, DecisionMarketStopToSafe)
	}

	// Stop already placed: arming again on a fresh position must not
	// re-emit once the pending flag is cleared.
	s.UpdateRuntime(pos.Symbol, pos.Side, func(r *store.RuntimeInfo) {
		r.TrailingActivated = false
		r.NeedsMarketStop = false
	})
	d = ev.Evaluate(pos, 106)
	if d.Type != DecisionNone {
		t.Fatalf("second arm: got %s, want %s", d.Type, DecisionNone)
	}
}

func TestMarketStopByBalancePressure(t *testing.T) {
	opts := trailingOpts()
	opts.TrailingStopEnabled = false
	opts.MarketStopEnabled = true
	opts.MarketStopActivationRoe = 5
	opts.MarketStopBalancePercentLimit = 20
	ev, s := newTestEvaluator(opts)
	pos := openLong(t, s, 100, 10)

	s.ReplaceAccount(store.AccountSnapshot{WalletBalance: 1000, AvailableBalance: 100})
	d := ev.Evaluate(pos, 106) // ROE 60, free balance 10% <= 20%
	if d.Type != DecisionMarketStopToClose {
		t.Fatalf("got %s, want %s", d.Type, DecisionMarketStopToClose)
	}
}

func TestMarketStopByPositionAge(t *testing.T) {
	opts := trailingOpts()
	opts.TrailingStopEnabled = false
	opts.MarketStopEnabled = true
	opts.MarketStopActivationRoe = 5
	opts.MarketStopActivationSeconds = 3600
	ev, s := newTestEvaluator(opts)
	pos := openLong(t, s, 100, 10)
	pos.OpenedAt = time.Now().Add(-2 * time.Hour)

	s.ReplaceAccount(store.AccountSnapshot{WalletBalance: 1000, AvailableBalance: 900})
	d := ev.Evaluate(pos, 106)
	if d.Type != DecisionMarketStopToClose {
		t.Fatalf("got %s, want %s", d.Type, DecisionMarketStopToClose)
	}

	// Younger position with healthy balance stays untouched.
	pos.OpenedAt = time.Now().Add(-time.Minute)
	d = ev.Evaluate(pos, 106)
	if d.Type != DecisionNone {
		t.Fatalf("young position: got %s, want %s", d.Type, DecisionNone)
	}
}

func averagingOpts() *config.TradeLogicConfig {
	return &config.TradeLogicConfig{
		Leverage:             10,
		KlineActionSignal:    "MIDDLE",
		KlinePowerSignal:     "ANY",
		AveragingEnabled:     true,
		AverageFromRoe:       -30,
		AveragingMinQuoteVol: 1000,
	}
}

func averagingSignal() filter.SymbolMarketInfo {
	return filter.SymbolMarketInfo{
		Symbol:              "BTCUSDT",
		Side:                binance.PositionSideLong,
		KlineAction:         filter.ActionPushBull,
		KlinePower:          filter.PowerBull,
		PocPlacement:        filter.PocInWick,
		AsksDepth:           100,
		BidsDepth:           300,
		AvgTradeQuoteVolume: 5000,
	}
}

func TestShouldAverageAllCriteriaMet(t *testing.T) {
	ev, s := newTestEvaluator(averagingOpts())
	pos := openLong(t, s, 100, 10)
	sig := averagingSignal()

	// last=96: ROE -40 <= floor -30
	if !ev.ShouldAverage(AveragingInput{Position: pos, Signal: &sig, LastPrice: 96, Mood: filter.MoodLong}) {
		t.Fatal("expected averaging to be warranted")
	}
}

func TestShouldAverageFailsPerCriterion(t *testing.T) {
	base := averagingSignal()

	cases := []struct {
		name   string
		mutate func(opts *config.TradeLogicConfig, sig *filter.SymbolMarketInfo, in *AveragingInput)
	}{
		{"disabled", func(o *config.TradeLogicConfig, _ *filter.SymbolMarketInfo, _ *AveragingInput) {
			o.AveragingEnabled = false
		}},
		{"no signal", func(_ *config.TradeLogicConfig, _ *filter.SymbolMarketInfo, in *AveragingInput) {
			in.Signal = nil
		}},
		{"side mismatch", func(_ *config.TradeLogicConfig, sig *filter.SymbolMarketInfo, _ *AveragingInput) {
			sig.Side = binance.PositionSideShort
		}},
		{"roe above floor", func(_ *config.TradeLogicConfig, _ *filter.SymbolMarketInfo, in *AveragingInput) {
			in.LastPrice = 99 // ROE -10 > -30
		}},
		{"poc in body", func(o *config.TradeLogicConfig, sig *filter.SymbolMarketInfo, _ *AveragingInput) {
			o.AveragingRequirePoc = true
			sig.PocPlacement = filter.PocInBody
		}},
		{"thin volume", func(_ *config.TradeLogicConfig, sig *filter.SymbolMarketInfo, _ *AveragingInput) {
			sig.AvgTradeQuoteVolume = 10
		}},
		{"wrong action", func(_ *config.TradeLogicConfig, sig *filter.SymbolMarketInfo, _ *AveragingInput) {
			sig.KlineAction = filter.ActionPushBear
		}},
		{"wrong power", func(o *config.TradeLogicConfig, sig *filter.SymbolMarketInfo, _ *AveragingInput) {
			o.KlinePowerSignal = "ACCORDING"
			sig.KlinePower = filter.PowerBear
		}},
		{"depth against side", func(_ *config.TradeLogicConfig, sig *filter.SymbolMarketInfo, _ *AveragingInput) {
			sig.AsksDepth = 300
			sig.BidsDepth = 100
		}},
		{"mood opposed", func(_ *config.TradeLogicConfig, _ *filter.SymbolMarketInfo, in *AveragingInput) {
			in.Mood = filter.MoodShort
		}},
		{"mood balanced", func(_ *config.TradeLogicConfig, _ *filter.SymbolMarketInfo, in *AveragingInput) {
			in.Mood = filter.MoodBalanced
		}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			opts := averagingOpts()
			sig := base
			ev, s := newTestEvaluator(opts)
			pos := openLong(t, s, 100, 10)
			in := AveragingInput{Position: pos, Signal: &sig, LastPrice: 96, Mood: filter.MoodLong}
			tc.mutate(opts, &sig, &in)
			if ev.ShouldAverage(in) {
				t.Fatalf("%s: averaging should be rejected", tc.name)
			}
		})
	}
}
