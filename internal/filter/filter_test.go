package filter

import (
	"testing"

	"futures-trading-engine/config"
	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/store"
)

func testOptions() *config.TradeLogicConfig {
	return &config.TradeLogicConfig{
		Leverage:                 10,
		MarginType:               "CROSSED",
		MaxPositions:             6,
		MaxPositionsPerIteration: 4,
		MinTrades:                100,
		MinQuoteVolume:           50,
		KlineActionSignal:        "MIDDLE",
		KlinePowerSignal:         "ANY",
	}
}

func longSignal(symbol string, rankCoef float64) SymbolMarketInfo {
	return SymbolMarketInfo{
		Symbol:               symbol,
		Side:                 binance.PositionSideLong,
		KlineAction:          ActionStrongPushBull,
		KlinePower:           PowerBull,
		PocPlacement:         PocInWick,
		AsksDepth:            100,
		BidsDepth:            200, // buyers stacked, favors long
		TradeCount:           500,
		AvgTradeQuoteVolume:  120,
		AsksBidsCoefficient:  rankCoef,
		PocTradesCoefficient: 1,
	}
}

func shortSignal(symbol string, rankCoef float64) SymbolMarketInfo {
	return SymbolMarketInfo{
		Symbol:               symbol,
		Side:                 binance.PositionSideShort,
		KlineAction:          ActionStrongPushBear,
		KlinePower:           PowerBear,
		PocPlacement:         PocInWick,
		AsksDepth:            200, // sellers stacked, favors short
		BidsDepth:            100,
		TradeCount:           500,
		AvgTradeQuoteVolume:  120,
		AsksBidsCoefficient:  rankCoef,
		PocTradesCoefficient: 1,
	}
}

func TestFilterDropsBelowThresholds(t *testing.T) {
	f := New(nil, nil)

	weak := longSignal("WEAKUSDT", 5)
	weak.TradeCount = 10 // below MinTrades

	thin := longSignal("THINUSDT", 5)
	thin.AvgTradeQuoteVolume = 1 // below MinQuoteVolume

	wrongDepth := longSignal("DEPTHUSDT", 5)
	wrongDepth.BidsDepth = 50 // asks dominate, wrong for long

	wrongAction := longSignal("ACTUSDT", 5)
	wrongAction.KlineAction = ActionStopBear // excluded at MIDDLE strength

	got := f.Select(Input{
		Longs:   []SymbolMarketInfo{weak, thin, wrongDepth, wrongAction, longSignal("GOODUSDT", 5)},
		Options: testOptions(),
	})

	if len(got) != 1 || got[0].Symbol != "GOODUSDT" {
		t.Fatalf("expected only GOODUSDT, got %v", got)
	}
}

func TestFilterRankingTwoKeys(t *testing.T) {
	f := New(nil, nil)

	a := longSignal("AUSDT", 3)
	b := longSignal("BUSDT", 5)
	c := longSignal("CUSDT", 5)
	c.PocTradesCoefficient = 9 // wins the tie against B

	opts := testOptions()
	opts.MaxPositionsPerIteration = 3

	// Only long candidates: mood comes out LONG, all budget to longs.
	got := f.Select(Input{
		Longs:   []SymbolMarketInfo{a, b, c},
		Options: opts,
	})

	want := []string{"CUSDT", "BUSDT", "AUSDT"}
	if len(got) != 3 {
		t.Fatalf("expected 3 selections, got %d", len(got))
	}
	for i, sel := range got {
		if sel.Symbol != want[i] {
			t.Errorf("rank %d: got %s, want %s", i, sel.Symbol, want[i])
		}
	}
}

func TestFilterNeverSelectsOpenPosition(t *testing.T) {
	f := New(nil, nil)

	got := f.Select(Input{
		Longs:   []SymbolMarketInfo{longSignal("BTCUSDT", 5), longSignal("ETHUSDT", 4)},
		Options: testOptions(),
		OpenPositions: []store.Position{
			{Symbol: "BTCUSDT", Side: binance.PositionSideLong, Quantity: 1},
		},
	})

	for _, sel := range got {
		if sel.Symbol == "BTCUSDT" && sel.Side == binance.PositionSideLong {
			t.Fatal("selected a symbol that already has an open position on that side")
		}
	}
	if len(got) != 1 || got[0].Symbol != "ETHUSDT" {
		t.Fatalf("expected ETHUSDT only, got %v", got)
	}
}

func TestFilterBudgetNonExceedance(t *testing.T) {
	f := New(nil, nil)

	longs := []SymbolMarketInfo{
		longSignal("AUSDT", 9), longSignal("BUSDT", 8), longSignal("CUSDT", 7),
		longSignal("DUSDT", 6), longSignal("EUSDT", 5),
	}
	shorts := []SymbolMarketInfo{
		shortSignal("FUSDT", 9), shortSignal("GUSDT", 8), shortSignal("HUSDT", 7),
		shortSignal("IUSDT", 6), shortSignal("JUSDT", 5),
	}

	opts := testOptions()
	opts.MaxPositions = 5
	opts.MaxPositionsPerIteration = 4

	openPositions := []store.Position{
		{Symbol: "XUSDT", Side: binance.PositionSideLong, Quantity: 1},
		{Symbol: "YUSDT", Side: binance.PositionSideLong, Quantity: 1},
		{Symbol: "ZUSDT", Side: binance.PositionSideLong, Quantity: 1},
	}

	got := f.Select(Input{
		Longs:         longs,
		Shorts:        shorts,
		Options:       opts,
		OpenPositions: openPositions,
	})

	// budget = min(4, 5-3) = 2
	if len(got) > 2 {
		t.Fatalf("budget exceeded: selected %d, limit 2", len(got))
	}
}

func TestFilterZeroBudget(t *testing.T) {
	f := New(nil, nil)

	opts := testOptions()
	opts.MaxPositions = 2

	got := f.Select(Input{
		Longs:   []SymbolMarketInfo{longSignal("AUSDT", 5)},
		Options: opts,
		OpenPositions: []store.Position{
			{Symbol: "XUSDT", Side: binance.PositionSideLong, Quantity: 1},
			{Symbol: "YUSDT", Side: binance.PositionSideShort, Quantity: 1},
		},
	})
	if len(got) != 0 {
		t.Fatalf("expected empty selection at zero budget, got %v", got)
	}
}

func TestFilterSkipsLeverageMismatch(t *testing.T) {
	f := New(nil, nil)

	got := f.Select(Input{
		Longs:   []SymbolMarketInfo{longSignal("BTCUSDT", 5)},
		Options: testOptions(),
		ExchangePositions: []binance.FuturesPosition{
			{Symbol: "BTCUSDT", PositionSide: binance.PositionSideLong, Leverage: 25, MarginType: "cross"},
		},
	})
	if len(got) != 0 {
		t.Fatalf("expected leverage-mismatched symbol skipped, got %v", got)
	}
}

func TestDeriveMood(t *testing.T) {
	tests := []struct {
		longs, shorts int
		want          MarketMood
	}{
		{10, 2, MoodLong},
		{2, 10, MoodShort},
		{5, 4, MoodBalanced},
		{0, 0, MoodBalanced},
		{4, 2, MoodLong},
	}
	for _, tt := range tests {
		if got := DeriveMood(tt.longs, tt.shorts); got != tt.want {
			t.Errorf("DeriveMood(%d, %d) = %s, want %s", tt.longs, tt.shorts, got, tt.want)
		}
	}
}

func TestSplitBudgetBalancedOddFavorsBiggerSide(t *testing.T) {
	long, short := splitBudget(5, MoodBalanced, 3, 7)
	if long != 2 || short != 3 {
		t.Errorf("got long=%d short=%d, want 2/3", long, short)
	}
	long, short = splitBudget(5, MoodBalanced, 7, 3)
	if long != 3 || short != 2 {
		t.Errorf("got long=%d short=%d, want 3/2", long, short)
	}
	long, short = splitBudget(4, MoodLong, 1, 1)
	if long != 4 || short != 0 {
		t.Errorf("directional mood should take all: long=%d short=%d", long, short)
	}
}

func TestMoodSupports(t *testing.T) {
	cases := []struct {
		mood MarketMood
		side binance.PositionSide
		want bool
	}{
		{MoodLong, binance.PositionSideLong, true},
		{MoodShort, binance.PositionSideShort, true},
		{MoodLong, binance.PositionSideShort, false},
		{MoodShort, binance.PositionSideLong, false},
		{MoodBalanced, binance.PositionSideLong, false},
		{MoodBalanced, binance.PositionSideShort, false},
	}
	for _, tc := range cases {
		if got := MoodSupports(tc.mood, tc.side); got != tc.want {
			t.Errorf("MoodSupports(%s, %s) = %v, want %v", tc.mood, tc.side, got, tc.want)
		}
	}
}
