// Package filter selects which symbols to open positions on from each
// cycle's market signal snapshots.
package filter

import "futures-trading-engine/internal/binance"

// KlineAction classifies a candle's directional movement.
type KlineAction string

const (
	ActionStrongPushBull KlineAction = "STRONG_PUSH_BULL"
	ActionPushBull       KlineAction = "PUSH_BULL"
	ActionStopBear       KlineAction = "STOP_BEAR" // bears exhausted, bull-favoring
	ActionStrongPushBear KlineAction = "STRONG_PUSH_BEAR"
	ActionPushBear       KlineAction = "PUSH_BEAR"
	ActionStopBull       KlineAction = "STOP_BULL" // bulls exhausted, bear-favoring
)

// KlinePower is the dominant side of a candle's traded volume.
type KlinePower string

const (
	PowerBull KlinePower = "BULL"
	PowerBear KlinePower = "BEAR"
)

// PocPlacement describes where the point of control sits inside the candle.
type PocPlacement string

const (
	PocInBody PocPlacement = "BODY"
	PocInWick PocPlacement = "WICK"
)

// SignalStrength is the configured entry-signal level.
type SignalStrength string

const (
	StrengthLow    SignalStrength = "LOW"
	StrengthMiddle SignalStrength = "MIDDLE"
	StrengthStrong SignalStrength = "STRONG"
)

// PowerMode is the configured kline-power selector.
type PowerMode string

const (
	PowerAccording PowerMode = "ACCORDING" // power matches the position side
	PowerReversal  PowerMode = "REVERSAL"  // power opposes the position side
	PowerAny       PowerMode = "ANY"
	PowerDisabled  PowerMode = "DISABLED"
)

// MarketMood is the aggregate directional bias of one scan cycle.
type MarketMood string

const (
	MoodLong     MarketMood = "LONG"
	MoodShort    MarketMood = "SHORT"
	MoodBalanced MarketMood = "BALANCED"
)

// SymbolMarketInfo is one symbol's evaluated signal for one side at one
// sampling instant. Immutable once produced; consumed within one filter pass.
type SymbolMarketInfo struct {
	Symbol              string       `json:"symbol"`
	Side                binance.PositionSide `json:"side"`
	KlineAction         KlineAction  `json:"kline_action"`
	KlinePower          KlinePower   `json:"kline_power"`
	PocPlacement        PocPlacement `json:"poc_placement"`
	AsksDepth           float64      `json:"asks_depth"` // aggregated ask-side depth
	BidsDepth           float64      `json:"bids_depth"` // aggregated bid-side depth
	TradeCount          int          `json:"trade_count"`
	AvgTradeQuoteVolume float64      `json:"avg_trade_quote_volume"`
	AsksBidsCoefficient float64      `json:"asks_bids_coefficient"` // primary ranking key
	PocTradesCoefficient float64     `json:"poc_trades_coefficient"` // secondary ranking key
}

// ActionsForSide returns the action classes a configured signal strength
// accepts for one position side. Stronger settings accept fewer classes.
func ActionsForSide(strength SignalStrength, side binance.PositionSide) map[KlineAction]bool {
	if side == binance.PositionSideLong {
		switch strength {
		case StrengthStrong:
			return map[KlineAction]bool{ActionStrongPushBull: true}
		case StrengthMiddle:
			return map[KlineAction]bool{ActionStrongPushBull: true, ActionPushBull: true}
		default:
			return map[KlineAction]bool{ActionStrongPushBull: true, ActionPushBull: true, ActionStopBear: true}
		}
	}
	switch strength {
	case StrengthStrong:
		return map[KlineAction]bool{ActionStrongPushBear: true}
	case StrengthMiddle:
		return map[KlineAction]bool{ActionStrongPushBear: true, ActionPushBear: true}
	default:
		return map[KlineAction]bool{ActionStrongPushBear: true, ActionPushBear: true, ActionStopBull: true}
	}
}

// PowersForSide returns the power classes a configured mode accepts for
// one position side.
func PowersForSide(mode PowerMode, side binance.PositionSide) map[KlinePower]bool {
	according := PowerBull
	if side == binance.PositionSideShort {
		according = PowerBear
	}
	switch mode {
	case PowerAccording:
		return map[KlinePower]bool{according: true}
	case PowerReversal:
		other := PowerBear
		if according == PowerBear {
			other = PowerBull
		}
		return map[KlinePower]bool{other: true}
	default: // ANY and DISABLED accept both
		return map[KlinePower]bool{PowerBull: true, PowerBear: true}
	}
}

// DeriveMood computes the cycle's market mood from the raw candidate
// counts of each side. A side with at least twice the other's candidates
// dominates; anything closer is balanced.
func DeriveMood(longCandidates, shortCandidates int) MarketMood {
	switch {
	case longCandidates >= shortCandidates*2 && longCandidates > 0:
		return MoodLong
	case shortCandidates >= longCandidates*2 && shortCandidates > 0:
		return MoodShort
	default:
		return MoodBalanced
	}
}

// MoodSupports reports whether the mood actively backs the side. Balanced
// backs neither: adding to a position needs a directional bias behind it,
// not just the absence of an opposing one.
func MoodSupports(mood MarketMood, side binance.PositionSide) bool {
	return (mood == MoodLong && side == binance.PositionSideLong) ||
		(mood == MoodShort && side == binance.PositionSideShort)
}
