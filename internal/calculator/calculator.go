// Package calculator provides the pure numeric functions of the trading
// engine. All percentage and ROE math runs on decimals so repeated
// financial comparisons do not accumulate binary-float error.
package calculator

import (
	"errors"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
)

var (
	// ErrQuantityUnreachable is returned when the averaging solver cannot
	// satisfy the notional/ROE conditions within its iteration cap.
	ErrQuantityUnreachable = errors.New("averaging quantity solver exhausted iteration cap")

	hundred = decimal.NewFromInt(100)
)

// CalculateRoe returns the signed percentage return on margin for a position,
// rounded to 2 decimals. The sign flips for shorts.
func CalculateRoe(side binance.PositionSide, entryPrice, lastPrice float64, leverage int) float64 {
	if entryPrice == 0 {
		return 0
	}
	entry := decimal.NewFromFloat(entryPrice)
	last := decimal.NewFromFloat(lastPrice)

	change := last.Sub(entry).Div(entry).Mul(hundred).Mul(decimal.NewFromInt(int64(leverage)))
	if side == binance.PositionSideShort {
		change = change.Neg()
	}
	f, _ := change.Round(2).Float64()
	return f
}

// CalculatePnl returns the signed absolute profit for a position of the
// given quantity.
func CalculatePnl(side binance.PositionSide, lastPrice, entryPrice, quantity float64) float64 {
	last := decimal.NewFromFloat(lastPrice)
	entry := decimal.NewFromFloat(entryPrice)
	qty := decimal.NewFromFloat(quantity)

	pnl := last.Sub(entry).Mul(qty)
	if side == binance.PositionSideShort {
		pnl = pnl.Neg()
	}
	f, _ := pnl.Float64()
	return f
}

// RoundToSize rounds value down to the decimal precision implied by an
// exchange step or tick size. The precision is derived from the step size
// itself, e.g. step 0.001 keeps 3 decimals, step 1 keeps none.
func RoundToSize(value, stepSize float64) float64 {
	if stepSize <= 0 {
		return value
	}
	f, _ := decimal.NewFromFloat(value).
		RoundDown(stepPrecision(stepSize)).
		Float64()
	return f
}

// stepPrecision returns the number of decimal places of a step size.
func stepPrecision(stepSize float64) int32 {
	s := strconv.FormatFloat(stepSize, 'f', -1, 64)
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}

// GetOrderQuantity returns the largest step-quantized quantity whose
// notional does not exceed marginBudget at the given price. Returns 0 when
// the budget cannot afford a single lot step.
func GetOrderQuantity(price, marginBudget, stepSize float64) float64 {
	if price <= 0 || stepSize <= 0 {
		return 0
	}
	qty := RoundToSize(marginBudget/price, stepSize)
	if qty < stepSize {
		return 0
	}
	return qty
}

// CalculateAverageOrderQuantity solves for the smallest additional order
// quantity that simultaneously satisfies the exchange minimum notional and
// brings the blended post-trade ROE up to minRoe. The candidate grows one
// lot step per iteration; the loop is bounded by maxIterations so a target
// that can never be reached fails with ErrQuantityUnreachable instead of
// spinning forever.
func CalculateAverageOrderQuantity(
	side binance.PositionSide,
	entryPrice, lastPrice, positionQuantity float64,
	leverage int,
	stepSize, minNotional, minRoe float64,
	maxIterations int,
) (float64, error) {
	if lastPrice <= 0 || stepSize <= 0 || positionQuantity <= 0 {
		return 0, ErrQuantityUnreachable
	}
	if maxIterations <= 0 {
		maxIterations = 1000
	}

	step := decimal.NewFromFloat(stepSize)
	last := decimal.NewFromFloat(lastPrice)
	entry := decimal.NewFromFloat(entryPrice)
	posQty := decimal.NewFromFloat(positionQuantity)
	notionalFloor := decimal.NewFromFloat(minNotional)

	candidate := step
	for i := 0; i < maxIterations; i++ {
		notional := candidate.Mul(last)
		if notional.GreaterThanOrEqual(notionalFloor) {
			// Blended entry price after averaging in at lastPrice.
			totalQty := posQty.Add(candidate)
			blended := entry.Mul(posQty).Add(last.Mul(candidate)).Div(totalQty)
			blendedF, _ := blended.Float64()
			lastF, _ := last.Float64()
			if CalculateRoe(side, blendedF, lastF, leverage) >= minRoe {
				f, _ := candidate.Float64()
				return f, nil
			}
		}
		candidate = candidate.Add(step)
	}
	return 0, ErrQuantityUnreachable
}

// SplitPositionQuantity splits a total quantity into chunks no larger than
// maxOrderSize. The total is halved until one chunk fits, producing equal
// chunks; the last chunk absorbs any division residue so the chunks sum
// exactly to the total.
func SplitPositionQuantity(total, maxOrderSize float64) []float64 {
	if total <= 0 {
		return nil
	}
	if maxOrderSize <= 0 || total <= maxOrderSize {
		return []float64{total}
	}

	totalDec := decimal.NewFromFloat(total)
	maxDec := decimal.NewFromFloat(maxOrderSize)

	parts := int64(1)
	chunk := totalDec
	for chunk.GreaterThan(maxDec) {
		parts *= 2
		chunk = totalDec.Div(decimal.NewFromInt(parts))
	}

	chunkF, _ := chunk.Float64()
	chunks := make([]float64, parts)
	running := decimal.Zero
	for i := int64(0); i < parts-1; i++ {
		chunks[i] = chunkF
		running = running.Add(chunk)
	}
	lastF, _ := totalDec.Sub(running).Float64()
	chunks[parts-1] = lastF
	return chunks
}

// GetPriceFromPercent offsets a price by a signed percentage.
func GetPriceFromPercent(price, percent float64) float64 {
	p := decimal.NewFromFloat(price)
	f, _ := p.Add(p.Mul(decimal.NewFromFloat(percent)).Div(hundred)).Float64()
	return f
}

// GetPercentBetweenTwoPrices returns the percentage change from first to
// second, rounded to 2 decimals.
func GetPercentBetweenTwoPrices(first, second float64) float64 {
	if first == 0 {
		return 0
	}
	a := decimal.NewFromFloat(first)
	b := decimal.NewFromFloat(second)
	f, _ := b.Sub(a).Div(a).Mul(hundred).Round(2).Float64()
	return f
}

// GetAvailableBalancePercentWithFutureMargin returns what percentage of the
// wallet stays free after committing futureMargin, rounded to 2 decimals.
func GetAvailableBalancePercentWithFutureMargin(walletBalance, availableBalance, futureMargin float64) float64 {
	if walletBalance == 0 {
		return 0
	}
	wallet := decimal.NewFromFloat(walletBalance)
	free := decimal.NewFromFloat(availableBalance).Sub(decimal.NewFromFloat(futureMargin))
	f, _ := free.Div(wallet).Mul(hundred).Round(2).Float64()
	return f
}

// GetVolatility returns the high-to-low spread as a percentage of the low,
// rounded to 2 decimals.
func GetVolatility(high, low float64) float64 {
	if low == 0 {
		return 0
	}
	h := decimal.NewFromFloat(high)
	l := decimal.NewFromFloat(low)
	f, _ := h.Sub(l).Div(l).Mul(hundred).Round(2).Float64()
	return f
}
