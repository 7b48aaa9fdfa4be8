package risk

import (
	"market-engine/go/pkg/shared"

	"github.com/shopspring/decimal"
)

// Trigger reports whether price p crosses one of the trade's thresholds. Stop-loss is checked
// first, so it wins when a gapped price satisfies both.
func Trigger(t shared.Trade, p float64) (shared.CloseReason, bool) {
	if t.StopLoss != nil {
		sl := *t.StopLoss
		if (t.Side == shared.SideBuy && p <= sl) || (t.Side == shared.SideSell && p >= sl) {
			return shared.ReasonStopLoss, true
		}
	}
	if t.TakeProfit != nil {
		tp := *t.TakeProfit
		if (t.Side == shared.SideBuy && p >= tp) || (t.Side == shared.SideSell && p <= tp) {
			return shared.ReasonTakeProfit, true
		}
	}
	return shared.ReasonNone, false
}

// ProfitLoss is (close-entry)*volume for BUY and (entry-close)*volume for SELL.
func ProfitLoss(side shared.Side, entry, closePrice, volume float64) decimal.Decimal {
	diff := decimal.NewFromFloat(closePrice).Sub(decimal.NewFromFloat(entry))
	if side == shared.SideSell {
		diff = diff.Neg()
	}
	return diff.Mul(decimal.NewFromFloat(volume))
}
