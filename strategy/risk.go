package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"futures-entry-bot/execution"
)

// Weighted-average stop helper parameters. The second tranche carries more
// weight because it is the larger fill.
const (
	protectiveWeightFirst  = 0.4
	protectiveWeightSecond = 0.6
	protectiveStopLong     = 0.965
	protectiveStopShort    = 1.035
	protectiveStopFraction = 0.6
)

// ErrNoPosition reports a protective order request against a flat symbol.
var ErrNoPosition = errors.New("no open position")

// PlaceProtectiveStop places a reduce-only stop-loss derived from the two
// entry prices: 3.5% below (long) or above (short) their 40/60 weighted
// average, sized at 60% of the live position as reported by the exchange.
// side is the side that OPENED the position.
func (o *Orchestrator) PlaceProtectiveStop(ctx context.Context, symbol string, side execution.Side, firstEntry, secondEntry float64) error {
	amount, err := o.gateway.GetPositionAmount(ctx, symbol)
	if err != nil {
		return fmt.Errorf("position query: %w", err)
	}
	if amount == 0 {
		return ErrNoPosition
	}

	weighted := firstEntry*protectiveWeightFirst + secondEntry*protectiveWeightSecond
	raw := weighted * protectiveStopLong
	if side == execution.SideSell {
		raw = weighted * protectiveStopShort
	}
	stopPrice := o.formatter.FormatPrice(symbol, raw)
	stopQty, _ := o.formatter.FormatQuantity(symbol, math.Abs(amount)*protectiveStopFraction)

	if err := o.gateway.PlaceStopMarket(ctx, symbol, side.Opposite(), stopPrice, stopQty, true); err != nil {
		return fmt.Errorf("stop order: %w", err)
	}

	o.logger.Info("protective stop placed",
		zap.String("symbol", symbol),
		zap.Float64("stop_price", stopPrice),
		zap.Float64("qty", stopQty))
	if o.audit != nil {
		o.recordSimple(symbol, "PROTECTIVE_STOP", stopQty, weighted, stopPrice, "weighted-average protective stop")
	}
	return nil
}

// PlaceProtectiveTakeProfit places a reduce-only limit exit 8% beyond the
// given entry price, sized at 40% of the live position.
func (o *Orchestrator) PlaceProtectiveTakeProfit(ctx context.Context, symbol string, side execution.Side, entryPrice float64) error {
	amount, err := o.gateway.GetPositionAmount(ctx, symbol)
	if err != nil {
		return fmt.Errorf("position query: %w", err)
	}
	if amount == 0 {
		return ErrNoPosition
	}

	raw := entryPrice * takeProfitGain
	if side == execution.SideSell {
		raw = entryPrice * takeProfitDrop
	}
	tpPrice := o.formatter.FormatPrice(symbol, raw)
	tpQty, _ := o.formatter.FormatQuantity(symbol, math.Abs(amount)*takeProfitFraction)

	if err := o.gateway.PlaceLimit(ctx, symbol, side.Opposite(), tpPrice, tpQty, true, execution.TimeInForceGTC); err != nil {
		return fmt.Errorf("take-profit order: %w", err)
	}

	o.logger.Info("protective take-profit placed",
		zap.String("symbol", symbol),
		zap.Float64("price", tpPrice),
		zap.Float64("qty", tpQty))
	if o.audit != nil {
		o.recordSimple(symbol, "PROTECTIVE_TP", tpQty, entryPrice, tpPrice, "protective take profit")
	}
	return nil
}
