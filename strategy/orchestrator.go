// Package strategy owns the staged-entry trade life cycle: per-symbol mutual
// exclusion, position sizing, the three-tranche entry protocol and the
// derived stop-loss/take-profit placement.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"futures-entry-bot/audit"
	"futures-entry-bot/execution"
	"futures-entry-bot/precision"
)

// Direction is the requested trade direction.
type Direction string

const (
	DirectionLong  Direction = "LONG"
	DirectionShort Direction = "SHORT"
)

// Side returns the order side that opens a position in this direction.
func (d Direction) Side() execution.Side {
	if d == DirectionLong {
		return execution.SideBuy
	}
	return execution.SideSell
}

// Signal is one external trade signal. Immutable; consumed by exactly one
// orchestrator run.
type Signal struct {
	Symbol    string
	Direction Direction
	Leverage  int
	Timeframe string
}

// Gateway is the exchange capability the orchestrator drives.
type Gateway interface {
	PlaceMarketOrder(ctx context.Context, symbol string, side execution.Side, qty float64, reduceOnly bool) (float64, error)
	PlaceStopMarket(ctx context.Context, symbol string, side execution.Side, stopPrice, qty float64, reduceOnly bool) error
	PlaceLimit(ctx context.Context, symbol string, side execution.Side, price, qty float64, reduceOnly bool, tif execution.TimeInForce) error
	CancelAllOpenOrders(ctx context.Context, symbol string) error
	GetMarkPrice(ctx context.Context, symbol string) (float64, error)
	GetPositionAmount(ctx context.Context, symbol string) (float64, error)
	GetRecentCandles(ctx context.Context, symbol, interval string, limit int) ([]execution.Kline, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	SetMarginMode(ctx context.Context, symbol string, mode execution.MarginMode) error
}

// IndicatorSource supplies the trend and momentum gates.
type IndicatorSource interface {
	TrendLevel(ctx context.Context, symbol, timeframe string) (float64, error)
	Momentum(ctx context.Context, symbol string) float64
}

// AuditSink records completed trade actions.
type AuditSink interface {
	Record(entry audit.Entry)
}

// ErrTrendUnavailable aborts a run whose trend level could not be computed.
var ErrTrendUnavailable = errors.New("trend level unavailable")

const (
	firstFraction    = 0.2
	followUpFraction = 0.4

	// Inline stop after the second tranche: flat 3% off the weighted
	// average entry, on 60% of the filled quantity.
	inlineStopOffset   = 0.97
	inlineStopFraction = 0.6

	// Take-profit after the third tranche: 8% beyond entry on 40% of the
	// total filled quantity.
	takeProfitGain     = 1.08
	takeProfitDrop     = 0.92
	takeProfitFraction = 0.4

	momentumGate = 58.0

	volumeWindow      = 20
	volumeSurgeDepth  = 3
	volumeCandleLimit = volumeWindow + 1 // includes the still-forming candle
)

// gateSchedule holds checkpoint offsets measured from the first-tranche fill.
type gateSchedule struct {
	entry2 [2]time.Duration
	entry3 [3]time.Duration
}

var gateSchedules = map[string]gateSchedule{
	"15m": {
		entry2: [2]time.Duration{45 * time.Second, 75 * time.Second},
		entry3: [3]time.Duration{75 * time.Second, 105 * time.Second, 135 * time.Second},
	},
	"30m": {
		entry2: [2]time.Duration{90 * time.Second, 150 * time.Second},
		entry3: [3]time.Duration{150 * time.Second, 210 * time.Second, 270 * time.Second},
	},
	"1h": {
		entry2: [2]time.Duration{180 * time.Second, 300 * time.Second},
		entry3: [3]time.Duration{300 * time.Second, 420 * time.Second, 540 * time.Second},
	},
}

func scheduleFor(timeframe string) gateSchedule {
	if s, ok := gateSchedules[timeframe]; ok {
		return s
	}
	return gateSchedules["15m"]
}

// tranche is one slice of the staged entry.
type tranche struct {
	executedQty   float64
	executedPrice float64
	filled        bool
}

// runContext aggregates the state of one orchestrator run. It is owned by a
// single run and discarded when the run ends.
type runContext struct {
	signal   Signal
	side     execution.Side
	anchor   time.Time
	qty20    float64
	qty40    float64
	tranches [3]tranche

	// true once the inline stop-loss after the second tranche is live
	stopPlaced bool
}

func (rc *runContext) filledQty() float64 {
	var total float64
	for _, t := range rc.tranches {
		if t.filled {
			total += t.executedQty
		}
	}
	return total
}

func (rc *runContext) weightedAvgEntry() float64 {
	var notional, qty float64
	for _, t := range rc.tranches {
		if t.filled {
			notional += t.executedPrice * t.executedQty
			qty += t.executedQty
		}
	}
	if qty == 0 {
		return 0
	}
	return notional / qty
}

// Orchestrator executes trade runs. One instance serves all symbols; runs
// for different symbols proceed in parallel, runs for the same symbol are
// mutually exclusive.
type Orchestrator struct {
	gateway    Gateway
	indicators IndicatorSource
	formatter  *precision.Formatter
	audit      AuditSink
	locks      *SymbolLocks
	logger     *zap.Logger

	// Injected clock, overridden in tests. sleepUntil anchors checkpoints
	// on the monotonic clock so gateway latency cannot shift the schedule.
	now        func() time.Time
	sleepUntil func(time.Time)
}

// NewOrchestrator wires an orchestrator. audit may be nil.
func NewOrchestrator(gateway Gateway, indicators IndicatorSource, formatter *precision.Formatter, sink AuditSink, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		gateway:    gateway,
		indicators: indicators,
		formatter:  formatter,
		audit:      sink,
		locks:      NewSymbolLocks(),
		logger:     logger,
		now:        time.Now,
		sleepUntil: func(t time.Time) {
			if d := time.Until(t); d > 0 {
				time.Sleep(d)
			}
		},
	}
}

// Locks exposes the symbol lock set, mainly for intake-side introspection.
func (o *Orchestrator) Locks() *SymbolLocks { return o.locks }

// Run executes the full trade life cycle for one signal. It blocks for the
// duration of the run (minutes) and is meant to be launched on its own
// goroutine, one per signal. All failures are handled here; Run never
// panics outward and always releases the symbol lock.
func (o *Orchestrator) Run(ctx context.Context, sig Signal) {
	log := o.logger.With(
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.String("timeframe", sig.Timeframe),
		zap.Int("leverage", sig.Leverage))

	if !o.locks.TryAcquire(sig.Symbol) {
		log.Warn("symbol already has a run in flight, signal dropped")
		return
	}
	defer o.locks.Release(sig.Symbol)

	defer func() {
		if r := recover(); r != nil {
			log.Error("trade run panicked", zap.Any("panic", r))
		}
	}()

	if err := o.run(ctx, sig, log); err != nil {
		log.Error("trade run aborted", zap.Error(err))
		return
	}
	log.Info("trade run completed")
}

func (o *Orchestrator) run(ctx context.Context, sig Signal, log *zap.Logger) error {
	rc := &runContext{signal: sig, side: sig.Direction.Side()}

	// Flatten any existing exposure. Best-effort: a failure here is logged
	// and the run proceeds.
	o.flatten(ctx, sig.Symbol, log)

	// Configure leverage and margin. Leverage is a hard requirement; an
	// already-isolated margin answer is tolerated inside the gateway.
	if err := o.gateway.SetLeverage(ctx, sig.Symbol, sig.Leverage); err != nil {
		return fmt.Errorf("set leverage: %w", err)
	}
	if err := o.gateway.SetMarginMode(ctx, sig.Symbol, execution.MarginIsolated); err != nil {
		log.Warn("margin mode not applied", zap.Error(err))
	}

	// Size the position off the mark price and the trend level.
	markPrice, err := o.gateway.GetMarkPrice(ctx, sig.Symbol)
	if err != nil {
		return fmt.Errorf("mark price: %w", err)
	}
	trendLevel, err := o.indicators.TrendLevel(ctx, sig.Symbol, sig.Timeframe)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrTrendUnavailable, err)
	}

	notional := NotionalUSDT(sig.Timeframe, sig.Direction, markPrice, trendLevel)
	totalQty := notional / markPrice

	var adjusted bool
	rc.qty20, adjusted = o.formatter.FormatQuantity(sig.Symbol, totalQty*firstFraction)
	if adjusted {
		log.Warn("first tranche quantity overridden by precision fallback")
	}
	rc.qty40, adjusted = o.formatter.FormatQuantity(sig.Symbol, totalQty*followUpFraction)
	if adjusted {
		log.Warn("follow-up tranche quantity overridden by precision fallback")
	}
	if !o.formatter.Known(sig.Symbol) {
		log.Warn("symbol missing from precision tables, using degraded defaults")
	}

	log.Info("position sized",
		zap.Float64("mark_price", markPrice),
		zap.Float64("trend_level", trendLevel),
		zap.Float64("notional_usdt", notional),
		zap.Float64("qty20", rc.qty20),
		zap.Float64("qty40", rc.qty40))

	// Tranche 1: 20% at market. A zero fill is a hard abort.
	executed, err := o.gateway.PlaceMarketOrder(ctx, sig.Symbol, rc.side, rc.qty20, false)
	if err != nil {
		return fmt.Errorf("first tranche: %w", err)
	}
	if executed == 0 {
		return errors.New("first tranche not filled")
	}
	rc.tranches[0] = tranche{executedQty: executed, executedPrice: markPrice, filled: true}
	rc.anchor = o.now()
	o.record(rc, "ENTRY_1", executed, markPrice, 0, "20% tranche filled")
	log.Info("first tranche filled", zap.Float64("qty", executed), zap.Float64("price", markPrice))

	schedule := scheduleFor(sig.Timeframe)

	o.runEntry2Gate(ctx, rc, schedule, log)

	if rc.tranches[1].filled {
		o.runEntry3Gate(ctx, rc, schedule, log)
	}

	// Fallback protection: two tranches filled but the inline stop never
	// made it to the exchange.
	if rc.tranches[1].filled && !rc.stopPlaced {
		if err := o.PlaceProtectiveStop(ctx, sig.Symbol, rc.side, rc.tranches[0].executedPrice, rc.tranches[1].executedPrice); err != nil {
			log.Error("protective stop fallback failed", zap.Error(err))
		} else {
			rc.stopPlaced = true
		}
	}

	return nil
}

// flatten closes any open position and cancels resting orders for the
// symbol so the new run starts from a clean slate.
func (o *Orchestrator) flatten(ctx context.Context, symbol string, log *zap.Logger) {
	amount, err := o.gateway.GetPositionAmount(ctx, symbol)
	if err != nil {
		log.Warn("position query failed during flatten", zap.Error(err))
		return
	}
	if amount == 0 {
		return
	}

	side := execution.SideSell
	if amount < 0 {
		side = execution.SideBuy
	}
	qty := math.Abs(amount)

	log.Info("closing existing position", zap.Float64("amount", amount), zap.String("close_side", string(side)))
	if _, err := o.gateway.PlaceMarketOrder(ctx, symbol, side, qty, true); err != nil {
		log.Warn("position close failed during flatten", zap.Error(err))
	}
	if err := o.gateway.CancelAllOpenOrders(ctx, symbol); err != nil {
		log.Warn("order cancellation failed during flatten", zap.Error(err))
	}
}

// runEntry2Gate attempts the 40% second tranche at the schedule's two
// checkpoints. The gate needs the price above the first entry and a
// short-term volume surge. Once a checkpoint is satisfied and the tranche
// fills, a provisional stop-loss goes out immediately; if neither checkpoint
// is satisfied the tranche is skipped for good.
func (o *Orchestrator) runEntry2Gate(ctx context.Context, rc *runContext, schedule gateSchedule, log *zap.Logger) {
	symbol := rc.signal.Symbol

	for _, offset := range schedule.entry2 {
		o.sleepUntil(rc.anchor.Add(offset))

		priceNow, err := o.gateway.GetMarkPrice(ctx, symbol)
		if err != nil {
			log.Warn("mark price unavailable at second-tranche checkpoint", zap.Error(err))
			continue
		}
		surge, err := o.volumeSurge(ctx, symbol)
		if err != nil {
			log.Warn("volume check unavailable at second-tranche checkpoint", zap.Error(err))
			continue
		}
		if priceNow <= rc.tranches[0].executedPrice || !surge {
			continue
		}

		executed, err := o.gateway.PlaceMarketOrder(ctx, symbol, rc.side, rc.qty40, false)
		if err != nil || executed == 0 {
			// Terminal for this tranche; the gate is not re-armed.
			log.Warn("second tranche order failed", zap.Error(err))
			return
		}

		rc.tranches[1] = tranche{executedQty: executed, executedPrice: priceNow, filled: true}
		o.record(rc, "ENTRY_2", executed, priceNow, 0, "40% tranche filled")
		log.Info("second tranche filled", zap.Float64("qty", executed), zap.Float64("price", priceNow))

		o.placeInlineStop(ctx, rc, log)
		return
	}

	log.Info("second tranche skipped, gate never satisfied")
}

// placeInlineStop places the provisional stop-loss that must exist as soon
// as two tranches are filled: 3% off the quantity-weighted average entry,
// opposite side, 60% of the cumulative filled quantity, GTC.
func (o *Orchestrator) placeInlineStop(ctx context.Context, rc *runContext, log *zap.Logger) {
	symbol := rc.signal.Symbol

	stopPrice := o.formatter.FormatPrice(symbol, rc.weightedAvgEntry()*inlineStopOffset)
	stopQty, _ := o.formatter.FormatQuantity(symbol, rc.filledQty()*inlineStopFraction)

	if err := o.gateway.PlaceStopMarket(ctx, symbol, rc.side.Opposite(), stopPrice, stopQty, false); err != nil {
		log.Error("provisional stop-loss placement failed", zap.Error(err))
		return
	}
	rc.stopPlaced = true
	o.record(rc, "STOP_LOSS", stopQty, rc.weightedAvgEntry(), stopPrice, "provisional stop after second tranche")
	log.Info("provisional stop-loss placed", zap.Float64("stop_price", stopPrice), zap.Float64("qty", stopQty))
}

// runEntry3Gate attempts the final 40% tranche at the schedule's three
// checkpoints, gated on price above the second entry and momentum above 58.
// A fill immediately places the take-profit; an unsatisfied gate skips the
// tranche permanently and leaves the position with only its stop-loss.
func (o *Orchestrator) runEntry3Gate(ctx context.Context, rc *runContext, schedule gateSchedule, log *zap.Logger) {
	symbol := rc.signal.Symbol

	for _, offset := range schedule.entry3 {
		o.sleepUntil(rc.anchor.Add(offset))

		priceNow, err := o.gateway.GetMarkPrice(ctx, symbol)
		if err != nil {
			log.Warn("mark price unavailable at third-tranche checkpoint", zap.Error(err))
			continue
		}
		momentum := o.indicators.Momentum(ctx, symbol)
		if priceNow <= rc.tranches[1].executedPrice || momentum <= momentumGate {
			continue
		}

		executed, err := o.gateway.PlaceMarketOrder(ctx, symbol, rc.side, rc.qty40, false)
		if err != nil || executed == 0 {
			log.Warn("third tranche order failed", zap.Error(err))
			return
		}

		rc.tranches[2] = tranche{executedQty: executed, executedPrice: priceNow, filled: true}
		o.record(rc, "ENTRY_3", executed, priceNow, 0, "40% tranche filled")
		log.Info("third tranche filled",
			zap.Float64("qty", executed),
			zap.Float64("price", priceNow),
			zap.Float64("momentum", momentum))

		o.placeTakeProfit(ctx, rc, log)
		return
	}

	log.Info("third tranche skipped, gate never satisfied")
}

// placeTakeProfit places the reduce-only limit exit after the third tranche:
// 8% beyond the third entry price, 40% of the total filled quantity.
func (o *Orchestrator) placeTakeProfit(ctx context.Context, rc *runContext, log *zap.Logger) {
	symbol := rc.signal.Symbol
	entryPrice := rc.tranches[2].executedPrice

	target := entryPrice * takeProfitGain
	if rc.side == execution.SideSell {
		target = entryPrice * takeProfitDrop
	}
	tpPrice := o.formatter.FormatPrice(symbol, target)
	tpQty, _ := o.formatter.FormatQuantity(symbol, rc.filledQty()*takeProfitFraction)

	if err := o.gateway.PlaceLimit(ctx, symbol, rc.side.Opposite(), tpPrice, tpQty, true, execution.TimeInForceGTC); err != nil {
		log.Error("take-profit placement failed", zap.Error(err))
		return
	}
	o.record(rc, "TAKE_PROFIT", tpQty, entryPrice, tpPrice, "take profit after third tranche")
	log.Info("take-profit placed", zap.Float64("price", tpPrice), zap.Float64("qty", tpQty))
}

// volumeSurge reports whether the summed volume of the three most recent
// completed one-minute candles exceeds the average of the last twenty. The
// still-forming candle is excluded.
func (o *Orchestrator) volumeSurge(ctx context.Context, symbol string) (bool, error) {
	klines, err := o.gateway.GetRecentCandles(ctx, symbol, "1m", volumeCandleLimit)
	if err != nil {
		return false, err
	}
	if len(klines) < volumeCandleLimit {
		return false, fmt.Errorf("volume check needs %d candles, got %d", volumeCandleLimit, len(klines))
	}

	completed := klines[:len(klines)-1]

	var recent float64
	for _, k := range completed[len(completed)-volumeSurgeDepth:] {
		recent += k.Volume
	}
	var total float64
	for _, k := range completed {
		total += k.Volume
	}
	average := total / float64(volumeWindow)

	return recent > average, nil
}

func (o *Orchestrator) recordSimple(symbol, action string, qty, entryPrice, stopPrice float64, note string) {
	o.audit.Record(audit.Entry{
		Symbol:     symbol,
		Action:     action,
		Quantity:   qty,
		EntryPrice: entryPrice,
		StopPrice:  stopPrice,
		Executed:   "true",
		Note:       note,
	})
}

func (o *Orchestrator) record(rc *runContext, action string, qty, entryPrice, stopPrice float64, note string) {
	if o.audit == nil {
		return
	}
	o.audit.Record(audit.Entry{
		Symbol:     rc.signal.Symbol,
		Action:     action,
		Quantity:   qty,
		EntryPrice: entryPrice,
		StopPrice:  stopPrice,
		Timeframe:  rc.signal.Timeframe,
		Leverage:   rc.signal.Leverage,
		Executed:   "true",
		Note:       note,
	})
}
