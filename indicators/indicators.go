// Package indicators computes the trend and momentum gates used by the trade
// orchestrator from historical candle queries.
package indicators

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"futures-entry-bot/execution"
)

// CandleSource supplies recent candle history. The order gateway satisfies it.
type CandleSource interface {
	GetRecentCandles(ctx context.Context, symbol, interval string, limit int) ([]execution.Kline, error)
}

// ErrInsufficientHistory marks a trend computation that had too few candles
// to mean anything. The caller must abort rather than guess a trend.
var ErrInsufficientHistory = errors.New("insufficient candle history")

const (
	trendSpan        = 200
	momentumPeriod   = 14
	momentumInterval = "1m"
	neutralMomentum  = 50.0
)

// trendIntervals maps a signal timeframe to the higher aggregation interval
// the trend EMA is computed on.
var trendIntervals = map[string]string{
	"15m": "2h",
	"30m": "4h",
	"1h":  "4h",
	"2h":  "8h",
	"4h":  "12h",
}

const defaultTrendInterval = "4h"

// Engine computes indicator values on demand. It holds no state between
// calls; every value is derived from a fresh candle query.
type Engine struct {
	source CandleSource
	logger *zap.Logger
}

// NewEngine builds an indicator engine over the candle source.
func NewEngine(source CandleSource, logger *zap.Logger) *Engine {
	return &Engine{source: source, logger: logger}
}

// TrendLevel returns the EMA-200 of closes at the timeframe's trend interval.
// The EMA is seeded with the first close and smoothed recursively with
// alpha = 2/(span+1). Failure to retrieve enough history is a hard error:
// position sizing must not proceed on a guessed trend.
func (e *Engine) TrendLevel(ctx context.Context, symbol, timeframe string) (float64, error) {
	interval, ok := trendIntervals[timeframe]
	if !ok {
		interval = defaultTrendInterval
	}

	klines, err := e.source.GetRecentCandles(ctx, symbol, interval, trendSpan)
	if err != nil {
		return 0, fmt.Errorf("trend history for %s: %w", symbol, err)
	}
	if len(klines) < 2 {
		return 0, fmt.Errorf("trend history for %s (%d candles): %w", symbol, len(klines), ErrInsufficientHistory)
	}

	alpha := 2.0 / float64(trendSpan+1)
	ema := klines[0].Close
	for _, k := range klines[1:] {
		ema = alpha*k.Close + (1-alpha)*ema
	}

	e.logger.Info("trend level computed",
		zap.String("symbol", symbol),
		zap.String("interval", interval),
		zap.Float64("ema", ema))
	return ema, nil
}

// Momentum returns the Wilder-style RSI over the last 14 one-minute candles.
// Momentum is a soft gate: any retrieval or computation failure degrades to
// the neutral value 50 instead of propagating.
func (e *Engine) Momentum(ctx context.Context, symbol string) float64 {
	klines, err := e.source.GetRecentCandles(ctx, symbol, momentumInterval, momentumPeriod+1)
	if err != nil {
		e.logger.Warn("momentum history unavailable, using neutral",
			zap.String("symbol", symbol),
			zap.Error(err))
		return neutralMomentum
	}
	if len(klines) < momentumPeriod+1 {
		e.logger.Warn("momentum history too short, using neutral",
			zap.String("symbol", symbol),
			zap.Int("candles", len(klines)))
		return neutralMomentum
	}

	closes := make([]float64, len(klines))
	for i, k := range klines {
		closes[i] = k.Close
	}
	return rsi(closes[len(closes)-momentumPeriod-1:], momentumPeriod)
}

// rsi computes RSI over period+1 closes: separate means of positive deltas
// and negated negative deltas, RS = gain/loss with RS = 0 when the mean loss
// is zero.
func rsi(closes []float64, period int) float64 {
	var gains, losses float64
	for i := 1; i <= period; i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses += -delta
		}
	}

	meanGain := gains / float64(period)
	meanLoss := losses / float64(period)

	rs := 0.0
	if meanLoss != 0 {
		rs = meanGain / meanLoss
	}
	return 100 - 100/(1+rs)
}
