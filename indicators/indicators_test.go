package indicators

import (
	"context"
	"errors"
	"math"
	"testing"

	"go.uber.org/zap"

	"futures-entry-bot/execution"
)

type stubSource struct {
	klines    []execution.Kline
	err       error
	intervals []string
	limits    []int
}

func (s *stubSource) GetRecentCandles(_ context.Context, _ string, interval string, limit int) ([]execution.Kline, error) {
	s.intervals = append(s.intervals, interval)
	s.limits = append(s.limits, limit)
	return s.klines, s.err
}

func klinesFromCloses(closes ...float64) []execution.Kline {
	klines := make([]execution.Kline, len(closes))
	for i, c := range closes {
		klines[i] = execution.Kline{Close: c}
	}
	return klines
}

func newTestEngine(source CandleSource) *Engine {
	return NewEngine(source, zap.NewNop())
}

func TestTrendLevelIntervalMapping(t *testing.T) {
	cases := map[string]string{
		"15m": "2h",
		"30m": "4h",
		"1h":  "4h",
		"2h":  "8h",
		"4h":  "12h",
		"5m":  "4h", // unknown timeframe defaults to 4h
	}

	for timeframe, want := range cases {
		source := &stubSource{klines: klinesFromCloses(10, 11, 12)}
		e := newTestEngine(source)
		if _, err := e.TrendLevel(context.Background(), "BTCUSDT", timeframe); err != nil {
			t.Fatalf("%s: unexpected error: %v", timeframe, err)
		}
		if source.intervals[0] != want {
			t.Errorf("timeframe %s: expected interval %s, got %s", timeframe, want, source.intervals[0])
		}
		if source.limits[0] != 200 {
			t.Errorf("timeframe %s: expected limit 200, got %d", timeframe, source.limits[0])
		}
	}
}

func TestTrendLevelEMARecursion(t *testing.T) {
	// Seed = first close, then one smoothing step with alpha = 2/201.
	source := &stubSource{klines: klinesFromCloses(10, 20)}
	e := newTestEngine(source)

	got, err := e.TrendLevel(context.Background(), "BTCUSDT", "15m")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	alpha := 2.0 / 201.0
	want := alpha*20 + (1-alpha)*10
	if math.Abs(got-want) > 1e-12 {
		t.Errorf("expected %v, got %v", want, got)
	}
}

func TestTrendLevelConstantSeries(t *testing.T) {
	closes := make([]float64, 200)
	for i := range closes {
		closes[i] = 42.5
	}
	e := newTestEngine(&stubSource{klines: klinesFromCloses(closes...)})

	got, err := e.TrendLevel(context.Background(), "ETHUSDT", "1h")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if math.Abs(got-42.5) > 1e-9 {
		t.Errorf("EMA of a constant series must be the constant, got %v", got)
	}
}

func TestTrendLevelUnavailable(t *testing.T) {
	e := newTestEngine(&stubSource{err: errors.New("connection reset")})
	if _, err := e.TrendLevel(context.Background(), "BTCUSDT", "15m"); err == nil {
		t.Error("retrieval failure must be an error")
	}

	e = newTestEngine(&stubSource{klines: klinesFromCloses(100)})
	_, err := e.TrendLevel(context.Background(), "BTCUSDT", "15m")
	if !errors.Is(err, ErrInsufficientHistory) {
		t.Errorf("expected ErrInsufficientHistory, got %v", err)
	}
}

func momentumCloses(deltas ...float64) []float64 {
	closes := make([]float64, 0, len(deltas)+1)
	price := 100.0
	closes = append(closes, price)
	for _, d := range deltas {
		price += d
		closes = append(closes, price)
	}
	return closes
}

func TestMomentumNeutralAtEqualGainLoss(t *testing.T) {
	// Alternating +1/-1 over 14 deltas: mean gain = mean loss => RSI = 50.
	deltas := make([]float64, 14)
	for i := range deltas {
		if i%2 == 0 {
			deltas[i] = 1
		} else {
			deltas[i] = -1
		}
	}
	e := newTestEngine(&stubSource{klines: klinesFromCloses(momentumCloses(deltas...)...)})

	got := e.Momentum(context.Background(), "BTCUSDT")
	if math.Abs(got-50) > 1e-9 {
		t.Errorf("expected RSI 50, got %v", got)
	}
}

func TestMomentumZeroLoss(t *testing.T) {
	// All-gain series: mean loss is exactly zero, RS is defined as 0.
	deltas := make([]float64, 14)
	for i := range deltas {
		deltas[i] = 1
	}
	e := newTestEngine(&stubSource{klines: klinesFromCloses(momentumCloses(deltas...)...)})

	got := e.Momentum(context.Background(), "BTCUSDT")
	if got != 0 {
		t.Errorf("zero mean loss means RS=0 and RSI=0, got %v", got)
	}
}

func TestMomentumApproachesHundredAsLossShrinks(t *testing.T) {
	deltas := make([]float64, 14)
	for i := range deltas {
		deltas[i] = 1
	}
	deltas[13] = -1e-9
	e := newTestEngine(&stubSource{klines: klinesFromCloses(momentumCloses(deltas...)...)})

	got := e.Momentum(context.Background(), "BTCUSDT")
	if got < 99.9 {
		t.Errorf("vanishing mean loss should push RSI toward 100, got %v", got)
	}
}

func TestMomentumFailureReturnsNeutral(t *testing.T) {
	e := newTestEngine(&stubSource{err: errors.New("timeout")})
	if got := e.Momentum(context.Background(), "BTCUSDT"); got != 50 {
		t.Errorf("failure must degrade to 50, got %v", got)
	}

	e = newTestEngine(&stubSource{klines: klinesFromCloses(1, 2, 3)})
	if got := e.Momentum(context.Background(), "BTCUSDT"); got != 50 {
		t.Errorf("short history must degrade to 50, got %v", got)
	}
}

func TestMomentumRequestShape(t *testing.T) {
	source := &stubSource{err: errors.New("n/a")}
	e := newTestEngine(source)
	e.Momentum(context.Background(), "BTCUSDT")

	if source.intervals[0] != "1m" {
		t.Errorf("momentum interval must be 1m, got %s", source.intervals[0])
	}
	if source.limits[0] != 15 {
		t.Errorf("momentum needs period+1 = 15 candles, got %d", source.limits[0])
	}
}
