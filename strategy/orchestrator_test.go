package strategy

import (
	"context"
	"errors"
	"math"
	"testing"
	"time"

	"go.uber.org/zap"

	"futures-entry-bot/audit"
	"futures-entry-bot/execution"
	"futures-entry-bot/precision"
)

type marketCall struct {
	symbol     string
	side       execution.Side
	qty        float64
	reduceOnly bool
}

type stopCall struct {
	symbol     string
	side       execution.Side
	stopPrice  float64
	qty        float64
	reduceOnly bool
}

type limitCall struct {
	symbol     string
	side       execution.Side
	price      float64
	qty        float64
	reduceOnly bool
	tif        execution.TimeInForce
}

// fakeGateway scripts exchange responses as sequences that stick on their
// last value once exhausted, and records every order it receives.
type fakeGateway struct {
	markPrices  []float64
	markIdx     int
	markErr     error
	positions   []float64
	positionIdx int
	positionErr error
	candles     []execution.Kline
	candlesErr  error
	fills       []float64
	fillIdx     int
	marketErr   error
	stopErrs    []error
	stopIdx     int
	limitErr    error
	leverageErr error
	marginErr   error

	marketCalls []marketCall
	stopCalls   []stopCall
	limitCalls  []limitCall
	cancels     []string
	leverages   []int
	margins     []execution.MarginMode
}

func popSeq(seq []float64, idx *int) float64 {
	if len(seq) == 0 {
		return 0
	}
	if *idx >= len(seq) {
		return seq[len(seq)-1]
	}
	v := seq[*idx]
	*idx++
	return v
}

func (f *fakeGateway) PlaceMarketOrder(_ context.Context, symbol string, side execution.Side, qty float64, reduceOnly bool) (float64, error) {
	f.marketCalls = append(f.marketCalls, marketCall{symbol, side, qty, reduceOnly})
	if f.marketErr != nil {
		return 0, f.marketErr
	}
	if len(f.fills) == 0 {
		return qty, nil
	}
	return popSeq(f.fills, &f.fillIdx), nil
}

func (f *fakeGateway) PlaceStopMarket(_ context.Context, symbol string, side execution.Side, stopPrice, qty float64, reduceOnly bool) error {
	f.stopCalls = append(f.stopCalls, stopCall{symbol, side, stopPrice, qty, reduceOnly})
	if f.stopIdx < len(f.stopErrs) {
		err := f.stopErrs[f.stopIdx]
		f.stopIdx++
		return err
	}
	return nil
}

func (f *fakeGateway) PlaceLimit(_ context.Context, symbol string, side execution.Side, price, qty float64, reduceOnly bool, tif execution.TimeInForce) error {
	f.limitCalls = append(f.limitCalls, limitCall{symbol, side, price, qty, reduceOnly, tif})
	return f.limitErr
}

func (f *fakeGateway) CancelAllOpenOrders(_ context.Context, symbol string) error {
	f.cancels = append(f.cancels, symbol)
	return nil
}

func (f *fakeGateway) GetMarkPrice(_ context.Context, _ string) (float64, error) {
	if f.markErr != nil {
		return 0, f.markErr
	}
	return popSeq(f.markPrices, &f.markIdx), nil
}

func (f *fakeGateway) GetPositionAmount(_ context.Context, _ string) (float64, error) {
	if f.positionErr != nil {
		return 0, f.positionErr
	}
	return popSeq(f.positions, &f.positionIdx), nil
}

func (f *fakeGateway) GetRecentCandles(_ context.Context, _, _ string, _ int) ([]execution.Kline, error) {
	return f.candles, f.candlesErr
}

func (f *fakeGateway) SetLeverage(_ context.Context, _ string, leverage int) error {
	f.leverages = append(f.leverages, leverage)
	return f.leverageErr
}

func (f *fakeGateway) SetMarginMode(_ context.Context, _ string, mode execution.MarginMode) error {
	f.margins = append(f.margins, mode)
	return f.marginErr
}

type fakeIndicators struct {
	trend    float64
	trendErr error
	momentum float64
}

func (f *fakeIndicators) TrendLevel(context.Context, string, string) (float64, error) {
	return f.trend, f.trendErr
}

func (f *fakeIndicators) Momentum(context.Context, string) float64 { return f.momentum }

type recordingSink struct {
	entries []audit.Entry
}

func (s *recordingSink) Record(e audit.Entry) { s.entries = append(s.entries, e) }

type fakeClock struct {
	base  time.Time
	slept []time.Duration
}

func (c *fakeClock) sleepUntil(t time.Time) { c.slept = append(c.slept, t.Sub(c.base)) }

// surgeCandles builds twenty completed one-minute candles whose last three
// volumes dwarf the window average, plus a still-forming candle that must
// be ignored.
func surgeCandles() []execution.Kline {
	ks := make([]execution.Kline, 0, 21)
	for i := 0; i < 17; i++ {
		ks = append(ks, execution.Kline{Volume: 1})
	}
	for i := 0; i < 3; i++ {
		ks = append(ks, execution.Kline{Volume: 10})
	}
	return append(ks, execution.Kline{Volume: 999})
}

func flatCandles() []execution.Kline {
	ks := make([]execution.Kline, 21)
	for i := range ks {
		ks[i].Volume = 5
	}
	return ks
}

func newTestOrchestrator(gw *fakeGateway, ind *fakeIndicators) (*Orchestrator, *recordingSink, *fakeClock) {
	sink := &recordingSink{}
	clock := &fakeClock{base: time.Unix(1_700_000_000, 0)}
	fmtr := precision.NewFormatter(precision.DefaultTable(), zap.NewNop())
	o := NewOrchestrator(gw, ind, fmtr, sink, zap.NewNop())
	o.now = func() time.Time { return clock.base }
	o.sleepUntil = clock.sleepUntil
	return o, sink, clock
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestRunFullThreeTrancheLong(t *testing.T) {
	gw := &fakeGateway{
		positions:  []float64{0},
		markPrices: []float64{50000, 50100, 50200},
		candles:    surgeCandles(),
	}
	ind := &fakeIndicators{trend: 49000, momentum: 60}
	o, sink, clock := newTestOrchestrator(gw, ind)

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	// Aligned long on 15m: 600 USDT at 50000 is 0.012 BTC total, split
	// 0.002 / 0.004 / 0.004 after precision truncation.
	if len(gw.marketCalls) != 3 {
		t.Fatalf("expected 3 market orders, got %d: %+v", len(gw.marketCalls), gw.marketCalls)
	}
	for i, want := range []float64{0.002, 0.004, 0.004} {
		c := gw.marketCalls[i]
		if c.side != execution.SideBuy || !approx(c.qty, want) || c.reduceOnly {
			t.Fatalf("market order %d = %+v, want BUY %v reduceOnly=false", i, c, want)
		}
	}

	if len(gw.stopCalls) != 1 {
		t.Fatalf("expected 1 stop order, got %d", len(gw.stopCalls))
	}
	stop := gw.stopCalls[0]
	// Weighted average entry (100 + 200.4)/0.006 = 50066.66, times 0.97,
	// truncated to two decimals.
	if stop.side != execution.SideSell || !approx(stop.stopPrice, 48564.66) || !approx(stop.qty, 0.003) || stop.reduceOnly {
		t.Fatalf("stop order = %+v, want SELL 0.003 @ 48564.66 reduceOnly=false", stop)
	}

	if len(gw.limitCalls) != 1 {
		t.Fatalf("expected 1 take-profit, got %d", len(gw.limitCalls))
	}
	tp := gw.limitCalls[0]
	if tp.side != execution.SideSell || !approx(tp.price, 54216) || !approx(tp.qty, 0.004) || !tp.reduceOnly || tp.tif != execution.TimeInForceGTC {
		t.Fatalf("take-profit = %+v, want SELL 0.004 @ 54216 reduceOnly=true GTC", tp)
	}

	// Both gates passed on their first checkpoint.
	wantSlept := []time.Duration{45 * time.Second, 75 * time.Second}
	if len(clock.slept) != len(wantSlept) {
		t.Fatalf("slept %v, want %v", clock.slept, wantSlept)
	}
	for i, d := range wantSlept {
		if clock.slept[i] != d {
			t.Fatalf("checkpoint %d at %v, want %v", i, clock.slept[i], d)
		}
	}

	wantActions := []string{"ENTRY_1", "ENTRY_2", "STOP_LOSS", "ENTRY_3", "TAKE_PROFIT"}
	if len(sink.entries) != len(wantActions) {
		t.Fatalf("audit entries %d, want %d", len(sink.entries), len(wantActions))
	}
	for i, a := range wantActions {
		if sink.entries[i].Action != a {
			t.Fatalf("audit entry %d action %q, want %q", i, sink.entries[i].Action, a)
		}
	}

	if o.locks.Held("BTCUSDT") {
		t.Fatal("lock must be released after a completed run")
	}
}

func TestRunSecondTrancheGateNeverSatisfied(t *testing.T) {
	gw := &fakeGateway{
		positions:  []float64{0},
		markPrices: []float64{50000, 49900, 49900},
		candles:    surgeCandles(),
	}
	ind := &fakeIndicators{trend: 49000, momentum: 60}
	o, _, clock := newTestOrchestrator(gw, ind)

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	if len(gw.marketCalls) != 1 {
		t.Fatalf("only the first tranche should fill, got %d orders", len(gw.marketCalls))
	}
	if len(gw.stopCalls) != 0 || len(gw.limitCalls) != 0 {
		t.Fatal("no protective orders expected for a single-tranche position")
	}
	// Two second-tranche checkpoints and nothing beyond.
	if len(clock.slept) != 2 || clock.slept[0] != 45*time.Second || clock.slept[1] != 75*time.Second {
		t.Fatalf("slept %v, want [45s 75s]", clock.slept)
	}
}

func TestRunVolumeGateBlocksSecondTranche(t *testing.T) {
	gw := &fakeGateway{
		positions:  []float64{0},
		markPrices: []float64{50000, 50100, 50100},
		candles:    flatCandles(),
	}
	ind := &fakeIndicators{trend: 49000, momentum: 60}
	o, _, _ := newTestOrchestrator(gw, ind)

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	if len(gw.marketCalls) != 1 {
		t.Fatalf("flat volume should block the second tranche, got %d orders", len(gw.marketCalls))
	}
}

func TestRunFirstTrancheZeroFillAborts(t *testing.T) {
	gw := &fakeGateway{
		positions:  []float64{0},
		markPrices: []float64{50000},
		candles:    surgeCandles(),
		fills:      []float64{0},
	}
	ind := &fakeIndicators{trend: 49000, momentum: 60}
	o, sink, clock := newTestOrchestrator(gw, ind)

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	if len(gw.marketCalls) != 1 {
		t.Fatalf("expected exactly the aborted first tranche, got %d orders", len(gw.marketCalls))
	}
	if len(clock.slept) != 0 {
		t.Fatal("no checkpoints should run after an aborted first tranche")
	}
	if len(sink.entries) != 0 {
		t.Fatal("no fills, no audit entries")
	}
	if o.locks.Held("BTCUSDT") {
		t.Fatal("lock must be released after an aborted run")
	}
}

func TestRunLockConflictDropsSignal(t *testing.T) {
	gw := &fakeGateway{}
	o, _, _ := newTestOrchestrator(gw, &fakeIndicators{})

	if !o.locks.TryAcquire("BTCUSDT") {
		t.Fatal("setup acquire failed")
	}
	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	if len(gw.leverages) != 0 || len(gw.marketCalls) != 0 {
		t.Fatal("a conflicting signal must not touch the exchange")
	}
	if !o.locks.Held("BTCUSDT") {
		t.Fatal("the original holder's lock must survive the dropped signal")
	}
}

func TestRunTrendUnavailableAborts(t *testing.T) {
	gw := &fakeGateway{
		positions:  []float64{0},
		markPrices: []float64{50000},
	}
	ind := &fakeIndicators{trendErr: errors.New("klines unavailable")}
	o, _, _ := newTestOrchestrator(gw, ind)

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	if len(gw.marketCalls) != 0 {
		t.Fatal("no orders may be placed without a trend level")
	}
	if o.locks.Held("BTCUSDT") {
		t.Fatal("lock must be released after the abort")
	}
}

func TestRunFlattensExistingPosition(t *testing.T) {
	gw := &fakeGateway{
		positions:   []float64{0.5},
		leverageErr: errors.New("leverage rejected"),
	}
	o, _, _ := newTestOrchestrator(gw, &fakeIndicators{trend: 49000})

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	if len(gw.marketCalls) != 1 {
		t.Fatalf("expected only the flattening close, got %d orders", len(gw.marketCalls))
	}
	c := gw.marketCalls[0]
	if c.side != execution.SideSell || !approx(c.qty, 0.5) || !c.reduceOnly {
		t.Fatalf("close order = %+v, want reduce-only SELL 0.5", c)
	}
	if len(gw.cancels) != 1 || gw.cancels[0] != "BTCUSDT" {
		t.Fatalf("open orders not cancelled during flatten: %v", gw.cancels)
	}
}

func TestRunFallbackProtectiveStop(t *testing.T) {
	gw := &fakeGateway{
		positions:  []float64{0, 0.006},
		markPrices: []float64{50000, 50100, 50200},
		candles:    surgeCandles(),
		stopErrs:   []error{errors.New("stop rejected"), nil},
	}
	// Momentum pinned below the gate, so the third tranche never fills.
	ind := &fakeIndicators{trend: 49000, momentum: 50}
	o, _, clock := newTestOrchestrator(gw, ind)

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionLong, Leverage: 10, Timeframe: "15m"})

	if len(gw.marketCalls) != 2 {
		t.Fatalf("expected two tranches, got %d orders", len(gw.marketCalls))
	}
	if len(gw.stopCalls) != 2 {
		t.Fatalf("expected rejected inline stop plus fallback, got %d", len(gw.stopCalls))
	}

	fallback := gw.stopCalls[1]
	if fallback.side != execution.SideSell || !fallback.reduceOnly {
		t.Fatalf("fallback stop = %+v, want reduce-only SELL", fallback)
	}
	if !approx(fallback.qty, 0.003) {
		t.Fatalf("fallback stop qty = %v, want 0.003", fallback.qty)
	}
	// 0.4*50000 + 0.6*50100 = 50060, times 0.965.
	if fallback.stopPrice < 48307.8 || fallback.stopPrice > 48308.0 {
		t.Fatalf("fallback stop price = %v, want ~48307.9", fallback.stopPrice)
	}

	// One satisfied second-tranche checkpoint, then all three third-tranche
	// checkpoints exhausted.
	wantSlept := []time.Duration{45 * time.Second, 75 * time.Second, 105 * time.Second, 135 * time.Second}
	if len(clock.slept) != len(wantSlept) {
		t.Fatalf("slept %v, want %v", clock.slept, wantSlept)
	}
}

func TestRunShortDirectionSides(t *testing.T) {
	gw := &fakeGateway{
		positions:  []float64{0},
		markPrices: []float64{50000, 50100, 50200},
		candles:    surgeCandles(),
	}
	ind := &fakeIndicators{trend: 52000, momentum: 60}
	o, _, _ := newTestOrchestrator(gw, ind)

	o.Run(context.Background(), Signal{Symbol: "BTCUSDT", Direction: DirectionShort, Leverage: 10, Timeframe: "15m"})

	// Aligned short below trend: 600 USDT, same tranche split, SELL entries.
	if len(gw.marketCalls) != 3 {
		t.Fatalf("expected 3 market orders, got %d", len(gw.marketCalls))
	}
	for i, c := range gw.marketCalls {
		if c.side != execution.SideSell {
			t.Fatalf("entry %d side = %s, want SELL", i, c.side)
		}
	}
	if len(gw.stopCalls) != 1 || gw.stopCalls[0].side != execution.SideBuy {
		t.Fatalf("stop should buy back a short: %+v", gw.stopCalls)
	}
	// Short take-profit sits 8% below the third entry.
	tp := gw.limitCalls[0]
	if tp.side != execution.SideBuy || !approx(tp.price, 46184) {
		t.Fatalf("take-profit = %+v, want BUY @ 46184", tp)
	}
}

func TestVolumeSurge(t *testing.T) {
	o, _, _ := newTestOrchestrator(&fakeGateway{candles: surgeCandles()}, &fakeIndicators{})
	surge, err := o.volumeSurge(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("volumeSurge: %v", err)
	}
	if !surge {
		t.Fatal("three heavy closing candles should register as a surge")
	}

	o2, _, _ := newTestOrchestrator(&fakeGateway{candles: flatCandles()}, &fakeIndicators{})
	surge, err = o2.volumeSurge(context.Background(), "BTCUSDT")
	if err != nil {
		t.Fatalf("volumeSurge: %v", err)
	}
	if surge {
		t.Fatal("uniform volume must not register as a surge")
	}

	o3, _, _ := newTestOrchestrator(&fakeGateway{candles: surgeCandles()[:5]}, &fakeIndicators{})
	if _, err := o3.volumeSurge(context.Background(), "BTCUSDT"); err == nil {
		t.Fatal("short candle history should error")
	}
}

func TestPlaceProtectiveTakeProfit(t *testing.T) {
	gw := &fakeGateway{positions: []float64{0.01}}
	o, _, _ := newTestOrchestrator(gw, &fakeIndicators{})

	if err := o.PlaceProtectiveTakeProfit(context.Background(), "BTCUSDT", execution.SideBuy, 50000); err != nil {
		t.Fatalf("PlaceProtectiveTakeProfit: %v", err)
	}
	tp := gw.limitCalls[0]
	if tp.side != execution.SideSell || !approx(tp.price, 54000) || !approx(tp.qty, 0.004) || !tp.reduceOnly {
		t.Fatalf("take-profit = %+v, want reduce-only SELL 0.004 @ 54000", tp)
	}
}

func TestPlaceProtectiveStopNoPosition(t *testing.T) {
	gw := &fakeGateway{positions: []float64{0}}
	o, _, _ := newTestOrchestrator(gw, &fakeIndicators{})

	err := o.PlaceProtectiveStop(context.Background(), "BTCUSDT", execution.SideBuy, 50000, 50100)
	if !errors.Is(err, ErrNoPosition) {
		t.Fatalf("err = %v, want ErrNoPosition", err)
	}
	if len(gw.stopCalls) != 0 {
		t.Fatal("no stop order may be placed for a flat symbol")
	}
}
