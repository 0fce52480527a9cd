package strategy

// riskBand is the low/high USDT notional pair for one timeframe.
type riskBand struct {
	low  float64
	high float64
}

// notionalBands maps each signal timeframe to its risk band. Longer
// timeframes carry larger high-risk allocations.
var notionalBands = map[string]riskBand{
	"15m": {low: 300, high: 600},
	"30m": {low: 400, high: 800},
	"1h":  {low: 500, high: 1000},
	"2h":  {low: 500, high: 1600},
	"4h":  {low: 500, high: 2000},
}

var defaultBand = notionalBands["15m"]

// NotionalUSDT returns the USDT exposure for a new position. The high-risk
// amount applies when the trade direction is aligned with the trend: longs
// above the trend level, shorts below it. Unknown timeframes size like 15m.
func NotionalUSDT(timeframe string, direction Direction, markPrice, trendLevel float64) float64 {
	band, ok := notionalBands[timeframe]
	if !ok {
		band = defaultBand
	}

	aligned := (direction == DirectionLong && markPrice > trendLevel) ||
		(direction == DirectionShort && markPrice < trendLevel)
	if aligned {
		return band.high
	}
	return band.low
}
