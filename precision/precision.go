// Package precision rounds order quantities and prices to per-symbol
// exchange granularity.
package precision

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	defaultQuantityDecimals int32 = 0
	defaultPriceDecimals    int32 = 4

	// Substituted when truncation collapses a quantity to zero or below.
	fallbackQuantity = 1.0
)

// Table maps symbols to their quantity and price decimal counts. It is
// injected configuration, not a compiled-in constant: the built-in defaults
// cover the symbols the strategy has historically traded, and a JSON file can
// extend or override them at startup.
type Table struct {
	Quantity map[string]int32 `json:"quantity"`
	Price    map[string]int32 `json:"price"`
}

// DefaultTable returns the built-in per-symbol decimal counts.
func DefaultTable() Table {
	return Table{
		Quantity: map[string]int32{
			"BTCUSDT": 3, "ETHUSDT": 3, "SANDUSDT": 0, "GOATUSDT": 0, "WLDUSDT": 0,
			"RONINUSDT": 0, "IMXUSDT": 0, "COOKIEUSDT": 0, "GRIFFAINUSDT": 0,
			"PIXELUSDT": 0, "PENGUUSDT": 0, "PYTHUSDT": 0, "NEARUSDT": 0,
			"NEIROUSDT": 0, "CAKEUSDT": 0, "STXUSDT": 0, "HBARUSDT": 0,
			"AI16ZUSDT": 0, "BERAUSDT": 0, "PNUTUSDT": 0, "RSRUSDT": 0,
			"SUSDT": 0, "VIRTUALUSDT": 0, "XLMUSDT": 0, "XAIUSDT": 0,
			"DEGENUSDT": 0, "TIAUSDT": 0, "1000BONKUSDT": 0, "AIXBTUSDT": 0,
		},
		Price: map[string]int32{
			"BTCUSDT": 2, "ETHUSDT": 2, "SANDUSDT": 4, "GOATUSDT": 4, "WLDUSDT": 4,
			"RONINUSDT": 4, "IMXUSDT": 4, "COOKIEUSDT": 4, "GRIFFAINUSDT": 4,
			"PIXELUSDT": 4, "PENGUUSDT": 4, "PYTHUSDT": 4, "NEARUSDT": 4,
			"NEIROUSDT": 4, "CAKEUSDT": 4, "STXUSDT": 4, "HBARUSDT": 4,
			"AI16ZUSDT": 4, "BERAUSDT": 4, "PNUTUSDT": 4, "RSRUSDT": 4,
			"SUSDT": 4, "VIRTUALUSDT": 4, "XLMUSDT": 4, "XAIUSDT": 4,
			"DEGENUSDT": 4, "TIAUSDT": 4, "1000BONKUSDT": 8, "AIXBTUSDT": 4,
		},
	}
}

// LoadTable returns the default table merged with the JSON file at path.
// An empty path returns the defaults untouched.
func LoadTable(path string) (Table, error) {
	table := DefaultTable()
	if path == "" {
		return table, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Table{}, fmt.Errorf("read precision table: %w", err)
	}

	var override Table
	if err := json.Unmarshal(data, &override); err != nil {
		return Table{}, fmt.Errorf("parse precision table %s: %w", path, err)
	}

	for symbol, decimals := range override.Quantity {
		table.Quantity[symbol] = decimals
	}
	for symbol, decimals := range override.Price {
		table.Price[symbol] = decimals
	}
	return table, nil
}

// Formatter truncates raw quantities and prices to a symbol's granularity.
// Both operations are total: truncation never rounds up, and a degenerate
// quantity is replaced by a minimum viable one rather than failing.
type Formatter struct {
	table  Table
	logger *zap.Logger
}

// NewFormatter builds a Formatter over the given table.
func NewFormatter(table Table, logger *zap.Logger) *Formatter {
	if table.Quantity == nil {
		table.Quantity = map[string]int32{}
	}
	if table.Price == nil {
		table.Price = map[string]int32{}
	}
	return &Formatter{table: table, logger: logger}
}

// Known reports whether the symbol has explicit precision entries. Callers
// should treat an unknown symbol as a degraded-precision condition: the
// formatter falls back to 0 quantity decimals and 4 price decimals.
func (f *Formatter) Known(symbol string) bool {
	_, qok := f.table.Quantity[symbol]
	_, pok := f.table.Price[symbol]
	return qok && pok
}

// FormatQuantity truncates raw toward zero to the symbol's quantity decimal
// count. When the truncated result is zero or negative it returns the
// fallback minimum of 1.0 and reports true, so the caller knows sizing
// intent was overridden.
func (f *Formatter) FormatQuantity(symbol string, raw float64) (float64, bool) {
	decimals, ok := f.table.Quantity[symbol]
	if !ok {
		decimals = defaultQuantityDecimals
		f.logger.Warn("no quantity precision for symbol, using default",
			zap.String("symbol", symbol),
			zap.Int32("decimals", decimals))
	}

	truncated, _ := decimal.NewFromFloat(raw).Truncate(decimals).Float64()
	if truncated <= 0 {
		f.logger.Warn("formatted quantity is zero or negative, substituting minimum",
			zap.String("symbol", symbol),
			zap.Float64("raw", raw),
			zap.Float64("fallback", fallbackQuantity))
		return fallbackQuantity, true
	}
	return truncated, false
}

// FormatPrice truncates raw toward zero to the symbol's price decimal count.
func (f *Formatter) FormatPrice(symbol string, raw float64) float64 {
	decimals, ok := f.table.Price[symbol]
	if !ok {
		decimals = defaultPriceDecimals
	}
	formatted, _ := decimal.NewFromFloat(raw).Truncate(decimals).Float64()
	return formatted
}
