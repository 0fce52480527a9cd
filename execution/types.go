package execution

import "fmt"

// Order sides as Binance expects them on the wire.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Opposite returns the reducing side for a position opened with s.
func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

// OrderType enumerates the futures order types the service places.
type OrderType string

const (
	OrderTypeMarket     OrderType = "MARKET"
	OrderTypeStopMarket OrderType = "STOP_MARKET"
	OrderTypeLimit      OrderType = "LIMIT"
)

// TimeInForce values for limit and stop orders.
type TimeInForce string

const TimeInForceGTC TimeInForce = "GTC"

// MarginMode is the futures margin configuration for a symbol.
type MarginMode string

const (
	MarginIsolated MarginMode = "ISOLATED"
	MarginCrossed  MarginMode = "CROSSED"
)

// Kline is a single futures candlestick.
type Kline struct {
	OpenTime  int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
	CloseTime int64
}

// OrderRequest carries the parameters for one order placement.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Quantity    float64
	Price       float64
	StopPrice   float64
	ReduceOnly  bool
	TimeInForce TimeInForce
}

// OrderResponse is the exchange acknowledgment for a placed order.
type OrderResponse struct {
	OrderID     int64  `json:"orderId"`
	Symbol      string `json:"symbol"`
	Status      string `json:"status"`
	ExecutedQty string `json:"executedQty"`
	AvgPrice    string `json:"avgPrice"`
}

// APIError is a structured Binance error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"msg"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("binance: %s (code %d)", e.Message, e.Code)
}
