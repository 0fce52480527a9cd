// Package execution talks to the Binance USDT-M futures API: a signed REST
// client plus the Gateway facade the trade orchestrator drives.
package execution

import (
	"context"
	"errors"
	"math"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// restAPI is the slice of the REST client the gateway needs. Narrowed to an
// interface so gateway behavior is testable without the network.
type restAPI interface {
	placeOrder(ctx context.Context, req OrderRequest) (*OrderResponse, error)
	cancelAllOpenOrders(ctx context.Context, symbol string) error
	positionAmount(ctx context.Context, symbol string) (float64, error)
	markPrice(ctx context.Context, symbol string) (float64, error)
	klines(ctx context.Context, symbol, interval string, limit int) ([]Kline, error)
	setLeverage(ctx context.Context, symbol string, leverage int) error
	setMarginType(ctx context.Context, symbol string, mode MarginMode) error
}

// PriceSource is a streaming mark-price cache consulted before falling back
// to REST. The marketdata package provides the production implementation.
type PriceSource interface {
	Subscribe(symbol string) error
	Price(symbol string) (float64, bool)
}

// Gateway is the order-placement facade. Every mutating call either succeeds
// with a confirmed acknowledgment or fails with the exchange's reason; no
// call is retried.
type Gateway struct {
	api    restAPI
	prices PriceSource
	logger *zap.Logger
}

// NewGateway builds a Gateway over the REST client. prices may be nil, in
// which case mark prices always come from REST.
func NewGateway(client *Client, prices PriceSource, logger *zap.Logger) *Gateway {
	return &Gateway{api: client, prices: prices, logger: logger}
}

// PlaceMarketOrder submits a market order and returns the executed quantity.
// A zero fill report is reconciled against a position re-query: a delayed
// acknowledgment sometimes reports executedQty=0 even though the position
// opened. If reconciliation also shows no position change, 0 is returned and
// the caller must treat the tranche as failed.
func (g *Gateway) PlaceMarketOrder(ctx context.Context, symbol string, side Side, qty float64, reduceOnly bool) (float64, error) {
	resp, err := g.api.placeOrder(ctx, OrderRequest{
		Symbol:     symbol,
		Side:       side,
		Type:       OrderTypeMarket,
		Quantity:   qty,
		ReduceOnly: reduceOnly,
	})
	if err != nil {
		g.logger.Error("market order rejected",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Float64("qty", qty),
			zap.Error(err))
		return 0, err
	}

	executed, _ := strconv.ParseFloat(resp.ExecutedQty, 64)
	if executed > 0 {
		g.logger.Info("market order filled",
			zap.String("symbol", symbol),
			zap.String("side", string(side)),
			zap.Float64("executed", executed),
			zap.Bool("reduce_only", reduceOnly))
		return executed, nil
	}

	amt, perr := g.api.positionAmount(ctx, symbol)
	if perr == nil && ((side == SideBuy && amt > 0) || (side == SideSell && amt < 0)) {
		g.logger.Warn("market order reported zero fill but position is open",
			zap.String("symbol", symbol),
			zap.Float64("position", amt))
		return math.Abs(amt), nil
	}

	g.logger.Error("market order failed, no fill and no position change",
		zap.String("symbol", symbol),
		zap.String("side", string(side)))
	return 0, nil
}

// PlaceStopMarket submits a STOP_MARKET order, GTC.
func (g *Gateway) PlaceStopMarket(ctx context.Context, symbol string, side Side, stopPrice, qty float64, reduceOnly bool) error {
	_, err := g.api.placeOrder(ctx, OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        OrderTypeStopMarket,
		Quantity:    qty,
		StopPrice:   stopPrice,
		ReduceOnly:  reduceOnly,
		TimeInForce: TimeInForceGTC,
	})
	if err != nil {
		return err
	}
	g.logger.Info("stop-market order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("stop_price", stopPrice),
		zap.Float64("qty", qty))
	return nil
}

// PlaceLimit submits a LIMIT order.
func (g *Gateway) PlaceLimit(ctx context.Context, symbol string, side Side, price, qty float64, reduceOnly bool, tif TimeInForce) error {
	_, err := g.api.placeOrder(ctx, OrderRequest{
		Symbol:      symbol,
		Side:        side,
		Type:        OrderTypeLimit,
		Quantity:    qty,
		Price:       price,
		ReduceOnly:  reduceOnly,
		TimeInForce: tif,
	})
	if err != nil {
		return err
	}
	g.logger.Info("limit order placed",
		zap.String("symbol", symbol),
		zap.String("side", string(side)),
		zap.Float64("price", price),
		zap.Float64("qty", qty))
	return nil
}

// CancelAllOpenOrders cancels every open order for the symbol.
func (g *Gateway) CancelAllOpenOrders(ctx context.Context, symbol string) error {
	return g.api.cancelAllOpenOrders(ctx, symbol)
}

// GetMarkPrice returns the current mark price, preferring the streaming
// cache when it holds a fresh value.
func (g *Gateway) GetMarkPrice(ctx context.Context, symbol string) (float64, error) {
	if g.prices != nil {
		if err := g.prices.Subscribe(symbol); err != nil {
			g.logger.Warn("mark price subscription failed",
				zap.String("symbol", symbol),
				zap.Error(err))
		}
		if price, ok := g.prices.Price(symbol); ok {
			return price, nil
		}
	}
	return g.api.markPrice(ctx, symbol)
}

// GetPositionAmount returns the signed position amount for the symbol.
func (g *Gateway) GetPositionAmount(ctx context.Context, symbol string) (float64, error) {
	return g.api.positionAmount(ctx, symbol)
}

// GetRecentCandles returns the most recent limit candles for the interval.
func (g *Gateway) GetRecentCandles(ctx context.Context, symbol, interval string, limit int) ([]Kline, error) {
	return g.api.klines(ctx, symbol, interval, limit)
}

// SetLeverage configures the symbol's leverage.
func (g *Gateway) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return g.api.setLeverage(ctx, symbol, leverage)
}

// SetMarginMode configures the symbol's margin mode. The exchange rejects a
// no-op change with code -4046; that answer means the mode is already
// correct and is not an error.
func (g *Gateway) SetMarginMode(ctx context.Context, symbol string, mode MarginMode) error {
	err := g.api.setMarginType(ctx, symbol, mode)
	if err == nil {
		return nil
	}
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Code == -4046 {
		return nil
	}
	if strings.Contains(err.Error(), "No need to change margin type") {
		return nil
	}
	return err
}
