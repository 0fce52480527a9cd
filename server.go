package main

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"futures-entry-bot/strategy"
)

// signalPayload is the webhook body. Unknown fields are ignored.
type signalPayload struct {
	Auth      string `json:"auth"`
	Symbol    string `json:"symbol"`
	Action    string `json:"action"`
	Leverage  int    `json:"leverage"`
	Timeframe string `json:"timeframe"`
}

const (
	defaultLeverage  = 10
	defaultTimeframe = "15m"
)

// server is the webhook intake. Accepted signals are handed to dispatch and
// the HTTP response returns immediately; the trade run outcome is never part
// of the response.
type server struct {
	authToken string
	dispatch  func(strategy.Signal)
	logger    *zap.Logger
}

func newServer(authToken string, dispatch func(strategy.Signal), logger *zap.Logger) *server {
	return &server{authToken: authToken, dispatch: dispatch, logger: logger}
}

func (s *server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/", s.handleHealth)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))
	r.POST("/webhook", s.handleWebhook)
	return r
}

func (s *server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *server) handleWebhook(c *gin.Context) {
	var payload signalPayload
	if err := c.ShouldBindJSON(&payload); err != nil {
		signalsTotal.WithLabelValues("malformed").Inc()
		c.String(http.StatusBadRequest, "invalid payload")
		return
	}

	if payload.Auth != s.authToken {
		signalsTotal.WithLabelValues("unauthorized").Inc()
		s.logger.Warn("webhook auth mismatch", zap.String("remote", c.ClientIP()))
		c.String(http.StatusUnauthorized, "unauthorized")
		return
	}

	symbol := strings.ToUpper(strings.TrimSpace(payload.Symbol))
	direction := strategy.Direction(strings.ToUpper(strings.TrimSpace(payload.Action)))
	if symbol == "" || (direction != strategy.DirectionLong && direction != strategy.DirectionShort) {
		signalsTotal.WithLabelValues("malformed").Inc()
		c.String(http.StatusBadRequest, "symbol and action are required")
		return
	}

	sig := strategy.Signal{
		Symbol:    symbol,
		Direction: direction,
		Leverage:  payload.Leverage,
		Timeframe: payload.Timeframe,
	}
	if sig.Leverage <= 0 {
		sig.Leverage = defaultLeverage
	}
	if sig.Timeframe == "" {
		sig.Timeframe = defaultTimeframe
	}

	signalsTotal.WithLabelValues("accepted").Inc()
	s.logger.Info("signal accepted",
		zap.String("symbol", sig.Symbol),
		zap.String("direction", string(sig.Direction)),
		zap.Int("leverage", sig.Leverage),
		zap.String("timeframe", sig.Timeframe))

	s.dispatch(sig)

	c.String(http.StatusOK, "OK")
}
