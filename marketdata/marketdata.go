// Package marketdata maintains a streaming mark-price cache over the Binance
// futures websocket. The order gateway consults it before falling back to the
// REST premium-index endpoint.
package marketdata

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// StreamConfig holds configuration for the mark-price stream.
type StreamConfig struct {
	URL               string        // Binance futures websocket endpoint
	ReconnectInterval time.Duration // delay between reconnection attempts
	MaxReconnects     int           // attempts before giving up until next Subscribe
	MaxAge            time.Duration // cache entries older than this are stale
}

// DefaultStreamConfig is the production configuration.
var DefaultStreamConfig = StreamConfig{
	URL:               "wss://fstream.binance.com/ws",
	ReconnectInterval: 5 * time.Second,
	MaxReconnects:     10,
	MaxAge:            10 * time.Second,
}

type pricePoint struct {
	price float64
	at    time.Time
}

// Stream is a websocket client caching per-symbol mark prices. Subscriptions
// are added lazily as symbols show up in trade signals; stale entries are
// reported as absent so callers fall back to REST.
type Stream struct {
	config StreamConfig
	logger *zap.Logger

	connMu            sync.Mutex
	conn              *websocket.Conn
	connected         bool
	reconnectAttempts int
	nextID            int

	subsMu sync.Mutex
	subs   map[string]bool

	cacheMu sync.RWMutex
	cache   map[string]pricePoint

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

type subscribeMessage struct {
	Method string   `json:"method"`
	Params []string `json:"params"`
	ID     int      `json:"id"`
}

type markPriceEvent struct {
	Event  string `json:"e"`
	Time   int64  `json:"E"`
	Symbol string `json:"s"`
	Price  string `json:"p"`
}

// NewStream builds a mark-price stream. Zero config fields take defaults.
func NewStream(config StreamConfig, logger *zap.Logger) *Stream {
	if config.URL == "" {
		config.URL = DefaultStreamConfig.URL
	}
	if config.ReconnectInterval == 0 {
		config.ReconnectInterval = DefaultStreamConfig.ReconnectInterval
	}
	if config.MaxReconnects == 0 {
		config.MaxReconnects = DefaultStreamConfig.MaxReconnects
	}
	if config.MaxAge == 0 {
		config.MaxAge = DefaultStreamConfig.MaxAge
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Stream{
		config: config,
		logger: logger,
		subs:   map[string]bool{},
		cache:  map[string]pricePoint{},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Start connects and launches the read loop.
func (s *Stream) Start() error {
	if err := s.connect(); err != nil {
		return err
	}
	s.wg.Add(1)
	go s.readLoop()
	return nil
}

// Stop closes the connection and waits for the read loop to exit.
func (s *Stream) Stop() error {
	s.cancel()

	s.connMu.Lock()
	if s.conn != nil {
		s.conn.Close()
		s.connected = false
	}
	s.connMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(5 * time.Second):
		return errors.New("timeout waiting for stream reader to stop")
	}
}

// Subscribe registers the symbol's mark-price stream. Subscribing twice is a
// no-op; prices flow in asynchronously, so the first Price call after a fresh
// subscription usually misses and the caller falls back to REST.
func (s *Stream) Subscribe(symbol string) error {
	s.subsMu.Lock()
	defer s.subsMu.Unlock()

	if s.subs[symbol] {
		return nil
	}

	if err := s.sendSubscribe(symbol); err != nil {
		return err
	}
	s.subs[symbol] = true
	s.logger.Info("subscribed to mark price stream", zap.String("symbol", symbol))
	return nil
}

// Price returns the cached mark price for the symbol, or false when no fresh
// value is available.
func (s *Stream) Price(symbol string) (float64, bool) {
	s.cacheMu.RLock()
	defer s.cacheMu.RUnlock()

	point, ok := s.cache[symbol]
	if !ok || time.Since(point.at) > s.config.MaxAge {
		return 0, false
	}
	return point.price, true
}

func (s *Stream) connect() error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if s.connected {
		return nil
	}

	dialer := &websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.Dial(s.config.URL, nil)
	if err != nil {
		return err
	}

	conn.SetPingHandler(func(appData string) error {
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(5*time.Second))
	})

	s.conn = conn
	s.connected = true
	s.reconnectAttempts = 0
	s.logger.Info("mark price stream connected", zap.String("url", s.config.URL))
	return nil
}

func (s *Stream) sendSubscribe(symbols ...string) error {
	s.connMu.Lock()
	defer s.connMu.Unlock()

	if !s.connected || s.conn == nil {
		return errors.New("stream not connected")
	}

	params := make([]string, len(symbols))
	for i, symbol := range symbols {
		params[i] = strings.ToLower(symbol) + "@markPrice@1s"
	}
	s.nextID++

	return s.conn.WriteJSON(subscribeMessage{
		Method: "SUBSCRIBE",
		Params: params,
		ID:     s.nextID,
	})
}

func (s *Stream) readLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		s.connMu.Lock()
		conn := s.conn
		connected := s.connected
		s.connMu.Unlock()

		if !connected || conn == nil {
			if err := s.reconnect(); err != nil {
				s.logger.Warn("mark price stream reconnect failed", zap.Error(err))
				select {
				case <-s.ctx.Done():
					return
				case <-time.After(s.config.ReconnectInterval):
				}
			}
			continue
		}

		conn.SetReadDeadline(time.Now().Add(90 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.logger.Warn("mark price stream read error", zap.Error(err))
			s.connMu.Lock()
			s.connected = false
			s.connMu.Unlock()
			continue
		}

		s.handleMessage(data)
	}
}

func (s *Stream) reconnect() error {
	s.connMu.Lock()
	if s.reconnectAttempts >= s.config.MaxReconnects {
		s.connMu.Unlock()
		return errors.New("maximum reconnection attempts reached")
	}
	s.reconnectAttempts++
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.connected = false
	s.connMu.Unlock()

	if err := s.connect(); err != nil {
		return err
	}

	// Re-subscribe everything registered before the drop.
	s.subsMu.Lock()
	symbols := make([]string, 0, len(s.subs))
	for symbol := range s.subs {
		symbols = append(symbols, symbol)
	}
	s.subsMu.Unlock()

	if len(symbols) > 0 {
		if err := s.sendSubscribe(symbols...); err != nil {
			return err
		}
	}
	return nil
}

func (s *Stream) handleMessage(data []byte) {
	var event markPriceEvent
	if err := json.Unmarshal(data, &event); err != nil || event.Event != "markPriceUpdate" {
		// Subscription acks and unknown events are ignored.
		return
	}

	price, err := strconv.ParseFloat(event.Price, 64)
	if err != nil || price <= 0 {
		s.logger.Warn("invalid mark price update",
			zap.String("symbol", event.Symbol),
			zap.String("price", event.Price))
		return
	}

	s.cacheMu.Lock()
	s.cache[event.Symbol] = pricePoint{price: price, at: time.Now()}
	s.cacheMu.Unlock()
}
