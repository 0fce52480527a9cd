// Package audit appends one record per completed trade action to a local
// JSONL file. It is a write-only sink; nothing in the service reads it back.
package audit

import (
	"encoding/json"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Entry is one completed trade action.
type Entry struct {
	Timestamp          time.Time `json:"timestamp"`
	Symbol             string    `json:"symbol"`
	Action             string    `json:"action"`
	Quantity           float64   `json:"quantity"`
	EntryPrice         float64   `json:"entry_price"`
	StopPrice          float64   `json:"stop_price"`
	TrailingActivation float64   `json:"trailing_activation"`
	TrailingCallback   float64   `json:"trailing_callback"`
	Timeframe          string    `json:"timeframe"`
	Leverage           int       `json:"leverage"`
	OrderID            string    `json:"order_id"`
	Executed           string    `json:"executed"`
	Note               string    `json:"note"`
}

// Log is an append-only JSONL writer.
type Log struct {
	mu     sync.Mutex
	file   *os.File
	logger *zap.Logger
}

// Open opens (or creates) the audit file for appending.
func Open(path string, logger *zap.Logger) (*Log, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	return &Log{file: file, logger: logger}, nil
}

// Record appends the entry. Audit failures are logged, never propagated: a
// broken audit sink must not interfere with order flow.
func (l *Log) Record(entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		l.logger.Error("audit entry marshal failed", zap.Error(err))
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		l.logger.Error("audit entry write failed",
			zap.String("symbol", entry.Symbol),
			zap.String("action", entry.Action),
			zap.Error(err))
	}
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}
