package strategy

import "sync"

// SymbolLocks enforces at most one in-flight trade run per symbol. Acquire is
// an atomic check-and-set under one mutex; a symbol that is already busy is
// rejected, never queued.
type SymbolLocks struct {
	mu   sync.Mutex
	busy map[string]bool
}

// NewSymbolLocks returns an empty lock set.
func NewSymbolLocks() *SymbolLocks {
	return &SymbolLocks{busy: map[string]bool{}}
}

// TryAcquire marks the symbol busy and returns true, or returns false when a
// run already holds it.
func (l *SymbolLocks) TryAcquire(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[symbol] {
		return false
	}
	l.busy[symbol] = true
	return true
}

// Release frees the symbol. Releasing a free symbol is a no-op.
func (l *SymbolLocks) Release(symbol string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.busy, symbol)
}

// Held reports whether the symbol is currently locked.
func (l *SymbolLocks) Held(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy[symbol]
}
