package exec

import "sync"

type symbolLocks struct {
	mu   sync.Mutex
	busy map[string]bool
}

func newSymbolLocks() *symbolLocks {
	return &symbolLocks{busy: make(map[string]bool)}
}

// TryLock never blocks; a held symbol reports false.
func (l *symbolLocks) TryLock(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.busy[symbol] {
		return false
	}
	l.busy[symbol] = true
	return true
}

func (l *symbolLocks) Unlock(symbol string) {
	l.mu.Lock()
	delete(l.busy, symbol)
	l.mu.Unlock()
}

func (l *symbolLocks) Busy(symbol string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.busy[symbol]
}
