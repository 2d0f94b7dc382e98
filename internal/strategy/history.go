package strategy

import (
	"math"
	"sort"
	"sync"
)

// History keeps a bounded FIFO window of premium values per symbol. Only the
// trailing period values feed the Z-score.
type History struct {
	mu       sync.RWMutex
	capacity int
	period   int
	values   map[string][]float64
}

type HistorySummary struct {
	Symbol string  `json:"symbol"`
	Length int     `json:"length"`
	Mean   float64 `json:"mean"`
	StdDev float64 `json:"std_dev"`
	Last   float64 `json:"last"`
	Ready  bool    `json:"ready"`
}

func NewHistory(capacity, period int) *History {
	if capacity <= 0 {
		capacity = 30
	}
	if period <= 0 || period > capacity {
		period = capacity
	}
	return &History{
		capacity: capacity,
		period:   period,
		values:   make(map[string][]float64),
	}
}

func (h *History) Record(symbol string, premium float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vals := append(h.values[symbol], premium)
	if over := len(vals) - h.capacity; over > 0 {
		vals = append([]float64(nil), vals[over:]...)
	}
	h.values[symbol] = vals
}

// ZScore scores premium against the current window without recording it.
func (h *History) ZScore(symbol string, premium float64) float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	vals := h.values[symbol]
	if len(vals) < h.period {
		return 0
	}
	return ZScore(vals[len(vals)-h.period:], premium)
}

func (h *History) Len(symbol string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.values[symbol])
}

// Values returns a copy of the symbol's window, oldest first.
func (h *History) Values(symbol string) []float64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]float64(nil), h.values[symbol]...)
}

// Restore replaces a symbol's window, keeping only the newest capacity values.
func (h *History) Restore(symbol string, values []float64) {
	if over := len(values) - h.capacity; over > 0 {
		values = values[over:]
	}
	h.mu.Lock()
	h.values[symbol] = append([]float64(nil), values...)
	h.mu.Unlock()
}

func (h *History) Summary(symbol string) HistorySummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.summaryLocked(symbol)
}

func (h *History) Summaries() []HistorySummary {
	h.mu.RLock()
	defer h.mu.RUnlock()
	symbols := make([]string, 0, len(h.values))
	for sym := range h.values {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	out := make([]HistorySummary, 0, len(symbols))
	for _, sym := range symbols {
		out = append(out, h.summaryLocked(sym))
	}
	return out
}

func (h *History) summaryLocked(symbol string) HistorySummary {
	vals := h.values[symbol]
	summary := HistorySummary{Symbol: symbol, Length: len(vals)}
	if len(vals) == 0 {
		return summary
	}
	summary.Last = vals[len(vals)-1]
	window := vals
	if len(window) > h.period {
		window = window[len(window)-h.period:]
	}
	summary.Mean, summary.StdDev = meanStdDev(window)
	summary.Ready = len(vals) >= h.period
	return summary
}

// ZScore returns (premium - mean) / stddev over window using population
// statistics. A flat or empty window scores 0.
func ZScore(window []float64, premium float64) float64 {
	if len(window) == 0 {
		return 0
	}
	mean, std := meanStdDev(window)
	if std == 0 {
		return 0
	}
	return (premium - mean) / std
}

func meanStdDev(window []float64) (float64, float64) {
	n := float64(len(window))
	var sum float64
	for _, v := range window {
		sum += v
	}
	mean := sum / n
	var sq float64
	for _, v := range window {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / n)
}

// Premium is the domestic price's percentage gap over the FX-converted
// offshore price.
func Premium(domestic, offshore, fx float64) (float64, bool) {
	converted := offshore * fx
	if domestic <= 0 || converted <= 0 {
		return 0, false
	}
	return (domestic - converted) / converted * 100, true
}
