package risk

import (
	"sync"
	"time"
)

// HighWaterMark tracks the best price seen since a position was opened
type HighWaterMark struct {
	Market     string    `json:"market"`
	EntryPrice float64   `json:"entry_price"`
	High       float64   `json:"high"`
	LastPrice  float64   `json:"last_price"`
	LastUpdate time.Time `json:"last_update"`
}

// DrawdownPercent is how far the last price sits below the high
func (h HighWaterMark) DrawdownPercent() float64 {
	if h.High <= 0 {
		return 0
	}
	return (h.High - h.LastPrice) / h.High * 100
}

// HighWaterTracker keeps per-market high-water marks for open positions
type HighWaterTracker struct {
	marks map[string]*HighWaterMark
	mu    sync.RWMutex
}

// NewHighWaterTracker creates an empty tracker
func NewHighWaterTracker() *HighWaterTracker {
	return &HighWaterTracker{marks: make(map[string]*HighWaterMark)}
}

// Track starts tracking market from its entry price. An existing mark is kept.
func (t *HighWaterTracker) Track(market string, entryPrice float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.marks[market]; ok {
		return
	}
	t.marks[market] = &HighWaterMark{
		Market:     market,
		EntryPrice: entryPrice,
		High:       entryPrice,
		LastPrice:  entryPrice,
		LastUpdate: time.Now(),
	}
}

// Update records a price and returns the updated mark, nil when untracked
func (t *HighWaterTracker) Update(market string, price float64) *HighWaterMark {
	t.mu.Lock()
	defer t.mu.Unlock()

	m, ok := t.marks[market]
	if !ok || price <= 0 {
		return nil
	}
	if price > m.High {
		m.High = price
	}
	m.LastPrice = price
	m.LastUpdate = time.Now()

	cp := *m
	return &cp
}

// Remove stops tracking market
func (t *HighWaterTracker) Remove(market string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.marks, market)
}

// Get returns a copy of the mark for market
func (t *HighWaterTracker) Get(market string) (HighWaterMark, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if m, ok := t.marks[market]; ok {
		return *m, true
	}
	return HighWaterMark{}, false
}

// All returns copies of every tracked mark
func (t *HighWaterTracker) All() []HighWaterMark {
	t.mu.RLock()
	defer t.mu.RUnlock()

	out := make([]HighWaterMark, 0, len(t.marks))
	for _, m := range t.marks {
		out = append(out, *m)
	}
	return out
}
