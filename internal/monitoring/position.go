package monitoring

import (
	"sort"
	"sync"
	"time"
)

// Position is an open holding the engine bought and protects with a pre-sell
type Position struct {
	Market     string    `json:"market"`
	EntryPrice float64   `json:"entry_price"`
	Volume     float64   `json:"volume"`
	EntryTime  time.Time `json:"entry_time"`
	SellUUID   string    `json:"sell_uuid,omitempty"`
	SellPrice  float64   `json:"sell_price,omitempty"`
	Score      float64   `json:"score"`
}

// PositionBook is the mutex-guarded set of open positions
type PositionBook struct {
	mu        sync.RWMutex
	positions map[string]*Position
}

func NewPositionBook() *PositionBook {
	return &PositionBook{positions: make(map[string]*Position)}
}

func (b *PositionBook) Put(p Position) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.positions[p.Market] = &p
}

func (b *PositionBook) Get(market string) (Position, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if p, ok := b.positions[market]; ok {
		return *p, true
	}
	return Position{}, false
}

func (b *PositionBook) Has(market string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.positions[market]
	return ok
}

func (b *PositionBook) Remove(market string) (Position, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[market]
	if !ok {
		return Position{}, false
	}
	delete(b.positions, market)
	return *p, true
}

// SetPreSell records a replacement protective order
func (b *PositionBook) SetPreSell(market, uuid string, price float64) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.positions[market]
	if !ok {
		return false
	}
	p.SellUUID = uuid
	p.SellPrice = price
	return true
}

// All returns copies sorted by market
func (b *PositionBook) All() []Position {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]Position, 0, len(b.positions))
	for _, p := range b.positions {
		out = append(out, *p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Market < out[j].Market })
	return out
}

func (b *PositionBook) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.positions)
}
