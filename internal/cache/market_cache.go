package cache

import (
	"sort"
	"sync"
	"time"
)

// Slot names one region of the market cache
type Slot string

const (
	SlotMarketCondition Slot = "market_condition"
	SlotMarketPrices    Slot = "market_prices"
	SlotCandles         Slot = "candles"
	SlotIndicators      Slot = "indicators"
)

// Default limits
const (
	DefaultMaxAge   = 900 * time.Second
	DefaultMaxItems = 1000
)

// keyedSlots hold one entry per market (or market+interval) key
var keyedSlots = []Slot{SlotMarketPrices, SlotCandles, SlotIndicators}

type entry struct {
	data      interface{}
	timestamp time.Time
}

// MarketCache holds time-boxed market snapshots. All access goes through one
// mutex so the scan loop and on-demand queries can share it.
type MarketCache struct {
	mu       sync.Mutex
	slots    map[Slot]*entry
	keyed    map[Slot]map[string]*entry
	maxAge   time.Duration
	maxItems int
	now      func() time.Time
}

// NewMarketCache creates an empty cache. Non-positive limits use the defaults.
func NewMarketCache(maxAge time.Duration, maxItems int) *MarketCache {
	if maxAge <= 0 {
		maxAge = DefaultMaxAge
	}
	if maxItems <= 0 {
		maxItems = DefaultMaxItems
	}
	c := &MarketCache{
		maxAge:   maxAge,
		maxItems: maxItems,
		now:      time.Now,
	}
	c.reset()
	return c
}

func (c *MarketCache) reset() {
	c.slots = make(map[Slot]*entry)
	c.keyed = make(map[Slot]map[string]*entry, len(keyedSlots))
	for _, s := range keyedSlots {
		c.keyed[s] = make(map[string]*entry)
	}
}

// MaxAge returns the default validity window
func (c *MarketCache) MaxAge() time.Duration {
	return c.maxAge
}

func (c *MarketCache) fresh(e *entry, maxAge time.Duration) bool {
	if e == nil {
		return false
	}
	if maxAge <= 0 {
		maxAge = c.maxAge
	}
	return c.now().Sub(e.timestamp) < maxAge
}

// IsValid reports whether slot was populated less than maxAge ago
func (c *MarketCache) IsValid(slot Slot, maxAge time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fresh(c.slots[slot], maxAge)
}

// IsValidKey applies IsValid to one key of a keyed slot
func (c *MarketCache) IsValidKey(slot Slot, key string, maxAge time.Duration) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fresh(c.keyed[slot][key], maxAge)
}

// Update stores data for the whole slot, stamped with the current time
func (c *MarketCache) Update(slot Slot, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.slots[slot] = &entry{data: data, timestamp: c.now()}
	c.limitSize()
}

// UpdateKey stores data under key in a keyed slot
func (c *MarketCache) UpdateKey(slot Slot, key string, data interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.keyed[slot]
	if !ok {
		m = make(map[string]*entry)
		c.keyed[slot] = m
	}
	m[key] = &entry{data: data, timestamp: c.now()}
	c.limitSize()
}

// Get returns slot data while it is fresh
func (c *MarketCache) Get(slot Slot, maxAge time.Duration) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.slots[slot]
	if !c.fresh(e, maxAge) {
		return nil, false
	}
	return e.data, true
}

// GetKey returns keyed data while it is fresh
func (c *MarketCache) GetKey(slot Slot, key string, maxAge time.Duration) (interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.keyed[slot][key]
	if !c.fresh(e, maxAge) {
		return nil, false
	}
	return e.data, true
}

// limitSize evicts the oldest entries of every keyed slot above maxItems.
// Caller holds the lock.
func (c *MarketCache) limitSize() {
	for _, m := range c.keyed {
		excess := len(m) - c.maxItems
		if excess <= 0 {
			continue
		}
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Slice(keys, func(i, j int) bool {
			return m[keys[i]].timestamp.Before(m[keys[j]].timestamp)
		})
		for _, k := range keys[:excess] {
			delete(m, k)
		}
	}
}

// ClearOld drops every entry older than maxAge regardless of count
func (c *MarketCache) ClearOld(maxAge time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for s, e := range c.slots {
		if !c.fresh(e, maxAge) {
			delete(c.slots, s)
			removed++
		}
	}
	for _, m := range c.keyed {
		for k, e := range m {
			if !c.fresh(e, maxAge) {
				delete(m, k)
				removed++
			}
		}
	}
	return removed
}

// Reset empties the cache
func (c *MarketCache) Reset() {
	c.mu.Lock()
	c.reset()
	c.mu.Unlock()
}

// Stats reports the number of entries per slot
func (c *MarketCache) Stats() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	stats := map[string]int{string(SlotMarketCondition): 0}
	for s := range c.slots {
		stats[string(s)]++
	}
	for s, m := range c.keyed {
		stats[string(s)] += len(m)
	}
	return stats
}
