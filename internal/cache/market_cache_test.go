package cache

import (
	"fmt"
	"testing"
	"time"
)

type fakeClock struct{ t time.Time }

func (f *fakeClock) now() time.Time          { return f.t }
func (f *fakeClock) advance(d time.Duration) { f.t = f.t.Add(d) }

func newTestCache(maxItems int) (*MarketCache, *fakeClock) {
	clock := &fakeClock{t: time.Date(2024, 5, 1, 9, 0, 0, 0, time.Local)}
	c := NewMarketCache(900*time.Second, maxItems)
	c.now = clock.now
	return c, clock
}

func TestIsValid_EmptySlot(t *testing.T) {
	c, _ := newTestCache(10)
	if c.IsValid(SlotMarketCondition, 0) {
		t.Error("Expected empty slot to be invalid")
	}
	if c.IsValidKey(SlotCandles, "KRW-BTC", 0) {
		t.Error("Expected missing key to be invalid")
	}
}

func TestIsValid_AfterUpdate(t *testing.T) {
	c, clock := newTestCache(10)
	c.Update(SlotMarketCondition, "BULL")

	if !c.IsValid(SlotMarketCondition, 900*time.Second) {
		t.Fatal("Expected fresh slot to be valid")
	}

	clock.advance(899 * time.Second)
	if !c.IsValid(SlotMarketCondition, 900*time.Second) {
		t.Error("Expected slot valid just before max age")
	}

	clock.advance(time.Second)
	if c.IsValid(SlotMarketCondition, 900*time.Second) {
		t.Error("Expected slot invalid at max age")
	}
	if _, ok := c.Get(SlotMarketCondition, 0); ok {
		t.Error("Expected Get to miss on stale data")
	}
}

func TestUpdateKey_EvictsOldest(t *testing.T) {
	c, clock := newTestCache(3)
	for i := 0; i < 5; i++ {
		c.UpdateKey(SlotCandles, fmt.Sprintf("KRW-%d", i), i)
		clock.advance(time.Second)
	}

	if got := c.Stats()["candles"]; got != 3 {
		t.Fatalf("Expected 3 candles entries, got %d", got)
	}
	for _, k := range []string{"KRW-0", "KRW-1"} {
		if c.IsValidKey(SlotCandles, k, 0) {
			t.Errorf("Expected %s evicted", k)
		}
	}
	if v, ok := c.GetKey(SlotCandles, "KRW-4", 0); !ok || v.(int) != 4 {
		t.Errorf("Expected newest entry kept, got %v %v", v, ok)
	}
}

func TestClearOld(t *testing.T) {
	c, clock := newTestCache(100)
	c.UpdateKey(SlotMarketPrices, "KRW-OLD", 1.0)
	c.Update(SlotMarketCondition, "BEAR")
	clock.advance(30 * time.Minute)
	c.UpdateKey(SlotMarketPrices, "KRW-NEW", 2.0)

	removed := c.ClearOld(15 * time.Minute)
	if removed != 2 {
		t.Errorf("Expected 2 removed, got %d", removed)
	}
	stats := c.Stats()
	if stats["market_prices"] != 1 || stats["market_condition"] != 0 {
		t.Errorf("Unexpected stats after sweep: %v", stats)
	}
}

func TestReset(t *testing.T) {
	c, _ := newTestCache(10)
	c.UpdateKey(SlotIndicators, "KRW-BTC", "x")
	c.Reset()
	if c.Stats()["indicators"] != 0 {
		t.Error("Expected empty cache after reset")
	}
}
