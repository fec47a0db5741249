package order

import (
	"context"
	"math"
	"testing"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/upbit"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

// ==================== PRE-SELL TARGET ====================

func TestPreSellTarget(t *testing.T) {
	testCases := []struct {
		name     string
		avg      float64
		tp       float64
		minTicks int
		want     float64
	}{
		{"percentage wins", 11420, 0.18, 2, 11450},
		{"minimum ticks win", 200, 0.18, 2, 202},
		{"crosses into coarser band", 9995, 0.18, 2, 10020},
		{"sub-ten price", 5.5, 0.18, 2, 5.52},
		{"zero take profit", 1000, 0, 3, 1015},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := PreSellTarget(tc.avg, tc.tp, tc.minTicks)
			if !floatEquals(got, tc.want) {
				t.Errorf("Expected %v, got %v", tc.want, got)
			}
		})
	}
}

func TestPreSellTarget_OnGridAndAboveFloor(t *testing.T) {
	prices := []float64{3.21, 87.4, 412, 999, 1105, 2905, 9990, 11420, 281000, 499990, 999900, 1999500, 5120000, 142000000}
	for _, avg := range prices {
		tick := upbit.TickSize(avg)
		got := PreSellTarget(avg, 0.18, 2)

		if !upbit.OnTickGrid(got, upbit.TickSize(got)) {
			t.Errorf("avg %v: target %v is off the tick grid", avg, got)
		}
		if got-avg < 2*tick-1e-9 {
			t.Errorf("avg %v: target %v closer than 2 ticks", avg, got)
		}
		if got < avg*1.0018-1e-9 {
			t.Errorf("avg %v: target %v below take profit", avg, got)
		}
	}
}

func TestPreSellTarget_InvalidAverage(t *testing.T) {
	if got := PreSellTarget(0, 0.18, 2); got != 0 {
		t.Errorf("Expected 0 for zero average, got %v", got)
	}
}

// ==================== PLACE PRE-SELL ====================

func TestPlacePreSell(t *testing.T) {
	ex := newFakeExchange(11420, 11430)
	tracker := newMemTracker()
	e := NewExecutor(ex, logging.Nop(), Options{Tracker: tracker})

	ps, err := e.PlacePreSell(context.Background(), "KRW-UNI", 0.61295971, 11420,
		config.SellSettings{TakeProfitPct: 0.18, MinimumTicks: 2})
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if ps.Price != 11450 {
		t.Errorf("Expected price 11450, got %v", ps.Price)
	}
	if ps.UUID != "o-1" {
		t.Errorf("Expected uuid o-1, got %s", ps.UUID)
	}

	req := ex.placed[0]
	if req.Side != upbit.SideAsk || req.OrdType != upbit.OrdTypeLimit {
		t.Errorf("Expected limit ask, got %s %s", req.OrdType, req.Side)
	}
	if !floatEquals(req.Volume, 0.61295971) {
		t.Errorf("Expected full volume, got %v", req.Volume)
	}
	if _, ok := tracker.open["o-1"]; !ok {
		t.Error("Expected pre-sell to be tracked")
	}
}

func TestPlacePreSell_Rejected(t *testing.T) {
	ex := newFakeExchange(11420, 11430)
	ex.rejectAll = true
	e := NewExecutor(ex, logging.Nop(), Options{})

	if _, err := e.PlacePreSell(context.Background(), "KRW-UNI", 1, 11420, config.SellSettings{TakeProfitPct: 0.18, MinimumTicks: 2}); err == nil {
		t.Error("Expected error when the exchange rejects the order")
	}
}

func TestPlacePreSell_ZeroVolume(t *testing.T) {
	ex := newFakeExchange(11420, 11430)
	e := NewExecutor(ex, logging.Nop(), Options{})

	if _, err := e.PlacePreSell(context.Background(), "KRW-UNI", 0, 11420, config.SellSettings{TakeProfitPct: 0.18, MinimumTicks: 2}); err == nil {
		t.Error("Expected error for zero volume")
	}
	if ex.placedCount() != 0 {
		t.Errorf("Expected no order, got %d", ex.placedCount())
	}
}
