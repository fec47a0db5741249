package strategy

import (
	"math"
	"testing"
)

func floatEquals(a, b float64) bool {
	return math.Abs(a-b) < 1e-6
}

func TestEWM_AdjustedWeights(t *testing.T) {
	got := EWM([]float64{1, 2, 3}, 3)
	want := []float64{1, 2.5 / 1.5, 4.25 / 1.75}
	for i := range want {
		if !floatEquals(got[i], want[i]) {
			t.Errorf("EWM[%d]: expected %v, got %v", i, want[i], got[i])
		}
	}
}

func TestEWM_ConstantSeries(t *testing.T) {
	for _, v := range EWM([]float64{7, 7, 7, 7}, 12) {
		if !floatEquals(v, 7) {
			t.Fatalf("Expected constant EWM 7, got %v", v)
		}
	}
}

func TestPercentChange(t *testing.T) {
	change, ok := PercentChange([]float64{50, 100, 101, 102, 103}, 4)
	if !ok || !floatEquals(change, 3) {
		t.Errorf("Expected +3%%, got %v (ok=%v)", change, ok)
	}
	if _, ok := PercentChange([]float64{1, 2}, 4); ok {
		t.Error("Expected not ok with too few values")
	}
}

func TestWilliamsR(t *testing.T) {
	highs := make([]float64, 14)
	lows := make([]float64, 14)
	closes := make([]float64, 14)
	for i := range closes {
		highs[i] = 110
		lows[i] = 90
		closes[i] = 100
	}
	closes[13] = 90

	wr, ok := WilliamsR(highs, lows, closes, 14)
	if !ok || !floatEquals(wr, -100) {
		t.Errorf("Expected -100, got %v (ok=%v)", wr, ok)
	}

	flat := []float64{100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100, 100}
	if _, ok := WilliamsR(flat, flat, flat, 14); ok {
		t.Error("Expected flat range to be undefined")
	}
}

func TestCalculateStochastic(t *testing.T) {
	n := 16
	highs := make([]float64, n)
	lows := make([]float64, n)
	closes := make([]float64, n)
	for i := 0; i < n; i++ {
		highs[i] = 120
		lows[i] = 100
		closes[i] = 101
	}

	st := CalculateStochastic(highs, lows, closes, 14, 3)
	if st == nil {
		t.Fatal("Expected stochastic with 16 bars")
	}
	if !floatEquals(st.K, 5) || !floatEquals(st.D, 5) {
		t.Errorf("Expected K=D=5, got %+v", st)
	}

	if CalculateStochastic(highs[:15], lows[:15], closes[:15], 14, 3) != nil {
		t.Error("Expected nil without enough bars for %D")
	}

	flat := make([]float64, n)
	for i := range flat {
		flat[i] = 100
	}
	if CalculateStochastic(flat, flat, flat, 14, 3) != nil {
		t.Error("Expected nil on a flat range")
	}
}

func TestMACD_BullishCrossover(t *testing.T) {
	closes := make([]float64, 30)
	for i := range closes {
		closes[i] = 100 - float64(i)*0.5
	}
	closes[29] = 110

	m := CalculateMACD(closes, 12, 26, 9)
	if !m.BullishCrossover() {
		t.Errorf("Expected crossover after sharp rebound, macd=%v signal=%v", m.MACD[29], m.Signal[29])
	}

	flat := make([]float64, 30)
	for i := range flat {
		flat[i] = 100
	}
	if CalculateMACD(flat, 12, 26, 9).BullishCrossover() {
		t.Error("Expected no crossover on a flat series")
	}
}

func TestCalculateRSI(t *testing.T) {
	rising := []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}
	if got := CalculateRSI(rising, 14); got != 100 {
		t.Errorf("Expected RSI 100 on rising series, got %v", got)
	}
	if got := CalculateRSI([]float64{1, 2}, 14); got != 50 {
		t.Errorf("Expected neutral RSI, got %v", got)
	}
}
