package strategy

import (
	"math"

	"upbit-trading-bot/internal/upbit"
)

// ============================================================================
// SERIES EXTRACTION
// ============================================================================

// Closes returns the close prices of candles, oldest first
func Closes(candles []upbit.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.TradePrice
	}
	return out
}

// Highs returns the high prices of candles
func Highs(candles []upbit.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.HighPrice
	}
	return out
}

// Lows returns the low prices of candles
func Lows(candles []upbit.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.LowPrice
	}
	return out
}

// Volumes returns the traded volume of candles
func Volumes(candles []upbit.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.CandleAccTradeVolume
	}
	return out
}

// ============================================================================
// BASIC STATISTICS
// ============================================================================

// Mean returns the arithmetic mean, 0 for an empty slice
func Mean(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sum := 0.0
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

// CalculateSMA calculates the Simple Moving Average of the last period values
func CalculateSMA(values []float64, period int) float64 {
	if period <= 0 || len(values) < period {
		return 0
	}
	return Mean(values[len(values)-period:])
}

// PercentChange returns (last / values[len-lookback] - 1) * 100.
// lookback 4 compares the latest close with the close three bars earlier.
func PercentChange(values []float64, lookback int) (float64, bool) {
	if lookback <= 0 || len(values) < lookback {
		return 0, false
	}
	base := values[len(values)-lookback]
	if base == 0 {
		return 0, false
	}
	return (values[len(values)-1]/base - 1) * 100, true
}

func maxOf(values []float64) float64 {
	m := math.Inf(-1)
	for _, v := range values {
		if v > m {
			m = v
		}
	}
	return m
}

func minOf(values []float64) float64 {
	m := math.Inf(1)
	for _, v := range values {
		if v < m {
			m = v
		}
	}
	return m
}

// ============================================================================
// EXPONENTIAL WEIGHTING
// ============================================================================

// EWM returns the adjusted exponentially weighted mean series for span:
// y[t] = sum((1-a)^i * x[t-i]) / sum((1-a)^i) with a = 2/(span+1).
func EWM(values []float64, span int) []float64 {
	out := make([]float64, len(values))
	if span < 1 || len(values) == 0 {
		return out
	}
	alpha := 2.0 / float64(span+1)
	decay := 1 - alpha

	num, den := 0.0, 0.0
	for i, v := range values {
		num = num*decay + v
		den = den*decay + 1
		out[i] = num / den
	}
	return out
}

// ============================================================================
// MACD
// ============================================================================

// MACDResult holds the MACD line and its signal line
type MACDResult struct {
	MACD   []float64
	Signal []float64
}

// CalculateMACD computes MACD = EWM(fast) - EWM(slow) with an EWM signal line
func CalculateMACD(closes []float64, fastPeriod, slowPeriod, signalPeriod int) *MACDResult {
	fast := EWM(closes, fastPeriod)
	slow := EWM(closes, slowPeriod)
	line := make([]float64, len(closes))
	for i := range closes {
		line[i] = fast[i] - slow[i]
	}
	return &MACDResult{MACD: line, Signal: EWM(line, signalPeriod)}
}

// BullishCrossover reports the MACD line crossing above the signal on the last bar
func (m *MACDResult) BullishCrossover() bool {
	n := len(m.MACD)
	if n < 2 {
		return false
	}
	return m.MACD[n-1] > m.Signal[n-1] && m.MACD[n-2] <= m.Signal[n-2]
}

// ============================================================================
// OSCILLATORS
// ============================================================================

// WilliamsR computes %R over the last period bars. ok is false when there
// are too few bars or the range is flat.
func WilliamsR(highs, lows, closes []float64, period int) (float64, bool) {
	n := len(closes)
	if period <= 0 || n < period || len(highs) != n || len(lows) != n {
		return 0, false
	}
	hh := maxOf(highs[n-period:])
	ll := minOf(lows[n-period:])
	if hh == ll {
		return 0, false
	}
	return (hh - closes[n-1]) / (hh - ll) * -100, true
}

// StochasticResult holds the latest %K and %D values
type StochasticResult struct {
	K float64
	D float64
}

// CalculateStochastic computes %K over kPeriod and %D as the dPeriod mean of %K.
// It returns nil when any %K in the %D window is undefined.
func CalculateStochastic(highs, lows, closes []float64, kPeriod, dPeriod int) *StochasticResult {
	n := len(closes)
	if kPeriod <= 0 || dPeriod <= 0 || n < kPeriod+dPeriod-1 || len(highs) != n || len(lows) != n {
		return nil
	}

	ks := make([]float64, 0, dPeriod)
	for end := n - dPeriod + 1; end <= n; end++ {
		hh := maxOf(highs[end-kPeriod : end])
		ll := minOf(lows[end-kPeriod : end])
		if hh == ll {
			return nil
		}
		ks = append(ks, (closes[end-1]-ll)/(hh-ll)*100)
	}
	return &StochasticResult{K: ks[len(ks)-1], D: Mean(ks)}
}

// CalculateRSI calculates the Relative Strength Index with simple averages
func CalculateRSI(closes []float64, period int) float64 {
	if period <= 0 || len(closes) < period+1 {
		return 50.0 // Neutral RSI
	}

	gains, losses := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	if losses == 0 {
		return 100
	}
	rs := (gains / float64(period)) / (losses / float64(period))
	return 100 - (100 / (1 + rs))
}
