package upbit

import (
	"math"
	"strconv"
)

// tickBands maps an exclusive upper price bound to the KRW tick size
var tickBands = []struct {
	below float64
	tick  float64
}{
	{10, 0.01},
	{100, 0.1},
	{1000, 1},
	{10000, 5},
	{100000, 10},
	{500000, 50},
	{1000000, 100},
	{2000000, 500},
}

// TickSize returns the minimum price increment for price on KRW markets
func TickSize(price float64) float64 {
	for _, b := range tickBands {
		if price < b.below {
			return b.tick
		}
	}
	return 1000
}

// float noise tolerance when snapping to the tick grid
const tickEpsilon = 1e-9

// RoundUpToTick returns the smallest multiple of tick that is >= price
func RoundUpToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	n := math.Ceil(price/tick - tickEpsilon)
	return snap(n*tick, tick)
}

// RoundDownToTick returns the largest multiple of tick that is <= price
func RoundDownToTick(price, tick float64) float64 {
	if tick <= 0 {
		return price
	}
	n := math.Floor(price/tick + tickEpsilon)
	return snap(n*tick, tick)
}

// OnTickGrid reports whether price is a multiple of tick within float tolerance
func OnTickGrid(price, tick float64) bool {
	if tick <= 0 {
		return false
	}
	r := price / tick
	return math.Abs(r-math.Round(r)) < 1e-6
}

func snap(v, tick float64) float64 {
	decimals := 0
	for t := tick; t < 1 && decimals < 8; t *= 10 {
		decimals++
	}
	p := math.Pow(10, float64(decimals))
	return math.Round(v*p) / p
}

// FormatNumber renders a price or volume without exponent or trailing zeros
func FormatNumber(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
