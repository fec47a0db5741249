package strategy

import (
	"context"
	"math"
	"sync"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/logging"
	"upbit-trading-bot/internal/upbit"
)

const (
	strengthTradeCount = 100
	williamsPeriod     = 14
	stochKPeriod       = 14
	stochDPeriod       = 3
	oversoldWilliams   = -80.0
	oversoldStochastic = 20.0
)

// MarketDataSource supplies the trades, order book and daily candles the
// score needs beyond the 1-minute candles passed in
type MarketDataSource interface {
	GetRecentTrades(ctx context.Context, market string, count int) []upbit.Trade
	GetOrderbook(ctx context.Context, market string) *upbit.Orderbook
	GetCandles(ctx context.Context, market, interval string, count int) []upbit.Candle
}

// BuyScoreEngine computes the weighted composite buy score
type BuyScoreEngine struct {
	mu     sync.RWMutex
	cfg    config.BuyScoreConfig
	source MarketDataSource
	logger *logging.Logger
}

// NewBuyScoreEngine creates a scorer over source
func NewBuyScoreEngine(cfg config.BuyScoreConfig, source MarketDataSource, logger *logging.Logger) *BuyScoreEngine {
	if logger == nil {
		logger = logging.Default()
	}
	return &BuyScoreEngine{
		cfg:    cfg,
		source: source,
		logger: logger.WithComponent("scorer"),
	}
}

// UpdateConfig swaps the weight/threshold table
func (e *BuyScoreEngine) UpdateConfig(cfg config.BuyScoreConfig) {
	e.mu.Lock()
	e.cfg = cfg
	e.mu.Unlock()
}

// Config returns the active weight/threshold table
func (e *BuyScoreEngine) Config() config.BuyScoreConfig {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Threshold returns the entry threshold for market
func (e *BuyScoreEngine) Threshold(market string) float64 {
	return e.Config().ThresholdFor(market)
}

// Score evaluates the nine components over candles (1-minute, oldest first).
// A momentum drop at or below -threshold vetoes the whole score to zero.
func (e *BuyScoreEngine) Score(ctx context.Context, market string, candles []upbit.Candle) (float64, *ScoreBreakdown) {
	cfg := e.Config()
	b := &ScoreBreakdown{Market: market}

	closes := Closes(candles)
	n := len(closes)

	// 1. Trade-imbalance strength
	if cfg.StrengthWeight > 0 {
		if trades := e.source.GetRecentTrades(ctx, market, strengthTradeCount); len(trades) > 0 {
			strength := TradeStrength(trades)
			if strength >= cfg.StrengthThreshold {
				b.add(ComponentStrength, strength, cfg.StrengthWeight)
			} else if strength >= cfg.StrengthThresholdLow {
				b.add(ComponentStrength, strength, cfg.StrengthWeight/2)
			}
		}
	}

	// 2. Volume spike against the mean of the previous five bars
	if cfg.VolumeSpikeWeight > 0 && n > 5 {
		volumes := Volumes(candles)
		recent := volumes[n-1]
		avg := Mean(volumes[n-6 : n-1])
		if avg > 0 {
			ratio := recent / avg * 100
			if ratio >= cfg.VolumeSpikeThreshold {
				b.add(ComponentVolumeSpike, ratio, cfg.VolumeSpikeWeight)
			} else if ratio >= cfg.VolumeSpikeThresholdLow {
				b.add(ComponentVolumeSpike, ratio, cfg.VolumeSpikeWeight/2)
			}
		}
	}

	// 3. Order-book imbalance
	if cfg.OrderbookWeight > 0 {
		if ob := e.source.GetOrderbook(ctx, market); ob != nil && ob.TotalAskSize > 0 {
			ratio := ob.TotalBidSize / ob.TotalAskSize * 100
			if ratio >= cfg.OrderbookThreshold {
				b.add(ComponentOrderbook, ratio, cfg.OrderbookWeight)
			}
		}
	}

	// 4. Momentum, with a hard veto on a drop
	if cfg.MomentumWeight > 0 && n > 4 {
		if change, ok := PercentChange(closes, 4); ok {
			if change >= cfg.MomentumThreshold {
				b.add(ComponentMomentum, change, cfg.MomentumWeight)
			} else if change <= -cfg.MomentumThreshold {
				b.Total = 0
				b.Components = nil
				b.Vetoed = true
				b.VetoReason = "momentum " + formatPct(change)
				e.logger.Debug("score vetoed", "market", market, "momentum", change)
				return 0, b
			}
		}
	}

	// 5. Proximity to the higher of the last two daily highs
	if cfg.NearHighWeight > 0 && n > 0 {
		daily := e.source.GetCandles(ctx, market, "day", 2)
		if len(daily) >= 2 {
			prevHigh := math.Max(daily[len(daily)-1].HighPrice, daily[len(daily)-2].HighPrice)
			price := closes[n-1]
			if prevHigh > 0 {
				dist := math.Abs(price-prevHigh) / prevHigh
				if dist <= math.Abs(cfg.NearHighThreshold)/100 {
					b.add(ComponentNearHigh, dist*100, cfg.NearHighWeight)
				}
			}
		}
	}

	// 6. Dip-then-recovery shape
	if cfg.TrendReversalWeight > 0 && n > 16 {
		past15 := closes[n-16]
		past5 := closes[n-6]
		current := closes[n-1]
		if past15 > current && current > past5 {
			b.add(ComponentTrendReversal, current, cfg.TrendReversalWeight)
		}
	}

	highs, lows := Highs(candles), Lows(candles)

	// 7. Williams %R
	if cfg.WilliamsWeight > 0 && cfg.WilliamsEnabled && n >= williamsPeriod {
		if wr, ok := WilliamsR(highs, lows, closes, williamsPeriod); ok && wr <= oversoldWilliams {
			b.add(ComponentWilliams, wr, cfg.WilliamsWeight)
		}
	}

	// 8. Stochastic
	if cfg.StochasticWeight > 0 && cfg.StochasticEnabled {
		if st := CalculateStochastic(highs, lows, closes, stochKPeriod, stochDPeriod); st != nil &&
			st.K < oversoldStochastic && st.D < oversoldStochastic {
			b.add(ComponentStochastic, st.K, cfg.StochasticWeight)
		}
	}

	// 9. MACD crossover
	if cfg.MACDWeight > 0 && cfg.MACDEnabled && n >= 2 {
		macd := CalculateMACD(closes, 12, 26, 9)
		if macd.BullishCrossover() {
			b.add(ComponentMACD, macd.MACD[n-1]-macd.Signal[n-1], cfg.MACDWeight)
		}
	}

	return b.Total, b
}

// TradeStrength is BID volume / ASK volume * 100, or 0 without ASK volume
func TradeStrength(trades []upbit.Trade) float64 {
	var buyVol, sellVol float64
	for _, t := range trades {
		switch t.AskBid {
		case "BID":
			buyVol += t.TradeVolume
		case "ASK":
			sellVol += t.TradeVolume
		}
	}
	if sellVol == 0 {
		return 0
	}
	return buyVol / sellVol * 100
}

func formatPct(v float64) string {
	return upbit.FormatNumber(math.Round(v*100)/100) + "%"
}
