package autopilot

import (
	"context"
	"sort"
	"strings"
	"time"

	"upbit-trading-bot/config"
	"upbit-trading-bot/internal/cache"
	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

const (
	scoreCandleCount = 100
	hourCandleCount  = 60
	minRangeRatio    = 1.002
	candleInterval   = "minute1"
)

// preFilter applies the checks that need only the market list and ticker
func preFilter(t upbit.Ticker, cs config.CoinSelection) (tickRatio float64, ok bool) {
	if t.MarketState != "" && t.MarketState != "ACTIVE" {
		return 0, false
	}
	if t.MarketWarning != "" && t.MarketWarning != "NONE" {
		return 0, false
	}
	price := t.TradePrice
	if price < cs.MinPrice || price > cs.MaxPrice {
		return 0, false
	}
	if t.AccTradePrice24h < cs.MinVolume24h {
		return 0, false
	}
	if t.HighPrice < t.LowPrice*minRangeRatio {
		return 0, false
	}
	tickRatio = upbit.TickSize(price) / price * 100
	if tickRatio < cs.MinTickRatio {
		return 0, false
	}
	return tickRatio, true
}

// hourlyValue is the mean candle_acc_trade_price of the last hour of
// 1-minute candles
func hourlyValue(candles []upbit.Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	start := len(candles) - hourCandleCount
	if start < 0 {
		start = 0
	}
	var sum float64
	for _, c := range candles[start:] {
		sum += c.CandleAccTradePrice
	}
	return sum / float64(len(candles)-start)
}

// SelectCoins returns the KRW markets that pass every selection filter
func (ma *MarketAnalyzer) SelectCoins(ctx context.Context) ([]Candidate, error) {
	cs := ma.Config().TradingConfig.CoinSelection

	markets := ma.exchange.GetMarkets(ctx, true)
	if markets == nil {
		return nil, ErrMarketsUnavailable
	}

	var codes []string
	for _, m := range markets {
		if !strings.HasPrefix(m.Market, "KRW-") || cs.IsExcluded(m.Market) {
			continue
		}
		if m.MarketWarning != "" && m.MarketWarning != "NONE" {
			continue
		}
		if ma.exchange.IsInvalidMarket(m.Market) {
			continue
		}
		codes = append(codes, m.Market)
	}
	if len(codes) == 0 {
		return nil, nil
	}

	tickers := ma.exchange.GetTickers(ctx, codes)
	if tickers == nil {
		return nil, ErrMarketsUnavailable
	}

	var out []Candidate
	for _, t := range tickers {
		ma.cache.UpdateKey(cache.SlotMarketPrices, t.Market, t)

		tickRatio, ok := preFilter(t, cs)
		if !ok {
			continue
		}

		candles := ma.minuteCandles(ctx, t.Market)
		vol1h := hourlyValue(candles)
		if vol1h < cs.MinVolume1h {
			continue
		}

		out = append(out, Candidate{
			Market:     t.Market,
			Price:      t.TradePrice,
			Volume24h:  t.AccTradePrice24h,
			Volume1h:   vol1h,
			TickRatio:  tickRatio,
			ChangeRate: t.SignedChangeRate,
			Candles:    candles,
		})
	}
	return out, nil
}

// minuteCandles serves 1-minute candles from the cache for up to one scan
// interval
func (ma *MarketAnalyzer) minuteCandles(ctx context.Context, market string) []upbit.Candle {
	key := market + ":" + candleInterval
	maxAge := time.Duration(ma.Config().EngineConfig.ScanIntervalSec) * time.Second
	if v, ok := ma.cache.GetKey(cache.SlotCandles, key, maxAge); ok {
		if candles, ok := v.([]upbit.Candle); ok {
			return candles
		}
	}
	candles := ma.exchange.GetCandles(ctx, market, candleInterval, scoreCandleCount)
	if len(candles) > 0 {
		ma.cache.UpdateKey(cache.SlotCandles, key, candles)
	}
	return candles
}

// scoreMarkets selects and scores markets, best first, and keeps the result
// as the monitored list
func (ma *MarketAnalyzer) scoreMarkets(ctx context.Context) ([]ScoredMarket, error) {
	candidates, err := ma.SelectCoins(ctx)
	if err != nil {
		return nil, err
	}

	scored := make([]ScoredMarket, 0, len(candidates))
	for _, c := range candidates {
		total, breakdown := ma.scorer.Score(ctx, c.Market, c.Candles)
		threshold := ma.scorer.Threshold(c.Market)
		ma.cache.UpdateKey(cache.SlotIndicators, c.Market, breakdown)

		scored = append(scored, ScoredMarket{
			Market:     c.Market,
			Price:      c.Price,
			Score:      total,
			Threshold:  threshold,
			Status:     strategy.StatusFor(total, threshold),
			Trace:      breakdown.Trace(),
			ChangeRate: c.ChangeRate,
			Volume24h:  c.Volume24h,
			Breakdown:  breakdown,
			Holding:    ma.positions.Has(c.Market),
		})
	}
	sort.SliceStable(scored, func(i, j int) bool { return scored[i].Score > scored[j].Score })

	ma.mu.Lock()
	ma.monitored = scored
	ma.lastUpdate = time.Now()
	ma.mu.Unlock()

	ma.logger.Debug("scan complete", "candidates", len(candidates))
	return scored, nil
}

// GetMonitoredCoins returns the last scan, rescoring when it is older than
// three scan intervals
func (ma *MarketAnalyzer) GetMonitoredCoins(ctx context.Context) ([]ScoredMarket, error) {
	ma.mu.RLock()
	monitored := ma.monitored
	age := time.Since(ma.lastUpdate)
	scan := time.Duration(ma.cfg.EngineConfig.ScanIntervalSec) * time.Second
	ma.mu.RUnlock()

	if monitored != nil && age < 3*scan {
		out := make([]ScoredMarket, len(monitored))
		copy(out, monitored)
		return out, nil
	}
	return ma.scoreMarkets(ctx)
}
