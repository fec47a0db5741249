package autopilot

import (
	"context"
	"math"
	"strings"
	"time"

	"upbit-trading-bot/internal/cache"
)

const (
	conditionSampleSize = 10
	bullThreshold       = 0.02
	bearThreshold       = -0.02
)

// ClassifyCondition maps the average signed change rate of the sample to a
// condition and confidence
func ClassifyCondition(avgChange float64) (MarketCondition, float64) {
	switch {
	case avgChange > bullThreshold:
		return ConditionBull, math.Min(math.Abs(avgChange)*10, 1)
	case avgChange < bearThreshold:
		return ConditionBear, math.Min(math.Abs(avgChange)*10, 1)
	default:
		return ConditionNeutral, 0.5
	}
}

// AnalyzeMarketCondition averages signed_change_rate over the first KRW
// markets. Any failure reads as NEUTRAL at 0.5.
func (ma *MarketAnalyzer) AnalyzeMarketCondition(ctx context.Context) (MarketCondition, float64) {
	if v, ok := ma.cache.Get(cache.SlotMarketCondition, conditionMaxAge); ok {
		if snap, ok := v.(ConditionSnapshot); ok {
			return snap.Condition, snap.Confidence
		}
	}

	snap := ConditionSnapshot{Condition: ConditionNeutral, Confidence: 0.5, Timestamp: time.Now()}

	var sample []string
	for _, m := range ma.exchange.GetMarkets(ctx, false) {
		if strings.HasPrefix(m.Market, "KRW-") {
			sample = append(sample, m.Market)
			if len(sample) == conditionSampleSize {
				break
			}
		}
	}

	if len(sample) > 0 {
		if tickers := ma.exchange.GetTickers(ctx, sample); len(tickers) > 0 {
			var sum float64
			for _, t := range tickers {
				sum += t.SignedChangeRate
			}
			snap.AvgChange = sum / float64(len(tickers))
			snap.Condition, snap.Confidence = ClassifyCondition(snap.AvgChange)
		}
	} else {
		ma.logger.Warn("market condition unavailable, assuming neutral")
	}

	ma.cache.Update(cache.SlotMarketCondition, snap)
	ma.mu.Lock()
	ma.condition = snap
	ma.mu.Unlock()

	if ma.statusCache != nil {
		if err := ma.statusCache.Set(ctx, cache.KeyMarketCondition, snap, conditionMaxAge); err != nil {
			ma.logger.Debug("market condition cache write failed", "error", err)
		}
	}
	return snap.Condition, snap.Confidence
}
