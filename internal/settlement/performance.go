package settlement

import (
	"math"
	"sync"
	"time"
)

// PerformanceMetrics accumulates closed trades
type PerformanceMetrics struct {
	mu sync.RWMutex

	totalTrades        int
	winningTrades      int
	losingTrades       int
	totalProfit        float64
	totalProfitPercent float64
	grossProfit        float64
	grossLoss          float64
	dailyProfits       map[string]float64
	markets            map[string]*MarketPnL

	cumulative  float64 // Running sum of profit_percent
	peak        float64
	maxDrawdown float64
}

// NewPerformanceMetrics creates empty metrics
func NewPerformanceMetrics() *PerformanceMetrics {
	return &PerformanceMetrics{
		dailyProfits: make(map[string]float64),
		markets:      make(map[string]*MarketPnL),
	}
}

// Record adds a closed trade. Profit above zero is a win, anything else a loss.
func (p *PerformanceMetrics) Record(r TradeResult) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if r.ClosedAt.IsZero() {
		r.ClosedAt = time.Now()
	}

	p.totalTrades++
	p.totalProfit += r.Profit
	p.totalProfitPercent += r.ProfitPercent
	if r.Profit > 0 {
		p.winningTrades++
		p.grossProfit += r.Profit
	} else {
		p.losingTrades++
		p.grossLoss += r.Profit
	}
	p.dailyProfits[r.ClosedAt.Format("2006-01-02")] += r.Profit

	p.cumulative += r.ProfitPercent
	if p.cumulative > p.peak {
		p.peak = p.cumulative
	}
	if dd := p.peak - p.cumulative; dd > p.maxDrawdown {
		p.maxDrawdown = dd
	}

	m, ok := p.markets[r.Market]
	if !ok {
		m = &MarketPnL{Market: r.Market}
		p.markets[r.Market] = m
	}
	addToMarket(m, r.Profit)
}

func addToMarket(m *MarketPnL, profit float64) {
	m.TradeCount++
	m.RealizedPnL += profit
	if profit > 0 {
		m.WinCount++
		if profit > m.LargestWin {
			m.LargestWin = profit
		}
	} else {
		m.LossCount++
		if profit < m.LargestLoss {
			m.LargestLoss = profit
		}
	}
	m.WinRate = float64(m.WinCount) / float64(m.TradeCount) * 100
}

// WinRate returns the percentage of winning trades
func (p *PerformanceMetrics) WinRate() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.winRate()
}

func (p *PerformanceMetrics) winRate() float64 {
	if p.totalTrades == 0 {
		return 0
	}
	return float64(p.winningTrades) / float64(p.totalTrades) * 100
}

// MaxDrawdown returns the largest peak-to-trough fall of cumulative profit percent
func (p *PerformanceMetrics) MaxDrawdown() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.maxDrawdown
}

// ProfitFactor is gross profit over gross loss, +Inf without losses
func (p *PerformanceMetrics) ProfitFactor() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.profitFactor()
}

func (p *PerformanceMetrics) profitFactor() float64 {
	if p.grossLoss == 0 {
		if p.grossProfit > 0 {
			return math.Inf(1)
		}
		return 0
	}
	return p.grossProfit / math.Abs(p.grossLoss)
}

// Summary returns a JSON-safe snapshot. An infinite profit factor is
// reported as 0 with ProfitFactorNoLoss set.
func (p *PerformanceMetrics) Summary() Summary {
	p.mu.RLock()
	defer p.mu.RUnlock()

	s := Summary{
		TotalTrades:        p.totalTrades,
		WinningTrades:      p.winningTrades,
		LosingTrades:       p.losingTrades,
		WinRate:            p.winRate(),
		TotalProfit:        p.totalProfit,
		TotalProfitPercent: p.totalProfitPercent,
		MaxDrawdown:        p.maxDrawdown,
		DailyProfits:       make(map[string]float64, len(p.dailyProfits)),
		Markets:            make(map[string]*MarketPnL, len(p.markets)),
	}
	if pf := p.profitFactor(); math.IsInf(pf, 1) {
		s.ProfitFactorNoLoss = true
	} else {
		s.ProfitFactor = pf
	}
	for d, v := range p.dailyProfits {
		s.DailyProfits[d] = v
	}
	for k, m := range p.markets {
		cp := *m
		s.Markets[k] = &cp
	}
	return s
}

// AggregateByMarket folds a list of trades into per-market P&L
func AggregateByMarket(trades []TradeResult) map[string]*MarketPnL {
	out := make(map[string]*MarketPnL)
	for _, r := range trades {
		m, ok := out[r.Market]
		if !ok {
			m = &MarketPnL{Market: r.Market}
			out[r.Market] = m
		}
		addToMarket(m, r.Profit)
	}
	return out
}
