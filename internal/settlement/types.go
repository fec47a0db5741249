// Package settlement keeps the realized performance of closed trades.
package settlement

import (
	"time"
)

// TradeResult is one closed round trip
type TradeResult struct {
	Market        string    `json:"market"`
	EntryPrice    float64   `json:"entry_price"`
	ExitPrice     float64   `json:"exit_price"`
	Volume        float64   `json:"volume"`
	Profit        float64   `json:"profit"`         // KRW
	ProfitPercent float64   `json:"profit_percent"` // Percent of entry notional
	Reason        string    `json:"reason"`         // presell, profit_target, stop_loss, manual
	ClosedAt      time.Time `json:"closed_at"`
}

// MarketPnL is the realized P&L of one market
type MarketPnL struct {
	Market      string  `json:"market"`
	RealizedPnL float64 `json:"realized_pnl"`
	TradeCount  int     `json:"trade_count"`
	WinCount    int     `json:"win_count"`
	LossCount   int     `json:"loss_count"`
	WinRate     float64 `json:"win_rate"`     // Percent
	LargestWin  float64 `json:"largest_win"`
	LargestLoss float64 `json:"largest_loss"` // Negative
}

// Summary is the JSON view of the performance metrics
type Summary struct {
	TotalTrades        int                   `json:"total_trades"`
	WinningTrades      int                   `json:"winning_trades"`
	LosingTrades       int                   `json:"losing_trades"`
	WinRate            float64               `json:"win_rate"` // Percent
	TotalProfit        float64               `json:"total_profit"`
	TotalProfitPercent float64               `json:"total_profit_percent"`
	MaxDrawdown        float64               `json:"max_drawdown"` // Percent points of cumulative profit_percent
	ProfitFactor       float64               `json:"profit_factor"`
	ProfitFactorNoLoss bool                  `json:"profit_factor_infinite"` // No losing trade yet
	DailyProfits       map[string]float64    `json:"daily_profits"`
	Markets            map[string]*MarketPnL `json:"markets"`
}
