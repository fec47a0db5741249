package autopilot

import (
	"context"
	"errors"
	"time"

	"upbit-trading-bot/internal/strategy"
	"upbit-trading-bot/internal/upbit"
)

var (
	ErrAlreadyRunning       = errors.New("analyzer already running")
	ErrMarketsUnavailable   = errors.New("market list unavailable")
	ErrInsufficientBalance  = errors.New("insufficient KRW balance")
	ErrNoHolding            = errors.New("no holding for market")
	ErrInvalidMarketRequest = errors.New("invalid market")
)

// MarketCondition is the broad direction of the KRW market
type MarketCondition string

const (
	ConditionBull    MarketCondition = "BULL"
	ConditionBear    MarketCondition = "BEAR"
	ConditionNeutral MarketCondition = "NEUTRAL"
)

// ConditionSnapshot is what the market_condition cache slot holds
type ConditionSnapshot struct {
	Condition  MarketCondition `json:"condition"`
	Confidence float64         `json:"confidence"`
	AvgChange  float64         `json:"avg_change"`
	Timestamp  time.Time       `json:"timestamp"`
}

// Candidate is a market that passed coin selection. Candles are the
// 1-minute candles fetched for the hourly volume check, reused by the scorer.
type Candidate struct {
	Market     string         `json:"market"`
	Price      float64        `json:"price"`
	Volume24h  float64        `json:"volume_24h"`
	Volume1h   float64        `json:"volume_1h"`
	TickRatio  float64        `json:"tick_ratio"`
	ChangeRate float64        `json:"change_rate"`
	Candles    []upbit.Candle `json:"-"`
}

// ScoredMarket is one row of the monitored-coins view
type ScoredMarket struct {
	Market     string                   `json:"market"`
	Price      float64                  `json:"price"`
	Score      float64                  `json:"score"`
	Threshold  float64                  `json:"threshold"`
	Status     string                   `json:"status"`
	Trace      string                   `json:"trace"`
	ChangeRate float64                  `json:"change_rate"`
	Volume24h  float64                  `json:"volume_24h"`
	Breakdown  *strategy.ScoreBreakdown `json:"breakdown,omitempty"`
	Holding    bool                     `json:"holding"`
}

// Balance is the KRW cash and total valuation of the account
type Balance struct {
	KRW        float64 `json:"krw"`
	TotalAsset float64 `json:"total_asset"`
}

// Result is the outcome of a manual operation
type Result struct {
	Success bool        `json:"success"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

func failed(err error) Result {
	return Result{Success: false, Error: err.Error()}
}

// StatusCache receives status snapshots for external readers (Redis)
type StatusCache interface {
	Set(ctx context.Context, key string, value interface{}, ttl time.Duration) error
}
