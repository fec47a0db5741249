package database

import (
	"context"
	"time"
)

// TradeRecord is one closed trade in the journal
type TradeRecord struct {
	ID         int64     `json:"id"`
	Market     string    `json:"market"`
	EntryPrice float64   `json:"entry_price"`
	ExitPrice  float64   `json:"exit_price"`
	Volume     float64   `json:"volume"`
	PnL        float64   `json:"pnl"`
	PnLPercent float64   `json:"pnl_percent"`
	Reason     string    `json:"reason"`
	EntryTime  time.Time `json:"entry_time"`
	ExitTime   time.Time `json:"exit_time"`
}

// Journal persists closed trades
type Journal interface {
	RecordTrade(ctx context.Context, t TradeRecord) error
	RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error)
	Close() error
}
