package database

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"upbit-trading-bot/config"
)

func TestSQLiteJournal_RecordAndRecent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "trades.db")
	j, err := OpenSQLiteJournal(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	defer j.Close()

	ctx := context.Background()
	base := time.Date(2026, 3, 14, 9, 0, 0, 0, time.UTC)
	trades := []TradeRecord{
		{Market: "KRW-UNI", EntryPrice: 11420, ExitPrice: 11450, Volume: 0.61295971, PnL: 18.39, PnLPercent: 0.26, Reason: "presell", EntryTime: base, ExitTime: base.Add(time.Minute)},
		{Market: "KRW-ADA", EntryPrice: 1105, ExitPrice: 1050, Volume: 6.33, PnL: -348.15, PnLPercent: -4.98, Reason: "stop_loss", EntryTime: base, ExitTime: base.Add(2 * time.Minute)},
	}
	for _, tr := range trades {
		if err := j.RecordTrade(ctx, tr); err != nil {
			t.Fatalf("Unexpected insert error: %v", err)
		}
	}

	recent, err := j.RecentTrades(ctx, 10)
	if err != nil {
		t.Fatalf("Unexpected query error: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("Expected 2 trades, got %d", len(recent))
	}
	if recent[0].Market != "KRW-ADA" {
		t.Errorf("Expected newest first, got %s", recent[0].Market)
	}
	if recent[1].Volume != 0.61295971 || recent[1].Reason != "presell" {
		t.Errorf("Unexpected row: %+v", recent[1])
	}
	if !recent[1].ExitTime.Equal(base.Add(time.Minute)) {
		t.Errorf("Expected exit time preserved, got %v", recent[1].ExitTime)
	}

	limited, _ := j.RecentTrades(ctx, 1)
	if len(limited) != 1 {
		t.Errorf("Expected limit 1, got %d", len(limited))
	}
}

func TestSQLiteJournal_ReopenKeepsRows(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trades.db")
	j, err := OpenSQLiteJournal(path)
	if err != nil {
		t.Fatal(err)
	}
	now := time.Now()
	if err := j.RecordTrade(context.Background(), TradeRecord{Market: "KRW-UNI", EntryTime: now, ExitTime: now}); err != nil {
		t.Fatal(err)
	}
	j.Close()

	// Migration is idempotent
	j2, err := OpenSQLiteJournal(path)
	if err != nil {
		t.Fatalf("Unexpected reopen error: %v", err)
	}
	defer j2.Close()
	rows, _ := j2.RecentTrades(context.Background(), 10)
	if len(rows) != 1 {
		t.Errorf("Expected 1 row after reopen, got %d", len(rows))
	}
}

func TestOpenJournal_DefaultsToSQLite(t *testing.T) {
	j, err := OpenJournal(context.Background(), "", filepath.Join(t.TempDir(), "t.db"), nil)
	if err != nil {
		t.Fatal(err)
	}
	defer j.Close()
	if _, ok := j.(*SQLiteJournal); !ok {
		t.Errorf("Expected *SQLiteJournal, got %T", j)
	}
}

func TestNewRedisClient_Disabled(t *testing.T) {
	if _, err := NewRedisClient(context.Background(), config.RedisConfig{Enabled: false}); err == nil {
		t.Error("Expected error when Redis is disabled")
	}
}

func TestRedisOrderTracker_NilClient(t *testing.T) {
	tr := NewRedisOrderTracker(nil, 0, nil)
	if err := tr.TrackOrder(context.Background(), "u-1", "KRW-UNI", "bid", 11420, 1); err == nil {
		t.Error("Expected error without a client")
	}
	if err := tr.CompleteOrder(context.Background(), "u-1"); err != nil {
		t.Errorf("Expected completing without a client to be a no-op, got %v", err)
	}
}
