package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS trades (
	id          INTEGER PRIMARY KEY AUTOINCREMENT,
	market      TEXT    NOT NULL,
	entry_price REAL    NOT NULL,
	exit_price  REAL    NOT NULL,
	volume      REAL    NOT NULL,
	pnl         REAL    NOT NULL,
	pnl_percent REAL    NOT NULL,
	reason      TEXT    NOT NULL DEFAULT '',
	entry_time  INTEGER NOT NULL,
	exit_time   INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market);
CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time);
`

// SQLiteJournal is the local trade journal
type SQLiteJournal struct {
	db *sql.DB
}

// OpenSQLiteJournal opens (and migrates) the journal at path
func OpenSQLiteJournal(path string) (*SQLiteJournal, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating journal dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening db: %w", err)
	}

	// WAL mode for concurrent reads
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting WAL mode: %w", err)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("schema migration: %w", err)
	}

	return &SQLiteJournal{db: db}, nil
}

func (j *SQLiteJournal) Close() error {
	return j.db.Close()
}

func (j *SQLiteJournal) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.db.ExecContext(ctx, `
		INSERT INTO trades (market, entry_price, exit_price, volume, pnl, pnl_percent,
			reason, entry_time, exit_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.Market, t.EntryPrice, t.ExitPrice, t.Volume, t.PnL, t.PnLPercent,
		t.Reason, t.EntryTime.UnixMilli(), t.ExitTime.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (j *SQLiteJournal) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := j.db.QueryContext(ctx, `
		SELECT id, market, entry_price, exit_price, volume, pnl, pnl_percent, reason,
			entry_time, exit_time
		FROM trades ORDER BY exit_time DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TradeRecord
	for rows.Next() {
		var t TradeRecord
		var entryMs, exitMs int64
		if err := rows.Scan(&t.ID, &t.Market, &t.EntryPrice, &t.ExitPrice, &t.Volume,
			&t.PnL, &t.PnLPercent, &t.Reason, &entryMs, &exitMs); err != nil {
			return nil, err
		}
		t.EntryTime = time.UnixMilli(entryMs)
		t.ExitTime = time.UnixMilli(exitMs)
		results = append(results, t)
	}
	return results, rows.Err()
}
