package database

import (
	"context"
	"fmt"
	"time"

	"upbit-trading-bot/internal/logging"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresJournal keeps the trade journal in PostgreSQL
type PostgresJournal struct {
	Pool   *pgxpool.Pool
	logger *logging.Logger
}

// NewPostgresJournal connects with a DSN and runs the migrations
func NewPostgresJournal(ctx context.Context, dsn string, logger *logging.Logger) (*PostgresJournal, error) {
	if logger == nil {
		logger = logging.Default()
	}

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 10
	poolConfig.MinConns = 1
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	j := &PostgresJournal{Pool: pool, logger: logger.WithComponent("database")}
	if err := j.RunMigrations(connectCtx); err != nil {
		pool.Close()
		return nil, err
	}

	j.logger.Info("connected to PostgreSQL", "database", poolConfig.ConnConfig.Database)
	return j, nil
}

// Close closes the database connection
func (j *PostgresJournal) Close() error {
	if j.Pool != nil {
		j.Pool.Close()
		j.logger.Info("database connection closed")
	}
	return nil
}

// RunMigrations executes database migrations
func (j *PostgresJournal) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			market VARCHAR(20) NOT NULL,
			entry_price DECIMAL(20, 8) NOT NULL,
			exit_price DECIMAL(20, 8) NOT NULL,
			volume DECIMAL(24, 8) NOT NULL,
			pnl DECIMAL(20, 4) NOT NULL,
			pnl_percent DECIMAL(10, 4) NOT NULL,
			reason VARCHAR(50) NOT NULL DEFAULT '',
			entry_time TIMESTAMPTZ NOT NULL,
			exit_time TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_market ON trades(market)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_exit_time ON trades(exit_time)`,
	}

	for i, migration := range migrations {
		if _, err := j.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	j.logger.Info("database migrations completed", "count", len(migrations))
	return nil
}

func (j *PostgresJournal) RecordTrade(ctx context.Context, t TradeRecord) error {
	_, err := j.Pool.Exec(ctx, `
		INSERT INTO trades (market, entry_price, exit_price, volume, pnl, pnl_percent,
			reason, entry_time, exit_time)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.Market, t.EntryPrice, t.ExitPrice, t.Volume, t.PnL, t.PnLPercent,
		t.Reason, t.EntryTime, t.ExitTime,
	)
	if err != nil {
		return fmt.Errorf("insert trade: %w", err)
	}
	return nil
}

func (j *PostgresJournal) RecentTrades(ctx context.Context, limit int) ([]TradeRecord, error) {
	rows, err := j.Pool.Query(ctx, `
		SELECT id, market, entry_price::float8, exit_price::float8, volume::float8,
			pnl::float8, pnl_percent::float8, reason, entry_time, exit_time
		FROM trades ORDER BY exit_time DESC, id DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []TradeRecord
	for rows.Next() {
		var t TradeRecord
		if err := rows.Scan(&t.ID, &t.Market, &t.EntryPrice, &t.ExitPrice, &t.Volume,
			&t.PnL, &t.PnLPercent, &t.Reason, &t.EntryTime, &t.ExitTime); err != nil {
			return nil, err
		}
		results = append(results, t)
	}
	return results, rows.Err()
}

// OpenJournal selects PostgreSQL when dsn is set, SQLite otherwise
func OpenJournal(ctx context.Context, dsn, sqlitePath string, logger *logging.Logger) (Journal, error) {
	if dsn != "" {
		return NewPostgresJournal(ctx, dsn, logger)
	}
	return OpenSQLiteJournal(sqlitePath)
}
