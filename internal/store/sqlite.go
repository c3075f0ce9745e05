// Package store persists finished backtest runs to SQLite so sweeps
// can be compared across sessions.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"perp_backtester/internal/core"
	"perp_backtester/internal/metrics"
)

type SQLiteStore struct {
	db *sql.DB
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id            TEXT PRIMARY KEY,
	symbol        TEXT NOT NULL,
	params        TEXT NOT NULL,
	total_return  TEXT NOT NULL,
	final_equity  TEXT NOT NULL,
	sharpe        REAL NOT NULL,
	max_drawdown  TEXT NOT NULL,
	trades        INTEGER NOT NULL,
	liquidations  INTEGER NOT NULL,
	fees_paid     TEXT NOT NULL,
	funding_paid  TEXT NOT NULL,
	created_at    INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS fills (
	run_id    TEXT NOT NULL REFERENCES runs(id),
	seq       INTEGER NOT NULL,
	order_id  TEXT NOT NULL,
	side      TEXT NOT NULL,
	price     TEXT NOT NULL,
	quantity  TEXT NOT NULL,
	fee       TEXT NOT NULL,
	realized  TEXT NOT NULL,
	liquidation INTEGER NOT NULL,
	ts        INTEGER NOT NULL,
	PRIMARY KEY (run_id, seq)
);
CREATE TABLE IF NOT EXISTS equity (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	ts      INTEGER NOT NULL,
	balance TEXT NOT NULL,
	upnl    TEXT NOT NULL,
	total   TEXT NOT NULL,
	PRIMARY KEY (run_id, ts)
);
CREATE TABLE IF NOT EXISTS funding (
	run_id  TEXT NOT NULL REFERENCES runs(id),
	ts      INTEGER NOT NULL,
	rate    TEXT NOT NULL,
	payment TEXT NOT NULL,
	PRIMARY KEY (run_id, ts)
);
`

func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	// Enable WAL mode for crash recovery
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.Exec(schema); err != nil {
		return nil, fmt.Errorf("failed to create schema: %w", err)
	}

	return &SQLiteStore{db: db}, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// RunRecord is the summary row of one persisted run
type RunRecord struct {
	ID          string
	Symbol      string
	Params      string
	TotalReturn string
	Sharpe      float64
	Trades      int
	CreatedAt   int64
}

// SaveRun writes a run and its fills, equity curve and funding events
// in one transaction. Returns the new run id.
func (s *SQLiteStore) SaveRun(ctx context.Context, symbol, params string, summary metrics.Summary,
	fills []core.Fill, equity []core.EquitySample, funding []core.FundingEvent) (string, error) {

	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return "", fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	id := uuid.NewString()
	_, err = tx.ExecContext(ctx,
		`INSERT INTO runs (id, symbol, params, total_return, final_equity, sharpe, max_drawdown,
			trades, liquidations, fees_paid, funding_paid, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, symbol, params,
		summary.TotalReturn.String(), summary.FinalEquity.String(), summary.SharpeRatio,
		summary.MaxDrawdown.String(), summary.Trades, summary.Liquidations,
		summary.FeesPaid.String(), summary.FundingPaid.String(), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("failed to insert run: %w", err)
	}

	for i, f := range fills {
		liq := 0
		if f.Liquidation {
			liq = 1
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO fills (run_id, seq, order_id, side, price, quantity, fee, realized, liquidation, ts)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			id, i, f.OrderID, string(f.Side), f.Price.String(), f.Quantity.String(),
			f.Fee.String(), f.RealizedPnL.String(), liq, f.Timestamp)
		if err != nil {
			return "", fmt.Errorf("failed to insert fill: %w", err)
		}
	}

	for _, e := range equity {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO equity (run_id, ts, balance, upnl, total) VALUES (?, ?, ?, ?, ?)`,
			id, e.Timestamp, e.Balance.String(), e.UnrealizedPnL.String(), e.Total.String())
		if err != nil {
			return "", fmt.Errorf("failed to insert equity sample: %w", err)
		}
	}

	for _, ev := range funding {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO funding (run_id, ts, rate, payment) VALUES (?, ?, ?, ?)`,
			id, ev.Timestamp, ev.Rate.String(), ev.Payment.String())
		if err != nil {
			return "", fmt.Errorf("failed to insert funding event: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("failed to commit run: %w", err)
	}
	return id, nil
}

// ListRuns returns run summaries for a symbol, newest first
func (s *SQLiteStore) ListRuns(ctx context.Context, symbol string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, symbol, params, total_return, sharpe, trades, created_at
		 FROM runs WHERE symbol = ? ORDER BY created_at DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var r RunRecord
		if err := rows.Scan(&r.ID, &r.Symbol, &r.Params, &r.TotalReturn, &r.Sharpe, &r.Trades, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
