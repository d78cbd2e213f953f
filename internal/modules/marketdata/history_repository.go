// Package marketdata feeds the engine with validated ticks and serves
// historical candles. The gateway sits between external providers and the
// event bus; the history repository is the local candle store in history.db.
package marketdata

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// historySchema is applied on open. history.db is a cache: losing it only
// costs a re-download, so it runs with synchronous=OFF.
const historySchema = `
CREATE TABLE IF NOT EXISTS candles (
    symbol TEXT NOT NULL,
    interval TEXT NOT NULL,
    ts INTEGER NOT NULL,
    open REAL NOT NULL,
    high REAL NOT NULL,
    low REAL NOT NULL,
    close REAL NOT NULL,
    volume REAL NOT NULL DEFAULT 0,
    PRIMARY KEY (symbol, interval, ts)
);
CREATE INDEX IF NOT EXISTS idx_candles_symbol_ts ON candles(symbol, interval, ts DESC);
`

// HistoryRepository stores OHLCV candles in history.db. It uses the cgo
// sqlite3 driver, keeping the candle store on a separate driver and file
// from the transactional databases.
type HistoryRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewHistoryRepository opens (creating if needed) the candle store at path.
func NewHistoryRepository(path string, log zerolog.Logger) (*HistoryRepository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_synchronous=OFF&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open history database: %w", err)
	}

	if _, err := db.Exec(historySchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to apply history schema: %w", err)
	}

	return &HistoryRepository{
		db:  db,
		log: log.With().Str("repo", "history").Logger(),
	}, nil
}

// Close closes the underlying connection.
func (r *HistoryRepository) Close() error {
	return r.db.Close()
}

// UpsertCandles inserts or replaces a batch of candles in one transaction.
func (r *HistoryRepository) UpsertCandles(symbol, interval string, candles []domain.Candle) error {
	if len(candles) == 0 {
		return nil
	}

	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT OR REPLACE INTO candles (symbol, interval, ts, open, high, low, close, volume)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare candle insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range candles {
		if _, err := stmt.Exec(symbol, interval, c.Timestamp.UTC().Unix(),
			c.Open, c.High, c.Low, c.Close, c.Volume); err != nil {
			return fmt.Errorf("failed to insert candle %s@%s: %w", symbol, c.Timestamp, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit candles: %w", err)
	}

	r.log.Debug().
		Str("symbol", symbol).
		Str("interval", interval).
		Int("count", len(candles)).
		Msg("Stored candles")

	return nil
}

// GetCandles returns candles in [start, end], oldest first.
func (r *HistoryRepository) GetCandles(symbol, interval string, start, end time.Time) ([]domain.Candle, error) {
	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close, volume
		FROM candles
		WHERE symbol = ? AND interval = ? AND ts >= ? AND ts <= ?
		ORDER BY ts ASC
	`, symbol, interval, start.UTC().Unix(), end.UTC().Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to query candles: %w", err)
	}
	defer rows.Close()

	return r.scanCandles(rows, symbol, interval)
}

// GetRecentCandles returns the newest limit candles, oldest first.
func (r *HistoryRepository) GetRecentCandles(symbol, interval string, limit int) ([]domain.Candle, error) {
	if limit <= 0 {
		return nil, nil
	}

	rows, err := r.db.Query(`
		SELECT ts, open, high, low, close, volume FROM (
			SELECT ts, open, high, low, close, volume
			FROM candles
			WHERE symbol = ? AND interval = ?
			ORDER BY ts DESC
			LIMIT ?
		) ORDER BY ts ASC
	`, symbol, interval, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent candles: %w", err)
	}
	defer rows.Close()

	return r.scanCandles(rows, symbol, interval)
}

// LatestClose returns the most recent close for the symbol across any
// interval, or (0, nil) when no candles exist.
func (r *HistoryRepository) LatestClose(symbol string) (float64, error) {
	var close float64
	err := r.db.QueryRow(`
		SELECT close FROM candles
		WHERE symbol = ?
		ORDER BY ts DESC
		LIMIT 1
	`, symbol).Scan(&close)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to query latest close: %w", err)
	}
	return close, nil
}

// CandleCount returns the number of stored candles for a symbol/interval.
func (r *HistoryRepository) CandleCount(symbol, interval string) (int, error) {
	var count int
	err := r.db.QueryRow(
		"SELECT COUNT(*) FROM candles WHERE symbol = ? AND interval = ?",
		symbol, interval).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count candles: %w", err)
	}
	return count, nil
}

func (r *HistoryRepository) scanCandles(rows *sql.Rows, symbol, interval string) ([]domain.Candle, error) {
	var candles []domain.Candle
	for rows.Next() {
		var (
			c  domain.Candle
			ts int64
		)
		if err := rows.Scan(&ts, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, fmt.Errorf("failed to scan candle: %w", err)
		}
		c.Timestamp = time.Unix(ts, 0).UTC()
		c.Symbol = symbol
		c.Interval = interval
		candles = append(candles, c)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating candles: %w", err)
	}

	return candles, nil
}
