package portfolio

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
)

// positionColumns is the column list for the positions table. Order must
// match scanPosition below.
const positionColumns = `symbol, quantity, avg_price, realized_pnl, last_price, opened_at, updated_at`

// Snapshot is one persisted portfolio valuation row.
type Snapshot struct {
	SnapshotAt     time.Time `json:"snapshot_at"`
	Cash           float64   `json:"cash"`
	PositionsValue float64   `json:"positions_value"`
	TotalValue     float64   `json:"total_value"`
	RealizedPnL    float64   `json:"realized_pnl"`
	UnrealizedPnL  float64   `json:"unrealized_pnl"`
	DailyReturn    *float64  `json:"daily_return,omitempty"`
}

// Repository persists portfolio state to portfolio.db: the positions table
// mirrors in-memory positions, the single account row carries cash and
// realized P&L across restarts, and snapshots accumulate one valuation row
// per schedule tick.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a repository bound to portfolio.db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "portfolio").Logger(),
	}
}

// execer is satisfied by both *sql.DB and *sql.Tx so the single-statement
// methods and ApplyFillState share the same SQL.
type execer interface {
	Exec(query string, args ...interface{}) (sql.Result, error)
}

// UpsertPosition writes the current state of one position.
func (r *Repository) UpsertPosition(pos *domain.Position) error {
	return upsertPosition(r.db, pos)
}

func upsertPosition(e execer, pos *domain.Position) error {
	query := `
		INSERT INTO positions (symbol, quantity, avg_price, realized_pnl, last_price, opened_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(symbol) DO UPDATE SET
			quantity = excluded.quantity,
			avg_price = excluded.avg_price,
			realized_pnl = excluded.realized_pnl,
			last_price = excluded.last_price,
			updated_at = excluded.updated_at
	`
	_, err := e.Exec(query,
		pos.Symbol,
		pos.Quantity,
		pos.AvgCost,
		pos.RealizedPnL,
		pos.CurrentPrice,
		nullTime(pos.FirstAcquiredAt),
		pos.LastUpdated.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert position %s: %w", pos.Symbol, err)
	}
	return nil
}

// DeletePosition removes a closed position.
func (r *Repository) DeletePosition(symbol string) error {
	return deletePosition(r.db, symbol)
}

func deletePosition(e execer, symbol string) error {
	if _, err := e.Exec(`DELETE FROM positions WHERE symbol = ?`, symbol); err != nil {
		return fmt.Errorf("failed to delete position %s: %w", symbol, err)
	}
	return nil
}

// GetPositions returns every stored position.
func (r *Repository) GetPositions() ([]domain.Position, error) {
	rows, err := r.db.Query(`SELECT ` + positionColumns + ` FROM positions ORDER BY symbol`)
	if err != nil {
		return nil, fmt.Errorf("failed to query positions: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan position: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating positions: %w", err)
	}
	return positions, nil
}

// SaveAccount writes the single-row cash and realized P&L state.
func (r *Repository) SaveAccount(cash, realizedPnL float64) error {
	return saveAccount(r.db, cash, realizedPnL)
}

func saveAccount(e execer, cash, realizedPnL float64) error {
	query := `
		INSERT INTO account (id, cash, realized_pnl, updated_at)
		VALUES (1, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cash = excluded.cash,
			realized_pnl = excluded.realized_pnl,
			updated_at = excluded.updated_at
	`
	_, err := e.Exec(query, cash, realizedPnL, time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}
	return nil
}

// ApplyFillState persists the post-fill position and account rows in one
// transaction. A crash between the two writes would otherwise leave cash and
// positions describing different portfolios.
func (r *Repository) ApplyFillState(pos *domain.Position, removed bool, cash, realizedPnL float64) error {
	return database.WithTransaction(r.db, func(tx *sql.Tx) error {
		if removed {
			if err := deletePosition(tx, pos.Symbol); err != nil {
				return err
			}
		} else if err := upsertPosition(tx, pos); err != nil {
			return err
		}
		return saveAccount(tx, cash, realizedPnL)
	})
}

// LoadAccount reads cash and realized P&L. ok is false when no account row
// exists yet, i.e. a fresh database.
func (r *Repository) LoadAccount() (cash, realizedPnL float64, ok bool, err error) {
	row := r.db.QueryRow(`SELECT cash, realized_pnl FROM account WHERE id = 1`)
	if err := row.Scan(&cash, &realizedPnL); err != nil {
		if err == sql.ErrNoRows {
			return 0, 0, false, nil
		}
		return 0, 0, false, fmt.Errorf("failed to load account: %w", err)
	}
	return cash, realizedPnL, true, nil
}

// InsertSnapshot appends one valuation row.
func (r *Repository) InsertSnapshot(s Snapshot) error {
	query := `
		INSERT INTO portfolio_snapshots
		(snapshot_at, cash, positions_value, total_value, realized_pnl, unrealized_pnl, daily_return)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`
	var dailyReturn sql.NullFloat64
	if s.DailyReturn != nil {
		dailyReturn = sql.NullFloat64{Float64: *s.DailyReturn, Valid: true}
	}
	_, err := r.db.Exec(query,
		s.SnapshotAt.UTC().Format(time.RFC3339Nano),
		s.Cash,
		s.PositionsValue,
		s.TotalValue,
		s.RealizedPnL,
		s.UnrealizedPnL,
		dailyReturn,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot: %w", err)
	}
	return nil
}

// RecentSnapshots returns up to limit snapshots, newest first.
func (r *Repository) RecentSnapshots(limit int) ([]Snapshot, error) {
	query := `
		SELECT snapshot_at, cash, positions_value, total_value, realized_pnl, unrealized_pnl, daily_return
		FROM portfolio_snapshots
		ORDER BY snapshot_at DESC
		LIMIT ?
	`
	rows, err := r.db.Query(query, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query snapshots: %w", err)
	}
	defer rows.Close()

	var snapshots []Snapshot
	for rows.Next() {
		var (
			s           Snapshot
			at          string
			dailyReturn sql.NullFloat64
		)
		if err := rows.Scan(&at, &s.Cash, &s.PositionsValue, &s.TotalValue, &s.RealizedPnL, &s.UnrealizedPnL, &dailyReturn); err != nil {
			return nil, fmt.Errorf("failed to scan snapshot: %w", err)
		}
		s.SnapshotAt, _ = time.Parse(time.RFC3339Nano, at)
		if dailyReturn.Valid {
			v := dailyReturn.Float64
			s.DailyReturn = &v
		}
		snapshots = append(snapshots, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating snapshots: %w", err)
	}
	return snapshots, nil
}

// PruneSnapshots deletes snapshots older than the cutoff and returns how
// many rows went away. The maintenance schedule calls this.
func (r *Repository) PruneSnapshots(before time.Time) (int64, error) {
	res, err := r.db.Exec(`DELETE FROM portfolio_snapshots WHERE snapshot_at < ?`,
		before.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return 0, fmt.Errorf("failed to prune snapshots: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, nil
	}
	return n, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanPosition(row scanner) (domain.Position, error) {
	var (
		pos       domain.Position
		openedAt  sql.NullString
		updatedAt string
	)
	if err := row.Scan(&pos.Symbol, &pos.Quantity, &pos.AvgCost, &pos.RealizedPnL, &pos.CurrentPrice, &openedAt, &updatedAt); err != nil {
		return domain.Position{}, err
	}

	if openedAt.Valid {
		pos.FirstAcquiredAt, _ = time.Parse(time.RFC3339Nano, openedAt.String)
	}
	pos.LastUpdated, _ = time.Parse(time.RFC3339Nano, updatedAt)

	pos.MarketValue = pos.Quantity * pos.CurrentPrice
	pos.UnrealizedPnL = pos.Quantity * (pos.CurrentPrice - pos.AvgCost)
	return pos, nil
}

func nullTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(time.RFC3339Nano), Valid: true}
}
