package risk

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// ViolationRepository persists risk violations to the ledger database.
// The table is append-only; rows are pruned by the maintenance jobs, not
// by this repository.
type ViolationRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewViolationRepository creates a repository bound to ledger.db.
func NewViolationRepository(db *sql.DB, log zerolog.Logger) *ViolationRepository {
	return &ViolationRepository{
		db:  db,
		log: log.With().Str("repository", "risk_violations").Logger(),
	}
}

// Insert appends one violation.
func (r *ViolationRepository) Insert(v domain.RiskViolation) error {
	_, err := r.db.Exec(`
		INSERT INTO risk_violations (kind, severity, message, symbol, strategy, current_value, limit_value, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, string(v.Kind), string(v.Severity), v.Message, v.Symbol, v.Strategy, v.Current, v.Limit,
		v.Timestamp.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("failed to insert risk violation: %w", err)
	}
	return nil
}

// Recent returns the most recent violations, newest first.
func (r *ViolationRepository) Recent(limit int) ([]domain.RiskViolation, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.db.Query(`
		SELECT kind, severity, message, symbol, strategy, current_value, limit_value, created_at
		FROM risk_violations
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query risk violations: %w", err)
	}
	defer rows.Close()

	var out []domain.RiskViolation
	for rows.Next() {
		var v domain.RiskViolation
		var kind, severity, createdAt string
		if err := rows.Scan(&kind, &severity, &v.Message, &v.Symbol, &v.Strategy, &v.Current, &v.Limit, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan risk violation: %w", err)
		}
		v.Kind = domain.ViolationKind(kind)
		v.Severity = domain.ViolationSeverity(severity)
		if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
			v.Timestamp = ts
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// CountSince returns how many violations were recorded at or after the
// given time, optionally filtered by kind (empty kind counts all).
func (r *ViolationRepository) CountSince(since time.Time, kind domain.ViolationKind) (int, error) {
	var (
		count int
		err   error
	)
	cutoff := since.UTC().Format(time.RFC3339Nano)
	if kind == "" {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM risk_violations WHERE created_at >= ?`, cutoff).Scan(&count)
	} else {
		err = r.db.QueryRow(`SELECT COUNT(*) FROM risk_violations WHERE created_at >= ? AND kind = ?`, cutoff, string(kind)).Scan(&count)
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count risk violations: %w", err)
	}
	return count, nil
}
