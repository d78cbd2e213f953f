package orders

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// orderColumns is the column list for the orders table. Order must match
// the scan helpers below.
const orderColumns = `order_id, broker_order_id, broker_id, symbol, strategy, side, order_type, time_in_force, status, quantity, price, stop_price, filled_quantity, avg_fill_price, commission, created_at, updated_at`

// Repository persists orders and fills to the ledger database. The fills
// table is append-only; orders are updated in place as they progress.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a repository bound to ledger.db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "orders").Logger(),
	}
}

// Insert stores a freshly created order.
func (r *Repository) Insert(order *domain.Order) error {
	query := `
		INSERT INTO orders
		(order_id, broker_order_id, broker_id, symbol, strategy, side, order_type,
		 time_in_force, status, quantity, price, stop_price, filled_quantity,
		 avg_fill_price, commission, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		order.OrderID,
		nullString(order.BrokerOrderID),
		nullString(order.BrokerID),
		order.Symbol,
		nullString(order.Strategy),
		string(order.Side),
		string(order.Type),
		string(order.TIF),
		string(order.Status),
		order.Quantity,
		nullFloat64(order.Price),
		nullFloat64(order.StopPrice),
		order.FilledQty,
		order.AvgFillPrice,
		order.Commission,
		order.CreatedAt.UTC().Format(time.RFC3339Nano),
		order.UpdatedAt.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to insert order: %w", err)
	}
	return nil
}

// Update rewrites the mutable columns of an order. The reason is stored
// only when the order was rejected or cancelled.
func (r *Repository) Update(order *domain.Order, reason string) error {
	query := `
		UPDATE orders
		SET broker_order_id = ?, broker_id = ?, status = ?, filled_quantity = ?,
		    avg_fill_price = ?, commission = ?, reject_reason = ?, updated_at = ?
		WHERE order_id = ?
	`
	var rejectReason sql.NullString
	if order.Status == domain.OrderStatusRejected || order.Status == domain.OrderStatusCancelled {
		rejectReason = nullString(reason)
	}
	_, err := r.db.Exec(query,
		nullString(order.BrokerOrderID),
		nullString(order.BrokerID),
		string(order.Status),
		order.FilledQty,
		order.AvgFillPrice,
		order.Commission,
		rejectReason,
		order.UpdatedAt.UTC().Format(time.RFC3339Nano),
		order.OrderID,
	)
	if err != nil {
		return fmt.Errorf("failed to update order %s: %w", order.OrderID, err)
	}
	return nil
}

// RecordFill appends one fill. Duplicate fill ids are ignored so broker
// redeliveries cannot double-book.
func (r *Repository) RecordFill(fill domain.Fill, brokerID string) error {
	query := `
		INSERT OR IGNORE INTO fills
		(fill_id, order_id, broker_id, symbol, side, quantity, price, commission, executed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	_, err := r.db.Exec(query,
		fill.FillID,
		fill.OrderID,
		nullString(brokerID),
		fill.Symbol,
		string(fill.Side),
		fill.Quantity,
		fill.Price,
		fill.Commission,
		fill.Timestamp.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to record fill: %w", err)
	}
	return nil
}

// GetByID returns one order, or nil when it does not exist.
func (r *Repository) GetByID(orderID string) (*domain.Order, error) {
	row := r.db.QueryRow("SELECT "+orderColumns+" FROM orders WHERE order_id = ?", orderID)
	order, err := scanOrder(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get order %s: %w", orderID, err)
	}
	return order, nil
}

// List returns orders newest first, optionally filtered by status (empty
// status returns everything).
func (r *Repository) List(status domain.OrderStatus, limit int) ([]domain.Order, error) {
	if limit <= 0 {
		limit = 100
	}

	var (
		rows *sql.Rows
		err  error
	)
	if status == "" {
		rows, err = r.db.Query("SELECT "+orderColumns+" FROM orders ORDER BY created_at DESC LIMIT ?", limit)
	} else {
		rows, err = r.db.Query("SELECT "+orderColumns+" FROM orders WHERE status = ? ORDER BY created_at DESC LIMIT ?", string(status), limit)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to list orders: %w", err)
	}
	defer rows.Close()

	var out []domain.Order
	for rows.Next() {
		order, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan order: %w", err)
		}
		out = append(out, *order)
	}
	return out, rows.Err()
}

// FillsForOrder returns the fills recorded against one order, oldest first.
func (r *Repository) FillsForOrder(orderID string) ([]domain.Fill, error) {
	rows, err := r.db.Query(`
		SELECT fill_id, order_id, symbol, side, quantity, price, commission, executed_at
		FROM fills
		WHERE order_id = ?
		ORDER BY executed_at ASC
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fills: %w", err)
	}
	defer rows.Close()

	var out []domain.Fill
	for rows.Next() {
		var fill domain.Fill
		var side, executedAt string
		if err := rows.Scan(&fill.FillID, &fill.OrderID, &fill.Symbol, &side, &fill.Quantity, &fill.Price, &fill.Commission, &executedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fill: %w", err)
		}
		fill.Side = domain.OrderSide(side)
		if ts, err := time.Parse(time.RFC3339Nano, executedAt); err == nil {
			fill.Timestamp = ts
		}
		out = append(out, fill)
	}
	return out, rows.Err()
}

// CountCreatedSince returns how many orders were created at or after the
// given time. Used to seed the daily cap across restarts.
func (r *Repository) CountCreatedSince(since time.Time) (int, error) {
	var count int
	cutoff := since.UTC().Format(time.RFC3339Nano)
	err := r.db.QueryRow("SELECT COUNT(*) FROM orders WHERE created_at >= ?", cutoff).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count orders: %w", err)
	}
	return count, nil
}

// scanner covers both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row scanner) (*domain.Order, error) {
	var (
		order                      domain.Order
		brokerOrderID, brokerID    sql.NullString
		strategy                   sql.NullString
		side, orderType, tif, stat string
		price, stopPrice           sql.NullFloat64
		createdAt, updatedAt       string
	)
	err := row.Scan(
		&order.OrderID,
		&brokerOrderID,
		&brokerID,
		&order.Symbol,
		&strategy,
		&side,
		&orderType,
		&tif,
		&stat,
		&order.Quantity,
		&price,
		&stopPrice,
		&order.FilledQty,
		&order.AvgFillPrice,
		&order.Commission,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}

	order.BrokerOrderID = brokerOrderID.String
	order.BrokerID = brokerID.String
	order.Strategy = strategy.String
	order.Side = domain.OrderSide(side)
	order.Type = domain.OrderType(orderType)
	order.TIF = domain.TimeInForce(tif)
	order.Status = domain.OrderStatus(stat)
	order.Price = price.Float64
	order.StopPrice = stopPrice.Float64
	if ts, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		order.CreatedAt = ts
	}
	if ts, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		order.UpdatedAt = ts
	}
	return &order, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullFloat64(f float64) sql.NullFloat64 {
	if f == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}
