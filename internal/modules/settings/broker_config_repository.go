package settings

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// brokerConfigColumns is the canonical column list for broker_configs scans.
const brokerConfigColumns = "broker_id, kind, params, priority, enabled, max_orders_per_minute, max_order_value"

// BrokerConfigRepository persists broker registrations in config.db.
// The router loads these at startup; updates made at runtime apply on the
// next restart.
type BrokerConfigRepository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewBrokerConfigRepository creates a broker config repository bound to config.db.
func NewBrokerConfigRepository(db *sql.DB, log zerolog.Logger) *BrokerConfigRepository {
	return &BrokerConfigRepository{
		db:  db,
		log: log.With().Str("repository", "broker_configs").Logger(),
	}
}

// List returns all broker configurations ordered by priority (highest first).
func (r *BrokerConfigRepository) List() ([]domain.BrokerConfig, error) {
	rows, err := r.db.Query(fmt.Sprintf(
		"SELECT %s FROM broker_configs ORDER BY priority DESC, broker_id", brokerConfigColumns))
	if err != nil {
		return nil, fmt.Errorf("failed to list broker configs: %w", err)
	}
	defer rows.Close()

	var configs []domain.BrokerConfig
	for rows.Next() {
		cfg, err := r.scanBrokerConfig(rows)
		if err != nil {
			r.log.Warn().Err(err).Msg("Failed to scan broker config row")
			continue
		}
		configs = append(configs, cfg)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating broker configs: %w", err)
	}

	return configs, nil
}

// Get returns a single broker configuration, or (nil, nil) when the broker
// is not registered.
func (r *BrokerConfigRepository) Get(brokerID string) (*domain.BrokerConfig, error) {
	row := r.db.QueryRow(fmt.Sprintf(
		"SELECT %s FROM broker_configs WHERE broker_id = ?", brokerConfigColumns), brokerID)

	cfg, err := r.scanBrokerConfig(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get broker config %s: %w", brokerID, err)
	}
	return &cfg, nil
}

// Upsert inserts or replaces a broker configuration.
func (r *BrokerConfigRepository) Upsert(cfg domain.BrokerConfig) error {
	params, err := marshalParams(cfg.Params)
	if err != nil {
		return fmt.Errorf("failed to encode params for broker %s: %w", cfg.ID, err)
	}

	_, err = r.db.Exec(`
		INSERT INTO broker_configs (broker_id, kind, params, priority, enabled, max_orders_per_minute, max_order_value, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(broker_id) DO UPDATE SET
			kind = excluded.kind,
			params = excluded.params,
			priority = excluded.priority,
			enabled = excluded.enabled,
			max_orders_per_minute = excluded.max_orders_per_minute,
			max_order_value = excluded.max_order_value,
			updated_at = excluded.updated_at
	`, cfg.ID, cfg.Kind, params, cfg.Priority, boolToInt(cfg.Enabled),
		cfg.MaxOrdersPerMinute, cfg.MaxOrderValue, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert broker config %s: %w", cfg.ID, err)
	}
	return nil
}

// SetEnabled flips a broker's enabled flag without touching the rest of its
// configuration.
func (r *BrokerConfigRepository) SetEnabled(brokerID string, enabled bool) error {
	res, err := r.db.Exec(
		"UPDATE broker_configs SET enabled = ?, updated_at = ? WHERE broker_id = ?",
		boolToInt(enabled), time.Now().Unix(), brokerID)
	if err != nil {
		return fmt.Errorf("failed to update broker config %s: %w", brokerID, err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check update result for %s: %w", brokerID, err)
	}
	if affected == 0 {
		return fmt.Errorf("broker config %s not found", brokerID)
	}
	return nil
}

// Delete removes a broker registration. Idempotent.
func (r *BrokerConfigRepository) Delete(brokerID string) error {
	_, err := r.db.Exec("DELETE FROM broker_configs WHERE broker_id = ?", brokerID)
	if err != nil {
		return fmt.Errorf("failed to delete broker config %s: %w", brokerID, err)
	}
	return nil
}

// scanner abstracts *sql.Row and *sql.Rows for the shared scan helper.
type scanner interface {
	Scan(dest ...interface{}) error
}

func (r *BrokerConfigRepository) scanBrokerConfig(row scanner) (domain.BrokerConfig, error) {
	var (
		cfg     domain.BrokerConfig
		params  sql.NullString
		enabled int
	)

	err := row.Scan(&cfg.ID, &cfg.Kind, &params, &cfg.Priority, &enabled,
		&cfg.MaxOrdersPerMinute, &cfg.MaxOrderValue)
	if err != nil {
		return domain.BrokerConfig{}, err
	}

	cfg.Enabled = enabled != 0
	if params.Valid && params.String != "" {
		if err := json.Unmarshal([]byte(params.String), &cfg.Params); err != nil {
			return domain.BrokerConfig{}, fmt.Errorf("failed to decode params for broker %s: %w", cfg.ID, err)
		}
	}

	return cfg, nil
}

func marshalParams(params map[string]string) (interface{}, error) {
	if len(params) == 0 {
		return nil, nil
	}
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
