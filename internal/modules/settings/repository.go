// Package settings manages runtime-tunable configuration stored in config.db.
// Values written here take precedence over environment variables, so operators
// can adjust the engine (risk limits, feed endpoints, backup credentials)
// without a restart. All values are stored as strings; typed getters convert
// on the way out and fall back to a caller-supplied default when the key is
// missing or malformed.
package settings

import (
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/rs/zerolog"
)

// Repository reads and writes the settings table in config.db.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a settings repository bound to config.db.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("repository", "settings").Logger(),
	}
}

// Get retrieves a setting by key. A missing key returns (nil, nil) rather
// than an error so callers can distinguish "unset" from a real failure.
func (r *Repository) Get(key string) (*string, error) {
	var value string
	err := r.db.QueryRow("SELECT value FROM settings WHERE key = ?", key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting %s: %w", key, err)
	}
	return &value, nil
}

// Set upserts a setting. The description documents what the key controls;
// passing nil leaves any existing description in place.
func (r *Repository) Set(key, value string, description *string) error {
	var desc sql.NullString
	if description != nil {
		desc = sql.NullString{String: *description, Valid: true}
	}

	_, err := r.db.Exec(`
		INSERT INTO settings (key, value, description, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			value = excluded.value,
			description = COALESCE(excluded.description, settings.description),
			updated_at = excluded.updated_at
	`, key, value, desc, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to set setting %s: %w", key, err)
	}
	return nil
}

// Delete removes a setting. Deleting a key that does not exist is not an
// error.
func (r *Repository) Delete(key string) error {
	if _, err := r.db.Exec("DELETE FROM settings WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete setting %s: %w", key, err)
	}
	return nil
}

// GetAll returns every setting as a key/value map.
func (r *Repository) GetAll() (map[string]string, error) {
	rows, err := r.db.Query("SELECT key, value FROM settings")
	if err != nil {
		return nil, fmt.Errorf("failed to get all settings: %w", err)
	}
	defer rows.Close()

	result := make(map[string]string)
	for rows.Next() {
		var key, value string
		if err := rows.Scan(&key, &value); err != nil {
			return nil, fmt.Errorf("failed to scan setting row: %w", err)
		}
		result[key] = value
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating settings: %w", err)
	}
	return result, nil
}

// stringValue fetches a key and reports whether it was present. The typed
// getters below share it for their lookup-then-parse flow.
func (r *Repository) stringValue(key string) (string, bool, error) {
	value, err := r.Get(key)
	if err != nil || value == nil {
		return "", false, err
	}
	return *value, true, nil
}

// GetFloat retrieves a setting as float64, returning defaultValue when the
// key is missing or the stored value does not parse.
func (r *Repository) GetFloat(key string, defaultValue float64) (float64, error) {
	raw, ok, err := r.stringValue(key)
	if !ok {
		return defaultValue, err
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", raw).Msg("Setting is not numeric, using default")
		return defaultValue, nil
	}
	return f, nil
}

// SetFloat stores a float64 setting.
func (r *Repository) SetFloat(key string, value float64) error {
	return r.Set(key, strconv.FormatFloat(value, 'f', -1, 64), nil)
}

// GetInt retrieves a setting as int, returning defaultValue when the key is
// missing or unparseable. Parsing goes through float so values like "12.0"
// written by earlier tooling still round-trip.
func (r *Repository) GetInt(key string, defaultValue int) (int, error) {
	raw, ok, err := r.stringValue(key)
	if !ok {
		return defaultValue, err
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		r.log.Warn().Str("key", key).Str("value", raw).Msg("Setting is not numeric, using default")
		return defaultValue, nil
	}
	return int(f), nil
}

// SetInt stores an integer setting.
func (r *Repository) SetInt(key string, value int) error {
	return r.Set(key, strconv.Itoa(value), nil)
}

// GetBool retrieves a setting as bool. "true", "1", "yes" and "on" are
// truthy; everything else, including mixed case, is false. Missing keys
// return defaultValue.
func (r *Repository) GetBool(key string, defaultValue bool) (bool, error) {
	raw, ok, err := r.stringValue(key)
	if !ok {
		return defaultValue, err
	}
	switch raw {
	case "true", "1", "yes", "on":
		return true, nil
	default:
		return false, nil
	}
}

// SetBool stores a boolean setting as "true" or "false".
func (r *Repository) SetBool(key string, value bool) error {
	return r.Set(key, strconv.FormatBool(value), nil)
}
