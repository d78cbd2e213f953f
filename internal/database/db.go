// Package database opens and maintains the engine's SQLite files. Every
// database is opened under a profile that fixes its durability/speed
// trade-off: the order ledger fsyncs on each commit, caches skip fsync for
// data the engine can rebuild, and everything else syncs at WAL boundaries.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// Profile selects the PRAGMA set a database is opened with.
type Profile string

const (
	// ProfileLedger fsyncs every commit and never moves pages around.
	// For orders and fills, where a row lost to a crash is unacceptable.
	ProfileLedger Profile = "ledger"

	// ProfileCache trades durability for write speed. Only for data the
	// engine can rebuild from upstream, such as cached candles.
	ProfileCache Profile = "cache"

	// ProfileStandard syncs at WAL checkpoint boundaries. The default for
	// settings, portfolio state, and metrics.
	ProfileStandard Profile = "standard"
)

// pragmas returns the connection-string PRAGMA list for the profile. WAL
// journaling and foreign keys are common to all three.
func (p Profile) pragmas() []string {
	common := []string{
		"journal_mode(WAL)",
		"busy_timeout(5000)",
		"foreign_keys(1)",
		"wal_autocheckpoint(1000)",
		"cache_size(-64000)",
	}
	switch p {
	case ProfileLedger:
		return append(common, "synchronous(FULL)", "auto_vacuum(NONE)")
	case ProfileCache:
		return append(common, "synchronous(OFF)", "auto_vacuum(FULL)", "temp_store(MEMORY)")
	default:
		return append(common, "synchronous(NORMAL)", "auto_vacuum(INCREMENTAL)", "temp_store(MEMORY)")
	}
}

// Config describes one database to open.
type Config struct {
	// Path is the database file location. Relative paths are resolved
	// against the working directory; file: URIs are passed through as-is.
	Path string

	// Profile picks the PRAGMA set. Empty means ProfileStandard.
	Profile Profile

	// Name identifies the database in logs and selects its embedded schema.
	Name string
}

// DB is one open SQLite database plus the identity it migrates and logs
// under.
type DB struct {
	conn *sql.DB
	path string
	name string
}

// New opens the database at cfg.Path, creating the file and its parent
// directory if needed, and verifies the connection with a short ping.
func New(cfg Config) (*DB, error) {
	path := cfg.Path
	if !strings.HasPrefix(path, "file:") {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve path for database %s: %w", cfg.Name, err)
		}
		if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create directory for database %s: %w", cfg.Name, err)
		}
		path = abs
	}

	profile := cfg.Profile
	if profile == "" {
		profile = ProfileStandard
	}

	dsn := path + "?_pragma=" + strings.Join(profile.pragmas(), "&_pragma=")
	conn, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", cfg.Name, err)
	}

	// SQLite serializes writers regardless of pool size; a modest pool keeps
	// concurrent readers cheap without piling up file handles. Caches see
	// less read traffic and get a smaller one.
	maxOpen, maxIdle := 25, 5
	if profile == ProfileCache {
		maxOpen, maxIdle = 10, 2
	}
	conn.SetMaxOpenConns(maxOpen)
	conn.SetMaxIdleConns(maxIdle)
	conn.SetConnMaxLifetime(24 * time.Hour)
	conn.SetConnMaxIdleTime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database %s: %w", cfg.Name, err)
	}

	return &DB{conn: conn, path: path, name: cfg.Name}, nil
}

// Conn exposes the underlying pool for repositories.
func (db *DB) Conn() *sql.DB {
	return db.conn
}

// Name returns the identity the database logs and migrates under.
func (db *DB) Name() string {
	return db.name
}

// Close closes the connection pool.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}
	return db.conn.Close()
}

// Migrate applies the embedded schema matching the database's name.
// Databases without a bundled schema are left untouched, and re-running
// against an already-migrated file is a no-op.
func (db *DB) Migrate() error {
	schema, err := schemaFS.ReadFile("schemas/" + db.name + "_schema.sql")
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read schema for %s: %w", db.name, err)
	}

	err = WithTransaction(db.conn, func(tx *sql.Tx) error {
		_, execErr := tx.Exec(string(schema))
		return execErr
	})
	if err != nil {
		// Files created before a schema gained IF NOT EXISTS guards trip
		// these; the objects are already in place.
		msg := err.Error()
		if strings.Contains(msg, "already exists") || strings.Contains(msg, "duplicate column") {
			return nil
		}
		return fmt.Errorf("failed to apply schema for %s: %w", db.name, err)
	}
	return nil
}

// QuickCheck verifies the connection is alive. Runs every maintenance pass.
func (db *DB) QuickCheck(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database %s is unreachable: %w", db.name, err)
	}
	return nil
}

// IntegrityCheck runs SQLite's full page-level scan. Expensive on large
// files, so it rides the weekly maintenance schedule rather than the
// hourly one.
func (db *DB) IntegrityCheck(ctx context.Context) error {
	var result string
	if err := db.conn.QueryRowContext(ctx, "PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed for %s: %w", db.name, err)
	}
	if result != "ok" {
		return fmt.Errorf("integrity check failed for %s: %s", db.name, result)
	}
	return nil
}

// WALCheckpoint folds the write-ahead log back into the main file. An empty
// mode defaults to TRUNCATE, which also resets the WAL to zero length.
func (db *DB) WALCheckpoint(mode string) error {
	if mode == "" {
		mode = "TRUNCATE"
	}
	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(" + mode + ")"); err != nil {
		return fmt.Errorf("WAL checkpoint failed for %s: %w", db.name, err)
	}
	return nil
}

// Vacuum rebuilds the file to reclaim free pages. It takes a global lock,
// so only the weekly maintenance pass calls it.
func (db *DB) Vacuum() error {
	if _, err := db.conn.Exec("VACUUM"); err != nil {
		return fmt.Errorf("vacuum failed for %s: %w", db.name, err)
	}
	return nil
}

// Stats reports file sizes and page counters for capacity logging.
type Stats struct {
	SizeBytes     int64
	WALSizeBytes  int64
	PageCount     int64
	PageSize      int64
	FreelistCount int64
}

// Stats reads the current file sizes and page counters. File sizes are
// best-effort; missing files (an unstarted WAL) read as zero.
func (db *DB) Stats() (*Stats, error) {
	s := &Stats{}
	if info, err := os.Stat(db.path); err == nil {
		s.SizeBytes = info.Size()
	}
	if info, err := os.Stat(db.path + "-wal"); err == nil {
		s.WALSizeBytes = info.Size()
	}

	counters := []struct {
		pragma string
		dst    *int64
	}{
		{"page_count", &s.PageCount},
		{"page_size", &s.PageSize},
		{"freelist_count", &s.FreelistCount},
	}
	for _, c := range counters {
		if err := db.conn.QueryRow("PRAGMA " + c.pragma).Scan(c.dst); err != nil {
			return nil, fmt.Errorf("failed to read %s for %s: %w", c.pragma, db.name, err)
		}
	}
	return s, nil
}

// WithTransaction runs fn inside a transaction, committing when fn returns
// nil and rolling back on error or panic.
func WithTransaction(db *sql.DB, fn func(*sql.Tx) error) (err error) {
	if db == nil {
		return errors.New("database connection is nil")
	}

	tx, err := db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			err = fmt.Errorf("panic in transaction: %v", p)
		}
	}()

	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return fmt.Errorf("transaction failed: %w (rollback also failed: %v)", err, rbErr)
		}
		return fmt.Errorf("transaction failed: %w", err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}
