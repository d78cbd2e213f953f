// Package testing provides shared helpers for the strategos test suites.
package testing

import (
	"path/filepath"
	"testing"

	"github.com/aristath/strategos/internal/database"
)

// NewTestDB opens a throwaway SQLite database with the embedded schema for
// name applied, and returns it with an idempotent close func. The file lives
// in t.TempDir() rather than :memory: so WAL pragmas behave as they do in
// production and parallel tests stay isolated.
//
// Names with a bundled schema: "config", "ledger", "portfolio". Any other
// name yields an empty database.
func NewTestDB(t *testing.T, name string) (*database.DB, func()) {
	t.Helper()

	db, err := database.New(database.Config{
		Path:    filepath.Join(t.TempDir(), name+".db"),
		Profile: database.ProfileStandard,
		Name:    name,
	})
	if err != nil {
		t.Fatalf("open test database %s: %v", name, err)
	}
	if err := db.Migrate(); err != nil {
		_ = db.Close()
		t.Fatalf("migrate test database %s: %v", name, err)
	}

	return db, func() {
		if err := db.Close(); err != nil {
			t.Logf("close test database %s: %v", name, err)
		}
	}
}
