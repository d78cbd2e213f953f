package di

import (
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/database"
)

// initializeDatabases opens the three core databases and applies their
// schemas. The candle cache (history.db) is not opened here; the history
// repository owns it.
func initializeDatabases(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container := &Container{}

	opens := []struct {
		dst     **database.DB
		file    string
		profile database.Profile
		name    string
	}{
		// ledger.db carries orders, fills, and risk violations; it gets the
		// fsync-per-commit profile because it is the audit trail.
		{&container.ConfigDB, "config.db", database.ProfileStandard, "config"},
		{&container.LedgerDB, "ledger.db", database.ProfileLedger, "ledger"},
		{&container.PortfolioDB, "portfolio.db", database.ProfileStandard, "portfolio"},
	}

	for _, o := range opens {
		db, err := database.New(database.Config{
			Path:    filepath.Join(cfg.DataDir, o.file),
			Profile: o.profile,
			Name:    o.name,
		})
		if err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to initialize %s database: %w", o.name, err)
		}
		*o.dst = db

		if err := db.Migrate(); err != nil {
			container.Close()
			return nil, fmt.Errorf("failed to migrate %s database: %w", o.name, err)
		}
	}

	log.Info().Str("data_dir", cfg.DataDir).Msg("All databases initialized and schemas applied")
	return container, nil
}
