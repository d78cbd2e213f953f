package reliability

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/database"
)

// SnapshotPruner trims aged portfolio snapshots. *portfolio.Repository
// satisfies it.
type SnapshotPruner interface {
	PruneSnapshots(before time.Time) (int64, error)
}

// MaintenanceConfig tunes the recurring maintenance pass.
type MaintenanceConfig struct {
	// SnapshotRetention bounds how far back portfolio snapshots are kept.
	// Zero disables pruning.
	SnapshotRetention time.Duration
	// MinFreeDiskGB is the hard floor below which maintenance fails loudly.
	MinFreeDiskGB float64
}

// DefaultMaintenanceConfig returns the production maintenance settings.
func DefaultMaintenanceConfig() MaintenanceConfig {
	return MaintenanceConfig{
		SnapshotRetention: 90 * 24 * time.Hour,
		MinFreeDiskGB:     0.5,
	}
}

// MaintenanceService keeps the engine's SQLite files healthy: WAL
// checkpoints and connectivity checks every hourly pass, the full integrity
// scan and VACUUM on the weekly cadence.
type MaintenanceService struct {
	cfg       MaintenanceConfig
	databases map[string]*database.DB
	snapshots SnapshotPruner
	dataDir   string
	log       zerolog.Logger
}

// NewMaintenanceService creates a maintenance service. snapshots may be nil,
// in which case snapshot pruning is skipped.
func NewMaintenanceService(
	cfg MaintenanceConfig,
	databases map[string]*database.DB,
	snapshots SnapshotPruner,
	dataDir string,
	log zerolog.Logger,
) *MaintenanceService {
	return &MaintenanceService{
		cfg:       cfg,
		databases: databases,
		snapshots: snapshots,
		dataDir:   dataDir,
		log:       log.With().Str("service", "maintenance").Logger(),
	}
}

// RunHourly checkpoints WAL files, verifies every database is reachable,
// prunes aged portfolio snapshots, and checks free disk space.
func (s *MaintenanceService) RunHourly(ctx context.Context) error {
	s.log.Info().Msg("Starting maintenance pass")
	startTime := time.Now()

	for name, db := range s.databases {
		if err := db.WALCheckpoint("TRUNCATE"); err != nil {
			// Checkpoints retry next pass; not worth failing the job.
			s.log.Warn().Err(err).Str("database", name).Msg("WAL checkpoint failed")
		}

		if err := db.QuickCheck(ctx); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("Database unreachable")
			return fmt.Errorf("connectivity check failed for %s: %w", name, err)
		}
	}

	if s.snapshots != nil && s.cfg.SnapshotRetention > 0 {
		cutoff := time.Now().Add(-s.cfg.SnapshotRetention)
		pruned, err := s.snapshots.PruneSnapshots(cutoff)
		if err != nil {
			s.log.Warn().Err(err).Msg("Snapshot pruning failed")
		} else if pruned > 0 {
			s.log.Info().Int64("pruned", pruned).Msg("Pruned aged portfolio snapshots")
		}
	}

	if err := s.checkDiskSpace(); err != nil {
		return err
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Int("databases", len(s.databases)).
		Msg("Maintenance pass completed")

	return nil
}

// RunWeekly runs the full integrity scan on every database and vacuums the
// ones that pass. A corrupted database is reported but does not stop the
// others from being maintained.
func (s *MaintenanceService) RunWeekly(ctx context.Context) error {
	s.log.Info().Msg("Starting weekly deep maintenance")
	startTime := time.Now()

	var firstErr error
	for name, db := range s.databases {
		if err := db.IntegrityCheck(ctx); err != nil {
			// Never vacuum a corrupted file; VACUUM rewrites every page and
			// can destroy what a recovery tool could still salvage.
			s.log.Error().Err(err).Str("database", name).Msg("Full integrity check failed")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}

		sizeBefore := s.databaseSizeMB(db)

		if err := db.Vacuum(); err != nil {
			s.log.Error().Err(err).Str("database", name).Msg("VACUUM failed")
			continue
		}

		sizeAfter := s.databaseSizeMB(db)
		s.log.Info().
			Str("database", name).
			Float64("size_before_mb", sizeBefore).
			Float64("size_after_mb", sizeAfter).
			Float64("space_reclaimed_mb", sizeBefore-sizeAfter).
			Msg("VACUUM completed")
	}

	s.log.Info().
		Dur("duration_ms", time.Since(startTime)).
		Msg("Weekly deep maintenance completed")

	return firstErr
}

func (s *MaintenanceService) databaseSizeMB(db *database.DB) float64 {
	stats, err := db.Stats()
	if err != nil {
		return 0
	}
	return float64(stats.PageCount*stats.PageSize) / 1024 / 1024
}

// checkDiskSpace fails when free space falls under the configured floor so
// the engine halts before SQLite writes start failing mid-transaction.
func (s *MaintenanceService) checkDiskSpace() error {
	stat := syscall.Statfs_t{}
	if err := syscall.Statfs(s.dataDir, &stat); err != nil {
		return fmt.Errorf("failed to stat filesystem: %w", err)
	}

	availableGB := float64(stat.Bavail*uint64(stat.Bsize)) / 1e9

	if availableGB < s.cfg.MinFreeDiskGB {
		s.log.Error().
			Float64("available_gb", availableGB).
			Msg("Insufficient disk space")
		return fmt.Errorf("only %.2f GB free, below the %.2f GB floor", availableGB, s.cfg.MinFreeDiskGB)
	}

	if availableGB < 10*s.cfg.MinFreeDiskGB {
		s.log.Warn().
			Float64("available_gb", availableGB).
			Msg("Disk space running low")
	}

	return nil
}
