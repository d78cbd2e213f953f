package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/scheduler"
)

// registerJobs builds the scheduler and registers the engine's background
// jobs. Schedules are six-field cron (seconds first) or descriptors.
func registerJobs(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Scheduler = scheduler.New(log)

	type entry struct {
		schedule string
		job      scheduler.Job
	}
	jobs := []entry{
		// Order throttles roll at local midnight.
		{"@midnight", scheduler.NewOrderCounterResetJob(c.Orders)},
		// Snapshot a minute later, once the counters are clean.
		{"0 1 0 * * *", scheduler.NewSnapshotJob(c.Portfolio)},
		{"@hourly", scheduler.NewMaintenanceJob(c.Maintenance, 0)},
		{"@weekly", scheduler.NewVacuumJob(c.Maintenance, 0)},
	}
	if c.Backup != nil {
		jobs = append(jobs, entry{"0 30 2 * * *", scheduler.NewBackupJob(c.Backup, 0)})
	}
	if cfg.Bus.PersistenceEnabled {
		c.AuditPath = cfg.DataDir + "/audit/events.msgpack"
		jobs = append(jobs, entry{"@hourly", scheduler.NewAuditFlushJob(c.Bus, c.AuditPath)})
	}

	for _, j := range jobs {
		if err := c.Scheduler.AddJob(j.schedule, j.job); err != nil {
			return fmt.Errorf("failed to register job %s: %w", j.job.Name(), err)
		}
	}
	return nil
}
