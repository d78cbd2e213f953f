package scheduler

import (
	"context"
	"time"

	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/modules/orders"
	"github.com/aristath/strategos/internal/modules/portfolio"
	"github.com/aristath/strategos/internal/reliability"
)

// OrderCounterResetJob rolls the order manager's per-day submission counter
// at local midnight.
type OrderCounterResetJob struct {
	orders *orders.Manager
}

// NewOrderCounterResetJob creates the midnight counter-reset job.
func NewOrderCounterResetJob(m *orders.Manager) *OrderCounterResetJob {
	return &OrderCounterResetJob{orders: m}
}

// Run executes the reset.
func (j *OrderCounterResetJob) Run() error {
	j.orders.ResetDailyCounters()
	return nil
}

// Name returns the job name.
func (j *OrderCounterResetJob) Name() string {
	return "order_counter_reset"
}

// SnapshotJob persists one portfolio valuation snapshot.
type SnapshotJob struct {
	portfolio *portfolio.Manager
}

// NewSnapshotJob creates the daily snapshot job.
func NewSnapshotJob(m *portfolio.Manager) *SnapshotJob {
	return &SnapshotJob{portfolio: m}
}

// Run persists the snapshot.
func (j *SnapshotJob) Run() error {
	return j.portfolio.SnapshotNow()
}

// Name returns the job name.
func (j *SnapshotJob) Name() string {
	return "portfolio_snapshot"
}

// BackupJob ships the nightly database backup to the object store.
type BackupJob struct {
	service *reliability.BackupService
	timeout time.Duration
}

// NewBackupJob creates the nightly backup job.
func NewBackupJob(service *reliability.BackupService, timeout time.Duration) *BackupJob {
	if timeout <= 0 {
		timeout = 15 * time.Minute
	}
	return &BackupJob{service: service, timeout: timeout}
}

// Run creates and uploads one backup archive.
func (j *BackupJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.service.Run(ctx)
}

// Name returns the job name.
func (j *BackupJob) Name() string {
	return "nightly_backup"
}

// MaintenanceJob runs the hourly WAL checkpoint and snapshot-pruning pass.
type MaintenanceJob struct {
	service *reliability.MaintenanceService
	timeout time.Duration
}

// NewMaintenanceJob creates the hourly maintenance job.
func NewMaintenanceJob(service *reliability.MaintenanceService, timeout time.Duration) *MaintenanceJob {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &MaintenanceJob{service: service, timeout: timeout}
}

// Run executes the maintenance pass.
func (j *MaintenanceJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.service.RunHourly(ctx)
}

// Name returns the job name.
func (j *MaintenanceJob) Name() string {
	return "db_maintenance"
}

// AuditFlushJob writes the bus's in-memory audit ring to disk so the event
// trail survives a crash between shutdowns.
type AuditFlushJob struct {
	bus  *events.Bus
	path string
}

// NewAuditFlushJob creates the hourly audit flush job.
func NewAuditFlushJob(bus *events.Bus, path string) *AuditFlushJob {
	return &AuditFlushJob{bus: bus, path: path}
}

// Run flushes the audit ring.
func (j *AuditFlushJob) Run() error {
	return j.bus.FlushAudit(j.path)
}

// Name returns the job name.
func (j *AuditFlushJob) Name() string {
	return "event_audit_flush"
}

// VacuumJob runs the weekly deep pass: full integrity scan, then VACUUM.
type VacuumJob struct {
	service *reliability.MaintenanceService
	timeout time.Duration
}

// NewVacuumJob creates the weekly vacuum job.
func NewVacuumJob(service *reliability.MaintenanceService, timeout time.Duration) *VacuumJob {
	if timeout <= 0 {
		timeout = 30 * time.Minute
	}
	return &VacuumJob{service: service, timeout: timeout}
}

// Run checks and vacuums every database.
func (j *VacuumJob) Run() error {
	ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
	defer cancel()
	return j.service.RunWeekly(ctx)
}

// Name returns the job name.
func (j *VacuumJob) Name() string {
	return "db_vacuum"
}
