// Package di wires the engine together. Wire builds databases,
// repositories, services, and scheduled jobs in dependency order and
// returns a Container holding every component; the Container is the single
// source of truth for service instances and owns their shutdown order.
package di

import (
	"fmt"

	"github.com/aristath/strategos/internal/clients/feed"
	"github.com/aristath/strategos/internal/clients/paper"
	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/modules/health"
	"github.com/aristath/strategos/internal/modules/marketdata"
	"github.com/aristath/strategos/internal/modules/orders"
	"github.com/aristath/strategos/internal/modules/portfolio"
	"github.com/aristath/strategos/internal/modules/risk"
	"github.com/aristath/strategos/internal/modules/routing"
	"github.com/aristath/strategos/internal/modules/settings"
	"github.com/aristath/strategos/internal/modules/strategy"
	"github.com/aristath/strategos/internal/reliability"
	"github.com/aristath/strategos/internal/scheduler"
	"github.com/aristath/strategos/internal/server"
)

// Container holds all dependencies for the engine.
//
// Created by Wire() and handed to cmd/engine, which drives the start and
// stop sequences. Fields are grouped by layer; within a layer, order
// follows construction order.
type Container struct {
	// Databases. Each is SQLite in WAL mode with profile-specific PRAGMAs.
	ConfigDB    *database.DB // settings, broker configs
	LedgerDB    *database.DB // orders, fills, risk violations (append-only)
	PortfolioDB *database.DB // positions, account, snapshots

	// Event bus - the engine's backbone. Everything downstream of market
	// data flows through it. AuditPath is where the audit ring is flushed
	// when persistence is enabled; empty otherwise.
	Bus       *events.Bus
	AuditPath string

	// Repositories - data access layer.
	SettingsRepo     *settings.Repository
	BrokerConfigRepo *settings.BrokerConfigRepository
	PortfolioRepo    *portfolio.Repository
	OrdersRepo       *orders.Repository
	ViolationsRepo   *risk.ViolationRepository
	HistoryRepo      *marketdata.HistoryRepository // owns history.db (candle cache)

	// Clients - external integrations. FeedClient is nil when the feed is
	// disabled; PaperBrokers holds the simulated venues keyed by broker id.
	FeedClient   *feed.Client
	PaperBrokers map[string]*paper.Broker

	// WatchSymbols is the configured trading universe, from the
	// watch_symbols setting. The gateway subscribes to these at start.
	WatchSymbols []string

	// Services - the trading engine proper.
	Settings  *settings.Service
	SectorMap *settings.SectorMap
	Gateway   *marketdata.Gateway
	Portfolio *portfolio.Manager
	Risk      *risk.Manager
	Orders    *orders.Manager
	Strategy  *strategy.Manager
	Router    *routing.Router
	Health    *health.Monitor

	// Reliability - backups and database upkeep. Backup is nil unless
	// configured with a bucket.
	Backup      *reliability.BackupService
	Maintenance *reliability.MaintenanceService

	// Scheduler - cron-driven background jobs.
	Scheduler *scheduler.Scheduler

	// Server - the control-plane HTTP API.
	Server *server.Server
}

// Close releases everything the container owns that is not stopped through
// the lifecycle sequence: the candle cache and the three core databases.
// Safe to call with partially-wired containers; nil fields are skipped.
func (c *Container) Close() error {
	var errs []error

	if c.HistoryRepo != nil {
		if err := c.HistoryRepo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("history repository: %w", err))
		}
	}
	for _, db := range []*database.DB{c.PortfolioDB, c.LedgerDB, c.ConfigDB} {
		if db == nil {
			continue
		}
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("%s database: %w", db.Name(), err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("container close: %v", errs)
	}
	return nil
}
