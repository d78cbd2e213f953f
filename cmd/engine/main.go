// Package main is the entry point for the strategos trading engine.
//
// Startup order matters: the bus first (everything publishes to it), then
// market data, health monitoring, the portfolio/order/strategy managers,
// the HTTP control plane, and finally the scheduler. Shutdown walks the
// same chain in reverse, cancelling open orders before the order manager
// goes down so nothing stays working at a broker unattended.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/di"
	"github.com/aristath/strategos/pkg/logger"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		// Use a fallback logger so the configuration error is still visible
		fallbackLog := logger.New(logger.Config{Level: "info", Pretty: true})
		fallbackLog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log := logger.New(logger.Config{
		Level:  cfg.LogLevel,
		Pretty: cfg.LogPretty,
	})

	log.Info().Str("data_dir", cfg.DataDir).Msg("Starting strategos")

	container, err := di.Wire(cfg, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to wire dependencies")
	}
	defer container.Close()

	if err := container.Bus.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start event bus")
	}
	if err := container.Gateway.Start(container.WatchSymbols); err != nil {
		log.Fatal().Err(err).Msg("Failed to start market data gateway")
	}
	if err := container.Health.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start health monitor")
	}
	if err := container.Portfolio.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start portfolio manager")
	}
	if err := container.Orders.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start order manager")
	}
	if err := container.Strategy.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start strategy manager")
	}
	container.Strategy.StartAll(context.Background())

	go func() {
		if err := container.Server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	container.Scheduler.Start()

	log.Info().
		Str("host", cfg.ServerHost).
		Int("port", cfg.ServerPort).
		Int("symbols", len(container.WatchSymbols)).
		Msg("Engine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	container.Scheduler.Stop()

	if err := container.Server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server forced to shut down")
	}

	if err := container.Strategy.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping strategy manager")
	}

	// Open orders must not outlive the engine; cancel before the order
	// manager stops emitting lifecycle events.
	if cancelled := container.Orders.CancelOpenOrders(shutdownCtx); cancelled > 0 {
		log.Info().Int("orders", cancelled).Msg("Cancelled open orders")
	}
	if err := container.Orders.Stop(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error stopping order manager")
	}

	if err := container.Portfolio.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping portfolio manager")
	}
	if err := container.Health.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping health monitor")
	}
	if err := container.Gateway.Stop(); err != nil {
		log.Error().Err(err).Msg("Error stopping market data gateway")
	}

	if container.AuditPath != "" {
		if err := container.Bus.FlushAudit(container.AuditPath); err != nil {
			log.Error().Err(err).Msg("Failed to flush event audit trail")
		}
	}
	if err := container.Bus.Stop(shutdownTimeout); err != nil {
		log.Error().Err(err).Msg("Error stopping event bus")
	}

	log.Info().Msg("Engine stopped")
}
