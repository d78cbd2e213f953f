package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/config"
)

// Wire builds the full dependency graph: databases, repositories,
// services, and scheduled jobs, in that order. On error everything opened
// so far is closed. The returned container is constructed but not started;
// cmd/engine drives the lifecycle.
func Wire(cfg *config.Config, log zerolog.Logger) (*Container, error) {
	container, err := initializeDatabases(cfg, log)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize databases: %w", err)
	}

	if err := initializeRepositories(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize repositories: %w", err)
	}

	if err := initializeServices(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to initialize services: %w", err)
	}

	if err := registerJobs(container, cfg, log); err != nil {
		container.Close()
		return nil, fmt.Errorf("failed to register jobs: %w", err)
	}

	log.Info().Msg("Dependency injection wiring completed successfully")
	return container, nil
}
