package di

import (
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/modules/marketdata"
	"github.com/aristath/strategos/internal/modules/orders"
	"github.com/aristath/strategos/internal/modules/portfolio"
	"github.com/aristath/strategos/internal/modules/risk"
	"github.com/aristath/strategos/internal/modules/settings"
)

// initializeRepositories builds the data access layer over the core
// databases plus the candle cache (which opens its own history.db).
func initializeRepositories(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.SettingsRepo = settings.NewRepository(c.ConfigDB.Conn(), log)
	c.BrokerConfigRepo = settings.NewBrokerConfigRepository(c.ConfigDB.Conn(), log)
	c.PortfolioRepo = portfolio.NewRepository(c.PortfolioDB.Conn(), log)
	c.OrdersRepo = orders.NewRepository(c.LedgerDB.Conn(), log)
	c.ViolationsRepo = risk.NewViolationRepository(c.LedgerDB.Conn(), log)

	historyRepo, err := marketdata.NewHistoryRepository(cfg.DataDir+"/history.db", log)
	if err != nil {
		return fmt.Errorf("failed to open candle cache: %w", err)
	}
	c.HistoryRepo = historyRepo

	log.Info().Msg("All repositories initialized")
	return nil
}
