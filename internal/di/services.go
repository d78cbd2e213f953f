package di

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/clients/feed"
	"github.com/aristath/strategos/internal/clients/paper"
	"github.com/aristath/strategos/internal/config"
	"github.com/aristath/strategos/internal/database"
	"github.com/aristath/strategos/internal/domain"
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
	"github.com/aristath/strategos/internal/server"
	"github.com/aristath/strategos/internal/strategies"
	"github.com/aristath/strategos/internal/utils"
)

// watchSymbolsKey is the config.db setting naming the symbols the engine
// trades, comma-separated. Empty means the engine starts idle: no feed
// subscriptions, no strategies.
const watchSymbolsKey = "watch_symbols"

// defaultBrokerID names the paper broker seeded on first start, when the
// broker_configs table is empty.
const defaultBrokerID = "paper-1"

// initializeServices builds the engine's services over the repositories:
// bus, settings, market data, portfolio, risk, orders, strategy
// coordination, routing, health, reliability, and the HTTP server.
// Construction only; nothing is started here.
func initializeServices(c *Container, cfg *config.Config, log zerolog.Logger) error {
	c.Bus = events.NewBus(events.Config{
		MaxQueueSize:          cfg.Bus.QueueSize,
		MaxConcurrentHandlers: cfg.Bus.MaxConcurrentHandlers,
		HandlerTimeout:        cfg.Bus.HandlerTimeout,
		RetryAttempts:         cfg.Bus.RetryAttempts,
		RetryDelay:            cfg.Bus.RetryDelay,
		PersistenceEnabled:    cfg.Bus.PersistenceEnabled,
	}, log)

	// Settings overlay config before anything reads the feed or backup
	// sections.
	c.Settings = settings.NewService(c.SettingsRepo, c.Bus, log)
	if err := cfg.UpdateFromSettings(c.Settings); err != nil {
		return fmt.Errorf("failed to overlay settings: %w", err)
	}
	c.SectorMap = settings.NewSectorMap(c.Settings, log)

	var providers []domain.MarketDataProvider
	if cfg.Feed.Enabled && cfg.Feed.URL != "" {
		c.FeedClient = feed.NewClient(cfg.Feed.URL, log)
		providers = append(providers, c.FeedClient)
	} else {
		log.Warn().Msg("Market data feed disabled, engine will only see injected ticks")
	}
	c.Gateway = marketdata.NewGateway(providers, c.HistoryRepo, c.Bus, log)

	portfolioManager, err := portfolio.NewManager(portfolio.Config{
		InitialCash:          cfg.Engine.InitialCash,
		ValuationInterval:    cfg.Engine.ValuationInterval,
		PerformanceFrequency: cfg.Engine.PerformanceFrequency,
		HistoryPath:          cfg.DataDir + "/valuation_history.msgpack",
	}, c.PortfolioRepo, c.Bus, log)
	if err != nil {
		return fmt.Errorf("failed to initialize portfolio manager: %w", err)
	}
	c.Portfolio = portfolioManager

	riskCfg := risk.DefaultConfig()
	riskCfg.Limits = cfg.Risk
	riskCfg.SizingMethod = cfg.Engine.PositionSizingMethod
	riskCfg.LookbackDays = cfg.Engine.LookbackDays
	riskCfg.VarConfidence = cfg.Engine.VarConfidenceLevel
	c.Risk = risk.NewManager(riskCfg, c.Bus, c.ViolationsRepo, log)

	// The portfolio manager carries the return series the risk checks read;
	// sector classification comes from config.db.
	c.Risk.SetSectorProvider(c.SectorMap)
	c.Risk.SetCorrelationProvider(c.Portfolio)
	c.Risk.SetVolatilitySource(c.Portfolio)
	c.Risk.SetReturnsSource(c.Portfolio)

	c.Orders = orders.NewManager(orders.Config{
		MaxPerMinute: cfg.Orders.MaxPerMinute,
		MaxPerDay:    cfg.Orders.MaxPerDay,
		OrderTimeout: cfg.Orders.OrderTimeout,
		CancelOnStop: true,
	}, c.Bus, c.Risk, c.OrdersRepo, log)
	c.Orders.SetPortfolioView(c.Portfolio)

	c.Health = health.NewMonitor(health.Config{
		CheckInterval:    cfg.Health.CheckInterval,
		RetentionHours:   cfg.Health.RetentionHours,
		AutoRecovery:     cfg.Health.AutoRecovery,
		PredictiveAlerts: cfg.Health.PredictiveAlerts,
	}, c.Bus, log)

	c.Router = routing.NewRouter(routing.Config{
		Policy:              cfg.Routing.Policy,
		EnableLoadBalancing: cfg.Routing.EnableLoadBalancing,
		MaxFailoverAttempts: cfg.Routing.MaxFailoverAttempts,
	}, c.Bus, log)
	c.Router.SetHealthTracker(c.Health)
	c.Orders.SetRouter(c.Router)

	strategyCfg := strategy.DefaultConfig() // keeps the limit/day order defaults
	strategyCfg.TotalCapital = cfg.Engine.TotalCapital
	strategyCfg.MaxPortfolioRisk = cfg.Engine.MaxPortfolioRisk
	strategyCfg.Method = cfg.Engine.AggregationMethod
	strategyCfg.Conflict = cfg.Engine.ConflictResolution
	strategyCfg.StrategyTimeout = cfg.Engine.StrategyTimeout
	strategyCfg.RebalanceFrequency = cfg.Engine.RebalanceFrequency
	strategyCfg.DynamicAllocation = cfg.Engine.EnableDynamicAllocation
	c.Strategy = strategy.NewManager(strategyCfg, c.Bus, c.Portfolio, log)
	c.Strategy.SetOrderSubmitter(c.Orders)
	c.Orders.SetFillListener(c.Strategy)

	if err := registerBrokers(c, cfg, log); err != nil {
		return err
	}
	if err := registerStrategies(c, log); err != nil {
		return err
	}
	wireSubscriptions(c)

	if err := initializeReliability(c, cfg, log); err != nil {
		return err
	}

	c.Server = server.New(server.Config{
		Log:           log,
		Host:          cfg.ServerHost,
		Port:          cfg.ServerPort,
		DevMode:       cfg.LogPretty, // pretty logs double as the dev-run signal
		Bus:           c.Bus,
		Portfolio:     c.Portfolio,
		PortfolioRepo: c.PortfolioRepo,
		Risk:          c.Risk,
		Orders:        c.Orders,
		OrdersRepo:    c.OrdersRepo,
		Strategy:      c.Strategy,
		Router:        c.Router,
		Health:        c.Health,
		Settings:      c.Settings,
		Gateway:       c.Gateway,
	})

	log.Info().Msg("All services initialized")
	return nil
}

// registerBrokers loads broker configs, seeding a default paper venue on
// first start, and registers an adapter per enabled config with the router.
func registerBrokers(c *Container, cfg *config.Config, log zerolog.Logger) error {
	configs, err := c.BrokerConfigRepo.List()
	if err != nil {
		return fmt.Errorf("failed to load broker configs: %w", err)
	}
	if len(configs) == 0 {
		seed := domain.BrokerConfig{
			ID:                 defaultBrokerID,
			Kind:               "paper",
			Priority:           1,
			Enabled:            true,
			MaxOrdersPerMinute: cfg.Orders.MaxPerMinute,
		}
		if err := c.BrokerConfigRepo.Upsert(seed); err != nil {
			return fmt.Errorf("failed to seed default broker: %w", err)
		}
		configs = []domain.BrokerConfig{seed}
		log.Info().Str("broker_id", seed.ID).Msg("Seeded default paper broker")
	}

	c.PaperBrokers = make(map[string]*paper.Broker)
	ctx := context.Background()
	for _, bc := range configs {
		if !bc.Enabled {
			log.Debug().Str("broker_id", bc.ID).Msg("Broker disabled, skipping")
			continue
		}
		switch bc.Kind {
		case "paper":
			broker := paper.NewBroker(bc.ID, paper.Config{
				FillLatency:    cfg.Paper.FillLatency,
				SlippageBps:    cfg.Paper.SlippageBps,
				CommissionFlat: cfg.Paper.Commission,
				InitialCash:    cfg.Engine.InitialCash,
			}, log)
			broker.SetFillCallback(c.Orders.FillBridge())
			if err := c.Router.AddBroker(ctx, bc, broker); err != nil {
				return fmt.Errorf("failed to register broker %s: %w", bc.ID, err)
			}
			c.PaperBrokers[bc.ID] = broker
		default:
			log.Warn().Str("broker_id", bc.ID).Str("kind", bc.Kind).Msg("Unknown broker kind, skipping")
		}
	}
	return nil
}

// registerStrategies registers the built-in strategies over the configured
// watch list. Default allocations; parameter zeros mean each strategy's own
// defaults.
func registerStrategies(c *Container, log zerolog.Logger) error {
	raw, err := c.Settings.Get(watchSymbolsKey)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", watchSymbolsKey, err)
	}
	if raw != nil {
		c.WatchSymbols = utils.ParseCSV(*raw)
	}
	if len(c.WatchSymbols) == 0 {
		log.Info().Str("key", watchSymbolsKey).Msg("No watch symbols configured, no strategies registered")
		return nil
	}

	builtins := []domain.Strategy{
		strategies.NewSMACrossover("sma_crossover", c.WatchSymbols, 0, 0, log),
		strategies.NewRSIMomentum("rsi_momentum", c.WatchSymbols, 0, 0, 0, log),
		strategies.NewBollingerReversion("bollinger_reversion", c.WatchSymbols, 0, 0, log),
	}
	for _, s := range builtins {
		if _, err := c.Strategy.Register(s, nil); err != nil {
			return fmt.Errorf("failed to register strategy %s: %w", s.ID(), err)
		}
	}
	return nil
}

// wireSubscriptions registers the cross-module bus handlers that do not
// belong to any single manager.
func wireSubscriptions(c *Container) {
	// Drawdown tracking needs every valuation, not just the ones that
	// accompany a signal.
	c.Bus.Subscribe(events.PortfolioValueUpdated, "risk_valuation", func(ctx context.Context, e *events.Event) error {
		if data, ok := e.Data.(*events.PortfolioValueUpdatedData); ok {
			c.Risk.UpdateValuation(data.TotalValue)
		}
		return nil
	})

	c.Bus.Subscribe(events.SettingsChanged, "sector_map_reload", func(ctx context.Context, e *events.Event) error {
		data, ok := e.Data.(*events.SettingsChangedData)
		if !ok || data.Key != settings.SectorMapKey {
			return nil
		}
		return c.SectorMap.Reload()
	})
}

// initializeReliability builds the maintenance service and, when a bucket
// is configured, the backup pipeline. The candle cache is excluded from
// both: it is rebuildable from the feed.
func initializeReliability(c *Container, cfg *config.Config, log zerolog.Logger) error {
	databases := map[string]*database.DB{
		"config":    c.ConfigDB,
		"ledger":    c.LedgerDB,
		"portfolio": c.PortfolioDB,
	}

	c.Maintenance = reliability.NewMaintenanceService(
		reliability.DefaultMaintenanceConfig(),
		databases,
		c.PortfolioRepo,
		cfg.DataDir,
		log,
	)

	if !cfg.Backup.Enabled {
		return nil
	}
	if cfg.Backup.Bucket == "" {
		log.Warn().Msg("Backups enabled but no bucket configured, skipping")
		return nil
	}

	store, err := reliability.NewObjectStore(context.Background(), reliability.StoreConfig{
		Endpoint:        cfg.Backup.Endpoint,
		Bucket:          cfg.Backup.Bucket,
		AccessKeyID:     cfg.Backup.AccessKeyID,
		SecretAccessKey: cfg.Backup.SecretAccessKey,
	}, log)
	if err != nil {
		return fmt.Errorf("failed to initialize backup store: %w", err)
	}
	c.Backup = reliability.NewBackupService(store, databases, cfg.DataDir, cfg.Backup.RetentionDays, log)
	return nil
}
