package di

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/config"
)

func wireTestConfig(t *testing.T) *config.Config {
	t.Helper()

	t.Setenv("DATA_DIR", t.TempDir())
	cfg, err := config.Load()
	require.NoError(t, err)
	return cfg
}

func TestWireBuildsFullContainer(t *testing.T) {
	cfg := wireTestConfig(t)

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	assert.NotNil(t, c.ConfigDB)
	assert.NotNil(t, c.LedgerDB)
	assert.NotNil(t, c.PortfolioDB)
	assert.NotNil(t, c.Bus)
	assert.NotNil(t, c.SettingsRepo)
	assert.NotNil(t, c.BrokerConfigRepo)
	assert.NotNil(t, c.PortfolioRepo)
	assert.NotNil(t, c.OrdersRepo)
	assert.NotNil(t, c.ViolationsRepo)
	assert.NotNil(t, c.HistoryRepo)
	assert.NotNil(t, c.Settings)
	assert.NotNil(t, c.SectorMap)
	assert.NotNil(t, c.Gateway)
	assert.NotNil(t, c.Portfolio)
	assert.NotNil(t, c.Risk)
	assert.NotNil(t, c.Orders)
	assert.NotNil(t, c.Strategy)
	assert.NotNil(t, c.Router)
	assert.NotNil(t, c.Health)
	assert.NotNil(t, c.Maintenance)
	assert.NotNil(t, c.Scheduler)
	assert.NotNil(t, c.Server)

	assert.Nil(t, c.FeedClient, "feed is disabled by default")
	assert.Nil(t, c.Backup, "backups are disabled by default")
}

func TestWireSeedsDefaultPaperBroker(t *testing.T) {
	cfg := wireTestConfig(t)

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)

	brokers := c.Router.Brokers()
	require.Len(t, brokers, 1)
	assert.Equal(t, defaultBrokerID, brokers[0].ID)
	assert.Equal(t, "paper", brokers[0].Kind)
	assert.True(t, brokers[0].Enabled)
	assert.Contains(t, c.PaperBrokers, defaultBrokerID)
	require.NoError(t, c.Close())

	// The seed is persisted; a rewire reads it back instead of reseeding.
	c2, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c2.Close()) })

	configs, err := c2.BrokerConfigRepo.List()
	require.NoError(t, err)
	assert.Len(t, configs, 1)
}

func TestWireRegistersStrategiesFromWatchList(t *testing.T) {
	cfg := wireTestConfig(t)

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	assert.Empty(t, c.Strategy.Snapshot(), "no watch symbols, no strategies")
	assert.Empty(t, c.WatchSymbols)

	require.NoError(t, c.Settings.Set("watch_symbols", "AAPL, MSFT,GOOG", nil))
	require.NoError(t, c.Close())

	c2, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c2.Close()) })

	assert.Equal(t, []string{"AAPL", "MSFT", "GOOG"}, c2.WatchSymbols)

	snapshot := c2.Strategy.Snapshot()
	require.Len(t, snapshot, 3)
	ids := make([]string, 0, len(snapshot))
	for _, info := range snapshot {
		ids = append(ids, info.ID)
	}
	assert.ElementsMatch(t, []string{"sma_crossover", "rsi_momentum", "bollinger_reversion"}, ids)
}

func TestWireRegistersScheduledJobs(t *testing.T) {
	cfg := wireTestConfig(t)

	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c.Close()) })

	jobs := c.Scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name)
	}
	assert.ElementsMatch(t, []string{
		"order_counter_reset",
		"portfolio_snapshot",
		"db_maintenance",
		"db_vacuum",
		"event_audit_flush",
	}, names, "no backup job without a bucket")
	assert.NotEmpty(t, c.AuditPath)
}

func TestWireOverlaysSettingsOntoConfig(t *testing.T) {
	cfg := wireTestConfig(t)

	// First boot writes the setting the way an operator would, through the
	// settings API.
	c, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	require.NoError(t, c.Settings.Set("feed_url", "wss://feed.example.com/v1", nil))
	require.NoError(t, c.Close())

	// Feed stays disabled (FEED_ENABLED is off) but the URL overlay applies.
	c2, err := Wire(cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, c2.Close()) })

	assert.Equal(t, "wss://feed.example.com/v1", cfg.Feed.URL)
	assert.Nil(t, c2.FeedClient)
}

func TestContainerCloseIsNilSafe(t *testing.T) {
	c := &Container{}
	assert.NoError(t, c.Close())
}
