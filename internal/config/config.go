// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/aristath/strategos/internal/domain"
)

// Config holds application configuration
type Config struct {
	DataDir    string // Base directory for all databases (always absolute)
	LogLevel   string
	LogPretty  bool
	ServerHost string
	ServerPort int

	Engine  EngineConfig
	Risk    domain.RiskLimits
	Orders  OrdersConfig
	Routing RoutingConfig
	Health  HealthConfig
	Bus     BusConfig
	Feed    FeedConfig
	Paper   PaperConfig
	Backup  BackupConfig
}

// EngineConfig holds capital and strategy coordination settings
type EngineConfig struct {
	InitialCash             float64
	TotalCapital            float64
	MaxPortfolioRisk        float64
	AggregationMethod       domain.AggregationMethod
	ConflictResolution      domain.ConflictResolutionMode
	EnableDynamicAllocation bool
	RebalanceFrequency      time.Duration
	PositionSizingMethod    domain.SizingMethod
	VarConfidenceLevel      float64
	LookbackDays            int
	StrategyTimeout         time.Duration
	ValuationInterval       time.Duration
	PerformanceFrequency    time.Duration
}

// OrdersConfig holds order submission rate limits
type OrdersConfig struct {
	MaxPerMinute int
	MaxPerDay    int
	OrderTimeout time.Duration
}

// RoutingConfig holds broker routing settings
type RoutingConfig struct {
	Policy              domain.RoutingPolicy
	EnableLoadBalancing bool
	MaxFailoverAttempts int
}

// HealthConfig holds broker health monitoring settings
type HealthConfig struct {
	CheckInterval    time.Duration
	RetentionHours   int
	AutoRecovery     bool
	PredictiveAlerts bool
}

// BusConfig holds event bus tuning. Converted to the bus's own config
// type during wiring so this package stays import-light.
type BusConfig struct {
	QueueSize             int
	MaxConcurrentHandlers int
	HandlerTimeout        time.Duration
	RetryAttempts         int
	RetryDelay            time.Duration
	PersistenceEnabled    bool
}

// FeedConfig holds market data feed settings
type FeedConfig struct {
	URL     string
	Enabled bool
}

// PaperConfig holds paper broker simulation settings
type PaperConfig struct {
	FillLatency time.Duration
	SlippageBps float64
	Commission  float64
}

// BackupConfig holds database backup settings. Endpoint is an
// S3-compatible URL; empty means plain AWS S3.
type BackupConfig struct {
	Enabled         bool
	Bucket          string
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	RetentionDays   int
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("DATA_DIR", "./data")

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	// Ensure directory exists
	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:    absDataDir,
		LogLevel:   getEnv("LOG_LEVEL", "info"),
		LogPretty:  getEnvAsBool("LOG_PRETTY", false),
		ServerHost: getEnv("SERVER_HOST", "0.0.0.0"),
		ServerPort: getEnvAsInt("SERVER_PORT", 8080),

		Engine: EngineConfig{
			InitialCash:             getEnvAsFloat("INITIAL_CASH", 100000),
			TotalCapital:            getEnvAsFloat("TOTAL_CAPITAL", 100000),
			MaxPortfolioRisk:        getEnvAsFloat("MAX_PORTFOLIO_RISK", 0.02),
			AggregationMethod:       domain.AggregationMethod(getEnv("SIGNAL_AGGREGATION_METHOD", string(domain.AggregateWeightedAverage))),
			ConflictResolution:      domain.ConflictResolutionMode(getEnv("CONFLICT_RESOLUTION_MODE", string(domain.ConflictHighestConfidence))),
			EnableDynamicAllocation: getEnvAsBool("ENABLE_DYNAMIC_ALLOCATION", true),
			RebalanceFrequency:      time.Duration(getEnvAsInt("REBALANCE_FREQUENCY_MINUTES", 60)) * time.Minute,
			PositionSizingMethod:    domain.SizingMethod(getEnv("POSITION_SIZING_METHOD", string(domain.SizingVolatilityAdjusted))),
			VarConfidenceLevel:      getEnvAsFloat("VAR_CONFIDENCE_LEVEL", 0.95),
			LookbackDays:            getEnvAsInt("LOOKBACK_DAYS", 252),
			StrategyTimeout:         getEnvAsDurationMs("STRATEGY_TIMEOUT_MS", 5000),
			ValuationInterval:       time.Duration(getEnvAsInt("VALUATION_INTERVAL_SECONDS", 60)) * time.Second,
			PerformanceFrequency:    time.Duration(getEnvAsInt("PERFORMANCE_CALC_FREQUENCY_SECONDS", 300)) * time.Second,
		},

		Risk: domain.RiskLimits{
			MaxPositionSize:      getEnvAsFloat("MAX_POSITION_SIZE", 0.10),
			MaxPortfolioExposure: getEnvAsFloat("MAX_PORTFOLIO_EXPOSURE", 0.80),
			MaxDailyLoss:         getEnvAsFloat("MAX_DAILY_LOSS", 0.05),
			MaxDrawdown:          getEnvAsFloat("MAX_DRAWDOWN", 0.15),
			MaxCorrelation:       getEnvAsFloat("MAX_CORRELATION", 0.70),
			MaxSectorExposure:    getEnvAsFloat("MAX_SECTOR_EXPOSURE", 0.30),
		},

		Orders: OrdersConfig{
			MaxPerMinute: getEnvAsInt("MAX_ORDERS_PER_MINUTE", 10),
			MaxPerDay:    getEnvAsInt("MAX_DAILY_ORDERS", 200),
			OrderTimeout: time.Duration(getEnvAsInt("ORDER_TIMEOUT_MINUTES", 30)) * time.Minute,
		},

		Routing: RoutingConfig{
			Policy:              domain.RoutingPolicy(getEnv("FAILOVER_STRATEGY", string(domain.RouteHealthBased))),
			EnableLoadBalancing: getEnvAsBool("ENABLE_LOAD_BALANCING", true),
			MaxFailoverAttempts: getEnvAsInt("MAX_FAILOVER_ATTEMPTS", 3),
		},

		Health: HealthConfig{
			CheckInterval:    time.Duration(getEnvAsInt("HEALTH_CHECK_INTERVAL_SECONDS", 30)) * time.Second,
			RetentionHours:   getEnvAsInt("HEALTH_RETENTION_HOURS", 24),
			AutoRecovery:     getEnvAsBool("AUTO_RECOVERY_ENABLED", true),
			PredictiveAlerts: getEnvAsBool("ENABLE_PREDICTIVE_ALERTS", true),
		},

		Bus: BusConfig{
			QueueSize:             getEnvAsInt("EVENT_QUEUE_SIZE", 1000),
			MaxConcurrentHandlers: getEnvAsInt("MAX_CONCURRENT_HANDLERS", 50),
			HandlerTimeout:        getEnvAsDurationMs("HANDLER_TIMEOUT_MS", 5000),
			RetryAttempts:         getEnvAsInt("HANDLER_RETRY_ATTEMPTS", 2),
			RetryDelay:            getEnvAsDurationMs("HANDLER_RETRY_DELAY_MS", 100),
			PersistenceEnabled:    getEnvAsBool("EVENT_PERSISTENCE_ENABLED", true),
		},

		Feed: FeedConfig{
			URL:     getEnv("FEED_URL", ""),
			Enabled: getEnvAsBool("FEED_ENABLED", false),
		},

		Paper: PaperConfig{
			FillLatency: getEnvAsDurationMs("PAPER_FILL_LATENCY_MS", 50),
			SlippageBps: getEnvAsFloat("PAPER_SLIPPAGE_BPS", 5),
			Commission:  getEnvAsFloat("PAPER_COMMISSION", 1.0),
		},

		Backup: BackupConfig{
			Enabled:         getEnvAsBool("BACKUP_ENABLED", false),
			Bucket:          getEnv("BACKUP_BUCKET", ""),
			Endpoint:        getEnv("BACKUP_ENDPOINT", ""),
			AccessKeyID:     getEnv("BACKUP_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("BACKUP_SECRET_ACCESS_KEY", ""),
			RetentionDays:   getEnvAsInt("BACKUP_RETENTION_DAYS", 14),
		},
	}

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// SettingsSource is the subset of the settings repository the config
// layer reads. Values stored through the API take precedence over
// environment variables.
type SettingsSource interface {
	Get(key string) (*string, error)
}

// UpdateFromSettings overrides configuration from the settings database.
// This should be called after the config database is initialized.
// Non-empty settings DB values take precedence over environment variables.
func (c *Config) UpdateFromSettings(settings SettingsSource) error {
	feedURL, err := settings.Get("feed_url")
	if err != nil {
		return fmt.Errorf("failed to get feed_url from settings: %w", err)
	}
	if feedURL != nil && *feedURL != "" {
		c.Feed.URL = *feedURL
	}

	bucket, err := settings.Get("backup_bucket")
	if err != nil {
		return fmt.Errorf("failed to get backup_bucket from settings: %w", err)
	}
	if bucket != nil && *bucket != "" {
		c.Backup.Bucket = *bucket
	}

	accessKey, err := settings.Get("backup_access_key_id")
	if err != nil {
		return fmt.Errorf("failed to get backup_access_key_id from settings: %w", err)
	}
	if accessKey != nil && *accessKey != "" {
		c.Backup.AccessKeyID = *accessKey
	}

	secretKey, err := settings.Get("backup_secret_access_key")
	if err != nil {
		return fmt.Errorf("failed to get backup_secret_access_key from settings: %w", err)
	}
	if secretKey != nil && *secretKey != "" {
		c.Backup.SecretAccessKey = *secretKey
	}

	return nil
}

// Validate checks if required configuration is present and coherent
func (c *Config) Validate() error {
	if c.Engine.InitialCash < 0 {
		return fmt.Errorf("INITIAL_CASH must be non-negative, got %v", c.Engine.InitialCash)
	}
	if c.Engine.TotalCapital <= 0 {
		return fmt.Errorf("TOTAL_CAPITAL must be positive, got %v", c.Engine.TotalCapital)
	}
	if c.ServerPort <= 0 || c.ServerPort > 65535 {
		return fmt.Errorf("SERVER_PORT out of range: %d", c.ServerPort)
	}
	if c.Bus.QueueSize <= 0 {
		return fmt.Errorf("EVENT_QUEUE_SIZE must be positive, got %d", c.Bus.QueueSize)
	}
	if c.Bus.MaxConcurrentHandlers <= 0 {
		return fmt.Errorf("MAX_CONCURRENT_HANDLERS must be positive, got %d", c.Bus.MaxConcurrentHandlers)
	}

	switch c.Engine.AggregationMethod {
	case domain.AggregateFirstWins, domain.AggregateHighestConfidence,
		domain.AggregateWeightedAverage, domain.AggregateConsensus,
		domain.AggregateRiskAdjusted:
	default:
		return fmt.Errorf("unknown SIGNAL_AGGREGATION_METHOD: %s", c.Engine.AggregationMethod)
	}

	switch c.Engine.ConflictResolution {
	case domain.ConflictCancelAll, domain.ConflictNetPosition,
		domain.ConflictHighestConfidence, domain.ConflictStrategyPriority:
	default:
		return fmt.Errorf("unknown CONFLICT_RESOLUTION_MODE: %s", c.Engine.ConflictResolution)
	}

	switch c.Engine.PositionSizingMethod {
	case domain.SizingFixedFractional, domain.SizingVolatilityAdjusted,
		domain.SizingKellyCriterion, domain.SizingRiskParity:
	default:
		return fmt.Errorf("unknown POSITION_SIZING_METHOD: %s", c.Engine.PositionSizingMethod)
	}

	switch c.Routing.Policy {
	case domain.RoutePriorityBased, domain.RouteRoundRobin,
		domain.RouteHealthBased, domain.RoutePerformanceBased:
	default:
		return fmt.Errorf("unknown FAILOVER_STRATEGY: %s", c.Routing.Policy)
	}

	for name, v := range map[string]float64{
		"MAX_POSITION_SIZE":      c.Risk.MaxPositionSize,
		"MAX_PORTFOLIO_EXPOSURE": c.Risk.MaxPortfolioExposure,
		"MAX_DAILY_LOSS":         c.Risk.MaxDailyLoss,
		"MAX_DRAWDOWN":           c.Risk.MaxDrawdown,
		"MAX_CORRELATION":        c.Risk.MaxCorrelation,
		"MAX_SECTOR_EXPOSURE":    c.Risk.MaxSectorExposure,
	} {
		if v <= 0 || v > 1 {
			return fmt.Errorf("%s must be in (0, 1], got %v", name, v)
		}
	}

	if c.Backup.Enabled && c.Backup.Bucket == "" {
		return fmt.Errorf("BACKUP_BUCKET required when BACKUP_ENABLED is true")
	}

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsDurationMs(key string, defaultMs int) time.Duration {
	return time.Duration(getEnvAsInt(key, defaultMs)) * time.Millisecond
}
