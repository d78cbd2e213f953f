package domain

import (
	"context"
	"time"
)

// BrokerAdapter defines broker-agnostic order and account operations.
// Each venue implements this interface; the router, order manager and
// health monitor never see a concrete broker type. SubmitOrder must be
// idempotent for a given order.OrderID so that failover retries cannot
// double-submit.
type BrokerAdapter interface {
	// Connection lifecycle
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	IsConnected() bool

	// Order operations
	SubmitOrder(ctx context.Context, order *Order) (brokerOrderID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) (bool, error)
	GetOrder(ctx context.Context, brokerOrderID string) (*Order, error)

	// Account operations
	GetAccountInfo(ctx context.Context) (*AccountInfo, error)
	GetPositions(ctx context.Context) ([]BrokerPosition, error)
}

// FillCallback receives fills as the broker reports them. Adapters are
// constructed with one; the order manager bridges it onto the event bus.
type FillCallback func(fill Fill)

// MarketDataProvider defines the contract for historical and streaming
// market data sources. The gateway selects among providers by health.
type MarketDataProvider interface {
	// GetHistoricalData returns OHLCV candles for the range, oldest first
	GetHistoricalData(ctx context.Context, symbol string, start, end time.Time, interval string) ([]Candle, error)

	// StreamQuotes delivers quotes for the symbols on the returned channel
	// until ctx is cancelled. The channel is closed when the stream ends.
	StreamQuotes(ctx context.Context, symbols []string) (<-chan Quote, error)

	// IsHealthy reports whether the provider is currently usable
	IsHealthy() bool

	// RateLimitStatus returns the provider's remaining request budget
	RateLimitStatus() RateLimitStatus
}

// SectorProvider maps symbols to sectors for exposure checks.
// When no provider is wired, sector checks are skipped rather than
// defaulted to a made-up sector.
type SectorProvider interface {
	SectorOf(symbol string) (string, bool)
}

// CorrelationProvider supplies pairwise return correlations for
// concentration checks. When no provider is wired, correlation checks are
// skipped rather than silently passed with a zero.
type CorrelationProvider interface {
	Correlation(a, b string) (float64, bool)
}

// Strategy is the capability every trading strategy implements. Strategies
// consume market data, maintain their own rolling state, and emit advisory
// signals. They never place orders themselves.
type Strategy interface {
	// ID returns the unique strategy identifier used in allocations
	ID() string

	// Name returns a human-readable strategy name
	Name() string

	// Symbols returns the watched symbols; market data for other symbols
	// is not dispatched to this strategy
	Symbols() []string

	// Initialize validates parameters and prepares internal state
	Initialize(ctx context.Context) error

	// OnMarketData processes one tick and returns zero or more signals
	OnMarketData(ctx context.Context, md MarketData) ([]Signal, error)

	// OnOrderFilled informs the strategy of a fill attributed to it
	OnOrderFilled(ctx context.Context, fill Fill)

	// Stop releases strategy resources
	Stop(ctx context.Context) error
}
