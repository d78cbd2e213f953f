package marketdata

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

// ErrNoProviderAvailable is returned when every configured provider reports
// unhealthy.
var ErrNoProviderAvailable = errors.New("no healthy market data provider available")

const (
	baseStreamBackoff = time.Second
	maxStreamBackoff  = time.Minute
)

// GatewayStats counts what the gateway has done since start.
type GatewayStats struct {
	TicksPublished int64 `json:"ticks_published"`
	TicksDropped   int64 `json:"ticks_dropped"`
	TicksInvalid   int64 `json:"ticks_invalid"`
	Failovers      int64 `json:"failovers"`
}

// Gateway is the single entry point for market data. It selects a healthy
// provider, validates every tick and candle, and publishes MARKET_DATA
// events. When the bus queue is full the tick is dropped and counted; the
// gateway never blocks on the bus.
type Gateway struct {
	providers []domain.MarketDataProvider
	history   *HistoryRepository
	bus       *events.Bus
	log       zerolog.Logger

	mu       sync.Mutex
	symbols  []string
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool

	ticksPublished atomic.Int64
	ticksDropped   atomic.Int64
	ticksInvalid   atomic.Int64
	failovers      atomic.Int64
}

// NewGateway creates a gateway over an ordered provider list. The first
// healthy provider wins; history may be nil when no candle store is wired.
func NewGateway(providers []domain.MarketDataProvider, history *HistoryRepository, bus *events.Bus, log zerolog.Logger) *Gateway {
	return &Gateway{
		providers: providers,
		history:   history,
		bus:       bus,
		log:       log.With().Str("component", "marketdata_gateway").Logger(),
	}
}

// Start begins streaming quotes for the watched symbols. With no providers
// configured the gateway still serves cached historical data and accepts
// ticks via PublishTick.
func (g *Gateway) Start(symbols []string) error {
	g.mu.Lock()
	if g.started {
		g.mu.Unlock()
		return fmt.Errorf("gateway already started")
	}
	g.started = true
	g.symbols = append([]string(nil), symbols...)
	g.stopChan = make(chan struct{})
	g.mu.Unlock()

	if len(g.providers) == 0 {
		g.log.Warn().Msg("No market data providers configured, streaming disabled")
		return nil
	}

	g.wg.Add(1)
	go g.streamLoop()

	g.log.Info().
		Int("providers", len(g.providers)).
		Int("symbols", len(symbols)).
		Msg("Market data gateway started")
	return nil
}

// Stop terminates the stream loop and waits for it to exit.
func (g *Gateway) Stop() error {
	g.mu.Lock()
	if !g.started || g.stopped {
		g.mu.Unlock()
		return nil
	}
	g.stopped = true
	close(g.stopChan)
	g.mu.Unlock()

	g.wg.Wait()
	g.log.Info().Msg("Market data gateway stopped")
	return nil
}

// PublishTick validates a tick and publishes it as a MARKET_DATA event.
// Invalid ticks are dropped, never forwarded. A full bus queue drops the
// tick rather than blocking the producer.
func (g *Gateway) PublishTick(md domain.MarketData) error {
	if err := md.Validate(); err != nil {
		g.ticksInvalid.Add(1)
		g.log.Warn().Err(err).Str("symbol", md.Symbol).Msg("Dropping invalid tick")
		return err
	}

	err := g.bus.Emit("marketdata", &events.MarketDataReceivedData{MarketData: md})
	if errors.Is(err, events.ErrQueueFull) {
		g.ticksDropped.Add(1)
		g.log.Warn().Str("symbol", md.Symbol).Msg("Bus queue full, dropping tick")
		return err
	}
	if err != nil {
		return fmt.Errorf("failed to publish tick: %w", err)
	}

	g.ticksPublished.Add(1)
	return nil
}

// GetHistoricalData serves candles from the local store when present and
// falls back to the first healthy provider, persisting what it fetched.
func (g *Gateway) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time, interval string) ([]domain.Candle, error) {
	if g.history != nil {
		cached, err := g.history.GetCandles(symbol, interval, start, end)
		if err != nil {
			g.log.Warn().Err(err).Str("symbol", symbol).Msg("History lookup failed, falling back to provider")
		} else if len(cached) > 0 {
			return cached, nil
		}
	}

	provider := g.healthyProvider()
	if provider == nil {
		return nil, ErrNoProviderAvailable
	}

	candles, err := provider.GetHistoricalData(ctx, symbol, start, end, interval)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch historical data for %s: %w", symbol, err)
	}

	valid := candles[:0]
	for _, c := range candles {
		if c.Symbol == "" {
			c.Symbol = symbol
		}
		if c.Interval == "" {
			c.Interval = interval
		}
		if err := c.Validate(); err != nil {
			g.ticksInvalid.Add(1)
			g.log.Warn().Err(err).Str("symbol", symbol).Msg("Dropping invalid candle")
			continue
		}
		valid = append(valid, c)
	}

	if g.history != nil && len(valid) > 0 {
		if err := g.history.UpsertCandles(symbol, interval, valid); err != nil {
			g.log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to cache candles")
		}
	}

	return valid, nil
}

// IsHealthy reports whether at least one provider is usable.
func (g *Gateway) IsHealthy() bool {
	return g.healthyProvider() != nil
}

// RateLimitStatus returns the active provider's budget, zero when none.
func (g *Gateway) RateLimitStatus() domain.RateLimitStatus {
	if p := g.healthyProvider(); p != nil {
		return p.RateLimitStatus()
	}
	return domain.RateLimitStatus{}
}

// Stats returns the gateway counters.
func (g *Gateway) Stats() GatewayStats {
	return GatewayStats{
		TicksPublished: g.ticksPublished.Load(),
		TicksDropped:   g.ticksDropped.Load(),
		TicksInvalid:   g.ticksInvalid.Load(),
		Failovers:      g.failovers.Load(),
	}
}

func (g *Gateway) healthyProvider() domain.MarketDataProvider {
	for _, p := range g.providers {
		if p.IsHealthy() {
			return p
		}
	}
	return nil
}

func (g *Gateway) watchedSymbols() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]string(nil), g.symbols...)
}

// streamLoop consumes quotes from the first healthy provider and publishes
// them as ticks, failing over to the next provider when a stream dies.
func (g *Gateway) streamLoop() {
	defer g.wg.Done()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-g.stopChan
		cancel()
	}()

	backoff := baseStreamBackoff
	for {
		select {
		case <-g.stopChan:
			return
		default:
		}

		provider := g.healthyProvider()
		if provider == nil {
			g.log.Warn().Dur("retry_in", backoff).Msg("No healthy provider for streaming")
			select {
			case <-time.After(backoff):
			case <-g.stopChan:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		quotes, err := provider.StreamQuotes(ctx, g.watchedSymbols())
		if err != nil {
			g.failovers.Add(1)
			g.log.Error().Err(err).Dur("retry_in", backoff).Msg("Failed to open quote stream")
			select {
			case <-time.After(backoff):
			case <-g.stopChan:
				return
			}
			backoff = nextBackoff(backoff)
			continue
		}

		backoff = baseStreamBackoff
		for quote := range quotes {
			g.publishQuote(quote)
		}

		select {
		case <-g.stopChan:
			return
		default:
		}

		// Stream ended without a stop: treat as provider failure.
		g.failovers.Add(1)
		g.log.Warn().Msg("Quote stream ended, reselecting provider")
	}
}

// publishQuote converts a quote into a degenerate single-price bar. Quotes
// with no usable price are counted invalid and dropped.
func (g *Gateway) publishQuote(q domain.Quote) {
	price := q.Last
	if price <= 0 && q.Bid > 0 && q.Ask > 0 {
		price = (q.Bid + q.Ask) / 2
	}
	if price <= 0 {
		g.ticksInvalid.Add(1)
		g.log.Debug().Str("symbol", q.Symbol).Msg("Quote has no usable price")
		return
	}

	ts := q.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	_ = g.PublishTick(domain.MarketData{
		Timestamp: ts,
		Symbol:    q.Symbol,
		Source:    q.Source,
		Open:      price,
		High:      price,
		Low:       price,
		Close:     price,
		Volume:    q.Volume,
		Bid:       q.Bid,
		Ask:       q.Ask,
	})
}

func nextBackoff(current time.Duration) time.Duration {
	next := current * 2
	if next > maxStreamBackoff {
		return maxStreamBackoff
	}
	return next
}
