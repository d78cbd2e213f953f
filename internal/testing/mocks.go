package testing

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aristath/strategos/internal/domain"
)

// MockBroker is a scriptable broker adapter. Tests configure failures,
// latency and fill behaviour up front and inspect submitted orders after.
type MockBroker struct {
	mu sync.Mutex

	id           string
	connected    bool
	connectErr   error
	submitErr    error
	failNext     int
	latency      time.Duration
	fillCallback domain.FillCallback
	fillOnSubmit bool
	fillPrice    float64
	commission   float64

	submitted  []domain.Order
	cancelled  []string
	orders     map[string]*domain.Order
	account    domain.AccountInfo
	positions  []domain.BrokerPosition
	accountErr error
	seq        int
}

// NewMockBroker creates a connected mock broker that fills every order
// immediately at the submitted price.
func NewMockBroker(id string) *MockBroker {
	return &MockBroker{
		id:           id,
		connected:    true,
		fillOnSubmit: true,
		orders:       make(map[string]*domain.Order),
		account:      domain.AccountInfo{AccountID: id, Cash: 1_000_000, BuyingPower: 1_000_000, PortfolioValue: 1_000_000},
	}
}

// SetFillCallback wires the callback invoked when submissions fill.
func (m *MockBroker) SetFillCallback(cb domain.FillCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillCallback = cb
}

// SetConnected overrides the connection state.
func (m *MockBroker) SetConnected(connected bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = connected
}

// SetConnectError makes subsequent Connect calls fail.
func (m *MockBroker) SetConnectError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectErr = err
}

// FailNextSubmits makes the next n SubmitOrder calls fail with err.
func (m *MockBroker) FailNextSubmits(n int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = n
	m.submitErr = err
}

// SetLatency adds artificial latency to account probes and submissions.
func (m *MockBroker) SetLatency(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.latency = d
}

// SetFillOnSubmit controls whether submissions fill immediately.
func (m *MockBroker) SetFillOnSubmit(fill bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillOnSubmit = fill
}

// SetFillPrice overrides the execution price (0 uses the order price).
func (m *MockBroker) SetFillPrice(price float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fillPrice = price
}

// SetCommission sets the per-fill commission reported by this broker.
func (m *MockBroker) SetCommission(c float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commission = c
}

// SetAccountInfo scripts the account probe response.
func (m *MockBroker) SetAccountInfo(info domain.AccountInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account = info
}

// SetAccountError makes account probes fail, which the health monitor
// records as a failed check.
func (m *MockBroker) SetAccountError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.accountErr = err
}

// SetPositions scripts the broker-reported positions.
func (m *MockBroker) SetPositions(positions []domain.BrokerPosition) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.positions = positions
}

// SubmittedOrders returns a copy of every order accepted so far.
func (m *MockBroker) SubmittedOrders() []domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Order, len(m.submitted))
	copy(out, m.submitted)
	return out
}

// CancelledOrders returns the broker order ids cancelled so far.
func (m *MockBroker) CancelledOrders() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.cancelled))
	copy(out, m.cancelled)
	return out
}

// Connect implements domain.BrokerAdapter.
func (m *MockBroker) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

// Disconnect implements domain.BrokerAdapter.
func (m *MockBroker) Disconnect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connected = false
	return nil
}

// IsConnected implements domain.BrokerAdapter.
func (m *MockBroker) IsConnected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

// SubmitOrder implements domain.BrokerAdapter.
func (m *MockBroker) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	m.mu.Lock()
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	if !m.connected {
		m.mu.Unlock()
		return "", fmt.Errorf("broker %s is not connected", m.id)
	}
	if m.failNext > 0 {
		m.failNext--
		err := m.submitErr
		m.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("broker %s rejected order", m.id)
		}
		return "", err
	}

	m.seq++
	brokerOrderID := fmt.Sprintf("%s-%d", m.id, m.seq)
	accepted := *order
	accepted.BrokerOrderID = brokerOrderID
	accepted.BrokerID = m.id
	accepted.Status = domain.OrderStatusSubmitted

	cb := m.fillCallback
	var fill domain.Fill
	emitFill := false
	if m.fillOnSubmit && cb != nil {
		price := m.fillPrice
		if price <= 0 {
			price = order.Price
		}
		fill = domain.Fill{
			Timestamp:  time.Now().UTC(),
			FillID:     fmt.Sprintf("%s-fill-%d", m.id, m.seq),
			OrderID:    order.OrderID,
			Symbol:     order.Symbol,
			Side:       order.Side,
			Quantity:   order.Quantity,
			Price:      price,
			Commission: m.commission,
		}
		accepted.Status = domain.OrderStatusFilled
		accepted.FilledQty = order.Quantity
		accepted.AvgFillPrice = price
		emitFill = true
	}

	m.submitted = append(m.submitted, accepted)
	stored := accepted
	m.orders[brokerOrderID] = &stored
	m.mu.Unlock()

	if emitFill {
		cb(fill)
	}
	return brokerOrderID, nil
}

// CancelOrder implements domain.BrokerAdapter.
func (m *MockBroker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return false, fmt.Errorf("broker %s is not connected", m.id)
	}
	m.cancelled = append(m.cancelled, brokerOrderID)
	order, ok := m.orders[brokerOrderID]
	if !ok || order.Status.IsTerminal() {
		return false, nil
	}
	order.Status = domain.OrderStatusCancelled
	return true, nil
}

// GetOrder implements domain.BrokerAdapter.
func (m *MockBroker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("broker %s has no order %s", m.id, brokerOrderID)
	}
	copied := *order
	return &copied, nil
}

// GetAccountInfo implements domain.BrokerAdapter.
func (m *MockBroker) GetAccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.latency > 0 {
		time.Sleep(m.latency)
	}
	if m.accountErr != nil {
		return nil, m.accountErr
	}
	if !m.connected {
		return nil, fmt.Errorf("broker %s is not connected", m.id)
	}
	info := m.account
	return &info, nil
}

// GetPositions implements domain.BrokerAdapter.
func (m *MockBroker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.connected {
		return nil, fmt.Errorf("broker %s is not connected", m.id)
	}
	out := make([]domain.BrokerPosition, len(m.positions))
	copy(out, m.positions)
	return out, nil
}

// MockStrategy is a scriptable strategy. Each OnMarketData call pops the
// next scripted signal batch; an exhausted script returns no signals.
type MockStrategy struct {
	mu sync.Mutex

	id      string
	name    string
	symbols []string

	script      [][]domain.Signal
	scriptPos   int
	onDataErr   error
	onDataDelay time.Duration
	initErr     error

	ticks   []domain.MarketData
	fills   []domain.Fill
	stopped bool
}

// NewMockStrategy creates a strategy watching the given symbols.
func NewMockStrategy(id string, symbols ...string) *MockStrategy {
	return &MockStrategy{id: id, name: "mock " + id, symbols: symbols}
}

// ScriptSignals appends one OnMarketData response to the script.
func (m *MockStrategy) ScriptSignals(signals ...domain.Signal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.script = append(m.script, signals)
}

// SetOnDataError makes OnMarketData fail.
func (m *MockStrategy) SetOnDataError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDataErr = err
}

// SetOnDataDelay makes OnMarketData sleep before responding, ignoring
// context cancellation, to simulate a stuck strategy.
func (m *MockStrategy) SetOnDataDelay(d time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onDataDelay = d
}

// SetInitError makes Initialize fail.
func (m *MockStrategy) SetInitError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.initErr = err
}

// Ticks returns every tick the strategy has seen.
func (m *MockStrategy) Ticks() []domain.MarketData {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.MarketData, len(m.ticks))
	copy(out, m.ticks)
	return out
}

// Fills returns every fill routed to the strategy.
func (m *MockStrategy) Fills() []domain.Fill {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Fill, len(m.fills))
	copy(out, m.fills)
	return out
}

// Stopped reports whether Stop was called.
func (m *MockStrategy) Stopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stopped
}

// ID implements domain.Strategy.
func (m *MockStrategy) ID() string { return m.id }

// Name implements domain.Strategy.
func (m *MockStrategy) Name() string { return m.name }

// Symbols implements domain.Strategy.
func (m *MockStrategy) Symbols() []string { return m.symbols }

// Initialize implements domain.Strategy.
func (m *MockStrategy) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.initErr
}

// OnMarketData implements domain.Strategy.
func (m *MockStrategy) OnMarketData(ctx context.Context, md domain.MarketData) ([]domain.Signal, error) {
	m.mu.Lock()
	delay := m.onDataDelay
	m.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.ticks = append(m.ticks, md)
	if m.onDataErr != nil {
		return nil, m.onDataErr
	}
	if m.scriptPos >= len(m.script) {
		return nil, nil
	}
	signals := m.script[m.scriptPos]
	m.scriptPos++
	return signals, nil
}

// OnOrderFilled implements domain.Strategy.
func (m *MockStrategy) OnOrderFilled(ctx context.Context, fill domain.Fill) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, fill)
}

// Stop implements domain.Strategy.
func (m *MockStrategy) Stop(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	return nil
}

// MockMarketDataProvider serves scripted candles and quotes.
type MockMarketDataProvider struct {
	mu sync.Mutex

	healthy bool
	candles map[string][]domain.Candle
	histErr error
	quotes  []domain.Quote
	limit   domain.RateLimitStatus
}

// NewMockMarketDataProvider creates a healthy provider with no data.
func NewMockMarketDataProvider() *MockMarketDataProvider {
	return &MockMarketDataProvider{
		healthy: true,
		candles: make(map[string][]domain.Candle),
		limit:   domain.RateLimitStatus{RequestsPerMinute: 60},
	}
}

// SetHealthy scripts the health flag.
func (m *MockMarketDataProvider) SetHealthy(healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.healthy = healthy
}

// SetCandles scripts the historical response for a symbol.
func (m *MockMarketDataProvider) SetCandles(symbol string, candles []domain.Candle) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.candles[symbol] = candles
}

// SetHistoricalError makes GetHistoricalData fail.
func (m *MockMarketDataProvider) SetHistoricalError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.histErr = err
}

// SetQuotes scripts the quotes delivered by StreamQuotes.
func (m *MockMarketDataProvider) SetQuotes(quotes []domain.Quote) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quotes = quotes
}

// GetHistoricalData implements domain.MarketDataProvider.
func (m *MockMarketDataProvider) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time, interval string) ([]domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.histErr != nil {
		return nil, m.histErr
	}
	out := make([]domain.Candle, len(m.candles[symbol]))
	copy(out, m.candles[symbol])
	return out, nil
}

// StreamQuotes implements domain.MarketDataProvider. The scripted quotes are
// delivered once, then the channel closes.
func (m *MockMarketDataProvider) StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	m.mu.Lock()
	quotes := make([]domain.Quote, len(m.quotes))
	copy(quotes, m.quotes)
	m.mu.Unlock()

	watched := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		watched[s] = true
	}

	ch := make(chan domain.Quote, len(quotes))
	go func() {
		defer close(ch)
		for _, q := range quotes {
			if len(watched) > 0 && !watched[q.Symbol] {
				continue
			}
			select {
			case ch <- q:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// IsHealthy implements domain.MarketDataProvider.
func (m *MockMarketDataProvider) IsHealthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// RateLimitStatus implements domain.MarketDataProvider.
func (m *MockMarketDataProvider) RateLimitStatus() domain.RateLimitStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.limit
}

// StaticSectorProvider maps symbols to sectors from a fixed table.
type StaticSectorProvider map[string]string

// SectorOf implements domain.SectorProvider.
func (p StaticSectorProvider) SectorOf(symbol string) (string, bool) {
	sector, ok := p[symbol]
	return sector, ok
}

// StaticCorrelationProvider serves pairwise correlations from a fixed table
// keyed "A|B" with the symbols in lexicographic order.
type StaticCorrelationProvider map[string]float64

// Correlation implements domain.CorrelationProvider.
func (p StaticCorrelationProvider) Correlation(a, b string) (float64, bool) {
	if a > b {
		a, b = b, a
	}
	c, ok := p[a+"|"+b]
	return c, ok
}
