// Package paper implements an in-process broker adapter with deterministic
// simulated executions. It drives the engine through the same fill callback
// a live venue adapter would, which makes it the default broker for paper
// deployments and the workhorse of the integration tests.
package paper

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// Config tunes the simulated execution quality.
type Config struct {
	// FillLatency delays the fill callback after a successful submit.
	FillLatency time.Duration
	// SlippageBps worsens the fill price by this many basis points
	// (buys fill higher, sells lower).
	SlippageBps float64
	// CommissionFlat is charged per fill.
	CommissionFlat float64
	// CommissionBps is charged on the fill notional.
	CommissionBps float64
	// InitialCash seeds the simulated account.
	InitialCash float64
}

// DefaultConfig matches a cheap retail venue: instant-ish fills, half a
// basis point of slippage, one currency unit per order.
func DefaultConfig() Config {
	return Config{
		FillLatency:    10 * time.Millisecond,
		SlippageBps:    0.5,
		CommissionFlat: 1.0,
		InitialCash:    1_000_000,
	}
}

// pendingOrder tracks an accepted order until its fill timer runs.
type pendingOrder struct {
	order *domain.Order
	timer *time.Timer
}

// Broker is a paper trading venue implementing domain.BrokerAdapter.
// SubmitOrder is idempotent on order_id: resubmitting a known order returns
// the original broker order id without executing twice.
type Broker struct {
	id  string
	cfg Config
	log zerolog.Logger

	mu           sync.Mutex
	connected    bool
	failNext     int
	failErr      error
	fillCallback domain.FillCallback

	cash       float64
	positions  map[string]*domain.BrokerPosition
	marketPx   map[string]float64
	orders     map[string]*domain.Order // by broker order id
	byClientID map[string]string        // order_id -> broker order id
	pending    map[string]*pendingOrder
	seq        int

	wg sync.WaitGroup
}

var _ domain.BrokerAdapter = (*Broker)(nil)

// NewBroker creates a disconnected paper broker. Call Connect before use.
func NewBroker(id string, cfg Config, log zerolog.Logger) *Broker {
	if cfg.InitialCash <= 0 {
		cfg.InitialCash = DefaultConfig().InitialCash
	}
	return &Broker{
		id:         id,
		cfg:        cfg,
		log:        log.With().Str("component", "paper_broker").Str("broker_id", id).Logger(),
		cash:       cfg.InitialCash,
		positions:  make(map[string]*domain.BrokerPosition),
		marketPx:   make(map[string]float64),
		orders:     make(map[string]*domain.Order),
		byClientID: make(map[string]string),
		pending:    make(map[string]*pendingOrder),
	}
}

// SetFillCallback wires the engine's fill handler. Must be set before
// orders are submitted; fills with no callback are dropped with a warning.
func (b *Broker) SetFillCallback(cb domain.FillCallback) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.fillCallback = cb
}

// SetMarketPrice updates the reference price used to fill market orders
// that carry no price of their own.
func (b *Broker) SetMarketPrice(symbol string, price float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.marketPx[symbol] = price
}

// FailNextSubmits makes the next n submissions fail with err (or a generic
// rejection when err is nil). Test hook.
func (b *Broker) FailNextSubmits(n int, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failNext = n
	b.failErr = err
}

// SetConnected forces the connection state. Test hook; production code uses
// Connect/Disconnect.
func (b *Broker) SetConnected(connected bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = connected
}

// Connect implements domain.BrokerAdapter.
func (b *Broker) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.connected = true
	b.log.Info().Msg("Paper broker connected")
	return nil
}

// Disconnect implements domain.BrokerAdapter. In-flight fill timers are
// stopped and their orders cancelled.
func (b *Broker) Disconnect(ctx context.Context) error {
	b.mu.Lock()
	b.connected = false
	for brokerOrderID, p := range b.pending {
		if p.timer.Stop() {
			p.order.Status = domain.OrderStatusCancelled
			p.order.UpdatedAt = time.Now().UTC()
			delete(b.pending, brokerOrderID)
		}
	}
	b.mu.Unlock()

	b.wg.Wait()
	b.log.Info().Msg("Paper broker disconnected")
	return nil
}

// IsConnected implements domain.BrokerAdapter.
func (b *Broker) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

// SubmitOrder implements domain.BrokerAdapter. Accepted orders fill in full
// after the configured latency at the reference price adjusted by slippage.
func (b *Broker) SubmitOrder(ctx context.Context, order *domain.Order) (string, error) {
	if err := order.Validate(); err != nil {
		return "", fmt.Errorf("paper broker rejected order: %w", err)
	}

	b.mu.Lock()

	if !b.connected {
		b.mu.Unlock()
		return "", fmt.Errorf("paper broker %s is not connected", b.id)
	}
	if b.failNext > 0 {
		b.failNext--
		err := b.failErr
		b.mu.Unlock()
		if err == nil {
			err = fmt.Errorf("paper broker %s rejected order %s", b.id, order.OrderID)
		}
		return "", err
	}

	// Idempotent resubmission.
	if existing, ok := b.byClientID[order.OrderID]; ok {
		b.mu.Unlock()
		return existing, nil
	}

	refPrice := order.Price
	if refPrice <= 0 {
		refPrice = b.marketPx[order.Symbol]
	}
	if refPrice <= 0 {
		b.mu.Unlock()
		return "", fmt.Errorf("paper broker has no reference price for %s", order.Symbol)
	}

	fillPrice := b.applySlippage(refPrice, order.Side)
	notional := order.Quantity * fillPrice
	if order.Side == domain.SideBuy && notional > b.cash {
		b.mu.Unlock()
		return "", fmt.Errorf("paper broker: insufficient cash for %s (need %.2f, have %.2f)",
			order.OrderID, notional, b.cash)
	}

	b.seq++
	brokerOrderID := fmt.Sprintf("PAPER-%s-%06d", b.id, b.seq)

	accepted := *order
	accepted.BrokerOrderID = brokerOrderID
	accepted.BrokerID = b.id
	accepted.Status = domain.OrderStatusSubmitted
	accepted.UpdatedAt = time.Now().UTC()
	b.orders[brokerOrderID] = &accepted
	b.byClientID[order.OrderID] = brokerOrderID

	p := &pendingOrder{order: &accepted}
	p.timer = time.AfterFunc(b.cfg.FillLatency, func() {
		b.executeFill(brokerOrderID, fillPrice)
	})
	b.pending[brokerOrderID] = p

	b.mu.Unlock()

	b.log.Debug().
		Str("order_id", order.OrderID).
		Str("broker_order_id", brokerOrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("qty", order.Quantity).
		Float64("fill_price", fillPrice).
		Msg("Order accepted")

	return brokerOrderID, nil
}

// executeFill runs on the fill timer: applies the execution to the
// simulated account and delivers the fill callback.
func (b *Broker) executeFill(brokerOrderID string, fillPrice float64) {
	b.mu.Lock()

	p, ok := b.pending[brokerOrderID]
	if !ok {
		b.mu.Unlock()
		return
	}
	delete(b.pending, brokerOrderID)

	order := p.order
	commission := b.cfg.CommissionFlat + order.Quantity*fillPrice*b.cfg.CommissionBps/10_000

	order.Status = domain.OrderStatusFilled
	order.FilledQty = order.Quantity
	order.AvgFillPrice = fillPrice
	order.Commission = commission
	order.UpdatedAt = time.Now().UTC()

	b.applyToAccount(order, fillPrice, commission)

	fill := domain.Fill{
		Timestamp:  time.Now().UTC(),
		FillID:     brokerOrderID + "-1",
		OrderID:    order.OrderID,
		Symbol:     order.Symbol,
		Side:       order.Side,
		Quantity:   order.Quantity,
		Price:      fillPrice,
		Commission: commission,
	}

	cb := b.fillCallback
	b.mu.Unlock()

	if cb == nil {
		b.log.Warn().Str("order_id", order.OrderID).Msg("No fill callback registered, dropping fill")
		return
	}

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		cb(fill)
	}()
}

// applyToAccount updates simulated cash and positions. Caller holds b.mu.
func (b *Broker) applyToAccount(order *domain.Order, price, commission float64) {
	signedQty := order.SignedQuantity()
	b.cash -= signedQty*price + commission
	b.marketPx[order.Symbol] = price

	pos, ok := b.positions[order.Symbol]
	if !ok {
		pos = &domain.BrokerPosition{Symbol: order.Symbol}
		b.positions[order.Symbol] = pos
	}

	newQty := pos.Quantity + signedQty
	switch {
	case newQty == 0:
		delete(b.positions, order.Symbol)
		return
	case pos.Quantity == 0 || (pos.Quantity > 0) != (newQty > 0):
		// Fresh or reversed leg starts a new cost basis.
		pos.AvgCost = price
	case (signedQty > 0) == (pos.Quantity > 0):
		// Adding to the leg: volume-weighted cost.
		pos.AvgCost = (pos.AvgCost*abs(pos.Quantity) + price*abs(signedQty)) / abs(newQty)
	}
	pos.Quantity = newQty
	if newQty > 0 {
		pos.Side = "long"
	} else {
		pos.Side = "short"
	}
	pos.MarketValue = newQty * price
}

// CancelOrder implements domain.BrokerAdapter. Returns true when the order
// was still pending and its fill was prevented.
func (b *Broker) CancelOrder(ctx context.Context, brokerOrderID string) (bool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return false, fmt.Errorf("paper broker %s is not connected", b.id)
	}

	p, ok := b.pending[brokerOrderID]
	if !ok {
		return false, nil
	}
	if !p.timer.Stop() {
		// Fill already firing; too late to cancel.
		return false, nil
	}

	delete(b.pending, brokerOrderID)
	p.order.Status = domain.OrderStatusCancelled
	p.order.UpdatedAt = time.Now().UTC()

	b.log.Debug().Str("broker_order_id", brokerOrderID).Msg("Order cancelled")
	return true, nil
}

// GetOrder implements domain.BrokerAdapter.
func (b *Broker) GetOrder(ctx context.Context, brokerOrderID string) (*domain.Order, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.orders[brokerOrderID]
	if !ok {
		return nil, fmt.Errorf("paper broker %s has no order %s", b.id, brokerOrderID)
	}
	copied := *order
	return &copied, nil
}

// GetAccountInfo implements domain.BrokerAdapter.
func (b *Broker) GetAccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("paper broker %s is not connected", b.id)
	}

	positionsValue := 0.0
	for _, pos := range b.positions {
		positionsValue += pos.Quantity * b.marketPx[pos.Symbol]
	}

	return &domain.AccountInfo{
		AccountID:      "paper-" + b.id,
		Cash:           b.cash,
		BuyingPower:    b.cash,
		PortfolioValue: b.cash + positionsValue,
	}, nil
}

// GetPositions implements domain.BrokerAdapter.
func (b *Broker) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected {
		return nil, fmt.Errorf("paper broker %s is not connected", b.id)
	}

	out := make([]domain.BrokerPosition, 0, len(b.positions))
	for _, pos := range b.positions {
		p := *pos
		p.MarketValue = p.Quantity * b.marketPx[p.Symbol]
		out = append(out, p)
	}
	return out, nil
}

// applySlippage worsens the price against the taker.
func (b *Broker) applySlippage(price float64, side domain.OrderSide) float64 {
	slip := price * b.cfg.SlippageBps / 10_000
	if side == domain.SideBuy {
		return price + slip
	}
	return price - slip
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}
