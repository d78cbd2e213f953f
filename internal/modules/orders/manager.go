// Package orders turns aggregated signals into broker orders and owns the
// order lifecycle: rate caps, risk gating, routing, fills, and expiry.
package orders

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

// Order pipeline failures, matchable with errors.Is.
var (
	ErrValidation       = errors.New("order validation failed")
	ErrEmergencyStop    = errors.New("emergency stop active")
	ErrDailyCapExceeded = errors.New("daily order cap exceeded")
	ErrRateLimited      = errors.New("per-minute order cap reached")
	ErrRiskRejected     = errors.New("risk validation rejected signal")
	ErrExecutionFailure = errors.New("order execution failed")
)

const (
	// lifecycleInterval is how often stale open orders are swept.
	lifecycleInterval = time.Minute
	// drainInterval is how often the deferred queue is drained.
	drainInterval = time.Second
	// maxDeferred bounds the deferred-signal queue; beyond it signals are
	// rejected instead of queued.
	maxDeferred = 100
	// fillEpsilon tolerates float rounding when comparing filled quantity
	// against order quantity.
	fillEpsilon = 1e-9
)

// Config tunes the order throttles.
type Config struct {
	MaxPerMinute int
	MaxPerDay    int
	// OrderTimeout is the age past which Submitted or PartiallyFilled
	// orders are cancelled by the lifecycle monitor.
	OrderTimeout time.Duration
	// CancelOnStop cancels all open orders when the emergency stop trips.
	CancelOnStop bool
}

// DefaultConfig returns the order throttle defaults.
func DefaultConfig() Config {
	return Config{
		MaxPerMinute: 10,
		MaxPerDay:    200,
		OrderTimeout: 30 * time.Minute,
		CancelOnStop: true,
	}
}

// RiskGate is what the pipeline needs from the risk manager.
type RiskGate interface {
	EmergencyStopped() bool
	Validate(signal domain.AggregatedSignal, portfolio domain.PortfolioSummary) (bool, *domain.RiskViolation)
	PositionSize(signal domain.AggregatedSignal, portfolioValue, price float64) float64
	TriggerEmergencyStop(reason string)
}

// PortfolioView supplies the current portfolio snapshot for risk checks.
// The portfolio manager implements it.
type PortfolioView interface {
	Summary() domain.PortfolioSummary
}

// Router places and cancels orders at a selected broker.
type Router interface {
	SubmitOrder(ctx context.Context, order *domain.Order) (brokerOrderID, brokerID string, err error)
	CancelOrder(ctx context.Context, brokerOrderID string) bool
}

// FillListener receives per-strategy fill attributions. The strategy
// manager implements it.
type FillListener interface {
	NotifyFill(strategyID string, fill domain.Fill)
}

// Stats is a snapshot of the order manager counters.
type Stats struct {
	Created           uint64 `json:"created"`
	Submitted         uint64 `json:"submitted"`
	Filled            uint64 `json:"filled"`
	PartialFills      uint64 `json:"partial_fills"`
	Cancelled         uint64 `json:"cancelled"`
	Expired           uint64 `json:"expired"`
	RejectedRisk      uint64 `json:"rejected_risk"`
	RejectedEmergency uint64 `json:"rejected_emergency"`
	RejectedDailyCap  uint64 `json:"rejected_daily_cap"`
	Deferred          uint64 `json:"deferred"`
	RoutingFailures   uint64 `json:"routing_failures"`
	DroppedFills      uint64 `json:"dropped_fills"`
	OpenOrders        int    `json:"open_orders"`
	DeferredQueued    int    `json:"deferred_queued"`
}

type deferredSignal struct {
	queuedAt time.Time
	signal   domain.AggregatedSignal
	typ      domain.OrderType
	tif      domain.TimeInForce
}

// Manager owns every order it creates until the order is terminal.
type Manager struct {
	cfg  Config
	bus  *events.Bus
	risk RiskGate
	repo *Repository
	log  zerolog.Logger

	portfolio PortfolioView
	router    Router
	fills     FillListener

	mu           sync.Mutex
	orders       map[string]*domain.Order
	contributors map[string][]string
	byBroker     map[string]string
	dayKey       string
	dayCount     int
	minuteWindow []time.Time
	deferred     []deferredSignal
	counts       Stats
	started      bool
	stopped      bool

	stopChan  chan struct{}
	wg        sync.WaitGroup
	fillSub   string
	stopSub   string
}

// NewManager builds an order manager. The repository may be nil, in which
// case orders live only in memory.
func NewManager(cfg Config, bus *events.Bus, risk RiskGate, repo *Repository, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:          cfg,
		bus:          bus,
		risk:         risk,
		repo:         repo,
		log:          log.With().Str("component", "order_manager").Logger(),
		orders:       make(map[string]*domain.Order),
		contributors: make(map[string][]string),
		byBroker:     make(map[string]string),
		stopChan:     make(chan struct{}),
	}
}

// SetPortfolioView wires the portfolio snapshot source.
func (m *Manager) SetPortfolioView(view PortfolioView) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.portfolio = view
}

// SetRouter wires the broker router.
func (m *Manager) SetRouter(router Router) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.router = router
}

// SetFillListener wires the per-strategy fill attribution sink.
func (m *Manager) SetFillListener(listener FillListener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = listener
}

// FillBridge returns the callback broker adapters are constructed with.
// It publishes each reported fill onto the bus, where this manager and the
// portfolio manager pick it up.
func (m *Manager) FillBridge() domain.FillCallback {
	return func(fill domain.Fill) {
		if err := m.bus.Emit("broker", &events.OrderFilledData{Fill: fill}); err != nil {
			m.log.Error().Err(err).Str("order_id", fill.OrderID).Msg("Fill event dropped at the bus")
		}
	}
}

// Start subscribes to fill and emergency-stop events and launches the
// lifecycle and deferred-drain loops.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("order manager already started")
	}
	m.started = true
	m.dayKey = dayKeyOf(time.Now())
	m.mu.Unlock()

	m.seedDailyCount()

	m.fillSub = m.bus.Subscribe(events.OrderFilled, "order_manager", m.handleOrderFilled)
	m.stopSub = m.bus.Subscribe(events.EmergencyStopTriggered, "order_manager", m.handleEmergencyStop)

	m.wg.Add(2)
	go m.lifecycleLoop()
	go m.drainLoop()

	m.log.Info().
		Int("max_per_minute", m.cfg.MaxPerMinute).
		Int("max_per_day", m.cfg.MaxPerDay).
		Dur("order_timeout", m.cfg.OrderTimeout).
		Msg("Order manager started")
	return nil
}

// Stop unsubscribes and halts the background loops. Open orders are left
// as-is; shutdown cancellation is the caller's decision via
// CancelOpenOrders.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.bus.Unsubscribe(m.fillSub)
	m.bus.Unsubscribe(m.stopSub)
	close(m.stopChan)
	m.wg.Wait()

	m.log.Info().Msg("Order manager stopped")
	return nil
}

// SubmitFromSignal runs the whole pipeline from aggregated signal to routed
// order and returns the order id. A deferred signal returns ErrRateLimited;
// a zero position size returns ("", nil) with no order created.
func (m *Manager) SubmitFromSignal(ctx context.Context, signal domain.AggregatedSignal, typ domain.OrderType, tif domain.TimeInForce) (string, error) {
	if signal.Side != domain.SignalBuy && signal.Side != domain.SignalSell {
		return "", fmt.Errorf("%w: side %q is not tradable", ErrValidation, signal.Side)
	}

	if m.risk.EmergencyStopped() {
		// Validate records and publishes the emergency-stop violation.
		m.risk.Validate(signal, m.portfolioSummary())
		m.mu.Lock()
		m.counts.RejectedEmergency++
		m.mu.Unlock()
		return "", ErrEmergencyStop
	}

	now := time.Now()
	m.mu.Lock()
	m.rollDayLocked(now)
	if m.dayCount >= m.cfg.MaxPerDay {
		m.counts.RejectedDailyCap++
		m.mu.Unlock()
		return "", ErrDailyCapExceeded
	}
	m.pruneMinuteLocked(now)
	if len(m.minuteWindow) >= m.cfg.MaxPerMinute {
		if len(m.deferred) >= maxDeferred {
			m.mu.Unlock()
			return "", fmt.Errorf("%w: deferred queue full, signal dropped", ErrRateLimited)
		}
		m.deferred = append(m.deferred, deferredSignal{queuedAt: now, signal: signal, typ: typ, tif: tif})
		m.counts.Deferred++
		m.mu.Unlock()
		m.log.Debug().Str("symbol", signal.Symbol).Msg("Per-minute cap reached, signal deferred")
		return "", fmt.Errorf("%w: signal deferred", ErrRateLimited)
	}
	m.reserveSlotLocked(now)
	m.mu.Unlock()

	orderID, err := m.execute(ctx, signal, typ, tif)
	if orderID == "" {
		m.releaseSlot()
	}
	return orderID, err
}

// execute runs validation, sizing, persistence and routing for one signal.
// An empty order id means no order was created.
func (m *Manager) execute(ctx context.Context, signal domain.AggregatedSignal, typ domain.OrderType, tif domain.TimeInForce) (string, error) {
	summary := m.portfolioSummary()

	ok, violation := m.risk.Validate(signal, summary)
	if !ok {
		m.mu.Lock()
		m.counts.RejectedRisk++
		m.mu.Unlock()
		kind := domain.ViolationKind("UNKNOWN")
		if violation != nil {
			kind = violation.Kind
		}
		return "", fmt.Errorf("%w: %s", ErrRiskRejected, kind)
	}

	qty := m.risk.PositionSize(signal, summary.TotalValue, signal.Price)
	if qty <= 0 {
		m.log.Debug().
			Str("symbol", signal.Symbol).
			Str("side", string(signal.Side)).
			Msg("Position size is zero, no order")
		return "", nil
	}

	order := m.buildOrder(signal, typ, tif, qty)
	if err := order.Validate(); err != nil {
		return "", fmt.Errorf("%w: %v", ErrValidation, err)
	}

	if m.repo != nil {
		if err := m.repo.Insert(order); err != nil {
			return "", fmt.Errorf("failed to persist order: %w", err)
		}
	}

	m.mu.Lock()
	m.orders[order.OrderID] = order
	if len(signal.ContributingStrategies) > 0 {
		m.contributors[order.OrderID] = append([]string(nil), signal.ContributingStrategies...)
	}
	m.counts.Created++
	router := m.router
	m.mu.Unlock()

	m.emit(&events.OrderCreatedData{
		OrderID:  order.OrderID,
		Symbol:   order.Symbol,
		Side:     string(order.Side),
		Type:     string(order.Type),
		Strategy: order.Strategy,
		Quantity: order.Quantity,
		Price:    order.Price,
		Stop:     order.StopPrice,
	})

	if router == nil {
		m.rejectOrder(order, "no broker router wired")
		return order.OrderID, fmt.Errorf("%w: no broker router wired", ErrExecutionFailure)
	}

	brokerOrderID, brokerID, err := router.SubmitOrder(ctx, order)
	if err != nil {
		m.rejectOrder(order, err.Error())
		return order.OrderID, fmt.Errorf("%w: %v", ErrExecutionFailure, err)
	}

	m.mu.Lock()
	order.BrokerOrderID = brokerOrderID
	order.BrokerID = brokerID
	m.byBroker[brokerOrderID] = order.OrderID
	m.counts.Submitted++
	m.transitionLocked(order, domain.OrderStatusSubmitted, "routed to "+brokerID)
	m.mu.Unlock()

	m.log.Info().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("side", string(order.Side)).
		Float64("quantity", order.Quantity).
		Str("broker_id", brokerID).
		Msg("Order submitted")
	return order.OrderID, nil
}

// Cancel cancels an open order at its broker and marks it Cancelled.
// Returns false when the order is unknown, already terminal, or the broker
// refuses the cancellation.
func (m *Manager) Cancel(ctx context.Context, orderID string) bool {
	m.mu.Lock()
	order, ok := m.orders[orderID]
	if !ok || order.Status.IsTerminal() {
		m.mu.Unlock()
		return false
	}
	brokerOrderID := order.BrokerOrderID
	router := m.router
	m.mu.Unlock()

	if brokerOrderID != "" && router != nil {
		if !router.CancelOrder(ctx, brokerOrderID) {
			m.log.Warn().Str("order_id", orderID).Msg("Broker refused cancellation")
			return false
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if order.Status.IsTerminal() {
		// A fill completed the order while we were talking to the broker.
		return false
	}
	m.counts.Cancelled++
	m.transitionLocked(order, domain.OrderStatusCancelled, "cancelled by request")
	return true
}

// CancelOpenOrders cancels every non-terminal order and returns how many
// cancellations succeeded. Used on emergency stop and at shutdown.
func (m *Manager) CancelOpenOrders(ctx context.Context) int {
	m.mu.Lock()
	ids := make([]string, 0, len(m.orders))
	for id, order := range m.orders {
		if !order.Status.IsTerminal() {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	var cancelled int
	for _, id := range ids {
		if m.Cancel(ctx, id) {
			cancelled++
		}
	}
	return cancelled
}

// GetOrderStatus returns a copy of the order, or false if unknown.
func (m *Manager) GetOrderStatus(orderID string) (domain.Order, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	order, ok := m.orders[orderID]
	if !ok {
		return domain.Order{}, false
	}
	return *order, true
}

// GetAllOrders returns copies of all orders, oldest first, optionally
// filtered by status (empty status returns everything).
func (m *Manager) GetAllOrders(status domain.OrderStatus) []domain.Order {
	m.mu.Lock()
	out := make([]domain.Order, 0, len(m.orders))
	for _, order := range m.orders {
		if status == "" || order.Status == status {
			out = append(out, *order)
		}
	}
	m.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].OrderID < out[j].OrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// Stats returns a snapshot of the pipeline counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.counts
	for _, order := range m.orders {
		if !order.Status.IsTerminal() {
			out.OpenOrders++
		}
	}
	out.DeferredQueued = len(m.deferred)
	return out
}

// handleOrderFilled applies one fill to its order: quantity bounds,
// volume-weighted average price, commission, and status transitions.
// Unreconcilable fills are logged and dropped, never guessed at.
func (m *Manager) handleOrderFilled(ctx context.Context, event *events.Event) error {
	data, ok := event.Data.(*events.OrderFilledData)
	if !ok {
		return nil
	}
	fill := data.Fill

	m.mu.Lock()
	order, known := m.orders[fill.OrderID]
	if !known {
		m.counts.DroppedFills++
		m.mu.Unlock()
		m.log.Warn().
			Str("order_id", fill.OrderID).
			Str("fill_id", fill.FillID).
			Msg("Fill for unknown order dropped")
		return nil
	}
	if order.Status.IsTerminal() {
		m.counts.DroppedFills++
		m.mu.Unlock()
		m.log.Warn().
			Str("order_id", fill.OrderID).
			Str("status", string(order.Status)).
			Msg("Fill for terminal order dropped")
		return nil
	}
	if fill.Quantity <= 0 || fill.Price <= 0 {
		m.counts.DroppedFills++
		m.mu.Unlock()
		m.log.Warn().
			Str("order_id", fill.OrderID).
			Float64("quantity", fill.Quantity).
			Float64("price", fill.Price).
			Msg("Malformed fill dropped")
		return nil
	}
	if order.FilledQty+fill.Quantity > order.Quantity+fillEpsilon {
		m.counts.DroppedFills++
		m.mu.Unlock()
		m.log.Error().
			Str("order_id", fill.OrderID).
			Float64("filled", order.FilledQty).
			Float64("fill", fill.Quantity).
			Float64("quantity", order.Quantity).
			Msg("Fill exceeds order quantity")
		m.risk.TriggerEmergencyStop(fmt.Sprintf("fill overrun on order %s", fill.OrderID))
		return nil
	}

	newFilled := order.FilledQty + fill.Quantity
	order.AvgFillPrice = (order.AvgFillPrice*order.FilledQty + fill.Price*fill.Quantity) / newFilled
	order.FilledQty = newFilled
	order.Commission += fill.Commission
	order.UpdatedAt = time.Now().UTC()

	next := domain.OrderStatusPartiallyFilled
	if newFilled >= order.Quantity-fillEpsilon {
		next = domain.OrderStatusFilled
		m.counts.Filled++
	} else {
		m.counts.PartialFills++
	}
	m.transitionLocked(order, next, fmt.Sprintf("filled %.4f of %.4f", newFilled, order.Quantity))

	contribs := m.contributors[order.OrderID]
	listener := m.fills
	brokerID := order.BrokerID
	if next == domain.OrderStatusFilled {
		delete(m.contributors, order.OrderID)
	}
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.RecordFill(fill, brokerID); err != nil {
			m.log.Warn().Err(err).Str("fill_id", fill.FillID).Msg("Failed to persist fill")
		}
	}

	if listener != nil && len(contribs) > 0 {
		share := fill.Quantity / float64(len(contribs))
		commission := fill.Commission / float64(len(contribs))
		for _, strategyID := range contribs {
			attributed := fill
			attributed.Quantity = share
			attributed.Commission = commission
			listener.NotifyFill(strategyID, attributed)
		}
	}

	m.log.Info().
		Str("order_id", fill.OrderID).
		Float64("quantity", fill.Quantity).
		Float64("price", fill.Price).
		Str("status", string(next)).
		Msg("Fill applied")
	return nil
}

// handleEmergencyStop optionally cancels all open orders when the stop
// engages.
func (m *Manager) handleEmergencyStop(ctx context.Context, event *events.Event) error {
	data, ok := event.Data.(*events.EmergencyStopData)
	if !ok || !data.Active || !m.cfg.CancelOnStop {
		return nil
	}
	cancelled := m.CancelOpenOrders(ctx)
	m.log.Warn().Int("cancelled", cancelled).Msg("Emergency stop: open orders cancelled")
	return nil
}

// lifecycleLoop cancels Submitted or PartiallyFilled orders older than the
// configured timeout.
func (m *Manager) lifecycleLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(lifecycleInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.expireStaleOrders()
		}
	}
}

func (m *Manager) expireStaleOrders() {
	if m.cfg.OrderTimeout <= 0 {
		return
	}
	cutoff := time.Now().Add(-m.cfg.OrderTimeout)

	m.mu.Lock()
	var stale []string
	for id, order := range m.orders {
		switch order.Status {
		case domain.OrderStatusSubmitted, domain.OrderStatusPartiallyFilled:
			if order.CreatedAt.Before(cutoff) {
				stale = append(stale, id)
			}
		}
	}
	m.mu.Unlock()

	for _, id := range stale {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if m.Cancel(ctx, id) {
			m.mu.Lock()
			m.counts.Expired++
			m.mu.Unlock()
			m.log.Info().Str("order_id", id).Msg("Stale order cancelled")
		}
		cancel()
	}
}

// drainLoop resubmits deferred signals as per-minute capacity frees up.
func (m *Manager) drainLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopChan:
			return
		case <-ticker.C:
			m.drainDeferred()
		}
	}
}

func (m *Manager) drainDeferred() {
	for {
		now := time.Now()
		m.mu.Lock()
		if len(m.deferred) == 0 {
			m.mu.Unlock()
			return
		}
		m.rollDayLocked(now)
		m.pruneMinuteLocked(now)
		if m.dayCount >= m.cfg.MaxPerDay || len(m.minuteWindow) >= m.cfg.MaxPerMinute {
			m.mu.Unlock()
			return
		}
		entry := m.deferred[0]
		m.deferred = m.deferred[1:]
		m.reserveSlotLocked(now)
		m.mu.Unlock()

		if m.risk.EmergencyStopped() {
			m.releaseSlot()
			m.mu.Lock()
			m.counts.RejectedEmergency++
			m.mu.Unlock()
			m.log.Warn().Str("symbol", entry.signal.Symbol).Msg("Deferred signal dropped, emergency stop active")
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		orderID, err := m.execute(ctx, entry.signal, entry.typ, entry.tif)
		cancel()
		if orderID == "" {
			m.releaseSlot()
		}
		if err != nil {
			m.log.Warn().Err(err).Str("symbol", entry.signal.Symbol).Msg("Deferred signal failed")
		}
	}
}

// rejectOrder marks an order Rejected after a routing failure.
func (m *Manager) rejectOrder(order *domain.Order, reason string) {
	m.mu.Lock()
	m.counts.RoutingFailures++
	m.transitionLocked(order, domain.OrderStatusRejected, reason)
	m.mu.Unlock()

	m.log.Warn().
		Str("order_id", order.OrderID).
		Str("symbol", order.Symbol).
		Str("reason", reason).
		Msg("Order rejected")
}

// transitionLocked moves an order to a new status, persists it, and
// publishes the change. Callers hold m.mu.
func (m *Manager) transitionLocked(order *domain.Order, next domain.OrderStatus, reason string) {
	old := order.Status
	if old == next {
		return
	}
	order.Status = next
	order.UpdatedAt = time.Now().UTC()

	if m.repo != nil {
		if err := m.repo.Update(order, reason); err != nil {
			m.log.Warn().Err(err).Str("order_id", order.OrderID).Msg("Failed to persist order update")
		}
	}
	m.emit(&events.OrderStatusChangedData{
		OrderID:   order.OrderID,
		OldStatus: string(old),
		NewStatus: string(next),
		Reason:    reason,
	})
}

func (m *Manager) buildOrder(signal domain.AggregatedSignal, typ domain.OrderType, tif domain.TimeInForce, qty float64) *domain.Order {
	now := time.Now().UTC()
	side := domain.SideBuy
	if signal.Side == domain.SignalSell {
		side = domain.SideSell
	}

	order := &domain.Order{
		CreatedAt: now,
		UpdatedAt: now,
		OrderID:   newOrderID(),
		Symbol:    signal.Symbol,
		Strategy:  strings.Join(signal.ContributingStrategies, ","),
		Side:      side,
		Type:      typ,
		TIF:       tif,
		Status:    domain.OrderStatusPending,
		Quantity:  qty,
	}
	if typ == domain.OrderTypeLimit || typ == domain.OrderTypeStopLimit {
		order.Price = signal.Price
	}
	if typ == domain.OrderTypeStop || typ == domain.OrderTypeStopLimit {
		if stop, ok := signal.Metadata["stop_price"].(float64); ok {
			order.StopPrice = stop
		}
	}
	return order
}

func (m *Manager) portfolioSummary() domain.PortfolioSummary {
	m.mu.Lock()
	view := m.portfolio
	m.mu.Unlock()
	if view == nil {
		return domain.PortfolioSummary{}
	}
	return view.Summary()
}

// seedDailyCount restores today's order count from the ledger so a restart
// does not reset the daily cap.
func (m *Manager) seedDailyCount() {
	if m.repo == nil {
		return
	}
	count, err := m.repo.CountCreatedSince(localMidnight(time.Now()))
	if err != nil {
		m.log.Warn().Err(err).Msg("Failed to seed daily order count")
		return
	}
	m.mu.Lock()
	m.dayCount = count
	m.mu.Unlock()
}

func (m *Manager) emit(data events.EventData) {
	if err := m.bus.Emit("order_manager", data); err != nil {
		m.log.Debug().Err(err).Str("type", string(data.EventType())).Msg("Order event dropped")
	}
}

// reserveSlotLocked consumes one daily and one per-minute slot.
func (m *Manager) reserveSlotLocked(now time.Time) {
	m.dayCount++
	m.minuteWindow = append(m.minuteWindow, now)
}

// releaseSlot undoes a reservation when the pipeline created no order.
func (m *Manager) releaseSlot() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dayCount > 0 {
		m.dayCount--
	}
	if n := len(m.minuteWindow); n > 0 {
		m.minuteWindow = m.minuteWindow[:n-1]
	}
}

// ResetDailyCounters forces the day-count roll at local midnight instead of
// waiting for the first submission of the new day.
func (m *Manager) ResetDailyCounters() {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	m.rollDayLocked(now)
	m.pruneMinuteLocked(now)
}

// rollDayLocked resets the daily counter when the local date changes.
func (m *Manager) rollDayLocked(now time.Time) {
	key := dayKeyOf(now)
	if key != m.dayKey {
		m.dayKey = key
		m.dayCount = 0
	}
}

// pruneMinuteLocked drops window entries older than one minute.
func (m *Manager) pruneMinuteLocked(now time.Time) {
	cutoff := now.Add(-time.Minute)
	keep := m.minuteWindow[:0]
	for _, ts := range m.minuteWindow {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	m.minuteWindow = keep
}

func dayKeyOf(t time.Time) string {
	return t.Local().Format("2006-01-02")
}

func localMidnight(t time.Time) time.Time {
	local := t.Local()
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, local.Location())
}

func newOrderID() string {
	return "ORD_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}
