package orders

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus(events.DefaultConfig(), zerolog.Nop())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })
	return bus
}

// fakeRisk is a scriptable RiskGate.
type fakeRisk struct {
	mu             sync.Mutex
	stopped        bool
	rejectKind     domain.ViolationKind
	size           float64
	validateCalls  int
	emergencyCalls []string
}

func (r *fakeRisk) EmergencyStopped() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stopped
}

func (r *fakeRisk) Validate(signal domain.AggregatedSignal, portfolio domain.PortfolioSummary) (bool, *domain.RiskViolation) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.validateCalls++
	if r.stopped {
		return false, &domain.RiskViolation{Kind: domain.ViolationEmergencyStop, Severity: domain.SeverityCritical}
	}
	if r.rejectKind != "" {
		return false, &domain.RiskViolation{Kind: r.rejectKind, Severity: domain.SeverityWarning}
	}
	return true, nil
}

func (r *fakeRisk) PositionSize(signal domain.AggregatedSignal, portfolioValue, price float64) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

func (r *fakeRisk) TriggerEmergencyStop(reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stopped = true
	r.emergencyCalls = append(r.emergencyCalls, reason)
}

func (r *fakeRisk) ValidateCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.validateCalls
}

func (r *fakeRisk) EmergencyCalls() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.emergencyCalls...)
}

// fakeRouter scripts submissions and records cancellations.
type fakeRouter struct {
	mu          sync.Mutex
	submitErr   error
	cancelOK    bool
	submits     int
	cancelCalls []string
}

func (f *fakeRouter) SubmitOrder(ctx context.Context, order *domain.Order) (string, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", "", f.submitErr
	}
	f.submits++
	return fmt.Sprintf("BRK-%04d", f.submits), "paper1", nil
}

func (f *fakeRouter) CancelOrder(ctx context.Context, brokerOrderID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelCalls = append(f.cancelCalls, brokerOrderID)
	return f.cancelOK
}

func (f *fakeRouter) CancelCalls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelCalls...)
}

// staticPortfolio serves a fixed snapshot.
type staticPortfolio struct{ summary domain.PortfolioSummary }

func (p *staticPortfolio) Summary() domain.PortfolioSummary { return p.summary }

// recordingListener captures per-strategy fill attributions.
type recordingListener struct {
	mu    sync.Mutex
	calls []attributedFill
}

type attributedFill struct {
	strategyID string
	fill       domain.Fill
}

func (l *recordingListener) NotifyFill(strategyID string, fill domain.Fill) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls = append(l.calls, attributedFill{strategyID: strategyID, fill: fill})
}

func (l *recordingListener) Calls() []attributedFill {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]attributedFill(nil), l.calls...)
}

type testFixture struct {
	manager  *Manager
	risk     *fakeRisk
	router   *fakeRouter
	listener *recordingListener
}

func newFixture(t *testing.T, cfg Config) *testFixture {
	t.Helper()
	risk := &fakeRisk{size: 66}
	router := &fakeRouter{cancelOK: true}
	listener := &recordingListener{}

	m := NewManager(cfg, newTestBus(t), risk, nil, zerolog.Nop())
	m.SetPortfolioView(&staticPortfolio{summary: domain.PortfolioSummary{Cash: 100_000, TotalValue: 100_000}})
	m.SetRouter(router)
	m.SetFillListener(listener)
	return &testFixture{manager: m, risk: risk, router: router, listener: listener}
}

func aggregated(symbol string, side domain.SignalSide, qty, price float64, strategies ...string) domain.AggregatedSignal {
	return domain.AggregatedSignal{
		Timestamp:              time.Now().UTC(),
		ContributingStrategies: strategies,
		Symbol:                 symbol,
		Side:                   side,
		Method:                 domain.AggregateWeightedAverage,
		Confidence:             0.8,
		Price:                  price,
		Quantity:               qty,
	}
}

func submit(t *testing.T, f *testFixture) string {
	t.Helper()
	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	require.NoError(t, err)
	require.NotEmpty(t, id)
	return id
}

func fillEvent(orderID, symbol string, side domain.OrderSide, qty, price, commission float64) *events.Event {
	return events.New("test_broker", &events.OrderFilledData{Fill: domain.Fill{
		Timestamp:  time.Now().UTC(),
		FillID:     orderID + fmt.Sprintf("-f%0.0f", qty),
		OrderID:    orderID,
		Symbol:     symbol,
		Side:       side,
		Quantity:   qty,
		Price:      price,
		Commission: commission,
	}})
}

func TestSubmitFromSignalCreatesAndRoutesOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "ORD_"))
	assert.Len(t, id, len("ORD_")+12)

	order, ok := f.manager.GetOrderStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
	assert.Equal(t, domain.SideBuy, order.Side)
	assert.InDelta(t, 66, order.Quantity, 1e-9, "quantity comes from the risk sizer")
	assert.InDelta(t, 150, order.Price, 1e-9, "limit orders carry the signal price")
	assert.Equal(t, "BRK-0001", order.BrokerOrderID)
	assert.Equal(t, "paper1", order.BrokerID)
	assert.Equal(t, "s1", order.Strategy)

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, 1, stats.OpenOrders)
}

func TestSubmitSellSignal(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalSell, 10, 150, "s1"),
		domain.OrderTypeMarket, domain.TIFDay)
	require.NoError(t, err)

	order, ok := f.manager.GetOrderStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.SideSell, order.Side)
	assert.Zero(t, order.Price, "market orders carry no limit price")
}

func TestSubmitHoldSideRejected(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	_, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalHold, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	assert.ErrorIs(t, err, ErrValidation)
	assert.Zero(t, f.manager.Stats().Created)
}

func TestSubmitEmergencyStopRejects(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.risk.TriggerEmergencyStop("manual")

	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrEmergencyStop)

	// Validate still ran so the violation was recorded and published.
	assert.Equal(t, 1, f.risk.ValidateCalls())

	stats := f.manager.Stats()
	assert.Zero(t, stats.Created)
	assert.Equal(t, uint64(1), stats.RejectedEmergency)
}

func TestSubmitRiskRejection(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.risk.rejectKind = domain.ViolationPositionSize

	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	assert.Empty(t, id)
	assert.ErrorIs(t, err, ErrRiskRejected)
	assert.Contains(t, err.Error(), string(domain.ViolationPositionSize))

	stats := f.manager.Stats()
	assert.Zero(t, stats.Created)
	assert.Equal(t, uint64(1), stats.RejectedRisk)

	// The rejected attempt releases its rate-limit slot.
	f.manager.mu.Lock()
	assert.Zero(t, f.manager.dayCount)
	assert.Empty(t, f.manager.minuteWindow)
	f.manager.mu.Unlock()
}

func TestSubmitZeroSizeCreatesNoOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.risk.size = 0

	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	assert.NoError(t, err)
	assert.Empty(t, id)
	assert.Zero(t, f.manager.Stats().Created)
}

func TestSubmitDailyCapExceeded(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerDay = 2
	cfg.MaxPerMinute = 10
	f := newFixture(t, cfg)

	submit(t, f)
	submit(t, f)

	_, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	assert.ErrorIs(t, err, ErrDailyCapExceeded)

	stats := f.manager.Stats()
	assert.Equal(t, uint64(2), stats.Created)
	assert.Equal(t, uint64(1), stats.RejectedDailyCap)
}

func TestSubmitMinuteCapDefersAndDrains(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerMinute = 1
	f := newFixture(t, cfg)

	submit(t, f)

	_, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("MSFT", domain.SignalBuy, 10, 400, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	assert.ErrorIs(t, err, ErrRateLimited)

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.Deferred)
	assert.Equal(t, 1, stats.DeferredQueued)
	assert.Equal(t, uint64(1), stats.Created)

	// Free the minute window and drain: the deferred signal becomes an order.
	f.manager.mu.Lock()
	f.manager.minuteWindow = nil
	f.manager.mu.Unlock()
	f.manager.drainDeferred()

	stats = f.manager.Stats()
	assert.Equal(t, uint64(2), stats.Created)
	assert.Zero(t, stats.DeferredQueued)

	msft := f.manager.GetAllOrders("")
	require.Len(t, msft, 2)
	assert.Equal(t, "MSFT", msft[1].Symbol)
}

func TestDrainDropsDeferredDuringEmergencyStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerMinute = 1
	f := newFixture(t, cfg)

	submit(t, f)
	_, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("MSFT", domain.SignalBuy, 10, 400, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	require.ErrorIs(t, err, ErrRateLimited)

	f.risk.TriggerEmergencyStop("halt")
	f.manager.mu.Lock()
	f.manager.minuteWindow = nil
	f.manager.mu.Unlock()
	f.manager.drainDeferred()

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Zero(t, stats.DeferredQueued)
	assert.Equal(t, uint64(1), stats.RejectedEmergency)
}

func TestRoutingFailureRejectsOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.router.submitErr = errors.New("all brokers exhausted")

	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	assert.ErrorIs(t, err, ErrExecutionFailure)
	require.NotEmpty(t, id, "the order exists even though routing failed")

	order, ok := f.manager.GetOrderStatus(id)
	require.True(t, ok)
	assert.Equal(t, domain.OrderStatusRejected, order.Status)

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.Created)
	assert.Equal(t, uint64(1), stats.RoutingFailures)
	assert.Zero(t, stats.OpenOrders)
}

func TestHandleFillLifecycle(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := submit(t, f)

	// Partial fill: 30 of 66 at 150.
	require.NoError(t, f.manager.handleOrderFilled(context.Background(),
		fillEvent(id, "AAPL", domain.SideBuy, 30, 150, 0.5)))

	order, _ := f.manager.GetOrderStatus(id)
	assert.Equal(t, domain.OrderStatusPartiallyFilled, order.Status)
	assert.InDelta(t, 30, order.FilledQty, 1e-9)
	assert.InDelta(t, 150, order.AvgFillPrice, 1e-9)

	// Completing fill at a different price: VWAP blends the two.
	require.NoError(t, f.manager.handleOrderFilled(context.Background(),
		fillEvent(id, "AAPL", domain.SideBuy, 36, 151, 0.5)))

	order, _ = f.manager.GetOrderStatus(id)
	assert.Equal(t, domain.OrderStatusFilled, order.Status)
	assert.InDelta(t, 66, order.FilledQty, 1e-9)
	assert.InDelta(t, (30*150.0+36*151.0)/66.0, order.AvgFillPrice, 1e-9)
	assert.InDelta(t, 1.0, order.Commission, 1e-9)

	stats := f.manager.Stats()
	assert.Equal(t, uint64(1), stats.Filled)
	assert.Equal(t, uint64(1), stats.PartialFills)
	assert.Zero(t, stats.OpenOrders)

	// Both fills were attributed to the single contributing strategy.
	calls := f.listener.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, "s1", calls[0].strategyID)
	assert.InDelta(t, 30, calls[0].fill.Quantity, 1e-9)
	assert.InDelta(t, 36, calls[1].fill.Quantity, 1e-9)
}

func TestFillForUnknownOrderDropped(t *testing.T) {
	f := newFixture(t, DefaultConfig())

	require.NoError(t, f.manager.handleOrderFilled(context.Background(),
		fillEvent("ORD_ffffffffffff", "AAPL", domain.SideBuy, 10, 150, 0)))

	assert.Equal(t, uint64(1), f.manager.Stats().DroppedFills)
	assert.Empty(t, f.risk.EmergencyCalls())
	assert.Empty(t, f.listener.Calls())
}

func TestFillOnTerminalOrderDropped(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := submit(t, f)
	require.True(t, f.manager.Cancel(context.Background(), id))

	require.NoError(t, f.manager.handleOrderFilled(context.Background(),
		fillEvent(id, "AAPL", domain.SideBuy, 10, 150, 0)))

	order, _ := f.manager.GetOrderStatus(id)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Zero(t, order.FilledQty)
	assert.Equal(t, uint64(1), f.manager.Stats().DroppedFills)
}

func TestFillOverrunTriggersEmergencyStop(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := submit(t, f)

	require.NoError(t, f.manager.handleOrderFilled(context.Background(),
		fillEvent(id, "AAPL", domain.SideBuy, 67, 150, 0)))

	order, _ := f.manager.GetOrderStatus(id)
	assert.Zero(t, order.FilledQty, "the overrun fill is dropped, not applied")

	calls := f.risk.EmergencyCalls()
	require.Len(t, calls, 1)
	assert.Contains(t, calls[0], id)
}

func TestFillAttributionSplitsAcrossContributors(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.risk.size = 10

	id, err := f.manager.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 100, "s1", "s2"),
		domain.OrderTypeLimit, domain.TIFDay)
	require.NoError(t, err)

	require.NoError(t, f.manager.handleOrderFilled(context.Background(),
		fillEvent(id, "AAPL", domain.SideBuy, 10, 100, 2)))

	calls := f.listener.Calls()
	require.Len(t, calls, 2)
	for _, call := range calls {
		assert.InDelta(t, 5, call.fill.Quantity, 1e-9)
		assert.InDelta(t, 1, call.fill.Commission, 1e-9)
	}
	assert.Equal(t, "s1", calls[0].strategyID)
	assert.Equal(t, "s2", calls[1].strategyID)
}

func TestCancelOrder(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := submit(t, f)

	assert.True(t, f.manager.Cancel(context.Background(), id))
	order, _ := f.manager.GetOrderStatus(id)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	assert.Equal(t, []string{"BRK-0001"}, f.router.CancelCalls())

	// Terminal orders cannot be cancelled again.
	assert.False(t, f.manager.Cancel(context.Background(), id))
	assert.False(t, f.manager.Cancel(context.Background(), "ORD_missing"))
	assert.Equal(t, uint64(1), f.manager.Stats().Cancelled)
}

func TestCancelRefusedByBroker(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	f.router.cancelOK = false
	id := submit(t, f)

	assert.False(t, f.manager.Cancel(context.Background(), id))
	order, _ := f.manager.GetOrderStatus(id)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
}

func TestCancelOpenOrders(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	first := submit(t, f)
	second := submit(t, f)
	third := submit(t, f)
	require.NoError(t, f.manager.handleOrderFilled(context.Background(),
		fillEvent(third, "AAPL", domain.SideBuy, 66, 150, 0)))

	assert.Equal(t, 2, f.manager.CancelOpenOrders(context.Background()))

	for _, id := range []string{first, second} {
		order, _ := f.manager.GetOrderStatus(id)
		assert.Equal(t, domain.OrderStatusCancelled, order.Status)
	}
	filled, _ := f.manager.GetOrderStatus(third)
	assert.Equal(t, domain.OrderStatusFilled, filled.Status)
}

func TestExpireStaleOrders(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OrderTimeout = 30 * time.Minute
	f := newFixture(t, cfg)
	stale := submit(t, f)
	fresh := submit(t, f)

	f.manager.mu.Lock()
	f.manager.orders[stale].CreatedAt = time.Now().Add(-2 * time.Hour)
	f.manager.mu.Unlock()

	f.manager.expireStaleOrders()

	staleOrder, _ := f.manager.GetOrderStatus(stale)
	assert.Equal(t, domain.OrderStatusCancelled, staleOrder.Status)
	freshOrder, _ := f.manager.GetOrderStatus(fresh)
	assert.Equal(t, domain.OrderStatusSubmitted, freshOrder.Status)
	assert.Equal(t, uint64(1), f.manager.Stats().Expired)
}

func TestGetAllOrdersFilters(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	first := submit(t, f)
	submit(t, f)
	require.True(t, f.manager.Cancel(context.Background(), first))

	all := f.manager.GetAllOrders("")
	require.Len(t, all, 2)
	assert.Equal(t, first, all[0].OrderID, "oldest first")

	cancelled := f.manager.GetAllOrders(domain.OrderStatusCancelled)
	require.Len(t, cancelled, 1)
	assert.Equal(t, first, cancelled[0].OrderID)

	assert.Empty(t, f.manager.GetAllOrders(domain.OrderStatusFilled))
}

func TestEmergencyStopEventCancelsOpenOrders(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	id := submit(t, f)

	require.NoError(t, f.manager.handleEmergencyStop(context.Background(),
		events.New("risk_manager", &events.EmergencyStopData{Reason: "halt", Active: true})))

	order, _ := f.manager.GetOrderStatus(id)
	assert.Equal(t, domain.OrderStatusCancelled, order.Status)

	// The reset event does not touch orders.
	second := submit(t, f)
	require.NoError(t, f.manager.handleEmergencyStop(context.Background(),
		events.New("risk_manager", &events.EmergencyStopData{Active: false})))
	order, _ = f.manager.GetOrderStatus(second)
	assert.Equal(t, domain.OrderStatusSubmitted, order.Status)
}

func TestOrderEventsPublished(t *testing.T) {
	bus := newTestBus(t)
	risk := &fakeRisk{size: 10}
	m := NewManager(DefaultConfig(), bus, risk, nil, zerolog.Nop())
	m.SetPortfolioView(&staticPortfolio{summary: domain.PortfolioSummary{Cash: 100_000, TotalValue: 100_000}})
	m.SetRouter(&fakeRouter{cancelOK: true})

	var mu sync.Mutex
	var created []string
	var transitions []string
	bus.Subscribe(events.OrderCreated, "recorder", func(ctx context.Context, e *events.Event) error {
		data := e.Data.(*events.OrderCreatedData)
		mu.Lock()
		created = append(created, data.OrderID)
		mu.Unlock()
		return nil
	})
	bus.Subscribe(events.OrderStatusChanged, "recorder", func(ctx context.Context, e *events.Event) error {
		data := e.Data.(*events.OrderStatusChangedData)
		mu.Lock()
		transitions = append(transitions, data.OldStatus+">"+data.NewStatus)
		mu.Unlock()
		return nil
	})

	id, err := m.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(created) == 1 && len(transitions) == 1
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	assert.Equal(t, id, created[0])
	assert.Equal(t, "PENDING>SUBMITTED", transitions[0])
	mu.Unlock()
}

func TestFillBridgePublishesOnBus(t *testing.T) {
	bus := newTestBus(t)
	risk := &fakeRisk{size: 10}
	m := NewManager(DefaultConfig(), bus, risk, nil, zerolog.Nop())
	m.SetPortfolioView(&staticPortfolio{summary: domain.PortfolioSummary{Cash: 100_000, TotalValue: 100_000}})
	m.SetRouter(&fakeRouter{cancelOK: true})
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(context.Background()) })

	id, err := m.SubmitFromSignal(context.Background(),
		aggregated("AAPL", domain.SignalBuy, 10, 150, "s1"),
		domain.OrderTypeLimit, domain.TIFDay)
	require.NoError(t, err)

	// The bridge is what broker adapters call; the manager's own
	// subscription picks the fill up off the bus.
	bridge := m.FillBridge()
	bridge(domain.Fill{
		Timestamp:  time.Now().UTC(),
		FillID:     id + "-fill",
		OrderID:    id,
		Symbol:     "AAPL",
		Side:       domain.SideBuy,
		Quantity:   10,
		Price:      150,
		Commission: 1,
	})

	assert.Eventually(t, func() bool {
		order, ok := m.GetOrderStatus(id)
		return ok && order.Status == domain.OrderStatusFilled
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartStopLifecycle(t *testing.T) {
	f := newFixture(t, DefaultConfig())
	require.NoError(t, f.manager.Start())
	assert.Error(t, f.manager.Start(), "double start is rejected")
	require.NoError(t, f.manager.Stop(context.Background()))
	assert.NoError(t, f.manager.Stop(context.Background()), "stop is idempotent")
}
