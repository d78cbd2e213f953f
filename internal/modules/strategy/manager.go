package strategy

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

const (
	// maxStrategyErrors bounds the per-strategy rolling error list.
	maxStrategyErrors = 100
	// maxTradeSamples bounds the per-strategy realized P&L series used
	// for the trade-based Sharpe estimate.
	maxTradeSamples = 256

	defaultWeight        = 0.1
	defaultCapitalShare  = 0.2
	defaultRiskLimit     = 0.02
	rebalanceOldFraction = 0.7
	rebalanceNewFraction = 0.3
	scoreFloor           = 0.1
)

// Config tunes the manager's coordination behaviour.
type Config struct {
	TotalCapital       float64
	MaxPortfolioRisk   float64
	Method             domain.AggregationMethod
	Conflict           domain.ConflictResolutionMode
	StrategyTimeout    time.Duration
	RebalanceFrequency time.Duration
	DynamicAllocation  bool
	OrderType          domain.OrderType
	TIF                domain.TimeInForce
}

// DefaultConfig returns the coordination defaults used when no
// configuration is supplied.
func DefaultConfig() Config {
	return Config{
		TotalCapital:       100_000,
		MaxPortfolioRisk:   0.02,
		Method:             domain.AggregateWeightedAverage,
		Conflict:           domain.ConflictHighestConfidence,
		StrategyTimeout:    5 * time.Second,
		RebalanceFrequency: time.Hour,
		DynamicAllocation:  true,
		OrderType:          domain.OrderTypeLimit,
		TIF:                domain.TIFDay,
	}
}

// OrderSubmitter receives the aggregated intent. The order manager
// implements it; tests substitute a recorder.
type OrderSubmitter interface {
	SubmitFromSignal(ctx context.Context, signal domain.AggregatedSignal, orderType domain.OrderType, tif domain.TimeInForce) (string, error)
}

// CapacitySource reports the portfolio's current absolute position
// exposure. Used for the remaining-capacity sizing bound; nil means an
// empty portfolio.
type CapacitySource interface {
	AbsPositionsValue() float64
}

// StrategyError is one entry in a strategy's rolling error list.
type StrategyError struct {
	Timestamp time.Time `json:"timestamp"`
	Stage     string    `json:"stage"`
	Message   string    `json:"message"`
}

// StrategyInfo is the per-strategy introspection view served by the API.
type StrategyInfo struct {
	ID          string                     `json:"id"`
	Name        string                     `json:"name"`
	State       domain.StrategyState       `json:"state"`
	Group       string                     `json:"group,omitempty"`
	Symbols     []string                   `json:"symbols"`
	Allocation  domain.StrategyAllocation  `json:"allocation"`
	Performance domain.StrategyPerformance `json:"performance"`
	LastErrors  []StrategyError            `json:"last_errors,omitempty"`
}

// Stats aggregates manager-level counters.
type Stats struct {
	Registered       int    `json:"registered"`
	Active           int    `json:"active"`
	SignalsCollected uint64 `json:"signals_collected"`
	SignalsEmitted   uint64 `json:"signals_emitted"`
	DispatchErrors   uint64 `json:"dispatch_errors"`
	DispatchTimeouts uint64 `json:"dispatch_timeouts"`
	Rebalances       uint64 `json:"rebalances"`
}

// lot is the manager's own cost-basis record per strategy and symbol,
// kept to attribute realized P&L back to the emitting strategy.
type lot struct {
	qty     float64
	avgCost float64
}

type strategyEntry struct {
	strategy    domain.Strategy
	allocation  domain.StrategyAllocation
	performance domain.StrategyPerformance
	state       domain.StrategyState
	group       string
	errors      []StrategyError

	lots       map[string]*lot
	tradePnLs  []float64
	grossWins  float64
	grossLoss  float64
	peakPnL    float64
	cumPnL     float64

	// dispatchMu serializes OnMarketData per strategy so each strategy
	// observes its events in arrival order.
	dispatchMu sync.Mutex
}

// Manager owns strategy registration, state machines, market data fan-out,
// signal aggregation, and performance-driven re-weighting.
type Manager struct {
	cfg Config
	bus *events.Bus
	agg *Aggregator
	log zerolog.Logger

	capacity CapacitySource
	orders   OrderSubmitter

	mu      sync.Mutex
	entries map[string]*strategyEntry
	groups  map[string][]string

	pendingMu sync.Mutex
	pending   map[string][]inputSignal

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
	subID    string

	stats struct {
		sync.Mutex
		collected uint64
		emitted   uint64
		errors    uint64
		timeouts  uint64
		rebalance uint64
	}
}

// NewManager builds the manager. The order submitter is wired afterwards
// via SetOrderSubmitter because the order manager is constructed later in
// the dependency chain.
func NewManager(cfg Config, bus *events.Bus, capacity CapacitySource, log zerolog.Logger) *Manager {
	l := log.With().Str("component", "strategy_manager").Logger()
	return &Manager{
		cfg:      cfg,
		bus:      bus,
		agg:      NewAggregator(cfg.Method, cfg.Conflict, cfg.TotalCapital, cfg.MaxPortfolioRisk, l),
		log:      l,
		capacity: capacity,
		entries:  make(map[string]*strategyEntry),
		groups:   make(map[string][]string),
		pending:  make(map[string][]inputSignal),
		stopChan: make(chan struct{}),
	}
}

// SetOrderSubmitter wires the downstream order pipeline. Must be called
// before Start; aggregated signals with no submitter are logged and dropped.
func (m *Manager) SetOrderSubmitter(orders OrderSubmitter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders = orders
}

// Register adds a strategy under an optional allocation. A nil allocation
// gets the defaults: weight 0.1, max capital 20% of total capital, risk
// limit 2%, priority equal to the current strategy count.
func (m *Manager) Register(strategy domain.Strategy, alloc *domain.StrategyAllocation) (string, error) {
	id := strategy.ID()
	if id == "" {
		return "", fmt.Errorf("strategy has no id")
	}

	m.mu.Lock()
	if _, exists := m.entries[id]; exists {
		m.mu.Unlock()
		return "", fmt.Errorf("strategy %s already registered", id)
	}

	var allocation domain.StrategyAllocation
	if alloc != nil {
		allocation = *alloc
	} else {
		allocation = domain.StrategyAllocation{
			Weight:     defaultWeight,
			MaxCapital: defaultCapitalShare * m.cfg.TotalCapital,
			RiskLimit:  defaultRiskLimit,
			Priority:   len(m.entries),
			Active:     true,
		}
	}
	allocation.StrategyID = id
	if allocation.PerformanceWeight <= 0 {
		allocation.PerformanceWeight = 1.0
	}

	m.entries[id] = &strategyEntry{
		strategy:    strategy,
		allocation:  allocation,
		state:       domain.StrategyRegistered,
		lots:        make(map[string]*lot),
		performance: domain.StrategyPerformance{StrategyID: id},
	}
	m.mu.Unlock()

	m.publishTransition(id, "", domain.StrategyRegistered, "")
	m.log.Info().
		Str("strategy_id", id).
		Str("name", strategy.Name()).
		Float64("weight", allocation.Weight).
		Int("priority", allocation.Priority).
		Msg("Strategy registered")
	return id, nil
}

// StartStrategy transitions Registered/Stopped/Error into Active through
// Starting, running the strategy's Initialize under the dispatch timeout.
func (m *Manager) StartStrategy(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s not found", id)
	}
	switch e.state {
	case domain.StrategyActive, domain.StrategyStarting, domain.StrategyStopping:
		state := e.state
		m.mu.Unlock()
		return fmt.Errorf("strategy %s cannot start from state %s", id, state)
	}
	old := e.state
	e.state = domain.StrategyStarting
	m.mu.Unlock()
	m.publishTransition(id, old, domain.StrategyStarting, "")

	ictx, cancel := context.WithTimeout(ctx, m.cfg.StrategyTimeout)
	defer cancel()
	if err := e.strategy.Initialize(ictx); err != nil {
		m.recordError(e, "start", err)
		m.setState(id, e, domain.StrategyError, err.Error())
		return fmt.Errorf("strategy %s failed to initialize: %w", id, err)
	}

	m.setState(id, e, domain.StrategyActive, "")
	m.log.Info().Str("strategy_id", id).Msg("Strategy started")
	return nil
}

// StopStrategy transitions Active (or Error, for cleanup) to Stopped.
func (m *Manager) StopStrategy(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s not found", id)
	}
	if e.state != domain.StrategyActive && e.state != domain.StrategyError {
		state := e.state
		m.mu.Unlock()
		return fmt.Errorf("strategy %s cannot stop from state %s", id, state)
	}
	old := e.state
	e.state = domain.StrategyStopping
	m.mu.Unlock()
	m.publishTransition(id, old, domain.StrategyStopping, "")

	sctx, cancel := context.WithTimeout(ctx, m.cfg.StrategyTimeout)
	defer cancel()
	if err := e.strategy.Stop(sctx); err != nil {
		m.recordError(e, "stop", err)
		m.setState(id, e, domain.StrategyError, err.Error())
		return fmt.Errorf("strategy %s failed to stop: %w", id, err)
	}

	m.setState(id, e, domain.StrategyStopped, "")
	m.log.Info().Str("strategy_id", id).Msg("Strategy stopped")
	return nil
}

// RestartStrategy stops an active strategy and starts it again. An Error
// strategy restarts directly; this is the only path out of Error.
func (m *Manager) RestartStrategy(ctx context.Context, id string) error {
	m.mu.Lock()
	e, ok := m.entries[id]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("strategy %s not found", id)
	}
	state := e.state
	m.mu.Unlock()

	if state == domain.StrategyActive {
		if err := m.StopStrategy(ctx, id); err != nil {
			return err
		}
	}
	return m.StartStrategy(ctx, id)
}

// StartAll starts every strategy still in Registered state. Individual
// failures are logged and do not stop the sweep.
func (m *Manager) StartAll(ctx context.Context) {
	for _, id := range m.strategyIDs() {
		m.mu.Lock()
		e, ok := m.entries[id]
		startable := ok && e.state == domain.StrategyRegistered
		m.mu.Unlock()
		if !startable {
			continue
		}
		if err := m.StartStrategy(ctx, id); err != nil {
			m.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to start strategy")
		}
	}
}

// StopAll stops every active strategy.
func (m *Manager) StopAll(ctx context.Context) {
	for _, id := range m.strategyIDs() {
		m.mu.Lock()
		e, ok := m.entries[id]
		stoppable := ok && e.state == domain.StrategyActive
		m.mu.Unlock()
		if !stoppable {
			continue
		}
		if err := m.StopStrategy(ctx, id); err != nil {
			m.log.Error().Err(err).Str("strategy_id", id).Msg("Failed to stop strategy")
		}
	}
}

// CreateGroup names a set of strategies and rebalances their weights to an
// equal share of the group weight.
func (m *Manager) CreateGroup(name string, strategyIDs []string, groupWeight float64) error {
	if len(strategyIDs) == 0 {
		return fmt.Errorf("group %s has no members", name)
	}
	if groupWeight <= 0 {
		return fmt.Errorf("group %s weight must be positive, got %.4f", name, groupWeight)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	for _, id := range strategyIDs {
		if _, ok := m.entries[id]; !ok {
			return fmt.Errorf("group %s references unknown strategy %s", name, id)
		}
	}

	share := groupWeight / float64(len(strategyIDs))
	for _, id := range strategyIDs {
		e := m.entries[id]
		e.allocation.Weight = share
		e.group = name
	}
	m.groups[name] = append([]string(nil), strategyIDs...)

	m.log.Info().
		Str("group", name).
		Int("members", len(strategyIDs)).
		Float64("weight_each", share).
		Msg("Strategy group created")
	return nil
}

// Start subscribes to market data and launches the rebalance loop.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("strategy manager already started")
	}
	m.started = true
	m.mu.Unlock()

	m.subID = m.bus.Subscribe(events.MarketDataReceived, "strategy_manager", m.handleMarketData)

	if m.cfg.DynamicAllocation && m.cfg.RebalanceFrequency > 0 {
		m.wg.Add(1)
		go m.rebalanceLoop()
	}

	m.log.Info().
		Str("aggregation", string(m.cfg.Method)).
		Str("conflict", string(m.cfg.Conflict)).
		Bool("dynamic_allocation", m.cfg.DynamicAllocation).
		Msg("Strategy manager started")
	return nil
}

// Stop unsubscribes, halts the rebalance loop, and stops active strategies.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	m.mu.Unlock()

	m.bus.Unsubscribe(m.subID)
	close(m.stopChan)
	m.wg.Wait()

	m.StopAll(ctx)
	m.log.Info().Msg("Strategy manager stopped")
	return nil
}

// handleMarketData fans one tick out to every eligible strategy, buffers
// the returned signals, and aggregates each touched symbol.
func (m *Manager) handleMarketData(ctx context.Context, event *events.Event) error {
	data, ok := event.Data.(*events.MarketDataReceivedData)
	if !ok {
		return nil
	}
	md := data.MarketData

	type target struct {
		id    string
		entry *strategyEntry
	}
	m.mu.Lock()
	targets := make([]target, 0, len(m.entries))
	for id, e := range m.entries {
		if e.state == domain.StrategyActive && e.allocation.Active && watchesSymbol(e.strategy, md.Symbol) {
			targets = append(targets, target{id: id, entry: e})
		}
	}
	m.mu.Unlock()

	if len(targets) == 0 {
		return nil
	}

	type outcome struct {
		id      string
		entry   *strategyEntry
		signals []domain.Signal
		err     error
		timeout bool
	}
	results := make(chan outcome, len(targets))

	for _, tg := range targets {
		go func(tg target) {
			tctx, cancel := context.WithTimeout(ctx, m.cfg.StrategyTimeout)
			defer cancel()

			done := make(chan outcome, 1)
			go func() {
				defer func() {
					if r := recover(); r != nil {
						done <- outcome{err: fmt.Errorf("panic: %v", r)}
					}
				}()
				tg.entry.dispatchMu.Lock()
				defer tg.entry.dispatchMu.Unlock()
				signals, err := tg.entry.strategy.OnMarketData(tctx, md)
				done <- outcome{signals: signals, err: err}
			}()

			select {
			case o := <-done:
				o.id, o.entry = tg.id, tg.entry
				results <- o
			case <-tctx.Done():
				// The strategy goroutine is abandoned; its dispatch mutex
				// keeps a stuck strategy from being re-entered.
				results <- outcome{id: tg.id, entry: tg.entry,
					err: fmt.Errorf("dispatch timed out after %s", m.cfg.StrategyTimeout), timeout: true}
			}
		}(tg)
	}

	touched := make(map[string]struct{})
	for range targets {
		o := <-results
		if o.err != nil {
			// A failing or stuck strategy is parked in Error and excluded
			// from dispatch until it is explicitly restarted. Siblings in
			// this round are unaffected.
			m.recordError(o.entry, "dispatch", o.err)
			m.stats.Lock()
			m.stats.errors++
			if o.timeout {
				m.stats.timeouts++
			}
			m.stats.Unlock()
			m.setState(o.id, o.entry, domain.StrategyError, o.err.Error())
			m.log.Warn().Err(o.err).Str("strategy_id", o.id).Str("symbol", md.Symbol).Msg("Strategy dispatch failed")
			continue
		}
		for _, sig := range o.signals {
			m.bufferSignal(o.id, o.entry, sig, event)
			touched[sig.Symbol] = struct{}{}
		}
	}

	for symbol := range touched {
		m.aggregateSymbol(ctx, symbol, event)
	}
	return nil
}

// bufferSignal normalizes a raw signal, records it for aggregation, and
// publishes it for the audit trail.
func (m *Manager) bufferSignal(id string, e *strategyEntry, sig domain.Signal, cause *events.Event) {
	if sig.Symbol == "" {
		m.log.Warn().Str("strategy_id", id).Msg("Dropping signal without symbol")
		return
	}
	sig.Strategy = id
	if sig.Timestamp.IsZero() {
		sig.Timestamp = time.Now().UTC()
	}
	sig.Confidence = clamp(sig.Confidence, 0, 1)

	m.mu.Lock()
	alloc := e.allocation
	perf := e.performance
	e.performance.SignalCount++
	m.mu.Unlock()

	m.pendingMu.Lock()
	m.pending[sig.Symbol] = append(m.pending[sig.Symbol], inputSignal{
		Signal:      sig,
		Allocation:  alloc,
		Performance: perf,
	})
	m.pendingMu.Unlock()

	m.stats.Lock()
	m.stats.collected++
	m.stats.Unlock()

	if err := m.bus.EmitCorrelated("strategy_manager", &events.SignalGeneratedData{Signal: sig}, cause); err != nil {
		m.log.Debug().Err(err).Str("strategy_id", id).Msg("Signal event dropped")
	}
}

// aggregateSymbol drains the pending signals for one symbol and forwards
// the aggregated intent to the order pipeline.
func (m *Manager) aggregateSymbol(ctx context.Context, symbol string, cause *events.Event) {
	m.pendingMu.Lock()
	inputs := m.pending[symbol]
	delete(m.pending, symbol)
	m.pendingMu.Unlock()

	if len(inputs) == 0 {
		return
	}

	var positionsValue float64
	if m.capacity != nil {
		positionsValue = m.capacity.AbsPositionsValue()
	}

	aggregated := m.agg.Aggregate(symbol, inputs, positionsValue)
	if aggregated == nil {
		m.log.Debug().Str("symbol", symbol).Int("signals", len(inputs)).Msg("Aggregation produced no intent")
		return
	}

	m.stats.Lock()
	m.stats.emitted++
	m.stats.Unlock()

	m.mu.Lock()
	orders := m.orders
	m.mu.Unlock()
	if orders == nil {
		m.log.Warn().Str("symbol", symbol).Msg("No order submitter wired, dropping aggregated signal")
		return
	}

	orderID, err := orders.SubmitFromSignal(ctx, *aggregated, m.cfg.OrderType, m.cfg.TIF)
	if err != nil {
		m.log.Warn().Err(err).Str("symbol", symbol).Str("side", string(aggregated.Side)).Msg("Aggregated signal rejected")
		return
	}
	if orderID != "" {
		m.log.Info().
			Str("symbol", symbol).
			Str("side", string(aggregated.Side)).
			Float64("confidence", aggregated.Confidence).
			Str("order_id", orderID).
			Strs("strategies", aggregated.ContributingStrategies).
			Msg("Aggregated signal submitted")
	}
}

// NotifyFill attributes a fill to the emitting strategy: updates the
// manager's per-strategy P&L bookkeeping and forwards the fill to the
// strategy itself. Fills for unknown strategies are logged and dropped.
func (m *Manager) NotifyFill(strategyID string, fill domain.Fill) {
	m.mu.Lock()
	e, ok := m.entries[strategyID]
	if !ok {
		m.mu.Unlock()
		m.log.Debug().Str("strategy", strategyID).Str("order_id", fill.OrderID).Msg("Fill for unknown strategy dropped")
		return
	}
	m.applyFillLocked(e, fill)
	strategy := e.strategy
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StrategyTimeout)
	defer cancel()
	strategy.OnOrderFilled(ctx, fill)
}

// applyFillLocked maintains the per-strategy cost basis and realizes P&L
// on reductions, mirroring the portfolio's own accounting. Caller holds m.mu.
func (m *Manager) applyFillLocked(e *strategyEntry, fill domain.Fill) {
	l, ok := e.lots[fill.Symbol]
	if !ok {
		l = &lot{}
		e.lots[fill.Symbol] = l
	}

	signed := fill.SignedQuantity()
	realized := 0.0
	newQty := l.qty + signed

	switch {
	case l.qty == 0:
		l.avgCost = fill.Price
	case sameSign(l.qty, signed):
		l.avgCost = (l.avgCost*math.Abs(l.qty) + fill.Price*math.Abs(signed)) / math.Abs(newQty)
	default:
		closeQty := math.Min(math.Abs(signed), math.Abs(l.qty))
		direction := 1.0
		if l.qty < 0 {
			direction = -1.0
		}
		realized = closeQty * (fill.Price - l.avgCost) * direction
		if newQty != 0 && !sameSign(l.qty, newQty) {
			// Crossed through zero: fresh opposite leg at the fill price.
			l.avgCost = fill.Price
		}
	}
	l.qty = newQty
	if l.qty == 0 {
		l.avgCost = 0
	}

	p := &e.performance
	if realized != 0 {
		net := realized - fill.Commission
		p.RealizedPnL += net
		p.TradeCount++
		if realized > 0 {
			p.WinCount++
			e.grossWins += realized
		} else {
			p.LossCount++
			e.grossLoss += -realized
		}
		e.tradePnLs = append(e.tradePnLs, net)
		if len(e.tradePnLs) > maxTradeSamples {
			e.tradePnLs = e.tradePnLs[len(e.tradePnLs)-maxTradeSamples:]
		}

		e.cumPnL += net
		if e.cumPnL > e.peakPnL {
			e.peakPnL = e.cumPnL
		}
		if dd := e.peakPnL - e.cumPnL; dd > p.MaxDrawdown {
			p.MaxDrawdown = dd
		}

		if p.WinCount+p.LossCount > 0 {
			p.WinRate = float64(p.WinCount) / float64(p.WinCount+p.LossCount)
		}
		if e.grossLoss > 0 {
			p.ProfitFactor = e.grossWins / e.grossLoss
		}
		if len(e.tradePnLs) >= 2 {
			mean, std := stat.MeanStdDev(e.tradePnLs, nil)
			if std > 0 {
				p.SharpeRatio = mean / std
			}
		}
	}
	p.LastUpdated = time.Now().UTC()
}

// Rebalance recomputes performance weights from realized results:
// score = 0.4·(pnl/total_capital) + 0.3·win_rate + 0.3·max(0, sharpe/3),
// floored at 0.1 and normalized against the mean score, then blended
// 70/30 into the existing weight. Equal scores leave weights untouched.
func (m *Manager) Rebalance() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.entries) == 0 {
		return
	}

	scores := make(map[string]float64, len(m.entries))
	var sum float64
	for id, e := range m.entries {
		p := e.performance
		score := 0.4*(p.RealizedPnL/m.cfg.TotalCapital) + 0.3*p.WinRate + 0.3*max(0, p.SharpeRatio/3)
		if score < scoreFloor {
			score = scoreFloor
		}
		scores[id] = score
		sum += score
	}
	mean := sum / float64(len(m.entries))
	if mean <= 0 {
		return
	}

	for id, e := range m.entries {
		normalized := scores[id] / mean
		e.allocation.PerformanceWeight = rebalanceOldFraction*e.allocation.PerformanceWeight +
			rebalanceNewFraction*normalized
	}

	m.stats.Lock()
	m.stats.rebalance++
	m.stats.Unlock()
	m.log.Debug().Int("strategies", len(m.entries)).Msg("Allocation weights rebalanced")
}

func (m *Manager) rebalanceLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.RebalanceFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.Rebalance()
		case <-m.stopChan:
			return
		}
	}
}

// Allocation returns the current allocation for one strategy.
func (m *Manager) Allocation(id string) (domain.StrategyAllocation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.StrategyAllocation{}, fmt.Errorf("strategy %s not found", id)
	}
	return e.allocation, nil
}

// Performance returns the realized performance for one strategy.
func (m *Manager) Performance(id string) (domain.StrategyPerformance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return domain.StrategyPerformance{}, fmt.Errorf("strategy %s not found", id)
	}
	return e.performance, nil
}

// State returns the lifecycle state for one strategy.
func (m *Manager) State(id string) (domain.StrategyState, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return "", fmt.Errorf("strategy %s not found", id)
	}
	return e.state, nil
}

// Errors returns a copy of the rolling error list for one strategy.
func (m *Manager) Errors(id string) []StrategyError {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[id]
	if !ok {
		return nil
	}
	out := make([]StrategyError, len(e.errors))
	copy(out, e.errors)
	return out
}

// Snapshot returns the introspection view of every registered strategy.
func (m *Manager) Snapshot() []StrategyInfo {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]StrategyInfo, 0, len(m.entries))
	for id, e := range m.entries {
		info := StrategyInfo{
			ID:          id,
			Name:        e.strategy.Name(),
			State:       e.state,
			Group:       e.group,
			Symbols:     e.strategy.Symbols(),
			Allocation:  e.allocation,
			Performance: e.performance,
		}
		if n := len(e.errors); n > 0 {
			start := n - 5
			if start < 0 {
				start = 0
			}
			info.LastErrors = append([]StrategyError(nil), e.errors[start:]...)
		}
		out = append(out, info)
	}
	return out
}

// Stats returns manager-level counters.
func (m *Manager) Stats() Stats {
	m.mu.Lock()
	registered := len(m.entries)
	active := 0
	for _, e := range m.entries {
		if e.state == domain.StrategyActive {
			active++
		}
	}
	m.mu.Unlock()

	m.stats.Lock()
	defer m.stats.Unlock()
	return Stats{
		Registered:       registered,
		Active:           active,
		SignalsCollected: m.stats.collected,
		SignalsEmitted:   m.stats.emitted,
		DispatchErrors:   m.stats.errors,
		DispatchTimeouts: m.stats.timeouts,
		Rebalances:       m.stats.rebalance,
	}
}

func (m *Manager) strategyIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.entries))
	for id := range m.entries {
		ids = append(ids, id)
	}
	return ids
}

func (m *Manager) setState(id string, e *strategyEntry, state domain.StrategyState, reason string) {
	m.mu.Lock()
	old := e.state
	e.state = state
	m.mu.Unlock()
	m.publishTransition(id, old, state, reason)
}

func (m *Manager) publishTransition(id string, old, next domain.StrategyState, reason string) {
	err := m.bus.Emit("strategy_manager", &events.StrategyStatusChangedData{
		Strategy: id,
		OldState: string(old),
		NewState: string(next),
		Reason:   reason,
	})
	if err != nil {
		m.log.Debug().Err(err).Str("strategy_id", id).Msg("Status event dropped")
	}
}

func (m *Manager) recordError(e *strategyEntry, stage string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e.errors = append(e.errors, StrategyError{
		Timestamp: time.Now().UTC(),
		Stage:     stage,
		Message:   err.Error(),
	})
	if len(e.errors) > maxStrategyErrors {
		e.errors = e.errors[len(e.errors)-maxStrategyErrors:]
	}
}

func watchesSymbol(s domain.Strategy, symbol string) bool {
	for _, w := range s.Symbols() {
		if w == symbol {
			return true
		}
	}
	return false
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
