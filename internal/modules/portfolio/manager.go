package portfolio

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
	// historyDays bounds the rolling daily value and return windows
	historyDays = 5 * 365

	// symbolReturnWindow bounds the per-symbol daily return rings that feed
	// volatility estimates
	symbolReturnWindow = 60

	// minVolSamples is how many daily returns a symbol needs before its
	// volatility is reported
	minVolSamples = 10

	// maxTrackedFills bounds the fill dedupe set
	maxTrackedFills = 10000

	dayFormat = "2006-01-02"
)

// Config holds the portfolio manager settings.
type Config struct {
	// InitialCash seeds a fresh portfolio and is the total-return baseline
	InitialCash float64

	// ValuationInterval is the background revaluation period
	ValuationInterval time.Duration

	// PerformanceFrequency is the background performance recompute period
	PerformanceFrequency time.Duration

	// HistoryPath is where the valuation history is saved across restarts;
	// empty keeps it in memory only
	HistoryPath string
}

// symbolTrack carries the per-symbol daily close bookkeeping behind
// volatility estimates.
type symbolTrack struct {
	lastDay   string
	lastClose float64
	returns   []float64
}

// Manager is the authoritative bookkeeper for positions, cash and P&L.
// State changes only through events: fills move positions and cash, market
// data marks held positions, and background loops derive valuations and
// performance. All exported methods are safe for concurrent use.
type Manager struct {
	cfg  Config
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger

	mu          sync.Mutex
	positions   map[string]*domain.Position
	lastPrices  map[string]float64
	cash        float64
	realizedPnL float64

	appliedFills map[string]struct{}
	fillOrder    []string

	currentDay   string
	dailyValues  []float64
	dailyReturns []float64
	peakValue    float64
	currentDD    float64
	maxDD        float64

	symbols map[string]*symbolTrack

	performance *domain.PerformanceMetrics

	fillSub  string
	tickSub  string
	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
}

// NewManager creates a portfolio manager. With a repository it restores
// positions, cash and realized P&L from portfolio.db; otherwise it starts
// from the configured initial cash. A saved valuation history is reloaded
// when HistoryPath points at one.
func NewManager(cfg Config, repo *Repository, bus *events.Bus, log zerolog.Logger) (*Manager, error) {
	if cfg.InitialCash <= 0 {
		return nil, fmt.Errorf("initial cash must be positive, got %.2f", cfg.InitialCash)
	}
	if cfg.ValuationInterval <= 0 {
		cfg.ValuationInterval = 60 * time.Second
	}
	if cfg.PerformanceFrequency <= 0 {
		cfg.PerformanceFrequency = 5 * time.Minute
	}

	m := &Manager{
		cfg:          cfg,
		repo:         repo,
		bus:          bus,
		log:          log.With().Str("component", "portfolio_manager").Logger(),
		positions:    make(map[string]*domain.Position),
		lastPrices:   make(map[string]float64),
		appliedFills: make(map[string]struct{}),
		symbols:      make(map[string]*symbolTrack),
		cash:         cfg.InitialCash,
	}

	if repo != nil {
		if err := m.restore(); err != nil {
			return nil, err
		}
	}
	if cfg.HistoryPath != "" {
		if err := m.loadHistory(cfg.HistoryPath); err != nil {
			m.log.Warn().Err(err).Str("path", cfg.HistoryPath).Msg("No valuation history restored")
		}
	}

	return m, nil
}

// restore loads persisted account state and positions.
func (m *Manager) restore() error {
	cash, realized, ok, err := m.repo.LoadAccount()
	if err != nil {
		return err
	}
	if ok {
		m.cash = cash
		m.realizedPnL = realized
	} else if err := m.repo.SaveAccount(m.cash, 0); err != nil {
		return err
	}

	positions, err := m.repo.GetPositions()
	if err != nil {
		return err
	}
	for i := range positions {
		pos := positions[i]
		m.positions[pos.Symbol] = &pos
		if pos.CurrentPrice > 0 {
			m.lastPrices[pos.Symbol] = pos.CurrentPrice
		}
	}

	if len(positions) > 0 || ok {
		m.log.Info().
			Float64("cash", m.cash).
			Int("positions", len(positions)).
			Msg("Portfolio state restored")
	}
	return nil
}

// Start subscribes to fills and market data and launches the valuation and
// performance loops.
func (m *Manager) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("portfolio manager already started")
	}
	m.started = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.fillSub = m.bus.Subscribe(events.OrderFilled, "portfolio_manager", m.handleOrderFilled)
	m.tickSub = m.bus.Subscribe(events.MarketDataReceived, "portfolio_manager", m.handleMarketData)

	m.wg.Add(2)
	go m.valuationLoop()
	go m.performanceLoop()

	m.log.Info().
		Dur("valuation_interval", m.cfg.ValuationInterval).
		Dur("performance_frequency", m.cfg.PerformanceFrequency).
		Float64("cash", m.Summary().Cash).
		Msg("Portfolio manager started")
	return nil
}

// Stop halts the loops, persists the valuation history and writes the final
// account state.
func (m *Manager) Stop() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopChan)
	m.mu.Unlock()

	m.bus.Unsubscribe(m.fillSub)
	m.bus.Unsubscribe(m.tickSub)
	m.wg.Wait()

	if m.cfg.HistoryPath != "" {
		if err := m.saveHistory(m.cfg.HistoryPath); err != nil {
			m.log.Warn().Err(err).Msg("Failed to save valuation history")
		}
	}
	if m.repo != nil {
		m.mu.Lock()
		cash, realized := m.cash, m.realizedPnL
		m.mu.Unlock()
		if err := m.repo.SaveAccount(cash, realized); err != nil {
			m.log.Warn().Err(err).Msg("Failed to persist account on stop")
		}
	}

	m.log.Info().Msg("Portfolio manager stopped")
	return nil
}

// handleOrderFilled applies one fill to positions and cash. Duplicate
// deliveries of the same fill id are ignored so bus retries cannot
// double-book.
func (m *Manager) handleOrderFilled(ctx context.Context, event *events.Event) error {
	data, ok := event.Data.(*events.OrderFilledData)
	if !ok {
		return fmt.Errorf("unexpected payload %T for order filled event", event.Data)
	}
	return m.ApplyFill(data.Fill)
}

// ApplyFill books a fill: weighted-average cost on adds, realized P&L on
// reductions, and a fresh cost basis when the position crosses through
// zero. Cash always moves by signed_qty*price plus commission.
func (m *Manager) ApplyFill(fill domain.Fill) error {
	if fill.Quantity <= 0 || fill.Price <= 0 {
		return fmt.Errorf("invalid fill %s: qty=%.4f price=%.4f", fill.FillID, fill.Quantity, fill.Price)
	}

	ts := fill.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	m.mu.Lock()
	if fill.FillID != "" {
		if _, seen := m.appliedFills[fill.FillID]; seen {
			m.mu.Unlock()
			m.log.Debug().Str("fill_id", fill.FillID).Msg("Duplicate fill ignored")
			return nil
		}
		m.trackFillLocked(fill.FillID)
	}

	signedQty := fill.SignedQuantity()
	pos, held := m.positions[fill.Symbol]
	oldQty := 0.0
	if held {
		oldQty = pos.Quantity
	} else {
		pos = &domain.Position{Symbol: fill.Symbol, FirstAcquiredAt: ts}
		m.positions[fill.Symbol] = pos
	}

	newQty := oldQty + signedQty
	realizedDelta := 0.0

	switch {
	case oldQty == 0 || sameSign(oldQty, signedQty):
		// Opening or adding: weighted-average cost.
		totalQty := math.Abs(oldQty) + math.Abs(signedQty)
		pos.AvgCost = (math.Abs(oldQty)*pos.AvgCost + math.Abs(signedQty)*fill.Price) / totalQty
	case math.Abs(signedQty) <= math.Abs(oldQty):
		// Reducing (possibly to zero): realize against the average cost,
		// sign flipped for shorts.
		closed := math.Abs(signedQty)
		realizedDelta = closed * (fill.Price - pos.AvgCost) * direction(oldQty)
	default:
		// Crossing zero: realize the whole old leg, open the remainder at
		// the fill price.
		closed := math.Abs(oldQty)
		realizedDelta = closed * (fill.Price - pos.AvgCost) * direction(oldQty)
		pos.AvgCost = fill.Price
		pos.FirstAcquiredAt = ts
	}

	pos.Quantity = newQty
	pos.RealizedPnL += realizedDelta
	m.realizedPnL += realizedDelta
	m.cash -= signedQty*fill.Price + fill.Commission
	m.lastPrices[fill.Symbol] = fill.Price
	pos.MarkToMarket(fill.Price, ts)

	removed := false
	if newQty == 0 {
		delete(m.positions, fill.Symbol)
		removed = true
	}

	cash, realized := m.cash, m.realizedPnL
	persistPos := *pos
	valuation := m.revalueLocked(time.Now().UTC())
	m.mu.Unlock()

	if cash < 0 {
		m.log.Warn().
			Float64("cash", cash).
			Str("fill_id", fill.FillID).
			Msg("Cash went negative, broker margin assumed")
	}

	if m.repo != nil {
		if err := m.repo.ApplyFillState(&persistPos, removed, cash, realized); err != nil {
			m.log.Error().Err(err).Str("symbol", fill.Symbol).Msg("Failed to persist fill state")
		}
	}

	m.log.Info().
		Str("symbol", fill.Symbol).
		Str("fill_id", fill.FillID).
		Float64("old_qty", oldQty).
		Float64("new_qty", newQty).
		Float64("price", fill.Price).
		Float64("realized_delta", realizedDelta).
		Float64("cash", cash).
		Msg("Fill applied")

	m.emit(&events.PositionChangedData{
		Symbol:      fill.Symbol,
		Reason:      "fill",
		OldQuantity: oldQty,
		NewQuantity: newQty,
		Price:       fill.Price,
	})
	m.emit(valuation)
	return nil
}

// handleMarketData refreshes last prices, marks held positions to market
// and feeds the per-symbol daily return series.
func (m *Manager) handleMarketData(ctx context.Context, event *events.Event) error {
	data, ok := event.Data.(*events.MarketDataReceivedData)
	if !ok {
		return fmt.Errorf("unexpected payload %T for market data event", event.Data)
	}
	m.UpdatePrice(data.MarketData)
	return nil
}

// UpdatePrice applies one tick to the price map and any held position.
func (m *Manager) UpdatePrice(md domain.MarketData) {
	if md.Close <= 0 {
		return
	}
	ts := md.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.lastPrices[md.Symbol] = md.Close
	if pos, held := m.positions[md.Symbol]; held {
		pos.MarkToMarket(md.Close, ts)
	}

	m.trackSymbolCloseLocked(md.Symbol, md.Close, ts)
}

// trackSymbolCloseLocked records daily closes per symbol; a day rollover
// seals one daily return. Caller holds m.mu.
func (m *Manager) trackSymbolCloseLocked(symbol string, close float64, ts time.Time) {
	day := ts.UTC().Format(dayFormat)
	track, ok := m.symbols[symbol]
	if !ok {
		m.symbols[symbol] = &symbolTrack{lastDay: day, lastClose: close}
		return
	}

	if track.lastDay != day && track.lastClose > 0 {
		track.returns = append(track.returns, close/track.lastClose-1)
		if len(track.returns) > symbolReturnWindow {
			track.returns = track.returns[len(track.returns)-symbolReturnWindow:]
		}
	}
	track.lastDay = day
	track.lastClose = close
}

// valuationLoop revalues the portfolio on the configured interval.
func (m *Manager) valuationLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.ValuationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunValuation()
		case <-m.stopChan:
			return
		}
	}
}

// performanceLoop recomputes performance metrics on the configured period.
func (m *Manager) performanceLoop() {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.PerformanceFrequency)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.RunPerformance()
		case <-m.stopChan:
			return
		}
	}
}

// RunValuation performs one valuation pass and publishes the result.
func (m *Manager) RunValuation() {
	m.mu.Lock()
	valuation := m.revalueLocked(time.Now().UTC())
	m.mu.Unlock()

	m.emit(valuation)
}

// revalueLocked refreshes market values, rolls the daily value and return
// windows, updates drawdowns and builds the valuation event payload.
// Caller holds m.mu.
func (m *Manager) revalueLocked(now time.Time) *events.PortfolioValueUpdatedData {
	positionsValue := 0.0
	unrealized := 0.0
	for _, pos := range m.positions {
		if price, ok := m.lastPrices[pos.Symbol]; ok && price > 0 && price != pos.CurrentPrice {
			pos.MarkToMarket(price, now)
		}
		positionsValue += pos.MarketValue
		unrealized += pos.UnrealizedPnL
	}

	total := m.cash + positionsValue

	day := now.Format(dayFormat)
	switch {
	case m.currentDay == "":
		m.currentDay = day
		m.dailyValues = append(m.dailyValues, total)
	case day == m.currentDay:
		m.dailyValues[len(m.dailyValues)-1] = total
	default:
		// Day rollover: seal yesterday's return, open today.
		if n := len(m.dailyValues); n >= 2 && m.dailyValues[n-2] > 0 {
			m.dailyReturns = append(m.dailyReturns, m.dailyValues[n-1]/m.dailyValues[n-2]-1)
			if len(m.dailyReturns) > historyDays {
				m.dailyReturns = m.dailyReturns[len(m.dailyReturns)-historyDays:]
			}
		}
		m.currentDay = day
		m.dailyValues = append(m.dailyValues, total)
		if len(m.dailyValues) > historyDays {
			m.dailyValues = m.dailyValues[len(m.dailyValues)-historyDays:]
		}
	}

	if total > m.peakValue {
		m.peakValue = total
	}
	if m.peakValue > 0 {
		m.currentDD = (m.peakValue - total) / m.peakValue
	}
	if m.currentDD > m.maxDD {
		m.maxDD = m.currentDD
	}

	payload := &events.PortfolioValueUpdatedData{
		TotalValue:     total,
		Cash:           m.cash,
		PositionsValue: positionsValue,
		RealizedPnL:    m.realizedPnL,
		UnrealizedPnL:  unrealized,
		TotalReturn:    total/m.cfg.InitialCash - 1,
	}
	if n := len(m.dailyValues); n >= 2 && m.dailyValues[n-2] > 0 {
		running := total/m.dailyValues[n-2] - 1
		payload.DailyReturn = &running
	}
	return payload
}

// RunPerformance recomputes performance metrics when enough daily returns
// have accumulated.
func (m *Manager) RunPerformance() {
	m.mu.Lock()
	returns := append([]float64(nil), m.dailyReturns...)
	total := m.currentTotalLocked()
	maxDD, currentDD := m.maxDD, m.currentDD
	m.mu.Unlock()

	metrics, ok := computePerformance(returns, total, m.cfg.InitialCash, maxDD, currentDD)
	if !ok {
		m.log.Debug().Int("returns", len(returns)).Msg("Not enough history for performance metrics")
		return
	}

	m.mu.Lock()
	m.performance = metrics
	m.mu.Unlock()

	m.log.Info().
		Float64("total_return", metrics.TotalReturn).
		Float64("sharpe", metrics.SharpeRatio).
		Float64("max_drawdown", metrics.MaxDrawdown).
		Int("days", metrics.DaysTracked).
		Msg("Performance metrics updated")
}

// SnapshotNow persists one valuation row. The daily schedule calls this.
func (m *Manager) SnapshotNow() error {
	if m.repo == nil {
		return nil
	}

	m.mu.Lock()
	positionsValue := 0.0
	unrealized := 0.0
	for _, pos := range m.positions {
		positionsValue += pos.MarketValue
		unrealized += pos.UnrealizedPnL
	}
	snap := Snapshot{
		SnapshotAt:     time.Now().UTC(),
		Cash:           m.cash,
		PositionsValue: positionsValue,
		TotalValue:     m.cash + positionsValue,
		RealizedPnL:    m.realizedPnL,
		UnrealizedPnL:  unrealized,
	}
	if n := len(m.dailyReturns); n > 0 {
		v := m.dailyReturns[n-1]
		snap.DailyReturn = &v
	}
	m.mu.Unlock()

	if err := m.repo.InsertSnapshot(snap); err != nil {
		return err
	}
	m.log.Info().Float64("total_value", snap.TotalValue).Msg("Portfolio snapshot written")
	return nil
}

// Summary implements the portfolio view consumed by the order pipeline.
func (m *Manager) Summary() domain.PortfolioSummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	positions := make(map[string]domain.Position, len(m.positions))
	positionsValue := 0.0
	unrealized := 0.0
	for symbol, pos := range m.positions {
		positions[symbol] = *pos
		positionsValue += pos.MarketValue
		unrealized += pos.UnrealizedPnL
	}
	total := m.cash + positionsValue

	return domain.PortfolioSummary{
		Timestamp:       time.Now().UTC(),
		Positions:       positions,
		InitialCash:     m.cfg.InitialCash,
		Cash:            m.cash,
		PositionsValue:  positionsValue,
		TotalValue:      total,
		RealizedPnL:     m.realizedPnL,
		UnrealizedPnL:   unrealized,
		TotalReturn:     total/m.cfg.InitialCash - 1,
		PeakValue:       m.peakValue,
		CurrentDrawdown: m.currentDD,
		MaxDrawdown:     m.maxDD,
	}
}

// Position returns one held position by symbol.
func (m *Manager) Position(symbol string) (domain.Position, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pos, ok := m.positions[symbol]
	if !ok {
		return domain.Position{}, false
	}
	return *pos, true
}

// Positions returns a copy of every held position.
func (m *Manager) Positions() []domain.Position {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Position, 0, len(m.positions))
	for _, pos := range m.positions {
		out = append(out, *pos)
	}
	return out
}

// Cash returns the current cash balance.
func (m *Manager) Cash() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cash
}

// RealizedPnL returns the lifetime realized P&L.
func (m *Manager) RealizedPnL() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.realizedPnL
}

// AbsPositionsValue implements the capacity source used by signal sizing:
// the sum of absolute position market values.
func (m *Manager) AbsPositionsValue() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0.0
	for _, pos := range m.positions {
		total += math.Abs(pos.MarketValue)
	}
	return total
}

// DailyReturns implements the returns source consumed by risk metrics. It
// returns up to lookback sealed daily returns, oldest first.
func (m *Manager) DailyReturns(lookback int) []float64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	returns := m.dailyReturns
	if lookback > 0 && len(returns) > lookback {
		returns = returns[len(returns)-lookback:]
	}
	return append([]float64(nil), returns...)
}

// SymbolVolatility implements the volatility source for volatility-adjusted
// sizing: annualized daily-return volatility per symbol.
func (m *Manager) SymbolVolatility(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	track, ok := m.symbols[symbol]
	if !ok || len(track.returns) < minVolSamples {
		return 0, false
	}
	return stat.StdDev(track.returns, nil) * math.Sqrt(tradingDaysPerYear), true
}

// Correlation implements the correlation provider for concentration checks:
// the Pearson correlation of the two symbols' most recent overlapping daily
// returns. Reports false until both symbols have minVolSamples of overlap.
func (m *Manager) Correlation(a, b string) (float64, bool) {
	if a == b {
		return 1, true
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	trackA, okA := m.symbols[a]
	trackB, okB := m.symbols[b]
	if !okA || !okB {
		return 0, false
	}

	n := len(trackA.returns)
	if len(trackB.returns) < n {
		n = len(trackB.returns)
	}
	if n < minVolSamples {
		return 0, false
	}

	// The rings roll one entry per day, so equal-length tails cover the
	// same trading days.
	x := trackA.returns[len(trackA.returns)-n:]
	y := trackB.returns[len(trackB.returns)-n:]
	r := stat.Correlation(x, y, nil)
	if math.IsNaN(r) {
		return 0, false
	}
	return r, true
}

// Performance returns the latest computed metrics, nil before the first
// successful computation.
func (m *Manager) Performance() *domain.PerformanceMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.performance == nil {
		return nil
	}
	copied := *m.performance
	return &copied
}

// currentTotalLocked is the live total value. Caller holds m.mu.
func (m *Manager) currentTotalLocked() float64 {
	total := m.cash
	for _, pos := range m.positions {
		total += pos.MarketValue
	}
	return total
}

// trackFillLocked records a fill id in the dedupe set, evicting the oldest
// entries past the cap. Caller holds m.mu.
func (m *Manager) trackFillLocked(fillID string) {
	m.appliedFills[fillID] = struct{}{}
	m.fillOrder = append(m.fillOrder, fillID)
	if len(m.fillOrder) > maxTrackedFills {
		evict := m.fillOrder[0]
		m.fillOrder = m.fillOrder[1:]
		delete(m.appliedFills, evict)
	}
}

// emit publishes portfolio events; a full queue is logged and dropped, the
// book itself is already updated.
func (m *Manager) emit(data events.EventData) {
	if m.bus == nil || data == nil {
		return
	}
	if err := m.bus.Emit("portfolio_manager", data); err != nil {
		m.log.Warn().Err(err).Str("event_type", string(data.EventType())).Msg("Portfolio event dropped")
	}
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// direction is +1 for long, -1 for short.
func direction(qty float64) float64 {
	if qty < 0 {
		return -1
	}
	return 1
}
