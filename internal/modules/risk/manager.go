// Package risk enforces portfolio limits, sizes positions, and tracks
// drawdowns and return statistics. Violations are values, not errors: a
// failed check comes back typed, lands in the rolling log and on the bus,
// and the caller decides what to do with the trade.
package risk

import (
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

const (
	// maxViolations bounds the rolling in-memory violation log.
	maxViolations = 1000
	// cashBuffer is the safety margin required over the position value on
	// buys, covering commission and slippage.
	cashBuffer = 1.01
	// dustFloor drops orders whose notional is too small to matter.
	dustFloor = 100.0
	// combinedWeightFloor is the minimum combined weight at which a high
	// correlation between two holdings becomes a violation.
	combinedWeightFloor = 0.05

	tradingDaysPerYear = 252
)

// Config tunes limits, sizing, and the metrics window.
type Config struct {
	Limits       domain.RiskLimits
	SizingMethod domain.SizingMethod
	// TargetVol is the annualized volatility target used by the
	// volatility-aware sizing algorithms.
	TargetVol    float64
	LookbackDays int
	RiskFreeRate float64
	// VarConfidence sets the headline value_at_risk metric and the
	// expected-shortfall tail; var_95 and var_99 are always reported.
	VarConfidence float64
	MetricsTTL    time.Duration
}

// DefaultConfig returns the limit set and sizing defaults.
func DefaultConfig() Config {
	return Config{
		Limits:        domain.DefaultRiskLimits(),
		SizingMethod:  domain.SizingFixedFractional,
		TargetVol:     0.15,
		LookbackDays:  tradingDaysPerYear,
		RiskFreeRate:  0.02,
		VarConfidence: 0.95,
		MetricsTTL:    15 * time.Minute,
	}
}

// ReturnsSource supplies the portfolio's daily return series, oldest
// first. The portfolio manager implements it.
type ReturnsSource interface {
	DailyReturns(lookback int) []float64
}

// VolatilitySource supplies per-symbol annualized return volatility.
type VolatilitySource interface {
	SymbolVolatility(symbol string) (float64, bool)
}

// Manager is the risk gate between aggregated signals and the order
// pipeline. All methods are safe for concurrent use.
type Manager struct {
	cfg  Config
	bus  *events.Bus
	repo *ViolationRepository
	log  zerolog.Logger

	sectors      domain.SectorProvider
	correlations domain.CorrelationProvider
	volatility   VolatilitySource
	returns      ReturnsSource

	mu               sync.Mutex
	emergencyActive  bool
	emergencyReason  string
	peakValue        float64
	currentDrawdown  float64
	maxDrawdown      float64
	drawdownBreached bool
	violations       []domain.RiskViolation
	metrics          map[string]float64
	metricsAt        time.Time
}

// NewManager builds a risk manager. The repository may be nil, in which
// case violations live only in memory and on the bus.
func NewManager(cfg Config, bus *events.Bus, repo *ViolationRepository, log zerolog.Logger) *Manager {
	return &Manager{
		cfg:  cfg,
		bus:  bus,
		repo: repo,
		log:  log.With().Str("component", "risk_manager").Logger(),
	}
}

// SetSectorProvider wires the symbol-to-sector mapping. Without one,
// sector exposure checks are skipped.
func (m *Manager) SetSectorProvider(p domain.SectorProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sectors = p
}

// SetCorrelationProvider wires pairwise correlations. Without one,
// correlation checks are skipped.
func (m *Manager) SetCorrelationProvider(p domain.CorrelationProvider) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.correlations = p
}

// SetVolatilitySource wires per-symbol volatility for the sizing
// algorithms that need it.
func (m *Manager) SetVolatilitySource(s VolatilitySource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.volatility = s
}

// SetReturnsSource wires the portfolio daily-return series.
func (m *Manager) SetReturnsSource(s ReturnsSource) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.returns = s
}

// Validate runs the ordered limit checks against a proposed trade and
// returns the first failure as a typed violation. The violation is also
// recorded and published before returning.
func (m *Manager) Validate(signal domain.AggregatedSignal, portfolio domain.PortfolioSummary) (bool, *domain.RiskViolation) {
	limits := m.cfg.Limits
	now := time.Now().UTC()

	m.mu.Lock()
	emergency, reason := m.emergencyActive, m.emergencyReason
	drawdown := m.currentDrawdown
	sectors, correlations := m.sectors, m.correlations
	m.mu.Unlock()

	if emergency {
		return false, m.record(domain.RiskViolation{
			Timestamp: now,
			Kind:      domain.ViolationEmergencyStop,
			Severity:  domain.SeverityCritical,
			Message:   "emergency stop active: " + reason,
			Symbol:    signal.Symbol,
		})
	}

	if drawdown > limits.MaxDrawdown {
		return false, m.record(domain.RiskViolation{
			Timestamp: now,
			Kind:      domain.ViolationDrawdownLimit,
			Severity:  domain.GradeSeverity(drawdown, limits.MaxDrawdown),
			Message:   fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", drawdown*100, limits.MaxDrawdown*100),
			Symbol:    signal.Symbol,
			Current:   drawdown,
			Limit:     limits.MaxDrawdown,
		})
	}

	proposed := proposedValue(signal)
	pv := portfolio.TotalValue

	if pv > 0 && proposed > 0 {
		if frac := proposed / pv; frac > limits.MaxPositionSize {
			return false, m.record(domain.RiskViolation{
				Timestamp: now,
				Kind:      domain.ViolationPositionSize,
				Severity:  domain.GradeSeverity(frac, limits.MaxPositionSize),
				Message:   fmt.Sprintf("%s position would be %.2f%% of portfolio, limit %.2f%%", signal.Symbol, frac*100, limits.MaxPositionSize*100),
				Symbol:    signal.Symbol,
				Current:   frac,
				Limit:     limits.MaxPositionSize,
			})
		}

		exposure := absPositionsValue(portfolio)
		if frac := (exposure + proposed) / pv; frac > limits.MaxPortfolioExposure {
			return false, m.record(domain.RiskViolation{
				Timestamp: now,
				Kind:      domain.ViolationPortfolioExposure,
				Severity:  domain.GradeSeverity(frac, limits.MaxPortfolioExposure),
				Message:   fmt.Sprintf("exposure after trade would be %.2f%%, limit %.2f%%", frac*100, limits.MaxPortfolioExposure*100),
				Symbol:    signal.Symbol,
				Current:   frac,
				Limit:     limits.MaxPortfolioExposure,
			})
		}

		if correlations != nil {
			for _, sym := range sortedSymbols(portfolio.Positions) {
				pos := portfolio.Positions[sym]
				if sym == signal.Symbol || pos.Quantity == 0 {
					continue
				}
				corr, ok := correlations.Correlation(signal.Symbol, sym)
				if !ok || corr <= limits.MaxCorrelation {
					continue
				}
				combined := (math.Abs(pos.MarketValue) + proposed) / pv
				if combined > combinedWeightFloor {
					return false, m.record(domain.RiskViolation{
						Timestamp: now,
						Kind:      domain.ViolationCorrelationRisk,
						Severity:  domain.GradeSeverity(corr, limits.MaxCorrelation),
						Message:   fmt.Sprintf("%s correlates %.2f with %s at %.2f%% combined weight", signal.Symbol, corr, sym, combined*100),
						Symbol:    signal.Symbol,
						Current:   corr,
						Limit:     limits.MaxCorrelation,
					})
				}
			}
		}

		if sectors != nil {
			if sector, ok := sectors.SectorOf(signal.Symbol); ok {
				sectorValue := proposed
				for sym, pos := range portfolio.Positions {
					if s, known := sectors.SectorOf(sym); known && s == sector {
						sectorValue += math.Abs(pos.MarketValue)
					}
				}
				if frac := sectorValue / pv; frac > limits.MaxSectorExposure {
					return false, m.record(domain.RiskViolation{
						Timestamp: now,
						Kind:      domain.ViolationSectorExposure,
						Severity:  domain.GradeSeverity(frac, limits.MaxSectorExposure),
						Message:   fmt.Sprintf("%s sector exposure after trade would be %.2f%%, limit %.2f%%", sector, frac*100, limits.MaxSectorExposure*100),
						Symbol:    signal.Symbol,
						Current:   frac,
						Limit:     limits.MaxSectorExposure,
					})
				}
			}
		}
	}

	if signal.Side == domain.SignalBuy {
		required := cashBuffer * proposed
		if portfolio.Cash < required {
			return false, m.record(domain.RiskViolation{
				Timestamp: now,
				Kind:      domain.ViolationInsufficientFunds,
				Severity:  domain.GradeSeverity(required, portfolio.Cash),
				Message:   fmt.Sprintf("buy requires %.2f cash, %.2f available", required, portfolio.Cash),
				Symbol:    signal.Symbol,
				Current:   required,
				Limit:     portfolio.Cash,
			})
		}
	}

	return true, nil
}

// CheckPortfolio evaluates the standing portfolio against the limit set
// and returns every breach found. Breaches are recorded and published.
func (m *Manager) CheckPortfolio(portfolio domain.PortfolioSummary) []domain.RiskViolation {
	limits := m.cfg.Limits
	now := time.Now().UTC()

	m.mu.Lock()
	drawdown := m.currentDrawdown
	sectors := m.sectors
	returns := m.returns
	m.mu.Unlock()

	var found []domain.RiskViolation

	if drawdown > limits.MaxDrawdown {
		found = append(found, domain.RiskViolation{
			Timestamp: now,
			Kind:      domain.ViolationDrawdownLimit,
			Severity:  domain.GradeSeverity(drawdown, limits.MaxDrawdown),
			Message:   fmt.Sprintf("drawdown %.2f%% exceeds limit %.2f%%", drawdown*100, limits.MaxDrawdown*100),
			Current:   drawdown,
			Limit:     limits.MaxDrawdown,
		})
	}

	if pv := portfolio.TotalValue; pv > 0 {
		for _, sym := range sortedSymbols(portfolio.Positions) {
			pos := portfolio.Positions[sym]
			if frac := math.Abs(pos.MarketValue) / pv; frac > limits.MaxPositionSize {
				found = append(found, domain.RiskViolation{
					Timestamp: now,
					Kind:      domain.ViolationPositionSize,
					Severity:  domain.GradeSeverity(frac, limits.MaxPositionSize),
					Message:   fmt.Sprintf("%s holds %.2f%% of portfolio, limit %.2f%%", sym, frac*100, limits.MaxPositionSize*100),
					Symbol:    sym,
					Current:   frac,
					Limit:     limits.MaxPositionSize,
				})
			}
		}

		if frac := absPositionsValue(portfolio) / pv; frac > limits.MaxPortfolioExposure {
			found = append(found, domain.RiskViolation{
				Timestamp: now,
				Kind:      domain.ViolationPortfolioExposure,
				Severity:  domain.GradeSeverity(frac, limits.MaxPortfolioExposure),
				Message:   fmt.Sprintf("exposure is %.2f%%, limit %.2f%%", frac*100, limits.MaxPortfolioExposure*100),
				Current:   frac,
				Limit:     limits.MaxPortfolioExposure,
			})
		}

		if sectors != nil {
			bySector := make(map[string]float64)
			for sym, pos := range portfolio.Positions {
				if sector, ok := sectors.SectorOf(sym); ok {
					bySector[sector] += math.Abs(pos.MarketValue)
				}
			}
			sectorNames := make([]string, 0, len(bySector))
			for sector := range bySector {
				sectorNames = append(sectorNames, sector)
			}
			sort.Strings(sectorNames)
			for _, sector := range sectorNames {
				if frac := bySector[sector] / pv; frac > limits.MaxSectorExposure {
					found = append(found, domain.RiskViolation{
						Timestamp: now,
						Kind:      domain.ViolationSectorExposure,
						Severity:  domain.GradeSeverity(frac, limits.MaxSectorExposure),
						Message:   fmt.Sprintf("%s sector holds %.2f%%, limit %.2f%%", sector, frac*100, limits.MaxSectorExposure*100),
						Current:   frac,
						Limit:     limits.MaxSectorExposure,
					})
				}
			}
		}
	}

	if returns != nil {
		if series := returns.DailyReturns(1); len(series) > 0 {
			last := series[len(series)-1]
			if loss := -last; last < 0 && loss > limits.MaxDailyLoss {
				found = append(found, domain.RiskViolation{
					Timestamp: now,
					Kind:      domain.ViolationDailyLoss,
					Severity:  domain.GradeSeverity(loss, limits.MaxDailyLoss),
					Message:   fmt.Sprintf("daily loss %.2f%% exceeds limit %.2f%%", loss*100, limits.MaxDailyLoss*100),
					Current:   loss,
					Limit:     limits.MaxDailyLoss,
				})
			}
		}
	}

	for _, v := range found {
		m.record(v)
	}
	return found
}

// UpdateValuation feeds one portfolio valuation into drawdown tracking.
// Crossing the drawdown limit raises a violation once per breach episode.
func (m *Manager) UpdateValuation(totalValue float64) {
	if totalValue <= 0 {
		return
	}

	m.mu.Lock()
	if totalValue > m.peakValue {
		m.peakValue = totalValue
	}
	if m.peakValue > 0 {
		m.currentDrawdown = (m.peakValue - totalValue) / m.peakValue
	}
	if m.currentDrawdown > m.maxDrawdown {
		m.maxDrawdown = m.currentDrawdown
	}
	breached := m.currentDrawdown > m.cfg.Limits.MaxDrawdown
	fire := breached && !m.drawdownBreached
	m.drawdownBreached = breached
	drawdown := m.currentDrawdown
	m.mu.Unlock()

	if fire {
		m.record(domain.RiskViolation{
			Timestamp: time.Now().UTC(),
			Kind:      domain.ViolationDrawdownLimit,
			Severity:  domain.GradeSeverity(drawdown, m.cfg.Limits.MaxDrawdown),
			Message:   fmt.Sprintf("drawdown reached %.2f%%, limit %.2f%%", drawdown*100, m.cfg.Limits.MaxDrawdown*100),
			Current:   drawdown,
			Limit:     m.cfg.Limits.MaxDrawdown,
		})
	}
}

// TriggerEmergencyStop halts all trading until ResetEmergencyStop. The
// stop is one-way: nothing clears it automatically.
func (m *Manager) TriggerEmergencyStop(reason string) {
	m.mu.Lock()
	if m.emergencyActive {
		m.mu.Unlock()
		return
	}
	m.emergencyActive = true
	m.emergencyReason = reason
	m.mu.Unlock()

	m.log.Error().Str("reason", reason).Msg("Emergency stop triggered")
	m.record(domain.RiskViolation{
		Timestamp: time.Now().UTC(),
		Kind:      domain.ViolationEmergencyStop,
		Severity:  domain.SeverityCritical,
		Message:   reason,
	})
	if err := m.bus.Emit("risk_manager", &events.EmergencyStopData{Reason: reason, Active: true}); err != nil {
		m.log.Debug().Err(err).Msg("Emergency stop event dropped")
	}
}

// ResetEmergencyStop re-enables trading after an emergency stop.
func (m *Manager) ResetEmergencyStop() {
	m.mu.Lock()
	if !m.emergencyActive {
		m.mu.Unlock()
		return
	}
	m.emergencyActive = false
	m.emergencyReason = ""
	m.mu.Unlock()

	m.log.Warn().Msg("Emergency stop reset, trading re-enabled")
	if err := m.bus.Emit("risk_manager", &events.EmergencyStopData{Active: false}); err != nil {
		m.log.Debug().Err(err).Msg("Emergency stop event dropped")
	}
}

// EmergencyStopped reports whether the emergency stop is active.
func (m *Manager) EmergencyStopped() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.emergencyActive
}

// Drawdown returns the current and maximum drawdown fractions and the
// peak portfolio value seen.
func (m *Manager) Drawdown() (current, max, peak float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentDrawdown, m.maxDrawdown, m.peakValue
}

// Violations returns a copy of the rolling violation log, oldest first.
func (m *Manager) Violations() []domain.RiskViolation {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.RiskViolation, len(m.violations))
	copy(out, m.violations)
	return out
}

// record appends to the rolling log, persists when a repository is wired,
// and publishes the violation event. Returns a pointer for Validate.
func (m *Manager) record(v domain.RiskViolation) *domain.RiskViolation {
	m.mu.Lock()
	m.violations = append(m.violations, v)
	if len(m.violations) > maxViolations {
		m.violations = m.violations[len(m.violations)-maxViolations:]
	}
	m.mu.Unlock()

	if m.repo != nil {
		if err := m.repo.Insert(v); err != nil {
			m.log.Warn().Err(err).Msg("Failed to persist risk violation")
		}
	}
	if err := m.bus.Emit("risk_manager", &events.RiskViolationData{RiskViolation: v}); err != nil {
		m.log.Debug().Err(err).Msg("Violation event dropped")
	}

	m.log.Warn().
		Str("kind", string(v.Kind)).
		Str("severity", string(v.Severity)).
		Str("symbol", v.Symbol).
		Float64("current", v.Current).
		Float64("limit", v.Limit).
		Msg("Risk violation")
	return &v
}

func proposedValue(signal domain.AggregatedSignal) float64 {
	if signal.Quantity <= 0 || signal.Price <= 0 {
		return 0
	}
	return signal.Quantity * signal.Price
}

func absPositionsValue(portfolio domain.PortfolioSummary) float64 {
	var total float64
	for _, pos := range portfolio.Positions {
		total += math.Abs(pos.MarketValue)
	}
	return total
}

func sortedSymbols(positions map[string]domain.Position) []string {
	symbols := make([]string, 0, len(positions))
	for sym := range positions {
		symbols = append(symbols, sym)
	}
	sort.Strings(symbols)
	return symbols
}
