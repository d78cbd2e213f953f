package risk

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

// Metrics returns the portfolio risk statistics, recomputing at most once
// per TTL window. A recompute publishes the fresh values on the bus.
func (m *Manager) Metrics(portfolio domain.PortfolioSummary) map[string]float64 {
	m.mu.Lock()
	if m.metrics != nil && time.Since(m.metricsAt) < m.cfg.MetricsTTL {
		cached := copyMetrics(m.metrics)
		m.mu.Unlock()
		return cached
	}
	m.mu.Unlock()

	computed := m.computeMetrics(portfolio)

	m.mu.Lock()
	m.metrics = computed
	m.metricsAt = time.Now()
	m.mu.Unlock()

	if err := m.bus.Emit("risk_manager", &events.RiskMetricsData{Metrics: copyMetrics(computed)}); err != nil {
		m.log.Debug().Err(err).Msg("Risk metrics event dropped")
	}
	return copyMetrics(computed)
}

// InvalidateMetrics drops the cache so the next Metrics call recomputes.
func (m *Manager) InvalidateMetrics() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.metrics = nil
}

func (m *Manager) computeMetrics(portfolio domain.PortfolioSummary) map[string]float64 {
	m.mu.Lock()
	returns := m.returns
	out := map[string]float64{
		"current_drawdown": m.currentDrawdown,
		"max_drawdown":     m.maxDrawdown,
	}
	m.mu.Unlock()

	hhi := concentrationHHI(portfolio)
	out["concentration_hhi"] = hhi
	if hhi > 0 {
		out["effective_positions"] = 1 / hhi
	} else {
		out["effective_positions"] = 0
	}

	var series []float64
	if returns != nil {
		series = returns.DailyReturns(m.cfg.LookbackDays)
	}
	if len(series) < 2 {
		return out
	}

	meanDaily, dailyVol := stat.MeanStdDev(series, nil)
	annualizedVol := dailyVol * math.Sqrt(tradingDaysPerYear)
	annualizedReturn := meanDaily * tradingDaysPerYear
	out["daily_volatility"] = dailyVol
	out["annualized_volatility"] = annualizedVol
	if annualizedVol > 0 {
		out["sharpe_ratio"] = (annualizedReturn - m.cfg.RiskFreeRate) / annualizedVol
	}

	sorted := append([]float64(nil), series...)
	sort.Float64s(sorted)
	out["var_95"] = stat.Quantile(0.05, stat.Empirical, sorted, nil)
	out["var_99"] = stat.Quantile(0.01, stat.Empirical, sorted, nil)

	confidence := m.cfg.VarConfidence
	if confidence <= 0 || confidence >= 1 {
		confidence = 0.95
	}
	varAt := stat.Quantile(1-confidence, stat.Empirical, sorted, nil)
	out["value_at_risk"] = varAt

	var tail []float64
	for _, r := range sorted {
		if r <= varAt {
			tail = append(tail, r)
		}
	}
	if len(tail) > 0 {
		out["expected_shortfall"] = stat.Mean(tail, nil)
	}

	out["skewness"] = stat.Skew(series, nil)
	out["excess_kurtosis"] = stat.ExKurtosis(series, nil)

	if maxDD := out["max_drawdown"]; maxDD > 0 {
		out["calmar_ratio"] = annualizedReturn / maxDD
	}

	return out
}

// concentrationHHI is the Herfindahl index over absolute position weights.
func concentrationHHI(portfolio domain.PortfolioSummary) float64 {
	total := absPositionsValue(portfolio)
	if total <= 0 {
		return 0
	}
	var hhi float64
	for _, pos := range portfolio.Positions {
		w := math.Abs(pos.MarketValue) / total
		hhi += w * w
	}
	return hhi
}

func copyMetrics(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
