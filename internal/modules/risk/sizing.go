package risk

import (
	"math"

	"github.com/aristath/strategos/internal/domain"
)

// kellyFractionCap bounds the Kelly fraction; full Kelly is too aggressive
// for a portfolio that also holds other positions.
const kellyFractionCap = 0.25

// minKellySamples is the shortest return history Kelly will size from;
// below it the fixed fraction is used instead.
const minKellySamples = 20

// PositionSize converts an aggregated signal into a whole-share quantity
// using the configured algorithm. Every algorithm is capped at
// max_position_size of portfolio value; quantities worth less than the
// dust floor collapse to zero.
func (m *Manager) PositionSize(signal domain.AggregatedSignal, portfolioValue, price float64) float64 {
	if price <= 0 || portfolioValue <= 0 {
		return 0
	}

	var size float64
	switch m.cfg.SizingMethod {
	case domain.SizingFixedFractional:
		size = m.fixedFractional(portfolioValue, price)
	case domain.SizingVolatilityAdjusted:
		size = m.volatilityAdjusted(signal.Symbol, portfolioValue, price)
	case domain.SizingKellyCriterion:
		size = m.kellyCriterion(portfolioValue, price)
	case domain.SizingRiskParity:
		size = m.riskParity(signal.Symbol, portfolioValue, price)
	default:
		m.log.Error().Str("method", string(m.cfg.SizingMethod)).Msg("Unknown sizing method, using fixed fractional")
		size = m.fixedFractional(portfolioValue, price)
	}

	size = min(size, m.cfg.Limits.MaxPositionSize*portfolioValue/price)
	size = math.Floor(size)
	if size*price < dustFloor {
		return 0
	}
	return size
}

func (m *Manager) fixedFractional(portfolioValue, price float64) float64 {
	return portfolioValue * m.cfg.Limits.MaxPositionSize / price
}

// volatilityAdjusted shrinks the fixed fraction when the symbol is more
// volatile than the target; calm symbols get the full fraction.
func (m *Manager) volatilityAdjusted(symbol string, portfolioValue, price float64) float64 {
	base := m.fixedFractional(portfolioValue, price)
	sigma, ok := m.symbolVolatility(symbol)
	if !ok || sigma <= 0 {
		return base
	}
	return base * min(m.cfg.TargetVol/sigma, 1.0)
}

// kellyCriterion bets a fraction of the portfolio derived from the daily
// win rate and the payoff ratio (average winning day over average losing
// day). Without enough history it falls back to the fixed fraction; with
// history but no edge it sizes to zero.
func (m *Manager) kellyCriterion(portfolioValue, price float64) float64 {
	winRate, lossRate, payoff, ok := m.kellyInputs()
	if !ok {
		return m.fixedFractional(portfolioValue, price)
	}

	var f float64
	switch {
	case payoff <= 0:
		f = 0
	case math.IsInf(payoff, 1):
		f = winRate
	default:
		f = (payoff*winRate - lossRate) / payoff
	}
	f = min(max(f, 0), kellyFractionCap)
	return portfolioValue * f / price
}

// riskParity sizes so the position contributes the target volatility,
// falling back to the fixed fraction when the symbol's volatility is
// unknown.
func (m *Manager) riskParity(symbol string, portfolioValue, price float64) float64 {
	sigma, ok := m.symbolVolatility(symbol)
	if !ok || sigma <= 0 {
		return m.fixedFractional(portfolioValue, price)
	}
	return portfolioValue * m.cfg.TargetVol / (sigma * price)
}

func (m *Manager) symbolVolatility(symbol string) (float64, bool) {
	m.mu.Lock()
	source := m.volatility
	m.mu.Unlock()
	if source == nil {
		return 0, false
	}
	return source.SymbolVolatility(symbol)
}

// kellyInputs derives win rate, loss rate and payoff ratio from the daily
// return series. Flat days count toward neither side.
func (m *Manager) kellyInputs() (winRate, lossRate, payoff float64, ok bool) {
	m.mu.Lock()
	source := m.returns
	m.mu.Unlock()
	if source == nil {
		return 0, 0, 0, false
	}

	series := source.DailyReturns(m.cfg.LookbackDays)
	if len(series) < minKellySamples {
		return 0, 0, 0, false
	}

	var wins, losses int
	var winSum, lossSum float64
	for _, r := range series {
		switch {
		case r > 0:
			wins++
			winSum += r
		case r < 0:
			losses++
			lossSum += -r
		}
	}

	n := float64(len(series))
	winRate = float64(wins) / n
	lossRate = float64(losses) / n

	switch {
	case wins == 0:
		payoff = 0
	case losses == 0:
		payoff = math.Inf(1)
	default:
		payoff = (winSum / float64(wins)) / (lossSum / float64(losses))
	}
	return winRate, lossRate, payoff, true
}
