package portfolio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func alternatingReturns(n int, up, down float64) []float64 {
	out := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if i%2 == 0 {
			out = append(out, up)
		} else {
			out = append(out, -down)
		}
	}
	return out
}

func TestComputePerformanceRequiresHistory(t *testing.T) {
	returns := alternatingReturns(minReturnsForPerformance-1, 0.01, 0.005)
	_, ok := computePerformance(returns, 100_000, 100_000, 0, 0)
	assert.False(t, ok)

	_, ok = computePerformance(alternatingReturns(60, 0.01, 0.005), 100_000, 0, 0, 0)
	assert.False(t, ok, "zero initial cash has no return baseline")
}

func TestComputePerformanceMetrics(t *testing.T) {
	returns := alternatingReturns(60, 0.01, 0.005)

	metrics, ok := computePerformance(returns, 108_000, 100_000, 0.12, 0.03)
	require.True(t, ok)

	assert.InDelta(t, 0.08, metrics.TotalReturn, 1e-9)
	assert.Equal(t, 60, metrics.DaysTracked)
	assert.InDelta(t, 0.5, metrics.WinRate, 1e-9)

	// 30 wins of 1% against 30 losses of 0.5%.
	assert.InDelta(t, 2.0, metrics.ProfitFactor, 1e-9)

	// Mean daily 0.25% annualizes well above the risk-free rate.
	assert.InDelta(t, 0.0025*tradingDaysPerYear, metrics.AnnualizedReturn, 1e-9)
	assert.Greater(t, metrics.SharpeRatio, 0.0)
	assert.Greater(t, metrics.AnnualizedVol, 0.0)

	// Every loss is exactly -0.5%, so the tail statistics sit there.
	assert.InDelta(t, -0.005, metrics.VaR95, 1e-9)
	assert.InDelta(t, -0.005, metrics.ExpectedShortfall, 1e-9)

	// Identical losses have zero downside deviation.
	assert.Equal(t, 0.0, metrics.SortinoRatio)

	assert.InDelta(t, metrics.AnnualizedReturn/0.12, metrics.CalmarRatio, 1e-9)
	assert.Equal(t, 0.12, metrics.MaxDrawdown)
	assert.Equal(t, 0.03, metrics.CurrentDrawdown)
}

func TestSortinoUsesDownsideDeviationOnly(t *testing.T) {
	// Varied losses give a non-degenerate downside deviation.
	returns := make([]float64, 0, 60)
	for i := 0; i < 60; i++ {
		switch i % 3 {
		case 0:
			returns = append(returns, 0.012)
		case 1:
			returns = append(returns, -0.002)
		default:
			returns = append(returns, -0.006)
		}
	}

	metrics, ok := computePerformance(returns, 105_000, 100_000, 0.1, 0)
	require.True(t, ok)
	assert.NotZero(t, metrics.SortinoRatio)
	assert.NotEqual(t, metrics.SharpeRatio, metrics.SortinoRatio)
}

func TestProfitFactorCappedWithoutLosses(t *testing.T) {
	returns := make([]float64, 35)
	for i := range returns {
		returns[i] = 0.01
	}

	metrics, ok := computePerformance(returns, 140_000, 100_000, 0, 0)
	require.True(t, ok)
	assert.Equal(t, profitFactorCap, metrics.ProfitFactor)
	assert.Equal(t, 1.0, metrics.WinRate)
	assert.Equal(t, 0.0, metrics.CalmarRatio, "no drawdown leaves calmar unset")
}

func TestDownsideVol(t *testing.T) {
	assert.Equal(t, 0.0, downsideVol([]float64{0.01, 0.02}))
	assert.Equal(t, 0.0, downsideVol([]float64{-0.01, 0.02}), "a single loss has no deviation")
	assert.Greater(t, downsideVol([]float64{-0.01, -0.03, 0.02}), 0.0)
}
