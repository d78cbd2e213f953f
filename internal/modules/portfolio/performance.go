package portfolio

import (
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/stat"

	"github.com/aristath/strategos/internal/domain"
)

const (
	tradingDaysPerYear = 252.0

	// riskFreeRate is the annual rate used by Sharpe and Sortino
	riskFreeRate = 0.02

	// minReturnsForPerformance is how many sealed daily returns the
	// performance calculation needs
	minReturnsForPerformance = 30

	// profitFactorCap bounds the profit factor when there are no losing
	// days, keeping the JSON surface free of Inf
	profitFactorCap = 1000.0
)

// computePerformance derives the full performance statistics from sealed
// daily returns. ok is false when there is not enough history.
func computePerformance(returns []float64, totalValue, initialCash, maxDD, currentDD float64) (*domain.PerformanceMetrics, bool) {
	if len(returns) < minReturnsForPerformance || initialCash <= 0 {
		return nil, false
	}

	meanDaily, dailyVol := stat.MeanStdDev(returns, nil)
	annualizedReturn := meanDaily * tradingDaysPerYear
	annualizedVol := dailyVol * math.Sqrt(tradingDaysPerYear)

	metrics := &domain.PerformanceMetrics{
		CalculatedAt:     time.Now().UTC(),
		TotalReturn:      totalValue/initialCash - 1,
		AnnualizedReturn: annualizedReturn,
		AnnualizedVol:    annualizedVol,
		MaxDrawdown:      maxDD,
		CurrentDrawdown:  currentDD,
		DaysTracked:      len(returns),
	}

	if annualizedVol > 0 {
		metrics.SharpeRatio = (annualizedReturn - riskFreeRate) / annualizedVol
	}
	if downside := downsideVol(returns); downside > 0 {
		metrics.SortinoRatio = (annualizedReturn - riskFreeRate) / downside
	}
	if maxDD > 0 {
		metrics.CalmarRatio = annualizedReturn / maxDD
	}

	sorted := append([]float64(nil), returns...)
	sort.Float64s(sorted)
	var95 := stat.Quantile(0.05, stat.Empirical, sorted, nil)
	metrics.VaR95 = var95

	var tail []float64
	for _, r := range sorted {
		if r <= var95 {
			tail = append(tail, r)
		}
	}
	if len(tail) > 0 {
		metrics.ExpectedShortfall = stat.Mean(tail, nil)
	}

	wins := 0
	grossWin, grossLoss := 0.0, 0.0
	for _, r := range returns {
		if r > 0 {
			wins++
			grossWin += r
		} else if r < 0 {
			grossLoss += -r
		}
	}
	metrics.WinRate = float64(wins) / float64(len(returns))
	switch {
	case grossLoss > 0:
		metrics.ProfitFactor = math.Min(grossWin/grossLoss, profitFactorCap)
	case grossWin > 0:
		metrics.ProfitFactor = profitFactorCap
	}

	return metrics, true
}

// downsideVol is the annualized standard deviation of the negative daily
// returns only.
func downsideVol(returns []float64) float64 {
	var negatives []float64
	for _, r := range returns {
		if r < 0 {
			negatives = append(negatives, r)
		}
	}
	if len(negatives) < 2 {
		return 0
	}
	return stat.StdDev(negatives, nil) * math.Sqrt(tradingDaysPerYear)
}
