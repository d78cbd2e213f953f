package strategy

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
)

func newTestAggregator(method domain.AggregationMethod, conflict domain.ConflictResolutionMode) *Aggregator {
	return NewAggregator(method, conflict, 100_000, 1.0, zerolog.Nop())
}

// wideInput builds an input whose sizing caps are loose enough that the
// quantity math never interferes with side/confidence/price assertions.
func wideInput(strategy string, side domain.SignalSide, confidence, price, weight float64) inputSignal {
	return inputSignal{
		Signal: domain.Signal{
			Timestamp:  time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC),
			Strategy:   strategy,
			Symbol:     "AAPL",
			Side:       side,
			Confidence: confidence,
			Price:      price,
		},
		Allocation: domain.StrategyAllocation{
			StrategyID:        strategy,
			Weight:            weight,
			PerformanceWeight: 1.0,
			MaxCapital:        1_000_000,
			RiskLimit:         10.0,
			Active:            true,
		},
	}
}

func TestAggregateWeightedAverageNetPosition(t *testing.T) {
	agg := newTestAggregator(domain.AggregateWeightedAverage, domain.ConflictNetPosition)

	inputs := []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.8, 150.0, 0.6),
		wideInput("s2", domain.SignalBuy, 0.6, 150.2, 0.3),
		wideInput("s3", domain.SignalSell, 0.7, 149.8, 0.1),
	}

	got := agg.Aggregate("AAPL", inputs, 0)
	require.NotNil(t, got)

	// Buy side carries summed confidence 1.4 against 0.7, so the sell
	// leg is dropped and the buys are blended by weight.
	assert.Equal(t, domain.SignalBuy, got.Side)
	assert.InDelta(t, 0.7333, got.Confidence, 1e-3)
	assert.InDelta(t, 150.0667, got.Price, 1e-3)
	assert.ElementsMatch(t, []string{"s1", "s2"}, got.ContributingStrategies)
	assert.Equal(t, domain.AggregateWeightedAverage, got.Method)
}

func TestAggregateConflictCancelAll(t *testing.T) {
	agg := newTestAggregator(domain.AggregateWeightedAverage, domain.ConflictCancelAll)

	got := agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.9, 150.0, 0.5),
		wideInput("s2", domain.SignalSell, 0.4, 150.0, 0.5),
	}, 0)
	assert.Nil(t, got)

	// One-sided input is not a conflict and passes through.
	got = agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.9, 150.0, 0.5),
	}, 0)
	require.NotNil(t, got)
	assert.Equal(t, domain.SignalBuy, got.Side)
}

func TestAggregateNetPositionTieCancels(t *testing.T) {
	agg := newTestAggregator(domain.AggregateWeightedAverage, domain.ConflictNetPosition)

	got := agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.7, 150.0, 0.5),
		wideInput("s2", domain.SignalSell, 0.7, 150.0, 0.5),
	}, 0)
	assert.Nil(t, got)
}

func TestAggregateConflictHighestConfidence(t *testing.T) {
	agg := newTestAggregator(domain.AggregateWeightedAverage, domain.ConflictHighestConfidence)

	got := agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.6, 150.0, 0.5),
		wideInput("s2", domain.SignalSell, 0.9, 149.5, 0.5),
	}, 0)
	require.NotNil(t, got)
	assert.Equal(t, domain.SignalSell, got.Side)
	assert.InDelta(t, 0.9, got.Confidence, 1e-9)
	assert.InDelta(t, 149.5, got.Price, 1e-9)
	assert.Equal(t, []string{"s2"}, got.ContributingStrategies)
}

func TestAggregateConflictStrategyPriority(t *testing.T) {
	agg := newTestAggregator(domain.AggregateWeightedAverage, domain.ConflictStrategyPriority)

	s1 := wideInput("s1", domain.SignalBuy, 0.9, 150.0, 0.4)
	s1.Allocation.Priority = 2
	s2 := wideInput("s2", domain.SignalSell, 0.5, 149.0, 0.4)
	s2.Allocation.Priority = 0
	s3 := wideInput("s3", domain.SignalBuy, 0.7, 150.5, 0.2)
	s3.Allocation.Priority = 1

	got := agg.Aggregate("AAPL", []inputSignal{s1, s2, s3}, 0)
	require.NotNil(t, got)
	assert.Equal(t, domain.SignalSell, got.Side)
	assert.Equal(t, []string{"s2"}, got.ContributingStrategies)
}

func TestAggregateFirstWins(t *testing.T) {
	agg := newTestAggregator(domain.AggregateFirstWins, domain.ConflictCancelAll)

	early := wideInput("s1", domain.SignalSell, 0.6, 149.0, 0.5)
	early.Signal.Timestamp = time.Date(2025, 3, 10, 14, 30, 0, 0, time.UTC)
	early.Signal.Metadata = map[string]interface{}{"note": "first"}
	late := wideInput("s2", domain.SignalBuy, 0.95, 150.0, 0.5)
	late.Signal.Timestamp = early.Signal.Timestamp.Add(200 * time.Millisecond)

	got := agg.Aggregate("AAPL", []inputSignal{late, early}, 0)
	require.NotNil(t, got)
	assert.Equal(t, domain.SignalSell, got.Side)
	assert.Equal(t, early.Signal.Timestamp, got.Timestamp)
	assert.Equal(t, "first", got.Metadata["note"])
	assert.Equal(t, []string{"s1"}, got.ContributingStrategies)
}

func TestAggregateHighestConfidence(t *testing.T) {
	agg := newTestAggregator(domain.AggregateHighestConfidence, domain.ConflictCancelAll)

	got := agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.55, 150.0, 0.5),
		wideInput("s2", domain.SignalBuy, 0.85, 150.4, 0.3),
		wideInput("s3", domain.SignalSell, 0.70, 149.8, 0.2),
	}, 0)
	require.NotNil(t, got)
	assert.Equal(t, domain.SignalBuy, got.Side)
	assert.InDelta(t, 0.85, got.Confidence, 1e-9)
	assert.Equal(t, []string{"s2"}, got.ContributingStrategies)
}

func TestAggregateConsensus(t *testing.T) {
	agg := newTestAggregator(domain.AggregateConsensus, domain.ConflictCancelAll)

	// Two buys against one sell clears the strict majority.
	got := agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.8, 150.0, 0.5),
		wideInput("s2", domain.SignalBuy, 0.6, 150.2, 0.5),
		wideInput("s3", domain.SignalSell, 0.9, 149.8, 0.5),
	}, 0)
	require.NotNil(t, got)
	assert.Equal(t, domain.SignalBuy, got.Side)
	assert.ElementsMatch(t, []string{"s1", "s2"}, got.ContributingStrategies)

	// An even split has no majority.
	got = agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.8, 150.0, 0.5),
		wideInput("s2", domain.SignalSell, 0.9, 149.8, 0.5),
	}, 0)
	assert.Nil(t, got)
}

func TestAggregateRiskAdjusted(t *testing.T) {
	agg := newTestAggregator(domain.AggregateRiskAdjusted, domain.ConflictNetPosition)

	strong := wideInput("s1", domain.SignalBuy, 0.5, 150.0, 0.5)
	strong.Performance = domain.StrategyPerformance{WinRate: 0.8, SharpeRatio: 1.0}

	weak := wideInput("s2", domain.SignalSell, 0.5, 150.0, 0.5)
	weak.Performance = domain.StrategyPerformance{WinRate: 0.0, SharpeRatio: -3.0}

	// Factors: clamp(1.6 + 0.5) = 2.0 against clamp(0 + 0) = 0.1, so the
	// buy side wins net position at 1.0 vs 0.05.
	got := agg.Aggregate("AAPL", []inputSignal{strong, weak}, 0)
	require.NotNil(t, got)
	assert.Equal(t, domain.SignalBuy, got.Side)
	assert.InDelta(t, 1.0, got.Confidence, 1e-9)
}

func TestAggregateDropsHoldSignals(t *testing.T) {
	agg := newTestAggregator(domain.AggregateFirstWins, domain.ConflictCancelAll)

	hold := wideInput("s1", domain.SignalHold, 0.9, 150.0, 0.5)
	hold.Signal.Timestamp = time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	buy := wideInput("s2", domain.SignalBuy, 0.6, 150.0, 0.5)
	buy.Signal.Timestamp = hold.Signal.Timestamp.Add(time.Minute)

	got := agg.Aggregate("AAPL", []inputSignal{hold, buy}, 0)
	require.NotNil(t, got)
	assert.Equal(t, []string{"s2"}, got.ContributingStrategies)

	assert.Nil(t, agg.Aggregate("AAPL", []inputSignal{hold}, 0))
	assert.Nil(t, agg.Aggregate("AAPL", nil, 0))
}

func TestAggregateSizingBounds(t *testing.T) {
	// totalCapital 100k and maxPortfolioRisk 0.5 leave 50k of capacity.
	agg := NewAggregator(domain.AggregateFirstWins, domain.ConflictCancelAll, 100_000, 0.5, zerolog.Nop())

	in := wideInput("s1", domain.SignalBuy, 0.9, 100.0, 0.5)
	in.Allocation.MaxCapital = 10_000
	in.Allocation.RiskLimit = 0.02

	// Risk limit is the binding cap: 0.02 * 100000 / 100 = 20 shares.
	got := agg.Aggregate("AAPL", []inputSignal{in}, 0)
	require.NotNil(t, got)
	assert.InDelta(t, 20.0, got.Quantity, 1e-9)

	// Near-exhausted capacity binds tighter: 500 / 100 = 5 shares.
	got = agg.Aggregate("AAPL", []inputSignal{in}, 49_500)
	require.NotNil(t, got)
	assert.InDelta(t, 5.0, got.Quantity, 1e-9)

	// Exhausted capacity sizes to zero.
	got = agg.Aggregate("AAPL", []inputSignal{in}, 60_000)
	require.NotNil(t, got)
	assert.Zero(t, got.Quantity)
}

func TestAggregateSizingHonorsPositionSizeHint(t *testing.T) {
	agg := NewAggregator(domain.AggregateFirstWins, domain.ConflictCancelAll, 100_000, 1.0, zerolog.Nop())

	in := wideInput("s1", domain.SignalBuy, 0.9, 100.0, 0.5)
	in.Allocation.MaxCapital = 10_000
	in.Allocation.RiskLimit = 1.0
	in.Signal.Metadata = map[string]interface{}{"position_size": 0.1}

	// 10000 * 0.1 / 100 = 10 shares.
	got := agg.Aggregate("AAPL", []inputSignal{in}, 0)
	require.NotNil(t, got)
	assert.InDelta(t, 10.0, got.Quantity, 1e-9)
}

func TestAggregateZeroWeightFallsBackToEqualWeights(t *testing.T) {
	agg := newTestAggregator(domain.AggregateWeightedAverage, domain.ConflictCancelAll)

	got := agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.8, 150.0, 0),
		wideInput("s2", domain.SignalBuy, 0.6, 150.2, 0),
	}, 0)
	require.NotNil(t, got)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9)
	assert.InDelta(t, 150.1, got.Price, 1e-9)
}

func TestAggregatePermutationStable(t *testing.T) {
	inputs := []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.80, 150.0, 0.6),
		wideInput("s2", domain.SignalBuy, 0.60, 150.2, 0.3),
		wideInput("s3", domain.SignalSell, 0.70, 149.8, 0.1),
	}
	permutations := [][]inputSignal{
		{inputs[0], inputs[1], inputs[2]},
		{inputs[2], inputs[0], inputs[1]},
		{inputs[1], inputs[2], inputs[0]},
		{inputs[2], inputs[1], inputs[0]},
	}

	for _, method := range []domain.AggregationMethod{
		domain.AggregateWeightedAverage,
		domain.AggregateHighestConfidence,
		domain.AggregateConsensus,
	} {
		agg := newTestAggregator(method, domain.ConflictNetPosition)

		base := agg.Aggregate("AAPL", permutations[0], 0)
		require.NotNil(t, base, "method %s", method)
		for i, perm := range permutations[1:] {
			got := agg.Aggregate("AAPL", perm, 0)
			require.NotNil(t, got, "method %s permutation %d", method, i+1)
			assert.Equal(t, base.Side, got.Side, "method %s", method)
			assert.InDelta(t, base.Confidence, got.Confidence, 1e-9, "method %s", method)
			assert.InDelta(t, base.Price, got.Price, 1e-9, "method %s", method)
			assert.InDelta(t, base.Quantity, got.Quantity, 1e-9, "method %s", method)
			assert.ElementsMatch(t, base.ContributingStrategies, got.ContributingStrategies, "method %s", method)
		}
	}
}

func TestAggregateUnknownMethodReturnsNil(t *testing.T) {
	agg := newTestAggregator(domain.AggregationMethod("BOGUS"), domain.ConflictCancelAll)
	got := agg.Aggregate("AAPL", []inputSignal{
		wideInput("s1", domain.SignalBuy, 0.9, 150.0, 0.5),
	}, 0)
	assert.Nil(t, got)
}
