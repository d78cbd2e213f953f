// Package strategy manages the lifecycle of registered strategies, fans
// market data out to them, and folds the returned signals into a single
// per-symbol intent through the configured aggregation policy.
package strategy

import (
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// inputSignal pairs one raw signal with its source strategy's allocation
// and performance at collection time, so aggregation math never has to
// chase mutable manager state.
type inputSignal struct {
	Signal      domain.Signal
	Allocation  domain.StrategyAllocation
	Performance domain.StrategyPerformance
}

// Aggregator folds the signals buffered for one symbol into at most one
// aggregated signal. It is stateless; every call works only on its inputs.
type Aggregator struct {
	method           domain.AggregationMethod
	conflict         domain.ConflictResolutionMode
	totalCapital     float64
	maxPortfolioRisk float64
	log              zerolog.Logger
}

// NewAggregator builds an aggregator for the configured policies.
func NewAggregator(method domain.AggregationMethod, conflict domain.ConflictResolutionMode,
	totalCapital, maxPortfolioRisk float64, log zerolog.Logger) *Aggregator {
	return &Aggregator{
		method:           method,
		conflict:         conflict,
		totalCapital:     totalCapital,
		maxPortfolioRisk: maxPortfolioRisk,
		log:              log.With().Str("component", "signal_aggregator").Logger(),
	}
}

// Aggregate merges the pending signals for a symbol. positionsValue is the
// portfolio's current absolute position exposure, used for the
// remaining-capacity sizing bound. Returns nil when the policy yields no
// actionable intent (all Hold, cancelled conflict, no consensus).
func (a *Aggregator) Aggregate(symbol string, inputs []inputSignal, positionsValue float64) *domain.AggregatedSignal {
	actionable := make([]inputSignal, 0, len(inputs))
	for _, in := range inputs {
		if in.Signal.Side == domain.SignalBuy || in.Signal.Side == domain.SignalSell {
			actionable = append(actionable, in)
		}
	}
	if len(actionable) == 0 {
		return nil
	}

	switch a.method {
	case domain.AggregateFirstWins:
		return a.single(symbol, earliest(actionable), positionsValue)

	case domain.AggregateHighestConfidence:
		return a.single(symbol, mostConfident(actionable), positionsValue)

	case domain.AggregateWeightedAverage:
		return a.weightedAverage(symbol, a.resolveConflict(actionable), positionsValue)

	case domain.AggregateConsensus:
		majority := consensusSubset(actionable)
		if majority == nil {
			a.log.Debug().Str("symbol", symbol).Int("signals", len(actionable)).Msg("No consensus reached")
			return nil
		}
		return a.weightedAverage(symbol, majority, positionsValue)

	case domain.AggregateRiskAdjusted:
		adjusted := make([]inputSignal, len(actionable))
		for i, in := range actionable {
			factor := clamp(2*in.Performance.WinRate+max(0, in.Performance.SharpeRatio/2), 0.1, 2.0)
			in.Signal.Confidence *= factor
			adjusted[i] = in
		}
		return a.weightedAverage(symbol, a.resolveConflict(adjusted), positionsValue)

	default:
		a.log.Error().Str("method", string(a.method)).Msg("Unknown aggregation method")
		return nil
	}
}

// resolveConflict applies the configured conflict mode when both sides are
// present. Single-sided input passes through untouched.
func (a *Aggregator) resolveConflict(inputs []inputSignal) []inputSignal {
	var buyConf, sellConf float64
	var hasBuy, hasSell bool
	for _, in := range inputs {
		switch in.Signal.Side {
		case domain.SignalBuy:
			hasBuy = true
			buyConf += in.Signal.Confidence
		case domain.SignalSell:
			hasSell = true
			sellConf += in.Signal.Confidence
		}
	}
	if !hasBuy || !hasSell {
		return inputs
	}

	switch a.conflict {
	case domain.ConflictCancelAll:
		return nil

	case domain.ConflictNetPosition:
		switch {
		case buyConf > sellConf:
			return sideSubset(inputs, domain.SignalBuy)
		case sellConf > buyConf:
			return sideSubset(inputs, domain.SignalSell)
		default:
			return nil
		}

	case domain.ConflictHighestConfidence:
		return []inputSignal{mostConfident(inputs)}

	case domain.ConflictStrategyPriority:
		best := inputs[0]
		for _, in := range inputs[1:] {
			if in.Allocation.Priority < best.Allocation.Priority {
				best = in
			}
		}
		return []inputSignal{best}

	default:
		a.log.Error().Str("mode", string(a.conflict)).Msg("Unknown conflict mode, dropping round")
		return nil
	}
}

// weightedAverage computes the aggregate over the resolved set: side from
// summed effective weights, weighted confidence and price, summed sizes.
func (a *Aggregator) weightedAverage(symbol string, inputs []inputSignal, positionsValue float64) *domain.AggregatedSignal {
	if len(inputs) == 0 {
		return nil
	}

	var buyWeight, sellWeight float64
	for _, in := range inputs {
		w := effectiveWeight(in.Allocation)
		if in.Signal.Side == domain.SignalBuy {
			buyWeight += w
		} else {
			sellWeight += w
		}
	}
	side := domain.SignalBuy
	if sellWeight > buyWeight {
		side = domain.SignalSell
	}

	subset := sideSubset(inputs, side)
	var sumW, sumConf, sumPrice, sumQty float64
	contributing := make([]string, 0, len(subset))
	for _, in := range subset {
		w := effectiveWeight(in.Allocation)
		sumW += w
		sumConf += w * in.Signal.Confidence
		sumPrice += w * in.Signal.Price
		sumQty += a.computeSize(in, positionsValue)
		contributing = append(contributing, in.Signal.Strategy)
	}
	if sumW <= 0 {
		// Zero-weighted strategies still voted; fall back to equal weights.
		sumConf, sumPrice = 0, 0
		for _, in := range subset {
			sumConf += in.Signal.Confidence
			sumPrice += in.Signal.Price
		}
		sumW = float64(len(subset))
	}

	return &domain.AggregatedSignal{
		Timestamp:              time.Now().UTC(),
		Symbol:                 symbol,
		Side:                   side,
		Method:                 a.method,
		Confidence:             clamp(sumConf/sumW, 0, 1),
		Price:                  sumPrice / sumW,
		Quantity:               sumQty,
		ContributingStrategies: contributing,
	}
}

// single wraps one chosen signal as the aggregate.
func (a *Aggregator) single(symbol string, in inputSignal, positionsValue float64) *domain.AggregatedSignal {
	return &domain.AggregatedSignal{
		Timestamp:              in.Signal.Timestamp,
		Symbol:                 symbol,
		Side:                   in.Signal.Side,
		Method:                 a.method,
		Confidence:             clamp(in.Signal.Confidence, 0, 1),
		Price:                  in.Signal.Price,
		Quantity:               a.computeSize(in, positionsValue),
		ContributingStrategies: []string{in.Signal.Strategy},
		Metadata:               in.Signal.Metadata,
	}
}

// computeSize bounds one signal's advisory quantity by the strategy's
// capital allocation, its risk limit, and the portfolio's remaining
// risk capacity.
func (a *Aggregator) computeSize(in inputSignal, positionsValue float64) float64 {
	price := in.Signal.Price
	if price <= 0 {
		return 0
	}
	remaining := max(0, a.totalCapital*a.maxPortfolioRisk-positionsValue)
	size := min(
		in.Allocation.MaxCapital*in.Signal.PositionSizeHint()/price,
		in.Allocation.RiskLimit*a.totalCapital/price,
		remaining/price,
	)
	if size < 0 {
		return 0
	}
	return size
}

// consensusSubset returns the strict-majority side's signals, or nil when
// neither side clears 50% of the votes.
func consensusSubset(inputs []inputSignal) []inputSignal {
	var buys, sells int
	for _, in := range inputs {
		if in.Signal.Side == domain.SignalBuy {
			buys++
		} else {
			sells++
		}
	}
	total := float64(len(inputs))
	switch {
	case float64(buys) > total/2:
		return sideSubset(inputs, domain.SignalBuy)
	case float64(sells) > total/2:
		return sideSubset(inputs, domain.SignalSell)
	default:
		return nil
	}
}

func sideSubset(inputs []inputSignal, side domain.SignalSide) []inputSignal {
	out := make([]inputSignal, 0, len(inputs))
	for _, in := range inputs {
		if in.Signal.Side == side {
			out = append(out, in)
		}
	}
	return out
}

func earliest(inputs []inputSignal) inputSignal {
	best := inputs[0]
	for _, in := range inputs[1:] {
		if in.Signal.Timestamp.Before(best.Signal.Timestamp) {
			best = in
		}
	}
	return best
}

func mostConfident(inputs []inputSignal) inputSignal {
	best := inputs[0]
	for _, in := range inputs[1:] {
		if in.Signal.Confidence > best.Signal.Confidence {
			best = in
		}
	}
	return best
}

func effectiveWeight(alloc domain.StrategyAllocation) float64 {
	w := alloc.Weight * alloc.PerformanceWeight
	if w < 0 {
		return 0
	}
	return w
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
