package strategies

import (
	"context"
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

const (
	defaultFastPeriod = 10
	defaultSlowPeriod = 30
)

// SMACrossover emits a Buy when the fast simple moving average crosses above
// the slow one and a Sell on the opposite cross. Signals fire only on the
// crossing tick, never while the averages merely stay apart.
type SMACrossover struct {
	base
	fastPeriod int
	slowPeriod int

	// prevDelta tracks fast-minus-slow from the previous tick per symbol,
	// NaN until both averages are computable. Guarded by base.mu.
	prevDelta map[string]float64
}

var _ domain.Strategy = (*SMACrossover)(nil)

// NewSMACrossover builds the strategy. Non-positive periods fall back to
// the 10/30 defaults.
func NewSMACrossover(id string, symbols []string, fastPeriod, slowPeriod int, log zerolog.Logger) *SMACrossover {
	if fastPeriod <= 0 {
		fastPeriod = defaultFastPeriod
	}
	if slowPeriod <= 0 {
		slowPeriod = defaultSlowPeriod
	}
	return &SMACrossover{
		base:       newBase(id, "SMA Crossover", symbols, log),
		fastPeriod: fastPeriod,
		slowPeriod: slowPeriod,
		prevDelta:  make(map[string]float64),
	}
}

// Initialize validates the parameters.
func (s *SMACrossover) Initialize(ctx context.Context) error {
	if err := s.validateUniverse(); err != nil {
		return err
	}
	if s.fastPeriod >= s.slowPeriod {
		return fmt.Errorf("strategy %s: fast period %d must be below slow period %d",
			s.id, s.fastPeriod, s.slowPeriod)
	}
	return nil
}

// OnMarketData implements domain.Strategy.
func (s *SMACrossover) OnMarketData(ctx context.Context, md domain.MarketData) ([]domain.Signal, error) {
	if !s.watches(md.Symbol) {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	closes := s.observe(md)
	if len(closes) < s.slowPeriod {
		return nil, nil
	}

	fast := talib.Sma(closes, s.fastPeriod)
	slow := talib.Sma(closes, s.slowPeriod)
	delta := fast[len(fast)-1] - slow[len(slow)-1]

	prev, seen := s.prevDelta[md.Symbol]
	s.prevDelta[md.Symbol] = delta
	if !seen {
		return nil, nil
	}

	var side domain.SignalSide
	switch {
	case prev <= 0 && delta > 0:
		side = domain.SignalBuy
	case prev >= 0 && delta < 0:
		side = domain.SignalSell
	default:
		return nil, nil
	}

	// Fresh crosses have small separation; confidence grows with the gap
	// between the averages relative to price.
	separation := math.Abs(delta) / md.Close
	confidence := clamp(0.55+separation*20, 0.55, 0.95)

	sig := s.signal(md, side, confidence, map[string]interface{}{
		"fast_sma": fast[len(fast)-1],
		"slow_sma": slow[len(slow)-1],
	})
	s.log.Debug().
		Str("symbol", md.Symbol).
		Str("side", string(side)).
		Float64("fast", fast[len(fast)-1]).
		Float64("slow", slow[len(slow)-1]).
		Msg("Crossover signal")
	return []domain.Signal{sig}, nil
}
