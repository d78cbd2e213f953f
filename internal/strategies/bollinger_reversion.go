package strategies

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

const (
	defaultBollingerPeriod = 20
	defaultBollingerStdDev = 2.0
)

// bandZone classifies the close relative to the Bollinger bands.
type bandZone int

const (
	zoneInside bandZone = iota
	zoneBelow
	zoneAbove
)

// BollingerReversion trades mean reversion at the band extremes: a close
// breaking below the lower band emits a Buy, above the upper band a Sell.
// Each breakout zone signals once; the price must return inside the bands
// before the same side can fire again.
type BollingerReversion struct {
	base
	period int
	stdDev float64

	// zone tracks where the previous close sat per symbol. Guarded by base.mu.
	zone map[string]bandZone
}

var _ domain.Strategy = (*BollingerReversion)(nil)

// NewBollingerReversion builds the strategy. Non-positive parameters fall
// back to the classic 20-period, 2-sigma bands.
func NewBollingerReversion(id string, symbols []string, period int, stdDev float64, log zerolog.Logger) *BollingerReversion {
	if period <= 0 {
		period = defaultBollingerPeriod
	}
	if stdDev <= 0 {
		stdDev = defaultBollingerStdDev
	}
	return &BollingerReversion{
		base:   newBase(id, "Bollinger Reversion", symbols, log),
		period: period,
		stdDev: stdDev,
		zone:   make(map[string]bandZone),
	}
}

// Initialize validates the parameters.
func (s *BollingerReversion) Initialize(ctx context.Context) error {
	if err := s.validateUniverse(); err != nil {
		return err
	}
	if s.period < 2 {
		return fmt.Errorf("strategy %s: period %d too short for a band estimate", s.id, s.period)
	}
	return nil
}

// OnMarketData implements domain.Strategy.
func (s *BollingerReversion) OnMarketData(ctx context.Context, md domain.MarketData) ([]domain.Signal, error) {
	if !s.watches(md.Symbol) {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	closes := s.observe(md)
	if len(closes) < s.period {
		return nil, nil
	}

	upperBand, middleBand, lowerBand := talib.BBands(closes, s.period, s.stdDev, s.stdDev, 0)
	upper := upperBand[len(upperBand)-1]
	middle := middleBand[len(middleBand)-1]
	lower := lowerBand[len(lowerBand)-1]

	width := upper - lower
	if width <= 0 {
		// Collapsed bands carry no reversion information.
		s.zone[md.Symbol] = zoneInside
		return nil, nil
	}

	curr := zoneInside
	switch {
	case md.Close <= lower:
		curr = zoneBelow
	case md.Close >= upper:
		curr = zoneAbove
	}

	prev := s.zone[md.Symbol]
	s.zone[md.Symbol] = curr
	if curr == zoneInside || curr == prev {
		return nil, nil
	}

	// position < 0 below the lower band, > 1 above the upper band; the
	// further outside, the stronger the reversion case.
	position := (md.Close - lower) / width

	var side domain.SignalSide
	var confidence float64
	if curr == zoneBelow {
		side = domain.SignalBuy
		confidence = clamp(0.5-position*0.9, 0.5, 0.95)
	} else {
		side = domain.SignalSell
		confidence = clamp(0.5+(position-1)*0.9, 0.5, 0.95)
	}

	sig := s.signal(md, side, confidence, map[string]interface{}{
		"bb_upper":    upper,
		"bb_middle":   middle,
		"bb_lower":    lower,
		"bb_position": position,
	})
	s.log.Debug().
		Str("symbol", md.Symbol).
		Str("side", string(side)).
		Float64("position", position).
		Msg("Reversion signal")
	return []domain.Signal{sig}, nil
}
