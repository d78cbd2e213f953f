package strategies

import (
	"context"
	"fmt"

	"github.com/markcheno/go-talib"
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

const (
	defaultRSIPeriod = 14
	defaultOversold  = 30.0
	defaultOverbot   = 70.0
)

// RSIMomentum emits a Buy when the RSI recovers upward out of the oversold
// zone and a Sell when it falls out of the overbought zone. Only the exit
// tick signals; staying inside a zone stays silent.
type RSIMomentum struct {
	base
	period     int
	oversold   float64
	overbought float64

	// prevRSI holds the previous tick's RSI per symbol. Guarded by base.mu.
	prevRSI map[string]float64
}

var _ domain.Strategy = (*RSIMomentum)(nil)

// NewRSIMomentum builds the strategy. Non-positive parameters fall back to
// the classic 14 / 30 / 70 setup.
func NewRSIMomentum(id string, symbols []string, period int, oversold, overbought float64, log zerolog.Logger) *RSIMomentum {
	if period <= 0 {
		period = defaultRSIPeriod
	}
	if oversold <= 0 {
		oversold = defaultOversold
	}
	if overbought <= 0 {
		overbought = defaultOverbot
	}
	return &RSIMomentum{
		base:       newBase(id, "RSI Momentum", symbols, log),
		period:     period,
		oversold:   oversold,
		overbought: overbought,
		prevRSI:    make(map[string]float64),
	}
}

// Initialize validates the parameters.
func (s *RSIMomentum) Initialize(ctx context.Context) error {
	if err := s.validateUniverse(); err != nil {
		return err
	}
	if s.oversold >= s.overbought {
		return fmt.Errorf("strategy %s: oversold %.1f must be below overbought %.1f",
			s.id, s.oversold, s.overbought)
	}
	return nil
}

// OnMarketData implements domain.Strategy.
func (s *RSIMomentum) OnMarketData(ctx context.Context, md domain.MarketData) ([]domain.Signal, error) {
	if !s.watches(md.Symbol) {
		return nil, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	closes := s.observe(md)
	// talib needs period+1 closes before the first RSI value is real.
	if len(closes) < s.period+2 {
		return nil, nil
	}

	rsi := talib.Rsi(closes, s.period)
	curr := rsi[len(rsi)-1]

	prev, seen := s.prevRSI[md.Symbol]
	s.prevRSI[md.Symbol] = curr
	if !seen {
		return nil, nil
	}

	// Confidence scales with how far the RSI swung past the threshold:
	// a violent recovery carries more momentum than a grazing exit.
	var side domain.SignalSide
	var confidence float64
	switch {
	case prev < s.oversold && curr >= s.oversold:
		side = domain.SignalBuy
		confidence = clamp(0.5+(curr-s.oversold)/100, 0.5, 0.95)
	case prev > s.overbought && curr <= s.overbought:
		side = domain.SignalSell
		confidence = clamp(0.5+(s.overbought-curr)/100, 0.5, 0.95)
	default:
		return nil, nil
	}

	sig := s.signal(md, side, confidence, map[string]interface{}{
		"rsi": curr,
	})
	s.log.Debug().
		Str("symbol", md.Symbol).
		Str("side", string(side)).
		Float64("rsi", curr).
		Msg("Momentum signal")
	return []domain.Signal{sig}, nil
}
