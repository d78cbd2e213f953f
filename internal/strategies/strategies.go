// Package strategies provides the built-in signal generators. Each strategy
// implements domain.Strategy: it consumes validated market data, maintains a
// rolling price series per watched symbol, and emits advisory signals. The
// indicator math is delegated to go-talib.
package strategies

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
)

// maxSeriesCapacity bounds the per-symbol close buffer. Twice the longest
// default lookback leaves talib enough history without unbounded growth.
const maxSeriesCapacity = 512

// rollingSeries is a bounded append-only close-price buffer.
type rollingSeries struct {
	capacity int
	closes   []float64
}

func newRollingSeries(capacity int) *rollingSeries {
	if capacity <= 0 {
		capacity = maxSeriesCapacity
	}
	return &rollingSeries{capacity: capacity}
}

// Append adds a close and drops the oldest entry past capacity.
func (s *rollingSeries) Append(close float64) {
	s.closes = append(s.closes, close)
	if len(s.closes) > s.capacity {
		s.closes = s.closes[len(s.closes)-s.capacity:]
	}
}

// Values returns the buffered closes, oldest first. The returned slice is
// the internal buffer; callers must not retain it across Appends.
func (s *rollingSeries) Values() []float64 {
	return s.closes
}

func (s *rollingSeries) Len() int {
	return len(s.closes)
}

// base carries the bookkeeping shared by all built-in strategies:
// identity, watched symbols, per-symbol series, and fill-derived inventory.
type base struct {
	id      string
	name    string
	symbols []string
	log     zerolog.Logger

	mu        sync.Mutex
	series    map[string]*rollingSeries
	inventory map[string]float64
	stopped   bool
}

func newBase(id, name string, symbols []string, log zerolog.Logger) base {
	watched := make([]string, len(symbols))
	copy(watched, symbols)
	return base{
		id:        id,
		name:      name,
		symbols:   watched,
		log:       log.With().Str("component", "strategy").Str("strategy_id", id).Logger(),
		series:    make(map[string]*rollingSeries),
		inventory: make(map[string]float64),
	}
}

func (b *base) ID() string   { return b.id }
func (b *base) Name() string { return b.name }

func (b *base) Symbols() []string {
	out := make([]string, len(b.symbols))
	copy(out, b.symbols)
	return out
}

// watches reports whether the symbol is in the strategy's universe.
func (b *base) watches(symbol string) bool {
	for _, s := range b.symbols {
		if s == symbol {
			return true
		}
	}
	return false
}

// observe appends the tick's close to the symbol series and returns the
// buffered closes. Caller must hold b.mu.
func (b *base) observe(md domain.MarketData) []float64 {
	ser, ok := b.series[md.Symbol]
	if !ok {
		ser = newRollingSeries(maxSeriesCapacity)
		b.series[md.Symbol] = ser
	}
	ser.Append(md.Close)
	return ser.Values()
}

// OnOrderFilled keeps a signed inventory per symbol so strategies can
// reason about their own exposure.
func (b *base) OnOrderFilled(ctx context.Context, fill domain.Fill) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inventory[fill.Symbol] += fill.SignedQuantity()
	b.log.Debug().
		Str("symbol", fill.Symbol).
		Float64("qty", fill.SignedQuantity()).
		Float64("inventory", b.inventory[fill.Symbol]).
		Msg("Fill recorded")
}

// Inventory returns the fill-derived signed quantity for a symbol.
func (b *base) Inventory(symbol string) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inventory[symbol]
}

// Stop releases nothing but marks the strategy stopped; double stops are
// harmless.
func (b *base) Stop(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stopped = true
	return nil
}

// validateUniverse rejects an empty symbol list at Initialize time.
func (b *base) validateUniverse() error {
	if len(b.symbols) == 0 {
		return fmt.Errorf("strategy %s watches no symbols", b.id)
	}
	return nil
}

// signal builds a signal stamped with the strategy identity at the tick's
// close price. Confidence is clamped into [0, 1].
func (b *base) signal(md domain.MarketData, side domain.SignalSide, confidence float64, metadata map[string]interface{}) domain.Signal {
	return domain.Signal{
		Timestamp:  md.Timestamp,
		Strategy:   b.id,
		Symbol:     md.Symbol,
		Side:       side,
		Confidence: clamp(confidence, 0, 1),
		Price:      md.Close,
		Metadata:   metadata,
	}
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
