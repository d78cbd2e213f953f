package testing

import (
	"time"

	"github.com/aristath/strategos/internal/domain"
)

// FixtureTime is a fixed reference instant so fixture-based assertions are
// deterministic.
var FixtureTime = time.Date(2024, 6, 3, 14, 30, 0, 0, time.UTC)

// NewMarketDataFixture returns a valid tick for the symbol at the given
// close price. High/low bracket the close so Validate always passes.
func NewMarketDataFixture(symbol string, close float64) domain.MarketData {
	return domain.MarketData{
		Timestamp: FixtureTime,
		Symbol:    symbol,
		Source:    "fixture",
		Open:      close * 0.99,
		High:      close * 1.01,
		Low:       close * 0.98,
		Close:     close,
		Volume:    10_000,
	}
}

// NewSignalFixture returns a buy/sell signal from the given strategy.
func NewSignalFixture(strategy, symbol string, side domain.SignalSide, confidence, price float64) domain.Signal {
	return domain.Signal{
		Timestamp:  FixtureTime,
		Strategy:   strategy,
		Symbol:     symbol,
		Side:       side,
		Confidence: confidence,
		Price:      price,
	}
}

// NewOrderFixture returns a pending market order.
func NewOrderFixture(orderID, symbol string, side domain.OrderSide, qty, price float64) domain.Order {
	return domain.Order{
		CreatedAt: FixtureTime,
		UpdatedAt: FixtureTime,
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Type:      domain.OrderTypeMarket,
		TIF:       domain.TIFDay,
		Status:    domain.OrderStatusPending,
		Quantity:  qty,
		Price:     price,
	}
}

// NewFillFixture returns a complete fill for the given order.
func NewFillFixture(orderID, symbol string, side domain.OrderSide, qty, price float64) domain.Fill {
	return domain.Fill{
		Timestamp: FixtureTime,
		FillID:    orderID + "-fill",
		OrderID:   orderID,
		Symbol:    symbol,
		Side:      side,
		Quantity:  qty,
		Price:     price,
	}
}

// NewCandleFixtures returns n daily candles ending at FixtureTime with a
// gentle uptrend, enough history for indicator warm-up in strategy tests.
func NewCandleFixtures(symbol string, n int, startPrice float64) []domain.Candle {
	candles := make([]domain.Candle, n)
	price := startPrice
	for i := 0; i < n; i++ {
		ts := FixtureTime.AddDate(0, 0, i-n+1)
		candles[i] = domain.Candle{
			Timestamp: ts,
			Symbol:    symbol,
			Interval:  "1d",
			Open:      price,
			High:      price * 1.012,
			Low:       price * 0.991,
			Close:     price * 1.004,
			Volume:    50_000,
		}
		price *= 1.004
	}
	return candles
}

// NewPositionFixture returns a long position marked at the given price.
func NewPositionFixture(symbol string, qty, avgCost, price float64) domain.Position {
	pos := domain.Position{
		FirstAcquiredAt: FixtureTime.AddDate(0, -1, 0),
		Symbol:          symbol,
		Quantity:        qty,
		AvgCost:         avgCost,
	}
	pos.MarkToMarket(price, FixtureTime)
	return pos
}

// FloatPtr returns a pointer to f for nullable fixture fields.
func FloatPtr(f float64) *float64 { return &f }

// StringPtr returns a pointer to s for nullable fixture fields.
func StringPtr(s string) *string { return &s }
