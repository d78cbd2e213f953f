package domain

import (
	"fmt"
	"time"
)

// MarketData is a validated market tick or bar for one symbol
type MarketData struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Source    string    `json:"source"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
}

// Validate enforces OHLCV sanity before a tick may be published.
// Invalid ticks are dropped at the gateway, never forwarded.
func (m *MarketData) Validate() error {
	if m.Symbol == "" {
		return fmt.Errorf("market data has no symbol")
	}
	if m.Low < 0 {
		return fmt.Errorf("%s: negative low %.4f", m.Symbol, m.Low)
	}
	if m.High < m.Low {
		return fmt.Errorf("%s: high %.4f below low %.4f", m.Symbol, m.High, m.Low)
	}
	if m.Open < m.Low || m.Open > m.High {
		return fmt.Errorf("%s: open %.4f outside [%.4f, %.4f]", m.Symbol, m.Open, m.Low, m.High)
	}
	if m.Close < m.Low || m.Close > m.High {
		return fmt.Errorf("%s: close %.4f outside [%.4f, %.4f]", m.Symbol, m.Close, m.Low, m.High)
	}
	if m.Volume < 0 {
		return fmt.Errorf("%s: negative volume %.2f", m.Symbol, m.Volume)
	}
	return nil
}

// Quote is a lightweight real-time quote from a market data provider
type Quote struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Source    string    `json:"source"`
	Bid       float64   `json:"bid,omitempty"`
	Ask       float64   `json:"ask,omitempty"`
	Last      float64   `json:"last,omitempty"`
	Volume    float64   `json:"volume,omitempty"`
}

// Candle is one OHLCV bar of historical data
type Candle struct {
	Timestamp time.Time `json:"timestamp"`
	Symbol    string    `json:"symbol"`
	Interval  string    `json:"interval"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Validate applies the same OHLCV sanity rules as MarketData.Validate.
// Invalid candles are dropped before they reach the candle store.
func (c *Candle) Validate() error {
	md := MarketData{
		Symbol: c.Symbol,
		Open:   c.Open,
		High:   c.High,
		Low:    c.Low,
		Close:  c.Close,
		Volume: c.Volume,
	}
	return md.Validate()
}

// RateLimitStatus describes a market data provider's remaining budget
type RateLimitStatus struct {
	ResetAt           time.Time `json:"reset_at"`
	RequestsPerMinute int       `json:"requests_per_minute"`
	Used              int       `json:"used"`
}
