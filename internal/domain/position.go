package domain

import "time"

// Position is the net holding of a symbol with a cost basis.
// Quantity is signed: long > 0, short < 0.
type Position struct {
	FirstAcquiredAt time.Time `json:"first_acquired_at"`
	LastUpdated     time.Time `json:"last_updated"`
	Symbol          string    `json:"symbol"`
	Quantity        float64   `json:"quantity"`
	AvgCost         float64   `json:"avg_cost"`
	CurrentPrice    float64   `json:"current_price"`
	MarketValue     float64   `json:"market_value"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	RealizedPnL     float64   `json:"realized_pnl"`
}

// IsLong reports whether the position is net long
func (p *Position) IsLong() bool { return p.Quantity > 0 }

// IsShort reports whether the position is net short
func (p *Position) IsShort() bool { return p.Quantity < 0 }

// MarkToMarket refreshes the derived fields from a new price
func (p *Position) MarkToMarket(price float64, ts time.Time) {
	p.CurrentPrice = price
	p.MarketValue = p.Quantity * price
	p.UnrealizedPnL = p.Quantity * (price - p.AvgCost)
	p.LastUpdated = ts
}

// PortfolioSummary is a point-in-time snapshot of portfolio state,
// safe to share across components as a value copy
type PortfolioSummary struct {
	Timestamp      time.Time           `json:"timestamp"`
	Positions      map[string]Position `json:"positions"`
	InitialCash    float64             `json:"initial_cash"`
	Cash           float64             `json:"cash"`
	PositionsValue float64             `json:"positions_value"`
	TotalValue     float64             `json:"total_value"`
	RealizedPnL    float64             `json:"realized_pnl"`
	UnrealizedPnL  float64             `json:"unrealized_pnl"`
	TotalReturn    float64             `json:"total_return"`
	PeakValue      float64             `json:"peak_value"`
	CurrentDrawdown float64            `json:"current_drawdown"`
	MaxDrawdown    float64             `json:"max_drawdown"`
}

// PerformanceMetrics holds the derived statistics recomputed on the
// portfolio performance schedule once enough daily returns accumulate
type PerformanceMetrics struct {
	CalculatedAt     time.Time `json:"calculated_at"`
	TotalReturn      float64   `json:"total_return"`
	AnnualizedReturn float64   `json:"annualized_return"`
	AnnualizedVol    float64   `json:"annualized_volatility"`
	SharpeRatio      float64   `json:"sharpe_ratio"`
	SortinoRatio     float64   `json:"sortino_ratio"`
	CalmarRatio      float64   `json:"calmar_ratio"`
	MaxDrawdown      float64   `json:"max_drawdown"`
	CurrentDrawdown  float64   `json:"current_drawdown"`
	VaR95            float64   `json:"var_95"`
	ExpectedShortfall float64  `json:"expected_shortfall"`
	WinRate          float64   `json:"win_rate"`
	ProfitFactor     float64   `json:"profit_factor"`
	DaysTracked      int       `json:"days_tracked"`
}

// AccountInfo is the broker-reported account snapshot
type AccountInfo struct {
	AccountID      string  `json:"account_id"`
	Cash           float64 `json:"cash"`
	BuyingPower    float64 `json:"buying_power"`
	PortfolioValue float64 `json:"portfolio_value"`
	TradeSuspended bool    `json:"trade_suspended"`
}

// BrokerPosition is a position as reported by a broker adapter
type BrokerPosition struct {
	Symbol      string  `json:"symbol"`
	Side        string  `json:"side"`
	Quantity    float64 `json:"quantity"`
	AvgCost     float64 `json:"avg_cost"`
	MarketValue float64 `json:"market_value"`
}
