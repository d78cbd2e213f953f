package domain

import "time"

// SignalSide represents the advisory direction of a strategy signal
type SignalSide string

const (
	SignalBuy  SignalSide = "BUY"
	SignalSell SignalSide = "SELL"
	SignalHold SignalSide = "HOLD"
)

// Signal is an advisory trading intent from one strategy.
// It is never directly executable; it must pass through aggregation and
// risk validation first.
type Signal struct {
	Timestamp  time.Time              `json:"timestamp"`
	Metadata   map[string]interface{} `json:"metadata,omitempty"`
	Strategy   string                 `json:"strategy"`
	Symbol     string                 `json:"symbol"`
	Side       SignalSide             `json:"side"`
	Confidence float64                `json:"confidence"`
	Price      float64                `json:"price"`
}

// PositionSizeHint reads the optional metadata.position_size fraction,
// defaulting to 1.0 (use the full allocation) when absent or invalid.
func (s *Signal) PositionSizeHint() float64 {
	if s.Metadata == nil {
		return 1.0
	}
	v, ok := s.Metadata["position_size"]
	if !ok {
		return 1.0
	}
	f, ok := v.(float64)
	if !ok || f <= 0 || f > 1 {
		return 1.0
	}
	return f
}

// AggregationMethod selects how concurrent signals for one symbol are merged
type AggregationMethod string

const (
	AggregateFirstWins         AggregationMethod = "FIRST_WINS"
	AggregateHighestConfidence AggregationMethod = "HIGHEST_CONFIDENCE"
	AggregateWeightedAverage   AggregationMethod = "WEIGHTED_AVERAGE"
	AggregateConsensus         AggregationMethod = "CONSENSUS"
	AggregateRiskAdjusted      AggregationMethod = "RISK_ADJUSTED"
)

// ConflictResolutionMode selects what happens when Buy and Sell signals
// arrive for the same symbol in the same aggregation round
type ConflictResolutionMode string

const (
	ConflictCancelAll         ConflictResolutionMode = "CANCEL_ALL"
	ConflictNetPosition       ConflictResolutionMode = "NET_POSITION"
	ConflictHighestConfidence ConflictResolutionMode = "HIGHEST_CONFIDENCE"
	ConflictStrategyPriority  ConflictResolutionMode = "STRATEGY_PRIORITY"
)

// AggregatedSignal is the single post-aggregation intent for one symbol.
// Side is never Hold; Hold signals are filtered inside the aggregator.
type AggregatedSignal struct {
	Timestamp              time.Time              `json:"timestamp"`
	Metadata               map[string]interface{} `json:"metadata,omitempty"`
	ContributingStrategies []string               `json:"contributing_strategies"`
	Symbol                 string                 `json:"symbol"`
	Side                   SignalSide             `json:"side"`
	Method                 AggregationMethod      `json:"method"`
	Confidence             float64                `json:"confidence"`
	Price                  float64                `json:"price"`
	Quantity               float64                `json:"quantity"`
}

// StrategyState represents the lifecycle state of a registered strategy
type StrategyState string

const (
	StrategyRegistered StrategyState = "REGISTERED"
	StrategyStarting   StrategyState = "STARTING"
	StrategyActive     StrategyState = "ACTIVE"
	StrategyStopping   StrategyState = "STOPPING"
	StrategyStopped    StrategyState = "STOPPED"
	StrategyError      StrategyState = "ERROR"
)

// StrategyAllocation holds the capital allocation and standing of one
// registered strategy. Weights need not sum to 1 across strategies; the
// aggregator uses weight*performance_weight as the effective weight.
type StrategyAllocation struct {
	StrategyID        string  `json:"strategy_id"`
	Weight            float64 `json:"weight"`
	MaxCapital        float64 `json:"max_capital"`
	RiskLimit         float64 `json:"risk_limit"`
	Priority          int     `json:"priority"`
	Active            bool    `json:"active"`
	PerformanceWeight float64 `json:"performance_weight"`
}

// StrategyPerformance tracks realised per-strategy results used for
// risk-adjusted aggregation and dynamic rebalancing
type StrategyPerformance struct {
	LastUpdated  time.Time `json:"last_updated"`
	StrategyID   string    `json:"strategy_id"`
	SignalCount  int       `json:"signal_count"`
	TradeCount   int       `json:"trade_count"`
	WinCount     int       `json:"win_count"`
	LossCount    int       `json:"loss_count"`
	RealizedPnL  float64   `json:"realized_pnl"`
	WinRate      float64   `json:"win_rate"`
	SharpeRatio  float64   `json:"sharpe_ratio"`
	ProfitFactor float64   `json:"profit_factor"`
	MaxDrawdown  float64   `json:"max_drawdown"`
}
