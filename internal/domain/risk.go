package domain

import "time"

// RiskLimits is the portfolio-wide limit set enforced by the risk manager.
// All fractional fields are expressed as fractions of portfolio value.
type RiskLimits struct {
	MaxPositionSize      float64 `json:"max_position_size"`
	MaxPortfolioExposure float64 `json:"max_portfolio_exposure"`
	MaxDailyLoss         float64 `json:"max_daily_loss"`
	MaxDrawdown          float64 `json:"max_drawdown"`
	MaxCorrelation       float64 `json:"max_correlation"`
	MaxSectorExposure    float64 `json:"max_sector_exposure"`
}

// DefaultRiskLimits returns the limit set used when none is configured
func DefaultRiskLimits() RiskLimits {
	return RiskLimits{
		MaxPositionSize:      0.10,
		MaxPortfolioExposure: 0.80,
		MaxDailyLoss:         0.05,
		MaxDrawdown:          0.15,
		MaxCorrelation:       0.70,
		MaxSectorExposure:    0.30,
	}
}

// ViolationKind identifies which limit a risk violation breached
type ViolationKind string

const (
	ViolationEmergencyStop     ViolationKind = "EMERGENCY_STOP"
	ViolationDrawdownLimit     ViolationKind = "DRAWDOWN_LIMIT"
	ViolationPositionSize      ViolationKind = "POSITION_SIZE"
	ViolationPortfolioExposure ViolationKind = "PORTFOLIO_EXPOSURE"
	ViolationCorrelationRisk   ViolationKind = "CORRELATION_RISK"
	ViolationSectorExposure    ViolationKind = "SECTOR_EXPOSURE"
	ViolationInsufficientFunds ViolationKind = "INSUFFICIENT_FUNDS"
	ViolationDailyLoss         ViolationKind = "DAILY_LOSS"
)

// ViolationSeverity grades a risk violation
type ViolationSeverity string

const (
	SeverityWarning  ViolationSeverity = "WARNING"
	SeverityCritical ViolationSeverity = "CRITICAL"
)

// RiskViolation is a typed limit breach. Violations are returned as values
// and published as events; they are never raised as errors.
type RiskViolation struct {
	Timestamp time.Time         `json:"timestamp"`
	Kind      ViolationKind     `json:"kind"`
	Severity  ViolationSeverity `json:"severity"`
	Message   string            `json:"message"`
	Symbol    string            `json:"symbol,omitempty"`
	Strategy  string            `json:"strategy,omitempty"`
	Current   float64           `json:"current"`
	Limit     float64           `json:"limit"`
}

// GradeSeverity applies the standard grading rule: a breach more than 50%
// past its limit is critical, anything else a warning.
func GradeSeverity(current, limit float64) ViolationSeverity {
	if limit > 0 && current > 1.5*limit {
		return SeverityCritical
	}
	return SeverityWarning
}

// SizingMethod selects the position-sizing algorithm
type SizingMethod string

const (
	SizingFixedFractional    SizingMethod = "FIXED_FRACTIONAL"
	SizingVolatilityAdjusted SizingMethod = "VOLATILITY_ADJUSTED"
	SizingKellyCriterion     SizingMethod = "KELLY_CRITERION"
	SizingRiskParity         SizingMethod = "RISK_PARITY"
)
