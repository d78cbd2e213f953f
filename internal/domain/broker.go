package domain

import "time"

// HealthStatus represents the derived health of a broker connection
type HealthStatus string

const (
	HealthHealthy  HealthStatus = "HEALTHY"
	HealthWarning  HealthStatus = "WARNING"
	HealthCritical HealthStatus = "CRITICAL"
	HealthOffline  HealthStatus = "OFFLINE"
	HealthUnknown  HealthStatus = "UNKNOWN"
)

// Routable reports whether a broker in this state may receive orders
func (s HealthStatus) Routable() bool {
	return s == HealthHealthy || s == HealthWarning
}

// BrokerConfig describes one configured broker venue
type BrokerConfig struct {
	ID                 string            `json:"id"`
	Kind               string            `json:"kind"`
	Params             map[string]string `json:"params,omitempty"`
	Priority           int               `json:"priority"`
	Enabled            bool              `json:"enabled"`
	MaxOrdersPerMinute int               `json:"max_orders_per_minute"`
	MaxOrderValue      float64           `json:"max_order_value"`
}

// BrokerHealth is the rolling health snapshot derived from probe outcomes
type BrokerHealth struct {
	LastCheck           time.Time    `json:"last_check"`
	LastError           string       `json:"last_error,omitempty"`
	BrokerID            string       `json:"broker_id"`
	Status              HealthStatus `json:"status"`
	AvgResponseMs       float64      `json:"avg_response_ms"`
	SuccessRate         float64      `json:"success_rate"`
	UptimePct           float64      `json:"uptime_pct"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	ChecksTotal         int          `json:"checks_total"`
}

// RoutingPolicy selects how the router picks a broker for each order
type RoutingPolicy string

const (
	RoutePriorityBased    RoutingPolicy = "PRIORITY_BASED"
	RouteRoundRobin       RoutingPolicy = "ROUND_ROBIN"
	RouteHealthBased      RoutingPolicy = "HEALTH_BASED"
	RoutePerformanceBased RoutingPolicy = "PERFORMANCE_BASED"
)

// AlertLevel grades broker health alerts
type AlertLevel string

const (
	AlertInfo     AlertLevel = "INFO"
	AlertWarning  AlertLevel = "WARNING"
	AlertCritical AlertLevel = "CRITICAL"
)

// HealthAlert is one alert raised by the broker health monitor
type HealthAlert struct {
	Timestamp time.Time  `json:"timestamp"`
	BrokerID  string     `json:"broker_id"`
	Level     AlertLevel `json:"level"`
	Message   string     `json:"message"`
	Metric    string     `json:"metric,omitempty"`
	Value     float64    `json:"value,omitempty"`
}
