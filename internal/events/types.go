// Package events provides the typed publish/subscribe event bus that
// connects the engine's components.
package events

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType identifies the kind of an event on the bus
type EventType string

const (
	// Market data flow
	MarketDataReceived EventType = "MARKET_DATA"
	SignalGenerated    EventType = "SIGNAL_GENERATED"

	// Order lifecycle
	OrderCreated       EventType = "ORDER_CREATED"
	OrderFilled        EventType = "ORDER_FILLED"
	OrderStatusChanged EventType = "ORDER_STATUS_CHANGED"

	// Portfolio accounting
	PositionChanged       EventType = "POSITION_CHANGED"
	PortfolioValueUpdated EventType = "PORTFOLIO_VALUE_UPDATED"

	// Risk
	RiskViolationRaised   EventType = "RISK_VIOLATION"
	RiskMetricsUpdated    EventType = "RISK_METRICS_UPDATED"
	EmergencyStopTriggered EventType = "EMERGENCY_STOP"

	// Strategy lifecycle
	StrategyStatusChanged EventType = "STRATEGY_STATUS_CHANGED"

	// Broker routing and health
	BrokerHealthAlert EventType = "BROKER_HEALTH_ALERT"
	BrokerFailover    EventType = "BROKER_FAILOVER"

	// System
	SettingsChanged     EventType = "SETTINGS_CHANGED"
	SystemStatusChanged EventType = "SYSTEM_STATUS_CHANGED"
	ErrorOccurred       EventType = "ERROR_OCCURRED"
)

// Bus errors
var (
	// ErrQueueFull is returned by Publish when the bounded queue is
	// saturated. Publish never blocks; producers decide whether to drop
	// or retry.
	ErrQueueFull = errors.New("event queue full")

	// ErrBusStopped is returned by Publish after Stop has been called
	ErrBusStopped = errors.New("event bus stopped")

	// ErrBusNotStarted is returned by Publish before Start
	ErrBusNotStarted = errors.New("event bus not started")
)

// Event is one immutable message on the bus. Events are shared by
// reference between handlers but never mutated after Publish.
type Event struct {
	Timestamp     time.Time `json:"timestamp"`
	ID            string    `json:"event_id"`
	CorrelationID string    `json:"correlation_id"`
	Module        string    `json:"module"`
	Type          EventType `json:"type"`
	Data          EventData `json:"data,omitempty"`
	Sequence      uint64    `json:"sequence"`
}

// New creates an event with a fresh id and correlation id
func New(module string, data EventData) *Event {
	return &Event{
		ID:            uuid.NewString(),
		CorrelationID: uuid.NewString(),
		Timestamp:     time.Now().UTC(),
		Module:        module,
		Type:          data.EventType(),
		Data:          data,
	}
}

// NewCorrelated creates an event that propagates the cause's correlation
// id, linking derived events back to their origin.
func NewCorrelated(module string, data EventData, cause *Event) *Event {
	e := New(module, data)
	if cause != nil && cause.CorrelationID != "" {
		e.CorrelationID = cause.CorrelationID
	}
	return e
}

// AuditRecord is the compact event summary kept in the audit ring
type AuditRecord struct {
	Timestamp     time.Time `json:"timestamp" msgpack:"timestamp"`
	EventID       string    `json:"event_id" msgpack:"event_id"`
	CorrelationID string    `json:"correlation_id" msgpack:"correlation_id"`
	Type          EventType `json:"type" msgpack:"type"`
	Sequence      uint64    `json:"sequence" msgpack:"sequence"`
}

// HandlerFailure is one entry in the rolling handler-failure log
type HandlerFailure struct {
	Timestamp time.Time `json:"timestamp"`
	Handler   string    `json:"handler"`
	EventID   string    `json:"event_id"`
	EventType EventType `json:"event_type"`
	Error     string    `json:"error"`
	Attempts  int       `json:"attempts"`
}

// Stats is a point-in-time snapshot of bus counters
type Stats struct {
	StartedAt        time.Time     `json:"started_at"`
	Published        uint64        `json:"published"`
	Processed        uint64        `json:"processed"`
	Failed           uint64        `json:"failed"`
	Dropped          uint64        `json:"dropped"`
	QueueDepth       int           `json:"queue_depth"`
	QueueCapacity    int           `json:"queue_capacity"`
	HandlerCount     int           `json:"handler_count"`
	Workers          int           `json:"workers"`
	AvgProcessingMs  float64       `json:"avg_processing_ms"`
	Uptime           time.Duration `json:"uptime"`
}
