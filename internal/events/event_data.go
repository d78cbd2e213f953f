package events

import (
	"encoding/json"

	"github.com/aristath/strategos/internal/domain"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// MarketDataReceivedData contains data for MarketDataReceived events
type MarketDataReceivedData struct {
	domain.MarketData
}

// EventType returns the event type for MarketDataReceivedData
func (d *MarketDataReceivedData) EventType() EventType {
	return MarketDataReceived
}

// SignalGeneratedData contains data for SignalGenerated events
type SignalGeneratedData struct {
	domain.Signal
}

// EventType returns the event type for SignalGeneratedData
func (d *SignalGeneratedData) EventType() EventType {
	return SignalGenerated
}

// OrderCreatedData contains data for OrderCreated events
type OrderCreatedData struct {
	OrderID  string  `json:"order_id"`
	Symbol   string  `json:"symbol"`
	Side     string  `json:"side"`
	Type     string  `json:"type"`
	Strategy string  `json:"strategy,omitempty"`
	Quantity float64 `json:"quantity"`
	Price    float64 `json:"price,omitempty"`
	Stop     float64 `json:"stop,omitempty"`
}

// EventType returns the event type for OrderCreatedData
func (d *OrderCreatedData) EventType() EventType {
	return OrderCreated
}

// OrderFilledData contains data for OrderFilled events
type OrderFilledData struct {
	domain.Fill
}

// EventType returns the event type for OrderFilledData
func (d *OrderFilledData) EventType() EventType {
	return OrderFilled
}

// OrderStatusChangedData contains data for OrderStatusChanged events
type OrderStatusChangedData struct {
	OrderID   string `json:"order_id"`
	OldStatus string `json:"old_status"`
	NewStatus string `json:"new_status"`
	Reason    string `json:"reason,omitempty"`
}

// EventType returns the event type for OrderStatusChangedData
func (d *OrderStatusChangedData) EventType() EventType {
	return OrderStatusChanged
}

// PositionChangedData contains data for PositionChanged events
type PositionChangedData struct {
	Symbol      string  `json:"symbol"`
	Reason      string  `json:"reason"`
	OldQuantity float64 `json:"old_quantity"`
	NewQuantity float64 `json:"new_quantity"`
	Price       float64 `json:"price"`
}

// EventType returns the event type for PositionChangedData
func (d *PositionChangedData) EventType() EventType {
	return PositionChanged
}

// PortfolioValueUpdatedData contains data for PortfolioValueUpdated events
type PortfolioValueUpdatedData struct {
	TotalValue     float64  `json:"total_value"`
	Cash           float64  `json:"cash"`
	PositionsValue float64  `json:"positions_value"`
	RealizedPnL    float64  `json:"realized_pnl"`
	UnrealizedPnL  float64  `json:"unrealized_pnl"`
	DailyReturn    *float64 `json:"daily_return,omitempty"`
	TotalReturn    float64  `json:"total_return"`
}

// EventType returns the event type for PortfolioValueUpdatedData
func (d *PortfolioValueUpdatedData) EventType() EventType {
	return PortfolioValueUpdated
}

// RiskViolationData contains data for RiskViolationRaised events
type RiskViolationData struct {
	domain.RiskViolation
}

// EventType returns the event type for RiskViolationData
func (d *RiskViolationData) EventType() EventType {
	return RiskViolationRaised
}

// RiskMetricsData contains data for RiskMetricsUpdated events
type RiskMetricsData struct {
	Metrics map[string]float64 `json:"metrics"`
}

// EventType returns the event type for RiskMetricsData
func (d *RiskMetricsData) EventType() EventType {
	return RiskMetricsUpdated
}

// EmergencyStopData contains data for EmergencyStopTriggered events
type EmergencyStopData struct {
	Reason string `json:"reason"`
	Active bool   `json:"active"`
}

// EventType returns the event type for EmergencyStopData
func (d *EmergencyStopData) EventType() EventType {
	return EmergencyStopTriggered
}

// StrategyStatusChangedData contains data for StrategyStatusChanged events
type StrategyStatusChangedData struct {
	Strategy string `json:"strategy"`
	OldState string `json:"old_state"`
	NewState string `json:"new_state"`
	Reason   string `json:"reason,omitempty"`
}

// EventType returns the event type for StrategyStatusChangedData
func (d *StrategyStatusChangedData) EventType() EventType {
	return StrategyStatusChanged
}

// BrokerHealthAlertData contains data for BrokerHealthAlert events
type BrokerHealthAlertData struct {
	BrokerID string  `json:"broker_id"`
	Level    string  `json:"level"`
	Message  string  `json:"message"`
	Metric   string  `json:"metric,omitempty"`
	Value    float64 `json:"value,omitempty"`
}

// EventType returns the event type for BrokerHealthAlertData
func (d *BrokerHealthAlertData) EventType() EventType {
	return BrokerHealthAlert
}

// BrokerFailoverData contains data for BrokerFailover events
type BrokerFailoverData struct {
	OrderID    string `json:"order_id"`
	FromBroker string `json:"from_broker"`
	ToBroker   string `json:"to_broker,omitempty"`
	Reason     string `json:"reason"`
	Attempt    int    `json:"attempt"`
}

// EventType returns the event type for BrokerFailoverData
func (d *BrokerFailoverData) EventType() EventType {
	return BrokerFailover
}

// SettingsChangedData contains data for SettingsChanged events
type SettingsChangedData struct {
	Key   string      `json:"key"`
	Value interface{} `json:"value"`
}

// EventType returns the event type for SettingsChangedData
func (d *SettingsChangedData) EventType() EventType {
	return SettingsChanged
}

// SystemStatusChangedData contains data for SystemStatusChanged events
type SystemStatusChangedData struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for SystemStatusChangedData
func (d *SystemStatusChangedData) EventType() EventType {
	return SystemStatusChanged
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}

// MarshalJSON customizes JSON serialization for Event
func (e *Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if e.Data != nil {
		dataBytes, err := json.Marshal(e.Data)
		if err != nil {
			return nil, err
		}
		aux.Data = dataBytes
	}

	return json.Marshal(aux)
}

// UnmarshalJSON customizes JSON deserialization for Event
func (e *Event) UnmarshalJSON(data []byte) error {
	type Alias Event
	aux := &struct {
		Data json.RawMessage `json:"data,omitempty"`
		*Alias
	}{
		Alias: (*Alias)(e),
	}

	if err := json.Unmarshal(data, aux); err != nil {
		return err
	}

	if len(aux.Data) > 0 {
		var eventData EventData
		switch aux.Type {
		case MarketDataReceived:
			eventData = &MarketDataReceivedData{}
		case SignalGenerated:
			eventData = &SignalGeneratedData{}
		case OrderCreated:
			eventData = &OrderCreatedData{}
		case OrderFilled:
			eventData = &OrderFilledData{}
		case OrderStatusChanged:
			eventData = &OrderStatusChangedData{}
		case PositionChanged:
			eventData = &PositionChangedData{}
		case PortfolioValueUpdated:
			eventData = &PortfolioValueUpdatedData{}
		case RiskViolationRaised:
			eventData = &RiskViolationData{}
		case RiskMetricsUpdated:
			eventData = &RiskMetricsData{}
		case EmergencyStopTriggered:
			eventData = &EmergencyStopData{}
		case StrategyStatusChanged:
			eventData = &StrategyStatusChangedData{}
		case BrokerHealthAlert:
			eventData = &BrokerHealthAlertData{}
		case BrokerFailover:
			eventData = &BrokerFailoverData{}
		case SettingsChanged:
			eventData = &SettingsChangedData{}
		case SystemStatusChanged:
			eventData = &SystemStatusChangedData{}
		case ErrorOccurred:
			eventData = &ErrorEventData{}
		default:
			// For unknown types, use raw map
			var rawData map[string]interface{}
			if err := json.Unmarshal(aux.Data, &rawData); err != nil {
				return err
			}
			eventData = &GenericEventData{Type: aux.Type, Data: rawData}
		}

		if err := json.Unmarshal(aux.Data, eventData); err != nil {
			return err
		}
		e.Data = eventData
	}

	return nil
}

// GenericEventData is a fallback for events that don't have a specific type
type GenericEventData struct {
	Type EventType              `json:"-"`
	Data map[string]interface{} `json:"-"`
}

// EventType returns the event type for GenericEventData
func (d *GenericEventData) EventType() EventType {
	return d.Type
}

// MarshalJSON customizes JSON serialization for GenericEventData
func (d *GenericEventData) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Data)
}

// UnmarshalJSON customizes JSON deserialization for GenericEventData
func (d *GenericEventData) UnmarshalJSON(data []byte) error {
	return json.Unmarshal(data, &d.Data)
}

// summary converts an event to its audit ring record
func (e *Event) summary() AuditRecord {
	return AuditRecord{
		Timestamp:     e.Timestamp,
		EventID:       e.ID,
		CorrelationID: e.CorrelationID,
		Type:          e.Type,
		Sequence:      e.Sequence,
	}
}
