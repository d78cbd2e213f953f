package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
)

func TestEventJSONRoundTripTypedPayload(t *testing.T) {
	event := New("order_manager", &OrderFilledData{
		Fill: domain.Fill{
			Timestamp:  time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
			FillID:     "fill-1",
			OrderID:    "ORD_abc123def456",
			Symbol:     "AAPL",
			Side:       domain.SideBuy,
			Quantity:   66,
			Price:      150,
			Commission: 1,
		},
	})
	event.Sequence = 42

	raw, err := json.Marshal(event)
	require.NoError(t, err)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.Equal(t, event.ID, decoded.ID)
	assert.Equal(t, event.CorrelationID, decoded.CorrelationID)
	assert.Equal(t, OrderFilled, decoded.Type)
	assert.Equal(t, uint64(42), decoded.Sequence)

	fill, ok := decoded.Data.(*OrderFilledData)
	require.True(t, ok, "expected typed payload after unmarshal, got %T", decoded.Data)
	assert.Equal(t, "ORD_abc123def456", fill.OrderID)
	assert.Equal(t, 66.0, fill.Quantity)
	assert.Equal(t, domain.SideBuy, fill.Side)
}

func TestEventJSONUnknownTypeFallsBackToGeneric(t *testing.T) {
	raw := []byte(`{
		"event_id": "e1",
		"correlation_id": "c1",
		"timestamp": "2025-06-02T14:30:00Z",
		"module": "external",
		"type": "SOMETHING_NEW",
		"sequence": 1,
		"data": {"foo": "bar", "n": 3}
	}`)

	var decoded Event
	require.NoError(t, json.Unmarshal(raw, &decoded))

	generic, ok := decoded.Data.(*GenericEventData)
	require.True(t, ok)
	assert.Equal(t, EventType("SOMETHING_NEW"), generic.EventType())
	assert.Equal(t, "bar", generic.Data["foo"])
}

func TestNewCorrelatedPropagatesCorrelationID(t *testing.T) {
	cause := New("gateway", &MarketDataReceivedData{
		MarketData: domain.MarketData{Symbol: "AAPL", Close: 150},
	})

	derived := NewCorrelated("strategy_manager", &SignalGeneratedData{
		Signal: domain.Signal{Symbol: "AAPL", Side: domain.SignalBuy},
	}, cause)

	assert.Equal(t, cause.CorrelationID, derived.CorrelationID)
	assert.NotEqual(t, cause.ID, derived.ID)
	assert.Equal(t, SignalGenerated, derived.Type)
}

func TestEventDataTypesReportTheirEventType(t *testing.T) {
	tests := []struct {
		data EventData
		want EventType
	}{
		{&MarketDataReceivedData{}, MarketDataReceived},
		{&SignalGeneratedData{}, SignalGenerated},
		{&OrderCreatedData{}, OrderCreated},
		{&OrderFilledData{}, OrderFilled},
		{&OrderStatusChangedData{}, OrderStatusChanged},
		{&PositionChangedData{}, PositionChanged},
		{&PortfolioValueUpdatedData{}, PortfolioValueUpdated},
		{&RiskViolationData{}, RiskViolationRaised},
		{&RiskMetricsData{}, RiskMetricsUpdated},
		{&EmergencyStopData{}, EmergencyStopTriggered},
		{&StrategyStatusChangedData{}, StrategyStatusChanged},
		{&BrokerHealthAlertData{}, BrokerHealthAlert},
		{&BrokerFailoverData{}, BrokerFailover},
		{&SettingsChangedData{}, SettingsChanged},
		{&SystemStatusChangedData{}, SystemStatusChanged},
		{&ErrorEventData{}, ErrorOccurred},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.data.EventType())
	}
}
