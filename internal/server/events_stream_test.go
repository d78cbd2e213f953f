package server

import (
	"bufio"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/events"
)

func newStreamFixture(t *testing.T) (*events.Bus, *httptest.Server) {
	t.Helper()

	bus := events.NewBus(events.DefaultConfig(), zerolog.Nop())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })

	srv := httptest.NewServer(NewEventsStreamHandler(bus, zerolog.Nop()))
	t.Cleanup(srv.Close)
	return bus, srv
}

// readFrame scans the SSE stream until the next data frame and decodes it.
func readFrame(t *testing.T, scanner *bufio.Scanner) map[string]interface{} {
	t.Helper()

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var frame map[string]interface{}
		require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &frame))
		return frame
	}
	t.Fatalf("stream ended before a data frame arrived: %v", scanner.Err())
	return nil
}

func openStream(t *testing.T, url string) *bufio.Scanner {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	return bufio.NewScanner(resp.Body)
}

func TestEventsStreamDeliversEvents(t *testing.T) {
	bus, srv := newStreamFixture(t)

	scanner := openStream(t, srv.URL)

	// The connected frame confirms the subscription is live before we emit.
	frame := readFrame(t, scanner)
	require.Equal(t, "connected", frame["type"])

	require.NoError(t, bus.Emit("risk", &events.EmergencyStopData{Reason: "drawdown breach", Active: true}))

	frame = readFrame(t, scanner)
	assert.Equal(t, string(events.EmergencyStopTriggered), frame["type"])
	assert.Equal(t, "risk", frame["module"])

	data, ok := frame["data"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "drawdown breach", data["reason"])
}

func TestEventsStreamFiltersByType(t *testing.T) {
	bus, srv := newStreamFixture(t)

	scanner := openStream(t, srv.URL+"?types=EMERGENCY_STOP")

	frame := readFrame(t, scanner)
	require.Equal(t, "connected", frame["type"])

	// Filtered out: the next frame the client sees must not be this one.
	require.NoError(t, bus.Emit("risk", &events.RiskMetricsData{
		Metrics: map[string]float64{"concentration_hhi": 0.4},
	}))
	require.NoError(t, bus.Emit("risk", &events.EmergencyStopData{Reason: "manual", Active: true}))

	frame = readFrame(t, scanner)
	assert.Equal(t, string(events.EmergencyStopTriggered), frame["type"])
}

func TestEventsStreamRejectsNonGet(t *testing.T) {
	_, srv := newStreamFixture(t)

	resp, err := http.Post(srv.URL, "application/json", strings.NewReader("{}"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = resp.Body.Close() })

	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
