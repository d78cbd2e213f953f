package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/events"
	"github.com/aristath/strategos/internal/utils"
)

// sseHeartbeatInterval keeps idle connections alive through proxies that
// reap quiet streams.
const sseHeartbeatInterval = 30 * time.Second

// sseBufferSize bounds the per-client queue between bus workers and the
// HTTP writer.
const sseBufferSize = 100

// EventsStreamHandler streams engine events to clients over Server-Sent
// Events. Each connection gets its own bus subscription, optionally narrowed
// to a comma-separated list of event types via the `types` query parameter.
type EventsStreamHandler struct {
	bus *events.Bus
	log zerolog.Logger
}

// NewEventsStreamHandler creates a new SSE stream handler.
func NewEventsStreamHandler(bus *events.Bus, log zerolog.Logger) *EventsStreamHandler {
	return &EventsStreamHandler{
		bus: bus,
		log: log.With().Str("component", "events_stream").Logger(),
	}
}

// streamFrame is one SSE data payload. Control frames ("connected",
// "heartbeat") carry only Type and Timestamp.
type streamFrame struct {
	Type      string           `json:"type"`
	Module    string           `json:"module,omitempty"`
	Timestamp string           `json:"timestamp,omitempty"`
	Sequence  uint64           `json:"sequence,omitempty"`
	Data      events.EventData `json:"data,omitempty"`
}

func frameFromEvent(event *events.Event) streamFrame {
	return streamFrame{
		Type:      string(event.Type),
		Module:    event.Module,
		Timestamp: event.Timestamp.Format(time.RFC3339),
		Sequence:  event.Sequence,
		Data:      event.Data,
	}
}

// ServeHTTP handles GET /api/events/stream requests.
func (h *EventsStreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming not supported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("Access-Control-Allow-Origin", "*")

	// Buffered so a slow client never blocks bus workers; overflow drops the
	// event for this client only.
	frames := make(chan *events.Event, sseBufferSize)
	subID := h.subscribe(r.URL.Query().Get("types"), frames)
	defer h.bus.Unsubscribe(subID)

	h.writeFrame(w, flusher, streamFrame{Type: "connected"})

	heartbeat := time.NewTicker(sseHeartbeatInterval)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			h.log.Info().Msg("Client disconnected from event stream")
			return

		case event := <-frames:
			h.writeFrame(w, flusher, frameFromEvent(event))

		case <-heartbeat.C:
			h.writeFrame(w, flusher, streamFrame{
				Type:      "heartbeat",
				Timestamp: time.Now().Format(time.RFC3339),
			})
		}
	}
}

// subscribe registers a bus subscription feeding ch, narrowed to typesCSV
// when non-empty, and returns the subscription id.
func (h *EventsStreamHandler) subscribe(typesCSV string, ch chan *events.Event) string {
	forward := func(_ context.Context, event *events.Event) error {
		select {
		case ch <- event:
		default:
			h.log.Warn().
				Str("event_type", string(event.Type)).
				Msg("Event channel full, dropping event")
		}
		return nil
	}

	names := utils.ParseCSV(typesCSV)
	if len(names) == 0 {
		h.log.Info().Msg("Client connected to event stream")
		return h.bus.SubscribeAll("sse_stream", forward)
	}

	allowed := make(map[events.EventType]bool, len(names))
	for _, name := range names {
		allowed[events.EventType(name)] = true
	}
	h.log.Info().Strs("types", names).Msg("Client connected to filtered event stream")
	return h.bus.SubscribeFiltered("sse_stream", forward, func(t events.EventType) bool {
		return allowed[t]
	})
}

func (h *EventsStreamHandler) writeFrame(w http.ResponseWriter, flusher http.Flusher, frame streamFrame) {
	payload, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Str("type", frame.Type).Msg("Failed to marshal stream frame")
		return
	}
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
