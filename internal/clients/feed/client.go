// Package feed implements a websocket market data provider. The feed speaks
// a small JSON protocol: the client sends one subscribe message after
// connecting and receives quote messages until either side closes. It is
// stream-only; historical data comes from the candle store, not the feed.
package feed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/strategos/internal/domain"
)

const (
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	quoteBuffer = 256
)

// ErrStreamOnly is returned from GetHistoricalData: the feed carries live
// quotes, never candles.
var ErrStreamOnly = errors.New("feed provides streaming quotes only")

// subscribeMessage is sent once per connection.
type subscribeMessage struct {
	Type    string   `json:"type"`
	Symbols []string `json:"symbols"`
}

// wireQuote is the feed's quote message.
type wireQuote struct {
	Type      string  `json:"type"`
	Symbol    string  `json:"symbol"`
	Timestamp string  `json:"ts,omitempty"`
	Bid       float64 `json:"bid,omitempty"`
	Ask       float64 `json:"ask,omitempty"`
	Last      float64 `json:"last,omitempty"`
	Volume    float64 `json:"volume,omitempty"`
}

// Client is a websocket quote stream implementing domain.MarketDataProvider.
type Client struct {
	url        string
	httpClient *http.Client
	log        zerolog.Logger

	mu        sync.RWMutex
	conn      *websocket.Conn
	connected bool

	quotesReceived atomic.Int64
	quotesDropped  atomic.Int64
	reconnects     atomic.Int64
}

var _ domain.MarketDataProvider = (*Client)(nil)

// createHTTP1Client forces HTTP/1.1. CDN endpoints negotiate HTTP/2 via TLS
// ALPN, but the websocket upgrade handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewClient creates a feed client for the given websocket URL.
func NewClient(url string, log zerolog.Logger) *Client {
	return &Client{
		url:        url,
		httpClient: createHTTP1Client(),
		log:        log.With().Str("component", "feed_client").Logger(),
	}
}

// GetHistoricalData implements domain.MarketDataProvider. Always fails with
// ErrStreamOnly.
func (c *Client) GetHistoricalData(ctx context.Context, symbol string, start, end time.Time, interval string) ([]domain.Candle, error) {
	return nil, ErrStreamOnly
}

// StreamQuotes dials the feed, subscribes to the symbols, and delivers
// quotes on the returned channel until ctx is cancelled. Connection drops
// trigger reconnection with exponential backoff; the channel stays open
// across reconnects and closes only when ctx ends.
func (c *Client) StreamQuotes(ctx context.Context, symbols []string) (<-chan domain.Quote, error) {
	if err := c.connect(ctx, symbols); err != nil {
		return nil, err
	}

	out := make(chan domain.Quote, quoteBuffer)
	go c.readLoop(ctx, symbols, out)
	return out, nil
}

// IsHealthy reports whether the feed connection is up.
func (c *Client) IsHealthy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// RateLimitStatus implements domain.MarketDataProvider. A push stream has no
// request budget; RequestsPerMinute 0 means unmetered.
func (c *Client) RateLimitStatus() domain.RateLimitStatus {
	return domain.RateLimitStatus{}
}

// Stats returns feed counters for diagnostics.
func (c *Client) Stats() map[string]int64 {
	return map[string]int64{
		"quotes_received": c.quotesReceived.Load(),
		"quotes_dropped":  c.quotesDropped.Load(),
		"reconnects":      c.reconnects.Load(),
	}
}

// connect dials the feed and sends the subscribe message.
func (c *Client) connect(ctx context.Context, symbols []string) error {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()

	c.log.Info().Str("url", c.url).Int("symbols", len(symbols)).Msg("Connecting to quote feed")

	conn, _, err := websocket.Dial(dialCtx, c.url, &websocket.DialOptions{
		HTTPClient: c.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	if err := c.subscribe(ctx, conn, symbols); err != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	c.log.Info().Msg("Quote feed connected")
	return nil
}

func (c *Client) subscribe(ctx context.Context, conn *websocket.Conn, symbols []string) error {
	msg := subscribeMessage{Type: "subscribe", Symbols: symbols}
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal subscribe message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscribe message: %w", err)
	}
	return nil
}

// disconnect closes the current connection if any.
func (c *Client) disconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusNormalClosure, "")
		c.conn = nil
	}
	c.connected = false
}

// readLoop consumes messages until ctx ends, reconnecting on failures.
func (c *Client) readLoop(ctx context.Context, symbols []string, out chan<- domain.Quote) {
	defer func() {
		c.disconnect()
		close(out)
		c.log.Info().Msg("Quote feed read loop stopped")
	}()

	for {
		c.mu.RLock()
		conn := c.conn
		c.mu.RUnlock()

		if conn == nil {
			if !c.reconnect(ctx, symbols) {
				return
			}
			continue
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				c.log.Info().Int("status", int(closeStatus)).Msg("Feed closed normally")
			} else {
				c.log.Error().Err(err).Msg("Feed read error")
			}
			c.disconnect()
			if !c.reconnect(ctx, symbols) {
				return
			}
			continue
		}

		if msgType != websocket.MessageText {
			continue
		}

		quote, ok := c.parseQuote(message)
		if !ok {
			continue
		}

		c.quotesReceived.Add(1)
		select {
		case out <- quote:
		case <-ctx.Done():
			return
		default:
			// Consumer is behind. Dropping is preferable to stalling the
			// read loop and losing the connection to a ping timeout.
			c.quotesDropped.Add(1)
		}
	}
}

// parseQuote decodes one feed message, tolerating non-quote message types.
func (c *Client) parseQuote(message []byte) (domain.Quote, bool) {
	var wq wireQuote
	if err := json.Unmarshal(message, &wq); err != nil {
		c.log.Warn().Err(err).Msg("Failed to parse feed message")
		return domain.Quote{}, false
	}
	if wq.Type != "quote" || wq.Symbol == "" {
		return domain.Quote{}, false
	}

	ts := time.Now().UTC()
	if wq.Timestamp != "" {
		if parsed, err := time.Parse(time.RFC3339, wq.Timestamp); err == nil {
			ts = parsed.UTC()
		}
	}

	return domain.Quote{
		Timestamp: ts,
		Symbol:    wq.Symbol,
		Source:    "feed",
		Bid:       wq.Bid,
		Ask:       wq.Ask,
		Last:      wq.Last,
		Volume:    wq.Volume,
	}, true
}

// reconnect retries the connection with exponential backoff until it
// succeeds or ctx ends. Returns false when ctx ended.
func (c *Client) reconnect(ctx context.Context, symbols []string) bool {
	attempt := 0
	for {
		if ctx.Err() != nil {
			return false
		}

		attempt++
		delay := reconnectBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			c.log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("Reconnecting to quote feed")
		} else {
			c.log.Warn().Int("attempt", attempt).Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return false
		}

		if err := c.connect(ctx, symbols); err != nil {
			c.log.Error().Err(err).Int("attempt", attempt).Msg("Feed reconnection failed")
			continue
		}

		c.reconnects.Add(1)
		return true
	}
}

func reconnectBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}
	return time.Duration(delay)
}
