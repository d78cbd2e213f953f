package events

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
)

func testBus(t *testing.T, cfg Config) *Bus {
	t.Helper()
	bus := NewBus(cfg, zerolog.Nop())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })
	return bus
}

func marketEvent(symbol string, close float64) *Event {
	return New("test", &MarketDataReceivedData{
		MarketData: domain.MarketData{
			Timestamp: time.Now().UTC(),
			Symbol:    symbol,
			Open:      close,
			High:      close,
			Low:       close,
			Close:     close,
			Volume:    1000,
		},
	})
}

func TestBusDeliversToSubscribedHandler(t *testing.T) {
	bus := testBus(t, DefaultConfig())

	var received atomic.Int32
	bus.Subscribe(MarketDataReceived, "counter", func(ctx context.Context, e *Event) error {
		received.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(marketEvent("AAPL", 150)))

	assert.Eventually(t, func() bool {
		return received.Load() == 1
	}, time.Second, 10*time.Millisecond)
}

func TestBusDeliversToAllHandlersExactlyOnce(t *testing.T) {
	bus := testBus(t, DefaultConfig())

	var a, b, global atomic.Int32
	bus.Subscribe(MarketDataReceived, "a", func(ctx context.Context, e *Event) error {
		a.Add(1)
		return nil
	})
	bus.Subscribe(MarketDataReceived, "b", func(ctx context.Context, e *Event) error {
		b.Add(1)
		return nil
	})
	bus.SubscribeAll("global", func(ctx context.Context, e *Event) error {
		global.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(marketEvent("AAPL", 150)))

	assert.Eventually(t, func() bool {
		return a.Load() == 1 && b.Load() == 1 && global.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// No further invocations arrive afterwards
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), a.Load())
	assert.Equal(t, int32(1), b.Load())
	assert.Equal(t, int32(1), global.Load())
}

func TestBusFilteredGlobalHandler(t *testing.T) {
	bus := testBus(t, DefaultConfig())

	var got atomic.Int32
	bus.SubscribeFiltered("orders_only", func(ctx context.Context, e *Event) error {
		got.Add(1)
		return nil
	}, func(t EventType) bool { return t == OrderCreated })

	require.NoError(t, bus.Publish(marketEvent("AAPL", 150)))
	require.NoError(t, bus.Publish(New("test", &OrderCreatedData{OrderID: "ORD_1", Symbol: "AAPL"})))

	assert.Eventually(t, func() bool {
		return got.Load() == 1
	}, time.Second, 10*time.Millisecond)

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestBusPublishFailsFastWhenQueueFull(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 2
	cfg.MaxConcurrentHandlers = 10 // one worker
	bus := testBus(t, cfg)

	gate := make(chan struct{})
	bus.Subscribe(MarketDataReceived, "blocker", func(ctx context.Context, e *Event) error {
		<-gate
		return nil
	})

	// One event occupies the worker, two fill the queue; publishing a
	// few more must fail fast rather than block.
	var sawQueueFull bool
	for i := 0; i < 6; i++ {
		start := time.Now()
		err := bus.Publish(marketEvent("AAPL", float64(150+i)))
		assert.Less(t, time.Since(start), 100*time.Millisecond, "Publish must not block")
		if errors.Is(err, ErrQueueFull) {
			sawQueueFull = true
		}
	}
	assert.True(t, sawQueueFull, "expected at least one QueueFull rejection")

	close(gate)
}

func TestBusPublishBeforeStartAndAfterStop(t *testing.T) {
	bus := NewBus(DefaultConfig(), zerolog.Nop())

	err := bus.Publish(marketEvent("AAPL", 150))
	assert.ErrorIs(t, err, ErrBusNotStarted)

	require.NoError(t, bus.Start())
	require.NoError(t, bus.Stop(time.Second))

	err = bus.Publish(marketEvent("AAPL", 150))
	assert.ErrorIs(t, err, ErrBusStopped)
}

func TestBusHandlerTimeoutDoesNotBlockSiblings(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HandlerTimeout = 50 * time.Millisecond
	cfg.RetryAttempts = 0
	bus := testBus(t, cfg)

	var fast atomic.Int32
	bus.Subscribe(MarketDataReceived, "slow", func(ctx context.Context, e *Event) error {
		select {
		case <-time.After(5 * time.Second):
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	bus.Subscribe(MarketDataReceived, "fast", func(ctx context.Context, e *Event) error {
		fast.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(marketEvent("AAPL", 150)))

	assert.Eventually(t, func() bool {
		return fast.Load() == 1
	}, time.Second, 10*time.Millisecond)

	// The slow handler's timeout lands in the failure ring
	assert.Eventually(t, func() bool {
		for _, f := range bus.RecentFailures() {
			if f.Handler == "slow" {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond)
}

func TestBusRetriesFailingHandler(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 2
	cfg.RetryDelay = 5 * time.Millisecond
	bus := testBus(t, cfg)

	var calls atomic.Int32
	bus.Subscribe(OrderCreated, "flaky", func(ctx context.Context, e *Event) error {
		if calls.Add(1) < 3 {
			return fmt.Errorf("transient")
		}
		return nil
	})

	require.NoError(t, bus.Publish(New("test", &OrderCreatedData{OrderID: "ORD_1"})))

	assert.Eventually(t, func() bool {
		return calls.Load() == 3
	}, time.Second, 10*time.Millisecond)

	// Third attempt succeeded, so nothing lands in the failure ring
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, bus.RecentFailures())
	assert.Equal(t, uint64(0), bus.Stats().Failed)
}

func TestBusRecordsExhaustedRetries(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RetryAttempts = 1
	cfg.RetryDelay = 5 * time.Millisecond
	bus := testBus(t, cfg)

	bus.Subscribe(OrderCreated, "doomed", func(ctx context.Context, e *Event) error {
		return fmt.Errorf("permanent")
	})

	require.NoError(t, bus.Publish(New("test", &OrderCreatedData{OrderID: "ORD_1"})))

	assert.Eventually(t, func() bool {
		return bus.Stats().Failed == 1
	}, time.Second, 10*time.Millisecond)

	failures := bus.RecentFailures()
	require.Len(t, failures, 1)
	assert.Equal(t, "doomed", failures[0].Handler)
	assert.Equal(t, 2, failures[0].Attempts)
	assert.Contains(t, failures[0].Error, "permanent")
}

func TestBusUnsubscribe(t *testing.T) {
	bus := testBus(t, DefaultConfig())

	var got atomic.Int32
	id := bus.Subscribe(MarketDataReceived, "once", func(ctx context.Context, e *Event) error {
		got.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(marketEvent("AAPL", 150)))
	assert.Eventually(t, func() bool { return got.Load() == 1 }, time.Second, 10*time.Millisecond)

	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))

	require.NoError(t, bus.Publish(marketEvent("AAPL", 151)))
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), got.Load())
}

func TestBusStopDrainsQueue(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxQueueSize = 100
	bus := NewBus(cfg, zerolog.Nop())
	require.NoError(t, bus.Start())

	var processed atomic.Int32
	bus.Subscribe(MarketDataReceived, "drain", func(ctx context.Context, e *Event) error {
		processed.Add(1)
		return nil
	})

	const n = 50
	for i := 0; i < n; i++ {
		require.NoError(t, bus.Publish(marketEvent("AAPL", float64(100+i))))
	}

	require.NoError(t, bus.Stop(2*time.Second))
	assert.Equal(t, int32(n), processed.Load())
}

func TestBusAuditRingRecordsPublishedEvents(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistenceEnabled = true
	bus := testBus(t, cfg)

	e1 := marketEvent("AAPL", 150)
	e2 := New("test", &OrderCreatedData{OrderID: "ORD_1", Symbol: "AAPL"})
	require.NoError(t, bus.Publish(e1))
	require.NoError(t, bus.Publish(e2))

	records := bus.AuditLog()
	require.Len(t, records, 2)
	assert.Equal(t, e1.ID, records[0].EventID)
	assert.Equal(t, MarketDataReceived, records[0].Type)
	assert.Equal(t, e2.ID, records[1].EventID)
	assert.Equal(t, uint64(1), records[0].Sequence)
	assert.Equal(t, uint64(2), records[1].Sequence)
}

func TestBusAuditDisabledWhenPersistenceOff(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PersistenceEnabled = false
	bus := testBus(t, cfg)

	require.NoError(t, bus.Publish(marketEvent("AAPL", 150)))
	assert.Empty(t, bus.AuditLog())
}

func TestBusFlushAuditRoundTrip(t *testing.T) {
	bus := testBus(t, DefaultConfig())

	require.NoError(t, bus.Publish(marketEvent("AAPL", 150)))
	require.NoError(t, bus.Publish(marketEvent("MSFT", 400)))

	path := filepath.Join(t.TempDir(), "audit", "events.msgpack")
	require.NoError(t, bus.FlushAudit(path))

	records, err := ReadAuditFile(path)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, MarketDataReceived, records[0].Type)

	_, err = os.Stat(path + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file must be renamed away")
}

func TestBusStatsCounters(t *testing.T) {
	bus := testBus(t, DefaultConfig())

	bus.Subscribe(MarketDataReceived, "ok", func(ctx context.Context, e *Event) error {
		return nil
	})

	for i := 0; i < 5; i++ {
		require.NoError(t, bus.Publish(marketEvent("AAPL", float64(150+i))))
	}

	assert.Eventually(t, func() bool {
		return bus.Stats().Processed == 5
	}, time.Second, 10*time.Millisecond)

	stats := bus.Stats()
	assert.Equal(t, uint64(5), stats.Published)
	assert.Equal(t, uint64(0), stats.Failed)
	assert.Equal(t, uint64(0), stats.Dropped)
	assert.Equal(t, 1, stats.HandlerCount)
	assert.GreaterOrEqual(t, stats.Workers, 1)
}

func TestBusWorkerCountDerivation(t *testing.T) {
	tests := []struct {
		maxConcurrent int
		want          int
	}{
		{5, 1},
		{10, 1},
		{20, 2},
		{40, 4},
		{50, 4},
		{500, 4},
	}

	for _, tt := range tests {
		cfg := DefaultConfig()
		cfg.MaxConcurrentHandlers = tt.maxConcurrent
		bus := NewBus(cfg, zerolog.Nop())
		assert.Equal(t, tt.want, bus.workers, "max_concurrent_handlers=%d", tt.maxConcurrent)
	}
}
