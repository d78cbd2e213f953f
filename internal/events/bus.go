package events

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// monitorInterval is how often the bus logs its counters and checks for
// saturation or elevated failure rates.
const monitorInterval = 30 * time.Second

const (
	auditRingSize   = 10000
	failureRingSize = 1000
)

// Config tunes the event bus
type Config struct {
	MaxQueueSize          int
	MaxConcurrentHandlers int
	HandlerTimeout        time.Duration
	RetryAttempts         int
	RetryDelay            time.Duration
	PersistenceEnabled    bool
}

// DefaultConfig returns the bus tuning used when none is configured
func DefaultConfig() Config {
	return Config{
		MaxQueueSize:          1000,
		MaxConcurrentHandlers: 50,
		HandlerTimeout:        5 * time.Second,
		RetryAttempts:         2,
		RetryDelay:            100 * time.Millisecond,
		PersistenceEnabled:    true,
	}
}

// HandlerFunc processes one event. The context carries the per-invocation
// deadline; handlers that outlive it are abandoned and counted as failed.
type HandlerFunc func(ctx context.Context, event *Event) error

// subscription is one registered handler
type subscription struct {
	id     string
	name   string
	fn     HandlerFunc
	typ    EventType
	all    bool
	filter func(EventType) bool
}

// canHandle reports whether this subscription wants events of type t
func (s *subscription) canHandle(t EventType) bool {
	if s.all {
		return s.filter == nil || s.filter(t)
	}
	return s.typ == t
}

// Bus is a typed publish/subscribe event bus with a bounded queue, a
// bounded worker pool, per-handler timeouts and retries, and rolling
// failure and audit logs. Publish never blocks the caller.
type Bus struct {
	cfg Config
	log zerolog.Logger

	queue chan *Event
	sem   chan struct{}

	subMu   sync.RWMutex
	byType  map[EventType][]*subscription
	global  []*subscription

	mu      sync.Mutex
	started bool
	stopped bool
	drain   chan struct{}
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	startedAt time.Time
	workers   int

	seq            uint64
	published      uint64
	processed      uint64
	failed         uint64
	dropped        uint64
	procTotalNanos int64

	// Snapshots taken by the monitor to compute windowed failure rates
	monProcessed uint64
	monFailed    uint64

	audit    *auditRing
	failures *failureRing
}

// NewBus creates an event bus. Worker count is derived from the
// concurrency budget: one worker per ten concurrent handler slots,
// capped at four, floor one.
func NewBus(cfg Config, log zerolog.Logger) *Bus {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = DefaultConfig().MaxQueueSize
	}
	if cfg.MaxConcurrentHandlers <= 0 {
		cfg.MaxConcurrentHandlers = DefaultConfig().MaxConcurrentHandlers
	}
	if cfg.HandlerTimeout <= 0 {
		cfg.HandlerTimeout = DefaultConfig().HandlerTimeout
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultConfig().RetryDelay
	}

	workers := cfg.MaxConcurrentHandlers / 10
	if workers > 4 {
		workers = 4
	}
	if workers < 1 {
		workers = 1
	}

	return &Bus{
		cfg:      cfg,
		log:      log.With().Str("component", "event_bus").Logger(),
		queue:    make(chan *Event, cfg.MaxQueueSize),
		sem:      make(chan struct{}, cfg.MaxConcurrentHandlers),
		byType:   make(map[EventType][]*subscription),
		workers:  workers,
		audit:    newAuditRing(auditRingSize),
		failures: newFailureRing(failureRingSize),
	}
}

// Start launches the worker pool and the monitor loop
func (b *Bus) Start() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.started {
		return fmt.Errorf("event bus already started")
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	b.drain = make(chan struct{})
	b.started = true
	b.stopped = false
	b.startedAt = time.Now()

	for i := 0; i < b.workers; i++ {
		b.wg.Add(1)
		go b.workerLoop(i)
	}

	b.wg.Add(1)
	go b.monitorLoop()

	b.log.Info().
		Int("workers", b.workers).
		Int("queue_size", b.cfg.MaxQueueSize).
		Int("max_concurrent_handlers", b.cfg.MaxConcurrentHandlers).
		Dur("handler_timeout", b.cfg.HandlerTimeout).
		Int("retry_attempts", b.cfg.RetryAttempts).
		Bool("persistence", b.cfg.PersistenceEnabled).
		Msg("Event bus started")

	return nil
}

// Stop drains in-flight events up to timeout, then cancels workers.
// New publishes are rejected as soon as Stop is called.
func (b *Bus) Stop(timeout time.Duration) error {
	b.mu.Lock()
	if !b.started || b.stopped {
		b.mu.Unlock()
		return nil
	}
	b.stopped = true
	close(b.drain)
	b.mu.Unlock()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		b.cancel()
	case <-time.After(timeout):
		b.log.Warn().
			Dur("timeout", timeout).
			Int("remaining", len(b.queue)).
			Msg("Event bus drain timed out, cancelling outstanding handlers")
		b.cancel()
		<-done
	}

	b.mu.Lock()
	b.started = false
	b.mu.Unlock()

	stats := b.Stats()
	b.log.Info().
		Uint64("published", stats.Published).
		Uint64("processed", stats.Processed).
		Uint64("failed", stats.Failed).
		Uint64("dropped", stats.Dropped).
		Msg("Event bus stopped")

	return nil
}

// Publish enqueues an event. It never blocks: when the queue is
// saturated it fails immediately with ErrQueueFull and the producer
// decides whether to drop or retry. The event must not be mutated after
// this call.
func (b *Bus) Publish(event *Event) error {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return ErrBusStopped
	}
	if !b.started {
		b.mu.Unlock()
		return ErrBusNotStarted
	}
	b.mu.Unlock()

	event.Sequence = atomic.AddUint64(&b.seq, 1)
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	select {
	case b.queue <- event:
		atomic.AddUint64(&b.published, 1)
		if b.cfg.PersistenceEnabled {
			b.audit.add(event.summary())
		}
		return nil
	default:
		atomic.AddUint64(&b.dropped, 1)
		return ErrQueueFull
	}
}

// Emit builds an event from a payload and publishes it. Convenience for
// producers that do not carry a causing event.
func (b *Bus) Emit(module string, data EventData) error {
	return b.Publish(New(module, data))
}

// EmitCorrelated builds an event that inherits the cause's correlation id
func (b *Bus) EmitCorrelated(module string, data EventData, cause *Event) error {
	return b.Publish(NewCorrelated(module, data, cause))
}

// Subscribe registers a handler for one event type and returns a
// subscription id for Unsubscribe.
func (b *Bus) Subscribe(eventType EventType, name string, fn HandlerFunc) string {
	sub := &subscription{
		id:   uuid.NewString(),
		name: name,
		fn:   fn,
		typ:  eventType,
	}

	b.subMu.Lock()
	b.byType[eventType] = append(b.byType[eventType], sub)
	b.subMu.Unlock()

	b.log.Debug().
		Str("handler", name).
		Str("event_type", string(eventType)).
		Msg("Handler subscribed")

	return sub.id
}

// SubscribeAll registers a handler for every event type
func (b *Bus) SubscribeAll(name string, fn HandlerFunc) string {
	return b.SubscribeFiltered(name, fn, nil)
}

// SubscribeFiltered registers a global handler that only receives event
// types accepted by the filter. A nil filter accepts everything.
func (b *Bus) SubscribeFiltered(name string, fn HandlerFunc, filter func(EventType) bool) string {
	sub := &subscription{
		id:     uuid.NewString(),
		name:   name,
		fn:     fn,
		all:    true,
		filter: filter,
	}

	b.subMu.Lock()
	b.global = append(b.global, sub)
	b.subMu.Unlock()

	b.log.Debug().Str("handler", name).Msg("Global handler subscribed")

	return sub.id
}

// Unsubscribe removes a subscription by id
func (b *Bus) Unsubscribe(id string) bool {
	b.subMu.Lock()
	defer b.subMu.Unlock()

	for t, subs := range b.byType {
		for i, sub := range subs {
			if sub.id == id {
				b.byType[t] = append(subs[:i:i], subs[i+1:]...)
				return true
			}
		}
	}
	for i, sub := range b.global {
		if sub.id == id {
			b.global = append(b.global[:i:i], b.global[i+1:]...)
			return true
		}
	}
	return false
}

// HandlerCount returns the number of registered subscriptions
func (b *Bus) HandlerCount() int {
	b.subMu.RLock()
	defer b.subMu.RUnlock()

	n := len(b.global)
	for _, subs := range b.byType {
		n += len(subs)
	}
	return n
}

// Stats returns a snapshot of the bus counters
func (b *Bus) Stats() Stats {
	processed := atomic.LoadUint64(&b.processed)
	totalNanos := atomic.LoadInt64(&b.procTotalNanos)

	var avgMs float64
	if processed > 0 {
		avgMs = float64(totalNanos) / float64(processed) / 1e6
	}

	return Stats{
		StartedAt:       b.startedAt,
		Published:       atomic.LoadUint64(&b.published),
		Processed:       processed,
		Failed:          atomic.LoadUint64(&b.failed),
		Dropped:         atomic.LoadUint64(&b.dropped),
		QueueDepth:      len(b.queue),
		QueueCapacity:   b.cfg.MaxQueueSize,
		HandlerCount:    b.HandlerCount(),
		Workers:         b.workers,
		AvgProcessingMs: avgMs,
		Uptime:          time.Since(b.startedAt),
	}
}

// AuditLog returns a copy of the audit ring, oldest first
func (b *Bus) AuditLog() []AuditRecord {
	return b.audit.snapshot()
}

// RecentFailures returns a copy of the handler failure ring, oldest first
func (b *Bus) RecentFailures() []HandlerFailure {
	return b.failures.snapshot()
}

// workerLoop pops events until stopped, then drains whatever is left
func (b *Bus) workerLoop(worker int) {
	defer b.wg.Done()

	for {
		select {
		case event := <-b.queue:
			b.process(event)
		case <-b.ctx.Done():
			return
		case <-b.drain:
			for {
				select {
				case event := <-b.queue:
					b.process(event)
				case <-b.ctx.Done():
					return
				default:
					return
				}
			}
		}
	}
}

// process runs every matching handler for one event. Handlers run
// concurrently, bounded by the handler semaphore; the event is
// acknowledged once all handlers have finished or exhausted retries.
func (b *Bus) process(event *Event) {
	start := time.Now()

	b.subMu.RLock()
	matching := make([]*subscription, 0, len(b.byType[event.Type])+len(b.global))
	for _, sub := range b.byType[event.Type] {
		matching = append(matching, sub)
	}
	for _, sub := range b.global {
		if sub.canHandle(event.Type) {
			matching = append(matching, sub)
		}
	}
	b.subMu.RUnlock()

	if len(matching) > 0 {
		var hwg sync.WaitGroup
		for _, sub := range matching {
			hwg.Add(1)
			go func(s *subscription) {
				defer hwg.Done()

				select {
				case b.sem <- struct{}{}:
				case <-b.ctx.Done():
					return
				}
				defer func() { <-b.sem }()

				b.invoke(s, event)
			}(sub)
		}
		hwg.Wait()
	}

	atomic.AddUint64(&b.processed, 1)
	atomic.AddInt64(&b.procTotalNanos, time.Since(start).Nanoseconds())
}

// invoke runs one handler with timeout and linear-backoff retries.
// A handler that fails all attempts is recorded in the failure ring;
// the event is still acknowledged.
func (b *Bus) invoke(sub *subscription, event *Event) {
	var lastErr error
	attempts := 0

	for attempt := 0; attempt <= b.cfg.RetryAttempts; attempt++ {
		attempts = attempt + 1

		err := b.runHandler(sub, event)
		if err == nil {
			if attempt > 0 {
				b.log.Debug().
					Str("handler", sub.name).
					Str("event_type", string(event.Type)).
					Int("attempt", attempts).
					Msg("Handler recovered after retry")
			}
			return
		}
		lastErr = err

		if attempt == b.cfg.RetryAttempts {
			break
		}

		backoff := b.cfg.RetryDelay * time.Duration(attempt+1)
		select {
		case <-time.After(backoff):
		case <-b.ctx.Done():
			attempt = b.cfg.RetryAttempts
		}
	}

	atomic.AddUint64(&b.failed, 1)
	b.failures.add(HandlerFailure{
		Timestamp: time.Now().UTC(),
		Handler:   sub.name,
		EventID:   event.ID,
		EventType: event.Type,
		Error:     lastErr.Error(),
		Attempts:  attempts,
	})

	b.log.Warn().
		Str("handler", sub.name).
		Str("event_type", string(event.Type)).
		Str("event_id", event.ID).
		Int("attempts", attempts).
		Err(lastErr).
		Msg("Handler failed after retries")
}

// runHandler executes one attempt under the handler timeout. Handlers
// that outlive the deadline are abandoned; the context carries the
// best-effort cancellation signal.
func (b *Bus) runHandler(sub *subscription, event *Event) error {
	ctx, cancel := context.WithTimeout(b.ctx, b.cfg.HandlerTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("handler panic: %v", r)
			}
		}()
		done <- sub.fn(ctx, event)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("handler %s exceeded %s: %w", sub.name, b.cfg.HandlerTimeout, ctx.Err())
	}
}

// monitorLoop periodically logs bus stats and warns on saturation or an
// elevated failure rate over the last window.
func (b *Bus) monitorLoop() {
	defer b.wg.Done()

	ticker := time.NewTicker(monitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.checkHealth()
		case <-b.drain:
			return
		case <-b.ctx.Done():
			return
		}
	}
}

func (b *Bus) checkHealth() {
	stats := b.Stats()

	b.log.Debug().
		Uint64("published", stats.Published).
		Uint64("processed", stats.Processed).
		Uint64("failed", stats.Failed).
		Uint64("dropped", stats.Dropped).
		Int("queue_depth", stats.QueueDepth).
		Float64("avg_processing_ms", stats.AvgProcessingMs).
		Msg("Event bus stats")

	if stats.QueueCapacity > 0 {
		fill := float64(stats.QueueDepth) / float64(stats.QueueCapacity)
		if fill >= 0.8 {
			b.log.Warn().
				Int("queue_depth", stats.QueueDepth).
				Int("queue_capacity", stats.QueueCapacity).
				Float64("fill_pct", fill*100).
				Msg("Event queue nearing capacity")
		}
	}

	windowProcessed := stats.Processed - b.monProcessed
	windowFailed := stats.Failed - b.monFailed
	b.monProcessed = stats.Processed
	b.monFailed = stats.Failed

	if windowProcessed > 0 {
		rate := float64(windowFailed) / float64(windowProcessed)
		if rate > 0.10 {
			b.log.Warn().
				Uint64("window_failed", windowFailed).
				Uint64("window_processed", windowProcessed).
				Float64("failure_rate_pct", rate*100).
				Msg("Elevated handler failure rate")
		}
	}
}
