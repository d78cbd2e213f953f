// Package routing picks a broker for each order, fails over between brokers
// when one refuses, and keeps per-broker throughput windows and counters.
package routing

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

// ErrNoBrokersAvailable is returned when no broker passes the pre-selection
// filters or every candidate refused the order.
var ErrNoBrokersAvailable = errors.New("no brokers available")

const (
	// perfResponseWeight scales the 1/avg_ms term so a 100 ms broker
	// contributes 1.0 to the performance score.
	perfResponseWeight = 100.0
	perfSuccessWeight  = 1.0
	perfLoadWeight     = 0.5
	// neutralResponseMs stands in for brokers with no response samples yet.
	neutralResponseMs = 100.0

	// loadTarget and topKBrokers shape optional load balancing: each minute,
	// ceil(loadTarget * healthy) orders rotate across the top topKBrokers
	// candidates instead of always hitting the best one.
	loadTarget  = 0.5
	topKBrokers = 3
)

// Config tunes broker selection.
type Config struct {
	Policy              domain.RoutingPolicy
	EnableLoadBalancing bool
	// MaxFailoverAttempts is how many further candidates are tried after the
	// first choice fails.
	MaxFailoverAttempts int
}

// DefaultConfig returns the routing defaults.
func DefaultConfig() Config {
	return Config{
		Policy:              domain.RouteHealthBased,
		EnableLoadBalancing: true,
		MaxFailoverAttempts: 3,
	}
}

// HealthTracker is what the router needs from the broker health monitor:
// probe registration, health snapshots for selection, and a sink for
// submit-path outcomes so routing failures count against a broker's health.
type HealthTracker interface {
	Track(brokerID string, adapter domain.BrokerAdapter)
	Untrack(brokerID string)
	Health(brokerID string) (domain.BrokerHealth, bool)
	RecordSuccess(brokerID string, elapsed time.Duration)
	RecordFailure(brokerID string, err error)
}

// Stats is a snapshot of the router counters.
type Stats struct {
	Policy          string            `json:"policy"`
	OrdersRouted    uint64            `json:"orders_routed"`
	OrdersFailed    uint64            `json:"orders_failed"`
	FailoverEvents  uint64            `json:"failover_events"`
	Cancellations   uint64            `json:"cancellations"`
	LoadSpread      uint64            `json:"load_spread"`
	Brokers         int               `json:"brokers"`
	RoutableBrokers int               `json:"routable_brokers"`
	PerBroker       map[string]uint64 `json:"per_broker"`
}

type brokerEntry struct {
	cfg      domain.BrokerConfig
	adapter  domain.BrokerAdapter
	window   []time.Time
	lastUsed time.Time
	routed   uint64
}

// candidate is one broker that passed the pre-selection filters, carrying
// the snapshot the policies score on.
type candidate struct {
	id      string
	adapter domain.BrokerAdapter
	cfg     domain.BrokerConfig
	health  domain.BrokerHealth
	load    float64
}

// Router owns the broker table. Health metrics live in the health monitor;
// the submit path reports its outcomes there so both probes and real orders
// feed the same per-broker state.
type Router struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu         sync.Mutex
	tracker    HealthTracker
	brokers    map[string]*brokerEntry
	byOrder    map[string]string
	rrCursor   int
	minuteMark time.Time
	spreadUsed int
	counts     Stats
}

// NewRouter builds a router with no brokers registered.
func NewRouter(cfg Config, bus *events.Bus, log zerolog.Logger) *Router {
	if cfg.MaxFailoverAttempts < 0 {
		cfg.MaxFailoverAttempts = 0
	}
	return &Router{
		cfg:     cfg,
		bus:     bus,
		log:     log.With().Str("component", "broker_router").Logger(),
		brokers: make(map[string]*brokerEntry),
		byOrder: make(map[string]string),
	}
}

// SetHealthTracker wires the broker health monitor. Without one, every
// registered broker is treated as healthy.
func (r *Router) SetHealthTracker(tracker HealthTracker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tracker = tracker
}

// AddBroker registers a broker and connects its adapter. A connect failure
// does not unregister the broker; the health monitor's auto-recovery keeps
// trying.
func (r *Router) AddBroker(ctx context.Context, cfg domain.BrokerConfig, adapter domain.BrokerAdapter) error {
	if cfg.ID == "" {
		return fmt.Errorf("broker config has no id")
	}
	if adapter == nil {
		return fmt.Errorf("broker %s has no adapter", cfg.ID)
	}

	r.mu.Lock()
	if _, exists := r.brokers[cfg.ID]; exists {
		r.mu.Unlock()
		return fmt.Errorf("broker %s already registered", cfg.ID)
	}
	r.brokers[cfg.ID] = &brokerEntry{cfg: cfg, adapter: adapter}
	tracker := r.tracker
	r.mu.Unlock()

	if tracker != nil {
		tracker.Track(cfg.ID, adapter)
	}
	if !adapter.IsConnected() {
		if err := adapter.Connect(ctx); err != nil {
			r.log.Warn().Err(err).Str("broker_id", cfg.ID).Msg("Broker connect failed at registration")
		}
	}

	r.log.Info().
		Str("broker_id", cfg.ID).
		Str("kind", cfg.Kind).
		Int("priority", cfg.Priority).
		Bool("enabled", cfg.Enabled).
		Msg("Broker registered")
	return nil
}

// RemoveBroker unregisters a broker. Returns false when the id is unknown.
// In-flight broker order ids routed to it are forgotten, so later
// cancellations for those orders report failure.
func (r *Router) RemoveBroker(brokerID string) bool {
	r.mu.Lock()
	_, exists := r.brokers[brokerID]
	if !exists {
		r.mu.Unlock()
		return false
	}
	delete(r.brokers, brokerID)
	for brokerOrderID, id := range r.byOrder {
		if id == brokerID {
			delete(r.byOrder, brokerOrderID)
		}
	}
	tracker := r.tracker
	r.mu.Unlock()

	if tracker != nil {
		tracker.Untrack(brokerID)
	}
	r.log.Info().Str("broker_id", brokerID).Msg("Broker removed")
	return true
}

// SubmitOrder routes one order: filter, rank by policy, then walk the
// candidate list until a broker accepts or failover attempts run out. Every
// failed hop is counted and published as a failover event.
func (r *Router) SubmitOrder(ctx context.Context, order *domain.Order) (string, string, error) {
	candidates := r.candidates(order)
	if len(candidates) == 0 {
		r.mu.Lock()
		r.counts.OrdersFailed++
		r.mu.Unlock()
		return "", "", fmt.Errorf("%w: no candidate passed the filters", ErrNoBrokersAvailable)
	}

	attempts := 1 + r.cfg.MaxFailoverAttempts
	attempts = min(attempts, len(candidates))

	var lastErr error
	for i := 0; i < attempts; i++ {
		cand := candidates[i]
		start := time.Now()
		brokerOrderID, err := cand.adapter.SubmitOrder(ctx, order)
		elapsed := time.Since(start)

		if err == nil {
			r.recordSuccess(cand.id, brokerOrderID, elapsed)
			r.log.Info().
				Str("order_id", order.OrderID).
				Str("broker_id", cand.id).
				Str("broker_order_id", brokerOrderID).
				Int("attempt", i+1).
				Msg("Order routed")
			return brokerOrderID, cand.id, nil
		}

		lastErr = err
		next := ""
		if i+1 < attempts {
			next = candidates[i+1].id
		}
		r.recordFailover(order.OrderID, cand.id, next, err, i+1)
	}

	r.mu.Lock()
	r.counts.OrdersFailed++
	r.mu.Unlock()
	return "", "", fmt.Errorf("%w: %d brokers tried, last error: %v", ErrNoBrokersAvailable, attempts, lastErr)
}

// CancelOrder cancels an order at the broker it was routed to. Returns false
// when the broker order id is unknown or the broker refuses.
func (r *Router) CancelOrder(ctx context.Context, brokerOrderID string) bool {
	r.mu.Lock()
	brokerID, known := r.byOrder[brokerOrderID]
	var adapter domain.BrokerAdapter
	if entry, ok := r.brokers[brokerID]; known && ok {
		adapter = entry.adapter
	}
	r.mu.Unlock()

	if adapter == nil {
		r.log.Warn().Str("broker_order_id", brokerOrderID).Msg("Cancel for unrouted order")
		return false
	}

	cancelled, err := adapter.CancelOrder(ctx, brokerOrderID)
	if err != nil {
		r.log.Warn().Err(err).
			Str("broker_order_id", brokerOrderID).
			Str("broker_id", brokerID).
			Msg("Broker cancel failed")
		return false
	}
	if cancelled {
		r.mu.Lock()
		delete(r.byOrder, brokerOrderID)
		r.counts.Cancellations++
		r.mu.Unlock()
	}
	return cancelled
}

// GetAccountInfo returns the account snapshot from the healthiest broker
// that answers.
func (r *Router) GetAccountInfo(ctx context.Context) (*domain.AccountInfo, error) {
	for _, cand := range r.routable() {
		info, err := cand.adapter.GetAccountInfo(ctx)
		if err != nil {
			r.log.Warn().Err(err).Str("broker_id", cand.id).Msg("Account info request failed")
			continue
		}
		return info, nil
	}
	return nil, fmt.Errorf("%w: no broker answered the account request", ErrNoBrokersAvailable)
}

// GetPositions aggregates positions across all routable brokers, merging
// same-symbol lines with quantity-weighted average cost.
func (r *Router) GetPositions(ctx context.Context) ([]domain.BrokerPosition, error) {
	merged := make(map[string]*domain.BrokerPosition)
	var answered bool
	for _, cand := range r.routable() {
		positions, err := cand.adapter.GetPositions(ctx)
		if err != nil {
			r.log.Warn().Err(err).Str("broker_id", cand.id).Msg("Positions request failed")
			continue
		}
		answered = true
		for _, pos := range positions {
			key := pos.Symbol + "|" + pos.Side
			existing, ok := merged[key]
			if !ok {
				p := pos
				merged[key] = &p
				continue
			}
			total := existing.Quantity + pos.Quantity
			if total != 0 {
				existing.AvgCost = (existing.AvgCost*existing.Quantity + pos.AvgCost*pos.Quantity) / total
			}
			existing.Quantity = total
			existing.MarketValue += pos.MarketValue
		}
	}
	if !answered {
		return nil, fmt.Errorf("%w: no broker answered the positions request", ErrNoBrokersAvailable)
	}

	out := make([]domain.BrokerPosition, 0, len(merged))
	for _, pos := range merged {
		out = append(out, *pos)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Symbol == out[j].Symbol {
			return out[i].Side < out[j].Side
		}
		return out[i].Symbol < out[j].Symbol
	})
	return out, nil
}

// AllHealth returns the health snapshot of every registered broker.
func (r *Router) AllHealth() map[string]domain.BrokerHealth {
	r.mu.Lock()
	ids := make([]string, 0, len(r.brokers))
	for id := range r.brokers {
		ids = append(ids, id)
	}
	tracker := r.tracker
	r.mu.Unlock()

	out := make(map[string]domain.BrokerHealth, len(ids))
	for _, id := range ids {
		if tracker != nil {
			if health, ok := tracker.Health(id); ok {
				out[id] = health
				continue
			}
		}
		out[id] = domain.BrokerHealth{BrokerID: id, Status: domain.HealthUnknown}
	}
	return out
}

// Brokers returns the registered broker configs, priority order.
func (r *Router) Brokers() []domain.BrokerConfig {
	r.mu.Lock()
	out := make([]domain.BrokerConfig, 0, len(r.brokers))
	for _, entry := range r.brokers {
		out = append(out, entry.cfg)
	}
	r.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Priority == out[j].Priority {
			return out[i].ID < out[j].ID
		}
		return out[i].Priority < out[j].Priority
	})
	return out
}

// Stats returns a snapshot of the router counters.
func (r *Router) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := r.counts
	out.Policy = string(r.cfg.Policy)
	out.Brokers = len(r.brokers)
	out.PerBroker = make(map[string]uint64, len(r.brokers))
	for id, entry := range r.brokers {
		out.PerBroker[id] = entry.routed
		if entry.cfg.Enabled && r.healthLocked(id).Status.Routable() {
			out.RoutableBrokers++
		}
	}
	return out
}

// candidates filters and orders the brokers for one order, applying the
// optional load-balance rotation at the front of the list.
func (r *Router) candidates(order *domain.Order) []candidate {
	now := time.Now()

	r.mu.Lock()
	totalWindow := 0
	for _, entry := range r.brokers {
		entry.window = pruneWindow(entry.window, now)
		totalWindow += len(entry.window)
	}

	cands := make([]candidate, 0, len(r.brokers))
	for id, entry := range r.brokers {
		if !entry.cfg.Enabled {
			continue
		}
		health := r.healthLocked(id)
		if !health.Status.Routable() {
			continue
		}
		if entry.cfg.MaxOrdersPerMinute > 0 && len(entry.window) >= entry.cfg.MaxOrdersPerMinute {
			continue
		}
		if entry.cfg.MaxOrderValue > 0 && order.Notional(0) > entry.cfg.MaxOrderValue {
			continue
		}
		load := 0.0
		if totalWindow > 0 {
			load = float64(len(entry.window)) / float64(totalWindow)
		}
		cands = append(cands, candidate{
			id:      id,
			adapter: entry.adapter,
			cfg:     entry.cfg,
			health:  health,
			load:    load,
		})
	}

	r.orderByPolicyLocked(cands, now)

	if r.cfg.EnableLoadBalancing && r.cfg.Policy != domain.RouteRoundRobin && len(cands) > 1 {
		minute := now.Truncate(time.Minute)
		if !minute.Equal(r.minuteMark) {
			r.minuteMark = minute
			r.spreadUsed = 0
		}
		quota := int(math.Ceil(loadTarget * float64(len(cands))))
		if r.spreadUsed < quota {
			k := min(topKBrokers, len(cands))
			idx := r.spreadUsed % k
			rotateToFront(cands, idx)
			r.spreadUsed++
			r.counts.LoadSpread++
		}
	}
	r.mu.Unlock()

	return cands
}

// orderByPolicyLocked sorts candidates in selection order. Callers hold r.mu.
func (r *Router) orderByPolicyLocked(cands []candidate, now time.Time) {
	switch r.cfg.Policy {
	case domain.RoutePriorityBased:
		// Lowest priority number first; within a tie the least recently
		// used broker goes first.
		sort.Slice(cands, func(i, j int) bool {
			if cands[i].cfg.Priority != cands[j].cfg.Priority {
				return cands[i].cfg.Priority < cands[j].cfg.Priority
			}
			li := r.brokers[cands[i].id].lastUsed
			lj := r.brokers[cands[j].id].lastUsed
			if !li.Equal(lj) {
				return li.Before(lj)
			}
			return cands[i].id < cands[j].id
		})
	case domain.RouteRoundRobin:
		sort.Slice(cands, func(i, j int) bool { return cands[i].id < cands[j].id })
		if len(cands) > 1 {
			rotateToFront(cands, r.rrCursor%len(cands))
			r.rrCursor++
		}
	case domain.RoutePerformanceBased:
		sortByScore(cands, performanceScore)
	default: // HealthBased
		sortByScore(cands, healthScore)
	}
}

// healthLocked returns the tracker's snapshot for a broker, or an optimistic
// healthy default when the broker has never been probed. Callers hold r.mu.
func (r *Router) healthLocked(brokerID string) domain.BrokerHealth {
	if r.tracker != nil {
		if health, ok := r.tracker.Health(brokerID); ok {
			return health
		}
	}
	return domain.BrokerHealth{
		BrokerID:    brokerID,
		Status:      domain.HealthHealthy,
		SuccessRate: 1.0,
		UptimePct:   100.0,
	}
}

func (r *Router) recordSuccess(brokerID, brokerOrderID string, elapsed time.Duration) {
	now := time.Now()
	r.mu.Lock()
	if entry, ok := r.brokers[brokerID]; ok {
		entry.window = append(entry.window, now)
		entry.lastUsed = now
		entry.routed++
	}
	r.byOrder[brokerOrderID] = brokerID
	r.counts.OrdersRouted++
	tracker := r.tracker
	r.mu.Unlock()

	if tracker != nil {
		tracker.RecordSuccess(brokerID, elapsed)
	}
}

func (r *Router) recordFailover(orderID, from, to string, cause error, attempt int) {
	r.mu.Lock()
	if entry, ok := r.brokers[from]; ok {
		entry.lastUsed = time.Now()
	}
	r.counts.FailoverEvents++
	tracker := r.tracker
	r.mu.Unlock()

	if tracker != nil {
		tracker.RecordFailure(from, cause)
	}

	if err := r.bus.Emit("broker_router", &events.BrokerFailoverData{
		OrderID:    orderID,
		FromBroker: from,
		ToBroker:   to,
		Reason:     cause.Error(),
		Attempt:    attempt,
	}); err != nil {
		r.log.Debug().Err(err).Msg("Failover event dropped")
	}

	r.log.Warn().
		Str("order_id", orderID).
		Str("from_broker", from).
		Str("to_broker", to).
		Int("attempt", attempt).
		Err(cause).
		Msg("Broker submit failed, failing over")
}

// routable returns enabled brokers with routable health, best health first.
// Used by the account and position views, which ignore per-order filters.
func (r *Router) routable() []candidate {
	r.mu.Lock()
	cands := make([]candidate, 0, len(r.brokers))
	for id, entry := range r.brokers {
		if !entry.cfg.Enabled {
			continue
		}
		health := r.healthLocked(id)
		if !health.Status.Routable() {
			continue
		}
		cands = append(cands, candidate{id: id, adapter: entry.adapter, cfg: entry.cfg, health: health})
	}
	r.mu.Unlock()

	sortByScore(cands, healthScore)
	return cands
}

func healthScore(c candidate) float64 {
	return c.health.SuccessRate - 0.01*float64(c.health.ConsecutiveFailures)
}

func performanceScore(c candidate) float64 {
	avgMs := c.health.AvgResponseMs
	if avgMs <= 0 {
		avgMs = neutralResponseMs
	}
	return perfResponseWeight/avgMs + perfSuccessWeight*c.health.SuccessRate - perfLoadWeight*c.load
}

// sortByScore orders candidates by score descending with a stable
// priority-then-id tiebreak, so equal scores route deterministically.
func sortByScore(cands []candidate, score func(candidate) float64) {
	sort.Slice(cands, func(i, j int) bool {
		si, sj := score(cands[i]), score(cands[j])
		if si != sj {
			return si > sj
		}
		if cands[i].cfg.Priority != cands[j].cfg.Priority {
			return cands[i].cfg.Priority < cands[j].cfg.Priority
		}
		return cands[i].id < cands[j].id
	})
}

func rotateToFront(cands []candidate, idx int) {
	if idx <= 0 || idx >= len(cands) {
		return
	}
	picked := cands[idx]
	copy(cands[1:idx+1], cands[:idx])
	cands[0] = picked
}

func pruneWindow(window []time.Time, now time.Time) []time.Time {
	cutoff := now.Add(-time.Minute)
	keep := window[:0]
	for _, ts := range window {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	return keep
}
