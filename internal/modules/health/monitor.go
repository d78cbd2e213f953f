package health

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gonum.org/v1/gonum/stat"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
)

const (
	// probeTimeout bounds a single GetAccountInfo liveness probe
	probeTimeout = 10 * time.Second

	// responseSampleSize is the response-time ring capacity per broker
	responseSampleSize = 100

	// trendWindow is how many recent response samples feed the slope fit
	trendWindow = 10

	// trendSlopeMs is the ms-per-check slope above which response times are
	// considered to be trending upward
	trendSlopeMs = 50.0

	// autoRecoveryFailures is the consecutive-failure count that triggers a
	// reconnect attempt
	autoRecoveryFailures = 2

	failuresWarning  = 2
	failuresCritical = 5
	uptimeWarning    = 95.0
	uptimeCritical   = 80.0
	responseWarning  = 1000.0
	responseCritical = 5000.0

	// uptimeMinSamples is how many outcomes the uptime thresholds need
	// before they apply; below this a lone early failure would dominate
	// the ratio
	uptimeMinSamples = 20

	systemHealthyWarning  = 0.8
	systemHealthyCritical = 0.5
)

// AlertCallback receives every health alert the monitor raises, in addition
// to the copy published on the event bus.
type AlertCallback func(alert domain.HealthAlert)

// Config holds the monitor settings.
type Config struct {
	// CheckInterval is the probe period per broker
	CheckInterval time.Duration

	// RetentionHours sizes the success ring: retention_hours*3600/interval
	RetentionHours int

	// AutoRecovery reconnects a broker after repeated failures
	AutoRecovery bool

	// PredictiveAlerts enables the response-time trend alert
	PredictiveAlerts bool
}

// brokerState is the rolling probe bookkeeping for one tracked broker.
type brokerState struct {
	adapter domain.BrokerAdapter

	responses *floatRing
	outcomes  *boolRing

	checksTotal         int
	consecutiveFailures int
	lastCheck           time.Time
	lastError           string
	lastOK              bool

	status            domain.HealthStatus
	trendAlerted      bool
	recoveryAttempted bool
}

// Monitor probes every tracked broker on a fixed interval and derives a
// rolling health status from the outcomes. The router feeds its submit-path
// results into the same state, so a broker that fails live orders degrades
// without waiting for the next probe. Alerts go out on the event bus and to
// any registered callbacks.
type Monitor struct {
	cfg Config
	bus *events.Bus
	log zerolog.Logger

	mu      sync.Mutex
	brokers map[string]*brokerState

	cbMu      sync.RWMutex
	callbacks []AlertCallback

	alerts *alertRing

	systemLevel domain.AlertLevel

	stopChan chan struct{}
	wg       sync.WaitGroup
	started  bool
	stopped  bool
}

// NewMonitor creates a broker health monitor. Brokers are registered through
// Track, normally by the router when a broker is added.
func NewMonitor(cfg Config, bus *events.Bus, log zerolog.Logger) *Monitor {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = 30 * time.Second
	}
	if cfg.RetentionHours <= 0 {
		cfg.RetentionHours = 24
	}

	return &Monitor{
		cfg:         cfg,
		bus:         bus,
		log:         log.With().Str("component", "health_monitor").Logger(),
		brokers:     make(map[string]*brokerState),
		alerts:      newAlertRing(100),
		systemLevel: domain.AlertInfo,
	}
}

// Start launches the probe loop.
func (m *Monitor) Start() error {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return fmt.Errorf("health monitor already started")
	}
	m.started = true
	m.stopChan = make(chan struct{})
	m.mu.Unlock()

	m.wg.Add(1)
	go m.checkLoop()

	m.log.Info().
		Dur("interval", m.cfg.CheckInterval).
		Bool("auto_recovery", m.cfg.AutoRecovery).
		Bool("predictive_alerts", m.cfg.PredictiveAlerts).
		Msg("Broker health monitor started")
	return nil
}

// Stop terminates the probe loop and waits for it to exit.
func (m *Monitor) Stop() error {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	close(m.stopChan)
	m.mu.Unlock()

	m.wg.Wait()
	m.log.Info().Msg("Broker health monitor stopped")
	return nil
}

// Track registers a broker for probing. Until the first probe completes the
// broker reports Unknown, which the router treats optimistically.
func (m *Monitor) Track(brokerID string, adapter domain.BrokerAdapter) {
	retentionSamples := m.cfg.RetentionHours * 3600 / int(m.cfg.CheckInterval.Seconds())
	if retentionSamples < responseSampleSize {
		retentionSamples = responseSampleSize
	}

	m.mu.Lock()
	m.brokers[brokerID] = &brokerState{
		adapter:   adapter,
		responses: newFloatRing(responseSampleSize),
		outcomes:  newBoolRing(retentionSamples),
		status:    domain.HealthUnknown,
	}
	m.mu.Unlock()

	m.log.Info().Str("broker_id", brokerID).Msg("Tracking broker health")
}

// Untrack removes a broker from probing.
func (m *Monitor) Untrack(brokerID string) {
	m.mu.Lock()
	delete(m.brokers, brokerID)
	m.mu.Unlock()

	m.log.Info().Str("broker_id", brokerID).Msg("Stopped tracking broker health")
}

// Health returns the current health snapshot for one broker.
func (m *Monitor) Health(brokerID string) (domain.BrokerHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.brokers[brokerID]
	if !ok {
		return domain.BrokerHealth{}, false
	}
	return m.snapshotLocked(brokerID, st), true
}

// AllHealth returns health snapshots for every tracked broker.
func (m *Monitor) AllHealth() map[string]domain.BrokerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]domain.BrokerHealth, len(m.brokers))
	for id, st := range m.brokers {
		out[id] = m.snapshotLocked(id, st)
	}
	return out
}

// RecentAlerts returns the most recent alerts, oldest first.
func (m *Monitor) RecentAlerts() []domain.HealthAlert {
	return m.alerts.snapshot()
}

// OnAlert registers a callback invoked for every alert raised.
func (m *Monitor) OnAlert(cb AlertCallback) {
	m.cbMu.Lock()
	m.callbacks = append(m.callbacks, cb)
	m.cbMu.Unlock()
}

// RecordSuccess folds a successful broker interaction into the health state.
// Called by the probe loop and by the router after a successful submit.
func (m *Monitor) RecordSuccess(brokerID string, elapsed time.Duration) {
	m.mu.Lock()
	st, ok := m.brokers[brokerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	st.responses.push(float64(elapsed.Milliseconds()))
	st.outcomes.push(true)
	st.checksTotal++
	st.consecutiveFailures = 0
	st.lastCheck = time.Now().UTC()
	st.lastError = ""
	st.lastOK = true
	st.recoveryAttempted = false

	alerts := m.refreshLocked(brokerID, st)
	m.mu.Unlock()

	for _, a := range alerts {
		m.raise(a)
	}
}

// RecordFailure folds a failed broker interaction into the health state and
// kicks off auto-recovery once the failure streak is long enough.
func (m *Monitor) RecordFailure(brokerID string, err error) {
	m.mu.Lock()
	st, ok := m.brokers[brokerID]
	if !ok {
		m.mu.Unlock()
		return
	}

	st.outcomes.push(false)
	st.checksTotal++
	st.consecutiveFailures++
	st.lastCheck = time.Now().UTC()
	if err != nil {
		st.lastError = err.Error()
	}
	st.lastOK = false

	alerts := m.refreshLocked(brokerID, st)

	var reconnect domain.BrokerAdapter
	if m.cfg.AutoRecovery && !m.stopped && st.consecutiveFailures >= autoRecoveryFailures && !st.recoveryAttempted {
		st.recoveryAttempted = true
		reconnect = st.adapter
	}
	m.mu.Unlock()

	for _, a := range alerts {
		m.raise(a)
	}

	if reconnect != nil {
		m.wg.Add(1)
		go m.attemptRecovery(brokerID, reconnect)
	}
}

// CheckNow runs a single probe pass over all tracked brokers and evaluates
// the system-level alert. The loop calls this on every tick.
func (m *Monitor) CheckNow() {
	m.mu.Lock()
	adapters := make(map[string]domain.BrokerAdapter, len(m.brokers))
	for id, st := range m.brokers {
		adapters[id] = st.adapter
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for id, adapter := range adapters {
		wg.Add(1)
		go func(id string, adapter domain.BrokerAdapter) {
			defer wg.Done()
			m.probe(id, adapter)
		}(id, adapter)
	}
	wg.Wait()

	m.checkSystemHealth()
}

func (m *Monitor) checkLoop() {
	defer m.wg.Done()

	m.CheckNow()

	ticker := time.NewTicker(m.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.CheckNow()
		case <-m.stopChan:
			return
		}
	}
}

// probe performs one liveness check against a broker.
func (m *Monitor) probe(brokerID string, adapter domain.BrokerAdapter) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	start := time.Now()
	_, err := adapter.GetAccountInfo(ctx)
	elapsed := time.Since(start)

	if err != nil {
		m.log.Debug().
			Err(err).
			Str("broker_id", brokerID).
			Dur("elapsed", elapsed).
			Msg("Broker probe failed")
		m.RecordFailure(brokerID, err)
		return
	}

	m.RecordSuccess(brokerID, elapsed)
}

// attemptRecovery reconnects a failing broker once. The next probe confirms
// whether the reconnect took.
func (m *Monitor) attemptRecovery(brokerID string, adapter domain.BrokerAdapter) {
	defer m.wg.Done()

	m.log.Warn().Str("broker_id", brokerID).Msg("Attempting broker auto-recovery")

	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	if err := adapter.Connect(ctx); err != nil {
		m.log.Error().Err(err).Str("broker_id", brokerID).Msg("Broker auto-recovery failed")
		return
	}

	m.raise(domain.HealthAlert{
		Timestamp: time.Now().UTC(),
		BrokerID:  brokerID,
		Level:     domain.AlertInfo,
		Message:   fmt.Sprintf("Reconnected broker %s after repeated failures, awaiting next probe", brokerID),
	})
}

// refreshLocked rederives the broker status and returns the alerts the
// change produced. Caller holds m.mu.
func (m *Monitor) refreshLocked(brokerID string, st *brokerState) []domain.HealthAlert {
	var alerts []domain.HealthAlert
	now := time.Now().UTC()

	oldStatus := st.status
	snap := m.snapshotLocked(brokerID, st)
	st.status = snap.Status

	if snap.Status != oldStatus {
		alerts = append(alerts, domain.HealthAlert{
			Timestamp: now,
			BrokerID:  brokerID,
			Level:     alertLevelFor(snap.Status),
			Message:   fmt.Sprintf("Broker %s status changed from %s to %s", brokerID, oldStatus, snap.Status),
			Metric:    "status",
		})
	}

	if m.cfg.PredictiveAlerts {
		slope, ok := responseTrend(st.responses.last(trendWindow))
		switch {
		case ok && slope > trendSlopeMs && !st.trendAlerted:
			st.trendAlerted = true
			alerts = append(alerts, domain.HealthAlert{
				Timestamp: now,
				BrokerID:  brokerID,
				Level:     domain.AlertWarning,
				Message:   fmt.Sprintf("Broker %s response time trending upward", brokerID),
				Metric:    "response_trend_ms_per_check",
				Value:     slope,
			})
		case ok && slope <= trendSlopeMs:
			st.trendAlerted = false
		}
	}

	return alerts
}

// snapshotLocked derives the externally visible health view. Caller holds
// m.mu.
func (m *Monitor) snapshotLocked(brokerID string, st *brokerState) domain.BrokerHealth {
	avgResponse := 0.0
	if samples := st.responses.values(); len(samples) > 0 {
		avgResponse = stat.Mean(samples, nil)
	}

	successRate := st.outcomes.rate(responseSampleSize)
	uptime := st.outcomes.rate(0) * 100

	return domain.BrokerHealth{
		LastCheck:           st.lastCheck,
		LastError:           st.lastError,
		BrokerID:            brokerID,
		Status:              deriveStatus(st, uptime, avgResponse),
		AvgResponseMs:       avgResponse,
		SuccessRate:         successRate,
		UptimePct:           uptime,
		ConsecutiveFailures: st.consecutiveFailures,
		ChecksTotal:         st.checksTotal,
	}
}

// deriveStatus maps the rolling metrics onto a status. A broker whose most
// recent interaction failed is Offline regardless of its averages.
func deriveStatus(st *brokerState, uptime, avgResponse float64) domain.HealthStatus {
	if st.checksTotal == 0 {
		return domain.HealthUnknown
	}
	if !st.lastOK {
		return domain.HealthOffline
	}

	uptimeKnown := st.outcomes.size() >= uptimeMinSamples
	if st.consecutiveFailures >= failuresCritical || (uptimeKnown && uptime < uptimeCritical) || avgResponse > responseCritical {
		return domain.HealthCritical
	}
	if st.consecutiveFailures >= failuresWarning || (uptimeKnown && uptime < uptimeWarning) || avgResponse > responseWarning {
		return domain.HealthWarning
	}
	return domain.HealthHealthy
}

// checkSystemHealth evaluates the healthy-broker ratio and alerts on level
// transitions rather than on every pass.
func (m *Monitor) checkSystemHealth() {
	m.mu.Lock()
	total := len(m.brokers)
	healthy := 0
	for id, st := range m.brokers {
		snap := m.snapshotLocked(id, st)
		if snap.Status == domain.HealthHealthy {
			healthy++
		}
	}
	m.mu.Unlock()

	if total == 0 {
		return
	}

	ratio := float64(healthy) / float64(total)
	level := domain.AlertInfo
	switch {
	case ratio < systemHealthyCritical:
		level = domain.AlertCritical
	case ratio < systemHealthyWarning:
		level = domain.AlertWarning
	}

	m.mu.Lock()
	changed := level != m.systemLevel
	m.systemLevel = level
	m.mu.Unlock()

	if !changed {
		return
	}

	message := fmt.Sprintf("Broker pool degraded: %d/%d healthy", healthy, total)
	if level == domain.AlertInfo {
		message = fmt.Sprintf("Broker pool recovered: %d/%d healthy", healthy, total)
	}

	m.raise(domain.HealthAlert{
		Timestamp: time.Now().UTC(),
		BrokerID:  "system",
		Level:     level,
		Message:   message,
		Metric:    "healthy_ratio",
		Value:     ratio,
	})
}

// raise records an alert, publishes it on the bus and fans it out to
// callbacks. Callback panics or slowness are the callback owner's problem;
// the monitor only guards the bus path.
func (m *Monitor) raise(alert domain.HealthAlert) {
	m.alerts.add(alert)

	event := m.log.Info()
	if alert.Level == domain.AlertWarning {
		event = m.log.Warn()
	} else if alert.Level == domain.AlertCritical {
		event = m.log.Error()
	}
	event.
		Str("broker_id", alert.BrokerID).
		Str("level", string(alert.Level)).
		Str("metric", alert.Metric).
		Float64("value", alert.Value).
		Msg(alert.Message)

	if m.bus != nil {
		err := m.bus.Emit("health", &events.BrokerHealthAlertData{
			BrokerID: alert.BrokerID,
			Level:    string(alert.Level),
			Message:  alert.Message,
			Metric:   alert.Metric,
			Value:    alert.Value,
		})
		if err != nil {
			m.log.Warn().Err(err).Msg("Failed to publish health alert")
		}
	}

	m.cbMu.RLock()
	callbacks := append([]AlertCallback(nil), m.callbacks...)
	m.cbMu.RUnlock()

	for _, cb := range callbacks {
		cb(alert)
	}
}

// responseTrend fits a least-squares line through the samples and returns
// the slope in ms per check. Needs a full trend window to report.
func responseTrend(samples []float64) (float64, bool) {
	if len(samples) < trendWindow {
		return 0, false
	}

	xs := make([]float64, len(samples))
	for i := range xs {
		xs[i] = float64(i)
	}

	_, slope := stat.LinearRegression(xs, samples, nil, false)
	return slope, true
}

func alertLevelFor(status domain.HealthStatus) domain.AlertLevel {
	switch status {
	case domain.HealthOffline, domain.HealthCritical:
		return domain.AlertCritical
	case domain.HealthWarning:
		return domain.AlertWarning
	default:
		return domain.AlertInfo
	}
}
