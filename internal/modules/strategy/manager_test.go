package strategy

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
	"github.com/aristath/strategos/internal/events"
	testhelpers "github.com/aristath/strategos/internal/testing"
)

func newTestBus(t *testing.T) *events.Bus {
	t.Helper()
	bus := events.NewBus(events.DefaultConfig(), zerolog.Nop())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })
	return bus
}

func newTestManagerConfig() Config {
	cfg := DefaultConfig()
	cfg.StrategyTimeout = time.Second
	cfg.DynamicAllocation = false
	return cfg
}

// submitRecorder captures aggregated signals handed to the order pipeline.
type submitRecorder struct {
	mu      sync.Mutex
	signals []domain.AggregatedSignal
	err     error
}

func (r *submitRecorder) SubmitFromSignal(_ context.Context, signal domain.AggregatedSignal, _ domain.OrderType, _ domain.TimeInForce) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return "", r.err
	}
	r.signals = append(r.signals, signal)
	return fmt.Sprintf("ORD_%06d", len(r.signals)), nil
}

func (r *submitRecorder) Signals() []domain.AggregatedSignal {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.AggregatedSignal, len(r.signals))
	copy(out, r.signals)
	return out
}

type staticCapacity struct{ value float64 }

func (c staticCapacity) AbsPositionsValue() float64 { return c.value }

func publishTick(t *testing.T, bus *events.Bus, md domain.MarketData) {
	t.Helper()
	require.NoError(t, bus.Emit("test_feed", &events.MarketDataReceivedData{MarketData: md}))
}

func TestManagerRegisterDefaults(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	s1 := testhelpers.NewMockStrategy("sma", "AAPL")
	id, err := m.Register(s1, nil)
	require.NoError(t, err)
	assert.Equal(t, "sma", id)

	alloc, err := m.Allocation("sma")
	require.NoError(t, err)
	assert.InDelta(t, 0.1, alloc.Weight, 1e-9)
	assert.InDelta(t, 0.2*m.cfg.TotalCapital, alloc.MaxCapital, 1e-9)
	assert.InDelta(t, 0.02, alloc.RiskLimit, 1e-9)
	assert.Equal(t, 0, alloc.Priority)
	assert.InDelta(t, 1.0, alloc.PerformanceWeight, 1e-9)
	assert.True(t, alloc.Active)

	state, err := m.State("sma")
	require.NoError(t, err)
	assert.Equal(t, domain.StrategyRegistered, state)

	// Priorities follow registration order.
	_, err = m.Register(testhelpers.NewMockStrategy("rsi", "AAPL"), nil)
	require.NoError(t, err)
	alloc, err = m.Allocation("rsi")
	require.NoError(t, err)
	assert.Equal(t, 1, alloc.Priority)

	_, err = m.Register(testhelpers.NewMockStrategy("sma", "MSFT"), nil)
	assert.Error(t, err, "duplicate id must be rejected")
}

func TestManagerLifecycleTransitions(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	// Bus workers deliver concurrently, so recorded states are ordered by
	// publish sequence before asserting.
	type transition struct {
		seq   uint64
		state string
	}
	var mu sync.Mutex
	var transitions []transition
	bus.Subscribe(events.StrategyStatusChanged, "recorder", func(ctx context.Context, e *events.Event) error {
		data := e.Data.(*events.StrategyStatusChangedData)
		mu.Lock()
		transitions = append(transitions, transition{seq: e.Sequence, state: data.NewState})
		mu.Unlock()
		return nil
	})

	ctx := context.Background()
	s1 := testhelpers.NewMockStrategy("s1", "AAPL")
	_, err := m.Register(s1, nil)
	require.NoError(t, err)

	require.NoError(t, m.StartStrategy(ctx, "s1"))
	state, _ := m.State("s1")
	assert.Equal(t, domain.StrategyActive, state)

	assert.Error(t, m.StartStrategy(ctx, "s1"), "double start must fail")

	require.NoError(t, m.StopStrategy(ctx, "s1"))
	state, _ = m.State("s1")
	assert.Equal(t, domain.StrategyStopped, state)
	assert.True(t, s1.Stopped())

	assert.Error(t, m.StopStrategy(ctx, "s1"), "stop from Stopped must fail")

	// Stopped strategies can be started again.
	require.NoError(t, m.StartStrategy(ctx, "s1"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(transitions) >= 7
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	sort.Slice(transitions, func(i, j int) bool { return transitions[i].seq < transitions[j].seq })
	states := make([]string, len(transitions))
	for i, tr := range transitions {
		states[i] = tr.state
	}
	mu.Unlock()
	assert.Equal(t, []string{
		"REGISTERED",
		"STARTING", "ACTIVE",
		"STOPPING", "STOPPED",
		"STARTING", "ACTIVE",
	}, states)

	assert.Error(t, m.StartStrategy(ctx, "ghost"))
	assert.Error(t, m.StopStrategy(ctx, "ghost"))
}

func TestManagerInitializeFailureParksInError(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	ctx := context.Background()
	s1 := testhelpers.NewMockStrategy("s1", "AAPL")
	s1.SetInitError(errors.New("bad parameters"))
	_, err := m.Register(s1, nil)
	require.NoError(t, err)

	assert.Error(t, m.StartStrategy(ctx, "s1"))
	state, _ := m.State("s1")
	assert.Equal(t, domain.StrategyError, state)

	errs := m.Errors("s1")
	require.NotEmpty(t, errs)
	assert.Equal(t, "start", errs[0].Stage)
	assert.Contains(t, errs[0].Message, "bad parameters")

	// Restart is the recovery path out of Error.
	s1.SetInitError(nil)
	require.NoError(t, m.RestartStrategy(ctx, "s1"))
	state, _ = m.State("s1")
	assert.Equal(t, domain.StrategyActive, state)
}

func TestManagerCreateGroup(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	_, err := m.Register(testhelpers.NewMockStrategy("s1", "AAPL"), nil)
	require.NoError(t, err)
	_, err = m.Register(testhelpers.NewMockStrategy("s2", "AAPL"), nil)
	require.NoError(t, err)

	require.NoError(t, m.CreateGroup("momentum", []string{"s1", "s2"}, 0.5))

	for _, id := range []string{"s1", "s2"} {
		alloc, err := m.Allocation(id)
		require.NoError(t, err)
		assert.InDelta(t, 0.25, alloc.Weight, 1e-9)
	}

	assert.Error(t, m.CreateGroup("bad", []string{"s1", "ghost"}, 0.5))
	assert.Error(t, m.CreateGroup("empty", nil, 0.5))
	assert.Error(t, m.CreateGroup("zero", []string{"s1"}, 0))
}

func TestManagerDispatchAggregatesAndSubmits(t *testing.T) {
	bus := newTestBus(t)
	submitter := &submitRecorder{}

	cfg := newTestManagerConfig()
	cfg.Method = domain.AggregateWeightedAverage
	cfg.Conflict = domain.ConflictNetPosition
	m := NewManager(cfg, bus, staticCapacity{}, zerolog.Nop())
	m.SetOrderSubmitter(submitter)

	s1 := testhelpers.NewMockStrategy("s1", "AAPL")
	s1.ScriptSignals(testhelpers.NewSignalFixture("s1", "AAPL", domain.SignalBuy, 0.8, 150.0))
	s2 := testhelpers.NewMockStrategy("s2", "AAPL")
	s2.ScriptSignals(testhelpers.NewSignalFixture("s2", "AAPL", domain.SignalBuy, 0.6, 150.2))

	var rawSignals sync.Map
	bus.Subscribe(events.SignalGenerated, "recorder", func(ctx context.Context, e *events.Event) error {
		data := e.Data.(*events.SignalGeneratedData)
		rawSignals.Store(data.Strategy, data.Signal)
		return nil
	})

	ctx := context.Background()
	_, err := m.Register(s1, nil)
	require.NoError(t, err)
	_, err = m.Register(s2, nil)
	require.NoError(t, err)
	m.StartAll(ctx)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(ctx) })

	publishTick(t, bus, testhelpers.NewMarketDataFixture("AAPL", 150))

	assert.Eventually(t, func() bool {
		return len(submitter.Signals()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	got := submitter.Signals()[0]
	assert.Equal(t, "AAPL", got.Symbol)
	assert.Equal(t, domain.SignalBuy, got.Side)
	assert.ElementsMatch(t, []string{"s1", "s2"}, got.ContributingStrategies)
	assert.InDelta(t, 0.7, got.Confidence, 1e-9, "equal default weights blend evenly")

	// Both raw signals were published for the audit trail.
	assert.Eventually(t, func() bool {
		count := 0
		rawSignals.Range(func(_, _ any) bool { count++; return true })
		return count == 2
	}, time.Second, 10*time.Millisecond)

	stats := m.Stats()
	assert.Equal(t, uint64(2), stats.SignalsCollected)
	assert.Equal(t, uint64(1), stats.SignalsEmitted)
}

func TestManagerDispatchSkipsNonWatchers(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())
	m.SetOrderSubmitter(&submitRecorder{})

	watcher := testhelpers.NewMockStrategy("watcher", "AAPL")
	bystander := testhelpers.NewMockStrategy("bystander", "MSFT")

	ctx := context.Background()
	_, err := m.Register(watcher, nil)
	require.NoError(t, err)
	_, err = m.Register(bystander, nil)
	require.NoError(t, err)
	m.StartAll(ctx)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(ctx) })

	publishTick(t, bus, testhelpers.NewMarketDataFixture("AAPL", 150))

	assert.Eventually(t, func() bool {
		return len(watcher.Ticks()) == 1
	}, time.Second, 10*time.Millisecond)
	assert.Empty(t, bystander.Ticks())
}

func TestManagerTimeoutIsolatesSlowStrategy(t *testing.T) {
	bus := newTestBus(t)
	submitter := &submitRecorder{}

	cfg := newTestManagerConfig()
	cfg.StrategyTimeout = 60 * time.Millisecond
	m := NewManager(cfg, bus, staticCapacity{}, zerolog.Nop())
	m.SetOrderSubmitter(submitter)

	slow := testhelpers.NewMockStrategy("slow", "AAPL")
	slow.SetOnDataDelay(300 * time.Millisecond)
	fast := testhelpers.NewMockStrategy("fast", "AAPL")
	fast.ScriptSignals(testhelpers.NewSignalFixture("fast", "AAPL", domain.SignalBuy, 0.8, 150.0))

	ctx := context.Background()
	_, err := m.Register(slow, nil)
	require.NoError(t, err)
	_, err = m.Register(fast, nil)
	require.NoError(t, err)
	m.StartAll(ctx)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(ctx) })

	publishTick(t, bus, testhelpers.NewMarketDataFixture("AAPL", 150))

	// The fast strategy's signal still flows through.
	assert.Eventually(t, func() bool {
		return len(submitter.Signals()) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"fast"}, submitter.Signals()[0].ContributingStrategies)

	// The slow one is parked in Error with the timeout recorded.
	assert.Eventually(t, func() bool {
		state, _ := m.State("slow")
		return state == domain.StrategyError
	}, 2*time.Second, 10*time.Millisecond)
	require.NotEmpty(t, m.Errors("slow"))
	assert.Contains(t, m.Errors("slow")[0].Message, "timed out")

	fastState, _ := m.State("fast")
	assert.Equal(t, domain.StrategyActive, fastState)
	assert.GreaterOrEqual(t, m.Stats().DispatchTimeouts, uint64(1))
}

func TestManagerErrorStrategyExcludedUntilRestart(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())
	m.SetOrderSubmitter(&submitRecorder{})

	flaky := testhelpers.NewMockStrategy("flaky", "AAPL")
	flaky.SetOnDataError(errors.New("compute failed"))

	ctx := context.Background()
	_, err := m.Register(flaky, nil)
	require.NoError(t, err)
	m.StartAll(ctx)
	require.NoError(t, m.Start())
	t.Cleanup(func() { _ = m.Stop(ctx) })

	publishTick(t, bus, testhelpers.NewMarketDataFixture("AAPL", 150))
	assert.Eventually(t, func() bool {
		state, _ := m.State("flaky")
		return state == domain.StrategyError
	}, time.Second, 10*time.Millisecond)
	require.Len(t, flaky.Ticks(), 1)

	// While in Error the strategy sees no further ticks.
	publishTick(t, bus, testhelpers.NewMarketDataFixture("AAPL", 151))
	time.Sleep(100 * time.Millisecond)
	assert.Len(t, flaky.Ticks(), 1)

	flaky.SetOnDataError(nil)
	require.NoError(t, m.RestartStrategy(ctx, "flaky"))

	publishTick(t, bus, testhelpers.NewMarketDataFixture("AAPL", 152))
	assert.Eventually(t, func() bool {
		return len(flaky.Ticks()) == 2
	}, time.Second, 10*time.Millisecond)
}

func TestManagerNotifyFillTracksPerformance(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	s1 := testhelpers.NewMockStrategy("s1", "AAPL")
	_, err := m.Register(s1, nil)
	require.NoError(t, err)

	// Winning round trip: buy 10 @ 150, sell 10 @ 160 with 1.00 commission.
	m.NotifyFill("s1", testhelpers.NewFillFixture("o1", "AAPL", domain.SideBuy, 10, 150))
	win := testhelpers.NewFillFixture("o2", "AAPL", domain.SideSell, 10, 160)
	win.Commission = 1.0
	m.NotifyFill("s1", win)

	perf, err := m.Performance("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, perf.TradeCount)
	assert.Equal(t, 1, perf.WinCount)
	assert.Equal(t, 0, perf.LossCount)
	assert.InDelta(t, 99.0, perf.RealizedPnL, 1e-9)
	assert.InDelta(t, 1.0, perf.WinRate, 1e-9)
	assert.Zero(t, perf.MaxDrawdown)

	// Losing round trip: buy 10 @ 150, sell 10 @ 140 with 1.00 commission.
	m.NotifyFill("s1", testhelpers.NewFillFixture("o3", "AAPL", domain.SideBuy, 10, 150))
	loss := testhelpers.NewFillFixture("o4", "AAPL", domain.SideSell, 10, 140)
	loss.Commission = 1.0
	m.NotifyFill("s1", loss)

	perf, err = m.Performance("s1")
	require.NoError(t, err)
	assert.Equal(t, 2, perf.TradeCount)
	assert.Equal(t, 1, perf.WinCount)
	assert.Equal(t, 1, perf.LossCount)
	assert.InDelta(t, -2.0, perf.RealizedPnL, 1e-9)
	assert.InDelta(t, 0.5, perf.WinRate, 1e-9)
	assert.InDelta(t, 1.0, perf.ProfitFactor, 1e-9, "100 gross win against 100 gross loss")
	assert.InDelta(t, 101.0, perf.MaxDrawdown, 1e-9, "peak 99 down to -2")
	assert.InDelta(t, -1.0/141.4214, perf.SharpeRatio, 1e-4)

	// Fills are forwarded to the strategy itself.
	assert.Len(t, s1.Fills(), 4)

	// Unknown strategies are dropped without effect.
	m.NotifyFill("ghost", testhelpers.NewFillFixture("o5", "AAPL", domain.SideBuy, 1, 150))
}

func TestManagerNotifyFillShortRoundTrip(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	_, err := m.Register(testhelpers.NewMockStrategy("s1", "AAPL"), nil)
	require.NoError(t, err)

	// Short 10 @ 150, cover 10 @ 140: profit 100.
	m.NotifyFill("s1", testhelpers.NewFillFixture("o1", "AAPL", domain.SideSell, 10, 150))
	m.NotifyFill("s1", testhelpers.NewFillFixture("o2", "AAPL", domain.SideBuy, 10, 140))

	perf, err := m.Performance("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, perf.WinCount)
	assert.InDelta(t, 100.0, perf.RealizedPnL, 1e-9)
}

func TestManagerRebalance(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	_, err := m.Register(testhelpers.NewMockStrategy("s1", "AAPL"), nil)
	require.NoError(t, err)
	_, err = m.Register(testhelpers.NewMockStrategy("s2", "AAPL"), nil)
	require.NoError(t, err)

	// With identical scores the floor applies to both and weights are a
	// fixed point: rebalancing any number of times changes nothing.
	for i := 0; i < 3; i++ {
		m.Rebalance()
		for _, id := range []string{"s1", "s2"} {
			alloc, err := m.Allocation(id)
			require.NoError(t, err)
			assert.InDelta(t, 1.0, alloc.PerformanceWeight, 1e-9, "iteration %d", i)
		}
	}

	// A profitable strategy gains weight over an idle one.
	m.NotifyFill("s1", testhelpers.NewFillFixture("o1", "AAPL", domain.SideBuy, 100, 100))
	m.NotifyFill("s1", testhelpers.NewFillFixture("o2", "AAPL", domain.SideSell, 100, 150))
	m.Rebalance()

	winner, err := m.Allocation("s1")
	require.NoError(t, err)
	idle, err := m.Allocation("s2")
	require.NoError(t, err)
	assert.Greater(t, winner.PerformanceWeight, 1.0)
	assert.Less(t, idle.PerformanceWeight, 1.0)
	assert.GreaterOrEqual(t, m.Stats().Rebalances, uint64(1))
}

func TestManagerSnapshotAndStats(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	ctx := context.Background()
	_, err := m.Register(testhelpers.NewMockStrategy("s1", "AAPL", "MSFT"), nil)
	require.NoError(t, err)
	_, err = m.Register(testhelpers.NewMockStrategy("s2", "GOOG"), nil)
	require.NoError(t, err)
	require.NoError(t, m.StartStrategy(ctx, "s1"))

	snap := m.Snapshot()
	require.Len(t, snap, 2)
	byID := map[string]StrategyInfo{}
	for _, info := range snap {
		byID[info.ID] = info
	}
	assert.Equal(t, domain.StrategyActive, byID["s1"].State)
	assert.Equal(t, domain.StrategyRegistered, byID["s2"].State)
	assert.ElementsMatch(t, []string{"AAPL", "MSFT"}, byID["s1"].Symbols)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Registered)
	assert.Equal(t, 1, stats.Active)
}

func TestManagerStopStopsActiveStrategies(t *testing.T) {
	bus := newTestBus(t)
	m := NewManager(newTestManagerConfig(), bus, staticCapacity{}, zerolog.Nop())

	ctx := context.Background()
	s1 := testhelpers.NewMockStrategy("s1", "AAPL")
	_, err := m.Register(s1, nil)
	require.NoError(t, err)
	m.StartAll(ctx)

	require.NoError(t, m.Start())
	assert.Error(t, m.Start(), "double start must fail")

	require.NoError(t, m.Stop(ctx))
	assert.True(t, s1.Stopped())
	state, _ := m.State("s1")
	assert.Equal(t, domain.StrategyStopped, state)

	require.NoError(t, m.Stop(ctx), "stop is idempotent")
}
