package settings

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/events"
	testhelpers "github.com/aristath/strategos/internal/testing"
)

func newTestService(t *testing.T) (*Service, *events.Bus) {
	t.Helper()

	db, cleanup := testhelpers.NewTestDB(t, "config")
	t.Cleanup(cleanup)

	bus := events.NewBus(events.DefaultConfig(), zerolog.Nop())
	require.NoError(t, bus.Start())
	t.Cleanup(func() { _ = bus.Stop(2 * time.Second) })

	repo := NewRepository(db.Conn(), zerolog.Nop())
	return NewService(repo, bus, zerolog.Nop()), bus
}

func TestServiceSetEmitsSettingsChanged(t *testing.T) {
	svc, bus := newTestService(t)

	var mu sync.Mutex
	var changes []events.SettingsChangedData
	bus.Subscribe(events.SettingsChanged, "recorder", func(ctx context.Context, e *events.Event) error {
		data, ok := e.Data.(*events.SettingsChangedData)
		require.True(t, ok)
		mu.Lock()
		changes = append(changes, *data)
		mu.Unlock()
		return nil
	})

	require.NoError(t, svc.Set("feed_url", "wss://example.com", nil))
	require.NoError(t, svc.SetFloat("max_drawdown", 0.2))
	require.NoError(t, svc.Delete("feed_url"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(changes) == 3
	}, time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "feed_url", changes[0].Key)
	assert.Equal(t, "wss://example.com", changes[0].Value)
	assert.Equal(t, "max_drawdown", changes[1].Key)
	assert.Equal(t, 0.2, changes[1].Value)
	assert.Equal(t, "feed_url", changes[2].Key)
	assert.Nil(t, changes[2].Value)
}

func TestServiceWithoutBusStillPersists(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "config")
	t.Cleanup(cleanup)

	svc := NewService(NewRepository(db.Conn(), zerolog.Nop()), nil, zerolog.Nop())

	require.NoError(t, svc.SetBool("backup_enabled", true))

	b, err := svc.GetBool("backup_enabled", false)
	require.NoError(t, err)
	assert.True(t, b)
}

func TestServiceTypedRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)

	require.NoError(t, svc.SetInt("history_days", 365))

	i, err := svc.GetInt("history_days", 0)
	require.NoError(t, err)
	assert.Equal(t, 365, i)

	all, err := svc.GetAll()
	require.NoError(t, err)
	assert.Contains(t, all, "history_days")
}
