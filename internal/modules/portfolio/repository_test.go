package portfolio

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	testhelpers "github.com/aristath/strategos/internal/testing"
)

func newTestRepo(t *testing.T) *Repository {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	t.Cleanup(cleanup)
	return NewRepository(db.Conn(), zerolog.Nop())
}

func TestPositionUpsertAndGet(t *testing.T) {
	repo := newTestRepo(t)

	pos := testhelpers.NewPositionFixture("AAPL", 66, 150, 155)
	pos.RealizedPnL = 42.5
	require.NoError(t, repo.UpsertPosition(&pos))

	short := testhelpers.NewPositionFixture("META", -20, 300, 290)
	require.NoError(t, repo.UpsertPosition(&short))

	stored, err := repo.GetPositions()
	require.NoError(t, err)
	require.Len(t, stored, 2)

	// Ordered by symbol.
	assert.Equal(t, "AAPL", stored[0].Symbol)
	assert.Equal(t, 66.0, stored[0].Quantity)
	assert.Equal(t, 150.0, stored[0].AvgCost)
	assert.Equal(t, 42.5, stored[0].RealizedPnL)
	assert.InDelta(t, 66*155.0, stored[0].MarketValue, 1e-9)
	assert.InDelta(t, 66*(155.0-150), stored[0].UnrealizedPnL, 1e-9)
	assert.False(t, stored[0].FirstAcquiredAt.IsZero())

	assert.Equal(t, -20.0, stored[1].Quantity)
	assert.InDelta(t, -20*290.0, stored[1].MarketValue, 1e-9)

	// Upsert replaces in place.
	pos.Quantity = 100
	pos.MarkToMarket(160, time.Now().UTC())
	require.NoError(t, repo.UpsertPosition(&pos))

	stored, err = repo.GetPositions()
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, 100.0, stored[0].Quantity)
	assert.Equal(t, 160.0, stored[0].CurrentPrice)
}

func TestPositionDelete(t *testing.T) {
	repo := newTestRepo(t)

	pos := testhelpers.NewPositionFixture("AAPL", 10, 100, 100)
	require.NoError(t, repo.UpsertPosition(&pos))
	require.NoError(t, repo.DeletePosition("AAPL"))
	require.NoError(t, repo.DeletePosition("AAPL"), "deleting a missing position is not an error")

	stored, err := repo.GetPositions()
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func TestAccountRoundTrip(t *testing.T) {
	repo := newTestRepo(t)

	_, _, ok, err := repo.LoadAccount()
	require.NoError(t, err)
	assert.False(t, ok, "fresh database has no account row")

	require.NoError(t, repo.SaveAccount(90_099, 160))
	require.NoError(t, repo.SaveAccount(92_658, 320), "save is an upsert")

	cash, realized, ok, err := repo.LoadAccount()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 92_658.0, cash)
	assert.Equal(t, 320.0, realized)
}

func TestApplyFillStateWritesBothRows(t *testing.T) {
	repo := newTestRepo(t)

	pos := testhelpers.NewPositionFixture("AAPL", 66, 150, 151)
	require.NoError(t, repo.ApplyFillState(&pos, false, 90_099, 0))

	stored, err := repo.GetPositions()
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 66.0, stored[0].Quantity)

	cash, realized, ok, err := repo.LoadAccount()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 90_099.0, cash)
	assert.Equal(t, 0.0, realized)
}

func TestApplyFillStateRemovesClosedPosition(t *testing.T) {
	repo := newTestRepo(t)

	pos := testhelpers.NewPositionFixture("AAPL", 66, 150, 151)
	require.NoError(t, repo.UpsertPosition(&pos))

	closed := pos
	closed.Quantity = 0
	require.NoError(t, repo.ApplyFillState(&closed, true, 100_165, 66))

	stored, err := repo.GetPositions()
	require.NoError(t, err)
	assert.Empty(t, stored)

	cash, realized, ok, err := repo.LoadAccount()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 100_165.0, cash)
	assert.Equal(t, 66.0, realized)
}

func TestApplyFillStateRollsBackTogether(t *testing.T) {
	db, cleanup := testhelpers.NewTestDB(t, "portfolio")
	t.Cleanup(cleanup)
	repo := NewRepository(db.Conn(), zerolog.Nop())

	// Break the account write so the transaction has to roll back.
	_, err := db.Conn().Exec("DROP TABLE account")
	require.NoError(t, err)

	pos := testhelpers.NewPositionFixture("AAPL", 10, 100, 100)
	require.Error(t, repo.ApplyFillState(&pos, false, 99_000, 0))

	stored, err := repo.GetPositions()
	require.NoError(t, err)
	assert.Empty(t, stored, "position write must not survive the failed account write")
}

func TestSnapshotsNewestFirst(t *testing.T) {
	repo := newTestRepo(t)
	base := testhelpers.FixtureTime

	for i := 0; i < 3; i++ {
		snap := Snapshot{
			SnapshotAt:     base.AddDate(0, 0, i),
			Cash:           100_000 - float64(i)*1000,
			PositionsValue: float64(i) * 1000,
			TotalValue:     100_000,
		}
		if i > 0 {
			snap.DailyReturn = testhelpers.FloatPtr(0.01 * float64(i))
		}
		require.NoError(t, repo.InsertSnapshot(snap))
	}

	recent, err := repo.RecentSnapshots(2)
	require.NoError(t, err)
	require.Len(t, recent, 2)
	assert.Equal(t, base.AddDate(0, 0, 2), recent[0].SnapshotAt)
	require.NotNil(t, recent[0].DailyReturn)
	assert.InDelta(t, 0.02, *recent[0].DailyReturn, 1e-9)

	recent, err = repo.RecentSnapshots(10)
	require.NoError(t, err)
	assert.Len(t, recent, 3)
	assert.Nil(t, recent[2].DailyReturn, "first snapshot has no prior day")
}

func TestSnapshotPruning(t *testing.T) {
	repo := newTestRepo(t)
	base := testhelpers.FixtureTime

	for i := 0; i < 5; i++ {
		require.NoError(t, repo.InsertSnapshot(Snapshot{
			SnapshotAt: base.AddDate(0, 0, i),
			TotalValue: 100_000,
		}))
	}

	pruned, err := repo.PruneSnapshots(base.AddDate(0, 0, 2))
	require.NoError(t, err)
	assert.Equal(t, int64(2), pruned)

	remaining, err := repo.RecentSnapshots(10)
	require.NoError(t, err)
	assert.Len(t, remaining, 3)
}
