package marketdata

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
)

func newTestHistoryRepository(t *testing.T) *HistoryRepository {
	t.Helper()
	path := filepath.Join(t.TempDir(), "history.db")
	repo, err := NewHistoryRepository(path, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() {
		_ = repo.Close()
		_ = os.Remove(path)
	})
	return repo
}

func dailyCandle(symbol string, day int, close float64) domain.Candle {
	return domain.Candle{
		Timestamp: time.Date(2024, 1, day, 0, 0, 0, 0, time.UTC),
		Symbol:    symbol,
		Interval:  "1d",
		Open:      close * 0.99,
		High:      close * 1.01,
		Low:       close * 0.98,
		Close:     close,
		Volume:    1000,
	}
}

func TestHistoryRepositoryUpsertAndRangeQuery(t *testing.T) {
	repo := newTestHistoryRepository(t)

	candles := []domain.Candle{
		dailyCandle("AAPL", 1, 150),
		dailyCandle("AAPL", 2, 151),
		dailyCandle("AAPL", 3, 152),
	}
	require.NoError(t, repo.UpsertCandles("AAPL", "1d", candles))

	got, err := repo.GetCandles("AAPL", "1d",
		time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2024, 1, 2, 23, 0, 0, 0, time.UTC))
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Oldest first, fields round-trip.
	assert.Equal(t, candles[0].Timestamp, got[0].Timestamp)
	assert.Equal(t, 150.0, got[0].Close)
	assert.Equal(t, "AAPL", got[0].Symbol)
	assert.Equal(t, "1d", got[0].Interval)
	assert.Equal(t, 151.0, got[1].Close)
}

func TestHistoryRepositoryUpsertReplacesDuplicates(t *testing.T) {
	repo := newTestHistoryRepository(t)

	require.NoError(t, repo.UpsertCandles("AAPL", "1d", []domain.Candle{dailyCandle("AAPL", 1, 150)}))

	revised := dailyCandle("AAPL", 1, 155)
	require.NoError(t, repo.UpsertCandles("AAPL", "1d", []domain.Candle{revised}))

	count, err := repo.CandleCount("AAPL", "1d")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	latest, err := repo.LatestClose("AAPL")
	require.NoError(t, err)
	assert.Equal(t, 155.0, latest)
}

func TestHistoryRepositoryGetRecentCandles(t *testing.T) {
	repo := newTestHistoryRepository(t)

	var candles []domain.Candle
	for day := 1; day <= 10; day++ {
		candles = append(candles, dailyCandle("MSFT", day, 300+float64(day)))
	}
	require.NoError(t, repo.UpsertCandles("MSFT", "1d", candles))

	recent, err := repo.GetRecentCandles("MSFT", "1d", 3)
	require.NoError(t, err)
	require.Len(t, recent, 3)

	// Newest three, returned oldest first.
	assert.Equal(t, 308.0, recent[0].Close)
	assert.Equal(t, 309.0, recent[1].Close)
	assert.Equal(t, 310.0, recent[2].Close)
}

func TestHistoryRepositoryLatestCloseEmpty(t *testing.T) {
	repo := newTestHistoryRepository(t)

	latest, err := repo.LatestClose("GHOST")
	require.NoError(t, err)
	assert.Zero(t, latest)
}

func TestHistoryRepositoryIntervalsAreIndependent(t *testing.T) {
	repo := newTestHistoryRepository(t)

	daily := dailyCandle("AAPL", 1, 150)
	hourly := daily
	hourly.Interval = "1h"

	require.NoError(t, repo.UpsertCandles("AAPL", "1d", []domain.Candle{daily}))
	require.NoError(t, repo.UpsertCandles("AAPL", "1h", []domain.Candle{hourly}))

	dCount, err := repo.CandleCount("AAPL", "1d")
	require.NoError(t, err)
	hCount, err := repo.CandleCount("AAPL", "1h")
	require.NoError(t, err)
	assert.Equal(t, 1, dCount)
	assert.Equal(t, 1, hCount)
}
