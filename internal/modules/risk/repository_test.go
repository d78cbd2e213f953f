package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/strategos/internal/domain"
	testhelpers "github.com/aristath/strategos/internal/testing"
)

func newTestViolationRepo(t *testing.T) *ViolationRepository {
	t.Helper()
	db, cleanup := testhelpers.NewTestDB(t, "ledger")
	t.Cleanup(cleanup)
	return NewViolationRepository(db.Conn(), zerolog.Nop())
}

func TestViolationRepositoryRoundTrip(t *testing.T) {
	repo := newTestViolationRepo(t)

	first := domain.RiskViolation{
		Timestamp: time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC),
		Kind:      domain.ViolationPositionSize,
		Severity:  domain.SeverityWarning,
		Message:   "AAPL position would be 12.00% of portfolio, limit 10.00%",
		Symbol:    "AAPL",
		Current:   0.12,
		Limit:     0.10,
	}
	second := domain.RiskViolation{
		Timestamp: time.Date(2025, 3, 10, 15, 0, 0, 0, time.UTC),
		Kind:      domain.ViolationDrawdownLimit,
		Severity:  domain.SeverityCritical,
		Message:   "drawdown reached 24.00%, limit 15.00%",
		Current:   0.24,
		Limit:     0.15,
	}
	require.NoError(t, repo.Insert(first))
	require.NoError(t, repo.Insert(second))

	got, err := repo.Recent(10)
	require.NoError(t, err)
	require.Len(t, got, 2)

	// Newest first.
	assert.Equal(t, domain.ViolationDrawdownLimit, got[0].Kind)
	assert.Equal(t, domain.SeverityCritical, got[0].Severity)
	assert.InDelta(t, 0.24, got[0].Current, 1e-9)
	assert.True(t, got[0].Timestamp.Equal(second.Timestamp))

	assert.Equal(t, domain.ViolationPositionSize, got[1].Kind)
	assert.Equal(t, "AAPL", got[1].Symbol)
	assert.InDelta(t, 0.10, got[1].Limit, 1e-9)
}

func TestViolationRepositoryRecentLimit(t *testing.T) {
	repo := newTestViolationRepo(t)

	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		require.NoError(t, repo.Insert(domain.RiskViolation{
			Timestamp: base.Add(time.Duration(i) * time.Minute),
			Kind:      domain.ViolationPositionSize,
			Severity:  domain.SeverityWarning,
			Message:   "oversized",
			Symbol:    "AAPL",
		}))
	}

	got, err := repo.Recent(3)
	require.NoError(t, err)
	assert.Len(t, got, 3)
	assert.True(t, got[0].Timestamp.After(got[2].Timestamp))

	// Non-positive limit falls back to the default window.
	all, err := repo.Recent(0)
	require.NoError(t, err)
	assert.Len(t, all, 5)
}

func TestViolationRepositoryCountSince(t *testing.T) {
	repo := newTestViolationRepo(t)

	base := time.Date(2025, 3, 10, 14, 0, 0, 0, time.UTC)
	kinds := []domain.ViolationKind{
		domain.ViolationPositionSize,
		domain.ViolationPositionSize,
		domain.ViolationDailyLoss,
	}
	for i, kind := range kinds {
		require.NoError(t, repo.Insert(domain.RiskViolation{
			Timestamp: base.Add(time.Duration(i) * time.Hour),
			Kind:      kind,
			Severity:  domain.SeverityWarning,
			Message:   "breach",
		}))
	}

	count, err := repo.CountSince(base, "")
	require.NoError(t, err)
	assert.Equal(t, 3, count)

	count, err = repo.CountSince(base.Add(30*time.Minute), domain.ViolationPositionSize)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = repo.CountSince(base.Add(3*time.Hour), "")
	require.NoError(t, err)
	assert.Zero(t, count)
}
