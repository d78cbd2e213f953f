package portfolio

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// valuationHistory is the on-disk form of the rolling daily windows. It is
// saved on shutdown so drawdowns and return history survive a restart even
// though no per-minute valuations are persisted.
type valuationHistory struct {
	SavedAt      time.Time `msgpack:"saved_at"`
	CurrentDay   string    `msgpack:"current_day"`
	DailyValues  []float64 `msgpack:"daily_values"`
	DailyReturns []float64 `msgpack:"daily_returns"`
	PeakValue    float64   `msgpack:"peak_value"`
	MaxDrawdown  float64   `msgpack:"max_drawdown"`
}

// saveHistory writes the valuation windows to path as msgpack.
func (m *Manager) saveHistory(path string) error {
	m.mu.Lock()
	hist := valuationHistory{
		SavedAt:      time.Now().UTC(),
		CurrentDay:   m.currentDay,
		DailyValues:  append([]float64(nil), m.dailyValues...),
		DailyReturns: append([]float64(nil), m.dailyReturns...),
		PeakValue:    m.peakValue,
		MaxDrawdown:  m.maxDD,
	}
	m.mu.Unlock()

	if len(hist.DailyValues) == 0 {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create history directory: %w", err)
	}

	data, err := msgpack.Marshal(hist)
	if err != nil {
		return fmt.Errorf("failed to encode valuation history: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write history file: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to replace history file: %w", err)
	}

	m.log.Info().
		Int("days", len(hist.DailyValues)).
		Str("path", path).
		Msg("Valuation history saved")
	return nil
}

// loadHistory restores the valuation windows from path.
func (m *Manager) loadHistory(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	var hist valuationHistory
	if err := msgpack.Unmarshal(data, &hist); err != nil {
		return fmt.Errorf("failed to decode valuation history: %w", err)
	}

	m.mu.Lock()
	m.currentDay = hist.CurrentDay
	m.dailyValues = hist.DailyValues
	m.dailyReturns = hist.DailyReturns
	m.peakValue = hist.PeakValue
	m.maxDD = hist.MaxDrawdown
	m.mu.Unlock()

	m.log.Info().
		Int("days", len(hist.DailyValues)).
		Time("saved_at", hist.SavedAt).
		Msg("Valuation history restored")
	return nil
}
