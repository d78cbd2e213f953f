package settings

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SectorMapKey is the config.db setting holding the symbol-to-sector
// classification as a JSON object, e.g. {"AAPL": "technology"}.
const SectorMapKey = "sector_map"

// sectorMapTTL is how stale the cached classification may get before the
// next lookup reloads it from config.db.
const sectorMapTTL = 5 * time.Minute

// SectorMap serves symbol-to-sector lookups from the sector_map setting.
// Lookups hit an in-memory copy refreshed on a TTL, so the risk manager's
// per-signal checks never touch the database. It implements
// domain.SectorProvider.
type SectorMap struct {
	svc *Service
	log zerolog.Logger

	mu       sync.Mutex
	sectors  map[string]string
	loadedAt time.Time
}

// NewSectorMap creates a sector map over the settings service. The first
// lookup loads the classification; an unset or malformed setting leaves the
// map empty and every lookup reports false.
func NewSectorMap(svc *Service, log zerolog.Logger) *SectorMap {
	return &SectorMap{
		svc: svc,
		log: log.With().Str("component", "sector_map").Logger(),
	}
}

// SectorOf returns the sector a symbol is classified under. False means
// unclassified; the caller is expected to skip sector checks for it.
func (m *SectorMap) SectorOf(symbol string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.sectors == nil || time.Since(m.loadedAt) > sectorMapTTL {
		if err := m.reloadLocked(); err != nil {
			m.log.Warn().Err(err).Msg("Failed to reload sector map")
		}
	}

	sector, ok := m.sectors[symbol]
	return sector, ok
}

// Reload forces a refresh from config.db, bypassing the TTL. Wired to
// SETTINGS_CHANGED so edits take effect immediately.
func (m *SectorMap) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reloadLocked()
}

func (m *SectorMap) reloadLocked() error {
	// Record the attempt time even on failure so a broken setting does not
	// turn every lookup into a database read.
	m.loadedAt = time.Now()
	if m.sectors == nil {
		m.sectors = map[string]string{}
	}

	raw, err := m.svc.Get(SectorMapKey)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", SectorMapKey, err)
	}
	if raw == nil || *raw == "" {
		m.sectors = map[string]string{}
		return nil
	}

	parsed := map[string]string{}
	if err := json.Unmarshal([]byte(*raw), &parsed); err != nil {
		return fmt.Errorf("malformed %s setting: %w", SectorMapKey, err)
	}

	m.sectors = parsed
	m.log.Debug().Int("symbols", len(parsed)).Msg("Sector map loaded")
	return nil
}
