package settings

import (
	"github.com/rs/zerolog"

	"github.com/aristath/strategos/internal/events"
)

// Service is the write path for settings. Every successful write emits a
// SETTINGS_CHANGED event so components holding derived state (feed client,
// backup service) can react without polling config.db.
type Service struct {
	repo *Repository
	bus  *events.Bus
	log  zerolog.Logger
}

// NewService creates a settings service. The bus may be nil in tests that
// only exercise persistence.
func NewService(repo *Repository, bus *events.Bus, log zerolog.Logger) *Service {
	return &Service{
		repo: repo,
		bus:  bus,
		log:  log.With().Str("service", "settings").Logger(),
	}
}

// Get retrieves a setting value, nil when unset.
func (s *Service) Get(key string) (*string, error) {
	return s.repo.Get(key)
}

// GetAll returns every stored setting.
func (s *Service) GetAll() (map[string]string, error) {
	return s.repo.GetAll()
}

// GetFloat retrieves a float setting with a default.
func (s *Service) GetFloat(key string, defaultValue float64) (float64, error) {
	return s.repo.GetFloat(key, defaultValue)
}

// GetInt retrieves an int setting with a default.
func (s *Service) GetInt(key string, defaultValue int) (int, error) {
	return s.repo.GetInt(key, defaultValue)
}

// GetBool retrieves a bool setting with a default.
func (s *Service) GetBool(key string, defaultValue bool) (bool, error) {
	return s.repo.GetBool(key, defaultValue)
}

// Set stores a setting and announces the change.
func (s *Service) Set(key, value string, description *string) error {
	if err := s.repo.Set(key, value, description); err != nil {
		return err
	}
	s.announce(key, value)
	return nil
}

// SetFloat stores a float setting and announces the change.
func (s *Service) SetFloat(key string, value float64) error {
	if err := s.repo.SetFloat(key, value); err != nil {
		return err
	}
	s.announce(key, value)
	return nil
}

// SetInt stores an int setting and announces the change.
func (s *Service) SetInt(key string, value int) error {
	if err := s.repo.SetInt(key, value); err != nil {
		return err
	}
	s.announce(key, value)
	return nil
}

// SetBool stores a bool setting and announces the change.
func (s *Service) SetBool(key string, value bool) error {
	if err := s.repo.SetBool(key, value); err != nil {
		return err
	}
	s.announce(key, value)
	return nil
}

// Delete removes a setting and announces the removal with a nil value.
func (s *Service) Delete(key string) error {
	if err := s.repo.Delete(key); err != nil {
		return err
	}
	s.announce(key, nil)
	return nil
}

func (s *Service) announce(key string, value interface{}) {
	if s.bus == nil {
		return
	}
	if err := s.bus.Emit("settings", &events.SettingsChangedData{Key: key, Value: value}); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("Failed to emit settings change")
	}
}
