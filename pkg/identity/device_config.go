package identity

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/pkg/errdefs"
)

// DeviceConfigInterface defines methods for reading and updating the current device configuration.
type DeviceConfigInterface interface {
	GetCurrent() DeviceConfig
	Update(patch DeviceConfigPatch) error
	IsRegistered() bool
}

// DeviceConfigManager is the in-memory mirror of the registration record and the only
// writer of device configuration. All updates are serialized through mu.
type DeviceConfigManager struct {
	store   RecordStore
	logger  zerolog.Logger
	mu      sync.RWMutex
	current DeviceConfig
}

// NewDeviceConfigManager creates a manager backed by store. Call Load to populate it.
func NewDeviceConfigManager(store RecordStore, logger zerolog.Logger) *DeviceConfigManager {
	return &DeviceConfigManager{
		store:  store,
		logger: logger,
	}
}

// Load reads the stored record into memory. A missing or invalid record yields defaults.
// A stored record claiming registration without full identity is downgraded to unregistered.
func (m *DeviceConfigManager) Load() DeviceConfig {
	rec := m.store.Load()

	m.mu.Lock()
	defer m.mu.Unlock()

	if rec == nil {
		m.current = DeviceConfig{}
		return m.current
	}

	cfg := rec.DeviceConfig
	if cfg.IsRegistered {
		if err := validate(cfg); err != nil {
			m.logger.Warn().Err(err).Msg("Stored record is marked registered but incomplete, treating device as unregistered")
			cfg.IsRegistered = false
		}
	}
	m.current = cfg
	m.logger.Info().
		Str("device_id", cfg.DeviceID).
		Bool("registered", cfg.IsRegistered).
		Msg("Device configuration loaded")
	return m.current
}

// GetCurrent returns a copy of the current configuration.
func (m *DeviceConfigManager) GetCurrent() DeviceConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// IsRegistered reports whether the device is currently registered.
func (m *DeviceConfigManager) IsRegistered() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.IsRegistered
}

// Update merges patch into the current configuration, validates and persists it.
//
// A validation failure leaves the previous state untouched and returns errdefs.ErrValidation.
// A store failure keeps the new in-memory state and returns errdefs.ErrPersistence.
func (m *DeviceConfigManager) Update(patch DeviceConfigPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := patch.apply(m.current)
	if next.IsRegistered {
		if err := validate(next); err != nil {
			m.logger.Warn().Err(err).Msg("Rejected device configuration update")
			return err
		}
	}

	m.current = next
	if err := m.store.Save(next); err != nil {
		if !errors.Is(err, errdefs.ErrPersistence) {
			err = fmt.Errorf("%w: %w", errdefs.ErrPersistence, err)
		}
		m.logger.Error().Err(err).Msg("Device configuration updated in memory but not persisted")
		return err
	}
	return nil
}

// validate enforces that a registered configuration carries the full identity.
func validate(c DeviceConfig) error {
	var missing []string
	if c.DeviceID == "" {
		missing = append(missing, "deviceId")
	}
	if c.GatewayAddress == "" {
		missing = append(missing, "gatewayAddress")
	}
	if c.Code == "" {
		missing = append(missing, "code")
	}
	if c.RewardAddress == "" {
		missing = append(missing, "rewardAddress")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: registered configuration is missing %s", errdefs.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}
