package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/pkg/identity"
)

// StatusInput is an observation fed to the connectivity reducer.
type StatusInput string

const (
	InputConnected    StatusInput = StatusInput(tunnel.EventConnected)
	InputDisconnected StatusInput = StatusInput(tunnel.EventDisconnected)
	InputError        StatusInput = StatusInput(tunnel.EventError)
	InputRegistered   StatusInput = StatusInput(tunnel.EventRegistered)
	InputHealthOK     StatusInput = "healthCheck.ok"
	InputHealthFailed StatusInput = "healthCheck.failed"
)

// Reduce returns the status that follows current after input. An unregistered device
// always reports unknown. A failed health check on an offline device keeps it offline.
func Reduce(current models.ConnectivityStatus, input StatusInput, registered bool) models.ConnectivityStatus {
	if !registered {
		return models.ConnectivityUnknown
	}
	switch input {
	case InputConnected, InputRegistered, InputHealthOK:
		return models.ConnectivityOnline
	case InputDisconnected:
		return models.ConnectivityOffline
	case InputError:
		return models.ConnectivityError
	case InputHealthFailed:
		if current == models.ConnectivityOffline {
			return current
		}
		return models.ConnectivityError
	default:
		return current
	}
}

// StatusListener receives connectivity transitions.
type StatusListener func(models.StatusChangeEvent)

// StatusService tracks the connectivity status of the device from tunnel events and a
// periodic health check, and notifies listeners on every actual transition.
type StatusService struct {
	HealthCheckInterval time.Duration

	deviceConfig identity.DeviceConfigInterface
	tunnel       Tunnel
	bus          *tunnel.EventBus
	logger       zerolog.Logger

	// applyMu serializes transitions together with their notification.
	applyMu sync.Mutex

	mu        sync.RWMutex
	current   models.ConnectivityStatus
	listeners map[uint64]StatusListener
	nextID    uint64

	unsubscribe func()
	ctx         context.Context
	cancel      context.CancelFunc
	wg          sync.WaitGroup
}

// NewStatusService initializes a new StatusService in the unknown state.
func NewStatusService(healthCheckInterval time.Duration, deviceConfig identity.DeviceConfigInterface,
	tun Tunnel, bus *tunnel.EventBus, logger zerolog.Logger) *StatusService {

	return &StatusService{
		HealthCheckInterval: healthCheckInterval,
		deviceConfig:        deviceConfig,
		tunnel:              tun,
		bus:                 bus,
		logger:              logger,
		current:             models.ConnectivityUnknown,
		listeners:           make(map[uint64]StatusListener),
	}
}

// Start subscribes to the event bus and launches the health check loop.
func (s *StatusService) Start() error {
	if s.ctx != nil {
		s.logger.Warn().Msg("StatusService is already running")
		return errors.New("status service is already running")
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.unsubscribe = s.bus.Subscribe(func(ev tunnel.Event) {
		s.Apply(StatusInput(ev.Type), ev.Reason())
	})

	if s.HealthCheckInterval > 0 {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.runHealthChecks(s.ctx)
		}()
	}

	s.logger.Info().Dur("health_check_interval", s.HealthCheckInterval).Msg("StatusService started successfully")
	return nil
}

// Stop unsubscribes from the bus and stops the health check loop.
func (s *StatusService) Stop() error {
	if s.ctx == nil {
		s.logger.Warn().Msg("StatusService is not running")
		return errors.New("status service is not running")
	}

	s.unsubscribe()
	s.cancel()
	s.wg.Wait()

	s.ctx = nil
	s.cancel = nil
	s.unsubscribe = nil

	s.logger.Info().Msg("StatusService stopped successfully")
	return nil
}

// Current returns the current connectivity status.
func (s *StatusService) Current() models.ConnectivityStatus {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

// AddListener registers l for status changes and returns a function that removes it.
func (s *StatusService) AddListener(l StatusListener) func() {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.listeners[id] = l
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.listeners, id)
		s.mu.Unlock()
	}
}

// Apply feeds one input to the reducer and reports whether the status changed.
func (s *StatusService) Apply(input StatusInput, reason string) bool {
	s.applyMu.Lock()
	defer s.applyMu.Unlock()

	registered := s.deviceConfig.IsRegistered()

	s.mu.Lock()
	old := s.current
	next := Reduce(old, input, registered)
	if next == old {
		s.mu.Unlock()
		return false
	}
	s.current = next
	listeners := make([]StatusListener, 0, len(s.listeners))
	for _, l := range s.listeners {
		listeners = append(listeners, l)
	}
	s.mu.Unlock()

	ev := models.StatusChangeEvent{
		DeviceID:  s.deviceConfig.GetCurrent().DeviceID,
		OldStatus: old,
		NewStatus: next,
		Reason:    reason,
		Timestamp: time.Now(),
	}
	s.logger.Info().
		Str("device_id", ev.DeviceID).
		Str("old_status", string(old)).
		Str("new_status", string(next)).
		Str("reason", reason).
		Msg("Connectivity status changed")

	for _, l := range listeners {
		s.notify(l, ev)
	}
	return true
}

// CheckHealth probes the tunnel once and feeds the result to the reducer.
func (s *StatusService) CheckHealth() bool {
	if s.tunnel.IsConnected() {
		return s.Apply(InputHealthOK, "health check passed")
	}
	return s.Apply(InputHealthFailed, "health check: tunnel not connected")
}

func (s *StatusService) runHealthChecks(ctx context.Context) {
	ticker := time.NewTicker(s.HealthCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.CheckHealth()
		case <-ctx.Done():
			return
		}
	}
}

func (s *StatusService) notify(l StatusListener, ev models.StatusChangeEvent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("Status listener panicked")
		}
	}()
	l(ev)
}
