package service_registry

import (
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/registry"
	"github.com/benmeehan/fleet-agent/internal/services"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/internal/utils"
	"github.com/benmeehan/fleet-agent/pkg/identity"
)

// Dependencies are the shared components every service is built from.
type Dependencies struct {
	Tunnel       services.Tunnel
	Bus          *tunnel.EventBus
	DeviceConfig identity.DeviceConfigInterface
	Store        identity.RecordStore
	SysInfo      services.SystemInfoProvider
	DID          identity.DIDSource
}

// ServiceRegistry manages the lifecycle of various services in the system.
type ServiceRegistry struct {
	services    map[string]registry.Service // Stores registered services
	serviceKeys []string                    // Maintains order of service registration
	deps        Dependencies
	Logger      zerolog.Logger

	// Set by RegisterServices for callers outside the scheduled services.
	Registration     *services.RegistrationService
	AutoRegistration *services.AutoRegistrationService
	Status           *services.StatusService
}

// NewServiceRegistry initializes a new service registry with dependencies.
func NewServiceRegistry(deps Dependencies, logger zerolog.Logger) *ServiceRegistry {
	return &ServiceRegistry{
		services: make(map[string]registry.Service),
		deps:     deps,
		Logger:   logger,
	}
}

// RegisterService adds a new service to the registry.
func (sr *ServiceRegistry) RegisterService(name string, svc registry.Service) {
	if _, exists := sr.services[name]; exists {
		sr.Logger.Warn().Msgf("Service %s is already registered", name)
		return
	}
	sr.services[name] = svc
	sr.serviceKeys = append(sr.serviceKeys, name)
	sr.Logger.Info().Msgf("Registered service: %s", name)
}

// StartServices initiates all registered services in order.
// If a service fails to start, it stops already started services.
func (sr *ServiceRegistry) StartServices() error {
	startedServices := []string{}

	for _, name := range sr.serviceKeys {
		svc := sr.services[name]
		sr.Logger.Info().Msgf("Starting service: %s", name)
		if err := svc.Start(); err != nil {
			sr.Logger.Error().Err(err).Msgf("Failed to start service: %s", name)

			// Stop already started services before returning
			sr.Logger.Warn().Msg("Stopping already started services due to startup failure...")
			for i := len(startedServices) - 1; i >= 0; i-- {
				_ = sr.services[startedServices[i]].Stop()
			}
			return err
		}
		startedServices = append(startedServices, name)
	}

	return nil
}

// StopServices stops all services in reverse order.
func (sr *ServiceRegistry) StopServices() error {
	var stopErrors []error
	for i := len(sr.serviceKeys) - 1; i >= 0; i-- {
		name := sr.serviceKeys[i]
		if err := sr.services[name].Stop(); err != nil {
			stopErrors = append(stopErrors, fmt.Errorf("failed to stop %s: %w", name, err))
		}
	}
	if len(stopErrors) > 0 {
		for _, e := range stopErrors {
			sr.Logger.Error().Err(e).Msg("Service stop failure")
		}
		return errors.Join(stopErrors...)
	}
	return nil
}

// RegisterServices initializes and registers enabled services based on configuration.
// The status service is registered first so it observes every event the others cause.
func (sr *ServiceRegistry) RegisterServices(config *utils.Config) error {
	d := sr.deps
	s := &config.Services

	sr.Registration = services.NewRegistrationService(
		d.Tunnel,
		d.DeviceConfig,
		d.Store,
		d.SysInfo,
		d.DID,
		d.Bus,
		config.Agent.Version,
		s.ModelReport.Models,
		sr.Logger.With().Str("component", "registration").Logger(),
	)

	// Ordered service definitions with inline constructors
	servicesInOrder := []struct {
		name        string
		enabled     bool
		constructor func() (registry.Service, error)
	}{
		{
			name:    "status",
			enabled: s.Status.Enabled,
			constructor: func() (registry.Service, error) {
				sr.Status = services.NewStatusService(
					s.Status.HealthCheckInterval,
					d.DeviceConfig,
					d.Tunnel,
					d.Bus,
					sr.Logger.With().Str("component", "status").Logger(),
				)
				return sr.Status, nil
			},
		},
		{
			name:    "connection",
			enabled: s.Connection.Enabled,
			constructor: func() (registry.Service, error) {
				return services.NewConnectionService(
					d.Tunnel,
					sr.Registration,
					d.DeviceConfig,
					d.Bus,
					sr.Logger.With().Str("component", "connection").Logger(),
				), nil
			},
		},
		{
			name:    "registration",
			enabled: s.Registration.Enabled,
			constructor: func() (registry.Service, error) {
				if s.Registration.RetryInterval <= 0 {
					return nil, errors.New("registration retry interval must be positive")
				}
				sr.AutoRegistration = services.NewAutoRegistrationService(
					s.Registration.StartupDelay,
					s.Registration.RetryInterval,
					s.Registration.MaxRetryAttempts,
					sr.Registration,
					d.DeviceConfig,
					d.Tunnel,
					sr.Logger.With().Str("component", "auto_registration").Logger(),
				)
				return sr.AutoRegistration, nil
			},
		},
		{
			name:    "heartbeat",
			enabled: s.Heartbeat.Enabled,
			constructor: func() (registry.Service, error) {
				if s.Heartbeat.Interval <= 0 {
					return nil, errors.New("heartbeat interval must be positive")
				}
				model := ""
				if len(s.ModelReport.Models) > 0 {
					model = s.ModelReport.Models[0]
				}
				return services.NewHeartbeatService(
					s.Heartbeat.Interval,
					model,
					d.DeviceConfig,
					d.Tunnel,
					d.SysInfo,
					sr.Logger.With().Str("component", "heartbeat").Logger(),
				), nil
			},
		},
		{
			name:    "model_report",
			enabled: s.ModelReport.Enabled,
			constructor: func() (registry.Service, error) {
				if s.ModelReport.Interval <= 0 {
					return nil, errors.New("model report interval must be positive")
				}
				return services.NewModelReportService(
					s.ModelReport.Interval,
					s.ModelReport.Models,
					d.DeviceConfig,
					d.Store,
					d.Tunnel,
					d.Bus,
					sr.Logger.With().Str("component", "model_report").Logger(),
				), nil
			},
		},
	}

	// Register services in the predefined order
	registeredServices := []string{}
	for _, svc := range servicesInOrder {
		if svc.enabled {
			serviceInstance, err := svc.constructor()
			if err != nil {
				sr.Logger.Error().Err(err).Msgf("Failed to create %s service", svc.name)
				return err
			}
			sr.RegisterService(svc.name, serviceInstance)
			registeredServices = append(registeredServices, svc.name)
		}
	}

	sr.Logger.Info().Msgf("Registered services in order: %v", registeredServices)
	return nil
}
