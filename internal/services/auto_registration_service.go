package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/identity"
)

// AutoRegistrationService attempts registration shortly after startup and then on a fixed
// period until it succeeds or MaxAttempts consecutive attempts have failed.
// Stored credentials the registrar finds invalid are not retried until they change.
type AutoRegistrationService struct {
	StartupDelay  time.Duration
	RetryInterval time.Duration
	MaxAttempts   int

	registrar    Registrar
	deviceConfig identity.DeviceConfigInterface
	tunnel       Tunnel
	logger       zerolog.Logger

	mu       sync.Mutex
	failures int
	invalid  *identity.DeviceConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewAutoRegistrationService initializes a new AutoRegistrationService.
func NewAutoRegistrationService(startupDelay, retryInterval time.Duration, maxAttempts int,
	registrar Registrar, deviceConfig identity.DeviceConfigInterface, tun Tunnel, logger zerolog.Logger) *AutoRegistrationService {

	return &AutoRegistrationService{
		StartupDelay:  startupDelay,
		RetryInterval: retryInterval,
		MaxAttempts:   maxAttempts,
		registrar:     registrar,
		deviceConfig:  deviceConfig,
		tunnel:        tun,
		logger:        logger,
	}
}

// Start launches the supervision loop in a separate goroutine.
func (a *AutoRegistrationService) Start() error {
	if a.ctx != nil {
		a.logger.Warn().Msg("AutoRegistrationService is already running")
		return errors.New("auto registration service is already running")
	}

	a.ctx, a.cancel = context.WithCancel(context.Background())

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		a.run(a.ctx)
	}()

	a.logger.Info().
		Dur("startup_delay", a.StartupDelay).
		Dur("retry_interval", a.RetryInterval).
		Int("max_attempts", a.MaxAttempts).
		Msg("AutoRegistrationService started successfully")
	return nil
}

// Stop gracefully stops the supervision loop. A running attempt is cancelled.
func (a *AutoRegistrationService) Stop() error {
	if a.ctx == nil {
		a.logger.Warn().Msg("AutoRegistrationService is not running")
		return errors.New("auto registration service is not running")
	}

	a.cancel()
	a.wg.Wait()

	a.ctx = nil
	a.cancel = nil

	a.logger.Info().Msg("AutoRegistrationService stopped successfully")
	return nil
}

func (a *AutoRegistrationService) run(ctx context.Context) {
	select {
	case <-time.After(a.StartupDelay):
	case <-ctx.Done():
		return
	}
	a.Tick(ctx)

	ticker := time.NewTicker(a.RetryInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			a.Tick(ctx)
		case <-ctx.Done():
			a.logger.Info().Msg("AutoRegistrationService stopping gracefully")
			return
		}
	}
}

// Tick runs one supervision step. It stays idle without stored credentials, does nothing
// while the device is registered and connected, and gives up after MaxAttempts failures.
func (a *AutoRegistrationService) Tick(ctx context.Context) {
	cfg := a.deviceConfig.GetCurrent()
	if !cfg.HasRegistrationIntent() {
		a.logger.Debug().Msg("No stored registration intent, staying idle")
		return
	}
	if cfg.IsRegistered && a.tunnel.IsConnected() {
		a.resetFailures()
		return
	}

	a.mu.Lock()
	exhausted := a.MaxAttempts > 0 && a.failures >= a.MaxAttempts
	invalid := a.invalid != nil && *a.invalid == cfg
	a.mu.Unlock()
	if invalid {
		a.logger.Debug().Msg("Stored registration credentials are invalid, waiting for new ones")
		return
	}
	if exhausted {
		a.logger.Debug().Int("max_attempts", a.MaxAttempts).Msg("Automatic registration suspended after repeated failures")
		return
	}

	a.attempt(ctx, cfg)
}

// ForceReregistration resets the failure counter and attempts once with the stored credentials.
func (a *AutoRegistrationService) ForceReregistration(ctx context.Context) models.RegistrationResult {
	a.resetFailures()

	cfg := a.deviceConfig.GetCurrent()
	if !cfg.HasRegistrationIntent() {
		err := fmt.Errorf("%w: no stored registration credentials", errdefs.ErrValidation)
		return failure(err)
	}
	return a.attempt(ctx, cfg)
}

// Failures returns the number of consecutive failed attempts.
func (a *AutoRegistrationService) Failures() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.failures
}

func (a *AutoRegistrationService) resetFailures() {
	a.mu.Lock()
	a.failures = 0
	a.invalid = nil
	a.mu.Unlock()
}

// attempt calls the registrar and accounts for the outcome. A panic counts as a failed attempt.
func (a *AutoRegistrationService) attempt(ctx context.Context, cfg identity.DeviceConfig) (result models.RegistrationResult) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("Registration attempt panicked")
			result = failure(fmt.Errorf("registration attempt panicked: %v", r))
			a.recordFailure()
		}
	}()

	result = a.registrar.Register(ctx, RegistrationRequest{
		GatewayAddress:  cfg.GatewayAddress,
		Code:            cfg.Code,
		RewardAddress:   cfg.RewardAddress,
		DeviceName:      cfg.DeviceName,
		BasePath:        cfg.BasePath,
		IsAutoReconnect: cfg.IsRegistered,
	})

	switch {
	case result.Success:
		a.resetFailures()
		if result.Warning != "" {
			a.logger.Warn().Str("warning", result.Warning).Msg("Automatic registration succeeded with warnings")
		}
	case errors.Is(result.Err, errdefs.ErrAlreadyInProgress):
		a.logger.Debug().Msg("Registration already in progress, skipping tick")
	case errors.Is(result.Err, errdefs.ErrValidation):
		a.mu.Lock()
		a.invalid = &cfg
		a.mu.Unlock()
		a.logger.Error().
			Str("error", result.Error).
			Msg("Stored registration credentials are invalid, automatic registration suspended until they change")
	default:
		failures := a.recordFailure()
		a.logger.Warn().
			Str("error", result.Error).
			Int("failures", failures).
			Int("max_attempts", a.MaxAttempts).
			Msg("Automatic registration attempt failed")
	}
	return result
}

func (a *AutoRegistrationService) recordFailure() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.failures++
	if a.MaxAttempts > 0 && a.failures == a.MaxAttempts {
		a.logger.Error().Int("max_attempts", a.MaxAttempts).Msg("Giving up on automatic registration until forced")
	}
	return a.failures
}
