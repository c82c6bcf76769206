package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/identity"
)

// ConnectionService restores the tunnel of a registered device after a connection loss:
// first a direct reconnect with a heartbeat re-announce, then a full re-registration.
// One recovery cycle runs per disconnect; further losses during a cycle are ignored.
type ConnectionService struct {
	tunnel       Tunnel
	registrar    Registrar
	deviceConfig identity.DeviceConfigInterface
	bus          *tunnel.EventBus
	logger       zerolog.Logger

	recovering  atomic.Bool
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewConnectionService initializes a new ConnectionService.
func NewConnectionService(tun Tunnel, registrar Registrar, deviceConfig identity.DeviceConfigInterface,
	bus *tunnel.EventBus, logger zerolog.Logger) *ConnectionService {

	return &ConnectionService{
		tunnel:       tun,
		registrar:    registrar,
		deviceConfig: deviceConfig,
		bus:          bus,
		logger:       logger,
	}
}

// Start subscribes to tunnel lifecycle events.
func (c *ConnectionService) Start() error {
	if c.ctx != nil {
		c.logger.Warn().Msg("ConnectionService is already running")
		return errors.New("connection service is already running")
	}

	c.ctx, c.cancel = context.WithCancel(context.Background())
	c.unsubscribe = c.bus.Subscribe(c.onEvent)

	c.logger.Info().Msg("ConnectionService started successfully")
	return nil
}

// Stop unsubscribes and waits for a running recovery cycle to end.
func (c *ConnectionService) Stop() error {
	if c.ctx == nil {
		c.logger.Warn().Msg("ConnectionService is not running")
		return errors.New("connection service is not running")
	}

	c.unsubscribe()
	c.cancel()
	c.wg.Wait()

	c.ctx = nil
	c.cancel = nil
	c.unsubscribe = nil

	c.logger.Info().Msg("ConnectionService stopped successfully")
	return nil
}

func (c *ConnectionService) onEvent(ev tunnel.Event) {
	switch ev.Type {
	case tunnel.EventDisconnected:
	case tunnel.EventError:
		if c.tunnel.IsConnected() {
			c.logger.Debug().Err(ev.Err).Msg("Tunnel error on a live connection, not recovering")
			return
		}
	default:
		return
	}

	if !c.recovering.CompareAndSwap(false, true) {
		c.logger.Debug().Str("reason", ev.Reason()).Msg("Recovery already running, ignoring event")
		return
	}

	ctx := c.ctx
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer c.recovering.Store(false)
		c.HandleDisconnect(ctx, ev.Reason())
	}()
}

// HandleDisconnect runs one recovery cycle and reports whether the tunnel was restored.
// Unregistered devices are left to the registration supervisor.
func (c *ConnectionService) HandleDisconnect(ctx context.Context, reason string) (recovered bool) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().Interface("panic", r).Msg("Connection recovery panicked")
			recovered = false
		}
	}()

	if !c.deviceConfig.IsRegistered() {
		c.logger.Debug().Str("reason", reason).Msg("Disconnected while unregistered, nothing to recover")
		return false
	}
	cfg := c.deviceConfig.GetCurrent()
	log := c.logger.With().Str("device_id", cfg.DeviceID).Str("reason", reason).Logger()
	log.Warn().Msg("Tunnel lost, reconnecting")

	err := c.reconnect(ctx, cfg)
	if err == nil {
		log.Info().Msg("Tunnel restored by direct reconnect")
		return true
	}
	log.Warn().Err(err).Msg("Direct reconnect failed, re-registering")

	result := c.registrar.Register(ctx, RegistrationRequest{
		GatewayAddress:  cfg.GatewayAddress,
		Code:            cfg.Code,
		RewardAddress:   cfg.RewardAddress,
		DeviceName:      cfg.DeviceName,
		BasePath:        cfg.BasePath,
		IsAutoReconnect: true,
	})
	if !result.Success {
		log.Error().Str("error", result.Error).Msg("Re-registration after disconnect failed, deferring to periodic retry")
		return false
	}
	log.Info().Msg("Tunnel restored by re-registration")
	return true
}

// reconnect connects with the stored credentials and announces the device with a heartbeat.
// A heartbeat still pending from before the loss counts as the announce.
func (c *ConnectionService) reconnect(ctx context.Context, cfg identity.DeviceConfig) error {
	if err := c.tunnel.EnsureConnected(ctx, connectOptions(cfg.GatewayAddress, cfg.Code, cfg.BasePath, cfg.DeviceID)); err != nil {
		return err
	}
	announce := models.HeartbeatReport{
		Code:      cfg.Code,
		DeviceID:  cfg.DeviceID,
		Timestamp: time.Now().UnixMilli(),
	}
	resp, err := c.tunnel.RequestHeartbeat(ctx, cfg.DeviceID, announce)
	switch {
	case errors.Is(err, errdefs.ErrRequestInFlight):
		c.logger.Debug().Str("device_id", cfg.DeviceID).Msg("Heartbeat already pending, skipping re-announce")
		return nil
	case err != nil:
		return fmt.Errorf("re-announce: %w", err)
	case !resp.Success:
		return fmt.Errorf("%w: gateway refused re-announce: %s", errdefs.ErrRejected, resp.Message)
	}
	return nil
}
