package services

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/internal/utils"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/identity"
)

// ModelReportService tells the gateway which models the device serves, whenever the local
// set differs from the one the gateway last accepted.
type ModelReportService struct {
	Interval time.Duration
	Models   []string

	deviceConfig identity.DeviceConfigInterface
	store        identity.RecordStore
	tunnel       Tunnel
	bus          *tunnel.EventBus
	logger       zerolog.Logger

	checkMu     sync.Mutex
	trigger     chan struct{}
	unsubscribe func()

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewModelReportService initializes a new ModelReportService. bus may be nil.
func NewModelReportService(interval time.Duration, localModels []string, deviceConfig identity.DeviceConfigInterface,
	store identity.RecordStore, tun Tunnel, bus *tunnel.EventBus, logger zerolog.Logger) *ModelReportService {

	return &ModelReportService{
		Interval:     interval,
		Models:       localModels,
		deviceConfig: deviceConfig,
		store:        store,
		tunnel:       tun,
		bus:          bus,
		logger:       logger,
		trigger:      make(chan struct{}, 1),
	}
}

// Start launches the report loop. A successful registration triggers an immediate check.
func (m *ModelReportService) Start() error {
	if m.ctx != nil {
		m.logger.Warn().Msg("ModelReportService is already running")
		return errors.New("model report service is already running")
	}

	m.ctx, m.cancel = context.WithCancel(context.Background())
	if m.bus != nil {
		m.unsubscribe = m.bus.Subscribe(func(ev tunnel.Event) {
			if ev.Type != tunnel.EventRegistered {
				return
			}
			select {
			case m.trigger <- struct{}{}:
			default:
			}
		})
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(m.ctx)
	}()

	m.logger.Info().Dur("interval", m.Interval).Strs("models", m.Models).Msg("ModelReportService started successfully")
	return nil
}

// Stop gracefully stops the report loop.
func (m *ModelReportService) Stop() error {
	if m.ctx == nil {
		m.logger.Warn().Msg("ModelReportService is not running")
		return errors.New("model report service is not running")
	}

	if m.unsubscribe != nil {
		m.unsubscribe()
		m.unsubscribe = nil
	}
	m.cancel()
	m.wg.Wait()

	m.ctx = nil
	m.cancel = nil

	m.logger.Info().Msg("ModelReportService stopped successfully")
	return nil
}

func (m *ModelReportService) run(ctx context.Context) {
	ticker := time.NewTicker(m.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.report(ctx)
		case <-m.trigger:
			m.report(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (m *ModelReportService) report(ctx context.Context) {
	if _, err := m.Check(ctx); err != nil {
		m.logger.Warn().Err(err).Msg("Model report failed")
	}
}

// Check sends a model report if the local set differs from the last accepted one.
// It reports whether a report was accepted by the gateway.
func (m *ModelReportService) Check(ctx context.Context) (bool, error) {
	m.checkMu.Lock()
	defer m.checkMu.Unlock()

	if !m.deviceConfig.IsRegistered() {
		m.logger.Debug().Msg("Device not registered, skipping model report")
		return false, nil
	}

	var reported []string
	if rec := m.store.Load(); rec != nil {
		reported = rec.ReportedModels
	}
	if utils.SameElements(reported, m.Models) {
		m.logger.Debug().Msg("Reported models are up to date")
		return false, nil
	}

	current := m.deviceConfig.GetCurrent()
	resp, err := m.tunnel.SendModelReport(ctx, models.ModelReport{
		DeviceID: current.DeviceID,
		Models:   m.Models,
	})
	if err != nil {
		return false, err
	}
	if !resp.Success {
		return false, fmt.Errorf("%w: %s", errdefs.ErrRejected, resp.Message)
	}

	if err := m.store.Save(current, identity.WithReportedModels(m.Models)); err != nil {
		return true, err
	}
	m.logger.Info().Str("device_id", current.DeviceID).Strs("models", m.Models).Msg("Model report accepted")
	return true, nil
}
