package services

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/pkg/identity"
)

// HeartbeatService sends periodic heartbeat reports while the device is registered.
type HeartbeatService struct {
	Interval     time.Duration
	Model        string
	DeviceConfig identity.DeviceConfigInterface
	Tunnel       Tunnel
	SysInfo      SystemInfoProvider
	Logger       zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHeartbeatService initializes a new HeartbeatService. sysInfo may be nil.
func NewHeartbeatService(interval time.Duration, model string, deviceConfig identity.DeviceConfigInterface,
	tun Tunnel, sysInfo SystemInfoProvider, logger zerolog.Logger) *HeartbeatService {

	return &HeartbeatService{
		Interval:     interval,
		Model:        model,
		DeviceConfig: deviceConfig,
		Tunnel:       tun,
		SysInfo:      sysInfo,
		Logger:       logger,
	}
}

// Start launches the heartbeat loop in a separate goroutine.
func (h *HeartbeatService) Start() error {
	if h.ctx != nil {
		h.Logger.Warn().Msg("HeartbeatService is already running")
		return errors.New("heartbeat service is already running")
	}

	h.ctx, h.cancel = context.WithCancel(context.Background())

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		h.runHeartbeatLoop()
	}()

	h.Logger.Info().Dur("interval", h.Interval).Msg("HeartbeatService started successfully")
	return nil
}

// Stop gracefully stops the heartbeat service.
func (h *HeartbeatService) Stop() error {
	if h.ctx == nil {
		h.Logger.Warn().Msg("HeartbeatService is not running")
		return errors.New("heartbeat service is not running")
	}

	h.cancel()
	h.wg.Wait()

	h.ctx = nil
	h.cancel = nil

	h.Logger.Info().Msg("HeartbeatService stopped successfully")
	return nil
}

func (h *HeartbeatService) runHeartbeatLoop() {
	ticker := time.NewTicker(h.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			h.Beat(h.ctx)
		case <-h.ctx.Done():
			h.Logger.Info().Msg("HeartbeatService stopping gracefully")
			return
		}
	}
}

// Beat sends one heartbeat and reports whether the gateway acknowledged it.
// Unregistered devices are skipped. A failure never changes registration state.
func (h *HeartbeatService) Beat(ctx context.Context) bool {
	if !h.DeviceConfig.IsRegistered() {
		h.Logger.Debug().Msg("Device not registered, skipping heartbeat")
		return false
	}
	cfg := h.DeviceConfig.GetCurrent()

	report := models.HeartbeatReport{
		Code:      cfg.Code,
		DeviceID:  cfg.DeviceID,
		Timestamp: time.Now().UnixMilli(),
		Model:     h.Model,
	}
	if h.SysInfo != nil {
		if info, err := h.SysInfo.Collect(ctx); err != nil {
			h.Logger.Debug().Err(err).Msg("System info unavailable, sending bare heartbeat")
		} else {
			fillUsage(&report, info)
		}
	}

	if !h.Tunnel.SendHeartbeat(ctx, cfg.DeviceID, report) {
		h.Logger.Debug().Str("device_id", cfg.DeviceID).Msg("Heartbeat not acknowledged")
		return false
	}
	h.Logger.Debug().Str("device_id", cfg.DeviceID).Msg("Heartbeat acknowledged")
	return true
}

func fillUsage(report *models.HeartbeatReport, info *models.SystemInfo) {
	cpu, mem, disk := info.CPU.Usage, info.Memory.Usage, info.Disk.Usage
	in, out := info.Network.InRate, info.Network.OutRate

	report.CPUUsage = &cpu
	report.MemoryUsage = &mem
	report.DiskUsage = &disk
	report.NetworkIn = &in
	report.NetworkOut = &out
	report.GPUUsage = info.AverageGPUUsage()
	report.IP = info.Network.IP
	report.Type = info.DeviceType()
	report.DeviceInfo = info
}
