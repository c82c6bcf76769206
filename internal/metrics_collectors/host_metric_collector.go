package metrics_collectors

import (
	"context"
	"fmt"
	"runtime"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/host"
)

// HostMetricCollector collects OS identity. It is always enabled.
type HostMetricCollector struct {
	Logger zerolog.Logger
}

func (h *HostMetricCollector) Name() string {
	return "host"
}

func (h *HostMetricCollector) Collect(ctx context.Context, info *models.SystemInfo) error {
	info.OS.Arch = runtime.GOARCH
	info.OS.Platform = runtime.GOOS

	stat, err := host.InfoWithContext(ctx)
	if err != nil {
		return fmt.Errorf("host info: %w", err)
	}
	info.OS.Hostname = stat.Hostname
	if stat.Platform != "" {
		info.OS.Platform = stat.Platform
	}
	info.OS.Version = stat.PlatformVersion
	if stat.KernelArch != "" {
		info.OS.Arch = stat.KernelArch
	}
	return nil
}

func (h *HostMetricCollector) IsEnabled(*models.MetricsConfig) bool {
	return true
}
