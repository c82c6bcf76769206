package metrics_collectors

import (
	"context"
	"fmt"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/cpu"
)

// CPUMetricCollector collects CPU model, core count and utilization.
type CPUMetricCollector struct {
	Logger zerolog.Logger
}

func (c *CPUMetricCollector) Name() string {
	return "cpu"
}

func (c *CPUMetricCollector) Collect(ctx context.Context, info *models.SystemInfo) error {
	cpuPercentages, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return fmt.Errorf("cpu usage: %w", err)
	}
	if len(cpuPercentages) == 0 {
		return fmt.Errorf("cpu usage: no data")
	}
	info.CPU.Usage = cpuPercentages[0]

	if cores, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPU.Cores = cores
	} else {
		c.Logger.Debug().Err(err).Msg("Failed to count CPU cores")
	}
	if stats, err := cpu.InfoWithContext(ctx); err == nil && len(stats) > 0 {
		info.CPU.Model = stats[0].ModelName
	} else if err != nil {
		c.Logger.Debug().Err(err).Msg("Failed to read CPU model")
	}

	c.Logger.Debug().Float64("cpu_usage", info.CPU.Usage).Int("cores", info.CPU.Cores).Msg("CPU usage collected successfully")
	return nil
}

func (c *CPUMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	if !config.MonitorCPU {
		c.Logger.Debug().Msg("CPU monitoring is disabled in configuration")
	}
	return config.MonitorCPU
}
