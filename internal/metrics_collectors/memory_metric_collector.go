package metrics_collectors

import (
	"context"
	"fmt"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/mem"
)

// MemoryMetricCollector collects virtual memory totals and usage.
type MemoryMetricCollector struct {
	Logger zerolog.Logger
}

// Name returns the identifier for the memory metric collector.
func (m *MemoryMetricCollector) Name() string {
	return "memory"
}

// Collect retrieves total, used and percentage of used virtual memory.
func (m *MemoryMetricCollector) Collect(ctx context.Context, info *models.SystemInfo) error {
	memStats, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return fmt.Errorf("virtual memory: %w", err)
	}

	info.Memory = models.MemoryInfo{
		Total: memStats.Total,
		Used:  memStats.Used,
		Usage: memStats.UsedPercent,
	}

	m.Logger.Debug().
		Float64("memory_usage_percent", memStats.UsedPercent).
		Msg("Memory usage collected successfully")
	return nil
}

// IsEnabled checks if memory monitoring is enabled in the configuration.
func (m *MemoryMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	if !config.MonitorMemory {
		m.Logger.Debug().Msg("Memory monitoring is disabled in configuration")
	}
	return config.MonitorMemory
}
