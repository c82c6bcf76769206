package metrics_collectors

import (
	"context"
	"fmt"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/disk"
)

// DiskMetricCollector collects usage of one filesystem, "/" unless Path is set.
type DiskMetricCollector struct {
	Logger zerolog.Logger
	Path   string
}

func (d *DiskMetricCollector) Name() string {
	return "disk"
}

func (d *DiskMetricCollector) Collect(ctx context.Context, info *models.SystemInfo) error {
	path := d.Path
	if path == "" {
		path = "/"
	}
	diskStats, err := disk.UsageWithContext(ctx, path)
	if err != nil {
		return fmt.Errorf("disk usage of %s: %w", path, err)
	}
	info.Disk = models.DiskInfo{
		Total: diskStats.Total,
		Used:  diskStats.Used,
		Usage: diskStats.UsedPercent,
	}
	return nil
}

func (d *DiskMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorDisk
}
