package metrics_collectors

import (
	"context"

	"github.com/benmeehan/fleet-agent/internal/models"
)

// MetricCollector fills one section of a SystemInfo snapshot.
type MetricCollector interface {
	// Name of the probe (e.g., "cpu", "gpu").
	Name() string
	// Collect writes the probe's section into info.
	Collect(ctx context.Context, info *models.SystemInfo) error
	// IsEnabled checks if the probe is enabled in the config.
	IsEnabled(config *models.MetricsConfig) bool
}
