package metrics_collectors

import (
	"context"
	"errors"
	"fmt"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
)

// MetricsRegistry holds the collectors that build a SystemInfo snapshot.
type MetricsRegistry struct {
	collectors []MetricCollector
	config     models.MetricsConfig
	logger     zerolog.Logger
}

// NewMetricsRegistry creates an empty MetricsRegistry.
func NewMetricsRegistry(config models.MetricsConfig, logger zerolog.Logger) *MetricsRegistry {
	return &MetricsRegistry{
		config: config,
		logger: logger,
	}
}

// NewDefaultRegistry registers the host, cpu, memory, disk, network and gpu collectors.
func NewDefaultRegistry(config models.MetricsConfig, logger zerolog.Logger) *MetricsRegistry {
	r := NewMetricsRegistry(config, logger)
	r.Register(&HostMetricCollector{Logger: logger})
	r.Register(&CPUMetricCollector{Logger: logger})
	r.Register(&MemoryMetricCollector{Logger: logger})
	r.Register(&DiskMetricCollector{Logger: logger, Path: config.DiskPath})
	r.Register(&NetworkMetricCollector{Logger: logger})
	r.Register(&GPUMetricCollector{Logger: logger, Command: config.GPUCommand})
	return r
}

// Register adds a collector. Collectors run in registration order.
func (r *MetricsRegistry) Register(collector MetricCollector) {
	r.collectors = append(r.collectors, collector)
}

// GetCollectors returns all the metric collectors registered in the registry.
func (r *MetricsRegistry) GetCollectors() []MetricCollector {
	return r.collectors
}

// Collect runs every enabled collector and returns the combined snapshot.
// A failing collector leaves its section empty; an error is returned only when all of them fail.
func (r *MetricsRegistry) Collect(ctx context.Context) (*models.SystemInfo, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}

	info := &models.SystemInfo{}
	var errs []error
	ran := 0
	for _, c := range r.collectors {
		if !c.IsEnabled(&r.config) {
			continue
		}
		ran++
		if err := c.Collect(ctx, info); err != nil {
			r.logger.Warn().Err(err).Str("collector", c.Name()).Msg("Collector failed")
			errs = append(errs, fmt.Errorf("%s: %w", c.Name(), err))
		}
	}

	if ran > 0 && len(errs) == ran {
		return nil, errors.Join(errs...)
	}
	return info, nil
}
