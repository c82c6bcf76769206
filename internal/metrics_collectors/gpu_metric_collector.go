package metrics_collectors

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
)

const defaultGPUCommand = "nvidia-smi"

var gpuQueryArgs = []string{
	"--query-gpu=name,utilization.gpu,memory.total,memory.used",
	"--format=csv,noheader,nounits",
}

// CommandRunner runs an external program and returns its standard output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func execRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).Output()
}

// GPUMetricCollector queries nvidia-smi for installed GPUs. A host without the tool has no GPUs.
type GPUMetricCollector struct {
	Logger  zerolog.Logger
	Command string
	Run     CommandRunner
}

func (g *GPUMetricCollector) Name() string {
	return "gpu"
}

func (g *GPUMetricCollector) Collect(ctx context.Context, info *models.SystemInfo) error {
	command := g.Command
	if command == "" {
		command = defaultGPUCommand
	}
	run := g.Run
	if run == nil {
		run = execRunner
	}

	out, err := run(ctx, command, gpuQueryArgs...)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			g.Logger.Debug().Str("command", command).Msg("GPU tool not installed, reporting no GPUs")
			info.GPUs = nil
			return nil
		}
		return fmt.Errorf("%s: %w", command, err)
	}

	gpus, err := parseGPUQuery(out)
	if err != nil {
		return err
	}
	info.GPUs = gpus
	g.Logger.Debug().Int("gpus", len(gpus)).Msg("GPU usage collected successfully")
	return nil
}

func (g *GPUMetricCollector) IsEnabled(config *models.MetricsConfig) bool {
	return config.MonitorGPU
}

// parseGPUQuery parses nvidia-smi csv output. Memory is reported in MiB.
func parseGPUQuery(out []byte) ([]models.GPUInfo, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 4

	var gpus []models.GPUInfo
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("parse gpu query: %w", err)
		}

		gpu := models.GPUInfo{Name: strings.TrimSpace(rec[0])}
		if v, err := strconv.ParseFloat(strings.TrimSpace(rec[1]), 64); err == nil {
			gpu.Usage = v
		}
		if v, err := strconv.ParseUint(strings.TrimSpace(rec[2]), 10, 64); err == nil {
			gpu.MemoryTotal = v << 20
		}
		if v, err := strconv.ParseUint(strings.TrimSpace(rec[3]), 10, 64); err == nil {
			gpu.MemoryUsed = v << 20
		}
		gpus = append(gpus, gpu)
	}
	return gpus, nil
}
