package metrics_collectors

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"testing"
	"time"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubCollector struct {
	name    string
	enabled bool
	err     error
	fill    func(*models.SystemInfo)
	calls   int
}

func (s *stubCollector) Name() string                         { return s.name }
func (s *stubCollector) IsEnabled(*models.MetricsConfig) bool { return s.enabled }
func (s *stubCollector) Collect(_ context.Context, info *models.SystemInfo) error {
	s.calls++
	if s.fill != nil {
		s.fill(info)
	}
	return s.err
}

func TestMetricsRegistry_CollectSkipsDisabledAndToleratesFailures(t *testing.T) {
	r := NewMetricsRegistry(models.MetricsConfig{}, zerolog.Nop())
	cpu := &stubCollector{name: "cpu", enabled: true, fill: func(i *models.SystemInfo) { i.CPU.Usage = 42 }}
	disk := &stubCollector{name: "disk", enabled: true, err: errors.New("permission denied")}
	gpu := &stubCollector{name: "gpu", enabled: false}
	r.Register(cpu)
	r.Register(disk)
	r.Register(gpu)

	info, err := r.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 42.0, info.CPU.Usage)
	assert.Equal(t, 0, gpu.calls)
	assert.Len(t, r.GetCollectors(), 3)
}

func TestMetricsRegistry_CollectFailsWhenEverythingFails(t *testing.T) {
	r := NewMetricsRegistry(models.MetricsConfig{}, zerolog.Nop())
	r.Register(&stubCollector{name: "cpu", enabled: true, err: errors.New("boom")})

	info, err := r.Collect(context.Background())
	assert.Nil(t, info)
	assert.ErrorContains(t, err, "cpu: boom")
}

func TestParseGPUQuery(t *testing.T) {
	out := []byte("NVIDIA GeForce RTX 4090, 37, 24564, 1024\nNVIDIA A100, 80, 40960, 20480\n")
	gpus, err := parseGPUQuery(out)
	require.NoError(t, err)
	require.Len(t, gpus, 2)
	assert.Equal(t, "NVIDIA GeForce RTX 4090", gpus[0].Name)
	assert.Equal(t, 37.0, gpus[0].Usage)
	assert.Equal(t, uint64(24564)<<20, gpus[0].MemoryTotal)
	assert.Equal(t, uint64(1024)<<20, gpus[0].MemoryUsed)

	_, err = parseGPUQuery([]byte("only,two\n"))
	assert.Error(t, err)
}

func TestGPUMetricCollector(t *testing.T) {
	info := &models.SystemInfo{}
	g := &GPUMetricCollector{
		Logger: zerolog.Nop(),
		Run: func(_ context.Context, name string, args ...string) ([]byte, error) {
			assert.Equal(t, defaultGPUCommand, name)
			assert.Equal(t, gpuQueryArgs, args)
			return []byte("Tesla T4, 12, 15360, 300\n"), nil
		},
	}
	require.NoError(t, g.Collect(context.Background(), info))
	assert.Equal(t, "Tesla T4", info.GPUType())

	missing := &GPUMetricCollector{
		Logger: zerolog.Nop(),
		Run: func(context.Context, string, ...string) ([]byte, error) {
			return nil, &exec.Error{Name: "nvidia-smi", Err: exec.ErrNotFound}
		},
	}
	require.NoError(t, missing.Collect(context.Background(), info))
	assert.Empty(t, info.GPUs)

	broken := &GPUMetricCollector{
		Logger: zerolog.Nop(),
		Run: func(context.Context, string, ...string) ([]byte, error) {
			return nil, fmt.Errorf("exit status 9")
		},
	}
	assert.Error(t, broken.Collect(context.Background(), info))
}

func TestNetworkMetricCollector_Rates(t *testing.T) {
	n := &NetworkMetricCollector{Logger: zerolog.Nop()}
	start := time.Now()

	in, out := n.rates(1000, 500, start)
	assert.Zero(t, in)
	assert.Zero(t, out)

	in, out = n.rates(3000, 1500, start.Add(2*time.Second))
	assert.Equal(t, 1000.0, in)
	assert.Equal(t, 500.0, out)

	// counter reset
	in, out = n.rates(10, 10, start.Add(3*time.Second))
	assert.Zero(t, in)
	assert.Zero(t, out)
}

func TestPrimaryIPv4(t *testing.T) {
	ifaces := []net.InterfaceStat{
		{Name: "lo", Flags: []string{"up", "loopback"}, Addrs: []net.InterfaceAddr{{Addr: "127.0.0.1/8"}}},
		{Name: "docker0", Flags: []string{"broadcast"}, Addrs: []net.InterfaceAddr{{Addr: "172.17.0.1/16"}}},
		{Name: "eth0", Flags: []string{"up", "broadcast"}, Addrs: []net.InterfaceAddr{
			{Addr: "fe80::1/64"},
			{Addr: "192.168.1.20/24"},
		}},
	}
	assert.Equal(t, "192.168.1.20", primaryIPv4(ifaces))
	assert.Empty(t, primaryIPv4(nil))
}

func TestDefaultRegistryHonoursConfig(t *testing.T) {
	cfg := models.MetricsConfig{MonitorCPU: true}
	r := NewDefaultRegistry(cfg, zerolog.Nop())

	var enabled []string
	for _, c := range r.GetCollectors() {
		if c.IsEnabled(&cfg) {
			enabled = append(enabled, c.Name())
		}
	}
	assert.Equal(t, []string{"host", "cpu"}, enabled)
}
