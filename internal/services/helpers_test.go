package services_test

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/services"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/internal/tunnel/tunneltest"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/file"
	"github.com/benmeehan/fleet-agent/pkg/identity"
	"github.com/benmeehan/fleet-agent/pkg/transport"
)

var scenarioCreds = services.RegistrationRequest{
	GatewayAddress: "http://gw",
	Code:           "abc",
	RewardAddress:  "0xR",
	DeviceName:     "dev1",
}

// testEnv is a device wired to an in-memory gateway.
type testEnv struct {
	fake    *tunneltest.FakeTransport
	bus     *tunnel.EventBus
	client  *tunnel.Client
	store   identity.RecordStore
	config  *identity.DeviceConfigManager
	sysInfo *stubSysInfo
}

func newTestEnv(t *testing.T, opts tunnel.Options) *testEnv {
	t.Helper()
	store := identity.NewFileStore(filepath.Join(t.TempDir(), "registration.json"), file.NewFileService(), zerolog.Nop())
	return newTestEnvWithStore(t, opts, store)
}

func newTestEnvWithStore(t *testing.T, opts tunnel.Options, store identity.RecordStore) *testEnv {
	t.Helper()
	fake := tunneltest.NewFakeTransport()
	bus := tunnel.NewEventBus(zerolog.Nop())
	client := tunnel.NewClient(fake, bus, opts, zerolog.Nop())
	t.Cleanup(func() { _ = client.Close() })

	config := identity.NewDeviceConfigManager(store, zerolog.Nop())
	config.Load()

	return &testEnv{
		fake:    fake,
		bus:     bus,
		client:  client,
		store:   store,
		config:  config,
		sysInfo: &stubSysInfo{info: sampleSystemInfo()},
	}
}

func (e *testEnv) registrationService(agentVersion string) *services.RegistrationService {
	return services.NewRegistrationService(e.client, e.config, e.store, e.sysInfo, nil, e.bus, agentVersion, []string{"llama3"}, zerolog.Nop())
}

// markRegistered stores a complete registered identity.
func (e *testEnv) markRegistered(t *testing.T) {
	t.Helper()
	require.NoError(t, e.config.Update(identity.DeviceConfigPatch{
		DeviceID:       identity.StringPtr("dev-1"),
		DeviceName:     identity.StringPtr("dev1"),
		GatewayAddress: identity.StringPtr("http://gw"),
		Code:           identity.StringPtr("abc"),
		RewardAddress:  identity.StringPtr("0xR"),
		IsRegistered:   identity.BoolPtr(true),
	}))
}

func (e *testEnv) connect(t *testing.T) {
	t.Helper()
	cfg := e.config.GetCurrent()
	require.NoError(t, e.client.EnsureConnected(context.Background(), connectOptionsFor(cfg)))
}

func connectOptionsFor(cfg identity.DeviceConfig) transport.ConnectOptions {
	return transport.ConnectOptions{
		Address:  cfg.GatewayAddress,
		Code:     cfg.Code,
		BasePath: cfg.BasePath,
		ClientID: cfg.DeviceID,
	}
}

func sampleSystemInfo() *models.SystemInfo {
	return &models.SystemInfo{
		CPU:     models.CPUInfo{Model: "Xeon", Cores: 8, Usage: 12.5},
		Memory:  models.MemoryInfo{Total: 16 << 30, Used: 4 << 30, Usage: 25},
		GPUs:    []models.GPUInfo{{Name: "RTX 4090", Usage: 40}, {Name: "RTX 4090", Usage: 60}},
		Disk:    models.DiskInfo{Total: 512 << 30, Used: 128 << 30, Usage: 25},
		Network: models.NetworkInfo{IP: "10.0.0.7", InRate: 100, OutRate: 50},
		OS:      models.OSInfo{Hostname: "node", Platform: "linux", Arch: "amd64"},
	}
}

type stubSysInfo struct {
	info *models.SystemInfo
	err  error
}

func (s *stubSysInfo) Collect(context.Context) (*models.SystemInfo, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.info, nil
}

// failingStore delegates to a real store but fails every Save.
type failingStore struct {
	identity.RecordStore
}

func (f failingStore) Save(identity.DeviceConfig, ...identity.SaveOption) error {
	return fmt.Errorf("%w: disk full", errdefs.ErrPersistence)
}

// stubRegistrar returns scripted results and counts calls.
type stubRegistrar struct {
	mu      sync.Mutex
	calls   []services.RegistrationRequest
	results []models.RegistrationResult
	panics  bool
}

func (s *stubRegistrar) Register(_ context.Context, req services.RegistrationRequest) models.RegistrationResult {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, req)
	if s.panics {
		panic("registrar exploded")
	}
	if len(s.results) == 0 {
		return models.RegistrationResult{Success: false, Error: "transport error", Err: errdefs.ErrTransport}
	}
	r := s.results[0]
	if len(s.results) > 1 {
		s.results = s.results[1:]
	}
	return r
}

func (s *stubRegistrar) Calls() []services.RegistrationRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]services.RegistrationRequest(nil), s.calls...)
}

func failed(err error) models.RegistrationResult {
	return models.RegistrationResult{Success: false, Error: err.Error(), Err: err}
}

var errBoom = errors.New("boom")
