package utils

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/file"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadConfig_MergesOverDefaults(t *testing.T) {
	path := writeConfig(t, `
agent:
  version: 1.4.2
transport:
  kind: mqtt
registration:
  gateway_address: https://gw.example.com
  code: abc
services:
  heartbeat:
    interval: 15s
  model_report:
    models: [llama3, mistral]
`)

	cfg, err := LoadConfig(path, file.NewFileService())
	require.NoError(t, err)

	assert.Equal(t, "1.4.2", cfg.Agent.Version)
	assert.Equal(t, TransportMQTT, cfg.Transport.Kind)
	assert.Equal(t, "https://gw.example.com", cfg.Registration.GatewayAddress)
	assert.Equal(t, 15*time.Second, cfg.Services.Heartbeat.Interval)
	assert.Equal(t, []string{"llama3", "mistral"}, cfg.Services.ModelReport.Models)

	// untouched keys keep their defaults
	assert.Equal(t, "/tunnel", cfg.Registration.BasePath)
	assert.Equal(t, 5*time.Minute, cfg.Services.Registration.RetryInterval)
	assert.Equal(t, 10, cfg.Services.Registration.MaxRetryAttempts)
	assert.True(t, cfg.Services.Heartbeat.Enabled)
	assert.True(t, cfg.Metrics.MonitorCPU)
}

func TestLoadConfig_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "registration:\n  code: from-file\n")
	t.Setenv("AGENT_GATEWAY_ADDRESS", "http://env-gw")
	t.Setenv("AGENT_CODE", "from-env")
	t.Setenv("AGENT_REWARD_ADDRESS", "0xreward")
	t.Setenv("AGENT_DEVICE_NAME", "rig-7")
	t.Setenv("AGENT_LOG_LEVEL", "debug")

	cfg, err := LoadConfig(path, file.NewFileService())
	require.NoError(t, err)
	assert.Equal(t, "http://env-gw", cfg.Registration.GatewayAddress)
	assert.Equal(t, "from-env", cfg.Registration.Code)
	assert.Equal(t, "0xreward", cfg.Registration.RewardAddress)
	assert.Equal(t, "rig-7", cfg.Registration.DeviceName)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadConfig_Invalid(t *testing.T) {
	path := writeConfig(t, `
agent:
  version: not-a-version
transport:
  kind: carrier-pigeon
services:
  heartbeat:
    interval: -1s
`)

	_, err := LoadConfig(path, file.NewFileService())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errdefs.ErrValidation))
	assert.Contains(t, err.Error(), "agent.version")
	assert.Contains(t, err.Error(), "transport.kind")
	assert.Contains(t, err.Error(), "services.heartbeat.interval")
}

func TestLoadConfig_MissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"), file.NewFileService())
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger("warn", "json", &buf)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)
	assert.Contains(t, buf.String(), `"service":"fleet-agent"`)

	assert.Equal(t, zerolog.InfoLevel, NewLogger("bogus", "json", &buf).GetLevel())
}
