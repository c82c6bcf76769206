package utils

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"

	"github.com/benmeehan/fleet-agent/internal/constants"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/file"
)

// Transport kinds.
const (
	TransportWebSocket = "websocket"
	TransportMQTT      = "mqtt"
)

// Config represents the structure of the configuration file.
type Config struct {
	Logging struct {
		Level  string `yaml:"level"`  // debug, info, warn or error
		Format string `yaml:"format"` // json or console
	} `yaml:"logging"`

	Agent struct {
		Version string `yaml:"version"` // Running agent version (semver)
	} `yaml:"agent"`

	Transport struct {
		Kind           string        `yaml:"kind"`            // websocket or mqtt
		CACertificate  string        `yaml:"ca_certificate"`  // Optional CA for the MQTT broker
		ConnectTimeout time.Duration `yaml:"connect_timeout"` // Bound on a single connect
		PingInterval   time.Duration `yaml:"ping_interval"`   // Websocket keepalive period
		InboundWorkers int           `yaml:"inbound_workers"` // Goroutines handling inbound frames
	} `yaml:"transport"`

	Identity struct {
		RegistrationFile string `yaml:"registration_file"` // Path to the persisted registration record
		DIDFile          string `yaml:"did_file"`          // Optional DID document
	} `yaml:"identity"`

	// Registration seeds the registration intent when nothing is persisted yet.
	Registration struct {
		GatewayAddress string `yaml:"gateway_address"`
		Code           string `yaml:"code"`
		RewardAddress  string `yaml:"reward_address"`
		DeviceName     string `yaml:"device_name"`
		BasePath       string `yaml:"base_path"`
	} `yaml:"registration"`

	Metrics models.MetricsConfig `yaml:"metrics"`

	Services struct {
		Registration struct {
			Enabled          bool          `yaml:"enabled"`            // Enable/disable automatic registration
			Timeout          time.Duration `yaml:"timeout"`            // Wait for the registration ack
			StartupDelay     time.Duration `yaml:"startup_delay"`      // Delay before the first attempt
			RetryInterval    time.Duration `yaml:"retry_interval"`     // Fixed period between attempts
			MaxRetryAttempts int           `yaml:"max_retry_attempts"` // Consecutive failures before giving up
		} `yaml:"registration"`

		Heartbeat struct {
			Enabled  bool          `yaml:"enabled"`  // Enable/disable heartbeat service
			Interval time.Duration `yaml:"interval"` // Interval between heartbeats
			Timeout  time.Duration `yaml:"timeout"`  // Wait for the heartbeat ack
		} `yaml:"heartbeat"`

		Connection struct {
			Enabled bool `yaml:"enabled"` // Enable/disable reconnect on disconnect
		} `yaml:"connection"`

		Status struct {
			Enabled             bool          `yaml:"enabled"`               // Enable/disable connectivity tracking
			HealthCheckInterval time.Duration `yaml:"health_check_interval"` // Period of the connectivity probe
		} `yaml:"status"`

		ModelReport struct {
			Enabled  bool          `yaml:"enabled"`  // Enable/disable model reporting
			Interval time.Duration `yaml:"interval"` // Period of the model set check
			Timeout  time.Duration `yaml:"timeout"`  // Wait for the report ack
			Models   []string      `yaml:"models"`   // Locally available models
		} `yaml:"model_report"`
	} `yaml:"services"`
}

// DefaultConfig returns a Config with the built-in defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	cfg.Agent.Version = "0.1.0"

	cfg.Transport.Kind = TransportWebSocket
	cfg.Transport.ConnectTimeout = constants.DefaultConnectTimeout
	cfg.Transport.PingInterval = 30 * time.Second
	cfg.Transport.InboundWorkers = 2

	cfg.Identity.RegistrationFile = "data/registration.json"
	cfg.Registration.BasePath = "/tunnel"

	cfg.Metrics = models.MetricsConfig{
		MonitorCPU:     true,
		MonitorMemory:  true,
		MonitorDisk:    true,
		MonitorNetwork: true,
		MonitorGPU:     true,
		DiskPath:       "/",
		Timeout:        5 * time.Second,
	}

	s := &cfg.Services
	s.Registration.Enabled = true
	s.Registration.Timeout = constants.DefaultRegistrationTimeout
	s.Registration.StartupDelay = constants.DefaultStartupDelay
	s.Registration.RetryInterval = constants.DefaultRetryInterval
	s.Registration.MaxRetryAttempts = constants.DefaultMaxRetryAttempts
	s.Heartbeat.Enabled = true
	s.Heartbeat.Interval = constants.DefaultHeartbeatInterval
	s.Heartbeat.Timeout = constants.DefaultHeartbeatTimeout
	s.Connection.Enabled = true
	s.Status.Enabled = true
	s.Status.HealthCheckInterval = constants.DefaultHealthCheckInterval
	s.ModelReport.Enabled = true
	s.ModelReport.Interval = constants.DefaultModelReportInterval
	s.ModelReport.Timeout = constants.DefaultModelReportTimeout
	return cfg
}

// LoadConfig loads the YAML configuration from the specified file on top of the defaults,
// applies environment overrides and validates the result.
func LoadConfig(filename string, fileClient file.FileOperations) (*Config, error) {
	config := DefaultConfig()
	if err := fileClient.ReadYamlFile(filename, config); err != nil {
		return nil, err
	}

	applyEnvOverrides(config)

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// applyEnvOverrides applies AGENT_* environment variables to the configuration.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AGENT_GATEWAY_ADDRESS"); v != "" {
		cfg.Registration.GatewayAddress = v
	}
	if v := os.Getenv("AGENT_CODE"); v != "" {
		cfg.Registration.Code = v
	}
	if v := os.Getenv("AGENT_REWARD_ADDRESS"); v != "" {
		cfg.Registration.RewardAddress = v
	}
	if v := os.Getenv("AGENT_DEVICE_NAME"); v != "" {
		cfg.Registration.DeviceName = v
	}
	if v := os.Getenv("AGENT_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []string

	if _, err := semver.NewVersion(c.Agent.Version); err != nil {
		errs = append(errs, fmt.Sprintf("agent.version %q is not a semantic version", c.Agent.Version))
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Sprintf("logging.level %q must be debug, info, warn or error", c.Logging.Level))
	}
	if c.Logging.Format != "json" && c.Logging.Format != "console" {
		errs = append(errs, fmt.Sprintf("logging.format %q must be json or console", c.Logging.Format))
	}

	if c.Transport.Kind != TransportWebSocket && c.Transport.Kind != TransportMQTT {
		errs = append(errs, fmt.Sprintf("transport.kind %q must be %s or %s", c.Transport.Kind, TransportWebSocket, TransportMQTT))
	}
	if c.Identity.RegistrationFile == "" {
		errs = append(errs, "identity.registration_file is required")
	}

	s := c.Services
	durations := []struct {
		name  string
		value time.Duration
	}{
		{"transport.connect_timeout", c.Transport.ConnectTimeout},
		{"transport.ping_interval", c.Transport.PingInterval},
		{"metrics.timeout", c.Metrics.Timeout},
		{"services.registration.timeout", s.Registration.Timeout},
		{"services.registration.startup_delay", s.Registration.StartupDelay},
		{"services.registration.retry_interval", s.Registration.RetryInterval},
		{"services.heartbeat.interval", s.Heartbeat.Interval},
		{"services.heartbeat.timeout", s.Heartbeat.Timeout},
		{"services.status.health_check_interval", s.Status.HealthCheckInterval},
		{"services.model_report.interval", s.ModelReport.Interval},
		{"services.model_report.timeout", s.ModelReport.Timeout},
	}
	for _, d := range durations {
		if d.value < 0 {
			errs = append(errs, d.name+" must not be negative")
		}
	}
	if s.Registration.MaxRetryAttempts < 0 {
		errs = append(errs, "services.registration.max_retry_attempts must not be negative")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: configuration errors: %s", errdefs.ErrValidation, strings.Join(errs, "; "))
	}
	return nil
}
