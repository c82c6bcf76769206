package main

import (
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	metrics "github.com/benmeehan/fleet-agent/internal/metrics_collectors"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/service_registry"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/internal/utils"
	"github.com/benmeehan/fleet-agent/pkg/file"
	"github.com/benmeehan/fleet-agent/pkg/identity"
	"github.com/benmeehan/fleet-agent/pkg/mqtt"
	"github.com/benmeehan/fleet-agent/pkg/transport"
	"github.com/benmeehan/fleet-agent/pkg/ws"
)

func main() {
	configPath := flag.String("config", "configs/config.yaml", "path to the agent configuration file")
	flag.Parse()

	// Initialize file operations handler
	fileClient := file.NewFileService()

	// Load configuration from file
	config, err := utils.LoadConfig(*configPath, fileClient)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load configuration")
	}

	logger := utils.NewLogger(config.Logging.Level, config.Logging.Format, os.Stdout).
		With().Str("version", config.Agent.Version).Logger()

	// Load the persisted registration record
	store := identity.NewFileStore(config.Identity.RegistrationFile, fileClient, logger)
	deviceConfig := identity.NewDeviceConfigManager(store, logger)
	deviceConfig.Load()
	seedRegistrationIntent(config, deviceConfig, logger)

	// Initialize the gateway tunnel
	bus := tunnel.NewEventBus(logger)
	client := tunnel.NewClient(newTransport(config, fileClient, logger), bus, tunnel.Options{
		RegistrationTimeout: config.Services.Registration.Timeout,
		HeartbeatTimeout:    config.Services.Heartbeat.Timeout,
		ModelReportTimeout:  config.Services.ModelReport.Timeout,
		ConnectTimeout:      config.Transport.ConnectTimeout,
		InboundWorkers:      config.Transport.InboundWorkers,
	}, logger.With().Str("component", "tunnel").Logger())

	sysInfo := metrics.NewDefaultRegistry(config.Metrics, logger.With().Str("component", "metrics").Logger())
	did := identity.NewFileDIDSource(config.Identity.DIDFile, fileClient, logger)

	// Create a new service registry to manage services
	serviceRegistry := service_registry.NewServiceRegistry(service_registry.Dependencies{
		Tunnel:       client,
		Bus:          bus,
		DeviceConfig: deviceConfig,
		Store:        store,
		SysInfo:      sysInfo,
		DID:          did,
	}, logger)

	// Register all services based on the configuration
	if err := serviceRegistry.RegisterServices(config); err != nil {
		logger.Fatal().Err(err).Msg("Failed to register services")
	}
	if serviceRegistry.Status != nil {
		serviceRegistry.Status.AddListener(func(ev models.StatusChangeEvent) {
			logger.Info().
				Str("device_id", ev.DeviceID).
				Str("status", string(ev.NewStatus)).
				Msg("Device connectivity")
		})
	}

	// Start all registered services in the registry
	if err := serviceRegistry.StartServices(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start services")
	}
	logger.Info().Msg("All services started successfully")

	// Handle graceful shutdown
	stopCh := make(chan os.Signal, 1)
	signal.Notify(stopCh, syscall.SIGINT, syscall.SIGTERM)
	<-stopCh

	logger.Info().Msg("Shutting down gracefully...")
	if err := serviceRegistry.StopServices(); err != nil {
		logger.Error().Err(err).Msg("Some services did not stop cleanly")
	}
	if err := client.Close(); err != nil {
		logger.Warn().Err(err).Msg("Failed to close tunnel")
	}
}

func newTransport(config *utils.Config, fileClient file.FileOperations, logger zerolog.Logger) transport.Transport {
	if config.Transport.Kind == utils.TransportMQTT {
		return mqtt.NewTransport(mqtt.DefaultClientFactory, fileClient, config.Transport.CACertificate, logger)
	}
	return ws.NewTransport(ws.Options{PingInterval: config.Transport.PingInterval}, logger)
}

// seedRegistrationIntent stores the configured credentials when none are persisted yet,
// so the automatic registration has something to work with on a fresh install.
func seedRegistrationIntent(config *utils.Config, deviceConfig *identity.DeviceConfigManager, logger zerolog.Logger) {
	if deviceConfig.GetCurrent().HasRegistrationIntent() {
		return
	}
	r := config.Registration
	if r.GatewayAddress == "" || r.Code == "" || r.RewardAddress == "" || r.DeviceName == "" {
		logger.Info().Msg("No registration credentials configured, waiting for a manual registration")
		return
	}

	patch := identity.DeviceConfigPatch{
		GatewayAddress: identity.StringPtr(r.GatewayAddress),
		Code:           identity.StringPtr(r.Code),
		RewardAddress:  identity.StringPtr(r.RewardAddress),
		DeviceName:     identity.StringPtr(r.DeviceName),
	}
	if r.BasePath != "" {
		patch.BasePath = identity.StringPtr(r.BasePath)
	}
	if err := deviceConfig.Update(patch); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist configured registration credentials")
		return
	}
	logger.Info().Str("gateway", r.GatewayAddress).Msg("Seeded registration credentials from configuration")
}
