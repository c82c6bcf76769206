package services

import (
	"context"

	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/pkg/transport"
)

// Tunnel is the part of the gateway tunnel client the services depend on.
type Tunnel interface {
	EnsureConnected(ctx context.Context, opts transport.ConnectOptions) error
	IsConnected() bool
	SendRegistration(ctx context.Context, deviceID string, req models.DeviceRegisterRequest) (*models.DeviceRegisterResponse, error)
	SendHeartbeat(ctx context.Context, deviceID string, report models.HeartbeatReport) bool
	RequestHeartbeat(ctx context.Context, deviceID string, report models.HeartbeatReport) (*models.HeartbeatResponse, error)
	SendModelReport(ctx context.Context, report models.ModelReport) (*models.ModelReportResponse, error)
}

// SystemInfoProvider supplies the capability and usage snapshot of the host.
type SystemInfoProvider interface {
	Collect(ctx context.Context) (*models.SystemInfo, error)
}

// Registrar runs one registration attempt.
type Registrar interface {
	Register(ctx context.Context, req RegistrationRequest) models.RegistrationResult
}

// RegistrationRequest carries the credentials of one registration attempt.
type RegistrationRequest struct {
	GatewayAddress string
	Code           string
	RewardAddress  string
	DeviceName     string
	BasePath       string

	// IsAutoReconnect marks a re-registration with already stored credentials,
	// which are not persisted again.
	IsAutoReconnect bool
}

// connectOptions maps stored credentials to tunnel connect parameters.
func connectOptions(gatewayAddress, code, basePath, deviceID string) transport.ConnectOptions {
	return transport.ConnectOptions{
		Address:  gatewayAddress,
		Code:     code,
		BasePath: basePath,
		ClientID: deviceID,
	}
}
