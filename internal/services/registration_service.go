package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/benmeehan/fleet-agent/internal/constants"
	"github.com/benmeehan/fleet-agent/internal/models"
	"github.com/benmeehan/fleet-agent/internal/tunnel"
	"github.com/benmeehan/fleet-agent/pkg/errdefs"
	"github.com/benmeehan/fleet-agent/pkg/identity"
)

// RegistrationService drives single registration attempts against the gateway:
// validate, connect, send the request, await the ack and persist the outcome.
// Only one attempt runs at a time across the device.
type RegistrationService struct {
	tunnel       Tunnel
	deviceConfig identity.DeviceConfigInterface
	store        identity.RecordStore
	sysInfo      SystemInfoProvider
	did          identity.DIDSource
	bus          *tunnel.EventBus
	agentVersion string
	localModels  []string
	logger       zerolog.Logger

	registering atomic.Bool
}

// NewRegistrationService initializes and returns a new RegistrationService instance.
// did may be nil when no DID provisioning is configured.
func NewRegistrationService(
	tun Tunnel,
	deviceConfig identity.DeviceConfigInterface,
	store identity.RecordStore,
	sysInfo SystemInfoProvider,
	did identity.DIDSource,
	bus *tunnel.EventBus,
	agentVersion string,
	localModels []string,
	logger zerolog.Logger,
) *RegistrationService {
	return &RegistrationService{
		tunnel:       tun,
		deviceConfig: deviceConfig,
		store:        store,
		sysInfo:      sysInfo,
		did:          did,
		bus:          bus,
		agentVersion: agentVersion,
		localModels:  localModels,
		logger:       logger,
	}
}

// InProgress reports whether an attempt is currently running.
func (rs *RegistrationService) InProgress() bool {
	return rs.registering.Load()
}

// Register runs one registration attempt. It never returns an error; failures are
// reported in the result with a human readable message and suggested next steps.
func (rs *RegistrationService) Register(ctx context.Context, req RegistrationRequest) models.RegistrationResult {
	if !rs.registering.CompareAndSwap(false, true) {
		rs.logger.Debug().Msg("Registration already in progress, ignoring request")
		return failure(errdefs.ErrAlreadyInProgress)
	}
	defer rs.registering.Store(false)

	if err := validateRequest(req); err != nil {
		rs.logger.Warn().Err(err).Msg("Registration request rejected")
		return failure(err)
	}

	log := rs.logger.With().
		Str("gateway", req.GatewayAddress).
		Bool("auto_reconnect", req.IsAutoReconnect).
		Logger()
	log.Info().Msg("Starting registration attempt")

	if err := rs.store.UpdateStatus(identity.StatusPending, ""); err != nil {
		log.Warn().Err(err).Msg("Failed to record pending registration status")
	}

	deviceID, didDoc := rs.resolveDeviceID()
	if err := rs.persistIntent(req, deviceID); err != nil {
		if errors.Is(err, errdefs.ErrValidation) {
			return rs.fail(log, err)
		}
		log.Warn().Err(err).Msg("Registration intent kept in memory only")
	}

	if err := rs.tunnel.EnsureConnected(ctx, connectOptions(req.GatewayAddress, req.Code, req.BasePath, deviceID)); err != nil {
		return rs.fail(log, err)
	}

	payload := rs.buildRequest(ctx, req, deviceID, didDoc)
	ack, err := rs.tunnel.SendRegistration(ctx, deviceID, payload)
	if err != nil {
		return rs.fail(log, err)
	}
	if ack.Status != constants.RegisterStatusConnected {
		reason := ack.Error
		if reason == "" {
			reason = fmt.Sprintf("status %q", ack.Status)
		}
		return rs.fail(log, fmt.Errorf("%w: %s", errdefs.ErrRejected, reason))
	}

	return rs.persistSuccess(log, req, deviceID, didDoc, ack)
}

func validateRequest(req RegistrationRequest) error {
	var missing []string
	if strings.TrimSpace(req.GatewayAddress) == "" {
		missing = append(missing, "gateway address")
	}
	if strings.TrimSpace(req.Code) == "" {
		missing = append(missing, "code")
	}
	if strings.TrimSpace(req.RewardAddress) == "" {
		missing = append(missing, "reward address")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", errdefs.ErrValidation, strings.Join(missing, ", "))
	}
	return nil
}

// resolveDeviceID picks the id the attempt registers under: a provisioned DID wins,
// then the stored id, then a freshly generated one.
func (rs *RegistrationService) resolveDeviceID() (string, []byte) {
	if rs.did != nil {
		if id, doc, ok := rs.did.DID(); ok {
			return id, doc
		}
	}
	if id := rs.deviceConfig.GetCurrent().DeviceID; id != "" {
		return id, nil
	}
	id := uuid.NewString()
	rs.logger.Info().Str("device_id", id).Msg("Generated new device id")
	return id, nil
}

// persistIntent stores the credentials of a manual attempt so the supervisors can retry with them.
// New credentials are unregistered until the gateway acks them.
func (rs *RegistrationService) persistIntent(req RegistrationRequest, deviceID string) error {
	current := rs.deviceConfig.GetCurrent()
	patch := identity.DeviceConfigPatch{}
	changed := false
	if current.DeviceID != deviceID {
		patch.DeviceID = identity.StringPtr(deviceID)
		changed = true
	}
	if !req.IsAutoReconnect {
		patch.GatewayAddress = identity.StringPtr(req.GatewayAddress)
		patch.Code = identity.StringPtr(req.Code)
		patch.RewardAddress = identity.StringPtr(req.RewardAddress)
		patch.IsRegistered = identity.BoolPtr(false)
		if req.DeviceName != "" {
			patch.DeviceName = identity.StringPtr(req.DeviceName)
		}
		if req.BasePath != "" {
			patch.BasePath = identity.StringPtr(req.BasePath)
		}
		changed = true
	}
	if !changed {
		return nil
	}
	return rs.deviceConfig.Update(patch)
}

func (rs *RegistrationService) buildRequest(ctx context.Context, req RegistrationRequest, deviceID string, didDoc []byte) models.DeviceRegisterRequest {
	payload := models.DeviceRegisterRequest{
		Code:           req.Code,
		GatewayAddress: req.GatewayAddress,
		RewardAddress:  req.RewardAddress,
		DeviceID:       deviceID,
		DeviceName:     req.DeviceName,
		LocalModels:    rs.localModels,
		DIDDocument:    didDoc,
		AgentVersion:   rs.agentVersion,
	}
	if payload.DeviceName == "" {
		payload.DeviceName = rs.deviceConfig.GetCurrent().DeviceName
	}

	if rs.sysInfo == nil {
		return payload
	}
	info, err := rs.sysInfo.Collect(ctx)
	if err != nil {
		rs.logger.Warn().Err(err).Msg("System info unavailable, registering without capability snapshot")
		return payload
	}
	payload.DeviceType = info.DeviceType()
	payload.GPUType = info.GPUType()
	payload.IP = info.Network.IP
	return payload
}

func (rs *RegistrationService) persistSuccess(log zerolog.Logger, req RegistrationRequest, deviceID string, didDoc []byte, ack *models.DeviceRegisterResponse) models.RegistrationResult {
	finalID := deviceID
	if ack.DeviceID != "" && ack.DeviceID != deviceID {
		log.Info().Str("local_id", deviceID).Str("gateway_id", ack.DeviceID).Msg("Adopting gateway assigned device id")
		finalID = ack.DeviceID
	}

	patch := identity.DeviceConfigPatch{
		DeviceID:     identity.StringPtr(finalID),
		IsRegistered: identity.BoolPtr(true),
	}
	if ack.DeviceName != "" {
		patch.DeviceName = identity.StringPtr(ack.DeviceName)
	}

	var warnings []string
	if err := rs.deviceConfig.Update(patch); err != nil {
		if !errors.Is(err, errdefs.ErrPersistence) {
			return rs.fail(log, err)
		}
		warnings = append(warnings, "registered, but the registration record could not be saved: "+err.Error())
	}
	current := rs.deviceConfig.GetCurrent()

	if len(didDoc) > 0 {
		if err := rs.store.Save(current, identity.WithDIDDocument(didDoc)); err != nil {
			log.Warn().Err(err).Msg("Failed to persist DID document")
		}
	}
	if err := rs.store.UpdateStatus(identity.StatusSuccess, ""); err != nil {
		log.Warn().Err(err).Msg("Failed to record registration success")
		if len(warnings) == 0 {
			warnings = append(warnings, "registered, but the registration status could not be saved: "+err.Error())
		}
	}

	result := models.RegistrationResult{
		Success: true,
		NodeID:  current.DeviceID,
		Name:    current.DeviceName,
	}
	if hint := rs.versionHint(ack.MinAgentVersion); hint != "" {
		log.Warn().Str("running", rs.agentVersion).Str("required", ack.MinAgentVersion).Msg("Agent is older than the gateway's minimum version")
		result.NextSteps = append(result.NextSteps, hint)
	}
	if len(warnings) > 0 {
		result.Warning = strings.Join(warnings, "; ")
	}

	log.Info().Str("device_id", result.NodeID).Str("name", result.Name).Msg("Device registered successfully")
	if rs.bus != nil {
		rs.bus.Publish(tunnel.Event{Type: tunnel.EventRegistered, DeviceID: result.NodeID})
	}
	return result
}

// versionHint returns an upgrade suggestion when the running version is older than minVersion.
func (rs *RegistrationService) versionHint(minVersion string) string {
	if minVersion == "" || rs.agentVersion == "" {
		return ""
	}
	required, err := semver.NewVersion(minVersion)
	if err != nil {
		rs.logger.Debug().Err(err).Str("min_agent_version", minVersion).Msg("Ignoring unparsable minimum version")
		return ""
	}
	running, err := semver.NewVersion(rs.agentVersion)
	if err != nil || !running.LessThan(required) {
		return ""
	}
	return fmt.Sprintf("Upgrade the agent to %s or newer (running %s)", required, running)
}

func (rs *RegistrationService) fail(log zerolog.Logger, err error) models.RegistrationResult {
	log.Error().Err(err).Bool("retryable", errdefs.IsRetryable(err)).Msg("Registration failed")
	if serr := rs.store.UpdateStatus(identity.StatusFailed, err.Error()); serr != nil {
		log.Warn().Err(serr).Msg("Failed to record registration failure")
	}
	return failure(err)
}

func failure(err error) models.RegistrationResult {
	return models.RegistrationResult{
		Success:   false,
		Error:     err.Error(),
		NextSteps: errdefs.NextSteps(err),
		Err:       err,
	}
}
