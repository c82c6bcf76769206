package identity

import (
	"encoding/json"
	"time"
)

// DeviceConfig holds the device's identity, credentials and registration flag.
type DeviceConfig struct {
	DeviceID       string `json:"deviceId"`
	DeviceName     string `json:"deviceName"`
	GatewayAddress string `json:"gatewayAddress"`
	RewardAddress  string `json:"rewardAddress"`
	Code           string `json:"code"`
	BasePath       string `json:"basePath,omitempty"`
	IsRegistered   bool   `json:"isRegistered"`
}

// HasRegistrationIntent reports whether enough credentials are stored to attempt a registration.
func (c DeviceConfig) HasRegistrationIntent() bool {
	return c.GatewayAddress != "" && c.Code != "" && c.RewardAddress != "" && c.DeviceName != ""
}

// DeviceConfigPatch is a partial update. Nil fields are left unchanged.
type DeviceConfigPatch struct {
	DeviceID       *string
	DeviceName     *string
	GatewayAddress *string
	RewardAddress  *string
	Code           *string
	BasePath       *string
	IsRegistered   *bool
}

// apply merges the patch into c and returns the result.
func (p DeviceConfigPatch) apply(c DeviceConfig) DeviceConfig {
	if p.DeviceID != nil {
		c.DeviceID = *p.DeviceID
	}
	if p.DeviceName != nil {
		c.DeviceName = *p.DeviceName
	}
	if p.GatewayAddress != nil {
		c.GatewayAddress = *p.GatewayAddress
	}
	if p.RewardAddress != nil {
		c.RewardAddress = *p.RewardAddress
	}
	if p.Code != nil {
		c.Code = *p.Code
	}
	if p.BasePath != nil {
		c.BasePath = *p.BasePath
	}
	if p.IsRegistered != nil {
		c.IsRegistered = *p.IsRegistered
	}
	return c
}

// RegistrationStatus is the lifecycle state of the device-wide registration attempt.
type RegistrationStatus string

const (
	StatusNotStarted RegistrationStatus = "NOT_STARTED"
	StatusPending    RegistrationStatus = "PENDING"
	StatusSuccess    RegistrationStatus = "SUCCESS"
	StatusFailed     RegistrationStatus = "FAILED"
)

// Record is the persisted registration record, one file per installation.
type Record struct {
	DeviceConfig

	RegistrationStatus      RegistrationStatus `json:"registrationStatus,omitempty"`
	RegistrationError       string             `json:"registrationError,omitempty"`
	LastRegistrationAttempt *time.Time         `json:"lastRegistrationAttempt,omitempty"`
	ReportedModels          []string           `json:"reportedModels,omitempty"`
	DIDDoc                  json.RawMessage    `json:"didDoc,omitempty"`
	Timestamp               time.Time          `json:"timestamp"`
}

// Status returns the recorded registration status, NOT_STARTED when none was recorded.
func (r *Record) Status() RegistrationStatus {
	if r == nil || r.RegistrationStatus == "" {
		return StatusNotStarted
	}
	return r.RegistrationStatus
}

// StringPtr and BoolPtr build patch fields.
func StringPtr(s string) *string { return &s }

func BoolPtr(b bool) *bool { return &b }
