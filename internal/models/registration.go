package models

import "encoding/json"

// DeviceRegisterRequest is the payload of a device_register_request message.
type DeviceRegisterRequest struct {
	Code           string          `json:"code"`
	GatewayAddress string          `json:"gateway_address"`
	RewardAddress  string          `json:"reward_address"`
	DeviceType     string          `json:"device_type,omitempty"`
	GPUType        string          `json:"gpu_type,omitempty"`
	IP             string          `json:"ip,omitempty"`
	DeviceID       string          `json:"device_id,omitempty"`
	DeviceName     string          `json:"device_name,omitempty"`
	LocalModels    []string        `json:"local_models,omitempty"`
	DIDDocument    json.RawMessage `json:"did_document,omitempty"`
	AgentVersion   string          `json:"agent_version,omitempty"`
}

// DeviceRegisterResponse is the payload of a device_register_response message.
type DeviceRegisterResponse struct {
	// Status is "connected" on success, anything else is a rejection.
	Status string `json:"status"`

	// Error explains a rejection.
	Error string `json:"error,omitempty"`

	// DeviceID, when set, overrides the locally chosen device id.
	DeviceID string `json:"device_id,omitempty"`

	// DeviceName, when set, is the name the gateway knows the device by.
	DeviceName string `json:"device_name,omitempty"`

	// MinAgentVersion is the oldest agent version the gateway still supports.
	MinAgentVersion string `json:"min_agent_version,omitempty"`
}
