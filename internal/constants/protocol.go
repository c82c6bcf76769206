package constants

import "time"

// Tunnel message types. A response type is the request type with ResponseSuffix appended,
// except for heartbeats whose request is a report.
const (
	MsgDeviceRegisterRequest  = "device_register_request"
	MsgDeviceRegisterResponse = "device_register_response"
	MsgDeviceHeartbeatReport  = "device_heartbeat_report"
	MsgDeviceHeartbeatResp    = "device_heartbeat_response"
	MsgDeviceModelReport      = "device_model_report"
	MsgDeviceModelReportResp  = "device_model_report_response"

	ResponseSuffix = "_response"
)

// RegisterStatusConnected is the ack status of an accepted registration.
const RegisterStatusConnected = "connected"

const (
	// DefaultRegistrationTimeout bounds the wait for a registration ack.
	DefaultRegistrationTimeout = 30 * time.Second

	// DefaultHeartbeatTimeout bounds the wait for a heartbeat ack.
	DefaultHeartbeatTimeout = 30 * time.Second

	// DefaultModelReportTimeout bounds the wait for a model report ack.
	DefaultModelReportTimeout = 30 * time.Second

	// DefaultStartupDelay lets collaborators initialize before the first automatic attempt.
	DefaultStartupDelay = 5 * time.Second

	// DefaultRetryInterval is the fixed period between automatic registration attempts.
	DefaultRetryInterval = 5 * time.Minute

	// DefaultMaxRetryAttempts caps consecutive failed automatic attempts.
	DefaultMaxRetryAttempts = 10

	// DefaultHeartbeatInterval is the heartbeat tick period.
	DefaultHeartbeatInterval = 10 * time.Second

	// DefaultHealthCheckInterval is the connectivity health check period.
	DefaultHealthCheckInterval = 30 * time.Second

	// DefaultModelReportInterval is the model report check period.
	DefaultModelReportInterval = 10 * time.Minute

	// DefaultConnectTimeout bounds a single transport connect.
	DefaultConnectTimeout = 10 * time.Second
)

// responseTypes maps request types whose reply does not follow the suffix rule.
var responseTypes = map[string]string{
	MsgDeviceRegisterRequest: MsgDeviceRegisterResponse,
	MsgDeviceHeartbeatReport: MsgDeviceHeartbeatResp,
}

// ResponseTypeFor returns the message type a reply to requestType carries.
func ResponseTypeFor(requestType string) string {
	if t, ok := responseTypes[requestType]; ok {
		return t
	}
	return requestType + ResponseSuffix
}
