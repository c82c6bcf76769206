package models

// HeartbeatReport is the payload of a device_heartbeat_report message.
// Scalars are flattened from the telemetry snapshot; nothing here is persisted.
type HeartbeatReport struct {
	Code        string      `json:"code"`
	DeviceID    string      `json:"device_id,omitempty"`
	CPUUsage    *float64    `json:"cpu_usage,omitempty"`
	MemoryUsage *float64    `json:"memory_usage,omitempty"`
	GPUUsage    *float64    `json:"gpu_usage,omitempty"`
	DiskUsage   *float64    `json:"disk_usage,omitempty"`
	NetworkIn   *float64    `json:"network_in,omitempty"`
	NetworkOut  *float64    `json:"network_out,omitempty"`
	IP          string      `json:"ip,omitempty"`
	Timestamp   int64       `json:"timestamp"`
	Type        string      `json:"type,omitempty"`
	Model       string      `json:"model,omitempty"`
	DeviceInfo  *SystemInfo `json:"device_info,omitempty"`
}

// HeartbeatResponse is the payload of a device_heartbeat_response message.
type HeartbeatResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
