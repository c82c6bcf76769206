package models

// ModelReport is the payload of a device_model_report message.
type ModelReport struct {
	DeviceID string   `json:"device_id"`
	Models   []string `json:"models"`
}

// ModelReportResponse is the payload of a device_model_report_response message.
type ModelReportResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
}
