package models

import "time"

// ConnectivityStatus is the coarse connectivity state of the device.
type ConnectivityStatus string

const (
	ConnectivityUnknown ConnectivityStatus = "unknown"
	ConnectivityOnline  ConnectivityStatus = "online"
	ConnectivityOffline ConnectivityStatus = "offline"
	ConnectivityError   ConnectivityStatus = "error"
)

// StatusChangeEvent is emitted only when the connectivity status actually changes.
type StatusChangeEvent struct {
	DeviceID  string             `json:"device_id"`
	OldStatus ConnectivityStatus `json:"old_status"`
	NewStatus ConnectivityStatus `json:"new_status"`
	Reason    string             `json:"reason,omitempty"`
	Timestamp time.Time          `json:"timestamp"`
}
