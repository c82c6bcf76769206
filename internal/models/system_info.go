package models

// SystemInfo is the capability and usage snapshot supplied by the telemetry collectors.
type SystemInfo struct {
	CPU     CPUInfo     `json:"cpu"`
	Memory  MemoryInfo  `json:"memory"`
	GPUs    []GPUInfo   `json:"gpu,omitempty"`
	Disk    DiskInfo    `json:"disk"`
	Network NetworkInfo `json:"network"`
	OS      OSInfo      `json:"os"`
}

type CPUInfo struct {
	Model string  `json:"model,omitempty"`
	Cores int     `json:"cores,omitempty"`
	Usage float64 `json:"usage"`
}

type MemoryInfo struct {
	Total uint64  `json:"total"`
	Used  uint64  `json:"used"`
	Usage float64 `json:"usage"`
}

type GPUInfo struct {
	Name        string  `json:"name"`
	Usage       float64 `json:"usage"`
	MemoryTotal uint64  `json:"memory_total,omitempty"`
	MemoryUsed  uint64  `json:"memory_used,omitempty"`
}

type DiskInfo struct {
	Total uint64  `json:"total"`
	Used  uint64  `json:"used"`
	Usage float64 `json:"usage"`
}

type NetworkInfo struct {
	IP      string  `json:"ip,omitempty"`
	InRate  float64 `json:"in_rate"`
	OutRate float64 `json:"out_rate"`
}

type OSInfo struct {
	Hostname string `json:"hostname,omitempty"`
	Platform string `json:"platform,omitempty"`
	Version  string `json:"version,omitempty"`
	Arch     string `json:"arch,omitempty"`
}

// DeviceType derives the coarse device type reported at registration.
func (s *SystemInfo) DeviceType() string {
	if s == nil || s.OS.Platform == "" {
		return ""
	}
	if s.OS.Arch != "" {
		return s.OS.Platform + "/" + s.OS.Arch
	}
	return s.OS.Platform
}

// GPUType returns the name of the first GPU, if any.
func (s *SystemInfo) GPUType() string {
	if s == nil || len(s.GPUs) == 0 {
		return ""
	}
	return s.GPUs[0].Name
}

// AverageGPUUsage returns the mean utilization across GPUs, nil when there are none.
func (s *SystemInfo) AverageGPUUsage() *float64 {
	if s == nil || len(s.GPUs) == 0 {
		return nil
	}
	var sum float64
	for _, g := range s.GPUs {
		sum += g.Usage
	}
	avg := sum / float64(len(s.GPUs))
	return &avg
}
