package models

import "time"

// MetricsConfig selects which system probes feed SystemInfo.
type MetricsConfig struct {
	MonitorCPU     bool          `yaml:"monitor_cpu"`
	MonitorMemory  bool          `yaml:"monitor_memory"`
	MonitorDisk    bool          `yaml:"monitor_disk"`
	MonitorNetwork bool          `yaml:"monitor_network"`
	MonitorGPU     bool          `yaml:"monitor_gpu"`
	DiskPath       string        `yaml:"disk_path"`   // filesystem reported as disk usage
	GPUCommand     string        `yaml:"gpu_command"` // nvidia-smi compatible binary
	Timeout        time.Duration `yaml:"timeout"`     // bound on one full collection
}
