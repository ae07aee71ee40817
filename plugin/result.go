package plugin

import "time"

// Result is what a plugin returns from Execute
type Result struct {
	Success bool     `json:"success"`
	Data    any      `json:"data,omitempty"`
	Error   string   `json:"error,omitempty"`
	Logs    []string `json:"logs"`
	Metrics *Metrics `json:"metrics,omitempty"`
}

// Metrics are per-execution measurements
type Metrics struct {
	Duration      time.Duration `json:"duration"`
	ResourceUsage ResourceUsage `json:"resource_usage"`
}

// ResourceUsage is a resource rollup. CPU is percent of one core,
// Memory and Network are bytes.
type ResourceUsage struct {
	CPU     float64 `json:"cpu"`
	Memory  uint64  `json:"memory"`
	Network uint64  `json:"network"`
}

// Add returns the element-wise sum of r and o
func (r ResourceUsage) Add(o ResourceUsage) ResourceUsage {
	return ResourceUsage{
		CPU:     r.CPU + o.CPU,
		Memory:  r.Memory + o.Memory,
		Network: r.Network + o.Network,
	}
}

// Succeeded returns a successful result carrying data
func Succeeded(data any, logs ...string) *Result {
	return &Result{Success: true, Data: data, Logs: logs}
}

// Failed returns a failed result with a human-readable error
func Failed(msg string, logs ...string) *Result {
	return &Result{Success: false, Error: msg, Logs: logs}
}
