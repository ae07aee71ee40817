package async

import (
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// SystemMetrics tracks resource usage for worker pool monitoring
type SystemMetrics struct {
	WorkersActive  int     `json:"workers_active"`  // Workers currently executing tasks
	WorkersTotal   int     `json:"workers_total"`   // Total configured workers
	TasksQueued    int     `json:"tasks_queued"`    // Tasks waiting for a worker
	TasksProcessed uint64  `json:"tasks_processed"` // Tasks finished since start
	MemoryUsedGB   float64 `json:"memory_used_gb"`  // Current host memory usage in GB
	MemoryTotalGB  float64 `json:"memory_total_gb"` // Total host memory in GB
	MemoryPercent  float64 `json:"memory_percent"`  // Host memory utilization percentage
}

// getMemoryStats returns host memory in bytes
func getMemoryStats() (total uint64, available uint64, err error) {
	v, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, errors.Wrap(err, "failed to get memory stats")
	}
	return v.Total, v.Available, nil
}

// GetSystemMetrics returns current pool and host resource usage
func (wp *WorkerPool) GetSystemMetrics() SystemMetrics {
	total, available, err := getMemoryStats()

	var memUsedGB, memTotalGB, memPercent float64
	if err == nil && total > 0 {
		memTotalGB = float64(total) / 1024 / 1024 / 1024
		memUsedGB = float64(total-available) / 1024 / 1024 / 1024
		memPercent = (memUsedGB / memTotalGB) * 100
	}

	wp.mu.Lock()
	defer wp.mu.Unlock()

	return SystemMetrics{
		WorkersActive:  wp.activeWorkers,
		WorkersTotal:   wp.cfg.Workers,
		TasksQueued:    len(wp.queue),
		TasksProcessed: wp.processed,
		MemoryUsedGB:   memUsedGB,
		MemoryTotalGB:  memTotalGB,
		MemoryPercent:  memPercent,
	}
}
