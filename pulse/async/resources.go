package async

import (
	"os"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/crashkill/hub-automation-sub001/errors"
)

// ResourceUsage is the process-level cost observed across one measured span.
// Concurrent executions share the process, so figures are attributed to
// whichever spans overlap them.
type ResourceUsage struct {
	CPUPercent   float64
	MemoryBytes  uint64
	NetworkBytes uint64
}

// ResourceSampler measures process CPU, resident memory and host network
// traffic between Begin and the returned end function.
type ResourceSampler struct {
	proc *process.Process
}

// NewResourceSampler returns a sampler bound to the current process
func NewResourceSampler() (*ResourceSampler, error) {
	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open current process for sampling")
	}
	return &ResourceSampler{proc: p}, nil
}

type sample struct {
	at      time.Time
	cpu     float64
	network uint64
}

func (s *ResourceSampler) take() sample {
	out := sample{at: time.Now()}
	if times, err := s.proc.Times(); err == nil {
		out.cpu = times.User + times.System
	}
	if counters, err := psnet.IOCounters(false); err == nil && len(counters) > 0 {
		out.network = counters[0].BytesSent + counters[0].BytesRecv
	}
	return out
}

// Begin starts a measurement; call the returned function when the span ends.
// A nil sampler yields zero usage.
func (s *ResourceSampler) Begin() func() ResourceUsage {
	if s == nil {
		return func() ResourceUsage { return ResourceUsage{} }
	}
	start := s.take()
	return func() ResourceUsage {
		end := s.take()
		usage := ResourceUsage{}

		wall := end.at.Sub(start.at).Seconds()
		if wall > 0 && end.cpu >= start.cpu {
			usage.CPUPercent = (end.cpu - start.cpu) / wall * 100
		}
		if end.network >= start.network {
			usage.NetworkBytes = end.network - start.network
		}
		if mi, err := s.proc.MemoryInfo(); err == nil {
			usage.MemoryBytes = mi.RSS
		}
		return usage
	}
}
