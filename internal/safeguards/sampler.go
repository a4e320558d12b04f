package safeguards

import (
	"os"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// ResourceUsage is one point-in-time sample of the process's footprint.
// All sizes are in megabytes.
type ResourceUsage struct {
	HeapUsedMB  float64   `json:"heap_used_mb"`
	HeapTotalMB float64   `json:"heap_total_mb"`
	RSSMB       float64   `json:"rss_mb"`
	CPUPercent  float64   `json:"cpu_percent"`
	SampledAt   time.Time `json:"sampled_at"`
}

// resourceSampler reads heap statistics from the runtime and process-level
// RSS and CPU from the OS. OS-level reads can fail on restricted platforms;
// the sampler degrades to heap-only figures rather than erroring.
type resourceSampler struct {
	proc *process.Process
}

func newResourceSampler() *resourceSampler {
	// NewProcess fails only when the pid does not exist, which cannot
	// happen for our own pid.
	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		proc = nil
	}
	return &resourceSampler{proc: proc}
}

const bytesPerMB = 1024 * 1024

func (s *resourceSampler) sample() ResourceUsage {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	usage := ResourceUsage{
		HeapUsedMB:  float64(mem.HeapAlloc) / bytesPerMB,
		HeapTotalMB: float64(mem.HeapSys) / bytesPerMB,
		SampledAt:   time.Now(),
	}

	if s.proc != nil {
		if info, err := s.proc.MemoryInfo(); err == nil && info != nil {
			usage.RSSMB = float64(info.RSS) / bytesPerMB
		}
		if cpu, err := s.proc.CPUPercent(); err == nil {
			usage.CPUPercent = cpu
		}
	}
	return usage
}
