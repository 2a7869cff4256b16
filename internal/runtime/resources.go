package runtime

import (
	"runtime"
	"runtime/metrics"
	"sync"
	"time"
)

const (
	sampleCPU        = "/sched/cpu:seconds"
	sampleHeap       = "/memory/classes/heap/objects:bytes"
	sampleGoroutines = "/sched/goroutines:goroutines"
)

// ResourceUsage is a coarse sample of the supervisor's own CPU and memory use,
// reported by the status API next to the supervised workers.
type ResourceUsage struct {
	CPUPercent    float64 `json:"cpu_percent"`
	HeapBytes     uint64  `json:"heap_bytes"`
	Goroutines    int     `json:"goroutines"`
	UptimeSeconds float64 `json:"uptime_seconds"`
}

type resourceTracker struct {
	mu      sync.Mutex
	now     func() time.Time
	started time.Time
	numCPU  float64
	samples []metrics.Sample

	lastCPU float64
	lastAt  time.Time
}

func newResourceTracker() *resourceTracker {
	r := &resourceTracker{now: time.Now, numCPU: float64(runtime.NumCPU())}
	r.started = r.now()
	return r
}

// Snapshot reads runtime/metrics without stopping the world. CPU percent is
// averaged over the time since the previous snapshot and is zero on the first.
func (r *resourceTracker) Snapshot() ResourceUsage {
	if r == nil {
		return ResourceUsage{}
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.now == nil {
		r.now = time.Now
	}
	if len(r.samples) == 0 {
		r.samples = []metrics.Sample{{Name: sampleCPU}, {Name: sampleHeap}, {Name: sampleGoroutines}}
	}
	metrics.Read(r.samples)
	now := r.now()

	usage := ResourceUsage{Goroutines: runtime.NumGoroutine()}
	if !r.started.IsZero() {
		usage.UptimeSeconds = now.Sub(r.started).Seconds()
	}

	for _, s := range r.samples {
		switch s.Name {
		case sampleCPU:
			if s.Value.Kind() != metrics.KindFloat64 {
				continue
			}
			cpu := s.Value.Float64()
			if wall := now.Sub(r.lastAt).Seconds(); !r.lastAt.IsZero() && wall > 0 && r.numCPU > 0 {
				usage.CPUPercent = (cpu - r.lastCPU) / wall / r.numCPU * 100
			}
			r.lastCPU, r.lastAt = cpu, now
		case sampleHeap:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.HeapBytes = s.Value.Uint64()
			}
		case sampleGoroutines:
			if s.Value.Kind() == metrics.KindUint64 {
				usage.Goroutines = int(s.Value.Uint64())
			}
		}
	}
	return usage
}
