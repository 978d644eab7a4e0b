package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// System tracks process-level resource usage for the health and stats
// endpoints. CPU readings are smoothed with an exponential moving average so
// a single spike does not flip the health status.
type System struct {
	mu      sync.RWMutex
	cpuPct  float64
	mem     runtime.MemStats
	started time.Time
}

// NewSystem creates a sampler; call Run to keep it fresh.
func NewSystem() *System {
	s := &System{started: time.Now()}
	runtime.ReadMemStats(&s.mem)
	return s
}

// Run samples CPU and memory at the given interval until ctx is canceled.
func (s *System) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.update()
		}
	}
}

func (s *System) update() {
	// cpu.Percent blocks for the sample window; keep it off the hot path.
	pcts, err := cpu.Percent(time.Second, false)

	s.mu.Lock()
	defer s.mu.Unlock()
	runtime.ReadMemStats(&s.mem)
	if err != nil || len(pcts) == 0 {
		return
	}
	const alpha = 0.3
	if s.cpuPct == 0 {
		s.cpuPct = pcts[0]
		return
	}
	s.cpuPct = alpha*pcts[0] + (1-alpha)*s.cpuPct
}

// CPUPercent returns the smoothed system CPU usage.
func (s *System) CPUPercent() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cpuPct
}

// MemMB returns the current heap allocation in megabytes.
func (s *System) MemMB() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return float64(s.mem.HeapAlloc) / 1024 / 1024
}

// Uptime reports time since process start.
func (s *System) Uptime() time.Duration {
	return time.Since(s.started)
}
