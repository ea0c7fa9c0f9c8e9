package metrics

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"go.uber.org/zap"
)

// HostSampler periodically samples host CPU and process heap usage into
// a Registry's gauges, grounded on
// go-server/internal/metrics/system.go's SystemMetrics: gopsutil for CPU,
// an exponential moving average to smooth spikes, runtime.MemStats for
// heap size.
type HostSampler struct {
	reg      *Registry
	log      *zap.Logger
	interval time.Duration

	cpuPercent float64
}

// NewHostSampler constructs a HostSampler reporting into reg every
// interval.
func NewHostSampler(reg *Registry, log *zap.Logger, interval time.Duration) *HostSampler {
	return &HostSampler{reg: reg, log: log, interval: interval}
}

// Run samples until ctx is cancelled. Intended to run in its own
// goroutine from cmd/pakbusd.
func (s *HostSampler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sample()
		}
	}
}

func (s *HostSampler) sample() {
	percents, err := cpu.PercentWithContext(context.Background(), 0, false)
	if err == nil && len(percents) > 0 {
		const alpha = 0.3
		if s.cpuPercent == 0 {
			s.cpuPercent = percents[0]
		} else {
			s.cpuPercent = alpha*percents[0] + (1-alpha)*s.cpuPercent
		}
		s.reg.HostCPUPercent.Set(s.cpuPercent)
	} else if err != nil && s.log != nil {
		s.log.Debug("host cpu sample failed", zap.Error(err))
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	s.reg.HostMemoryMB.Set(float64(mem.HeapAlloc) / 1024 / 1024)
}
