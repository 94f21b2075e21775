// Package resource periodically samples host-wide CPU and memory usage
// (gopsutil's cpu.Percent and mem.VirtualMemory, not per-process figures),
// mirroring the teacher's resource_guard.go sampling loop but exposing
// the result as a read-only snapshot instead of gating admission itself
// (admission stays in internal/callrouter, driven by Counters and the
// optional rate.Limiter).
package resource

import (
	"context"
	"math"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Snapshot is the most recent sample, safe to read from any goroutine.
type Snapshot struct {
	CPUPercent    float64
	MemUsedBytes  uint64
	MemTotalBytes uint64
}

// Sampler runs a background loop refreshing Snapshot on an interval,
// the way resource_guard.go polls gopsutil before deciding whether to
// shed load.
type Sampler struct {
	interval time.Duration
	logger   zerolog.Logger

	cpuPercent    atomic.Uint64 // math.Float64bits
	memUsedBytes  atomic.Uint64
	memTotalBytes atomic.Uint64
}

// NewSampler builds a sampler that refreshes every interval once Run is
// called.
func NewSampler(interval time.Duration, logger zerolog.Logger) *Sampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Sampler{interval: interval, logger: logger}
}

// Run blocks, sampling on a ticker until ctx is cancelled. Intended to
// be started in its own goroutine from main.
func (s *Sampler) Run(ctx context.Context) {
	s.sampleOnce(ctx)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sampleOnce(ctx)
		}
	}
}

func (s *Sampler) sampleOnce(ctx context.Context) {
	percents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		s.logger.Warn().Err(err).Msg("cpu sample failed")
	} else if len(percents) > 0 {
		s.cpuPercent.Store(math.Float64bits(percents[0]))
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("memory sample failed")
		return
	}
	s.memUsedBytes.Store(vm.Used)
	s.memTotalBytes.Store(vm.Total)
}

// Snapshot returns the most recently sampled values.
func (s *Sampler) Snapshot() Snapshot {
	return Snapshot{
		CPUPercent:    math.Float64frombits(s.cpuPercent.Load()),
		MemUsedBytes:  s.memUsedBytes.Load(),
		MemTotalBytes: s.memTotalBytes.Load(),
	}
}
