// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
)

// DefaultSampleInterval is the cadence of the memory sampler.
const DefaultSampleInterval = 5 * time.Second

// MemoryStats is one memory sample of the process.
type MemoryStats struct {
	RSS       uint64
	HeapTotal uint64
	HeapUsed  uint64
}

// ReadMemory samples the current process. RSS comes from procfs where it is
// available and falls back to the memory obtained from the OS by the runtime.
func ReadMemory() MemoryStats {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	stats := MemoryStats{
		RSS:       ms.Sys,
		HeapTotal: ms.HeapSys,
		HeapUsed:  ms.HeapAlloc,
	}
	if p, err := procfs.Self(); err == nil {
		if st, err := p.Stat(); err == nil && st.ResidentMemory() > 0 {
			stats.RSS = uint64(st.ResidentMemory())
		}
	}
	return stats
}

// Sampler periodically reports memory gauges until stopped.
type Sampler struct {
	reporter Reporter
	interval time.Duration
	read     func() MemoryStats

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// SamplerOption configures a Sampler.
type SamplerOption func(*Sampler)

// WithInterval overrides DefaultSampleInterval.
func WithInterval(d time.Duration) SamplerOption {
	return func(s *Sampler) { s.interval = d }
}

// WithReader replaces ReadMemory.
func WithReader(read func() MemoryStats) SamplerOption {
	return func(s *Sampler) { s.read = read }
}

// StartSampler starts reporting to r in a background goroutine. The first
// sample is taken one interval after start.
func StartSampler(r Reporter, opts ...SamplerOption) *Sampler {
	s := &Sampler{
		reporter: r,
		interval: DefaultSampleInterval,
		read:     ReadMemory,
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel
	go s.run(ctx)
	return s
}

func (s *Sampler) run(ctx context.Context) {
	defer close(s.done)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// a Stop racing with the tick must win
			if ctx.Err() != nil {
				return
			}
			m := s.read()
			s.reporter.Gauge(GaugeMemoryRSS, float64(m.RSS))
			s.reporter.Gauge(GaugeMemoryHeapTotal, float64(m.HeapTotal))
			s.reporter.Gauge(GaugeMemoryHeapUsed, float64(m.HeapUsed))
		}
	}
}

// Stop cancels the sampler and waits for its goroutine to exit. No gauge is
// reported after Stop returns. It is safe to call more than once.
func (s *Sampler) Stop() {
	s.once.Do(s.cancel)
	<-s.done
}
