package governor

import (
	"runtime"
)

// Probe reports process resource pressure as ratios in [0, 1]. The adaptive
// controller consults it every tick; tests substitute a fixed probe.
type Probe interface {
	MemoryRatio() float64
	CPURatio() float64
}

// RuntimeProbe derives pressure from the Go runtime. CPU is approximated
// from the GC's share of CPU time plus scheduler load; good enough to back
// off under pressure, not a substitute for host metrics.
type RuntimeProbe struct {
	memLimitBytes uint64
}

// NewRuntimeProbe bounds memory pressure against maxMemoryMB.
func NewRuntimeProbe(maxMemoryMB int) *RuntimeProbe {
	if maxMemoryMB <= 0 {
		maxMemoryMB = 256
	}
	return &RuntimeProbe{memLimitBytes: uint64(maxMemoryMB) * 1024 * 1024}
}

func (p *RuntimeProbe) MemoryRatio() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)
	r := float64(m.HeapInuse) / float64(p.memLimitBytes)
	if r > 1 {
		r = 1
	}
	return r
}

func (p *RuntimeProbe) CPURatio() float64 {
	var m runtime.MemStats
	runtime.ReadMemStats(&m)

	gc := m.GCCPUFraction
	sched := float64(runtime.NumGoroutine()) / float64(runtime.GOMAXPROCS(0)*100)
	r := gc + sched
	if r > 1 {
		r = 1
	}
	if r < 0 {
		r = 0
	}
	return r
}

// FixedProbe returns constant ratios. Tests drive the controller with it.
type FixedProbe struct {
	Mem float64
	CPU float64
}

func (p FixedProbe) MemoryRatio() float64 { return p.Mem }
func (p FixedProbe) CPURatio() float64    { return p.CPU }
