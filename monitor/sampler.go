// Package monitor samples host CPU and memory utilisation.
package monitor

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// DefaultCPUWindow is how long CPU utilisation is measured over for one sample.
const DefaultCPUWindow = time.Second

// Load is a single host utilisation sample.
type Load struct {
	CPUPercent float64
	RAMPercent float64
	RAMUsed    uint64
	RAMTotal   uint64
	At         time.Time
}

// Sampler takes a load sample. Implementations may block for the CPU window.
type Sampler interface {
	Sample(ctx context.Context) (Load, error)
}

// SystemSampler reads host load through gopsutil.
type SystemSampler struct {
	// CPUWindow is the measurement window for CPU utilisation (default: 1s).
	CPUWindow time.Duration
}

// NewSystemSampler creates a sampler measuring CPU over the given window.
func NewSystemSampler(window time.Duration) *SystemSampler {
	if window <= 0 {
		window = DefaultCPUWindow
	}
	return &SystemSampler{CPUWindow: window}
}

// Sample blocks for the CPU window and returns the aggregate utilisation.
func (s *SystemSampler) Sample(ctx context.Context) (Load, error) {
	percents, err := cpu.PercentWithContext(ctx, s.CPUWindow, false)
	if err != nil {
		return Load{}, errors.Wrap(err, "cpu percent")
	}
	if len(percents) == 0 {
		return Load{}, errors.New("cpu percent: no data")
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Load{}, errors.Wrap(err, "virtual memory")
	}

	return Load{
		CPUPercent: percents[0],
		RAMPercent: vm.UsedPercent,
		RAMUsed:    vm.Used,
		RAMTotal:   vm.Total,
		At:         time.Now(),
	}, nil
}

// SamplerFunc adapts a function to the Sampler interface.
type SamplerFunc func(ctx context.Context) (Load, error)

// Sample calls f.
func (f SamplerFunc) Sample(ctx context.Context) (Load, error) {
	return f(ctx)
}
