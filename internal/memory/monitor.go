// Package memory samples system memory and classifies pressure.
package memory

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/mem"

	"github.com/gluonMaster/ImageSearchGPU/pkg/types"
)

// GiB is one gibibyte.
const GiB uint64 = 1 << 30

// Thresholds are available-memory limits in bytes.
// CriticalBytes must be strictly less than WarningBytes.
type Thresholds struct {
	WarningBytes  uint64
	CriticalBytes uint64
}

// DefaultThresholds returns Warning below 2 GiB and Critical below 1 GiB.
func DefaultThresholds() Thresholds {
	return Thresholds{WarningBytes: 2 * GiB, CriticalBytes: 1 * GiB}
}

// Validate checks the threshold ordering.
func (t Thresholds) Validate() error {
	if t.CriticalBytes == 0 {
		return fmt.Errorf("%w: critical threshold must be > 0", types.ErrInvalidConfig)
	}
	if t.CriticalBytes >= t.WarningBytes {
		return fmt.Errorf("%w: critical threshold (%d) must be below warning threshold (%d)",
			types.ErrInvalidConfig, t.CriticalBytes, t.WarningBytes)
	}
	return nil
}

// Classify maps available bytes to a severity. Critical wins over Warning.
func Classify(available uint64, th Thresholds) types.Severity {
	switch {
	case available < th.CriticalBytes:
		return types.SeverityCritical
	case available < th.WarningBytes:
		return types.SeverityWarning
	default:
		return types.SeverityNormal
	}
}

// Sampler reads the current memory state.
type Sampler interface {
	Sample(ctx context.Context) (types.MemorySample, error)
}

// VirtualMemoryFunc reads raw virtual memory statistics.
type VirtualMemoryFunc func(ctx context.Context) (*mem.VirtualMemoryStat, error)

// Monitor samples system memory through gopsutil.
type Monitor struct {
	thresholds Thresholds
	read       VirtualMemoryFunc
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithVirtualMemory replaces the system reader.
func WithVirtualMemory(fn VirtualMemoryFunc) Option {
	return func(m *Monitor) {
		m.read = fn
	}
}

// NewMonitor creates a monitor with validated thresholds.
func NewMonitor(th Thresholds, opts ...Option) (*Monitor, error) {
	if err := th.Validate(); err != nil {
		return nil, err
	}
	m := &Monitor{
		thresholds: th,
		read:       mem.VirtualMemoryWithContext,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Thresholds returns the configured thresholds.
func (m *Monitor) Thresholds() Thresholds {
	return m.thresholds
}

// Sample reads system memory once.
func (m *Monitor) Sample(ctx context.Context) (types.MemorySample, error) {
	vm, err := m.read(ctx)
	if err != nil {
		return types.MemorySample{}, fmt.Errorf("failed to read virtual memory: %w", err)
	}

	var used float64
	if vm.Total > 0 {
		used = float64(vm.Total-min(vm.Available, vm.Total)) / float64(vm.Total)
	}

	return types.MemorySample{
		AvailableBytes: vm.Available,
		TotalBytes:     vm.Total,
		UsedFraction:   used,
		Severity:       Classify(vm.Available, m.thresholds),
	}, nil
}
