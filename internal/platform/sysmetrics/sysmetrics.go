// Package sysmetrics samples host resource usage for the task monitor
// using gopsutil.
package sysmetrics

import (
	"context"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/phrazzld/taskforge/internal/task"
)

// Probe implements task.SystemProbe over gopsutil.
type Probe struct {
	diskPath string
}

// New creates a probe measuring disk usage at the root filesystem.
func New() *Probe {
	return &Probe{diskPath: "/"}
}

// NewWithDiskPath creates a probe measuring disk usage at the given path.
func NewWithDiskPath(path string) *Probe {
	return &Probe{diskPath: path}
}

// Sample reads current cpu, memory, and disk usage.
func (p *Probe) Sample(ctx context.Context) (task.SystemMetrics, error) {
	m := task.SystemMetrics{SampledAt: time.Now().UTC()}

	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return m, fmt.Errorf("sampling cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		m.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return m, fmt.Errorf("sampling memory: %w", err)
	}
	m.MemoryPercent = vm.UsedPercent
	m.MemoryBytes = vm.Used

	du, err := disk.UsageWithContext(ctx, p.diskPath)
	if err != nil {
		return m, fmt.Errorf("sampling disk at %s: %w", p.diskPath, err)
	}
	m.DiskPercent = du.UsedPercent

	return m, nil
}
