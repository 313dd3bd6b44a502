package metrics

import (
	"context"
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/disk"
	"github.com/shirou/gopsutil/v4/mem"
)

// SystemSample is one reading of host resource usage
type SystemSample struct {
	CPUPercent    float64 `json:"cpu_percent"`
	MemoryPercent float64 `json:"memory_percent"`
	DiskPercent   float64 `json:"disk_percent"`
}

// SystemSampler reads host resource usage. The default implementation uses
// gopsutil; tests substitute a fixed sampler.
type SystemSampler interface {
	Sample(ctx context.Context) (SystemSample, error)
}

type hostSampler struct {
	diskPath string
}

// NewSystemSampler returns a sampler over the host running the process.
// diskPath selects the filesystem to report; empty means "/".
func NewSystemSampler(diskPath string) SystemSampler {
	if diskPath == "" {
		diskPath = "/"
	}
	return &hostSampler{diskPath: diskPath}
}

func (s *hostSampler) Sample(ctx context.Context) (SystemSample, error) {
	var sample SystemSample

	// Interval 0 reports usage since the previous call instead of blocking
	cpuPercents, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return sample, fmt.Errorf("failed to sample cpu: %w", err)
	}
	if len(cpuPercents) > 0 {
		sample.CPUPercent = cpuPercents[0]
	}

	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return sample, fmt.Errorf("failed to sample memory: %w", err)
	}
	sample.MemoryPercent = vm.UsedPercent

	du, err := disk.UsageWithContext(ctx, s.diskPath)
	if err != nil {
		return sample, fmt.Errorf("failed to sample disk: %w", err)
	}
	sample.DiskPercent = du.UsedPercent

	return sample, nil
}

// staticSampler returns a fixed sample; used when system sampling is
// disabled or in tests
type staticSampler struct {
	sample SystemSample
}

// NewStaticSampler returns a sampler that always reports the given sample
func NewStaticSampler(sample SystemSample) SystemSampler {
	return &staticSampler{sample: sample}
}

func (s *staticSampler) Sample(context.Context) (SystemSample, error) {
	return s.sample, nil
}
