// Package sysmon reports processor and memory usage of the unit.
package sysmon

import (
	"context"
	"fmt"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// Usage 系统占用率
type Usage struct {
	CPUPermille uint16 // 0..1000
	FreeRAM     uint64 // bytes
	TotalRAM    uint64 // bytes
	Tasks       uint16
}

// Monitor samples usage through gopsutil.
type Monitor struct {
	timeout time.Duration
}

func New() *Monitor {
	return &Monitor{timeout: 200 * time.Millisecond}
}

// Usage 采样一次。CPU取自上次调用以来的平均值, 不阻塞等待采样间隔。
func (m *Monitor) Usage() (Usage, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.timeout)
	defer cancel()

	pct, err := cpu.PercentWithContext(ctx, 0, false)
	if err != nil {
		return Usage{}, fmt.Errorf("cpu percent: %w", err)
	}
	vm, err := mem.VirtualMemoryWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("virtual memory: %w", err)
	}

	u := Usage{
		FreeRAM:  vm.Available,
		TotalRAM: vm.Total,
		Tasks:    uint16(min(runtime.NumGoroutine(), 0xFFFF)),
	}
	if len(pct) > 0 {
		u.CPUPermille = uint16(min(pct[0]*10, 1000))
	}
	return u, nil
}
