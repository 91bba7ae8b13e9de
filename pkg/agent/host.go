package agent

import (
	"context"
	"fmt"

	"github.com/fleetd/fleetd/pkg/api"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// CollectHostInfo reads the facts an agent publishes with its
// registration. Only the host identity is required; CPU, memory and load
// are best effort.
func CollectHostInfo(ctx context.Context) (*api.HostInfo, error) {
	hi, err := host.InfoWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read host info: %w", err)
	}

	info := &api.HostInfo{
		Hostname:      hi.Hostname,
		OS:            hi.OS,
		Platform:      hi.Platform,
		KernelVersion: hi.KernelVersion,
	}

	if n, err := cpu.CountsWithContext(ctx, true); err == nil {
		info.CPUs = n
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		info.MemoryTotal = vm.Total
	}
	if avg, err := load.AvgWithContext(ctx); err == nil {
		info.LoadAverage = avg.Load1
	}
	return info, nil
}

// MemoryMiB converts bytes to MiB
func MemoryMiB(bytes uint64) uint64 {
	return bytes / (1024 * 1024)
}
