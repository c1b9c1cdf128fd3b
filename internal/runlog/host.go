package runlog

import (
	"context"
	"os"

	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"
)

// HostSnapshot is host state at the time a record was written.
type HostSnapshot struct {
	Hostname   string  `json:"hostname"`
	Platform   string  `json:"platform,omitempty"`
	Kernel     string  `json:"kernel,omitempty"`
	UptimeSec  uint64  `json:"uptime_s,omitempty"`
	MemUsedPct float64 `json:"mem_used_pct,omitempty"`
	MemTotal   uint64  `json:"mem_total,omitempty"`
	LoadAvg1   float64 `json:"load_avg_1,omitempty"`
	ProcessID  int     `json:"pid"`
}

// CollectHost gathers a snapshot. Fields that cannot be read stay empty.
func CollectHost(ctx context.Context) *HostSnapshot {
	snap := &HostSnapshot{ProcessID: os.Getpid()}
	snap.Hostname, _ = os.Hostname()

	if info, err := host.InfoWithContext(ctx); err == nil && info != nil {
		if info.Hostname != "" {
			snap.Hostname = info.Hostname
		}
		snap.Platform = info.Platform + " " + info.PlatformVersion
		snap.Kernel = info.KernelVersion
		snap.UptimeSec = info.Uptime
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil && vm != nil {
		snap.MemUsedPct = vm.UsedPercent
		snap.MemTotal = vm.Total
	}
	if avg, err := load.AvgWithContext(ctx); err == nil && avg != nil {
		snap.LoadAvg1 = avg.Load1
	}
	return snap
}
