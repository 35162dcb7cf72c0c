package procman

import (
	"context"
	"runtime"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/load"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/cwsl/groundstation/internal/eventrouter"
)

// SystemInfo is the system-info event payload.
type SystemInfo struct {
	Hostname      string  `json:"hostname"`
	UptimeSeconds uint64  `json:"uptime_seconds"`
	CPUPercent    float64 `json:"cpu_percent"`
	Load1         float64 `json:"load_1"`
	Load5         float64 `json:"load_5"`
	MemTotal      uint64  `json:"mem_total_bytes"`
	MemUsed       uint64  `json:"mem_used_bytes"`
	MemPercent    float64 `json:"mem_percent"`
	Goroutines    int     `json:"goroutines"`
}

// CollectSystemInfo samples host CPU, memory, load, and uptime.
func CollectSystemInfo() SystemInfo {
	info := SystemInfo{Goroutines: runtime.NumGoroutine()}

	if hi, err := host.Info(); err == nil {
		info.Hostname = hi.Hostname
		info.UptimeSeconds = hi.Uptime
	}
	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		info.CPUPercent = percents[0]
	}
	if avg, err := load.Avg(); err == nil {
		info.Load1 = avg.Load1
		info.Load5 = avg.Load5
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		info.MemTotal = vm.Total
		info.MemUsed = vm.Used
		info.MemPercent = vm.UsedPercent
	}
	return info
}

// StartSystemInfoLoop broadcasts system-info every interval while clients
// are connected, until ctx is cancelled.
func (m *Manager) StartSystemInfoLoop(ctx context.Context, interval time.Duration) {
	if m.notifier == nil {
		return
	}
	if interval <= 0 {
		interval = 10 * time.Second
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if m.notifier.ClientCount() == 0 {
					continue
				}
				m.notifier.Broadcast(eventrouter.EventSystemInfo, CollectSystemInfo())
			}
		}
	}()
}
