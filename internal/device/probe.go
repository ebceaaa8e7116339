package device

import (
	"context"
	"log/slog"
	"math"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/John-Robertt/texpipe/internal/domain"
)

// 可替换，便于测试。
var (
	virtualMemory = mem.VirtualMemoryWithContext
	cpuCounts     = cpu.CountsWithContext
)

// HostInfo 是探测到的原始主机信息（仅用于日志与调试）。
type HostInfo struct {
	TotalMemoryBytes uint64 `json:"totalMemoryBytes"`
	LogicalCPUs      int    `json:"logicalCPUs"`
}

// ProbeHost 用本机内存填充 MemoryGiB（按 navigator.deviceMemory 的方式分桶），其它信号保持未知。
// 探测失败时对应信号保持为零值，由 Classify 套默认值。
func ProbeHost(ctx context.Context, log *slog.Logger) (domain.DeviceSignals, HostInfo) {
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	var (
		s    domain.DeviceSignals
		info HostInfo
	)

	if vm, err := virtualMemory(ctx); err == nil && vm != nil {
		info.TotalMemoryBytes = vm.Total
		s.MemoryGiB = BucketMemory(float64(vm.Total) / (1 << 30))
	} else if err != nil {
		log.Warn("探测内存失败", "err", err)
	}

	if n, err := cpuCounts(ctx, true); err == nil {
		info.LogicalCPUs = n
	} else {
		log.Warn("探测 CPU 失败", "err", err)
	}

	log.Debug("主机信号", "memory_gib", s.MemoryGiB, "total_bytes", info.TotalMemoryBytes, "cpus", info.LogicalCPUs)
	return s, info
}

// BucketMemory 把 GiB 向下取整到 2 的幂，范围 [0.25, 8]；非正数返回 0（未知）。
func BucketMemory(gib float64) float64 {
	if gib <= 0 || math.IsNaN(gib) {
		return 0
	}
	if gib >= 8 {
		return 8
	}
	if gib < 0.25 {
		return 0.25
	}
	return math.Pow(2, math.Floor(math.Log2(gib)))
}
