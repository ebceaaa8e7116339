// Package device 把运行环境信号确定性地映射为 DeviceProfile。
//
// Classify 不做任何 I/O；相同输入永远得到相同输出。
package device

import (
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/preset"
)

// 信号缺失时的默认值。
const (
	DefaultMemoryGiB        = 4
	DefaultDevicePixelRatio = 1
	DefaultNetworkClass     = domain.Network4G
	TargetFPS               = 60
)

// ForcedQuality 是慢速网络下强制使用的档位（两个梯度中都存在）。
const ForcedQuality = "medium"

// Rule 是决策表中的一行；所有 Min* 条件同时满足才命中。
type Rule struct {
	Tier string

	MinTextureSize int
	MinMemoryGiB   float64
	MinDPR         float64

	// Quality 是 simple 梯度中的档位，GPUQuality 是 gpu 梯度中的档位。
	Quality    string
	GPUQuality string

	TargetDPR          float64
	MaxConcurrentLoads int
}

// Rules 自上而下求值，第一条命中者胜出；最后一行无条件，保证函数是全的。
// low 仍然选 medium：受限设备上也不给最低保真度。
var Rules = []Rule{
	{Tier: "ultra", MinTextureSize: 16384, MinMemoryGiB: 8, MinDPR: 2, Quality: "very-high", GPUQuality: "high", TargetDPR: 2, MaxConcurrentLoads: 6},
	{Tier: "high", MinTextureSize: 8192, MinMemoryGiB: 4, Quality: "high-mid", GPUQuality: "high", TargetDPR: 1.5, MaxConcurrentLoads: 4},
	{Tier: "medium", MinTextureSize: 4096, MinMemoryGiB: 2, Quality: "medium", GPUQuality: "medium", TargetDPR: 1, MaxConcurrentLoads: 2},
	{Tier: "low", Quality: "medium", GPUQuality: "medium", TargetDPR: 1, MaxConcurrentLoads: 1},
}

func (r Rule) matches(s domain.DeviceSignals) bool {
	return s.MaxTextureSize >= r.MinTextureSize &&
		s.MemoryGiB >= r.MinMemoryGiB &&
		s.DevicePixelRatio >= r.MinDPR
}

// WithDefaults 为缺失的信号补默认值（内存 4、DPR 1、网络 4g）。
func WithDefaults(s domain.DeviceSignals) domain.DeviceSignals {
	if s.MemoryGiB <= 0 {
		s.MemoryGiB = DefaultMemoryGiB
	}
	if s.DevicePixelRatio <= 0 {
		s.DevicePixelRatio = DefaultDevicePixelRatio
	}
	if s.NetworkClass == "" {
		s.NetworkClass = DefaultNetworkClass
	}
	if s.MaxTextureSize < 0 {
		s.MaxTextureSize = 0
	}
	return s
}

// SlowNetwork 判断网络类型是否触发强制降档。
func SlowNetwork(class string) bool {
	return class == domain.Network2G || class == domain.NetworkSlow2G
}

// Classify 按决策表求值，然后应用网络覆盖。
// 网络覆盖只改变 SelectedQuality；并发上限仍由 GPU/内存档位决定。
func Classify(s domain.DeviceSignals) domain.DeviceProfile {
	s = WithDefaults(s)
	r := ruleFor(s)

	p := domain.DeviceProfile{
		TierName:               r.Tier,
		SelectedQuality:        r.Quality,
		MaxTextureSize:         s.MaxTextureSize,
		DevicePixelRatio:       s.DevicePixelRatio,
		MemoryGiB:              s.MemoryGiB,
		NetworkClass:           s.NetworkClass,
		TargetFPS:              TargetFPS,
		TargetDevicePixelRatio: r.TargetDPR,
		MaxConcurrentLoads:     r.MaxConcurrentLoads,
	}
	if SlowNetwork(s.NetworkClass) {
		p.SelectedQuality = ForcedQuality
	}
	return p
}

func ruleFor(s domain.DeviceSignals) Rule {
	for _, r := range Rules {
		if r.matches(s) {
			return r
		}
	}
	return Rules[len(Rules)-1]
}

// QualityFor 返回 profile 在指定梯度下应使用的档位名。
func QualityFor(p domain.DeviceProfile, ladder string) string {
	if ladder != domain.LadderGPU {
		return p.SelectedQuality
	}
	if SlowNetwork(p.NetworkClass) {
		return ForcedQuality
	}
	for _, r := range Rules {
		if r.Tier == p.TierName {
			return r.GPUQuality
		}
	}
	return ForcedQuality
}

// Constrain 保证 SelectedQuality 是 manifest 声明过的档位名：
// 不在 declared 中时取梯度中更低的最近档位，再没有则取 declared 中最低的一个。
// declared 为空时原样返回。
func Constrain(p domain.DeviceProfile, l preset.Ladder, declared []string) domain.DeviceProfile {
	if len(declared) == 0 {
		return p
	}
	set := make(map[string]struct{}, len(declared))
	for _, q := range declared {
		set[q] = struct{}{}
	}
	if _, ok := set[p.SelectedQuality]; ok {
		return p
	}

	names := l.Names()
	for i := l.Index(p.SelectedQuality) - 1; i >= 0; i-- {
		if _, ok := set[names[i]]; ok {
			p.SelectedQuality = names[i]
			return p
		}
	}
	// 更低的都没有：取 declared 中在梯度里最靠前的一个。
	best, bestIdx := declared[0], l.Index(declared[0])
	for _, q := range declared[1:] {
		if i := l.Index(q); i >= 0 && (bestIdx < 0 || i < bestIdx) {
			best, bestIdx = q, i
		}
	}
	p.SelectedQuality = best
	return p
}
