// Package preset 定义两套静态质量梯度。
//
// simple：只依赖 resize + 通用格式，总是可用；产物写入 manifest.variants。
// gpu：依赖 toktx 生成 KTX2；产物写入 manifest.formats。
//
// 两套梯度的档位名互不相同（medium 例外，但所属 ladder 不同），调用方必须始终带着 ladder 一起使用档位名。
package preset

import (
	"fmt"

	"github.com/John-Robertt/texpipe/internal/domain"
)

// Ladder 是按保真度升序排列的一组档位。
type Ladder struct {
	Name    string
	Presets []domain.QualityPreset
}

var simple = Ladder{
	Name: domain.LadderSimple,
	Presets: []domain.QualityPreset{
		{Name: "medium", Ladder: domain.LadderSimple, Width: 2048, Height: 1024, Format: domain.FormatWebP, Quality: 85},
		{Name: "high-mid", Ladder: domain.LadderSimple, Width: 4096, Height: 2048, Format: domain.FormatJPEG, Quality: 95},
		{Name: "very-high", Ladder: domain.LadderSimple, Width: 6144, Height: 3072, Format: domain.FormatJPEG, Quality: 98},
		{Name: "ultra", Ladder: domain.LadderSimple, Width: 8192, Height: 4096, Format: domain.FormatJPEG, Quality: 100},
		{Name: "max", Ladder: domain.LadderSimple, Width: 10240, Height: 5120, Format: domain.FormatJPEG, Quality: 100},
	},
}

var gpu = Ladder{
	Name: domain.LadderGPU,
	Presets: []domain.QualityPreset{
		{Name: "preview", Ladder: domain.LadderGPU, Width: 512, Height: 256, Format: domain.FormatKTX2, Quality: 96, Compression: domain.CompressionETC1S},
		{Name: "low", Ladder: domain.LadderGPU, Width: 1024, Height: 512, Format: domain.FormatKTX2, Quality: 128, Compression: domain.CompressionETC1S, Mipmaps: true},
		{Name: "medium", Ladder: domain.LadderGPU, Width: 2048, Height: 1024, Format: domain.FormatKTX2, Quality: 192, Compression: domain.CompressionETC1S, Mipmaps: true},
		{Name: "high", Ladder: domain.LadderGPU, Width: 4096, Height: 2048, Format: domain.FormatKTX2, Quality: 255, Compression: domain.CompressionUASTC, Mipmaps: true},
	},
}

// Simple 返回 simple 梯度（副本，调用方可随意修改）。
func Simple() Ladder { return simple.clone() }

// GPU 返回 gpu 梯度（副本）。
func GPU() Ladder { return gpu.clone() }

// ByName 按 ladder 名返回梯度。
func ByName(name string) (Ladder, error) {
	switch name {
	case domain.LadderSimple:
		return Simple(), nil
	case domain.LadderGPU:
		return GPU(), nil
	default:
		return Ladder{}, fmt.Errorf("未知的质量梯度：%q", name)
	}
}

func (l Ladder) clone() Ladder {
	out := Ladder{Name: l.Name, Presets: make([]domain.QualityPreset, len(l.Presets))}
	copy(out.Presets, l.Presets)
	return out
}

// Names 返回档位名（升序）。
func (l Ladder) Names() []string {
	out := make([]string, len(l.Presets))
	for i, p := range l.Presets {
		out[i] = p.Name
	}
	return out
}

// Index 返回档位序号；不存在返回 -1。
func (l Ladder) Index(name string) int {
	for i, p := range l.Presets {
		if p.Name == name {
			return i
		}
	}
	return -1
}

// Get 按名字取档位。
func (l Ladder) Get(name string) (domain.QualityPreset, bool) {
	if i := l.Index(name); i >= 0 {
		return l.Presets[i], true
	}
	return domain.QualityPreset{}, false
}

// Lower 返回紧邻的低一档；已是最低档或名字未知时 ok=false。
func (l Ladder) Lower(name string) (string, bool) {
	i := l.Index(name)
	if i <= 0 {
		return "", false
	}
	return l.Presets[i-1].Name, true
}

// Only 返回只保留给定档位的子梯度（保持原有顺序），用于命令行 --quality 过滤。
func (l Ladder) Only(names ...string) (Ladder, error) {
	want := make(map[string]struct{}, len(names))
	for _, n := range names {
		if l.Index(n) < 0 {
			return Ladder{}, fmt.Errorf("梯度 %s 中没有档位：%q", l.Name, n)
		}
		want[n] = struct{}{}
	}
	out := Ladder{Name: l.Name}
	for _, p := range l.Presets {
		if _, ok := want[p.Name]; ok {
			out.Presets = append(out.Presets, p)
		}
	}
	return out, nil
}

// Order 返回 (ladder, preset) -> 序号的函数，供 BuildReport.Finalize 排序使用。
func Order() func(ladder, name string) int {
	return func(ladder, name string) int {
		l, err := ByName(ladder)
		if err != nil {
			return 0
		}
		return l.Index(name)
	}
}
