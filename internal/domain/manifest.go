package domain

import (
	"sort"
	"time"
)

// ManifestVersion 是 manifest 结构版本。
const ManifestVersion = "1.0.0"

// Manifest 是一次 build 的持久化索引：basename -> 各质量档位的产物。
// 运行期只读；消费方必须容忍某个 basename 缺少某个质量档位。
type Manifest struct {
	Version   string                  `json:"version"`
	Generated time.Time               `json:"generated"`
	BuildType string                  `json:"buildType,omitempty"`
	Textures  map[string]TextureEntry `json:"textures"`
}

// TextureEntry 对应一个源图。
// Variants 来自 simple 梯度；Formats 来自 gpu 梯度（KTX2）。
type TextureEntry struct {
	Original string             `json:"original"`
	Variants map[string]Variant `json:"variants,omitempty"`
	Formats  map[string]Variant `json:"formats,omitempty"`
}

// Ladder 返回指定梯度下的档位表（未知梯度返回 nil）。
func (e TextureEntry) Ladder(ladder string) map[string]Variant {
	switch ladder {
	case LadderSimple:
		return e.Variants
	case LadderGPU:
		return e.Formats
	default:
		return nil
	}
}

// Basenames 返回排序后的 basename 列表（map 遍历顺序不可依赖）。
func (m *Manifest) Basenames() []string {
	if m == nil {
		return nil
	}
	out := make([]string, 0, len(m.Textures))
	for k := range m.Textures {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// VariantCount 统计 manifest 中的产物总数（两个梯度合计）。
func (m *Manifest) VariantCount() int {
	if m == nil {
		return 0
	}
	n := 0
	for _, e := range m.Textures {
		n += len(e.Variants) + len(e.Formats)
	}
	return n
}
