package domain

import (
	"encoding/json"
	"fmt"
)

// Variant 是一次 (SourceAsset × QualityPreset) 编码的产物。
//
// 约束：manifest 中出现的每个 Variant 都必须对应磁盘上真实存在、大小一致的文件。
type Variant struct {
	Path   string `json:"path"` // 相对 asset root，可直接 fetch
	Width  int    `json:"width,omitempty"`
	Height int    `json:"height,omitempty"`
	Size   int64  `json:"size"`
	Format string `json:"format"`
}

// SizeMB 是 MiB 为单位、两位小数的字符串。
func (v Variant) SizeMB() string {
	return fmt.Sprintf("%.2f", float64(v.Size)/(1024*1024))
}

// MarshalJSON 额外输出 sizeMB（只读派生字段，解析时忽略）。
func (v Variant) MarshalJSON() ([]byte, error) {
	type alias Variant
	return json.Marshal(struct {
		alias
		SizeMB string `json:"sizeMB"`
	}{alias: alias(v), SizeMB: v.SizeMB()})
}
