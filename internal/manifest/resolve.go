package manifest

import (
	"fmt"
	"sort"
	"strings"

	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/preset"
)

// Resolution 是一次档位解析的结果。
type Resolution struct {
	Basename  string         `json:"basename"`
	Ladder    string         `json:"ladder"`
	Requested string         `json:"requested"`
	Quality   string         `json:"quality"`
	Variant   domain.Variant `json:"variant"`
	// Fallback 表示实际档位与请求不同。
	Fallback bool `json:"fallback"`
}

// Resolve 在 ladder 中为 basename 找到可用的档位：
// 1) 请求的档位存在：直接返回
// 2) 否则依次尝试更低的档位
// 3) 更低的都不存在：取高于请求的最低档位
// 4) 完全没有：missing_quality_tier
func Resolve(m *domain.Manifest, basename string, ladder preset.Ladder, quality string) (Resolution, error) {
	res := Resolution{Basename: basename, Ladder: ladder.Name, Requested: quality}

	if m == nil {
		return res, domain.NewError(domain.ErrCodeMissingQualityTier, basename, fmt.Errorf("manifest 为空"))
	}
	e, ok := m.Textures[basename]
	if !ok {
		return res, domain.NewError(domain.ErrCodeMissingQualityTier, basename, fmt.Errorf("manifest 中没有该纹理"))
	}
	vs := e.Ladder(ladder.Name)

	start := ladder.Index(quality)
	if start < 0 {
		return res, domain.NewError(domain.ErrCodeMissingQualityTier, basename, fmt.Errorf("梯度 %s 中没有档位 %q", ladder.Name, quality))
	}

	names := ladder.Names()
	for i := start; i >= 0; i-- {
		if v, ok := vs[names[i]]; ok {
			res.Quality, res.Variant, res.Fallback = names[i], v, i != start
			return res, nil
		}
	}
	for i := start + 1; i < len(names); i++ {
		if v, ok := vs[names[i]]; ok {
			res.Quality, res.Variant, res.Fallback = names[i], v, true
			return res, nil
		}
	}
	return res, domain.NewError(domain.ErrCodeMissingQualityTier, basename, fmt.Errorf("梯度 %s 下没有任何档位", ladder.Name))
}

// Lower 返回 basename 在 ladder 中严格低于 quality 的最高可用档位。
func Lower(m *domain.Manifest, basename string, ladder preset.Ladder, quality string) (string, bool) {
	if m == nil {
		return "", false
	}
	vs := m.Textures[basename].Ladder(ladder.Name)
	names := ladder.Names()
	for i := ladder.Index(quality) - 1; i >= 0; i-- {
		if _, ok := vs[names[i]]; ok {
			return names[i], true
		}
	}
	return "", false
}

// URL 把变体路径拼到 base 上（base 为空时返回以 / 开头的同源路径）。
func URL(base string, v domain.Variant) string {
	p := strings.TrimPrefix(v.Path, "/")
	if base == "" {
		return "/" + p
	}
	return strings.TrimSuffix(base, "/") + "/" + p
}

// Qualities 返回 manifest 在 ladder 下声明过的档位名（按梯度升序；梯度外的名字排在最后，按字典序）。
func Qualities(m *domain.Manifest, ladder preset.Ladder) []string {
	if m == nil {
		return nil
	}
	seen := map[string]struct{}{}
	for _, e := range m.Textures {
		for q := range e.Ladder(ladder.Name) {
			seen[q] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for q := range seen {
		out = append(out, q)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := ladder.Index(out[i]), ladder.Index(out[j])
		switch {
		case a < 0 && b < 0:
			return out[i] < out[j]
		case a < 0:
			return false
		case b < 0:
			return true
		default:
			return a < b
		}
	})
	return out
}

func sortedKeys(vs map[string]domain.Variant) []string {
	out := make([]string, 0, len(vs))
	for k := range vs {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
