package build

import (
	"fmt"

	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/encoder"
	"github.com/John-Robertt/texpipe/internal/preset"
)

// Strategy 是构建开始前一次性选定的完整执行方案；之后不再做“工具是否存在”的判断。
type Strategy struct {
	// Name 是 full 或 simple（写入 manifest.buildType）。
	Name    string
	Ladders []preset.Ladder
	// Toktx 是解析后的 toktx 路径（simple 时为空）。
	Toktx string

	// Degraded 表示请求 auto 但因缺少工具而退化为 simple。
	Degraded bool
	Reason   string
}

// Presets 按 ladder 顺序展开全部档位。
func (s Strategy) Presets() []domain.QualityPreset {
	var out []domain.QualityPreset
	for _, l := range s.Ladders {
		out = append(out, l.Presets...)
	}
	return out
}

// ToolProbe 检查外部工具是否可用，返回解析后的路径。
type ToolProbe func(bin string) (string, error)

// SelectStrategy 根据请求与工具探测结果选定策略：
// - simple：只跑 simple 梯度
// - full：simple + gpu 梯度；缺少 toktx 时返回 tool_unavailable
// - auto：toktx 可用时等同 full，否则退化为 simple（Degraded=true）
func SelectStrategy(requested, toktx string, probe ToolProbe) (Strategy, error) {
	if probe == nil {
		probe = encoder.LookupToktx
	}
	simple := Strategy{Name: config.StrategySimple, Ladders: []preset.Ladder{preset.Simple()}}

	switch requested {
	case config.StrategySimple:
		return simple, nil
	case config.StrategyFull, config.StrategyAuto, "":
		path, err := probe(toktx)
		if err == nil {
			return Strategy{
				Name:    config.StrategyFull,
				Ladders: []preset.Ladder{preset.Simple(), preset.GPU()},
				Toktx:   path,
			}, nil
		}
		if requested == config.StrategyFull {
			if domain.Code(err) == "" {
				err = domain.NewError(domain.ErrCodeToolUnavailable, toktx, err)
			}
			return Strategy{}, err
		}
		simple.Degraded = true
		simple.Reason = err.Error()
		return simple, nil
	default:
		return Strategy{}, domain.NewError(domain.ErrCodeConfigInvalid, "strategy", fmt.Errorf("未知策略：%q", requested))
	}
}

// Only 把每个 ladder 过滤为给定档位（名字在任一 ladder 中存在即可）；names 为空时原样返回。
func (s Strategy) Only(names []string) (Strategy, error) {
	if len(names) == 0 {
		return s, nil
	}
	known := map[string]bool{}
	var ladders []preset.Ladder
	for _, l := range s.Ladders {
		var keep []string
		for _, n := range names {
			if l.Index(n) >= 0 {
				keep = append(keep, n)
				known[n] = true
			}
		}
		if len(keep) == 0 {
			continue
		}
		sub, err := l.Only(keep...)
		if err != nil {
			return Strategy{}, err
		}
		ladders = append(ladders, sub)
	}
	for _, n := range names {
		if !known[n] {
			return Strategy{}, domain.NewError(domain.ErrCodeConfigInvalid, "quality", fmt.Errorf("策略 %s 中没有档位 %q", s.Name, n))
		}
	}
	s.Ladders = ladders
	return s, nil
}
