package domain

import (
	"sort"
	"time"
)

// 单条 item 的处理状态。
const (
	StatusProduced    = "produced"
	StatusFailed      = "failed"
	StatusUnsupported = "unsupported"
)

// BuildReport 是构建阶段对外稳定输出（report.json / stdout JSON）的结构。
type BuildReport struct {
	RunID    string `json:"run_id"`
	Input    string `json:"input"`
	Output   string `json:"output"`
	Strategy string `json:"strategy"`

	StartedAt  time.Time `json:"started_at"`
	FinishedAt time.Time `json:"finished_at"`

	Summary ReportSummary `json:"summary"`
	Items   []ItemResult  `json:"items"`
}

type ReportSummary struct {
	Assets      int   `json:"assets"`
	Variants    int   `json:"variants"`
	Failed      int   `json:"failed"`
	Unsupported int   `json:"unsupported"`
	SourceBytes int64 `json:"source_bytes"`
	OutputBytes int64 `json:"output_bytes"`
}

// ItemResult 是一个 (源资产, 质量预设) 的处理结果；不支持的源文件以 Preset=="" 的合成项出现。
type ItemResult struct {
	Basename string `json:"basename"`
	Original string `json:"original"`
	Ladder   string `json:"ladder,omitempty"`
	Preset   string `json:"preset,omitempty"`

	Status    string `json:"status"`
	ErrorCode string `json:"error_code,omitempty"`
	ErrorMsg  string `json:"error_msg,omitempty"`

	Path       string `json:"path,omitempty"`
	Size       int64  `json:"size,omitempty"`
	SourceSize int64  `json:"source_size,omitempty"`
}

// Finalize 做三件事：
// 1) 时间统一为 UTC
// 2) items 稳定排序：basename → ladder → preset；basename=="" 的条目排在最后
// 3) summary 由 items 计算得出
//
// order 给出 preset 在各自阶梯中的序号（低→高）；为 nil 时按名字字典序。
func (r *BuildReport) Finalize(order func(ladder, preset string) int) {
	r.StartedAt = r.StartedAt.UTC()
	r.FinishedAt = r.FinishedAt.UTC()

	idx := func(it ItemResult) int {
		if order == nil {
			return 0
		}
		return order(it.Ladder, it.Preset)
	}
	sort.SliceStable(r.Items, func(i, j int) bool {
		a, b := r.Items[i], r.Items[j]
		if a.Basename != b.Basename {
			if a.Basename == "" {
				return false
			}
			if b.Basename == "" {
				return true
			}
			return a.Basename < b.Basename
		}
		if a.Ladder != b.Ladder {
			return a.Ladder < b.Ladder
		}
		if ia, ib := idx(a), idx(b); ia != ib {
			return ia < ib
		}
		return a.Preset < b.Preset
	})

	var s ReportSummary
	assets := map[string]struct{}{}
	sources := map[string]int64{}
	for _, it := range r.Items {
		switch it.Status {
		case StatusProduced:
			s.Variants++
			s.OutputBytes += it.Size
			assets[it.Basename] = struct{}{}
			if it.SourceSize > 0 {
				sources[it.Basename] = it.SourceSize
			}
		case StatusFailed:
			s.Failed++
		case StatusUnsupported:
			s.Unsupported++
		}
	}
	s.Assets = len(assets)
	for _, n := range sources {
		s.SourceBytes += n
	}
	r.Summary = s
}

// ProducedAny 表示本次构建是否至少产出了一个变体（决定进程退出码）。
func (r *BuildReport) ProducedAny() bool {
	return r.Summary.Variants > 0
}
