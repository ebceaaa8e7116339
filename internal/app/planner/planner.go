package planner

import (
	"fmt"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/texpipe/internal/domain"
)

// Job 是一个 (源图, 档位) 的编码任务。
type Job struct {
	Asset  domain.SourceAsset
	Preset domain.QualityPreset

	// OutAbs 是产物的绝对路径；一次计划内唯一。
	OutAbs string
	// RelPath 是写入 manifest 的路径（asset root 前缀 + 相对 outDir 的路径，始终用 /）。
	RelPath string
}

// Plan 生成 assets × presets 的确定性任务列表（不做任何写入）。
//
// 输出布局：
// - simple：<out>/<quality>/<basename>.<ext>
// - gpu：<out>/ktx2/<quality>/<basename>.ktx2
//
// 出现重复输出路径时返回 duplicate_output，保证执行阶段不会有两个任务写同一个文件。
func Plan(assets []domain.SourceAsset, presets []domain.QualityPreset, outDir, assetRoot string) ([]Job, error) {
	outDir = filepath.Clean(outDir)
	assetRoot = strings.TrimSuffix(filepath.ToSlash(assetRoot), "/")

	jobs := make([]Job, 0, len(assets)*len(presets))
	used := make(map[string]string, cap(jobs))
	for _, a := range assets {
		if a.Unsupported != "" {
			continue
		}
		if a.Basename == "" {
			return nil, domain.NewError(domain.ErrCodeSourceUnreadable, a.AbsPath, fmt.Errorf("basename 为空"))
		}
		for _, p := range presets {
			rel := RelPath(a.Basename, p)
			abs := filepath.Join(outDir, filepath.FromSlash(rel))
			key := strings.ToLower(abs) // 大小写不敏感的文件系统上同样不能撞名
			if prev, ok := used[key]; ok {
				return nil, domain.NewError(domain.ErrCodeDuplicateOutput, abs,
					fmt.Errorf("%s 与 %s 的产物路径冲突", prev, a.OriginalFilename+"/"+p.Name))
			}
			used[key] = a.OriginalFilename + "/" + p.Name

			manifestPath := rel
			if assetRoot != "" {
				manifestPath = assetRoot + "/" + rel
			}
			jobs = append(jobs, Job{Asset: a, Preset: p, OutAbs: abs, RelPath: manifestPath})
		}
	}
	return jobs, nil
}

// RelPath 返回产物相对 outDir 的路径（/ 分隔）。
func RelPath(basename string, p domain.QualityPreset) string {
	name := basename + p.Ext()
	if p.Ladder == domain.LadderGPU {
		return path.Join("ktx2", p.Name, name)
	}
	return path.Join(p.Name, name)
}

// Dirs 返回任务需要的输出目录（去重、排序），由执行阶段预先创建。
func Dirs(jobs []Job) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0, 8)
	for _, j := range jobs {
		d := filepath.Dir(j.OutAbs)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// GroupByAsset 把任务按源图分组（保持计划顺序），执行阶段据此做到“每个源图只解码一次”。
func GroupByAsset(jobs []Job) [][]Job {
	idx := map[string]int{}
	var out [][]Job
	for _, j := range jobs {
		i, ok := idx[j.Asset.Basename]
		if !ok {
			i = len(out)
			idx[j.Asset.Basename] = i
			out = append(out, nil)
		}
		out[i] = append(out[i], j)
	}
	return out
}
