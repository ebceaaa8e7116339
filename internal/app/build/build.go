// Package build 实现离线构建流水线：scan → plan → exec → manifest。
package build

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/texpipe/internal/app/planner"
	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/encoder"
	"github.com/John-Robertt/texpipe/internal/infra/fsx"
	"github.com/John-Robertt/texpipe/internal/manifest"
	"github.com/John-Robertt/texpipe/internal/preset"
	"github.com/John-Robertt/texpipe/internal/scan"
)

// ReportFileName 是构建报告在输出目录中的文件名。
const ReportFileName = "report.json"

// Result 是一次构建的结果。
type Result struct {
	Report domain.BuildReport
	// Manifest 只在至少产出一个变体时非 nil。
	Manifest     *domain.Manifest
	ManifestPath string
	ReportPath   string
}

// OK 表示构建成功：至少产出一个变体，且 manifest 已落盘。
func (r Result) OK() bool {
	return r.Report.ProducedAny() && r.ManifestPath != ""
}

// Runner 持有构建需要的依赖；零值可用。
type Runner struct {
	Logger *slog.Logger
	// Now 用于测试固定时间；nil 时使用 time.Now。
	Now func() time.Time
}

// Execute 执行一次构建。单个 (源图, 档位) 的失败只会变成 report 中的一条 failed，不影响其它任务。
func Execute(ctx context.Context, eff config.EffectiveConfig, st Strategy) Result {
	return (&Runner{}).Run(ctx, eff, st, nil)
}

// ExecuteWithObserver 与 Execute 相同，但允许传入 Observer 输出进度/阶段信息。
func ExecuteWithObserver(ctx context.Context, eff config.EffectiveConfig, st Strategy, obs Observer) Result {
	return (&Runner{}).Run(ctx, eff, st, obs)
}

func (r *Runner) Run(ctx context.Context, eff config.EffectiveConfig, st Strategy, obs Observer) Result {
	log := r.Logger
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	now := r.Now
	if now == nil {
		now = time.Now
	}

	if obs != nil {
		obs.OnStart(eff, st)
	}

	res := Result{Report: domain.BuildReport{
		RunID:     uuid.NewString(),
		Input:     eff.Input,
		Output:    eff.Output,
		Strategy:  st.Name,
		StartedAt: now().UTC(),
		Items:     make([]domain.ItemResult, 0, 64),
	}}
	finish := func() Result {
		res.Report.FinishedAt = now().UTC()
		res.Report.Finalize(preset.Order())
		res.ReportPath = r.writeReport(log, eff.Output, res.Report)
		return res
	}

	if st.Degraded {
		log.Warn("toktx 不可用，退化为 simple 策略", "reason", st.Reason)
	}

	// scan
	scanStarted := time.Now()
	sources, err := scan.ScanSources(eff.Input)
	if err != nil {
		res.Report.Items = append(res.Report.Items, syntheticFailed(domain.ErrCodeSourceUnreadable, fmt.Sprintf("扫描失败：%v", err)))
		return finish()
	}
	assets := scan.Supported(sources)
	for _, a := range sources {
		if a.Unsupported != "" {
			res.Report.Items = append(res.Report.Items, domain.ItemResult{
				Original:   a.OriginalFilename,
				Status:     domain.StatusUnsupported,
				ErrorCode:  domain.ErrCodeUnsupportedFormat,
				ErrorMsg:   a.Unsupported,
				SourceSize: a.ByteSize,
			})
		}
	}
	if obs != nil {
		obs.OnPhaseDone("scan", map[string]any{
			"sources":     len(assets),
			"unsupported": len(sources) - len(assets),
		}, time.Since(scanStarted))
	}

	// plan
	planStarted := time.Now()
	presets := st.Presets()
	jobs, err := planner.Plan(assets, presets, eff.Output, eff.AssetRoot)
	if err != nil {
		code := domain.Code(err)
		if code == "" {
			code = domain.ErrCodeWriteFailed
		}
		res.Report.Items = append(res.Report.Items, syntheticFailed(code, fmt.Sprintf("规划失败：%v", err)))
		return finish()
	}
	for _, d := range planner.Dirs(jobs) {
		if err := fsx.EnsureDir(d); err != nil {
			// 该目录下的任务会在写入时各自失败为 write_failed。
			log.Warn("创建输出目录失败", "dir", d, "err", err)
		}
	}
	if obs != nil {
		obs.OnPhaseDone("plan", map[string]any{
			"assets":  len(assets),
			"presets": len(presets),
			"jobs":    len(jobs),
		}, time.Since(planStarted))
	}

	// exec
	workers := eff.Concurrency
	if workers < 1 {
		workers = 1
	}
	if obs != nil {
		obs.OnPhaseDone("exec", map[string]any{
			"workers":     workers,
			"total_items": len(jobs),
		}, 0)
	}
	execStarted := time.Now()
	produced := r.exec(ctx, log, st, jobs, workers, obs, &res.Report)

	// manifest
	manifestStarted := time.Now()
	produced = r.restat(produced, &res.Report)
	if len(produced) > 0 {
		m := manifest.Build(st.Name, now(), toProduced(produced))
		p, err := manifest.Write(eff.Output, m)
		if err != nil {
			log.Error("manifest 写入失败", "err", err)
			res.Report.Items = append(res.Report.Items, syntheticFailed(domain.ErrCodeManifestWriteFailed, err.Error()))
		} else {
			res.Manifest, res.ManifestPath = m, p
		}
	} else {
		log.Error("没有产出任何变体，不写 manifest", "jobs", len(jobs))
	}
	if obs != nil {
		obs.OnPhaseDone("manifest", map[string]any{
			"textures": textureCount(res.Manifest),
			"variants": len(produced),
			"written":  res.ManifestPath != "",
		}, time.Since(manifestStarted))
	}
	log.Info("构建完成", "jobs", len(jobs), "variants", len(produced), "elapsed", time.Since(execStarted))

	return finish()
}

type producedJob struct {
	job     planner.Job
	variant domain.Variant
	item    int // 在 report.Items 中的下标
}

func (r *Runner) exec(ctx context.Context, log *slog.Logger, st Strategy, jobs []planner.Job, workers int, obs Observer, rep *domain.BuildReport) []producedJob {
	enc := encoder.New(st.Toktx, log)
	loaders := newLoaders(jobs)

	var (
		mu       sync.Mutex
		done     int
		produced []producedJob
	)

	var g errgroup.Group
	g.SetLimit(workers)
	for _, j := range jobs {
		g.Go(func() error {
			started := time.Now()
			l := loaders[j.Asset.Basename]
			defer l.release()

			item := domain.ItemResult{
				Basename:   j.Asset.Basename,
				Original:   j.Asset.OriginalFilename,
				Ladder:     j.Preset.Ladder,
				Preset:     j.Preset.Name,
				SourceSize: j.Asset.ByteSize,
			}

			v, err := r.encodeOne(ctx, enc, l, j)
			if err != nil {
				item.Status = domain.StatusFailed
				item.ErrorCode = domain.Code(err)
				if item.ErrorCode == "" {
					item.ErrorCode = domain.ErrCodeEncodeFailed
				}
				item.ErrorMsg = err.Error()
				log.Warn("变体失败", "basename", j.Asset.Basename, "preset", j.Preset.Name, "code", item.ErrorCode, "err", err)
			} else {
				item.Status = domain.StatusProduced
				item.Path = v.Path
				item.Size = v.Size
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Items = append(rep.Items, item)
			if err == nil {
				produced = append(produced, producedJob{job: j, variant: v, item: len(rep.Items) - 1})
			}
			done++
			if obs != nil {
				obs.OnItemDone(done, len(jobs), item, time.Since(started))
			}
			return nil
		})
	}
	_ = g.Wait() // 任务本身从不返回错误

	return produced
}

func (r *Runner) encodeOne(ctx context.Context, enc *encoder.Encoder, l *sourceLoader, j planner.Job) (domain.Variant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Variant{}, domain.NewError(domain.ErrCodeAborted, j.OutAbs, err)
	}
	img, err := l.get()
	if err != nil {
		return domain.Variant{}, err
	}
	return enc.EncodeImage(ctx, img, j.Preset, encoder.Target{Abs: j.OutAbs, Rel: j.RelPath})
}

// restat 在写 manifest 前重新 stat 每个产物：大小不一致或文件消失的变体降级为 write_failed，
// 保证 manifest 中的每一项都对应磁盘上真实存在、大小一致的文件。
func (r *Runner) restat(produced []producedJob, rep *domain.BuildReport) []producedJob {
	out := produced[:0]
	for _, p := range produced {
		fi, err := os.Stat(p.job.OutAbs)
		if err == nil && fi.Size() == p.variant.Size {
			out = append(out, p)
			continue
		}
		it := &rep.Items[p.item]
		it.Status = domain.StatusFailed
		it.ErrorCode = domain.ErrCodeWriteFailed
		if err != nil {
			it.ErrorMsg = fmt.Sprintf("产物在写 manifest 前消失：%v", err)
		} else {
			it.ErrorMsg = fmt.Sprintf("产物大小变化：记录 %d，实际 %d", p.variant.Size, fi.Size())
		}
		it.Path, it.Size = "", 0
	}
	return out
}

func (r *Runner) writeReport(log *slog.Logger, outDir string, rep domain.BuildReport) string {
	b, err := json.MarshalIndent(rep, "", "  ")
	if err != nil {
		log.Warn("report 序列化失败", "err", err)
		return ""
	}
	b = append(b, '\n')
	if err := fsx.WriteFileAtomic(outDir, ReportFileName, b); err != nil {
		log.Warn("report 写入失败", "err", err)
		return ""
	}
	return filepath.Join(outDir, ReportFileName)
}

func toProduced(ps []producedJob) []manifest.Produced {
	out := make([]manifest.Produced, 0, len(ps))
	for _, p := range ps {
		out = append(out, manifest.Produced{Asset: p.job.Asset, Preset: p.job.Preset, Variant: p.variant})
	}
	return out
}

func textureCount(m *domain.Manifest) int {
	if m == nil {
		return 0
	}
	return len(m.Textures)
}

func syntheticFailed(code, msg string) domain.ItemResult {
	return domain.ItemResult{
		Status:    domain.StatusFailed,
		ErrorCode: code,
		ErrorMsg:  msg,
	}
}

// sourceLoader 保证每个源图在一次构建中只解码一次，并在最后一个档位完成后释放像素内存。
type sourceLoader struct {
	path string
	once sync.Once
	img  image.Image
	err  error

	mu        sync.Mutex
	remaining int
}

func newLoaders(jobs []planner.Job) map[string]*sourceLoader {
	out := map[string]*sourceLoader{}
	for _, g := range planner.GroupByAsset(jobs) {
		out[g[0].Asset.Basename] = &sourceLoader{path: g[0].Asset.AbsPath, remaining: len(g)}
	}
	return out
}

func (l *sourceLoader) get() (image.Image, error) {
	l.once.Do(func() {
		l.img, l.err = encoder.Decode(l.path)
	})
	return l.img, l.err
}

func (l *sourceLoader) release() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.remaining--
	if l.remaining <= 0 {
		l.img = nil
	}
}
