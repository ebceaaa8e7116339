package main

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/John-Robertt/texpipe/internal/app/build"
	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/domain"
)

var _ build.Observer = (*progressUI)(nil)

// progressUI 是交互终端上的构建进度输出。
//
// 所有输出只写到 w（stderr 优先），build 层只发事件。长时间没有条目完成时定期输出一行 keepalive。
type progressUI struct {
	w io.Writer

	mu          sync.Mutex
	startedAt   time.Time
	lastPrinted time.Time

	workers int
	total   int
	done    int
	ok      int
	fail    int

	keepaliveThreshold time.Duration
	tickerInterval     time.Duration

	stopCh        chan struct{}
	tickerStarted bool
}

func newProgressUI(w io.Writer) *progressUI {
	return &progressUI{
		w:                  w,
		keepaliveThreshold: 6 * time.Second,
		tickerInterval:     2 * time.Second,
	}
}

func (p *progressUI) OnStart(eff config.EffectiveConfig, st build.Strategy) {
	now := time.Now()

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.startedAt.IsZero() {
		p.startedAt = now
	}

	fmt.Fprintf(p.w, "[%s] texpipe build (%s)\n", now.Format("15:04:05"), st.Name)
	fmt.Fprintln(p.w, "配置（生效）:")
	if eff.ConfigPath != "" {
		fmt.Fprintf(p.w, "  config: %s\n", eff.ConfigPath)
	}
	fmt.Fprintf(p.w, "  input: %s\n", eff.Input)
	fmt.Fprintf(p.w, "  output: %s\n", eff.Output)
	fmt.Fprintf(p.w, "  asset_root: %s\n", orDash(eff.AssetRoot))
	strategy := st.Name
	if st.Degraded {
		strategy += " (auto 退化：" + truncate(st.Reason, 80) + ")"
	}
	fmt.Fprintf(p.w, "  strategy: %s\n", strategy)
	fmt.Fprintf(p.w, "  ladders: %s\n", ladderList(st))
	fmt.Fprintf(p.w, "  concurrency: %d\n", eff.Concurrency)
	if st.Toktx != "" {
		fmt.Fprintf(p.w, "  toktx: %s\n", st.Toktx)
	}
	fmt.Fprintln(p.w)

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnPhaseDone(name string, fields map[string]any, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch name {
	case "scan":
		fmt.Fprintf(p.w, "扫描: sources=%d unsupported=%d (%s)\n",
			intField(fields, "sources"), intField(fields, "unsupported"), formatShortDuration(dur),
		)
	case "plan":
		fmt.Fprintf(p.w, "规划: assets=%d presets=%d jobs=%d (%s)\n",
			intField(fields, "assets"), intField(fields, "presets"), intField(fields, "jobs"), formatShortDuration(dur),
		)
	case "exec":
		p.workers = intField(fields, "workers")
		p.total = intField(fields, "total_items")
		fmt.Fprintf(p.w, "执行: workers=%d total_items=%d\n\n", p.workers, p.total)
		if p.total > 0 && !p.tickerStarted {
			p.startTickerLocked()
		}
	case "manifest":
		p.stopTickerLocked()
		written := "no"
		if b, _ := fields["written"].(bool); b {
			written = "yes"
		}
		fmt.Fprintf(p.w, "\nmanifest: textures=%d variants=%d written=%s (%s)\n",
			intField(fields, "textures"), intField(fields, "variants"), written, formatShortDuration(dur),
		)
	default:
		fmt.Fprintf(p.w, "%s (%s)\n", name, formatShortDuration(dur))
	}

	p.lastPrinted = time.Now()
}

func (p *progressUI) OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.done = idx
	p.total = total

	label := res.Basename + "/" + res.Ladder + ":" + res.Preset
	switch res.Status {
	case domain.StatusProduced:
		p.ok++
		fmt.Fprintf(p.w, "[%d/%d] %s OK %s %s (%s)\n",
			idx, total, label, formatMB(res.Size), res.Path, formatShortDuration(dur),
		)
	default:
		p.fail++
		fmt.Fprintf(p.w, "[%d/%d] %s FAIL %s: %s (%s)\n",
			idx, total, label, res.ErrorCode, truncate(res.ErrorMsg, 160), formatShortDuration(dur),
		)
	}

	p.lastPrinted = time.Now()

	// 最后一条完成：停止 ticker，避免结束后又冒出 keepalive。
	if p.done >= p.total {
		p.stopTickerLocked()
	}
}

func (p *progressUI) OnProgress(done, total, ok, fail, active int, elapsed time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()

	fmt.Fprintln(p.w, progressLine(done, total, ok, fail, active, elapsed))
	p.lastPrinted = time.Now()
}

// Stop 停止 keepalive（可重复调用）。
func (p *progressUI) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopTickerLocked()
}

func (p *progressUI) stopTickerLocked() {
	if p.tickerStarted {
		close(p.stopCh)
		p.tickerStarted = false
	}
}

func (p *progressUI) startTickerLocked() {
	p.stopCh = make(chan struct{})
	p.tickerStarted = true
	stop := p.stopCh

	interval := p.tickerInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	threshold := p.keepaliveThreshold
	if threshold <= 0 {
		threshold = 6 * time.Second
	}

	go func() {
		t := time.NewTicker(interval)
		defer t.Stop()

		for {
			select {
			case <-t.C:
				p.mu.Lock()
				if p.total > 0 && p.done >= p.total {
					p.mu.Unlock()
					return
				}
				if p.total > 0 && time.Since(p.lastPrinted) > threshold {
					active := min(p.workers, p.total-p.done)
					fmt.Fprintln(p.w, progressLine(p.done, p.total, p.ok, p.fail, active, time.Since(p.startedAt)))
					p.lastPrinted = time.Now()
				}
				p.mu.Unlock()
			case <-stop:
				return
			}
		}
	}()
}

func progressLine(done, total, ok, fail, active int, elapsed time.Duration) string {
	return fmt.Sprintf("进度: done=%d/%d ok=%d fail=%d active=%d elapsed=%s",
		done, total, ok, fail, active, formatElapsed(elapsed),
	)
}

func ladderList(st build.Strategy) string {
	parts := make([]string, 0, len(st.Ladders))
	for _, l := range st.Ladders {
		parts = append(parts, l.Name+"["+strings.Join(l.Names(), ",")+"]")
	}
	if len(parts) == 0 {
		return "-"
	}
	return strings.Join(parts, " ")
}

func orDash(s string) string {
	if strings.TrimSpace(s) == "" {
		return "-"
	}
	return s
}

func truncate(s string, max int) string {
	s = strings.TrimSpace(s)
	if max <= 0 || len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}

func formatShortDuration(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	return fmt.Sprintf("%.1fs", d.Seconds())
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	sec := int(d.Seconds())
	h := sec / 3600
	m := (sec % 3600) / 60
	s := sec % 60
	return fmt.Sprintf("%02d:%02d:%02d", h, m, s)
}

// formatMB 与 manifest 的 sizeMB 同一口径。
func formatMB(n int64) string {
	return domain.Variant{Size: n}.SizeMB() + "MB"
}

func intField(fields map[string]any, key string) int {
	if fields == nil {
		return 0
	}
	switch x := fields[key].(type) {
	case int:
		return x
	case int32:
		return int(x)
	case int64:
		return int(x)
	case uint:
		return int(x)
	case uint32:
		return int(x)
	case uint64:
		return int(x)
	default:
		return 0
	}
}
