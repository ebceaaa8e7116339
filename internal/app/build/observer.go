package build

import (
	"time"

	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/domain"
)

// Observer 把“构建进度/阶段/条目结果”从核心流程中解耦出来。
//
// 约束：
// - build 包只负责发事件，不做任何输出（避免污染 stdout 的 JSON 契约）。
// - Observer 的实现必须并发安全：OnItemDone 可能来自多个 goroutine。
type Observer interface {
	// OnStart 在 ExecuteWithObserver 开始时调用。
	OnStart(eff config.EffectiveConfig, st Strategy)
	// OnPhaseDone 在阶段结束/就绪时调用（scan / plan / exec / manifest）。
	OnPhaseDone(name string, fields map[string]any, dur time.Duration)
	// OnItemDone 在一个 (源图, 档位) 处理完成时调用。
	OnItemDone(idx, total int, res domain.ItemResult, dur time.Duration)
	// OnProgress 用于 keepalive（由 CLI 自己 ticker 触发；build 层不调用）。
	OnProgress(done, total, ok, fail, active int, elapsed time.Duration)
}
