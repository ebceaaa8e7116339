// Package envmap 从等距柱状投影的位图生成预过滤环境贴图（一条 box filter mip 链）。
//
// EnvMap 是 rescache 管理的派生资源：缓冲区来自 Pool，Dispose 后归还。
package envmap

import (
	"errors"
	"fmt"
	"image"
	"image/draw"
	"math"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// DefaultSize 是第 0 级宽度（高度为宽度的一半）。
const DefaultSize = 256

var ErrDisposed = errors.New("envmap: 已释放")

type Options struct {
	// Size 是第 0 级宽度；0 表示 DefaultSize。必须为偶数。
	Size int
	// Levels 限制 mip 级数；0 表示一直降到 1 像素高。
	Levels int
	// Pool 为 nil 时使用包级默认池。
	Pool *Pool
}

func (o Options) normalized() Options {
	if o.Size == 0 {
		o.Size = DefaultSize
	}
	if o.Pool == nil {
		o.Pool = defaultPool
	}
	return o
}

// Key 是资源缓存的处理参数部分：同一源、不同 Options 生成不同资源。
func (o Options) Key() string {
	o = o.normalized()
	return fmt.Sprintf("pmrem:%d:%d", o.Size, o.Levels)
}

type EnvMap struct {
	mu       sync.Mutex
	levels   []*image.RGBA
	pool     *Pool
	disposed bool
}

// Prefilter 把 src 缩放到第 0 级，再逐级 2×2 平均降采样。
func Prefilter(src image.Image, opt Options) (*EnvMap, error) {
	if src == nil || src.Bounds().Empty() {
		return nil, errors.New("envmap: 源位图为空")
	}
	opt = opt.normalized()
	if opt.Size < 2 || opt.Size%2 != 0 {
		return nil, fmt.Errorf("envmap: Size 必须是 >= 2 的偶数，实际 %d", opt.Size)
	}
	if opt.Levels < 0 {
		return nil, fmt.Errorf("envmap: Levels 不能为负，实际 %d", opt.Levels)
	}

	w, h := opt.Size, opt.Size/2
	n := 1 + int(math.Floor(math.Log2(float64(h))))
	if opt.Levels > 0 && opt.Levels < n {
		n = opt.Levels
	}

	base := opt.Pool.Get(w, h)
	if src.Bounds().Dx() == w && src.Bounds().Dy() == h {
		draw.Draw(base, base.Bounds(), src, src.Bounds().Min, draw.Src)
	} else {
		xdraw.CatmullRom.Scale(base, base.Bounds(), src, src.Bounds(), xdraw.Src, nil)
	}

	m := &EnvMap{levels: make([]*image.RGBA, n), pool: opt.Pool}
	m.levels[0] = base
	for i := 1; i < n; i++ {
		m.levels[i] = downsample(opt.Pool, m.levels[i-1])
	}
	return m, nil
}

// downsample 用 2×2 box filter 生成半尺寸图（奇数边夹取到边缘）。
func downsample(pool *Pool, src *image.RGBA) *image.RGBA {
	sw, sh := src.Rect.Dx(), src.Rect.Dy()
	dw, dh := max(1, sw/2), max(1, sh/2)
	dst := pool.Get(dw, dh)

	for dy := 0; dy < dh; dy++ {
		sy0, sy1 := dy*2, min(dy*2+1, sh-1)
		for dx := 0; dx < dw; dx++ {
			sx0, sx1 := dx*2, min(dx*2+1, sw-1)
			p0 := src.PixOffset(sx0, sy0)
			p1 := src.PixOffset(sx1, sy0)
			p2 := src.PixOffset(sx0, sy1)
			p3 := src.PixOffset(sx1, sy1)
			d := dst.PixOffset(dx, dy)
			for c := 0; c < 4; c++ {
				sum := uint16(src.Pix[p0+c]) + uint16(src.Pix[p1+c]) + uint16(src.Pix[p2+c]) + uint16(src.Pix[p3+c])
				dst.Pix[d+c] = byte(sum / 4)
			}
		}
	}
	return dst
}

// NumLevels 返回 mip 级数；释放后为 0。
func (m *EnvMap) NumLevels() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return 0
	}
	return len(m.levels)
}

// Level 返回第 n 级（0 为最高分辨率）。返回的图在 Dispose 后不可再用。
func (m *EnvMap) Level(n int) (*image.RGBA, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return nil, ErrDisposed
	}
	if n < 0 || n >= len(m.levels) {
		return nil, fmt.Errorf("envmap: level %d 越界 [0,%d)", n, len(m.levels))
	}
	return m.levels[n], nil
}

// Bytes 返回各级像素总字节数。
func (m *EnvMap) Bytes() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, l := range m.levels {
		total += len(l.Pix)
	}
	return total
}

// Disposed 报告是否已释放。
func (m *EnvMap) Disposed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disposed
}

// Dispose 把全部缓冲区归还池；可重复调用。
func (m *EnvMap) Dispose() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.disposed {
		return
	}
	m.disposed = true
	for i, l := range m.levels {
		m.pool.Put(l)
		m.levels[i] = nil
	}
	m.levels = nil
}
