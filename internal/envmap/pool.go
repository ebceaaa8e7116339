package envmap

import (
	"image"
	"sync"
)

// Pool 按尺寸分桶复用 RGBA 缓冲区；并发安全。
type Pool struct {
	mu           sync.Mutex
	buckets      map[poolKey][]*image.RGBA
	maxPerBucket int
}

type poolKey struct {
	w, h int
}

// NewPool 创建缓冲池；maxPerBucket 为 0 表示每桶不限。
func NewPool(maxPerBucket int) *Pool {
	return &Pool{
		buckets:      map[poolKey][]*image.RGBA{},
		maxPerBucket: maxPerBucket,
	}
}

// Get 返回一个 w×h 的清零缓冲区（优先复用）。
func (p *Pool) Get(w, h int) *image.RGBA {
	k := poolKey{w: w, h: h}

	p.mu.Lock()
	bucket := p.buckets[k]
	if n := len(bucket); n > 0 {
		buf := bucket[n-1]
		p.buckets[k] = bucket[:n-1]
		p.mu.Unlock()
		clear(buf.Pix)
		return buf
	}
	p.mu.Unlock()

	return image.NewRGBA(image.Rect(0, 0, w, h))
}

// Put 归还缓冲区；桶满时丢弃。
func (p *Pool) Put(buf *image.RGBA) {
	if buf == nil {
		return
	}
	b := buf.Bounds()
	if b.Min != (image.Point{}) {
		// 子图共享父图内存，不能入池。
		return
	}
	k := poolKey{w: b.Dx(), h: b.Dy()}

	p.mu.Lock()
	defer p.mu.Unlock()
	bucket := p.buckets[k]
	if p.maxPerBucket > 0 && len(bucket) >= p.maxPerBucket {
		return
	}
	p.buckets[k] = append(bucket, buf)
}

// Idle 返回池中空闲缓冲区总数。
func (p *Pool) Idle() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, b := range p.buckets {
		n += len(b)
	}
	return n
}

var defaultPool = NewPool(8)
