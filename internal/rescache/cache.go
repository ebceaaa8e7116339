// Package rescache 是一个固定容量、LRU 顺序、负责释放被淘汰资源的派生资源缓存。
//
// 缓存是资源的唯一所有者：调用方只“停止使用”资源，从不直接 Dispose；
// 资源只会在淘汰、Invalidate 或 Cache.Dispose 时被释放。
package rescache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/singleflight"

	"github.com/John-Robertt/texpipe/internal/domain"
)

// DefaultMaxSize 是默认容量。
const DefaultMaxSize = 5

var (
	// ErrClosed 表示缓存已 Dispose。
	ErrClosed = errors.New("rescache: 缓存已关闭")
	// ErrStale 表示生产期间该 key 被 Invalidate，结果已被丢弃并释放。
	ErrStale = errors.New("rescache: 结果已过期")
)

// 事件名（见 Options.OnEvent）。
const (
	EventHit              = "hit"
	EventMiss             = "miss"
	EventEvict            = "evict"
	EventDispose          = "dispose"
	EventProductionFailed = "production_failed"
	EventStale            = "stale"
)

// Resource 是持有非 GC 句柄的派生资源；Dispose 只会被缓存调用一次。
type Resource interface {
	Dispose()
}

// Key 标识源内容 + 影响派生结果的处理参数；同一源不同参数是不同的 key。
type Key struct {
	Source     string
	Processing string
}

func (k Key) String() string {
	return k.Source + "|" + k.Processing
}

// ProduceFunc 生产一个派生资源。ctx 跟随缓存生命周期，而不是某个调用方。
type ProduceFunc[R Resource] func(ctx context.Context) (R, error)

type Options struct {
	MaxSize int
	Logger  *slog.Logger
	// OnEvent 在每个事件后调用（持锁调用，不能回调缓存）；entries 是事件发生后的条目数。
	OnEvent func(event string, entries int)
}

// Stats 是累计计数。
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
	Disposals uint64 `json:"disposals"`
	Failures  uint64 `json:"failures"`
	Stale     uint64 `json:"stale"`
}

type Cache[R Resource] struct {
	log     *slog.Logger
	onEvent func(string, int)

	mu     sync.Mutex
	lru    *simplelru.LRU[Key, R]
	gens   map[Key]uint64
	closed bool
	stats  Stats
	// removal 标明当前这次 onEvict 的原因（持 mu 时设置）。
	removal string

	group    singleflight.Group
	inflight sync.WaitGroup

	lifetime context.Context
	cancel   context.CancelFunc
}

func New[R Resource](opt Options) (*Cache[R], error) {
	if opt.MaxSize == 0 {
		opt.MaxSize = DefaultMaxSize
	}
	if opt.MaxSize < 0 {
		return nil, fmt.Errorf("rescache: MaxSize 必须 >= 1，实际 %d", opt.MaxSize)
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}

	c := &Cache[R]{
		log:     opt.Logger,
		onEvent: opt.OnEvent,
		gens:    map[Key]uint64{},
		removal: EventEvict,
	}
	lru, err := simplelru.NewLRU[Key, R](opt.MaxSize, c.onEvicted)
	if err != nil {
		return nil, err
	}
	c.lru = lru
	c.lifetime, c.cancel = context.WithCancel(context.Background())
	return c, nil
}

// onEvicted 由 simplelru 在持 mu 期间回调：先释放资源，移除才算完成。
func (c *Cache[R]) onEvicted(k Key, r R) {
	r.Dispose()
	switch c.removal {
	case EventEvict:
		c.stats.Evictions++
	default:
		c.stats.Disposals++
	}
	c.log.Debug("释放派生资源", "key", k.String(), "reason", c.removal)
	c.emitLocked(c.removal)
}

func (c *Cache[R]) emitLocked(event string) {
	if c.onEvent != nil {
		c.onEvent(event, c.lru.Len())
	}
}

// Get 命中时把条目移到 MRU 并原样返回；未命中时调用 produce 生产、插入 MRU 并执行容量约束。
//
// 同一 key 的并发未命中只会有一次生产，其余调用方共享结果；不同 key 互不阻塞。
// ctx 只控制“当前调用方等多久”：放弃等待不会取消共享的生产，生产结果仍会入缓存。
// 生产失败返回 cache_production_failed，且不会插入、不占容量。
func (c *Cache[R]) Get(ctx context.Context, key Key, produce ProduceFunc[R]) (R, error) {
	var zero R

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return zero, ErrClosed
	}
	if r, ok := c.lru.Get(key); ok {
		c.stats.Hits++
		c.emitLocked(EventHit)
		c.mu.Unlock()
		return r, nil
	}
	c.stats.Misses++
	c.emitLocked(EventMiss)
	// 持锁加入 singleflight：看到未命中的调用方一定会加入正在进行的同 key 生产。
	ch := c.group.DoChan(key.String(), func() (any, error) {
		return c.produce(key, produce)
	})
	c.mu.Unlock()

	select {
	case res := <-ch:
		if res.Err != nil {
			return zero, res.Err
		}
		return res.Val.(R), nil
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

func (c *Cache[R]) produce(key Key, produce ProduceFunc[R]) (any, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	// 上一轮生产可能刚刚插入：此时直接复用，避免同 key 双份资源，并把这次查找记为命中。
	if r, ok := c.lru.Get(key); ok {
		c.stats.Misses--
		c.stats.Hits++
		c.emitLocked(EventHit)
		c.mu.Unlock()
		return r, nil
	}
	gen := c.gens[key]
	c.inflight.Add(1)
	c.mu.Unlock()
	defer c.inflight.Done()

	r, err := produce(c.lifetime)
	if err != nil {
		c.mu.Lock()
		c.stats.Failures++
		c.emitLocked(EventProductionFailed)
		c.mu.Unlock()
		c.log.Warn("派生资源生产失败", "key", key.String(), "err", err)
		return nil, domain.NewError(domain.ErrCodeCacheProductionFailed, key.String(), err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.gens[key] != gen {
		// 过期结果：只释放，不覆盖更新的请求产生的条目。
		r.Dispose()
		c.stats.Stale++
		c.emitLocked(EventStale)
		if c.closed {
			return nil, ErrClosed
		}
		return nil, ErrStale
	}
	c.removal = EventEvict
	c.lru.Add(key, r)
	return r, nil
}

// Invalidate 移除并释放 key 的条目，并让进行中的同 key 生产过期（其结果到达时被释放而不是插入）。
func (c *Cache[R]) Invalidate(key Key) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.gens[key]++
	c.group.Forget(key.String())
	c.removal = EventDispose
	c.lru.Remove(key)
	c.removal = EventEvict
}

// Dispose 释放全部条目并清空缓存，之后的 Get 返回 ErrClosed。
// 会等待进行中的生产结束（它们的结果会被直接释放）。可重复调用。
func (c *Cache[R]) Dispose() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.cancel()
	c.removal = EventDispose
	c.lru.Purge()
	c.removal = EventEvict
	c.mu.Unlock()

	c.inflight.Wait()
}

// Len 返回当前条目数（永远 <= MaxSize）。
func (c *Cache[R]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Keys 按 LRU → MRU 返回当前 key。
func (c *Cache[R]) Keys() []Key {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Keys()
}

// Contains 判断 key 是否在缓存中（不更新 recency）。
func (c *Cache[R]) Contains(key Key) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Contains(key)
}

func (c *Cache[R]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
