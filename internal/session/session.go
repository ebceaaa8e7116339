// Package session 是运行期的唯一所有者：持有资源缓存，按设备档位解析纹理 URL，
// 限制并发加载，解码失败时降档。
package session

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/John-Robertt/texpipe/internal/decode"
	"github.com/John-Robertt/texpipe/internal/device"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/envmap"
	"github.com/John-Robertt/texpipe/internal/manifest"
	"github.com/John-Robertt/texpipe/internal/metrics"
	"github.com/John-Robertt/texpipe/internal/preset"
	"github.com/John-Robertt/texpipe/internal/rescache"
)

var (
	// ErrSuperseded 表示在本次 Show 完成前已有更新的 Show 开始。
	ErrSuperseded = errors.New("session: 请求已被更新的请求取代")
	ErrClosed     = errors.New("session: 已关闭")
)

// Decoder 是 decode.Client 的最小接口。
type Decoder interface {
	Decode(ctx context.Context, url string) (*decode.Bitmap, error)
}

type Options struct {
	Manifest *domain.Manifest
	// Ladder 为空时使用 simple 梯度（其格式可在进程内解码）。
	Ladder  preset.Ladder
	BaseURL string
	Decoder Decoder
	Signals domain.DeviceSignals
	EnvMap  envmap.Options
	// CacheSize 为 0 时使用 rescache.DefaultMaxSize。
	CacheSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
}

// Shown 是一次成功的 Show。EnvMap 归缓存所有，调用方只使用、不释放。
type Shown struct {
	Basename   string         `json:"basename"`
	Requested  string         `json:"requested"`
	Quality    string         `json:"quality"`
	URL        string         `json:"url"`
	Fallback   bool           `json:"fallback"`
	Generation uint64         `json:"generation"`
	Levels     int            `json:"levels"`
	Bytes      int            `json:"bytes"`
	EnvMap     *envmap.EnvMap `json:"-"`
}

type Session struct {
	m       *domain.Manifest
	ladder  preset.Ladder
	base    string
	decoder Decoder
	envOpt  envmap.Options
	log     *slog.Logger
	cache   *rescache.Cache[*envmap.EnvMap]

	mu      sync.Mutex
	profile domain.DeviceProfile
	sem     *semaphore.Weighted
	gen     uint64
	current *Shown
	closed  bool
}

func New(opt Options) (*Session, error) {
	if opt.Manifest == nil {
		return nil, errors.New("session: 缺少 manifest")
	}
	if opt.Decoder == nil {
		return nil, errors.New("session: 缺少 decoder")
	}
	if opt.Ladder.Name == "" {
		opt.Ladder = preset.Simple()
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}

	cache, err := rescache.New[*envmap.EnvMap](rescache.Options{
		MaxSize: opt.CacheSize,
		Logger:  opt.Logger,
		OnEvent: opt.Metrics.RescacheEvent,
	})
	if err != nil {
		return nil, err
	}

	s := &Session{
		m:       opt.Manifest,
		ladder:  opt.Ladder,
		base:    opt.BaseURL,
		decoder: opt.Decoder,
		envOpt:  opt.EnvMap,
		log:     opt.Logger,
		cache:   cache,
	}
	s.UpdateSignals(opt.Signals)
	return s, nil
}

// UpdateSignals 重新分级（并约束到 manifest 声明的档位），并按新的并发上限重建准入信号量。
// 已在进行中的加载继续占用旧信号量。
func (s *Session) UpdateSignals(sig domain.DeviceSignals) domain.DeviceProfile {
	p := device.Classify(sig)
	if s.ladder.Name == domain.LadderSimple {
		p = device.Constrain(p, s.ladder, manifest.Qualities(s.m, s.ladder))
	}
	n := int64(max(1, p.MaxConcurrentLoads))

	s.mu.Lock()
	s.profile = p
	s.sem = semaphore.NewWeighted(n)
	s.mu.Unlock()

	s.log.Debug("设备分级", "tier", p.TierName, "quality", p.SelectedQuality, "max_concurrent_loads", n)
	return p
}

func (s *Session) Profile() domain.DeviceProfile {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.profile
}

// Current 返回最近一次未被取代的 Show 结果。
func (s *Session) Current() *Shown {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

func (s *Session) CacheStats() rescache.Stats { return s.cache.Stats() }

func (s *Session) CacheKeys() []rescache.Key { return s.cache.Keys() }

// Resolve 返回 basename 在当前档位下应加载的变体。
func (s *Session) Resolve(basename string) (manifest.Resolution, error) {
	q := device.QualityFor(s.Profile(), s.ladder.Name)
	return manifest.Resolve(s.m, basename, s.ladder, q)
}

// Show 加载 basename 的预过滤环境贴图：按档位解析 URL，经资源缓存生产；
// fetch/解码失败时降一档重试。期间若有更新的 Show 开始，返回 ErrSuperseded。
func (s *Session) Show(ctx context.Context, basename string) (*Shown, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.gen++
	gen := s.gen
	s.mu.Unlock()

	res, err := s.Resolve(basename)
	if err != nil {
		return nil, err
	}

	staleRetried := false
	for {
		if !s.isCurrent(gen) {
			return nil, ErrSuperseded
		}
		url := manifest.URL(s.base, res.Variant)
		env, err := s.load(ctx, url)
		if err == nil {
			return s.commit(gen, res, url, env)
		}
		// 生产期间被 Invalidate：同一档位重新生产一次。
		if errors.Is(err, rescache.ErrStale) && !staleRetried {
			staleRetried = true
			continue
		}
		if !recoverable(err) {
			return nil, err
		}

		lower, ok := manifest.Lower(s.m, basename, s.ladder, res.Quality)
		if !ok {
			return nil, err
		}
		s.log.Warn("加载失败，降档重试", "basename", basename, "from", res.Quality, "to", lower, "err", err)
		next, rerr := manifest.Resolve(s.m, basename, s.ladder, lower)
		if rerr != nil {
			return nil, err
		}
		next.Requested, next.Fallback = res.Requested, true
		res = next
	}
}

func recoverable(err error) bool {
	return domain.IsCode(err, domain.ErrCodeFetchFailed) || domain.IsCode(err, domain.ErrCodeDecodeFailed)
}

func (s *Session) isCurrent(gen uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gen == gen
}

func (s *Session) commit(gen uint64, res manifest.Resolution, url string, env *envmap.EnvMap) (*Shown, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gen != gen {
		// 资源已在缓存里，留给以后的命中；这里只是不更新 current。
		return nil, ErrSuperseded
	}
	sh := &Shown{
		Basename:   res.Basename,
		Requested:  res.Requested,
		Quality:    res.Quality,
		URL:        url,
		Fallback:   res.Fallback,
		Generation: gen,
		Levels:     env.NumLevels(),
		Bytes:      env.Bytes(),
		EnvMap:     env,
	}
	s.current = sh
	return sh, nil
}

// load 经资源缓存取环境贴图；未命中时在准入信号量下 fetch + 解码 + 预过滤。
func (s *Session) load(ctx context.Context, url string) (*envmap.EnvMap, error) {
	s.mu.Lock()
	sem := s.sem
	s.mu.Unlock()

	key := rescache.Key{Source: url, Processing: s.envOpt.Key()}
	return s.cache.Get(ctx, key, func(pctx context.Context) (*envmap.EnvMap, error) {
		if err := sem.Acquire(pctx, 1); err != nil {
			return nil, err
		}
		defer sem.Release(1)

		bm, err := s.decoder.Decode(pctx, url)
		if err != nil {
			return nil, err
		}
		return envmap.Prefilter(bm.Image, s.envOpt)
	})
}

// Invalidate 丢弃 basename 在当前梯度下所有档位的环境贴图（进行中的生产结果也会被丢弃），
// 返回被移除的条目数。纹理在 origin 上更新后调用，下一次 Show 重新生产。
func (s *Session) Invalidate(basename string) int {
	e, ok := s.m.Textures[basename]
	if !ok {
		return 0
	}
	proc := s.envOpt.Key()
	n := 0
	for _, v := range e.Ladder(s.ladder.Name) {
		k := rescache.Key{Source: manifest.URL(s.base, v), Processing: proc}
		if s.cache.Contains(k) {
			n++
		}
		s.cache.Invalidate(k)
	}

	s.mu.Lock()
	if s.current != nil && s.current.Basename == basename {
		s.current = nil
	}
	s.mu.Unlock()

	s.log.Debug("环境贴图已失效", "basename", basename, "removed", n)
	return n
}

// Close 释放缓存中的全部资源；之后的 Show 返回 ErrClosed。
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.gen++
	s.current = nil
	s.mu.Unlock()

	s.cache.Dispose()
}
