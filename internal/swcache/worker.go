// Package swcache 是浏览器资源缓存层（service worker 语义）的服务端实现：
// 版本化的具名缓存、安装期预缓存、激活期清理旧版本、按路由选择 cache-first / network-first。
package swcache

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/metrics"
)

// MessageCacheTextures 让缓存层后台预取一批纹理。
const MessageCacheTextures = "CACHE_TEXTURES"

const (
	defaultBaseURL             = "http://localhost"
	defaultPrefetchConcurrency = 4
)

// 请求来源（metrics 的 source 标签）。
const (
	SourceCache    = "cache"
	SourceNetwork  = "network"
	SourceFallback = "fallback"
	SourceError    = "error"
)

// Message 是 页面 → 缓存层 的消息：{type:"CACHE_TEXTURES", textures:[...]}。无回包。
type Message struct {
	Type     string   `json:"type"`
	Textures []string `json:"textures,omitempty"`
}

type Config struct {
	Prefix  string
	Version string
	// StaticURLs 是安装期预缓存的 origin 内路径（以 "/" 开头）。
	StaticURLs []string
	// EntryHTML 非空时，安装期额外预缓存它及其中的同源 script/link/img 引用。
	EntryHTML string
	// Origin 是真正的网络；必填。
	Origin http.RoundTripper
	// BaseURL 是 origin 的地址，用来构造 origin 请求和判断同源。
	BaseURL             string
	PrefetchConcurrency int
	Logger              *slog.Logger
	Metrics             *metrics.Metrics
}

type Worker struct {
	cfg     Config
	base    *url.URL
	log     *slog.Logger
	metrics *metrics.Metrics

	storage      *Storage
	staticStore  *Store
	textureStore *Store
	runtimeStore *Store

	mu     sync.Mutex
	static map[string]bool

	bg       sync.WaitGroup
	lifetime context.Context
	cancel   context.CancelFunc
}

// New 打开当前版本的三个缓存。Storage 的生命周期归调用方。
func New(ctx context.Context, storage *Storage, cfg Config) (*Worker, error) {
	if storage == nil {
		return nil, errors.New("swcache: storage 为空")
	}
	if cfg.Origin == nil {
		return nil, errors.New("swcache: 缺少 origin")
	}
	if strings.TrimSpace(cfg.Prefix) == "" || strings.TrimSpace(cfg.Version) == "" {
		return nil, errors.New("swcache: prefix 与 version 必填")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.PrefetchConcurrency <= 0 {
		cfg.PrefetchConcurrency = defaultPrefetchConcurrency
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.DiscardHandler)
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("swcache: BaseURL 无效：%q", cfg.BaseURL)
	}

	w := &Worker{
		cfg:     cfg,
		base:    base,
		log:     cfg.Logger,
		metrics: cfg.Metrics,
		storage: storage,
		static:  map[string]bool{},
	}
	for _, u := range cfg.StaticURLs {
		w.static[u] = true
	}
	names := w.StoreNames()
	stores := []**Store{&w.staticStore, &w.textureStore, &w.runtimeStore}
	for i, n := range names {
		st, err := storage.Open(ctx, n)
		if err != nil {
			return nil, err
		}
		*stores[i] = st
	}
	w.lifetime, w.cancel = context.WithCancel(context.Background())
	return w, nil
}

// StoreNames 返回当前版本的缓存名：static、textures、runtime。
func (w *Worker) StoreNames() []string {
	p, v := w.cfg.Prefix, w.cfg.Version
	return []string{
		p + "-static-" + v,
		p + "-textures-" + v,
		p + "-runtime-" + v,
	}
}

func (w *Worker) isStatic(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.static[key]
}

// Activate 删除所有不属于当前版本的缓存，返回被删除的名字。
func (w *Worker) Activate(ctx context.Context) ([]string, error) {
	current := map[string]bool{}
	for _, n := range w.StoreNames() {
		current[n] = true
	}
	names, err := w.storage.Names(ctx)
	if err != nil {
		return nil, err
	}

	var deleted []string
	for _, n := range names {
		if current[n] {
			continue
		}
		if _, err := w.storage.Delete(ctx, n); err != nil {
			return deleted, err
		}
		deleted = append(deleted, n)
	}
	sort.Strings(deleted)
	if len(deleted) > 0 {
		w.log.Info("已清理旧版本缓存", "deleted", deleted)
	}
	return deleted, nil
}

func (w *Worker) resolve(key string) *url.URL {
	ref, err := url.Parse(key)
	if err != nil {
		return w.base.JoinPath(key)
	}
	return w.base.ResolveReference(ref)
}

func ok2xx(code int) bool { return code >= 200 && code <= 299 }

// partialHeaders 会让 origin 返回部分或空的响应体（206/304），不能作为完整条目入缓存。
var partialHeaders = []string{"Range", "If-Range", "If-None-Match", "If-Modified-Since", "If-Match", "If-Unmodified-Since"}

// fullHeader 去掉 partialHeaders 后的请求头。缓存路由总是向 origin 取完整响应体，
// 带 Range 的请求得到完整的 200（服务端可以忽略 Range）。
func fullHeader(h http.Header) http.Header {
	out := h.Clone()
	for _, k := range partialHeaders {
		out.Del(k)
	}
	return out
}

// network 把 origin 内的 key 发往 origin。
func (w *Worker) network(ctx context.Context, method, key string, header http.Header, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, w.resolve(key).String(), body)
	if err != nil {
		return nil, err
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	return w.cfg.Origin.RoundTrip(req)
}

// Fetch 按路由处理一次请求。请求 URL 的 host 被忽略：缓存层只面向一个 origin。
func (w *Worker) Fetch(req *http.Request) (*http.Response, error) {
	ctx := req.Context()
	key := requestKey(req.URL)
	route := w.classify(req.Method, key, req.URL.Path)

	var (
		resp   *http.Response
		source string
		err    error
	)
	switch route {
	case RoutePassthrough:
		resp, err = w.network(ctx, req.Method, key, req.Header, req.Body)
		source = SourceNetwork
	case RouteStatic:
		resp, source, err = w.cacheFirst(ctx, w.staticStore, req, key)
	case RouteTexture:
		resp, source, err = w.cacheFirst(ctx, w.textureStore, req, key)
	default:
		resp, source, err = w.networkFirst(ctx, req, key)
	}
	if err != nil {
		source = SourceError
	}
	w.metrics.SwcacheRequest(string(route), source)
	w.log.Debug("swcache fetch", "method", req.Method, "key", key, "route", route, "source", source)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeFetchFailed, key, err)
	}
	return resp, nil
}

// cacheFirst：命中直接返回；未命中走网络，200 的响应存一份再返回。
func (w *Worker) cacheFirst(ctx context.Context, st *Store, req *http.Request, key string) (*http.Response, string, error) {
	if e, ok, err := st.Match(ctx, key); err != nil {
		w.log.Warn("读取缓存失败，改走网络", "store", st.Name(), "key", key, "err", err)
	} else if ok {
		return e.Response(req), SourceCache, nil
	}

	resp, err := w.network(ctx, http.MethodGet, key, fullHeader(req.Header), nil)
	if err != nil {
		return nil, "", err
	}
	if resp.StatusCode != http.StatusOK {
		return resp, SourceNetwork, nil
	}
	resp, err = w.store(ctx, st, key, resp)
	return resp, SourceNetwork, err
}

// networkFirst：优先网络；网络不可达或 5xx 时回退到当前版本任一缓存中的副本。
func (w *Worker) networkFirst(ctx context.Context, req *http.Request, key string) (*http.Response, string, error) {
	resp, err := w.network(ctx, http.MethodGet, key, fullHeader(req.Header), nil)
	if err == nil && resp.StatusCode < 500 {
		if resp.StatusCode == http.StatusOK {
			resp, err = w.store(ctx, w.runtimeStore, key, resp)
			return resp, SourceNetwork, err
		}
		return resp, SourceNetwork, nil
	}

	for _, st := range []*Store{w.runtimeStore, w.staticStore, w.textureStore} {
		if e, ok, merr := st.Match(ctx, key); merr == nil && ok {
			if resp != nil {
				resp.Body.Close()
			}
			return e.Response(req), SourceFallback, nil
		}
	}
	if err != nil {
		return nil, "", err
	}
	return resp, SourceNetwork, nil
}

// store 读出响应体写入缓存，并返回一个等价的新响应。写缓存失败不影响返回。
func (w *Worker) store(ctx context.Context, st *Store, key string, resp *http.Response) (*http.Response, error) {
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		return nil, err
	}
	e := Entry{URL: key, Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}
	if err := st.Put(ctx, e); err != nil {
		w.log.Warn("写入缓存失败", "store", st.Name(), "key", key, "err", err)
	}
	resp.Body = io.NopCloser(bytes.NewReader(body))
	resp.ContentLength = int64(len(body))
	return resp, nil
}

// HandleMessage 处理页面消息，立即返回；未知类型被忽略。
func (w *Worker) HandleMessage(m Message) {
	switch m.Type {
	case MessageCacheTextures:
		if w.lifetime.Err() != nil {
			return
		}
		w.bg.Add(1)
		go func() {
			defer w.bg.Done()
			n, err := w.Prefetch(w.lifetime, m.Textures)
			if err != nil {
				w.log.Warn("纹理预取未全部成功", "fetched", n, "err", err)
				return
			}
			w.log.Debug("纹理预取完成", "fetched", n)
		}()
	default:
		w.log.Debug("忽略未知消息", "type", m.Type)
	}
}

// Prefetch 把 urls 预取进纹理缓存（已缓存的跳过，跨域的忽略），返回新写入的条数。
// 单个失败不影响其它 URL，错误合并返回。
func (w *Worker) Prefetch(ctx context.Context, urls []string) (int, error) {
	var (
		mu      sync.Mutex
		fetched int
		errs    []error
	)
	g := new(errgroup.Group)
	g.SetLimit(w.cfg.PrefetchConcurrency)
	for _, raw := range urls {
		u, err := url.Parse(raw)
		if err != nil {
			continue
		}
		if u.Host != "" && !sameOrigin(u, w.base) {
			continue
		}
		key := requestKey(w.base.ResolveReference(u))
		g.Go(func() error {
			if _, ok, err := w.textureStore.Match(ctx, key); err == nil && ok {
				return nil
			}
			e, err := w.fetchEntry(ctx, key)
			if err == nil {
				err = w.textureStore.Put(ctx, *e)
			}
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("%s：%w", key, err))
				return nil
			}
			fetched++
			return nil
		})
	}
	_ = g.Wait()
	return fetched, errors.Join(errs...)
}

// Wait 等待后台预取结束。
func (w *Worker) Wait() { w.bg.Wait() }

// Close 取消后台预取并等待其结束。Storage 不在这里关闭。
func (w *Worker) Close() {
	w.cancel()
	w.bg.Wait()
}
