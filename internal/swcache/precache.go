package swcache

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/sync/errgroup"
)

// discoverSelectors 是入口 HTML 中会被预缓存的引用。
var discoverSelectors = []struct {
	sel  string
	attr string
}{
	{"script[src]", "src"},
	{"link[href]", "href"},
	{"img[src]", "src"},
}

// Discover 解析入口 HTML，返回同源引用的 key（path+query），按出现顺序去重。
func Discover(r io.Reader, page *url.URL) ([]string, error) {
	doc, err := goquery.NewDocumentFromReader(r)
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var out []string
	for _, d := range discoverSelectors {
		doc.Find(d.sel).Each(func(_ int, s *goquery.Selection) {
			raw, ok := s.Attr(d.attr)
			raw = strings.TrimSpace(raw)
			if !ok || raw == "" || strings.HasPrefix(raw, "#") {
				return
			}
			ref, err := url.Parse(raw)
			if err != nil {
				return
			}
			abs := page.ResolveReference(ref)
			if !sameOrigin(abs, page) {
				return
			}
			k := requestKey(abs)
			if !seen[k] {
				seen[k] = true
				out = append(out, k)
			}
		})
	}
	return out, nil
}

func sameOrigin(u, base *url.URL) bool {
	return strings.EqualFold(u.Scheme, base.Scheme) && strings.EqualFold(u.Host, base.Host)
}

// requestKey 是缓存条目的 key：origin 内的 path + query。
func requestKey(u *url.URL) string {
	k := u.EscapedPath()
	if k == "" {
		k = "/"
	}
	if u.RawQuery != "" {
		k += "?" + u.RawQuery
	}
	return k
}

// precacheList 是配置的静态 URL 加上从入口 HTML 发现的引用（入口自身也计入）。
func (w *Worker) precacheList(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	var out []string
	add := func(k string) {
		if !seen[k] {
			seen[k] = true
			out = append(out, k)
		}
	}
	for _, u := range w.cfg.StaticURLs {
		add(u)
	}
	if w.cfg.EntryHTML == "" {
		return out, nil
	}

	add(w.cfg.EntryHTML)
	resp, err := w.network(ctx, http.MethodGet, w.cfg.EntryHTML, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("swcache: 获取入口 HTML 失败：%w", err)
	}
	defer resp.Body.Close()
	if !ok2xx(resp.StatusCode) {
		return nil, fmt.Errorf("swcache: 获取入口 HTML 失败：%s：HTTP %d", w.cfg.EntryHTML, resp.StatusCode)
	}
	refs, err := Discover(resp.Body, w.resolve(w.cfg.EntryHTML))
	if err != nil {
		return nil, fmt.Errorf("swcache: 解析入口 HTML 失败：%w", err)
	}
	for _, k := range refs {
		add(k)
	}
	return out, nil
}

// Install 预缓存全部静态资源，要么全部成功写入，要么一个都不写入。返回已缓存的 key。
func (w *Worker) Install(ctx context.Context) ([]string, error) {
	keys, err := w.precacheList(ctx)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, len(keys))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.PrefetchConcurrency)
	for i, k := range keys {
		g.Go(func() error {
			e, err := w.fetchEntry(gctx, k)
			if err != nil {
				return fmt.Errorf("swcache: 预缓存失败：%s：%w", k, err)
			}
			entries[i] = *e
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	if err := w.staticStore.PutAll(ctx, entries); err != nil {
		return nil, err
	}
	w.mu.Lock()
	for _, k := range keys {
		w.static[k] = true
	}
	w.mu.Unlock()

	w.log.Info("静态资源预缓存完成", "store", w.staticStore.Name(), "count", len(keys))
	return keys, nil
}

// fetchEntry 从网络取回 key 的完整响应；非 2xx 视为失败。
func (w *Worker) fetchEntry(ctx context.Context, key string) (*Entry, error) {
	resp, err := w.network(ctx, http.MethodGet, key, nil, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !ok2xx(resp.StatusCode) {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	return &Entry{URL: key, Status: resp.StatusCode, Header: resp.Header.Clone(), Body: body}, nil
}
