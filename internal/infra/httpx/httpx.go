// Package httpx 提供访问远端源站的 RoundTripper（固定 UA、可选代理、有界重试）。
package httpx

import (
	"errors"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultRetryMax = 2

	// DefaultUserAgent 是未显式设置 UA 时使用的值。
	DefaultUserAgent = "texpipe/1.0"
)

// Transport 把“UA + keep-alive 策略 + 有界重试”固化为统一策略。
//
// 上层（swcache / decode）只关心 URL 和响应，不关心网络策略细节。
type Transport struct {
	Base http.RoundTripper

	UserAgent string

	// RetryMax 表示最大重试次数（不含首次尝试）。例如 2 表示最多 3 次尝试。
	RetryMax int

	// Backoff 是两次尝试之间的等待；0 表示立即重试。
	Backoff time.Duration

	// DisableKeepAlives 决定是否对 Request 设置 Close=true。
	DisableKeepAlives bool
}

// retryableStatus 是值得重试的网关类响应。
func retryableStatus(code int) bool {
	switch code {
	case http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	default:
		return false
	}
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req == nil {
		return nil, errors.New("nil request")
	}
	if t.Base == nil {
		return nil, errors.New("nil base transport")
	}

	// 只对“可重放”的请求做重试：GET/HEAD 且无 body。
	canRetry := (req.Method == http.MethodGet || req.Method == http.MethodHead) && (req.Body == nil || req.Body == http.NoBody)
	max := t.RetryMax
	if max < 0 || !canRetry {
		max = 0
	}
	ua := t.UserAgent
	if ua == "" {
		ua = DefaultUserAgent
	}

	var lastErr error
	var lastResp *http.Response
	for attempt := 0; attempt <= max; attempt++ {
		if attempt > 0 && !t.wait(req) {
			break
		}
		r := req.Clone(req.Context())
		if r.Header.Get("User-Agent") == "" {
			r.Header.Set("User-Agent", ua)
		}
		if t.DisableKeepAlives {
			r.Close = true
		}

		if lastResp != nil {
			drain(lastResp)
			lastResp = nil
		}
		resp, err := t.Base.RoundTrip(r)
		if err != nil {
			lastErr = err
			if req.Context().Err() != nil {
				return nil, lastErr
			}
			continue
		}
		if retryableStatus(resp.StatusCode) && attempt < max {
			lastResp = resp
			continue
		}
		return resp, nil
	}
	if lastResp != nil {
		// 已用完重试：把最后一次网关错误原样交给调用方。
		return lastResp, nil
	}
	return nil, lastErr
}

func (t *Transport) wait(req *http.Request) bool {
	if t.Backoff <= 0 {
		return req.Context().Err() == nil
	}
	timer := time.NewTimer(t.Backoff)
	defer timer.Stop()
	select {
	case <-timer.C:
		return true
	case <-req.Context().Done():
		return false
	}
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	_ = resp.Body.Close()
}

// NewOriginTransport 构造访问远端源站的 RoundTripper（不带总超时，超时交给请求 ctx）。
//
// 规则：
// - proxyURL 非空：走代理，且禁用 keep-alive（每请求新连接）
// - 固定 UA，有界重试
func NewOriginTransport(proxyURL string) (*Transport, error) {
	base := &http.Transport{
		Proxy:                 nil,
		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
	}
	disableKeepAlives := false

	proxyURL = strings.TrimSpace(proxyURL)
	if proxyURL != "" {
		u, err := url.Parse(proxyURL)
		if err != nil {
			return nil, err
		}
		base.Proxy = http.ProxyURL(u)
		base.DisableKeepAlives = true
		disableKeepAlives = true
	}

	return &Transport{
		Base:              base,
		UserAgent:         DefaultUserAgent,
		RetryMax:          defaultRetryMax,
		Backoff:           200 * time.Millisecond,
		DisableKeepAlives: disableKeepAlives,
	}, nil
}
