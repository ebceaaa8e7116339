package swcache

import (
	"io"
	"net/http"

	"github.com/John-Robertt/texpipe/internal/domain"
)

type roundTripper struct{ w *Worker }

func (rt roundTripper) RoundTrip(req *http.Request) (*http.Response, error) {
	return rt.w.Fetch(req)
}

// Transport 让任意 http.Client 经由缓存层取资源（例如解码 worker）。
func (w *Worker) Transport() http.RoundTripper { return roundTripper{w: w} }

// hopHeaders 不转发给客户端。
var hopHeaders = map[string]bool{
	"Connection":        true,
	"Keep-Alive":        true,
	"Transfer-Encoding": true,
	"Content-Length":    true,
}

// ServeHTTP 把缓存层暴露为 HTTP handler。
func (w *Worker) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	resp, err := w.Fetch(r)
	if err != nil {
		http.Error(rw, domain.Code(err)+": "+err.Error(), http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	for k, vs := range resp.Header {
		if hopHeaders[http.CanonicalHeaderKey(k)] {
			continue
		}
		for _, v := range vs {
			rw.Header().Add(k, v)
		}
	}
	rw.WriteHeader(resp.StatusCode)
	if r.Method == http.MethodHead {
		return
	}
	if _, err := io.Copy(rw, resp.Body); err != nil {
		w.log.Debug("写回响应中断", "path", r.URL.Path, "err", err)
	}
}
