// Package decode 是解码卸载 worker：在独立的 goroutine 上 fetch + 解码纹理，
// 只通过消息与调用方通信。
package decode

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	_ "golang.org/x/image/webp"
	"golang.org/x/sync/semaphore"

	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/metrics"
)

const (
	defaultWorkers   = 2
	defaultQueueSize = 64
)

var ErrClosed = errors.New("decode: worker 已关闭")

type Options struct {
	// HTTP 用于 fetch；为 nil 时使用 http.DefaultClient。
	HTTP *http.Client
	// BaseURL 用来解析相对 URL（例如 manifest 里的 "/textures/processed/..."）。
	BaseURL string
	// Workers 是同时进行的 fetch+decode 数量上限。
	Workers int
	// Progress 可选；发送是非阻塞的，接收方跟不上时进度会被丢弃。
	Progress chan<- Progress
	Logger   *slog.Logger
	Metrics  *metrics.Metrics
}

type Worker struct {
	http     *http.Client
	base     *url.URL
	sem      *semaphore.Weighted
	progress chan<- Progress
	log      *slog.Logger
	metrics  *metrics.Metrics

	out chan Response

	mu       sync.Mutex
	inflight map[string]context.CancelFunc
	closed   bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

func NewWorker(opt Options) (*Worker, error) {
	if opt.Workers <= 0 {
		opt.Workers = defaultWorkers
	}
	if opt.HTTP == nil {
		opt.HTTP = http.DefaultClient
	}
	if opt.Logger == nil {
		opt.Logger = slog.New(slog.DiscardHandler)
	}
	var base *url.URL
	if opt.BaseURL != "" {
		u, err := url.Parse(opt.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("decode: BaseURL 无效：%w", err)
		}
		base = u
	}

	w := &Worker{
		http:     opt.HTTP,
		base:     base,
		sem:      semaphore.NewWeighted(int64(opt.Workers)),
		progress: opt.Progress,
		log:      opt.Logger,
		metrics:  opt.Metrics,
		out:      make(chan Response, defaultQueueSize),
		inflight: map[string]context.CancelFunc{},
	}
	w.ctx, w.cancel = context.WithCancel(context.Background())
	return w, nil
}

// Responses 是唯一的回包通道；Close 后在全部在途请求结束时关闭。
func (w *Worker) Responses() <-chan Response { return w.out }

// Post 投递一条消息，不阻塞等待结果。未知类型被忽略。
func (w *Worker) Post(m Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrClosed
	}

	switch m.Type {
	case TypeDecode:
		if m.Data.ID == "" {
			return errors.New("decode: 缺少 id")
		}
		if _, dup := w.inflight[m.Data.ID]; dup {
			return fmt.Errorf("decode: id 已在处理中：%s", m.Data.ID)
		}
		ctx, cancel := context.WithCancel(w.ctx)
		w.inflight[m.Data.ID] = cancel
		w.wg.Add(1)
		go w.run(ctx, m.Data)
	case TypeCancel:
		if cancel, ok := w.inflight[m.Data.ID]; ok {
			cancel()
		}
	default:
		w.log.Debug("忽略未知消息", "type", m.Type)
	}
	return nil
}

func (w *Worker) run(ctx context.Context, req Request) {
	defer w.wg.Done()

	resp := w.handle(ctx, req)

	w.mu.Lock()
	if cancel, ok := w.inflight[req.ID]; ok {
		cancel()
		delete(w.inflight, req.ID)
	}
	w.mu.Unlock()

	// out 有缓冲；满了就等调用方读，Close 时放弃。
	select {
	case w.out <- resp:
	case <-w.ctx.Done():
		select {
		case w.out <- resp:
		default:
			w.log.Debug("worker 关闭，丢弃回包", "id", req.ID)
		}
	}
}

func (w *Worker) handle(ctx context.Context, req Request) Response {
	if err := w.sem.Acquire(ctx, 1); err != nil {
		return errorResponse(req, domain.NewError(domain.ErrCodeAborted, req.URL, err))
	}
	defer w.sem.Release(1)

	start := time.Now()
	bm, err := w.fetchDecode(ctx, req)
	status := "ok"
	if err != nil {
		status = domain.Code(err)
	}
	w.metrics.ObserveDecode(status, time.Since(start))

	if err != nil {
		w.log.Debug("解码失败", "id", req.ID, "url", req.URL, "err", err)
		return errorResponse(req, err)
	}
	return Response{Type: TypeDecoded, ID: req.ID, URL: req.URL, Bitmap: bm}
}

func errorResponse(req Request, err error) Response {
	return Response{Type: TypeError, ID: req.ID, URL: req.URL, Error: err.Error(), Code: domain.Code(err)}
}

func (w *Worker) resolve(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	if w.base != nil {
		u = w.base.ResolveReference(u)
	}
	return u.String(), nil
}

func (w *Worker) fetchDecode(ctx context.Context, req Request) (*Bitmap, error) {
	aborted := func(err error) error {
		if ctx.Err() != nil {
			return domain.NewError(domain.ErrCodeAborted, req.URL, ctx.Err())
		}
		return err
	}

	target, err := w.resolve(req.URL)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeFetchFailed, req.URL, err)
	}
	hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeFetchFailed, req.URL, err)
	}
	resp, err := w.http.Do(hreq)
	if err != nil {
		return nil, aborted(domain.NewError(domain.ErrCodeFetchFailed, req.URL, err))
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, domain.NewError(domain.ErrCodeFetchFailed, req.URL, fmt.Errorf("HTTP %d", resp.StatusCode))
	}

	body := io.Reader(resp.Body)
	if w.progress != nil {
		body = &progressReader{r: resp.Body, id: req.ID, total: resp.ContentLength, ch: w.progress}
	}
	img, _, err := image.Decode(body)
	if err != nil {
		return nil, aborted(domain.NewError(domain.ErrCodeDecodeFailed, req.URL, err))
	}
	return &Bitmap{Image: toRGBA(img), Source: req.URL}, nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(dst, dst.Bounds(), img, b.Min, draw.Src)
	return dst
}

// Close 停止接收消息、取消在途请求，等待它们结束后关闭 Responses。可重复调用。
func (w *Worker) Close() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	w.wg.Wait()
	close(w.out)
}

type progressReader struct {
	r      io.Reader
	id     string
	loaded int64
	total  int64
	ch     chan<- Progress
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.loaded += int64(n)
		select {
		case p.ch <- Progress{ID: p.id, Loaded: p.loaded, Total: p.total}:
		default:
		}
	}
	return n, err
}
