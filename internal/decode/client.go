package decode

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/John-Robertt/texpipe/internal/domain"
)

// Client 在 Worker 之上提供“一次调用 = 一个结果”的 API，按 id 关联乱序回包。
// 一个 Worker 只能挂一个 Client（它独占 Responses）。
type Client struct {
	w   *Worker
	log *slog.Logger

	mu      sync.Mutex
	pending map[string]chan Response
	closed  bool
	done    chan struct{}
}

func NewClient(w *Worker, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &Client{
		w:       w,
		log:     logger,
		pending: map[string]chan Response{},
		done:    make(chan struct{}),
	}
	go c.dispatch()
	return c
}

func (c *Client) dispatch() {
	defer close(c.done)
	for resp := range c.w.Responses() {
		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		delete(c.pending, resp.ID)
		c.mu.Unlock()
		if !ok {
			// 调用方已放弃：丢弃迟到的结果，位图交给 GC。
			c.log.Debug("丢弃迟到回包", "id", resp.ID, "type", resp.Type)
			continue
		}
		ch <- resp
	}

	c.mu.Lock()
	c.closed = true
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	c.mu.Unlock()
}

// Decode fetch 并解码 url。ctx 取消时向 worker 发送 cancel 并立即返回 ctx.Err()。
// 失败返回带 fetch_failed / decode_failed / aborted 的 *domain.Error。
func (c *Client) Decode(ctx context.Context, url string) (*Bitmap, error) {
	id := uuid.NewString()
	ch := make(chan Response, 1)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrClosed
	}
	c.pending[id] = ch
	c.mu.Unlock()

	if err := c.w.Post(Message{Type: TypeDecode, Data: Request{URL: url, ID: id}}); err != nil {
		c.forget(id)
		return nil, err
	}

	select {
	case resp, ok := <-ch:
		if !ok {
			return nil, ErrClosed
		}
		if resp.Type == TypeDecoded {
			return resp.Bitmap, nil
		}
		code := resp.Code
		if code == "" {
			code = domain.ErrCodeDecodeFailed
		}
		return nil, domain.NewError(code, resp.URL, errors.New(resp.Error))
	case <-ctx.Done():
		c.forget(id)
		_ = c.w.Post(Message{Type: TypeCancel, Data: Request{ID: id}})
		return nil, ctx.Err()
	}
}

func (c *Client) forget(id string) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Pending 返回尚未收到回包的请求数。
func (c *Client) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Close 关闭底层 Worker 并等待分发结束。
func (c *Client) Close() {
	c.w.Close()
	<-c.done
}
