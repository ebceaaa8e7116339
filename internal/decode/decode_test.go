package decode

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/texpipe/internal/domain"
)

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewNRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.NRGBA{R: 10, G: 20, B: 30, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

// newOrigin 提供：/a.png 正常，/slow.png 等待 release 或请求取消，/missing.png 404，/garbage.png 非图片。
func newOrigin(t *testing.T, release <-chan struct{}) *httptest.Server {
	t.Helper()
	good := pngBytes(t, 8, 4)
	mux := http.NewServeMux()
	mux.HandleFunc("/a.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(good)
	})
	mux.HandleFunc("/slow.png", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
			_, _ = w.Write(good)
		case <-r.Context().Done():
		}
	})
	mux.HandleFunc("/garbage.png", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("not an image"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func recv(t *testing.T, w *Worker) Response {
	t.Helper()
	select {
	case r := <-w.Responses():
		return r
	case <-time.After(5 * time.Second):
		t.Fatal("等待回包超时")
		return Response{}
	}
}

func TestWorker_DecodedCarriesIDAndBitmap(t *testing.T) {
	srv := newOrigin(t, nil)
	w, err := NewWorker(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/a.png", ID: "1"}}))
	r := recv(t, w)
	assert.Equal(t, TypeDecoded, r.Type)
	assert.Equal(t, "1", r.ID)
	require.NotNil(t, r.Bitmap)
	assert.Equal(t, 8, r.Bitmap.Width())
	assert.Equal(t, 4, r.Bitmap.Height())
	assert.Equal(t, color.RGBA{R: 10, G: 20, B: 30, A: 255}, r.Bitmap.Image.RGBAAt(3, 2))
}

func TestWorker_ResponsesArriveInCompletionOrder(t *testing.T) {
	release := make(chan struct{})
	srv := newOrigin(t, release)
	w, err := NewWorker(Options{BaseURL: srv.URL, Workers: 2})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/slow.png", ID: "slow"}}))
	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/a.png", ID: "fast"}}))

	assert.Equal(t, "fast", recv(t, w).ID)
	close(release)
	assert.Equal(t, "slow", recv(t, w).ID)
}

func TestWorker_FailuresAreReportedWithID(t *testing.T) {
	srv := newOrigin(t, nil)
	w, err := NewWorker(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/missing.png", ID: "m"}}))
	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/garbage.png", ID: "g"}}))

	got := map[string]Response{}
	for i := 0; i < 2; i++ {
		r := recv(t, w)
		got[r.ID] = r
	}
	assert.Equal(t, TypeError, got["m"].Type)
	assert.Equal(t, domain.ErrCodeFetchFailed, got["m"].Code)
	assert.Equal(t, "/missing.png", got["m"].URL)
	assert.NotEmpty(t, got["m"].Error)
	assert.Equal(t, domain.ErrCodeDecodeFailed, got["g"].Code)
}

func TestWorker_CancelReportsAborted(t *testing.T) {
	srv := newOrigin(t, make(chan struct{}))
	w, err := NewWorker(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/slow.png", ID: "x"}}))
	time.Sleep(20 * time.Millisecond)
	require.NoError(t, w.Post(Message{Type: TypeCancel, Data: Request{ID: "x"}}))

	r := recv(t, w)
	assert.Equal(t, "x", r.ID)
	assert.Equal(t, domain.ErrCodeAborted, r.Code)
}

func TestWorker_RejectsDuplicateAndClosed(t *testing.T) {
	srv := newOrigin(t, make(chan struct{}))
	w, err := NewWorker(Options{BaseURL: srv.URL})
	require.NoError(t, err)

	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/slow.png", ID: "d"}}))
	assert.Error(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/slow.png", ID: "d"}}))
	assert.Error(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/a.png"}}))
	assert.NoError(t, w.Post(Message{Type: "ping"}), "未知类型应被忽略")

	w.Close()
	w.Close()
	assert.ErrorIs(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/a.png", ID: "late"}}), ErrClosed)

	// Close 后通道最终关闭（取消的在途请求的回包可能先到）。
	for range w.Responses() {
	}
}

func TestWorker_ReportsProgress(t *testing.T) {
	srv := newOrigin(t, nil)
	progress := make(chan Progress, 16)
	w, err := NewWorker(Options{BaseURL: srv.URL, Progress: progress})
	require.NoError(t, err)
	defer w.Close()

	require.NoError(t, w.Post(Message{Type: TypeDecode, Data: Request{URL: "/a.png", ID: "p"}}))
	recv(t, w)

	select {
	case p := <-progress:
		assert.Equal(t, "p", p.ID)
		assert.Positive(t, p.Loaded)
	default:
		t.Fatal("期望至少一条进度")
	}
}

func TestClient_DecodeAndErrors(t *testing.T) {
	srv := newOrigin(t, nil)
	w, err := NewWorker(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	c := NewClient(w, nil)
	defer c.Close()

	bm, err := c.Decode(context.Background(), "/a.png")
	require.NoError(t, err)
	assert.Equal(t, 8, bm.Width())

	_, err = c.Decode(context.Background(), "/missing.png")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeFetchFailed))
	assert.Equal(t, 0, c.Pending())
}

func TestClient_AbandonDiscardsLateResult(t *testing.T) {
	srv := newOrigin(t, make(chan struct{}))
	w, err := NewWorker(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	c := NewClient(w, nil)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err = c.Decode(ctx, "/slow.png")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 0, c.Pending())

	// 放弃后 Client 仍可继续使用。
	bm, err := c.Decode(context.Background(), "/a.png")
	require.NoError(t, err)
	assert.NotNil(t, bm)
}

func TestClient_ClosedRejectsDecode(t *testing.T) {
	srv := newOrigin(t, nil)
	w, err := NewWorker(Options{BaseURL: srv.URL})
	require.NoError(t, err)
	c := NewClient(w, nil)
	c.Close()

	_, err = c.Decode(context.Background(), "/a.png")
	assert.ErrorIs(t, err, ErrClosed)
}
