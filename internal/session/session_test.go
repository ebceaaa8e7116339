package session

import (
	"context"
	"errors"
	"image"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/John-Robertt/texpipe/internal/decode"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/envmap"
)

// fakeDecoder 按 URL 返回位图或错误；gate 非空时每次解码都等它放行。
type fakeDecoder struct {
	mu      sync.Mutex
	fail    map[string]error
	calls   map[string]int
	gate    chan struct{}
	active  atomic.Int32
	maxSeen atomic.Int32
}

func newDecoder() *fakeDecoder {
	return &fakeDecoder{fail: map[string]error{}, calls: map[string]int{}}
}

func (d *fakeDecoder) Decode(ctx context.Context, url string) (*decode.Bitmap, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		m := d.maxSeen.Load()
		if n <= m || d.maxSeen.CompareAndSwap(m, n) {
			break
		}
	}

	d.mu.Lock()
	d.calls[url]++
	err := d.fail[url]
	gate := d.gate
	d.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if err != nil {
		return nil, err
	}
	return &decode.Bitmap{Image: image.NewRGBA(image.Rect(0, 0, 16, 8)), Source: url}, nil
}

func (d *fakeDecoder) callsOf(url string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.calls[url]
}

func testManifest() *domain.Manifest {
	vs := func(b string) map[string]domain.Variant {
		return map[string]domain.Variant{
			"medium":    {Path: "textures/processed/medium/" + b + ".webp", Width: 2048, Height: 1024, Format: "webp"},
			"high-mid":  {Path: "textures/processed/high-mid/" + b + ".jpg", Width: 4096, Height: 2048, Format: "jpeg"},
			"very-high": {Path: "textures/processed/very-high/" + b + ".jpg", Width: 6144, Height: 3072, Format: "jpeg"},
		}
	}
	return &domain.Manifest{
		Version: domain.ManifestVersion,
		Textures: map[string]domain.TextureEntry{
			"a": {Original: "a.jpg", Variants: vs("a")},
			"b": {Original: "b.jpg", Variants: vs("b")},
			"c": {Original: "c.jpg", Variants: vs("c")},
		},
	}
}

var ultra = domain.DeviceSignals{MaxTextureSize: 16384, MemoryGiB: 8, DevicePixelRatio: 2, NetworkClass: domain.Network4G}

func newSession(t *testing.T, d *fakeDecoder, sig domain.DeviceSignals) *Session {
	t.Helper()
	s, err := New(Options{
		Manifest: testManifest(),
		Decoder:  d,
		Signals:  sig,
		EnvMap:   envmap.Options{Size: 8, Pool: envmap.NewPool(0)},
	})
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

func TestShow_ResolvesTierAndMemoizes(t *testing.T) {
	d := newDecoder()
	s := newSession(t, d, ultra)
	assert.Equal(t, "very-high", s.Profile().SelectedQuality)

	sh, err := s.Show(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "very-high", sh.Quality)
	assert.Equal(t, "/textures/processed/very-high/a.jpg", sh.URL)
	assert.False(t, sh.Fallback)
	assert.Equal(t, 3, sh.Levels)

	again, err := s.Show(context.Background(), "a")
	require.NoError(t, err)
	assert.Same(t, sh.EnvMap, again.EnvMap, "第二次应命中资源缓存")
	assert.Equal(t, 1, d.callsOf(sh.URL))
	assert.Same(t, again, s.Current())
}

func TestShow_FallsBackToLowerTierOnFailure(t *testing.T) {
	d := newDecoder()
	d.fail["/textures/processed/very-high/a.jpg"] = domain.NewError(domain.ErrCodeFetchFailed, "x", errors.New("HTTP 404"))
	d.fail["/textures/processed/high-mid/a.jpg"] = domain.NewError(domain.ErrCodeDecodeFailed, "x", errors.New("bad"))
	s := newSession(t, d, ultra)

	sh, err := s.Show(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, "medium", sh.Quality)
	assert.Equal(t, "very-high", sh.Requested)
	assert.True(t, sh.Fallback)
	assert.EqualValues(t, 0, s.cache.Stats().Evictions)
	assert.Equal(t, 1, s.cache.Len(), "失败的生产不入缓存")
}

func TestShow_NoLowerTierReturnsError(t *testing.T) {
	d := newDecoder()
	d.fail["/textures/processed/medium/a.webp"] = domain.NewError(domain.ErrCodeFetchFailed, "x", errors.New("offline"))
	s := newSession(t, d, domain.DeviceSignals{MaxTextureSize: 2048, NetworkClass: domain.Network2G})

	_, err := s.Show(context.Background(), "a")
	require.Error(t, err)
	assert.True(t, domain.IsCode(err, domain.ErrCodeFetchFailed))
	assert.True(t, domain.IsCode(err, domain.ErrCodeCacheProductionFailed))
}

func TestShow_UnknownBasename(t *testing.T) {
	s := newSession(t, newDecoder(), ultra)
	_, err := s.Show(context.Background(), "nope")
	assert.True(t, domain.IsCode(err, domain.ErrCodeMissingQualityTier))
}

func TestShow_SupersededRequestDoesNotReplaceNewer(t *testing.T) {
	d := newDecoder()
	d.gate = make(chan struct{})
	s := newSession(t, d, ultra)

	first := make(chan error, 1)
	go func() {
		_, err := s.Show(context.Background(), "a")
		first <- err
	}()
	require.Eventually(t, func() bool { return d.callsOf("/textures/processed/very-high/a.jpg") == 1 }, time.Second, time.Millisecond)

	second := make(chan *Shown, 1)
	go func() {
		sh, err := s.Show(context.Background(), "b")
		assert.NoError(t, err)
		second <- sh
	}()
	require.Eventually(t, func() bool { return d.callsOf("/textures/processed/very-high/b.jpg") == 1 }, time.Second, time.Millisecond)
	close(d.gate)

	assert.ErrorIs(t, <-first, ErrSuperseded)
	sh := <-second
	require.NotNil(t, sh)
	assert.Equal(t, "b", s.Current().Basename)
	// 被取代的结果仍然入缓存，后续命中可复用。
	assert.Equal(t, 2, s.cache.Len())
}

func TestLoad_AdmissionControlFollowsProfile(t *testing.T) {
	d := newDecoder()
	d.gate = make(chan struct{})
	// low 档：maxConcurrentLoads = 1
	s := newSession(t, d, domain.DeviceSignals{MaxTextureSize: 1024, MemoryGiB: 1})
	require.Equal(t, 1, s.Profile().MaxConcurrentLoads)

	var wg sync.WaitGroup
	for _, b := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = s.load(context.Background(), "/textures/processed/medium/"+b+".webp")
		}()
	}
	time.Sleep(30 * time.Millisecond)
	close(d.gate)
	wg.Wait()

	assert.EqualValues(t, 1, d.maxSeen.Load())
	assert.Equal(t, 3, s.cache.Len())
}

func TestUpdateSignals_ReclassifiesAndConstrains(t *testing.T) {
	s := newSession(t, newDecoder(), domain.DeviceSignals{MaxTextureSize: 2048})
	assert.Equal(t, "medium", s.Profile().SelectedQuality)

	p := s.UpdateSignals(ultra)
	assert.Equal(t, "ultra", p.TierName)
	assert.Equal(t, 6, p.MaxConcurrentLoads)

	// high 档选 high-mid，manifest 里有。
	p = s.UpdateSignals(domain.DeviceSignals{MaxTextureSize: 8192, MemoryGiB: 4, DevicePixelRatio: 1.5})
	assert.Equal(t, "high-mid", p.SelectedQuality)

	res, err := s.Resolve("a")
	require.NoError(t, err)
	assert.Equal(t, "high-mid", res.Quality)
}

func TestClose_DisposesCacheAndRejectsShow(t *testing.T) {
	d := newDecoder()
	s, err := New(Options{Manifest: testManifest(), Decoder: d, Signals: ultra, EnvMap: envmap.Options{Size: 8}})
	require.NoError(t, err)

	sh, err := s.Show(context.Background(), "a")
	require.NoError(t, err)
	s.Close()
	s.Close()

	assert.True(t, sh.EnvMap.Disposed())
	assert.Nil(t, s.Current())
	_, err = s.Show(context.Background(), "a")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestNew_Validates(t *testing.T) {
	_, err := New(Options{Decoder: newDecoder()})
	assert.Error(t, err)
	_, err = New(Options{Manifest: testManifest()})
	assert.Error(t, err)
}

func TestInvalidate_NextShowReproduces(t *testing.T) {
	d := newDecoder()
	s := newSession(t, d, ultra)

	sh, err := s.Show(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Invalidate("a"))
	assert.True(t, sh.EnvMap.Disposed(), "失效的环境贴图应被释放")
	assert.Nil(t, s.Current())
	assert.Equal(t, 0, s.Invalidate("unknown"))

	again, err := s.Show(context.Background(), "a")
	require.NoError(t, err)
	assert.NotSame(t, sh.EnvMap, again.EnvMap)
	assert.Equal(t, 2, d.callsOf(sh.URL))
}

func TestInvalidate_DuringShowRetriesSameTier(t *testing.T) {
	d := newDecoder()
	d.gate = make(chan struct{})
	s := newSession(t, d, ultra)
	url := "/textures/processed/very-high/a.jpg"

	done := make(chan error, 1)
	var sh *Shown
	go func() {
		var err error
		sh, err = s.Show(context.Background(), "a")
		done <- err
	}()
	require.Eventually(t, func() bool { return d.callsOf(url) == 1 }, time.Second, time.Millisecond)

	assert.Equal(t, 0, s.Invalidate("a"), "生产中的条目还不在缓存里")
	close(d.gate)

	require.NoError(t, <-done)
	assert.Equal(t, "very-high", sh.Quality)
	assert.False(t, sh.Fallback)
	assert.Equal(t, 2, d.callsOf(url), "过期结果被丢弃后应重新生产一次")
	assert.False(t, sh.EnvMap.Disposed())
}
