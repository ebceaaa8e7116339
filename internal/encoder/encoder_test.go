package encoder

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"github.com/John-Robertt/texpipe/internal/domain"
)

func TestCoverRect(t *testing.T) {
	cases := []struct {
		name string
		src  image.Rectangle
		w, h int
		want image.Rectangle
	}{
		{"same aspect", image.Rect(0, 0, 400, 200), 200, 100, image.Rect(0, 0, 400, 200)},
		{"wider source crops sides", image.Rect(0, 0, 400, 100), 200, 100, image.Rect(100, 0, 300, 100)},
		{"taller source crops top/bottom", image.Rect(0, 0, 200, 200), 200, 100, image.Rect(0, 50, 200, 150)},
		{"offset bounds", image.Rect(10, 10, 410, 110), 200, 100, image.Rect(110, 10, 310, 110)},
	}
	for _, c := range cases {
		if got := CoverRect(c.src, c.w, c.h); got != c.want {
			t.Fatalf("%s：期望 %v，实际 %v", c.name, c.want, got)
		}
	}
}

func TestCover_OutputSize(t *testing.T) {
	src := gradient(300, 100)
	dst := Cover(src, 64, 32)
	if dst.Bounds().Dx() != 64 || dst.Bounds().Dy() != 32 {
		t.Fatalf("输出尺寸不正确：%v", dst.Bounds())
	}
}

func TestEncodeImage_JPEGSizeFromDisk(t *testing.T) {
	out := t.TempDir()
	e := New("", nil)
	p := domain.QualityPreset{Name: "ultra", Ladder: domain.LadderSimple, Width: 64, Height: 32, Format: domain.FormatJPEG, Quality: 100}
	dst := filepath.Join(out, "ultra", "a.jpg")

	v, err := e.EncodeImage(context.Background(), gradient(128, 64), p, Target{Abs: dst, Rel: "textures/processed/ultra/a.jpg"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	fi, err := os.Stat(dst)
	if err != nil {
		t.Fatalf("产物不存在：%v", err)
	}
	if v.Size != fi.Size() || v.Format != domain.FormatJPEG || v.Width != 64 || v.Path != "textures/processed/ultra/a.jpg" {
		t.Fatalf("Variant 不正确：%+v（磁盘大小 %d）", v, fi.Size())
	}

	b, _ := os.ReadFile(dst)
	cfg, err := jpeg.DecodeConfig(bytes.NewReader(b))
	if err != nil || cfg.Width != 64 || cfg.Height != 32 {
		t.Fatalf("产物不是 64x32 jpeg：%+v %v", cfg, err)
	}
}

func TestEncodeImage_WebP(t *testing.T) {
	out := t.TempDir()
	e := New("", nil)
	p := domain.QualityPreset{Name: "medium", Ladder: domain.LadderSimple, Width: 32, Height: 16, Format: domain.FormatWebP, Quality: 85}
	dst := filepath.Join(out, "medium", "a.webp")

	v, err := e.EncodeImage(context.Background(), gradient(64, 32), p, Target{Abs: dst, Rel: "medium/a.webp"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	b, err := os.ReadFile(dst)
	if err != nil {
		t.Fatalf("读取产物失败：%v", err)
	}
	if len(b) < 12 || string(b[0:4]) != "RIFF" || string(b[8:12]) != "WEBP" {
		t.Fatalf("产物不是 webp")
	}
	if v.Size != int64(len(b)) {
		t.Fatalf("Size=%d，实际文件 %d", v.Size, len(b))
	}
}

func TestEncodeImage_UnsupportedFormat(t *testing.T) {
	e := New("", nil)
	p := domain.QualityPreset{Name: "x", Width: 8, Height: 4, Format: "avif"}
	_, err := e.EncodeImage(context.Background(), gradient(8, 4), p, Target{Abs: filepath.Join(t.TempDir(), "a.avif")})
	if domain.Code(err) != domain.ErrCodeUnsupportedFormat {
		t.Fatalf("期望 unsupported_format，实际：%v", err)
	}
}

func TestEncodeImage_WriteFailed(t *testing.T) {
	out := t.TempDir()
	dst := filepath.Join(out, "a.jpg")
	if err := os.Mkdir(dst, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	e := New("", nil)
	p := domain.QualityPreset{Name: "ultra", Width: 8, Height: 4, Format: domain.FormatJPEG, Quality: 90}
	_, err := e.EncodeImage(context.Background(), gradient(8, 4), p, Target{Abs: dst})
	if domain.Code(err) != domain.ErrCodeWriteFailed {
		t.Fatalf("期望 write_failed，实际：%v", err)
	}
}

func TestEncode_SourceUnreadable(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.jpg")
	if err := os.WriteFile(src, []byte("not an image"), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	e := New("", nil)
	p := domain.QualityPreset{Name: "ultra", Width: 8, Height: 4, Format: domain.FormatJPEG}

	_, err := e.Encode(context.Background(), domain.SourceAsset{AbsPath: src}, p, Target{Abs: filepath.Join(dir, "out.jpg")})
	if c := domain.Code(err); c != domain.ErrCodeUnsupportedFormat && c != domain.ErrCodeSourceUnreadable {
		t.Fatalf("期望 source_unreadable/unsupported_format，实际：%v", err)
	}
	_, err = e.Encode(context.Background(), domain.SourceAsset{AbsPath: filepath.Join(dir, "missing.jpg")}, p, Target{Abs: filepath.Join(dir, "out.jpg")})
	if domain.Code(err) != domain.ErrCodeSourceUnreadable {
		t.Fatalf("期望 source_unreadable，实际：%v", err)
	}
}

func TestDecode_PNG(t *testing.T) {
	path := filepath.Join(t.TempDir(), "a.png")
	var buf bytes.Buffer
	if err := png.Encode(&buf, gradient(10, 5)); err != nil {
		t.Fatalf("png.Encode 失败：%v", err)
	}
	if err := os.WriteFile(path, buf.Bytes(), 0o644); err != nil {
		t.Fatalf("写入失败：%v", err)
	}
	img, err := Decode(path)
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if img.Bounds().Dx() != 10 {
		t.Fatalf("尺寸不正确：%v", img.Bounds())
	}
}

func TestToktxArgs(t *testing.T) {
	uastc := domain.QualityPreset{Compression: domain.CompressionUASTC, Mipmaps: true, Quality: 255}
	got := ToktxArgs(uastc, "o.ktx2", "i.png")
	want := []string{"--genmipmap", "--uastc", "--uastc_quality", "4", "--zcmp", "5", "o.ktx2", "i.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("uastc 参数不正确：%v", got)
	}

	etc1s := domain.QualityPreset{Compression: domain.CompressionETC1S, Quality: 96}
	got = ToktxArgs(etc1s, "o.ktx2", "i.png")
	want = []string{"--bcmp", "--clevel", "4", "--qlevel", "96", "o.ktx2", "i.png"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("etc1s 参数不正确：%v", got)
	}
}

func TestEncodeImage_KTX2WithFakeToktx(t *testing.T) {
	old := runCommand
	var gotName string
	runCommand = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName = name
		out := args[len(args)-2]
		return nil, os.WriteFile(out, []byte("\xabKTX 20\xbb"), 0o644)
	}
	defer func() { runCommand = old }()

	out := t.TempDir()
	dst := filepath.Join(out, "ktx2", "low", "a.ktx2")
	e := New("/usr/bin/toktx", nil)
	p := domain.QualityPreset{Name: "low", Ladder: domain.LadderGPU, Width: 16, Height: 8, Format: domain.FormatKTX2, Quality: 128, Compression: domain.CompressionETC1S, Mipmaps: true}

	v, err := e.EncodeImage(context.Background(), gradient(32, 16), p, Target{Abs: dst, Rel: "ktx2/low/a.ktx2"})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if gotName != "/usr/bin/toktx" {
		t.Fatalf("调用的工具不正确：%q", gotName)
	}
	if v.Size != 8 || v.Format != domain.FormatKTX2 {
		t.Fatalf("Variant 不正确：%+v", v)
	}
	entries, _ := os.ReadDir(filepath.Dir(dst))
	if len(entries) != 1 {
		t.Fatalf("临时文件未清理：%v", entries)
	}
}

func TestEncodeImage_KTX2WithoutTool(t *testing.T) {
	e := New("", nil)
	p := domain.QualityPreset{Name: "low", Width: 8, Height: 4, Format: domain.FormatKTX2}
	_, err := e.EncodeImage(context.Background(), gradient(8, 4), p, Target{Abs: filepath.Join(t.TempDir(), "a.ktx2")})
	if domain.Code(err) != domain.ErrCodeToolUnavailable {
		t.Fatalf("期望 tool_unavailable，实际：%v", err)
	}
}

func TestEncodeImage_CancelledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	e := New("", nil)
	p := domain.QualityPreset{Name: "ultra", Width: 8, Height: 4, Format: domain.FormatJPEG}
	_, err := e.EncodeImage(ctx, gradient(8, 4), p, Target{Abs: filepath.Join(t.TempDir(), "a.jpg")})
	if domain.Code(err) != domain.ErrCodeAborted {
		t.Fatalf("期望 aborted，实际：%v", err)
	}
}

func gradient(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 255 / max(w-1, 1)), G: uint8(y * 255 / max(h-1, 1)), B: 128, A: 255})
		}
	}
	return img
}
