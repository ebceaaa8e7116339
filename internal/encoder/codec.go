package encoder

import (
	"context"
	"fmt"
	"image"
	"image/jpeg"
	"image/png"
	"io"

	"github.com/gen2brain/webp"

	"github.com/John-Robertt/texpipe/internal/domain"
)

// StreamCodec 把内存中的图像编码写入 w。
type StreamCodec interface {
	Encode(ctx context.Context, w io.Writer, img image.Image, p domain.QualityPreset) error
}

type jpegCodec struct{}

func (jpegCodec) Encode(_ context.Context, w io.Writer, img image.Image, p domain.QualityPreset) error {
	return jpeg.Encode(w, img, &jpeg.Options{Quality: qualityOr(p.Quality, 90)})
}

type pngCodec struct{}

func (pngCodec) Encode(_ context.Context, w io.Writer, img image.Image, _ domain.QualityPreset) error {
	enc := png.Encoder{CompressionLevel: png.BestCompression}
	return enc.Encode(w, img)
}

type webpCodec struct{}

func (webpCodec) Encode(_ context.Context, w io.Writer, img image.Image, p domain.QualityPreset) error {
	return webp.Encode(w, img, webp.Options{Quality: qualityOr(p.Quality, 85), Method: 4})
}

func defaultCodecs() map[string]StreamCodec {
	return map[string]StreamCodec{
		domain.FormatJPEG: jpegCodec{},
		domain.FormatPNG:  pngCodec{},
		domain.FormatWebP: webpCodec{},
	}
}

func qualityOr(q, def int) int {
	if q <= 0 || q > 100 {
		return def
	}
	return q
}

func unsupportedFormat(format string) error {
	return domain.NewError(domain.ErrCodeUnsupportedFormat, format, fmt.Errorf("不支持的输出格式"))
}
