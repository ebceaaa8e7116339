// Package encoder 把一张源图按一个质量档位编码为一个产物文件。
package encoder

import (
	"context"
	"errors"
	"image"
	"io"
	"log/slog"
	"os"

	_ "image/jpeg" // 注册解码器
	_ "image/png"

	_ "golang.org/x/image/webp"

	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/infra/fsx"
)

// Encoder 没有共享的可变状态，可被多个 goroutine 并发使用。
type Encoder struct {
	// Toktx 是 toktx 的路径；为空时 ktx2 档位返回 tool_unavailable。
	Toktx  string
	Logger *slog.Logger

	codecs map[string]StreamCodec
}

func New(toktx string, logger *slog.Logger) *Encoder {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Encoder{Toktx: toktx, Logger: logger, codecs: defaultCodecs()}
}

// Target 是一次编码的输出位置。
type Target struct {
	Abs string // 写入位置
	Rel string // 写入 manifest 的路径
}

// Decode 读取并解码源图（jpeg/png/webp）。
func Decode(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, domain.NewError(domain.ErrCodeSourceUnreadable, path, err)
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		if errors.Is(err, image.ErrFormat) {
			return nil, domain.NewError(domain.ErrCodeUnsupportedFormat, path, err)
		}
		return nil, domain.NewError(domain.ErrCodeSourceUnreadable, path, err)
	}
	if b := img.Bounds(); b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, domain.NewError(domain.ErrCodeSourceUnreadable, path, errors.New("图片尺寸无效"))
	}
	return img, nil
}

// Encode 解码 asset 后编码为 p 档位。
func (e *Encoder) Encode(ctx context.Context, asset domain.SourceAsset, p domain.QualityPreset, t Target) (domain.Variant, error) {
	img, err := Decode(asset.AbsPath)
	if err != nil {
		return domain.Variant{}, err
	}
	return e.EncodeImage(ctx, img, p, t)
}

// EncodeImage 对已解码的源图做 cover 缩放并按 p 编码，原子写入 t.Abs。
// 返回的 Size 来自最终文件的 stat。
func (e *Encoder) EncodeImage(ctx context.Context, img image.Image, p domain.QualityPreset, t Target) (domain.Variant, error) {
	if err := ctx.Err(); err != nil {
		return domain.Variant{}, domain.NewError(domain.ErrCodeAborted, t.Abs, err)
	}
	if p.Width <= 0 || p.Height <= 0 {
		return domain.Variant{}, domain.NewError(domain.ErrCodeEncodeFailed, p.Name, errors.New("档位尺寸无效"))
	}

	codecs := e.codecs
	if codecs == nil {
		codecs = defaultCodecs()
	}

	resized := Cover(img, p.Width, p.Height)

	if p.Format == domain.FormatKTX2 {
		if err := e.encodeKTX2(ctx, resized, p, t.Abs); err != nil {
			return domain.Variant{}, err
		}
	} else {
		c, ok := codecs[p.Format]
		if !ok {
			return domain.Variant{}, unsupportedFormat(p.Format)
		}
		var encErr error
		err := fsx.WriteAtomic(t.Abs, func(w io.Writer) error {
			if err := c.Encode(ctx, w, resized, p); err != nil {
				encErr = err
				return err
			}
			return nil
		})
		switch {
		case encErr != nil:
			return domain.Variant{}, domain.NewError(domain.ErrCodeEncodeFailed, t.Abs, encErr)
		case err != nil:
			return domain.Variant{}, domain.NewError(domain.ErrCodeWriteFailed, t.Abs, err)
		}
	}

	fi, err := os.Stat(t.Abs)
	if err != nil {
		return domain.Variant{}, domain.NewError(domain.ErrCodeWriteFailed, t.Abs, err)
	}
	e.logger().Debug("变体已写入", "path", t.Abs, "preset", p.Name, "size", fi.Size())

	return domain.Variant{
		Path:   t.Rel,
		Width:  p.Width,
		Height: p.Height,
		Size:   fi.Size(),
		Format: p.Format,
	}, nil
}

func (e *Encoder) logger() *slog.Logger {
	if e.Logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return e.Logger
}
