package encoder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"os"
	"os/exec"
	"strconv"
	"strings"

	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/infra/fsx"
)

// ToktxInstallHint 是缺少 toktx 时给用户的提示。
const ToktxInstallHint = "请安装 KTX-Software（https://github.com/KhronosGroup/KTX-Software）并确保 toktx 在 PATH 中"

// 可替换，便于测试在没有 toktx 的机器上验证参数与落盘流程。
var runCommand = func(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// LookupToktx 检查 toktx 是否可用；返回解析后的绝对路径。
func LookupToktx(bin string) (string, error) {
	if strings.TrimSpace(bin) == "" {
		bin = "toktx"
	}
	p, err := exec.LookPath(bin)
	if err != nil {
		return "", domain.NewError(domain.ErrCodeToolUnavailable, bin, fmt.Errorf("%w；%s", err, ToktxInstallHint))
	}
	return p, nil
}

// ToktxArgs 返回 toktx 的参数（输出在前，输入在后）。
func ToktxArgs(p domain.QualityPreset, out, in string) []string {
	args := make([]string, 0, 10)
	if p.Mipmaps {
		args = append(args, "--genmipmap")
	}
	if p.Compression == domain.CompressionUASTC {
		args = append(args, "--uastc", "--uastc_quality", "4", "--zcmp", "5")
	} else {
		args = append(args, "--bcmp", "--clevel", "4", "--qlevel", strconv.Itoa(p.Quality))
	}
	return append(args, out, in)
}

// encodeKTX2 先把已缩放的图像写成临时 PNG，再交给 toktx 压缩，最后原子替换到 dst。
func (e *Encoder) encodeKTX2(ctx context.Context, img image.Image, p domain.QualityPreset, dst string) error {
	if e.Toktx == "" {
		return domain.NewError(domain.ErrCodeToolUnavailable, "toktx", errors.New(ToktxInstallHint))
	}

	in, err := os.CreateTemp("", "texpipe-*.png")
	if err != nil {
		return domain.NewError(domain.ErrCodeWriteFailed, dst, err)
	}
	inName := in.Name()
	defer os.Remove(inName)

	if err := png.Encode(in, img); err != nil {
		_ = in.Close()
		return domain.NewError(domain.ErrCodeEncodeFailed, dst, err)
	}
	if err := in.Close(); err != nil {
		return domain.NewError(domain.ErrCodeWriteFailed, dst, err)
	}

	tmp, cleanup, err := fsx.TempPath(dst)
	if err != nil {
		return domain.NewError(domain.ErrCodeWriteFailed, dst, err)
	}
	defer cleanup()

	out, err := runCommand(ctx, e.Toktx, ToktxArgs(p, tmp, inName)...)
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg != "" {
			err = fmt.Errorf("%w：%s", err, msg)
		}
		return domain.NewError(domain.ErrCodeEncodeFailed, dst, err)
	}
	if fi, err := os.Stat(tmp); err != nil || fi.Size() == 0 {
		return domain.NewError(domain.ErrCodeEncodeFailed, dst, errors.New("toktx 未产出文件"))
	}
	if err := fsx.Commit(tmp, dst); err != nil {
		return domain.NewError(domain.ErrCodeWriteFailed, dst, err)
	}
	return nil
}
