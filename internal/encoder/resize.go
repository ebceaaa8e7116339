package encoder

import (
	"image"
	"image/draw"

	xdraw "golang.org/x/image/draw"
)

// CoverRect 返回 cover 适配时需要从源图中截取的区域（居中）。
//
// 缩放比例取 max(W/w, H/h)：目标被完全填满，多出的一维被裁掉，不留黑边。
// 等距柱状全景要求水平方向完整覆盖，因此宽高比一致时不会裁掉任何像素。
func CoverRect(src image.Rectangle, width, height int) image.Rectangle {
	sw, sh := src.Dx(), src.Dy()
	if sw <= 0 || sh <= 0 || width <= 0 || height <= 0 {
		return image.Rectangle{}
	}

	// 比较 sw/sh 与 width/height，全程整数运算避免浮点误差。
	cw, ch := sw, sh
	switch {
	case sw*height > width*sh:
		// 源图更宽：保留全部高度，裁左右。
		cw = divRound(sh*width, height)
	case sw*height < width*sh:
		// 源图更高：保留全部宽度，裁上下。
		ch = divRound(sw*height, width)
	}
	cw = clamp(cw, 1, sw)
	ch = clamp(ch, 1, sh)

	x0 := src.Min.X + (sw-cw)/2
	y0 := src.Min.Y + (sh-ch)/2
	return image.Rect(x0, y0, x0+cw, y0+ch)
}

// Cover 把 src 以 cover 方式缩放到 width×height（CatmullRom 插值）。
func Cover(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	crop := CoverRect(src.Bounds(), width, height)
	if crop.Empty() {
		return dst
	}
	if crop.Dx() == width && crop.Dy() == height {
		draw.Draw(dst, dst.Bounds(), src, crop.Min, draw.Src)
		return dst
	}
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, crop, xdraw.Src, nil)
	return dst
}

func divRound(a, b int) int {
	return (a + b/2) / b
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
