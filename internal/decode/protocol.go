package decode

import "image"

// 消息类型。
const (
	TypeDecode  = "decode"
	TypeCancel  = "cancel"
	TypeDecoded = "decoded"
	TypeError   = "error"
)

// Message 是 页面 → worker 的消息：{type:"decode", data:{url,id}} 或 {type:"cancel", data:{id}}。
type Message struct {
	Type string  `json:"type"`
	Data Request `json:"data"`
}

type Request struct {
	URL string `json:"url,omitempty"`
	ID  string `json:"id"`
}

// Response 是 worker → 页面 的消息，按完成顺序送达（不保证与请求顺序一致）。
//
// Type=decoded 时 Bitmap 非空，所有权随消息转移；Type=error 时 Error/Code 描述失败原因。
type Response struct {
	Type   string  `json:"type"`
	ID     string  `json:"id"`
	URL    string  `json:"url,omitempty"`
	Bitmap *Bitmap `json:"-"`
	Error  string  `json:"error,omitempty"`
	Code   string  `json:"code,omitempty"`
}

// Progress 报告下载进度；Total 未知时为 -1。
type Progress struct {
	ID     string `json:"id"`
	Loaded int64  `json:"loaded"`
	Total  int64  `json:"total"`
}

// Bitmap 是可直接上传 GPU 的 RGBA8 位图。
type Bitmap struct {
	Image  *image.RGBA
	Source string
}

func (b *Bitmap) Width() int  { return b.Image.Rect.Dx() }
func (b *Bitmap) Height() int { return b.Image.Rect.Dy() }
