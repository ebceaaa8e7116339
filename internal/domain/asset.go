package domain

// SourceAsset 描述一次扫描得到的源图（只做 stat，不读内容）。
//
// 不变量：
// - Basename 在一次 build 内唯一（冲突时由 scan 分配 a__2 这类确定性名称）
// - AbsPath 必须是 clean + absolute
type SourceAsset struct {
	Basename         string
	OriginalFilename string
	AbsPath          string
	Ext              string // ".jpg"
	ByteSize         int64

	// Unsupported 非空表示扩展名可识别但当前无法解码（例如 .hdr/.exr）。
	Unsupported string
}
