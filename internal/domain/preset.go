package domain

// 编码格式。
const (
	FormatJPEG = "jpeg"
	FormatPNG  = "png"
	FormatWebP = "webp"
	FormatKTX2 = "ktx2"
)

// 梯度（ladder）名称：两套质量词汇并存，分别落到 manifest 的 variants / formats。
const (
	LadderSimple = "simple"
	LadderGPU    = "gpu"
)

// KTX2 压缩模式（toktx）。
const (
	CompressionUASTC = "uastc"
	CompressionETC1S = "etc1s"
)

// QualityPreset 是静态配置的质量档位，运行期不修改。
type QualityPreset struct {
	Name   string
	Ladder string

	Width  int
	Height int

	Format  string
	Quality int // jpeg/webp: 0-100；ktx2(etc1s): toktx qlevel 1-255

	Compression string // 仅 ktx2
	Mipmaps     bool
}

// Ext 返回该档位产物的文件扩展名（含点）。
func (p QualityPreset) Ext() string {
	switch p.Format {
	case FormatJPEG:
		return ".jpg"
	case FormatPNG:
		return ".png"
	case FormatWebP:
		return ".webp"
	case FormatKTX2:
		return ".ktx2"
	default:
		return "." + p.Format
	}
}
