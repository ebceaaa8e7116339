package domain

// 网络类型（navigator.connection.effectiveType 的取值）。
const (
	NetworkSlow2G = "slow-2g"
	Network2G     = "2g"
	Network3G     = "3g"
	Network4G     = "4g"
)

// DeviceSignals 是分级所需的外部环境信号。零值字段表示“未知”，由分级器套用默认值。
type DeviceSignals struct {
	MaxTextureSize   int     `json:"maxTextureSize"`
	MemoryGiB        float64 `json:"memoryGiB"`
	DevicePixelRatio float64 `json:"devicePixelRatio"`
	NetworkClass     string  `json:"networkClass"`
}

// DeviceProfile 是一次会话内的分级结果。
//
// 约束：SelectedQuality 必须是 manifest 声明过的质量名（见 device.Constrain）。
type DeviceProfile struct {
	TierName               string  `json:"tierName"`
	SelectedQuality        string  `json:"selectedQuality"`
	MaxTextureSize         int     `json:"maxTextureSize"`
	DevicePixelRatio       float64 `json:"devicePixelRatio"`
	MemoryGiB              float64 `json:"memoryGiB"`
	NetworkClass           string  `json:"networkClass"`
	TargetFPS              int     `json:"targetFPS"`
	TargetDevicePixelRatio float64 `json:"targetDevicePixelRatio"`
	MaxConcurrentLoads     int     `json:"maxConcurrentLoads"`
}
