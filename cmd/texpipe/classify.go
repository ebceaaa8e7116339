package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/John-Robertt/texpipe/internal/device"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/manifest"
	"github.com/John-Robertt/texpipe/internal/preset"
)

type classifyFlags struct {
	maxTextureSize int
	memory         float64
	dpr            float64
	network        string
	probe          bool
	manifest       string
	ladder         string
}

// classifyOutput 是 classify 的 JSON 输出。Quality 是 ladder 梯度中的选中档位。
type classifyOutput struct {
	Signals domain.DeviceSignals `json:"signals"`
	Profile domain.DeviceProfile `json:"profile"`
	Ladder  string               `json:"ladder"`
	Quality string               `json:"quality"`
	Host    *device.HostInfo     `json:"host,omitempty"`
}

func newClassifyCmd(a *app) *cobra.Command {
	var f classifyFlags
	cmd := &cobra.Command{
		Use:   "classify",
		Short: "根据设备信号输出 DeviceProfile（JSON）",
		Long: `classify 用决策表把设备信号映射为档位、目标 DPR 与并发加载上限。

未给出的信号使用默认值（内存 4GiB、DPR 1、网络 4g）。--probe 用本机内存填充 --memory，
显式给出的 flag 优先。给出 --manifest 时，选中档位会被约束为 manifest 中声明过的档位。`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runClassify(cmd, f)
		},
	}
	fl := cmd.Flags()
	fl.IntVar(&f.maxTextureSize, "max-texture-size", 0, "GPU 最大纹理边长")
	fl.Float64Var(&f.memory, "memory", 0, "设备内存（GiB）")
	fl.Float64Var(&f.dpr, "dpr", 0, "设备像素比")
	fl.StringVar(&f.network, "network", "", "网络类型：slow-2g | 2g | 3g | 4g")
	fl.BoolVar(&f.probe, "probe", false, "探测本机内存")
	fl.StringVar(&f.manifest, "manifest", "", "manifest.json（约束为已声明档位）")
	fl.StringVar(&f.ladder, "ladder", domain.LadderSimple, "输出哪个梯度的档位：simple | gpu")
	return cmd
}

func (a *app) runClassify(cmd *cobra.Command, f classifyFlags) error {
	ladder, err := preset.ByName(f.ladder)
	if err != nil {
		return withCode(exitUsage, err)
	}
	if f.network != "" && !validNetwork(f.network) {
		return withCode(exitUsage, fmt.Errorf("未知网络类型：%q", f.network))
	}

	var out classifyOutput
	if f.probe {
		sig, info := device.ProbeHost(cmd.Context(), a.log)
		out.Signals, out.Host = sig, &info
	}
	flags := cmd.Flags()
	if flags.Changed("max-texture-size") {
		out.Signals.MaxTextureSize = f.maxTextureSize
	}
	if flags.Changed("memory") {
		out.Signals.MemoryGiB = f.memory
	}
	if flags.Changed("dpr") {
		out.Signals.DevicePixelRatio = f.dpr
	}
	if f.network != "" {
		out.Signals.NetworkClass = f.network
	}

	out.Profile = device.Classify(out.Signals)
	out.Ladder = ladder.Name
	out.Quality = device.QualityFor(out.Profile, ladder.Name)
	if f.manifest != "" {
		m, err := manifest.Load(f.manifest)
		if err != nil {
			return withCode(exitFailed, err)
		}
		declared := manifest.Qualities(m, ladder)
		if len(declared) == 0 {
			return withCode(exitFailed, domain.NewError(domain.ErrCodeMissingQualityTier, f.manifest, fmt.Errorf("manifest 中没有 %s 梯度的档位", ladder.Name)))
		}
		c := out.Profile
		c.SelectedQuality = out.Quality
		c = device.Constrain(c, ladder, declared)
		if ladder.Name == domain.LadderSimple {
			out.Profile = c
		}
		out.Quality = c.SelectedQuality
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	if err := enc.Encode(out); err != nil {
		return withCode(exitFailed, err)
	}
	return nil
}

func validNetwork(s string) bool {
	switch s {
	case domain.NetworkSlow2G, domain.Network2G, domain.Network3G, domain.Network4G:
		return true
	default:
		return false
	}
}
