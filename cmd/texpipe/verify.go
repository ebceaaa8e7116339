package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/manifest"
)

type verifyOutput struct {
	Manifest   string              `json:"manifest"`
	Textures   int                 `json:"textures"`
	Variants   int                 `json:"variants"`
	Mismatches []manifest.Mismatch `json:"mismatches"`
}

func newVerifyCmd(a *app) *cobra.Command {
	var output string
	cmd := &cobra.Command{
		Use:   "verify [manifest]",
		Short: "校验 manifest 中的每个变体都对应磁盘上大小一致的文件",
		Long: `verify 读取 manifest（默认 <output>/manifest.json），按 asset_root 把每个变体路径映射回
manifest 所在目录，检查文件存在且大小一致。存在不一致时退出码为 1。`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runVerify(cmd, args, output)
		},
	}
	cmd.Flags().StringVarP(&output, "output", "o", "", "构建输出目录（未给出 manifest 时使用）")
	return cmd
}

func (a *app) runVerify(cmd *cobra.Command, args []string, output string) error {
	cwd, err := os.Getwd()
	if err != nil {
		return withCode(exitFailed, err)
	}
	eff, err := config.LoadEffective(cwd, config.CLIArgs{
		ConfigPath: a.configPath,
		Output:     output,
		OutputSet:  cmd.Flags().Changed("output"),
	})
	if err != nil {
		return withCode(exitUsage, err)
	}

	path := filepath.Join(eff.Output, manifest.FileName)
	if len(args) == 1 {
		path, err = filepath.Abs(args[0])
		if err != nil {
			return withCode(exitFailed, err)
		}
	}
	m, err := manifest.Load(path)
	if err != nil {
		return withCode(exitFailed, fmt.Errorf("读取 manifest 失败：%w", err))
	}

	loc := manifest.Locator{OutDir: filepath.Dir(path), AssetRoot: eff.AssetRoot}
	out := verifyOutput{
		Manifest:   path,
		Textures:   len(m.Textures),
		Variants:   countVariants(m),
		Mismatches: manifest.Verify(loc, m),
	}
	if out.Mismatches == nil {
		out.Mismatches = []manifest.Mismatch{}
	}
	a.log.Debug("manifest 校验完成", "manifest", path, "variants", out.Variants, "mismatches", len(out.Mismatches))

	w := cmd.OutOrStdout()
	if a.isTTY(a.stdout) {
		printVerify(w, out)
	} else {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		if err := enc.Encode(out); err != nil {
			return withCode(exitFailed, err)
		}
	}
	if len(out.Mismatches) > 0 {
		return withCode(exitFailed, nil)
	}
	return nil
}

func printVerify(w io.Writer, out verifyOutput) {
	if len(out.Mismatches) == 0 {
		color.New(color.FgGreen).Fprintf(w, "✓ %s：textures=%d variants=%d 全部一致\n", out.Manifest, out.Textures, out.Variants)
		return
	}
	color.New(color.FgRed).Fprintf(w, "✗ %s：%d/%d 个变体不一致\n\n", out.Manifest, len(out.Mismatches), out.Variants)
	t := newTable(w)
	t.Header([]string{"Asset", "Ladder", "Quality", "Path", "Want", "Got", "Reason"})
	for _, mm := range out.Mismatches {
		got := "-"
		if mm.Got >= 0 {
			got = strconv.FormatInt(mm.Got, 10)
		}
		_ = t.Append([]string{mm.Basename, mm.Ladder, mm.Quality, mm.Path, strconv.FormatInt(mm.Want, 10), got, mm.Reason})
	}
	_ = t.Render()
}

func countVariants(m *domain.Manifest) int {
	n := 0
	for _, e := range m.Textures {
		n += len(e.Variants) + len(e.Formats)
	}
	return n
}
