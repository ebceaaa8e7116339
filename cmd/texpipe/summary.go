package main

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"

	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/preset"
)

func newTable(w io.Writer) *tablewriter.Table {
	return tablewriter.NewTable(w,
		tablewriter.WithConfig(tablewriter.Config{
			Row: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoWrap: tw.WrapNone},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
			Header: tw.CellConfig{
				Formatting: tw.CellFormatting{AutoFormat: tw.On},
				Alignment:  tw.CellAlignment{Global: tw.AlignLeft},
			},
		}),
		tablewriter.WithRendition(tw.Rendition{
			Borders: tw.BorderNone,
			Settings: tw.Settings{
				Separators: tw.Separators{ShowHeader: tw.Off},
			},
		}),
	)
}

// printSummary 在终端上输出每个变体一行，以及按档位汇总的体积。
func printSummary(w io.Writer, rep domain.BuildReport, m *domain.Manifest) {
	if rep.Summary.Variants > 0 {
		color.New(color.FgGreen, color.Bold).Fprintf(w, "✓ %s\n", summaryLine(rep))
	} else {
		color.New(color.FgRed, color.Bold).Fprintf(w, "✗ %s\n", summaryLine(rep))
	}
	if m != nil && m.BuildType != "" {
		fmt.Fprintf(w, "buildType: %s\n", m.BuildType)
	}

	rows := variantRows(rep)
	if len(rows) > 0 {
		fmt.Fprintln(w)
		t := newTable(w)
		t.Header([]string{"Asset", "Ladder", "Quality", "Status", "Size", "Reduction"})
		_ = t.Bulk(rows)
		_ = t.Render()
	}

	totals := qualityTotals(rep)
	if len(totals) > 0 {
		fmt.Fprintln(w)
		t := newTable(w)
		t.Header([]string{"Ladder", "Quality", "Variants", "Total"})
		for _, q := range totals {
			_ = t.Append([]string{q.ladder, q.quality, strconv.Itoa(q.count), formatMB(q.bytes)})
		}
		_ = t.Render()
	}
}

func variantRows(rep domain.BuildReport) [][]string {
	var rows [][]string
	for _, it := range rep.Items {
		if it.Basename == "" || it.Preset == "" {
			continue
		}
		status := color.GreenString("OK")
		size, reduction := formatMB(it.Size), reductionPercent(it.Size, it.SourceSize)
		if it.Status != domain.StatusProduced {
			status = color.RedString("FAIL")
			size, reduction = "-", "-"
		}
		rows = append(rows, []string{it.Basename, it.Ladder, it.Preset, status, size, reduction})
	}
	return rows
}

// reductionPercent 是变体相对源文件缩小的比例；源大小未知时输出 "-"。
func reductionPercent(size, source int64) string {
	if source <= 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", (1-float64(size)/float64(source))*100)
}

type qualityTotal struct {
	ladder  string
	quality string
	count   int
	bytes   int64
}

// qualityTotals 按 ladder、档位顺序（低 → 高）汇总已产出的变体。
func qualityTotals(rep domain.BuildReport) []qualityTotal {
	var out []qualityTotal
	idx := map[string]int{}
	for _, it := range rep.Items {
		if it.Status != domain.StatusProduced {
			continue
		}
		k := it.Ladder + "/" + it.Preset
		i, ok := idx[k]
		if !ok {
			i = len(out)
			idx[k] = i
			out = append(out, qualityTotal{ladder: it.Ladder, quality: it.Preset})
		}
		out[i].count++
		out[i].bytes += it.Size
	}
	order := preset.Order()
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.ladder != b.ladder {
			return a.ladder > b.ladder // simple 在前
		}
		return order(a.ladder, a.quality) < order(b.ladder, b.quality)
	})
	return out
}

func summaryLine(rep domain.BuildReport) string {
	s := rep.Summary
	return fmt.Sprintf("完成：assets=%d variants=%d failed=%d unsupported=%d source=%s output=%s",
		s.Assets, s.Variants, s.Failed, s.Unsupported, formatMB(s.SourceBytes), formatMB(s.OutputBytes),
	)
}

// printFailures 把失败与不支持的条目逐行写到 w。
func printFailures(w io.Writer, rep domain.BuildReport) {
	for _, it := range rep.Items {
		if it.Status == domain.StatusProduced {
			continue
		}
		key := it.Basename
		if it.Preset != "" {
			key += "/" + it.Ladder + ":" + it.Preset
		}
		if key == "" {
			key = it.Original
		}
		if key == "" {
			key = "<build>"
		}
		fmt.Fprintf(w, "%s %s: %s\n", key, color.RedString(it.ErrorCode), it.ErrorMsg)
	}
}
