package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/John-Robertt/texpipe/internal/app/build"
	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/encoder"
	"github.com/John-Robertt/texpipe/internal/preset"
)

type buildFlags struct {
	output      string
	strategy    string
	concurrency int
	toktx       string
	only        []string
}

// 可替换，便于测试在没有 toktx 的机器上走 full 策略。
var toolProbe build.ToolProbe = encoder.LookupToktx

func newBuildCmd(a *app) *cobra.Command {
	var f buildFlags
	cmd := &cobra.Command{
		Use:   "build [input]",
		Short: "把源全景图构建为多档位变体并写出 manifest",
		Long: `build 扫描 input 目录下的 jpg/png 源图，按选定策略产出每个档位的变体，
写出 manifest.json 与 report.json。

策略：
  auto    toktx 可用时等同 full，否则退化为 simple
  full    simple（webp/jpeg）+ gpu（ktx2）两个梯度，缺少 toktx 时失败
  simple  只构建 webp/jpeg 梯度

stdout 不是终端时，stdout 只输出一个 JSON 报告；摘要与日志写到 stderr。
至少产出一个变体时退出码为 0，否则为 1。`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.runBuild(cmd, args, f)
		},
	}
	fl := cmd.Flags()
	fl.StringVarP(&f.output, "output", "o", "", "输出目录（默认 "+config.DefaultOutput+"）")
	fl.StringVar(&f.strategy, "strategy", "", "构建策略：auto | full | simple（默认 auto）")
	fl.IntVarP(&f.concurrency, "concurrency", "j", 0, "并发编码数（1..32，默认 4）")
	fl.StringVar(&f.toktx, "toktx", "", "toktx 可执行文件（默认从 PATH 查找）")
	fl.StringSliceVar(&f.only, "only", nil, "只构建给定档位（逗号分隔，例如 medium,high）")
	return cmd
}

func (a *app) runBuild(cmd *cobra.Command, args []string, f buildFlags) error {
	started := time.Now()
	cwd, err := os.Getwd()
	if err != nil {
		return withCode(exitFailed, err)
	}

	flags := cmd.Flags()
	cli := config.CLIArgs{
		ConfigPath:     a.configPath,
		Output:         f.output,
		OutputSet:      flags.Changed("output"),
		Strategy:       f.strategy,
		StrategySet:    flags.Changed("strategy"),
		Concurrency:    f.concurrency,
		ConcurrencySet: flags.Changed("concurrency"),
		Toktx:          f.toktx,
		ToktxSet:       flags.Changed("toktx"),
	}
	if len(args) == 1 {
		cli.Input, cli.InputSet = args[0], true
	}

	eff, err := config.LoadEffective(cwd, cli)
	if err != nil {
		a.emitReport(reportForError(cli, started, err), nil)
		return withCode(exitUsage, nil)
	}

	st, err := build.SelectStrategy(eff.Strategy, eff.Toktx, toolProbe)
	if err == nil {
		st, err = st.Only(f.only)
	}
	if err != nil {
		a.emitReport(reportForError(cli, started, err), nil)
		if domain.IsCode(err, domain.ErrCodeToolUnavailable) {
			return withCode(exitFailed, nil)
		}
		return withCode(exitUsage, nil)
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var obs build.Observer
	if w, ok := a.progressWriter(); ok {
		ui := newProgressUI(w)
		defer ui.Stop()
		obs = ui
	}
	runner := &build.Runner{Logger: a.log}
	res := runner.Run(ctx, eff, st, obs)

	a.emitReport(res.Report, res.Manifest)
	if res.ManifestPath != "" {
		fmt.Fprintf(a.stderr, "manifest: %s\n", res.ManifestPath)
	}
	if res.ReportPath != "" {
		fmt.Fprintf(a.stderr, "report: %s\n", res.ReportPath)
	}
	if ctx.Err() != nil {
		fmt.Fprintln(a.stderr, "构建被中断")
	}
	if !res.OK() {
		return withCode(exitFailed, nil)
	}
	return nil
}

// emitReport 输出构建结果：终端上打印摘要表，否则 stdout 只输出一个 JSON 报告。
func (a *app) emitReport(rep domain.BuildReport, m *domain.Manifest) {
	if a.isTTY(a.stdout) {
		printSummary(a.stdout, rep, m)
		printFailures(a.stderr, rep)
		return
	}

	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(rep)
	fmt.Fprintln(a.stderr, summaryLine(rep))
	printFailures(a.stderr, rep)
}

// reportForError 为构建开始前的失败（配置/策略）合成一个只含单条失败项的报告。
func reportForError(cli config.CLIArgs, started time.Time, err error) domain.BuildReport {
	code := config.Code(err)
	if code == "" {
		code = domain.Code(err)
	}
	if code == "" {
		code = domain.ErrCodeConfigInvalid
	}
	rep := domain.BuildReport{
		RunID:      uuid.NewString(),
		Input:      strings.TrimSpace(cli.Input),
		Output:     strings.TrimSpace(cli.Output),
		Strategy:   strings.TrimSpace(cli.Strategy),
		StartedAt:  started,
		FinishedAt: time.Now(),
		Items: []domain.ItemResult{{
			Status:    domain.StatusFailed,
			ErrorCode: code,
			ErrorMsg:  err.Error(),
		}},
	}
	rep.Finalize(preset.Order())
	return rep
}
