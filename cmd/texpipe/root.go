package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
)

// 退出码。
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// exitError 携带退出码；err 为 nil 时表示详情已经输出过，只需退出。
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string {
	if e.err == nil {
		return fmt.Sprintf("exit status %d", e.code)
	}
	return e.err.Error()
}

func (e *exitError) Unwrap() error { return e.err }

func withCode(code int, err error) error {
	return &exitError{code: code, err: err}
}

// app 是一次命令执行的共享状态（全局 flag、输出流、logger）。
type app struct {
	configPath string
	verbose    bool

	stdout io.Writer
	stderr io.Writer
	log    *slog.Logger

	// 可替换，便于测试模拟交互终端。
	isTTY func(w io.Writer) bool
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "texpipe",
		Short: "全景纹理构建与运行期分级加载",
		Long: `texpipe 把全景源图构建为 simple / gpu 两个质量梯度的变体并写出 manifest，
运行期根据设备信号选择档位，通过带版本的资源缓存与解码 worker 加载纹理。

示例：
  texpipe build                          # 使用默认目录 textures/equirectangular → textures/processed
  texpipe build src --strategy simple    # 只构建 webp/jpeg 梯度
  texpipe classify --probe               # 用本机内存推断设备档位
  texpipe verify                         # 校验 manifest 与磁盘文件一致
  texpipe serve                          # 启动缓存层与运行期 API`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelWarn
			if a.verbose {
				level = slog.LevelDebug
			}
			a.log = slog.New(slog.NewTextHandler(a.stderr, &slog.HandlerOptions{Level: level}))
			return nil
		},
	}
	root.SetFlagErrorFunc(func(cmd *cobra.Command, err error) error {
		return withCode(exitUsage, err)
	})

	root.PersistentFlags().StringVar(&a.configPath, "config", "", "配置文件（默认依次查找 texpipe.yaml / texpipe.yml / texpipe.json）")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "输出调试日志")

	root.AddCommand(
		newBuildCmd(a),
		newClassifyCmd(a),
		newVerifyCmd(a),
		newServeCmd(a),
	)
	return root
}

// run 执行一次命令并返回退出码。
func run(args []string, stdout, stderr io.Writer) int {
	a := &app{
		stdout: stdout,
		stderr: stderr,
		log:    slog.New(slog.DiscardHandler),
		isTTY:  isTTY,
	}
	root := newRootCmd(a)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		if ee.err != nil {
			fmt.Fprintf(stderr, "错误：%v\n", ee.err)
		}
		if ee.code == exitUsage {
			fmt.Fprintln(stderr, "运行 texpipe --help 查看用法")
		}
		return ee.code
	}
	// cobra 自身的参数/子命令错误。
	fmt.Fprintf(stderr, "错误：%v\n", err)
	fmt.Fprintln(stderr, "运行 texpipe --help 查看用法")
	return exitUsage
}

func isTTY(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// progressWriter 选择进度输出目标：只在交互终端启用，优先 stderr。
func (a *app) progressWriter() (io.Writer, bool) {
	if a.isTTY(a.stderr) {
		return a.stderr, true
	}
	// 仅重定向 stderr 时 stdout 仍是终端：退化输出到 stdout。
	if a.isTTY(a.stdout) {
		return a.stdout, true
	}
	return nil, false
}
