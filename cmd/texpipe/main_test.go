package main

import (
	"bytes"
	"encoding/json"
	"image"
	"image/color"
	"image/jpeg"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/John-Robertt/texpipe/internal/config"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/manifest"
)

func runCLI(t *testing.T, args ...string) (int, string, string) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	code := run(args, &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_UnknownFlagIsUsageError(t *testing.T) {
	code, _, stderr := runCLI(t, "build", "--no-such-flag")
	if code != exitUsage {
		t.Fatalf("期望退出码 %d，实际 %d（stderr=%s）", exitUsage, code, stderr)
	}
	if !strings.Contains(stderr, "--help") {
		t.Fatalf("usage 错误应提示 --help：%s", stderr)
	}
}

func TestRun_UnknownCommandIsUsageError(t *testing.T) {
	if code, _, _ := runCLI(t, "bogus"); code != exitUsage {
		t.Fatalf("期望退出码 %d，实际 %d", exitUsage, code)
	}
}

func TestBuild_InvalidConfigEmitsReportAndExits2(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFile(t, "texpipe.yaml", []byte("strategy: fastest\n"))

	code, stdout, _ := runCLI(t, "build")
	if code != exitUsage {
		t.Fatalf("期望退出码 %d，实际 %d", exitUsage, code)
	}
	rep := decodeReport(t, stdout)
	if len(rep.Items) != 1 || rep.Items[0].ErrorCode != domain.ErrCodeConfigInvalid {
		t.Fatalf("期望单条 config_invalid，实际 %+v", rep.Items)
	}
}

func TestBuild_UnknownQualityIsUsageError(t *testing.T) {
	t.Chdir(t.TempDir())
	if code, _, _ := runCLI(t, "build", "--strategy", "simple", "--only", "gigantic"); code != exitUsage {
		t.Fatalf("期望退出码 %d，实际 %d", exitUsage, code)
	}
}

func TestBuild_FullWithoutToktxExits1(t *testing.T) {
	t.Chdir(t.TempDir())
	code, stdout, _ := runCLI(t, "build", "--strategy", "full", "--toktx", "/definitely/not/toktx")
	if code != exitFailed {
		t.Fatalf("期望退出码 %d，实际 %d", exitFailed, code)
	}
	rep := decodeReport(t, stdout)
	if len(rep.Items) != 1 || rep.Items[0].ErrorCode != domain.ErrCodeToolUnavailable {
		t.Fatalf("期望单条 tool_unavailable，实际 %+v", rep.Items)
	}
}

func TestBuild_ZeroVariantsExits1(t *testing.T) {
	t.Chdir(t.TempDir())
	writeFile(t, filepath.Join("src", "broken.jpg"), []byte("nope"))

	code, stdout, stderr := runCLI(t, "build", "src", "--strategy", "simple", "--only", "medium")
	if code != exitFailed {
		t.Fatalf("期望退出码 %d，实际 %d（stderr=%s）", exitFailed, code, stderr)
	}
	rep := decodeReport(t, stdout)
	if rep.Summary.Variants != 0 || rep.Summary.Failed != 1 {
		t.Fatalf("summary 不符合预期：%+v", rep.Summary)
	}
	if !strings.Contains(stderr, "完成：") {
		t.Fatalf("stderr 应包含摘要行：%s", stderr)
	}
}

func TestBuild_ProducesManifestAndJSONReport(t *testing.T) {
	if testing.Short() {
		t.Skip("编码 2048x1024 webp 较慢")
	}
	t.Chdir(t.TempDir())
	writeJPEG(t, filepath.Join("src", "beach.jpg"), 64, 32)

	code, stdout, stderr := runCLI(t, "build", "src", "-o", "out", "--strategy", "simple", "--only", "medium", "-j", "1")
	if code != exitOK {
		t.Fatalf("期望退出码 0，实际 %d（stderr=%s）", code, stderr)
	}
	rep := decodeReport(t, stdout)
	if rep.Strategy != config.StrategySimple || rep.Summary.Variants != 1 {
		t.Fatalf("报告不符合预期：%+v", rep)
	}
	m, err := manifest.Load(filepath.Join("out", manifest.FileName))
	if err != nil {
		t.Fatalf("读取 manifest 失败：%v", err)
	}
	if v := m.Textures["beach"].Variants["medium"]; v.Width != 2048 || v.Format != domain.FormatWebP {
		t.Fatalf("medium 变体不符合预期：%+v", v)
	}

	// 构建产物可以直接通过 verify。
	if code, _, stderr := runCLI(t, "verify", "-o", "out"); code != exitOK {
		t.Fatalf("verify 期望退出码 0，实际 %d（stderr=%s）", code, stderr)
	}
}

func TestClassify_Ultra(t *testing.T) {
	code, stdout, stderr := runCLI(t, "classify", "--max-texture-size", "16384", "--memory", "8", "--dpr", "2", "--network", "4g")
	if code != exitOK {
		t.Fatalf("期望退出码 0，实际 %d（stderr=%s）", code, stderr)
	}
	var out classifyOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("输出不是 JSON：%v\n%s", err, stdout)
	}
	if out.Profile.TierName != "ultra" || out.Profile.MaxConcurrentLoads != 6 || out.Quality != "very-high" {
		t.Fatalf("分级不符合预期：%+v", out)
	}
}

func TestClassify_GPULadderAndSlowNetwork(t *testing.T) {
	_, stdout, _ := runCLI(t, "classify", "--max-texture-size", "16384", "--memory", "8", "--dpr", "2", "--ladder", "gpu")
	var out classifyOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("输出不是 JSON：%v", err)
	}
	if out.Ladder != domain.LadderGPU || out.Quality != "high" {
		t.Fatalf("gpu 梯度档位不符合预期：%+v", out)
	}

	_, stdout, _ = runCLI(t, "classify", "--max-texture-size", "16384", "--memory", "8", "--dpr", "2", "--network", "2g")
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("输出不是 JSON：%v", err)
	}
	if out.Profile.TierName != "ultra" || out.Quality != "medium" {
		t.Fatalf("2g 应强制 medium：%+v", out)
	}
}

func TestClassify_ConstrainedByManifest(t *testing.T) {
	dir := t.TempDir()
	writeManifest(t, dir, map[string]int64{"medium": 10})

	_, stdout, _ := runCLI(t, "classify", "--max-texture-size", "16384", "--memory", "8", "--dpr", "2",
		"--manifest", filepath.Join(dir, manifest.FileName))
	var out classifyOutput
	if err := json.Unmarshal([]byte(stdout), &out); err != nil {
		t.Fatalf("输出不是 JSON：%v", err)
	}
	if out.Quality != "medium" || out.Profile.SelectedQuality != "medium" {
		t.Fatalf("应降到 manifest 中声明的 medium：%+v", out)
	}
}

func TestClassify_InvalidInputs(t *testing.T) {
	if code, _, _ := runCLI(t, "classify", "--network", "5g"); code != exitUsage {
		t.Fatalf("未知网络类型应为 usage 错误，实际 %d", code)
	}
	if code, _, _ := runCLI(t, "classify", "--ladder", "hdr"); code != exitUsage {
		t.Fatalf("未知梯度应为 usage 错误，实际 %d", code)
	}
	if code, _, _ := runCLI(t, "classify", "--manifest", filepath.Join(t.TempDir(), "missing.json")); code != exitFailed {
		t.Fatalf("manifest 不存在应退出 1，实际 %d", code)
	}
}

func TestVerify_DetectsMismatch(t *testing.T) {
	t.Chdir(t.TempDir())
	out := config.DefaultOutput
	writeManifest(t, out, map[string]int64{"medium": 4, "high-mid": 8})
	writeFile(t, filepath.Join(out, "medium", "beach.webp"), []byte("1234"))
	writeFile(t, filepath.Join(out, "high-mid", "beach.jpg"), []byte("123"))

	code, stdout, _ := runCLI(t, "verify")
	if code != exitFailed {
		t.Fatalf("期望退出码 %d，实际 %d", exitFailed, code)
	}
	var res verifyOutput
	if err := json.Unmarshal([]byte(stdout), &res); err != nil {
		t.Fatalf("输出不是 JSON：%v", err)
	}
	if res.Variants != 2 || len(res.Mismatches) != 1 || res.Mismatches[0].Quality != "high-mid" || res.Mismatches[0].Got != 3 {
		t.Fatalf("校验结果不符合预期：%+v", res)
	}

	writeFile(t, filepath.Join(out, "high-mid", "beach.jpg"), []byte("12345678"))
	if code, _, _ := runCLI(t, "verify", filepath.Join(out, manifest.FileName)); code != exitOK {
		t.Fatalf("修复后期望退出码 0，实际 %d", code)
	}
}

func TestVerify_MissingManifest(t *testing.T) {
	t.Chdir(t.TempDir())
	if code, _, _ := runCLI(t, "verify"); code != exitFailed {
		t.Fatalf("期望退出码 %d，实际 %d", exitFailed, code)
	}
}

func TestServeStack_InstallsCacheAndServes(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)
	writeFile(t, filepath.Join("site", "app.js"), []byte("console.log(1)"))
	writeFile(t, "texpipe.yaml", []byte("serve:\n  origin: site\n  static_urls: [/app.js]\n"))
	writeManifest(t, config.DefaultOutput, map[string]int64{"medium": 4})

	eff, err := config.LoadEffective(root, config.CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	st, err := newServeStack(t.Context(), eff, "", nil)
	if err != nil {
		t.Fatalf("组装 serve 失败：%v", err)
	}
	defer st.Close()

	srv := httptest.NewServer(st.echo)
	defer srv.Close()

	for _, p := range []string{"/healthz", "/api/textures", "/app.js", "/metrics"} {
		resp, err := http.Get(srv.URL + p)
		if err != nil {
			t.Fatalf("GET %s 失败：%v", p, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("GET %s 状态码 %d", p, resp.StatusCode)
		}
	}
	if _, err := os.Stat(eff.Serve.CacheDB); err != nil {
		t.Fatalf("缓存数据库应已创建：%v", err)
	}

	st.Close()
	st.Close()
}

func TestServeStack_FailsWithoutManifestOrOrigin(t *testing.T) {
	root := t.TempDir()
	t.Chdir(root)

	eff, err := config.LoadEffective(root, config.CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if _, err := newServeStack(t.Context(), eff, "", nil); err == nil {
		t.Fatalf("缺少 manifest 时应失败")
	}

	writeManifest(t, config.DefaultOutput, map[string]int64{"medium": 4})
	eff.Serve.Origin = filepath.Join(root, "missing")
	if _, err := newServeStack(t.Context(), eff, "", nil); err == nil {
		t.Fatalf("origin 目录不存在时应失败")
	}
}

func decodeReport(t *testing.T, stdout string) domain.BuildReport {
	t.Helper()
	var rep domain.BuildReport
	if err := json.Unmarshal([]byte(stdout), &rep); err != nil {
		t.Fatalf("stdout 应只包含一个 JSON 报告：%v\n%s", err, stdout)
	}
	return rep
}

// writeManifest 在 dir 下写出只含 beach 一个源图的 manifest，sizes 给出 simple 梯度各档位的大小。
func writeManifest(t *testing.T, dir string, sizes map[string]int64) {
	t.Helper()
	ext := map[string]string{"medium": "webp"}
	e := domain.TextureEntry{Original: "beach.jpg", Variants: map[string]domain.Variant{}}
	for q, n := range sizes {
		x := ext[q]
		if x == "" {
			x = "jpg"
		}
		format := domain.FormatJPEG
		if x == "webp" {
			format = domain.FormatWebP
		}
		e.Variants[q] = domain.Variant{Path: config.DefaultAssetRoot + "/" + q + "/beach." + x, Size: n, Format: format}
	}
	m := &domain.Manifest{
		Version:   domain.ManifestVersion,
		Generated: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		BuildType: config.StrategySimple,
		Textures:  map[string]domain.TextureEntry{"beach": e},
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if _, err := manifest.Write(dir, m); err != nil {
		t.Fatalf("写入 manifest 失败：%v", err)
	}
}

func writeJPEG(t *testing.T, path string, w, h int) {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 4), uint8(y * 8), 200, 255})
		}
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("生成 jpeg 失败：%v", err)
	}
	writeFile(t, path, buf.Bytes())
}

func writeFile(t *testing.T, path string, b []byte) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("创建目录失败：%v", err)
	}
	if err := os.WriteFile(path, b, 0o644); err != nil {
		t.Fatalf("写入文件失败：%v", err)
	}
}
