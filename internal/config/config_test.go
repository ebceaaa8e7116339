package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadEffective_DefaultsWithoutConfigFile(t *testing.T) {
	cwd := t.TempDir()

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != "" {
		t.Fatalf("不应发现配置文件：%q", eff.ConfigPath)
	}
	if eff.Input != filepath.Join(cwd, DefaultInput) || eff.Output != filepath.Join(cwd, DefaultOutput) {
		t.Fatalf("默认路径不正确：%+v", eff)
	}
	if eff.Strategy != StrategyAuto || eff.Concurrency != DefaultConcurrency || eff.AssetRoot != DefaultAssetRoot {
		t.Fatalf("默认值不正确：%+v", eff)
	}
	if eff.Serve.CacheDB != filepath.Join(cwd, DefaultOutput, ".swcache.db") {
		t.Fatalf("cache_db 默认值不正确：%q", eff.Serve.CacheDB)
	}
	if eff.Serve.PMREMCacheSize != 5 || eff.Serve.Listen != ":8080" || eff.Serve.Origin != cwd {
		t.Fatalf("serve 默认值不正确：%+v", eff.Serve)
	}
}

func TestLoadEffective_ExplicitConfigNotFound(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{ConfigPath: "missing.yaml"})
	if Code(err) != ErrCodeNotFound {
		t.Fatalf("期望 %q，实际 err=%v (code=%q)", ErrCodeNotFound, err, Code(err))
	}
}

func TestLoadEffective_YAMLDiscoveryAndCLIOverride(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "texpipe.yaml"), []byte(`
input: src
output: dist/tex
strategy: simple
concurrency: 8
asset_root: ""
serve:
  cache_version: v7
  static_urls: ["/", "/index.html"]
  origin: https://cdn.example.test/
`))
	// yaml 优先于 json。
	writeFile(t, filepath.Join(cwd, "texpipe.json"), []byte(`{"strategy":"full"}`))

	eff, err := LoadEffective(cwd, CLIArgs{Concurrency: 1, ConcurrencySet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.ConfigPath != filepath.Join(cwd, "texpipe.yaml") {
		t.Fatalf("发现的配置文件不正确：%q", eff.ConfigPath)
	}
	if eff.Concurrency != 1 {
		t.Fatalf("期望 CLI 覆盖 concurrency=1，实际=%d", eff.Concurrency)
	}
	if eff.Strategy != StrategySimple || eff.Input != filepath.Join(cwd, "src") || eff.AssetRoot != "" {
		t.Fatalf("配置文件字段未生效：%+v", eff)
	}
	if eff.Serve.CacheVersion != "v7" || len(eff.Serve.StaticURLs) != 2 {
		t.Fatalf("serve 字段未生效：%+v", eff.Serve)
	}
	if !eff.Serve.OriginRemote || eff.Serve.Origin != "https://cdn.example.test" {
		t.Fatalf("远程 origin 未识别：%+v", eff.Serve)
	}
}

func TestLoadEffective_JSONConfig(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "texpipe.json"), []byte(`{"output":"/abs/out","toktx":"/opt/ktx/toktx"}`))

	eff, err := LoadEffective(cwd, CLIArgs{Output: "cli-out", OutputSet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Output != filepath.Join(cwd, "cli-out") {
		t.Fatalf("期望 CLI output 优先，实际=%q", eff.Output)
	}
	if eff.Toktx != "/opt/ktx/toktx" {
		t.Fatalf("toktx 未生效：%q", eff.Toktx)
	}
}

func TestLoadEffective_ConcurrencyClamp(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "texpipe.json"), []byte(`{"concurrency":100}`))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Concurrency != 32 {
		t.Fatalf("期望截断到 32，实际=%d", eff.Concurrency)
	}

	eff, err = LoadEffective(cwd, CLIArgs{Concurrency: -3, ConcurrencySet: true})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Concurrency != 1 {
		t.Fatalf("期望截断到 1，实际=%d", eff.Concurrency)
	}
}

func TestLoadEffective_InvalidStrategy(t *testing.T) {
	cwd := t.TempDir()

	_, err := LoadEffective(cwd, CLIArgs{Strategy: "turbo", StrategySet: true})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
}

func TestLoadEffective_InvalidYAML(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "texpipe.yml"), []byte("input: [unclosed"))

	_, err := LoadEffective(cwd, CLIArgs{})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
}

func TestLoadEffective_StaticURLsMustBeSameOrigin(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "texpipe.json"), []byte(`{"serve":{"static_urls":["https://evil.test/x.js"]}}`))

	_, err := LoadEffective(cwd, CLIArgs{})
	if Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
}

func TestLoadEffective_EntryHTML(t *testing.T) {
	cwd := t.TempDir()
	writeFile(t, filepath.Join(cwd, "texpipe.yaml"), []byte("serve:\n  entry_html: /\n"))

	eff, err := LoadEffective(cwd, CLIArgs{})
	if err != nil {
		t.Fatalf("不期望错误：%v", err)
	}
	if eff.Serve.EntryHTML != "/" {
		t.Fatalf("entry_html 应保持为同源路径：%q", eff.Serve.EntryHTML)
	}

	writeFile(t, filepath.Join(cwd, "texpipe.yaml"), []byte("serve:\n  entry_html: index.html\n"))
	if _, err := LoadEffective(cwd, CLIArgs{}); Code(err) != ErrCodeInvalid {
		t.Fatalf("期望 %q，实际 err=%v", ErrCodeInvalid, err)
	}
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
