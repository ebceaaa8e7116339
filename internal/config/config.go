package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/John-Robertt/texpipe/internal/domain"
)

const (
	// ErrCodeNotFound 表示 --config 指定的文件不存在。
	ErrCodeNotFound = domain.ErrCodeConfigNotFound
	// ErrCodeInvalid 表示配置文件无法读取/解析，或字段不合法。
	ErrCodeInvalid = domain.ErrCodeConfigInvalid
)

// 构建策略。
const (
	StrategyAuto   = "auto"
	StrategyFull   = "full"
	StrategySimple = "simple"
)

// 内置默认值（CLI 与配置文件都未指定时）。
const (
	DefaultInput               = "textures/equirectangular"
	DefaultOutput              = "textures/processed"
	DefaultAssetRoot           = "textures/processed"
	DefaultStrategy            = StrategyAuto
	DefaultConcurrency         = 4
	DefaultToktx               = "toktx"
	DefaultListen              = ":8080"
	DefaultOrigin              = "."
	DefaultCacheVersion        = "v1"
	DefaultCachePrefix         = "texpipe"
	DefaultPMREMCacheSize      = 5
	DefaultPrefetchConcurrency = 4
)

// 无 --config 时在 cwd 下依次查找（都不存在也不报错）。
var discoveryNames = []string{"texpipe.yaml", "texpipe.yml", "texpipe.json"}

// CLIArgs 保留每个字段“是否显式指定”的信息，保证 CLI 覆盖优先级可实现
// （例如 --concurrency 1 必须能覆盖配置文件里的 8）。
type CLIArgs struct {
	ConfigPath string

	Input    string
	InputSet bool

	Output    string
	OutputSet bool

	Strategy    string
	StrategySet bool

	Concurrency    int
	ConcurrencySet bool

	Toktx    string
	ToktxSet bool

	Listen    string
	ListenSet bool
}

// FileConfig 对应 texpipe.yaml / texpipe.json。
type FileConfig struct {
	Input       string       `json:"input" yaml:"input"`
	Output      string       `json:"output" yaml:"output"`
	AssetRoot   *string      `json:"asset_root" yaml:"asset_root"`
	Strategy    string       `json:"strategy" yaml:"strategy"`
	Concurrency int          `json:"concurrency" yaml:"concurrency"`
	Toktx       string       `json:"toktx" yaml:"toktx"`
	Serve       *ServeConfig `json:"serve" yaml:"serve"`
}

type ServeConfig struct {
	Listen              string   `json:"listen" yaml:"listen"`
	Origin              string   `json:"origin" yaml:"origin"`
	CacheDB             string   `json:"cache_db" yaml:"cache_db"`
	CacheVersion        string   `json:"cache_version" yaml:"cache_version"`
	CachePrefix         string   `json:"cache_prefix" yaml:"cache_prefix"`
	StaticURLs          []string `json:"static_urls" yaml:"static_urls"`
	EntryHTML           string   `json:"entry_html" yaml:"entry_html"`
	PMREMCacheSize      int      `json:"pmrem_cache_size" yaml:"pmrem_cache_size"`
	PrefetchConcurrency int      `json:"prefetch_concurrency" yaml:"prefetch_concurrency"`
}

// EffectiveConfig 是合并并规范化后的最终配置（实现层直接消费，不再做二次默认/优先级判断）。
// 所有本地路径都是 clean + absolute。
type EffectiveConfig struct {
	// ConfigPath 是实际读取的配置文件；未使用配置文件时为空。
	ConfigPath string

	Input       string
	Output      string
	AssetRoot   string
	Strategy    string
	Concurrency int
	Toktx       string

	Serve EffectiveServe
}

type EffectiveServe struct {
	Listen string
	// Origin 是本地目录（绝对路径）或 http/https 基础 URL。
	Origin       string
	OriginRemote bool

	CacheDB             string
	CacheVersion        string
	CachePrefix         string
	StaticURLs          []string
	EntryHTML           string
	PMREMCacheSize      int
	PrefetchConcurrency int
}

// Error 是配置阶段的结构化错误（带 error_code）。
type Error struct {
	Code string
	Path string
	Err  error
}

func (e *Error) Error() string {
	switch e.Code {
	case ErrCodeNotFound:
		return fmt.Sprintf("%s：未找到配置文件 %q", e.Code, e.Path)
	case ErrCodeInvalid:
		if e.Err != nil {
			return fmt.Sprintf("%s：配置文件 %q 无效：%v", e.Code, e.Path, e.Err)
		}
		return fmt.Sprintf("%s：配置文件 %q 无效", e.Code, e.Path)
	default:
		if e.Err != nil {
			return fmt.Sprintf("%s：%v", e.Code, e.Err)
		}
		return e.Code
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Code 从 error 中提取 error_code；若不是 *Error 则返回空串。
func Code(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// LoadEffective 发现并读取配置文件，然后与 CLI 参数合并为最终配置。
//
// 发现规则（固定）：
// 1) 指定了 --config：必须存在，否则 config_not_found
// 2) 未指定：依次尝试 <cwd>/texpipe.yaml、texpipe.yml、texpipe.json（可选）
//
// 覆盖优先级：CLI > 配置文件 > 默认值。相对路径一律以 cwd 为基准。
func LoadEffective(cwd string, cli CLIArgs) (EffectiveConfig, error) {
	cwdAbs, err := filepath.Abs(cwd)
	if err != nil {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cwd, Err: err}
	}

	var (
		cfgPath string
		fc      FileConfig
	)

	if strings.TrimSpace(cli.ConfigPath) != "" {
		cfgPath = absCleanFrom(cwdAbs, cli.ConfigPath)
		var exists bool
		fc, exists, err = readFileConfig(cfgPath)
		if err != nil {
			return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
		}
		if !exists {
			return EffectiveConfig{}, &Error{Code: ErrCodeNotFound, Path: cfgPath, Err: os.ErrNotExist}
		}
	} else {
		for _, name := range discoveryNames {
			p := filepath.Join(cwdAbs, name)
			f, exists, err := readFileConfig(p)
			if err != nil {
				return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: p, Err: err}
			}
			if exists {
				cfgPath, fc = p, f
				break
			}
		}
	}

	return merge(cwdAbs, cli, fc, cfgPath)
}

func merge(cwd string, cli CLIArgs, fc FileConfig, cfgPath string) (EffectiveConfig, error) {
	invalid := func(err error) (EffectiveConfig, error) {
		return EffectiveConfig{}, &Error{Code: ErrCodeInvalid, Path: cfgPath, Err: err}
	}

	input := pick(cli.InputSet, cli.Input, fc.Input, DefaultInput)
	output := pick(cli.OutputSet, cli.Output, fc.Output, DefaultOutput)
	toktx := pick(cli.ToktxSet, cli.Toktx, fc.Toktx, DefaultToktx)

	strategy := pick(cli.StrategySet, cli.Strategy, fc.Strategy, DefaultStrategy)
	if err := validateStrategy(strategy); err != nil {
		return invalid(err)
	}

	// asset_root 允许显式设为空串（manifest 路径直接相对 output）。
	assetRoot := DefaultAssetRoot
	if fc.AssetRoot != nil {
		assetRoot = strings.Trim(filepath.ToSlash(strings.TrimSpace(*fc.AssetRoot)), "/")
	}
	if strings.Contains(assetRoot, "..") {
		return invalid(fmt.Errorf("asset_root 不能包含 ..：%q", assetRoot))
	}

	concurrency := fc.Concurrency
	if cli.ConcurrencySet {
		concurrency = cli.Concurrency
	}
	if concurrency == 0 {
		concurrency = DefaultConcurrency
	}
	concurrency = clamp(concurrency, 1, 32)

	var sc ServeConfig
	if fc.Serve != nil {
		sc = *fc.Serve
	}
	outputAbs := absCleanFrom(cwd, output)

	serve := EffectiveServe{
		Listen:              pick(cli.ListenSet, cli.Listen, sc.Listen, DefaultListen),
		CacheVersion:        pick(false, "", sc.CacheVersion, DefaultCacheVersion),
		CachePrefix:         pick(false, "", sc.CachePrefix, DefaultCachePrefix),
		StaticURLs:          append([]string(nil), sc.StaticURLs...),
		PMREMCacheSize:      sc.PMREMCacheSize,
		PrefetchConcurrency: sc.PrefetchConcurrency,
	}
	if serve.PMREMCacheSize == 0 {
		serve.PMREMCacheSize = DefaultPMREMCacheSize
	}
	if serve.PMREMCacheSize < 1 {
		return invalid(fmt.Errorf("serve.pmrem_cache_size 必须 >= 1，实际 %d", serve.PMREMCacheSize))
	}
	if serve.PrefetchConcurrency == 0 {
		serve.PrefetchConcurrency = DefaultPrefetchConcurrency
	}
	serve.PrefetchConcurrency = clamp(serve.PrefetchConcurrency, 1, 32)
	if strings.ContainsAny(serve.CacheVersion+serve.CachePrefix, " /") {
		return invalid(fmt.Errorf("serve.cache_prefix / serve.cache_version 不能包含空格或 /"))
	}

	origin := pick(false, "", sc.Origin, DefaultOrigin)
	if strings.HasPrefix(origin, "http://") || strings.HasPrefix(origin, "https://") {
		u, err := url.Parse(origin)
		if err != nil || u.Host == "" {
			return invalid(fmt.Errorf("serve.origin 无效：%q", origin))
		}
		serve.Origin = strings.TrimSuffix(u.String(), "/")
		serve.OriginRemote = true
	} else {
		serve.Origin = absCleanFrom(cwd, origin)
	}

	if strings.TrimSpace(sc.CacheDB) != "" {
		serve.CacheDB = absCleanFrom(cwd, sc.CacheDB)
	} else {
		serve.CacheDB = filepath.Join(outputAbs, ".swcache.db")
	}
	if e := strings.TrimSpace(sc.EntryHTML); e != "" {
		if !strings.HasPrefix(e, "/") {
			return invalid(fmt.Errorf("serve.entry_html 必须是以 / 开头的同源路径：%q", e))
		}
		serve.EntryHTML = e
	}
	for _, u := range serve.StaticURLs {
		if !strings.HasPrefix(u, "/") {
			return invalid(fmt.Errorf("serve.static_urls 必须是以 / 开头的同源路径：%q", u))
		}
	}

	return EffectiveConfig{
		ConfigPath:  cfgPath,
		Input:       absCleanFrom(cwd, input),
		Output:      outputAbs,
		AssetRoot:   assetRoot,
		Strategy:    strategy,
		Concurrency: concurrency,
		Toktx:       toktx,
		Serve:       serve,
	}, nil
}

func pick(cliSet bool, cliVal, fileVal, def string) string {
	if cliSet && strings.TrimSpace(cliVal) != "" {
		return strings.TrimSpace(cliVal)
	}
	if strings.TrimSpace(fileVal) != "" {
		return strings.TrimSpace(fileVal)
	}
	return def
}

func validateStrategy(s string) error {
	switch s {
	case StrategyAuto, StrategyFull, StrategySimple:
		return nil
	default:
		return fmt.Errorf("strategy 只能是 auto/full/simple，实际是 %q", s)
	}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// absCleanFrom 以 base 为基准，把 p 变为 clean + absolute。
func absCleanFrom(base, p string) string {
	p = strings.TrimSpace(p)
	if p == "" {
		return ""
	}
	p = filepath.Clean(p)
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Clean(filepath.Join(base, p))
}

// readFileConfig 读取并解析配置文件（.yaml/.yml 用 YAML，其余按 JSON）。
// 返回值 exists 表示该文件是否存在（不存在不算错误）。
func readFileConfig(path string) (fc FileConfig, exists bool, err error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return FileConfig{}, false, nil
		}
		return FileConfig{}, false, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(b, &fc)
	default:
		err = json.Unmarshal(b, &fc)
	}
	if err != nil {
		return FileConfig{}, true, err
	}
	return fc, true, nil
}
