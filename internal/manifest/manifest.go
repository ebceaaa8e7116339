// Package manifest 负责构建、持久化、校验与查询 manifest。
package manifest

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/infra/fsx"
)

// FileName 是 manifest 在输出目录中的文件名。
const FileName = "manifest.json"

// Produced 是一个成功落盘的变体。
type Produced struct {
	Asset   domain.SourceAsset
	Preset  domain.QualityPreset
	Variant domain.Variant
}

// Build 只用成功的变体组装 manifest；没有任何变体的源图不会出现。
func Build(buildType string, generated time.Time, produced []Produced) *domain.Manifest {
	m := &domain.Manifest{
		Version:   domain.ManifestVersion,
		Generated: generated.UTC(),
		BuildType: buildType,
		Textures:  map[string]domain.TextureEntry{},
	}
	for _, p := range produced {
		e := m.Textures[p.Asset.Basename]
		e.Original = p.Asset.OriginalFilename
		switch p.Preset.Ladder {
		case domain.LadderGPU:
			if e.Formats == nil {
				e.Formats = map[string]domain.Variant{}
			}
			e.Formats[p.Preset.Name] = p.Variant
		default:
			if e.Variants == nil {
				e.Variants = map[string]domain.Variant{}
			}
			e.Variants[p.Preset.Name] = p.Variant
		}
		m.Textures[p.Asset.Basename] = e
	}
	return m
}

// Write 把 m 原子写入 dir/manifest.json，返回写入路径。
func Write(dir string, m *domain.Manifest) (string, error) {
	b, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", domain.NewError(domain.ErrCodeManifestWriteFailed, dir, err)
	}
	b = append(b, '\n')
	if err := fsx.WriteFileAtomic(dir, FileName, b); err != nil {
		return "", domain.NewError(domain.ErrCodeManifestWriteFailed, filepath.Join(dir, FileName), err)
	}
	return filepath.Join(dir, FileName), nil
}

// Load 读取 manifest 文件。
func Load(path string) (*domain.Manifest, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(b)
}

// Parse 解析 manifest JSON。
func Parse(b []byte) (*domain.Manifest, error) {
	var m domain.Manifest
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("manifest 解析失败：%w", err)
	}
	if m.Textures == nil {
		return nil, errors.New("manifest 缺少 textures")
	}
	return &m, nil
}

// Locator 把 manifest 中的路径映射回磁盘。
// manifest 路径 = AssetRoot + "/" + 相对 OutDir 的路径。
type Locator struct {
	OutDir    string
	AssetRoot string
}

// Path 返回 manifest 路径对应的磁盘路径；路径不在 AssetRoot 下或企图越界时返回错误。
func (l Locator) Path(p string) (string, error) {
	rel := p
	if root := strings.Trim(l.AssetRoot, "/"); root != "" {
		if !strings.HasPrefix(p, root+"/") {
			return "", fmt.Errorf("路径 %q 不在 asset root %q 下", p, root)
		}
		rel = strings.TrimPrefix(p, root+"/")
	}
	local := filepath.FromSlash(rel)
	if !filepath.IsLocal(local) {
		return "", fmt.Errorf("路径 %q 越界", p)
	}
	return filepath.Join(l.OutDir, local), nil
}

// Mismatch 是一条校验失败：文件缺失或大小不一致。
type Mismatch struct {
	Basename string `json:"basename"`
	Ladder   string `json:"ladder"`
	Quality  string `json:"quality"`
	Path     string `json:"path"`
	Want     int64  `json:"want"`
	Got      int64  `json:"got"`
	Reason   string `json:"reason"`
}

// Verify 检查 manifest 中每个变体都对应磁盘上大小一致的文件。
// 结果按 basename / ladder / quality 稳定排序。
func Verify(loc Locator, m *domain.Manifest) []Mismatch {
	var out []Mismatch
	for _, b := range m.Basenames() {
		e := m.Textures[b]
		for _, ladder := range []string{domain.LadderSimple, domain.LadderGPU} {
			vs := e.Ladder(ladder)
			for _, q := range sortedKeys(vs) {
				v := vs[q]
				mm := Mismatch{Basename: b, Ladder: ladder, Quality: q, Path: v.Path, Want: v.Size, Got: -1}
				p, err := loc.Path(v.Path)
				if err != nil {
					mm.Reason = err.Error()
					out = append(out, mm)
					continue
				}
				fi, err := os.Stat(p)
				switch {
				case err != nil:
					mm.Reason = "文件不存在"
				case !fi.Mode().IsRegular():
					mm.Reason = "不是普通文件"
				case fi.Size() != v.Size:
					mm.Got = fi.Size()
					mm.Reason = "大小不一致"
				default:
					continue
				}
				out = append(out, mm)
			}
		}
	}
	return out
}
