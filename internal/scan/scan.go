package scan

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/John-Robertt/texpipe/internal/domain"
)

// ScanSources 扫描 dir（不递归）下的源图。
//
// 规则（硬约束）：
// - 可解码扩展名：.jpg .jpeg .png .webp（大小写不敏感）
// - .hdr/.exr：可识别但无法解码，以 Unsupported 标记返回，由上层写入 report
// - 其它文件与所有子目录：静默跳过
// - 同名不同扩展（a.jpg + a.png）：按文件名排序后依次分配 a、a__2、a__3……
//
// 注意：扫描阶段只做 stat，不读文件内容。
func ScanSources(dir string) ([]domain.SourceAsset, error) {
	dir, err := filepath.Abs(dir)
	if err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	// os.ReadDir 已按文件名排序；这里再显式排一次，不依赖实现细节。
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	used := map[string]struct{}{}
	out := make([]domain.SourceAsset, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		ext := strings.ToLower(filepath.Ext(name))
		kind := classifyExt(ext)
		if kind == extUnknown {
			continue
		}

		info, err := e.Info()
		if err != nil {
			return nil, err
		}
		if !info.Mode().IsRegular() {
			continue
		}

		a := domain.SourceAsset{
			OriginalFilename: name,
			AbsPath:          filepath.Join(dir, name),
			Ext:              ext,
			ByteSize:         info.Size(),
		}
		if kind == extUnsupported {
			a.Unsupported = fmt.Sprintf("暂不支持 %s 源图", ext)
		} else {
			a.Basename = allocBase(strings.TrimSuffix(name, filepath.Ext(name)), used)
			used[strings.ToLower(a.Basename)] = struct{}{}
		}
		out = append(out, a)
	}
	return out, nil
}

// Supported 过滤掉 Unsupported 的条目。
func Supported(assets []domain.SourceAsset) []domain.SourceAsset {
	out := make([]domain.SourceAsset, 0, len(assets))
	for _, a := range assets {
		if a.Unsupported == "" {
			out = append(out, a)
		}
	}
	return out
}

type extKind int

const (
	extUnknown extKind = iota
	extSupported
	extUnsupported
)

func classifyExt(ext string) extKind {
	switch ext {
	case ".jpg", ".jpeg", ".png", ".webp":
		return extSupported
	case ".hdr", ".exr":
		return extUnsupported
	default:
		return extUnknown
	}
}

// allocBase 按大小写不敏感判重：产物可能落在大小写不敏感的文件系统上。
func allocBase(base string, used map[string]struct{}) string {
	if _, ok := used[strings.ToLower(base)]; !ok {
		return base
	}
	for n := 2; ; n++ {
		cand := fmt.Sprintf("%s__%d", base, n)
		if _, ok := used[strings.ToLower(cand)]; !ok {
			return cand
		}
	}
}
