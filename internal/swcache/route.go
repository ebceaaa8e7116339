package swcache

import (
	"path"
	"strings"
)

// Route 是一次请求命中的缓存策略。
type Route string

const (
	RouteStatic      Route = "static"
	RouteTexture     Route = "texture"
	RouteRuntime     Route = "runtime"
	RoutePassthrough Route = "passthrough"
)

// textureExts 是按扩展名识别的纹理格式。
var textureExts = map[string]bool{
	".ktx2": true,
	".webp": true,
	".jpg":  true,
	".jpeg": true,
}

// IsTexturePath：路径里有 textures 段，或扩展名是纹理格式。
func IsTexturePath(p string) bool {
	for _, seg := range strings.Split(p, "/") {
		if seg == "textures" {
			return true
		}
	}
	return textureExts[strings.ToLower(path.Ext(p))]
}

// classify 决定 GET 请求的路由；static 精确匹配优先（即使它看起来像纹理）。
func (w *Worker) classify(method, key, p string) Route {
	if method != "GET" {
		return RoutePassthrough
	}
	if w.isStatic(key) {
		return RouteStatic
	}
	if IsTexturePath(p) {
		return RouteTexture
	}
	return RouteRuntime
}
