// Package server 是运行期 HTTP 入口：设备分级、纹理解析、缓存层消息与指标，其余请求交给缓存层。
package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/John-Robertt/texpipe/internal/device"
	"github.com/John-Robertt/texpipe/internal/domain"
	"github.com/John-Robertt/texpipe/internal/manifest"
	"github.com/John-Robertt/texpipe/internal/preset"
	"github.com/John-Robertt/texpipe/internal/rescache"
	"github.com/John-Robertt/texpipe/internal/session"
	"github.com/John-Robertt/texpipe/internal/swcache"
)

type Deps struct {
	Manifest *domain.Manifest
	// BaseURL 是纹理 URL 的前缀；为空时返回同源路径。
	BaseURL string
	Cache   *swcache.Worker
	// Session 可选；为空时不注册 /api/envmaps。
	Session  *session.Session
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
}

type handler struct {
	d   Deps
	log *slog.Logger
}

func New(d Deps) *echo.Echo {
	if d.Logger == nil {
		d.Logger = slog.New(slog.DiscardHandler)
	}
	h := &handler{d: d, log: d.Logger}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true

	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogStatus:   true,
		LogURI:      true,
		LogError:    true,
		LogMethod:   true,
		LogLatency:  true,
		HandleError: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			attrs := []any{"method", v.Method, "uri", v.URI, "status", v.Status, "latency_ms", v.Latency.Milliseconds()}
			if v.Error != nil {
				h.log.Warn("request failed", append(attrs, "error", v.Error.Error())...)
				return nil
			}
			h.log.Debug("request completed", attrs...)
			return nil
		},
	}))
	e.Use(middleware.Recover())

	e.GET("/healthz", h.health)
	e.GET("/api/profile", h.profile)
	e.GET("/api/textures", h.textures)
	e.GET("/api/textures/:basename", h.texture)
	e.POST("/api/sw/messages", h.swMessage)
	if d.Session != nil {
		e.GET("/api/envmaps", h.envmaps)
		e.GET("/api/envmaps/:basename", h.envmap)
		e.DELETE("/api/envmaps/:basename", h.invalidateEnvmap)
	}
	if d.Gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	}
	if d.Cache != nil {
		e.Any("/*", echo.WrapHandler(d.Cache))
	}
	return e
}

func (h *handler) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

// signalsFrom 从 query 读取设备信号；缺失的字段保持零值，由 Classify 补默认值。
func signalsFrom(c echo.Context) (domain.DeviceSignals, error) {
	var s domain.DeviceSignals
	if v := c.QueryParam("maxTextureSize"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return s, echo.NewHTTPError(http.StatusBadRequest, "maxTextureSize 必须是非负整数")
		}
		s.MaxTextureSize = n
	}
	for _, f := range []struct {
		name string
		dst  *float64
	}{
		{"memory", &s.MemoryGiB},
		{"dpr", &s.DevicePixelRatio},
	} {
		v := c.QueryParam(f.name)
		if v == "" {
			continue
		}
		x, err := strconv.ParseFloat(v, 64)
		if err != nil || x < 0 {
			return s, echo.NewHTTPError(http.StatusBadRequest, f.name+" 必须是非负数")
		}
		*f.dst = x
	}
	s.NetworkClass = c.QueryParam("network")
	return s, nil
}

func (h *handler) classify(c echo.Context) (domain.DeviceProfile, error) {
	s, err := signalsFrom(c)
	if err != nil {
		return domain.DeviceProfile{}, err
	}
	l := preset.Simple()
	return device.Constrain(device.Classify(s), l, manifest.Qualities(h.d.Manifest, l)), nil
}

func (h *handler) profile(c echo.Context) error {
	p, err := h.classify(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

type texturesResponse struct {
	Basenames []string            `json:"basenames"`
	Qualities map[string][]string `json:"qualities"`
}

func (h *handler) textures(c echo.Context) error {
	out := texturesResponse{Basenames: h.d.Manifest.Basenames(), Qualities: map[string][]string{}}
	for _, l := range []preset.Ladder{preset.Simple(), preset.GPU()} {
		if qs := manifest.Qualities(h.d.Manifest, l); len(qs) > 0 {
			out.Qualities[l.Name] = qs
		}
	}
	return c.JSON(http.StatusOK, out)
}

type textureResponse struct {
	manifest.Resolution
	URL string `json:"url"`
}

// texture 解析一个纹理：?quality= 直接指定档位，否则按 query 中的设备信号分级。
func (h *handler) texture(c echo.Context) error {
	ladderName := c.QueryParam("ladder")
	if ladderName == "" {
		ladderName = domain.LadderSimple
	}
	l, err := preset.ByName(ladderName)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	q := c.QueryParam("quality")
	if q == "" {
		p, err := h.classify(c)
		if err != nil {
			return err
		}
		q = device.QualityFor(p, l.Name)
	}

	res, err := manifest.Resolve(h.d.Manifest, c.Param("basename"), l, q)
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, textureResponse{Resolution: res, URL: manifest.URL(h.d.BaseURL, res.Variant)})
}

// swMessage 转交给缓存层，立即返回 202，不等待结果。
func (h *handler) swMessage(c echo.Context) error {
	if h.d.Cache == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "缓存层未启用")
	}
	var m swcache.Message
	if err := c.Bind(&m); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "消息格式错误")
	}
	h.d.Cache.HandleMessage(m)
	return c.NoContent(http.StatusAccepted)
}

// envmapsResponse 是资源缓存的当前内容（从旧到新）与累计计数。
type envmapsResponse struct {
	Keys  []string       `json:"keys"`
	Stats rescache.Stats `json:"stats"`
}

func (h *handler) envmaps(c echo.Context) error {
	resp := envmapsResponse{Keys: []string{}, Stats: h.d.Session.CacheStats()}
	for _, k := range h.d.Session.CacheKeys() {
		resp.Keys = append(resp.Keys, k.String())
	}
	return c.JSON(http.StatusOK, resp)
}

func (h *handler) envmap(c echo.Context) error {
	sh, err := h.d.Session.Show(c.Request().Context(), c.Param("basename"))
	if err != nil {
		return mapDomainError(err)
	}
	return c.JSON(http.StatusOK, sh)
}

// invalidateEnvmap 丢弃 basename 的环境贴图，下一次 GET 重新生产。
func (h *handler) invalidateEnvmap(c echo.Context) error {
	basename := c.Param("basename")
	if _, ok := h.d.Manifest.Textures[basename]; !ok {
		return echo.NewHTTPError(http.StatusNotFound, "未知纹理："+basename)
	}
	return c.JSON(http.StatusOK, map[string]int{"removed": h.d.Session.Invalidate(basename)})
}

// mapDomainError 把领域错误映射为 HTTP 状态码。
func mapDomainError(err error) *echo.HTTPError {
	switch {
	case errors.Is(err, session.ErrSuperseded):
		return echo.NewHTTPError(http.StatusConflict, err.Error())
	case errors.Is(err, session.ErrClosed):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, "请求已取消或超时")
	case domain.IsCode(err, domain.ErrCodeMissingQualityTier):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case domain.IsCode(err, domain.ErrCodeFetchFailed),
		domain.IsCode(err, domain.ErrCodeDecodeFailed),
		domain.IsCode(err, domain.ErrCodeCacheProductionFailed):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, "internal error")
	}
}
