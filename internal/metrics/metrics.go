// Package metrics 提供 texpipe 运行期的 Prometheus 指标。
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 注册在调用方提供的 Registry 上（测试里可以各用各的）。
type Metrics struct {
	// RescacheEvents 统计资源缓存事件：hit / miss / evict / dispose / production_failed / stale。
	RescacheEvents *prometheus.CounterVec
	// RescacheEntries 是资源缓存当前条目数。
	RescacheEntries prometheus.Gauge
	// SwcacheRequests 按路由与来源统计浏览器缓存层的请求：source = cache / network / fallback / error。
	SwcacheRequests *prometheus.CounterVec
	// DecodeDuration 是解码 worker 单次 fetch+decode 的耗时。
	DecodeDuration *prometheus.HistogramVec
}

func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RescacheEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texpipe",
			Name:      "rescache_events_total",
			Help:      "Resource cache events by kind",
		}, []string{"event"}),
		RescacheEntries: f.NewGauge(prometheus.GaugeOpts{
			Namespace: "texpipe",
			Name:      "rescache_entries",
			Help:      "Number of derived resources currently held by the resource cache",
		}),
		SwcacheRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "texpipe",
			Name:      "swcache_requests_total",
			Help:      "Asset cache requests by route and source",
		}, []string{"route", "source"}),
		DecodeDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "texpipe",
			Name:      "decode_duration_seconds",
			Help:      "Duration of fetch+decode in the decode worker",
			Buckets:   prometheus.DefBuckets,
		}, []string{"status"}),
	}
}

// RescacheEvent 实现 rescache 的事件钩子；m 为 nil 时不做任何事。
func (m *Metrics) RescacheEvent(event string, entries int) {
	if m == nil {
		return
	}
	m.RescacheEvents.WithLabelValues(event).Inc()
	m.RescacheEntries.Set(float64(entries))
}

// SwcacheRequest 记录一次浏览器缓存层请求。
func (m *Metrics) SwcacheRequest(route, source string) {
	if m == nil {
		return
	}
	m.SwcacheRequests.WithLabelValues(route, source).Inc()
}

// ObserveDecode 记录一次解码耗时。
func (m *Metrics) ObserveDecode(status string, d time.Duration) {
	if m == nil {
		return
	}
	m.DecodeDuration.WithLabelValues(status).Observe(d.Seconds())
}
