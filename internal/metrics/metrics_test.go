package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_Counters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.RescacheEvent("hit", 1)
	m.RescacheEvent("hit", 2)
	m.RescacheEvent("evict", 2)
	m.SwcacheRequest("texture", "cache")
	m.ObserveDecode("ok", 10*time.Millisecond)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RescacheEvents.WithLabelValues("hit")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RescacheEvents.WithLabelValues("evict")))
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RescacheEntries))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SwcacheRequests.WithLabelValues("texture", "cache")))

	n, err := testutil.GatherAndCount(reg, "texpipe_decode_duration_seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMetrics_NilSafe(t *testing.T) {
	var m *Metrics
	m.RescacheEvent("hit", 1)
	m.SwcacheRequest("static", "cache")
	m.ObserveDecode("ok", time.Second)
}
