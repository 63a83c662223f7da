package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, c.Write(&m))
	return m.GetCounter().GetValue()
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, g.Write(&m))
	return m.GetGauge().GetValue()
}

func sampleCount(t *testing.T, o prometheus.Observer) uint64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, o.(prometheus.Metric).Write(&m))
	return m.GetHistogram().GetSampleCount()
}

func newTestRouter(streaming chan struct{}) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(PrometheusMiddleware())
	r.GET("/health", func(c *gin.Context) { c.Status(http.StatusOK) })
	r.GET("/api/chat/:session_id/messages", func(c *gin.Context) { c.String(http.StatusOK, "[]") })
	r.POST("/api/chat/stream", func(c *gin.Context) {
		if streaming != nil {
			<-streaming
		}
		c.String(http.StatusOK, "event:done\n")
	})
	return r
}

func TestPrometheusMiddleware_UsesRouteTemplate(t *testing.T) {
	r := newTestRouter(nil)
	counter := APIRequestsTotal.WithLabelValues(http.MethodGet, "/api/chat/:session_id/messages", "200")
	before := counterValue(t, counter)

	for _, id := range []string{"a1", "b2", "c3"} {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/chat/"+id+"/messages", nil))
		require.Equal(t, http.StatusOK, w.Code)
	}
	assert.Equal(t, before+3, counterValue(t, counter))
}

func TestPrometheusMiddleware_UnmatchedAndSkippedPaths(t *testing.T) {
	r := newTestRouter(nil)
	unmatched := APIRequestsTotal.WithLabelValues(http.MethodGet, unmatchedPath, "404")
	health := APIRequestsTotal.WithLabelValues(http.MethodGet, "/health", "200")
	beforeUnmatched := counterValue(t, unmatched)
	beforeHealth := counterValue(t, health)

	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/random/8f14e45f", nil))
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, beforeUnmatched+1, counterValue(t, unmatched))
	assert.Equal(t, beforeHealth, counterValue(t, health))
}

func TestPrometheusMiddleware_StreamingRoute(t *testing.T) {
	release := make(chan struct{})
	r := newTestRouter(release)
	active := ActiveStreams.WithLabelValues("/api/chat/stream")
	streams := StreamDuration.WithLabelValues("/api/chat/stream")
	latency := APIRequestDuration.WithLabelValues(http.MethodPost, "/api/chat/stream")
	beforeStreams := sampleCount(t, streams)
	beforeLatency := sampleCount(t, latency)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodPost, "/api/chat/stream", nil))
	}()

	assert.Eventually(t, func() bool { return gaugeValue(t, active) == 1 }, time.Second, 10*time.Millisecond)
	close(release)
	<-done

	assert.Zero(t, gaugeValue(t, active))
	assert.Equal(t, beforeStreams+1, sampleCount(t, streams))
	assert.Equal(t, beforeLatency, sampleCount(t, latency), "流式连接不计入请求延迟")
}
