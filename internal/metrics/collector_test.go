package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollector_ReturnsSameSeries(t *testing.T) {
	c := NewMetricsCollector()
	a := c.Counter("x_total", "x", "")
	b := c.Counter("x_total", "x", "")
	a.Inc()
	b.Add(2)
	assert.Same(t, a, b)
	assert.Equal(t, int64(3), a.Value())
}

func TestCollector_WriteText(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("b_total", "second", "").Add(5)
	c.Counter("a_total", "first", `kind="x"`).Inc()
	g := c.Gauge("inflight", "in flight", "")
	g.Inc()
	g.Inc()
	g.Dec()
	h := c.Histogram("latency_seconds", "latency", "", []float64{1, 0.5})
	h.Observe(0.2)
	h.Observe(0.7)
	h.Observe(9)

	var sb strings.Builder
	require.NoError(t, c.WriteText(&sb))
	out := sb.String()

	assert.Contains(t, out, "# TYPE a_total counter\n")
	assert.Contains(t, out, "a_total{kind=\"x\"} 1\n")
	assert.Contains(t, out, "b_total 5\n")
	assert.Less(t, strings.Index(out, "a_total"), strings.Index(out, "b_total"), "counters sorted by name")
	assert.Contains(t, out, "inflight 1\n")
	assert.Contains(t, out, `latency_seconds_bucket{le="0.5"} 1`)
	assert.Contains(t, out, `latency_seconds_bucket{le="1"} 2`)
	assert.Contains(t, out, `latency_seconds_bucket{le="+Inf"} 3`)
	assert.Contains(t, out, "latency_seconds_count 3\n")
	assert.Equal(t, int64(3), h.Count())
}

func TestServer_Endpoints(t *testing.T) {
	c := NewMetricsCollector()
	c.Counter("hits_total", "hits", "").Inc()
	srv := httptest.NewServer(NewServer("", c).Handler)
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/plain")

	resp, err = http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
