// Package metrics provides a lightweight, Prometheus-compatible metrics
// collector for gptrelay. It renders the text exposition format directly.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Collector is the process-wide registry used by the predefined metrics below.
var Collector = NewMetricsCollector()

// MetricsCollector aggregates counters, gauges, and histograms keyed by name and labels.
type MetricsCollector struct {
	mu         sync.RWMutex
	counters   map[string]*Counter
	gauges     map[string]*Gauge
	histograms map[string]*Histogram
	startTime  time.Time
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		counters:   make(map[string]*Counter),
		gauges:     make(map[string]*Gauge),
		histograms: make(map[string]*Histogram),
		startTime:  time.Now(),
	}
}

// Uptime returns how long the collector has been running.
func (c *MetricsCollector) Uptime() time.Duration {
	return time.Since(c.startTime)
}

type series struct {
	name   string
	help   string
	labels string
}

func (s series) key() string { return s.name + "{" + s.labels + "}" }

// Counter is a monotonically increasing counter.
type Counter struct {
	series
	value atomic.Int64
}

func (c *Counter) Inc() { c.value.Add(1) }
func (c *Counter) Add(n int64) { c.value.Add(n) }
func (c *Counter) Value() int64 { return c.value.Load() }

// Gauge is a value that can go up and down.
type Gauge struct {
	series
	value atomic.Int64
}

func (g *Gauge) Set(v int64) { g.value.Store(v) }
func (g *Gauge) Inc() { g.value.Add(1) }
func (g *Gauge) Dec() { g.value.Add(-1) }
func (g *Gauge) Value() int64 { return g.value.Load() }

// Histogram tracks the distribution of observed values over fixed upper bounds.
type Histogram struct {
	series
	mu     sync.Mutex
	count  int64
	sum    float64
	bounds []float64
	counts []int64 // cumulative, parallel to bounds
}

// Observe records a value in the histogram.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// Counter returns or creates the counter identified by name and labels.
func (c *MetricsCollector) Counter(name, help, labels string) *Counter {
	s := series{name: name, help: help, labels: labels}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ctr, ok := c.counters[s.key()]; ok {
		return ctr
	}
	ctr := &Counter{series: s}
	c.counters[s.key()] = ctr
	return ctr
}

// Gauge returns or creates the gauge identified by name and labels.
func (c *MetricsCollector) Gauge(name, help, labels string) *Gauge {
	s := series{name: name, help: help, labels: labels}
	c.mu.Lock()
	defer c.mu.Unlock()
	if g, ok := c.gauges[s.key()]; ok {
		return g
	}
	g := &Gauge{series: s}
	c.gauges[s.key()] = g
	return g
}

// Histogram returns or creates the histogram identified by name and labels.
func (c *MetricsCollector) Histogram(name, help, labels string, buckets []float64) *Histogram {
	s := series{name: name, help: help, labels: labels}
	c.mu.Lock()
	defer c.mu.Unlock()
	if h, ok := c.histograms[s.key()]; ok {
		return h
	}
	bounds := append([]float64(nil), buckets...)
	sort.Float64s(bounds)
	if len(bounds) == 0 || !math.IsInf(bounds[len(bounds)-1], 1) {
		bounds = append(bounds, math.Inf(1))
	}
	h := &Histogram{series: s, bounds: bounds, counts: make([]int64, len(bounds))}
	c.histograms[s.key()] = h
	return h
}

// WriteText renders every metric in the Prometheus text format, sorted by name.
func (c *MetricsCollector) WriteText(w io.Writer) error {
	var sb strings.Builder

	fmt.Fprintf(&sb, "# HELP gptrelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE gptrelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "gptrelay_uptime_seconds %d\n", int64(c.Uptime().Seconds()))

	c.mu.RLock()
	counters := sortedValues(c.counters)
	gauges := sortedValues(c.gauges)
	histograms := sortedValues(c.histograms)
	c.mu.RUnlock()

	header := headerWriter(&sb)
	for _, ctr := range counters {
		header(ctr.series, "counter")
		fmt.Fprintf(&sb, "%s %d\n", sampleName(ctr.name, ctr.labels), ctr.Value())
	}
	for _, g := range gauges {
		header(g.series, "gauge")
		fmt.Fprintf(&sb, "%s %d\n", sampleName(g.name, g.labels), g.Value())
	}
	for _, h := range histograms {
		header(h.series, "histogram")
		h.mu.Lock()
		for i, le := range h.bounds {
			bound := fmt.Sprintf("%g", le)
			if math.IsInf(le, 1) {
				bound = "+Inf"
			}
			labels := `le="` + bound + `"`
			if h.labels != "" {
				labels = h.labels + "," + labels
			}
			fmt.Fprintf(&sb, "%s_bucket{%s} %d\n", h.name, labels, h.counts[i])
		}
		fmt.Fprintf(&sb, "%s %d\n", sampleName(h.name+"_count", h.labels), h.count)
		fmt.Fprintf(&sb, "%s %f\n", sampleName(h.name+"_sum", h.labels), h.sum)
		h.mu.Unlock()
	}

	_, err := io.WriteString(w, sb.String())
	return err
}

// Handler serves WriteText over HTTP.
func (c *MetricsCollector) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = c.WriteText(w)
	}
}

// NewServer returns an HTTP server exposing /metrics and /healthz on addr.
func NewServer(addr string, c *MetricsCollector) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("GET /metrics", c.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = io.WriteString(w, "ok\n")
	})
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

type named interface {
	*Counter | *Gauge | *Histogram
}

func sortedValues[T named](m map[string]T) []T {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]T, 0, len(keys))
	for _, k := range keys {
		out = append(out, m[k])
	}
	return out
}

// headerWriter emits HELP/TYPE once per metric name.
func headerWriter(sb *strings.Builder) func(s series, kind string) {
	written := make(map[string]bool)
	return func(s series, kind string) {
		if written[s.name] {
			return
		}
		written[s.name] = true
		fmt.Fprintf(sb, "# HELP %s %s\n", s.name, s.help)
		fmt.Fprintf(sb, "# TYPE %s %s\n", s.name, kind)
	}
}

func sampleName(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// --- Pre-defined metrics used across the application ---

var (
	MessagesTotal      = Collector.Counter("gptrelay_messages_total", "Inbound messages accepted by the relay", "")
	MessagesFiltered   = Collector.Counter("gptrelay_messages_filtered_total", "Inbound updates discarded by the relay filter", "")
	CompletionsTotal   = Collector.Counter("gptrelay_completions_total", "Completion requests sent", "")
	CompletionFailures = Collector.Counter("gptrelay_completion_failures_total", "Completion requests that failed", "")
	ChunksSent         = Collector.Counter("gptrelay_chunks_sent_total", "Reply chunks delivered", "")
	TypingSignals      = Collector.Counter("gptrelay_typing_signals_total", "Typing indicator signals sent", "")
	DeliveryFailures   = Collector.Counter("gptrelay_delivery_failures_total", "Outbound sends that failed", "")
	HandlerPanics      = Collector.Counter("gptrelay_handler_panics_total", "Panics recovered while handling updates", "")
	InflightCycles     = Collector.Gauge("gptrelay_inflight_cycles", "Handling cycles currently in progress", "")

	CompletionLatency = Collector.Histogram("gptrelay_completion_latency_seconds", "Completion request latency in seconds", "",
		[]float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300})
)
