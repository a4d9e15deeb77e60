package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"

	vm "github.com/VictoriaMetrics/metrics"
)

// PrometheusExporter exposes a Collector in Prometheus text format. Scalar
// values are registered as callback gauges on a VictoriaMetrics set; the
// handshake histogram is written with classic le buckets.
type PrometheusExporter struct {
	collector *Collector
	namespace string
	labels    string
	set       *vm.Set
	process   bool
}

// ExporterOption configures a PrometheusExporter.
type ExporterOption func(*PrometheusExporter)

// WithProcessMetrics adds Go runtime and process metrics to the exposition.
func WithProcessMetrics(enabled bool) ExporterOption {
	return func(e *PrometheusExporter) {
		e.process = enabled
	}
}

// NewPrometheusExporter creates an exporter for c. The namespace is prepended
// to all metric names (e.g. "jericho").
func NewPrometheusExporter(c *Collector, namespace string, opts ...ExporterOption) *PrometheusExporter {
	e := &PrometheusExporter{
		collector: c,
		namespace: namespace,
		labels:    formatLabels(c.Labels()),
		set:       vm.NewSet(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.register()
	return e
}

func (e *PrometheusExporter) register() {
	c := e.collector
	gauges := []struct {
		name  string
		value func() float64
	}{
		{"links_active", func() float64 { return float64(c.linksActive.Load()) }},
		{"links_total", func() float64 { return float64(c.linksTotal.Load()) }},
		{"links_failed_total", func() float64 { return float64(c.linksFailed.Load()) }},
		{"handshakes_total", func() float64 { return float64(c.handshakesTotal.Load()) }},
		{"handshakes_declined_total", func() float64 { return float64(c.handshakesDeclined.Load()) }},
		{"blocks_active", func() float64 { return float64(c.blocksActive.Load()) }},
		{"blocks_completed_total", func() float64 { return float64(c.blocksCompleted.Load()) }},
		{"blocks_drained_total", func() float64 { return float64(c.blocksDrained.Load()) }},
		{"bytes_sent_total", func() float64 { return float64(c.bytesSent.Load()) }},
		{"bytes_received_total", func() float64 { return float64(c.bytesReceived.Load()) }},
		{"protocol_errors_total", func() float64 { return float64(c.protocolErrors.Load()) }},
		{"conn_rate_limited_total", func() float64 { return float64(c.connRateLimited.Load()) }},
		{"handshake_rate_limited_total", func() float64 { return float64(c.handshakeRateLimited.Load()) }},
		{"uptime_seconds", func() float64 { return c.Uptime().Seconds() }},
	}
	for _, g := range gauges {
		e.set.NewGauge(e.seriesName(g.name, ""), g.value)
	}
}

// seriesName builds "<ns>_<name>{labels,extra}".
func (e *PrometheusExporter) seriesName(name, extra string) string {
	full := name
	if e.namespace != "" {
		full = e.namespace + "_" + name
	}
	labels := e.labels
	if extra != "" {
		if labels != "" {
			labels += ","
		}
		labels += extra
	}
	if labels == "" {
		return full
	}
	return full + "{" + labels + "}"
}

// Handler returns an http.Handler that serves the exposition.
func (e *PrometheusExporter) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		e.WriteMetrics(w)
	})
}

// WriteMetrics writes all metrics in Prometheus text format to w.
func (e *PrometheusExporter) WriteMetrics(w io.Writer) {
	e.set.WritePrometheus(w)
	e.writeHistogram(w, "handshake_duration_milliseconds", e.collector.handshakeLatency.Summary())
	if e.process {
		vm.WriteProcessMetrics(w)
	}
}

func (e *PrometheusExporter) writeHistogram(w io.Writer, name string, h HistogramSummary) {
	for _, b := range h.Buckets {
		le := "+Inf"
		if !math.IsInf(b.UpperBound, 1) {
			le = fmt.Sprintf("%g", b.UpperBound)
		}
		fmt.Fprintf(w, "%s %d\n", e.seriesName(name+"_bucket", `le="`+le+`"`), b.Count)
	}
	fmt.Fprintf(w, "%s %g\n", e.seriesName(name+"_sum", ""), h.Sum)
	fmt.Fprintf(w, "%s %d\n", e.seriesName(name+"_count", ""), h.Count)
}

// formatLabels converts Labels to a sorted Prometheus label list.
func formatLabels(labels Labels) string {
	if len(labels) == 0 {
		return ""
	}

	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=\"%s\"", k, escapePromValue(labels[k])))
	}
	return strings.Join(parts, ",")
}

// escapePromValue escapes a string for use as a Prometheus label value.
func escapePromValue(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, "\"", "\\\"")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}
