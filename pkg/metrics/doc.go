// Package metrics provides observability for Jericho clients and servers.
//
// # Overview
//
// The package offers:
//   - a Collector of link, handshake, block and traffic counters
//   - Prometheus text exposition backed by VictoriaMetrics/metrics
//   - a tracing interface with no-op, in-memory and OpenTelemetry backends
//   - a structured, leveled Logger
//   - health, liveness and readiness endpoints
//
// # Quick Start
//
//	collector := metrics.NewCollector(metrics.Labels{"instance": "node-1"})
//	observer := metrics.NewLinkObserver(metrics.LinkObserverConfig{
//		Collector: collector,
//		Role:      metrics.RoleServer,
//	})
//
//	cfg := jericho.DefaultServerConfig()
//	cfg.Observer = observer
//	cfg.RateLimitObserver = metrics.NewRateLimitObserver(collector, nil)
//
//	obs := metrics.NewServer(metrics.ServerConfig{
//		Collector:        collector,
//		Version:          version.String(),
//		EnablePrometheus: true,
//		EnableHealth:     true,
//	})
//	go obs.ListenAndServe(":9090")
//
// # Exported Series
//
// With the default "jericho" namespace:
//
//	jericho_links_active                       gauge
//	jericho_links_total                        counter
//	jericho_links_failed_total                 counter
//	jericho_handshakes_total                   counter
//	jericho_handshakes_declined_total          counter
//	jericho_handshake_duration_milliseconds    histogram
//	jericho_blocks_active                      gauge
//	jericho_blocks_completed_total             counter
//	jericho_blocks_drained_total               counter
//	jericho_bytes_sent_total                   counter
//	jericho_bytes_received_total               counter
//	jericho_protocol_errors_total              counter
//	jericho_conn_rate_limited_total            counter
//	jericho_handshake_rate_limited_total       counter
//	jericho_uptime_seconds                     gauge
//
// # Logging
//
// Loggers write to stderr by default so stdout stays available for stream
// data:
//
//	logger := metrics.NewLogger(
//		metrics.WithLevel(metrics.ParseLevel("debug")),
//		metrics.WithFormat(metrics.FormatJSON),
//	)
//	logger.Named("server").Info("listening", metrics.Fields{"addr": addr})
//
// # Tracing
//
// Build with -tags otel to route spans through the global OpenTelemetry
// provider:
//
//	metrics.SetTracer(metrics.NewOTelTracer("jericho"))
//
// Without the tag NewOTelTracer returns a no-op stub.
package metrics
