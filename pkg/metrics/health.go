package metrics

import (
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"runtime"
	"sort"
	"sync"
	"time"
)

// HealthStatus represents the overall health state.
type HealthStatus string

const (
	// HealthStatusHealthy indicates all checks are passing.
	HealthStatusHealthy HealthStatus = "healthy"
	// HealthStatusDegraded indicates non-critical checks are failing.
	HealthStatusDegraded HealthStatus = "degraded"
	// HealthStatusUnhealthy indicates critical checks are failing.
	HealthStatusUnhealthy HealthStatus = "unhealthy"
)

// DegradedErrorRate is the protocol error rate per handshake above which
// the service reports itself degraded.
const DegradedErrorRate = 0.01

// CheckFunc performs a health check. It returns nil if healthy.
type CheckFunc func() error

type registeredCheck struct {
	fn       CheckFunc
	critical bool
}

// HealthCheck aggregates named checks and collector figures for the
// health endpoints.
type HealthCheck struct {
	mu        sync.RWMutex
	checks    map[string]registeredCheck
	collector *Collector
	startTime time.Time
	version   string
}

// HealthResponse is the JSON response for health checks.
type HealthResponse struct {
	Status    HealthStatus           `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime"`
	Version   string                 `json:"version,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Metrics   *HealthMetrics         `json:"metrics,omitempty"`
}

// CheckResult represents the result of a single health check.
type CheckResult struct {
	Status  HealthStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Latency string       `json:"latency,omitempty"`
}

// HealthMetrics contains key figures for health monitoring.
type HealthMetrics struct {
	LinksActive   int64   `json:"links_active"`
	BlocksActive  int64   `json:"blocks_active"`
	BytesSent     uint64  `json:"bytes_sent"`
	BytesReceived uint64  `json:"bytes_received"`
	ErrorRate     float64 `json:"error_rate,omitempty"`
}

// NewHealthCheck creates a new health check instance. collector may be nil.
func NewHealthCheck(collector *Collector, version string) *HealthCheck {
	return &HealthCheck{
		checks:    make(map[string]registeredCheck),
		collector: collector,
		startTime: time.Now(),
		version:   version,
	}
}

// AddCheck registers a critical check. A failure makes the service unhealthy.
func (h *HealthCheck) AddCheck(name string, check CheckFunc) {
	h.add(name, check, true)
}

// AddWarning registers a non-critical check. A failure only degrades the
// service.
func (h *HealthCheck) AddWarning(name string, check CheckFunc) {
	h.add(name, check, false)
}

func (h *HealthCheck) add(name string, check CheckFunc, critical bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checks[name] = registeredCheck{fn: check, critical: critical}
}

// RemoveCheck removes a named health check.
func (h *HealthCheck) RemoveCheck(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.checks, name)
}

// Check runs all checks and returns the overall status.
func (h *HealthCheck) Check() HealthResponse {
	h.mu.RLock()
	names := make([]string, 0, len(h.checks))
	checks := make(map[string]registeredCheck, len(h.checks))
	for name, c := range h.checks {
		names = append(names, name)
		checks[name] = c
	}
	h.mu.RUnlock()
	sort.Strings(names)

	response := HealthResponse{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    formatDuration(time.Since(h.startTime)),
		Version:   h.version,
		Checks:    make(map[string]CheckResult, len(names)),
	}

	unhealthy, degraded := false, false
	for _, name := range names {
		c := checks[name]
		start := time.Now()
		err := c.fn()

		result := CheckResult{Status: HealthStatusHealthy, Latency: time.Since(start).String()}
		if err != nil {
			result.Message = err.Error()
			if c.critical {
				result.Status = HealthStatusUnhealthy
				unhealthy = true
			} else {
				result.Status = HealthStatusDegraded
				degraded = true
			}
		}
		response.Checks[name] = result
	}

	if h.collector != nil {
		snap := h.collector.Snapshot()
		response.Metrics = &HealthMetrics{
			LinksActive:   snap.LinksActive,
			BlocksActive:  snap.BlocksActive,
			BytesSent:     snap.BytesSent,
			BytesReceived: snap.BytesReceived,
		}
		if snap.HandshakesTotal > 0 {
			response.Metrics.ErrorRate = float64(snap.ProtocolErrors) / float64(snap.HandshakesTotal)
			if response.Metrics.ErrorRate > DegradedErrorRate {
				degraded = true
			}
		}
	}

	switch {
	case unhealthy:
		response.Status = HealthStatusUnhealthy
	case degraded:
		response.Status = HealthStatusDegraded
	}
	return response
}

// Handler serves the full health report. Unhealthy maps to 503.
func (h *HealthCheck) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := h.Check()
		code := http.StatusOK
		if response.Status == HealthStatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, response)
	})
}

// LivenessHandler returns 200 while the process is serving HTTP.
func (h *HealthCheck) LivenessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "alive"})
	})
}

// ReadinessHandler returns 200 unless a critical check fails.
func (h *HealthCheck) ReadinessHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		response := h.Check()
		ready := response.Status != HealthStatusUnhealthy
		code := http.StatusOK
		if !ready {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]interface{}{
			"status": response.Status,
			"ready":  ready,
		})
	})
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

// formatDuration formats d as e.g. "1d2h3m", "2h3m4s" or "5s".
func formatDuration(d time.Duration) string {
	d = d.Truncate(time.Second)
	days := int(d / (24 * time.Hour))
	hours := int(d/time.Hour) % 24
	minutes := int(d/time.Minute) % 60
	seconds := int(d/time.Second) % 60

	switch {
	case days > 0:
		return fmt.Sprintf("%dd%dh%dm", days, hours, minutes)
	case hours > 0:
		return fmt.Sprintf("%dh%dm%ds", hours, minutes, seconds)
	case minutes > 0:
		return fmt.Sprintf("%dm%ds", minutes, seconds)
	default:
		return fmt.Sprintf("%ds", seconds)
	}
}

// --- Common Health Checks ---

// MemoryCheck fails when the Go heap in use exceeds threshold bytes.
func MemoryCheck(threshold uint64) CheckFunc {
	return func() error {
		var ms runtime.MemStats
		runtime.ReadMemStats(&ms)
		if ms.HeapInuse > threshold {
			return fmt.Errorf("heap in use %d bytes exceeds %d", ms.HeapInuse, threshold)
		}
		return nil
	}
}

// ConnectivityCheck fails when a TCP connection to addr cannot be opened
// within timeout.
func ConnectivityCheck(addr string, timeout time.Duration) CheckFunc {
	return func() error {
		conn, err := net.DialTimeout("tcp", addr, timeout)
		if err != nil {
			return err
		}
		return conn.Close()
	}
}
