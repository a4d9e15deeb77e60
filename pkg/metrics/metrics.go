package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Collector aggregates counters from client and server runtimes.
type Collector struct {
	// Link metrics
	linksActive atomic.Int64
	linksTotal  atomic.Uint64
	linksFailed atomic.Uint64

	// Handshake metrics
	handshakesTotal    atomic.Uint64
	handshakesDeclined atomic.Uint64
	handshakeLatency   *Histogram

	// Block metrics
	blocksActive    atomic.Int64
	blocksCompleted atomic.Uint64
	blocksDrained   atomic.Uint64

	// Traffic metrics
	bytesSent     atomic.Uint64
	bytesReceived atomic.Uint64

	// Error and limiter metrics
	protocolErrors       atomic.Uint64
	connRateLimited      atomic.Uint64
	handshakeRateLimited atomic.Uint64

	createdAt atomic.Int64 // unix nanoseconds
	labels    Labels
}

// Labels represents key-value pairs for metric labeling.
type Labels map[string]string

// HandshakeLatencyBuckets are the handshake duration bounds in milliseconds.
var HandshakeLatencyBuckets = []float64{1, 5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000}

// NewCollector creates a new metrics collector.
func NewCollector(labels Labels) *Collector {
	if labels == nil {
		labels = make(Labels)
	}
	c := &Collector{
		handshakeLatency: NewHistogram(HandshakeLatencyBuckets),
		labels:           labels,
	}
	c.createdAt.Store(time.Now().UnixNano())
	return c
}

// --- Links ---

// LinkOpened records a newly connected or accepted member link.
func (c *Collector) LinkOpened() {
	c.linksActive.Add(1)
	c.linksTotal.Add(1)
}

// LinkClosed records a closed member link; failed marks an abnormal close.
func (c *Collector) LinkClosed(failed bool) {
	if c.linksActive.Add(-1) < 0 {
		c.linksActive.Store(0)
	}
	if failed {
		c.linksFailed.Add(1)
	}
}

// --- Handshakes ---

// HandshakeCompleted records a handshake that reached READY and its duration.
func (c *Collector) HandshakeCompleted(d time.Duration) {
	c.handshakesTotal.Add(1)
	c.handshakeLatency.Observe(float64(d.Microseconds()) / 1000)
}

// HandshakeDeclined records a handshake answered or received with DECLINED.
func (c *Collector) HandshakeDeclined() {
	c.handshakesTotal.Add(1)
	c.handshakesDeclined.Add(1)
}

// --- Blocks ---

// BlockCompleted records a block whose members are all registered.
func (c *Collector) BlockCompleted() {
	c.blocksActive.Add(1)
	c.blocksCompleted.Add(1)
}

// BlockDrained records a block released from its registry.
func (c *Collector) BlockDrained() {
	if c.blocksActive.Add(-1) < 0 {
		c.blocksActive.Store(0)
	}
	c.blocksDrained.Add(1)
}

// --- Traffic ---

// RecordBytesSent adds to the bytes sent counter.
func (c *Collector) RecordBytesSent(n uint64) {
	c.bytesSent.Add(n)
}

// RecordBytesReceived adds to the bytes received counter.
func (c *Collector) RecordBytesReceived(n uint64) {
	c.bytesReceived.Add(n)
}

// --- Errors ---

// RecordProtocolError increments the protocol error counter.
func (c *Collector) RecordProtocolError() {
	c.protocolErrors.Add(1)
}

// RecordConnRateLimited counts a connection rejected by the per-IP limit.
func (c *Collector) RecordConnRateLimited() {
	c.connRateLimited.Add(1)
}

// RecordHandshakeRateLimited counts a connection rejected by the handshake
// token bucket.
func (c *Collector) RecordHandshakeRateLimited() {
	c.handshakeRateLimited.Add(1)
}

// --- Snapshot ---

// Snapshot is a point-in-time copy of all collector values.
type Snapshot struct {
	Timestamp time.Time
	Uptime    time.Duration

	LinksActive int64
	LinksTotal  uint64
	LinksFailed uint64

	HandshakesTotal    uint64
	HandshakesDeclined uint64
	HandshakeLatency   HistogramSummary

	BlocksActive    int64
	BlocksCompleted uint64
	BlocksDrained   uint64

	BytesSent     uint64
	BytesReceived uint64

	ProtocolErrors       uint64
	ConnRateLimited      uint64
	HandshakeRateLimited uint64

	Labels Labels
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	now := time.Now()
	return Snapshot{
		Timestamp:            now,
		Uptime:               c.Uptime(),
		LinksActive:          c.linksActive.Load(),
		LinksTotal:           c.linksTotal.Load(),
		LinksFailed:          c.linksFailed.Load(),
		HandshakesTotal:      c.handshakesTotal.Load(),
		HandshakesDeclined:   c.handshakesDeclined.Load(),
		HandshakeLatency:     c.handshakeLatency.Summary(),
		BlocksActive:         c.blocksActive.Load(),
		BlocksCompleted:      c.blocksCompleted.Load(),
		BlocksDrained:        c.blocksDrained.Load(),
		BytesSent:            c.bytesSent.Load(),
		BytesReceived:        c.bytesReceived.Load(),
		ProtocolErrors:       c.protocolErrors.Load(),
		ConnRateLimited:      c.connRateLimited.Load(),
		HandshakeRateLimited: c.handshakeRateLimited.Load(),
		Labels:               c.labels,
	}
}

// Uptime returns the time since the collector was created or reset.
func (c *Collector) Uptime() time.Duration {
	return time.Since(time.Unix(0, c.createdAt.Load()))
}

// Labels returns the collector's labels.
func (c *Collector) Labels() Labels {
	return c.labels
}

// Reset clears all metrics (useful for testing).
func (c *Collector) Reset() {
	c.linksActive.Store(0)
	c.linksTotal.Store(0)
	c.linksFailed.Store(0)
	c.handshakesTotal.Store(0)
	c.handshakesDeclined.Store(0)
	c.blocksActive.Store(0)
	c.blocksCompleted.Store(0)
	c.blocksDrained.Store(0)
	c.bytesSent.Store(0)
	c.bytesReceived.Store(0)
	c.protocolErrors.Store(0)
	c.connRateLimited.Store(0)
	c.handshakeRateLimited.Store(0)
	c.handshakeLatency.Reset()
	c.createdAt.Store(time.Now().UnixNano())
}

// --- Global Collector ---

var (
	globalCollector   *Collector
	globalCollectorMu sync.Mutex
)

// Global returns the global metrics collector, creating it on first use.
func Global() *Collector {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	if globalCollector == nil {
		globalCollector = NewCollector(Labels{"instance": "default"})
	}
	return globalCollector
}

// SetGlobal replaces the global metrics collector.
func SetGlobal(c *Collector) {
	globalCollectorMu.Lock()
	defer globalCollectorMu.Unlock()
	globalCollector = c
}
