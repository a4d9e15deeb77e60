package metrics

import (
	"sync"
	"testing"
	"time"
)

func TestNewCollector(t *testing.T) {
	c := NewCollector(Labels{"instance": "test"})

	snap := c.Snapshot()
	if snap.Labels["instance"] != "test" {
		t.Errorf("expected label instance=test, got %v", snap.Labels)
	}
	if NewCollector(nil).Labels() == nil {
		t.Error("nil labels should be replaced by an empty map")
	}
}

func TestCollectorLinkMetrics(t *testing.T) {
	c := NewCollector(nil)

	c.LinkOpened()
	c.LinkOpened()
	c.LinkClosed(false)
	c.LinkClosed(true)
	c.LinkClosed(true) // extra close must not go negative

	snap := c.Snapshot()
	if snap.LinksActive != 0 {
		t.Errorf("expected 0 active links, got %d", snap.LinksActive)
	}
	if snap.LinksTotal != 2 {
		t.Errorf("expected 2 total links, got %d", snap.LinksTotal)
	}
	if snap.LinksFailed != 2 {
		t.Errorf("expected 2 failed links, got %d", snap.LinksFailed)
	}
}

func TestCollectorHandshakeMetrics(t *testing.T) {
	c := NewCollector(nil)

	c.HandshakeCompleted(20 * time.Millisecond)
	c.HandshakeCompleted(40 * time.Millisecond)
	c.HandshakeDeclined()

	snap := c.Snapshot()
	if snap.HandshakesTotal != 3 || snap.HandshakesDeclined != 1 {
		t.Errorf("handshakes total=%d declined=%d", snap.HandshakesTotal, snap.HandshakesDeclined)
	}
	if snap.HandshakeLatency.Count != 2 {
		t.Errorf("expected 2 latency observations, got %d", snap.HandshakeLatency.Count)
	}
	if snap.HandshakeLatency.Mean != 30 {
		t.Errorf("expected mean 30ms, got %.2f", snap.HandshakeLatency.Mean)
	}
}

func TestCollectorBlockAndTrafficMetrics(t *testing.T) {
	c := NewCollector(nil)

	c.BlockCompleted()
	c.BlockCompleted()
	c.BlockDrained()
	c.RecordBytesSent(1500)
	c.RecordBytesReceived(2000)
	c.RecordProtocolError()
	c.RecordConnRateLimited()
	c.RecordHandshakeRateLimited()
	c.RecordHandshakeRateLimited()

	snap := c.Snapshot()
	if snap.BlocksActive != 1 || snap.BlocksCompleted != 2 || snap.BlocksDrained != 1 {
		t.Errorf("blocks active=%d completed=%d drained=%d",
			snap.BlocksActive, snap.BlocksCompleted, snap.BlocksDrained)
	}
	if snap.BytesSent != 1500 || snap.BytesReceived != 2000 {
		t.Errorf("bytes sent=%d received=%d", snap.BytesSent, snap.BytesReceived)
	}
	if snap.ProtocolErrors != 1 || snap.ConnRateLimited != 1 || snap.HandshakeRateLimited != 2 {
		t.Errorf("errors=%d conn=%d handshake=%d",
			snap.ProtocolErrors, snap.ConnRateLimited, snap.HandshakeRateLimited)
	}
}

func TestCollectorReset(t *testing.T) {
	c := NewCollector(nil)
	c.LinkOpened()
	c.RecordBytesSent(10)
	c.HandshakeCompleted(time.Millisecond)

	c.Reset()

	snap := c.Snapshot()
	if snap.LinksTotal != 0 || snap.BytesSent != 0 || snap.HandshakeLatency.Count != 0 {
		t.Errorf("expected cleared snapshot, got %+v", snap)
	}
}

func TestCollectorConcurrent(t *testing.T) {
	c := NewCollector(nil)

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				c.LinkOpened()
				c.RecordBytesSent(1)
				c.LinkClosed(false)
			}
		}()
	}
	wg.Wait()

	snap := c.Snapshot()
	if snap.LinksTotal != 1000 || snap.BytesSent != 1000 {
		t.Errorf("links=%d bytes=%d, want 1000", snap.LinksTotal, snap.BytesSent)
	}
}

func TestGlobalCollector(t *testing.T) {
	prev := Global()
	defer SetGlobal(prev)

	c := NewCollector(Labels{"instance": "custom"})
	SetGlobal(c)
	if Global() != c {
		t.Error("Global should return the collector set with SetGlobal")
	}
}
