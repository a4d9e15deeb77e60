package metrics

import (
	"bytes"
	"strings"
	"testing"
)

func TestRateLimitObserverRecordsMetrics(t *testing.T) {
	collector := NewCollector(nil)
	var buf bytes.Buffer
	observer := NewRateLimitObserver(collector, TestLogger(&buf))

	observer.OnConnectionRateLimit("127.0.0.1")
	observer.OnHandshakeRateLimit("")

	snap := collector.Snapshot()
	if snap.ConnRateLimited != 1 {
		t.Fatalf("expected ConnRateLimited to be 1, got %d", snap.ConnRateLimited)
	}
	if snap.HandshakeRateLimited != 1 {
		t.Fatalf("expected HandshakeRateLimited to be 1, got %d", snap.HandshakeRateLimited)
	}
	if !strings.Contains(buf.String(), "remote_ip=127.0.0.1") {
		t.Errorf("expected remote ip in log output:\n%s", buf.String())
	}
}
