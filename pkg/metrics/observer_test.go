package metrics

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func TestLinkObserverLifecycle(t *testing.T) {
	collector := NewCollector(nil)
	tracer := NewSimpleTracer()
	var buf bytes.Buffer

	o := NewLinkObserver(LinkObserverConfig{
		Collector: collector,
		Tracer:    tracer,
		Logger:    TestLogger(&buf),
		Role:      RoleServer,
	})

	o.OnLinkOpen("10.0.0.1:5000")
	_, done := o.OnHandshakeStart(context.Background())
	done(nil)
	o.OnBytesReceived(2048)
	o.OnBytesSent(0)
	o.OnBlockComplete(7, 4)
	o.OnBlockDrained(7)
	o.OnLinkClose("10.0.0.1:5000", errors.New("connection reset"))

	snap := collector.Snapshot()
	if snap.LinksTotal != 1 || snap.LinksActive != 0 || snap.LinksFailed != 1 {
		t.Errorf("links total=%d active=%d failed=%d", snap.LinksTotal, snap.LinksActive, snap.LinksFailed)
	}
	if snap.HandshakesTotal != 1 || snap.HandshakeLatency.Count != 1 {
		t.Errorf("handshakes=%d latency count=%d", snap.HandshakesTotal, snap.HandshakeLatency.Count)
	}
	if snap.BytesReceived != 2048 || snap.BytesSent != 0 {
		t.Errorf("bytes received=%d sent=%d", snap.BytesReceived, snap.BytesSent)
	}
	if snap.BlocksCompleted != 1 || snap.BlocksDrained != 1 {
		t.Errorf("blocks completed=%d drained=%d", snap.BlocksCompleted, snap.BlocksDrained)
	}

	spans := tracer.Spans()
	if len(spans) != 1 || spans[0].Name != SpanHandshakeServer || spans[0].Kind != SpanKindServer {
		t.Errorf("unexpected spans %+v", spans)
	}

	out := buf.String()
	for _, want := range []string{"[link]", "role=server", "link failed", "block complete"} {
		if !strings.Contains(out, want) {
			t.Errorf("expected %q in log output", want)
		}
	}
}

func TestLinkObserverDeclinedHandshake(t *testing.T) {
	collector := NewCollector(nil)
	tracer := NewSimpleTracer()
	o := NewLinkObserver(LinkObserverConfig{Collector: collector, Tracer: tracer, Logger: NullLogger()})

	declineErr := errors.New("declined")
	_, done := o.OnHandshakeStart(context.Background())
	o.OnHandshakeDeclined("Invalid password used.")
	done(declineErr)
	o.OnProtocolError(errors.New("bad header"))

	snap := collector.Snapshot()
	if snap.HandshakesDeclined != 1 || snap.HandshakesTotal != 1 {
		t.Errorf("declined=%d total=%d", snap.HandshakesDeclined, snap.HandshakesTotal)
	}
	if snap.ProtocolErrors != 1 {
		t.Errorf("protocol errors = %d", snap.ProtocolErrors)
	}
	if spans := tracer.Spans(); len(spans) != 1 || spans[0].Name != SpanHandshakeClient || spans[0].Error != declineErr {
		t.Errorf("unexpected spans %+v", spans)
	}
}
