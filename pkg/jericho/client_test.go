package jericho

import (
	"errors"
	"testing"
	"time"

	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/metrics"
)

// TestClientCloseStuckLoop closes a Client whose loop never exits. The
// links stay with the loop instead of being released under it.
func TestClientCloseStuckLoop(t *testing.T) {
	b, conns := newMockBlock(t, 2, 8)
	poller, err := NewPoller()
	if err != nil {
		t.Fatal(err)
	}
	defer poller.Close()

	c := &Client{
		cfg:      ClientConfig{ShutdownGrace: 10 * time.Millisecond},
		uid:      b.UID(),
		block:    b,
		links:    []*MemberLink{b.Member(0), b.Member(1)},
		poller:   poller,
		logger:   metrics.NullLogger(),
		observer: nopObserver{},
		progress: newSignal(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(ClientStreaming))

	if err := c.Close(); !errors.Is(err, jerrors.ErrShutdownTimeout) {
		t.Fatalf("Close() = %v, want ErrShutdownTimeout", err)
	}
	if c.State() != ClientClosed {
		t.Errorf("state = %v, want closed", c.State())
	}
	select {
	case <-c.stop:
	default:
		t.Error("loop was not told to stop")
	}

	for i, l := range c.links {
		if l.Closed() {
			t.Errorf("link %d closed while its loop still runs", i)
		}
		conns[i].mu.Lock()
		closed := conns[i].closed
		conns[i].mu.Unlock()
		if closed {
			t.Errorf("conn %d closed while its loop still runs", i)
		}
	}
}
