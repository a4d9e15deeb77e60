package jericho

import (
	"errors"
	"syscall"
	"testing"

	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/metrics"
)

func listenLocal(t *testing.T) *Server {
	t.Helper()
	cfg := DefaultServerConfig()
	cfg.Addr = "127.0.0.1:0"
	cfg.Logger = metrics.NullLogger()
	srv, err := Listen(cfg)
	if err != nil {
		t.Fatalf("Listen failed: %v", err)
	}
	return srv
}

func TestServerCloseIgnoresLinkErrors(t *testing.T) {
	srv := listenLocal(t)

	reset := jerrors.NewLinkError(1, "127.0.0.1:54522", syscall.ECONNRESET)
	srv.recordLinkErr(reset)

	if err := srv.Close(); err != nil {
		t.Fatalf("Close() = %v, a peer reset must not fail shutdown", err)
	}

	got := srv.LinkErrors()
	if len(got) != 1 {
		t.Fatalf("LinkErrors() has %d entries, want 1", len(got))
	}
	if !errors.Is(got[0], syscall.ECONNRESET) {
		t.Errorf("LinkErrors()[0] = %v, want connection reset", got[0])
	}
}

func TestServerLinkErrorsBounded(t *testing.T) {
	srv := listenLocal(t)
	defer srv.Close()

	for i := 0; i < maxRecordedLinkErrors+10; i++ {
		srv.recordLinkErr(jerrors.NewLinkError(i, "127.0.0.1:1", syscall.EPIPE))
	}
	if n := len(srv.LinkErrors()); n != maxRecordedLinkErrors {
		t.Errorf("LinkErrors() has %d entries, want %d", n, maxRecordedLinkErrors)
	}

	// The returned slice is a copy.
	errs := srv.LinkErrors()
	errs[0] = nil
	if srv.LinkErrors()[0] == nil {
		t.Error("LinkErrors() exposes internal storage")
	}
}
