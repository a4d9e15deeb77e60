package errors

import (
	"errors"
	"strings"
	"testing"
)

// TestProtocolError tests ProtocolError type.
func TestProtocolError(t *testing.T) {
	baseErr := errors.New("bad prefix")
	perr := NewProtocolError("handshake", baseErr)

	errStr := perr.Error()
	if !strings.Contains(errStr, "handshake") {
		t.Errorf("Error string should contain phase: %q", errStr)
	}
	if !strings.Contains(errStr, "bad prefix") {
		t.Errorf("Error string should contain base error: %q", errStr)
	}

	if unwrapped := perr.Unwrap(); unwrapped != baseErr {
		t.Errorf("Unwrap() returned %v, want %v", unwrapped, baseErr)
	}
	if !Is(perr, baseErr) {
		t.Error("Is should find the wrapped error")
	}
}

// TestDeclinedError tests that declines carry their reason and match ErrHandshakeRejected.
func TestDeclinedError(t *testing.T) {
	derr := NewDeclinedError("Invalid password used.")

	if !Is(derr, ErrHandshakeRejected) {
		t.Error("DeclinedError should match ErrHandshakeRejected")
	}
	if !strings.Contains(derr.Error(), "Invalid password used.") {
		t.Errorf("Error string should contain reason: %q", derr.Error())
	}

	var target *DeclinedError
	wrapped := NewProtocolError("handshake", derr)
	if !As(wrapped, &target) {
		t.Fatal("As should find DeclinedError through ProtocolError")
	}
	if target.Reason != "Invalid password used." {
		t.Errorf("Reason = %q", target.Reason)
	}
}

// TestLinkError tests LinkError type.
func TestLinkError(t *testing.T) {
	lerr := NewLinkError(2, "192.0.2.1:9555", ErrLinkClosed)

	errStr := lerr.Error()
	for _, want := range []string{"link 2", "192.0.2.1:9555", "closed"} {
		if !strings.Contains(errStr, want) {
			t.Errorf("Error string %q should contain %q", errStr, want)
		}
	}
	if !Is(lerr, ErrLinkClosed) {
		t.Error("LinkError should unwrap to ErrLinkClosed")
	}
}

// TestSentinelErrors verifies sentinel messages carry their layer prefix.
func TestSentinelErrors(t *testing.T) {
	tests := []struct {
		err    error
		prefix string
	}{
		{ErrInsufficientData, "buffer:"},
		{ErrEndOfStream, "buffer:"},
		{ErrBufferClosed, "buffer:"},
		{ErrMalformedHeader, "protocol:"},
		{ErrHandshakeRejected, "protocol:"},
		{ErrIndexOccupied, "block:"},
		{ErrBlockSizeMismatch, "block:"},
		{ErrWouldBlock, "link:"},
		{ErrConnectTimeout, "runtime:"},
	}

	for _, tt := range tests {
		if !strings.HasPrefix(tt.err.Error(), tt.prefix) {
			t.Errorf("%q should start with %q", tt.err.Error(), tt.prefix)
		}
	}
}
