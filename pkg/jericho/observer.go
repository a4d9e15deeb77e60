package jericho

import (
	"context"

	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/metrics"
)

// Observer provides hooks for link and block lifecycle, metrics, and tracing.
// Callbacks run on the runtime loop goroutine and must not block.
type Observer interface {
	OnLinkOpen(remote string)
	OnLinkClose(remote string, err error)
	OnHandshakeStart(ctx context.Context) (context.Context, func(error))
	OnHandshakeDeclined(reason string)
	OnBytesSent(n int)
	OnBytesReceived(n int)
	OnBlockComplete(uid uint64, members int)
	OnBlockDrained(uid uint64)
	OnProtocolError(err error)
}

// RateLimitObserver receives notifications when rate limits are hit.
type RateLimitObserver interface {
	// OnConnectionRateLimit is called when a connection is rejected due to per-IP limits.
	OnConnectionRateLimit(remoteIP string)
	// OnHandshakeRateLimit is called when a connection is rejected by the handshake token bucket.
	OnHandshakeRateLimit(remoteIP string)
}

var (
	_ Observer          = (*metrics.LinkObserver)(nil)
	_ RateLimitObserver = (*metrics.RateLimitObserver)(nil)
)

type nopObserver struct{}

func (nopObserver) OnLinkOpen(string)         {}
func (nopObserver) OnLinkClose(string, error) {}
func (nopObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	return ctx, func(error) {}
}
func (nopObserver) OnHandshakeDeclined(string)   {}
func (nopObserver) OnBytesSent(int)              {}
func (nopObserver) OnBytesReceived(int)          {}
func (nopObserver) OnBlockComplete(uint64, int)  {}
func (nopObserver) OnBlockDrained(uint64)        {}
func (nopObserver) OnProtocolError(error)        {}
func (nopObserver) OnConnectionRateLimit(string) {}
func (nopObserver) OnHandshakeRateLimit(string)  {}

func observerOrNop(o Observer) Observer {
	if o == nil {
		return nopObserver{}
	}
	return o
}

func isProtocolError(err error) bool {
	if err == nil {
		return false
	}

	var perr *jerrors.ProtocolError
	if jerrors.As(err, &perr) {
		return true
	}

	return jerrors.Is(err, jerrors.ErrMalformedHeader) ||
		jerrors.Is(err, jerrors.ErrHeaderTooLarge) ||
		jerrors.Is(err, jerrors.ErrInvalidResponse) ||
		jerrors.Is(err, jerrors.ErrHandshakeTimeout) ||
		jerrors.Is(err, jerrors.ErrInvalidState) ||
		jerrors.Is(err, jerrors.ErrTruncatedStream)
}
