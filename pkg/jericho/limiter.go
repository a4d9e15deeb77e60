package jericho

import (
	"github.com/puzpuzpuz/xsync/v3"
	"golang.org/x/time/rate"
)

// IPRateLimiter tracks and limits the number of concurrent connections per IP.
type IPRateLimiter struct {
	connections *xsync.MapOf[string, int]
	maxPerIP    int
}

// NewIPRateLimiter creates a new IPRateLimiter. A non-positive maxPerIP
// disables the limit.
func NewIPRateLimiter(maxPerIP int) *IPRateLimiter {
	return &IPRateLimiter{
		connections: xsync.NewMapOf[string, int](),
		maxPerIP:    maxPerIP,
	}
}

// AllowConnection checks if the IP is allowed to establish a new connection.
// If allowed, it increments the connection count.
func (l *IPRateLimiter) AllowConnection(ip string) bool {
	if l.maxPerIP <= 0 {
		return true // No limit
	}

	allowed := false
	l.connections.Compute(ip, func(count int, _ bool) (int, bool) {
		if count >= l.maxPerIP {
			return count, false
		}
		allowed = true
		return count + 1, false
	})
	return allowed
}

// ReleaseConnection decrements the connection count for the IP.
func (l *IPRateLimiter) ReleaseConnection(ip string) {
	if l.maxPerIP <= 0 {
		return
	}

	l.connections.Compute(ip, func(count int, loaded bool) (int, bool) {
		if !loaded || count <= 1 {
			return 0, true // drop the entry so the map does not grow
		}
		return count - 1, false
	})
}

// Connections returns the number of tracked connections for ip.
func (l *IPRateLimiter) Connections(ip string) int {
	n, _ := l.connections.Load(ip)
	return n
}

// HandshakeLimiter limits the rate of handshakes using a token bucket.
type HandshakeLimiter struct {
	limiter *rate.Limiter
}

// NewHandshakeLimiter creates a limiter admitting r handshakes per second
// with the given burst. A non-positive r disables the limit.
func NewHandshakeLimiter(r float64, burst int) *HandshakeLimiter {
	if r <= 0 {
		return &HandshakeLimiter{}
	}
	if burst < 1 {
		burst = 1
	}
	return &HandshakeLimiter{limiter: rate.NewLimiter(rate.Limit(r), burst)}
}

// AllowHandshake checks if a handshake is allowed and consumes one token.
func (l *HandshakeLimiter) AllowHandshake() bool {
	if l.limiter == nil {
		return true // No limit
	}
	return l.limiter.Allow()
}
