package jericho

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"time"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// wouldBlockError is what bioConn hands crypto/tls when the socket has no
// bytes. crypto/tls treats temporary errors as resumable and keeps partial
// records buffered.
type wouldBlockError struct{}

func (wouldBlockError) Error() string   { return jerrors.ErrWouldBlock.Error() }
func (wouldBlockError) Timeout() bool   { return true }
func (wouldBlockError) Temporary() bool { return true }

// bioConn is the net.Conn crypto/tls runs on. While handshaking it blocks on
// the TCP connection under a deadline. Afterwards reads go straight to the
// non-blocking socket and writes collect ciphertext in out.
type bioConn struct {
	raw         *plainConn
	handshaking bool
	out         []byte
}

func (b *bioConn) Read(p []byte) (int, error) {
	if b.handshaking {
		return b.raw.tc.Read(p)
	}
	n, err := b.raw.Read(p)
	if errors.Is(err, jerrors.ErrWouldBlock) {
		return 0, wouldBlockError{}
	}
	return n, err
}

func (b *bioConn) Write(p []byte) (int, error) {
	if b.handshaking {
		return b.raw.tc.Write(p)
	}
	b.out = append(b.out, p...)
	return len(p), nil
}

// flush writes buffered ciphertext until the socket would block.
func (b *bioConn) flush() error {
	for len(b.out) > 0 {
		n, err := b.raw.Write(b.out)
		b.out = b.out[n:]
		if err != nil {
			return err
		}
	}
	b.out = nil
	return nil
}

func (b *bioConn) Close() error         { return b.raw.Close() }
func (b *bioConn) LocalAddr() net.Addr  { return b.raw.LocalAddr() }
func (b *bioConn) RemoteAddr() net.Addr { return b.raw.RemoteAddr() }

func (b *bioConn) SetDeadline(t time.Time) error {
	if !b.handshaking {
		return nil
	}
	return b.raw.tc.SetDeadline(t)
}

func (b *bioConn) SetReadDeadline(t time.Time) error {
	if !b.handshaking {
		return nil
	}
	return b.raw.tc.SetReadDeadline(t)
}

func (b *bioConn) SetWriteDeadline(t time.Time) error {
	if !b.handshaking {
		return nil
	}
	return b.raw.tc.SetWriteDeadline(t)
}

// tlsConn is a Conn carrying member traffic inside TLS records.
type tlsConn struct {
	tls      *tls.Conn
	bio      *bioConn
	notified bool
}

func newTLSClientConn(ctx context.Context, tc *net.TCPConn, cfg *tls.Config, timeout time.Duration) (*tlsConn, error) {
	return newTLSConn(ctx, tc, timeout, func(c net.Conn) *tls.Conn { return tls.Client(c, cfg) })
}

func newTLSServerConn(ctx context.Context, tc *net.TCPConn, cfg *tls.Config, timeout time.Duration) (*tlsConn, error) {
	return newTLSConn(ctx, tc, timeout, func(c net.Conn) *tls.Conn { return tls.Server(c, cfg) })
}

func newTLSConn(ctx context.Context, tc *net.TCPConn, timeout time.Duration, wrap func(net.Conn) *tls.Conn) (*tlsConn, error) {
	raw, err := newPlainConn(tc)
	if err != nil {
		tc.Close()
		return nil, err
	}

	bio := &bioConn{raw: raw, handshaking: true}
	conn := wrap(bio)

	if timeout > 0 {
		_ = tc.SetDeadline(time.Now().Add(timeout))
	}
	if err := conn.HandshakeContext(ctx); err != nil {
		raw.Close()
		if isTimeout(err) {
			err = errors.Join(jerrors.ErrHandshakeTimeout, err)
		}
		return nil, jerrors.NewProtocolError("tls", err)
	}
	_ = tc.SetDeadline(time.Time{})
	bio.handshaking = false

	return &tlsConn{tls: conn, bio: bio}, nil
}

func (c *tlsConn) Fd() int { return c.bio.raw.Fd() }

func (c *tlsConn) Read(p []byte) (int, error) {
	n, err := c.tls.Read(p)
	if n > 0 {
		return n, nil
	}

	var wb wouldBlockError
	switch {
	case err == nil:
		return 0, jerrors.ErrWouldBlock
	case errors.As(err, &wb):
		return 0, jerrors.ErrWouldBlock
	case errors.Is(err, io.EOF):
		return 0, io.EOF
	}
	return 0, jerrors.NewProtocolError("tls", err)
}

// Write encrypts all of p. It only refuses when ciphertext from an earlier
// write is still unsent.
func (c *tlsConn) Write(p []byte) (int, error) {
	if c.bio.pending() {
		if err := c.bio.flush(); err != nil {
			return 0, err
		}
	}
	if _, err := c.tls.Write(p); err != nil {
		return 0, jerrors.NewProtocolError("tls", err)
	}
	if err := c.bio.flush(); err != nil && !errors.Is(err, jerrors.ErrWouldBlock) {
		return 0, err
	}
	return len(p), nil
}

func (c *tlsConn) Flush() error  { return c.bio.flush() }
func (c *tlsConn) Pending() bool { return c.bio.pending() }

// CloseWrite queues close_notify once, then shuts down the socket's send
// half after the ciphertext is out. ErrWouldBlock means call again.
func (c *tlsConn) CloseWrite() error {
	if !c.notified {
		c.notified = true
		if err := c.tls.CloseWrite(); err != nil {
			return jerrors.NewProtocolError("tls", err)
		}
	}
	if err := c.bio.flush(); err != nil {
		return err
	}
	return c.bio.raw.CloseWrite()
}

func (c *tlsConn) Close() error         { return c.bio.raw.Close() }
func (c *tlsConn) RemoteAddr() net.Addr { return c.bio.raw.RemoteAddr() }
func (c *tlsConn) LocalAddr() net.Addr  { return c.bio.raw.LocalAddr() }

func (b *bioConn) pending() bool { return len(b.out) > 0 }
