package jericho

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// Conn is a non-blocking member connection. Read and Write never wait:
// they return ErrWouldBlock when the socket is not ready, and the runtime
// retries on the next readiness event for Fd.
type Conn interface {
	// Fd returns the descriptor polled for readiness.
	Fd() int

	// Read reads available bytes. It returns io.EOF once the peer has
	// closed its send half.
	Read(p []byte) (int, error)

	// Write sends as much of p as the socket accepts. Short writes are
	// normal.
	Write(p []byte) (int, error)

	// Flush pushes bytes buffered below the Conn (TLS ciphertext).
	Flush() error

	// Pending reports whether Flush still has bytes to send.
	Pending() bool

	// CloseWrite shuts down the send half.
	CloseWrite() error

	// Close closes the connection.
	Close() error

	RemoteAddr() net.Addr
	LocalAddr() net.Addr
}

// plainConn performs raw non-blocking syscalls on a TCP socket.
type plainConn struct {
	tc  *net.TCPConn
	raw syscall.RawConn
	fd  int

	closeOnce sync.Once
	closeErr  error
}

func newPlainConn(tc *net.TCPConn) (*plainConn, error) {
	raw, err := tc.SyscallConn()
	if err != nil {
		return nil, fmt.Errorf("syscall conn: %w", err)
	}

	c := &plainConn{tc: tc, raw: raw, fd: -1}
	var serr error
	err = raw.Control(func(fd uintptr) {
		c.fd = int(fd)
		serr = unix.SetNonblock(int(fd), true)
	})
	if err != nil {
		return nil, err
	}
	if serr != nil {
		return nil, fmt.Errorf("set nonblock: %w", serr)
	}
	return c, nil
}

func (c *plainConn) Fd() int { return c.fd }

func (c *plainConn) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var (
		n    int
		rerr error
	)
	err := c.raw.Read(func(fd uintptr) bool {
		for {
			n, rerr = unix.Read(int(fd), p)
			if rerr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}

	switch {
	case rerr == unix.EAGAIN:
		return 0, jerrors.ErrWouldBlock
	case rerr != nil:
		return 0, rerr
	case n == 0:
		return 0, io.EOF
	}
	return n, nil
}

func (c *plainConn) Write(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	var (
		n    int
		werr error
	)
	err := c.raw.Write(func(fd uintptr) bool {
		for {
			n, werr = unix.Write(int(fd), p)
			if werr != unix.EINTR {
				return true
			}
		}
	})
	if err != nil {
		return 0, err
	}
	if n < 0 {
		n = 0
	}

	if werr == unix.EAGAIN {
		return n, jerrors.ErrWouldBlock
	}
	return n, werr
}

func (c *plainConn) Flush() error  { return nil }
func (c *plainConn) Pending() bool { return false }

func (c *plainConn) CloseWrite() error {
	return c.tc.CloseWrite()
}

func (c *plainConn) Close() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.tc.Close()
	})
	return c.closeErr
}

func (c *plainConn) RemoteAddr() net.Addr { return c.tc.RemoteAddr() }
func (c *plainConn) LocalAddr() net.Addr  { return c.tc.LocalAddr() }

// tuneTCP applies the socket options every member connection uses.
func tuneTCP(tc *net.TCPConn) error {
	return errors.Join(
		tc.SetNoDelay(true),
		tc.SetKeepAlive(true),
		tc.SetKeepAlivePeriod(constants.KeepAlivePeriod),
		tc.SetReadBuffer(constants.SocketBufferSize),
		tc.SetWriteBuffer(constants.SocketBufferSize),
	)
}

// reuseAddrControl sets SO_REUSEADDR on listening sockets so a restarted
// server can rebind while old members sit in TIME_WAIT.
func reuseAddrControl(network, address string, c syscall.RawConn) error {
	var opErr error
	err := c.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}

func listenTCP(addr string) (*net.TCPListener, int, error) {
	lc := net.ListenConfig{Control: reuseAddrControl}
	ln, err := lc.Listen(context.Background(), "tcp", addr)
	if err != nil {
		return nil, -1, err
	}
	tl, ok := ln.(*net.TCPListener)
	if !ok {
		ln.Close()
		return nil, -1, fmt.Errorf("unexpected listener type %T", ln)
	}

	raw, err := tl.SyscallConn()
	if err != nil {
		tl.Close()
		return nil, -1, err
	}
	fd := -1
	if err := raw.Control(func(f uintptr) { fd = int(f) }); err != nil {
		tl.Close()
		return nil, -1, err
	}
	return tl, fd, nil
}

// dialTCP opens one tuned member connection bounded by timeout.
func dialTCP(ctx context.Context, addr string, timeout time.Duration) (*net.TCPConn, error) {
	d := net.Dialer{Timeout: timeout, KeepAlive: constants.KeepAlivePeriod}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	tc, ok := c.(*net.TCPConn)
	if !ok {
		c.Close()
		return nil, fmt.Errorf("unexpected connection type %T", c)
	}
	if err := tuneTCP(tc); err != nil {
		tc.Close()
		return nil, fmt.Errorf("tune socket: %w", err)
	}
	return tc, nil
}

// isTimeout reports whether err is a deadline or net timeout.
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
