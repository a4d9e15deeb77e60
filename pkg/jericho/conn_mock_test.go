package jericho

import (
	"bytes"
	"io"
	"net"
	"sync"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// mockConn is an in-memory Conn. Reads drain in; writes append to out, at
// most writeLimit bytes per call when writeLimit is positive.
type mockConn struct {
	mu         sync.Mutex
	in         bytes.Buffer
	inEOF      bool
	out        bytes.Buffer
	writeLimit int
	blockWrite bool
	readErr    error
	halfClosed bool
	closed     bool
}

func newMockConn() *mockConn { return &mockConn{} }

func (c *mockConn) feed(p []byte) {
	c.mu.Lock()
	c.in.Write(p)
	c.mu.Unlock()
}

func (c *mockConn) eof() {
	c.mu.Lock()
	c.inEOF = true
	c.mu.Unlock()
}

func (c *mockConn) written() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]byte(nil), c.out.Bytes()...)
}

func (c *mockConn) Fd() int { return -1 }

func (c *mockConn) Read(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.readErr != nil {
		return 0, c.readErr
	}
	if c.in.Len() == 0 {
		if c.inEOF {
			return 0, io.EOF
		}
		return 0, jerrors.ErrWouldBlock
	}
	return c.in.Read(p)
}

func (c *mockConn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.halfClosed {
		return 0, net.ErrClosed
	}
	if c.blockWrite {
		return 0, jerrors.ErrWouldBlock
	}
	if c.writeLimit > 0 && len(p) > c.writeLimit {
		c.out.Write(p[:c.writeLimit])
		return c.writeLimit, jerrors.ErrWouldBlock
	}
	return c.out.Write(p)
}

func (c *mockConn) Flush() error  { return nil }
func (c *mockConn) Pending() bool { return false }

func (c *mockConn) CloseWrite() error {
	c.mu.Lock()
	c.halfClosed = true
	c.mu.Unlock()
	return nil
}

func (c *mockConn) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return nil
}

func (c *mockConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 40000}
}

func (c *mockConn) LocalAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 9555}
}

// newMockBlock returns a complete Block of n members over mock conns.
func newMockBlock(t interface{ Fatalf(string, ...any) }, n, blockSize int) (*Block, []*mockConn) {
	b := NewBlock(1, n)
	conns := make([]*mockConn, n)
	for i := range conns {
		conns[i] = newMockConn()
		if err := b.Add(NewMemberLink(conns[i], 0), blockSize, i); err != nil {
			t.Fatalf("Add(%d) failed: %v", i, err)
		}
	}
	return b, conns
}

// flushAll runs HandleWrite on every member.
func flushAll(t interface{ Fatalf(string, ...any) }, b *Block) {
	for i := 0; i < b.MemberCount(); i++ {
		if err := b.Member(i).HandleWrite(); err != nil {
			t.Fatalf("HandleWrite(%d) failed: %v", i, err)
		}
	}
}
