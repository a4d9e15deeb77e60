package jericho

import (
	"errors"
	"io"
	"net"
	"sync"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/buffer"
)

// ReadResult is the outcome of MemberLink.HandleRead.
type ReadResult int

const (
	// ReadNotReady means the socket would block and nothing was read.
	ReadNotReady ReadResult = iota
	// ReadData means bytes were read; more may arrive.
	ReadData
	// ReadPeerClosed means the peer closed its send half. The read buffer
	// is closed.
	ReadPeerClosed
)

func (r ReadResult) String() string {
	switch r {
	case ReadNotReady:
		return "not-ready"
	case ReadData:
		return "data"
	case ReadPeerClosed:
		return "peer-closed"
	default:
		return "unknown"
	}
}

// MemberLink is one member connection of a Block: the Conn, its inbound
// ChunkBuffer and a FIFO of outbound chunks. HandleRead and HandleWrite
// run on the runtime loop; Write may be called from the Block's user.
type MemberLink struct {
	conn     Conn
	index    int
	rbuf     *buffer.ChunkBuffer
	scratch  []byte
	surplus  []byte
	observer Observer

	// loop-owned
	backlog    bool
	peerClosed bool

	mu       sync.Mutex
	queue    [][]byte
	offset   int // bytes of queue[0] already sent
	closing  bool
	shutdown bool
	closed   bool
}

// NewMemberLink wraps conn. A positive chunkSize allocates the read buffer
// immediately; otherwise it is allocated when the link joins a Block.
func NewMemberLink(conn Conn, chunkSize int) *MemberLink {
	l := &MemberLink{
		conn:     conn,
		index:    -1,
		scratch:  buffer.GetGlobal(constants.ReadScratchSize),
		observer: nopObserver{},
	}
	if chunkSize > 0 {
		l.rbuf = buffer.NewChunkBuffer(chunkSize)
	}
	return l
}

func (l *MemberLink) setObserver(o Observer) {
	l.observer = observerOrNop(o)
}

// seed keeps bytes that arrived with the handshake. They become the first
// bytes of the read buffer when the link joins its Block.
func (l *MemberLink) seed(p []byte) {
	if len(p) == 0 {
		return
	}
	if l.rbuf != nil {
		_, _ = l.rbuf.Write(p)
		return
	}
	l.surplus = append(l.surplus, p...)
}

// attach binds the link to a member index. Called under the Block lock.
func (l *MemberLink) attach(index, chunkSize int) {
	l.index = index
	if l.rbuf == nil || l.rbuf.Size() != chunkSize {
		l.rbuf = buffer.NewChunkBuffer(chunkSize)
	}
	if len(l.surplus) > 0 {
		_, _ = l.rbuf.Write(l.surplus)
		l.surplus = nil
	}
}

// HandleRead reads until the socket would block, at most
// MaxReadsPerEvent times.
func (l *MemberLink) HandleRead() (ReadResult, error) {
	if l.rbuf == nil {
		return ReadNotReady, jerrors.ErrInvalidState
	}
	if l.isClosed() {
		return ReadNotReady, jerrors.ErrLinkClosed
	}

	result := ReadNotReady
	l.backlog = false
	for i := 0; i < constants.MaxReadsPerEvent; i++ {
		n, err := l.conn.Read(l.scratch)
		if n > 0 {
			if _, werr := l.rbuf.Write(l.scratch[:n]); werr != nil {
				return result, jerrors.ErrLinkClosed
			}
			l.observer.OnBytesReceived(n)
			result = ReadData
		}

		switch {
		case err == nil:
			continue
		case errors.Is(err, jerrors.ErrWouldBlock):
			return result, nil
		case errors.Is(err, io.EOF):
			l.peerClosed = true
			l.rbuf.Close()
			return ReadPeerClosed, nil
		default:
			return result, err
		}
	}

	// Bytes may remain below the Conn without a new readiness event.
	l.backlog = true
	return result, nil
}

// HandleWrite flushes the Conn, then sends queued chunks in order. Short
// sends keep the chunk at the head. Once the queue is empty on a closing
// link, the send half is shut down.
func (l *MemberLink) HandleWrite() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return jerrors.ErrLinkClosed
	}

	if l.conn.Pending() {
		if err := l.conn.Flush(); err != nil {
			return ignoreWouldBlock(err)
		}
	}

	for len(l.queue) > 0 {
		head := l.queue[0]
		n, err := l.conn.Write(head[l.offset:])
		if n > 0 {
			l.offset += n
			l.observer.OnBytesSent(n)
		}
		if err != nil {
			return ignoreWouldBlock(err)
		}
		if l.offset < len(head) {
			return nil
		}
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.offset = 0
	}
	l.queue = nil

	if l.closing && !l.shutdown && !l.conn.Pending() {
		if err := l.conn.CloseWrite(); err != nil {
			return ignoreWouldBlock(err)
		}
		l.shutdown = true
	}
	return nil
}

func ignoreWouldBlock(err error) error {
	if errors.Is(err, jerrors.ErrWouldBlock) {
		return nil
	}
	return err
}

// Write enqueues p for sending. p is not copied and must not be modified
// afterwards.
func (l *MemberLink) Write(p []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed || l.closing {
		return jerrors.ErrLinkClosed
	}
	if len(p) > 0 {
		l.queue = append(l.queue, p)
	}
	return nil
}

// WantWrite reports whether the link has anything to send, including a
// pending shutdown of the send half.
func (l *MemberLink) WantWrite() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	return len(l.queue) > 0 || l.conn.Pending() || (l.closing && !l.shutdown)
}

// MarkClosing stops further writes. The send half is shut down once the
// queue drains.
func (l *MemberLink) MarkClosing() {
	l.mu.Lock()
	l.closing = true
	l.mu.Unlock()
}

// Drained reports whether the link is closing and its send half is shut down.
func (l *MemberLink) Drained() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closing && l.shutdown
}

// Flushed reports whether every queued byte has reached the socket.
func (l *MemberLink) Flushed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed || (len(l.queue) == 0 && !l.conn.Pending())
}

// Close closes the connection and the read buffer. Buffered inbound chunks
// stay readable. Only the first call returns the close error.
func (l *MemberLink) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.queue = nil
	scratch := l.scratch
	l.scratch = nil
	l.mu.Unlock()

	if l.rbuf != nil {
		l.rbuf.Close()
	}
	err := l.conn.Close()
	buffer.PutGlobal(scratch)
	return err
}

func (l *MemberLink) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Closed reports whether Close has been called.
func (l *MemberLink) Closed() bool { return l.isClosed() }

// Index returns the member index, or -1 before the link joined a Block.
func (l *MemberLink) Index() int { return l.index }

// Readable reports whether the read buffer holds a chunk for Block.Read.
func (l *MemberLink) Readable() bool {
	return l.rbuf != nil && l.rbuf.Readable()
}

// Exhausted reports whether the peer's data is fully consumed.
func (l *MemberLink) Exhausted() bool {
	return l.rbuf != nil && l.rbuf.Exhausted()
}

// atEOF reports whether no more inbound data will arrive.
func (l *MemberLink) atEOF() bool {
	return l.rbuf != nil && l.rbuf.Closed()
}

// Queued returns the number of chunks waiting to be sent.
func (l *MemberLink) Queued() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// RemoteAddr returns the peer address.
func (l *MemberLink) RemoteAddr() net.Addr { return l.conn.RemoteAddr() }

func (l *MemberLink) remote() string {
	if a := l.conn.RemoteAddr(); a != nil {
		return a.String()
	}
	return ""
}

// Conn returns the underlying connection.
func (l *MemberLink) Conn() Conn { return l.conn }
