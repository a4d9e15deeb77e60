package jericho

import (
	"sync"

	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/buffer"
)

// signal is a broadcast: every channel returned by C before a Broadcast is
// closed by it.
type signal struct {
	mu sync.Mutex
	ch chan struct{}
}

func newSignal() *signal {
	return &signal{ch: make(chan struct{})}
}

func (s *signal) C() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

func (s *signal) Broadcast() {
	s.mu.Lock()
	close(s.ch)
	s.ch = make(chan struct{})
	s.mu.Unlock()
}

// Block stripes one byte stream over N member links. Byte k of the stream
// travels on member (k / B) mod N, where B is the block size, so one
// superchunk of N*B bytes carries one chunk per member.
type Block struct {
	uid uint64
	n   int

	mu        sync.Mutex
	blockSize int
	members   []*MemberLink
	count     int
	ready     int
	published bool
	closed    bool
	wbuf      *buffer.ChunkBuffer

	notify    func()
	observer  Observer
	onDrained func()
	drained   sync.Once

	readyCh *signal
}

// NewBlock creates an empty Block for n members.
func NewBlock(uid uint64, n int) *Block {
	if n < 1 {
		n = 1
	}
	return &Block{
		uid:      uid,
		n:        n,
		members:  make([]*MemberLink, n),
		observer: nopObserver{},
		readyCh:  newSignal(),
	}
}

// Add registers link at index. The first Add fixes the block size.
func (b *Block) Add(link *MemberLink, blockSize, index int) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch {
	case b.closed || b.count == b.n:
		return jerrors.ErrStreamComplete
	case index < 0 || index >= b.n:
		return jerrors.ErrInvalidIndex
	case blockSize <= 0 || (b.blockSize != 0 && blockSize != b.blockSize):
		return jerrors.ErrBlockSizeMismatch
	case b.members[index] != nil:
		return jerrors.ErrIndexOccupied
	}

	if b.blockSize == 0 {
		b.blockSize = blockSize
		b.wbuf = buffer.NewChunkBuffer(b.n * blockSize)
	}
	link.attach(index, blockSize)
	b.members[index] = link
	b.count++
	return nil
}

// bind sets the runtime hooks once. Later calls are ignored.
func (b *Block) bind(notify func(), observer Observer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.notify == nil {
		b.notify = notify
		b.observer = observerOrNop(observer)
	}
}

func (b *Block) wake() {
	b.mu.Lock()
	notify := b.notify
	b.mu.Unlock()
	if notify != nil {
		notify()
	}
}

// markReady counts a member whose handshake completed. It returns true
// exactly once, when the last member becomes ready.
func (b *Block) markReady() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ready++
	if b.ready == b.n && !b.published {
		b.published = true
		return true
	}
	return false
}

// Write stripes p over the members. Only whole superchunks are handed out;
// the remainder waits for more data or Close.
func (b *Block) Write(p []byte) (int, error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return 0, jerrors.ErrBlockClosed
	}
	if b.count < b.n {
		b.mu.Unlock()
		return 0, jerrors.ErrBlockIncomplete
	}

	if _, err := b.wbuf.Write(p); err != nil {
		b.mu.Unlock()
		return 0, err
	}
	err := b.distributeLocked()
	b.mu.Unlock()

	b.wake()
	if err != nil {
		return 0, err
	}
	return len(p), nil
}

// distributeLocked hands every buffered superchunk to the members, piece i
// to member i. After the write buffer is closed the terminal superchunk
// yields short pieces for a prefix of the members.
func (b *Block) distributeLocked() error {
	for {
		sc, err := b.wbuf.Read()
		if err != nil {
			return nil
		}
		for i, m := range b.members {
			lo := i * b.blockSize
			if lo >= len(sc) {
				break
			}
			hi := min(lo+b.blockSize, len(sc))
			if err := m.Write(sc[lo:hi]); err != nil {
				return jerrors.NewLinkError(i, m.remote(), err)
			}
		}
	}
}

// Read returns the next superchunk: one chunk from every member, in index
// order. It never waits; ErrInsufficientData means retry once ReadyCh
// fires. At end of stream the terminal superchunk may be short, and then
// ErrEndOfStream is returned.
func (b *Block) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.n {
		return nil, jerrors.ErrBlockIncomplete
	}

	allReadable, allEOF := true, true
	for _, m := range b.members {
		if !m.Readable() {
			allReadable = false
			if !m.atEOF() {
				return nil, jerrors.ErrInsufficientData
			}
		}
		if !m.atEOF() {
			allEOF = false
		}
	}

	if allReadable {
		return b.popLocked()
	}
	if !allEOF {
		return nil, jerrors.ErrInsufficientData
	}
	return b.popLocked()
}

// popLocked concatenates one chunk per member, stopping at the first
// exhausted member or short chunk. Members after the stop must be
// exhausted; anything else means a member lost data.
func (b *Block) popLocked() ([]byte, error) {
	out := make([]byte, 0, b.n*b.blockSize)
	stop := b.n
	for i, m := range b.members {
		if m.Exhausted() {
			stop = i
			break
		}
		chunk, err := m.rbuf.Read()
		if err != nil {
			return nil, err
		}
		out = append(out, chunk...)
		if len(chunk) < b.blockSize {
			stop = i + 1
			break
		}
	}

	for _, m := range b.members[stop:] {
		if !m.Exhausted() {
			return nil, jerrors.ErrTruncatedStream
		}
	}
	if len(out) == 0 {
		return nil, jerrors.ErrEndOfStream
	}
	return out, nil
}

// Readable reports whether Read would return data now.
func (b *Block) Readable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.count < b.n {
		return false
	}
	allReadable, allEOF := true, true
	for _, m := range b.members {
		if !m.Readable() {
			allReadable = false
		}
		if !m.atEOF() {
			allEOF = false
		}
	}
	return allReadable || (allEOF && b.members[0].Readable())
}

// Close flushes the partial superchunk and marks every member closing, so
// each link shuts down its send half once its queue drains.
func (b *Block) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true

	var err error
	if b.wbuf != nil {
		b.wbuf.Close()
		if b.count == b.n {
			err = b.distributeLocked()
		}
	}
	for _, m := range b.members {
		if m != nil {
			m.MarkClosing()
		}
	}
	b.mu.Unlock()

	b.wake()
	b.signalReady()
	b.checkDrained()
	return err
}

// signalReady wakes readers waiting on ReadyCh.
func (b *Block) signalReady() {
	b.readyCh.Broadcast()
}

// ReadyCh returns a channel closed when new inbound data or end of stream
// arrives. Fetch it before calling Read to avoid missing a wake-up.
func (b *Block) ReadyCh() <-chan struct{} {
	return b.readyCh.C()
}

// checkDrained fires the drained hooks once every registered member is
// closed.
func (b *Block) checkDrained() {
	b.mu.Lock()
	if b.count < b.n && !b.closed {
		b.mu.Unlock()
		return
	}
	for _, m := range b.members {
		if m != nil && !m.Closed() {
			b.mu.Unlock()
			return
		}
	}
	onDrained, observer := b.onDrained, b.observer
	b.mu.Unlock()

	b.drained.Do(func() {
		if onDrained != nil {
			onDrained()
		}
		observer.OnBlockDrained(b.uid)
	})
}

// Pending returns the number of chunks queued on the members.
func (b *Block) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, m := range b.members {
		if m != nil {
			n += m.Queued()
		}
	}
	return n
}

// flushed reports whether every member has sent all its queued bytes.
func (b *Block) flushed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, m := range b.members {
		if m != nil && !m.Flushed() {
			return false
		}
	}
	return true
}

// UID returns the stream identifier.
func (b *Block) UID() uint64 { return b.uid }

// MemberCount returns N.
func (b *Block) MemberCount() int { return b.n }

// BlockSize returns B, or 0 before the first member joined.
func (b *Block) BlockSize() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.blockSize
}

// Member returns the link at index i, or nil.
func (b *Block) Member(i int) *MemberLink {
	b.mu.Lock()
	defer b.mu.Unlock()
	if i < 0 || i >= b.n {
		return nil
	}
	return b.members[i]
}

// Members returns the number of registered members.
func (b *Block) Members() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count
}

// Complete reports whether all N members are registered.
func (b *Block) Complete() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.count == b.n
}

// Closed reports whether Close has been called.
func (b *Block) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closed
}
