// pool.go implements pooled scratch buffers for socket reads.
//
// Every member link owns one read scratch buffer for its lifetime. Servers
// churn through links quickly during handshakes, so scratch space is drawn
// from size-classed pools instead of being allocated per connection.
package buffer

import (
	"sync"
	"sync/atomic"
)

// Scratch size classes.
const (
	smallScratchSize  = 4 * 1024   // handshake-only links
	mediumScratchSize = 64 * 1024  // default link read scratch
	largeScratchSize  = 256 * 1024 // large block sizes
)

// Pool provides pooled byte slices in three size classes.
type Pool struct {
	small  sync.Pool
	medium sync.Pool
	large  sync.Pool

	gets    atomic.Int64
	direct  atomic.Int64
	returns atomic.Int64
}

// PoolStats contains counters about pool usage.
type PoolStats struct {
	Gets         int64
	DirectAllocs int64
	Returns      int64
}

var globalPool = NewPool()

func newClass(size int) sync.Pool {
	return sync.Pool{
		New: func() any {
			buf := make([]byte, size)
			return &buf
		},
	}
}

// NewPool creates an empty pool.
func NewPool() *Pool {
	return &Pool{
		small:  newClass(smallScratchSize),
		medium: newClass(mediumScratchSize),
		large:  newClass(largeScratchSize),
	}
}

// Get returns a slice of length size. Sizes above the largest class are
// allocated directly and are not retained by Put.
func (p *Pool) Get(size int) []byte {
	if size <= 0 {
		return nil
	}
	p.gets.Add(1)

	var class *sync.Pool
	switch {
	case size <= smallScratchSize:
		class = &p.small
	case size <= mediumScratchSize:
		class = &p.medium
	case size <= largeScratchSize:
		class = &p.large
	default:
		p.direct.Add(1)
		return make([]byte, size)
	}

	bufPtr := class.Get().(*[]byte)
	return (*bufPtr)[:size]
}

// Put returns a slice obtained from Get. The slice must not be used afterwards.
func (p *Pool) Put(buf []byte) {
	if cap(buf) == 0 {
		return
	}
	buf = buf[:cap(buf)]

	switch cap(buf) {
	case smallScratchSize:
		p.small.Put(&buf)
	case mediumScratchSize:
		p.medium.Put(&buf)
	case largeScratchSize:
		p.large.Put(&buf)
	default:
		return
	}
	p.returns.Add(1)
}

// Stats returns usage counters.
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Gets:         p.gets.Load(),
		DirectAllocs: p.direct.Load(),
		Returns:      p.returns.Load(),
	}
}

// GetGlobal returns a slice from the process-wide pool.
func GetGlobal(size int) []byte {
	return globalPool.Get(size)
}

// PutGlobal returns a slice to the process-wide pool.
func PutGlobal(buf []byte) {
	globalPool.Put(buf)
}

// Pooled wraps a slice that goes back to its pool on Release.
//
//	pb := pool.GetPooled(4096)
//	defer pb.Release()
type Pooled struct {
	buf  []byte
	pool *Pool
}

// GetPooled returns a Pooled slice of length size.
func (p *Pool) GetPooled(size int) *Pooled {
	return &Pooled{buf: p.Get(size), pool: p}
}

// Bytes returns the wrapped slice.
func (pb *Pooled) Bytes() []byte {
	return pb.buf
}

// Release returns the slice to its pool. Release is idempotent.
func (pb *Pooled) Release() {
	if pb.pool != nil && pb.buf != nil {
		pb.pool.Put(pb.buf)
		pb.buf = nil
	}
}
