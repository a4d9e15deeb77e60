// Package buffer provides the chunk-aligned byte queue used on every Jericho
// read and write path, and a pool of scratch buffers for socket reads.
//
// This file (chunk.go) provides:
//   - ChunkBuffer, a FIFO of fixed-size chunks fed by arbitrary-length writes
//   - End-of-stream handling with a single short terminal chunk
//   - Internal locking for one writer and one reader on different goroutines
package buffer

import (
	"sync"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// ChunkBuffer queues bytes and hands them out in chunks of exactly Size()
// bytes. After Close, the incomplete remainder is returned once as a short
// terminal chunk.
type ChunkBuffer struct {
	mu     sync.Mutex
	size   int
	chunks [][]byte // complete chunks, oldest first
	tail   []byte   // incomplete remainder, len < size
	length int      // bytes in chunks and tail
	eof    bool
}

// NewChunkBuffer creates a buffer that yields chunks of size bytes.
// It panics if size is not positive.
func NewChunkBuffer(size int) *ChunkBuffer {
	if size <= 0 {
		panic("buffer: chunk size must be positive")
	}
	return &ChunkBuffer{size: size}
}

// Size returns the chunk size.
func (b *ChunkBuffer) Size() int {
	return b.size
}

// Write appends p, completing the pending tail first. Every complete chunk
// is queued; the remainder waits for the next write. p is copied.
func (b *ChunkBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.eof {
		return 0, jerrors.ErrBufferClosed
	}

	data := p
	if len(b.tail) > 0 {
		need := b.size - len(b.tail)
		if len(data) < need {
			b.tail = append(b.tail, data...)
			b.length += len(p)
			return len(p), nil
		}
		b.chunks = append(b.chunks, append(b.tail, data[:need]...))
		b.tail = nil
		data = data[need:]
	}

	for len(data) >= b.size {
		chunk := make([]byte, b.size)
		copy(chunk, data)
		b.chunks = append(b.chunks, chunk)
		data = data[b.size:]
	}

	if len(data) > 0 {
		b.tail = make([]byte, len(data), b.size)
		copy(b.tail, data)
	}

	b.length += len(p)
	return len(p), nil
}

// Read pops the oldest complete chunk. Before Close it fails with
// ErrInsufficientData when no complete chunk is queued. After Close it
// returns the short tail exactly once, then ErrEndOfStream.
func (b *ChunkBuffer) Read() ([]byte, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.chunks) > 0 {
		chunk := b.chunks[0]
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
		if len(b.chunks) == 0 {
			b.chunks = nil
		}
		b.length -= len(chunk)
		return chunk, nil
	}

	if !b.eof {
		return nil, jerrors.ErrInsufficientData
	}

	if len(b.tail) > 0 {
		chunk := b.tail
		b.tail = nil
		b.length -= len(chunk)
		return chunk, nil
	}

	return nil, jerrors.ErrEndOfStream
}

// Readable reports whether the next Read returns data.
func (b *ChunkBuffer) Readable() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks) > 0 || (b.eof && len(b.tail) > 0)
}

// Exhausted reports whether the buffer is closed and fully consumed.
func (b *ChunkBuffer) Exhausted() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof && len(b.chunks) == 0 && len(b.tail) == 0
}

// Closed reports whether Close has been called.
func (b *ChunkBuffer) Closed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.eof
}

// Close marks end of stream. Calling Close more than once is a no-op.
func (b *ChunkBuffer) Close() {
	b.mu.Lock()
	b.eof = true
	b.mu.Unlock()
}

// Len returns the number of buffered bytes, including the incomplete tail.
func (b *ChunkBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.length
}

// Chunks returns the number of complete chunks queued.
func (b *ChunkBuffer) Chunks() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.chunks)
}
