package jericho

import (
	"context"
	"errors"
	"io"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

// BlockReader adapts a Block to io.Reader. Read waits for data instead of
// returning ErrInsufficientData, and ends with io.EOF.
type BlockReader struct {
	ctx     context.Context
	block   *Block
	pending []byte
	err     error
}

// NewBlockReader returns a reader over b. Waiting reads give up when ctx
// is done.
func NewBlockReader(ctx context.Context, b *Block) *BlockReader {
	return &BlockReader{ctx: ctx, block: b}
}

func (r *BlockReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if err := r.fill(); err != nil {
		return 0, err
	}
	n := copy(p, r.pending)
	r.pending = r.pending[n:]
	return n, nil
}

// WriteTo writes superchunks to w until end of stream.
func (r *BlockReader) WriteTo(w io.Writer) (int64, error) {
	var total int64
	for {
		if err := r.fill(); err != nil {
			if errors.Is(err, io.EOF) {
				return total, nil
			}
			return total, err
		}
		n, err := w.Write(r.pending)
		total += int64(n)
		r.pending = r.pending[n:]
		if err != nil {
			return total, err
		}
	}
}

// fill waits until pending holds data or the stream ends.
func (r *BlockReader) fill() error {
	for len(r.pending) == 0 {
		if r.err != nil {
			return r.err
		}

		ready := r.block.ReadyCh()
		data, err := r.block.Read()
		switch {
		case err == nil:
			r.pending = data
		case errors.Is(err, jerrors.ErrEndOfStream):
			r.err = io.EOF
		case errors.Is(err, jerrors.ErrInsufficientData), errors.Is(err, jerrors.ErrBlockIncomplete):
			select {
			case <-ready:
			case <-r.ctx.Done():
				return r.ctx.Err()
			}
		default:
			r.err = err
		}
	}
	return nil
}
