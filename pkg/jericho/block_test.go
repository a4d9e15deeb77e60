package jericho

import (
	"bytes"
	"errors"
	"testing"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

func pattern(n int) []byte {
	p := make([]byte, n)
	for i := range p {
		p[i] = byte(i)
	}
	return p
}

func TestBlockStripes(t *testing.T) {
	b, conns := newMockBlock(t, 3, 4)

	data := pattern(30)
	if _, err := b.Write(data); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	flushAll(t, b)

	// Only the whole superchunk (24 bytes) is handed out before Close.
	for i, c := range conns {
		want := data[i*4 : i*4+4]
		want = append(append([]byte(nil), want...), data[12+i*4:12+i*4+4]...)
		if got := c.written(); !bytes.Equal(got, want) {
			t.Errorf("member %d before close = %v, want %v", i, got, want)
		}
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	flushAll(t, b)

	wants := [][]byte{
		{0, 1, 2, 3, 12, 13, 14, 15, 24, 25, 26, 27},
		{4, 5, 6, 7, 16, 17, 18, 19, 28, 29},
		{8, 9, 10, 11, 20, 21, 22, 23},
	}
	for i, c := range conns {
		if got := c.written(); !bytes.Equal(got, wants[i]) {
			t.Errorf("member %d = %v, want %v", i, got, wants[i])
		}
		if !c.halfClosed {
			t.Errorf("member %d send half not shut down", i)
		}
		if !b.Member(i).Drained() {
			t.Errorf("member %d not drained", i)
		}
	}
}

func TestBlockRoundTrip(t *testing.T) {
	sizes := []int{0, 1, 7, 8, 24, 25, 100, 1000}
	for _, size := range sizes {
		tx, txConns := newMockBlock(t, 3, 8)
		rx, rxConns := newMockBlock(t, 3, 8)

		data := pattern(size)
		// Uneven writes exercise the superchunk tail.
		for off := 0; off < len(data); off += 5 {
			end := min(off+5, len(data))
			if _, err := tx.Write(data[off:end]); err != nil {
				t.Fatalf("size %d: Write failed: %v", size, err)
			}
		}
		if err := tx.Close(); err != nil {
			t.Fatalf("size %d: Close failed: %v", size, err)
		}
		flushAll(t, tx)

		for i := range rxConns {
			rxConns[i].feed(txConns[i].written())
			rxConns[i].eof()
			if _, err := rx.Member(i).HandleRead(); err != nil {
				t.Fatalf("size %d: HandleRead(%d) failed: %v", size, i, err)
			}
		}

		var got []byte
		for {
			sc, err := rx.Read()
			if errors.Is(err, jerrors.ErrEndOfStream) {
				break
			}
			if err != nil {
				t.Fatalf("size %d: Read failed: %v", size, err)
			}
			if len(sc) > 24 {
				t.Fatalf("size %d: superchunk of %d bytes", size, len(sc))
			}
			got = append(got, sc...)
		}
		if !bytes.Equal(got, data) {
			t.Errorf("size %d: round trip mismatch, got %d bytes", size, len(got))
		}
	}
}

func TestBlockReadWaitsForAllMembers(t *testing.T) {
	b, conns := newMockBlock(t, 2, 4)

	conns[0].feed([]byte("abcd"))
	if _, err := b.Member(0).HandleRead(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Read(); !errors.Is(err, jerrors.ErrInsufficientData) {
		t.Fatalf("Read() error = %v, want ErrInsufficientData", err)
	}
	if b.Readable() {
		t.Fatal("Readable() = true with one member short")
	}

	conns[1].feed([]byte("ef"))
	if _, err := b.Member(1).HandleRead(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Read(); !errors.Is(err, jerrors.ErrInsufficientData) {
		t.Fatalf("Read() error = %v, want ErrInsufficientData", err)
	}

	conns[1].feed([]byte("gh"))
	if _, err := b.Member(1).HandleRead(); err != nil {
		t.Fatal(err)
	}
	sc, err := b.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(sc) != "abcdefgh" {
		t.Errorf("Read() = %q, want %q", sc, "abcdefgh")
	}
}

func TestBlockTruncatedStream(t *testing.T) {
	b, conns := newMockBlock(t, 2, 4)

	// Member 0 ends with a short chunk, member 1 still has data after it.
	conns[0].feed([]byte("ab"))
	conns[1].feed([]byte("wxyz"))
	for i, c := range conns {
		c.eof()
		if _, err := b.Member(i).HandleRead(); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := b.Read(); !errors.Is(err, jerrors.ErrTruncatedStream) {
		t.Fatalf("Read() error = %v, want ErrTruncatedStream", err)
	}
}

func TestBlockAdd(t *testing.T) {
	b := NewBlock(7, 2)

	if err := b.Add(NewMemberLink(newMockConn(), 0), 16, 2); !errors.Is(err, jerrors.ErrInvalidIndex) {
		t.Errorf("index out of range: err = %v", err)
	}
	if err := b.Add(NewMemberLink(newMockConn(), 0), 0, 0); !errors.Is(err, jerrors.ErrBlockSizeMismatch) {
		t.Errorf("zero block size: err = %v", err)
	}
	if err := b.Add(NewMemberLink(newMockConn(), 0), 16, 0); err != nil {
		t.Fatalf("first Add failed: %v", err)
	}
	if err := b.Add(NewMemberLink(newMockConn(), 0), 32, 1); !errors.Is(err, jerrors.ErrBlockSizeMismatch) {
		t.Errorf("block size mismatch: err = %v", err)
	}
	if err := b.Add(NewMemberLink(newMockConn(), 0), 16, 0); !errors.Is(err, jerrors.ErrIndexOccupied) {
		t.Errorf("occupied index: err = %v", err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, jerrors.ErrBlockIncomplete) {
		t.Errorf("Write on incomplete block: err = %v", err)
	}
	if err := b.Add(NewMemberLink(newMockConn(), 0), 16, 1); err != nil {
		t.Fatalf("second Add failed: %v", err)
	}
	if !b.Complete() || b.BlockSize() != 16 || b.Members() != 2 {
		t.Errorf("Complete=%v BlockSize=%d Members=%d", b.Complete(), b.BlockSize(), b.Members())
	}
	if err := b.Add(NewMemberLink(newMockConn(), 0), 16, 1); !errors.Is(err, jerrors.ErrStreamComplete) {
		t.Errorf("Add on complete block: err = %v", err)
	}
	if got := b.Member(1).Index(); got != 1 {
		t.Errorf("member index = %d, want 1", got)
	}
}

func TestBlockWriteAfterClose(t *testing.T) {
	b, _ := newMockBlock(t, 2, 4)
	if err := b.Close(); err != nil {
		t.Fatal(err)
	}
	if _, err := b.Write([]byte("x")); !errors.Is(err, jerrors.ErrBlockClosed) {
		t.Errorf("Write after Close: err = %v", err)
	}
	if err := b.Close(); err != nil {
		t.Errorf("second Close: err = %v", err)
	}
}

func TestBlockDrained(t *testing.T) {
	b, _ := newMockBlock(t, 2, 4)
	drained := 0
	b.onDrained = func() { drained++ }

	b.Member(0).Close()
	b.checkDrained()
	if drained != 0 {
		t.Fatal("drained with one member open")
	}
	b.Member(1).Close()
	b.checkDrained()
	b.checkDrained()
	if drained != 1 {
		t.Errorf("onDrained ran %d times, want 1", drained)
	}
}

func TestBlockSurplusSeed(t *testing.T) {
	b := NewBlock(3, 1)
	l := NewMemberLink(newMockConn(), 0)
	l.seed([]byte("abcdef"))
	if err := b.Add(l, 4, 0); err != nil {
		t.Fatal(err)
	}
	sc, err := b.Read()
	if err != nil {
		t.Fatalf("Read failed: %v", err)
	}
	if string(sc) != "abcd" {
		t.Errorf("Read() = %q, want %q", sc, "abcd")
	}
}

func BenchmarkBlockWrite(b *testing.B) {
	blk, _ := newMockBlock(b, 4, 1024)
	data := pattern(64 * 1024)
	b.SetBytes(int64(len(data)))
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if _, err := blk.Write(data); err != nil {
			b.Fatal(err)
		}
		for j := 0; j < blk.MemberCount(); j++ {
			_ = blk.Member(j).HandleWrite()
		}
	}
}
