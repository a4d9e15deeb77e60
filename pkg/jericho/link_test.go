package jericho

import (
	"bytes"
	"errors"
	"testing"

	jerrors "github.com/pzverkov/jericho/internal/errors"
)

func TestMemberLinkPartialWrites(t *testing.T) {
	conn := newMockConn()
	conn.writeLimit = 3
	l := NewMemberLink(conn, 4)

	for _, chunk := range []string{"abcd", "efgh", "ij"} {
		if err := l.Write([]byte(chunk)); err != nil {
			t.Fatal(err)
		}
	}
	if l.Queued() != 3 || !l.WantWrite() {
		t.Fatalf("Queued() = %d, WantWrite() = %v", l.Queued(), l.WantWrite())
	}

	for i := 0; l.WantWrite(); i++ {
		if err := l.HandleWrite(); err != nil {
			t.Fatal(err)
		}
		if i > 10 {
			t.Fatal("queue never drained")
		}
	}
	if got := conn.written(); string(got) != "abcdefghij" {
		t.Errorf("written = %q", got)
	}
	if !l.Flushed() {
		t.Error("Flushed() = false after drain")
	}
}

func TestMemberLinkWouldBlock(t *testing.T) {
	conn := newMockConn()
	conn.blockWrite = true
	l := NewMemberLink(conn, 4)

	if err := l.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	if err := l.HandleWrite(); err != nil {
		t.Fatalf("HandleWrite on full socket: %v", err)
	}
	if l.Queued() != 1 {
		t.Fatalf("Queued() = %d, want 1", l.Queued())
	}

	conn.mu.Lock()
	conn.blockWrite = false
	conn.mu.Unlock()
	if err := l.HandleWrite(); err != nil {
		t.Fatal(err)
	}
	if l.Queued() != 0 || string(conn.written()) != "abcd" {
		t.Errorf("Queued() = %d, written = %q", l.Queued(), conn.written())
	}
}

func TestMemberLinkClosing(t *testing.T) {
	conn := newMockConn()
	l := NewMemberLink(conn, 4)
	if err := l.Write([]byte("abcd")); err != nil {
		t.Fatal(err)
	}
	l.MarkClosing()

	if err := l.Write([]byte("late")); !errors.Is(err, jerrors.ErrLinkClosed) {
		t.Errorf("Write while closing: err = %v", err)
	}
	if l.Drained() {
		t.Fatal("Drained() before flush")
	}
	if err := l.HandleWrite(); err != nil {
		t.Fatal(err)
	}
	if !l.Drained() || !conn.halfClosed {
		t.Errorf("Drained() = %v, halfClosed = %v", l.Drained(), conn.halfClosed)
	}
	if l.WantWrite() {
		t.Error("WantWrite() after shutdown")
	}
	if string(conn.written()) != "abcd" {
		t.Errorf("written = %q", conn.written())
	}
}

func TestMemberLinkHandleRead(t *testing.T) {
	conn := newMockConn()
	l := NewMemberLink(conn, 4)

	if res, err := l.HandleRead(); err != nil || res != ReadNotReady {
		t.Fatalf("HandleRead() on empty socket = %v, %v", res, err)
	}

	conn.feed([]byte("abcdef"))
	if res, err := l.HandleRead(); err != nil || res != ReadData {
		t.Fatalf("HandleRead() = %v, %v", res, err)
	}
	if !l.Readable() {
		t.Fatal("Readable() = false with a full chunk")
	}

	conn.eof()
	if res, err := l.HandleRead(); err != nil || res != ReadPeerClosed {
		t.Fatalf("HandleRead() at EOF = %v, %v", res, err)
	}
	if !l.atEOF() || l.Exhausted() {
		t.Errorf("atEOF() = %v, Exhausted() = %v", l.atEOF(), l.Exhausted())
	}

	var got []byte
	for l.Readable() {
		chunk, err := l.rbuf.Read()
		if err != nil {
			t.Fatal(err)
		}
		got = append(got, chunk...)
	}
	if !bytes.Equal(got, []byte("abcdef")) || !l.Exhausted() {
		t.Errorf("read %q, Exhausted() = %v", got, l.Exhausted())
	}
}

func TestMemberLinkReadError(t *testing.T) {
	conn := newMockConn()
	conn.readErr = errors.New("connection reset")
	l := NewMemberLink(conn, 4)
	if _, err := l.HandleRead(); err == nil {
		t.Fatal("HandleRead() error = nil")
	}

	unattached := NewMemberLink(newMockConn(), 0)
	if _, err := unattached.HandleRead(); !errors.Is(err, jerrors.ErrInvalidState) {
		t.Errorf("HandleRead() before attach: err = %v", err)
	}
}

func TestMemberLinkClose(t *testing.T) {
	conn := newMockConn()
	l := NewMemberLink(conn, 4)
	conn.feed([]byte("abcd"))
	if _, err := l.HandleRead(); err != nil {
		t.Fatal(err)
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
	if !conn.closed || !l.Closed() {
		t.Error("conn not closed")
	}
	if err := l.Write([]byte("x")); !errors.Is(err, jerrors.ErrLinkClosed) {
		t.Errorf("Write after Close: err = %v", err)
	}
	if _, err := l.HandleRead(); !errors.Is(err, jerrors.ErrLinkClosed) {
		t.Errorf("HandleRead after Close: err = %v", err)
	}
	// Buffered chunks survive Close.
	if !l.Readable() {
		t.Error("buffered chunk lost on Close")
	}
}

func TestReadResultString(t *testing.T) {
	for r, want := range map[ReadResult]string{
		ReadNotReady:   "not-ready",
		ReadData:       "data",
		ReadPeerClosed: "peer-closed",
		ReadResult(9):  "unknown",
	} {
		if got := r.String(); got != want {
			t.Errorf("%d.String() = %q, want %q", int(r), got, want)
		}
	}
}
