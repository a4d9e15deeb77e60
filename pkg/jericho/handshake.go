package jericho

import (
	"errors"
	"io"
	"time"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/auth"
	"github.com/pzverkov/jericho/pkg/protocol"
)

// HandshakeState is the state of a member handshake.
type HandshakeState int

// Server handshakes move INIT → LENGTH_READ → HEADER_READ → VERIFY →
// ACCEPTED|DECLINED → READY. Client handshakes move SEND → CHECK → READY,
// or end in DECLINED.
const (
	StateInit HandshakeState = iota
	StateLengthRead
	StateHeaderRead
	StateVerify
	StateAccepted
	StateDeclined
	StateReady
	StateSend
	StateCheck
)

func (s HandshakeState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateLengthRead:
		return "LENGTH_READ"
	case StateHeaderRead:
		return "HEADER_READ"
	case StateVerify:
		return "VERIFY"
	case StateAccepted:
		return "ACCEPTED"
	case StateDeclined:
		return "DECLINED"
	case StateReady:
		return "READY"
	case StateSend:
		return "SEND"
	case StateCheck:
		return "CHECK"
	default:
		return "UNKNOWN"
	}
}

// handshakeReadSize bounds one read while handshaking.
const handshakeReadSize = 4096

// serverSession holds the transient buffers of a server handshake.
type serverSession struct {
	buf      []byte
	length   int
	response []byte
	sent     int
}

// ServerHandshake drives the server side of one member handshake.
type ServerHandshake struct {
	state    HandshakeState
	login    auth.LoginFunc
	session  *serverSession
	header   protocol.Header
	accepted bool
	deferred bool
	reason   string
	surplus  []byte
	started  time.Time
}

// NewServerHandshake creates a handshake in INIT. A nil login declines
// every password.
func NewServerHandshake(login auth.LoginFunc) *ServerHandshake {
	return &ServerHandshake{
		state:   StateInit,
		login:   login,
		session: &serverSession{},
		started: time.Now(),
	}
}

// newDeferredServerHandshake creates a handshake that stops in VERIFY once
// the header parses. The caller runs the login elsewhere and reports the
// verdict through Complete.
func newDeferredServerHandshake() *ServerHandshake {
	h := NewServerHandshake(nil)
	h.deferred = true
	return h
}

// Feed consumes received bytes and reports whether the read phase is over,
// that is the handshake is ACCEPTED, DECLINED or awaiting its login
// verdict. Bytes after the record are kept as surplus.
func (h *ServerHandshake) Feed(data []byte) bool {
	switch h.state {
	case StateInit, StateLengthRead:
	default:
		h.surplus = append(h.surplus, data...)
		return true
	}

	s := h.session
	s.buf = append(s.buf, data...)

	if h.state == StateInit {
		if len(s.buf) < constants.LengthPrefixSize {
			return false
		}
		n, err := protocol.ParseLength(s.buf[:constants.LengthPrefixSize])
		if err != nil {
			h.decline(protocol.DeclineReason(err))
			return true
		}
		s.length = n
		s.buf = s.buf[constants.LengthPrefixSize:]
		h.state = StateLengthRead
	}

	if len(s.buf) < s.length {
		return false
	}
	record := s.buf[:s.length]
	if rest := s.buf[s.length:]; len(rest) > 0 {
		h.surplus = append(h.surplus, rest...)
	}
	h.state = StateHeaderRead
	h.verify(record)
	s.buf = nil
	return true
}

func (h *ServerHandshake) verify(record []byte) {
	h.state = StateVerify

	hdr, err := protocol.ParseHeader(record)
	if err == nil {
		err = hdr.Validate()
	}
	if err != nil {
		h.decline(protocol.DeclineReason(err))
		return
	}
	h.header = hdr
	if h.deferred {
		return
	}
	h.settle(h.login != nil && h.login(hdr.Password))
}

func (h *ServerHandshake) settle(ok bool) {
	if !ok {
		h.decline(protocol.ReasonInvalidPassword)
		return
	}
	h.state = StateAccepted
	h.accepted = true
	h.session.response = protocol.EncodeAccept()
}

// Pending reports whether the handshake waits for a login verdict.
func (h *ServerHandshake) Pending() bool {
	return h.deferred && h.state == StateVerify
}

// Complete applies the login verdict of a pending handshake.
func (h *ServerHandshake) Complete(ok bool) error {
	if !h.Pending() {
		return jerrors.ErrInvalidState
	}
	h.settle(ok)
	return nil
}

func (h *ServerHandshake) decline(reason string) {
	h.state = StateDeclined
	h.accepted = false
	h.reason = reason
	h.session.response = protocol.EncodeDecline(reason)
}

// Decline turns an ACCEPTED handshake into DECLINED before any response
// byte is sent.
func (h *ServerHandshake) Decline(reason string) error {
	if h.state != StateAccepted || h.session.sent > 0 {
		return jerrors.ErrInvalidState
	}
	h.decline(reason)
	return nil
}

// HandleRead drains conn into Feed until the socket would block. It
// reports whether the read phase is over.
func (h *ServerHandshake) HandleRead(conn Conn) (bool, error) {
	if h.session == nil {
		return true, nil
	}
	done, err := drain(conn, func(p []byte) bool { return h.Feed(p) })
	if err != nil {
		return done, jerrors.NewProtocolError("handshake", err)
	}
	return done || h.state >= StateVerify, nil
}

// HandleWrite sends the response. It reports true once the response is
// fully out; the handshake is then READY and its session dropped.
func (h *ServerHandshake) HandleWrite(conn Conn) (bool, error) {
	if h.state == StateReady {
		return true, nil
	}
	if h.state != StateAccepted && h.state != StateDeclined {
		return false, jerrors.ErrInvalidState
	}

	done, err := sendAll(conn, h.session.response, &h.session.sent)
	if err != nil || !done {
		return false, err
	}
	h.state = StateReady
	h.session = nil
	return true, nil
}

// State returns the current state.
func (h *ServerHandshake) State() HandshakeState { return h.state }

// Accepted reports whether the handshake was accepted.
func (h *ServerHandshake) Accepted() bool { return h.accepted }

// Reason returns the decline reason.
func (h *ServerHandshake) Reason() string { return h.reason }

// Header returns the parsed header. It is zero until a valid header arrived.
func (h *ServerHandshake) Header() protocol.Header { return h.header }

// Surplus returns and forgets the bytes received after the record.
func (h *ServerHandshake) Surplus() []byte {
	p := h.surplus
	h.surplus = nil
	return p
}

// Started returns when the handshake began.
func (h *ServerHandshake) Started() time.Time { return h.started }

// ClientHandshake drives the client side of one member handshake.
type ClientHandshake struct {
	state   HandshakeState
	record  []byte
	sent    int
	resp    []byte
	reason  string
	surplus []byte
}

// NewClientHandshake creates a handshake in SEND for hdr.
func NewClientHandshake(hdr protocol.Header) *ClientHandshake {
	return &ClientHandshake{state: StateSend, record: hdr.Encode()}
}

// HandleWrite sends the handshake record. It reports true once the record
// is fully out and the handshake waits for the response.
func (h *ClientHandshake) HandleWrite(conn Conn) (bool, error) {
	if h.state != StateSend {
		return true, nil
	}
	done, err := sendAll(conn, h.record, &h.sent)
	if err != nil || !done {
		return false, err
	}
	h.state = StateCheck
	h.record = nil
	return true, nil
}

// Feed consumes response bytes. It reports true once the response is
// parsed. A DECLINED response returns a *DeclinedError.
func (h *ClientHandshake) Feed(data []byte) (bool, error) {
	switch h.state {
	case StateReady, StateDeclined:
		h.surplus = append(h.surplus, data...)
		return true, h.Err()
	case StateCheck:
	default:
		return false, jerrors.ErrInvalidState
	}

	h.resp = append(h.resp, data...)
	resp, n, err := protocol.ParseResponse(h.resp)
	if errors.Is(err, jerrors.ErrIncompleteResponse) {
		return false, nil
	}
	if err != nil {
		return false, jerrors.NewProtocolError("handshake", err)
	}

	if rest := h.resp[n:]; len(rest) > 0 {
		h.surplus = append(h.surplus, rest...)
	}
	h.resp = nil
	if resp.Accepted {
		h.state = StateReady
		return true, nil
	}
	h.state = StateDeclined
	h.reason = resp.Reason
	return true, resp.Err()
}

// HandleRead drains conn into Feed until the socket would block.
func (h *ClientHandshake) HandleRead(conn Conn) (bool, error) {
	var ferr error
	done, err := drain(conn, func(p []byte) bool {
		var ok bool
		ok, ferr = h.Feed(p)
		return ok || ferr != nil
	})
	if ferr != nil {
		return true, ferr
	}
	if err != nil {
		return done, jerrors.NewProtocolError("handshake", err)
	}
	return done, nil
}

// Err returns the *DeclinedError of a declined handshake.
func (h *ClientHandshake) Err() error {
	if h.state == StateDeclined {
		return jerrors.NewDeclinedError(h.reason)
	}
	return nil
}

// WantWrite reports whether the record is still being sent.
func (h *ClientHandshake) WantWrite() bool { return h.state == StateSend }

// State returns the current state.
func (h *ClientHandshake) State() HandshakeState { return h.state }

// Surplus returns and forgets the bytes received after the response.
func (h *ClientHandshake) Surplus() []byte {
	p := h.surplus
	h.surplus = nil
	return p
}

// drain reads conn until it would block, handing every read to feed. It
// keeps reading after feed reports done so bytes buffered inside a TLS
// connection are not stranded. A peer close before done is an error.
func drain(conn Conn, feed func([]byte) bool) (bool, error) {
	var buf [handshakeReadSize]byte
	done := false
	for i := 0; i < constants.MaxReadsPerEvent; i++ {
		n, err := conn.Read(buf[:])
		if n > 0 && feed(buf[:n]) {
			done = true
		}
		switch {
		case err == nil:
		case errors.Is(err, jerrors.ErrWouldBlock):
			return done, nil
		case errors.Is(err, io.EOF):
			if done {
				return true, nil
			}
			return false, io.ErrUnexpectedEOF
		default:
			return done, err
		}
	}
	return done, nil
}

// sendAll writes p[*sent:] and flushes the Conn. It reports true once
// everything reached the socket.
func sendAll(conn Conn, p []byte, sent *int) (bool, error) {
	for *sent < len(p) {
		n, err := conn.Write(p[*sent:])
		*sent += n
		if err != nil {
			return false, ignoreWouldBlock(err)
		}
	}
	if conn.Pending() {
		if err := conn.Flush(); err != nil {
			return false, ignoreWouldBlock(err)
		}
	}
	return true, nil
}
