// Package errors defines custom error types for the Jericho transport.
// Sentinels are grouped by layer; the wrapper types carry the context a
// runtime needs to decide whether a failure is fatal to one link or to the
// whole stream.
package errors

import (
	"errors"
	"fmt"
)

// Sentinel errors for chunk buffers
var (
	// ErrInsufficientData indicates a full chunk is not buffered yet; retry later
	ErrInsufficientData = errors.New("buffer: insufficient data")

	// ErrEndOfStream indicates the buffer is closed and fully consumed
	ErrEndOfStream = errors.New("buffer: end of stream")

	// ErrBufferClosed indicates a write after the buffer was closed
	ErrBufferClosed = errors.New("buffer: closed")
)

// Sentinel errors for protocol operations
var (
	// ErrMalformedHeader indicates a handshake record that cannot be parsed
	ErrMalformedHeader = errors.New("protocol: malformed handshake header")

	// ErrHeaderTooLarge indicates a declared header length above the limit
	ErrHeaderTooLarge = errors.New("protocol: handshake header too large")

	// ErrIncompleteResponse indicates more bytes are needed to parse a response
	ErrIncompleteResponse = errors.New("protocol: incomplete handshake response")

	// ErrInvalidResponse indicates a handshake response that is neither ACCEPT nor DECLINED
	ErrInvalidResponse = errors.New("protocol: invalid handshake response")

	// ErrHandshakeRejected indicates the server declined a member handshake
	ErrHandshakeRejected = errors.New("protocol: handshake rejected")

	// ErrHandshakeTimeout indicates a handshake did not finish in time
	ErrHandshakeTimeout = errors.New("protocol: handshake timed out")

	// ErrInvalidState indicates an operation not valid in the current state
	ErrInvalidState = errors.New("protocol: invalid state")
)

// Sentinel errors for Block operations
var (
	// ErrInvalidIndex indicates a member index outside the Block
	ErrInvalidIndex = errors.New("block: missing or invalid member index")

	// ErrIndexOccupied indicates a member index already held by another link
	ErrIndexOccupied = errors.New("block: member index already in use")

	// ErrBlockSizeMismatch indicates a block size that differs from the Block's
	ErrBlockSizeMismatch = errors.New("block: block size invalid")

	// ErrMemberCountMismatch indicates a member count that differs from the Block's
	ErrMemberCountMismatch = errors.New("block: member count mismatch")

	// ErrStreamComplete indicates registration into a Block that is full or closed
	ErrStreamComplete = errors.New("block: stream already complete")

	// ErrBlockIncomplete indicates I/O on a Block that still misses members
	ErrBlockIncomplete = errors.New("block: not all members registered")

	// ErrBlockClosed indicates a write after the Block was closed
	ErrBlockClosed = errors.New("block: closed")

	// ErrTruncatedStream indicates members reached end of stream out of order
	ErrTruncatedStream = errors.New("block: truncated stream")
)

// Sentinel errors for member links
var (
	// ErrWouldBlock indicates a non-blocking socket is not ready; it is a readiness signal
	ErrWouldBlock = errors.New("link: operation would block")

	// ErrLinkClosed indicates the link has been closed
	ErrLinkClosed = errors.New("link: closed")
)

// Sentinel errors for runtimes
var (
	// ErrConnectTimeout indicates a member connection was not established in time
	ErrConnectTimeout = errors.New("runtime: connect timed out")

	// ErrClientClosed indicates the client runtime has been closed
	ErrClientClosed = errors.New("runtime: client closed")

	// ErrServerClosed indicates the server runtime has been closed
	ErrServerClosed = errors.New("runtime: server closed")

	// ErrShutdownTimeout indicates a runtime loop did not stop within its grace period
	ErrShutdownTimeout = errors.New("runtime: shutdown timed out")

	// ErrRateLimited indicates a connection was rejected by a rate limit
	ErrRateLimited = errors.New("runtime: rate limit exceeded")

	// ErrInvalidConfig indicates an unusable runtime configuration
	ErrInvalidConfig = errors.New("runtime: invalid configuration")
)

// ProtocolError wraps a protocol error with additional context
type ProtocolError struct {
	Phase string // Protocol phase (e.g., "handshake", "tls")
	Err   error  // Underlying error
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol %s: %v", e.Phase, e.Err)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

// NewProtocolError creates a new ProtocolError
func NewProtocolError(phase string, err error) *ProtocolError {
	return &ProtocolError{Phase: phase, Err: err}
}

// DeclinedError carries the reason a handshake was declined. The reason is
// the text echoed to the peer in the DECLINED response.
type DeclinedError struct {
	Reason string
}

func (e *DeclinedError) Error() string {
	return fmt.Sprintf("%v: %s", ErrHandshakeRejected, e.Reason)
}

// Unwrap lets errors.Is match ErrHandshakeRejected.
func (e *DeclinedError) Unwrap() error {
	return ErrHandshakeRejected
}

// NewDeclinedError creates a new DeclinedError
func NewDeclinedError(reason string) *DeclinedError {
	return &DeclinedError{Reason: reason}
}

// LinkError records a failure fatal to a single member link.
type LinkError struct {
	Index  int    // Member index, -1 before registration
	Remote string // Remote address
	Err    error  // Underlying error
}

func (e *LinkError) Error() string {
	return fmt.Sprintf("link %d (%s): %v", e.Index, e.Remote, e.Err)
}

func (e *LinkError) Unwrap() error {
	return e.Err
}

// NewLinkError creates a new LinkError
func NewLinkError(index int, remote string, err error) *LinkError {
	return &LinkError{Index: index, Remote: remote, Err: err}
}

// Is reports whether any error in err's chain matches target.
// This is a convenience wrapper around errors.Is.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
// This is a convenience wrapper around errors.As.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
