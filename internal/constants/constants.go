// Package constants defines wire parameters, defaults and limits for the
// Jericho inverse-multiplexing transport.
//
// Wire compatibility: every value in the "Handshake Wire Format" group is part
// of the protocol and must match the peer.
package constants

import "time"

// Protocol identification
const (
	// ProtocolName identifies the transport in logs and version strings
	ProtocolName = "jericho"

	// ProtocolVersionMajor is bumped on incompatible wire changes
	ProtocolVersionMajor = 1

	// ProtocolVersionMinor is bumped on compatible wire changes
	ProtocolVersionMinor = 0
)

// Handshake Wire Format
const (
	// LengthPrefixSize is the width of the zero-padded decimal length prefix
	LengthPrefixSize = 24

	// FieldKeySize is the width of every header field key
	FieldKeySize = 2

	// FieldSeparator joins header fields
	FieldSeparator = '_'

	// IndexWidth is the zero-padded width of the ix field
	IndexWidth = 4

	// UIDWidth is the zero-padded width of the id field
	UIDWidth = 8

	// PasswordDigestSize is the length of the hex encoded SHA-256 digest in pw
	PasswordDigestSize = 64

	// BlockSizeWidth is the zero-padded width of the bc field
	BlockSizeWidth = 6

	// MemberCountWidth is the zero-padded width of the am field
	MemberCountWidth = 4

	// MaxHeaderLength bounds the declared header length a server will buffer
	MaxHeaderLength = 4096

	// MaxResponseLength bounds a DECLINED response (status line plus reason)
	MaxResponseLength = 1024

	// UIDBits is the number of random bits in a generated stream UID
	UIDBits = 24
)

// Header field keys
const (
	KeyIndex       = "ix"
	KeyUID         = "id"
	KeyPassword    = "pw"
	KeyBlockSize   = "bc"
	KeyMemberCount = "am"
)

// Handshake responses
const (
	// AcceptStatus is the first line of an accepting response
	AcceptStatus = "ACCEPT"

	// DeclineStatus is the first line of a declining response
	DeclineStatus = "DECLINED"
)

// Stream Defaults
const (
	// DefaultPort is the TCP port servers listen on when none is given
	DefaultPort = 9555

	// DefaultMemberCount is the number of member connections per Block
	DefaultMemberCount = 4

	// DefaultBlockSize is the chunk size carried by one member, in bytes
	DefaultBlockSize = 1024

	// MaxMemberCount is the largest member count expressible in the am field
	MaxMemberCount = 9999

	// MaxBlockSize is the largest block size expressible in the bc field
	MaxBlockSize = 999999
)

// Timeouts
const (
	// DefaultConnectTimeout bounds each member TCP connect
	DefaultConnectTimeout = 30 * time.Second

	// DefaultHandshakeTimeout bounds a member handshake, TLS included
	DefaultHandshakeTimeout = 10 * time.Second

	// DefaultShutdownGrace bounds how long a runtime drains queued chunks on close
	DefaultShutdownGrace = 5 * time.Second

	// DefaultPollInterval is the longest a runtime loop sleeps in poll(2)
	DefaultPollInterval = 100 * time.Millisecond

	// JoinSlack is added to the shutdown grace when joining a runtime loop
	JoinSlack = 500 * time.Millisecond

	// AcceptSlice bounds a single accept call after the listener polled readable
	AcceptSlice = 10 * time.Millisecond
)

// I/O Limits
const (
	// ReadScratchSize is the size of the per-link socket read buffer
	ReadScratchSize = 64 * 1024

	// MaxReadsPerEvent caps the reads a link performs per readiness event
	MaxReadsPerEvent = 64

	// DefaultMaxPendingChunks bounds queued outbound chunks before writers block
	DefaultMaxPendingChunks = 4096

	// DefaultAcceptBacklog is the capacity of the completed-Block queue
	DefaultAcceptBacklog = 64

	// SocketBufferSize is applied to member sockets' kernel send and receive buffers
	SocketBufferSize = 256 * 1024

	// KeepAlivePeriod is applied to member sockets
	KeepAlivePeriod = 30 * time.Second
)
