package jericho

import (
	"crypto/tls"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/auth"
	"github.com/pzverkov/jericho/pkg/metrics"
)

// maxUID is the largest UID the 8-digit id field can carry.
const maxUID = 99999999

// ClientConfig holds configuration for Dial.
type ClientConfig struct {
	// Addr is the server address, host:port.
	Addr string

	// MemberCount is the number of parallel connections (N).
	MemberCount int

	// BlockSize is the chunk size each member carries (B).
	BlockSize int

	// UID identifies the stream. 0 picks a random 24-bit UID.
	UID uint64

	// Password is sent as its SHA-256 digest.
	Password string

	// TLS enables TLS on every member when non-nil.
	TLS *tls.Config

	ConnectTimeout   time.Duration
	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
	PollInterval     time.Duration

	// MaxPendingChunks bounds the outbound chunks queued before Write waits.
	MaxPendingChunks int

	// Registry receives the client's Block. Optional.
	Registry *Registry

	Logger   *metrics.Logger
	Observer Observer
}

// DefaultClientConfig returns sensible defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		Addr:             net.JoinHostPort("localhost", strconv.Itoa(constants.DefaultPort)),
		MemberCount:      constants.DefaultMemberCount,
		BlockSize:        constants.DefaultBlockSize,
		ConnectTimeout:   constants.DefaultConnectTimeout,
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
		ShutdownGrace:    constants.DefaultShutdownGrace,
		PollInterval:     constants.DefaultPollInterval,
		MaxPendingChunks: constants.DefaultMaxPendingChunks,
	}
}

func (c *ClientConfig) normalize() error {
	def := DefaultClientConfig()
	if c.Addr == "" {
		return fmt.Errorf("%w: address required", jerrors.ErrInvalidConfig)
	}
	if c.MemberCount < 1 || c.MemberCount > constants.MaxMemberCount {
		return fmt.Errorf("%w: member count %d out of range 1..%d", jerrors.ErrInvalidConfig, c.MemberCount, constants.MaxMemberCount)
	}
	if c.BlockSize < 1 || c.BlockSize > constants.MaxBlockSize {
		return fmt.Errorf("%w: block size %d out of range 1..%d", jerrors.ErrInvalidConfig, c.BlockSize, constants.MaxBlockSize)
	}
	if c.UID > maxUID {
		return fmt.Errorf("%w: uid %d exceeds %d digits", jerrors.ErrInvalidConfig, c.UID, constants.UIDWidth)
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = def.ConnectTimeout
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.MaxPendingChunks <= 0 {
		c.MaxPendingChunks = def.MaxPendingChunks
	}
	if c.Logger == nil {
		c.Logger = metrics.GetLogger().Named("client")
	}
	c.Observer = observerOrNop(c.Observer)
	return nil
}

// ServerConfig holds configuration for Listen.
type ServerConfig struct {
	// Addr is the listen address, host:port.
	Addr string

	// TLS enables TLS on every accepted connection when non-nil.
	TLS *tls.Config

	// Login verifies password digests. Defaults to auth.DefaultLogin.
	Login auth.LoginFunc

	// Registry holds the Blocks under assembly. A private one is created
	// when nil.
	Registry *Registry

	HandshakeTimeout time.Duration
	ShutdownGrace    time.Duration
	PollInterval     time.Duration

	// JoinTimeout bounds how long a Block may wait for its remaining
	// members after the first one joined.
	JoinTimeout time.Duration

	RateLimit RateLimitConfig

	Logger   *metrics.Logger
	Observer Observer

	// RateLimitObserver receives notifications when rate limits are hit.
	RateLimitObserver RateLimitObserver
}

// RateLimitConfig holds configuration for rate limiting.
type RateLimitConfig struct {
	// MaxConnectionsPerIP is the maximum number of concurrent connections allowed from a single IP.
	// 0 means no limit.
	MaxConnectionsPerIP int

	// HandshakeRateLimit is the maximum number of handshakes per second allowed globally.
	// 0 means no limit.
	HandshakeRateLimit float64

	// HandshakeBurst is the maximum burst of handshakes allowed.
	// If 0, defaults to 1 when HandshakeRateLimit is set.
	HandshakeBurst int
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:             net.JoinHostPort("", strconv.Itoa(constants.DefaultPort)),
		Login:            auth.DefaultLogin,
		HandshakeTimeout: constants.DefaultHandshakeTimeout,
		ShutdownGrace:    constants.DefaultShutdownGrace,
		PollInterval:     constants.DefaultPollInterval,
		JoinTimeout:      constants.DefaultConnectTimeout,
	}
}

func (c *ServerConfig) normalize() error {
	def := DefaultServerConfig()
	if c.Addr == "" {
		c.Addr = def.Addr
	}
	if c.RateLimit.MaxConnectionsPerIP < 0 || c.RateLimit.HandshakeRateLimit < 0 || c.RateLimit.HandshakeBurst < 0 {
		return fmt.Errorf("%w: negative rate limit", jerrors.ErrInvalidConfig)
	}
	if c.Login == nil {
		c.Login = def.Login
	}
	if c.Registry == nil {
		c.Registry = NewRegistry()
	}
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = def.HandshakeTimeout
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = def.ShutdownGrace
	}
	if c.PollInterval <= 0 {
		c.PollInterval = def.PollInterval
	}
	if c.JoinTimeout <= 0 {
		c.JoinTimeout = def.JoinTimeout
	}
	if c.Logger == nil {
		c.Logger = metrics.GetLogger().Named("server")
	}
	c.Observer = observerOrNop(c.Observer)
	if c.RateLimitObserver == nil {
		c.RateLimitObserver = nopObserver{}
	}
	return nil
}
