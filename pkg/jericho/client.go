package jericho

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/auth"
	"github.com/pzverkov/jericho/pkg/metrics"
	"github.com/pzverkov/jericho/pkg/protocol"
)

// ClientState represents the lifecycle of a Client.
type ClientState int32

const (
	ClientConnecting ClientState = iota
	ClientHandshaking
	ClientStreaming
	ClientClosing
	ClientClosed
)

func (s ClientState) String() string {
	switch s {
	case ClientConnecting:
		return "CONNECTING"
	case ClientHandshaking:
		return "HANDSHAKING"
	case ClientStreaming:
		return "STREAMING"
	case ClientClosing:
		return "CLOSING"
	case ClientClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Client is the sending side of one stream: N member connections to one
// server, joined in a Block and driven by a background loop.
type Client struct {
	cfg      ClientConfig
	uid      uint64
	block    *Block
	links    []*MemberLink
	poller   *Poller
	logger   *metrics.Logger
	observer Observer

	state     atomic.Int32
	progress  *signal
	stop      chan struct{}
	stopOnce  sync.Once
	done      chan struct{}
	endStream metrics.SpanEnder

	errMu    sync.Mutex
	linkErrs []error

	closeOnce sync.Once
	closeErr  error
}

// RandomUID returns a random non-zero 24-bit stream UID.
func RandomUID() uint64 {
	var b [8]byte
	for {
		_, _ = rand.Read(b[:])
		uid := binary.BigEndian.Uint64(b[:]) & (1<<constants.UIDBits - 1)
		if uid != 0 {
			return uid
		}
	}
}

// Dial connects cfg.MemberCount members to cfg.Addr, completes every member
// handshake and starts streaming. A declined member fails Dial with the
// server's *DeclinedError.
func Dial(ctx context.Context, cfg ClientConfig) (*Client, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	uid := cfg.UID
	if uid == 0 {
		uid = RandomUID()
	}

	attrs := metrics.SpanAttributes{
		UID:         uid,
		Role:        metrics.RoleClient,
		Remote:      cfg.Addr,
		MemberCount: cfg.MemberCount,
		BlockSize:   cfg.BlockSize,
	}
	ctx, endSpan := metrics.StartSpan(ctx, metrics.SpanDial,
		metrics.WithSpanKind(metrics.SpanKindClient), metrics.WithAttributes(attrs.ToMap()))

	c, err := dial(ctx, cfg, uid)
	endSpan(err)
	if err != nil {
		return nil, err
	}

	_, c.endStream = metrics.StartSpan(context.Background(), metrics.SpanBlockStream,
		metrics.WithSpanKind(metrics.SpanKindClient), metrics.WithAttributes(attrs.ToMap()))
	go c.loop()
	return c, nil
}

func dial(ctx context.Context, cfg ClientConfig, uid uint64) (*Client, error) {
	poller, err := NewPoller()
	if err != nil {
		return nil, fmt.Errorf("create poller: %w", err)
	}

	c := &Client{
		cfg:      cfg,
		uid:      uid,
		poller:   poller,
		logger:   cfg.Logger.With(metrics.Fields{"uid": uid}),
		observer: cfg.Observer,
		progress: newSignal(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	c.state.Store(int32(ClientConnecting))

	conns, err := c.connect(ctx)
	if err != nil {
		poller.Close()
		c.state.Store(int32(ClientClosed))
		c.logger.Warn("connect failed", metrics.Fields{"addr": cfg.Addr, "error": err.Error()})
		return nil, err
	}

	if err := c.join(conns); err != nil {
		c.teardown(err)
		return nil, err
	}

	c.state.Store(int32(ClientHandshaking))
	if err := c.handshake(ctx); err != nil {
		c.teardown(err)
		return nil, err
	}

	c.block.bind(poller.Wake, c.observer)
	c.state.Store(int32(ClientStreaming))
	c.observer.OnBlockComplete(uid, cfg.MemberCount)
	c.logger.Info("stream established", metrics.Fields{
		"addr":       cfg.Addr,
		"members":    cfg.MemberCount,
		"block_size": cfg.BlockSize,
		"tls":        cfg.TLS != nil,
	})
	return c, nil
}

// connect opens all member connections concurrently. Any failure closes
// the ones already open.
func (c *Client) connect(ctx context.Context) ([]Conn, error) {
	conns := make([]Conn, c.cfg.MemberCount)

	g, gctx := errgroup.WithContext(ctx)
	for i := range conns {
		i := i
		g.Go(func() error {
			conn, err := c.dialMember(gctx)
			if err != nil {
				return fmt.Errorf("member %d: %w", i, err)
			}
			conns[i] = conn
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, conn := range conns {
			if conn != nil {
				conn.Close()
			}
		}
		if isTimeout(err) {
			return nil, fmt.Errorf("%w: %w", jerrors.ErrConnectTimeout, err)
		}
		return nil, err
	}
	return conns, nil
}

func (c *Client) dialMember(ctx context.Context) (Conn, error) {
	tc, err := dialTCP(ctx, c.cfg.Addr, c.cfg.ConnectTimeout)
	if err != nil {
		return nil, err
	}

	if c.cfg.TLS == nil {
		conn, err := newPlainConn(tc)
		if err != nil {
			tc.Close()
			return nil, err
		}
		return conn, nil
	}

	tlsCfg := c.cfg.TLS
	if tlsCfg.ServerName == "" && !tlsCfg.InsecureSkipVerify {
		tlsCfg = tlsCfg.Clone()
		if host, _, err := net.SplitHostPort(c.cfg.Addr); err == nil {
			tlsCfg.ServerName = host
		}
	}

	hctx, end := metrics.StartSpan(ctx, metrics.SpanTLSHandshake, metrics.WithSpanKind(metrics.SpanKindClient))
	conn, err := newTLSClientConn(hctx, tc, tlsCfg, c.cfg.HandshakeTimeout)
	end(err)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

// join places link i at index i of the client Block.
func (c *Client) join(conns []Conn) error {
	n, bs := c.cfg.MemberCount, c.cfg.BlockSize

	c.links = make([]*MemberLink, n)
	for i, conn := range conns {
		l := NewMemberLink(conn, bs)
		l.setObserver(c.observer)
		c.links[i] = l
		c.observer.OnLinkOpen(l.remote())
	}

	if reg := c.cfg.Registry; reg != nil {
		for i, l := range c.links {
			b, err := reg.Register(c.uid, n, bs, i, l)
			if err != nil {
				return fmt.Errorf("register member %d: %w", i, err)
			}
			c.block = b
		}
		return nil
	}

	c.block = NewBlock(c.uid, n)
	for i, l := range c.links {
		if err := c.block.Add(l, bs, i); err != nil {
			return err
		}
	}
	return nil
}

// handshake runs every member handshake to READY on the poller, bounded
// by HandshakeTimeout.
func (c *Client) handshake(ctx context.Context) error {
	n := len(c.links)
	digest := auth.HashPassword(c.cfg.Password)

	hs := make([]*ClientHandshake, n)
	ends := make([]func(error), n)
	for i := range c.links {
		hs[i] = NewClientHandshake(protocol.Header{
			Index:       i,
			UID:         c.uid,
			Password:    digest,
			BlockSize:   c.cfg.BlockSize,
			MemberCount: n,
		})
		_, ends[i] = c.observer.OnHandshakeStart(ctx)
	}
	finish := func(err error) {
		for i, end := range ends {
			if end != nil {
				end(err)
				ends[i] = nil
			}
		}
	}

	deadline := time.Now().Add(c.cfg.HandshakeTimeout)
	interests := make([]Interest, 0, n)
	pending := make([]int, 0, n)

	for remaining := n; remaining > 0; {
		if err := ctx.Err(); err != nil {
			finish(err)
			return err
		}
		left := time.Until(deadline)
		if left <= 0 {
			err := jerrors.NewProtocolError("handshake", jerrors.ErrHandshakeTimeout)
			c.observer.OnProtocolError(err)
			finish(err)
			return err
		}

		interests, pending = interests[:0], pending[:0]
		for i, h := range hs {
			if h.State() == StateReady {
				continue
			}
			interests = append(interests, Interest{
				Fd:    c.links[i].conn.Fd(),
				Read:  h.State() == StateCheck,
				Write: h.WantWrite(),
			})
			pending = append(pending, i)
		}

		ready, err := c.poller.Wait(interests, min(left, c.cfg.PollInterval))
		if err != nil {
			finish(err)
			return fmt.Errorf("poll: %w", err)
		}

		for k, r := range ready {
			i := pending[k]
			h, l := hs[i], c.links[i]

			if r.Writable && h.WantWrite() {
				if _, err := h.HandleWrite(l.conn); err != nil {
					return c.handshakeFailed(i, err, finish)
				}
			}
			if r.Readable && h.State() == StateCheck {
				done, err := h.HandleRead(l.conn)
				if err != nil {
					return c.handshakeFailed(i, err, finish)
				}
				if done {
					l.seed(h.Surplus())
					ends[i](nil)
					ends[i] = nil
					remaining--
					c.logger.Debug("member ready", metrics.Fields{"index": i})
				}
			}
		}
	}
	return nil
}

func (c *Client) handshakeFailed(index int, err error, finish func(error)) error {
	var derr *jerrors.DeclinedError
	if errors.As(err, &derr) {
		c.observer.OnHandshakeDeclined(derr.Reason)
		c.logger.Warn("handshake declined", metrics.Fields{"index": index, "reason": derr.Reason})
	} else {
		if isProtocolError(err) {
			c.observer.OnProtocolError(err)
		}
		c.logger.Warn("handshake failed", metrics.Fields{"index": index, "error": err.Error()})
	}
	finish(err)
	return err
}

// teardown undoes a partially built client after a Dial failure.
func (c *Client) teardown(cause error) {
	for _, l := range c.links {
		if l != nil {
			_ = l.Close()
			c.observer.OnLinkClose(l.remote(), cause)
		}
	}
	if c.block != nil && c.cfg.Registry != nil {
		c.cfg.Registry.removeIf(c.uid, c.block)
	}
	c.poller.Close()
	c.state.Store(int32(ClientClosed))
}

// loop drives the member links until all of them are closed or stop is
// closed.
func (c *Client) loop() {
	defer close(c.done)

	interests := make([]Interest, 0, len(c.links))
	active := make([]*MemberLink, 0, len(c.links))

	for {
		select {
		case <-c.stop:
			return
		default:
		}

		interests, active = interests[:0], active[:0]
		backlog := false
		for _, l := range c.links {
			if l.Closed() {
				continue
			}
			interests = append(interests, Interest{
				Fd:    l.conn.Fd(),
				Read:  !l.peerClosed,
				Write: l.WantWrite(),
			})
			active = append(active, l)
			backlog = backlog || l.backlog
		}
		if len(active) == 0 {
			c.logger.Debug("all links closed")
			return
		}

		timeout := c.cfg.PollInterval
		if backlog {
			timeout = 0
		}
		ready, err := c.poller.Wait(interests, timeout)
		if err != nil {
			c.logger.Error("poll failed", metrics.Fields{"error": err.Error()})
			c.recordLinkErr(jerrors.NewLinkError(-1, c.cfg.Addr, err))
			return
		}

		for k, l := range active {
			r := ready[k]
			if (r.Readable || l.backlog) && !l.peerClosed {
				res, err := l.HandleRead()
				if err != nil {
					c.failLink(l, err)
					continue
				}
				if res != ReadNotReady {
					c.block.signalReady()
				}
			}
			if r.Writable {
				if err := l.HandleWrite(); err != nil {
					c.failLink(l, err)
					continue
				}
			}
			if l.Drained() {
				c.closeLink(l, nil)
			}
		}
		c.progress.Broadcast()
	}
}

func (c *Client) failLink(l *MemberLink, err error) {
	c.recordLinkErr(jerrors.NewLinkError(l.Index(), l.remote(), err))
	if isProtocolError(err) {
		c.observer.OnProtocolError(err)
	}
	c.closeLink(l, err)
}

func (c *Client) closeLink(l *MemberLink, err error) {
	if cerr := l.Close(); cerr != nil && err == nil {
		c.logger.Debug("link close", metrics.Fields{"index": l.Index(), "error": cerr.Error()})
	}
	c.observer.OnLinkClose(l.remote(), err)
	c.block.signalReady()
	c.block.checkDrained()
}

func (c *Client) recordLinkErr(err error) {
	c.errMu.Lock()
	c.linkErrs = append(c.linkErrs, err)
	c.errMu.Unlock()
}

// Write stripes p over the members. It waits while too many chunks are
// queued.
func (c *Client) Write(p []byte) (int, error) {
	return c.WriteContext(context.Background(), p)
}

// WriteContext is Write with a context bounding the back-pressure wait.
func (c *Client) WriteContext(ctx context.Context, p []byte) (int, error) {
	if c.State() != ClientStreaming {
		return 0, jerrors.ErrClientClosed
	}

	for c.block.Pending() >= c.cfg.MaxPendingChunks {
		progress := c.progress.C()
		if c.block.Pending() < c.cfg.MaxPendingChunks {
			break
		}
		select {
		case <-progress:
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-c.done:
			return 0, jerrors.ErrClientClosed
		}
	}
	return c.block.Write(p)
}

// Flush waits until every queued chunk reached the sockets. Bytes short
// of a full superchunk stay buffered until Close.
func (c *Client) Flush(ctx context.Context) error {
	for !c.block.flushed() {
		progress := c.progress.C()
		if c.block.flushed() {
			return nil
		}
		c.poller.Wake()
		select {
		case <-progress:
		case <-ctx.Done():
			return ctx.Err()
		case <-c.done:
			if c.block.flushed() {
				return nil
			}
			return jerrors.ErrClientClosed
		}
	}
	return nil
}

// Read returns the next superchunk sent back by the server. See Block.Read.
func (c *Client) Read() ([]byte, error) {
	return c.block.Read()
}

// Reader returns an io.Reader over the reverse direction.
func (c *Client) Reader(ctx context.Context) *BlockReader {
	return NewBlockReader(ctx, c.block)
}

func (c *Client) stopLoop() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.poller.Wake()
}

// Close flushes the stream, lets every member drain and shut down its send
// half within ShutdownGrace, then closes all links. The result aggregates
// every link failure seen while streaming.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.state.Store(int32(ClientClosing))
		_, endSpan := metrics.StartSpan(context.Background(), metrics.SpanClientClose,
			metrics.WithSpanKind(metrics.SpanKindClient))

		var result *multierror.Error
		if err := c.block.Close(); err != nil {
			result = multierror.Append(result, err)
		}

		grace := time.NewTimer(c.cfg.ShutdownGrace)
		select {
		case <-c.done:
		case <-grace.C:
			c.logger.Warn("shutdown grace elapsed, closing links")
		}
		grace.Stop()

		c.stopLoop()
		joined := true
		select {
		case <-c.done:
		case <-time.After(constants.JoinSlack):
			joined = false
			result = multierror.Append(result, jerrors.ErrShutdownTimeout)
		}

		// The links are loop-owned; a loop that did not exit keeps them.
		if joined {
			for _, l := range c.links {
				if !l.Closed() {
					c.closeLink(l, nil)
				}
			}
			c.poller.Close()
		}

		c.errMu.Lock()
		result = multierror.Append(result, c.linkErrs...)
		c.errMu.Unlock()

		c.state.Store(int32(ClientClosed))
		c.closeErr = result.ErrorOrNil()
		endSpan(c.closeErr)
		if c.endStream != nil {
			c.endStream(c.closeErr)
		}
		c.logger.Info("stream closed", metrics.Fields{"link_errors": len(c.linkErrs)})
	})
	return c.closeErr
}

// State returns the current lifecycle state.
func (c *Client) State() ClientState {
	return ClientState(c.state.Load())
}

// Block returns the client's Block.
func (c *Client) Block() *Block { return c.block }

// UID returns the stream UID.
func (c *Client) UID() uint64 { return c.uid }
