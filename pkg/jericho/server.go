package jericho

import (
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/semaphore"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/metrics"
	"github.com/pzverkov/jericho/pkg/protocol"
)

// maxRecordedLinkErrors bounds the link failures a Server keeps for LinkErrors.
const maxRecordedLinkErrors = 64

// serverLink is the loop's record of one accepted connection.
type serverLink struct {
	link    *MemberLink
	hs      *ServerHandshake
	ip      string
	block   *Block
	endSpan func(error)
}

type handoff struct {
	conn Conn
	ip   string
	err  error
}

// verdict carries a login result back to the loop.
type verdict struct {
	sl *serverLink
	ok bool
}

// Server is the receiving side: one listener and one loop goroutine that
// handshakes members, assembles them into Blocks and streams their data.
type Server struct {
	cfg        ServerConfig
	ln         *net.TCPListener
	lnFd       int
	poller     *Poller
	registry   *Registry
	logger     *metrics.Logger
	observer   Observer
	rlObserver RateLimitObserver
	ipLimiter  *IPRateLimiter
	hsLimiter  *HandshakeLimiter

	// loop-owned
	handshaking map[*MemberLink]*serverLink
	streaming   map[*MemberLink]*serverLink
	joins       map[*Block]time.Time

	// TLS handshakes and logins run on workers.
	handoffs     chan handoff
	verdicts     chan verdict
	logins       *semaphore.Weighted
	workers      sync.WaitGroup
	workerCtx    context.Context
	workerCancel context.CancelFunc

	accepted *acceptQueue

	closing  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	errMu    sync.Mutex
	linkErrs []error

	closeOnce sync.Once
	closeErr  error
}

// Listen binds cfg.Addr and starts the server loop.
func Listen(cfg ServerConfig) (*Server, error) {
	if err := cfg.normalize(); err != nil {
		return nil, err
	}

	ln, fd, err := listenTCP(cfg.Addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", cfg.Addr, err)
	}
	poller, err := NewPoller()
	if err != nil {
		ln.Close()
		return nil, fmt.Errorf("create poller: %w", err)
	}

	s := &Server{
		cfg:         cfg,
		ln:          ln,
		lnFd:        fd,
		poller:      poller,
		registry:    cfg.Registry,
		logger:      cfg.Logger,
		observer:    cfg.Observer,
		rlObserver:  cfg.RateLimitObserver,
		ipLimiter:   NewIPRateLimiter(cfg.RateLimit.MaxConnectionsPerIP),
		hsLimiter:   NewHandshakeLimiter(cfg.RateLimit.HandshakeRateLimit, cfg.RateLimit.HandshakeBurst),
		handshaking: make(map[*MemberLink]*serverLink),
		streaming:   make(map[*MemberLink]*serverLink),
		joins:       make(map[*Block]time.Time),
		handoffs:    make(chan handoff, constants.DefaultAcceptBacklog),
		verdicts:    make(chan verdict, constants.DefaultAcceptBacklog),
		logins:      semaphore.NewWeighted(int64(runtime.GOMAXPROCS(0))),
		accepted:    newAcceptQueue(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	s.workerCtx, s.workerCancel = context.WithCancel(context.Background())

	s.logger.Info("listening", metrics.Fields{"addr": ln.Addr().String(), "tls": cfg.TLS != nil})
	go s.loop()
	return s, nil
}

func (s *Server) loop() {
	defer close(s.done)

	var (
		interests    []Interest
		entries      []*serverLink
		shuttingDown bool
	)

	for {
		select {
		case <-s.stop:
			return
		default:
		}

		if s.closing.Load() && !shuttingDown {
			shuttingDown = true
			s.beginShutdown()
		}
		s.receiveHandoffs()
		s.receiveVerdicts()
		s.expire(time.Now())
		if shuttingDown && len(s.handshaking) == 0 && len(s.streaming) == 0 {
			return
		}

		interests, entries = interests[:0], entries[:0]
		if !shuttingDown {
			interests = append(interests, Interest{Fd: s.lnFd, Read: true})
			entries = append(entries, nil)
		}
		for _, sl := range s.handshaking {
			// Unwatched until its verdict wakes the loop.
			if sl.hs.Pending() {
				continue
			}
			st := sl.hs.State()
			interests = append(interests, Interest{
				Fd:    sl.link.conn.Fd(),
				Read:  st < StateVerify,
				Write: st == StateAccepted || st == StateDeclined,
			})
			entries = append(entries, sl)
		}
		backlog := false
		for _, sl := range s.streaming {
			interests = append(interests, Interest{
				Fd:    sl.link.conn.Fd(),
				Read:  true,
				Write: sl.link.WantWrite(),
			})
			entries = append(entries, sl)
			backlog = backlog || sl.link.backlog
		}

		timeout := s.cfg.PollInterval
		if backlog {
			timeout = 0
		}
		ready, err := s.poller.Wait(interests, timeout)
		if err != nil {
			s.logger.Error("poll failed", metrics.Fields{"error": err.Error()})
			return
		}

		for k, sl := range entries {
			r := ready[k]
			if sl == nil {
				if r.Readable {
					s.acceptOne()
				}
				continue
			}
			if _, ok := s.handshaking[sl.link]; ok {
				s.serviceHandshake(sl, r)
				continue
			}
			if _, ok := s.streaming[sl.link]; ok {
				s.serviceStream(sl, r)
			}
		}
	}
}

// acceptOne accepts at most one connection and applies the rate limits.
func (s *Server) acceptOne() {
	_ = s.ln.SetDeadline(time.Now().Add(constants.AcceptSlice))
	tc, err := s.ln.AcceptTCP()
	if err != nil {
		if !isTimeout(err) && !s.closing.Load() {
			s.logger.Warn("accept failed", metrics.Fields{"error": err.Error()})
		}
		return
	}

	ip := remoteIP(tc.RemoteAddr())
	if !s.ipLimiter.AllowConnection(ip) {
		s.rlObserver.OnConnectionRateLimit(ip)
		tc.Close()
		return
	}
	if !s.hsLimiter.AllowHandshake() {
		s.rlObserver.OnHandshakeRateLimit(ip)
		s.ipLimiter.ReleaseConnection(ip)
		tc.Close()
		return
	}

	if err := tuneTCP(tc); err != nil {
		s.logger.Debug("tune socket", metrics.Fields{"remote": tc.RemoteAddr().String(), "error": err.Error()})
	}

	if s.cfg.TLS != nil {
		s.startTLS(tc, ip)
		return
	}

	conn, err := newPlainConn(tc)
	if err != nil {
		s.logger.Warn("accept failed", metrics.Fields{"error": err.Error()})
		tc.Close()
		s.ipLimiter.ReleaseConnection(ip)
		return
	}
	s.addHandshake(conn, ip)
}

// startTLS runs the TLS handshake off the loop and hands the connection
// back through handoffs.
func (s *Server) startTLS(tc *net.TCPConn, ip string) {
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()

		ctx, end := metrics.StartSpan(s.workerCtx, metrics.SpanTLSHandshake, metrics.WithSpanKind(metrics.SpanKindServer))
		conn, err := newTLSServerConn(ctx, tc, s.cfg.TLS, s.cfg.HandshakeTimeout)
		end(err)

		h := handoff{ip: ip, err: err}
		if err == nil {
			h.conn = conn
		}
		select {
		case s.handoffs <- h:
			s.poller.Wake()
		case <-s.stop:
			if h.conn != nil {
				h.conn.Close()
			}
			s.ipLimiter.ReleaseConnection(ip)
		}
	}()
}

func (s *Server) receiveHandoffs() {
	for {
		select {
		case h := <-s.handoffs:
			switch {
			case h.err != nil:
				s.ipLimiter.ReleaseConnection(h.ip)
				if isProtocolError(h.err) {
					s.observer.OnProtocolError(h.err)
				}
				s.logger.Debug("tls handshake failed", metrics.Fields{"remote_ip": h.ip, "error": h.err.Error()})
			case s.closing.Load():
				h.conn.Close()
				s.ipLimiter.ReleaseConnection(h.ip)
			default:
				s.addHandshake(h.conn, h.ip)
			}
		default:
			return
		}
	}
}

func (s *Server) addHandshake(conn Conn, ip string) {
	link := NewMemberLink(conn, 0)
	link.setObserver(s.observer)

	sl := &serverLink{link: link, hs: newDeferredServerHandshake(), ip: ip}
	_, sl.endSpan = s.observer.OnHandshakeStart(context.Background())
	s.handshaking[link] = sl
	s.observer.OnLinkOpen(link.remote())

	// A TLS connection may already hold the record.
	s.handshakeRead(sl)
}

func (s *Server) serviceHandshake(sl *serverLink, r Readiness) {
	if r.Readable && sl.hs.State() < StateVerify {
		s.handshakeRead(sl)
		return
	}
	if r.Writable {
		s.handshakeWrite(sl)
	}
}

func (s *Server) handshakeRead(sl *serverLink) {
	done, err := sl.hs.HandleRead(sl.link.conn)
	if err != nil {
		s.dropHandshake(sl, err)
		return
	}
	if !done {
		return
	}
	if sl.hs.Pending() {
		s.startLogin(sl)
		return
	}
	s.admit(sl)
}

// startLogin runs the login callback off the loop; a slow LoginFunc must
// not stall the streams the loop drives.
func (s *Server) startLogin(sl *serverLink) {
	digest := sl.hs.Header().Password
	s.workers.Add(1)
	go func() {
		defer s.workers.Done()

		if err := s.logins.Acquire(s.workerCtx, 1); err != nil {
			return
		}
		ok := s.cfg.Login(digest)
		s.logins.Release(1)

		select {
		case s.verdicts <- verdict{sl: sl, ok: ok}:
			s.poller.Wake()
		case <-s.stop:
		}
	}()
}

func (s *Server) receiveVerdicts() {
	for {
		select {
		case v := <-s.verdicts:
			// The handshake may have expired or been dropped meanwhile.
			if _, ok := s.handshaking[v.sl.link]; !ok {
				continue
			}
			if err := v.sl.hs.Complete(v.ok); err != nil {
				s.dropHandshake(v.sl, err)
				continue
			}
			s.admit(v.sl)
		default:
			return
		}
	}
}

// admit registers an accepted member and starts sending the response.
func (s *Server) admit(sl *serverLink) {
	if sl.hs.Accepted() {
		h := sl.hs.Header()
		sl.link.seed(sl.hs.Surplus())
		b, err := s.registry.Register(h.UID, h.MemberCount, h.BlockSize, h.Index, sl.link)
		if err != nil {
			_ = sl.hs.Decline(protocol.DeclineReason(err))
		} else {
			sl.block = b
			b.bind(s.poller.Wake, s.observer)
			if _, ok := s.joins[b]; !ok && !b.published {
				s.joins[b] = time.Now()
			}
		}
	}

	if !sl.hs.Accepted() {
		s.observer.OnHandshakeDeclined(sl.hs.Reason())
		s.logger.Warn("handshake declined", metrics.Fields{
			"remote": sl.link.remote(),
			"reason": sl.hs.Reason(),
		})
	}
	s.handshakeWrite(sl)
}

func (s *Server) handshakeWrite(sl *serverLink) {
	done, err := sl.hs.HandleWrite(sl.link.conn)
	if err != nil {
		s.dropHandshake(sl, err)
		return
	}
	if !done {
		return
	}
	delete(s.handshaking, sl.link)

	if !sl.hs.Accepted() {
		sl.endSpan(jerrors.NewDeclinedError(sl.hs.Reason()))
		s.closeServerLink(sl, nil)
		return
	}

	sl.endSpan(nil)
	s.streaming[sl.link] = sl
	s.logger.Debug("member ready", metrics.Fields{
		"uid":    sl.block.UID(),
		"index":  sl.link.Index(),
		"remote": sl.link.remote(),
	})

	if sl.block.markReady() {
		s.publish(sl.block)
	}
	if sl.link.Readable() {
		sl.block.signalReady()
	}
	s.streamRead(sl)
}

func (s *Server) publish(b *Block) {
	delete(s.joins, b)
	s.observer.OnBlockComplete(b.UID(), b.MemberCount())
	s.logger.Info("stream accepted", metrics.Fields{
		"uid":        b.UID(),
		"members":    b.MemberCount(),
		"block_size": b.BlockSize(),
	})
	s.accepted.push(b)
}

func (s *Server) serviceStream(sl *serverLink, r Readiness) {
	if r.Readable || sl.link.backlog {
		s.streamRead(sl)
		if _, ok := s.streaming[sl.link]; !ok {
			return
		}
	}
	if r.Writable {
		if err := sl.link.HandleWrite(); err != nil {
			s.dropStream(sl, err)
			return
		}
	}
	if s.closing.Load() && sl.link.Drained() {
		s.dropStream(sl, nil)
	}
}

func (s *Server) streamRead(sl *serverLink) {
	res, err := sl.link.HandleRead()
	if err != nil {
		s.dropStream(sl, err)
		return
	}
	switch res {
	case ReadData:
		sl.block.signalReady()
	case ReadPeerClosed:
		s.dropStream(sl, nil)
	}
}

// expire closes handshakes older than HandshakeTimeout and gives up on
// Blocks whose members did not all arrive within JoinTimeout.
func (s *Server) expire(now time.Time) {
	for _, sl := range s.handshaking {
		if now.Sub(sl.hs.Started()) > s.cfg.HandshakeTimeout {
			s.dropHandshake(sl, jerrors.NewProtocolError("handshake", jerrors.ErrHandshakeTimeout))
		}
	}
	for b, since := range s.joins {
		if now.Sub(since) > s.cfg.JoinTimeout {
			s.logger.Warn("stream incomplete", metrics.Fields{
				"uid":     b.UID(),
				"members": b.Members(),
				"want":    b.MemberCount(),
			})
			s.abortBlock(b, fmt.Errorf("%w: stream members missing", jerrors.ErrHandshakeTimeout))
		}
	}
}

func (s *Server) dropHandshake(sl *serverLink, err error) {
	delete(s.handshaking, sl.link)
	sl.endSpan(err)
	if isProtocolError(err) {
		s.observer.OnProtocolError(err)
	}
	s.closeServerLink(sl, err)
	if sl.block != nil {
		s.abortBlock(sl.block, err)
	}
}

func (s *Server) dropStream(sl *serverLink, err error) {
	delete(s.streaming, sl.link)
	if err != nil {
		lerr := jerrors.NewLinkError(sl.link.Index(), sl.link.remote(), err)
		s.recordLinkErr(lerr)
		s.logger.Warn("link failed", metrics.Fields{"uid": sl.block.UID(), "error": lerr.Error()})
		if isProtocolError(err) {
			s.observer.OnProtocolError(err)
		}
	}
	s.closeServerLink(sl, err)
	if _, waiting := s.joins[sl.block]; waiting {
		s.abortBlock(sl.block, err)
	}
}

// abortBlock closes every member of a Block that was never published and
// removes it from the registry.
func (s *Server) abortBlock(b *Block, err error) {
	delete(s.joins, b)
	for _, sl := range s.handshaking {
		if sl.block == b {
			delete(s.handshaking, sl.link)
			sl.endSpan(err)
			s.closeServerLink(sl, err)
		}
	}
	for _, sl := range s.streaming {
		if sl.block == b {
			delete(s.streaming, sl.link)
			s.closeServerLink(sl, err)
		}
	}
	s.registry.removeIf(b.UID(), b)
}

func (s *Server) closeServerLink(sl *serverLink, err error) {
	remote := sl.link.remote()
	if cerr := sl.link.Close(); cerr != nil {
		s.logger.Debug("link close", metrics.Fields{"remote": remote, "error": cerr.Error()})
	}
	s.ipLimiter.ReleaseConnection(sl.ip)
	s.observer.OnLinkClose(remote, err)
	if sl.block != nil {
		sl.block.signalReady()
		sl.block.checkDrained()
	}
}

// beginShutdown drops handshakes in flight and lets streaming Blocks flush
// and shut down their send halves.
func (s *Server) beginShutdown() {
	for b := range s.joins {
		s.abortBlock(b, jerrors.ErrServerClosed)
	}
	for _, sl := range s.handshaking {
		delete(s.handshaking, sl.link)
		sl.endSpan(jerrors.ErrServerClosed)
		s.closeServerLink(sl, nil)
	}

	closed := make(map[*Block]struct{})
	for _, sl := range s.streaming {
		if _, ok := closed[sl.block]; ok {
			continue
		}
		closed[sl.block] = struct{}{}
		if err := sl.block.Close(); err != nil {
			s.logger.Warn("flush on shutdown", metrics.Fields{"uid": sl.block.UID(), "error": err.Error()})
		}
	}
}

func (s *Server) recordLinkErr(err error) {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	if len(s.linkErrs) < maxRecordedLinkErrors {
		s.linkErrs = append(s.linkErrs, err)
	}
}

// LinkErrors returns the hard socket failures of streaming links, oldest
// first. A failed link ends its own Block only, so these never surface
// from Close.
func (s *Server) LinkErrors() []error {
	s.errMu.Lock()
	defer s.errMu.Unlock()
	return append([]error(nil), s.linkErrs...)
}

// Accept returns the next Block whose members are all connected, in
// completion order.
func (s *Server) Accept(ctx context.Context) (*Block, error) {
	return s.accepted.pop(ctx)
}

// Addr returns the listener address.
func (s *Server) Addr() net.Addr { return s.ln.Addr() }

// Registry returns the registry the server assembles Blocks in.
func (s *Server) Registry() *Registry { return s.registry }

// Healthy returns nil while the server accepts connections.
func (s *Server) Healthy() error {
	if s.closing.Load() {
		return jerrors.ErrServerClosed
	}
	select {
	case <-s.done:
		return jerrors.ErrServerClosed
	default:
		return nil
	}
}

func (s *Server) stopLoop() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.poller.Wake()
}

// Close stops accepting, lets streaming members drain within
// ShutdownGrace and closes everything. The result reports the server's own
// shutdown failures only; link failures are in LinkErrors.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		_, endSpan := metrics.StartSpan(context.Background(), metrics.SpanServerClose,
			metrics.WithSpanKind(metrics.SpanKindServer))

		s.closing.Store(true)
		s.poller.Wake()

		var result *multierror.Error
		grace := time.NewTimer(s.cfg.ShutdownGrace)
		select {
		case <-s.done:
		case <-grace.C:
			s.logger.Warn("shutdown grace elapsed, closing links")
		}
		grace.Stop()

		s.stopLoop()
		joined := true
		select {
		case <-s.done:
		case <-time.After(constants.JoinSlack):
			joined = false
			result = multierror.Append(result, jerrors.ErrShutdownTimeout)
		}

		// The maps are loop-owned; a loop that did not exit keeps them.
		if joined {
			for _, sl := range s.handshaking {
				delete(s.handshaking, sl.link)
				s.closeServerLink(sl, nil)
			}
			for _, sl := range s.streaming {
				delete(s.streaming, sl.link)
				s.closeServerLink(sl, nil)
			}
		}
		if err := s.ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			result = multierror.Append(result, err)
		}

		s.workerCancel()
		s.workers.Wait()
		for {
			select {
			case h := <-s.handoffs:
				if h.conn != nil {
					h.conn.Close()
				}
				s.ipLimiter.ReleaseConnection(h.ip)
				continue
			default:
			}
			break
		}

		s.accepted.close()
		if joined {
			s.poller.Close()
		}

		s.closeErr = result.ErrorOrNil()
		endSpan(s.closeErr)
		s.logger.Info("server closed")
	})
	return s.closeErr
}

// acceptQueue hands published Blocks to Accept callers in order.
type acceptQueue struct {
	mu     sync.Mutex
	blocks []*Block
	closed bool
	ready  *signal
}

func newAcceptQueue() *acceptQueue {
	return &acceptQueue{ready: newSignal()}
}

func (q *acceptQueue) push(b *Block) {
	q.mu.Lock()
	q.blocks = append(q.blocks, b)
	q.mu.Unlock()
	q.ready.Broadcast()
}

func (q *acceptQueue) close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.ready.Broadcast()
}

func (q *acceptQueue) pop(ctx context.Context) (*Block, error) {
	for {
		ready := q.ready.C()

		q.mu.Lock()
		if len(q.blocks) > 0 {
			b := q.blocks[0]
			q.blocks[0] = nil
			q.blocks = q.blocks[1:]
			q.mu.Unlock()
			return b, nil
		}
		closed := q.closed
		q.mu.Unlock()
		if closed {
			return nil, jerrors.ErrServerClosed
		}

		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// remoteIP extracts the IP part of addr.
func remoteIP(addr net.Addr) string {
	if tcp, ok := addr.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
