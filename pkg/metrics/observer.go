package metrics

import (
	"context"
	"time"
)

// Roles of a LinkObserver.
const (
	RoleClient = "client"
	RoleServer = "server"
)

// LinkObserver records metrics, traces and log lines for member links and
// blocks of one runtime. It satisfies the runtime's Observer hooks.
type LinkObserver struct {
	collector *Collector
	tracer    Tracer
	logger    *Logger
	role      string
}

// LinkObserverConfig configures a link observer.
type LinkObserverConfig struct {
	Collector *Collector
	Tracer    Tracer
	Logger    *Logger
	Role      string // RoleClient or RoleServer
}

// NewLinkObserver creates a new link observer. Nil fields fall back to the
// global collector, tracer and logger.
func NewLinkObserver(cfg LinkObserverConfig) *LinkObserver {
	if cfg.Collector == nil {
		cfg.Collector = Global()
	}
	if cfg.Tracer == nil {
		cfg.Tracer = GetTracer()
	}
	if cfg.Logger == nil {
		cfg.Logger = GetLogger()
	}
	if cfg.Role == "" {
		cfg.Role = RoleClient
	}

	return &LinkObserver{
		collector: cfg.Collector,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger.Named("link").With(Fields{"role": cfg.Role}),
		role:      cfg.Role,
	}
}

// OnLinkOpen records a connected or accepted member link.
func (o *LinkObserver) OnLinkOpen(remote string) {
	o.collector.LinkOpened()
	o.logger.Debug("link opened", Fields{"remote": remote})
}

// OnLinkClose records a closed link. A non-nil err marks a failure.
func (o *LinkObserver) OnLinkClose(remote string, err error) {
	o.collector.LinkClosed(err != nil)
	if err != nil {
		o.logger.Warn("link failed", Fields{"remote": remote, "error": err.Error()})
		return
	}
	o.logger.Debug("link closed", Fields{"remote": remote})
}

// OnHandshakeStart returns a context and completion function that trace
// one member handshake and record its latency.
func (o *LinkObserver) OnHandshakeStart(ctx context.Context) (context.Context, func(error)) {
	spanName, kind := SpanHandshakeClient, SpanKindClient
	if o.role == RoleServer {
		spanName, kind = SpanHandshakeServer, SpanKindServer
	}

	start := time.Now()
	ctx, endSpan := o.tracer.StartSpan(ctx, spanName, WithSpanKind(kind))

	return ctx, func(err error) {
		duration := time.Since(start)
		if err == nil {
			o.collector.HandshakeCompleted(duration)
			o.logger.Debug("handshake completed", Fields{"duration": duration.String()})
		}
		endSpan(err)
	}
}

// OnHandshakeDeclined records a DECLINED response, sent or received.
func (o *LinkObserver) OnHandshakeDeclined(reason string) {
	o.collector.HandshakeDeclined()
	o.logger.Warn("handshake declined", Fields{"reason": reason})
}

// OnBytesSent records payload bytes written to a socket.
func (o *LinkObserver) OnBytesSent(n int) {
	if n > 0 {
		o.collector.RecordBytesSent(uint64(n))
	}
}

// OnBytesReceived records payload bytes read from a socket.
func (o *LinkObserver) OnBytesReceived(n int) {
	if n > 0 {
		o.collector.RecordBytesReceived(uint64(n))
	}
}

// OnBlockComplete records a block whose members are all registered.
func (o *LinkObserver) OnBlockComplete(uid uint64, members int) {
	o.collector.BlockCompleted()
	o.logger.Info("block complete", Fields{"uid": uid, "members": members})
}

// OnBlockDrained records a block released after its members drained.
func (o *LinkObserver) OnBlockDrained(uid uint64) {
	o.collector.BlockDrained()
	o.logger.Info("block drained", Fields{"uid": uid})
}

// OnProtocolError records a protocol error.
func (o *LinkObserver) OnProtocolError(err error) {
	o.collector.RecordProtocolError()
	o.logger.Warn("protocol error", Fields{"error": err.Error()})
}

// Logger returns the observer's logger for custom logging.
func (o *LinkObserver) Logger() *Logger {
	return o.logger
}
