package metrics

// RateLimitObserver records connections rejected by the server's per-IP
// and handshake limiters.
type RateLimitObserver struct {
	collector *Collector
	logger    *Logger
}

// NewRateLimitObserver creates a rate limit observer that records metrics and logs events.
func NewRateLimitObserver(collector *Collector, logger *Logger) *RateLimitObserver {
	if collector == nil {
		collector = Global()
	}
	if logger == nil {
		logger = GetLogger()
	}

	return &RateLimitObserver{
		collector: collector,
		logger:    logger.Named("rate_limit"),
	}
}

// OnConnectionRateLimit records a connection over the per-IP limit.
func (o *RateLimitObserver) OnConnectionRateLimit(remoteIP string) {
	o.collector.RecordConnRateLimited()
	o.logger.Warn("connection rate limit exceeded", remoteFields(remoteIP))
}

// OnHandshakeRateLimit records a connection refused by the handshake token bucket.
func (o *RateLimitObserver) OnHandshakeRateLimit(remoteIP string) {
	o.collector.RecordHandshakeRateLimited()
	o.logger.Warn("handshake rate limit exceeded", remoteFields(remoteIP))
}

func remoteFields(remoteIP string) Fields {
	if remoteIP == "" {
		return nil
	}
	return Fields{"remote_ip": remoteIP}
}
