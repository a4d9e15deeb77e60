package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/auth"
	"github.com/pzverkov/jericho/pkg/jericho"
	"github.com/pzverkov/jericho/pkg/metrics"
	"github.com/pzverkov/jericho/pkg/version"
)

func newServeCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Receive streams",
		Long: `Listen for Jericho clients and write every completed stream to the output
directory as stream-<uid>.bin, or to stdout with --output -.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), v)
		},
	}

	flags := cmd.Flags()
	flags.String("listen", fmt.Sprintf(":%d", constants.DefaultPort), wrapString("Address to listen on"))
	flags.String("password", "", wrapString("Password clients must present"))
	flags.String("bcrypt-hash", "", wrapString("Bcrypt hash of the password digest; overrides --password"))
	flags.String("tls-cert", "", wrapString("TLS certificate file; enables TLS together with --tls-key"))
	flags.String("tls-key", "", wrapString("TLS private key file"))
	flags.String("output", ".", wrapString("Directory received streams are written to, or - for stdout"))
	flags.String("metrics-addr", "", wrapString("Address of the metrics and health endpoints. Empty disables"))
	flags.Int("max-conns-per-ip", 0, wrapString("Concurrent connections allowed per client IP, 0 for no limit"))
	flags.Float64("handshake-rate", 0, wrapString("Handshakes admitted per second, 0 for no limit"))
	flags.Int("handshake-burst", 0, wrapString("Handshake burst above the rate"))
	flags.Duration("shutdown-grace", constants.DefaultShutdownGrace, wrapString("How long streams may drain on shutdown"))
	flags.Duration("join-timeout", constants.DefaultConnectTimeout, wrapString("How long a stream waits for its remaining members"))
	return cmd
}

// serverConfigFrom builds the runtime configuration from v.
func serverConfigFrom(v *viper.Viper) (jericho.ServerConfig, error) {
	cfg := jericho.DefaultServerConfig()
	cfg.Addr = v.GetString("listen")
	cfg.ShutdownGrace = v.GetDuration("shutdown-grace")
	cfg.JoinTimeout = v.GetDuration("join-timeout")
	cfg.RateLimit = jericho.RateLimitConfig{
		MaxConnectionsPerIP: v.GetInt("max-conns-per-ip"),
		HandshakeRateLimit:  v.GetFloat64("handshake-rate"),
		HandshakeBurst:      v.GetInt("handshake-burst"),
	}

	if hash := v.GetString("bcrypt-hash"); hash != "" {
		login, err := auth.BcryptLogin([]byte(hash), 0)
		if err != nil {
			return cfg, err
		}
		cfg.Login = login
	} else {
		cfg.Login = auth.StaticLogin(v.GetString("password"))
	}

	cert, key := v.GetString("tls-cert"), v.GetString("tls-key")
	switch {
	case cert != "" && key != "":
		pair, err := tls.LoadX509KeyPair(cert, key)
		if err != nil {
			return cfg, fmt.Errorf("load TLS key pair: %w", err)
		}
		cfg.TLS = &tls.Config{
			Certificates: []tls.Certificate{pair},
			MinVersion:   tls.VersionTLS12,
		}
	case cert != "" || key != "":
		return cfg, fmt.Errorf("%w: --tls-cert and --tls-key must be set together", jerrors.ErrInvalidConfig)
	}
	return cfg, nil
}

func runServe(ctx context.Context, v *viper.Viper) error {
	collector, logger, err := setupObservability(v, "serve")
	if err != nil {
		return err
	}

	cfg, err := serverConfigFrom(v)
	if err != nil {
		return err
	}
	cfg.Logger = logger.Named("server")
	cfg.Observer = metrics.NewLinkObserver(metrics.LinkObserverConfig{
		Collector: collector,
		Logger:    logger,
		Role:      metrics.RoleServer,
	})
	cfg.RateLimitObserver = metrics.NewRateLimitObserver(collector, logger)

	output := v.GetString("output")
	if output != "-" {
		if err := os.MkdirAll(output, 0o755); err != nil {
			return fmt.Errorf("create output directory: %w", err)
		}
	}

	srv, err := jericho.Listen(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup
	if addr := v.GetString("metrics-addr"); addr != "" {
		obs := metrics.NewServer(metrics.ServerConfig{
			Collector:        collector,
			Version:          version.String(),
			Namespace:        metrics.DefaultNamespace,
			EnablePrometheus: true,
			EnableHealth:     true,
		})
		obs.AddHealthCheck("listener", srv.Healthy)

		ln, err := net.Listen("tcp", addr)
		if err != nil {
			_ = srv.Close()
			return fmt.Errorf("metrics listener: %w", err)
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := obs.Serve(ctx, ln); err != nil {
				logger.Error("observability server error", metrics.Fields{"error": err.Error()})
			}
		}()
		logger.Info("observability server started", metrics.Fields{"addr": ln.Addr().String()})
	}

	sink := &streamSink{dir: output, logger: logger}
	for {
		b, err := srv.Accept(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) && !errors.Is(err, jerrors.ErrServerClosed) {
				logger.Error("accept failed", metrics.Fields{"error": err.Error()})
			}
			break
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			sink.receive(b)
		}()
	}

	logger.Info("shutting down")
	err = srv.Close()
	if lerrs := srv.LinkErrors(); len(lerrs) > 0 {
		logger.Warn("links failed while serving", metrics.Fields{"count": len(lerrs), "last": lerrs[len(lerrs)-1].Error()})
	}
	stop()
	wg.Wait()
	return err
}

// streamSink writes received streams to files or, serialized, to stdout.
type streamSink struct {
	dir    string
	logger *metrics.Logger
	stdout sync.Mutex
}

func (s *streamSink) receive(b *jericho.Block) {
	fields := metrics.Fields{"uid": b.UID(), "members": b.MemberCount()}

	var (
		w       io.Writer
		closeFn func() error
	)
	if s.dir == "-" {
		s.stdout.Lock()
		defer s.stdout.Unlock()
		w, closeFn = os.Stdout, func() error { return nil }
	} else {
		path := filepath.Join(s.dir, fmt.Sprintf("stream-%08d.bin", b.UID()))
		f, err := os.Create(path)
		if err != nil {
			s.logger.Error("create output", metrics.Fields{"uid": b.UID(), "error": err.Error()})
			_ = b.Close()
			return
		}
		w, closeFn = f, f.Close
		fields["path"] = path
	}

	// The reader ends with the stream or when the server closes its links.
	n, err := jericho.NewBlockReader(context.Background(), b).WriteTo(w)
	if cerr := closeFn(); err == nil {
		err = cerr
	}
	_ = b.Close()

	fields["bytes"] = n
	if err != nil {
		fields["error"] = err.Error()
		s.logger.Warn("stream incomplete", fields)
		return
	}
	s.logger.Info("stream received", fields)
}
