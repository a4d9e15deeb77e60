package main

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pzverkov/jericho/internal/constants"
	jerrors "github.com/pzverkov/jericho/internal/errors"
	"github.com/pzverkov/jericho/pkg/jericho"
	"github.com/pzverkov/jericho/pkg/metrics"
)

func newSendCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send",
		Short: "Send a stream",
		Long:  `Send a file, or stdin with --input -, to a Jericho server over parallel connections.`,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runSend(cmd.Context(), v, cmd.ErrOrStderr())
		},
	}

	flags := cmd.Flags()
	flags.String("addr", net.JoinHostPort("localhost", strconv.Itoa(constants.DefaultPort)), wrapString("Server address"))
	flags.Int("members", constants.DefaultMemberCount, wrapString("Number of parallel connections"))
	flags.Int("block-size", constants.DefaultBlockSize, wrapString("Bytes each connection carries per superchunk"))
	flags.String("password", "", wrapString("Server password"))
	flags.Uint64("uid", 0, wrapString("Stream UID, 0 picks a random one"))
	flags.Bool("tls", false, wrapString("Use TLS on every connection"))
	flags.String("tls-ca", "", wrapString("PEM file with the CA certificates to trust"))
	flags.Bool("tls-insecure", false, wrapString("Skip server certificate verification"))
	flags.String("input", "-", wrapString("File to send, or - for stdin"))
	flags.Duration("connect-timeout", constants.DefaultConnectTimeout, wrapString("Timeout for each connection attempt"))
	flags.Duration("shutdown-grace", constants.DefaultShutdownGrace, wrapString("How long queued data may drain on close"))
	return cmd
}

// clientConfigFrom builds the runtime configuration from v.
func clientConfigFrom(v *viper.Viper) (jericho.ClientConfig, error) {
	cfg := jericho.DefaultClientConfig()
	cfg.Addr = v.GetString("addr")
	cfg.MemberCount = v.GetInt("members")
	cfg.BlockSize = v.GetInt("block-size")
	cfg.Password = v.GetString("password")
	cfg.UID = v.GetUint64("uid")
	cfg.ConnectTimeout = v.GetDuration("connect-timeout")
	cfg.ShutdownGrace = v.GetDuration("shutdown-grace")

	if v.GetBool("tls") {
		tlsCfg := &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: v.GetBool("tls-insecure"), //nolint:gosec // opt-in flag
		}
		if path := v.GetString("tls-ca"); path != "" {
			pem, err := os.ReadFile(path)
			if err != nil {
				return cfg, fmt.Errorf("read CA file: %w", err)
			}
			pool := x509.NewCertPool()
			if !pool.AppendCertsFromPEM(pem) {
				return cfg, fmt.Errorf("%w: no certificates in %s", jerrors.ErrInvalidConfig, path)
			}
			tlsCfg.RootCAs = pool
		}
		cfg.TLS = tlsCfg
	}
	return cfg, nil
}

func runSend(ctx context.Context, v *viper.Viper, status io.Writer) error {
	collector, logger, err := setupObservability(v, "send")
	if err != nil {
		return err
	}

	cfg, err := clientConfigFrom(v)
	if err != nil {
		return err
	}
	cfg.Logger = logger.Named("client")
	cfg.Observer = metrics.NewLinkObserver(metrics.LinkObserverConfig{
		Collector: collector,
		Logger:    logger,
		Role:      metrics.RoleClient,
	})

	var in io.Reader = os.Stdin
	if path := v.GetString("input"); path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	start := time.Now()
	c, err := jericho.Dial(ctx, cfg)
	if err != nil {
		return err
	}

	n, copyErr := io.Copy(&contextWriter{ctx: ctx, c: c}, in)
	closeErr := c.Close()
	if copyErr != nil {
		return copyErr
	}
	if closeErr != nil {
		return closeErr
	}

	elapsed := time.Since(start)
	fmt.Fprintf(status, "sent %d bytes as stream %d over %d connections in %s (%.2f MB/s)\n",
		n, c.UID(), cfg.MemberCount, elapsed.Round(time.Millisecond), float64(n)/elapsed.Seconds()/1e6)
	return nil
}

// contextWriter bounds each Client write by ctx.
type contextWriter struct {
	ctx context.Context
	c   *jericho.Client
}

func (w *contextWriter) Write(p []byte) (int, error) {
	return w.c.WriteContext(w.ctx, p)
}
