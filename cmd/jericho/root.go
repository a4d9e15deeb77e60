package main

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pzverkov/jericho/pkg/metrics"
	"github.com/pzverkov/jericho/pkg/protocol"
	"github.com/pzverkov/jericho/pkg/version"
)

// envPrefix prefixes every environment variable, e.g. JERICHO_BLOCK_SIZE.
const envPrefix = "jericho"

// wrap is the column help texts are wrapped at.
const wrap = 50

func newRootCmd() *cobra.Command {
	v := viper.New()

	root := &cobra.Command{
		Use:   "jericho",
		Short: "inverse-multiplexing stream transport",
		Long: fmt.Sprintf(`jericho (%s)

Stripes one byte stream over N parallel TCP connections in fixed-size chunks
and reassembles it on the receiving side. Every flag can also be set with an
environment variable JERICHO_<FLAG> (e.g. JERICHO_BLOCK_SIZE=4096), in a
.env or .env.local file, or in the file given by --config.`, version.String()),
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return loadConfig(v, cmd)
		},
	}

	flags := root.PersistentFlags()
	flags.String("config", "", wrapString("Configuration file (yaml, json or toml)"))
	flags.String("log-level", "info", wrapString("Log level: debug, info, warn, error, silent"))
	flags.String("log-format", "text", wrapString("Log format: text or json"))
	flags.String("tracing", "none", wrapString("Tracing mode: none, simple, otel (requires -tags otel)"))

	root.AddCommand(newServeCmd(v), newSendCmd(v), newVersionCmd())
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Full())
			fmt.Fprintf(cmd.OutOrStdout(), "wire protocol %s\n", protocol.Current)
		},
	}
}

// loadConfig binds the command's flags, environment variables, .env files
// and the optional config file into v. Flags set on the command line win.
func loadConfig(v *viper.Viper, cmd *cobra.Command) error {
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(cmd.Flags()); err != nil {
		return err
	}

	if path := v.GetString("config"); path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if errors.As(err, &notFound) || os.IsNotExist(err) {
				return fmt.Errorf("config file %s not found", path)
			}
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}
	return nil
}

// setupObservability installs the global logger and tracer and returns a
// fresh collector for the command.
func setupObservability(v *viper.Viper, app string) (*metrics.Collector, *metrics.Logger, error) {
	logger := metrics.NewLogger(
		metrics.WithOutput(os.Stderr),
		metrics.WithLevel(metrics.ParseLevel(v.GetString("log-level"))),
		metrics.WithFormat(metrics.ParseFormat(v.GetString("log-format"))),
		metrics.WithFields(metrics.Fields{"app": app}),
	)
	metrics.SetLogger(logger)

	switch strings.ToLower(v.GetString("tracing")) {
	case "", "none":
		metrics.SetTracer(metrics.NoOpTracer{})
	case "simple":
		metrics.SetTracer(metrics.NewSimpleTracer())
	case "otel":
		if !metrics.OTelEnabled() {
			return nil, nil, fmt.Errorf("otel tracing not enabled (build with -tags otel)")
		}
		metrics.SetTracer(metrics.NewOTelTracer(metrics.DefaultServiceName))
	default:
		return nil, nil, fmt.Errorf("invalid tracing mode: %s (use none, simple, or otel)", v.GetString("tracing"))
	}

	collector := metrics.NewCollector(metrics.Labels{"service": metrics.DefaultServiceName, "role": app})
	metrics.SetGlobal(collector)
	return collector, logger, nil
}

// wrapString wraps text at wrap columns for flag help.
func wrapString(text string) string {
	var lines []string
	var line strings.Builder
	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > wrap {
			lines = append(lines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteByte(' ')
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		lines = append(lines, line.String())
	}
	return strings.Join(lines, "\n")
}
