package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/pzverkov/jericho/pkg/auth"
)

// parsed returns a viper instance loaded for the named subcommand and args.
func parsed(t *testing.T, args ...string) *viper.Viper {
	t.Helper()
	v := viper.New()

	root := &cobra.Command{Use: "jericho"}
	root.PersistentFlags().String("config", "", "")
	root.PersistentFlags().String("log-level", "info", "")
	send, serve := newSendCmd(v), newServeCmd(v)
	root.AddCommand(send, serve)

	cmd, rest, err := root.Find(args)
	if err != nil {
		t.Fatalf("Find(%v) failed: %v", args, err)
	}
	if err := cmd.ParseFlags(rest); err != nil {
		t.Fatalf("ParseFlags failed: %v", err)
	}
	if err := loadConfig(v, cmd); err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	return v
}

func TestSendDefaults(t *testing.T) {
	cfg, err := clientConfigFrom(parsed(t, "send"))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "localhost:9555" || cfg.MemberCount != 4 || cfg.BlockSize != 1024 {
		t.Errorf("defaults = %s, %d, %d", cfg.Addr, cfg.MemberCount, cfg.BlockSize)
	}
	if cfg.TLS != nil {
		t.Error("TLS enabled by default")
	}
}

func TestSendFlagsAndEnv(t *testing.T) {
	t.Setenv("JERICHO_BLOCK_SIZE", "4096")
	t.Setenv("JERICHO_MEMBERS", "9")

	v := parsed(t, "send", "--members", "6", "--uid", "1234", "--tls", "--tls-insecure")
	cfg, err := clientConfigFrom(v)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.MemberCount != 6 {
		t.Errorf("members = %d, flag must win over env", cfg.MemberCount)
	}
	if cfg.BlockSize != 4096 {
		t.Errorf("block size = %d, want 4096 from env", cfg.BlockSize)
	}
	if cfg.UID != 1234 {
		t.Errorf("uid = %d", cfg.UID)
	}
	if cfg.TLS == nil || !cfg.TLS.InsecureSkipVerify {
		t.Error("TLS flags not applied")
	}
}

func TestServeConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "jericho.yaml")
	content := strings.Join([]string{
		"listen: 127.0.0.1:7000",
		"password: hunter2",
		"max-conns-per-ip: 8",
		"shutdown-grace: 3s",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}

	cfg, err := serverConfigFrom(parsed(t, "serve", "--config", path))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Addr != "127.0.0.1:7000" {
		t.Errorf("listen = %q", cfg.Addr)
	}
	if cfg.RateLimit.MaxConnectionsPerIP != 8 {
		t.Errorf("max conns per ip = %d", cfg.RateLimit.MaxConnectionsPerIP)
	}
	if cfg.ShutdownGrace != 3*time.Second {
		t.Errorf("shutdown grace = %v", cfg.ShutdownGrace)
	}
	if !cfg.Login(auth.HashPassword("hunter2")) || cfg.Login(auth.HashPassword("other")) {
		t.Error("password from config file not applied")
	}
}

func TestServeBcryptHash(t *testing.T) {
	hash, err := auth.GenerateBcrypt("s3cret", 4)
	if err != nil {
		t.Fatal(err)
	}
	cfg, err := serverConfigFrom(parsed(t, "serve", "--bcrypt-hash", string(hash)))
	if err != nil {
		t.Fatal(err)
	}
	if !cfg.Login(auth.HashPassword("s3cret")) {
		t.Error("bcrypt login rejected the password")
	}
}

func TestServeTLSPairRequired(t *testing.T) {
	if _, err := serverConfigFrom(parsed(t, "serve", "--tls-cert", "cert.pem")); err == nil {
		t.Error("certificate without key accepted")
	}
}

func TestMissingConfigFile(t *testing.T) {
	v := viper.New()
	cmd := newSendCmd(v)
	cmd.Flags().String("config", "", "")
	if err := cmd.ParseFlags([]string{"--config", filepath.Join(t.TempDir(), "absent.yaml")}); err != nil {
		t.Fatal(err)
	}
	if err := loadConfig(v, cmd); err == nil {
		t.Error("missing config file accepted")
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(out.String(), "Jericho v") {
		t.Errorf("version output = %q", out.String())
	}
	if !strings.Contains(out.String(), "wire protocol jericho/1.0") {
		t.Errorf("version output lacks the wire protocol: %q", out.String())
	}
}

func TestWrapString(t *testing.T) {
	got := wrapString(strings.Repeat("word ", 30))
	for _, line := range strings.Split(got, "\n") {
		if len(line) > wrap {
			t.Errorf("line %q longer than %d", line, wrap)
		}
	}
}
