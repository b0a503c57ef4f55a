// Command vss-mockbroker serves an in-memory signal catalog over framed
// TCP, WebSocket and gRPC. It is meant for development and integration
// tests of broker clients.
//
// Usage:
//
//	vss-mockbroker [--catalog signals.yaml] [--tcp :55556] [--ws :8090] [--grpc :55555]
//
// An empty listen address disables that transport. With --advertise the
// broker announces every enabled transport via mDNS.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCommand().ExecuteContext(ctx)
	stop()
	if err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	var (
		cfg      Config
		logLevel string
	)
	cmd := &cobra.Command{
		Use:          "vss-mockbroker",
		Short:        "In-memory vehicle signal broker",
		Args:         cobra.NoArgs,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			var level slog.Level
			if err := level.UnmarshalText([]byte(logLevel)); err != nil {
				return fmt.Errorf("log level: %w", err)
			}
			cfg.Logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

			r, err := NewRunner(cfg)
			if err != nil {
				return err
			}
			if err := r.Start(cmd.Context()); err != nil {
				return err
			}
			for _, l := range r.Addrs() {
				fmt.Fprintf(cmd.OutOrStdout(), "listening %s\n", l.URL())
			}
			return r.Wait()
		},
	}

	f := cmd.Flags()
	f.StringVar(&cfg.Catalog, "catalog", "", "YAML signal catalog (default: built-in catalog)")
	f.StringVar(&cfg.TCPAddr, "tcp", ":55556", "framed TCP listen address")
	f.StringVar(&cfg.WSAddr, "ws", ":8090", "WebSocket listen address")
	f.StringVar(&cfg.WSPath, "ws-path", "/", "WebSocket HTTP path")
	f.StringVar(&cfg.GRPCAddr, "grpc", ":55555", "gRPC listen address")
	f.StringVar(&cfg.CertFile, "tls-cert", "", "serve TLS with this certificate")
	f.StringVar(&cfg.KeyFile, "tls-key", "", "private key for --tls-cert")
	f.StringVar(&cfg.TLSDir, "tls-dir", "", "serve TLS with a development certificate kept in this directory")
	f.StringSliceVar(&cfg.Tokens, "token", nil, "accepted bearer token (repeatable; none disables auth)")
	f.BoolVar(&cfg.Actuate, "actuate", true, "apply actuator targets to current values")
	f.IntVar(&cfg.MaxSubscriptions, "max-subscriptions", 0, "subscriptions per session (default 64)")
	f.DurationVar(&cfg.Simulate, "simulate", 0, "publish changing vehicle speed at this interval")
	f.BoolVar(&cfg.Advertise, "advertise", false, "announce transports via mDNS")
	f.StringVar(&cfg.Instance, "instance", "vss-mockbroker", "mDNS instance name prefix")
	f.StringVar(&cfg.MetricsAddr, "metrics-listen", "", "serve Prometheus metrics on this address")
	f.DurationVar(&cfg.ShutdownTimeout, "shutdown-timeout", 5*time.Second, "grace period for HTTP and gRPC shutdown")
	f.StringVar(&logLevel, "log-level", "info", "log level: debug, info, warn, error")
	return cmd
}
