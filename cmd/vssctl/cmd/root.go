// Package cmd implements the vssctl commands.
package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/vehiclesignals/vss-go/pkg/client"
	"github.com/vehiclesignals/vss-go/pkg/config"
	"github.com/vehiclesignals/vss-go/pkg/log"
	"github.com/vehiclesignals/vss-go/pkg/transport"
)

// options are the persistent flags shared by all broker commands.
type options struct {
	configFile    string
	url           string
	token         string
	timeout       time.Duration
	logLevel      string
	protocolLog   string
	metricsListen string
	insecure      bool

	// dialer replaces the network dialer when set.
	dialer transport.Dialer
}

// NewRootCommand builds the vssctl command tree.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&options{})
}

func newRootCommand(o *options) *cobra.Command {
	root := &cobra.Command{
		Use:   "vssctl",
		Short: "Vehicle signal broker client",
		Long: `vssctl talks to a vehicle signal broker over TCP, TLS, WebSocket or gRPC.

Connection settings come from --config, overridden by flags. The broker
URL scheme selects the transport:

  tcp://host:55556   tls://host:55556
  ws://host:8090/    wss://host:8090/
  grpc://host:55555  grpcs://host:55555`,
		SilenceUsage: true,
	}

	f := root.PersistentFlags()
	f.StringVar(&o.configFile, "config", "", "config file (.yaml, .yml or .toml)")
	f.StringVarP(&o.url, "url", "u", "", "broker URL (default "+config.DefaultBrokerURL+")")
	f.StringVar(&o.token, "token", "", "bearer token presented to the broker")
	f.DurationVar(&o.timeout, "timeout", 0, "per-call timeout (default "+config.DefaultCallTimeout.String()+")")
	f.StringVar(&o.logLevel, "log-level", "", "log level: debug, info, warn, error")
	f.StringVar(&o.protocolLog, "protocol-log", "", "record protocol events to this capture file")
	f.StringVar(&o.metricsListen, "metrics-listen", "", "serve Prometheus metrics on this address")
	f.BoolVar(&o.insecure, "insecure", false, "skip TLS certificate verification")

	root.AddCommand(
		newGetCommand(o),
		newSetCommand(o),
		newSubscribeCommand(o),
		newShellCommand(o),
		newDiscoverCommand(),
		newLogCommand(),
		newVersionCommand(),
	)
	return root
}

// load resolves the configuration file and flag overrides.
func (o *options) load() (*config.Config, error) {
	cfg := config.Default()
	if o.configFile != "" {
		var err error
		if cfg, err = config.LoadWithDefaults(o.configFile); err != nil {
			return nil, err
		}
	}
	if o.url != "" {
		cfg.Broker.URL = o.url
	}
	if o.token != "" {
		cfg.Broker.Token = o.token
	}
	if o.timeout != 0 {
		cfg.CallTimeout.Duration = o.timeout
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
	}
	if o.protocolLog != "" {
		cfg.Log.ProtocolFile = o.protocolLog
	}
	if o.metricsListen != "" {
		cfg.Metrics.Listen = o.metricsListen
	}
	if o.insecure {
		cfg.Broker.TLS.InsecureSkipVerify = true
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return cfg, nil
}

// session is a connected client plus the resources opened for it.
type session struct {
	client  *client.Client
	logger  *slog.Logger
	closers []func() error
}

// open builds a client from the options. Connection happens on the first
// call.
func (o *options) open(cmd *cobra.Command) (*session, error) {
	cfg, err := o.load()
	if err != nil {
		return nil, err
	}
	level, _ := cfg.LogLevel()
	logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level}))

	cc, err := cfg.ClientConfig()
	if err != nil {
		return nil, err
	}
	cc.Logger = logger
	cc.Dialer = o.dialer

	s := &session{logger: logger}
	if cfg.Log.ProtocolFile != "" {
		fl, err := log.NewFileLogger(cfg.Log.ProtocolFile)
		if err != nil {
			return nil, fmt.Errorf("open protocol log: %w", err)
		}
		cc.ProtocolLogger = fl
		s.closers = append(s.closers, fl.Close)
	}
	if cfg.Metrics.Listen != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		cc.Registerer = reg
		stop, err := serveMetrics(cfg.Metrics.Listen, reg, logger)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.closers = append(s.closers, stop)
	}

	c, err := client.New(cc)
	if err != nil {
		s.Close()
		return nil, err
	}
	s.client = c
	return s, nil
}

// Close closes the client first, then everything opened for it.
func (s *session) Close() error {
	var errs []error
	if s.client != nil {
		errs = append(errs, s.client.Close())
	}
	for i := len(s.closers) - 1; i >= 0; i-- {
		errs = append(errs, s.closers[i]())
	}
	return errors.Join(errs...)
}

func serveMetrics(addr string, reg *prometheus.Registry, logger *slog.Logger) (func() error, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", "error", err)
		}
	}()
	logger.Info("serving metrics", "addr", ln.Addr().String())
	return func() error {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return srv.Shutdown(ctx)
	}, nil
}

// withSession opens a session, runs fn and closes the session.
func (o *options) withSession(cmd *cobra.Command, fn func(ctx context.Context, s *session, out io.Writer) error) error {
	s, err := o.open(cmd)
	if err != nil {
		return err
	}
	runErr := fn(cmd.Context(), s, cmd.OutOrStdout())
	if err := s.Close(); err != nil && runErr == nil {
		s.logger.Debug("close", "error", err)
	}
	return runErr
}
