package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"

	"github.com/vehiclesignals/vss-go/internal/mockbroker"
	"github.com/vehiclesignals/vss-go/pkg/cert"
	"github.com/vehiclesignals/vss-go/pkg/discovery"
	"github.com/vehiclesignals/vss-go/pkg/transport"
	"github.com/vehiclesignals/vss-go/pkg/wire"
)

// Config configures a Runner. Empty listen addresses disable the
// transport.
type Config struct {
	Catalog string

	TCPAddr  string
	WSAddr   string
	WSPath   string
	GRPCAddr string

	CertFile string
	KeyFile  string

	// TLSDir holds a generated development CA and server certificate. It is
	// used when no CertFile is given; files are reused while valid.
	TLSDir string

	Tokens           []string
	Actuate          bool
	MaxSubscriptions int

	// Simulate publishes a changing Vehicle.Speed at this interval.
	Simulate time.Duration

	Advertise bool
	Instance  string

	MetricsAddr     string
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// Listener is a bound transport.
type Listener struct {
	Scheme transport.Scheme
	Addr   string
	Path   string
}

// URL returns the broker URL clients dial.
func (l Listener) URL() string {
	return string(l.Scheme) + "://" + l.Addr + l.Path
}

// Runner owns the broker and its listeners.
type Runner struct {
	cfg    Config
	logger *slog.Logger
	broker *mockbroker.Broker
	tls    *tls.Config
	caFile string

	listeners []Listener

	tcp     *transport.Server
	ws      *http.Server
	grpc    *grpc.Server
	metrics *http.Server
	adv     *discovery.MDNSAdvertiser

	metricsAddr string

	g      *errgroup.Group
	cancel context.CancelFunc
}

// NewRunner loads the catalog and TLS material.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.WSPath == "" {
		cfg.WSPath = "/"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 5 * time.Second
	}

	bcfg := mockbroker.Config{
		Tokens:           cfg.Tokens,
		Actuate:          cfg.Actuate,
		MaxSubscriptions: cfg.MaxSubscriptions,
		Logger:           cfg.Logger,
	}
	if cfg.Catalog != "" {
		signals, err := mockbroker.LoadCatalogFile(cfg.Catalog)
		if err != nil {
			return nil, err
		}
		bcfg.Signals = signals
	}
	b, err := mockbroker.New(bcfg)
	if err != nil {
		return nil, err
	}

	r := &Runner{cfg: cfg, logger: cfg.Logger, broker: b}
	if cfg.TLSDir != "" && cfg.CertFile == "" {
		if err := r.developmentCert(); err != nil {
			return nil, err
		}
	}
	if r.cfg.CertFile != "" || r.cfg.KeyFile != "" {
		pair, err := tls.LoadX509KeyPair(r.cfg.CertFile, r.cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load certificate: %w", err)
		}
		if r.tls, err = transport.NewServerTLSConfig(pair); err != nil {
			return nil, err
		}
	}
	return r, nil
}

func (r *Runner) developmentCert() error {
	hosts := []string{"localhost", "127.0.0.1", "::1"}
	if name, err := os.Hostname(); err == nil && name != "" && name != "localhost" {
		hosts = append(hosts, name)
	}
	files, created, err := cert.LoadOrCreate(r.cfg.TLSDir, hosts...)
	if err != nil {
		return fmt.Errorf("development certificate: %w", err)
	}
	r.cfg.CertFile, r.cfg.KeyFile = files.Cert, files.Key
	r.caFile = files.CA
	r.logger.Info("development TLS", "ca_file", files.CA, "generated", created)
	return nil
}

// CAFile returns the CA that signed a generated development certificate.
func (r *Runner) CAFile() string { return r.caFile }

// Broker returns the served broker.
func (r *Runner) Broker() *mockbroker.Broker { return r.broker }

// Addrs returns the bound listeners in start order.
func (r *Runner) Addrs() []Listener { return r.listeners }

func (r *Runner) authenticate() func(string) bool {
	if len(r.cfg.Tokens) == 0 {
		return nil
	}
	return r.broker.Authenticate
}

func (r *Runner) scheme(plain, secure transport.Scheme) transport.Scheme {
	if r.tls != nil {
		return secure
	}
	return plain
}

// Start binds every enabled transport. Serving stops when ctx is done or
// Stop is called.
func (r *Runner) Start(ctx context.Context) error {
	ctx, r.cancel = context.WithCancel(ctx)
	r.g, ctx = errgroup.WithContext(ctx)

	if err := r.startTCP(ctx); err != nil {
		r.abort()
		return err
	}
	if err := r.startWebSocket(); err != nil {
		r.abort()
		return err
	}
	if err := r.startGRPC(); err != nil {
		r.abort()
		return err
	}
	if err := r.startMetrics(); err != nil {
		r.abort()
		return err
	}
	if len(r.listeners) == 0 {
		r.abort()
		return errors.New("no transport enabled")
	}
	if r.cfg.Advertise {
		if err := r.advertise(ctx); err != nil {
			r.abort()
			return err
		}
	}
	if r.cfg.Simulate > 0 {
		r.g.Go(func() error {
			r.simulate(ctx)
			return nil
		})
	}

	r.g.Go(func() error {
		<-ctx.Done()
		r.shutdown()
		return nil
	})
	return nil
}

// abort releases whatever Start managed to bind.
func (r *Runner) abort() {
	r.cancel()
	r.shutdown()
	_ = r.g.Wait()
}

// Wait blocks until the runner has shut down.
func (r *Runner) Wait() error {
	return r.g.Wait()
}

// Stop shuts the runner down and waits for it.
func (r *Runner) Stop() error {
	r.cancel()
	return r.Wait()
}

func (r *Runner) startTCP(ctx context.Context) error {
	if r.cfg.TCPAddr == "" {
		return nil
	}
	srv, err := transport.NewServer(transport.ServerConfig{
		Address:   r.cfg.TCPAddr,
		TLSConfig: r.tls,
		Handler:   r.broker.Serve,
		OnError: func(err error) {
			r.logger.Debug("framed accept failed", "error", err)
		},
	})
	if err != nil {
		return err
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("tcp listener: %w", err)
	}
	r.tcp = srv
	r.listeners = append(r.listeners, Listener{
		Scheme: r.scheme(transport.SchemeTCP, transport.SchemeTLS),
		Addr:   srv.Addr().String(),
	})
	return nil
}

func (r *Runner) startWebSocket() error {
	if r.cfg.WSAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.WSAddr)
	if err != nil {
		return fmt.Errorf("websocket listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle(r.cfg.WSPath, &transport.WebSocketServer{
		Handler:      r.broker.Serve,
		Authenticate: r.authenticate(),
	})
	r.ws = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

	path := r.cfg.WSPath
	if path == "/" {
		path = ""
	}
	r.listeners = append(r.listeners, Listener{
		Scheme: r.scheme(transport.SchemeWS, transport.SchemeWSS),
		Addr:   ln.Addr().String(),
		Path:   path,
	})

	if r.tls != nil {
		// WebSocket upgrades run over HTTP/1.1, not the broker ALPN.
		conf := r.tls.Clone()
		conf.NextProtos = []string{"http/1.1"}
		ln = tls.NewListener(ln, conf)
	}
	srv := r.ws
	r.g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("websocket server: %w", err)
		}
		return nil
	})
	return nil
}

func (r *Runner) startGRPC() error {
	if r.cfg.GRPCAddr == "" {
		return nil
	}
	ln, err := net.Listen("tcp", r.cfg.GRPCAddr)
	if err != nil {
		return fmt.Errorf("grpc listener: %w", err)
	}
	opts := transport.GRPCServerOptions()
	if r.tls != nil {
		conf := r.tls.Clone()
		conf.NextProtos = nil
		opts = append(opts, grpc.Creds(credentials.NewTLS(conf)))
	}
	srv := grpc.NewServer(opts...)
	transport.RegisterGRPC(srv, &transport.GRPCSessionHandler{
		Handler:      r.broker.Serve,
		Authenticate: r.authenticate(),
	})
	r.grpc = srv
	r.listeners = append(r.listeners, Listener{
		Scheme: r.scheme(transport.SchemeGRPC, transport.SchemeGRPCS),
		Addr:   ln.Addr().String(),
	})
	r.g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			return fmt.Errorf("grpc server: %w", err)
		}
		return nil
	})
	return nil
}

func (r *Runner) startMetrics() error {
	if r.cfg.MetricsAddr == "" {
		return nil
	}
	reg := prometheus.NewRegistry()
	if err := registerMetrics(reg, r.broker); err != nil {
		return err
	}
	ln, err := net.Listen("tcp", r.cfg.MetricsAddr)
	if err != nil {
		return fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	r.metrics = &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	srv := r.metrics
	r.metricsAddr = ln.Addr().String()
	r.logger.Info("serving metrics", "addr", r.metricsAddr)
	r.g.Go(func() error {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics server: %w", err)
		}
		return nil
	})
	return nil
}

func registerMetrics(reg prometheus.Registerer, b *mockbroker.Broker) error {
	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vss_mockbroker_sessions",
			Help: "Live broker sessions.",
		}, func() float64 { return float64(b.Sessions()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Name: "vss_mockbroker_sessions_accepted_total",
			Help: "Sessions accepted since start.",
		}, func() float64 { return float64(b.Accepted()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "vss_mockbroker_subscriptions",
			Help: "Server-side subscriptions across all sessions.",
		}, func() float64 { return float64(b.Subscriptions()) }),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return fmt.Errorf("register metrics: %w", err)
		}
	}
	return nil
}

func (r *Runner) advertise(ctx context.Context) error {
	r.adv = discovery.NewMDNSAdvertiser(discovery.AdvertiserConfig{Logger: r.logger})
	for _, l := range r.listeners {
		_, portStr, err := net.SplitHostPort(l.Addr)
		if err != nil {
			return err
		}
		port, err := strconv.ParseUint(portStr, 10, 16)
		if err != nil {
			return err
		}
		err = r.adv.Advertise(ctx, &discovery.BrokerInfo{
			Instance: r.cfg.Instance + "-" + string(l.Scheme),
			Scheme:   l.Scheme,
			Port:     uint16(port),
			Path:     l.Path,
		})
		if err != nil {
			return fmt.Errorf("advertise %s: %w", l.Scheme, err)
		}
	}
	return nil
}

const simulatedSignal = "Vehicle.Speed"

// simulate publishes a slow speed oscillation between 20 and 120 km/h.
func (r *Runner) simulate(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Simulate)
	defer ticker.Stop()
	start := time.Now()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			phase := now.Sub(start).Seconds() / 30 * 2 * math.Pi
			speed := float32(70 + 50*math.Sin(phase))
			if err := r.broker.Publish(simulatedSignal, wire.FloatValue(speed)); err != nil {
				r.logger.Warn("simulation stopped", "signal", simulatedSignal, "error", err)
				return
			}
		}
	}
}

// shutdown stops listeners, then the broker so that handlers return, then
// the HTTP and gRPC servers.
func (r *Runner) shutdown() {
	if r.adv != nil {
		r.adv.StopAll()
	}
	if r.tcp != nil {
		_ = r.tcp.Stop()
	}
	_ = r.broker.Close()

	ctx, cancel := context.WithTimeout(context.Background(), r.cfg.ShutdownTimeout)
	defer cancel()
	if r.grpc != nil {
		stopped := make(chan struct{})
		go func() {
			r.grpc.GracefulStop()
			close(stopped)
		}()
		select {
		case <-stopped:
		case <-ctx.Done():
			r.grpc.Stop()
		}
	}
	for _, srv := range []*http.Server{r.ws, r.metrics} {
		if srv != nil {
			if err := srv.Shutdown(ctx); err != nil {
				r.logger.Debug("http shutdown", "error", err)
			}
		}
	}
	r.logger.Info("broker stopped")
}
