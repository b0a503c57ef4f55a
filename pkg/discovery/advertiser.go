package discovery

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/enbility/zeroconf/v3"
)

// AdvertiserConfig configures an MDNSAdvertiser.
type AdvertiserConfig struct {
	// Interface restricts advertising to one network interface.
	// Empty means all multicast interfaces.
	Interface string

	// TTL of the announced records. Zero uses DefaultTTL.
	TTL time.Duration

	Logger *slog.Logger
}

// mdnsServer is the part of *zeroconf.Server the advertiser uses.
type mdnsServer interface {
	SetText(text []string)
	Shutdown()
}

type registerFunc func(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (mdnsServer, error)

func zeroconfRegister(instance, service, domain string, port int, text []string, ifaces []net.Interface, opts ...zeroconf.ServerOption) (mdnsServer, error) {
	srv, err := zeroconf.Register(instance, service, domain, port, text, ifaces, opts...)
	if err != nil {
		return nil, err
	}
	return srv, nil
}

// MDNSAdvertiser publishes broker services. One advertiser can publish
// several instances, e.g. one per transport scheme.
type MDNSAdvertiser struct {
	config   AdvertiserConfig
	logger   *slog.Logger
	register registerFunc

	mu      sync.Mutex
	servers map[string]mdnsServer
}

// NewMDNSAdvertiser creates an advertiser.
func NewMDNSAdvertiser(config AdvertiserConfig) *MDNSAdvertiser {
	if config.TTL == 0 {
		config.TTL = DefaultTTL
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &MDNSAdvertiser{
		config:   config,
		logger:   logger.With("component", "mdns-advertiser"),
		register: zeroconfRegister,
		servers:  make(map[string]mdnsServer),
	}
}

// Advertise starts publishing info. An instance that is already published
// is replaced.
func (a *MDNSAdvertiser) Advertise(ctx context.Context, info *BrokerInfo) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := ValidateInstanceName(info.Instance); err != nil {
		return err
	}
	if info.Port == 0 {
		return fmt.Errorf("%w: port", ErrMissingRequired)
	}
	if _, err := DecodeBrokerTXT(EncodeBrokerTXT(info)); err != nil {
		return err
	}

	ifaces, err := a.interfaces()
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	if old, ok := a.servers[info.Instance]; ok {
		old.Shutdown()
		delete(a.servers, info.Instance)
	}

	srv, err := a.register(
		info.Instance,
		ServiceType,
		Domain,
		int(info.Port),
		TXTRecordsToStrings(EncodeBrokerTXT(info)),
		ifaces,
		zeroconf.TTL(uint32(a.config.TTL.Seconds())),
	)
	if err != nil {
		return fmt.Errorf("register %s: %w", info.Instance, err)
	}
	a.servers[info.Instance] = srv
	a.logger.Info("advertising broker", "instance", info.Instance, "scheme", info.Scheme, "port", info.Port)
	return nil
}

// Update replaces the TXT records of a published instance.
func (a *MDNSAdvertiser) Update(info *BrokerInfo) error {
	txt := EncodeBrokerTXT(info)
	if _, err := DecodeBrokerTXT(txt); err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	srv, ok := a.servers[info.Instance]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, info.Instance)
	}
	srv.SetText(TXTRecordsToStrings(txt))
	return nil
}

// Stop withdraws one instance.
func (a *MDNSAdvertiser) Stop(instance string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if srv, ok := a.servers[instance]; ok {
		srv.Shutdown()
		delete(a.servers, instance)
		a.logger.Info("stopped advertising", "instance", instance)
	}
}

// StopAll withdraws every instance.
func (a *MDNSAdvertiser) StopAll() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, srv := range a.servers {
		srv.Shutdown()
		delete(a.servers, name)
	}
}

// Instances returns the names currently published.
func (a *MDNSAdvertiser) Instances() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	names := make([]string, 0, len(a.servers))
	for name := range a.servers {
		names = append(names, name)
	}
	return names
}

func (a *MDNSAdvertiser) interfaces() ([]net.Interface, error) {
	return selectInterfaces(a.config.Interface)
}

// selectInterfaces returns nil for all interfaces.
func selectInterfaces(name string) ([]net.Interface, error) {
	if name == "" {
		return nil, nil
	}
	iface, err := net.InterfaceByName(name)
	if err != nil {
		return nil, fmt.Errorf("interface %s: %w", name, err)
	}
	return []net.Interface{*iface}, nil
}
